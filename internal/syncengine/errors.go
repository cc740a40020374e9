package syncengine

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

var (
	// ErrSyncInProgress indicates another run still holds the exclusivity lock.
	ErrSyncInProgress = errors.New("sync: operation already in progress")
	// ErrAccountUnavailable indicates the remote account is missing or restricted.
	ErrAccountUnavailable = errors.New("sync: remote account unavailable")
	// ErrNetworkUnavailable indicates the remote store could not be reached.
	ErrNetworkUnavailable = errors.New("sync: remote store unreachable")
	// ErrConflictNotFound indicates an unknown conflict id.
	ErrConflictNotFound = errors.New("sync: conflict not found")
	// ErrConflictAlreadyResolved indicates a conflict that was settled earlier.
	ErrConflictAlreadyResolved = errors.New("sync: conflict already resolved")
	// ErrResolutionInProgress indicates a conflict another caller is resolving.
	ErrResolutionInProgress = errors.New("sync: conflict resolution in progress")
	// ErrConflictChanged indicates a conflict whose remote side moved while it was being resolved.
	ErrConflictChanged = errors.New("sync: conflict remote side changed during resolution")
	// ErrUnknownResolution indicates a resolution policy outside the supported set.
	ErrUnknownResolution = errors.New("sync: unknown resolution")
	// ErrRemoteStoreFailure indicates the remote store rejected a write during resolution.
	ErrRemoteStoreFailure = errors.New("sync: remote store failure")
	// ErrEntityNotFound indicates an unknown local entity.
	ErrEntityNotFound = errors.New("sync: entity not found")
	// ErrEntityInConflict indicates an entity that must be resolved before it can be deleted.
	ErrEntityInConflict = errors.New("sync: entity has an unresolved conflict")
	// ErrOperationNotFound indicates an unknown sync operation id.
	ErrOperationNotFound = errors.New("sync: operation not found")
	// ErrEngineClosed indicates use of an engine after Close.
	ErrEngineClosed = errors.New("sync: engine closed")

	errMissingStore      = errors.New("entity store is required")
	errMissingRemote     = errors.New("remote store is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingEngine     = errors.New("engine is required")
	errInvalidInterval   = errors.New("auto sync interval must be positive")
	noOpLogger           = zap.NewNop()
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opOpen            = "sync.open"
	opStartSync       = "sync.start_sync"
	opFinishSync      = "sync.finish_sync"
	opProgress        = "sync.progress"
	opStatus          = "sync.status"
	opSetAutoSync     = "sync.set_auto_sync"
	opSaveEntity      = "sync.save_entity"
	opDeleteEntity    = "sync.delete_entity"
	opMarkDirty       = "sync.mark_dirty"
	opMarkSynced      = "sync.mark_synced"
	opUpload          = "sync.upload"
	opDownload        = "sync.download"
	opResolveConflict = "sync.resolve_conflict"
	opListConflicts   = "sync.list_conflicts"
	opPrune           = "sync.prune"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// reasonOf extracts the reason segment of a service error code.
func reasonOf(operation string, err error) string {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return strings.TrimPrefix(serviceErr.Code(), operation+".")
	}
	return "unknown"
}

func logError(logger *zap.Logger, operation, reason string, err error, fields ...zap.Field) {
	if logger == nil {
		logger = noOpLogger
	}
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	logger.Error("sync engine error", attrs...)
}
