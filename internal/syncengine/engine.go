package syncengine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/wordsync/internal/entities"
	"github.com/MarcoPoloResearchLab/wordsync/internal/metrics"
	"github.com/MarcoPoloResearchLab/wordsync/internal/remote"
	"github.com/MarcoPoloResearchLab/wordsync/internal/store"
	"go.uber.org/zap"
)

const interruptedRunMessage = "interrupted"

// SyncState summarizes the engine for callers.
type SyncState string

const (
	StateSynced         SyncState = "synced"
	StatePendingChanges SyncState = "pending_changes"
	StateConflict       SyncState = "conflict"
	StateSyncing        SyncState = "syncing"
	StateOffline        SyncState = "offline"
)

// EngineConfig wires the engine to its collaborators.
type EngineConfig struct {
	Store      *store.Store
	Remote     remote.Store
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
	Metrics    *metrics.SyncCollectors
}

// collaborators is shared by every engine component.
type collaborators struct {
	store   *store.Store
	remote  remote.Store
	clock   func() time.Time
	ids     IDProvider
	logger  *zap.Logger
	metrics *metrics.SyncCollectors
}

func (c collaborators) nowMs() int64 {
	return c.clock().UTC().UnixMilli()
}

// Status is the caller-facing summary of sync health.
type Status struct {
	State              SyncState
	PendingChanges     int64
	UnresolvedCount    int64
	LastSyncTimeMs     *int64
	CurrentOperationID *string
	AutoSyncEnabled    bool
}

// Progress reports best-effort counters of one run.
type Progress struct {
	OperationID string
	Status      store.OperationStatus
	ItemsSynced int64
	TotalItems  int64
	Percentage  float64
}

// RunReport is the outcome of a finished run.
type RunReport struct {
	Operation store.SyncOperation
	Upload    UploadResult
	Download  DownloadResult
}

type runState struct {
	operationID string
	done        chan struct{}
	itemsSynced atomic.Int64
	totalItems  atomic.Int64
	report      RunReport
	err         error
}

func (s *runState) addTotal(count int) {
	if s == nil {
		return
	}
	s.totalItems.Add(int64(count))
}

func (s *runState) advance() {
	if s == nil {
		return
	}
	s.itemsSynced.Add(1)
}

// Engine orchestrates sync runs, conflict resolution and local edits over one
// entity store and one remote store.
type Engine struct {
	collaborators
	tracker    *Tracker
	uploader   *Uploader
	downloader *Downloader
	resolver   *Resolver

	startMu sync.Mutex
	closed  bool
	runsMu  sync.Mutex
	runs    map[string]*runState
	wg      sync.WaitGroup
}

// Open constructs the engine and recovers state left by a process that died
// mid-run: in-progress operations fail as interrupted, the run lock is
// released and half-finished resolutions return to detected.
func Open(ctx context.Context, cfg EngineConfig) (*Engine, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opOpen, "missing_store", errMissingStore)
	}
	if cfg.Remote == nil {
		return nil, newServiceError(opOpen, "missing_remote", errMissingRemote)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opOpen, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	shared := collaborators{
		store:   cfg.Store,
		remote:  cfg.Remote,
		clock:   clock,
		ids:     cfg.IDProvider,
		logger:  logger,
		metrics: cfg.Metrics,
	}
	engine := &Engine{
		collaborators: shared,
		tracker:       &Tracker{collaborators: shared},
		uploader:      &Uploader{collaborators: shared},
		downloader:    &Downloader{collaborators: shared, detector: Detector{logger: logger}},
		resolver:      &Resolver{collaborators: shared},
		runs:          make(map[string]*runState),
	}
	if err := engine.recover(ctx); err != nil {
		logError(logger, opOpen, "recovery_failed", err)
		return nil, newServiceError(opOpen, "recovery_failed", err)
	}
	return engine, nil
}

func (e *Engine) recover(ctx context.Context) error {
	return e.store.WriteTransaction(ctx, func(tx *store.Tx) error {
		stale, err := tx.OperationsWithStatus(store.OperationInProgress)
		if err != nil {
			return err
		}
		nowMs := e.nowMs()
		for _, operation := range stale {
			message := interruptedRunMessage
			completedAt := nowMs
			operation.Status = store.OperationFailed
			operation.ErrorMessage = &message
			operation.CompletedAtMs = &completedAt
			if err := tx.SaveOperation(operation); err != nil {
				return err
			}
			e.logger.Warn("recovered interrupted sync operation", zap.String("operation_id", operation.ID))
		}

		metadata, err := tx.Metadata()
		if err != nil {
			return err
		}
		if metadata.CurrentOperationID != nil {
			metadata.CurrentOperationID = nil
			if err := tx.SaveMetadata(metadata); err != nil {
				return err
			}
		}

		resolving, err := tx.ConflictsInState(store.ConflictResolving)
		if err != nil {
			return err
		}
		for _, conflict := range resolving {
			conflict.State = store.ConflictDetected
			if err := tx.SaveConflict(conflict); err != nil {
				return err
			}
		}
		return nil
	})
}

// Tracker exposes the status tracker.
func (e *Engine) Tracker() *Tracker { return e.tracker }

// Uploader exposes the change uploader.
func (e *Engine) Uploader() *Uploader { return e.uploader }

// Downloader exposes the change downloader.
func (e *Engine) Downloader() *Downloader { return e.downloader }

// Resolver exposes the conflict resolver.
func (e *Engine) Resolver() *Resolver { return e.resolver }

// StartSync begins a run over the scope on a background goroutine and returns
// its operation id. The run is detached from ctx once started.
func (e *Engine) StartSync(ctx context.Context, scope entities.Scope) (string, error) {
	state, err := e.startSync(ctx, scope)
	if err != nil {
		return "", err
	}
	return state.operationID, nil
}

// RunSync starts a run and waits for it to finish. The returned error is the
// run's failure, if any.
func (e *Engine) RunSync(ctx context.Context, scope entities.Scope) (RunReport, error) {
	state, err := e.startSync(ctx, scope)
	if err != nil {
		return RunReport{}, err
	}
	select {
	case <-state.done:
		return state.report, state.err
	case <-ctx.Done():
		return RunReport{}, ctx.Err()
	}
}

func (e *Engine) startSync(ctx context.Context, scope entities.Scope) (*runState, error) {
	e.startMu.Lock()
	defer e.startMu.Unlock()
	if e.closed {
		return nil, newServiceError(opStartSync, "engine_closed", ErrEngineClosed)
	}

	err := e.store.Read(ctx, func(tx *store.Tx) error {
		return ensureNoRunningOperation(tx)
	})
	if err != nil {
		return nil, err
	}

	connectivity, err := e.remote.CheckConnectivity(ctx)
	if err != nil {
		e.logger.Warn("connectivity check failed", zap.Error(err))
		return nil, newServiceError(opStartSync, "network_unavailable", errors.Join(ErrNetworkUnavailable, err))
	}
	switch connectivity {
	case remote.ConnectivityAvailable:
	case remote.ConnectivityNoAccount, remote.ConnectivityRestricted:
		return nil, newServiceError(opStartSync, "account_unavailable", ErrAccountUnavailable)
	default:
		return nil, newServiceError(opStartSync, "network_unavailable", ErrNetworkUnavailable)
	}

	operationID, err := e.ids.NewID()
	if err != nil {
		return nil, newServiceError(opStartSync, "id_generation_failed", err)
	}
	err = e.store.WriteTransaction(ctx, func(tx *store.Tx) error {
		if err := ensureNoRunningOperation(tx); err != nil {
			return err
		}
		operation := store.SyncOperation{
			ID:          operationID,
			Scope:       scope.String(),
			Status:      store.OperationInProgress,
			StartedAtMs: e.nowMs(),
		}
		if err := tx.CreateOperation(operation); err != nil {
			return newServiceError(opStartSync, "operation_create_failed", err)
		}
		metadata, err := tx.Metadata()
		if err != nil {
			return newServiceError(opStartSync, "metadata_load_failed", err)
		}
		metadata.CurrentOperationID = &operationID
		if err := tx.SaveMetadata(metadata); err != nil {
			return newServiceError(opStartSync, "metadata_save_failed", err)
		}
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrSyncInProgress) {
			logError(e.logger, opStartSync, reasonOf(opStartSync, err), err)
		}
		return nil, err
	}

	state := &runState{operationID: operationID, done: make(chan struct{})}
	e.runsMu.Lock()
	e.runs[operationID] = state
	e.runsMu.Unlock()

	e.wg.Add(1)
	go e.run(context.WithoutCancel(ctx), scope, state)
	return state, nil
}

func ensureNoRunningOperation(tx *store.Tx) error {
	metadata, err := tx.Metadata()
	if err != nil {
		return newServiceError(opStartSync, "metadata_load_failed", err)
	}
	if metadata.CurrentOperationID == nil {
		return nil
	}
	operation, err := tx.Operation(*metadata.CurrentOperationID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return newServiceError(opStartSync, "operation_load_failed", err)
	}
	if operation.Status == store.OperationInProgress {
		return newServiceError(opStartSync, "in_progress", ErrSyncInProgress)
	}
	return nil
}

func (e *Engine) run(ctx context.Context, scope entities.Scope, state *runState) {
	defer e.wg.Done()
	started := e.clock()
	e.logger.Info("sync run started",
		zap.String("operation_id", state.operationID),
		zap.String("scope", scope.String()))

	upload, runErr := e.uploader.upload(ctx, scope, state)
	var download DownloadResult
	if runErr == nil {
		if failures := upload.Err(); failures != nil {
			e.logger.Warn("sync run left entities pending upload",
				zap.String("operation_id", state.operationID),
				zap.Int("failed", len(upload.FailedIDs)),
				zap.Error(failures))
		}
		download, runErr = e.downloader.download(ctx, scope, state)
	}

	operation, pending, err := e.finish(ctx, state, runErr)
	if err != nil {
		logError(e.logger, opFinishSync, "finalize_failed", err, zap.String("operation_id", state.operationID))
	}
	status := string(operation.Status)
	if status == "" {
		status = string(store.OperationFailed)
	}
	e.metrics.ObserveRun(status, e.clock().Sub(started))
	e.metrics.SetPendingChanges(pending)
	e.logger.Info("sync run finished",
		zap.String("operation_id", state.operationID),
		zap.String("status", status),
		zap.Int("uploaded", len(upload.SucceededIDs)),
		zap.Int("applied", len(download.Applied)),
		zap.Int("conflicts", len(download.Conflicted)),
		zap.Error(runErr))

	state.report = RunReport{Operation: operation, Upload: upload, Download: download}
	state.err = runErr
	e.runsMu.Lock()
	delete(e.runs, state.operationID)
	e.runsMu.Unlock()
	close(state.done)
}

func (e *Engine) finish(ctx context.Context, state *runState, runErr error) (store.SyncOperation, int64, error) {
	var (
		finished store.SyncOperation
		pending  int64
	)
	err := e.store.WriteTransaction(ctx, func(tx *store.Tx) error {
		operation, err := tx.Operation(state.operationID)
		if err != nil {
			return err
		}
		completedAt := e.nowMs()
		operation.CompletedAtMs = &completedAt
		operation.ItemsSynced = state.itemsSynced.Load()
		operation.TotalItems = state.totalItems.Load()

		metadata, err := tx.Metadata()
		if err != nil {
			return err
		}
		count, err := pendingCountTx(tx, entities.ScopeFull)
		if err != nil {
			return err
		}
		if runErr == nil {
			operation.Status = store.OperationCompleted
			metadata.LastSyncTimeMs = &completedAt
		} else {
			message := runErr.Error()
			operation.Status = store.OperationFailed
			operation.ErrorMessage = &message
		}
		metadata.PendingChangesCount = count
		metadata.CurrentOperationID = nil
		if err := tx.SaveOperation(operation); err != nil {
			return err
		}
		if err := tx.SaveMetadata(metadata); err != nil {
			return err
		}
		finished = operation
		pending = count
		return nil
	})
	return finished, pending, err
}

// Wait blocks until the operation reaches a terminal state and returns it.
func (e *Engine) Wait(ctx context.Context, operationID string) (store.SyncOperation, error) {
	e.runsMu.Lock()
	state := e.runs[operationID]
	e.runsMu.Unlock()
	if state != nil {
		select {
		case <-state.done:
		case <-ctx.Done():
			return store.SyncOperation{}, ctx.Err()
		}
	}
	return e.operation(ctx, operationID)
}

func (e *Engine) operation(ctx context.Context, operationID string) (store.SyncOperation, error) {
	var operation store.SyncOperation
	err := e.store.Read(ctx, func(tx *store.Tx) error {
		loaded, err := tx.Operation(operationID)
		operation = loaded
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return store.SyncOperation{}, newServiceError(opProgress, "operation_not_found", ErrOperationNotFound)
	}
	return operation, err
}

// Progress reports the counters of a running or finished operation.
func (e *Engine) Progress(ctx context.Context, operationID string) (Progress, error) {
	e.runsMu.Lock()
	state := e.runs[operationID]
	e.runsMu.Unlock()
	if state != nil {
		return newProgress(operationID, store.OperationInProgress, state.itemsSynced.Load(), state.totalItems.Load()), nil
	}
	operation, err := e.operation(ctx, operationID)
	if err != nil {
		return Progress{}, err
	}
	return newProgress(operationID, operation.Status, operation.ItemsSynced, operation.TotalItems), nil
}

func newProgress(operationID string, status store.OperationStatus, itemsSynced, totalItems int64) Progress {
	progress := Progress{
		OperationID: operationID,
		Status:      status,
		ItemsSynced: itemsSynced,
		TotalItems:  totalItems,
	}
	switch {
	case totalItems > 0:
		progress.Percentage = min(100, float64(itemsSynced)*100/float64(totalItems))
	case status == store.OperationCompleted:
		progress.Percentage = 100
	}
	return progress
}

// Status summarizes pending work and reachability. States rank offline, then
// syncing while a run holds the lock, then conflict, pending changes and synced.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	var status Status
	err := e.store.WriteTransaction(ctx, func(tx *store.Tx) error {
		metadata, err := tx.Metadata()
		if err != nil {
			return err
		}
		pending, err := pendingCountTx(tx, entities.ScopeFull)
		if err != nil {
			return err
		}
		unresolved, err := tx.CountUnresolvedConflicts(entities.AllEntityTypes())
		if err != nil {
			return err
		}
		status = Status{
			PendingChanges:     pending,
			UnresolvedCount:    unresolved,
			LastSyncTimeMs:     metadata.LastSyncTimeMs,
			CurrentOperationID: metadata.CurrentOperationID,
			AutoSyncEnabled:    metadata.AutoSyncEnabled,
		}
		return nil
	})
	if err != nil {
		logError(e.logger, opStatus, "load_failed", err)
		return Status{}, newServiceError(opStatus, "load_failed", err)
	}

	connectivity, err := e.remote.CheckConnectivity(ctx)
	switch {
	case err != nil || connectivity != remote.ConnectivityAvailable:
		status.State = StateOffline
	case status.CurrentOperationID != nil:
		status.State = StateSyncing
	case status.UnresolvedCount > 0:
		status.State = StateConflict
	case status.PendingChanges > 0:
		status.State = StatePendingChanges
	default:
		status.State = StateSynced
	}
	return status, nil
}

// SetAutoSync persists the auto-sync flag and returns the stored value.
func (e *Engine) SetAutoSync(ctx context.Context, enabled bool) (bool, error) {
	metadata, err := e.tracker.UpdateMetadata(ctx, func(metadata *store.SyncMetadata) error {
		metadata.AutoSyncEnabled = enabled
		return nil
	})
	if err != nil {
		logError(e.logger, opSetAutoSync, "metadata_save_failed", err)
		return false, newServiceError(opSetAutoSync, "metadata_save_failed", err)
	}
	return metadata.AutoSyncEnabled, nil
}

// AutoSyncEnabled reports the persisted auto-sync flag.
func (e *Engine) AutoSyncEnabled(ctx context.Context) (bool, error) {
	metadata, err := e.tracker.Metadata(ctx)
	if err != nil {
		return false, err
	}
	return metadata.AutoSyncEnabled, nil
}

// ResolveConflict settles a conflict with the given policy.
func (e *Engine) ResolveConflict(ctx context.Context, conflictID string, resolution store.Resolution) (bool, error) {
	if _, err := e.resolver.Resolve(ctx, conflictID, resolution); err != nil {
		return false, err
	}
	return true, nil
}

// ListConflicts returns conflicts, newest first.
func (e *Engine) ListConflicts(ctx context.Context, unresolvedOnly bool) ([]store.SyncConflict, error) {
	var conflicts []store.SyncConflict
	err := e.store.Read(ctx, func(tx *store.Tx) error {
		loaded, err := tx.Conflicts(unresolvedOnly)
		conflicts = loaded
		return err
	})
	if err != nil {
		logError(e.logger, opListConflicts, "query_failed", err)
		return nil, newServiceError(opListConflicts, "query_failed", err)
	}
	return conflicts, nil
}

// Entity loads one local entity.
func (e *Engine) Entity(ctx context.Context, entityType entities.EntityType, entityID string) (entities.Syncable, error) {
	entity, err := e.store.Get(ctx, entityType, entityID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrEntityNotFound
	}
	return entity, err
}

// Entities lists local entities of a type.
func (e *Engine) Entities(ctx context.Context, entityType entities.EntityType) ([]entities.Syncable, error) {
	return e.store.Query(ctx, entityType, store.Filter{})
}

// SaveEntity records a user edit: the entity keeps its acknowledged system
// fields, becomes pendingUpload unless it is in conflict, and any queued
// deletion for it is dropped.
func (e *Engine) SaveEntity(ctx context.Context, entity entities.Syncable) error {
	meta := entity.Meta()
	if entity.EntityType() == entities.EntityTypeUserSettings && meta.ID == "" {
		meta.ID = entities.UserSettingsID
	}
	entityID, err := entities.NewEntityID(meta.ID)
	if err != nil {
		return newServiceError(opSaveEntity, "invalid_entity_id", err)
	}
	meta.ID = entityID.String()

	err = e.store.WriteTransaction(ctx, func(tx *store.Tx) error {
		existing, err := tx.Get(entity.EntityType(), meta.ID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			meta.RemoteSystemFields = ""
			meta.SyncStatus = entities.StatusPendingUpload
		case err != nil:
			return err
		default:
			meta.RemoteSystemFields = existing.Meta().RemoteSystemFields
			meta.SyncStatus = entities.StatusPendingUpload
			if existing.Meta().SyncStatus == entities.StatusConflict {
				meta.SyncStatus = entities.StatusConflict
			}
		}
		meta.UpdatedAtMs = e.nowMs()
		if err := tx.Save(entity); err != nil {
			return err
		}
		return tx.DeletePendingDeletion(entity.EntityType(), meta.ID)
	})
	if err != nil {
		logError(e.logger, opSaveEntity, "save_failed", err,
			zap.String("entity_type", entity.EntityType().String()),
			zap.String("entity_id", meta.ID))
		return newServiceError(opSaveEntity, "save_failed", err)
	}
	return nil
}

// DeleteEntity removes a local entity. Entities the remote store has seen
// leave a tombstone so the next upload deletes the remote record.
func (e *Engine) DeleteEntity(ctx context.Context, entityType entities.EntityType, entityID string) error {
	err := e.store.WriteTransaction(ctx, func(tx *store.Tx) error {
		existing, err := tx.Get(entityType, entityID)
		if errors.Is(err, store.ErrNotFound) {
			return newServiceError(opDeleteEntity, "entity_not_found", ErrEntityNotFound)
		}
		if err != nil {
			return newServiceError(opDeleteEntity, "entity_load_failed", err)
		}
		meta := existing.Meta()
		if meta.SyncStatus == entities.StatusConflict {
			return newServiceError(opDeleteEntity, "entity_in_conflict", ErrEntityInConflict)
		}
		if err := tx.Delete(entityType, entityID); err != nil {
			return newServiceError(opDeleteEntity, "delete_failed", err)
		}
		if !meta.HasSystemFields() {
			return nil
		}
		recordID := entityID
		if fields, err := meta.SystemFields(); err == nil && fields != nil {
			recordID = fields.RecordID
		}
		if err := tx.SavePendingDeletion(store.PendingDeletion{
			EntityType:  entityType.String(),
			EntityID:    entityID,
			RecordID:    recordID,
			DeletedAtMs: e.nowMs(),
		}); err != nil {
			return newServiceError(opDeleteEntity, "tombstone_save_failed", err)
		}
		return nil
	})
	if err != nil && !errors.Is(err, ErrEntityNotFound) && !errors.Is(err, ErrEntityInConflict) {
		logError(e.logger, opDeleteEntity, reasonOf(opDeleteEntity, err), err,
			zap.String("entity_type", entityType.String()),
			zap.String("entity_id", entityID))
	}
	return err
}

// MarkDirty flags an existing entity for upload.
func (e *Engine) MarkDirty(ctx context.Context, entityType entities.EntityType, entityID string) error {
	return e.tracker.MarkDirty(ctx, entityType, entityID)
}

// PruneResolvedConflicts deletes acknowledged conflict rows.
func (e *Engine) PruneResolvedConflicts(ctx context.Context) (int64, error) {
	var removed int64
	err := e.store.WriteTransaction(ctx, func(tx *store.Tx) error {
		count, err := tx.DeleteResolvedConflicts()
		removed = count
		return err
	})
	if err != nil {
		logError(e.logger, opPrune, "conflicts_prune_failed", err)
		return 0, newServiceError(opPrune, "conflicts_prune_failed", err)
	}
	return removed, nil
}

// PruneOperations trims finished operations that started more than olderThan ago.
func (e *Engine) PruneOperations(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := e.clock().Add(-olderThan).UTC().UnixMilli()
	var removed int64
	err := e.store.WriteTransaction(ctx, func(tx *store.Tx) error {
		count, err := tx.DeleteFinishedOperationsBefore(cutoff)
		removed = count
		return err
	})
	if err != nil {
		logError(e.logger, opPrune, "operations_prune_failed", err)
		return 0, newServiceError(opPrune, "operations_prune_failed", err)
	}
	return removed, nil
}

// Close rejects new runs and waits for in-flight runs to finish. The entity
// store stays open; its owner closes it.
func (e *Engine) Close() error {
	e.startMu.Lock()
	e.closed = true
	e.startMu.Unlock()
	e.wg.Wait()
	return nil
}
