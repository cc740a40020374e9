package entities

import (
	"errors"
	"fmt"
	"strings"
)

// EntityType enumerates the syncable entity collections.
type EntityType string

const (
	// EntityTypeFolder identifies word folders.
	EntityTypeFolder EntityType = "folder"
	// EntityTypeFavoriteItem identifies favorited dictionary words.
	EntityTypeFavoriteItem EntityType = "favorite_item"
	// EntityTypeUserSettings identifies the per-user settings record.
	EntityTypeUserSettings EntityType = "user_settings"
)

// SyncStatus tracks where an entity stands relative to the remote store.
type SyncStatus string

const (
	StatusSynced          SyncStatus = "synced"
	StatusPendingUpload   SyncStatus = "pendingUpload"
	StatusPendingDownload SyncStatus = "pendingDownload"
	StatusConflict        SyncStatus = "conflict"
	StatusError           SyncStatus = "error"
)

// Scope names the subset of collections a sync run targets.
type Scope string

const (
	ScopeFull      Scope = "full"
	ScopeFolders   Scope = "folders"
	ScopeFavorites Scope = "favorites"
	ScopeSettings  Scope = "settings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidEntityID indicates that an entity identifier is empty or exceeds storage bounds.
	ErrInvalidEntityID = errors.New("entities: invalid entity id")
	// ErrUnknownEntityType indicates an entity type tag outside the supported set.
	ErrUnknownEntityType = errors.New("entities: unknown entity type")
	// ErrUnknownScope indicates a scope tag outside the supported set.
	ErrUnknownScope = errors.New("entities: unknown scope")
	// ErrDecodeFailure indicates a record payload or system fields blob that cannot be decoded.
	ErrDecodeFailure = errors.New("entities: decode failure")
)

var allEntityTypes = []EntityType{EntityTypeFolder, EntityTypeFavoriteItem, EntityTypeUserSettings}

// AllEntityTypes returns every supported collection in upload/download order.
func AllEntityTypes() []EntityType {
	return append([]EntityType(nil), allEntityTypes...)
}

// ParseEntityType validates a raw entity type tag.
func ParseEntityType(raw string) (EntityType, error) {
	candidate := EntityType(strings.TrimSpace(raw))
	for _, known := range allEntityTypes {
		if candidate == known {
			return known, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownEntityType, raw)
}

// String returns the underlying tag.
func (t EntityType) String() string {
	return string(t)
}

// ParseScope validates a raw scope tag. An empty tag selects the full scope.
func ParseScope(raw string) (Scope, error) {
	switch Scope(strings.ToLower(strings.TrimSpace(raw))) {
	case "", ScopeFull:
		return ScopeFull, nil
	case ScopeFolders:
		return ScopeFolders, nil
	case ScopeFavorites:
		return ScopeFavorites, nil
	case ScopeSettings:
		return ScopeSettings, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownScope, raw)
	}
}

// Types lists the entity collections covered by the scope.
func (s Scope) Types() []EntityType {
	switch s {
	case ScopeFolders:
		return []EntityType{EntityTypeFolder}
	case ScopeFavorites:
		return []EntityType{EntityTypeFavoriteItem}
	case ScopeSettings:
		return []EntityType{EntityTypeUserSettings}
	default:
		return AllEntityTypes()
	}
}

// String returns the underlying tag.
func (s Scope) String() string {
	return string(s)
}

// EntityID represents a validated entity identifier.
type EntityID string

// NewEntityID validates raw input and returns an EntityID.
func NewEntityID(rawInput string) (EntityID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidEntityID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidEntityID, maxIdentifierLength)
	}
	return EntityID(trimmed), nil
}

// String returns the underlying string identifier.
func (id EntityID) String() string {
	return string(id)
}

// SyncMeta carries the sync bookkeeping columns shared by every entity table.
type SyncMeta struct {
	ID                 string     `gorm:"column:id;primaryKey;size:190;not null"`
	SyncStatus         SyncStatus `gorm:"column:sync_status;size:32;not null;index"`
	UpdatedAtMs        int64      `gorm:"column:updated_at_ms;not null"`
	RemoteSystemFields string     `gorm:"column:remote_system_fields;type:text;not null;default:''"`
}

// Meta exposes the bookkeeping columns for mutation.
func (m *SyncMeta) Meta() *SyncMeta {
	return m
}

// SystemFields decodes the last acknowledged remote system fields. A never-synced
// entity yields nil without error.
func (m *SyncMeta) SystemFields() (*RemoteSystemFields, error) {
	return DecodeSystemFields(m.RemoteSystemFields)
}

// SetSystemFields stores the acknowledged remote system fields.
func (m *SyncMeta) SetSystemFields(fields RemoteSystemFields) error {
	encoded, err := EncodeSystemFields(fields)
	if err != nil {
		return err
	}
	m.RemoteSystemFields = encoded
	return nil
}

// HasSystemFields reports whether the entity was ever acknowledged by the remote store.
func (m *SyncMeta) HasSystemFields() bool {
	return strings.TrimSpace(m.RemoteSystemFields) != ""
}
