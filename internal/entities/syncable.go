package entities

import (
	"encoding/json"
	"fmt"
)

// Syncable is implemented by every entity the engine can move between the
// local and remote stores.
type Syncable interface {
	EntityType() EntityType
	Meta() *SyncMeta
	// RecordFields serializes the entity into its remote wire shape.
	RecordFields() (json.RawMessage, error)
	// ApplyRecordFields overwrites the entity's user fields from a wire payload.
	ApplyRecordFields(fields json.RawMessage) error
	// MergeWith combines the entity (local side) with the remote side.
	MergeWith(remote Syncable) (Syncable, error)
}

// New returns an empty entity of the given type.
func New(entityType EntityType) (Syncable, error) {
	switch entityType {
	case EntityTypeFolder:
		return &Folder{}, nil
	case EntityTypeFavoriteItem:
		return &FavoriteItem{}, nil
	case EntityTypeUserSettings:
		return &UserSettings{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEntityType, entityType)
	}
}

// Decode builds an entity of the given type from a wire payload.
func Decode(entityType EntityType, id string, fields json.RawMessage) (Syncable, error) {
	entityID, err := NewEntityID(id)
	if err != nil {
		return nil, err
	}
	entity, err := New(entityType)
	if err != nil {
		return nil, err
	}
	if err := entity.ApplyRecordFields(fields); err != nil {
		return nil, err
	}
	entity.Meta().ID = entityID.String()
	return entity, nil
}

func decodeFields(entityType EntityType, fields json.RawMessage, target any) error {
	if len(fields) == 0 {
		return fmt.Errorf("%w: %s: empty payload", ErrDecodeFailure, entityType)
	}
	if err := json.Unmarshal(fields, target); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrDecodeFailure, entityType, err)
	}
	return nil
}

func mismatchedMerge(entityType EntityType, remote Syncable) error {
	if remote == nil {
		return fmt.Errorf("%w: %s: missing remote side", ErrDecodeFailure, entityType)
	}
	return fmt.Errorf("%w: cannot merge %s with %s", ErrDecodeFailure, entityType, remote.EntityType())
}

func laterSideIsRemote(localMs, remoteMs int64) bool {
	return remoteMs > localMs
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
