package syncengine

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/wordsync/internal/entities"
	"github.com/MarcoPoloResearchLab/wordsync/internal/store"
	"go.uber.org/zap"
)

// Tracker owns per-entity sync markers and the sync metadata singleton.
type Tracker struct {
	collaborators
}

// MarkDirty flags an entity for upload and refreshes its timestamp. An entity
// already in conflict keeps that status so its open conflict stays authoritative.
func (t *Tracker) MarkDirty(ctx context.Context, entityType entities.EntityType, entityID string) error {
	err := t.store.WriteTransaction(ctx, func(tx *store.Tx) error {
		entity, err := tx.Get(entityType, entityID)
		if errors.Is(err, store.ErrNotFound) {
			return newServiceError(opMarkDirty, "entity_not_found", ErrEntityNotFound)
		}
		if err != nil {
			return newServiceError(opMarkDirty, "entity_load_failed", err)
		}
		meta := entity.Meta()
		meta.UpdatedAtMs = t.nowMs()
		if meta.SyncStatus != entities.StatusConflict {
			meta.SyncStatus = entities.StatusPendingUpload
		}
		if err := tx.Save(entity); err != nil {
			return newServiceError(opMarkDirty, "entity_save_failed", err)
		}
		return nil
	})
	if err != nil && !errors.Is(err, ErrEntityNotFound) {
		logError(t.logger, opMarkDirty, reasonOf(opMarkDirty, err), err,
			zap.String("entity_type", entityType.String()),
			zap.String("entity_id", entityID))
	}
	return err
}

// MarkSynced records acknowledged system fields and flips the entity to synced.
// An entity deleted in the meantime is logged and skipped.
func (t *Tracker) MarkSynced(ctx context.Context, entityType entities.EntityType, entityID string, fields entities.RemoteSystemFields) error {
	return t.store.WriteTransaction(ctx, func(tx *store.Tx) error {
		entity, err := tx.Get(entityType, entityID)
		if errors.Is(err, store.ErrNotFound) {
			t.logger.Warn("entity vanished before it could be marked synced",
				zap.String("entity_type", entityType.String()),
				zap.String("entity_id", entityID))
			return nil
		}
		if err != nil {
			return newServiceError(opMarkSynced, "entity_load_failed", err)
		}
		return markSyncedTx(tx, entity, fields)
	})
}

// PendingCount counts entities awaiting upload or resolution plus queued
// deletions within the scope.
func (t *Tracker) PendingCount(ctx context.Context, scope entities.Scope) (int64, error) {
	var count int64
	err := t.store.Read(ctx, func(tx *store.Tx) error {
		pending, err := pendingCountTx(tx, scope)
		count = pending
		return err
	})
	return count, err
}

// Metadata returns the sync metadata singleton, creating it on first access.
func (t *Tracker) Metadata(ctx context.Context) (store.SyncMetadata, error) {
	var metadata store.SyncMetadata
	err := t.store.WriteTransaction(ctx, func(tx *store.Tx) error {
		loaded, err := tx.Metadata()
		metadata = loaded
		return err
	})
	return metadata, err
}

// UpdateMetadata applies mutator to the singleton inside one write transaction.
func (t *Tracker) UpdateMetadata(ctx context.Context, mutator func(*store.SyncMetadata) error) (store.SyncMetadata, error) {
	var metadata store.SyncMetadata
	err := t.store.WriteTransaction(ctx, func(tx *store.Tx) error {
		loaded, err := tx.Metadata()
		if err != nil {
			return err
		}
		if err := mutator(&loaded); err != nil {
			return err
		}
		if err := tx.SaveMetadata(loaded); err != nil {
			return err
		}
		metadata = loaded
		return nil
	})
	return metadata, err
}

func markSyncedTx(tx *store.Tx, entity entities.Syncable, fields entities.RemoteSystemFields) error {
	meta := entity.Meta()
	if err := meta.SetSystemFields(fields); err != nil {
		return err
	}
	meta.SyncStatus = entities.StatusSynced
	return tx.Save(entity)
}

func pendingCountTx(tx *store.Tx, scope entities.Scope) (int64, error) {
	types := scope.Types()
	count, err := tx.Count(types, entities.StatusPendingUpload, entities.StatusConflict)
	if err != nil {
		return 0, err
	}
	deletions, err := tx.PendingDeletions(types)
	if err != nil {
		return 0, err
	}
	return count + int64(len(deletions)), nil
}
