package syncengine

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/MarcoPoloResearchLab/wordsync/internal/entities"
	"github.com/MarcoPoloResearchLab/wordsync/internal/metrics"
	"github.com/MarcoPoloResearchLab/wordsync/internal/remote"
	"github.com/MarcoPoloResearchLab/wordsync/internal/store"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// UploadResult reports per-entity outcomes of one upload pass.
type UploadResult struct {
	SucceededIDs []string
	DeletedIDs   []string
	FailedIDs    map[string]error
}

// Err combines every per-entity failure, ordered by id, or returns nil.
func (r UploadResult) Err() error {
	if len(r.FailedIDs) == 0 {
		return nil
	}
	ids := make([]string, 0, len(r.FailedIDs))
	for id := range r.FailedIDs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var combined error
	for _, id := range ids {
		combined = multierr.Append(combined, fmt.Errorf("%s: %w", id, r.FailedIDs[id]))
	}
	return combined
}

func (r *UploadResult) fail(id string, err error) {
	if r.FailedIDs == nil {
		r.FailedIDs = make(map[string]error)
	}
	r.FailedIDs[id] = err
}

// Uploader pushes dirty entities and queued deletions to the remote store.
type Uploader struct {
	collaborators
}

// Upload pushes every pendingUpload entity and every queued deletion in the
// scope. A failing item is recorded and the batch continues; only a local
// store failure aborts the pass.
func (u *Uploader) Upload(ctx context.Context, scope entities.Scope) (UploadResult, error) {
	return u.upload(ctx, scope, nil)
}

func (u *Uploader) upload(ctx context.Context, scope entities.Scope, progress *runState) (UploadResult, error) {
	result := UploadResult{}
	for _, entityType := range scope.Types() {
		dirty, err := u.store.Query(ctx, entityType, store.Filter{Statuses: []entities.SyncStatus{entities.StatusPendingUpload}})
		if err != nil {
			logError(u.logger, opUpload, "query_failed", err, zap.String("entity_type", entityType.String()))
			return result, newServiceError(opUpload, "query_failed", err)
		}
		progress.addTotal(len(dirty))
		for _, entity := range dirty {
			if err := u.uploadEntity(ctx, entity); err != nil {
				result.fail(entity.Meta().ID, err)
				u.metrics.ObserveUpload(entityType.String(), metrics.ResultFailed)
				u.logger.Warn("entity upload failed",
					zap.String("entity_type", entityType.String()),
					zap.String("entity_id", entity.Meta().ID),
					zap.Error(err))
			} else {
				result.SucceededIDs = append(result.SucceededIDs, entity.Meta().ID)
				u.metrics.ObserveUpload(entityType.String(), metrics.ResultSucceeded)
			}
			progress.advance()
		}
	}

	var deletions []store.PendingDeletion
	err := u.store.Read(ctx, func(tx *store.Tx) error {
		loaded, err := tx.PendingDeletions(scope.Types())
		deletions = loaded
		return err
	})
	if err != nil {
		logError(u.logger, opUpload, "deletions_query_failed", err)
		return result, newServiceError(opUpload, "deletions_query_failed", err)
	}
	progress.addTotal(len(deletions))
	for _, deletion := range deletions {
		if err := u.uploadDeletion(ctx, deletion); err != nil {
			result.fail(deletion.EntityID, err)
			u.metrics.ObserveUpload(deletion.EntityType, metrics.ResultFailed)
			u.logger.Warn("remote deletion failed",
				zap.String("entity_type", deletion.EntityType),
				zap.String("entity_id", deletion.EntityID),
				zap.Error(err))
		} else {
			result.DeletedIDs = append(result.DeletedIDs, deletion.EntityID)
			u.metrics.ObserveUpload(deletion.EntityType, metrics.ResultSucceeded)
		}
		progress.advance()
	}
	return result, nil
}

// uploadEntity saves one entity remotely, then records the acknowledgement. An
// entity edited while the save was in flight keeps its pending status but
// adopts the new system fields, so the next pass uploads the edit against the
// version just written.
func (u *Uploader) uploadEntity(ctx context.Context, entity entities.Syncable) error {
	entityType := entity.EntityType()
	entityID := entity.Meta().ID
	fields, err := entity.RecordFields()
	if err != nil {
		return err
	}
	acknowledged, err := u.remote.Save(ctx, remote.Record{
		Type:     entityType,
		RecordID: entityID,
		Fields:   fields,
	})
	if err != nil {
		return err
	}

	return u.store.WriteTransaction(ctx, func(tx *store.Tx) error {
		current, err := tx.Get(entityType, entityID)
		if errors.Is(err, store.ErrNotFound) {
			u.logger.Info("entity deleted during upload; queueing remote deletion",
				zap.String("entity_type", entityType.String()),
				zap.String("entity_id", entityID))
			return tx.SavePendingDeletion(store.PendingDeletion{
				EntityType:  entityType.String(),
				EntityID:    entityID,
				RecordID:    acknowledged.RecordID,
				DeletedAtMs: u.nowMs(),
			})
		}
		if err != nil {
			return err
		}
		meta := current.Meta()
		if meta.UpdatedAtMs != entity.Meta().UpdatedAtMs || meta.SyncStatus != entities.StatusPendingUpload {
			if err := meta.SetSystemFields(acknowledged); err != nil {
				return err
			}
			return tx.Save(current)
		}
		return markSyncedTx(tx, current, acknowledged)
	})
}

func (u *Uploader) uploadDeletion(ctx context.Context, deletion store.PendingDeletion) error {
	entityType, err := entities.ParseEntityType(deletion.EntityType)
	if err != nil {
		return err
	}
	recordID := deletion.RecordID
	if recordID == "" {
		recordID = deletion.EntityID
	}
	if err := u.remote.Delete(ctx, entityType, recordID); err != nil && !errors.Is(err, remote.ErrNotFound) {
		return err
	}
	return u.store.WriteTransaction(ctx, func(tx *store.Tx) error {
		return tx.DeletePendingDeletion(entityType, deletion.EntityID)
	})
}
