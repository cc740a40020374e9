package syncengine

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/wordsync/internal/entities"
	"github.com/MarcoPoloResearchLab/wordsync/internal/metrics"
	"github.com/MarcoPoloResearchLab/wordsync/internal/remote"
	"github.com/MarcoPoloResearchLab/wordsync/internal/store"
	"go.uber.org/zap"
)

// DownloadResult reports what one download pass did locally. Conflicted holds
// the conflicts the pass opened or moved to a newer remote state, once each.
type DownloadResult struct {
	Applied    []string
	Skipped    []string
	Conflicted []store.SyncConflict
}

func (r *DownloadResult) addConflict(conflict store.SyncConflict) {
	for i := range r.Conflicted {
		if r.Conflicted[i].ID == conflict.ID {
			r.Conflicted[i] = conflict
			return
		}
	}
	r.Conflicted = append(r.Conflicted, conflict)
}

// Downloader applies remote change feeds to the local store.
type Downloader struct {
	collaborators
	detector Detector
}

type changeOutcome struct {
	action   string
	conflict *store.SyncConflict
}

// Download fetches every collection in the scope from its stored change token
// and applies the changes in feed order. The token advances only after the
// whole batch for a collection has been applied.
func (d *Downloader) Download(ctx context.Context, scope entities.Scope) (DownloadResult, error) {
	return d.download(ctx, scope, nil)
}

func (d *Downloader) download(ctx context.Context, scope entities.Scope, progress *runState) (DownloadResult, error) {
	result := DownloadResult{}
	for _, entityType := range scope.Types() {
		var token string
		err := d.store.Read(ctx, func(tx *store.Tx) error {
			loaded, err := tx.ChangeToken(entityType)
			token = loaded
			return err
		})
		if err != nil {
			logError(d.logger, opDownload, "token_load_failed", err, zap.String("entity_type", entityType.String()))
			return result, newServiceError(opDownload, "token_load_failed", err)
		}

		changes, nextToken, err := d.remote.FetchChanges(ctx, entityType, token)
		if err != nil {
			logError(d.logger, opDownload, "fetch_failed", err, zap.String("entity_type", entityType.String()))
			return result, newServiceError(opDownload, "fetch_failed", err)
		}
		progress.addTotal(len(changes))

		for _, change := range changes {
			var outcome changeOutcome
			err := d.store.WriteTransaction(ctx, func(tx *store.Tx) error {
				applied, err := d.applyChange(tx, entityType, change)
				outcome = applied
				return err
			})
			if err != nil {
				logError(d.logger, opDownload, "apply_failed", err,
					zap.String("entity_type", entityType.String()),
					zap.String("record_id", change.RecordID))
				return result, newServiceError(opDownload, "apply_failed", err)
			}
			d.metrics.ObserveRemoteChange(entityType.String(), outcome.action)
			switch outcome.action {
			case metrics.ActionSkipped:
				result.Skipped = append(result.Skipped, change.RecordID)
			case metrics.ActionConflict:
				result.addConflict(*outcome.conflict)
				d.metrics.ObserveConflictDetected(entityType.String())
			case metrics.ActionRefreshed:
				result.addConflict(*outcome.conflict)
			default:
				result.Applied = append(result.Applied, change.RecordID)
			}
			progress.advance()
		}

		err = d.store.WriteTransaction(ctx, func(tx *store.Tx) error {
			return tx.SaveChangeToken(entityType, nextToken, d.nowMs())
		})
		if err != nil {
			logError(d.logger, opDownload, "token_save_failed", err, zap.String("entity_type", entityType.String()))
			return result, newServiceError(opDownload, "token_save_failed", err)
		}
	}
	return result, nil
}

// applyChange folds one remote change into the local store. A pendingUpload
// entity whose acknowledged base the remote has not moved past is skipped
// rather than overwritten: the change can only be an echo of an earlier
// upload, and the newer local edit stays queued for the next upload.
func (d *Downloader) applyChange(tx *store.Tx, entityType entities.EntityType, change remote.RecordChange) (changeOutcome, error) {
	local, err := tx.Get(entityType, change.RecordID)
	if errors.Is(err, store.ErrNotFound) {
		return d.applyToMissing(tx, entityType, change)
	}
	if err != nil {
		return changeOutcome{}, err
	}

	if change.Deleted {
		switch local.Meta().SyncStatus {
		case entities.StatusConflict:
			return d.refreshConflict(tx, entityType, change.RecordID, local, change)
		case entities.StatusPendingUpload:
			return d.openConflict(tx, entityType, change.RecordID, local, change)
		default:
			if err := tx.Delete(entityType, change.RecordID); err != nil {
				return changeOutcome{}, err
			}
			return changeOutcome{action: metrics.ActionDeleted}, nil
		}
	}

	meta := local.Meta()
	switch meta.SyncStatus {
	case entities.StatusConflict:
		return d.refreshConflict(tx, entityType, change.RecordID, local, change)
	case entities.StatusPendingUpload:
		if d.detector.Detect(local, change) {
			return d.openConflict(tx, entityType, change.RecordID, local, change)
		}
		if meta.HasSystemFields() {
			return changeOutcome{action: metrics.ActionSkipped}, nil
		}
	case entities.StatusSynced:
		if current, err := meta.SystemFields(); err == nil && current != nil && *current == change.SystemFields() {
			return changeOutcome{action: metrics.ActionSkipped}, nil
		}
	}

	incoming, err := entities.Decode(entityType, change.RecordID, change.Fields)
	if err != nil {
		d.logger.Warn("remote record undecodable; opening conflict",
			zap.String("entity_type", entityType.String()),
			zap.String("record_id", change.RecordID),
			zap.Error(err))
		return d.openConflict(tx, entityType, change.RecordID, local, change)
	}
	if err := markSyncedTx(tx, incoming, change.SystemFields()); err != nil {
		return changeOutcome{}, err
	}
	return changeOutcome{action: metrics.ActionUpdated}, nil
}

// applyToMissing handles a change for a record with no local row. A record
// that cannot be decoded opens a conflict without a local side so the rest of
// the feed keeps flowing.
func (d *Downloader) applyToMissing(tx *store.Tx, entityType entities.EntityType, change remote.RecordChange) (changeOutcome, error) {
	existing, err := tx.UnresolvedConflictFor(entityType, change.RecordID)
	if err != nil {
		return changeOutcome{}, err
	}
	if existing != nil {
		return d.refreshConflict(tx, entityType, change.RecordID, nil, change)
	}
	if change.Deleted {
		return changeOutcome{action: metrics.ActionSkipped}, nil
	}
	tombstoned, err := tx.HasPendingDeletion(entityType, change.RecordID)
	if err != nil {
		return changeOutcome{}, err
	}
	if tombstoned {
		return changeOutcome{action: metrics.ActionSkipped}, nil
	}
	incoming, err := entities.Decode(entityType, change.RecordID, change.Fields)
	if err != nil {
		d.logger.Warn("remote record undecodable; opening conflict without a local copy",
			zap.String("entity_type", entityType.String()),
			zap.String("record_id", change.RecordID),
			zap.Error(err))
		return d.openConflict(tx, entityType, change.RecordID, nil, change)
	}
	if err := markSyncedTx(tx, incoming, change.SystemFields()); err != nil {
		return changeOutcome{}, err
	}
	return changeOutcome{action: metrics.ActionCreated}, nil
}

// openConflict records a new divergence and parks the entity in conflict. An
// entity that already has an open conflict gets that conflict refreshed. A nil
// local records an empty local snapshot.
func (d *Downloader) openConflict(tx *store.Tx, entityType entities.EntityType, entityID string, local entities.Syncable, change remote.RecordChange) (changeOutcome, error) {
	existing, err := tx.UnresolvedConflictFor(entityType, entityID)
	if err != nil {
		return changeOutcome{}, err
	}
	if existing != nil {
		return d.refreshConflict(tx, entityType, entityID, local, change)
	}

	var localSnapshot string
	var localModifiedAtMs int64
	if local != nil {
		fields, err := local.RecordFields()
		if err != nil {
			return changeOutcome{}, err
		}
		localSnapshot = string(fields)
		localModifiedAtMs = local.Meta().UpdatedAtMs
	}
	remoteSystemFields, err := entities.EncodeSystemFields(change.SystemFields())
	if err != nil {
		return changeOutcome{}, err
	}
	conflictID, err := d.ids.NewID()
	if err != nil {
		return changeOutcome{}, err
	}
	conflict := store.SyncConflict{
		ID:                 conflictID,
		EntityType:         entityType.String(),
		EntityID:           entityID,
		LocalModifiedAtMs:  localModifiedAtMs,
		RemoteModifiedAtMs: change.ModifiedAtMs,
		LocalSnapshot:      localSnapshot,
		RemoteSnapshot:     string(change.Fields),
		RemoteSystemFields: remoteSystemFields,
		RemoteDeleted:      change.Deleted,
		State:              store.ConflictDetected,
		DetectedAtMs:       d.nowMs(),
	}
	if err := tx.SaveConflict(conflict); err != nil {
		return changeOutcome{}, err
	}
	if local != nil {
		local.Meta().SyncStatus = entities.StatusConflict
		if err := tx.Save(local); err != nil {
			return changeOutcome{}, err
		}
	}
	d.logger.Info("sync conflict detected",
		zap.String("conflict_id", conflictID),
		zap.String("entity_type", conflict.EntityType),
		zap.String("entity_id", conflict.EntityID),
		zap.Bool("remote_deleted", change.Deleted),
		zap.Bool("local_missing", local == nil))
	return changeOutcome{action: metrics.ActionConflict, conflict: &conflict}, nil
}

// refreshConflict moves an open conflict's remote side forward to a newer
// remote state. Changes at or behind the recorded remote version are skipped,
// as is the echo of a resolution write the remote accepted after the conflict
// had already moved on.
func (d *Downloader) refreshConflict(tx *store.Tx, entityType entities.EntityType, entityID string, local entities.Syncable, change remote.RecordChange) (changeOutcome, error) {
	existing, err := tx.UnresolvedConflictFor(entityType, entityID)
	if err != nil {
		return changeOutcome{}, err
	}
	if existing == nil {
		return d.openConflict(tx, entityType, entityID, local, change)
	}
	if recorded, err := entities.DecodeSystemFields(existing.RemoteSystemFields); err == nil && recorded != nil && change.Version <= recorded.Version {
		return changeOutcome{action: metrics.ActionSkipped}, nil
	}
	if local != nil {
		if acknowledged, err := local.Meta().SystemFields(); err == nil && acknowledged != nil && *acknowledged == change.SystemFields() {
			return changeOutcome{action: metrics.ActionSkipped}, nil
		}
	}
	remoteSystemFields, err := entities.EncodeSystemFields(change.SystemFields())
	if err != nil {
		return changeOutcome{}, err
	}
	existing.RemoteModifiedAtMs = change.ModifiedAtMs
	existing.RemoteSnapshot = string(change.Fields)
	existing.RemoteSystemFields = remoteSystemFields
	existing.RemoteDeleted = change.Deleted
	if err := tx.SaveConflict(*existing); err != nil {
		return changeOutcome{}, err
	}
	return changeOutcome{action: metrics.ActionRefreshed, conflict: existing}, nil
}
