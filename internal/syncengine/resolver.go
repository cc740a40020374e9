package syncengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/wordsync/internal/entities"
	"github.com/MarcoPoloResearchLab/wordsync/internal/remote"
	"github.com/MarcoPoloResearchLab/wordsync/internal/store"
	"go.uber.org/zap"
)

// ParseResolution validates a raw resolution tag.
func ParseResolution(raw string) (store.Resolution, error) {
	switch store.Resolution(raw) {
	case store.ResolutionUseLocal, store.ResolutionUseRemote, store.ResolutionMerge:
		return store.Resolution(raw), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownResolution, raw)
	}
}

// Resolver settles conflicts. Each conflict moves detected → resolving → resolved;
// a remote failure moves it back to detected so the caller can retry.
type Resolver struct {
	collaborators
}

type resolutionPlan struct {
	conflict     store.SyncConflict
	entityType   entities.EntityType
	outcome      entities.Syncable
	systemFields *entities.RemoteSystemFields
	push         bool
	deleteLocal  bool
	deleteRemote bool
}

// Resolve applies the resolution and returns the entity's settled state, or
// nil when the resolution deleted it. When a download moves the conflict's
// remote side while the resolution is in flight, nothing is committed locally,
// the conflict returns to detected and ErrConflictChanged asks the caller to
// decide again against the newer remote state.
func (r *Resolver) Resolve(ctx context.Context, conflictID string, resolution store.Resolution) (entities.Syncable, error) {
	if _, err := ParseResolution(string(resolution)); err != nil {
		return nil, newServiceError(opResolveConflict, "invalid_resolution", err)
	}

	var plan resolutionPlan
	err := r.store.WriteTransaction(ctx, func(tx *store.Tx) error {
		prepared, err := r.prepare(tx, conflictID, resolution)
		if err != nil {
			return err
		}
		prepared.conflict.State = store.ConflictResolving
		if err := tx.SaveConflict(prepared.conflict); err != nil {
			return newServiceError(opResolveConflict, "conflict_save_failed", err)
		}
		plan = prepared
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrConflictNotFound) && !errors.Is(err, ErrConflictAlreadyResolved) && !errors.Is(err, ErrResolutionInProgress) {
			logError(r.logger, opResolveConflict, reasonOf(opResolveConflict, err), err, zap.String("conflict_id", conflictID))
		}
		return nil, err
	}

	if err := r.writeRemote(ctx, &plan); err != nil {
		r.revert(ctx, conflictID)
		logError(r.logger, opResolveConflict, "remote_store_failed", err, zap.String("conflict_id", conflictID))
		return nil, newServiceError(opResolveConflict, "remote_store_failed", fmt.Errorf("%w: %v", ErrRemoteStoreFailure, err))
	}

	var changed bool
	err = r.store.WriteTransaction(ctx, func(tx *store.Tx) error {
		conflict, err := tx.Conflict(conflictID)
		if err != nil {
			return err
		}
		if conflict.RemoteSystemFields != plan.conflict.RemoteSystemFields || conflict.RemoteDeleted != plan.conflict.RemoteDeleted {
			changed = true
			conflict.State = store.ConflictDetected
			if err := tx.SaveConflict(conflict); err != nil {
				return err
			}
			return recordAcknowledgedTx(tx, plan)
		}
		if plan.deleteLocal {
			if err := tx.Delete(plan.entityType, conflict.EntityID); err != nil {
				return err
			}
		} else if err := markSyncedTx(tx, plan.outcome, *plan.systemFields); err != nil {
			return err
		}
		resolvedAt := r.nowMs()
		conflict.State = store.ConflictResolved
		conflict.Resolved = true
		conflict.Resolution = &resolution
		conflict.ResolvedAtMs = &resolvedAt
		return tx.SaveConflict(conflict)
	})
	if err != nil {
		r.revert(ctx, conflictID)
		logError(r.logger, opResolveConflict, "commit_failed", err, zap.String("conflict_id", conflictID))
		return nil, newServiceError(opResolveConflict, "commit_failed", err)
	}
	if changed {
		r.logger.Warn("remote side changed during conflict resolution; conflict reopened",
			zap.String("conflict_id", conflictID),
			zap.String("resolution", string(resolution)))
		return nil, newServiceError(opResolveConflict, "remote_changed", ErrConflictChanged)
	}

	r.metrics.ObserveConflictResolved(string(resolution))
	r.logger.Info("sync conflict resolved",
		zap.String("conflict_id", conflictID),
		zap.String("resolution", string(resolution)))
	if plan.deleteLocal {
		return nil, nil
	}
	return plan.outcome, nil
}

// writeRemote performs the remote half of a plan and records the system
// fields the remote acknowledged for a pushed outcome.
func (r *Resolver) writeRemote(ctx context.Context, plan *resolutionPlan) error {
	if plan.push {
		fields, err := plan.outcome.RecordFields()
		if err != nil {
			return err
		}
		acknowledged, err := r.remote.Save(ctx, remote.Record{
			Type:     plan.entityType,
			RecordID: plan.outcome.Meta().ID,
			Fields:   fields,
		})
		if err != nil {
			return err
		}
		plan.systemFields = &acknowledged
	}
	if plan.deleteRemote {
		err := r.remote.Delete(ctx, plan.entityType, plan.conflict.EntityID)
		if err != nil && !errors.Is(err, remote.ErrNotFound) {
			return err
		}
	}
	return nil
}

// recordAcknowledgedTx stores the system fields of a pushed outcome on the
// local entity of a reopened conflict, leaving its fields and status alone.
// Later downloads use them to recognise the echo of that write.
func recordAcknowledgedTx(tx *store.Tx, plan resolutionPlan) error {
	if !plan.push || plan.systemFields == nil {
		return nil
	}
	local, err := tx.Get(plan.entityType, plan.conflict.EntityID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := local.Meta().SetSystemFields(*plan.systemFields); err != nil {
		return err
	}
	return tx.Save(local)
}

func (r *Resolver) prepare(tx *store.Tx, conflictID string, resolution store.Resolution) (resolutionPlan, error) {
	conflict, err := tx.Conflict(conflictID)
	if errors.Is(err, store.ErrNotFound) {
		return resolutionPlan{}, newServiceError(opResolveConflict, "conflict_not_found", ErrConflictNotFound)
	}
	if err != nil {
		return resolutionPlan{}, newServiceError(opResolveConflict, "conflict_load_failed", err)
	}
	if conflict.Resolved {
		return resolutionPlan{}, newServiceError(opResolveConflict, "already_resolved", ErrConflictAlreadyResolved)
	}
	if conflict.State == store.ConflictResolving {
		return resolutionPlan{}, newServiceError(opResolveConflict, "in_progress", ErrResolutionInProgress)
	}
	entityType, err := entities.ParseEntityType(conflict.EntityType)
	if err != nil {
		return resolutionPlan{}, newServiceError(opResolveConflict, "decode_failed", err)
	}

	local, err := tx.Get(entityType, conflict.EntityID)
	if errors.Is(err, store.ErrNotFound) {
		if conflict.LocalSnapshot == "" {
			return prepareWithoutLocal(conflict, entityType, resolution)
		}
		local, err = entities.Decode(entityType, conflict.EntityID, json.RawMessage(conflict.LocalSnapshot))
	}
	if err != nil {
		return resolutionPlan{}, newServiceError(opResolveConflict, "decode_failed", err)
	}

	plan := resolutionPlan{conflict: conflict, entityType: entityType}
	switch {
	case resolution == store.ResolutionUseLocal, resolution == store.ResolutionMerge && conflict.RemoteDeleted:
		plan.outcome = local
		plan.push = true
	case resolution == store.ResolutionUseRemote && conflict.RemoteDeleted:
		plan.deleteLocal = true
		plan.deleteRemote = wroteAfterRemoteSide(local, conflict)
	case resolution == store.ResolutionUseRemote:
		remoteEntity, systemFields, err := decodeRemoteSide(entityType, conflict)
		if err != nil {
			return resolutionPlan{}, newServiceError(opResolveConflict, "decode_failed", err)
		}
		plan.outcome = remoteEntity
		plan.systemFields = systemFields
		plan.push = wroteAfterRemoteSide(local, conflict)
	case resolution == store.ResolutionMerge:
		remoteEntity, _, err := decodeRemoteSide(entityType, conflict)
		if err != nil {
			return resolutionPlan{}, newServiceError(opResolveConflict, "decode_failed", err)
		}
		merged, err := local.MergeWith(remoteEntity)
		if err != nil {
			return resolutionPlan{}, newServiceError(opResolveConflict, "decode_failed", err)
		}
		merged.Meta().UpdatedAtMs = r.nowMs()
		plan.outcome = merged
		plan.push = true
	}
	return plan, nil
}

// prepareWithoutLocal plans a conflict opened for a remote record that never
// had a local copy. Keeping the local side removes the remote record.
func prepareWithoutLocal(conflict store.SyncConflict, entityType entities.EntityType, resolution store.Resolution) (resolutionPlan, error) {
	plan := resolutionPlan{conflict: conflict, entityType: entityType}
	switch {
	case conflict.RemoteDeleted:
		plan.deleteLocal = true
	case resolution == store.ResolutionUseLocal:
		plan.deleteLocal = true
		plan.deleteRemote = true
	default:
		remoteEntity, systemFields, err := decodeRemoteSide(entityType, conflict)
		if err != nil {
			return resolutionPlan{}, newServiceError(opResolveConflict, "decode_failed", err)
		}
		plan.outcome = remoteEntity
		plan.systemFields = systemFields
	}
	return plan, nil
}

// wroteAfterRemoteSide reports whether the remote holds a write of ours that
// is newer than the conflict's remote side, left by a resolution that was
// reopened. Picking the remote side then has to be written back.
func wroteAfterRemoteSide(local entities.Syncable, conflict store.SyncConflict) bool {
	acknowledged, err := local.Meta().SystemFields()
	if err != nil || acknowledged == nil {
		return false
	}
	remoteSide, err := entities.DecodeSystemFields(conflict.RemoteSystemFields)
	if err != nil || remoteSide == nil {
		return false
	}
	return acknowledged.Version > remoteSide.Version
}

func decodeRemoteSide(entityType entities.EntityType, conflict store.SyncConflict) (entities.Syncable, *entities.RemoteSystemFields, error) {
	remoteEntity, err := entities.Decode(entityType, conflict.EntityID, json.RawMessage(conflict.RemoteSnapshot))
	if err != nil {
		return nil, nil, err
	}
	systemFields, err := entities.DecodeSystemFields(conflict.RemoteSystemFields)
	if err != nil {
		return nil, nil, err
	}
	if systemFields == nil {
		return nil, nil, fmt.Errorf("%w: conflict %s has no remote system fields", entities.ErrDecodeFailure, conflict.ID)
	}
	return remoteEntity, systemFields, nil
}

// revert returns a conflict stuck in resolving to detected.
func (r *Resolver) revert(ctx context.Context, conflictID string) {
	err := r.store.WriteTransaction(ctx, func(tx *store.Tx) error {
		conflict, err := tx.Conflict(conflictID)
		if err != nil {
			return err
		}
		if conflict.Resolved {
			return nil
		}
		conflict.State = store.ConflictDetected
		return tx.SaveConflict(conflict)
	})
	if err != nil {
		logError(r.logger, opResolveConflict, "revert_failed", err, zap.String("conflict_id", conflictID))
	}
}
