package store

import (
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/wordsync/internal/entities"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Metadata returns the sync metadata singleton, creating it on first access.
// Concurrent first accesses race on the insert; the loser's insert is dropped
// and both read the winner's row.
func (t *Tx) Metadata() (SyncMetadata, error) {
	seed := SyncMetadata{ID: MetadataID}
	if err := t.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
		return SyncMetadata{}, err
	}
	var metadata SyncMetadata
	if err := t.selectForUpdate().Where("id = ?", MetadataID).Take(&metadata).Error; err != nil {
		return SyncMetadata{}, err
	}
	return metadata, nil
}

// SaveMetadata persists the singleton.
func (t *Tx) SaveMetadata(metadata SyncMetadata) error {
	metadata.ID = MetadataID
	return t.db.Save(&metadata).Error
}

// Operation loads one sync operation.
func (t *Tx) Operation(id string) (SyncOperation, error) {
	var operation SyncOperation
	err := t.selectForUpdate().Where("id = ?", id).Take(&operation).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return SyncOperation{}, fmt.Errorf("%w: operation %s", ErrNotFound, id)
	}
	return operation, err
}

// CreateOperation inserts a new sync operation.
func (t *Tx) CreateOperation(operation SyncOperation) error {
	return t.db.Create(&operation).Error
}

// SaveOperation persists changes to an existing sync operation.
func (t *Tx) SaveOperation(operation SyncOperation) error {
	return t.db.Save(&operation).Error
}

// OperationsWithStatus lists operations in the given status, oldest first.
func (t *Tx) OperationsWithStatus(status OperationStatus) ([]SyncOperation, error) {
	var operations []SyncOperation
	err := t.db.Where("status = ?", status).Order("started_at_ms ASC").Find(&operations).Error
	return operations, err
}

// DeleteFinishedOperationsBefore prunes terminal operations started before the cutoff.
func (t *Tx) DeleteFinishedOperationsBefore(cutoffMs int64) (int64, error) {
	result := t.db.
		Where("status IN ? AND started_at_ms < ?", []OperationStatus{OperationCompleted, OperationFailed}, cutoffMs).
		Delete(&SyncOperation{})
	return result.RowsAffected, result.Error
}

// Conflict loads one conflict by id.
func (t *Tx) Conflict(id string) (SyncConflict, error) {
	var conflict SyncConflict
	err := t.selectForUpdate().Where("id = ?", id).Take(&conflict).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return SyncConflict{}, fmt.Errorf("%w: conflict %s", ErrNotFound, id)
	}
	return conflict, err
}

// UnresolvedConflictFor returns the open conflict for an entity, or nil.
func (t *Tx) UnresolvedConflictFor(entityType entities.EntityType, entityID string) (*SyncConflict, error) {
	var conflict SyncConflict
	err := t.selectForUpdate().
		Where("entity_type = ? AND entity_id = ? AND resolved = ?", entityType.String(), entityID, false).
		Order("detected_at_ms ASC").
		Take(&conflict).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &conflict, nil
}

// Conflicts lists conflicts, newest first.
func (t *Tx) Conflicts(unresolvedOnly bool) ([]SyncConflict, error) {
	query := t.db.Order("detected_at_ms DESC").Order("id ASC")
	if unresolvedOnly {
		query = query.Where("resolved = ?", false)
	}
	var conflicts []SyncConflict
	err := query.Find(&conflicts).Error
	return conflicts, err
}

// ConflictsInState lists conflicts in the given resolution state.
func (t *Tx) ConflictsInState(state ConflictState) ([]SyncConflict, error) {
	var conflicts []SyncConflict
	err := t.db.Where("state = ?", state).Find(&conflicts).Error
	return conflicts, err
}

// CountUnresolvedConflicts counts open conflicts across the given types.
func (t *Tx) CountUnresolvedConflicts(entityTypes []entities.EntityType) (int64, error) {
	tags := make([]string, 0, len(entityTypes))
	for _, entityType := range entityTypes {
		tags = append(tags, entityType.String())
	}
	var count int64
	err := t.db.Model(&SyncConflict{}).
		Where("resolved = ? AND entity_type IN ?", false, tags).
		Count(&count).Error
	return count, err
}

// SaveConflict inserts or updates a conflict.
func (t *Tx) SaveConflict(conflict SyncConflict) error {
	return t.db.Save(&conflict).Error
}

// DeleteResolvedConflicts removes acknowledged conflict rows.
func (t *Tx) DeleteResolvedConflicts() (int64, error) {
	result := t.db.Where("resolved = ?", true).Delete(&SyncConflict{})
	return result.RowsAffected, result.Error
}

// ChangeToken returns the stored cursor for a collection; empty means from the beginning.
func (t *Tx) ChangeToken(entityType entities.EntityType) (string, error) {
	var token ChangeToken
	err := t.db.Where("entity_type = ?", entityType.String()).Take(&token).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return token.Token, nil
}

// SaveChangeToken stores the cursor for a collection.
func (t *Tx) SaveChangeToken(entityType entities.EntityType, value string, updatedAtMs int64) error {
	return t.db.Save(&ChangeToken{
		EntityType:  entityType.String(),
		Token:       value,
		UpdatedAtMs: updatedAtMs,
	}).Error
}

// PendingDeletions lists tombstones for the given collections, oldest first.
func (t *Tx) PendingDeletions(entityTypes []entities.EntityType) ([]PendingDeletion, error) {
	tags := make([]string, 0, len(entityTypes))
	for _, entityType := range entityTypes {
		tags = append(tags, entityType.String())
	}
	var deletions []PendingDeletion
	err := t.db.Where("entity_type IN ?", tags).Order("deleted_at_ms ASC").Find(&deletions).Error
	return deletions, err
}

// HasPendingDeletion reports whether a tombstone exists for the entity.
func (t *Tx) HasPendingDeletion(entityType entities.EntityType, entityID string) (bool, error) {
	var count int64
	err := t.db.Model(&PendingDeletion{}).
		Where("entity_type = ? AND entity_id = ?", entityType.String(), entityID).
		Count(&count).Error
	return count > 0, err
}

// SavePendingDeletion records a tombstone.
func (t *Tx) SavePendingDeletion(deletion PendingDeletion) error {
	return t.db.Save(&deletion).Error
}

// DeletePendingDeletion clears a tombstone.
func (t *Tx) DeletePendingDeletion(entityType entities.EntityType, entityID string) error {
	return t.db.
		Where("entity_type = ? AND entity_id = ?", entityType.String(), entityID).
		Delete(&PendingDeletion{}).Error
}
