package syncengine

import (
	"github.com/MarcoPoloResearchLab/wordsync/internal/entities"
	"github.com/MarcoPoloResearchLab/wordsync/internal/remote"
	"go.uber.org/zap"
)

// Detector decides whether a local entity and an incoming remote change have
// diverged from their last common synced version.
type Detector struct {
	logger *zap.Logger
}

// Detect reports divergence. A never-synced entity has no base to diverge
// from. Undecodable system fields fail closed.
func (d Detector) Detect(local entities.Syncable, change remote.RecordChange) bool {
	meta := local.Meta()
	if !meta.HasSystemFields() {
		return false
	}
	base, err := meta.SystemFields()
	if err != nil {
		logger := d.logger
		if logger == nil {
			logger = noOpLogger
		}
		logger.Warn("stored system fields unreadable; treating change as conflicting",
			zap.String("entity_type", local.EntityType().String()),
			zap.String("entity_id", meta.ID),
			zap.Error(err))
		return true
	}
	return meta.SyncStatus == entities.StatusPendingUpload && change.ModifiedAtMs > base.ModifiedAtMs
}
