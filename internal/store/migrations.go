package store

import (
	"github.com/MarcoPoloResearchLab/wordsync/internal/database"
	"github.com/MarcoPoloResearchLab/wordsync/internal/entities"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	migrationSeedSyncMetadata       = "2026-09-14_seed_sync_metadata"
	migrationBackfillEntitySyncFlag = "2026-10-05_backfill_entity_sync_status"
)

// Schema returns the local store's tables and named migrations.
func Schema() database.Schema {
	return database.Schema{
		Models: Models(),
		Migrations: []database.Migration{
			{Name: migrationSeedSyncMetadata, Apply: seedSyncMetadata},
			{Name: migrationBackfillEntitySyncFlag, Apply: backfillEntitySyncStatus},
		},
	}
}

func seedSyncMetadata(db *gorm.DB) error {
	return db.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&SyncMetadata{ID: MetadataID}).Error
}

// Rows written before sync tracking existed carry no status; treat them as
// unsent local edits.
func backfillEntitySyncStatus(db *gorm.DB) error {
	for _, entityType := range entities.AllEntityTypes() {
		model, err := entities.New(entityType)
		if err != nil {
			return err
		}
		err = db.Model(model).
			Where("sync_status = ? OR sync_status IS NULL", "").
			Update("sync_status", entities.StatusPendingUpload).Error
		if err != nil {
			return err
		}
	}
	return nil
}
