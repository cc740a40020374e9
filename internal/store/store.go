package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/wordsync/internal/entities"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrNotFound indicates that the requested row does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrClosed indicates use of a store after Close.
	ErrClosed = errors.New("store: closed")

	errMissingDatabase = errors.New("database handle is required")
)

// Config wires the store to an opened database.
type Config struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// Store is the transactional local entity store.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// Filter narrows entity queries.
type Filter struct {
	Statuses []entities.SyncStatus
}

// Models lists every table the local store owns, for schema migration.
func Models() []any {
	return []any{
		&entities.Folder{},
		&entities.FavoriteItem{},
		&entities.UserSettings{},
		&SyncOperation{},
		&SyncMetadata{},
		&SyncConflict{},
		&ChangeToken{},
		&PendingDeletion{},
	}
}

// New constructs a Store over an opened and migrated database.
func New(cfg Config) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: cfg.Database, logger: logger}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	s.db = nil
	return sqlDB.Close()
}

// WriteTransaction runs fn atomically; any returned error rolls the whole block back.
func (s *Store) WriteTransaction(ctx context.Context, fn func(tx *Tx) error) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	return s.db.WithContext(ctx).Transaction(func(gormTx *gorm.DB) error {
		return fn(&Tx{db: gormTx, locking: true})
	})
}

// Read runs fn against the store without opening a write transaction.
func (s *Store) Read(ctx context.Context, fn func(tx *Tx) error) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	return fn(&Tx{db: s.db.WithContext(ctx)})
}

// Get loads one entity by type and id.
func (s *Store) Get(ctx context.Context, entityType entities.EntityType, id string) (entities.Syncable, error) {
	var entity entities.Syncable
	err := s.Read(ctx, func(tx *Tx) error {
		found, err := tx.Get(entityType, id)
		entity = found
		return err
	})
	return entity, err
}

// Query lists entities of a type matching the filter.
func (s *Store) Query(ctx context.Context, entityType entities.EntityType, filter Filter) ([]entities.Syncable, error) {
	var result []entities.Syncable
	err := s.Read(ctx, func(tx *Tx) error {
		found, err := tx.Query(entityType, filter)
		result = found
		return err
	})
	return result, err
}

// Tx exposes store operations bound to one transaction or read session.
type Tx struct {
	db      *gorm.DB
	locking bool
}

func (t *Tx) selectForUpdate() *gorm.DB {
	if t.locking {
		return t.db.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return t.db
}

// Get loads one entity by type and id, returning ErrNotFound when absent.
func (t *Tx) Get(entityType entities.EntityType, id string) (entities.Syncable, error) {
	entity, err := entities.New(entityType)
	if err != nil {
		return nil, err
	}
	err = t.selectForUpdate().Where("id = ?", id).Take(entity).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s %s", ErrNotFound, entityType, id)
	}
	if err != nil {
		return nil, err
	}
	return entity, nil
}

// Query lists entities of a type matching the filter, oldest edit first.
func (t *Tx) Query(entityType entities.EntityType, filter Filter) ([]entities.Syncable, error) {
	query := t.db.Order("updated_at_ms ASC").Order("id ASC")
	if len(filter.Statuses) > 0 {
		query = query.Where("sync_status IN ?", filter.Statuses)
	}

	switch entityType {
	case entities.EntityTypeFolder:
		var rows []entities.Folder
		if err := query.Find(&rows).Error; err != nil {
			return nil, err
		}
		result := make([]entities.Syncable, 0, len(rows))
		for index := range rows {
			result = append(result, &rows[index])
		}
		return result, nil
	case entities.EntityTypeFavoriteItem:
		var rows []entities.FavoriteItem
		if err := query.Find(&rows).Error; err != nil {
			return nil, err
		}
		result := make([]entities.Syncable, 0, len(rows))
		for index := range rows {
			result = append(result, &rows[index])
		}
		return result, nil
	case entities.EntityTypeUserSettings:
		var rows []entities.UserSettings
		if err := query.Find(&rows).Error; err != nil {
			return nil, err
		}
		result := make([]entities.Syncable, 0, len(rows))
		for index := range rows {
			result = append(result, &rows[index])
		}
		return result, nil
	default:
		return nil, fmt.Errorf("%w: %q", entities.ErrUnknownEntityType, entityType)
	}
}

// Count counts entities across the given types whose status is one of statuses.
func (t *Tx) Count(entityTypes []entities.EntityType, statuses ...entities.SyncStatus) (int64, error) {
	var total int64
	for _, entityType := range entityTypes {
		model, err := entities.New(entityType)
		if err != nil {
			return 0, err
		}
		query := t.db.Model(model)
		if len(statuses) > 0 {
			query = query.Where("sync_status IN ?", statuses)
		}
		var count int64
		if err := query.Count(&count).Error; err != nil {
			return 0, err
		}
		total += count
	}
	return total, nil
}

// Save inserts or updates the entity row.
func (t *Tx) Save(entity entities.Syncable) error {
	if entity == nil || entity.Meta().ID == "" {
		return entities.ErrInvalidEntityID
	}
	return t.db.Save(entity).Error
}

// Delete removes an entity row. Deleting a missing row is not an error.
func (t *Tx) Delete(entityType entities.EntityType, id string) error {
	model, err := entities.New(entityType)
	if err != nil {
		return err
	}
	return t.db.Where("id = ?", id).Delete(model).Error
}
