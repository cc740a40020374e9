package store

// OperationStatus tracks the lifecycle of one sync run.
type OperationStatus string

const (
	OperationInProgress OperationStatus = "in_progress"
	OperationCompleted  OperationStatus = "completed"
	OperationFailed     OperationStatus = "failed"
)

// ConflictState tracks a conflict through resolution.
type ConflictState string

const (
	ConflictDetected  ConflictState = "detected"
	ConflictResolving ConflictState = "resolving"
	ConflictResolved  ConflictState = "resolved"
)

// Resolution selects how a conflict is settled.
type Resolution string

const (
	ResolutionUseLocal  Resolution = "useLocal"
	ResolutionUseRemote Resolution = "useRemote"
	ResolutionMerge     Resolution = "merge"
)

// MetadataID is the well-known primary key of the sync metadata singleton.
const MetadataID = "sync_metadata"

// SyncOperation records one sync run.
type SyncOperation struct {
	ID            string          `gorm:"column:id;primaryKey;size:190;not null"`
	Scope         string          `gorm:"column:scope;size:32;not null"`
	Status        OperationStatus `gorm:"column:status;size:32;not null;index"`
	StartedAtMs   int64           `gorm:"column:started_at_ms;not null;index"`
	CompletedAtMs *int64          `gorm:"column:completed_at_ms"`
	ErrorMessage  *string         `gorm:"column:error_message;type:text"`
	ItemsSynced   int64           `gorm:"column:items_synced;not null;default:0"`
	TotalItems    int64           `gorm:"column:total_items;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (SyncOperation) TableName() string {
	return "sync_operations"
}

// SyncMetadata is the process-wide sync singleton.
type SyncMetadata struct {
	ID                  string  `gorm:"column:id;primaryKey;size:64;not null"`
	LastSyncTimeMs      *int64  `gorm:"column:last_sync_time_ms"`
	PendingChangesCount int64   `gorm:"column:pending_changes_count;not null;default:0"`
	CurrentOperationID  *string `gorm:"column:current_operation_id;size:190"`
	AutoSyncEnabled     bool    `gorm:"column:auto_sync_enabled;not null"`
}

// TableName provides the explicit table binding for GORM.
func (SyncMetadata) TableName() string {
	return "sync_metadata"
}

// SyncConflict records a divergence between a local entity and a remote record.
type SyncConflict struct {
	ID                 string        `gorm:"column:id;primaryKey;size:190;not null"`
	EntityType         string        `gorm:"column:entity_type;size:32;not null;index:idx_conflicts_entity,priority:1"`
	EntityID           string        `gorm:"column:entity_id;size:190;not null;index:idx_conflicts_entity,priority:2"`
	LocalModifiedAtMs  int64         `gorm:"column:local_modified_at_ms;not null"`
	RemoteModifiedAtMs int64         `gorm:"column:remote_modified_at_ms;not null"`
	LocalSnapshot      string        `gorm:"column:local_snapshot;type:text;not null"`
	RemoteSnapshot     string        `gorm:"column:remote_snapshot;type:text;not null"`
	RemoteSystemFields string        `gorm:"column:remote_system_fields;type:text;not null"`
	RemoteDeleted      bool          `gorm:"column:remote_deleted;not null"`
	State              ConflictState `gorm:"column:state;size:32;not null"`
	Resolved           bool          `gorm:"column:resolved;not null;index"`
	Resolution         *Resolution   `gorm:"column:resolution;size:32"`
	DetectedAtMs       int64         `gorm:"column:detected_at_ms;not null"`
	ResolvedAtMs       *int64        `gorm:"column:resolved_at_ms"`
}

// TableName provides the explicit table binding for GORM.
func (SyncConflict) TableName() string {
	return "sync_conflicts"
}

// ChangeToken stores the change-feed cursor for one entity collection.
type ChangeToken struct {
	EntityType  string `gorm:"column:entity_type;primaryKey;size:32;not null"`
	Token       string `gorm:"column:token;size:190;not null"`
	UpdatedAtMs int64  `gorm:"column:updated_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ChangeToken) TableName() string {
	return "sync_change_tokens"
}

// PendingDeletion is a tombstone for a locally deleted entity whose remote
// record still has to be removed.
type PendingDeletion struct {
	EntityType  string `gorm:"column:entity_type;primaryKey;size:32;not null"`
	EntityID    string `gorm:"column:entity_id;primaryKey;size:190;not null"`
	RecordID    string `gorm:"column:record_id;size:190;not null"`
	DeletedAtMs int64  `gorm:"column:deleted_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (PendingDeletion) TableName() string {
	return "sync_pending_deletions"
}
