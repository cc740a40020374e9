package cloud

import (
	"errors"
	"fmt"
	"strings"
)

// AccountStatus gates whether an account may sync.
type AccountStatus string

const (
	AccountAvailable  AccountStatus = "available"
	AccountRestricted AccountStatus = "restricted"
)

// ChangeOperation labels entries of the change log.
type ChangeOperation string

const (
	ChangeOperationUpsert ChangeOperation = "upsert"
	ChangeOperationDelete ChangeOperation = "delete"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidAccountID indicates an empty or oversized account identifier.
	ErrInvalidAccountID = errors.New("cloud: invalid account id")
	// ErrInvalidRecordID indicates an empty or oversized record identifier.
	ErrInvalidRecordID = errors.New("cloud: invalid record id")
	// ErrInvalidToken indicates a change token that is not a version number.
	ErrInvalidToken = errors.New("cloud: invalid change token")
	// ErrRecordNotFound indicates a missing or already deleted record.
	ErrRecordNotFound = errors.New("cloud: record not found")
	// ErrAccountRestricted indicates an account that may not sync.
	ErrAccountRestricted = errors.New("cloud: account restricted")
)

// AccountID represents a validated account identifier.
type AccountID string

// NewAccountID validates raw input and returns an AccountID.
func NewAccountID(rawInput string) (AccountID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidAccountID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidAccountID, maxIdentifierLength)
	}
	return AccountID(trimmed), nil
}

// String returns the underlying string identifier.
func (id AccountID) String() string {
	return string(id)
}

func validateRecordID(rawInput string) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidRecordID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidRecordID, maxIdentifierLength)
	}
	return trimmed, nil
}

// Account holds the per-account version counter used as the change cursor.
type Account struct {
	AccountID   string        `gorm:"column:account_id;primaryKey;size:190;not null"`
	Version     int64         `gorm:"column:version;not null;default:0"`
	Status      AccountStatus `gorm:"column:status;size:32;not null"`
	CreatedAtMs int64         `gorm:"column:created_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Account) TableName() string {
	return "cloud_accounts"
}

// StoredRecord is the latest state of one record, tombstones included.
type StoredRecord struct {
	AccountID    string `gorm:"column:account_id;primaryKey;size:190;not null;index:idx_records_feed,priority:1"`
	RecordType   string `gorm:"column:record_type;primaryKey;size:32;not null;index:idx_records_feed,priority:2"`
	RecordID     string `gorm:"column:record_id;primaryKey;size:190;not null"`
	FieldsJSON   string `gorm:"column:fields_json;type:text;not null"`
	ModifiedAtMs int64  `gorm:"column:modified_at_ms;not null"`
	Version      int64  `gorm:"column:version;not null;index:idx_records_feed,priority:3"`
	Deleted      bool   `gorm:"column:deleted;not null"`
}

// TableName provides the explicit table binding for GORM.
func (StoredRecord) TableName() string {
	return "cloud_records"
}

// RecordChangeLog is the append-only audit trail of record writes.
type RecordChangeLog struct {
	ChangeID    string          `gorm:"column:change_id;primaryKey;size:190;not null"`
	AccountID   string          `gorm:"column:account_id;size:190;not null;index:idx_change_log_account,priority:1"`
	RecordType  string          `gorm:"column:record_type;size:32;not null"`
	RecordID    string          `gorm:"column:record_id;size:190;not null"`
	Operation   ChangeOperation `gorm:"column:op;size:16;not null"`
	Version     int64           `gorm:"column:version;not null;index:idx_change_log_account,priority:2"`
	AppliedAtMs int64           `gorm:"column:applied_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (RecordChangeLog) TableName() string {
	return "cloud_record_changes"
}
