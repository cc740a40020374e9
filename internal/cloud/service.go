package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/wordsync/internal/database"
	"github.com/MarcoPoloResearchLab/wordsync/internal/entities"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew       = "cloud.service.new"
	opAccount          = "cloud.account"
	opSetAccountStatus = "cloud.set_account_status"
	opSaveRecord       = "cloud.save_record"
	opDeleteRecord     = "cloud.delete_record"
	opChangesSince     = "cloud.changes_since"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// IDProvider generates change log identifiers.
type IDProvider interface {
	NewID() (string, error)
}

type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Service is the remote authority: per-account record collections with a
// monotonically increasing version that doubles as the change cursor.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// Schema returns the cloud tables for migration.
func Schema() database.Schema {
	return database.Schema{
		Models: []any{&Account{}, &StoredRecord{}, &RecordChangeLog{}},
	}
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// SavedRecord reports the server-assigned metadata of a write.
type SavedRecord struct {
	RecordID     string
	ModifiedAtMs int64
	Version      int64
}

// ChangePage is the ordered set of records changed after a cursor.
type ChangePage struct {
	Changes []StoredRecord
	Token   int64
}

// Account returns the account, provisioning it on first use.
func (s *Service) Account(ctx context.Context, accountID AccountID) (Account, error) {
	var account Account
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		loaded, err := s.ensureAccount(tx, accountID)
		account = loaded
		return err
	})
	if err != nil {
		s.logError(opAccount, "account_load_failed", err, zap.String("account_id", accountID.String()))
		return Account{}, newServiceError(opAccount, "account_load_failed", err)
	}
	return account, nil
}

// SetAccountStatus enables or restricts an account.
func (s *Service) SetAccountStatus(ctx context.Context, accountID AccountID, status AccountStatus) error {
	if status != AccountAvailable && status != AccountRestricted {
		return newServiceError(opSetAccountStatus, "invalid_status", fmt.Errorf("unknown account status %q", status))
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.ensureAccount(tx, accountID); err != nil {
			return err
		}
		return tx.Model(&Account{}).Where("account_id = ?", accountID.String()).Update("status", status).Error
	})
	if err != nil {
		s.logError(opSetAccountStatus, "account_update_failed", err, zap.String("account_id", accountID.String()))
		return newServiceError(opSetAccountStatus, "account_update_failed", err)
	}
	return nil
}

// SaveRecord upserts a record, assigning it the next account version and a
// modification time strictly after the record's previous one.
func (s *Service) SaveRecord(ctx context.Context, accountID AccountID, recordType entities.EntityType, rawRecordID string, fields json.RawMessage) (SavedRecord, error) {
	recordID, err := validateRecordID(rawRecordID)
	if err != nil {
		return SavedRecord{}, newServiceError(opSaveRecord, "invalid_record_id", err)
	}
	if _, err := entities.Decode(recordType, recordID, fields); err != nil {
		return SavedRecord{}, newServiceError(opSaveRecord, "invalid_fields", err)
	}

	var saved SavedRecord
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account, err := s.lockAccount(tx, accountID)
		if err != nil {
			return accountError(opSaveRecord, err)
		}

		var existing StoredRecord
		err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("account_id = ? AND record_type = ? AND record_id = ?", accountID.String(), recordType.String(), recordID).
			Take(&existing).Error
		hasExisting := err == nil
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opSaveRecord, "record_select_failed", err)
		}

		modifiedAt := s.clock().UTC().UnixMilli()
		if hasExisting && modifiedAt <= existing.ModifiedAtMs {
			modifiedAt = existing.ModifiedAtMs + 1
		}
		account.Version++
		record := StoredRecord{
			AccountID:    accountID.String(),
			RecordType:   recordType.String(),
			RecordID:     recordID,
			FieldsJSON:   string(fields),
			ModifiedAtMs: modifiedAt,
			Version:      account.Version,
			Deleted:      false,
		}
		if err := tx.Save(&record).Error; err != nil {
			return newServiceError(opSaveRecord, "record_save_failed", err)
		}
		if err := s.appendChange(tx, opSaveRecord, record, ChangeOperationUpsert); err != nil {
			return err
		}
		if err := tx.Model(&Account{}).Where("account_id = ?", account.AccountID).Update("version", account.Version).Error; err != nil {
			return newServiceError(opSaveRecord, "account_update_failed", err)
		}
		saved = SavedRecord{RecordID: recordID, ModifiedAtMs: modifiedAt, Version: account.Version}
		return nil
	})
	if txErr != nil {
		s.logServiceError(opSaveRecord, txErr,
			zap.String("account_id", accountID.String()),
			zap.String("record_type", recordType.String()),
			zap.String("record_id", recordID))
		return SavedRecord{}, txErr
	}
	return saved, nil
}

// DeleteRecord replaces a record with a tombstone so change feeds report the deletion.
func (s *Service) DeleteRecord(ctx context.Context, accountID AccountID, recordType entities.EntityType, rawRecordID string) error {
	recordID, err := validateRecordID(rawRecordID)
	if err != nil {
		return newServiceError(opDeleteRecord, "invalid_record_id", err)
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account, err := s.lockAccount(tx, accountID)
		if err != nil {
			return accountError(opDeleteRecord, err)
		}

		var existing StoredRecord
		err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("account_id = ? AND record_type = ? AND record_id = ?", accountID.String(), recordType.String(), recordID).
			Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && existing.Deleted) {
			return newServiceError(opDeleteRecord, "record_not_found", ErrRecordNotFound)
		}
		if err != nil {
			return newServiceError(opDeleteRecord, "record_select_failed", err)
		}

		modifiedAt := s.clock().UTC().UnixMilli()
		if modifiedAt <= existing.ModifiedAtMs {
			modifiedAt = existing.ModifiedAtMs + 1
		}
		account.Version++
		existing.FieldsJSON = "{}"
		existing.Deleted = true
		existing.ModifiedAtMs = modifiedAt
		existing.Version = account.Version
		if err := tx.Save(&existing).Error; err != nil {
			return newServiceError(opDeleteRecord, "record_save_failed", err)
		}
		if err := s.appendChange(tx, opDeleteRecord, existing, ChangeOperationDelete); err != nil {
			return err
		}
		if err := tx.Model(&Account{}).Where("account_id = ?", account.AccountID).Update("version", account.Version).Error; err != nil {
			return newServiceError(opDeleteRecord, "account_update_failed", err)
		}
		return nil
	})
	if txErr != nil && !errors.Is(txErr, ErrRecordNotFound) {
		s.logServiceError(opDeleteRecord, txErr,
			zap.String("account_id", accountID.String()),
			zap.String("record_type", recordType.String()),
			zap.String("record_id", recordID))
	}
	return txErr
}

// ChangesSince lists the latest state of every record in a collection whose
// version is after the token, in version order.
func (s *Service) ChangesSince(ctx context.Context, accountID AccountID, recordType entities.EntityType, token string) (ChangePage, error) {
	since, err := ParseToken(token)
	if err != nil {
		return ChangePage{}, newServiceError(opChangesSince, "invalid_token", err)
	}

	var records []StoredRecord
	if err := s.db.WithContext(ctx).
		Where("account_id = ? AND record_type = ? AND version > ?", accountID.String(), recordType.String(), since).
		Order("version ASC").
		Find(&records).Error; err != nil {
		s.logError(opChangesSince, "query_failed", err,
			zap.String("account_id", accountID.String()),
			zap.String("record_type", recordType.String()))
		return ChangePage{}, newServiceError(opChangesSince, "query_failed", err)
	}

	page := ChangePage{Changes: records, Token: since}
	if len(records) > 0 {
		page.Token = records[len(records)-1].Version
	}
	return page, nil
}

// ParseToken converts a change token into the version it encodes. An empty
// token starts from the beginning of the feed.
func ParseToken(token string) (int64, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return 0, nil
	}
	version, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil || version < 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidToken, token)
	}
	return version, nil
}

// FormatToken renders a version as a change token.
func FormatToken(version int64) string {
	return strconv.FormatInt(version, 10)
}

func (s *Service) ensureAccount(tx *gorm.DB, accountID AccountID) (Account, error) {
	seed := Account{
		AccountID:   accountID.String(),
		Status:      AccountAvailable,
		CreatedAtMs: s.clock().UTC().UnixMilli(),
	}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
		return Account{}, err
	}
	var account Account
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("account_id = ?", accountID.String()).
		Take(&account).Error
	return account, err
}

func (s *Service) lockAccount(tx *gorm.DB, accountID AccountID) (Account, error) {
	account, err := s.ensureAccount(tx, accountID)
	if err != nil {
		return Account{}, err
	}
	if account.Status == AccountRestricted {
		return Account{}, ErrAccountRestricted
	}
	return account, nil
}

func accountError(operation string, err error) error {
	if errors.Is(err, ErrAccountRestricted) {
		return newServiceError(operation, "account_restricted", err)
	}
	return newServiceError(operation, "account_load_failed", err)
}

func (s *Service) appendChange(tx *gorm.DB, operationName string, record StoredRecord, operation ChangeOperation) error {
	changeID, err := s.idProvider.NewID()
	if err != nil {
		return newServiceError(operationName, "id_generation_failed", err)
	}
	entry := RecordChangeLog{
		ChangeID:    changeID,
		AccountID:   record.AccountID,
		RecordType:  record.RecordType,
		RecordID:    record.RecordID,
		Operation:   operation,
		Version:     record.Version,
		AppliedAtMs: record.ModifiedAtMs,
	}
	if err := tx.Create(&entry).Error; err != nil {
		return newServiceError(operationName, "audit_insert_failed", err)
	}
	return nil
}

func (s *Service) logServiceError(operation string, err error, fields ...zap.Field) {
	reason := "unknown"
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		reason = strings.TrimPrefix(serviceErr.Code(), operation+".")
	}
	s.logError(operation, reason, err, fields...)
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("cloud service error", attrs...)
}
