package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/wordsync/internal/database"
	"github.com/MarcoPoloResearchLab/wordsync/internal/entities"
	"github.com/MarcoPoloResearchLab/wordsync/internal/remote"
	"go.uber.org/zap"
)

type staticIDGenerator struct {
	counter int
}

func (g *staticIDGenerator) NewID() (string, error) {
	g.counter++
	return fmt.Sprintf("change-%d", g.counter), nil
}

func newTestService(t *testing.T, clock func() time.Time) *Service {
	t.Helper()
	dsn := fmt.Sprintf("file:cloud_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := database.OpenSQLite(dsn, Schema(), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	service, err := NewService(ServiceConfig{
		Database:   db,
		Clock:      clock,
		IDProvider: &staticIDGenerator{},
		Logger:     zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}
	return service
}

func fixedClock() func() time.Time {
	return func() time.Time {
		return time.Unix(1700000600, 0).UTC()
	}
}

func mustAccountID(t *testing.T, value string) AccountID {
	t.Helper()
	accountID, err := NewAccountID(value)
	if err != nil {
		t.Fatalf("unexpected account id error: %v", err)
	}
	return accountID
}

func TestSaveRecordAssignsVersionsAndStrictlyIncreasingModifiedAt(t *testing.T) {
	service := newTestService(t, fixedClock())
	accountID := mustAccountID(t, "acct-1")
	ctx := context.Background()

	first, err := service.SaveRecord(ctx, accountID, entities.EntityTypeFolder, "f1", json.RawMessage(`{"name":"Study","createdAt":1,"modifiedAt":2}`))
	if err != nil {
		t.Fatalf("unexpected save error: %v", err)
	}
	second, err := service.SaveRecord(ctx, accountID, entities.EntityTypeFolder, "f1", json.RawMessage(`{"name":"Review","createdAt":1,"modifiedAt":3}`))
	if err != nil {
		t.Fatalf("unexpected save error: %v", err)
	}

	if first.Version != 1 || second.Version != 2 {
		t.Fatalf("expected versions 1 and 2, got %d and %d", first.Version, second.Version)
	}
	if first.ModifiedAtMs != 1700000600000 {
		t.Fatalf("expected server clock modifiedAt, got %d", first.ModifiedAtMs)
	}
	if second.ModifiedAtMs <= first.ModifiedAtMs {
		t.Fatalf("expected strictly increasing modifiedAt, got %d then %d", first.ModifiedAtMs, second.ModifiedAtMs)
	}

	page, err := service.ChangesSince(ctx, accountID, entities.EntityTypeFolder, "")
	if err != nil {
		t.Fatalf("unexpected changes error: %v", err)
	}
	if len(page.Changes) != 1 || page.Token != 2 {
		t.Fatalf("expected one compacted change at token 2, got %#v", page)
	}
	if page.Changes[0].FieldsJSON != `{"name":"Review","createdAt":1,"modifiedAt":3}` {
		t.Fatalf("expected latest fields, got %s", page.Changes[0].FieldsJSON)
	}

	empty, err := service.ChangesSince(ctx, accountID, entities.EntityTypeFolder, FormatToken(page.Token))
	if err != nil {
		t.Fatalf("unexpected changes error: %v", err)
	}
	if len(empty.Changes) != 0 || empty.Token != 2 {
		t.Fatalf("expected no further changes, got %#v", empty)
	}
}

func TestChangesAreScopedByAccountAndType(t *testing.T) {
	service := newTestService(t, fixedClock())
	ctx := context.Background()

	if _, err := service.SaveRecord(ctx, mustAccountID(t, "acct-1"), entities.EntityTypeFolder, "f1", json.RawMessage(`{"name":"a"}`)); err != nil {
		t.Fatalf("unexpected save error: %v", err)
	}
	if _, err := service.SaveRecord(ctx, mustAccountID(t, "acct-2"), entities.EntityTypeFolder, "f2", json.RawMessage(`{"name":"b"}`)); err != nil {
		t.Fatalf("unexpected save error: %v", err)
	}
	if _, err := service.SaveRecord(ctx, mustAccountID(t, "acct-1"), entities.EntityTypeUserSettings, entities.UserSettingsID, json.RawMessage(`{"darkMode":true,"fontSize":16,"autoSync":true}`)); err != nil {
		t.Fatalf("unexpected save error: %v", err)
	}

	page, err := service.ChangesSince(ctx, mustAccountID(t, "acct-1"), entities.EntityTypeFolder, "")
	if err != nil {
		t.Fatalf("unexpected changes error: %v", err)
	}
	if len(page.Changes) != 1 || page.Changes[0].RecordID != "f1" {
		t.Fatalf("expected only acct-1 folders, got %#v", page.Changes)
	}
}

func TestDeleteRecordLeavesTombstoneInFeed(t *testing.T) {
	service := newTestService(t, fixedClock())
	accountID := mustAccountID(t, "acct-1")
	ctx := context.Background()

	if _, err := service.SaveRecord(ctx, accountID, entities.EntityTypeFolder, "f1", json.RawMessage(`{"name":"a"}`)); err != nil {
		t.Fatalf("unexpected save error: %v", err)
	}
	if err := service.DeleteRecord(ctx, accountID, entities.EntityTypeFolder, "f1"); err != nil {
		t.Fatalf("unexpected delete error: %v", err)
	}
	if err := service.DeleteRecord(ctx, accountID, entities.EntityTypeFolder, "f1"); !errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("expected not found on repeated delete, got %v", err)
	}

	page, err := service.ChangesSince(ctx, accountID, entities.EntityTypeFolder, "1")
	if err != nil {
		t.Fatalf("unexpected changes error: %v", err)
	}
	if len(page.Changes) != 1 || !page.Changes[0].Deleted || page.Token != 2 {
		t.Fatalf("expected tombstone at version 2, got %#v", page)
	}

	var logged int64
	if err := service.db.Model(&RecordChangeLog{}).Count(&logged).Error; err != nil {
		t.Fatalf("failed to count change log: %v", err)
	}
	if logged != 2 {
		t.Fatalf("expected two change log entries, got %d", logged)
	}
}

func TestSaveRecordRejectsInvalidInput(t *testing.T) {
	service := newTestService(t, fixedClock())
	accountID := mustAccountID(t, "acct-1")
	ctx := context.Background()

	_, err := service.SaveRecord(ctx, accountID, entities.EntityTypeUserSettings, entities.UserSettingsID, json.RawMessage(`{"fontSize":"huge"}`))
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "cloud.save_record.invalid_fields" {
		t.Fatalf("expected invalid fields error, got %v", err)
	}

	_, err = service.SaveRecord(ctx, accountID, entities.EntityTypeFolder, " ", json.RawMessage(`{"name":"a"}`))
	if !errors.Is(err, ErrInvalidRecordID) {
		t.Fatalf("expected invalid record id, got %v", err)
	}

	if _, err := service.ChangesSince(ctx, accountID, entities.EntityTypeFolder, "abc"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected invalid token, got %v", err)
	}
}

func TestRestrictedAccountCannotWrite(t *testing.T) {
	service := newTestService(t, fixedClock())
	accountID := mustAccountID(t, "acct-1")
	ctx := context.Background()

	if err := service.SetAccountStatus(ctx, accountID, AccountRestricted); err != nil {
		t.Fatalf("unexpected status error: %v", err)
	}
	_, err := service.SaveRecord(ctx, accountID, entities.EntityTypeFolder, "f1", json.RawMessage(`{"name":"a"}`))
	if !errors.Is(err, ErrAccountRestricted) {
		t.Fatalf("expected restricted error, got %v", err)
	}

	localRemote := NewLocalRemote(service, accountID)
	connectivity, err := localRemote.CheckConnectivity(ctx)
	if err != nil {
		t.Fatalf("unexpected connectivity error: %v", err)
	}
	if connectivity != remote.ConnectivityRestricted {
		t.Fatalf("expected restricted connectivity, got %s", connectivity)
	}
}

func TestLocalRemoteMapsMissingDeleteToNotFound(t *testing.T) {
	service := newTestService(t, fixedClock())
	localRemote := NewLocalRemote(service, mustAccountID(t, "acct-1"))

	err := localRemote.Delete(context.Background(), entities.EntityTypeFolder, "missing")
	if !errors.Is(err, remote.ErrNotFound) {
		t.Fatalf("expected remote not found, got %v", err)
	}

	fields, err := localRemote.Save(context.Background(), remote.Record{
		Type:     entities.EntityTypeFolder,
		RecordID: "f1",
		Fields:   json.RawMessage(`{"name":"a"}`),
	})
	if err != nil {
		t.Fatalf("unexpected save error: %v", err)
	}
	changes, token, err := localRemote.FetchChanges(context.Background(), entities.EntityTypeFolder, "")
	if err != nil {
		t.Fatalf("unexpected fetch error: %v", err)
	}
	if token != "1" || len(changes) != 1 || changes[0].SystemFields() != fields {
		t.Fatalf("unexpected feed %#v token %q", changes, token)
	}
}
