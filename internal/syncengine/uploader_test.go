package syncengine

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/MarcoPoloResearchLab/wordsync/internal/entities"
)

func TestUploadIsolatesPerEntityFailures(t *testing.T) {
	h := newSyncHarness(t)
	h.mustSaveEntity(t, newFolder("f1", "Study"))
	h.mustSaveEntity(t, newFolder("f2", "Review"))
	h.mustSaveEntity(t, newFolder("f3", "Archive"))
	h.remote.failSave("f2", errors.New("quota exceeded"))

	result, err := h.engine.Uploader().Upload(context.Background(), entities.ScopeFolders)
	if err != nil {
		t.Fatalf("unexpected upload error: %v", err)
	}

	if len(result.SucceededIDs) != 2 || result.SucceededIDs[0] != "f1" || result.SucceededIDs[1] != "f3" {
		t.Fatalf("expected f1 and f3 to succeed, got %v", result.SucceededIDs)
	}
	if len(result.FailedIDs) != 1 {
		t.Fatalf("expected exactly one failure, got %v", result.FailedIDs)
	}
	if _, ok := result.FailedIDs["f2"]; !ok {
		t.Fatalf("expected f2 to fail, got %v", result.FailedIDs)
	}
	if combined := result.Err(); combined == nil || !strings.Contains(combined.Error(), "f2: quota exceeded") {
		t.Fatalf("expected combined error naming f2, got %v", combined)
	}

	for id, expected := range map[string]entities.SyncStatus{
		"f1": entities.StatusSynced,
		"f2": entities.StatusPendingUpload,
		"f3": entities.StatusSynced,
	} {
		folder := h.mustGet(t, entities.EntityTypeFolder, id)
		if folder.Meta().SyncStatus != expected {
			t.Fatalf("%s: expected %s, got %s", id, expected, folder.Meta().SyncStatus)
		}
	}
	if h.mustGet(t, entities.EntityTypeFolder, "f2").Meta().HasSystemFields() {
		t.Fatalf("failed upload must not record system fields")
	}
}

func TestUploadRecordsServerSystemFields(t *testing.T) {
	h := newSyncHarness(t)
	h.mustSaveEntity(t, &entities.UserSettings{DarkMode: true, FontSize: 20, AutoSync: true})

	result, err := h.engine.Uploader().Upload(context.Background(), entities.ScopeSettings)
	if err != nil {
		t.Fatalf("unexpected upload error: %v", err)
	}
	if result.Err() != nil || len(result.SucceededIDs) != 1 {
		t.Fatalf("unexpected upload result %#v", result)
	}

	settings := h.mustGet(t, entities.EntityTypeUserSettings, entities.UserSettingsID)
	fields, err := settings.Meta().SystemFields()
	if err != nil || fields == nil {
		t.Fatalf("expected system fields, got %v (%v)", fields, err)
	}
	if fields.RecordID != entities.UserSettingsID || fields.Version != 1 || fields.ModifiedAtMs != h.clock.Now().UnixMilli() {
		t.Fatalf("unexpected system fields %#v", fields)
	}
}

func TestUploadSendsQueuedDeletions(t *testing.T) {
	h := newSyncHarness(t)
	ctx := context.Background()
	h.mustSaveEntity(t, newFolder("f1", "Study"))
	h.mustSaveEntity(t, newFolder("inbox", "Inbox"))
	h.mustRunSync(t, entities.ScopeFolders)

	if err := h.engine.DeleteEntity(ctx, entities.EntityTypeFolder, "f1"); err != nil {
		t.Fatalf("unexpected delete error: %v", err)
	}
	count, err := h.engine.Tracker().PendingCount(ctx, entities.ScopeFolders)
	if err != nil || count != 1 {
		t.Fatalf("expected one pending deletion, got %d (%v)", count, err)
	}

	result, err := h.engine.Uploader().Upload(ctx, entities.ScopeFolders)
	if err != nil {
		t.Fatalf("unexpected upload error: %v", err)
	}
	if len(result.DeletedIDs) != 1 || result.DeletedIDs[0] != "f1" {
		t.Fatalf("expected f1 deletion, got %#v", result)
	}

	page, err := h.cloud.ChangesSince(ctx, h.account, entities.EntityTypeFolder, "2")
	if err != nil {
		t.Fatalf("unexpected changes error: %v", err)
	}
	if len(page.Changes) != 1 || page.Changes[0].RecordID != "f1" || !page.Changes[0].Deleted {
		t.Fatalf("expected remote tombstone for f1, got %#v", page.Changes)
	}

	count, err = h.engine.Tracker().PendingCount(ctx, entities.ScopeFolders)
	if err != nil || count != 0 {
		t.Fatalf("expected no pending work, got %d (%v)", count, err)
	}

	result, err = h.engine.Uploader().Upload(ctx, entities.ScopeFolders)
	if err != nil || len(result.DeletedIDs) != 0 {
		t.Fatalf("expected tombstone to be consumed, got %#v (%v)", result, err)
	}
}

func TestDeleteEntityWithoutRemoteCopyLeavesNoTombstone(t *testing.T) {
	h := newSyncHarness(t)
	ctx := context.Background()
	h.mustSaveEntity(t, newFolder("draft", "Local only"))

	if err := h.engine.DeleteEntity(ctx, entities.EntityTypeFolder, "draft"); err != nil {
		t.Fatalf("unexpected delete error: %v", err)
	}
	count, err := h.engine.Tracker().PendingCount(ctx, entities.ScopeFull)
	if err != nil || count != 0 {
		t.Fatalf("expected nothing pending, got %d (%v)", count, err)
	}
	if err := h.engine.DeleteEntity(ctx, entities.EntityTypeFolder, "draft"); !errors.Is(err, ErrEntityNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
}
