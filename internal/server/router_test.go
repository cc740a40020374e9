package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/wordsync/internal/cloud"
	"github.com/MarcoPoloResearchLab/wordsync/internal/database"
	"github.com/MarcoPoloResearchLab/wordsync/internal/entities"
	"github.com/MarcoPoloResearchLab/wordsync/internal/store"
	"github.com/MarcoPoloResearchLab/wordsync/internal/syncengine"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type apiHarness struct {
	handler http.Handler
	engine  *syncengine.Engine
	cloud   *cloud.Service
	account cloud.AccountID
}

func fixedClock() time.Time {
	return time.Unix(1700000000, 0).UTC()
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cloudDB, err := database.OpenSQLite(fmt.Sprintf("file:api_cloud_%d?mode=memory&cache=shared", time.Now().UnixNano()), cloud.Schema(), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open cloud sqlite: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := cloudDB.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	cloudService, err := cloud.NewService(cloud.ServiceConfig{
		Database:   cloudDB,
		Clock:      fixedClock,
		IDProvider: cloud.NewUUIDProvider(),
		Logger:     zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to build cloud service: %v", err)
	}
	accountID, err := cloud.NewAccountID("api-owner")
	if err != nil {
		t.Fatalf("unexpected account id error: %v", err)
	}

	localDB, err := database.OpenSQLite(fmt.Sprintf("file:api_local_%d?mode=memory&cache=shared", time.Now().UnixNano()), store.Schema(), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open local sqlite: %v", err)
	}
	entityStore, err := store.New(store.Config{Database: localDB, Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	t.Cleanup(func() {
		_ = entityStore.Close()
	})

	engine, err := syncengine.Open(context.Background(), syncengine.EngineConfig{
		Store:      entityStore,
		Remote:     cloud.NewLocalRemote(cloudService, accountID),
		Clock:      fixedClock,
		IDProvider: syncengine.NewUUIDProvider(),
		Logger:     zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to open engine: %v", err)
	}
	t.Cleanup(func() {
		_ = engine.Close()
	})

	handler, err := NewHTTPHandler(Dependencies{Engine: engine, Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("failed to build router: %v", err)
	}
	return &apiHarness{handler: handler, engine: engine, cloud: cloudService, account: accountID}
}

func (h *apiHarness) perform(method, path, body string) *httptest.ResponseRecorder {
	var request *http.Request
	if body == "" {
		request = httptest.NewRequest(method, path, http.NoBody)
	} else {
		request = httptest.NewRequest(method, path, strings.NewReader(body))
		request.Header.Set("Content-Type", "application/json")
	}
	recorder := httptest.NewRecorder()
	h.handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody[T any](t *testing.T, recorder *httptest.ResponseRecorder) T {
	t.Helper()
	var payload T
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode response %s: %v", recorder.Body.String(), err)
	}
	return payload
}

func (h *apiHarness) mustSync(t *testing.T) string {
	t.Helper()
	recorder := h.perform(http.MethodPost, "/sync", `{"scope":"full"}`)
	if recorder.Code != http.StatusAccepted {
		t.Fatalf("expected accepted, got %d: %s", recorder.Code, recorder.Body.String())
	}
	started := decodeBody[startSyncResponsePayload](t, recorder)
	operation, err := h.engine.Wait(context.Background(), started.OperationID)
	if err != nil || operation.Status != store.OperationCompleted {
		t.Fatalf("expected completed run, got %#v (%v)", operation, err)
	}
	return started.OperationID
}

func TestNewHTTPHandlerRequiresEngine(t *testing.T) {
	if _, err := NewHTTPHandler(Dependencies{}); err == nil {
		t.Fatalf("expected missing engine error")
	}
}

func TestCORSMiddlewareAnswersPreflight(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(corsMiddleware([]string{"http://localhost:5173"}))
	router.PUT("/entities/folder/f1", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	request := httptest.NewRequest(http.MethodOptions, "/entities/folder/f1", http.NoBody)
	request.Header.Set("Origin", "http://localhost:5173")
	request.Header.Set("Access-Control-Request-Method", http.MethodPut)
	request.Header.Set("Access-Control-Request-Headers", "Content-Type")

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected status %d, got %d", http.StatusNoContent, recorder.Code)
	}
	if origin := recorder.Header().Get("Access-Control-Allow-Origin"); origin != "http://localhost:5173" {
		t.Fatalf("unexpected allowed origin %q", origin)
	}
	if !strings.Contains(strings.ToLower(recorder.Header().Get("Access-Control-Allow-Headers")), "content-type") {
		t.Fatalf("expected Content-Type in allowed headers, got %q", recorder.Header().Get("Access-Control-Allow-Headers"))
	}
}

func TestEntityEditAndSyncFlow(t *testing.T) {
	h := newAPIHarness(t)

	recorder := h.perform(http.MethodPut, "/entities/folder/f1", `{"fields":{"name":"Study","createdAt":1700000000000}}`)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected ok, got %d: %s", recorder.Code, recorder.Body.String())
	}
	saved := decodeBody[entityPayload](t, recorder)
	if saved.ID != "f1" || saved.SyncStatus != string(entities.StatusPendingUpload) {
		t.Fatalf("unexpected saved entity %#v", saved)
	}

	status := decodeBody[statusResponsePayload](t, h.perform(http.MethodGet, "/sync/status", ""))
	if status.State != string(syncengine.StatePendingChanges) || status.PendingChanges != 1 {
		t.Fatalf("unexpected status %#v", status)
	}

	operationID := h.mustSync(t)
	progress := decodeBody[progressResponsePayload](t, h.perform(http.MethodGet, "/sync/operations/"+operationID, ""))
	if progress.Status != string(store.OperationCompleted) || progress.Percentage != 100 {
		t.Fatalf("unexpected progress %#v", progress)
	}

	listed := decodeBody[struct {
		Entities []entityPayload `json:"entities"`
	}](t, h.perform(http.MethodGet, "/entities/folder", ""))
	if len(listed.Entities) != 1 || listed.Entities[0].SyncStatus != string(entities.StatusSynced) {
		t.Fatalf("expected one synced folder, got %#v", listed.Entities)
	}

	if recorder := h.perform(http.MethodPost, "/entities/folder/f1/dirty", ""); recorder.Code != http.StatusNoContent {
		t.Fatalf("expected no content on mark dirty, got %d", recorder.Code)
	}
	if recorder := h.perform(http.MethodDelete, "/entities/folder/f1", ""); recorder.Code != http.StatusNoContent {
		t.Fatalf("expected no content on delete, got %d", recorder.Code)
	}
	h.mustSync(t)

	page, err := h.cloud.ChangesSince(context.Background(), h.account, entities.EntityTypeFolder, "")
	if err != nil || len(page.Changes) != 1 || !page.Changes[0].Deleted {
		t.Fatalf("expected remote tombstone, got %#v (%v)", page, err)
	}
}

func TestConflictEndpoints(t *testing.T) {
	h := newAPIHarness(t)
	ctx := context.Background()

	h.perform(http.MethodPut, "/entities/folder/f1", `{"fields":{"name":"Study","createdAt":1700000000000}}`)
	h.mustSync(t)
	if _, err := h.cloud.SaveRecord(ctx, h.account, entities.EntityTypeFolder, "f1", json.RawMessage(`{"name":"Review","createdAt":1700000000000,"modifiedAt":1700000000000}`)); err != nil {
		t.Fatalf("remote write failed: %v", err)
	}
	h.perform(http.MethodPut, "/entities/folder/f1", `{"fields":{"name":"Study Hard","createdAt":1700000000000}}`)
	if _, err := h.engine.Downloader().Download(ctx, entities.ScopeFolders); err != nil {
		t.Fatalf("unexpected download error: %v", err)
	}

	listed := decodeBody[struct {
		Conflicts []conflictPayload `json:"conflicts"`
	}](t, h.perform(http.MethodGet, "/sync/conflicts", ""))
	if len(listed.Conflicts) != 1 {
		t.Fatalf("expected one conflict, got %#v", listed.Conflicts)
	}
	conflict := listed.Conflicts[0]
	if conflict.EntityID != "f1" || !strings.Contains(string(conflict.RemoteSnapshot), "Review") {
		t.Fatalf("unexpected conflict payload %#v", conflict)
	}

	if recorder := h.perform(http.MethodDelete, "/entities/folder/f1", ""); recorder.Code != http.StatusConflict {
		t.Fatalf("expected conflict status on deleting a conflicted entity, got %d", recorder.Code)
	}

	resolvePath := "/sync/conflicts/" + conflict.ID + "/resolve"
	if recorder := h.perform(http.MethodPost, resolvePath, `{"resolution":"keepBoth"}`); recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected bad request, got %d", recorder.Code)
	}
	if recorder := h.perform(http.MethodPost, resolvePath, `{"resolution":"useRemote"}`); recorder.Code != http.StatusOK {
		t.Fatalf("expected ok, got %d: %s", recorder.Code, recorder.Body.String())
	}
	recorder := h.perform(http.MethodPost, resolvePath, `{"resolution":"useRemote"}`)
	if recorder.Code != http.StatusConflict {
		t.Fatalf("expected conflict status on repeat, got %d", recorder.Code)
	}
	if body := decodeBody[map[string]string](t, recorder); body["code"] != "sync.resolve_conflict.already_resolved" {
		t.Fatalf("unexpected error body %#v", body)
	}

	all := decodeBody[struct {
		Conflicts []conflictPayload `json:"conflicts"`
	}](t, h.perform(http.MethodGet, "/sync/conflicts?unresolved=false", ""))
	if len(all.Conflicts) != 1 || !all.Conflicts[0].Resolved || all.Conflicts[0].Resolution == nil || *all.Conflicts[0].Resolution != "useRemote" {
		t.Fatalf("expected resolved conflict in full listing, got %#v", all.Conflicts)
	}

	folder := decodeBody[entityPayload](t, h.perform(http.MethodGet, "/entities/folder/f1", ""))
	if !strings.Contains(string(folder.Fields), "Review") || folder.SyncStatus != string(entities.StatusSynced) {
		t.Fatalf("expected remote version applied, got %#v", folder)
	}
}

func TestAutoSyncEndpoint(t *testing.T) {
	h := newAPIHarness(t)

	if recorder := h.perform(http.MethodPut, "/sync/auto", `{}`); recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected bad request without flag, got %d", recorder.Code)
	}
	recorder := h.perform(http.MethodPut, "/sync/auto", `{"enabled":true}`)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected ok, got %d", recorder.Code)
	}
	status := decodeBody[statusResponsePayload](t, h.perform(http.MethodGet, "/sync/status", ""))
	if !status.AutoSyncEnabled {
		t.Fatalf("expected auto sync enabled in status")
	}
}

func TestStartSyncRejectsRestrictedAccount(t *testing.T) {
	h := newAPIHarness(t)
	if err := h.cloud.SetAccountStatus(context.Background(), h.account, cloud.AccountRestricted); err != nil {
		t.Fatalf("failed to restrict account: %v", err)
	}

	recorder := h.perform(http.MethodPost, "/sync", "")
	if recorder.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected service unavailable, got %d", recorder.Code)
	}
	if body := decodeBody[map[string]string](t, recorder); body["code"] != "sync.start_sync.account_unavailable" {
		t.Fatalf("unexpected error body %#v", body)
	}
	status := decodeBody[statusResponsePayload](t, h.perform(http.MethodGet, "/sync/status", ""))
	if status.State != string(syncengine.StateOffline) {
		t.Fatalf("expected offline state, got %s", status.State)
	}
}

func TestRejectsBadInput(t *testing.T) {
	h := newAPIHarness(t)

	testCases := []struct {
		name     string
		method   string
		path     string
		body     string
		expected int
	}{
		{name: "unknown entity type", method: http.MethodGet, path: "/entities/widget", expected: http.StatusBadRequest},
		{name: "missing entity", method: http.MethodGet, path: "/entities/folder/missing", expected: http.StatusNotFound},
		{name: "missing fields", method: http.MethodPut, path: "/entities/folder/f1", body: `{}`, expected: http.StatusBadRequest},
		{name: "undecodable fields", method: http.MethodPut, path: "/entities/folder/f1", body: `{"fields":{"name":7}}`, expected: http.StatusBadRequest},
		{name: "delete missing", method: http.MethodDelete, path: "/entities/folder/missing", expected: http.StatusNotFound},
		{name: "dirty missing", method: http.MethodPost, path: "/entities/folder/missing/dirty", expected: http.StatusNotFound},
		{name: "unknown scope", method: http.MethodPost, path: "/sync", body: `{"scope":"everything"}`, expected: http.StatusBadRequest},
		{name: "unknown operation", method: http.MethodGet, path: "/sync/operations/nope", expected: http.StatusNotFound},
		{name: "unknown conflict", method: http.MethodPost, path: "/sync/conflicts/nope/resolve", body: `{"resolution":"merge"}`, expected: http.StatusNotFound},
		{name: "bad unresolved flag", method: http.MethodGet, path: "/sync/conflicts?unresolved=maybe", expected: http.StatusBadRequest},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			recorder := h.perform(testCase.method, testCase.path, testCase.body)
			if recorder.Code != testCase.expected {
				t.Fatalf("expected %d, got %d: %s", testCase.expected, recorder.Code, recorder.Body.String())
			}
		})
	}
}
