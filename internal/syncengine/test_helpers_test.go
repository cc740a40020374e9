package syncengine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/wordsync/internal/cloud"
	"github.com/MarcoPoloResearchLab/wordsync/internal/database"
	"github.com/MarcoPoloResearchLab/wordsync/internal/entities"
	"github.com/MarcoPoloResearchLab/wordsync/internal/remote"
	"github.com/MarcoPoloResearchLab/wordsync/internal/store"
	"go.uber.org/zap"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Unix(1700000000, 0).UTC()}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(step time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(step)
}

type staticIDGenerator struct {
	mu      sync.Mutex
	counter int
}

func (g *staticIDGenerator) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.counter++
	return fmt.Sprintf("id-%03d", g.counter), nil
}

// scriptedRemote wraps a real remote store and injects failures on demand.
type scriptedRemote struct {
	remote.Store

	mu              sync.Mutex
	failSaves       map[string]error
	fetchErr        error
	fetchOverride   func(entityType entities.EntityType, sinceToken string) ([]remote.RecordChange, string, error)
	connectivity    remote.Connectivity
	connectivityErr error
	saveGate        chan struct{}
	saveCalls       int
}

func (s *scriptedRemote) Save(ctx context.Context, record remote.Record) (entities.RemoteSystemFields, error) {
	s.mu.Lock()
	s.saveCalls++
	gate := s.saveGate
	failure := s.failSaves[record.RecordID]
	s.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if failure != nil {
		return entities.RemoteSystemFields{}, failure
	}
	return s.Store.Save(ctx, record)
}

func (s *scriptedRemote) FetchChanges(ctx context.Context, entityType entities.EntityType, sinceToken string) ([]remote.RecordChange, string, error) {
	s.mu.Lock()
	failure := s.fetchErr
	override := s.fetchOverride
	s.mu.Unlock()
	if failure != nil {
		return nil, "", failure
	}
	if override != nil {
		return override(entityType, sinceToken)
	}
	return s.Store.FetchChanges(ctx, entityType, sinceToken)
}

func (s *scriptedRemote) CheckConnectivity(ctx context.Context) (remote.Connectivity, error) {
	s.mu.Lock()
	connectivity := s.connectivity
	failure := s.connectivityErr
	s.mu.Unlock()
	if failure != nil {
		return remote.ConnectivityUnknown, failure
	}
	if connectivity != "" {
		return connectivity, nil
	}
	return s.Store.CheckConnectivity(ctx)
}

func (s *scriptedRemote) failSave(recordID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSaves == nil {
		s.failSaves = make(map[string]error)
	}
	if err == nil {
		delete(s.failSaves, recordID)
		return
	}
	s.failSaves[recordID] = err
}

func (s *scriptedRemote) setFetchErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetchErr = err
}

func (s *scriptedRemote) setConnectivity(connectivity remote.Connectivity, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connectivity = connectivity
	s.connectivityErr = err
}

func (s *scriptedRemote) setSaveGate(gate chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveGate = gate
}

func (s *scriptedRemote) saveCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveCalls
}

// waitForSaves blocks until the remote has seen at least count saves.
func (s *scriptedRemote) waitForSaves(t *testing.T, count int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for s.saveCallCount() < count {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d remote saves", count)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type syncHarness struct {
	engine  *Engine
	store   *store.Store
	cloud   *cloud.Service
	account cloud.AccountID
	remote  *scriptedRemote
	clock   *testClock
	ids     *staticIDGenerator
}

func newSyncHarness(t *testing.T) *syncHarness {
	t.Helper()
	clock := newTestClock()

	cloudDSN := fmt.Sprintf("file:sync_cloud_%d?mode=memory&cache=shared", time.Now().UnixNano())
	cloudDB, err := database.OpenSQLite(cloudDSN, cloud.Schema(), zap.NewNop())
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
		Clock:      clock.Now,
		IDProvider: cloud.NewUUIDProvider(),
		Logger:     zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to build cloud service: %v", err)
	}
	accountID, err := cloud.NewAccountID("device-owner")
	if err != nil {
		t.Fatalf("unexpected account id error: %v", err)
	}

	localDSN := fmt.Sprintf("file:sync_local_%d?mode=memory&cache=shared", time.Now().UnixNano())
	localDB, err := database.OpenSQLite(localDSN, store.Schema(), zap.NewNop())
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

	harness := &syncHarness{
		store:   entityStore,
		cloud:   cloudService,
		account: accountID,
		remote:  &scriptedRemote{Store: cloud.NewLocalRemote(cloudService, accountID)},
		clock:   clock,
		ids:     &staticIDGenerator{},
	}
	harness.engine = harness.openEngine(t)
	return harness
}

func (h *syncHarness) openEngine(t *testing.T) *Engine {
	t.Helper()
	engine, err := Open(context.Background(), EngineConfig{
		Store:      h.store,
		Remote:     h.remote,
		Clock:      h.clock.Now,
		IDProvider: h.ids,
		Logger:     zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to open engine: %v", err)
	}
	t.Cleanup(func() {
		_ = engine.Close()
	})
	return engine
}

func (h *syncHarness) mustSaveEntity(t *testing.T, entity entities.Syncable) {
	t.Helper()
	if err := h.engine.SaveEntity(context.Background(), entity); err != nil {
		t.Fatalf("failed to save entity: %v", err)
	}
}

func (h *syncHarness) mustGet(t *testing.T, entityType entities.EntityType, entityID string) entities.Syncable {
	t.Helper()
	entity, err := h.store.Get(context.Background(), entityType, entityID)
	if err != nil {
		t.Fatalf("failed to load %s %s: %v", entityType, entityID, err)
	}
	return entity
}

func (h *syncHarness) mustRunSync(t *testing.T, scope entities.Scope) RunReport {
	t.Helper()
	report, err := h.engine.RunSync(context.Background(), scope)
	if err != nil {
		t.Fatalf("sync run failed: %v", err)
	}
	if report.Operation.Status != store.OperationCompleted {
		t.Fatalf("expected completed run, got %s", report.Operation.Status)
	}
	return report
}

// remoteWrite saves a record as another device would.
func (h *syncHarness) remoteWrite(t *testing.T, entityType entities.EntityType, recordID string, fields any) cloud.SavedRecord {
	t.Helper()
	encoded, err := json.Marshal(fields)
	if err != nil {
		t.Fatalf("failed to encode fields: %v", err)
	}
	saved, err := h.cloud.SaveRecord(context.Background(), h.account, entityType, recordID, encoded)
	if err != nil {
		t.Fatalf("remote write failed: %v", err)
	}
	return saved
}

func (h *syncHarness) mustConflictFor(t *testing.T, entityType entities.EntityType, entityID string) store.SyncConflict {
	t.Helper()
	var conflict *store.SyncConflict
	err := h.store.Read(context.Background(), func(tx *store.Tx) error {
		found, err := tx.UnresolvedConflictFor(entityType, entityID)
		conflict = found
		return err
	})
	if err != nil {
		t.Fatalf("failed to load conflict: %v", err)
	}
	if conflict == nil {
		t.Fatalf("expected an unresolved conflict for %s %s", entityType, entityID)
	}
	return *conflict
}

func (h *syncHarness) countConflicts(t *testing.T, unresolvedOnly bool) int {
	t.Helper()
	conflicts, err := h.engine.ListConflicts(context.Background(), unresolvedOnly)
	if err != nil {
		t.Fatalf("failed to list conflicts: %v", err)
	}
	return len(conflicts)
}

func newFolder(id, name string) *entities.Folder {
	return &entities.Folder{
		SyncMeta:    entities.SyncMeta{ID: id},
		Name:        name,
		CreatedAtMs: 1700000000000,
	}
}

func stringPointer(value string) *string {
	return &value
}

// syncedFolderInConflict drives f1 through a synced state, a remote edit from
// another device and a concurrent local edit, then downloads to open the conflict.
func syncedFolderInConflict(t *testing.T, h *syncHarness) store.SyncConflict {
	t.Helper()
	h.mustSaveEntity(t, newFolder("f1", "Study"))
	h.mustRunSync(t, entities.ScopeFull)

	h.clock.Advance(time.Minute)
	h.remoteWrite(t, entities.EntityTypeFolder, "f1", map[string]any{
		"name":       "Review",
		"createdAt":  1700000000000,
		"modifiedAt": h.clock.Now().UnixMilli(),
	})
	h.clock.Advance(time.Second)
	h.mustSaveEntity(t, newFolder("f1", "Study Hard"))

	result, err := h.engine.Downloader().Download(context.Background(), entities.ScopeFolders)
	if err != nil {
		t.Fatalf("unexpected download error: %v", err)
	}
	if len(result.Conflicted) != 1 {
		t.Fatalf("expected one conflict, got %#v", result)
	}
	return result.Conflicted[0]
}
