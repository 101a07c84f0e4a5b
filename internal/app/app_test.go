package app_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/90rdon/visionary-me/internal/app"
	"github.com/90rdon/visionary-me/internal/config"
	"github.com/90rdon/visionary-me/internal/task"
	"github.com/90rdon/visionary-me/internal/task/postgres"
	"github.com/90rdon/visionary-me/internal/voice"
	devicemock "github.com/90rdon/visionary-me/pkg/device/mock"
	"github.com/90rdon/visionary-me/pkg/live"
)

// testConfig returns a minimal config for tests. The admin server is
// disabled so tests do not bind ports.
func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{LogLevel: config.LogInfo},
		Live: config.LiveConfig{
			APIKey:          "test-key",
			DisableGreeting: true,
		},
		Audio: config.AudioConfig{FrameSamples: 64},
		Storage: config.StorageConfig{
			SessionID:        "test-session",
			SnapshotInterval: 20 * time.Millisecond,
		},
		Breakdown: config.BreakdownConfig{Disabled: true},
	}
}

// fakeSnapshots is an in-memory SnapshotStore.
type fakeSnapshots struct {
	mu         sync.Mutex
	snapshots  map[string][]task.Task
	saveCount  int
	pruneCount int
}

func newFakeSnapshots() *fakeSnapshots {
	return &fakeSnapshots{snapshots: make(map[string][]task.Task)}
}

func (f *fakeSnapshots) Load(_ context.Context, sessionID string) ([]task.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap, ok := f.snapshots[sessionID]
	if !ok {
		return nil, postgres.ErrNoSnapshot
	}
	return snap, nil
}

func (f *fakeSnapshots) Save(_ context.Context, sessionID string, tasks []task.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots[sessionID] = tasks
	f.saveCount++
	return nil
}

func (f *fakeSnapshots) Prune(context.Context, time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pruneCount++
	return 0, nil
}

func (f *fakeSnapshots) Ping(context.Context) error { return nil }
func (f *fakeSnapshots) Close()                     {}

func (f *fakeSnapshots) saves() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saveCount
}

func (f *fakeSnapshots) prunes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pruneCount
}

// fakeSession satisfies voice.Session and triggers the close callback once.
type fakeSession struct {
	mu      sync.Mutex
	closed  bool
	onClose func(err error, userInitiated bool)
}

func (s *fakeSession) SendAudio([]byte) error                    { return nil }
func (s *fakeSession) SendToolResponse(...live.ToolResult) error { return nil }

func (s *fakeSession) Close() error {
	s.mu.Lock()
	already := s.closed
	s.closed = true
	s.mu.Unlock()
	if !already && s.onClose != nil {
		s.onClose(nil, true)
	}
	return nil
}

// fakeDialer always succeeds with a fakeSession.
func fakeDialer() voice.Dialer {
	return func(_ context.Context, _ live.Config, cb live.Callbacks) (voice.Session, error) {
		sess := &fakeSession{onClose: cb.OnClose}
		if cb.OnOpen != nil {
			cb.OnOpen()
		}
		return sess, nil
	}
}

func newTestApp(t *testing.T, cfg *config.Config, extra ...app.Option) *app.App {
	t.Helper()
	opts := append([]app.Option{
		app.WithDevices(devicemock.NewCapturer(), devicemock.NewPlayer()),
		app.WithSessionDialer(fakeDialer()),
	}, extra...)

	application, err := app.New(context.Background(), cfg, opts...)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = application.Shutdown(ctx)
	})
	return application
}

func TestNew_RestoresSnapshot(t *testing.T) {
	t.Parallel()

	snaps := newFakeSnapshots()
	seeded := task.NewStore()
	seeded.Seed("Plan launch", "Water plants")
	snaps.snapshots["test-session"] = seeded.Snapshot()

	application := newTestApp(t, testConfig(), app.WithSnapshotStore(snaps))

	tasks := application.Tasks().List()
	if len(tasks) != 2 {
		t.Fatalf("expected 2 restored tasks, got %d", len(tasks))
	}
	if tasks[0].Title != "Plan launch" {
		t.Errorf("tasks[0].Title = %q", tasks[0].Title)
	}
}

func TestNew_FreshStoreWithoutSnapshot(t *testing.T) {
	t.Parallel()

	application := newTestApp(t, testConfig(), app.WithSnapshotStore(newFakeSnapshots()))
	if got := len(application.Tasks().List()); got != 0 {
		t.Errorf("expected empty task store, got %d tasks", got)
	}
}

func TestRun_ConnectsVoiceSession(t *testing.T) {
	t.Parallel()

	application := newTestApp(t, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- application.Run(ctx) }()

	waitFor(t, func() bool {
		return application.Controller().Status() == voice.StatusConnected
	}, "controller never reached connected state")

	cancel()
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRun_SnapshotLoopSaves(t *testing.T) {
	t.Parallel()

	snaps := newFakeSnapshots()
	application := newTestApp(t, testConfig(), app.WithSnapshotStore(snaps))
	application.Tasks().Seed("Buy milk")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- application.Run(ctx) }()

	waitFor(t, func() bool { return snaps.saves() >= 2 }, "snapshot loop never saved")

	cancel()
	<-done

	snap, err := snaps.Load(context.Background(), "test-session")
	if err != nil {
		t.Fatalf("load after run: %v", err)
	}
	if len(snap) != 1 || snap[0].Title != "Buy milk" {
		t.Errorf("persisted snapshot = %+v", snap)
	}
	if snaps.prunes() == 0 {
		t.Error("snapshot loop never pruned old snapshots")
	}
}

func TestRun_FinalSaveOnCancel(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Storage.SnapshotInterval = time.Hour // only the shutdown save can fire
	snaps := newFakeSnapshots()
	application := newTestApp(t, cfg, app.WithSnapshotStore(snaps))
	application.Tasks().Seed("Call dentist")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- application.Run(ctx) }()

	waitFor(t, func() bool {
		return application.Controller().Status() == voice.StatusConnected
	}, "controller never connected")

	cancel()
	<-done

	if snaps.saves() != 1 {
		t.Fatalf("expected exactly the final save, got %d", snaps.saves())
	}
}

func TestAdminHandler_ServesProbesAndMetrics(t *testing.T) {
	t.Parallel()

	application := newTestApp(t, testConfig(), app.WithSnapshotStore(newFakeSnapshots()))

	srv := httptest.NewServer(application.AdminHandler())
	defer srv.Close()

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s status = %d, want 200", path, resp.StatusCode)
		}
	}
}

func TestShutdown_Idempotent(t *testing.T) {
	t.Parallel()

	application := newTestApp(t, testConfig(), app.WithSnapshotStore(newFakeSnapshots()))

	ctx := context.Background()
	if err := application.Shutdown(ctx); err != nil {
		t.Fatalf("first shutdown: %v", err)
	}
	if err := application.Shutdown(ctx); err != nil {
		t.Fatalf("second shutdown: %v", err)
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}
