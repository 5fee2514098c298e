package gateway

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/flemzord/jobd/internal/core"
	"github.com/flemzord/jobd/internal/manager"
	"github.com/flemzord/jobd/internal/registry"
)

// fakeJobs is a JobStatus returning a fixed status.
type fakeJobs struct {
	status manager.Status
}

func (f *fakeJobs) Status(context.Context) manager.Status { return f.status }

// fakeHistory is a History whose event feed is driven by the test.
type fakeHistory struct {
	stats      registry.Statistics
	events     chan registry.Event
	subscribed chan struct{}

	mu      sync.Mutex
	cancels int
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{
		events:     make(chan registry.Event, 16),
		subscribed: make(chan struct{}, 4),
	}
}

func (f *fakeHistory) GetAllStatistics() registry.Statistics { return f.stats }

func (f *fakeHistory) Subscribe() (<-chan registry.Event, func()) {
	f.subscribed <- struct{}{}
	return f.events, func() {
		f.mu.Lock()
		f.cancels++
		f.mu.Unlock()
	}
}

func (f *fakeHistory) cancelCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancels
}

// fakeProbe is a scheduler/store stand-in for health checks.
type fakeProbe struct {
	running bool
	pingErr error
}

func (p *fakeProbe) Running() bool              { return p.running }
func (p *fakeProbe) Ping(context.Context) error { return p.pingErr }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testDeps are the services a test gateway is provisioned with.
type testDeps struct {
	jobs      *fakeJobs
	history   *fakeHistory
	scheduler *fakeProbe
	store     *fakeProbe
}

func newTestDeps() testDeps {
	return testDeps{
		jobs:      &fakeJobs{},
		history:   newFakeHistory(),
		scheduler: &fakeProbe{running: true},
		store:     &fakeProbe{},
	}
}

// newTestGateway provisions a gateway against deps through the same
// service lookup the daemon uses.
func newTestGateway(t *testing.T, cfg Config, deps testDeps) *Gateway {
	t.Helper()

	appCtx := core.NewAppContext(discardLogger(), t.TempDir())
	appCtx.RegisterService(ServiceJobs, deps.jobs)
	appCtx.RegisterService(ServiceRegistry, deps.history)
	if deps.scheduler != nil {
		appCtx.RegisterService(ServiceScheduler, deps.scheduler)
	}
	if deps.store != nil {
		appCtx.RegisterService(ServiceStore, deps.store)
	}

	if cfg.Bind == "" {
		cfg.Bind = "127.0.0.1:0"
	}
	cfg.ShutdownTimeout = 2 * time.Second
	g := New(cfg, "test")
	if _, err := appCtx.LoadModule(g); err != nil {
		t.Fatalf("LoadModule: %v", err)
	}
	return g
}

// doGet makes a GET request with context and an optional bearer token.
func doGet(t *testing.T, url, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}
