package gateway

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/flemzord/jobd/internal/job"
	"github.com/flemzord/jobd/internal/registry"
)

func waitSubscribed(t *testing.T, h *fakeHistory) {
	t.Helper()
	select {
	case <-h.subscribed:
	case <-time.After(5 * time.Second):
		t.Fatal("stream never subscribed to the registry")
	}
}

func wsURL(base, path string) string {
	return "ws" + strings.TrimPrefix(base, "http") + path
}

func TestStream_FiltersEvents(t *testing.T) {
	t.Parallel()

	deps := newTestDeps()
	g := newTestGateway(t, Config{}, deps)
	srv := httptest.NewServer(g.buildRouter())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(srv.URL, "/ws/executions?job=backup"), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer func() { _ = conn.CloseNow() }()
	waitSubscribed(t, deps.history)

	started := job.Execution{ID: "e1", JobID: "backup", Status: job.StatusRunning}
	done := job.Execution{ID: "e1", JobID: "backup", Status: job.StatusCompleted}
	other := job.Execution{ID: "e2", JobID: "other", Status: job.StatusRunning}
	deps.history.events <- registry.Event{Type: registry.EventStarted, Execution: &other, ExecutionID: "e2", JobID: "other"}
	deps.history.events <- registry.Event{Type: registry.EventStarted, Execution: &started, ExecutionID: "e1", JobID: "backup"}
	deps.history.events <- registry.Event{Type: registry.EventOutput, ExecutionID: "e1", JobID: "backup", Stream: "stdout", Chunk: "hi\n"}
	deps.history.events <- registry.Event{Type: registry.EventCompleted, Execution: &done, ExecutionID: "e1", JobID: "backup"}

	for _, want := range []registry.EventType{registry.EventStarted, registry.EventCompleted} {
		var ev registry.Event
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			t.Fatalf("Read: %v", err)
		}
		if ev.Type != want || ev.JobID != "backup" {
			t.Fatalf("event = %+v, want %s for backup", ev, want)
		}
	}

	_ = conn.Close(websocket.StatusNormalClosure, "")

	deadline := time.Now().Add(5 * time.Second)
	for deps.history.cancelCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscription not cancelled after the client left")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStream_IncludesOutputOnRequest(t *testing.T) {
	t.Parallel()

	deps := newTestDeps()
	g := newTestGateway(t, Config{}, deps)
	srv := httptest.NewServer(g.buildRouter())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(srv.URL, "/ws/executions?output=true"), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer func() { _ = conn.CloseNow() }()
	waitSubscribed(t, deps.history)

	deps.history.events <- registry.Event{Type: registry.EventOutput, ExecutionID: "e1", JobID: "a", Stream: "stderr", Chunk: "oops"}

	var ev registry.Event
	if err := wsjson.Read(ctx, conn, &ev); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if ev.Type != registry.EventOutput || ev.Chunk != "oops" || ev.Stream != "stderr" {
		t.Errorf("event = %+v", ev)
	}
}

func TestStream_RejectsBadOutputParameter(t *testing.T) {
	t.Parallel()

	g := newTestGateway(t, Config{}, newTestDeps())
	srv := httptest.NewServer(g.buildRouter())
	defer srv.Close()

	resp := doGet(t, srv.URL+"/ws/executions?output=maybe", "")
	_ = resp.Body.Close()
	if resp.StatusCode != 400 {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestStream_RequiresToken(t *testing.T) {
	t.Parallel()

	deps := newTestDeps()
	g := newTestGateway(t, Config{BearerToken: "s3cret"}, deps)
	srv := httptest.NewServer(g.buildRouter())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()

	if _, _, err := websocket.Dial(ctx, wsURL(srv.URL, "/ws/executions"), nil); err == nil {
		t.Fatal("expected unauthenticated dial to fail")
	}

	conn, _, err := websocket.Dial(ctx, wsURL(srv.URL, "/ws/executions?access_token=s3cret"), nil)
	if err != nil {
		t.Fatalf("Dial with token: %v", err)
	}
	_ = conn.CloseNow()
}

func TestStream_ClosedOnStop(t *testing.T) {
	t.Parallel()

	deps := newTestDeps()
	g := newTestGateway(t, Config{}, deps)
	if err := g.Start(); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws://"+g.Addr()+"/ws/executions", nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer func() { _ = conn.CloseNow() }()
	waitSubscribed(t, deps.history)

	stopErr := make(chan error, 1)
	go func() { stopErr <- g.Stop(context.Background()) }()

	var ev registry.Event
	err = wsjson.Read(ctx, conn, &ev)
	if status := websocket.CloseStatus(err); status != websocket.StatusGoingAway {
		t.Errorf("close status = %v (err %v), want going away", status, err)
	}
	if err := <-stopErr; err != nil {
		t.Errorf("Stop: %v", err)
	}
	if got := g.metrics.Snapshot().ActiveStreams; got != 0 {
		t.Errorf("ActiveStreams = %d after stop, want 0", got)
	}
}
