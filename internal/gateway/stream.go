package gateway

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/flemzord/jobd/internal/registry"
)

// streamWriteTimeout bounds a single event write to a subscriber.
const streamWriteTimeout = 10 * time.Second

// handleExecutions returns an http.HandlerFunc for GET /ws/executions.
// It upgrades to a websocket and streams registry events as JSON text
// messages. Query parameters: job restricts the feed to one job id and
// output=true includes output chunks, which are left out by default.
func (g *Gateway) handleExecutions() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := r.URL.Query().Get("job")
		withOutput := false
		if v := r.URL.Query().Get("output"); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				http.Error(w, "invalid output parameter", http.StatusBadRequest)
				return
			}
			withOutput = b
		}

		// The server write timeout would otherwise cut long-lived streams.
		_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			g.logger.Debug("gateway: websocket upgrade failed", "error", err)
			return
		}
		defer func() { _ = conn.CloseNow() }()

		if !g.trackStream() {
			_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		}
		defer g.streams.Done()

		g.metrics.StreamOpened()
		defer g.metrics.StreamClosed()

		events, cancel := g.history.Subscribe()
		defer cancel()

		// Clients only listen; CloseRead handles their close frames.
		ctx := conn.CloseRead(context.Background())
		g.logger.Debug("gateway: execution stream opened", "remote_addr", r.RemoteAddr, "job", jobID)

		for {
			select {
			case <-ctx.Done():
				return
			case <-g.quit:
				_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				if !wantEvent(ev, jobID, withOutput) {
					continue
				}
				wctx, wcancel := context.WithTimeout(ctx, streamWriteTimeout)
				err := wsjson.Write(wctx, conn, ev)
				wcancel()
				if err != nil {
					g.logger.Debug("gateway: execution stream write failed", "error", err)
					return
				}
			}
		}
	}
}

func wantEvent(ev registry.Event, jobID string, withOutput bool) bool {
	if ev.Type == registry.EventOutput && !withOutput {
		return false
	}
	return jobID == "" || ev.JobID == jobID
}
