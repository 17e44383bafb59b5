package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alexjbarnes/ums-client/internal/session"
	"github.com/coder/websocket"
)

//go:generate mockgen -source=events.go -destination=mock_wsconn_test.go -package=server

const (
	// eventWriteTimeout bounds a single event write to a slow client.
	eventWriteTimeout = 5 * time.Second

	// eventPingInterval keeps idle streams alive through proxies.
	eventPingInterval = 30 * time.Second
)

// wsConn is the subset of *websocket.Conn the event stream uses.
type wsConn interface {
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Ping(ctx context.Context) error
	Close(code websocket.StatusCode, reason string) error
}

// events streams session events over a WebSocket as JSON text frames.
// The current event is sent first.
func (h *handlers) events(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.Logger.Debug("event stream upgrade failed", slog.String("error", err.Error()))
		return
	}

	// The client never sends; CloseRead handles control frames and
	// cancels ctx when the peer goes away.
	ctx := conn.CloseRead(r.Context())

	ch, unsubscribe := h.Session.Subscribe()
	defer unsubscribe()

	h.Logger.Debug("event stream connected", slog.String("remote", r.RemoteAddr))

	err = streamEvents(ctx, conn, ch, eventPingInterval)
	if err != nil && !errors.Is(err, context.Canceled) {
		h.Logger.Debug("event stream ended", slog.String("error", err.Error()))
		conn.Close(websocket.StatusInternalError, "stream error")
	}
}

// streamEvents writes each event until ctx ends, the subscription is
// closed or a write fails.
func streamEvents(ctx context.Context, conn wsConn, events <-chan session.Event, pingEvery time.Duration) error {
	ticker := time.NewTicker(pingEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
			err := conn.Ping(pctx)
			cancel()

			if err != nil {
				return fmt.Errorf("pinging event stream: %w", err)
			}
		case ev, ok := <-events:
			if !ok {
				return conn.Close(websocket.StatusGoingAway, "shutting down")
			}

			data, err := json.Marshal(ev)
			if err != nil {
				return fmt.Errorf("encoding event: %w", err)
			}

			wctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
			err = conn.Write(wctx, websocket.MessageText, data)
			cancel()

			if err != nil {
				return fmt.Errorf("writing event: %w", err)
			}
		}
	}
}
