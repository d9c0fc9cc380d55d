package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"
)

const streamWriteTimeout = 5 * time.Second

// HandleStream upgrades to a websocket and pushes the dashboard snapshot
// every StreamInterval, skipping ticks where the registry has not changed.
// Client messages are ignored.
func (h *Handlers) HandleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.config.AllowedOrigins,
	})
	if err != nil {
		h.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.CloseNow()

	requestID := r.URL.Query().Get("request_id")
	logger := h.logger.With(zap.String("remote", r.RemoteAddr), zap.String("request_id", requestID))
	logger.Debug("task stream opened")

	// CloseRead cancels ctx once the peer closes; stream ends on Close too.
	ctx := conn.CloseRead(r.Context())
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(h.streams, cancel)
	defer stop()

	ticker := time.NewTicker(h.config.StreamInterval)
	defer ticker.Stop()

	var sent uint64
	first := true
	for {
		snap := h.dashboard.Snapshot(requestID)
		if first || snap.Version != sent {
			writeCtx, cancelWrite := context.WithTimeout(ctx, streamWriteTimeout)
			err := wsjson.Write(writeCtx, conn, snap)
			cancelWrite()
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					logger.Debug("task stream write failed", zap.Error(err))
				}
				return
			}
			sent = snap.Version
			first = false
		}

		select {
		case <-ctx.Done():
			if h.streams.Err() != nil {
				_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
			} else {
				_ = conn.Close(websocket.StatusNormalClosure, "")
			}
			logger.Debug("task stream closed")
			return
		case <-ticker.C:
		}
	}
}
