package viewer

import (
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/zhouzirui/answer-relay/backend/internal/model/relay"
	"github.com/zhouzirui/answer-relay/backend/internal/service/broadcast"
	"github.com/zhouzirui/answer-relay/backend/pkg/utils"
)

// handleSSE 与 WebSocket 同一条事件流，event 行携带事件类型
func (h *Handler) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sub, err := h.hub.Subscribe()
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, broadcast.ErrClosed) {
			status = http.StatusServiceUnavailable
		}
		utils.RespondError(w, status, "failed to subscribe")
		return
	}
	defer h.hub.Unsubscribe(sub.ID())

	logger := h.logger.With(zap.String("viewer", sub.ID()), zap.String("remote", r.RemoteAddr))
	logger.Info("viewer sse connected")
	defer logger.Info("viewer sse disconnected")

	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			frame, err := relay.Encode(ev)
			if err != nil {
				logger.Error("failed to encode event", zap.String("kind", string(ev.Kind())), zap.Error(err))
				continue
			}
			if err := utils.SendSSEEvent(w, flusher, string(ev.Kind()), frame); err != nil {
				logger.Warn("viewer sse write failed", zap.Error(err))
				return
			}

		case t := <-ticker.C:
			if err := utils.SendSSEComment(w, flusher, "keepalive "+t.UTC().Format(time.RFC3339)); err != nil {
				return
			}
		}
	}
}
