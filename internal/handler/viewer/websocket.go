package viewer

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zhouzirui/answer-relay/backend/internal/model/relay"
	"github.com/zhouzirui/answer-relay/backend/internal/service/broadcast"
	"github.com/zhouzirui/answer-relay/backend/pkg/utils"
)

// handleWebSocket 订阅后再升级连接，保证快照回放是连接上的第一批消息
func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sub, err := h.hub.Subscribe()
	if err != nil {
		if errors.Is(err, broadcast.ErrClosed) {
			utils.RespondError(w, http.StatusServiceUnavailable, "relay is shutting down")
			return
		}
		utils.RespondError(w, http.StatusInternalServerError, "failed to subscribe")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.hub.Unsubscribe(sub.ID())
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	logger := h.logger.With(zap.String("viewer", sub.ID()), zap.String("remote", r.RemoteAddr))
	logger.Info("viewer websocket connected")

	go h.writePump(conn, sub, logger)
	h.readPump(conn, sub, logger)
}

// readPump 只处理控制帧；读到错误即视为断开并同步退订
func (h *Handler) readPump(conn *websocket.Conn, sub *broadcast.Subscription, logger *zap.Logger) {
	defer func() {
		h.hub.Unsubscribe(sub.ID())
		conn.Close()
		logger.Info("viewer websocket disconnected")
	}()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(h.pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.pongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.Warn("viewer websocket read error", zap.Error(err))
			}
			return
		}
	}
}

// writePump 每个事件一帧，不合并
func (h *Handler) writePump(conn *websocket.Conn, sub *broadcast.Subscription, logger *zap.Logger) {
	ticker := time.NewTicker(h.pingInterval)
	defer func() {
		ticker.Stop()
		h.hub.Unsubscribe(sub.ID())
		conn.Close()
	}()

	for {
		select {
		case ev, ok := <-sub.Events():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// 被广播器移除（超时或关闭）
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "relay closed the stream"))
				return
			}

			frame, err := relay.Encode(ev)
			if err != nil {
				logger.Error("failed to encode event", zap.String("kind", string(ev.Kind())), zap.Error(err))
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				logger.Warn("viewer websocket write failed", zap.Error(err))
				return
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				logger.Warn("viewer websocket ping failed", zap.Error(err))
				return
			}
		}
	}
}
