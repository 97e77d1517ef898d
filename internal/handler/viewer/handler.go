package viewer

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zhouzirui/answer-relay/backend/internal/middleware"
	"github.com/zhouzirui/answer-relay/backend/internal/service/broadcast"
)

const (
	defaultPingInterval = 30 * time.Second
	writeWait           = 10 * time.Second
	maxMessageSize      = 512
)

// Hub 是观看端处理器依赖的订阅接口，由 *broadcast.Broadcaster 实现
type Hub interface {
	Subscribe() (*broadcast.Subscription, error)
	Unsubscribe(id string)
}

// Options 观看端处理器配置
type Options struct {
	AllowedOrigins []string
	PingInterval   time.Duration
	Logger         *zap.Logger
}

// Handler 观看端的 WebSocket 与 SSE 处理器
type Handler struct {
	hub          Hub
	upgrader     websocket.Upgrader
	pingInterval time.Duration
	pongWait     time.Duration
	logger       *zap.Logger
}

// New 创建观看端处理器
func New(hub Hub, opts Options) *Handler {
	h := &Handler{
		hub:          hub,
		pingInterval: opts.PingInterval,
		logger:       opts.Logger,
	}
	if h.pingInterval <= 0 {
		h.pingInterval = defaultPingInterval
	}
	h.pongWait = h.pingInterval * 10 / 9
	if h.logger == nil {
		h.logger = zap.NewNop()
	}

	origins := opts.AllowedOrigins
	h.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return middleware.OriginAllowed(origins, r)
		},
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
	}
	return h
}

// RegisterRoutes 注册观看端路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/ws", h.handleWebSocket)
	r.Get("/events", h.handleSSE)
}
