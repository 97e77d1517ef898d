package ingress

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zhouzirui/answer-relay/backend/internal/service/broadcast"
	ingressService "github.com/zhouzirui/answer-relay/backend/internal/service/ingress"
	"github.com/zhouzirui/answer-relay/backend/pkg/utils"
)

// DefaultMaxBodyBytes 单个事件请求体的默认上限
const DefaultMaxBodyBytes int64 = 1 << 20

// Processor 处理一个原始事件负载
type Processor interface {
	Handle(ctx context.Context, body []byte) (ingressService.Ack, error)
}

// Handler 事件入口的HTTP处理器
type Handler struct {
	processor    Processor
	maxBodyBytes int64
	logger       *zap.Logger
}

// New 创建事件入口处理器
func New(processor Processor, maxBodyBytes int64, logger *zap.Logger) *Handler {
	if maxBodyBytes <= 0 {
		maxBodyBytes = DefaultMaxBodyBytes
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		processor:    processor,
		maxBodyBytes: maxBodyBytes,
		logger:       logger,
	}
}

// RegisterRoutes 注册事件入口路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/webhook", h.handleWebhook)
}

// handleWebhook 校验失败时仍返回 200，由 success 字段表达结果
func (h *Handler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			utils.RespondJSON(w, http.StatusRequestEntityTooLarge, ingressService.Ack{
				Success: false,
				Error:   "request body too large",
			})
			return
		}
		utils.RespondError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	ack, err := h.processor.Handle(r.Context(), body)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, broadcast.ErrClosed) {
			status = http.StatusServiceUnavailable
		}
		h.logger.Error("failed to relay event", zap.Error(err), zap.Int("status", status))
		utils.RespondJSON(w, status, ack)
		return
	}

	utils.RespondJSON(w, http.StatusOK, ack)
}
