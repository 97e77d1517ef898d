package status

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/answer-relay/backend/internal/service/broadcast"
	"github.com/zhouzirui/answer-relay/backend/pkg/utils"
)

// Source 提供中继当前状态
type Source interface {
	Status() broadcast.Status
}

// Handler 诊断状态查询处理器
type Handler struct {
	source Source
}

// New 创建状态处理器
func New(source Source) *Handler {
	return &Handler{source: source}
}

// RegisterRoutes 注册状态路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/status", h.handleStatus)
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, h.source.Status())
}
