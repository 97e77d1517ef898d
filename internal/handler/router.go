package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	ingressHandler "github.com/zhouzirui/answer-relay/backend/internal/handler/ingress"
	statusHandler "github.com/zhouzirui/answer-relay/backend/internal/handler/status"
	viewerHandler "github.com/zhouzirui/answer-relay/backend/internal/handler/viewer"
	middlewarePkg "github.com/zhouzirui/answer-relay/backend/internal/middleware"
	"github.com/zhouzirui/answer-relay/backend/internal/service/broadcast"
	ingressService "github.com/zhouzirui/answer-relay/backend/internal/service/ingress"
	"github.com/zhouzirui/answer-relay/backend/pkg/utils"
)

// RouterOptions 路由相关配置
type RouterOptions struct {
	AllowedOrigins []string
	MaxBodyBytes   int64
	Viewer         viewerHandler.Options
	Logger         *zap.Logger
}

// NewRouter wires HTTP routes to core services.
func NewRouter(hub *broadcast.Broadcaster, ingressSvc *ingressService.Service, opts RouterOptions) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.NewCORS(opts.AllowedOrigins))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	viewerOpts := opts.Viewer
	if viewerOpts.AllowedOrigins == nil {
		viewerOpts.AllowedOrigins = opts.AllowedOrigins
	}
	if viewerOpts.Logger == nil {
		viewerOpts.Logger = logger.Named("viewer")
	}

	r.Route("/api", func(api chi.Router) {
		ingressHandler.New(ingressSvc, opts.MaxBodyBytes, logger.Named("ingress")).RegisterRoutes(api)
		viewerHandler.New(hub, viewerOpts).RegisterRoutes(api)
		statusHandler.New(hub).RegisterRoutes(api)
	})

	return r
}
