package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/zhouzirui/answer-relay/backend/internal/config"
	"github.com/zhouzirui/answer-relay/backend/internal/handler"
	viewerHandler "github.com/zhouzirui/answer-relay/backend/internal/handler/viewer"
	"github.com/zhouzirui/answer-relay/backend/internal/service/answerstore"
	"github.com/zhouzirui/answer-relay/backend/internal/service/broadcast"
	"github.com/zhouzirui/answer-relay/backend/internal/service/ingress"
	"github.com/zhouzirui/answer-relay/backend/internal/service/natsingress"
	"github.com/zhouzirui/answer-relay/backend/internal/service/session"
	"github.com/zhouzirui/answer-relay/backend/internal/tracing"
	"github.com/zhouzirui/answer-relay/backend/pkg/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	zlog, err := logger.New(logger.Options{
		Level:      cfg.Log.Level,
		FilePath:   cfg.Log.FilePath,
		Production: cfg.Log.Production,
	})
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer func() { _ = zlog.Sync() }()
	zap.ReplaceGlobals(zlog)

	if envErr != nil {
		zlog.Info("no .env file loaded, using system environment variables only", zap.Error(envErr))
	}

	shutdownTracing, err := tracing.Init(ctx, tracing.Options{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.Tracing.ServiceName,
	}, zlog.Named("tracing"))
	if err != nil {
		zlog.Warn("tracing disabled", zap.Error(err))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(shutdownCtx)
	}()

	hubOpts := broadcast.Options{
		BufferSize:  cfg.Relay.ViewerBuffer,
		SendTimeout: cfg.Relay.SendTimeout,
		Logger:      zlog.Named("broadcast"),
	}

	// Latest answer persistence is optional; the relay runs without it.
	var answers *answerstore.RedisStore
	if cfg.Redis.Enabled() {
		answers, err = answerstore.NewRedisStore(ctx, cfg.Redis.URL, cfg.Redis.AnswerKey)
		if err != nil {
			zlog.Warn("redis unavailable, latest answer will not survive restarts", zap.Error(err))
		} else {
			defer answers.Close()
			hubOpts.Persister = answers
			zlog.Info("latest answer persistence enabled", zap.String("key", cfg.Redis.AnswerKey))
		}
	}

	hub := broadcast.New(session.NewStore(), hubOpts)
	defer hub.Close()

	if answers != nil {
		restoreLatestAnswer(ctx, answers, hub, zlog)
	}

	ingressSvc := ingress.NewService(ingress.NewParser(), hub, zlog.Named("ingress"))

	if cfg.NATS.Enabled() {
		sub, err := startNATSIngress(cfg.NATS, ingressSvc, zlog.Named("nats"))
		if err != nil {
			zlog.Warn("NATS ingress disabled", zap.Error(err))
		} else {
			defer sub.Close()
		}
	}

	router := handler.NewRouter(hub, ingressSvc, handler.RouterOptions{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		MaxBodyBytes:   cfg.Server.MaxBodyBytes,
		Viewer: viewerHandler.Options{
			PingInterval: cfg.Relay.PingInterval,
		},
		Logger: zlog,
	})

	startServer(ctx, cfg.Server, router, hub.Close, zlog)
}

func restoreLatestAnswer(ctx context.Context, answers *answerstore.RedisStore, hub *broadcast.Broadcaster, zlog *zap.Logger) {
	loadCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	record, err := answers.LoadLatestAnswer(loadCtx)
	if err != nil {
		zlog.Warn("failed to restore latest answer", zap.Error(err))
		return
	}
	if record != nil {
		hub.Restore(*record)
	}
}

func startNATSIngress(cfg config.NATSConfig, svc *ingress.Service, zlog *zap.Logger) (*natsingress.Subscriber, error) {
	nc, err := natsingress.Connect(cfg.URL)
	if err != nil {
		return nil, err
	}
	sub, err := natsingress.NewSubscriber(nc, cfg.Subject, svc, zlog)
	if err != nil {
		nc.Close()
		return nil, err
	}
	return sub, nil
}

// startServer serves until ctx is cancelled. onShutdown releases the
// long-lived viewer streams, which http.Server.Shutdown does not interrupt.
func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler, onShutdown func(), zlog *zap.Logger) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	srv.RegisterOnShutdown(onShutdown)

	zlog.Info("answer relay listening", zap.String("addr", addr))
	if err := runServer(ctx, srv); err != nil {
		zlog.Fatal("server error", zap.Error(err))
	}
	zlog.Info("answer relay stopped")
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
