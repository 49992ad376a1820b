package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hackgods/clinic-scheduling/internal/api"
	"github.com/hackgods/clinic-scheduling/internal/app/bootstrap"
	"github.com/hackgods/clinic-scheduling/internal/auth"
	"github.com/hackgods/clinic-scheduling/internal/config"
	"github.com/hackgods/clinic-scheduling/internal/logger"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Default().WithError(err).Fatal("config load error")
	}

	log := logger.New(cfg.LogLevel)
	log.WithField("env", cfg.Env).WithField("http_port", cfg.HTTPPort).WithField("store", cfg.Store).Info("api-server starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := bootstrap.Build(rootCtx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("startup failed")
	}
	defer rt.Close()

	routerCfg := api.RouterConfig{
		Service: rt.Service,
		Tokens:  auth.NewTokens(cfg.JWTSecret, 24*time.Hour),
		Logger:  log,
		Metrics: promhttp.HandlerFor(rt.Registry, promhttp.HandlerOpts{}),
		Env:     cfg.Env,
		Version: version,
	}
	// Leave the pingers as nil interfaces when a backend is not in use.
	if rt.Pool != nil {
		routerCfg.Postgres = rt.Pool
	}
	if rt.Redis != nil {
		routerCfg.Redis = api.PingFunc(func(ctx context.Context) error { return rt.Redis.Ping(ctx).Err() })
	}

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      api.NewRouter(routerCfg),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.WithField("addr", srv.Addr).Info("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("server error")
			os.Exit(1)
		}
	}()

	<-rootCtx.Done()
	log.Info("shutting down api-server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("graceful shutdown failed")
	}
}
