package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hackgods/clinic-scheduling/internal/app/bootstrap"
	"github.com/hackgods/clinic-scheduling/internal/config"
	"github.com/hackgods/clinic-scheduling/internal/logger"
	"github.com/hackgods/clinic-scheduling/internal/scheduling"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Default().WithError(err).Fatal("config load error")
	}

	log := logger.New(cfg.LogLevel)
	log.WithFields(logrus.Fields{"env": cfg.Env, "interval": cfg.WorkerInterval.String()}).Info("expiry-worker starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := bootstrap.Build(rootCtx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("startup failed")
	}
	defer rt.Close()

	entry := log.WithComponent("expiry-worker")

	// Run once at startup
	runOnce(rootCtx, rt.Service, entry)

	ticker := time.NewTicker(cfg.WorkerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			entry.Info("shutdown signal received, stopping expiry worker")
			return
		case <-ticker.C:
			runOnce(rootCtx, rt.Service, entry)
		}
	}
}

func runOnce(ctx context.Context, svc *scheduling.Service, log *logrus.Entry) {
	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	start := time.Now()
	expired, err := svc.ExpirePendingAppointments(runCtx)
	if err != nil {
		log.WithError(err).Error("expiry run error")
		return
	}
	pruned, err := svc.PruneStaleSlots(runCtx)
	if err != nil {
		log.WithError(err).Error("slot prune error")
		return
	}

	log.WithFields(logrus.Fields{
		"expired":     expired,
		"pruned":      pruned,
		"duration_ms": time.Since(start).Milliseconds(),
	}).Info("maintenance run complete")
}
