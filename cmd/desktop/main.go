// Package main runs the desktop companion: the adherence core plus a
// localhost REST and WebSocket API on HTTP_PORT (default 8090).
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/kimhsiao/adherence/backend/internal/app"
	"github.com/kimhsiao/adherence/backend/internal/config"
	"github.com/kimhsiao/adherence/backend/internal/logging"
	"github.com/kimhsiao/adherence/backend/internal/models"
)

func main() {
	if err := run(); err != nil {
		logging.Error("Desktop server exited", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	a.Scheduler.OnRiskAssessed(func(results []*models.RiskAssessment) {
		logging.Info("Scheduled risk pass", riskSummary(results))
	})

	srv := NewServer(a)
	a.Start(ctx)
	return srv.Start(ctx, cfg.HTTPPort)
}
