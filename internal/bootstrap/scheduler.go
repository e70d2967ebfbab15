package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/yanqian/agrivision/internal/domain/session"
	"github.com/yanqian/agrivision/internal/infra/config"
)

const sweepTimeout = 30 * time.Second

// NewScheduler registers background jobs. Jobs start with App.Run.
func NewScheduler(cfg *config.Config, sessions session.Service, logger *slog.Logger) (*cron.Cron, error) {
	log := logger.With("component", "scheduler")
	c := cron.New(cron.WithChain(cron.Recover(cron.DiscardLogger), cron.SkipIfStillRunning(cron.DiscardLogger)))

	spec := fmt.Sprintf("@every %s", cfg.Session.SweepInterval)
	if _, err := c.AddFunc(spec, sweepJob(sessions, log)); err != nil {
		return nil, fmt.Errorf("schedule session sweep: %w", err)
	}
	log.Info("session sweep scheduled", "interval", cfg.Session.SweepInterval.String())
	return c, nil
}

func sweepJob(sessions session.Service, logger *slog.Logger) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
		defer cancel()
		removed, err := sessions.Sweep(ctx)
		if err != nil {
			logger.Error("session sweep failed", "error", err)
			return
		}
		logger.Debug("session sweep finished", "removed", removed)
	}
}
