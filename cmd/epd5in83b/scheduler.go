package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/robfig/cron/v3"

	appLog "epd5in83b/internal/log"
	"epd5in83b/internal/pipeline"
)

// cronLogger adapts the application logger to cron.Logger.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...any) {
	appLog.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...any) {
	appLog.Error("cron: "+msg, err, keysAndValues...)
}

// startScheduler runs ref.Refresh on the standard 5-field spec. A tick that
// fires while the previous one is still running is skipped. An empty spec
// disables scheduling and returns a nil *cron.Cron.
func startScheduler(spec string, ref *pipeline.Refresher) (*cron.Cron, error) {
	if spec == "" {
		appLog.Info("scheduler disabled", "reason", "empty refresh spec")
		return nil, nil
	}
	logger := cronLogger{}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	if _, err := c.AddFunc(spec, func() { refreshOnce(context.Background(), ref) }); err != nil {
		return nil, fmt.Errorf("invalid refresh spec %q: %w", spec, err)
	}
	c.Start()
	appLog.Info("scheduler started", "refresh", spec)
	return c, nil
}

func refreshOnce(parent context.Context, ref *pipeline.Refresher) {
	ctx, cancel := context.WithTimeout(parent, cycleTimeout)
	defer cancel()

	switch err := ref.Refresh(ctx); {
	case err == nil:
	case errors.Is(err, pipeline.ErrNoSource):
		appLog.Debug("scheduled refresh skipped", "reason", err.Error())
	case errors.Is(err, pipeline.ErrBusy):
		appLog.Info("scheduled refresh skipped", "reason", err.Error())
	default:
		// Already logged by the refresher.
	}
}
