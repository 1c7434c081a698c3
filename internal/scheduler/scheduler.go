// Package scheduler re-renders every page on a cron cadence.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/koios/hass-renderer/pkg/models"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Refresher renders one page, coalescing with in-flight renders
type Refresher interface {
	Refresh(ctx context.Context, target models.PageTarget) error
}

// SweepResult lists the page indices of one sweep by outcome
type SweepResult struct {
	Rendered []int
	Failed   []int
}

// Scheduler sweeps all pages sequentially
type Scheduler struct {
	registry  *models.PageRegistry
	refresher Refresher
	spec      string
	cron      *cron.Cron
	logger    *zap.Logger
}

// parser accepts the five standard fields with an optional leading seconds
// field, and descriptors such as @every 5m
var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// New creates a new scheduler. spec is validated here so a bad CRON_JOB
// stops startup.
func New(spec string, registry *models.PageRegistry, refresher Refresher, logger *zap.Logger) (*Scheduler, error) {
	if _, err := parser.Parse(spec); err != nil {
		return nil, &models.ConfigError{Message: fmt.Sprintf("invalid CRON_JOB %q: %v", spec, err)}
	}

	return &Scheduler{
		registry:  registry,
		refresher: refresher,
		spec:      spec,
		logger:    logger,
	}, nil
}

// Sweep refreshes every page in registry order. A failed page is logged and
// the sweep moves on.
func (s *Scheduler) Sweep(ctx context.Context) SweepResult {
	var result SweepResult
	start := time.Now()

	for _, target := range s.registry.All() {
		if ctx.Err() != nil {
			s.logger.Info("Sweep interrupted", zap.Int("page", target.Index))
			break
		}

		if err := s.refresher.Refresh(ctx, target); err != nil {
			result.Failed = append(result.Failed, target.Index)
			continue
		}
		result.Rendered = append(result.Rendered, target.Index)
	}

	s.logger.Info("Sweep completed",
		zap.Ints("rendered", result.Rendered),
		zap.Ints("failed", result.Failed),
		zap.Duration("duration", time.Since(start)))

	return result
}

// Start runs Sweep on the cron schedule until Stop. A sweep that is still
// running when the next tick fires makes that tick a no-op.
func (s *Scheduler) Start(ctx context.Context) error {
	logger := cronLogger{s.logger.Sugar()}
	s.cron = cron.New(
		cron.WithParser(parser),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)

	if _, err := s.cron.AddFunc(s.spec, func() { s.Sweep(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule sweep: %w", err)
	}

	s.cron.Start()
	s.logger.Info("Scheduler started", zap.String("cron", s.spec))
	return nil
}

// Stop stops the schedule and waits for a running sweep to finish
func (s *Scheduler) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.logger.Info("Scheduler stopped")
}

// cronLogger adapts zap to cron.Logger
type cronLogger struct {
	logger *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Errorw(msg, append(keysAndValues, "error", err)...)
}
