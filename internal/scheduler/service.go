// Package scheduler runs periodic maintenance against the memory
// store, currently just summary compaction.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

const compactionTimeout = 2 * time.Minute

type Compactor interface {
	Compact(ctx context.Context, maxAge time.Duration) (int, error)
}

type Service struct {
	spec      string
	maxAge    time.Duration
	compactor Compactor
	logger    *slog.Logger
}

func New(spec string, maxAge time.Duration, compactor Compactor, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		spec:      spec,
		maxAge:    maxAge,
		compactor: compactor,
		logger:    logger.With("component", "scheduler"),
	}
}

func (s *Service) Start(ctx context.Context) error {
	runner := cron.New()
	if _, err := runner.AddFunc(s.spec, func() { s.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("parse compaction cron spec %q: %w", s.spec, err)
	}
	runner.Start()
	s.logger.Info("compaction scheduler started", "spec", s.spec, "max_age", s.maxAge)

	<-ctx.Done()
	stopped := runner.Stop()
	<-stopped.Done()
	s.logger.Info("compaction scheduler stopped")
	return nil
}

func (s *Service) RunOnce(ctx context.Context) {
	runCtx, cancel := context.WithTimeout(ctx, compactionTimeout)
	defer cancel()
	compacted, err := s.compactor.Compact(runCtx, s.maxAge)
	if err != nil {
		s.logger.Error("memory compaction failed", "error", err)
		return
	}
	if compacted > 0 {
		s.logger.Info("memory compaction completed", "items_folded", compacted)
	}
}
