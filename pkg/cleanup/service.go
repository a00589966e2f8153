// Package cleanup enforces thread retention: threads that have not been
// touched within the retention window are removed together with their
// checkpoints.
package cleanup

import (
	"context"
	"log/slog"
	"time"
)

// ThreadSource is the slice of the thread registry the janitor needs.
type ThreadSource interface {
	ListInactive(ctx context.Context, cutoff time.Time) ([]string, error)
	Delete(ctx context.Context, threadID string) error
}

// CheckpointStore removes a thread's checkpoint tree.
type CheckpointStore interface {
	Delete(ctx context.Context, threadID string) error
}

// Config tunes the retention loop. A zero ThreadRetention disables it.
type Config struct {
	ThreadRetention time.Duration
	Interval        time.Duration
}

// Service runs the periodic retention sweep. Sweeps are idempotent and
// safe to run from multiple replicas.
type Service struct {
	cfg         Config
	threads     ThreadSource
	checkpoints CheckpointStore
	logger      *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates the retention janitor.
func NewService(cfg Config, threads ThreadSource, checkpoints CheckpointStore, logger *slog.Logger) *Service {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:         cfg,
		threads:     threads,
		checkpoints: checkpoints,
		logger:      logger.With("component", "cleanup"),
	}
}

// Start launches the background loop. A zero retention window makes
// Start a no-op.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil || s.cfg.ThreadRetention <= 0 {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.run(ctx)
	s.logger.Info("retention loop started",
		"thread_retention", s.cfg.ThreadRetention, "interval", s.cfg.Interval)
}

// Stop signals the loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				s.logger.Warn("retention sweep failed", "error", err)
			}
		}
	}
}

// Sweep removes every thread whose last access predates the retention
// window, checkpoints first so a failed sweep never orphans state.
func (s *Service) Sweep(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-s.cfg.ThreadRetention)
	stale, err := s.threads.ListInactive(ctx, cutoff)
	if err != nil {
		return err
	}
	removed := 0
	for _, threadID := range stale {
		if err := s.checkpoints.Delete(ctx, threadID); err != nil {
			s.logger.Warn("checkpoint delete failed", "thread_id", threadID, "error", err)
			continue
		}
		if err := s.threads.Delete(ctx, threadID); err != nil {
			s.logger.Warn("thread delete failed", "thread_id", threadID, "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		s.logger.Info("retention sweep removed threads", "count", removed)
	}
	return nil
}
