// Package cleanup removes scratch directories left behind by crashed
// workers. A worker that dies between download and release strands its
// scratch dir; the sweeper reclaims anything older than the configured age.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/myrag/audio-ingest/pkg/archive"
)

// Service periodically sweeps the scratch root. Safe to run alongside
// active workers: only directories past the age cutoff are touched, and the
// cutoff is far beyond any single job timeout.
type Service struct {
	scratchRoot string
	maxAge      time.Duration
	interval    time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a scratch sweeper.
func NewService(scratchRoot string, maxAge, interval time.Duration) *Service {
	return &Service{
		scratchRoot: scratchRoot,
		maxAge:      maxAge,
		interval:    interval,
	}
}

// Start launches the background sweep loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Scratch sweeper started",
		"scratch_root", s.scratchRoot,
		"max_age", s.maxAge,
		"interval", s.interval)
}

// Stop signals the sweep loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Scratch sweeper stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.sweep()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Service) sweep() {
	removed, err := archive.SweepScratch(s.scratchRoot, s.maxAge)
	if err != nil {
		slog.Error("Scratch sweep failed", "scratch_root", s.scratchRoot, "error", err)
		return
	}
	if removed > 0 {
		slog.Info("Swept stale scratch directories", "count", removed)
	}
}
