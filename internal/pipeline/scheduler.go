package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Runner is anything that can execute one batch.
type Runner interface {
	Run(ctx context.Context) (*Result, error)
}

// Scheduler runs the batch pipeline on a fixed interval inside serve.
type Scheduler struct {
	runner   Runner
	interval time.Duration

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler creates a scheduler. A non-positive interval disables it.
func NewScheduler(runner Runner, interval time.Duration) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{runner: runner, interval: interval, ctx: ctx, cancel: cancel}
}

// Start launches the ticker loop. The first batch runs one interval after start.
func (s *Scheduler) Start() {
	if s.interval <= 0 {
		slog.Info("batch scheduler disabled")
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.runner.Run(s.ctx); err != nil && !errors.Is(err, ErrBusy) && s.ctx.Err() == nil {
					slog.Warn("scheduled batch failed; keeping active bundle", "error", err)
				}
			}
		}
	}()

	slog.Info("batch scheduler started", "interval", s.interval.String())
}

// Stop cancels any running batch and waits for the loop to exit.
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
}
