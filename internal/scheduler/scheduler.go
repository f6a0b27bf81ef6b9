// Package scheduler triggers pipeline runs on a cron schedule.
package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/cortexhub/tiergate/internal/pipeline"
)

// Runner runs the full pipeline.
type Runner interface {
	RunAll(ctx context.Context, body map[string]any) *pipeline.RunResult
}

// Scheduler manages the pipeline cron job
type Scheduler struct {
	cron   *cron.Cron
	runner Runner
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	running bool
	last    *pipeline.RunResult
}

// NewScheduler registers a pipeline run for spec, a standard 5-field cron expression.
func NewScheduler(spec string, runner Runner, logger zerolog.Logger) (*Scheduler, error) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cron:   cron.New(),
		runner: runner,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
	if _, err := s.cron.AddFunc(spec, s.tick); err != nil {
		cancel()
		return nil, fmt.Errorf("invalid pipeline schedule %q: %w", spec, err)
	}
	return s, nil
}

// Start starts the scheduler
func (s *Scheduler) Start() {
	s.cron.Start()
	for _, e := range s.cron.Entries() {
		s.logger.Info().Time("next", e.Next).Msg("pipeline schedule active")
	}
}

// Stop cancels an in-flight run and waits for it to return.
func (s *Scheduler) Stop() {
	s.cancel()
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// Last returns the result of the most recent scheduled run, or nil.
func (s *Scheduler) Last() *pipeline.RunResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// tick runs the pipeline unless the previous scheduled run is still going.
func (s *Scheduler) tick() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.logger.Warn().Msg("previous scheduled pipeline run still in progress, skipping")
		return
	}
	s.running = true
	s.mu.Unlock()

	res := s.runner.RunAll(s.ctx, nil)

	s.mu.Lock()
	s.running = false
	s.last = res
	s.mu.Unlock()

	s.logger.Info().Str("run_id", res.RunID).Str("overall", string(res.Overall)).Msg("scheduled pipeline run finished")
}
