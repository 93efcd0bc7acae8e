package runtime

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Scheduler runs the periodic checkpoint job.
type Scheduler struct {
	cron    *cron.Cron
	runtime *Runtime
	logger  *slog.Logger
	ctx     context.Context
}

// NewScheduler registers a checkpoint at spec, a standard cron expression or
// a descriptor such as "@every 1m".
func NewScheduler(ctx context.Context, rt *Runtime, spec string) (*Scheduler, error) {
	s := &Scheduler{
		cron:    cron.New(),
		runtime: rt,
		logger:  rt.logger,
		ctx:     ctx,
	}
	if _, err := s.cron.AddFunc(spec, s.checkpoint); err != nil {
		return nil, fmt.Errorf("register checkpoint %q: %w", spec, err)
	}
	return s, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("checkpoint scheduler started")
}

// Stop waits for a running checkpoint and then writes a final one.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.checkpoint()
	s.logger.Info("checkpoint scheduler stopped")
}

func (s *Scheduler) checkpoint() {
	cp, err := s.runtime.Checkpoint(s.ctx)
	if err != nil {
		s.logger.Error("checkpoint failed", slog.Any("error", err))
		return
	}
	s.logger.Info("checkpoint written", slog.Time("at", cp.At()), slog.Int("markets", len(cp.Markets)))
}
