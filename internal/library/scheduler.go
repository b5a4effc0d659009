package library

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/qualstar/libraryctl/internal/logging"
)

// Scheduler is a small robfig/cron wrapper that keeps the Engine's in-memory
// model warm on a background tick independent of HTTP traffic, and
// periodically sweeps terminal Operations past the 60-minute retention
// window. Status collection itself still goes through CollectStatus's own
// 15s rate limit; this is an outer, configurable cadence on top of it.
type Scheduler struct {
	engine *Engine
	logger *logging.Logger
	cron   *cron.Cron

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler builds a Scheduler bound to engine. statusCollectCron and
// operationGCCron are standard cron expressions (robfig/cron's
// WithSeconds parser), e.g. "@every 20s" or "0 */1 * * * *".
func NewScheduler(engine *Engine, logger *logging.Logger, statusCollectCron, operationGCCron string) (*Scheduler, error) {
	s := &Scheduler{
		engine: engine,
		logger: logger,
		cron:   cron.New(cron.WithSeconds()),
	}

	if statusCollectCron != "" {
		if _, err := s.cron.AddFunc(statusCollectCron, s.tickCollectStatus); err != nil {
			return nil, err
		}
	}
	if operationGCCron != "" {
		if _, err := s.cron.AddFunc(operationGCCron, s.tickGC); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Scheduler) tickCollectStatus() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		return
	}
	if err := s.engine.CollectStatus(ctx, false); err != nil {
		s.log("scheduled status collection failed: %v", err)
	}
}

func (s *Scheduler) tickGC() {
	if removed := s.engine.GCOperations(); removed > 0 {
		s.log("swept %d terminal operations past retention", removed)
	}
}

func (s *Scheduler) log(format string, args ...interface{}) {
	if s.logger == nil {
		return
	}
	s.logger.Info(fmt.Sprintf(format, args...), nil)
}

// Start begins running the scheduled jobs. tick functions use a
// background context bounded only by Stop.
func (s *Scheduler) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.ctx = ctx
	s.cancel = cancel
	s.mu.Unlock()
	s.cron.Start()
}

// Stop halts the scheduler and waits for any running job to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
}

