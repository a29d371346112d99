package engine

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Scheduler: внешний таймер, периодически вызывающий RunScheduledAgents.
type Scheduler struct {
	orch     *Orchestrator
	interval atomic.Int64
	reset    chan struct{}
	logger   *zap.Logger
}

func NewScheduler(orch *Orchestrator, interval time.Duration, logger *zap.Logger) *Scheduler {
	s := &Scheduler{
		orch:   orch,
		reset:  make(chan struct{}, 1),
		logger: logger.Named("scheduler"),
	}
	s.interval.Store(int64(interval))
	return s
}

// SetInterval меняет период без рестарта; применяется со следующего тика.
func (s *Scheduler) SetInterval(d time.Duration) {
	if d <= 0 || time.Duration(s.interval.Swap(int64(d))) == d {
		return
	}
	select {
	case s.reset <- struct{}{}:
	default:
	}
}

func (s *Scheduler) Interval() time.Duration {
	return time.Duration(s.interval.Load())
}

// Run блокируется до отмены контекста. Тики не перекрываются: следующий ждет окончания предыдущего.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.Interval())
	defer ticker.Stop()
	s.logger.Info("scheduler started", zap.Duration("interval", s.Interval()))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-s.reset:
			ticker.Reset(s.Interval())
			s.logger.Info("scheduler interval changed", zap.Duration("interval", s.Interval()))
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

func (s *Scheduler) Tick(ctx context.Context) {
	results := s.orch.RunScheduledAgents(ctx)
	failed := 0
	for key, res := range results {
		if !res.Success {
			failed++
			s.logger.Warn("scheduled run failed", zap.String("pair", key), zap.String("kind", string(res.Kind)), zap.String("reason", res.ErrorMessage))
		}
	}
	if len(results) > 0 {
		s.logger.Info("scheduled scan finished", zap.Int("runs", len(results)), zap.Int("failed", failed))
	}
}
