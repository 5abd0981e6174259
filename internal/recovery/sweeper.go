package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Sweeper runs the stalled-job recovery pass on a cron schedule.
type Sweeper struct {
	recoverer *Recoverer
	schedule  cron.Schedule
	logger    *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweeper parses the cron expression (standard five-field syntax) and
// returns a sweeper. An empty expression defaults to every minute.
func NewSweeper(r *Recoverer, cronExpr string, logger *slog.Logger) (*Sweeper, error) {
	if cronExpr == "" {
		cronExpr = "* * * * *"
	}
	if logger == nil {
		logger = slog.Default()
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(cronExpr)
	if err != nil {
		return nil, fmt.Errorf("parse sweep schedule %q: %w", cronExpr, err)
	}
	return &Sweeper{recoverer: r, schedule: schedule, logger: logger}, nil
}

// Start launches the background sweep loop.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("sweeper already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(loopCtx)
	s.logger.Info("recovery sweeper started")
	return nil
}

func (s *Sweeper) loop(ctx context.Context) {
	defer close(s.done)

	for {
		next := s.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.runOnce(ctx)
		}
	}
}

func (s *Sweeper) runOnce(ctx context.Context) {
	report, err := s.recoverer.RecoverStalledJobs(ctx)
	if err != nil {
		s.logger.Error("recovery sweep failed", "error", err)
		return
	}
	if report.Requeued > 0 || report.DeadLettered > 0 {
		s.logger.Info("recovery sweep",
			"requeued", report.Requeued, "dead_lettered", report.DeadLettered)
	}
}

// Stop halts the loop and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.logger.Info("recovery sweeper stopped")
}
