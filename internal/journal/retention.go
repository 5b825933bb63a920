package journal

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	// DefaultSweepSchedule prunes once an hour, on the hour.
	DefaultSweepSchedule = "0 * * * *"
	// DefaultMaxAge keeps a week of run events.
	DefaultMaxAge = 7 * 24 * time.Hour
)

// Sweeper prunes old journal entries on a cron schedule.
type Sweeper struct {
	journal  *Journal
	schedule string
	maxAge   time.Duration
	parser   cron.Parser
	logger   *slog.Logger
	cancel   context.CancelFunc
	done     chan struct{}
	mu       sync.Mutex

	nextMu  sync.Mutex
	nextRun time.Time
}

// NewSweeper creates a Sweeper. Empty schedule and zero maxAge fall back
// to the defaults.
func NewSweeper(j *Journal, schedule string, maxAge time.Duration, logger *slog.Logger) *Sweeper {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Sweeper{
		journal:  j,
		schedule: schedule,
		maxAge:   maxAge,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:   logger,
	}
}

// Start launches the background sweep loop with a 60s ticker.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("sweeper already started")
	}

	next, err := s.calculateNextRun(time.Now().UTC())
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.setNextRun(next)

	sweepCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(sweepCtx)
	s.logger.Info("journal sweeper started",
		slog.String("schedule", s.schedule),
		slog.Duration("max_age", s.maxAge),
	)
	return nil
}

func (s *Sweeper) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs a sweep if the scheduled time has passed.
func (s *Sweeper) tick(ctx context.Context) {
	now := time.Now().UTC()
	if now.Before(s.NextRun()) {
		return
	}

	if err := s.Sweep(ctx); err != nil {
		s.logger.Error("journal sweep failed", slog.String("error", err.Error()))
	}

	next, err := s.calculateNextRun(now)
	if err != nil {
		s.logger.Error("cannot schedule next sweep", slog.String("error", err.Error()))
		return
	}
	s.setNextRun(next)
}

// Sweep prunes entries older than maxAge and vacuums when rows were removed.
func (s *Sweeper) Sweep(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-s.maxAge)

	pruned, err := s.journal.PruneBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("prune journal: %w", err)
	}
	if pruned == 0 {
		return nil
	}

	s.logger.Info("journal pruned",
		slog.Int64("entries", pruned),
		slog.Time("cutoff", cutoff),
	)
	if err := s.journal.Vacuum(ctx); err != nil {
		return fmt.Errorf("vacuum journal: %w", err)
	}
	return nil
}

// NextRun reports when the next sweep is due.
func (s *Sweeper) NextRun() time.Time {
	s.nextMu.Lock()
	defer s.nextMu.Unlock()
	return s.nextRun
}

func (s *Sweeper) setNextRun(t time.Time) {
	s.nextMu.Lock()
	defer s.nextMu.Unlock()
	s.nextRun = t
}

// calculateNextRun computes the next sweep time from the cron schedule.
func (s *Sweeper) calculateNextRun(from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(s.schedule)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse sweep schedule %q: %w", s.schedule, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the sweeper.
func (s *Sweeper) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("journal sweeper stopped")
	return nil
}
