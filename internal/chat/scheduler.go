package chat

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"pairchat/internal/domain"
)

// Scheduler evaluates due scheduled messages on a fixed poll interval,
// independent of message traffic, and advances recurring schedules. A
// schedule overdue by several intervals fires exactly once per tick; there is
// no catch-up burst.
type Scheduler struct {
	store  domain.DocumentStore
	clock  domain.Clock
	logger *slog.Logger

	interval time.Duration
	// send creates a normal message through the same path as a user send.
	send   func(ctx context.Context, text string) error
	notify func(domain.ScheduledMessage)

	// fired remembers, per schedule id, a fire time whose message went out
	// but whose re-arm write failed; later ticks retry only the write.
	// Touched only on the poll goroutine.
	fired map[string]time.Time
}

type SchedulerConfig struct {
	Store    domain.DocumentStore
	Clock    domain.Clock
	Logger   *slog.Logger
	Interval time.Duration
	Send     func(ctx context.Context, text string) error
	Notify   func(domain.ScheduledMessage)
}

func NewScheduler(cfg SchedulerConfig) *Scheduler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	return &Scheduler{
		store:    cfg.Store,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
		interval: cfg.Interval,
		send:     cfg.Send,
		notify:   cfg.Notify,
		fired:    make(map[string]time.Time),
	}
}

// Start runs the poll loop. Blocks until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			s.Tick(ctx, s.clock.Now())
		}
	}
}

// Tick evaluates every enabled, unsent schedule whose fire time has passed.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	due, err := s.store.ListDueSchedules(ctx, now)
	if err != nil {
		s.logger.Warn("cannot list due schedules", "err", err)
		return
	}

	for _, sched := range due {
		s.evaluate(ctx, sched, now)
	}
}

func (s *Scheduler) evaluate(ctx context.Context, sched domain.ScheduledMessage, now time.Time) {
	if sched.Recurrence == domain.RecurCustom && !sched.WeekdaySelected(now.Weekday()) {
		// Today is not a selected weekday: skip sending but still advance the
		// target to the next selected day so it stops evaluating as due.
		sched.FireAt = nextSelectedDay(sched, sched.FireAt)
		if err := s.store.UpdateSchedule(ctx, sched); err != nil {
			s.logger.Warn("cannot advance schedule", "id", sched.ID, "err", err)
		}
		return
	}

	fireAt := sched.FireAt
	if prev, ok := s.fired[sched.ID]; !ok || !prev.Equal(fireAt) {
		if err := s.send(ctx, sched.Text); err != nil {
			// Leave the schedule untouched: it stays due and retries next tick.
			s.logger.Warn("scheduled send failed", "id", sched.ID, "err", err)
			return
		}
	}

	switch sched.Recurrence {
	case domain.RecurNone:
		sched.Sent = true
	case domain.RecurDaily:
		sched.FireAt = sched.FireAt.AddDate(0, 0, 1)
	case domain.RecurWeekly:
		sched.FireAt = sched.FireAt.AddDate(0, 0, 7)
	case domain.RecurMonthly:
		sched.FireAt = sched.FireAt.AddDate(0, 1, 0)
	case domain.RecurCustom:
		sched.FireAt = nextSelectedDay(sched, sched.FireAt)
	}

	if err := s.store.UpdateSchedule(ctx, sched); err != nil {
		// The message went out; remember this fire so the next tick retries
		// the write without sending a duplicate.
		s.fired[sched.ID] = fireAt
		s.logger.Warn("cannot re-arm schedule", "id", sched.ID, "err", err)
		return
	}
	delete(s.fired, sched.ID)
	s.logger.Info("scheduled message sent",
		"id", sched.ID, "recurrence", sched.Recurrence, "next", sched.FireAt)
	if s.notify != nil {
		s.notify(sched)
	}
}

// nextSelectedDay advances from the given time day-by-day until landing on a
// selected weekday. Bounded to 7 iterations (one week) so advancement
// terminates for every weekday set.
func nextSelectedDay(sched domain.ScheduledMessage, from time.Time) time.Time {
	next := from
	for i := 0; i < 7; i++ {
		next = next.AddDate(0, 0, 1)
		if sched.WeekdaySelected(next.Weekday()) {
			return next
		}
	}
	return next
}

// ValidateSchedule rejects user-correctable mistakes before any remote write.
func ValidateSchedule(sched domain.ScheduledMessage, now time.Time) error {
	if sched.Text == "" {
		return fmt.Errorf("schedule text must not be empty")
	}
	if !sched.FireAt.After(now) {
		return fmt.Errorf("schedule fire time %s is in the past", sched.FireAt.Format(time.RFC3339))
	}
	if sched.Recurrence == domain.RecurCustom && len(sched.Weekdays) == 0 {
		return fmt.Errorf("custom recurrence requires at least one weekday")
	}
	switch sched.Recurrence {
	case domain.RecurNone, domain.RecurDaily, domain.RecurWeekly, domain.RecurMonthly, domain.RecurCustom:
		return nil
	default:
		return fmt.Errorf("unknown recurrence %q", sched.Recurrence)
	}
}
