package chat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"pairchat/internal/domain"
)

// ConnState is the connection state surfaced to the UI.
type ConnState string

const (
	Connected    ConnState = "connected"
	Disconnected ConnState = "disconnected"
	Reconnecting ConnState = "reconnecting"
)

// Supervisor detects listener and heartbeat failures and re-establishes the
// subscriptions. Exactly one recovery attempt runs at a time; triggers that
// arrive mid-recovery are absorbed. A failed attempt retries after a fixed
// backoff rather than hot-looping against a down backend.
type Supervisor struct {
	clock   domain.Clock
	logger  *slog.Logger
	backoff time.Duration

	// reassert re-publishes local presence as Online and verifies success.
	reassert func(ctx context.Context) error
	// resubscribe re-opens the message feed (tearing down any prior handle).
	resubscribe func(ctx context.Context) error
	notify      func(ConnState)

	mu         sync.Mutex
	state      ConnState
	recovering bool
}

type SupervisorConfig struct {
	Clock       domain.Clock
	Logger      *slog.Logger
	Backoff     time.Duration
	Reassert    func(ctx context.Context) error
	Resubscribe func(ctx context.Context) error
	Notify      func(ConnState)
}

func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 5 * time.Second
	}
	return &Supervisor{
		clock:       cfg.Clock,
		logger:      cfg.Logger,
		backoff:     cfg.Backoff,
		reassert:    cfg.Reassert,
		resubscribe: cfg.Resubscribe,
		notify:      cfg.Notify,
		state:       Connected,
	}
}

func (s *Supervisor) State() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// OnListenerError handles a dead feed or presence listener.
func (s *Supervisor) OnListenerError(ctx context.Context, err error) {
	s.logger.Warn("listener error, starting recovery", "err", err)
	s.setState(Disconnected)
	s.recover(ctx)
}

// OnHeartbeatFailure handles a failed presence write.
func (s *Supervisor) OnHeartbeatFailure(ctx context.Context, err error) {
	s.logger.Warn("heartbeat failure, starting recovery", "err", err)
	s.setState(Disconnected)
	s.recover(ctx)
}

// OnBrowserOnline handles the environment's online event.
func (s *Supervisor) OnBrowserOnline(ctx context.Context) {
	s.recover(ctx)
}

// OnBrowserOffline forces Disconnected immediately, without waiting for an
// operation to fail.
func (s *Supervisor) OnBrowserOffline() {
	s.setState(Disconnected)
}

// recover runs the recovery loop on its own goroutine. The guard flag keeps
// recovery single-flight: duplicate triggers while one attempt is running
// (or waiting out a backoff) are dropped.
func (s *Supervisor) recover(ctx context.Context) {
	s.mu.Lock()
	if s.recovering {
		s.mu.Unlock()
		return
	}
	s.recovering = true
	s.mu.Unlock()

	s.setState(Reconnecting)

	go func() {
		defer func() {
			s.mu.Lock()
			s.recovering = false
			s.mu.Unlock()
		}()

		for attempt := 1; ; attempt++ {
			err := s.attempt(ctx)
			if err == nil {
				s.setState(Connected)
				s.logger.Info("connection recovered", "attempts", attempt)
				return
			}
			s.logger.Warn("recovery attempt failed",
				"attempt", attempt, "backoff", s.backoff, "err", err)

			timer := s.clock.NewTimer(s.backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C():
			}
		}
	}()
}

// attempt re-establishes the subscriptions, then re-asserts presence and
// verifies the write succeeded before the state may flip to Connected.
func (s *Supervisor) attempt(ctx context.Context) error {
	if s.resubscribe != nil {
		if err := s.resubscribe(ctx); err != nil {
			return err
		}
	}
	if s.reassert != nil {
		if err := s.reassert(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (s *Supervisor) setState(st ConnState) {
	s.mu.Lock()
	changed := s.state != st
	s.state = st
	s.mu.Unlock()
	if changed && s.notify != nil {
		s.notify(st)
	}
}
