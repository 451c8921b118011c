// Package env models the browser-environment collaborator: page visibility,
// connectivity and teardown signals, plus a fire-and-forget beacon for the
// last offline write during unload.
package env

import (
	"log/slog"
	"sync"

	"pairchat/internal/domain"
)

// Signals is an in-process implementation of domain.Environment. Producers
// (a UI shell, a test, a desktop host) push signals in; registered handlers
// run synchronously on the producer's goroutine, matching the cooperative
// event-loop model the core assumes.
type Signals struct {
	mu         sync.Mutex
	visibility []func(hidden bool)
	connect    []func(online bool)
	unload     []func()
	logger     *slog.Logger
}

var _ domain.Environment = (*Signals)(nil)

func NewSignals(logger *slog.Logger) *Signals {
	if logger == nil {
		logger = slog.Default()
	}
	return &Signals{logger: logger}
}

func (s *Signals) OnVisibilityChanged(fn func(hidden bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.visibility = append(s.visibility, fn)
}

func (s *Signals) OnConnectivityChanged(fn func(online bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connect = append(s.connect, fn)
}

func (s *Signals) OnUnload(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unload = append(s.unload, fn)
}

// Beacon runs fn on its own goroutine and never waits for it. Delivery is
// at most once: a panic or a write that never completes is absorbed here
// rather than blocking teardown.
func (s *Signals) Beacon(fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Debug("beacon write abandoned", "reason", r)
			}
		}()
		fn()
	}()
}

// VisibilityChanged reports a page-visibility flip to all listeners.
func (s *Signals) VisibilityChanged(hidden bool) {
	for _, fn := range s.snapshot(&s.visibility) {
		fn(hidden)
	}
}

// ConnectivityChanged reports a browser online/offline event.
func (s *Signals) ConnectivityChanged(online bool) {
	for _, fn := range s.snapshot(&s.connect) {
		fn(online)
	}
}

// Unload reports imminent page teardown.
func (s *Signals) Unload() {
	s.mu.Lock()
	fns := append([]func(){}, s.unload...)
	s.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (s *Signals) snapshot(reg *[]func(bool)) []func(bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]func(bool){}, *reg...)
}
