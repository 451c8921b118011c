package domain

import "time"

// Environment is the browser-environment collaborator: the source of
// page-visibility, connectivity and teardown signals. Handlers are invoked on
// the environment's own dispatch goroutine; registration before Start is safe.
type Environment interface {
	OnVisibilityChanged(fn func(hidden bool))
	OnConnectivityChanged(fn func(online bool))
	OnUnload(fn func())

	// Beacon performs a fire-and-forget write with an at-most-once delivery
	// guarantee. It must return without waiting for the write to complete;
	// callers must not assume it succeeded.
	Beacon(fn func())
}

// Clock abstracts time for the sync state machines so they can be driven in
// tests without sleeping.
type Clock interface {
	Now() time.Time
	NewTimer(d time.Duration) Timer
	NewTicker(d time.Duration) Ticker
}

// Timer is a resettable single-shot timer.
type Timer interface {
	C() <-chan time.Time
	Reset(d time.Duration)
	Stop()
}

// Ticker delivers periodic ticks.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}
