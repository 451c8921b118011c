package chat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"pairchat/internal/domain"
	"pairchat/internal/metrics"
)

// presenceState is the local participant's liveness state machine.
type presenceState int

const (
	presenceOffline presenceState = iota
	presenceOnline
	presenceDegraded // online asserted, last heartbeat failed
)

// Presence maintains this participant's published online/typing state and
// derives the peer's state from their published record, downgrading stale
// online flags to offline.
type Presence struct {
	store  domain.DocumentStore
	clock  domain.Clock
	logger *slog.Logger

	self     domain.Participant
	peer     domain.Participant
	interval time.Duration // heartbeat period
	clearAge time.Duration // typing auto-clear after inactivity

	// onFailure routes heartbeat failures to the reconnection supervisor.
	onFailure func(error)
	// onOnline fires on any transition into Online, whether from Offline or
	// from Degraded recovery (unblocks read acks held while offline).
	onOnline func()
	notify   func()

	mu        sync.Mutex
	state     presenceState
	typing    bool
	hidden    bool // tab hidden: heartbeats suspended
	peerRec   domain.PresenceRecord
	hasPeer   bool
	typingTmr domain.Timer

	sub domain.Subscription
}

type PresenceConfig struct {
	Store             domain.DocumentStore
	Clock             domain.Clock
	Logger            *slog.Logger
	Self              domain.Participant
	Peer              domain.Participant
	HeartbeatInterval time.Duration
	TypingClear       time.Duration

	OnFailure func(error)
	OnOnline  func()
	Notify    func()
}

func NewPresence(cfg PresenceConfig) *Presence {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 12 * time.Second
	}
	if cfg.TypingClear <= 0 {
		cfg.TypingClear = 2 * time.Second
	}
	return &Presence{
		store:     cfg.Store,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
		self:      cfg.Self,
		peer:      cfg.Peer,
		interval:  cfg.HeartbeatInterval,
		clearAge:  cfg.TypingClear,
		onFailure: cfg.OnFailure,
		onOnline:  cfg.OnOnline,
		notify:    cfg.Notify,
	}
}

// FreshnessWindow is how long a peer's online flag stays trustworthy.
func (p *Presence) FreshnessWindow() time.Duration {
	return 3 * p.interval
}

// Start asserts Online, fires the first heartbeat, subscribes to the peer's
// record and begins the heartbeat loop. Blocks until ctx is cancelled.
func (p *Presence) Start(ctx context.Context) error {
	sub, err := p.store.SubscribePresence(ctx, domain.PresenceHandler{
		Change: p.applyPeer,
		Err: func(err error) {
			p.logger.Warn("presence listener failed", "err", err)
			if p.onFailure != nil {
				p.onFailure(err)
			}
		},
	})
	if err != nil {
		return err
	}
	p.mu.Lock()
	if p.sub != nil {
		p.sub.Close()
	}
	p.sub = sub
	p.typingTmr = p.clock.NewTimer(time.Hour)
	p.typingTmr.Stop()
	typingC := p.typingTmr.C()
	p.mu.Unlock()

	p.goOnline(ctx)

	ticker := p.clock.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.shutdown()
			return nil
		case <-ticker.C():
			p.mu.Lock()
			suspended := p.hidden
			p.mu.Unlock()
			if !suspended {
				p.heartbeat(ctx)
			}
		case <-typingC:
			p.SetTyping(ctx, false)
		}
	}
}

// heartbeat re-asserts online plus the current typing flag. A failure does
// not flip local state offline; it degrades and defers to the supervisor.
func (p *Presence) heartbeat(ctx context.Context) {
	p.mu.Lock()
	typing := p.typing
	p.mu.Unlock()

	err := p.store.UpsertPresence(ctx, domain.PresenceRecord{
		Participant: p.self,
		LastSeen:    p.clock.Now(),
		Online:      true,
		Typing:      typing,
	})

	p.mu.Lock()
	if err != nil {
		p.state = presenceDegraded
		p.mu.Unlock()
		p.logger.Warn("heartbeat failed", "err", err)
		if p.onFailure != nil {
			p.onFailure(err)
		}
		return
	}
	wasOnline := p.state == presenceOnline
	p.state = presenceOnline
	p.mu.Unlock()

	metrics.Heartbeats.Inc()
	if !wasOnline && p.onOnline != nil {
		p.onOnline()
	}
}

func (p *Presence) goOnline(ctx context.Context) {
	p.heartbeat(ctx)
}

// goOffline writes an immediate offline record. Best effort: a failure is
// logged and local state flips regardless.
func (p *Presence) goOffline(ctx context.Context) {
	p.mu.Lock()
	p.state = presenceOffline
	p.typing = false
	p.mu.Unlock()

	if err := p.store.UpsertPresence(ctx, domain.PresenceRecord{
		Participant: p.self,
		LastSeen:    p.clock.Now(),
		Online:      false,
	}); err != nil {
		p.logger.Warn("offline write failed", "err", err)
	}
}

// SetVisibility reacts to tab visibility: hidden flips offline immediately
// and suspends heartbeats; visible restores online and resumes them.
func (p *Presence) SetVisibility(ctx context.Context, hidden bool) {
	p.mu.Lock()
	if p.hidden == hidden {
		p.mu.Unlock()
		return
	}
	p.hidden = hidden
	p.mu.Unlock()

	if hidden {
		p.goOffline(ctx)
	} else {
		p.goOnline(ctx)
	}
}

// HandleUnload publishes a best-effort offline record through the
// environment's fire-and-forget beacon; it must not block page teardown.
func (p *Presence) HandleUnload(env domain.Environment) {
	p.mu.Lock()
	p.state = presenceOffline
	p.mu.Unlock()

	rec := domain.PresenceRecord{
		Participant: p.self,
		LastSeen:    p.clock.Now(),
		Online:      false,
	}
	env.Beacon(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = p.store.UpsertPresence(ctx, rec)
	})
}

// SetTyping writes only on edges: the false→true edge writes immediately and
// arms the auto-clear timer; repeated keystrokes just re-arm it.
func (p *Presence) SetTyping(ctx context.Context, typing bool) {
	p.mu.Lock()
	if p.typing == typing {
		if typing && p.typingTmr != nil {
			p.typingTmr.Reset(p.clearAge)
		}
		p.mu.Unlock()
		return
	}
	p.typing = typing
	if typing && p.typingTmr != nil {
		p.typingTmr.Reset(p.clearAge)
	}
	online := p.state != presenceOffline
	p.mu.Unlock()

	if !online {
		return
	}
	if err := p.store.UpsertPresence(ctx, domain.PresenceRecord{
		Participant: p.self,
		LastSeen:    p.clock.Now(),
		Online:      true,
		Typing:      typing,
	}); err != nil {
		p.logger.Warn("typing write failed", "err", err)
	}
}

// ReassertOnline is the supervisor's recovery action: one synchronous
// heartbeat whose error reports whether the backend is reachable again.
func (p *Presence) ReassertOnline(ctx context.Context) error {
	err := p.store.UpsertPresence(ctx, domain.PresenceRecord{
		Participant: p.self,
		LastSeen:    p.clock.Now(),
		Online:      true,
	})
	p.mu.Lock()
	wasOnline := p.state == presenceOnline
	if err != nil {
		p.state = presenceDegraded
	} else {
		p.state = presenceOnline
	}
	p.mu.Unlock()
	if err == nil && !wasOnline && p.onOnline != nil {
		p.onOnline()
	}
	return err
}

// Online reports whether the local participant is currently online; the
// delivery/read tracker gates read acks on this.
func (p *Presence) Online() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == presenceOnline || p.state == presenceDegraded
}

// applyPeer ingests the peer's published record from the presence stream.
func (p *Presence) applyPeer(rec domain.PresenceRecord) {
	if rec.Participant != p.peer {
		return
	}
	p.mu.Lock()
	p.peerRec = rec
	p.hasPeer = true
	p.mu.Unlock()
	if p.notify != nil {
		p.notify()
	}
}

// PeerState is the peer's presence as surfaced to the UI, with the online
// flag already ANDed against the freshness window.
type PeerState struct {
	Online   bool
	Typing   bool
	LastSeen time.Time
}

func (p *Presence) Peer() PeerState {
	p.mu.Lock()
	rec := p.peerRec
	known := p.hasPeer
	p.mu.Unlock()

	if !known {
		return PeerState{}
	}
	online := rec.EffectiveOnline(p.clock.Now(), p.FreshnessWindow())
	return PeerState{
		Online:   online,
		Typing:   online && rec.Typing,
		LastSeen: rec.LastSeen,
	}
}

func (p *Presence) shutdown() {
	p.mu.Lock()
	if p.sub != nil {
		p.sub.Close()
		p.sub = nil
	}
	if p.typingTmr != nil {
		p.typingTmr.Stop()
	}
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	p.goOffline(ctx)
}
