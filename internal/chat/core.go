// Package chat is the client-side synchronization core of a two-party chat.
// It keeps a local mirror of conversation state consistent with a remote
// multi-writer document store while tracking peer presence, delivery/read
// receipts, paginated history and a small recurring-message scheduler.
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"pairchat/internal/bus"
	"pairchat/internal/config"
	"pairchat/internal/domain"
	"pairchat/internal/metrics"
)

// Core owns the sync components and the process's single feed and presence
// subscriptions. The UI layer drives it through intents and reads state back
// through snapshot accessors, re-reading whenever the bus announces a change.
type Core struct {
	store  domain.DocumentStore
	blobs  domain.BlobStore
	env    domain.Environment
	clock  domain.Clock
	events *bus.Bus
	logger *slog.Logger

	self domain.Participant
	peer domain.Participant

	list     *messageList
	feed     *Feed
	presence *Presence
	receipts *Receipts
	pager    *Paginator
	super    *Supervisor
	sched    *Scheduler

	mu      sync.Mutex
	started bool
	runCtx  context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type Deps struct {
	Config *config.Config
	Store  domain.DocumentStore
	Blobs  domain.BlobStore
	Env    domain.Environment
	Clock  domain.Clock
	Bus    *bus.Bus
	Logger *slog.Logger
}

func New(d Deps) *Core {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Clock == nil {
		d.Clock = domain.RealClock{}
	}
	if d.Bus == nil {
		d.Bus = bus.New(d.Logger)
	}
	sc := d.Config.Sync

	c := &Core{
		store:  d.Store,
		blobs:  d.Blobs,
		env:    d.Env,
		clock:  d.Clock,
		events: d.Bus,
		logger: d.Logger,
		self:   domain.Participant(d.Config.Participants.Self),
		peer:   domain.Participant(d.Config.Participants.Peer),
		list:   newMessageList(),
	}

	c.receipts = NewReceipts(ReceiptsConfig{
		Store:    d.Store,
		Clock:    d.Clock,
		Logger:   d.Logger,
		Debounce: time.Duration(sc.ReadFlushDebounceMS) * time.Millisecond,
		Online:   func() bool { return c.presence.Online() },
	})

	c.presence = NewPresence(PresenceConfig{
		Store:             d.Store,
		Clock:             d.Clock,
		Logger:            d.Logger,
		Self:              c.self,
		Peer:              c.peer,
		HeartbeatInterval: time.Duration(sc.HeartbeatIntervalMS) * time.Millisecond,
		TypingClear:       time.Duration(sc.TypingClearMS) * time.Millisecond,
		OnFailure:         func(err error) { c.super.OnHeartbeatFailure(c.runContext(), err) },
		OnOnline:          func() { c.receipts.OnOnline() },
		Notify:            func() { c.emit(bus.EventPresence, nil) },
	})

	c.feed = NewFeed(FeedConfig{
		Store:         d.Store,
		List:          c.list,
		Peer:          c.peer,
		Logger:        d.Logger,
		OnPeerMessage: c.observePeerMessage,
		OnError:       func(err error) { c.super.OnListenerError(c.runContext(), err) },
		Notify: func() {
			metrics.FeedEvents.Inc()
			metrics.LoadedMessages.Set(int64(c.list.len()))
			c.emit(bus.EventMessages, nil)
		},
	})

	c.pager = NewPaginator(PaginatorConfig{
		Store:     d.Store,
		List:      c.list,
		Logger:    d.Logger,
		PageSize:  sc.PageSize,
		WalkLimit: sc.ScrollWalkLimit,
		Notify: func() {
			metrics.LoadedMessages.Set(int64(c.list.len()))
			c.emit(bus.EventPagination, c.pager.State())
		},
	})

	c.super = NewSupervisor(SupervisorConfig{
		Clock:       d.Clock,
		Logger:      d.Logger,
		Backoff:     time.Duration(sc.ReconnectBackoffMS) * time.Millisecond,
		Reassert:    func(ctx context.Context) error { return c.presence.ReassertOnline(ctx) },
		Resubscribe: func(ctx context.Context) error { return c.feed.Open(ctx) },
		Notify: func(st ConnState) {
			metrics.ConnChanges.Inc()
			if st == Connected {
				metrics.ConnectionUp.Set(1)
			} else {
				metrics.ConnectionUp.Set(0)
			}
			c.emit(bus.EventConnection, st)
		},
	})

	c.sched = NewScheduler(SchedulerConfig{
		Store:    d.Store,
		Clock:    d.Clock,
		Logger:   d.Logger,
		Interval: time.Duration(sc.SchedulerIntervalMS) * time.Millisecond,
		Send: func(ctx context.Context, text string) error {
			_, err := c.SendMessage(ctx, text, "")
			return err
		},
		Notify: func(s domain.ScheduledMessage) {
			metrics.ScheduleFires.Inc()
			c.emit(bus.EventSchedule, s.ID)
		},
	})

	return c
}

// Start opens the subscriptions, performs the initial history load and
// launches the background loops. It is not idempotent: a Core is started once.
func (c *Core) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("core already started")
	}
	c.started = true
	runCtx, cancel := context.WithCancel(ctx)
	c.runCtx = runCtx
	c.cancel = cancel
	c.mu.Unlock()

	if err := c.feed.Open(runCtx); err != nil {
		return fmt.Errorf("cannot open message feed: %w", err)
	}
	if err := c.pager.InitialLoad(runCtx); err != nil {
		c.logger.Warn("initial history load failed, continuing degraded", "err", err)
	}

	c.wg.Add(3)
	go func() {
		defer c.wg.Done()
		if err := c.presence.Start(runCtx); err != nil {
			c.logger.Warn("presence subscription failed", "err", err)
			c.super.OnListenerError(runCtx, err)
		}
	}()
	go func() {
		defer c.wg.Done()
		c.receipts.Start(runCtx)
	}()
	go func() {
		defer c.wg.Done()
		c.sched.Start(runCtx)
	}()

	c.wireEnvironment(runCtx)
	return nil
}

// Close tears down subscriptions and background loops. Idempotent.
func (c *Core) Close() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.feed.Close()
	c.wg.Wait()
}

func (c *Core) wireEnvironment(ctx context.Context) {
	if c.env == nil {
		return
	}
	c.env.OnVisibilityChanged(func(hidden bool) {
		c.presence.SetVisibility(ctx, hidden)
	})
	c.env.OnConnectivityChanged(func(online bool) {
		if online {
			c.super.OnBrowserOnline(ctx)
		} else {
			c.super.OnBrowserOffline()
		}
	})
	c.env.OnUnload(func() {
		c.presence.HandleUnload(c.env)
	})
}

// runContext is the lifetime handed to supervisor recovery. Once Close has
// cancelled it, a late failure callback cannot spawn recovery that outlives
// the core or reopens subscriptions after teardown.
func (c *Core) runContext() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.runCtx != nil {
		return c.runCtx
	}
	return context.Background()
}

func (c *Core) observePeerMessage(m domain.Message) {
	c.receipts.Observe(m)
}

func (c *Core) emit(eventType string, payload any) {
	c.events.Emit(bus.Event{Type: eventType, Payload: payload})
}

// --- intents ---

// SendMessage creates a message through the store. A non-empty replyTo copies
// a snapshot of the quoted message into the new one.
func (c *Core) SendMessage(ctx context.Context, text string, replyTo string) (domain.Message, error) {
	if text == "" {
		return domain.Message{}, fmt.Errorf("message text must not be empty")
	}

	msg := domain.Message{
		Author:    c.self,
		Text:      text,
		CreatedAt: c.clock.Now(),
	}
	if replyTo != "" {
		quoted, ok := c.list.get(replyTo)
		if !ok {
			return domain.Message{}, fmt.Errorf("reply target %s is not loaded", replyTo)
		}
		msg.ReplyTo = &domain.ReplyRef{
			MessageID: quoted.ID,
			Text:      quoted.Text,
			Author:    quoted.Author,
		}
	}

	created, err := c.store.CreateMessage(ctx, msg)
	if err != nil {
		return domain.Message{}, fmt.Errorf("send: %w", err)
	}
	// The echo arrives through the feed; adding here keeps the UI snappy and
	// the feed's duplicate guard makes the echo a no-op.
	if c.list.add(created) {
		c.emit(bus.EventMessages, nil)
	}
	return created, nil
}

// SendVoice stores the audio bytes in the blob store and sends a message
// carrying the returned ref.
func (c *Core) SendVoice(ctx context.Context, name string, data []byte) (domain.Message, error) {
	if len(data) == 0 {
		return domain.Message{}, fmt.Errorf("voice clip is empty")
	}
	ref, err := c.blobs.Put(ctx, name, data)
	if err != nil {
		return domain.Message{}, fmt.Errorf("store voice clip: %w", err)
	}

	created, err := c.store.CreateMessage(ctx, domain.Message{
		Author:    c.self,
		Text:      "",
		CreatedAt: c.clock.Now(),
		AudioRef:  ref,
	})
	if err != nil {
		return domain.Message{}, fmt.Errorf("send voice: %w", err)
	}
	if c.list.add(created) {
		c.emit(bus.EventMessages, nil)
	}
	return created, nil
}

// EditMessage appends the prior text to the edit history and swaps the live
// text. History is append-only; the live text always equals the latest edit.
func (c *Core) EditMessage(ctx context.Context, id, newText string) error {
	if newText == "" {
		return fmt.Errorf("edited text must not be empty")
	}
	current, ok := c.list.get(id)
	if !ok {
		return fmt.Errorf("message %s is not loaded", id)
	}
	if current.Author != c.self {
		return fmt.Errorf("cannot edit the peer's message")
	}
	if current.Text == newText {
		return nil
	}

	history := append(append([]domain.EditEntry{}, current.EditHistory...), domain.EditEntry{
		Text:     current.Text,
		EditedAt: c.clock.Now(),
	})
	yes := true
	return c.store.UpdateMessage(ctx, domain.MessagePatch{
		ID:          id,
		Text:        &newText,
		Edited:      &yes,
		EditHistory: history,
	})
}

func (c *Core) DeleteMessage(ctx context.Context, id string) error {
	return c.store.DeleteMessage(ctx, id)
}

// ClearHistory removes every message in the conversation.
func (c *Core) ClearHistory(ctx context.Context) error {
	return c.store.DeleteAllMessages(ctx)
}

// React sets the message's reaction; an empty emoji clears it.
func (c *Core) React(ctx context.Context, id, emoji string) error {
	if !c.list.has(id) {
		return fmt.Errorf("message %s is not loaded", id)
	}
	return c.store.UpdateMessage(ctx, domain.MessagePatch{ID: id, Reaction: &emoji})
}

func (c *Core) Unreact(ctx context.Context, id string) error {
	return c.React(ctx, id, "")
}

func (c *Core) SetTyping(ctx context.Context, typing bool) {
	c.presence.SetTyping(ctx, typing)
}

func (c *Core) LoadMore(ctx context.Context) error {
	return c.pager.LoadMore(ctx)
}

// ScrollToMessage reports whether the target could be brought into the loaded
// window. A missing target is a boolean failure, not an error.
func (c *Core) ScrollToMessage(ctx context.Context, id string) bool {
	return c.pager.ScrollTo(ctx, id)
}

func (c *Core) ScheduleMessage(ctx context.Context, text string, fireAt time.Time, rec domain.Recurrence, weekdays []time.Weekday) (domain.ScheduledMessage, error) {
	sched := domain.ScheduledMessage{
		Author:     c.self,
		Text:       text,
		FireAt:     fireAt,
		Recurrence: rec,
		Weekdays:   weekdays,
		Enabled:    true,
		CreatedAt:  c.clock.Now(),
	}
	if err := ValidateSchedule(sched, c.clock.Now()); err != nil {
		return domain.ScheduledMessage{}, err
	}
	return c.store.CreateSchedule(ctx, sched)
}

func (c *Core) ToggleSchedule(ctx context.Context, id string) error {
	scheds, err := c.store.ListSchedules(ctx)
	if err != nil {
		return err
	}
	for _, s := range scheds {
		if s.ID == id {
			s.Enabled = !s.Enabled
			return c.store.UpdateSchedule(ctx, s)
		}
	}
	return domain.ErrNotFound
}

func (c *Core) DeleteSchedule(ctx context.Context, id string) error {
	return c.store.DeleteSchedule(ctx, id)
}

func (c *Core) Schedules(ctx context.Context) ([]domain.ScheduledMessage, error) {
	return c.store.ListSchedules(ctx)
}

// --- snapshots ---

// Messages returns the loaded conversation in chronological order.
func (c *Core) Messages() []domain.Message {
	return c.list.all()
}

// PeerPresence returns the peer's derived presence.
func (c *Core) PeerPresence() PeerState {
	return c.presence.Peer()
}

func (c *Core) Pagination() PaginationState {
	return c.pager.State()
}

func (c *Core) Connection() ConnState {
	return c.super.State()
}

// GetVoice fetches a voice clip by its blob ref.
func (c *Core) GetVoice(ctx context.Context, ref string) ([]byte, error) {
	return c.blobs.Get(ctx, ref)
}
