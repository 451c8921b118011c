package chat

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"testing"
	"time"

	"pairchat/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// waitFor polls cond until it holds or the deadline passes. Used when the
// code under test does its work on its own goroutine.
func waitFor(t testing.TB, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

// --- fake clock ---

// fakeClock is a manual clock: Advance moves time forward and fires any due
// timers and tickers, so state machines are tested without sleeping.
type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	timers  []*fakeTimer
	tickers []*fakeTicker
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) NewTimer(d time.Duration) domain.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, ch: make(chan time.Time, 1), deadline: c.now.Add(d), active: true}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) NewTicker(d time.Duration) domain.Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTicker{ch: make(chan time.Time, 1), period: d, next: c.now.Add(d)}
	c.tickers = append(c.tickers, t)
	return t
}

// Advance moves the clock and fires everything that came due.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	timers := append([]*fakeTimer{}, c.timers...)
	tickers := append([]*fakeTicker{}, c.tickers...)
	c.mu.Unlock()

	for _, t := range timers {
		t.fireIfDue(now)
	}
	for _, t := range tickers {
		t.fireIfDue(now)
	}
}

type fakeTimer struct {
	clock    *fakeClock
	mu       sync.Mutex
	ch       chan time.Time
	deadline time.Time
	active   bool
}

func (t *fakeTimer) C() <-chan time.Time { return t.ch }

func (t *fakeTimer) Reset(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.deadline = t.clock.Now().Add(d)
	t.active = true
}

func (t *fakeTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active = false
}

func (t *fakeTimer) fireIfDue(now time.Time) {
	t.mu.Lock()
	due := t.active && !t.deadline.After(now)
	if due {
		t.active = false
	}
	t.mu.Unlock()
	if due {
		select {
		case t.ch <- now:
		default:
		}
	}
}

type fakeTicker struct {
	mu     sync.Mutex
	ch     chan time.Time
	period time.Duration
	next   time.Time
	done   bool
}

func (t *fakeTicker) C() <-chan time.Time { return t.ch }

func (t *fakeTicker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.done = true
}

func (t *fakeTicker) fireIfDue(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return
	}
	for !t.next.After(now) {
		select {
		case t.ch <- t.next:
		default:
		}
		t.next = t.next.Add(t.period)
	}
}

// --- fake store ---

// fakeStore is a scripted in-memory DocumentStore. Failure flags let tests
// exercise the retry paths; recorded batches and upserts let them assert
// exactly what was written.
type fakeStore struct {
	mu     sync.Mutex
	nextID int
	msgs   []domain.Message
	scheds []domain.ScheduledMessage

	msgHandlers  []domain.MessageHandler
	presHandlers []domain.PresenceHandler
	msgSubsOpen  int
	presSubsOpen int

	failBatch     bool
	failUpsert    bool
	failSchedSave bool
	noAround      bool // QueryAround returns ErrUnsupported
	batches     [][]domain.MessagePatch
	upserts     []domain.PresenceRecord
	updates     []domain.MessagePatch
	schedSaves  []domain.ScheduledMessage
}

func newFakeStore() *fakeStore { return &fakeStore{} }

// seed installs n messages spaced one second apart starting at base.
func (f *fakeStore) seed(base time.Time, n int, author domain.Participant) []domain.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Message, 0, n)
	for i := 0; i < n; i++ {
		f.nextID++
		m := domain.Message{
			ID:        fmt.Sprintf("m%03d", f.nextID),
			Author:    author,
			Text:      fmt.Sprintf("msg %d", f.nextID),
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		f.msgs = append(f.msgs, m)
		out = append(out, m)
	}
	f.sortLocked()
	return out
}

func (f *fakeStore) sortLocked() {
	sort.Slice(f.msgs, func(i, j int) bool { return less(f.msgs[i], f.msgs[j]) })
}

func (f *fakeStore) CreateMessage(ctx context.Context, msg domain.Message) (domain.Message, error) {
	f.mu.Lock()
	f.nextID++
	msg.ID = fmt.Sprintf("m%03d", f.nextID)
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	f.msgs = append(f.msgs, msg)
	f.sortLocked()
	handlers := append([]domain.MessageHandler{}, f.msgHandlers...)
	f.mu.Unlock()

	for _, h := range handlers {
		if h.Change != nil {
			h.Change(domain.MessageChange{Type: domain.ChangeAdded, Message: msg})
		}
	}
	return msg, nil
}

func (f *fakeStore) UpdateMessage(ctx context.Context, patch domain.MessagePatch) error {
	f.mu.Lock()
	f.updates = append(f.updates, patch)
	var updated *domain.Message
	for i := range f.msgs {
		if f.msgs[i].ID == patch.ID {
			applyPatch(&f.msgs[i], patch)
			m := f.msgs[i]
			updated = &m
			break
		}
	}
	handlers := append([]domain.MessageHandler{}, f.msgHandlers...)
	f.mu.Unlock()

	if updated == nil {
		return domain.ErrNotFound
	}
	for _, h := range handlers {
		if h.Change != nil {
			h.Change(domain.MessageChange{Type: domain.ChangeModified, Message: *updated})
		}
	}
	return nil
}

func (f *fakeStore) DeleteMessage(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.msgs {
		if f.msgs[i].ID == id {
			f.msgs = append(f.msgs[:i], f.msgs[i+1:]...)
			return nil
		}
	}
	return domain.ErrNotFound
}

func (f *fakeStore) DeleteAllMessages(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = nil
	return nil
}

func (f *fakeStore) QueryNewest(ctx context.Context, limit int) ([]domain.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Message, 0, limit)
	for i := len(f.msgs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, f.msgs[i])
	}
	return out, nil
}

func (f *fakeStore) QueryBefore(ctx context.Context, cursor string, limit int) ([]domain.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pos := -1
	for i := range f.msgs {
		if f.msgs[i].ID == cursor {
			pos = i
			break
		}
	}
	if pos < 0 {
		return nil, domain.ErrNotFound
	}
	out := make([]domain.Message, 0, limit)
	for i := pos - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, f.msgs[i])
	}
	return out, nil
}

func (f *fakeStore) QueryAround(ctx context.Context, id string, limit int) ([]domain.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.noAround {
		return nil, domain.ErrUnsupported
	}
	pos := -1
	for i := range f.msgs {
		if f.msgs[i].ID == id {
			pos = i
			break
		}
	}
	if pos < 0 {
		return nil, domain.ErrNotFound
	}
	lo := pos - limit/2
	if lo < 0 {
		lo = 0
	}
	hi := lo + limit
	if hi > len(f.msgs) {
		hi = len(f.msgs)
	}
	return append([]domain.Message{}, f.msgs[lo:hi]...), nil
}

func (f *fakeStore) ApplyBatch(ctx context.Context, patches []domain.MessagePatch) error {
	f.mu.Lock()
	if f.failBatch {
		f.mu.Unlock()
		return fmt.Errorf("batch write rejected")
	}
	f.batches = append(f.batches, patches)
	for _, p := range patches {
		for i := range f.msgs {
			if f.msgs[i].ID == p.ID {
				applyPatch(&f.msgs[i], p)
			}
		}
	}
	f.mu.Unlock()
	return nil
}

func (f *fakeStore) SubscribeMessages(ctx context.Context, h domain.MessageHandler) (domain.Subscription, error) {
	f.mu.Lock()
	f.msgHandlers = append(f.msgHandlers, h)
	f.msgSubsOpen++
	snapshot := append([]domain.Message{}, f.msgs...)
	f.mu.Unlock()

	if h.Snapshot != nil {
		h.Snapshot(snapshot)
	}
	return &fakeSub{once: &sync.Once{}, release: func() {
		f.mu.Lock()
		f.msgSubsOpen--
		f.mu.Unlock()
	}}, nil
}

func (f *fakeStore) UpsertPresence(ctx context.Context, rec domain.PresenceRecord) error {
	f.mu.Lock()
	if f.failUpsert {
		f.mu.Unlock()
		return fmt.Errorf("presence write rejected")
	}
	f.upserts = append(f.upserts, rec)
	handlers := append([]domain.PresenceHandler{}, f.presHandlers...)
	f.mu.Unlock()

	for _, h := range handlers {
		if h.Change != nil {
			h.Change(rec)
		}
	}
	return nil
}

func (f *fakeStore) SubscribePresence(ctx context.Context, h domain.PresenceHandler) (domain.Subscription, error) {
	f.mu.Lock()
	f.presHandlers = append(f.presHandlers, h)
	f.presSubsOpen++
	f.mu.Unlock()
	return &fakeSub{once: &sync.Once{}, release: func() {
		f.mu.Lock()
		f.presSubsOpen--
		f.mu.Unlock()
	}}, nil
}

func (f *fakeStore) CreateSchedule(ctx context.Context, s domain.ScheduledMessage) (domain.ScheduledMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	s.ID = fmt.Sprintf("s%03d", f.nextID)
	f.scheds = append(f.scheds, s)
	return s, nil
}

func (f *fakeStore) UpdateSchedule(ctx context.Context, s domain.ScheduledMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSchedSave {
		return fmt.Errorf("schedule write rejected")
	}
	f.schedSaves = append(f.schedSaves, s)
	for i := range f.scheds {
		if f.scheds[i].ID == s.ID {
			f.scheds[i] = s
			return nil
		}
	}
	return domain.ErrNotFound
}

func (f *fakeStore) DeleteSchedule(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.scheds {
		if f.scheds[i].ID == id {
			f.scheds = append(f.scheds[:i], f.scheds[i+1:]...)
			return nil
		}
	}
	return domain.ErrNotFound
}

func (f *fakeStore) ListSchedules(ctx context.Context) ([]domain.ScheduledMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.ScheduledMessage{}, f.scheds...), nil
}

func (f *fakeStore) ListDueSchedules(ctx context.Context, now time.Time) ([]domain.ScheduledMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var due []domain.ScheduledMessage
	for _, s := range f.scheds {
		if s.Enabled && !s.Sent && !s.FireAt.After(now) {
			due = append(due, s)
		}
	}
	return due, nil
}

// pushChange delivers a change event to every live message handler, as the
// backend would after a peer mutation.
func (f *fakeStore) pushChange(ch domain.MessageChange) {
	f.mu.Lock()
	handlers := append([]domain.MessageHandler{}, f.msgHandlers...)
	f.mu.Unlock()
	for _, h := range handlers {
		if h.Change != nil {
			h.Change(ch)
		}
	}
}

// failListeners simulates a dead subscription.
func (f *fakeStore) failListeners(err error) {
	f.mu.Lock()
	handlers := append([]domain.MessageHandler{}, f.msgHandlers...)
	f.mu.Unlock()
	for _, h := range handlers {
		if h.Err != nil {
			h.Err(err)
		}
	}
}

func (f *fakeStore) openMessageSubs() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.msgSubsOpen
}

func (f *fakeStore) messageByID(id string) (domain.Message, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.msgs {
		if m.ID == id {
			return m, true
		}
	}
	return domain.Message{}, false
}

func (f *fakeStore) upsertCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.upserts)
}

func (f *fakeStore) lastUpsert() (domain.PresenceRecord, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.upserts) == 0 {
		return domain.PresenceRecord{}, false
	}
	return f.upserts[len(f.upserts)-1], true
}

func (f *fakeStore) batchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

func (f *fakeStore) lastBatch() []domain.MessagePatch {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.batches) == 0 {
		return nil
	}
	return f.batches[len(f.batches)-1]
}

func (f *fakeStore) setFailBatch(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failBatch = v
}

func (f *fakeStore) setFailUpsert(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failUpsert = v
}

func (f *fakeStore) setFailSchedSave(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failSchedSave = v
}

type fakeSub struct {
	once    *sync.Once
	release func()
}

func (s *fakeSub) Close() { s.once.Do(s.release) }

func applyPatch(m *domain.Message, p domain.MessagePatch) {
	if p.Text != nil {
		m.Text = *p.Text
	}
	if p.Delivered != nil {
		m.Delivered = *p.Delivered
	}
	if p.DeliveredAt != nil {
		m.DeliveredAt = p.DeliveredAt
	}
	if p.Read != nil {
		m.Read = *p.Read
	}
	if p.ReadAt != nil {
		m.ReadAt = p.ReadAt
	}
	if p.Edited != nil {
		m.Edited = *p.Edited
	}
	if p.EditHistory != nil {
		m.EditHistory = p.EditHistory
	}
	if p.Reaction != nil {
		m.Reaction = *p.Reaction
	}
}
