package chat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"pairchat/internal/domain"
	"pairchat/internal/metrics"
)

// Receipts marks peer-authored messages delivered and read, batching the
// writes behind a debounce so a burst of incoming messages commits as one
// atomic batch instead of one write per message.
type Receipts struct {
	store  domain.DocumentStore
	clock  domain.Clock
	logger *slog.Logger

	debounce time.Duration
	// online gates read acks: an offline or backgrounded tab must not
	// silently mark messages read.
	online func() bool

	mu             sync.Mutex
	pendingDeliver map[string]bool
	pendingRead    map[string]bool
	deferredRead   map[string]bool // enqueued while offline, held until online
	timer          domain.Timer
	timerC         <-chan time.Time
}

type ReceiptsConfig struct {
	Store    domain.DocumentStore
	Clock    domain.Clock
	Logger   *slog.Logger
	Debounce time.Duration
	Online   func() bool
}

func NewReceipts(cfg ReceiptsConfig) *Receipts {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 400 * time.Millisecond
	}
	r := &Receipts{
		store:          cfg.Store,
		clock:          cfg.Clock,
		logger:         cfg.Logger,
		debounce:       cfg.Debounce,
		online:         cfg.Online,
		pendingDeliver: make(map[string]bool),
		pendingRead:    make(map[string]bool),
		deferredRead:   make(map[string]bool),
	}
	// The timer exists from construction: the feed delivers its initial
	// snapshot before Start runs, and those acks must arm a real flush.
	r.timer = r.clock.NewTimer(time.Hour)
	r.timer.Stop()
	r.timerC = r.timer.C()
	return r
}

// Start runs the flush loop. Blocks until ctx is cancelled.
func (r *Receipts) Start(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.timerC:
			r.Flush(ctx)
		}
	}
}

// Observe ingests a peer-authored message revealed by the feed. Delivered is
// enqueued unconditionally; read only while online, otherwise it is held
// until presence comes back.
func (r *Receipts) Observe(msg domain.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	dirty := false
	if !msg.Delivered && !r.pendingDeliver[msg.ID] {
		r.pendingDeliver[msg.ID] = true
		dirty = true
	}
	if !msg.Read {
		if r.online != nil && r.online() {
			if !r.pendingRead[msg.ID] {
				r.pendingRead[msg.ID] = true
				dirty = true
			}
		} else if !r.deferredRead[msg.ID] {
			r.deferredRead[msg.ID] = true
		}
	}
	if dirty {
		r.arm()
	}
}

// OnOnline promotes read acks held while offline into the pending set.
func (r *Receipts) OnOnline() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.deferredRead) == 0 {
		return
	}
	for id := range r.deferredRead {
		r.pendingRead[id] = true
	}
	r.deferredRead = make(map[string]bool)
	r.arm()
}

// arm re-arms the debounce timer; caller holds r.mu.
func (r *Receipts) arm() {
	if r.timer != nil {
		r.timer.Reset(r.debounce)
	}
}

// Flush commits the whole pending set as one batched write. On failure the
// pending set is retained for retry: clearing it would silently lose
// receipts. Marking an already-read message again is a data-level no-op.
func (r *Receipts) Flush(ctx context.Context) {
	r.mu.Lock()
	if len(r.pendingDeliver) == 0 && len(r.pendingRead) == 0 {
		r.mu.Unlock()
		return
	}
	deliver := make([]string, 0, len(r.pendingDeliver))
	for id := range r.pendingDeliver {
		deliver = append(deliver, id)
	}
	read := make([]string, 0, len(r.pendingRead))
	for id := range r.pendingRead {
		read = append(read, id)
	}
	r.mu.Unlock()

	now := r.clock.Now()
	yes := true
	patches := make([]domain.MessagePatch, 0, len(deliver)+len(read))
	readSet := make(map[string]bool, len(read))
	for _, id := range read {
		readSet[id] = true
	}
	for _, id := range deliver {
		p := domain.MessagePatch{ID: id, Delivered: &yes, DeliveredAt: &now}
		if readSet[id] {
			p.Read = &yes
			p.ReadAt = &now
			delete(readSet, id)
		}
		patches = append(patches, p)
	}
	for _, id := range read {
		if !readSet[id] {
			continue // already combined with a delivered patch
		}
		// read implies delivered, always.
		patches = append(patches, domain.MessagePatch{
			ID: id, Delivered: &yes, DeliveredAt: &now, Read: &yes, ReadAt: &now,
		})
	}

	if err := r.store.ApplyBatch(ctx, patches); err != nil {
		r.logger.Warn("receipt batch failed, retaining for retry",
			"delivered", len(deliver), "read", len(read), "err", err)
		r.mu.Lock()
		r.arm()
		r.mu.Unlock()
		return
	}

	metrics.ReceiptFlushes.Inc()
	r.mu.Lock()
	for _, id := range deliver {
		delete(r.pendingDeliver, id)
	}
	for _, id := range read {
		delete(r.pendingRead, id)
	}
	// New ids may have arrived during the write; let the armed timer fire.
	r.mu.Unlock()
}

// PendingCounts reports queue sizes (for status surfaces and tests).
func (r *Receipts) PendingCounts() (deliver, read, deferred int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pendingDeliver), len(r.pendingRead), len(r.deferredRead)
}
