package chat

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"pairchat/internal/domain"
	"pairchat/internal/metrics"
)

// Paginator loads the newest window of history eagerly and older windows on
// demand, tracking an opaque cursor at the oldest loaded message.
type Paginator struct {
	store  domain.DocumentStore
	list   *messageList
	logger *slog.Logger

	pageSize  int
	walkLimit int // bounded attempts for the scroll-to-message fallback
	notify    func()

	mu          sync.Mutex
	cursor      string
	hasMore     bool
	loading     bool
	totalLoaded int
}

type PaginatorConfig struct {
	Store     domain.DocumentStore
	List      *messageList
	Logger    *slog.Logger
	PageSize  int
	WalkLimit int
	Notify    func()
}

// PaginationState is the cursor state surfaced to the UI.
type PaginationState struct {
	HasMore     bool
	Loading     bool
	TotalLoaded int
}

func NewPaginator(cfg PaginatorConfig) *Paginator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 25
	}
	if cfg.WalkLimit <= 0 {
		cfg.WalkLimit = 8
	}
	return &Paginator{
		store:     cfg.Store,
		list:      cfg.List,
		logger:    cfg.Logger,
		pageSize:  cfg.PageSize,
		walkLimit: cfg.WalkLimit,
		notify:    cfg.Notify,
	}
}

// InitialLoad fetches the newest page and establishes the cursor. It resets
// hasMore: this is the only call that can flip it back to true.
func (p *Paginator) InitialLoad(ctx context.Context) error {
	p.mu.Lock()
	if p.loading {
		p.mu.Unlock()
		return nil
	}
	p.loading = true
	p.mu.Unlock()
	p.announce()

	batch, err := p.store.QueryNewest(ctx, p.pageSize)

	p.mu.Lock()
	p.loading = false
	if err != nil {
		p.mu.Unlock()
		p.announce()
		return err
	}
	metrics.PageLoads.Inc()
	// Newest-first from the store; the list keeps chronological order itself.
	added := p.list.merge(batch)
	p.totalLoaded += added
	p.hasMore = len(batch) == p.pageSize
	if n := len(batch); n > 0 {
		p.cursor = batch[n-1].ID
	}
	p.mu.Unlock()
	p.announce()
	return nil
}

// LoadMore fetches the next batch older than the cursor. A call while a load
// is in flight, or after history is exhausted, is a no-op.
func (p *Paginator) LoadMore(ctx context.Context) error {
	p.mu.Lock()
	if !p.hasMore || p.loading || p.cursor == "" {
		p.mu.Unlock()
		return nil
	}
	p.loading = true
	cursor := p.cursor
	p.mu.Unlock()
	p.announce()

	batch, err := p.store.QueryBefore(ctx, cursor, p.pageSize)

	p.mu.Lock()
	p.loading = false
	if err != nil {
		p.mu.Unlock()
		p.announce()
		return err
	}
	metrics.PageLoads.Inc()
	added := p.list.merge(batch)
	p.totalLoaded += added
	p.hasMore = len(batch) == p.pageSize
	// The cursor advances to this batch's own oldest, never list.oldest():
	// a ScrollTo jump may have merged a discontiguous older window whose
	// oldest would shortcut the cursor past every unloaded page in between.
	if n := len(batch); n > 0 {
		p.cursor = batch[n-1].ID
	}
	p.mu.Unlock()
	p.announce()
	return nil
}

// ScrollTo ensures the target message is loaded. Already-loaded targets
// succeed immediately; otherwise it tries the store's direct-position lookup
// to grab a contiguous window around the target in one request, and falls
// back to bounded older-page walks when the store cannot serve that. A target
// absent from the full history returns false, never an error.
func (p *Paginator) ScrollTo(ctx context.Context, id string) bool {
	if p.list.has(id) {
		return true
	}

	window, err := p.store.QueryAround(ctx, id, p.pageSize)
	switch {
	case err == nil:
		p.mu.Lock()
		p.totalLoaded += p.list.merge(window)
		p.mu.Unlock()
		p.announce()
		return true
	case errors.Is(err, domain.ErrNotFound):
		return false
	case errors.Is(err, domain.ErrUnsupported):
		// fall through to the walk
	default:
		p.logger.Warn("direct-position lookup failed, walking history", "err", err)
	}

	for i := 0; i < p.walkLimit; i++ {
		p.mu.Lock()
		exhausted := !p.hasMore
		p.mu.Unlock()
		if exhausted {
			return false
		}
		if err := p.LoadMore(ctx); err != nil {
			p.logger.Warn("history walk failed", "attempt", i+1, "err", err)
			return false
		}
		if p.list.has(id) {
			return true
		}
	}
	return false
}

func (p *Paginator) State() PaginationState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PaginationState{HasMore: p.hasMore, Loading: p.loading, TotalLoaded: p.totalLoaded}
}

func (p *Paginator) announce() {
	if p.notify != nil {
		p.notify()
	}
}
