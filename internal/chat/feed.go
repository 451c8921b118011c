package chat

import (
	"context"
	"log/slog"
	"sync"

	"pairchat/internal/domain"
)

// Feed is the change-feed client: it owns the process's single message
// subscription and reconciles incoming change notifications into the shared
// message list.
type Feed struct {
	store  domain.DocumentStore
	list   *messageList
	peer   domain.Participant
	logger *slog.Logger

	// onPeerMessage fires whenever a notification reveals a peer-authored
	// message, feeding the delivery/read tracker.
	onPeerMessage func(domain.Message)
	// onError routes listener failures to the reconnection supervisor.
	onError func(error)
	// notify announces a reconciled list to the UI.
	notify func()

	mu  sync.Mutex
	sub domain.Subscription
}

type FeedConfig struct {
	Store  domain.DocumentStore
	List   *messageList
	Peer   domain.Participant
	Logger *slog.Logger

	OnPeerMessage func(domain.Message)
	OnError       func(error)
	Notify        func()
}

func NewFeed(cfg FeedConfig) *Feed {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Feed{
		store:         cfg.Store,
		list:          cfg.List,
		peer:          cfg.Peer,
		logger:        cfg.Logger,
		onPeerMessage: cfg.OnPeerMessage,
		onError:       cfg.OnError,
		notify:        cfg.Notify,
	}
}

// Open establishes the subscription, tearing down any prior handle first so
// two subscriptions never run in parallel (which would double-apply every
// future notification).
func (f *Feed) Open(ctx context.Context) error {
	f.mu.Lock()
	if f.sub != nil {
		f.sub.Close()
		f.sub = nil
	}
	f.mu.Unlock()

	sub, err := f.store.SubscribeMessages(ctx, domain.MessageHandler{
		Snapshot: f.applySnapshot,
		Change:   f.applyChange,
		Err:      f.subscriptionFailed,
	})
	if err != nil {
		return err
	}

	f.mu.Lock()
	// A concurrent Open may have won the race; keep exactly one live handle.
	if f.sub != nil {
		f.sub.Close()
	}
	f.sub = sub
	f.mu.Unlock()
	return nil
}

// Close tears down the subscription. Idempotent.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sub != nil {
		f.sub.Close()
		f.sub = nil
	}
}

func (f *Feed) applySnapshot(msgs []domain.Message) {
	// The snapshot merges rather than replaces: an optimistic or history load
	// may already have populated rows the snapshot repeats. Rows absent from
	// it were deleted while no subscription was live and are pruned, so a
	// peer's deletions still heal on re-subscribe.
	f.list.merge(msgs)
	present := make(map[string]bool, len(msgs))
	for _, m := range msgs {
		present[m.ID] = true
	}
	f.list.pruneAbsent(present)
	for _, m := range msgs {
		f.forwardPeer(m)
	}
	if f.notify != nil {
		f.notify()
	}
}

func (f *Feed) applyChange(ch domain.MessageChange) {
	changed := false
	switch ch.Type {
	case domain.ChangeAdded:
		changed = f.list.add(ch.Message)
		if changed {
			f.forwardPeer(ch.Message)
		}
	case domain.ChangeModified:
		changed = f.list.replace(ch.Message)
		if changed {
			f.forwardPeer(ch.Message)
		}
	case domain.ChangeRemoved:
		changed = f.list.remove(ch.Message.ID)
	default:
		f.logger.Warn("unknown change type from feed", "type", ch.Type)
	}

	if changed && f.notify != nil {
		f.notify()
	}
}

func (f *Feed) forwardPeer(m domain.Message) {
	if m.Author == f.peer && f.onPeerMessage != nil {
		f.onPeerMessage(m)
	}
}

// subscriptionFailed is never surfaced to the caller: the feed degrades to
// disconnected and hands recovery to the supervisor.
func (f *Feed) subscriptionFailed(err error) {
	f.logger.Warn("message feed listener failed", "err", err)
	f.Close()
	if f.onError != nil {
		f.onError(err)
	}
}
