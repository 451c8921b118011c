package store

import "sync"

// notifier fans out change events to subscribers. Handlers are invoked on the
// emitting goroutine; emit snapshots the handler list first so a handler may
// unsubscribe (even itself) without deadlocking.
type notifier[T any] struct {
	mu     sync.RWMutex
	nextID int64
	subs   map[int64]func(T)
}

func newNotifier[T any]() *notifier[T] {
	return &notifier[T]{subs: make(map[int64]func(T))}
}

func (n *notifier[T]) subscribe(fn func(T)) *notifierSub {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nextID++
	id := n.nextID
	n.subs[id] = fn
	return &notifierSub{remove: func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.subs, id)
	}}
}

func (n *notifier[T]) emit(v T) {
	n.mu.RLock()
	handlers := make([]func(T), 0, len(n.subs))
	for _, fn := range n.subs {
		handlers = append(handlers, fn)
	}
	n.mu.RUnlock()

	for _, fn := range handlers {
		fn(v)
	}
}

func (n *notifier[T]) closeAll() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.subs = make(map[int64]func(T))
}

// notifierSub implements domain.Subscription. Close is idempotent.
type notifierSub struct {
	once   sync.Once
	remove func()
}

func (s *notifierSub) Close() {
	s.once.Do(s.remove)
}
