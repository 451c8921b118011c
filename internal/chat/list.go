package chat

import (
	"sort"
	"sync"

	"pairchat/internal/domain"
)

// messageList is the local mirror of the conversation, kept sorted by
// creation time ascending (ties broken by id) with no duplicate ids. It is
// shared by the feed client (live changes) and the paginator (history loads);
// both mutate it only through these methods.
type messageList struct {
	mu   sync.RWMutex
	msgs []domain.Message
	ids  map[string]int // id -> index in msgs
}

func newMessageList() *messageList {
	return &messageList{ids: make(map[string]int)}
}

// replaceAll installs a fresh snapshot, discarding previous content.
func (l *messageList) replaceAll(msgs []domain.Message) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.msgs = l.msgs[:0]
	seen := make(map[string]bool, len(msgs))
	for _, m := range msgs {
		if seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		l.msgs = append(l.msgs, m)
	}
	sort.Slice(l.msgs, func(i, j int) bool { return less(l.msgs[i], l.msgs[j]) })
	l.reindex()
}

// add inserts a message at its sorted position. An id already present is
// ignored: the feed may replay the initial snapshot as added events after a
// history load has populated the same rows.
func (l *messageList) add(m domain.Message) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.ids[m.ID]; ok {
		return false
	}
	pos := sort.Search(len(l.msgs), func(i int) bool { return !less(l.msgs[i], m) })
	l.msgs = append(l.msgs, domain.Message{})
	copy(l.msgs[pos+1:], l.msgs[pos:])
	l.msgs[pos] = m
	l.reindexFrom(pos)
	return true
}

// replace swaps the stored message in place, preserving sequence position.
func (l *messageList) replace(m domain.Message) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	idx, ok := l.ids[m.ID]
	if !ok {
		return false
	}
	l.msgs[idx] = m
	return true
}

func (l *messageList) remove(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	idx, ok := l.ids[id]
	if !ok {
		return false
	}
	l.msgs = append(l.msgs[:idx], l.msgs[idx+1:]...)
	delete(l.ids, id)
	l.reindexFrom(idx)
	return true
}

// merge inserts every message not already present and reports how many were
// new. Used by the paginator when prepending older pages.
func (l *messageList) merge(msgs []domain.Message) int {
	added := 0
	for _, m := range msgs {
		if l.add(m) {
			added++
		}
	}
	return added
}

// pruneAbsent drops every message whose id is not in present and reports how
// many were removed. Used when a fresh full snapshot reveals deletions that
// happened while no subscription was live.
func (l *messageList) pruneAbsent(present map[string]bool) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	kept := l.msgs[:0]
	removed := 0
	for _, m := range l.msgs {
		if present[m.ID] {
			kept = append(kept, m)
		} else {
			removed++
		}
	}
	if removed == 0 {
		return 0
	}
	l.msgs = kept
	l.reindex()
	return removed
}

func (l *messageList) get(id string) (domain.Message, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	idx, ok := l.ids[id]
	if !ok {
		return domain.Message{}, false
	}
	return l.msgs[idx], true
}

func (l *messageList) has(id string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.ids[id]
	return ok
}

// all returns a copy in chronological order.
func (l *messageList) all() []domain.Message {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]domain.Message, len(l.msgs))
	copy(out, l.msgs)
	return out
}

// oldest returns the id of the earliest loaded message.
func (l *messageList) oldest() (string, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.msgs) == 0 {
		return "", false
	}
	return l.msgs[0].ID, true
}

func (l *messageList) len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.msgs)
}

func (l *messageList) reindex() {
	l.ids = make(map[string]int, len(l.msgs))
	for i, m := range l.msgs {
		l.ids[m.ID] = i
	}
}

func (l *messageList) reindexFrom(pos int) {
	for i := pos; i < len(l.msgs); i++ {
		l.ids[l.msgs[i].ID] = i
	}
}

func less(a, b domain.Message) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.ID < b.ID
	}
	return a.CreatedAt.Before(b.CreatedAt)
}
