package chat

import (
	"context"
	"errors"
	"testing"
	"time"

	"pairchat/internal/domain"
)

func startPresence(t *testing.T, p *Presence) (context.CancelFunc, chan struct{}) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := p.Start(ctx); err != nil {
			t.Errorf("presence start: %v", err)
		}
	}()
	return cancel, done
}

func TestPresenceStartAssertsOnlineAndShutdownWritesOffline(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	store := newFakeStore()
	p := NewPresence(PresenceConfig{
		Store: store, Clock: clock, Logger: testLogger(),
		Self: "alice", Peer: "bob",
		HeartbeatInterval: 10 * time.Second,
		TypingClear:       2 * time.Second,
	})

	cancel, done := startPresence(t, p)

	waitFor(t, func() bool { return store.upsertCount() >= 1 })
	rec, _ := store.lastUpsert()
	if !rec.Online || rec.Participant != "alice" {
		t.Fatalf("initial upsert = %+v, want online alice", rec)
	}
	if !p.Online() {
		t.Fatal("not online after start")
	}

	cancel()
	<-done
	rec, _ = store.lastUpsert()
	if rec.Online {
		t.Fatalf("shutdown upsert = %+v, want offline", rec)
	}
}

func TestPresenceHeartbeatLoop(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	store := newFakeStore()
	p := NewPresence(PresenceConfig{
		Store: store, Clock: clock, Logger: testLogger(),
		Self: "alice", Peer: "bob",
		HeartbeatInterval: 10 * time.Second,
	})
	cancel, done := startPresence(t, p)
	defer func() { cancel(); <-done }()

	waitFor(t, func() bool { return store.upsertCount() == 1 })
	clock.Advance(10 * time.Second)
	waitFor(t, func() bool { return store.upsertCount() == 2 })
	rec, _ := store.lastUpsert()
	if !rec.Online {
		t.Fatalf("heartbeat upsert = %+v, want online", rec)
	}
}

func TestPresenceHiddenSuspendsHeartbeats(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	store := newFakeStore()
	p := NewPresence(PresenceConfig{
		Store: store, Clock: clock, Logger: testLogger(),
		Self: "alice", Peer: "bob",
		HeartbeatInterval: 10 * time.Second,
	})
	cancel, done := startPresence(t, p)
	defer func() { cancel(); <-done }()

	waitFor(t, func() bool { return store.upsertCount() == 1 })

	// Hiding the tab writes offline immediately, no heartbeat needed first.
	p.SetVisibility(context.Background(), true)
	waitFor(t, func() bool { return store.upsertCount() == 2 })
	rec, _ := store.lastUpsert()
	if rec.Online {
		t.Fatalf("hide upsert = %+v, want offline", rec)
	}
	if p.Online() {
		t.Fatal("still online while hidden")
	}

	// Heartbeats stay suspended while hidden.
	clock.Advance(10 * time.Second)
	clock.Advance(10 * time.Second)
	time.Sleep(20 * time.Millisecond)
	if n := store.upsertCount(); n != 2 {
		t.Fatalf("%d upserts while hidden, want 2", n)
	}

	p.SetVisibility(context.Background(), false)
	waitFor(t, func() bool { return store.upsertCount() == 3 })
	rec, _ = store.lastUpsert()
	if !rec.Online {
		t.Fatalf("unhide upsert = %+v, want online", rec)
	}
}

func TestPresenceTypingEdgeTriggered(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	store := newFakeStore()
	p := NewPresence(PresenceConfig{
		Store: store, Clock: clock, Logger: testLogger(),
		Self: "alice", Peer: "bob",
		HeartbeatInterval: time.Hour, // keep heartbeats out of the way
		TypingClear:       2 * time.Second,
	})
	cancel, done := startPresence(t, p)
	defer func() { cancel(); <-done }()

	waitFor(t, func() bool { return store.upsertCount() == 1 })

	p.SetTyping(context.Background(), true)
	waitFor(t, func() bool { return store.upsertCount() == 2 })
	rec, _ := store.lastUpsert()
	if !rec.Typing {
		t.Fatalf("typing upsert = %+v, want typing", rec)
	}

	// Further keystrokes re-arm the clear timer without writing.
	p.SetTyping(context.Background(), true)
	p.SetTyping(context.Background(), true)
	time.Sleep(20 * time.Millisecond)
	if n := store.upsertCount(); n != 2 {
		t.Fatalf("%d upserts after repeat keystrokes, want 2", n)
	}

	// Inactivity fires the auto-clear.
	clock.Advance(2 * time.Second)
	waitFor(t, func() bool { return store.upsertCount() == 3 })
	rec, _ = store.lastUpsert()
	if rec.Typing || !rec.Online {
		t.Fatalf("auto-clear upsert = %+v, want online not typing", rec)
	}
}

func TestPresenceHeartbeatFailureDegradesAndReports(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	store := newFakeStore()
	store.setFailUpsert(true)

	var failure error
	p := NewPresence(PresenceConfig{
		Store: store, Clock: clock, Logger: testLogger(),
		Self: "alice", Peer: "bob",
		HeartbeatInterval: 10 * time.Second,
		OnFailure:         func(err error) { failure = err },
	})

	p.heartbeat(context.Background())
	if failure == nil {
		t.Fatal("heartbeat failure not reported")
	}
	// Degraded keeps the local session nominally online; only the supervisor
	// decides it is disconnected.
	if !p.Online() {
		t.Fatal("degraded flipped Online() to false")
	}

	store.setFailUpsert(false)
	if err := p.ReassertOnline(context.Background()); err != nil {
		t.Fatalf("reassert: %v", err)
	}
	if !p.Online() {
		t.Fatal("not online after reassert")
	}
}

func TestPresenceOnlineCallbackFiresOnOfflineToOnline(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	store := newFakeStore()

	fired := 0
	p := NewPresence(PresenceConfig{
		Store: store, Clock: clock, Logger: testLogger(),
		Self: "alice", Peer: "bob",
		HeartbeatInterval: 10 * time.Second,
		OnOnline:          func() { fired++ },
	})

	p.heartbeat(context.Background()) // offline -> online
	if fired != 1 {
		t.Fatalf("onOnline fired %d times, want 1", fired)
	}
	p.heartbeat(context.Background()) // online -> online, no edge
	if fired != 1 {
		t.Fatalf("onOnline fired %d times after steady heartbeat, want 1", fired)
	}

	p.goOffline(context.Background())
	if err := p.ReassertOnline(context.Background()); err != nil {
		t.Fatalf("reassert: %v", err)
	}
	if fired != 2 {
		t.Fatalf("onOnline fired %d times, want 2", fired)
	}
}

func TestPresenceRecoveryPromotesDeferredReadAcks(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	store := newFakeStore()

	var p *Presence
	r := newTestReceipts(store, clock, func() bool { return p.Online() })
	p = NewPresence(PresenceConfig{
		Store: store, Clock: clock, Logger: testLogger(),
		Self: "alice", Peer: "bob",
		HeartbeatInterval: 10 * time.Second,
		OnOnline:          r.OnOnline,
	})
	ctx := context.Background()

	p.heartbeat(ctx)
	p.SetVisibility(ctx, true) // hidden: offline

	// A message observed while hidden holds its read ack.
	r.Observe(domain.Message{ID: "m1", Author: "bob"})
	if _, _, def := r.PendingCounts(); def != 1 {
		t.Fatalf("deferred = %d, want 1", def)
	}

	// Unhiding with a down backend lands in degraded, not online.
	store.setFailUpsert(true)
	p.SetVisibility(ctx, false)
	if _, _, def := r.PendingCounts(); def != 1 {
		t.Fatalf("deferred after failed unhide = %d, want 1", def)
	}

	// Supervisor recovery from degraded must still unblock the held ack.
	store.setFailUpsert(false)
	if err := p.ReassertOnline(ctx); err != nil {
		t.Fatalf("reassert: %v", err)
	}
	_, read, def := r.PendingCounts()
	if def != 0 || read != 1 {
		t.Fatalf("after recovery read/deferred = %d/%d, want 1/0", read, def)
	}

	r.Flush(ctx)
	batch := store.lastBatch()
	if len(batch) != 1 || batch[0].Read == nil || !*batch[0].Read {
		t.Fatalf("promoted read ack not committed: %+v", batch)
	}
}

func TestPresencePeerFreshnessWindow(t *testing.T) {
	start := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	clock := newFakeClock(start)
	p := NewPresence(PresenceConfig{
		Store: newFakeStore(), Clock: clock, Logger: testLogger(),
		Self: "alice", Peer: "bob",
		HeartbeatInterval: 10 * time.Second,
	})

	if got := p.Peer(); got.Online || got.Typing {
		t.Fatalf("unknown peer = %+v, want zero state", got)
	}

	p.applyPeer(domain.PresenceRecord{
		Participant: "bob", Online: true, Typing: true, LastSeen: start,
	})
	if got := p.Peer(); !got.Online || !got.Typing {
		t.Fatalf("fresh peer = %+v, want online typing", got)
	}

	// Exactly at the window edge the record is still fresh.
	clock.Advance(30 * time.Second)
	if got := p.Peer(); !got.Online {
		t.Fatalf("peer at window edge = %+v, want online", got)
	}

	// Past 3x the heartbeat interval a stale online flag reads as offline,
	// and typing is suppressed with it.
	clock.Advance(time.Second)
	got := p.Peer()
	if got.Online || got.Typing {
		t.Fatalf("stale peer = %+v, want offline", got)
	}
	if !got.LastSeen.Equal(start) {
		t.Fatalf("LastSeen = %v, want %v", got.LastSeen, start)
	}
}

func TestPresenceIgnoresForeignRecords(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	p := NewPresence(PresenceConfig{
		Store: newFakeStore(), Clock: clock, Logger: testLogger(),
		Self: "alice", Peer: "bob",
		HeartbeatInterval: 10 * time.Second,
	})

	p.applyPeer(domain.PresenceRecord{Participant: "alice", Online: true, LastSeen: clock.Now()})
	if got := p.Peer(); got.Online {
		t.Fatalf("own record treated as peer: %+v", got)
	}
}

func TestPresenceListenerFailureRoutesToSupervisor(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	store := newFakeStore()
	var failure error
	p := NewPresence(PresenceConfig{
		Store: store, Clock: clock, Logger: testLogger(),
		Self: "alice", Peer: "bob",
		HeartbeatInterval: 10 * time.Second,
		OnFailure:         func(err error) { failure = err },
	})
	cancel, done := startPresence(t, p)
	defer func() { cancel(); <-done }()

	waitFor(t, func() bool { return store.upsertCount() >= 1 })

	boom := errors.New("presence stream reset")
	store.mu.Lock()
	handlers := append([]domain.PresenceHandler{}, store.presHandlers...)
	store.mu.Unlock()
	for _, h := range handlers {
		if h.Err != nil {
			h.Err(boom)
		}
	}

	if !errors.Is(failure, boom) {
		t.Fatalf("onFailure got %v, want %v", failure, boom)
	}
}
