package schedule

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"pairchat/internal/domain"
)

// stubStore implements only the schedule methods; the embedded nil interface
// covers the rest.
type stubStore struct {
	domain.DocumentStore
	scheds []domain.ScheduledMessage
	failAt int // 1-based index of the create call that fails, 0 = never
	calls  int
}

func (s *stubStore) CreateSchedule(ctx context.Context, sched domain.ScheduledMessage) (domain.ScheduledMessage, error) {
	s.calls++
	if s.failAt != 0 && s.calls == s.failAt {
		return domain.ScheduledMessage{}, fmt.Errorf("store rejected schedule")
	}
	sched.ID = fmt.Sprintf("s%d", s.calls)
	s.scheds = append(s.scheds, sched)
	return sched, nil
}

func (s *stubStore) ListSchedules(ctx context.Context) ([]domain.ScheduledMessage, error) {
	return s.scheds, nil
}

const sampleYAML = `
schedules:
  - text: "standup reminder"
    fireAt: 2026-09-07T09:00:00Z
    recurrence: custom
    weekdays: [monday, wednesday, friday]
  - text: "pay rent"
    fireAt: 2026-09-01T08:00:00Z
    recurrence: monthly
    enabled: false
`

func TestParseAndImport(t *testing.T) {
	defs, err := Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(defs) != 2 {
		t.Fatalf("parsed %d definitions, want 2", len(defs))
	}

	now := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	store := &stubStore{}
	n, err := Import(context.Background(), store, "alice", defs, now, nil)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if n != 2 {
		t.Fatalf("imported %d, want 2", n)
	}

	first := store.scheds[0]
	if first.Recurrence != domain.RecurCustom || len(first.Weekdays) != 3 {
		t.Fatalf("first schedule = %+v", first)
	}
	if first.Weekdays[0] != time.Monday {
		t.Fatalf("weekdays = %v", first.Weekdays)
	}
	if !first.Enabled {
		t.Fatal("enabled default not applied")
	}
	if store.scheds[1].Enabled {
		t.Fatal("explicit enabled: false ignored")
	}
}

func TestImportStopsAtInvalidDefinition(t *testing.T) {
	now := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	defs := []Definition{
		{Text: "ok", FireAt: now.Add(time.Hour)},
		{Text: "", FireAt: now.Add(time.Hour)}, // invalid: empty text
		{Text: "never reached", FireAt: now.Add(time.Hour)},
	}
	store := &stubStore{}
	n, err := Import(context.Background(), store, "alice", defs, now, nil)
	if err == nil {
		t.Fatal("invalid definition accepted")
	}
	if n != 1 {
		t.Fatalf("imported %d before the failure, want 1", n)
	}
}

func TestToDomainRejectsUnknownWeekday(t *testing.T) {
	now := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	_, err := ToDomain(Definition{
		Text:       "x",
		FireAt:     now.Add(time.Hour),
		Recurrence: "custom",
		Weekdays:   []string{"someday"},
	}, "alice", now)
	if err == nil {
		t.Fatal("unknown weekday accepted")
	}
}

func TestExportRoundTrip(t *testing.T) {
	now := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	scheds := []domain.ScheduledMessage{
		{
			ID: "s1", Author: "alice", Text: "standup",
			FireAt: now.Add(time.Hour), Recurrence: domain.RecurCustom,
			Weekdays: []time.Weekday{time.Monday, time.Friday},
			Enabled:  true,
		},
		{
			ID: "s2", Author: "alice", Text: "rent",
			FireAt: now.Add(2 * time.Hour), Recurrence: domain.RecurMonthly,
			Enabled: false,
		},
	}

	data, err := Export(scheds)
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	defs, err := Parse(data)
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	if len(defs) != 2 {
		t.Fatalf("round trip produced %d definitions", len(defs))
	}
	if defs[0].Recurrence != "custom" || len(defs[0].Weekdays) != 2 {
		t.Fatalf("first definition = %+v", defs[0])
	}
	if defs[1].Enabled == nil || *defs[1].Enabled {
		t.Fatal("disabled flag lost in round trip")
	}

	got, err := ToDomain(defs[0], "alice", now)
	if err != nil {
		t.Fatalf("to domain: %v", err)
	}
	if !got.FireAt.Equal(scheds[0].FireAt) {
		t.Fatalf("fireAt = %v, want %v", got.FireAt, scheds[0].FireAt)
	}
}

func TestSaveFile(t *testing.T) {
	now := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	store := &stubStore{scheds: []domain.ScheduledMessage{
		{ID: "s1", Text: "ping", FireAt: now.Add(time.Hour), Recurrence: domain.RecurDaily, Enabled: true},
	}}

	path := filepath.Join(t.TempDir(), "schedules.yaml")
	n, err := SaveFile(context.Background(), store, path)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if n != 1 {
		t.Fatalf("saved %d, want 1", n)
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("file missing: %v", err)
	}
	defs, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(defs) != 1 || defs[0].Text != "ping" {
		t.Fatalf("loaded %+v", defs)
	}
}
