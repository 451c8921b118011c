// Package schedule reads and writes scheduled-message definitions as YAML,
// so a set of recurring messages can be versioned, shared and bulk-imported.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"pairchat/internal/chat"
	"pairchat/internal/domain"
)

// Definition is one schedule as written in a YAML file.
type Definition struct {
	Text       string    `yaml:"text"`
	FireAt     time.Time `yaml:"fireAt"`
	Recurrence string    `yaml:"recurrence,omitempty"` // none | daily | weekly | monthly | custom
	Weekdays   []string  `yaml:"weekdays,omitempty"`   // for custom: monday, tuesday, ...
	Enabled    *bool     `yaml:"enabled,omitempty"`    // default true
}

// File is the YAML document root.
type File struct {
	Schedules []Definition `yaml:"schedules"`
}

var weekdayNames = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// Parse decodes a YAML document into schedule definitions.
func Parse(data []byte) ([]Definition, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse schedule file: %w", err)
	}
	return f.Schedules, nil
}

// LoadFile reads and parses a YAML schedule file.
func LoadFile(path string) ([]Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schedule file: %w", err)
	}
	return Parse(data)
}

// ToDomain converts a definition into a storable schedule, resolving weekday
// names and applying defaults.
func ToDomain(def Definition, author domain.Participant, now time.Time) (domain.ScheduledMessage, error) {
	rec := domain.Recurrence(def.Recurrence)
	if def.Recurrence == "" {
		rec = domain.RecurNone
	}

	var days []time.Weekday
	for _, name := range def.Weekdays {
		d, ok := weekdayNames[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			return domain.ScheduledMessage{}, fmt.Errorf("unknown weekday %q", name)
		}
		days = append(days, d)
	}

	enabled := true
	if def.Enabled != nil {
		enabled = *def.Enabled
	}

	sched := domain.ScheduledMessage{
		Author:     author,
		Text:       def.Text,
		FireAt:     def.FireAt,
		Recurrence: rec,
		Weekdays:   days,
		Enabled:    enabled,
		CreatedAt:  now,
	}
	if err := chat.ValidateSchedule(sched, now); err != nil {
		return domain.ScheduledMessage{}, err
	}
	return sched, nil
}

// Import creates every definition in the store. It stops at the first invalid
// definition so a typo does not half-apply a file; already-created schedules
// from earlier in the file are kept.
func Import(ctx context.Context, store domain.DocumentStore, author domain.Participant, defs []Definition, now time.Time, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}
	created := 0
	for i, def := range defs {
		sched, err := ToDomain(def, author, now)
		if err != nil {
			return created, fmt.Errorf("schedule %d: %w", i+1, err)
		}
		stored, err := store.CreateSchedule(ctx, sched)
		if err != nil {
			return created, fmt.Errorf("schedule %d: %w", i+1, err)
		}
		created++
		logger.Info("imported schedule", "id", stored.ID, "text", stored.Text, "fireAt", stored.FireAt)
	}
	return created, nil
}

// FromDomain converts a stored schedule back into its YAML form.
func FromDomain(sched domain.ScheduledMessage) Definition {
	var days []string
	for _, d := range sched.Weekdays {
		days = append(days, strings.ToLower(d.String()))
	}
	def := Definition{
		Text:       sched.Text,
		FireAt:     sched.FireAt,
		Recurrence: string(sched.Recurrence),
		Weekdays:   days,
	}
	if !sched.Enabled {
		enabled := false
		def.Enabled = &enabled
	}
	return def
}

// Export renders schedules as a YAML document.
func Export(scheds []domain.ScheduledMessage) ([]byte, error) {
	f := File{Schedules: make([]Definition, 0, len(scheds))}
	for _, s := range scheds {
		f.Schedules = append(f.Schedules, FromDomain(s))
	}
	out, err := yaml.Marshal(&f)
	if err != nil {
		return nil, fmt.Errorf("render schedule file: %w", err)
	}
	return out, nil
}

// SaveFile writes the store's schedules to a YAML file.
func SaveFile(ctx context.Context, store domain.DocumentStore, path string) (int, error) {
	scheds, err := store.ListSchedules(ctx)
	if err != nil {
		return 0, err
	}
	data, err := Export(scheds)
	if err != nil {
		return 0, err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return 0, fmt.Errorf("write schedule file: %w", err)
	}
	return len(scheds), nil
}
