package domain

import "time"

// Recurrence describes how a scheduled message re-arms after firing.
type Recurrence string

const (
	RecurNone    Recurrence = "none"
	RecurDaily   Recurrence = "daily"
	RecurWeekly  Recurrence = "weekly"
	RecurMonthly Recurrence = "monthly"
	RecurCustom  Recurrence = "custom" // fires only on selected weekdays
)

// ScheduledMessage is a message armed to be sent at a future time, optionally
// repeating. A disabled schedule is never evaluated; a non-recurring schedule
// transitions Sent false→true exactly once and is never re-armed.
type ScheduledMessage struct {
	ID         string         `json:"id"`
	Author     Participant    `json:"author"`
	Text       string         `json:"text"`
	FireAt     time.Time      `json:"fireAt"`
	Recurrence Recurrence     `json:"recurrence"`
	Weekdays   []time.Weekday `json:"weekdays,omitempty"` // for RecurCustom
	Sent       bool           `json:"sent"`
	Enabled    bool           `json:"enabled"`
	CreatedAt  time.Time      `json:"createdAt"`
}

// WeekdaySelected reports whether d is in the schedule's custom weekday set.
func (s ScheduledMessage) WeekdaySelected(d time.Weekday) bool {
	for _, w := range s.Weekdays {
		if w == d {
			return true
		}
	}
	return false
}
