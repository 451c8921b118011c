package domain

import "time"

// PresenceRecord is a participant's self-published liveness state. There is
// exactly one record per participant, not one per connection.
type PresenceRecord struct {
	Participant Participant `json:"participant"`
	LastSeen    time.Time   `json:"lastSeen"`
	Online      bool        `json:"online"`
	Typing      bool        `json:"typing"`
}

// Fresh reports whether the record's last-seen timestamp is recent enough for
// its Online flag to be trusted. A stale online=true must read as offline.
func (p PresenceRecord) Fresh(now time.Time, window time.Duration) bool {
	return now.Sub(p.LastSeen) <= window
}

// EffectiveOnline is the online flag gated by freshness.
func (p PresenceRecord) EffectiveOnline(now time.Time, window time.Duration) bool {
	return p.Online && p.Fresh(now, window)
}
