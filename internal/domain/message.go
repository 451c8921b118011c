package domain

import "time"

// Participant identifies one of the two fixed chat identities.
type Participant string

// EditEntry records one prior version of a message body.
type EditEntry struct {
	Text     string    `json:"text"`
	EditedAt time.Time `json:"editedAt"`
}

// ReplyRef is a denormalized snapshot of the quoted message, copied at send
// time. It is never re-resolved against the live message.
type ReplyRef struct {
	MessageID string      `json:"messageId"`
	Text      string      `json:"text"`
	Author    Participant `json:"author"`
}

// Message is a single chat message as stored in the document store.
type Message struct {
	ID        string      `json:"id"`
	Author    Participant `json:"author"`
	Text      string      `json:"text"`
	CreatedAt time.Time   `json:"createdAt"`

	ReplyTo *ReplyRef `json:"replyTo,omitempty"`

	Delivered   bool       `json:"delivered"`
	DeliveredAt *time.Time `json:"deliveredAt,omitempty"`
	Read        bool       `json:"read"`
	ReadAt      *time.Time `json:"readAt,omitempty"`

	Edited      bool        `json:"edited"`
	EditHistory []EditEntry `json:"editHistory,omitempty"`

	Reaction string `json:"reaction,omitempty"`
	AudioRef string `json:"audioRef,omitempty"`
}

// MessagePatch is a partial update applied to a message by id. Nil fields are
// left untouched. Batches of patches commit atomically via ApplyBatch.
type MessagePatch struct {
	ID          string
	Text        *string
	Delivered   *bool
	DeliveredAt *time.Time
	Read        *bool
	ReadAt      *time.Time
	Edited      *bool
	EditHistory []EditEntry
	Reaction    *string
}
