package domain

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by point lookups for missing documents.
	ErrNotFound = errors.New("document not found")

	// ErrUnsupported is returned by stores that cannot serve an optional
	// primitive (e.g. direct-position lookup); callers must fall back.
	ErrUnsupported = errors.New("operation not supported by this store")
)

// ChangeType tags a live-subscription event.
type ChangeType string

const (
	ChangeAdded    ChangeType = "added"
	ChangeModified ChangeType = "modified"
	ChangeRemoved  ChangeType = "removed"
)

// MessageChange is one incremental event from a message subscription.
// Removed events carry only the id.
type MessageChange struct {
	Type    ChangeType
	Message Message
}

// Subscription is a live listener handle. Close is synchronous and idempotent:
// safe to call twice, safe to call before the subscription has ever fired.
type Subscription interface {
	Close()
}

// MessageHandler receives the initial snapshot (as a single call) followed by
// incremental changes. The err callback reports listener failure; after err
// fires the subscription is dead and must be re-established.
type MessageHandler struct {
	Snapshot func(msgs []Message)
	Change   func(ch MessageChange)
	Err      func(err error)
}

// PresenceHandler receives presence record upserts.
type PresenceHandler struct {
	Change func(rec PresenceRecord)
	Err    func(err error)
}

// DocumentStore is the remote document store collaborator. The core depends on
// these primitives and nothing else about the backend; any store implementing
// them is substitutable.
type DocumentStore interface {
	// CreateMessage persists msg, assigning its id, and returns the stored copy.
	CreateMessage(ctx context.Context, msg Message) (Message, error)
	UpdateMessage(ctx context.Context, patch MessagePatch) error
	DeleteMessage(ctx context.Context, id string) error
	DeleteAllMessages(ctx context.Context) error

	// QueryNewest returns up to limit messages ordered newest first.
	QueryNewest(ctx context.Context, limit int) ([]Message, error)
	// QueryBefore returns up to limit messages strictly older than the message
	// identified by cursor, ordered newest first.
	QueryBefore(ctx context.Context, cursor string, limit int) ([]Message, error)
	// QueryAround returns a contiguous window of messages containing id,
	// chronological order. Stores without positional access return
	// ErrUnsupported; a missing id returns ErrNotFound.
	QueryAround(ctx context.Context, id string, limit int) ([]Message, error)

	// ApplyBatch commits all patches atomically: either every patch lands or
	// none do.
	ApplyBatch(ctx context.Context, patches []MessagePatch) error

	// SubscribeMessages delivers the full current message set as the initial
	// snapshot, then incremental add/modify/remove events.
	SubscribeMessages(ctx context.Context, h MessageHandler) (Subscription, error)

	UpsertPresence(ctx context.Context, rec PresenceRecord) error
	SubscribePresence(ctx context.Context, h PresenceHandler) (Subscription, error)

	CreateSchedule(ctx context.Context, s ScheduledMessage) (ScheduledMessage, error)
	UpdateSchedule(ctx context.Context, s ScheduledMessage) error
	DeleteSchedule(ctx context.Context, id string) error
	ListSchedules(ctx context.Context) ([]ScheduledMessage, error)
	// ListDueSchedules returns enabled, unsent schedules with FireAt <= now.
	ListDueSchedules(ctx context.Context, now time.Time) ([]ScheduledMessage, error)
}

// BlobStore stores opaque attachment bytes and hands back retrievable refs.
type BlobStore interface {
	Put(ctx context.Context, name string, data []byte) (ref string, err error)
	Get(ctx context.Context, ref string) ([]byte, error)
}
