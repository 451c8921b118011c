package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"pairchat/internal/domain"

	"github.com/gorilla/websocket"
)

// wsFrame is the JSON protocol for the remote store connection. Requests carry
// a client-assigned id echoed in the response; push frames have no id.
type wsFrame struct {
	Op    string          `json:"op"`
	ID    int64           `json:"id,omitempty"`
	Body  json.RawMessage `json:"body,omitempty"`
	Error string          `json:"error,omitempty"`
}

// RemoteStore implements domain.DocumentStore over a websocket connection to a
// store gateway. It supports every primitive except direct-position lookup;
// QueryAround returns ErrUnsupported so callers fall back to batch walks.
type RemoteStore struct {
	conn   *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex // gorilla allows one concurrent writer

	mu       sync.Mutex
	nextID   int64
	pending  map[int64]chan wsFrame
	messages *notifier[domain.MessageChange]
	presence *notifier[domain.PresenceRecord]
	onErr    []func(error)
	closed   bool
}

// DialRemote connects to the store gateway and starts the read loop.
func DialRemote(ctx context.Context, url string, logger *slog.Logger) (*RemoteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("cannot dial store gateway %s: %w", url, err)
	}

	r := &RemoteStore{
		conn:     conn,
		logger:   logger,
		pending:  make(map[int64]chan wsFrame),
		messages: newNotifier[domain.MessageChange](),
		presence: newNotifier[domain.PresenceRecord](),
	}
	go r.readLoop()
	return r, nil
}

func (r *RemoteStore) readLoop() {
	for {
		var frame wsFrame
		if err := r.conn.ReadJSON(&frame); err != nil {
			r.fail(err)
			return
		}

		switch frame.Op {
		case "message_event":
			var ch domain.MessageChange
			if err := json.Unmarshal(frame.Body, &ch); err != nil {
				r.logger.Warn("malformed message event", "err", err)
				continue
			}
			r.messages.emit(ch)
		case "presence_event":
			var rec domain.PresenceRecord
			if err := json.Unmarshal(frame.Body, &rec); err != nil {
				r.logger.Warn("malformed presence event", "err", err)
				continue
			}
			r.presence.emit(rec)
		default:
			r.mu.Lock()
			ch, ok := r.pending[frame.ID]
			if ok {
				delete(r.pending, frame.ID)
			}
			r.mu.Unlock()
			if ok {
				ch <- frame
			}
		}
	}
}

// fail tears down all pending calls and notifies subscription error handlers.
func (r *RemoteStore) fail(err error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	pending := r.pending
	r.pending = make(map[int64]chan wsFrame)
	handlers := append([]func(error){}, r.onErr...)
	r.mu.Unlock()

	r.logger.Warn("store gateway connection lost", "err", err)
	for _, ch := range pending {
		ch <- wsFrame{Error: err.Error()}
	}
	for _, fn := range handlers {
		fn(err)
	}
}

// call performs one request/response round trip.
func (r *RemoteStore) call(ctx context.Context, op string, body any, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return fmt.Errorf("store gateway connection closed")
	}
	r.nextID++
	id := r.nextID
	reply := make(chan wsFrame, 1)
	r.pending[id] = reply
	r.mu.Unlock()

	r.writeMu.Lock()
	err = r.conn.WriteJSON(wsFrame{Op: op, ID: id, Body: data})
	r.writeMu.Unlock()
	if err != nil {
		r.mu.Lock()
		delete(r.pending, id)
		r.mu.Unlock()
		return fmt.Errorf("%s: %w", op, err)
	}

	select {
	case <-ctx.Done():
		r.mu.Lock()
		delete(r.pending, id)
		r.mu.Unlock()
		return ctx.Err()
	case frame := <-reply:
		if frame.Error != "" {
			if frame.Error == "not found" {
				return domain.ErrNotFound
			}
			return fmt.Errorf("%s: %s", op, frame.Error)
		}
		if out != nil && len(frame.Body) > 0 {
			return json.Unmarshal(frame.Body, out)
		}
		return nil
	}
}

type queryReq struct {
	Cursor string `json:"cursor,omitempty"`
	Limit  int    `json:"limit"`
}

func (r *RemoteStore) CreateMessage(ctx context.Context, msg domain.Message) (domain.Message, error) {
	var created domain.Message
	err := r.call(ctx, "create_message", msg, &created)
	return created, err
}

func (r *RemoteStore) UpdateMessage(ctx context.Context, patch domain.MessagePatch) error {
	return r.call(ctx, "update_message", patchPayload(patch), nil)
}

func (r *RemoteStore) DeleteMessage(ctx context.Context, id string) error {
	return r.call(ctx, "delete_message", map[string]string{"id": id}, nil)
}

func (r *RemoteStore) DeleteAllMessages(ctx context.Context) error {
	return r.call(ctx, "delete_all_messages", struct{}{}, nil)
}

func (r *RemoteStore) QueryNewest(ctx context.Context, limit int) ([]domain.Message, error) {
	var msgs []domain.Message
	err := r.call(ctx, "query_newest", queryReq{Limit: limit}, &msgs)
	return msgs, err
}

func (r *RemoteStore) QueryBefore(ctx context.Context, cursor string, limit int) ([]domain.Message, error) {
	var msgs []domain.Message
	err := r.call(ctx, "query_before", queryReq{Cursor: cursor, Limit: limit}, &msgs)
	return msgs, err
}

func (r *RemoteStore) QueryAround(ctx context.Context, id string, limit int) ([]domain.Message, error) {
	return nil, domain.ErrUnsupported
}

func (r *RemoteStore) ApplyBatch(ctx context.Context, patches []domain.MessagePatch) error {
	payload := make([]map[string]any, 0, len(patches))
	for _, p := range patches {
		payload = append(payload, patchPayload(p))
	}
	return r.call(ctx, "apply_batch", payload, nil)
}

func (r *RemoteStore) SubscribeMessages(ctx context.Context, h domain.MessageHandler) (domain.Subscription, error) {
	var snapshot []domain.Message
	if err := r.call(ctx, "subscribe_messages", struct{}{}, &snapshot); err != nil {
		return nil, err
	}

	sub := r.messages.subscribe(func(ch domain.MessageChange) {
		if h.Change != nil {
			h.Change(ch)
		}
	})
	if h.Err != nil {
		r.mu.Lock()
		r.onErr = append(r.onErr, h.Err)
		r.mu.Unlock()
	}
	if h.Snapshot != nil {
		h.Snapshot(snapshot)
	}
	return sub, nil
}

func (r *RemoteStore) UpsertPresence(ctx context.Context, rec domain.PresenceRecord) error {
	return r.call(ctx, "upsert_presence", rec, nil)
}

func (r *RemoteStore) SubscribePresence(ctx context.Context, h domain.PresenceHandler) (domain.Subscription, error) {
	var snapshot []domain.PresenceRecord
	if err := r.call(ctx, "subscribe_presence", struct{}{}, &snapshot); err != nil {
		return nil, err
	}

	sub := r.presence.subscribe(func(rec domain.PresenceRecord) {
		if h.Change != nil {
			h.Change(rec)
		}
	})
	if h.Err != nil {
		r.mu.Lock()
		r.onErr = append(r.onErr, h.Err)
		r.mu.Unlock()
	}
	if h.Change != nil {
		for _, rec := range snapshot {
			h.Change(rec)
		}
	}
	return sub, nil
}

func (r *RemoteStore) CreateSchedule(ctx context.Context, s domain.ScheduledMessage) (domain.ScheduledMessage, error) {
	var created domain.ScheduledMessage
	err := r.call(ctx, "create_schedule", s, &created)
	return created, err
}

func (r *RemoteStore) UpdateSchedule(ctx context.Context, s domain.ScheduledMessage) error {
	return r.call(ctx, "update_schedule", s, nil)
}

func (r *RemoteStore) DeleteSchedule(ctx context.Context, id string) error {
	return r.call(ctx, "delete_schedule", map[string]string{"id": id}, nil)
}

func (r *RemoteStore) ListSchedules(ctx context.Context) ([]domain.ScheduledMessage, error) {
	var scheds []domain.ScheduledMessage
	err := r.call(ctx, "list_schedules", struct{}{}, &scheds)
	return scheds, err
}

func (r *RemoteStore) ListDueSchedules(ctx context.Context, now time.Time) ([]domain.ScheduledMessage, error) {
	var scheds []domain.ScheduledMessage
	err := r.call(ctx, "list_due_schedules", map[string]int64{"now": now.UnixNano()}, &scheds)
	return scheds, err
}

func (r *RemoteStore) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return r.conn.Close()
}

// patchPayload serializes a MessagePatch preserving the set/unset distinction
// of its pointer fields.
func patchPayload(p domain.MessagePatch) map[string]any {
	out := map[string]any{"id": p.ID}
	if p.Text != nil {
		out["text"] = *p.Text
	}
	if p.Delivered != nil {
		out["delivered"] = *p.Delivered
	}
	if p.DeliveredAt != nil {
		out["deliveredAt"] = p.DeliveredAt.UnixNano()
	}
	if p.Read != nil {
		out["read"] = *p.Read
	}
	if p.ReadAt != nil {
		out["readAt"] = p.ReadAt.UnixNano()
	}
	if p.Edited != nil {
		out["edited"] = *p.Edited
	}
	if p.EditHistory != nil {
		out["editHistory"] = p.EditHistory
	}
	if p.Reaction != nil {
		out["reaction"] = *p.Reaction
	}
	return out
}
