package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pairchat/internal/domain"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements domain.DocumentStore on a local SQLite database.
// Live subscriptions are served by an in-process notifier: every successful
// mutation emits a change event after the transaction commits.
type SQLiteStore struct {
	db       *sql.DB
	logger   *slog.Logger
	messages *notifier[domain.MessageChange]
	presence *notifier[domain.PresenceRecord]
}

func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection: SQLite serializes writers anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if logger == nil {
		logger = slog.Default()
	}
	s := &SQLiteStore{
		db:       db,
		logger:   logger,
		messages: newNotifier[domain.MessageChange](),
		presence: newNotifier[domain.PresenceRecord](),
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		id           TEXT PRIMARY KEY,
		author       TEXT NOT NULL,
		text         TEXT NOT NULL,
		created_at   INTEGER NOT NULL,
		reply_to     TEXT,
		delivered    INTEGER NOT NULL DEFAULT 0,
		delivered_at INTEGER,
		read         INTEGER NOT NULL DEFAULT 0,
		read_at      INTEGER,
		edited       INTEGER NOT NULL DEFAULT 0,
		edit_history TEXT,
		reaction     TEXT NOT NULL DEFAULT '',
		audio_ref    TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_messages_created ON messages(created_at, id);

	CREATE TABLE IF NOT EXISTS presence (
		participant TEXT PRIMARY KEY,
		last_seen   INTEGER NOT NULL,
		online      INTEGER NOT NULL DEFAULT 0,
		typing      INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS schedules (
		id         TEXT PRIMARY KEY,
		author     TEXT NOT NULL,
		text       TEXT NOT NULL,
		fire_at    INTEGER NOT NULL,
		recurrence TEXT NOT NULL,
		weekdays   TEXT,
		sent       INTEGER NOT NULL DEFAULT 0,
		enabled    INTEGER NOT NULL DEFAULT 1,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_schedules_due ON schedules(enabled, sent, fire_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) CreateMessage(ctx context.Context, msg domain.Message) (domain.Message, error) {
	msg.ID = uuid.NewString()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	replyJSON, err := marshalNullable(msg.ReplyTo)
	if err != nil {
		return domain.Message{}, err
	}
	historyJSON, err := marshalNullable(msg.EditHistory)
	if err != nil {
		return domain.Message{}, err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (id, author, text, created_at, reply_to, delivered, delivered_at, read, read_at, edited, edit_history, reaction, audio_ref)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, string(msg.Author), msg.Text, msg.CreatedAt.UnixNano(), replyJSON,
		boolInt(msg.Delivered), nullableNano(msg.DeliveredAt),
		boolInt(msg.Read), nullableNano(msg.ReadAt),
		boolInt(msg.Edited), historyJSON, msg.Reaction, msg.AudioRef,
	)
	if err != nil {
		return domain.Message{}, err
	}

	s.messages.emit(domain.MessageChange{Type: domain.ChangeAdded, Message: msg})
	return msg, nil
}

func (s *SQLiteStore) UpdateMessage(ctx context.Context, patch domain.MessagePatch) error {
	set, args, err := patchClause(patch)
	if err != nil {
		return err
	}
	if len(set) == 0 {
		return nil
	}
	args = append(args, patch.ID)

	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET `+strings.Join(set, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}

	s.emitModified(ctx, patch.ID)
	return nil
}

func (s *SQLiteStore) DeleteMessage(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	s.messages.emit(domain.MessageChange{Type: domain.ChangeRemoved, Message: domain.Message{ID: id}})
	return nil
}

func (s *SQLiteStore) DeleteAllMessages(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM messages`)
	if err != nil {
		return err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages`); err != nil {
		return err
	}
	for _, id := range ids {
		s.messages.emit(domain.MessageChange{Type: domain.ChangeRemoved, Message: domain.Message{ID: id}})
	}
	return nil
}

const messageColumns = `id, author, text, created_at, reply_to, delivered, delivered_at, read, read_at, edited, edit_history, reaction, audio_ref`

func (s *SQLiteStore) QueryNewest(ctx context.Context, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = 25
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (s *SQLiteStore) QueryBefore(ctx context.Context, cursor string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = 25
	}
	var at int64
	err := s.db.QueryRowContext(ctx, `SELECT created_at FROM messages WHERE id = ?`, cursor).Scan(&at)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE created_at < ? OR (created_at = ? AND id < ?)
		 ORDER BY created_at DESC, id DESC LIMIT ?`,
		at, at, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

// QueryAround returns a chronological window centered on id. This is the
// direct-position lookup that lets scroll-to-message skip a linear walk.
func (s *SQLiteStore) QueryAround(ctx context.Context, id string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = 25
	}
	var at int64
	err := s.db.QueryRowContext(ctx, `SELECT created_at FROM messages WHERE id = ?`, id).Scan(&at)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	half := limit / 2
	older, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE created_at < ? OR (created_at = ? AND id <= ?)
		 ORDER BY created_at DESC, id DESC LIMIT ?`,
		at, at, id, half+1)
	if err != nil {
		return nil, err
	}
	before, err := scanMessages(older)
	older.Close()
	if err != nil {
		return nil, err
	}

	newer, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE created_at > ? OR (created_at = ? AND id > ?)
		 ORDER BY created_at ASC, id ASC LIMIT ?`,
		at, at, id, limit-len(before))
	if err != nil {
		return nil, err
	}
	defer newer.Close()
	after, err := scanMessages(newer)
	if err != nil {
		return nil, err
	}

	// before is newest-first (target at index 0); reverse to chronological.
	reverseMessages(before)
	return append(before, after...), nil
}

func (s *SQLiteStore) ApplyBatch(ctx context.Context, patches []domain.MessagePatch) error {
	if len(patches) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for _, p := range patches {
		set, args, err := patchClause(p)
		if err != nil {
			tx.Rollback()
			return err
		}
		if len(set) == 0 {
			continue
		}
		args = append(args, p.ID)
		if _, err := tx.ExecContext(ctx,
			`UPDATE messages SET `+strings.Join(set, ", ")+` WHERE id = ?`, args...); err != nil {
			tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	for _, p := range patches {
		s.emitModified(ctx, p.ID)
	}
	return nil
}

func (s *SQLiteStore) SubscribeMessages(ctx context.Context, h domain.MessageHandler) (domain.Subscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	snapshot, err := scanMessages(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	sub := s.messages.subscribe(func(ch domain.MessageChange) {
		if h.Change != nil {
			h.Change(ch)
		}
	})
	if h.Snapshot != nil {
		h.Snapshot(snapshot)
	}
	return sub, nil
}

func (s *SQLiteStore) UpsertPresence(ctx context.Context, rec domain.PresenceRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO presence (participant, last_seen, online, typing) VALUES (?, ?, ?, ?)
		 ON CONFLICT(participant) DO UPDATE SET last_seen=excluded.last_seen, online=excluded.online, typing=excluded.typing`,
		string(rec.Participant), rec.LastSeen.UnixNano(), boolInt(rec.Online), boolInt(rec.Typing))
	if err != nil {
		return err
	}
	s.presence.emit(rec)
	return nil
}

func (s *SQLiteStore) SubscribePresence(ctx context.Context, h domain.PresenceHandler) (domain.Subscription, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT participant, last_seen, online, typing FROM presence`)
	if err != nil {
		return nil, err
	}
	var recs []domain.PresenceRecord
	for rows.Next() {
		var rec domain.PresenceRecord
		var participant string
		var lastSeen int64
		var online, typing int
		if err := rows.Scan(&participant, &lastSeen, &online, &typing); err != nil {
			rows.Close()
			return nil, err
		}
		rec.Participant = domain.Participant(participant)
		rec.LastSeen = time.Unix(0, lastSeen)
		rec.Online = online != 0
		rec.Typing = typing != 0
		recs = append(recs, rec)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sub := s.presence.subscribe(func(rec domain.PresenceRecord) {
		if h.Change != nil {
			h.Change(rec)
		}
	})
	if h.Change != nil {
		for _, rec := range recs {
			h.Change(rec)
		}
	}
	return sub, nil
}

func (s *SQLiteStore) CreateSchedule(ctx context.Context, sched domain.ScheduledMessage) (domain.ScheduledMessage, error) {
	sched.ID = uuid.NewString()
	if sched.CreatedAt.IsZero() {
		sched.CreatedAt = time.Now()
	}
	weekdaysJSON, err := marshalNullable(sched.Weekdays)
	if err != nil {
		return domain.ScheduledMessage{}, err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO schedules (id, author, text, fire_at, recurrence, weekdays, sent, enabled, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sched.ID, string(sched.Author), sched.Text, sched.FireAt.UnixNano(), string(sched.Recurrence),
		weekdaysJSON, boolInt(sched.Sent), boolInt(sched.Enabled), sched.CreatedAt.UnixNano())
	if err != nil {
		return domain.ScheduledMessage{}, err
	}
	return sched, nil
}

func (s *SQLiteStore) UpdateSchedule(ctx context.Context, sched domain.ScheduledMessage) error {
	weekdaysJSON, err := marshalNullable(sched.Weekdays)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET text=?, fire_at=?, recurrence=?, weekdays=?, sent=?, enabled=? WHERE id=?`,
		sched.Text, sched.FireAt.UnixNano(), string(sched.Recurrence), weekdaysJSON,
		boolInt(sched.Sent), boolInt(sched.Enabled), sched.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) DeleteSchedule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) ListSchedules(ctx context.Context) ([]domain.ScheduledMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, author, text, fire_at, recurrence, weekdays, sent, enabled, created_at
		 FROM schedules ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSchedules(rows)
}

func (s *SQLiteStore) ListDueSchedules(ctx context.Context, now time.Time) ([]domain.ScheduledMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, author, text, fire_at, recurrence, weekdays, sent, enabled, created_at
		 FROM schedules WHERE enabled = 1 AND sent = 0 AND fire_at <= ? ORDER BY fire_at ASC`,
		now.UnixNano())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSchedules(rows)
}

func (s *SQLiteStore) Close() error {
	s.messages.closeAll()
	s.presence.closeAll()
	return s.db.Close()
}

// emitModified reads the row back and publishes a modified event. A row
// deleted between commit and read-back is skipped.
func (s *SQLiteStore) emitModified(ctx context.Context, id string) {
	msg, err := s.getMessage(ctx, id)
	if err != nil {
		if err != domain.ErrNotFound {
			s.logger.Warn("cannot read back modified message", "id", id, "err", err)
		}
		return
	}
	s.messages.emit(domain.MessageChange{Type: domain.ChangeModified, Message: msg})
}

func (s *SQLiteStore) getMessage(ctx context.Context, id string) (domain.Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	msg, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return domain.Message{}, domain.ErrNotFound
	}
	return msg, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (domain.Message, error) {
	var m domain.Message
	var author string
	var createdAt int64
	var replyJSON, historyJSON sql.NullString
	var delivered, read, edited int
	var deliveredAt, readAt sql.NullInt64

	err := row.Scan(&m.ID, &author, &m.Text, &createdAt, &replyJSON,
		&delivered, &deliveredAt, &read, &readAt, &edited, &historyJSON,
		&m.Reaction, &m.AudioRef)
	if err != nil {
		return domain.Message{}, err
	}

	m.Author = domain.Participant(author)
	m.CreatedAt = time.Unix(0, createdAt)
	m.Delivered = delivered != 0
	m.Read = read != 0
	m.Edited = edited != 0
	if deliveredAt.Valid {
		t := time.Unix(0, deliveredAt.Int64)
		m.DeliveredAt = &t
	}
	if readAt.Valid {
		t := time.Unix(0, readAt.Int64)
		m.ReadAt = &t
	}
	if replyJSON.Valid && replyJSON.String != "" {
		var ref domain.ReplyRef
		if err := json.Unmarshal([]byte(replyJSON.String), &ref); err != nil {
			return domain.Message{}, fmt.Errorf("corrupt reply reference on %s: %w", m.ID, err)
		}
		m.ReplyTo = &ref
	}
	if historyJSON.Valid && historyJSON.String != "" {
		if err := json.Unmarshal([]byte(historyJSON.String), &m.EditHistory); err != nil {
			return domain.Message{}, fmt.Errorf("corrupt edit history on %s: %w", m.ID, err)
		}
	}
	return m, nil
}

func scanMessages(rows *sql.Rows) ([]domain.Message, error) {
	var msgs []domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func scanSchedules(rows *sql.Rows) ([]domain.ScheduledMessage, error) {
	var scheds []domain.ScheduledMessage
	for rows.Next() {
		var sc domain.ScheduledMessage
		var author, recurrence string
		var weekdaysJSON sql.NullString
		var fireAt, createdAt int64
		var sent, enabled int
		if err := rows.Scan(&sc.ID, &author, &sc.Text, &fireAt, &recurrence,
			&weekdaysJSON, &sent, &enabled, &createdAt); err != nil {
			return nil, err
		}
		sc.Author = domain.Participant(author)
		sc.Recurrence = domain.Recurrence(recurrence)
		sc.FireAt = time.Unix(0, fireAt)
		sc.CreatedAt = time.Unix(0, createdAt)
		sc.Sent = sent != 0
		sc.Enabled = enabled != 0
		if weekdaysJSON.Valid && weekdaysJSON.String != "" {
			if err := json.Unmarshal([]byte(weekdaysJSON.String), &sc.Weekdays); err != nil {
				return nil, fmt.Errorf("corrupt weekday set on %s: %w", sc.ID, err)
			}
		}
		scheds = append(scheds, sc)
	}
	return scheds, rows.Err()
}

// patchClause builds the SET fragment for a partial message update.
func patchClause(p domain.MessagePatch) ([]string, []any, error) {
	var set []string
	var args []any

	if p.Text != nil {
		set = append(set, "text = ?")
		args = append(args, *p.Text)
	}
	if p.Delivered != nil {
		set = append(set, "delivered = ?")
		args = append(args, boolInt(*p.Delivered))
	}
	if p.DeliveredAt != nil {
		set = append(set, "delivered_at = ?")
		args = append(args, p.DeliveredAt.UnixNano())
	}
	if p.Read != nil {
		set = append(set, "read = ?")
		args = append(args, boolInt(*p.Read))
	}
	if p.ReadAt != nil {
		set = append(set, "read_at = ?")
		args = append(args, p.ReadAt.UnixNano())
	}
	if p.Edited != nil {
		set = append(set, "edited = ?")
		args = append(args, boolInt(*p.Edited))
	}
	if p.EditHistory != nil {
		data, err := json.Marshal(p.EditHistory)
		if err != nil {
			return nil, nil, err
		}
		set = append(set, "edit_history = ?")
		args = append(args, string(data))
	}
	if p.Reaction != nil {
		set = append(set, "reaction = ?")
		args = append(args, *p.Reaction)
	}
	return set, args, nil
}

func marshalNullable(v any) (sql.NullString, error) {
	switch x := v.(type) {
	case *domain.ReplyRef:
		if x == nil {
			return sql.NullString{}, nil
		}
	case []domain.EditEntry:
		if len(x) == 0 {
			return sql.NullString{}, nil
		}
	case []time.Weekday:
		if len(x) == 0 {
			return sql.NullString{}, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func nullableNano(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func reverseMessages(msgs []domain.Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}
