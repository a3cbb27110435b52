package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/heyalexchoi/tenex-better-perplexity/internal/idgen"
)

type Status string

const (
	StatusIdle    Status = "idle"
	StatusRunning Status = "running"
	StatusError   Status = "error"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

var ErrSessionNotFound = errors.New("session not found")

type Session struct {
	ID        string    `json:"id"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

type Message struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id"`
	Role      Role           `json:"role"`
	Content   string         `json:"content"`
	Meta      map[string]any `json:"meta,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// EventRecord is a durable completion fact (tool_end, done, error).
// Transient stream events are never written here.
type EventRecord struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id"`
	Type      string         `json:"type"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

type Store struct {
	db *sql.DB

	nowFn func() time.Time
}

type Option func(*Store)

func WithClock(nowFn func() time.Time) Option {
	return func(s *Store) {
		if nowFn != nil {
			s.nowFn = nowFn
		}
	}
}

func NewStore(db *sql.DB, opts ...Option) *Store {
	s := &Store{
		db:    db,
		nowFn: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *Store) now() time.Time {
	return s.nowFn().UTC()
}

func (s *Store) CreateSession(ctx context.Context) (Session, error) {
	id := idgen.New()
	createdAt := s.now()
	_, err := s.db.ExecContext(ctx, `INSERT INTO sessions (id, status, created_at) VALUES (?, ?, ?)`,
		id, StatusIdle, createdAt.Format(time.RFC3339Nano))
	if err != nil {
		return Session{}, fmt.Errorf("insert session: %w", err)
	}
	return Session{ID: id, Status: StatusIdle, CreatedAt: createdAt}, nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (Session, error) {
	var sess Session
	var createdAtStr string
	row := s.db.QueryRowContext(ctx, `SELECT id, status, created_at FROM sessions WHERE id = ?`, sessionID)
	if err := row.Scan(&sess.ID, &sess.Status, &createdAtStr); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, ErrSessionNotFound
		}
		return Session{}, fmt.Errorf("load session: %w", err)
	}
	sess.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
	return sess, nil
}

func (s *Store) SetSessionStatus(ctx context.Context, sessionID string, status Status) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET status = ? WHERE id = ?`, status, sessionID)
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update session status rows affected: %w", err)
	}
	if affected == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (s *Store) CreateMessage(ctx context.Context, sessionID string, role Role, content string, meta map[string]any) (Message, error) {
	id := idgen.New()
	timestamp := s.now()
	metaJSON, err := encodeJSON(meta)
	if err != nil {
		return Message{}, fmt.Errorf("encode meta: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO messages (id, session_id, role, content, meta, timestamp) VALUES (?, ?, ?, ?, ?, ?)`,
		id, sessionID, role, content, nullString(metaJSON), timestamp.Format(time.RFC3339Nano))
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	return Message{ID: id, SessionID: sessionID, Role: role, Content: content, Meta: meta, Timestamp: timestamp}, nil
}

func (s *Store) ListMessages(ctx context.Context, sessionID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, role, content, meta, timestamp
		FROM messages WHERE session_id = ?
		ORDER BY timestamp ASC, id ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var msg Message
		var metaStr sql.NullString
		var timestampStr string
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Role, &msg.Content, &metaStr, &timestampStr); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.Meta = decodeJSONMap(metaStr.String)
		msg.Timestamp, _ = time.Parse(time.RFC3339Nano, timestampStr)
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}

func (s *Store) RecordEvent(ctx context.Context, sessionID, eventType string, data map[string]any) (EventRecord, error) {
	id := ulid.Make().String()
	timestamp := s.now()
	dataJSON, err := encodeJSON(data)
	if err != nil {
		return EventRecord{}, fmt.Errorf("encode event data: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO events (id, session_id, type, data, timestamp) VALUES (?, ?, ?, ?, ?)`,
		id, sessionID, eventType, nullString(dataJSON), timestamp.Format(time.RFC3339Nano))
	if err != nil {
		return EventRecord{}, fmt.Errorf("insert event: %w", err)
	}
	return EventRecord{ID: id, SessionID: sessionID, Type: eventType, Data: data, Timestamp: timestamp}, nil
}

func (s *Store) ListEvents(ctx context.Context, sessionID string) ([]EventRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, type, data, timestamp
		FROM events WHERE session_id = ?
		ORDER BY timestamp ASC, id ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []EventRecord
	for rows.Next() {
		var rec EventRecord
		var dataStr sql.NullString
		var timestampStr string
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.Type, &dataStr, &timestampStr); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		rec.Data = decodeJSONMap(dataStr.String)
		rec.Timestamp, _ = time.Parse(time.RFC3339Nano, timestampStr)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}
