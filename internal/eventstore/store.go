package eventstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/comet/internal/config"
	_ "modernc.org/sqlite"
)

// Event is one recorded room lifecycle entry.
type Event struct {
	ID        int64
	RoomID    string
	UserID    string
	ConnID    string
	Type      string
	Detail    string
	CreatedAt time.Time
}

// Store is a SQLite-backed audit log of room lifecycle events. Only
// lifecycle metadata is kept; utterance audio and text never are.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the event store according to config. In ephemeral mode
// no database is opened and every write is a no-op.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

// Enabled reports whether events are persisted.
func (s *Store) Enabled() bool { return s != nil && s.db != nil }

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS rooms (
    room_id TEXT PRIMARY KEY,
    model_id TEXT,
    created_at TIMESTAMP NOT NULL,
    last_seen_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    room_id TEXT NOT NULL,
    user_id TEXT,
    conn_id TEXT,
    event_type TEXT NOT NULL,
    detail TEXT,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(room_id) REFERENCES rooms(room_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_events_room_created ON events(room_id, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if !s.Enabled() {
		return nil
	}
	return s.db.Close()
}

// TouchRoom ensures a room row exists and bumps its last_seen_at.
func (s *Store) TouchRoom(ctx context.Context, roomID, modelID string) error {
	if !s.Enabled() {
		return nil
	}
	now := s.clock().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rooms(room_id, model_id, created_at, last_seen_at)
		 VALUES(?, ?, ?, ?)
		 ON CONFLICT(room_id) DO UPDATE SET model_id=excluded.model_id, last_seen_at=excluded.last_seen_at`,
		roomID, modelID, now, now)
	return err
}

// AppendEvent writes an event into the store. The room row must exist.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if !s.Enabled() {
		return nil
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(room_id, user_id, conn_id, event_type, detail, created_at)
		 VALUES(?, ?, ?, ?, ?, ?)`,
		evt.RoomID, evt.UserID, evt.ConnID, evt.Type, evt.Detail, evt.CreatedAt.UTC())
	return err
}

// ListRoomEvents retrieves up to limit events for a room ordered ascending by time.
func (s *Store) ListRoomEvents(ctx context.Context, roomID string, limit int) ([]Event, error) {
	if !s.Enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, room_id, user_id, conn_id, event_type, detail, created_at
		 FROM events WHERE room_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, roomID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var userID, connID, detail sql.NullString
		var created any
		if err := rows.Scan(&e.ID, &e.RoomID, &userID, &connID, &e.Type, &detail, &created); err != nil {
			return nil, err
		}
		e.UserID, e.ConnID, e.Detail = userID.String, connID.String, detail.String
		e.CreatedAt = parseTime(created)
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune applies configured retention (called on startup and by Recorder
// on its schedule).
func (s *Store) Prune(ctx context.Context) (err error) {
	if !s.Enabled() || s.cfg.RetentionMode != "persistent" && s.cfg.RetentionMode != "session" {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UTC()
		if _, err = tx.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM rooms WHERE last_seen_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxRooms > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM rooms WHERE room_id IN (
			SELECT room_id FROM rooms ORDER BY last_seen_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxRooms)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func parseTime(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case string:
		for _, layout := range []string{"2006-01-02 15:04:05.999999999-07:00", time.RFC3339Nano} {
			if ts, err := time.Parse(layout, t); err == nil {
				return ts
			}
		}
	}
	return time.Time{}
}
