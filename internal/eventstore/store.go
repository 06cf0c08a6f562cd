package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loqalabs/loqa-tts/internal/config"
	"github.com/loqalabs/loqa-tts/internal/protocol"
)

// Record is a stored history entry.
type Record struct {
	ID        int64
	RequestID string
	Type      string
	Voice     string
	Payload   []byte
	CreatedAt time.Time
}

// Store wraps a SQLite-backed synthesis history.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the event store according to config.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "eventstore"))
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
		if err := s.vacuum(ctx); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS requests (
    request_id TEXT PRIMARY KEY,
    voice TEXT,
    created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    request_id TEXT,
    event_type TEXT NOT NULL,
    voice TEXT,
    payload BLOB,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(request_id) REFERENCES requests(request_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_events_request_created ON events(request_id, created_at);
CREATE INDEX IF NOT EXISTS idx_events_type_created ON events(event_type, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) disabled() bool {
	return s.cfg.RetentionMode == "ephemeral" || s.db == nil
}

// Append stores evt. Events carrying a request id also register the request.
func (s *Store) Append(ctx context.Context, evt protocol.Event) error {
	if s.disabled() {
		return nil
	}
	created := evt.Timestamp
	if created.IsZero() {
		created = s.clock()
	}
	created = created.UTC()

	var payload []byte
	if len(evt.Attributes) > 0 {
		var err error
		if payload, err = json.Marshal(evt.Attributes); err != nil {
			return fmt.Errorf("encode event payload: %w", err)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var requestID any
	if evt.RequestID != "" {
		requestID = evt.RequestID
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO requests(request_id, voice, created_at) VALUES(?, ?, ?)
			 ON CONFLICT(request_id) DO UPDATE SET voice=excluded.voice`,
			evt.RequestID, evt.Voice, created); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO events(request_id, event_type, voice, payload, created_at) VALUES(?, ?, ?, ?, ?)`,
		requestID, evt.Type, evt.Voice, payload, created); err != nil {
		return err
	}
	return tx.Commit()
}

// ListRequestEvents retrieves up to limit events for a request ordered ascending by time.
func (s *Store) ListRequestEvents(ctx context.Context, requestID string, limit int) ([]Record, error) {
	if s.disabled() {
		return nil, nil
	}
	return s.query(ctx,
		`SELECT id, COALESCE(request_id, ''), event_type, COALESCE(voice, ''), payload, created_at
		 FROM events WHERE request_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, requestID, normalizeLimit(limit))
}

// ListRecent retrieves up to limit events of the given type, newest first. An empty type matches all.
func (s *Store) ListRecent(ctx context.Context, eventType string, limit int) ([]Record, error) {
	if s.disabled() {
		return nil, nil
	}
	return s.query(ctx,
		`SELECT id, COALESCE(request_id, ''), event_type, COALESCE(voice, ''), payload, created_at
		 FROM events WHERE (? = '' OR event_type = ?) ORDER BY created_at DESC, id DESC LIMIT ?`,
		eventType, eventType, normalizeLimit(limit))
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		var created any
		if err := rows.Scan(&r.ID, &r.RequestID, &r.Type, &r.Voice, &r.Payload, &created); err != nil {
			return nil, err
		}
		r.CreatedAt = parseTimestamp(created)
		records = append(records, r)
	}
	return records, rows.Err()
}

var timestampLayouts = []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05"}

func parseTimestamp(v any) time.Time {
	var text string
	switch t := v.(type) {
	case time.Time:
		return t
	case string:
		text = t
	case []byte:
		text = string(t)
	default:
		return time.Time{}
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, text); err == nil {
			return ts
		}
	}
	return time.Time{}
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.disabled() {
		return nil
	}
	if s.cfg.RetentionMode != "persistent" && s.cfg.RetentionMode != "session" {
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
		if _, err = tx.ExecContext(ctx, `DELETE FROM requests WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxRequests > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM requests WHERE request_id IN (
			SELECT request_id FROM requests ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxRequests)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// RunPruner prunes on every tick until ctx is done.
func (s *Store) RunPruner(ctx context.Context, interval time.Duration) {
	if s.disabled() || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Prune(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.log.Warn("event store prune failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Ensure supplies a no-op store when persistence disabled.
func (s *Store) Ensure() error {
	if s.cfg.RetentionMode == "ephemeral" && s.db != nil {
		return errors.New("ephemeral store should not have database connection")
	}
	return nil
}
