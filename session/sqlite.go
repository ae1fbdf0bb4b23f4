package session

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	_ "modernc.org/sqlite"

	"github.com/m4xw311/acprelay/protocol"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dbPath and applies the
// embedded migrations.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One writer at a time; the pool serializes access instead of surfacing
	// "database is locked".
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		name := entry.Name()
		var count int
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE filename = ?", name).Scan(&count); err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}
		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (filename) VALUES (?)", name); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}
	return nil
}

func (s *SQLiteStore) Save(ctx context.Context, sess *Session) error {
	modes, err := json.Marshal(sess.Mode.AvailableModes)
	if err != nil {
		return fmt.Errorf("encode modes: %w", err)
	}
	metadata, err := json.Marshal(sess.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	conversation, err := json.Marshal(sess.Conversation)
	if err != nil {
		return fmt.Errorf("encode conversation: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, created_at, updated_at, last_activity, message_count, current_mode, modes, metadata, conversation)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			updated_at = excluded.updated_at,
			last_activity = excluded.last_activity,
			message_count = excluded.message_count,
			current_mode = excluded.current_mode,
			modes = excluded.modes,
			metadata = excluded.metadata,
			conversation = excluded.conversation`,
		sess.ID, formatTime(sess.CreatedAt), formatTime(sess.UpdatedAt), formatTime(sess.State.LastActivity),
		sess.State.MessageCount, sess.Mode.CurrentModeID, string(modes), string(metadata), string(conversation),
	)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

const selectColumns = `SELECT id, created_at, updated_at, last_activity, message_count, current_mode, modes, metadata, conversation FROM sessions`

func (s *SQLiteStore) Load(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+" WHERE id = ?", id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotStored
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n == 0 {
		return ErrNotStored
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+" ORDER BY created_at, id")
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*Session, error) {
	var (
		sess                                  Session
		created, updated, activity            string
		modes, metadata, conversation, modeID string
	)
	if err := row.Scan(&sess.ID, &created, &updated, &activity, &sess.State.MessageCount,
		&modeID, &modes, &metadata, &conversation); err != nil {
		return nil, err
	}
	var err error
	if sess.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if sess.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	if sess.State.LastActivity, err = parseTime(activity); err != nil {
		return nil, err
	}
	sess.Mode = protocol.SessionModeState{CurrentModeID: modeID}
	if err := json.Unmarshal([]byte(modes), &sess.Mode.AvailableModes); err != nil {
		return nil, fmt.Errorf("decode modes: %w", err)
	}
	if err := json.Unmarshal([]byte(metadata), &sess.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	if err := json.Unmarshal([]byte(conversation), &sess.Conversation); err != nil {
		return nil, fmt.Errorf("decode conversation: %w", err)
	}
	if sess.Conversation == nil {
		sess.Conversation = []Message{}
	}
	return &sess, nil
}

// Timestamps are stored as RFC 3339 text with nanoseconds so that the
// strictly increasing activity times survive a round trip.
func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) (time.Time, error) { return time.Parse(time.RFC3339Nano, s) }
