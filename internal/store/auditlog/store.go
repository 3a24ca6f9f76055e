package auditlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	_ "github.com/glebarez/go-sqlite"
)

// Store is the append-only audit trail. The pipeline only ever appends;
// reads exist for diagnosis and tests.
type Store struct {
	db   *sql.DB
	path string
}

// Entry is one audited pipeline event.
type Entry struct {
	ID        string         `json:"id"`
	TS        int64          `json:"ts"`
	Kind      string         `json:"kind"` // signal | decision | order | position | task
	RefID     string         `json:"ref_id"`
	BotID     string         `json:"bot_id,omitempty"`
	Reason    string         `json:"reason"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt int64          `json:"created_at"`
}

func New(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("audit log path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(2)
	if err := ensureSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, path: path}, nil
}

func ensureSchema(db *sql.DB) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS audit_entries (
    id TEXT PRIMARY KEY,
    ts INTEGER NOT NULL,
    kind TEXT NOT NULL,
    ref_id TEXT NOT NULL,
    bot_id TEXT NOT NULL DEFAULT '',
    reason TEXT NOT NULL,
    detail TEXT NOT NULL DEFAULT '{}',
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_kind_ref ON audit_entries(kind, ref_id);
CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_entries(ts);
`
	_, err := db.Exec(ddl)
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Append writes one entry. Append failures are the caller's to log; they
// must never abort the pipeline step being audited.
func (s *Store) Append(ctx context.Context, e Entry) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("audit store not initialized")
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	now := time.Now().Unix()
	if e.TS == 0 {
		e.TS = now
	}
	e.CreatedAt = now
	detail := "{}"
	if len(e.Detail) > 0 {
		raw, err := json.Marshal(e.Detail)
		if err != nil {
			return fmt.Errorf("marshal audit detail: %w", err)
		}
		detail = string(raw)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_entries (id, ts, kind, ref_id, bot_id, reason, detail, created_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.TS, e.Kind, e.RefID, e.BotID, e.Reason, detail, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

// ListByRef returns the audit trail for one entity, oldest first.
func (s *Store) ListByRef(ctx context.Context, kind, refID string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, ts, kind, ref_id, bot_id, reason, detail, created_at
         FROM audit_entries WHERE kind = ? AND ref_id = ? ORDER BY ts, rowid`,
		kind, refID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

// ListRecent returns the newest entries up to limit.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, ts, kind, ref_id, bot_id, reason, detail, created_at
         FROM audit_entries ORDER BY ts DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var out []Entry
	for rows.Next() {
		var e Entry
		var detail string
		if err := rows.Scan(&e.ID, &e.TS, &e.Kind, &e.RefID, &e.BotID, &e.Reason, &detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		if detail != "" && detail != "{}" {
			_ = json.Unmarshal([]byte(detail), &e.Detail)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
