// Package store persists gate decisions to SQLite. Only decision metadata
// is stored: no user text and no accumulator state.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	session_id    TEXT PRIMARY KEY,
	first_seen    TEXT NOT NULL,
	last_seen     TEXT NOT NULL,
	turns         INTEGER NOT NULL DEFAULT 0,
	blocked       INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS decisions (
	turn_id       TEXT PRIMARY KEY,
	session_id    TEXT NOT NULL,
	event         TEXT NOT NULL,
	verdict       TEXT NOT NULL,
	blocked       INTEGER NOT NULL,
	rolling_score REAL NOT NULL,
	reasons_json  TEXT,
	mode          TEXT,
	flags_json    TEXT,
	latency_ms    INTEGER NOT NULL,
	created_at    TEXT NOT NULL,
	FOREIGN KEY (session_id) REFERENCES sessions(session_id)
);

CREATE INDEX IF NOT EXISTS idx_decisions_session ON decisions(session_id, created_at);
`

// Decision is one persisted gate decision.
type Decision struct {
	TurnID       string
	SessionID    string
	Event        string
	Verdict      string
	Blocked      bool
	RollingScore float64
	Reasons      []string
	Mode         string
	Flags        Flags
	LatencyMS    int64
	CreatedAt    time.Time
}

// Flags are the arbitration side effects of a decision.
type Flags struct {
	Probation    bool `json:"probation,omitempty"`
	Relieved     bool `json:"relieved,omitempty"`
	AutoReset    bool `json:"auto_reset,omitempty"`
	Bypassed     bool `json:"bypassed,omitempty"`
	FailedClosed bool `json:"failed_closed,omitempty"`
}

// SessionStats summarizes the persisted decisions of one session.
type SessionStats struct {
	SessionID string
	FirstSeen time.Time
	LastSeen  time.Time
	Turns     int
	Blocked   int
}

// Totals are store-wide counters.
type Totals struct {
	Sessions  int
	Decisions int
	Blocked   int
}

type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and runs migrations.
// ":memory:" is accepted for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// One writer; also keeps ":memory:" on a single connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma fk: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SaveBatch writes decisions and updates per-session counters in one
// transaction. Re-saving a turn id is a no-op.
func (s *Store) SaveBatch(ctx context.Context, batch []Decision) error {
	if len(batch) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, d := range batch {
		reasons, err := json.Marshal(d.Reasons)
		if err != nil {
			return fmt.Errorf("marshal reasons: %w", err)
		}
		flags, err := json.Marshal(d.Flags)
		if err != nil {
			return fmt.Errorf("marshal flags: %w", err)
		}
		at := d.CreatedAt.UTC().Format(time.RFC3339Nano)
		blocked := boolInt(d.Blocked)

		_, err = tx.ExecContext(ctx,
			`INSERT INTO sessions (session_id, first_seen, last_seen, turns, blocked)
			 VALUES (?, ?, ?, 0, 0)
			 ON CONFLICT(session_id) DO UPDATE SET last_seen = excluded.last_seen`,
			d.SessionID, at, at,
		)
		if err != nil {
			return fmt.Errorf("upsert session: %w", err)
		}

		res, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO decisions
			 (turn_id, session_id, event, verdict, blocked, rolling_score, reasons_json, mode, flags_json, latency_ms, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			d.TurnID, d.SessionID, d.Event, d.Verdict, blocked, d.RollingScore,
			string(reasons), d.Mode, string(flags), d.LatencyMS, at,
		)
		if err != nil {
			return fmt.Errorf("insert decision: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE sessions SET turns = turns + 1, blocked = blocked + ? WHERE session_id = ?`,
			blocked, d.SessionID,
		)
		if err != nil {
			return fmt.Errorf("update session: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Recent returns up to limit decisions of a session, newest first.
func (s *Store) Recent(ctx context.Context, sessionID string, limit int) ([]Decision, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT turn_id, session_id, event, verdict, blocked, rolling_score, reasons_json, mode, flags_json, latency_ms, created_at
		 FROM decisions WHERE session_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ?`,
		sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query decisions: %w", err)
	}
	defer rows.Close()

	var out []Decision
	for rows.Next() {
		var (
			d       Decision
			blocked int
			reasons sql.NullString
			mode    sql.NullString
			flags   sql.NullString
			at      string
		)
		if err := rows.Scan(&d.TurnID, &d.SessionID, &d.Event, &d.Verdict, &blocked, &d.RollingScore,
			&reasons, &mode, &flags, &d.LatencyMS, &at); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		d.Blocked = blocked != 0
		d.Mode = mode.String
		if reasons.Valid && reasons.String != "" {
			_ = json.Unmarshal([]byte(reasons.String), &d.Reasons)
		}
		if flags.Valid && flags.String != "" {
			_ = json.Unmarshal([]byte(flags.String), &d.Flags)
		}
		d.CreatedAt, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, d)
	}
	return out, rows.Err()
}

// Stats returns counters for a session. ok is false when it was never seen.
func (s *Store) Stats(ctx context.Context, sessionID string) (SessionStats, bool, error) {
	var (
		st          SessionStats
		first, last string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, first_seen, last_seen, turns, blocked FROM sessions WHERE session_id = ?`,
		sessionID,
	).Scan(&st.SessionID, &first, &last, &st.Turns, &st.Blocked)
	if err == sql.ErrNoRows {
		return SessionStats{}, false, nil
	}
	if err != nil {
		return SessionStats{}, false, fmt.Errorf("query session: %w", err)
	}
	st.FirstSeen, _ = time.Parse(time.RFC3339Nano, first)
	st.LastSeen, _ = time.Parse(time.RFC3339Nano, last)
	return st, true, nil
}

// Totals counts every persisted session, decision and blocked decision.
func (s *Store) Totals(ctx context.Context) (Totals, error) {
	var t Totals
	err := s.db.QueryRowContext(ctx,
		`SELECT
			(SELECT COUNT(*) FROM sessions),
			(SELECT COUNT(*) FROM decisions),
			(SELECT COUNT(*) FROM decisions WHERE blocked = 1)`,
	).Scan(&t.Sessions, &t.Decisions, &t.Blocked)
	if err != nil {
		return Totals{}, fmt.Errorf("query totals: %w", err)
	}
	return t, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
