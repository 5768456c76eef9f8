// Package journal keeps a durable, searchable record of finished turns in
// SQLite so operators can see what a device heard and how it was resolved.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/clawinfra/parlo/internal/dispatch"
)

// Entry is one journaled turn.
type Entry struct {
	ID         string          `json:"id"`
	DeviceID   string          `json:"device_id"`
	Text       string          `json:"text"`
	Function   string          `json:"function"`
	Arguments  json.RawMessage `json:"arguments,omitempty"`
	Stage      string          `json:"stage"`
	State      string          `json:"state"`
	Failure    string          `json:"failure,omitempty"`
	Reply      string          `json:"reply,omitempty"`
	Received   time.Time       `json:"received"`
	DurationMs int64           `json:"duration_ms"`
}

// Journal is a SQLite-backed turn log.
type Journal struct {
	db     *sql.DB
	logger *slog.Logger
	mu     sync.Mutex
}

// Open opens (or creates) the journal database at path. ":memory:" keeps it
// in memory.
func Open(path string, logger *slog.Logger) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("journal: open db: %w", err)
	}
	// One writer; an in-memory database is also per connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: wal mode: %w", err)
	}

	j := &Journal{db: db, logger: logger.With("component", "journal")}
	if err := j.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: migrate: %w", err)
	}
	return j, nil
}

func (j *Journal) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS turns (
			id          TEXT PRIMARY KEY,
			device_id   TEXT NOT NULL,
			text        TEXT NOT NULL,
			function    TEXT NOT NULL DEFAULT '',
			arguments   TEXT NOT NULL DEFAULT '',
			stage       TEXT NOT NULL DEFAULT '',
			state       TEXT NOT NULL,
			failure     TEXT NOT NULL DEFAULT '',
			reply       TEXT NOT NULL DEFAULT '',
			received    INTEGER NOT NULL,
			duration_ms INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_turns_device ON turns(device_id, received)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS turns_fts USING fts5(id UNINDEXED, text)`,
	}
	for _, stmt := range stmts {
		if _, err := j.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate %q: %w", stmt[:40], err)
		}
	}
	return nil
}

// Record stores a finished turn. Recording the same turn twice replaces it.
func (j *Journal) Record(ctx context.Context, t *dispatch.Turn) error {
	args := ""
	if len(t.Call.Arguments) > 0 {
		b, err := json.Marshal(t.Call.Arguments)
		if err != nil {
			return fmt.Errorf("journal: marshal arguments: %w", err)
		}
		args = string(b)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO turns(id, device_id, text, function, arguments, stage, state, failure, reply, received, duration_ms)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.DeviceID, t.Text, string(t.Call.Name), args, t.Stage, t.State.String(),
		t.Failure, t.Reply, t.Received.UnixMilli(), t.DurationMs,
	); err != nil {
		return fmt.Errorf("journal: insert turn: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM turns_fts WHERE id = ?`, t.ID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO turns_fts(id, text) VALUES(?, ?)`, t.ID, t.Text); err != nil {
		return fmt.Errorf("journal: index turn: %w", err)
	}
	return tx.Commit()
}

const selectEntry = `SELECT t.id, t.device_id, t.text, t.function, t.arguments, t.stage, t.state,
	t.failure, t.reply, t.received, t.duration_ms FROM turns t`

// Recent returns the device's latest turns, newest first.
func (j *Journal) Recent(ctx context.Context, deviceID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := j.db.QueryContext(ctx,
		selectEntry+` WHERE t.device_id = ? ORDER BY t.received DESC, t.rowid DESC LIMIT ?`,
		deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("journal: recent: %w", err)
	}
	return scanEntries(rows)
}

// Search finds turns whose utterance matches every word of query, best
// match first.
func (j *Journal) Search(ctx context.Context, query string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	match := ftsQuery(query)
	if match == "" {
		return nil, nil
	}
	rows, err := j.db.QueryContext(ctx,
		selectEntry+` JOIN turns_fts f ON f.id = t.id WHERE turns_fts MATCH ? ORDER BY bm25(turns_fts) LIMIT ?`,
		match, limit)
	if err != nil {
		return nil, fmt.Errorf("journal: search: %w", err)
	}
	return scanEntries(rows)
}

// ftsQuery quotes each word so user text cannot inject FTS5 syntax.
func ftsQuery(q string) string {
	var terms []string
	for _, w := range strings.Fields(q) {
		w = strings.ReplaceAll(w, `"`, "")
		if w != "" {
			terms = append(terms, `"`+w+`"`)
		}
	}
	return strings.Join(terms, " ")
}

// StageCounts returns how many journaled turns each classifier stage resolved.
func (j *Journal) StageCounts(ctx context.Context) (map[string]int, error) {
	rows, err := j.db.QueryContext(ctx, `SELECT stage, COUNT(*) FROM turns GROUP BY stage`)
	if err != nil {
		return nil, fmt.Errorf("journal: stage counts: %w", err)
	}
	defer rows.Close()
	out := make(map[string]int)
	for rows.Next() {
		var stage string
		var n int
		if err := rows.Scan(&stage, &n); err != nil {
			return nil, err
		}
		out[stage] = n
	}
	return out, rows.Err()
}

// Prune deletes turns received before cutoff and returns how many went.
func (j *Journal) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	ms := cutoff.UnixMilli()
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM turns_fts WHERE id IN (SELECT id FROM turns WHERE received < ?)`, ms); err != nil {
		return 0, fmt.Errorf("journal: prune index: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM turns WHERE received < ?`, ms)
	if err != nil {
		return 0, fmt.Errorf("journal: prune: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		j.logger.Info("pruned journal", "turns", n, "before", cutoff.Format(time.RFC3339))
	}
	return n, nil
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var e Entry
		var args string
		var received int64
		if err := rows.Scan(&e.ID, &e.DeviceID, &e.Text, &e.Function, &args, &e.Stage, &e.State,
			&e.Failure, &e.Reply, &received, &e.DurationMs); err != nil {
			return nil, err
		}
		if args != "" {
			e.Arguments = json.RawMessage(args)
		}
		e.Received = time.UnixMilli(received)
		out = append(out, e)
	}
	return out, rows.Err()
}
