package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/atmx/agent-engine/internal/model"
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS job_outcomes (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id    TEXT NOT NULL,
	user_id   TEXT NOT NULL,
	agent_id  TEXT NOT NULL DEFAULT '',
	market_id TEXT NOT NULL,
	state     TEXT NOT NULL,
	attempt   INTEGER NOT NULL DEFAULT 0,
	reason    TEXT NOT NULL DEFAULT '',
	tx_id     TEXT NOT NULL DEFAULT '',
	at        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_job_outcomes_job ON job_outcomes (job_id, id);
`

// SQLiteJournal stores outcomes in a local SQLite file.
type SQLiteJournal struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the journal database at path.
func OpenSQLite(path string) (*SQLiteJournal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening journal db: %w", err)
	}

	// WAL mode for concurrent reads
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	if _, err := db.Exec(schemaDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal schema migration: %w", err)
	}

	return &SQLiteJournal{db: db}, nil
}

// Close closes the database.
func (j *SQLiteJournal) Close() error {
	return j.db.Close()
}

func (j *SQLiteJournal) Record(ctx context.Context, o model.JobOutcome) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO job_outcomes (job_id, user_id, agent_id, market_id, state, attempt, reason, tx_id, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.JobID, o.UserID, o.AgentID, o.MarketID, string(o.State),
		o.Attempt, o.Reason, o.TxID, o.At.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("record outcome %s/%s: %w", o.JobID, o.State, err)
	}
	return nil
}

func (j *SQLiteJournal) ListByJob(ctx context.Context, jobID string) ([]model.JobOutcome, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT job_id, user_id, agent_id, market_id, state, attempt, reason, tx_id, at
		FROM job_outcomes WHERE job_id = ? ORDER BY id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list outcomes for %s: %w", jobID, err)
	}
	return scanOutcomes(rows)
}

// ListRecent returns up to limit entries, newest first. limit <= 0 returns all.
func (j *SQLiteJournal) ListRecent(ctx context.Context, limit int) ([]model.JobOutcome, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT job_id, user_id, agent_id, market_id, state, attempt, reason, tx_id, at
		FROM job_outcomes ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent outcomes: %w", err)
	}
	return scanOutcomes(rows)
}

func scanOutcomes(rows *sql.Rows) ([]model.JobOutcome, error) {
	defer rows.Close()

	var out []model.JobOutcome
	for rows.Next() {
		var (
			o     model.JobOutcome
			state string
			at    string
		)
		if err := rows.Scan(&o.JobID, &o.UserID, &o.AgentID, &o.MarketID, &state,
			&o.Attempt, &o.Reason, &o.TxID, &at); err != nil {
			return nil, err
		}
		o.State = model.JobState(state)
		t, err := time.Parse(time.RFC3339Nano, at)
		if err != nil {
			return nil, fmt.Errorf("parse outcome time %q: %w", at, err)
		}
		o.At = t
		out = append(out, o)
	}
	return out, rows.Err()
}
