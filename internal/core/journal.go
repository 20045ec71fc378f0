package core

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

// Journal is a SQLite-backed local record of every submission attempt. It is
// best-effort: the remote stores are authoritative, the journal only makes
// crash windows auditable.
type Journal struct{ db *sql.DB }

//go:embed migrations/*.sql
var migrationFS embed.FS

func NewJournal(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	j := &Journal{db: db}
	if err := j.migrate(); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *Journal) migrate() error {
	schema, err := migrationFS.ReadFile("migrations/0001_init.sql")
	if err != nil {
		return err
	}
	if _, err := j.db.Exec(string(schema)); err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}
	return nil
}

// JournalEntry is one submission attempt.
type JournalEntry struct {
	TaskID string
	WorkID string
	Queue  string
	Source string
	Err    string
}

func (j *Journal) Record(ctx context.Context, e JournalEntry) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO submissions (task_id, work_id, queue, source, error)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(task_id) DO UPDATE SET error = excluded.error`,
		e.TaskID, e.WorkID, e.Queue, e.Source, e.Err)
	return err
}

// ListWork returns the journalled entries of one work.
func (j *Journal) ListWork(ctx context.Context, workID string) ([]JournalEntry, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT task_id, work_id, queue, source, error FROM submissions WHERE work_id = ? ORDER BY created_at`,
		workID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []JournalEntry
	for rows.Next() {
		var e JournalEntry
		if err := rows.Scan(&e.TaskID, &e.WorkID, &e.Queue, &e.Source, &e.Err); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (j *Journal) Ping(ctx context.Context) error {
	if j.db == nil {
		return errors.New("journal not initialized")
	}
	return j.db.PingContext(ctx)
}

func (j *Journal) Close() error { return j.db.Close() }
