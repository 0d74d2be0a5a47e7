// Package telemetry persists attempt and merge history in SQLite.
package telemetry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/harrison/relay/internal/mergequeue"
	"github.com/harrison/relay/internal/models"
)

// AttemptRow is one recorded execution attempt.
type AttemptRow struct {
	ID            int64
	TaskID        string
	Attempt       int
	Tier          models.Tier
	Outcome       string
	FilesWritten  int
	InputTokens   int
	OutputTokens  int
	ErrorCategory models.ErrorCategory
	ErrorMessage  string
	StartedAt     time.Time
	Duration      time.Duration
}

// MergeRow is one recorded merge queue result.
type MergeRow struct {
	ID             int64
	ItemID         string
	Branch         string
	StepID         string
	Status         mergequeue.Status
	RetryCount     int
	Strategy       string
	ContestedFiles []string
	Error          string
	RecordedAt     time.Time
}

// Store manages the telemetry database. It is safe for concurrent use.
type Store struct {
	db     *sql.DB
	dbPath string
}

// NewStore opens (creating if needed) the database at dbPath and applies
// pending migrations. ":memory:" opens a private in-memory database.
func NewStore(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	pragmas := []string{
		"PRAGMA busy_timeout=5000", // Must be first
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
	}
	for _, pragma := range pragmas {
		if err := execWithRetry(db, pragma, 5, 10*time.Millisecond); err != nil {
			db.Close()
			return nil, fmt.Errorf("set %s: %w", pragma, err)
		}
	}

	s := &Store{db: db, dbPath: dbPath}
	if err := s.ApplyMigrations(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}
	return s, nil
}

// execWithRetry retries statements that hit "database is locked" with
// exponential backoff.
func execWithRetry(db *sql.DB, stmt string, maxRetries int, baseDelay time.Duration) error {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		_, err := db.Exec(stmt)
		if err == nil {
			return nil
		}
		if !strings.Contains(err.Error(), "database is locked") {
			return err
		}
		lastErr = err
		time.Sleep(baseDelay * time.Duration(1<<attempt))
	}
	return lastErr
}

// Path returns the database file path.
func (s *Store) Path() string { return s.dbPath }

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// RecordAttempt stores one attempt of taskID.
func (s *Store) RecordAttempt(ctx context.Context, taskID string, rec models.AttemptRecord, outcome string) error {
	var category, message string
	if rec.Error != nil {
		category = string(rec.Error.Category)
		message = rec.Error.Message
	}
	started := rec.StartedAt
	if started.IsZero() {
		started = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO attempts (task_id, attempt, tier, outcome, files_written, input_tokens, output_tokens,
                      error_category, error_message, started_at, duration_ms)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		taskID, rec.Attempt, string(rec.Tier), outcome, rec.FilesWritten,
		rec.Tokens.Input, rec.Tokens.Output, category, message,
		started.UTC(), rec.Duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("insert attempt: %w", err)
	}
	return nil
}

// RecordMerge stores the state of a merge queue item after processing.
func (s *Store) RecordMerge(ctx context.Context, item mergequeue.Item) error {
	contested, err := json.Marshal(item.ContestedFiles)
	if err != nil {
		return fmt.Errorf("marshal contested files: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO merges (item_id, branch, step_id, status, retry_count, strategy, contested_files, error, recorded_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.Branch, item.StepID, string(item.Status), item.RetryCount,
		item.StrategyUsed, string(contested), item.Error, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert merge: %w", err)
	}
	return nil
}

// AttemptHistory returns the attempts of taskID in order. An empty taskID
// returns every attempt.
func (s *Store) AttemptHistory(ctx context.Context, taskID string) ([]AttemptRow, error) {
	query := `
SELECT id, task_id, attempt, tier, outcome, files_written, input_tokens, output_tokens,
       error_category, error_message, started_at, duration_ms
FROM attempts`
	var args []interface{}
	if taskID != "" {
		query += " WHERE task_id = ?"
		args = append(args, taskID)
	}
	query += " ORDER BY id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	defer rows.Close()

	var out []AttemptRow
	for rows.Next() {
		var r AttemptRow
		var tier, category string
		var durationMS int64
		if err := rows.Scan(&r.ID, &r.TaskID, &r.Attempt, &tier, &r.Outcome, &r.FilesWritten,
			&r.InputTokens, &r.OutputTokens, &category, &r.ErrorMessage, &r.StartedAt, &durationMS); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		r.Tier = models.Tier(tier)
		r.ErrorCategory = models.ErrorCategory(category)
		r.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attempts: %w", err)
	}
	return out, nil
}

// MergeHistory returns the most recent merge records, newest first.
// A limit of zero or less returns all of them.
func (s *Store) MergeHistory(ctx context.Context, limit int) ([]MergeRow, error) {
	query := `
SELECT id, item_id, branch, step_id, status, retry_count, strategy, contested_files, error, recorded_at
FROM merges ORDER BY id DESC`
	var args []interface{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query merges: %w", err)
	}
	defer rows.Close()

	var out []MergeRow
	for rows.Next() {
		var r MergeRow
		var status, contested string
		if err := rows.Scan(&r.ID, &r.ItemID, &r.Branch, &r.StepID, &status, &r.RetryCount,
			&r.Strategy, &contested, &r.Error, &r.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan merge: %w", err)
		}
		r.Status = mergequeue.Status(status)
		if contested != "" && contested != "null" {
			if err := json.Unmarshal([]byte(contested), &r.ContestedFiles); err != nil {
				return nil, fmt.Errorf("decode contested files for %s: %w", r.ItemID, err)
			}
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate merges: %w", err)
	}
	return out, nil
}

// TaskStats aggregates attempt history per task.
type TaskStats struct {
	TaskID       string
	Attempts     int
	Failures     int
	InputTokens  int
	OutputTokens int
	LastOutcome  string
}

// Stats returns per-task aggregates ordered by task ID.
func (s *Store) Stats(ctx context.Context) ([]TaskStats, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT a.task_id,
       COUNT(*),
       SUM(CASE WHEN a.error_category != '' THEN 1 ELSE 0 END),
       SUM(a.input_tokens),
       SUM(a.output_tokens),
       (SELECT outcome FROM attempts b WHERE b.task_id = a.task_id ORDER BY b.id DESC LIMIT 1)
FROM attempts a
GROUP BY a.task_id
ORDER BY a.task_id`)
	if err != nil {
		return nil, fmt.Errorf("query stats: %w", err)
	}
	defer rows.Close()

	var out []TaskStats
	for rows.Next() {
		var st TaskStats
		if err := rows.Scan(&st.TaskID, &st.Attempts, &st.Failures, &st.InputTokens, &st.OutputTokens, &st.LastOutcome); err != nil {
			return nil, fmt.Errorf("scan stats: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}
