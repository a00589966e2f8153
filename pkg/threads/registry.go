// Package threads tracks chat and report threads in the database: who
// owns them, what flow they run, and when they were last touched.
package threads

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/opgroeien/flowd/pkg/models"
)

// ErrNotFound is returned when a thread id is unknown.
var ErrNotFound = errors.New("thread not found")

// Registry persists thread metadata in the threads table.
type Registry struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewRegistry wraps an existing connection pool.
func NewRegistry(db *sql.DB, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{db: db, logger: logger.With("component", "threads")}
}

// Exists reports whether the thread id is registered.
func (r *Registry) Exists(ctx context.Context, threadID string) (bool, error) {
	var one int
	err := r.db.QueryRowContext(ctx,
		`SELECT 1 FROM threads WHERE thread_id = $1`, threadID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check thread %s: %w", threadID, err)
	}
	return true, nil
}

// Get returns one thread.
func (r *Registry) Get(ctx context.Context, threadID string) (*models.Thread, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT thread_id, user_id, title, flow, created_at, last_accessed_at
		 FROM threads WHERE thread_id = $1`, threadID)
	thread, err := scanThread(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load thread %s: %w", threadID, err)
	}
	return thread, nil
}

// Upsert registers a thread or touches an existing one. On conflict
// last_accessed_at always advances; title and flow are only set when
// currently null, so the first write wins and later turns cannot rename
// a thread.
func (r *Registry) Upsert(ctx context.Context, threadID, userID string, title, flow *string) error {
	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO threads (thread_id, user_id, title, flow, created_at, last_accessed_at)
		 VALUES ($1, $2, $3, $4, $5, $5)
		 ON CONFLICT (thread_id) DO UPDATE SET
		   last_accessed_at = EXCLUDED.last_accessed_at,
		   title = COALESCE(threads.title, EXCLUDED.title),
		   flow  = COALESCE(threads.flow, EXCLUDED.flow)`,
		threadID, userID, title, flow, now)
	if err != nil {
		return fmt.Errorf("upsert thread %s: %w", threadID, err)
	}
	return nil
}

// Touch advances last_accessed_at.
func (r *Registry) Touch(ctx context.Context, threadID string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE threads SET last_accessed_at = $2 WHERE thread_id = $1`,
		threadID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("touch thread %s: %w", threadID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListForUser returns the user's threads, most recently used first,
// optionally filtered by flow.
func (r *Registry) ListForUser(ctx context.Context, userID string, flow *string) ([]*models.Thread, error) {
	query := `SELECT thread_id, user_id, title, flow, created_at, last_accessed_at
	          FROM threads WHERE user_id = $1`
	args := []any{userID}
	if flow != nil {
		query += ` AND flow = $2`
		args = append(args, *flow)
	}
	query += ` ORDER BY last_accessed_at DESC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list threads for %s: %w", userID, err)
	}
	defer rows.Close()

	var out []*models.Thread
	for rows.Next() {
		thread, err := scanThread(rows)
		if err != nil {
			return nil, fmt.Errorf("scan thread row: %w", err)
		}
		out = append(out, thread)
	}
	return out, rows.Err()
}

// ListInactive returns ids of threads last accessed before cutoff.
func (r *Registry) ListInactive(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT thread_id FROM threads WHERE last_accessed_at < $1`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list inactive threads: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan thread id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// Delete removes a thread row.
func (r *Registry) Delete(ctx context.Context, threadID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM threads WHERE thread_id = $1`, threadID)
	if err != nil {
		return fmt.Errorf("delete thread %s: %w", threadID, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanThread(row rowScanner) (*models.Thread, error) {
	var thread models.Thread
	if err := row.Scan(&thread.ID, &thread.UserID, &thread.Title, &thread.Flow,
		&thread.CreatedAt, &thread.LastAccessedAt); err != nil {
		return nil, err
	}
	return &thread, nil
}
