package store

import (
	"context"

	"github.com/google/uuid"

	"portaljobs/internal/domain"
)

// InsertExecution appends an audit record. Execution rows are never updated.
func (s *Store) InsertExecution(ctx context.Context, rec domain.ExecutionRecord) (string, error) {
	id := rec.ID
	if id == "" {
		id = "exe_" + uuid.NewString()
	}
	started := s.stamp(rec.StartedAt)
	finished := rec.FinishedAt
	if finished.IsZero() {
		finished = started
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO job_executions (id, job_name, started_at, finished_at, status, message, processed_count)
VALUES (?,?,?,?,?,?,?)`, id, rec.JobName, millis(started), millis(finished), string(rec.Status), rec.Message, rec.Processed)
	return id, err
}

// ListExecutions returns the most recent audit records, optionally for one job.
func (s *Store) ListExecutions(ctx context.Context, jobName string, limit int) ([]domain.ExecutionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
SELECT id, job_name, started_at, finished_at, status, message, processed_count
FROM job_executions`
	args := []any{}
	if jobName != "" {
		query += ` WHERE job_name=?`
		args = append(args, jobName)
	}
	query += ` ORDER BY started_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ExecutionRecord
	for rows.Next() {
		var rec domain.ExecutionRecord
		var started, finished int64
		var status string
		if err := rows.Scan(&rec.ID, &rec.JobName, &started, &finished, &status, &rec.Message, &rec.Processed); err != nil {
			return nil, err
		}
		rec.StartedAt = fromMillis(started)
		rec.FinishedAt = fromMillis(finished)
		rec.Status = domain.ExecutionStatus(status)
		out = append(out, rec)
	}
	return out, rows.Err()
}
