package store

import (
	"context"
	"database/sql"
	"errors"

	"portaljobs/internal/domain"
)

// LockStore keeps job locks as rows keyed by job name. The primary key makes
// the insert a conditional create.
type LockStore struct{ db *sql.DB }

func NewLockStore(db *sql.DB) *LockStore { return &LockStore{db: db} }

func (l *LockStore) TryAcquire(ctx context.Context, lk domain.JobLock) (bool, error) {
	return insertLock(ctx, l.db, lk)
}

func (l *LockStore) Get(ctx context.Context, jobName string) (domain.JobLock, bool, error) {
	row := l.db.QueryRowContext(ctx, `SELECT job_name, owner, acquired_at FROM job_locks WHERE job_name=?`, jobName)
	var lk domain.JobLock
	var at int64
	err := row.Scan(&lk.JobName, &lk.Owner, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.JobLock{}, false, nil
	}
	if err != nil {
		return domain.JobLock{}, false, err
	}
	lk.AcquiredAt = fromMillis(at)
	return lk, true, nil
}

// Reclaim replaces stale with fresh. It only deletes the exact row that was
// judged stale, so two reclaimers racing on the same row cannot both win.
func (l *LockStore) Reclaim(ctx context.Context, stale, fresh domain.JobLock) (ok bool, err error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() {
		if err != nil || !ok {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `DELETE FROM job_locks WHERE job_name=? AND owner=? AND acquired_at=?`,
		stale.JobName, stale.Owner, millis(stale.AcquiredAt))
	if err != nil {
		return false, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}
	ok, err = insertLock(ctx, tx, fresh)
	if err != nil || !ok {
		return false, err
	}
	if err = tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func (l *LockStore) Release(ctx context.Context, jobName, owner string) error {
	_, err := l.db.ExecContext(ctx, `DELETE FROM job_locks WHERE job_name=? AND owner=?`, jobName, owner)
	return err
}

func insertLock(ctx context.Context, q Querier, lk domain.JobLock) (bool, error) {
	res, err := q.ExecContext(ctx, `
INSERT INTO job_locks (job_name, owner, acquired_at) VALUES (?,?,?)
ON CONFLICT(job_name) DO NOTHING`, lk.JobName, lk.Owner, millis(lk.AcquiredAt))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
