package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("record not found")

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS users (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL DEFAULT '',
  email TEXT NOT NULL DEFAULT '',
  phone TEXT NOT NULL DEFAULT '',
  role TEXT NOT NULL CHECK(role IN ('employee','admin')) DEFAULT 'employee',
  active INTEGER NOT NULL DEFAULT 1
);
CREATE TABLE IF NOT EXISTS employees (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  monthly_salary TEXT NOT NULL DEFAULT '0',
  active INTEGER NOT NULL DEFAULT 1,
  FOREIGN KEY(user_id) REFERENCES users(id)
);
CREATE TABLE IF NOT EXISTS job_locks (
  job_name TEXT PRIMARY KEY,
  owner TEXT NOT NULL,
  acquired_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS job_executions (
  id TEXT PRIMARY KEY,
  job_name TEXT NOT NULL,
  started_at INTEGER NOT NULL,
  finished_at INTEGER NOT NULL,
  status TEXT NOT NULL CHECK(status IN ('success','error')),
  message TEXT NOT NULL DEFAULT '',
  processed_count INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_job_executions_job ON job_executions(job_name, started_at DESC);
CREATE TABLE IF NOT EXISTS salary_allocations (
  id TEXT PRIMARY KEY,
  employee_id TEXT NOT NULL,
  period TEXT NOT NULL,
  amount TEXT NOT NULL,
  allocation_type TEXT NOT NULL,
  allocated_by TEXT NOT NULL,
  notes TEXT NOT NULL DEFAULT '',
  created_at INTEGER NOT NULL,
  FOREIGN KEY(employee_id) REFERENCES employees(id)
);
CREATE INDEX IF NOT EXISTS idx_salary_allocations_period ON salary_allocations(period, allocation_type, allocated_by);
CREATE UNIQUE INDEX IF NOT EXISTS idx_salary_allocations_monthly ON salary_allocations(employee_id, period)
  WHERE allocation_type = 'monthly' AND allocated_by = 'system';
CREATE TABLE IF NOT EXISTS employee_balances (
  employee_id TEXT PRIMARY KEY,
  allocated_amount TEXT NOT NULL DEFAULT '0',
  withdrawn_amount TEXT NOT NULL DEFAULT '0',
  current_period TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL CHECK(status IN ('allocated','partial','exhausted')) DEFAULT 'allocated',
  updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS withdrawal_requests (
  id TEXT PRIMARY KEY,
  employee_id TEXT NOT NULL,
  net_amount TEXT NOT NULL,
  gateway_reference TEXT,
  status TEXT NOT NULL CHECK(status IN ('pending','processing','completed','failed')) DEFAULT 'pending',
  failure_reason TEXT NOT NULL DEFAULT '',
  processed_at INTEGER,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_withdrawal_requests_status ON withdrawal_requests(status, created_at);
CREATE TABLE IF NOT EXISTS notification_logs (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  channel TEXT NOT NULL CHECK(channel IN ('sms','email','whatsapp')),
  subject TEXT NOT NULL DEFAULT '',
  message TEXT NOT NULL,
  status TEXT NOT NULL CHECK(status IN ('pending','sent','failed')) DEFAULT 'pending',
  error_message TEXT NOT NULL DEFAULT '',
  permanent INTEGER NOT NULL DEFAULT 0,
  created_at INTEGER NOT NULL,
  sent_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_notification_logs_status ON notification_logs(status, created_at);
CREATE TABLE IF NOT EXISTS system_notifications (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  title TEXT NOT NULL,
  body TEXT NOT NULL,
  is_read INTEGER NOT NULL DEFAULT 0,
  created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS digest_runs (
  day TEXT PRIMARY KEY,
  sent_at INTEGER NOT NULL
);
`
	_, err := db.Exec(schema)
	return err
}

// Open opens the SQLite database at path. The pool is capped at one connection
// because SQLite has a single writer; callers must not hold a cursor open while
// issuing other statements on the same handle.
func Open(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

// Querier is satisfied by both *sql.DB and *sql.Tx so the same statements run
// inside or outside a transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Store struct {
	db  *sql.DB
	now func() time.Time
}

func New(db *sql.DB) *Store { return &Store{db: db, now: time.Now} }

// WithClock replaces the clock used to stamp rows whose timestamps the caller left zero.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// DB returns the underlying database connection.
func (s *Store) DB() *sql.DB { return s.db }

// Begin opens a transaction for multi-row mutations.
func (s *Store) Begin(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, nil)
}

func (s *Store) stamp(t time.Time) time.Time {
	if t.IsZero() {
		return s.now()
	}
	return t
}

func millis(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: millis(*t), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromMillis(n.Int64)
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
