package store

import (
	"context"
	"database/sql"
	"time"

	"fleetcron/internal/domain"
)

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS scheduler_locks (
  task_name TEXT PRIMARY KEY,
  holder_id TEXT NOT NULL,
  acquired_at DATETIME NOT NULL,
  expires_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_locks_expires ON scheduler_locks(expires_at);
CREATE TABLE IF NOT EXISTS task_executions (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  task_name TEXT NOT NULL,
  status TEXT NOT NULL CHECK(status IN ('running','success','failed')),
  started_at DATETIME NOT NULL,
  finished_at DATETIME,
  duration_ms INTEGER,
  result TEXT,
  error TEXT
);
CREATE INDEX IF NOT EXISTS idx_executions_task ON task_executions(task_name, started_at DESC);
`
	_, err := db.Exec(schema)
	return err
}

// LockStore is the fleet-shared lock table. TryAcquire must be a single
// atomic statement; two replicas racing for the same task name must never
// both succeed.
type LockStore interface {
	TryAcquire(ctx context.Context, taskName, holderID string, lease time.Duration) (bool, error)
	ReleaseIfHolder(ctx context.Context, taskName, holderID string) error
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
	List(ctx context.Context) ([]domain.Lock, error)
}

// ExecutionLogStore is the append-only record of executions that acquired
// the lock and ran. Rows are inserted as running and updated once to a
// terminal status; the scheduler never deletes them (PruneBefore exists for
// the retention task body only).
type ExecutionLogStore interface {
	InsertRunning(ctx context.Context, taskName string, startedAt time.Time) (int64, error)
	UpdateTerminal(ctx context.Context, id int64, status domain.ExecutionStatus, finishedAt time.Time, durationMs int64, result, errMsg *string) error
	AggregateByStatus(ctx context.Context, taskName string) ([]StatusAggregate, error)
	Latest(ctx context.Context, taskName string) (*domain.ExecutionLogEntry, error)
	ListRecent(ctx context.Context, taskName string, limit int) ([]domain.ExecutionLogEntry, error)
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type StatusAggregate struct {
	Status        domain.ExecutionStatus
	Count         int64
	AvgDurationMs float64
}

type Store struct{ db *sql.DB }

func New(db *sql.DB) *Store { return &Store{db: db} }

var (
	_ LockStore         = (*Store)(nil)
	_ ExecutionLogStore = (*Store)(nil)
)

// TryAcquire inserts a lock row, or replaces one whose lease has already
// lapsed. The expiry check lives in the upsert's WHERE clause so the
// no-lock/expired-lock decision and the write are one statement.
func (s *Store) TryAcquire(ctx context.Context, taskName, holderID string, lease time.Duration) (bool, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
INSERT INTO scheduler_locks (task_name, holder_id, acquired_at, expires_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(task_name) DO UPDATE SET
  holder_id = excluded.holder_id,
  acquired_at = excluded.acquired_at,
  expires_at = excluded.expires_at
WHERE scheduler_locks.expires_at <= excluded.acquired_at
`, taskName, holderID, now, now.Add(lease))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ReleaseIfHolder deletes the lock only when holderID still owns it, so a
// replica whose lease expired and was taken over cannot release the new
// holder's lock.
func (s *Store) ReleaseIfHolder(ctx context.Context, taskName, holderID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM scheduler_locks WHERE task_name = ? AND holder_id = ?`, taskName, holderID)
	return err
}

func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM scheduler_locks WHERE expires_at <= ?`, now.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) List(ctx context.Context) ([]domain.Lock, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT task_name, holder_id, acquired_at, expires_at
FROM scheduler_locks ORDER BY task_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var locks []domain.Lock
	for rows.Next() {
		var l domain.Lock
		if err := rows.Scan(&l.TaskName, &l.HolderID, &l.AcquiredAt, &l.ExpiresAt); err != nil {
			return nil, err
		}
		locks = append(locks, l)
	}
	return locks, rows.Err()
}

func (s *Store) InsertRunning(ctx context.Context, taskName string, startedAt time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
INSERT INTO task_executions (task_name, status, started_at)
VALUES (?, 'running', ?)`, taskName, startedAt.UTC())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *Store) UpdateTerminal(ctx context.Context, id int64, status domain.ExecutionStatus, finishedAt time.Time, durationMs int64, result, errMsg *string) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE task_executions
SET status = ?, finished_at = ?, duration_ms = ?, result = ?, error = ?
WHERE id = ?`, string(status), finishedAt.UTC(), durationMs, result, errMsg, id)
	return err
}

func (s *Store) AggregateByStatus(ctx context.Context, taskName string) ([]StatusAggregate, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT status, COUNT(*), COALESCE(AVG(duration_ms), 0)
FROM task_executions WHERE task_name = ? GROUP BY status`, taskName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var aggs []StatusAggregate
	for rows.Next() {
		var a StatusAggregate
		var status string
		if err := rows.Scan(&status, &a.Count, &a.AvgDurationMs); err != nil {
			return nil, err
		}
		a.Status = domain.ExecutionStatus(status)
		aggs = append(aggs, a)
	}
	return aggs, rows.Err()
}

func (s *Store) Latest(ctx context.Context, taskName string) (*domain.ExecutionLogEntry, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, task_name, status, started_at, finished_at, duration_ms, result, error
FROM task_executions WHERE task_name = ?
ORDER BY started_at DESC, id DESC LIMIT 1`, taskName)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (s *Store) ListRecent(ctx context.Context, taskName string, limit int) ([]domain.ExecutionLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, task_name, status, started_at, finished_at, duration_ms, result, error
FROM task_executions WHERE task_name = ?
ORDER BY started_at DESC, id DESC LIMIT ?`, taskName, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.ExecutionLogEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

func (s *Store) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
DELETE FROM task_executions WHERE status != 'running' AND started_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*domain.ExecutionLogEntry, error) {
	var e domain.ExecutionLogEntry
	var status string
	var finished sql.NullTime
	var dur sql.NullInt64
	var result, errMsg sql.NullString
	if err := row.Scan(&e.ID, &e.TaskName, &status, &e.StartedAt, &finished, &dur, &result, &errMsg); err != nil {
		return nil, err
	}
	e.Status = domain.ExecutionStatus(status)
	if finished.Valid {
		t := finished.Time
		e.FinishedAt = &t
	}
	if dur.Valid {
		d := dur.Int64
		e.DurationMs = &d
	}
	if result.Valid {
		s := result.String
		e.Result = &s
	}
	if errMsg.Valid {
		s := errMsg.String
		e.Error = &s
	}
	return &e, nil
}
