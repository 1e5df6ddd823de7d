package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"dncl-checker/internal/models"
)

// Store wraps pgxpool for Postgres persistence. It is the only shared
// mutable resource in the pipeline; every mutation is a single-row or
// single-statement transaction, so callers need no in-process locking.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// ClaimBatch atomically selects up to n pending tasks with a non-null
// telephone, flips them to PROCESSING and returns them in creation order.
// Claim and read are one statement; SKIP LOCKED keeps concurrent claimers
// from ever receiving the same row. An empty result signals queue drain.
func (s *Store) ClaimBatch(ctx context.Context, n int) ([]models.Task, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE tasks SET status = $1
		WHERE id IN (
			SELECT id FROM tasks
			WHERE status = $2 AND telephone IS NOT NULL AND telephone <> ''
			ORDER BY id
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, telephone
	`, models.StatusProcessing, models.StatusPending, n)
	if err != nil {
		return nil, fmt.Errorf("claim batch: %w", err)
	}
	defer rows.Close()

	var tasks []models.Task
	for rows.Next() {
		t := models.Task{Status: models.StatusProcessing}
		if err := rows.Scan(&t.ID, &t.Telephone); err != nil {
			return nil, fmt.Errorf("scan claimed task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim batch rows: %w", err)
	}
	return tasks, nil
}

// UpdateStatus records the terminal status of one attempt. Idempotent:
// re-applying the same terminal result is harmless.
func (s *Store) UpdateStatus(ctx context.Context, id int64, status, registrationDate, detail string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE tasks
		SET status = $2,
		    registration_date = NULLIF($3, ''),
		    detail = NULLIF($4, ''),
		    checked_at = NOW()
		WHERE id = $1
	`, id, status, registrationDate, detail)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	return nil
}

// ResetStuck flips tasks left PROCESSING by a previous run back to PENDING.
// PROCESSING is a lease with no heartbeat, so this must run at startup.
func (s *Store) ResetStuck(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks SET status = $1 WHERE status = $2
	`, models.StatusPending, models.StatusProcessing)
	if err != nil {
		return 0, fmt.Errorf("reset stuck: %w", err)
	}
	return tag.RowsAffected(), nil
}

// SweepErrors requeues every ERROR task and returns how many changed. The
// orchestrator loops the pipeline again whenever this is non-zero.
func (s *Store) SweepErrors(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks SET status = $1 WHERE status = $2
	`, models.StatusPending, models.StatusError)
	if err != nil {
		return 0, fmt.Errorf("sweep errors: %w", err)
	}
	return tag.RowsAffected(), nil
}

// InsertTasks bulk-loads phone numbers as PENDING tasks.
func (s *Store) InsertTasks(ctx context.Context, phones []string) (int64, error) {
	var inserted int64
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	for _, phone := range phones {
		if phone == "" {
			continue
		}
		tag, err := tx.Exec(ctx, `
			INSERT INTO tasks (telephone, status) VALUES ($1, $2)
		`, phone, models.StatusPending)
		if err != nil {
			return 0, fmt.Errorf("insert task %q: %w", phone, err)
		}
		inserted += tag.RowsAffected()
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return inserted, nil
}

// PendingCount returns how many tasks are still claimable.
func (s *Store) PendingCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM tasks
		WHERE status = $1 AND telephone IS NOT NULL AND telephone <> ''
	`, models.StatusPending).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return n, nil
}

// Progress aggregates queue-wide counts for the status page.
func (s *Store) Progress(ctx context.Context) (models.Progress, error) {
	p := models.Progress{ByStatus: make(map[string]int64)}

	rows, err := s.pool.Query(ctx, `
		SELECT status, COUNT(*) FROM tasks GROUP BY status ORDER BY COUNT(*) DESC
	`)
	if err != nil {
		return p, fmt.Errorf("status counts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return p, fmt.Errorf("scan status count: %w", err)
		}
		p.ByStatus[status] = n
		p.Total += n
		if models.Terminal(status) {
			p.Processed += n
		}
	}
	if err := rows.Err(); err != nil {
		return p, fmt.Errorf("status count rows: %w", err)
	}
	return p, nil
}

// ListChecked returns checked tasks, newest first, paginated.
func (s *Store) ListChecked(ctx context.Context, page, perPage int) ([]models.Task, int64, error) {
	if page < 1 {
		page = 1
	}
	var total int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM tasks WHERE checked_at IS NOT NULL
	`).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("count checked: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, telephone, status, registration_date, detail, checked_at, created_at
		FROM tasks
		WHERE checked_at IS NOT NULL
		ORDER BY checked_at DESC
		LIMIT $1 OFFSET $2
	`, perPage, (page-1)*perPage)
	if err != nil {
		return nil, 0, fmt.Errorf("list checked: %w", err)
	}
	defer rows.Close()

	tasks, err := scanTasks(rows)
	if err != nil {
		return nil, 0, err
	}
	return tasks, total, nil
}

// ExportRows streams all tasks with a definitive registry answer, in
// creation order. ERROR rows are excluded from exports.
func (s *Store) ExportRows(ctx context.Context, fn func(models.Task) error) error {
	rows, err := s.pool.Query(ctx, `
		SELECT id, telephone, status, registration_date, detail, checked_at, created_at
		FROM tasks
		WHERE status IN ($1, $2, $3)
		ORDER BY id
	`, models.StatusActive, models.StatusInactive, models.StatusInvalid)
	if err != nil {
		return fmt.Errorf("export rows: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return err
		}
		if err := fn(t); err != nil {
			return err
		}
	}
	return rows.Err()
}

// GetTask fetches one task by id.
func (s *Store) GetTask(ctx context.Context, id int64) (models.Task, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, telephone, status, registration_date, detail, checked_at, created_at
		FROM tasks WHERE id = $1
	`, id)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Task{}, fmt.Errorf("task %d not found: %w", id, err)
	}
	return t, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (models.Task, error) {
	var t models.Task
	var regDate, detail pgtype.Text
	var checkedAt pgtype.Timestamptz
	if err := row.Scan(&t.ID, &t.Telephone, &t.Status, &regDate, &detail, &checkedAt, &t.CreatedAt); err != nil {
		return models.Task{}, err
	}
	t.RegistrationDate = textPtr(regDate)
	t.Detail = textPtr(detail)
	if checkedAt.Valid {
		ts := checkedAt.Time
		t.CheckedAt = &ts
	}
	return t, nil
}

func scanTasks(rows pgx.Rows) ([]models.Task, error) {
	var tasks []models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task rows: %w", err)
	}
	return tasks, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
