package task

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"iter"
	"slices"
	"time"

	"github.com/felixgeelhaar/foundry/internal/errors"
	"github.com/felixgeelhaar/foundry/internal/log"
	"github.com/felixgeelhaar/foundry/internal/store"
	"github.com/felixgeelhaar/foundry/internal/workflow"
)

const selectTask = `SELECT job_id, task_id, phase, task_type, description, status, depends_on,
	outcome, reason, attempts, created_at, started_at, finished_at FROM tasks`

// Store persists tasks. Every method commits before returning.
type Store struct {
	db     *store.DB
	logger *log.Logger
	now    func() time.Time
}

// Option configures a Store
type Option func(*Store)

// WithLogger sets the logger used for audit-worthy operations such as Reset
func WithLogger(l *log.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates a task store backed by db
func NewStore(db *store.DB, opts ...Option) *Store {
	s := &Store{db: db, logger: log.L(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register records a new task in the registered status and returns its id
func (s *Store) Register(ctx context.Context, t Task) (string, error) {
	return store.Transact(ctx, s.db, func(tx *store.Tx) (string, error) {
		return s.RegisterTx(ctx, tx, t)
	})
}

// RegisterTx is Register on an existing transaction, so a job and its first
// task can be created atomically
func (s *Store) RegisterTx(ctx context.Context, conn store.Conn, t Task) (string, error) {
	if err := t.Validate(); err != nil {
		return "", err
	}
	deps := t.DependsOn
	if deps == nil {
		deps = []string{}
	}
	depsJSON, err := json.Marshal(deps)
	if err != nil {
		return "", errors.Wrap(errors.ErrCodeInvalidTask, "encode dependencies", err)
	}

	var seq int64
	if err := conn.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM tasks WHERE job_id = ?`, t.JobID,
	).Scan(&seq); err != nil {
		return "", errors.Wrap(errors.ErrCodeStore, "read task sequence", err)
	}

	var exists int
	err = conn.QueryRowContext(ctx,
		`SELECT 1 FROM tasks WHERE job_id = ? AND task_id = ?`, t.JobID, t.ID,
	).Scan(&exists)
	if err == nil {
		return "", errors.NewDuplicateTask(t.JobID, t.ID)
	}
	if !stderrors.Is(err, sql.ErrNoRows) {
		return "", errors.Wrap(errors.ErrCodeStore, "check task", err)
	}

	now := store.Nanos(s.now())
	if _, err := conn.ExecContext(ctx,
		`INSERT INTO tasks (job_id, task_id, seq, phase, task_type, description, status, depends_on, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.JobID, t.ID, seq+1, string(t.Phase), t.Type, t.Description, string(StatusRegistered), string(depsJSON), now, now,
	); err != nil {
		if store.IsUniqueViolation(err) {
			return "", errors.NewDuplicateTask(t.JobID, t.ID)
		}
		return "", errors.Wrap(errors.ErrCodeStore, "insert task", err)
	}
	return t.ID, nil
}

// Start moves a registered task to in_progress once all dependencies are completed or skipped
func (s *Store) Start(ctx context.Context, jobID, taskID string) error {
	return s.transition(ctx, change{
		jobID: jobID, taskID: taskID, op: "start",
		from: []Status{StatusRegistered}, to: StatusInProgress,
		checkDeps: true,
	})
}

// Complete finishes an in-progress task successfully
func (s *Store) Complete(ctx context.Context, jobID, taskID, outcome string) error {
	return s.transition(ctx, change{
		jobID: jobID, taskID: taskID, op: "complete",
		from: []Status{StatusInProgress}, to: StatusCompleted,
		outcome: outcome,
	})
}

// Fail finishes an in-progress task unsuccessfully
func (s *Store) Fail(ctx context.Context, jobID, taskID, reason string) error {
	return s.transition(ctx, change{
		jobID: jobID, taskID: taskID, op: "fail",
		from: []Status{StatusInProgress}, to: StatusFailed,
		reason: reason,
	})
}

// Skip abandons a registered or in-progress task
func (s *Store) Skip(ctx context.Context, jobID, taskID, reason string) error {
	return s.transition(ctx, change{
		jobID: jobID, taskID: taskID, op: "skip",
		from: []Status{StatusRegistered, StatusInProgress}, to: StatusSkipped,
		reason: reason,
	})
}

// Reset returns a failed or skipped task to registered so it can run again.
// The reset is logged and kept in the audit trail.
func (s *Store) Reset(ctx context.Context, jobID, taskID, reason string) error {
	err := s.transition(ctx, change{
		jobID: jobID, taskID: taskID, op: "reset",
		from: []Status{StatusFailed, StatusSkipped}, to: StatusRegistered,
		reason: reason,
	})
	if err == nil {
		s.logger.ForJob(jobID).Warn("task reset", "task_id", taskID, "reason", reason)
	}
	return err
}

// SkipInProgress skips every in-progress task of jobID and returns how many were skipped
func (s *Store) SkipInProgress(ctx context.Context, jobID, reason string) (int, error) {
	return store.Transact(ctx, s.db, func(tx *store.Tx) (int, error) {
		rows, err := tx.QueryContext(ctx,
			`SELECT task_id FROM tasks WHERE job_id = ? AND status = ? ORDER BY seq`,
			jobID, string(StatusInProgress))
		if err != nil {
			return 0, errors.Wrap(errors.ErrCodeStore, "query in-progress tasks", err)
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return 0, errors.Wrap(errors.ErrCodeStore, "scan task id", err)
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return 0, errors.Wrap(errors.ErrCodeStore, "iterate in-progress tasks", err)
		}

		now := s.now()
		for _, id := range ids {
			c := change{jobID: jobID, taskID: id, op: "skip", to: StatusSkipped, reason: reason}
			if err := s.apply(ctx, tx, c, StatusInProgress, now); err != nil {
				return 0, err
			}
		}
		return len(ids), nil
	})
}

// Get returns one task
func (s *Store) Get(ctx context.Context, jobID, taskID string) (Task, error) {
	row := s.db.QueryRowContext(ctx, selectTask+` WHERE job_id = ? AND task_id = ?`, jobID, taskID)
	t, err := scanTask(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return Task{}, errors.NewTaskNotFound(jobID, taskID)
	}
	return t, err
}

// List returns every task of jobID in registration order
func (s *Store) List(ctx context.Context, jobID string) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, selectTask+` WHERE job_id = ? ORDER BY seq`, jobID)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeStore, "query tasks", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrCodeStore, "iterate tasks", err)
	}
	return out, nil
}

// ListByStatus lazily yields jobID's tasks in status. The query runs when iteration
// starts and rows are streamed, so it never holds a lock writers need.
func (s *Store) ListByStatus(ctx context.Context, jobID string, status Status) iter.Seq2[Task, error] {
	return func(yield func(Task, error) bool) {
		rows, err := s.db.QueryContext(ctx,
			selectTask+` WHERE job_id = ? AND status = ? ORDER BY seq`, jobID, string(status))
		if err != nil {
			yield(Task{}, errors.Wrap(errors.ErrCodeStore, "query tasks", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			t, err := scanTask(rows)
			if err != nil {
				yield(Task{}, err)
				return
			}
			if !yield(t, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(Task{}, errors.Wrap(errors.ErrCodeStore, "iterate tasks", err))
		}
	}
}

// Counts returns the number of tasks per status for jobID
func (s *Store) Counts(ctx context.Context, jobID string) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM tasks WHERE job_id = ? GROUP BY status`, jobID)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeStore, "count tasks", err)
	}
	defer rows.Close()

	out := make(map[Status]int)
	for rows.Next() {
		var (
			st string
			n  int
		)
		if err := rows.Scan(&st, &n); err != nil {
			return nil, errors.Wrap(errors.ErrCodeStore, "scan task count", err)
		}
		out[Status(st)] = n
	}
	return out, rows.Err()
}

// Events returns the audit trail of one task, oldest first
func (s *Store) Events(ctx context.Context, jobID, taskID string) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT from_status, to_status, reason, at FROM task_events
		 WHERE job_id = ? AND task_id = ? ORDER BY at`, jobID, taskID)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeStore, "query task events", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			e        Event
			from, to string
			at       int64
		)
		if err := rows.Scan(&from, &to, &e.Reason, &at); err != nil {
			return nil, errors.Wrap(errors.ErrCodeStore, "scan task event", err)
		}
		e.JobID, e.TaskID = jobID, taskID
		e.From, e.To = Status(from), Status(to)
		e.At = store.Time(at)
		out = append(out, e)
	}
	return out, rows.Err()
}

type change struct {
	jobID, taskID string
	op            string
	from          []Status
	to            Status
	outcome       string
	reason        string
	checkDeps     bool
}

func (s *Store) transition(ctx context.Context, c change) error {
	_, err := store.Transact(ctx, s.db, func(tx *store.Tx) (struct{}, error) {
		var (
			current  string
			depsJSON string
		)
		err := tx.QueryRowContext(ctx,
			`SELECT status, depends_on FROM tasks WHERE job_id = ? AND task_id = ?`, c.jobID, c.taskID,
		).Scan(&current, &depsJSON)
		if stderrors.Is(err, sql.ErrNoRows) {
			return struct{}{}, errors.NewTaskNotFound(c.jobID, c.taskID)
		}
		if err != nil {
			return struct{}{}, errors.Wrap(errors.ErrCodeStore, "read task", err)
		}

		if !slices.Contains(c.from, Status(current)) {
			return struct{}{}, errors.NewInvalidState(c.taskID, current, c.op)
		}

		if c.checkDeps {
			var deps []string
			if err := json.Unmarshal([]byte(depsJSON), &deps); err != nil {
				return struct{}{}, errors.Wrap(errors.ErrCodeStore, "decode dependencies", err)
			}
			unmet, err := unmetDependencies(ctx, tx, c.jobID, deps)
			if err != nil {
				return struct{}{}, err
			}
			if len(unmet) > 0 {
				return struct{}{}, errors.NewDependencyNotSatisfied(c.taskID, unmet)
			}
		}

		return struct{}{}, s.apply(ctx, tx, c, Status(current), s.now())
	})
	return err
}

// apply writes the status change guarded on the current status and records the audit event
func (s *Store) apply(ctx context.Context, tx *store.Tx, c change, current Status, at time.Time) error {
	now := store.Nanos(at)

	var (
		res sql.Result
		err error
	)
	switch {
	case c.to == StatusInProgress:
		res, err = tx.ExecContext(ctx,
			`UPDATE tasks SET status = ?, started_at = ?, attempts = attempts + 1, updated_at = ?
			 WHERE job_id = ? AND task_id = ? AND status = ?`,
			string(c.to), now, now, c.jobID, c.taskID, string(current))
	case c.to == StatusRegistered:
		res, err = tx.ExecContext(ctx,
			`UPDATE tasks SET status = ?, started_at = NULL, finished_at = NULL, outcome = '', reason = ?, updated_at = ?
			 WHERE job_id = ? AND task_id = ? AND status = ?`,
			string(c.to), c.reason, now, c.jobID, c.taskID, string(current))
	default:
		res, err = tx.ExecContext(ctx,
			`UPDATE tasks SET status = ?, finished_at = ?, outcome = ?, reason = ?, updated_at = ?
			 WHERE job_id = ? AND task_id = ? AND status = ?`,
			string(c.to), now, c.outcome, c.reason, now, c.jobID, c.taskID, string(current))
	}
	if err != nil {
		return errors.Wrap(errors.ErrCodeStore, "update task", err)
	}
	n, err := store.RowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.NewInvalidState(c.taskID, string(current), c.op)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO task_events (job_id, task_id, from_status, to_status, reason, at) VALUES (?, ?, ?, ?, ?, ?)`,
		c.jobID, c.taskID, string(current), string(c.to), c.reason, now,
	); err != nil {
		return errors.Wrap(errors.ErrCodeStore, "record task event", err)
	}
	return nil
}

func unmetDependencies(ctx context.Context, tx *store.Tx, jobID string, deps []string) ([]string, error) {
	if len(deps) == 0 {
		return nil, nil
	}

	args := make([]any, 0, len(deps)+1)
	args = append(args, jobID)
	for _, d := range deps {
		args = append(args, d)
	}
	rows, err := tx.QueryContext(ctx,
		`SELECT task_id, status FROM tasks WHERE job_id = ? AND task_id IN (`+store.Placeholders(len(deps))+`)`,
		args...)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeStore, "query dependencies", err)
	}
	defer rows.Close()

	statuses := make(map[string]Status, len(deps))
	for rows.Next() {
		var id, st string
		if err := rows.Scan(&id, &st); err != nil {
			return nil, errors.Wrap(errors.ErrCodeStore, "scan dependency", err)
		}
		statuses[id] = Status(st)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrCodeStore, "iterate dependencies", err)
	}

	var unmet []string
	for _, d := range deps {
		if st, ok := statuses[d]; !ok || !st.SatisfiesDependency() {
			unmet = append(unmet, d)
		}
	}
	return unmet, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (Task, error) {
	var (
		t                   Task
		phase, status, deps string
		created             int64
		started, finished   sql.NullInt64
	)
	err := row.Scan(&t.JobID, &t.ID, &phase, &t.Type, &t.Description, &status, &deps,
		&t.Outcome, &t.Reason, &t.Attempts, &created, &started, &finished)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return Task{}, err
		}
		return Task{}, errors.Wrap(errors.ErrCodeStore, "scan task", err)
	}
	if err := json.Unmarshal([]byte(deps), &t.DependsOn); err != nil {
		return Task{}, errors.Wrap(errors.ErrCodeStore, "decode dependencies", err)
	}
	t.Phase = workflow.Phase(phase)
	t.Status = Status(status)
	t.CreatedAt = store.Time(created)
	t.StartedAt = store.TimePtr(started)
	t.FinishedAt = store.TimePtr(finished)
	return t, nil
}
