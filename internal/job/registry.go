package job

import (
	"context"
	"database/sql"
	stderrors "errors"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/foundry/internal/errors"
	"github.com/felixgeelhaar/foundry/internal/log"
	"github.com/felixgeelhaar/foundry/internal/store"
	"github.com/felixgeelhaar/foundry/internal/workflow"
)

const selectJob = `SELECT id, vision, status, current_phase, progress, error, reason, workspace_path,
	cancel_requested, created_at, started_at, completed_at, updated_at FROM jobs`

// MaxVisionLength bounds the size of a submitted vision
const MaxVisionLength = 64 * 1024

// Registry persists jobs and tracks which of them this process is running
type Registry struct {
	db            *store.DB
	logger        *log.Logger
	now           func() time.Time
	newID         func() string
	workspaceRoot string

	mu      sync.Mutex
	running map[string]*Handle
}

// Option configures a Registry
type Option func(*Registry)

// WithLogger sets the logger
func WithLogger(l *log.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithWorkspaceRoot sets the directory under which job workspaces are assigned
func WithWorkspaceRoot(root string) Option {
	return func(r *Registry) { r.workspaceRoot = root }
}

// WithIDGenerator overrides uuid generation
func WithIDGenerator(fn func() string) Option {
	return func(r *Registry) { r.newID = fn }
}

// NewRegistry creates a registry backed by db
func NewRegistry(db *store.DB, opts ...Option) *Registry {
	r := &Registry{
		db:            db,
		logger:        log.L(),
		now:           time.Now,
		newID:         uuid.NewString,
		workspaceRoot: "workspaces",
		running:       make(map[string]*Handle),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Submit records a new queued job for vision
func (r *Registry) Submit(ctx context.Context, vision string) (Job, error) {
	return r.SubmitTx(ctx, r.db, vision)
}

// SubmitTx is Submit on an existing connection or transaction, so callers can
// create related rows atomically with the job
func (r *Registry) SubmitTx(ctx context.Context, conn store.Conn, vision string) (Job, error) {
	vision = strings.TrimSpace(vision)
	if vision == "" {
		return Job{}, errors.New(errors.ErrCodeInvalidVision, "vision must not be empty")
	}
	if len(vision) > MaxVisionLength {
		return Job{}, errors.Newf(errors.ErrCodeInvalidVision, "vision exceeds %d bytes", MaxVisionLength)
	}

	now := r.now().UTC()
	j := Job{
		ID:        r.newID(),
		Vision:    vision,
		Status:    StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	j.WorkspacePath = filepath.Join(r.workspaceRoot, j.ID)

	if _, err := conn.ExecContext(ctx,
		`INSERT INTO jobs (id, vision, status, workspace_path, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		j.ID, j.Vision, string(j.Status), j.WorkspacePath, store.Nanos(now), store.Nanos(now),
	); err != nil {
		return Job{}, errors.Wrap(errors.ErrCodeStore, "insert job", err)
	}

	r.logger.ForJob(j.ID).Info("job submitted", "workspace", j.WorkspacePath)
	return j, nil
}

// Claim moves a queued job to running and registers it in the running index.
// Exactly one concurrent caller wins; the rest get AlreadyClaimed. The handle is
// indexed before the row changes, so no reader in this process sees the job
// running without an owner.
func (r *Registry) Claim(ctx context.Context, jobID string) (*Handle, error) {
	now := r.now()
	h := newHandle(jobID, now)

	r.mu.Lock()
	if _, taken := r.running[jobID]; taken {
		r.mu.Unlock()
		return nil, errors.NewAlreadyClaimed(jobID, string(StatusRunning))
	}
	r.running[jobID] = h
	r.mu.Unlock()

	if err := r.claim(ctx, jobID, now); err != nil {
		r.release(jobID)
		return nil, err
	}

	r.logger.ForJob(jobID).Info("job claimed")
	return h, nil
}

func (r *Registry) claim(ctx context.Context, jobID string, now time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, started_at = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(StatusRunning), store.Nanos(now), store.Nanos(now), jobID, string(StatusQueued))
	if err != nil {
		return errors.Wrap(errors.ErrCodeStore, "claim job", err)
	}
	n, err := store.RowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		j, err := r.Get(ctx, jobID)
		if err != nil {
			return err
		}
		return errors.NewAlreadyClaimed(jobID, string(j.Status))
	}
	return nil
}

// UpdateProgress records the phase a running job is in. Progress never decreases:
// a smaller percent than the stored one leaves the stored value.
func (r *Registry) UpdateProgress(ctx context.Context, jobID string, phase workflow.Phase, percent int) error {
	percent = max(0, min(100, percent))
	res, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET current_phase = ?,
		   progress = CASE WHEN progress > ? THEN progress ELSE ? END,
		   updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(phase), percent, percent, store.Nanos(r.now()), jobID, string(StatusRunning))
	if err != nil {
		return errors.Wrap(errors.ErrCodeStore, "update progress", err)
	}
	n, err := store.RowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return r.notRunning(ctx, jobID)
	}
	return nil
}

// Finish moves a job to a terminal status. A job finishes at most once: later
// calls return AlreadyTerminal and leave the stored record untouched. Only a
// cancellation may finish a job that was never claimed.
func (r *Registry) Finish(ctx context.Context, jobID string, status Status, opts FinishOptions) (Job, error) {
	if !status.IsTerminal() {
		return Job{}, errors.Newf(errors.ErrCodeNotTerminal, "status %s is not terminal", status)
	}
	if opts.Reason == "" {
		opts.Reason = defaultReason(status)
	}
	if status != StatusCompleted && opts.Error == "" {
		opts.Error = string(opts.Reason)
	}

	from := []Status{StatusRunning}
	if status == StatusCancelled {
		from = append(from, StatusQueued)
	}
	return r.finish(ctx, jobID, status, opts, from)
}

func (r *Registry) finish(ctx context.Context, jobID string, status Status, opts FinishOptions, from []Status) (Job, error) {
	now := store.Nanos(r.now())
	var (
		set  = []string{"status = ?", "error = ?", "reason = ?", "completed_at = ?", "updated_at = ?"}
		args = []any{string(status), opts.Error, string(opts.Reason), now, now}
	)
	if status == StatusCompleted {
		set = append(set, "progress = 100")
	}
	if opts.Phase != "" {
		set = append(set, "current_phase = ?")
		args = append(args, string(opts.Phase))
	}
	args = append(args, jobID)
	for _, st := range from {
		args = append(args, string(st))
	}

	res, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET `+strings.Join(set, ", ")+` WHERE id = ? AND status IN (`+store.Placeholders(len(from))+`)`,
		args...)
	if err != nil {
		return Job{}, errors.Wrap(errors.ErrCodeStore, "finish job", err)
	}
	n, err := store.RowsAffected(res)
	if err != nil {
		return Job{}, err
	}
	if n == 0 {
		return Job{}, r.notRunning(ctx, jobID)
	}

	r.release(jobID)

	j, err := r.Get(ctx, jobID)
	if err != nil {
		return Job{}, err
	}
	r.logger.ForJob(jobID).Info("job finished",
		"status", string(status), "reason", string(opts.Reason), "phase", string(j.CurrentPhase))
	return j, nil
}

// RequestCancel asks for jobID to stop. A queued job is cancelled at once; a running
// job has its durable flag set and, if it runs in this process, its handle cancelled.
func (r *Registry) RequestCancel(ctx context.Context, jobID string) (Job, error) {
	j, err := r.Get(ctx, jobID)
	if err != nil {
		return Job{}, err
	}

	switch {
	case j.Status.IsTerminal():
		return j, errors.NewAlreadyTerminal(jobID, string(j.Status))
	case j.Status == StatusQueued:
		finished, err := r.finish(ctx, jobID, StatusCancelled,
			FinishOptions{Reason: ReasonCancelRequested, Error: "cancelled before start"},
			[]Status{StatusQueued})
		if err == nil || !errors.HasCode(err, errors.ErrCodeNotClaimed) {
			return finished, err
		}
		// claimed between the read and the update, so set the flag instead
	}

	res, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET cancel_requested = 1, updated_at = ? WHERE id = ? AND status = ?`,
		store.Nanos(r.now()), jobID, string(StatusRunning))
	if err != nil {
		return Job{}, errors.Wrap(errors.ErrCodeStore, "request cancel", err)
	}
	n, err := store.RowsAffected(res)
	if err != nil {
		return Job{}, err
	}
	if n == 0 {
		return Job{}, r.notRunning(ctx, jobID)
	}

	if h, ok := r.Handle(jobID); ok {
		h.Cancel()
	}
	r.logger.ForJob(jobID).Info("job cancel requested")
	return r.Get(ctx, jobID)
}

// CancelRequested reports whether jobID's durable cancel flag is set
func (r *Registry) CancelRequested(ctx context.Context, jobID string) (bool, error) {
	var flag int
	err := r.db.QueryRowContext(ctx, `SELECT cancel_requested FROM jobs WHERE id = ?`, jobID).Scan(&flag)
	if stderrors.Is(err, sql.ErrNoRows) {
		return false, errors.NewJobNotFound(jobID)
	}
	if err != nil {
		return false, errors.Wrap(errors.ErrCodeStore, "read cancel flag", err)
	}
	return flag != 0, nil
}

// Get returns one job
func (r *Registry) Get(ctx context.Context, jobID string) (Job, error) {
	j, err := scanJob(r.db.QueryRowContext(ctx, selectJob+` WHERE id = ?`, jobID))
	if stderrors.Is(err, sql.ErrNoRows) {
		return Job{}, errors.NewJobNotFound(jobID)
	}
	return j, err
}

// List returns jobs matching f, newest first
func (r *Registry) List(ctx context.Context, f Filter, p Page) ([]Job, error) {
	var (
		where []string
		args  []any
	)
	if len(f.Statuses) > 0 {
		where = append(where, "status IN ("+store.Placeholders(len(f.Statuses))+")")
		for _, s := range f.Statuses {
			args = append(args, string(s))
		}
	}
	if !f.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, store.Nanos(f.Since))
	}

	q := selectJob
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	if p.Limit <= 0 {
		p.Limit = DefaultPageLimit
	}
	q += " ORDER BY created_at DESC, id LIMIT ? OFFSET ?"
	args = append(args, p.Limit, max(0, p.Offset))

	return r.query(ctx, q, args...)
}

// ListQueued returns up to limit queued jobs, oldest first
func (r *Registry) ListQueued(ctx context.Context, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	return r.query(ctx, selectJob+` WHERE status = ? ORDER BY created_at, id LIMIT ?`, string(StatusQueued), limit)
}

// FindOrphanedRunningJobs returns jobs recorded as running that this process is not executing
func (r *Registry) FindOrphanedRunningJobs(ctx context.Context) ([]Job, error) {
	jobs, err := r.query(ctx, selectJob+` WHERE status = ? ORDER BY created_at, id`, string(StatusRunning))
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	orphans := jobs[:0]
	for _, j := range jobs {
		if _, live := r.running[j.ID]; !live {
			orphans = append(orphans, j)
		}
	}
	return orphans, nil
}

// MarkOrphaned fails a running job that no process is executing
func (r *Registry) MarkOrphaned(ctx context.Context, jobID string) (Job, error) {
	if _, live := r.Handle(jobID); live {
		return Job{}, errors.Newf(errors.ErrCodeAlreadyClaimed, "job %s is running in this process", jobID)
	}
	return r.Finish(ctx, jobID, StatusFailed, FinishOptions{
		Reason: ReasonOrphaned,
		Error:  "job was running when its process stopped",
	})
}

// Running lists the handles of jobs executing in this process, ordered by job id
func (r *Registry) Running() []*Handle {
	r.mu.Lock()
	out := make([]*Handle, 0, len(r.running))
	for _, h := range r.running {
		out = append(out, h)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].JobID < out[j].JobID })
	return out
}

// Handle returns the running handle for jobID
func (r *Registry) Handle(jobID string) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.running[jobID]
	return h, ok
}

func (r *Registry) release(jobID string) {
	r.mu.Lock()
	delete(r.running, jobID)
	r.mu.Unlock()
}

// notRunning explains why a write guarded on status running matched nothing
func (r *Registry) notRunning(ctx context.Context, jobID string) error {
	j, err := r.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if j.Status.IsTerminal() {
		return errors.NewAlreadyTerminal(jobID, string(j.Status))
	}
	return errors.Newf(errors.ErrCodeNotClaimed, "job %s is %s, not running", jobID, j.Status)
}

func (r *Registry) query(ctx context.Context, q string, args ...any) ([]Job, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeStore, "query jobs", err)
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrCodeStore, "iterate jobs", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (Job, error) {
	var (
		j                     Job
		status, phase, reason string
		cancel                int
		created, updated      int64
		started, completed    sql.NullInt64
	)
	err := row.Scan(&j.ID, &j.Vision, &status, &phase, &j.Progress, &j.Error, &reason, &j.WorkspacePath,
		&cancel, &created, &started, &completed, &updated)
	if stderrors.Is(err, sql.ErrNoRows) {
		return Job{}, err
	}
	if err != nil {
		return Job{}, errors.Wrap(errors.ErrCodeStore, "scan job", err)
	}
	j.Status = Status(status)
	j.CurrentPhase = workflow.Phase(phase)
	j.Reason = Reason(reason)
	j.CancelRequested = cancel != 0
	j.CreatedAt = store.Time(created)
	j.UpdatedAt = store.Time(updated)
	j.StartedAt = store.TimePtr(started)
	j.CompletedAt = store.TimePtr(completed)
	return j, nil
}
