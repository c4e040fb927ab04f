package budget

import (
	"context"
	"database/sql"
	stderrors "errors"
	"sort"
	"sync"
	"time"

	"github.com/felixgeelhaar/foundry/internal/errors"
	"github.com/felixgeelhaar/foundry/internal/log"
	"github.com/felixgeelhaar/foundry/internal/store"
)

// globalScope is the job_id under which cross-job aggregates are kept
const globalScope = ""

const (
	dimTotal = "total"
	dimAgent = "agent"
	dimPhase = "phase"
	dimModel = "model"
)

// DefaultThresholds are the usage percentages at which a job's spend is logged as a warning
var DefaultThresholds = []int{50, 75, 90}

// Limits are the spend ceilings. A zero ceiling is unlimited.
type Limits struct {
	ProjectCeiling Money
	HourlyCeiling  Money
	Window         time.Duration
}

// DenyReason says which ceiling refused a reservation
type DenyReason string

const (
	DenyProjectCeiling DenyReason = "budget_project_ceiling"
	DenyHourlyCeiling  DenyReason = "budget_hourly_ceiling"
)

// Decision is the answer to Reserve. A denial is a normal outcome, not an error.
type Decision struct {
	Admitted  bool       `json:"admitted"`
	Reason    DenyReason `json:"reason,omitempty"`
	Estimate  Money      `json:"estimate_usd"`
	Committed Money      `json:"committed_usd"`
	Ceiling   Money      `json:"ceiling_usd"`
}

// Denied reports whether the call must not be made
func (d Decision) Denied() bool {
	return !d.Admitted
}

// Usage is the actual consumption of one completed call
type Usage struct {
	JobID            string
	Phase            string
	Agent            string
	Model            string
	Cost             Money
	PromptTokens     int
	CompletionTokens int
}

// Line is an aggregate of cost, tokens and calls
type Line struct {
	Cost   Money `json:"cost_usd"`
	Tokens int64 `json:"tokens"`
	Calls  int64 `json:"calls"`
}

// Report summarises committed spend for a job or, with an empty JobID, for all jobs
type Report struct {
	JobID       string          `json:"job_id,omitempty"`
	Total       Line            `json:"total"`
	Ceiling     Money           `json:"ceiling_usd"`
	PercentUsed float64         `json:"percent_used"`
	HourlySpend Money           `json:"hourly_spend_usd"`
	ByAgent     map[string]Line `json:"by_agent"`
	ByPhase     map[string]Line `json:"by_phase"`
	ByModel     map[string]Line `json:"by_model"`
}

// ThresholdFunc is notified the first time a job's spend crosses a warning threshold
type ThresholdFunc func(jobID string, threshold int, percent float64)

// Ledger records spend durably and gates new calls against the ceilings.
// Increments are applied as single atomic UPSERTs so concurrent Record calls
// from different jobs never lose an update.
type Ledger struct {
	db          *store.DB
	limits      Limits
	now         func() time.Time
	logger      *log.Logger
	thresholds  []int
	onThreshold ThresholdFunc

	mu     sync.Mutex
	warned map[string]int
}

// LedgerOption configures a Ledger
type LedgerOption func(*Ledger)

// WithLedgerClock overrides the time source
func WithLedgerClock(now func() time.Time) LedgerOption {
	return func(l *Ledger) { l.now = now }
}

// WithLedgerLogger sets the logger
func WithLedgerLogger(logger *log.Logger) LedgerOption {
	return func(l *Ledger) { l.logger = logger }
}

// WithThresholds replaces the warning thresholds
func WithThresholds(pcts []int) LedgerOption {
	return func(l *Ledger) {
		l.thresholds = append([]int(nil), pcts...)
		sort.Ints(l.thresholds)
	}
}

// OnThreshold registers a callback for threshold crossings
func OnThreshold(fn ThresholdFunc) LedgerOption {
	return func(l *Ledger) { l.onThreshold = fn }
}

// NewLedger creates a ledger backed by db
func NewLedger(db *store.DB, limits Limits, opts ...LedgerOption) *Ledger {
	if limits.Window <= 0 {
		limits.Window = time.Hour
	}
	l := &Ledger{
		db:         db,
		limits:     limits,
		now:        time.Now,
		logger:     log.L(),
		thresholds: DefaultThresholds,
		warned:     make(map[string]int),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Limits returns the configured ceilings
func (l *Ledger) Limits() Limits {
	return l.limits
}

// Reserve decides whether jobID may spend estimate more. Spending up to exactly a
// ceiling is admitted. Nothing is written: the actual cost is committed by Record.
func (l *Ledger) Reserve(ctx context.Context, jobID string, estimate Money) (Decision, error) {
	if estimate < 0 {
		estimate = 0
	}

	committed, err := l.committed(ctx, jobID)
	if err != nil {
		return Decision{}, err
	}
	d := Decision{Admitted: true, Estimate: estimate, Committed: committed, Ceiling: l.limits.ProjectCeiling}

	if l.limits.ProjectCeiling > 0 && committed+estimate > l.limits.ProjectCeiling {
		d.Admitted = false
		d.Reason = DenyProjectCeiling
		return d, nil
	}

	if l.limits.HourlyCeiling > 0 {
		hourly, err := l.windowSpend(ctx)
		if err != nil {
			return Decision{}, err
		}
		if hourly+estimate > l.limits.HourlyCeiling {
			return Decision{
				Admitted:  false,
				Reason:    DenyHourlyCeiling,
				Estimate:  estimate,
				Committed: hourly,
				Ceiling:   l.limits.HourlyCeiling,
			}, nil
		}
	}

	return d, nil
}

// Record commits the actual cost of a completed call to the job, agent, phase,
// model and global aggregates in one transaction
func (l *Ledger) Record(ctx context.Context, u Usage) error {
	if u.JobID == "" {
		return errors.New(errors.ErrCodeStore, "usage has no job id")
	}
	if u.Cost < 0 || u.PromptTokens < 0 || u.CompletionTokens < 0 {
		return errors.Newf(errors.ErrCodeStore, "negative usage for job %s", u.JobID)
	}
	tokens := int64(u.PromptTokens + u.CompletionTokens)

	type key struct{ job, dim, name string }
	keys := []key{
		{globalScope, dimTotal, ""},
		{u.JobID, dimTotal, ""},
	}
	if u.Agent != "" {
		keys = append(keys, key{globalScope, dimAgent, u.Agent}, key{u.JobID, dimAgent, u.Agent})
	}
	if u.Phase != "" {
		keys = append(keys, key{u.JobID, dimPhase, u.Phase})
	}
	if u.Model != "" {
		keys = append(keys, key{globalScope, dimModel, u.Model}, key{u.JobID, dimModel, u.Model})
	}

	_, err := store.Transact(ctx, l.db, func(tx *store.Tx) (struct{}, error) {
		for _, k := range keys {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO budget_totals (job_id, dimension, name, cost_micros, tokens, calls)
				 VALUES (?, ?, ?, ?, ?, 1)
				 ON CONFLICT (job_id, dimension, name) DO UPDATE SET
				   cost_micros = budget_totals.cost_micros + excluded.cost_micros,
				   tokens = budget_totals.tokens + excluded.tokens,
				   calls = budget_totals.calls + 1`,
				k.job, k.dim, k.name, int64(u.Cost), tokens,
			); err != nil {
				return struct{}{}, errors.Wrap(errors.ErrCodeStore, "increment budget totals", err)
			}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO budget_entries (job_id, phase, agent, model, cost_micros, prompt_tokens, completion_tokens, at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			u.JobID, u.Phase, u.Agent, u.Model, int64(u.Cost), u.PromptTokens, u.CompletionTokens, store.Nanos(l.now()),
		); err != nil {
			return struct{}{}, errors.Wrap(errors.ErrCodeStore, "append budget entry", err)
		}
		return struct{}{}, nil
	})
	if err != nil {
		return err
	}

	l.checkThresholds(ctx, u.JobID)
	return nil
}

// Report returns the committed totals for jobID
func (l *Ledger) Report(ctx context.Context, jobID string) (Report, error) {
	r, err := l.report(ctx, jobID)
	if err != nil {
		return Report{}, err
	}
	r.JobID = jobID
	r.Ceiling = l.limits.ProjectCeiling
	r.PercentUsed = r.Total.Cost.PercentOf(r.Ceiling)
	return r, nil
}

// GlobalReport returns the committed totals across all jobs
func (l *Ledger) GlobalReport(ctx context.Context) (Report, error) {
	r, err := l.report(ctx, globalScope)
	if err != nil {
		return Report{}, err
	}
	r.Ceiling = l.limits.HourlyCeiling
	r.PercentUsed = r.HourlySpend.PercentOf(r.Ceiling)
	return r, nil
}

func (l *Ledger) report(ctx context.Context, scope string) (Report, error) {
	r := Report{
		ByAgent: make(map[string]Line),
		ByPhase: make(map[string]Line),
		ByModel: make(map[string]Line),
	}

	rows, err := l.db.QueryContext(ctx,
		`SELECT dimension, name, cost_micros, tokens, calls FROM budget_totals WHERE job_id = ?`, scope)
	if err != nil {
		return r, errors.Wrap(errors.ErrCodeStore, "query budget totals", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			dim, name string
			line      Line
			cost      int64
		)
		if err := rows.Scan(&dim, &name, &cost, &line.Tokens, &line.Calls); err != nil {
			return r, errors.Wrap(errors.ErrCodeStore, "scan budget totals", err)
		}
		line.Cost = Money(cost)
		switch dim {
		case dimTotal:
			r.Total = line
		case dimAgent:
			r.ByAgent[name] = line
		case dimPhase:
			r.ByPhase[name] = line
		case dimModel:
			r.ByModel[name] = line
		}
	}
	if err := rows.Err(); err != nil {
		return r, errors.Wrap(errors.ErrCodeStore, "iterate budget totals", err)
	}

	hourly, err := l.windowSpendFor(ctx, scope)
	if err != nil {
		return r, err
	}
	r.HourlySpend = hourly
	return r, nil
}

func (l *Ledger) committed(ctx context.Context, jobID string) (Money, error) {
	var cost int64
	err := l.db.QueryRowContext(ctx,
		`SELECT cost_micros FROM budget_totals WHERE job_id = ? AND dimension = ? AND name = ''`,
		jobID, dimTotal,
	).Scan(&cost)
	if stderrors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(errors.ErrCodeStore, "read committed spend", err)
	}
	return Money(cost), nil
}

func (l *Ledger) windowSpend(ctx context.Context) (Money, error) {
	return l.windowSpendFor(ctx, globalScope)
}

func (l *Ledger) windowSpendFor(ctx context.Context, scope string) (Money, error) {
	since := store.Nanos(l.now().Add(-l.limits.Window))

	var (
		total sql.NullInt64
		err   error
	)
	if scope == globalScope {
		err = l.db.QueryRowContext(ctx,
			`SELECT SUM(cost_micros) FROM budget_entries WHERE at >= ?`, since).Scan(&total)
	} else {
		err = l.db.QueryRowContext(ctx,
			`SELECT SUM(cost_micros) FROM budget_entries WHERE job_id = ? AND at >= ?`, scope, since).Scan(&total)
	}
	if err != nil {
		return 0, errors.Wrap(errors.ErrCodeStore, "sum window spend", err)
	}
	return Money(total.Int64), nil
}

func (l *Ledger) checkThresholds(ctx context.Context, jobID string) {
	if l.limits.ProjectCeiling <= 0 || len(l.thresholds) == 0 {
		return
	}
	committed, err := l.committed(ctx, jobID)
	if err != nil {
		l.logger.ForJob(jobID).WithError(err).Warn("budget threshold check failed")
		return
	}
	pct := committed.PercentOf(l.limits.ProjectCeiling)

	crossed := 0
	for _, t := range l.thresholds {
		if pct >= float64(t) {
			crossed = t
		}
	}
	if crossed == 0 {
		return
	}

	l.mu.Lock()
	if l.warned[jobID] >= crossed {
		l.mu.Unlock()
		return
	}
	l.warned[jobID] = crossed
	l.mu.Unlock()

	l.logger.ForJob(jobID).Warn("budget threshold reached",
		"threshold_pct", crossed,
		"used_pct", pct,
		"committed_usd", committed.Decimal().String(),
		"ceiling_usd", l.limits.ProjectCeiling.Decimal().String())
	if l.onThreshold != nil {
		l.onThreshold(jobID, crossed, pct)
	}
}

// Forget drops per-job warning state once a job has finished
func (l *Ledger) Forget(jobID string) {
	l.mu.Lock()
	delete(l.warned, jobID)
	l.mu.Unlock()
}
