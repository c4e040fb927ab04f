package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for Foundry
type Metrics struct {
	// Job lifecycle metrics
	JobsSubmitted prometheus.Counter
	JobsClaimed   prometheus.Counter
	JobsFinished  *prometheus.CounterVec
	JobDuration   *prometheus.HistogramVec
	JobsRunning   prometheus.Gauge

	// Phase metrics
	PhaseDuration *prometheus.HistogramVec

	// Task metrics
	TaskTransitions *prometheus.CounterVec

	// Model call metrics
	LLMCalls   *prometheus.CounterVec
	LLMLatency *prometheus.HistogramVec
	LLMTokens  *prometheus.CounterVec
	LLMRetries *prometheus.CounterVec

	// Budget metrics
	BudgetSpend   *prometheus.CounterVec
	BudgetDenials *prometheus.CounterVec

	// Error metrics (by error code from structured errors)
	Errors *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance with all metrics registered
func NewMetrics(registry prometheus.Registerer) *Metrics {
	factory := promauto.With(registry)

	return &Metrics{
		// Job metrics
		JobsSubmitted: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "foundry_jobs_submitted_total",
				Help: "Total number of jobs submitted",
			},
		),
		JobsClaimed: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "foundry_jobs_claimed_total",
				Help: "Total number of jobs claimed by this process",
			},
		),
		JobsFinished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "foundry_jobs_finished_total",
				Help: "Total number of jobs reaching a terminal status",
			},
			[]string{"status", "reason"},
		),
		JobDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "foundry_job_duration_seconds",
				Help:    "Job run time from claim to terminal status in seconds",
				Buckets: []float64{1, 10, 30, 60, 300, 600, 1800, 3600, 7200},
			},
			[]string{"status"},
		),
		JobsRunning: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "foundry_jobs_running",
				Help: "Number of jobs currently executing in this process",
			},
		),

		// Phase metrics
		PhaseDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "foundry_phase_duration_seconds",
				Help:    "Workflow phase duration in seconds",
				Buckets: []float64{1.0, 5.0, 10.0, 30.0, 60.0, 120.0, 300.0, 600.0},
			},
			[]string{"phase", "outcome"},
		),

		// Task metrics
		TaskTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "foundry_task_transitions_total",
				Help: "Total number of task status transitions",
			},
			[]string{"status"},
		),

		// Model call metrics
		LLMCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "foundry_llm_calls_total",
				Help: "Total number of language model calls",
			},
			[]string{"agent", "outcome"},
		),
		LLMLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "foundry_llm_latency_seconds",
				Help:    "Language model call latency in seconds",
				Buckets: []float64{0.1, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0, 60.0, 120.0},
			},
			[]string{"agent"},
		),
		LLMTokens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "foundry_llm_tokens_total",
				Help: "Total tokens consumed by language model calls",
			},
			[]string{"model", "token_type"},
		),
		LLMRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "foundry_llm_retries_total",
				Help: "Total number of retried language model calls",
			},
			[]string{"agent", "kind"},
		),

		// Budget metrics
		BudgetSpend: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "foundry_budget_spend_usd_total",
				Help: "Total recorded model spend in US dollars",
			},
			[]string{"agent", "model"},
		),
		BudgetDenials: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "foundry_budget_denials_total",
				Help: "Total number of model calls refused by the budget",
			},
			[]string{"reason"},
		),

		// Error metrics (by structured error code)
		Errors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "foundry_errors_total",
				Help: "Total number of errors by error code",
			},
			[]string{"error_code", "component"},
		),
	}
}

// The helpers below are safe to call on a nil *Metrics so callers can run
// without instrumentation.

// JobStarted records a claimed job entering execution
func (m *Metrics) JobStarted() {
	if m == nil {
		return
	}
	m.JobsClaimed.Inc()
	m.JobsRunning.Inc()
}

// JobEnded records a claimed job reaching status after running for d
func (m *Metrics) JobEnded(status, reason string, d time.Duration) {
	if m == nil {
		return
	}
	m.JobsRunning.Dec()
	m.JobsFinished.WithLabelValues(status, reason).Inc()
	m.JobDuration.WithLabelValues(status).Observe(d.Seconds())
}

// PhaseEnded records one phase execution
func (m *Metrics) PhaseEnded(phase, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.PhaseDuration.WithLabelValues(phase, outcome).Observe(d.Seconds())
}

// TaskTransition records a task moving to status
func (m *Metrics) TaskTransition(status string) {
	if m == nil {
		return
	}
	m.TaskTransitions.WithLabelValues(status).Inc()
}

// LLMCall records one model attempt
func (m *Metrics) LLMCall(agent, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.LLMCalls.WithLabelValues(agent, outcome).Inc()
	m.LLMLatency.WithLabelValues(agent).Observe(d.Seconds())
}

// LLMUsage records tokens and spend of a successful call
func (m *Metrics) LLMUsage(agent, model string, promptTokens, completionTokens int, usd float64) {
	if m == nil {
		return
	}
	m.LLMTokens.WithLabelValues(model, "prompt").Add(float64(promptTokens))
	m.LLMTokens.WithLabelValues(model, "completion").Add(float64(completionTokens))
	m.BudgetSpend.WithLabelValues(agent, model).Add(usd)
}

// LLMRetry records a retried attempt
func (m *Metrics) LLMRetry(agent, kind string) {
	if m == nil {
		return
	}
	m.LLMRetries.WithLabelValues(agent, kind).Inc()
}

// BudgetDenied records a refused reservation
func (m *Metrics) BudgetDenied(reason string) {
	if m == nil {
		return
	}
	m.BudgetDenials.WithLabelValues(reason).Inc()
}

// Error records a structured error code seen by component
func (m *Metrics) Error(code, component string) {
	if m == nil || code == "" {
		return
	}
	m.Errors.WithLabelValues(code, component).Inc()
}
