package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	if m == nil {
		t.Fatal("expected metrics, got nil")
	}

	tests := []struct {
		name   string
		metric interface{}
	}{
		{"JobsSubmitted", m.JobsSubmitted},
		{"JobsClaimed", m.JobsClaimed},
		{"JobsFinished", m.JobsFinished},
		{"JobDuration", m.JobDuration},
		{"JobsRunning", m.JobsRunning},
		{"PhaseDuration", m.PhaseDuration},
		{"TaskTransitions", m.TaskTransitions},
		{"LLMCalls", m.LLMCalls},
		{"LLMLatency", m.LLMLatency},
		{"LLMTokens", m.LLMTokens},
		{"LLMRetries", m.LLMRetries},
		{"BudgetSpend", m.BudgetSpend},
		{"BudgetDenials", m.BudgetDenials},
		{"Errors", m.Errors},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.metric == nil {
				t.Errorf("%s metric is nil", tt.name)
			}
		})
	}
}

func TestJobMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.JobStarted()
	m.JobStarted()
	m.JobEnded("completed", "completed", 90*time.Second)

	if got := testutil.ToFloat64(m.JobsClaimed); got != 2 {
		t.Errorf("JobsClaimed = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.JobsRunning); got != 1 {
		t.Errorf("JobsRunning = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.JobsFinished.WithLabelValues("completed", "completed")); got != 1 {
		t.Errorf("JobsFinished = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(m.JobDuration); got != 1 {
		t.Errorf("JobDuration series = %v, want 1", got)
	}
}

func TestLLMMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.LLMCall("design", "ok", 2*time.Second)
	m.LLMCall("design", "rate_limited", time.Second)
	m.LLMRetry("design", "rate_limited")
	m.LLMUsage("design", "gpt-4o-mini", 1000, 500, 0.25)
	m.LLMUsage("design", "gpt-4o-mini", 10, 5, 0.25)

	if got := testutil.ToFloat64(m.LLMCalls.WithLabelValues("design", "ok")); got != 1 {
		t.Errorf("LLMCalls ok = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.LLMRetries.WithLabelValues("design", "rate_limited")); got != 1 {
		t.Errorf("LLMRetries = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.LLMTokens.WithLabelValues("gpt-4o-mini", "prompt")); got != 1010 {
		t.Errorf("LLMTokens prompt = %v, want 1010", got)
	}
	if got := testutil.ToFloat64(m.LLMTokens.WithLabelValues("gpt-4o-mini", "completion")); got != 505 {
		t.Errorf("LLMTokens completion = %v, want 505", got)
	}
	if got := testutil.ToFloat64(m.BudgetSpend.WithLabelValues("design", "gpt-4o-mini")); got != 0.5 {
		t.Errorf("BudgetSpend = %v, want 0.5", got)
	}
}

func TestBudgetAndErrorMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.BudgetDenied("budget_project_ceiling")
	m.PhaseEnded("DESIGN", "quota_exhausted", 3*time.Second)
	m.TaskTransition("skipped")
	m.Error("JOB-001", "runner")
	m.Error("", "runner")

	if got := testutil.ToFloat64(m.BudgetDenials.WithLabelValues("budget_project_ceiling")); got != 1 {
		t.Errorf("BudgetDenials = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.TaskTransitions.WithLabelValues("skipped")); got != 1 {
		t.Errorf("TaskTransitions = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(m.Errors); got != 1 {
		t.Errorf("Errors series = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(m.PhaseDuration); got != 1 {
		t.Errorf("PhaseDuration series = %v, want 1", got)
	}
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics

	m.JobStarted()
	m.JobEnded("failed", "llm_fatal", time.Second)
	m.PhaseEnded("META", "ok", time.Second)
	m.TaskTransition("completed")
	m.LLMCall("meta", "ok", time.Second)
	m.LLMUsage("meta", "echo", 1, 1, 0)
	m.LLMRetry("meta", "timeout")
	m.BudgetDenied("budget_hourly_ceiling")
	m.Error("LLM-002", "runner")
}
