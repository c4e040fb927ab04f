package exitcode

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/felixgeelhaar/foundry/internal/errors"
	"github.com/felixgeelhaar/foundry/internal/job"
)

func TestDetermineExitCode(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected int
	}{
		{"nil error returns success", nil, Success},
		{"missing job", errors.NewJobNotFound("j1"), NotFound},
		{"wrapped missing job", fmt.Errorf("status: %w", errors.NewJobNotFound("j1")), NotFound},
		{"bad config", errors.New(errors.ErrCodeConfigInvalid, "bad driver"), ConfigError},
		{"empty vision", errors.New(errors.ErrCodeInvalidVision, "vision is empty"), UsageError},
		{"finished job", errors.New(errors.ErrCodeAlreadyTerminal, "done"), Conflict},
		{"unknown flag", stderrors.New("unknown flag: --nope"), UsageError},
		{"wrong arg count", stderrors.New("accepts 1 arg(s), received 0"), UsageError},
		{"anything else", stderrors.New("disk full"), GeneralError},
		{"explicit code", WithCode(QuotaExhausted, stderrors.New("job j1 finished as quota_exhausted")), QuotaExhausted},
		{"explicit code wins", WithCode(JobFailed, errors.NewJobNotFound("j1")), JobFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, DetermineExitCode(tt.err))
		})
	}
}

func TestForJob(t *testing.T) {
	tests := []struct {
		status   job.Status
		expected int
	}{
		{job.StatusCompleted, Success},
		{job.StatusRunning, Success},
		{job.StatusFailed, JobFailed},
		{job.StatusQuotaExhausted, QuotaExhausted},
		{job.StatusCancelled, Cancelled},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.expected, ForJob(job.Job{Status: tt.status}))
		})
	}
}

func TestGetExitCodeDescription(t *testing.T) {
	for _, code := range []int{Success, GeneralError, UsageError, JobFailed, QuotaExhausted, Cancelled, NotFound, ConfigError, Conflict} {
		assert.NotEqual(t, "Unknown error", GetExitCodeDescription(code), "code %d", code)
	}
	assert.Equal(t, "Unknown error", GetExitCodeDescription(99))
}
