// Package exitcode maps command errors and finished jobs to process exit codes.
package exitcode

import (
	stderrors "errors"
	"os"
	"strings"

	"github.com/felixgeelhaar/foundry/internal/errors"
	"github.com/felixgeelhaar/foundry/internal/job"
)

// Exit codes for consistent error handling across the CLI
const (
	// Success indicates successful execution
	Success = 0

	// GeneralError indicates a general error condition
	GeneralError = 1

	// UsageError indicates invalid command usage (bad flags, missing args, etc.)
	UsageError = 2

	// JobFailed indicates a job finished as failed
	JobFailed = 3

	// QuotaExhausted indicates a job stopped at a budget ceiling
	QuotaExhausted = 4

	// Cancelled indicates a job was cancelled
	Cancelled = 5

	// NotFound indicates the named job does not exist
	NotFound = 6

	// ConfigError indicates invalid configuration
	ConfigError = 7

	// Conflict indicates the job is in a state that forbids the operation
	Conflict = 8

	// Interrupted indicates the command was stopped by SIGINT or SIGTERM
	Interrupted = 130
)

// Exit terminates the program with the given exit code
func Exit(code int) {
	os.Exit(code)
}

// ExitWithError exits with an appropriate code based on error type
func ExitWithError(err error) {
	Exit(DetermineExitCode(err))
}

// Error carries an explicit exit code through a command's error return
type Error struct {
	Code int
	Err  error
}

func (e *Error) Error() string { return e.Err.Error() }

func (e *Error) Unwrap() error { return e.Err }

// WithCode attaches code to err
func WithCode(code int, err error) error {
	return &Error{Code: code, Err: err}
}

// DetermineExitCode analyzes an error and returns the appropriate exit code
func DetermineExitCode(err error) int {
	var coded *Error
	switch {
	case err == nil:
		return Success
	case stderrors.As(err, &coded):
		return coded.Code
	case stderrors.Is(err, errors.ErrJobNotFound), stderrors.Is(err, errors.ErrTaskNotFound):
		return NotFound
	case stderrors.Is(err, errors.ErrConfigInvalid):
		return ConfigError
	case stderrors.Is(err, errors.ErrInvalidVision):
		return UsageError
	case stderrors.Is(err, errors.ErrAlreadyTerminal), stderrors.Is(err, errors.ErrAlreadyClaimed):
		return Conflict
	}

	// cobra reports flag and argument problems as plain errors
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"unknown flag", "invalid argument", "unknown command", "required flag", "accepts ", "requires at least"} {
		if strings.Contains(msg, s) {
			return UsageError
		}
	}
	return GeneralError
}

// ForJob returns the exit code a command waiting on j should report. Jobs that
// have not finished yet exit with Success.
func ForJob(j job.Job) int {
	switch j.Status {
	case job.StatusFailed:
		return JobFailed
	case job.StatusQuotaExhausted:
		return QuotaExhausted
	case job.StatusCancelled:
		return Cancelled
	default:
		return Success
	}
}

// GetExitCodeDescription returns a human-readable description of an exit code
func GetExitCodeDescription(code int) string {
	switch code {
	case Success:
		return "Success"
	case GeneralError:
		return "General error"
	case UsageError:
		return "Usage error (invalid flags or arguments)"
	case JobFailed:
		return "Job failed"
	case QuotaExhausted:
		return "Budget ceiling reached"
	case Cancelled:
		return "Job cancelled"
	case NotFound:
		return "Job not found"
	case ConfigError:
		return "Invalid configuration"
	case Conflict:
		return "Job state conflict"
	case Interrupted:
		return "Interrupted"
	default:
		return "Unknown error"
	}
}
