// Package errors defines the coded error type shared by every foundry component.
//
// Each failure the orchestrator reports to a caller carries a stable ErrorCode so
// callers can branch on the condition with errors.Is against the exported
// sentinels, while the message and cause stay free-form:
//
//	if errors.Is(err, fe.ErrAlreadyClaimed) {
//	    // another runner owns the job
//	}
package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// ErrorCode represents a unique error identifier
type ErrorCode string

const (
	// Workflow errors (WF-001 to WF-099)
	ErrCodeInvalidTransition ErrorCode = "WF-001"
	ErrCodeUnknownPhase      ErrorCode = "WF-002"

	// Task errors (TASK-001 to TASK-099)
	ErrCodeDependencyNotSatisfied ErrorCode = "TASK-001"
	ErrCodeDuplicateTask          ErrorCode = "TASK-002"
	ErrCodeInvalidState           ErrorCode = "TASK-003"
	ErrCodeTaskNotFound           ErrorCode = "TASK-004"
	ErrCodeInvalidTask            ErrorCode = "TASK-005"

	// Job errors (JOB-001 to JOB-099)
	ErrCodeAlreadyClaimed  ErrorCode = "JOB-001"
	ErrCodeAlreadyTerminal ErrorCode = "JOB-002"
	ErrCodeJobNotFound     ErrorCode = "JOB-003"
	ErrCodeNotTerminal     ErrorCode = "JOB-004"
	ErrCodeInvalidVision   ErrorCode = "JOB-005"
	ErrCodeNotClaimed      ErrorCode = "JOB-006"

	// Workspace errors (WS-001 to WS-099)
	ErrCodeWorkspaceConflict ErrorCode = "WS-001"
	ErrCodeWorkspacePath     ErrorCode = "WS-002"

	// LLM errors (LLM-001 to LLM-099)
	ErrCodeLLMTransient ErrorCode = "LLM-001"
	ErrCodeLLMFatal     ErrorCode = "LLM-002"

	// Infrastructure errors
	ErrCodeConfigInvalid ErrorCode = "CFG-001"
	ErrCodeStore         ErrorCode = "STORE-001"
)

// Sentinels for errors.Is. A FoundryError matches a sentinel when the codes agree.
var (
	ErrInvalidTransition      = &FoundryError{Code: ErrCodeInvalidTransition}
	ErrUnknownPhase           = &FoundryError{Code: ErrCodeUnknownPhase}
	ErrDependencyNotSatisfied = &FoundryError{Code: ErrCodeDependencyNotSatisfied}
	ErrDuplicateTask          = &FoundryError{Code: ErrCodeDuplicateTask}
	ErrInvalidState           = &FoundryError{Code: ErrCodeInvalidState}
	ErrTaskNotFound           = &FoundryError{Code: ErrCodeTaskNotFound}
	ErrInvalidTask            = &FoundryError{Code: ErrCodeInvalidTask}
	ErrAlreadyClaimed         = &FoundryError{Code: ErrCodeAlreadyClaimed}
	ErrAlreadyTerminal        = &FoundryError{Code: ErrCodeAlreadyTerminal}
	ErrJobNotFound            = &FoundryError{Code: ErrCodeJobNotFound}
	ErrNotTerminal            = &FoundryError{Code: ErrCodeNotTerminal}
	ErrInvalidVision          = &FoundryError{Code: ErrCodeInvalidVision}
	ErrNotClaimed             = &FoundryError{Code: ErrCodeNotClaimed}
	ErrWorkspaceConflict      = &FoundryError{Code: ErrCodeWorkspaceConflict}
	ErrWorkspacePath          = &FoundryError{Code: ErrCodeWorkspacePath}
	ErrLLMTransient           = &FoundryError{Code: ErrCodeLLMTransient}
	ErrLLMFatal               = &FoundryError{Code: ErrCodeLLMFatal}
	ErrConfigInvalid          = &FoundryError{Code: ErrCodeConfigInvalid}
	ErrStore                  = &FoundryError{Code: ErrCodeStore}
)

// FoundryError is an error with a stable code, optional remediation hints and a cause
type FoundryError struct {
	Code        ErrorCode
	Message     string
	Suggestions []string
	Cause       error
}

// Error implements the error interface
func (e *FoundryError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "error"
	}
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, msg, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, msg)
}

// Detail renders the error with its suggestions for terminal output
func (e *FoundryError) Detail() string {
	var b strings.Builder
	b.WriteString(e.Error())
	if len(e.Suggestions) > 0 {
		b.WriteString("\n\nSuggestions:")
		for _, s := range e.Suggestions {
			b.WriteString("\n  • ")
			b.WriteString(s)
		}
	}
	return b.String()
}

// Unwrap implements error unwrapping for errors.Is and errors.As
func (e *FoundryError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a FoundryError with the same code
func (e *FoundryError) Is(target error) bool {
	t, ok := target.(*FoundryError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// New creates a new FoundryError
func New(code ErrorCode, message string) *FoundryError {
	return &FoundryError{Code: code, Message: message}
}

// Newf creates a new FoundryError with a formatted message
func Newf(code ErrorCode, format string, args ...any) *FoundryError {
	return &FoundryError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a new FoundryError around cause
func Wrap(code ErrorCode, message string, cause error) *FoundryError {
	return &FoundryError{Code: code, Message: message, Cause: cause}
}

// WithSuggestion adds a suggestion to the error
func (e *FoundryError) WithSuggestion(suggestion string) *FoundryError {
	e.Suggestions = append(e.Suggestions, suggestion)
	return e
}

// CodeOf returns the code of the first FoundryError in err's chain, or "" if none
func CodeOf(err error) ErrorCode {
	var fe *FoundryError
	if stderrors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// HasCode reports whether err's chain contains a FoundryError with code
func HasCode(err error, code ErrorCode) bool {
	return stderrors.Is(err, &FoundryError{Code: code})
}

// NewInvalidTransition reports a workflow move the transition table forbids
func NewInvalidTransition(from, to string) *FoundryError {
	return Newf(ErrCodeInvalidTransition, "invalid transition %s -> %s", from, to)
}

// NewDependencyNotSatisfied reports a task started before its dependencies completed
func NewDependencyNotSatisfied(taskID string, unmet []string) *FoundryError {
	return Newf(ErrCodeDependencyNotSatisfied, "task %q has unmet dependencies: %s", taskID, strings.Join(unmet, ", "))
}

// NewDuplicateTask reports a task id registered twice within one job
func NewDuplicateTask(jobID, taskID string) *FoundryError {
	return Newf(ErrCodeDuplicateTask, "task %q already registered for job %s", taskID, jobID)
}

// NewInvalidState reports a task operation that is not legal from the current status
func NewInvalidState(taskID, current, op string) *FoundryError {
	return Newf(ErrCodeInvalidState, "cannot %s task %q in status %s", op, taskID, current)
}

// NewTaskNotFound reports an unknown task
func NewTaskNotFound(jobID, taskID string) *FoundryError {
	return Newf(ErrCodeTaskNotFound, "task %q not found in job %s", taskID, jobID)
}

// NewAlreadyClaimed reports a claim on a job that is not queued
func NewAlreadyClaimed(jobID, status string) *FoundryError {
	return Newf(ErrCodeAlreadyClaimed, "job %s is %s and cannot be claimed", jobID, status).
		WithSuggestion("Check the job with 'foundry status " + jobID + "'")
}

// NewAlreadyTerminal reports a second finish on a job
func NewAlreadyTerminal(jobID, status string) *FoundryError {
	return Newf(ErrCodeAlreadyTerminal, "job %s already finished as %s", jobID, status)
}

// NewJobNotFound reports an unknown job
func NewJobNotFound(jobID string) *FoundryError {
	return Newf(ErrCodeJobNotFound, "job %s not found", jobID).
		WithSuggestion("List jobs with 'foundry jobs'")
}

// NewWorkspaceConflict reports a workspace directory owned by another job
func NewWorkspaceConflict(path, owner string) *FoundryError {
	return Newf(ErrCodeWorkspaceConflict, "workspace %s is owned by job %s", path, owner).
		WithSuggestion("Choose a different workspace root or remove the stale directory")
}
