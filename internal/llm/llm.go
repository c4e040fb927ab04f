// Package llm is the boundary to language model providers. Everything the job
// runner needs from a model is Invoke: a prompt in, text and token usage out,
// or a classified error saying whether trying again could help.
package llm

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/felixgeelhaar/foundry/internal/errors"
)

// Invoker calls a language model
type Invoker interface {
	Invoke(ctx context.Context, prompt string, cfg AgentConfig) (Response, error)
}

// InvokerFunc adapts a function to Invoker
type InvokerFunc func(ctx context.Context, prompt string, cfg AgentConfig) (Response, error)

// Invoke implements Invoker
func (f InvokerFunc) Invoke(ctx context.Context, prompt string, cfg AgentConfig) (Response, error) {
	return f(ctx, prompt, cfg)
}

// AgentConfig describes one call on behalf of an agent
type AgentConfig struct {
	// Agent names the caller, e.g. "design"
	Agent string

	// Step names the agent step within its phase
	Step string

	// Model is the provider model id
	Model string

	// System is the system prompt
	System string

	// MaxTokens limits the completion. 0 uses the provider default.
	MaxTokens int

	// Temperature controls sampling randomness
	Temperature float64

	// Timeout bounds the call. 0 means no limit beyond the caller's context.
	Timeout time.Duration

	// JSON asks the provider for a JSON object reply
	JSON bool
}

// TokenUsage is what a call consumed
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Total is prompt plus completion tokens
func (u TokenUsage) Total() int {
	return u.PromptTokens + u.CompletionTokens
}

// Response is a successful completion
type Response struct {
	Text  string     `json:"text"`
	Model string     `json:"model"`
	Usage TokenUsage `json:"usage"`
}

// Kind classifies an invocation failure
type Kind int

const (
	KindTimeout Kind = iota + 1
	KindRateLimited
	KindProvider
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindRateLimited:
		return "rate_limited"
	case KindProvider:
		return "provider_error"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Retryable reports whether another attempt may succeed
func (k Kind) Retryable() bool {
	return k == KindTimeout || k == KindRateLimited || k == KindProvider
}

// Error is a classified invocation failure. It matches errors.ErrLLMTransient or
// errors.ErrLLMFatal under errors.Is depending on its kind.
type Error struct {
	Kind Kind
	Err  error
}

// NewError classifies err
func NewError(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Errorf builds a classified error from a message
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return "llm " + e.Kind.String()
	}
	return fmt.Sprintf("llm %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is maps the kind onto the coded transient and fatal sentinels
func (e *Error) Is(target error) bool {
	fe, ok := target.(*errors.FoundryError)
	if !ok {
		return false
	}
	if e.Kind.Retryable() {
		return fe.Code == errors.ErrCodeLLMTransient
	}
	return fe.Code == errors.ErrCodeLLMFatal
}

// Code returns the coded error class for logging
func (e *Error) Code() errors.ErrorCode {
	if e.Kind.Retryable() {
		return errors.ErrCodeLLMTransient
	}
	return errors.ErrCodeLLMFatal
}

// KindOf returns the classification of err. Deadline errors count as timeouts;
// anything unclassified is a provider error.
func KindOf(err error) Kind {
	var le *Error
	if stderrors.As(err, &le) {
		return le.Kind
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var fe *errors.FoundryError
	if stderrors.As(err, &fe) && fe.Code == errors.ErrCodeLLMFatal {
		return KindFatal
	}
	return KindProvider
}

// Retryable reports whether err is worth another attempt. Cancellation of the
// caller's context never is.
func Retryable(err error) bool {
	if err == nil || stderrors.Is(err, context.Canceled) {
		return false
	}
	return KindOf(err).Retryable()
}

// Call invokes inv with cfg.Timeout applied. A deadline hit by that timeout is a
// KindTimeout error; a deadline or cancellation of ctx itself is returned as is.
func Call(ctx context.Context, inv Invoker, prompt string, cfg AgentConfig) (Response, error) {
	callCtx := ctx
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	resp, err := inv.Invoke(callCtx, prompt, cfg)
	if err == nil {
		return resp, nil
	}
	if ctx.Err() != nil {
		return Response{}, ctx.Err()
	}
	if callCtx.Err() != nil {
		var le *Error
		if !stderrors.As(err, &le) {
			return Response{}, NewError(KindTimeout, fmt.Errorf("%s call exceeded %s: %w", cfg.Agent, cfg.Timeout, err))
		}
	}
	return Response{}, err
}
