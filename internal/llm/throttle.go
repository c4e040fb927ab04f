package llm

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Throttle limits how fast calls reach the wrapped invoker. Waiting for a slot
// counts against the caller's context, so a per-call timeout includes queueing.
type Throttle struct {
	next    Invoker
	limiter *rate.Limiter
}

// NewThrottle allows requestsPerMinute calls with the given burst.
// A non-positive rate disables throttling.
func NewThrottle(next Invoker, requestsPerMinute, burst int) *Throttle {
	limit := rate.Inf
	if requestsPerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(requestsPerMinute))
	}
	if burst < 1 {
		burst = 1
	}
	return &Throttle{next: next, limiter: rate.NewLimiter(limit, burst)}
}

// Invoke implements Invoker
func (t *Throttle) Invoke(ctx context.Context, prompt string, cfg AgentConfig) (Response, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return Response{}, ctx.Err()
		}
		// the wait would outlast the deadline
		return Response{}, NewError(KindRateLimited, err)
	}
	return t.next.Invoke(ctx, prompt, cfg)
}
