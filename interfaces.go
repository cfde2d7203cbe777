package nagare

import (
	"context"
)

// FallbackProvider supplies a substitute result when a task of its registered
// type fails terminally (retries exhausted or breaker open). A nil error from
// Fallback substitutes the returned value; the task is still reported failed
// with FallbackUsed set, but dependents see it as satisfied.
type FallbackProvider interface {
	Fallback(ctx context.Context, task Task, cause error) (any, error)
}

// FallbackFunc adapts a function to the FallbackProvider interface.
type FallbackFunc func(ctx context.Context, task Task, cause error) (any, error)

func (f FallbackFunc) Fallback(ctx context.Context, task Task, cause error) (any, error) {
	return f(ctx, task, cause)
}
