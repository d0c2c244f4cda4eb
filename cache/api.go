package cache

import "context"

// Call is one invocation signature: positional and named arguments.
type Call struct {
	Args  []any
	Named map[string]any
}

// Args builds a Call from positional arguments.
func Args(args ...any) Call { return Call{Args: args} }

// Named builds a Call from named arguments.
func Named(kw map[string]any) Call { return Call{Named: kw} }

// Outcome is what a computation returns: either a value to cache, or a
// substitute value with the instruction not to cache anything.
type Outcome[T any] struct {
	value      T
	suppressed bool
}

// Computed wraps a value that should be persisted.
func Computed[T any](v T) Outcome[T] { return Outcome[T]{value: v} }

// Suppressed returns v to the caller without persisting it. v may be the
// zero value.
func Suppressed[T any](v T) Outcome[T] { return Outcome[T]{value: v, suppressed: true} }

// IsSuppressed reports whether the outcome must not be cached.
func (o Outcome[T]) IsSuppressed() bool { return o.suppressed }

// Value returns the carried value.
func (o Outcome[T]) Value() T { return o.value }

// Compute is the wrapped computation. Returning an error propagates it to
// the caller unchanged; nothing is recorded.
type Compute[T any] func(ctx context.Context, call Call) (Outcome[T], error)

// Stats are the runtime counters of one wrapped function.
type Stats struct {
	Hits    int64
	Misses  int64
	NoCache int64
}
