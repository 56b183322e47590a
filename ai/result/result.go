// Package result provides the OperationResult envelope returned by every
// externally observable operation: either a value with metadata or a typed
// failure. Callers branch on IsOk instead of juggling sentinel errors.
package result

import (
	aierrors "github.com/aviary-ai/aviary/ai/errors"
)

// Metadata carries operation annotations (source, skill name, confidence, ...).
type Metadata map[string]any

// Result is the success-or-failure sum for a value of type T.
type Result[T any] struct {
	value    T
	metadata Metadata
	failure  *aierrors.AIError
}

// Ok wraps a successful value.
func Ok[T any](value T) Result[T] {
	return Result[T]{value: value}
}

// OkWithMeta wraps a successful value with metadata.
func OkWithMeta[T any](value T, meta Metadata) Result[T] {
	return Result[T]{value: value, metadata: meta}
}

// Fail wraps a typed failure. A nil error is an invariant violation and is
// recorded as SYSTEM_INTERNAL rather than panicking mid-request.
func Fail[T any](err *aierrors.AIError) Result[T] {
	if err == nil {
		err = aierrors.New(aierrors.SystemInternal, "Fail called with nil error")
	}
	return Result[T]{failure: err}
}

// FailCode is shorthand for Fail(New(code, message)).
func FailCode[T any](code aierrors.Code, message string) Result[T] {
	return Result[T]{failure: aierrors.New(code, message)}
}

// FailFrom coerces any error into a failure result.
func FailFrom[T any](err error) Result[T] {
	return Result[T]{failure: aierrors.From(err)}
}

// IsOk reports whether the operation succeeded.
func (r Result[T]) IsOk() bool {
	return r.failure == nil
}

// Value returns the success value; zero value on failure.
func (r Result[T]) Value() T {
	return r.value
}

// Metadata returns the success metadata; nil when absent or failed.
func (r Result[T]) Metadata() Metadata {
	return r.metadata
}

// Meta returns one metadata entry.
func (r Result[T]) Meta(key string) (any, bool) {
	if r.metadata == nil {
		return nil, false
	}
	v, ok := r.metadata[key]
	return v, ok
}

// WithMeta returns a copy of the result with one metadata entry added.
// The original metadata map is not shared.
func (r Result[T]) WithMeta(key string, value any) Result[T] {
	meta := make(Metadata, len(r.metadata)+1)
	for k, v := range r.metadata {
		meta[k] = v
	}
	meta[key] = value
	r.metadata = meta
	return r
}

// Failure returns the typed failure, or nil on success.
func (r Result[T]) Failure() *aierrors.AIError {
	return r.failure
}

// Err returns the failure as a plain error, or nil on success. The typed nil
// must not escape as a non-nil error interface.
func (r Result[T]) Err() error {
	if r.failure == nil {
		return nil
	}
	return r.failure
}

// Map transforms a success value, passing failures through unchanged.
func Map[T, U any](r Result[T], fn func(T) U) Result[U] {
	if !r.IsOk() {
		return Result[U]{failure: r.failure}
	}
	return Result[U]{value: fn(r.value), metadata: r.metadata}
}
