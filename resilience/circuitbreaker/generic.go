package circuitbreaker

import "context"

// ExecuteTyped is a type-safe generic wrapper around Breaker.Execute.
// When the breaker rejects the call, fallback is returned with a nil error.
//
// Usage:
//
//	res, err := circuitbreaker.ExecuteTyped(ctx, cb, func(ctx context.Context) (Result, error) {
//	    return send(ctx)
//	}, Result{ShortCircuited: true})
func ExecuteTyped[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error), fallback T) (T, error) {
	result, err := b.Execute(ctx, func(ctx context.Context) (any, error) {
		return fn(ctx)
	}, fallback)
	if result == nil {
		var zero T
		return zero, err
	}
	return result.(T), err
}
