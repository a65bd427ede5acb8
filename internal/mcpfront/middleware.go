package mcpfront

import (
	"context"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"warden/internal/faults"
)

// opFunc is one operation invocation with its input already bound.
type opFunc func(ctx context.Context) (any, error)

// middleware wraps an operation. The chain below is the full cross-cutting
// behavior of the dispatcher; there is no implicit decoration anywhere else.
type middleware func(f *Frontend, op string, next opFunc) opFunc

// chain lists the wrappers outermost first.
var chain = []middleware{
	withRecover,
	withTrace,
	withMetrics,
	withLog,
}

// invoke runs one operation through the chain.
func (f *Frontend) invoke(ctx context.Context, op string, fn opFunc) (any, error) {
	wrapped := fn
	for i := len(chain) - 1; i >= 0; i-- {
		wrapped = chain[i](f, op, wrapped)
	}
	return wrapped(ctx)
}

// run binds a typed operation body to the chain.
func run[T any](ctx context.Context, f *Frontend, op string, fn func(context.Context) (T, error)) (T, error) {
	out, err := f.invoke(ctx, op, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out.(T), nil
}

// withRecover converts a panicking operation into an Internal error. The
// server must survive any single call going wrong.
func withRecover(f *Frontend, op string, next opFunc) opFunc {
	return func(ctx context.Context) (out any, err error) {
		defer func() {
			if r := recover(); r != nil {
				f.logger.Error("operation %s panicked: %v\n%s", op, r, debug.Stack())
				out = nil
				err = faults.Internal(nil, "op_panic", "operation %s panicked: %v", op, r)
			}
		}()
		return next(ctx)
	}
}

func withTrace(f *Frontend, op string, next opFunc) opFunc {
	return func(ctx context.Context) (any, error) {
		ctx, span := otel.Tracer("warden/mcpfront").Start(ctx, "warden."+op)
		defer span.End()
		out, err := next(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, faults.CodeOf(err))
			span.SetAttributes(attribute.String("warden.error_kind", faults.KindOf(err).String()))
		}
		return out, err
	}
}

func withMetrics(f *Frontend, op string, next opFunc) opFunc {
	return func(ctx context.Context) (any, error) {
		start := time.Now()
		out, err := next(ctx)
		f.metrics.opDone(op, time.Since(start), err)
		return out, err
	}
}

func withLog(f *Frontend, op string, next opFunc) opFunc {
	return func(ctx context.Context) (any, error) {
		start := time.Now()
		out, err := next(ctx)
		elapsed := time.Since(start).Round(time.Millisecond)
		if err != nil {
			f.logger.Warn("%s failed after %s: %v", op, elapsed, err)
		} else {
			f.logger.Debug("%s completed in %s", op, elapsed)
		}
		return out, err
	}
}
