package storage

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/singlestore-labs/mcp-oauth/instrumentation"
)

// Observer records a span and the storage metrics for each backend
// operation. The zero value and a nil *Observer are no-ops.
type Observer struct {
	backend string
	inst    *instrumentation.Instrumentation
	tracer  trace.Tracer
}

// NewObserver creates an observer for backend. inst may be nil.
func NewObserver(backend string, inst *instrumentation.Instrumentation) *Observer {
	o := &Observer{backend: backend, inst: inst}
	if inst != nil {
		o.tracer = inst.Tracer("storage")
	}
	return o
}

// Start opens a span for operation. The returned func must be called with the
// operation's error; ErrNotFound counts as a miss, not an error.
func (o *Observer) Start(ctx context.Context, operation string) (context.Context, func(error)) {
	if o == nil || o.inst == nil {
		return ctx, func(error) {}
	}

	start := time.Now()
	ctx, span := o.tracer.Start(ctx, "storage."+operation)
	instrumentation.AddStorageAttributes(span, operation, o.backend)

	return ctx, func(err error) {
		defer span.End()

		result := "success"
		switch {
		case err == nil:
			instrumentation.SetSpanSuccess(span)
		case errors.Is(err, ErrNotFound):
			result = "not_found"
			instrumentation.SetSpanSuccess(span)
		default:
			result = "error"
			instrumentation.RecordError(span, err)
		}

		o.inst.Metrics().RecordStorageOperation(ctx, o.backend, operation, result,
			float64(time.Since(start).Microseconds())/1000)
	}
}

// Swept records n expired records removed by a sweep.
func (o *Observer) Swept(ctx context.Context, n int) {
	if o == nil || o.inst == nil || n == 0 {
		return
	}
	o.inst.Metrics().RecordExpiredSwept(ctx, o.backend, n)
}
