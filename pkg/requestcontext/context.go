// Package requestcontext provides HTTP-independent context accessors for
// request-scoped values. Middleware sets them, services and stores read them,
// and tests inject them without running the HTTP stack.
//
// The time accessor doubles as the injected clock for background loops: the
// queue manager and health monitor stamp each tick into the context, so tests
// can drive backoff windows and retention cutoffs deterministically.
package requestcontext

import (
	"context"
	"time"
)

type (
	requestIDKey   struct{}
	requestTimeKey struct{}
)

var (
	// ContextKeyRequestID and ContextKeyRequestTime are exported for tests
	// that need raw context.WithValue access.
	ContextKeyRequestID   = requestIDKey{}
	ContextKeyRequestTime = requestTimeKey{}
)

// RequestID retrieves the request ID from the context.
func RequestID(ctx context.Context) string {
	if reqID, ok := ctx.Value(ContextKeyRequestID).(string); ok {
		return reqID
	}
	return ""
}

// WithRequestID injects a request ID into the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ContextKeyRequestID, requestID)
}

// Now retrieves the context-scoped time, falling back to time.Now() for
// contexts that never passed through middleware or a loop tick.
func Now(ctx context.Context) time.Time {
	if t, ok := ctx.Value(ContextKeyRequestTime).(time.Time); ok {
		return t
	}
	return time.Now()
}

// WithTime injects a specific time into a context. Used by the HTTP
// middleware per request, by background loops per tick, and by tests.
func WithTime(ctx context.Context, t time.Time) context.Context {
	return context.WithValue(ctx, ContextKeyRequestTime, t)
}
