// Package requestcontext carries request-scoped values without net/http.
//
// The HTTP middleware stamps the request id, the caller's correlation id and
// one pinned "now". Services and stores read them back; workers and the CLI
// get sensible fallbacks.
//
//	ctx = requestcontext.WithTime(ctx, fixed)
//	at := requestcontext.Now(ctx)
package requestcontext

import (
	"context"
	"time"
)

type key int

const (
	requestIDKey key = iota
	correlationIDKey
	requestTimeKey
)

func stringValue(ctx context.Context, k key) string {
	v, _ := ctx.Value(k).(string)
	return v
}

func RequestID(ctx context.Context) string {
	return stringValue(ctx, requestIDKey)
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// CorrelationID is the caller-supplied X-Correlation-ID, or the request id
// when the caller sent none. Events and error bodies carry it.
func CorrelationID(ctx context.Context) string {
	if id := stringValue(ctx, correlationIDKey); id != "" {
		return id
	}
	return RequestID(ctx)
}

func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, correlationIDKey, correlationID)
}

// Now is the pinned request time in UTC, or the wall clock outside a request.
func Now(ctx context.Context) time.Time {
	if t, ok := ctx.Value(requestTimeKey).(time.Time); ok {
		return t
	}
	return time.Now().UTC()
}

func WithTime(ctx context.Context, t time.Time) context.Context {
	return context.WithValue(ctx, requestTimeKey, t.UTC())
}
