// Package idempotency stores responses to POST requests by Idempotency-Key
// so that client retries replay the first outcome.
package idempotency

import (
	"context"
	"time"
)

// Response is a completed response as replayed to a retrying client.
type Response struct {
	Status      int    `json:"status"`
	ContentType string `json:"content_type,omitempty"`
	Body        []byte `json:"body"`
}

// Store reserves keys and keeps completed responses for their TTL.
//
// Reserve claims key. When the key is already held it returns false and the
// stored response, or a nil response while the first request is in flight.
type Store interface {
	Reserve(ctx context.Context, key string, ttl time.Duration) (bool, *Response, error)
	Complete(ctx context.Context, key string, resp Response, ttl time.Duration) error
	Release(ctx context.Context, key string) error
}
