// Package queue implements the durable action queue: mutating requests that
// could not reach the network, held for replay in insertion order.
package queue

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"
)

// Action is one deferred mutating request. Entries are append-only: they are
// never mutated in place, only removed after a successful replay or an
// explicit clear.
type Action struct {
	ID         string            `json:"id"`
	URL        string            `json:"url"`
	Method     string            `json:"method"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       []byte            `json:"body,omitempty"`
	EnqueuedAt time.Time         `json:"enqueuedAt"`
}

// Queue is the action queue contract shared by the memory, sqlite, and valkey
// backends. List returns entries in insertion order.
type Queue interface {
	Enqueue(ctx context.Context, action Action) error
	List(ctx context.Context) ([]Action, error)
	Remove(ctx context.Context, id string) error
	Clear(ctx context.Context) error
	Len(ctx context.Context) (int64, error)
	Close(ctx context.Context) error
}

// NewAction assembles a queue entry with a fresh identifier and enqueue
// timestamp.
func NewAction(method, url string, headers map[string]string, body []byte) Action {
	var cloned map[string]string
	if len(headers) > 0 {
		cloned = make(map[string]string, len(headers))
		for k, v := range headers {
			cloned[k] = v
		}
	}
	return Action{
		ID:         newID(),
		URL:        url,
		Method:     method,
		Headers:    cloned,
		Body:       append([]byte(nil), body...),
		EnqueuedAt: time.Now().UTC(),
	}
}

func newID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms; fall back to a
		// timestamp so an entry is still identifiable.
		return hex.EncodeToString([]byte(time.Now().UTC().Format(time.RFC3339Nano)))
	}
	return hex.EncodeToString(buf)
}
