package queue

import (
	"context"
	"sync"
)

type memoryQueue struct {
	mu      sync.Mutex
	actions []Action
}

// NewMemory returns an in-process Queue. Entries do not survive restarts;
// use the sqlite backend when durability matters.
func NewMemory() Queue {
	return &memoryQueue{}
}

func (q *memoryQueue) Enqueue(_ context.Context, action Action) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.actions = append(q.actions, cloneAction(action))
	return nil
}

func (q *memoryQueue) List(context.Context) ([]Action, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Action, 0, len(q.actions))
	for _, action := range q.actions {
		out = append(out, cloneAction(action))
	}
	return out, nil
}

func (q *memoryQueue) Remove(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, action := range q.actions {
		if action.ID == id {
			q.actions = append(q.actions[:i], q.actions[i+1:]...)
			return nil
		}
	}
	return nil
}

func (q *memoryQueue) Clear(context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.actions = nil
	return nil
}

func (q *memoryQueue) Len(context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.actions)), nil
}

func (q *memoryQueue) Close(context.Context) error {
	return nil
}

func cloneAction(in Action) Action {
	out := in
	if len(in.Headers) > 0 {
		out.Headers = make(map[string]string, len(in.Headers))
		for k, v := range in.Headers {
			out.Headers[k] = v
		}
	}
	if len(in.Body) > 0 {
		out.Body = append([]byte(nil), in.Body...)
	}
	return out
}
