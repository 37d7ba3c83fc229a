// Package syncutil provides the concurrency primitives behind the browser
// session manager: a per-key FIFO serializer, a writer-priority read/write
// lock, and an exclusive-operation guard.
package syncutil

import (
	"context"
	"sync"
)

// KeySerializer chains operations per key: operations sharing a key run
// strictly FIFO with no overlap, operations on different keys run
// independently. A failing operation does not poison its chain, and idle
// keys leave no bookkeeping behind.
type KeySerializer struct {
	mu    sync.Mutex
	tails map[string]*serialEntry
}

type serialEntry struct {
	done chan struct{}
}

// NewKeySerializer creates an empty serializer.
func NewKeySerializer() *KeySerializer {
	return &KeySerializer{tails: make(map[string]*serialEntry)}
}

// Do runs op after every previously enqueued operation for key has finished.
func (s *KeySerializer) Do(key string, op func() error) error {
	return s.DoCtx(context.Background(), key, func(context.Context) error { return op() })
}

// DoCtx is Do with cancellation while waiting for the chain. Once op starts
// it runs to completion; a context expiring mid-wait skips op and returns the
// context error without blocking later operations on the same key.
func (s *KeySerializer) DoCtx(ctx context.Context, key string, op func(context.Context) error) error {
	mine := &serialEntry{done: make(chan struct{})}

	s.mu.Lock()
	prev := s.tails[key]
	s.tails[key] = mine
	s.mu.Unlock()

	finish := func() {
		close(mine.done)
		s.mu.Lock()
		if s.tails[key] == mine {
			delete(s.tails, key)
		}
		s.mu.Unlock()
	}

	if prev != nil {
		select {
		case <-prev.done:
		case <-ctx.Done():
			// Unblock successors even though op never ran.
			go func() {
				<-prev.done
				finish()
			}()
			return ctx.Err()
		}
	}

	defer finish()
	return op(ctx)
}

// PendingKeys returns the number of keys with live chains. Intended for
// tests and introspection.
func (s *KeySerializer) PendingKeys() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tails)
}
