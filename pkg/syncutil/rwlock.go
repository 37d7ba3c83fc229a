package syncutil

import (
	"context"
	"sync"
)

// RWLock runs reader operations concurrently and writer operations
// exclusively, with writer priority: a waiting writer blocks newly arriving
// readers, so a continuous reader stream cannot starve it. Waiters of the
// same mode are served FIFO.
type RWLock struct {
	mu           sync.Mutex
	readers      int
	writerActive bool
	queue        []*rwWaiter
}

type rwWaiter struct {
	write    bool
	ready    chan struct{}
	granted  bool
	canceled bool
}

// NewRWLock creates an unlocked RWLock.
func NewRWLock() *RWLock {
	return &RWLock{}
}

// Read runs op while holding the lock in read mode.
func (l *RWLock) Read(op func() error) error {
	return l.ReadCtx(context.Background(), func(context.Context) error { return op() })
}

// ReadCtx is Read with cancellation while waiting to acquire.
func (l *RWLock) ReadCtx(ctx context.Context, op func(context.Context) error) error {
	if err := l.acquire(ctx, false); err != nil {
		return err
	}
	defer l.releaseRead()
	return op(ctx)
}

// Write runs op while holding the lock exclusively.
func (l *RWLock) Write(op func() error) error {
	return l.WriteCtx(context.Background(), func(context.Context) error { return op() })
}

// WriteCtx is Write with cancellation while waiting to acquire.
func (l *RWLock) WriteCtx(ctx context.Context, op func(context.Context) error) error {
	if err := l.acquire(ctx, true); err != nil {
		return err
	}
	defer l.releaseWrite()
	return op(ctx)
}

func (l *RWLock) acquire(ctx context.Context, write bool) error {
	l.mu.Lock()
	if len(l.queue) == 0 && !l.writerActive && (!write || l.readers == 0) {
		if write {
			l.writerActive = true
		} else {
			l.readers++
		}
		l.mu.Unlock()
		return nil
	}
	w := &rwWaiter{write: write, ready: make(chan struct{})}
	l.queue = append(l.queue, w)
	l.mu.Unlock()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
	}

	l.mu.Lock()
	if w.granted {
		// The grant raced the cancellation; hand the slot back.
		l.mu.Unlock()
		if write {
			l.releaseWrite()
		} else {
			l.releaseRead()
		}
		return ctx.Err()
	}
	w.canceled = true
	l.wakeLocked()
	l.mu.Unlock()
	return ctx.Err()
}

func (l *RWLock) releaseRead() {
	l.mu.Lock()
	l.readers--
	if l.readers == 0 {
		l.wakeLocked()
	}
	l.mu.Unlock()
}

func (l *RWLock) releaseWrite() {
	l.mu.Lock()
	l.writerActive = false
	l.wakeLocked()
	l.mu.Unlock()
}

// wakeLocked grants the queue head: either one writer, or the maximal run of
// readers up to the next waiting writer. Callers hold l.mu.
func (l *RWLock) wakeLocked() {
	for len(l.queue) > 0 && l.queue[0].canceled {
		l.queue = l.queue[1:]
	}
	if len(l.queue) == 0 {
		return
	}
	if l.queue[0].write {
		if l.readers == 0 && !l.writerActive {
			head := l.queue[0]
			l.queue = l.queue[1:]
			l.writerActive = true
			head.granted = true
			close(head.ready)
		}
		return
	}
	if l.writerActive {
		return
	}
	for len(l.queue) > 0 {
		head := l.queue[0]
		if head.canceled {
			l.queue = l.queue[1:]
			continue
		}
		if head.write {
			break
		}
		l.queue = l.queue[1:]
		l.readers++
		head.granted = true
		close(head.ready)
	}
}
