package syncutil

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeySerializerFIFOPerKey(t *testing.T) {
	s := NewKeySerializer()

	var mu sync.Mutex
	var order []int

	// Hold the chain open so the followers queue up in submission order.
	held := make(chan struct{})
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = s.Do("tab-a", func() error {
			close(held)
			<-release
			mu.Lock()
			order = append(order, 0)
			mu.Unlock()
			return nil
		})
	}()
	<-held

	const n = 8
	for i := 1; i <= n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Do("tab-a", func() error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			})
		}()
		// Give the goroutine time to append itself to the chain before the
		// next one is spawned.
		time.Sleep(10 * time.Millisecond)
	}
	close(release)
	wg.Wait()

	require.Len(t, order, n+1)
	for i, got := range order {
		if got != i {
			t.Fatalf("operations ran out of order: %v", order)
		}
	}
}

func TestKeySerializerNoOverlapSameKey(t *testing.T) {
	s := NewKeySerializer()

	var active, maxActive int32
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Do("tab-a", func() error {
				mu.Lock()
				active++
				if active > maxActive {
					maxActive = active
				}
				mu.Unlock()
				time.Sleep(time.Millisecond)
				mu.Lock()
				active--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()

	if maxActive != 1 {
		t.Fatalf("operations on one key overlapped: max concurrency %d", maxActive)
	}
}

func TestKeySerializerIndependentKeys(t *testing.T) {
	s := NewKeySerializer()

	aHeld := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = s.Do("tab-a", func() error {
			close(aHeld)
			<-release
			return nil
		})
	}()
	<-aHeld

	// An operation on a different key must not wait behind tab-a.
	done := make(chan struct{})
	go func() {
		_ = s.Do("tab-b", func() error { return nil })
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("operation on independent key blocked behind a busy key")
	}
	close(release)
}

func TestKeySerializerErrorDoesNotPoisonChain(t *testing.T) {
	s := NewKeySerializer()

	boom := errors.New("navigate failed")
	err := s.Do("tab-a", func() error { return boom })
	require.ErrorIs(t, err, boom)

	ran := false
	err = s.Do("tab-a", func() error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran, "successor did not run after a failed predecessor")
}

func TestKeySerializerCancelWhileWaiting(t *testing.T) {
	s := NewKeySerializer()

	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = s.Do("tab-a", func() error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	ran := false
	go func() {
		errc <- s.DoCtx(ctx, "tab-a", func(context.Context) error {
			ran = true
			return nil
		})
	}()

	cancel()
	select {
	case err := <-errc:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("canceled waiter did not return")
	}
	assert.False(t, ran, "operation ran despite cancellation while waiting")

	// The canceled waiter must not block the chain for later arrivals.
	close(release)
	done := make(chan struct{})
	go func() {
		_ = s.Do("tab-a", func() error { return nil })
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("chain stalled behind a canceled waiter")
	}
}

func TestKeySerializerIdleKeysLeaveNoState(t *testing.T) {
	s := NewKeySerializer()

	var wg sync.WaitGroup
	for _, key := range []string{"a", "b", "c"} {
		key := key
		for i := 0; i < 5; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = s.Do(key, func() error { return nil })
			}()
		}
	}
	wg.Wait()

	// Canceled waiters clean up asynchronously.
	deadline := time.Now().Add(2 * time.Second)
	for s.PendingKeys() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("serializer kept state for idle keys: %d pending", s.PendingKeys())
		}
		time.Sleep(5 * time.Millisecond)
	}
}
