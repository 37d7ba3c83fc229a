package syncutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuardBeginEnd(t *testing.T) {
	g := NewGuard()
	assert.False(t, g.IsActive())
	assert.Equal(t, time.Duration(0), g.Elapsed())

	require.True(t, g.Begin())
	assert.True(t, g.IsActive())

	g.End()
	assert.False(t, g.IsActive())
	assert.Equal(t, time.Duration(0), g.Elapsed())
}

func TestGuardRejectsReentry(t *testing.T) {
	g := NewGuard()
	require.True(t, g.Begin())

	time.Sleep(20 * time.Millisecond)
	before := g.Elapsed()
	require.False(t, g.Begin(), "second Begin while held must fail")

	// The failed Begin must not reset the holder's clock.
	after := g.Elapsed()
	if after < before {
		t.Fatalf("failed Begin rewound the elapsed clock: %v -> %v", before, after)
	}
	assert.True(t, g.IsActive())

	g.End()
	require.True(t, g.Begin(), "guard must be claimable after End")
	g.End()
}

func TestGuardEndWhenInactive(t *testing.T) {
	g := NewGuard()
	g.End()
	require.True(t, g.Begin())
	g.End()
}

func TestGuardConcurrentBegin(t *testing.T) {
	g := NewGuard()

	const n = 32
	var wins int32
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if g.Begin() {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("exactly one Begin must win, got %d", wins)
	}
}
