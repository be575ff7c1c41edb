package lockdefer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDeferRunsAfterUnlock(t *testing.T) {
	var mu Mutex
	var ran bool
	mu.Lock()
	mu.Defer(func() { ran = true })
	require.False(t, ran)
	mu.Unlock()
	require.True(t, ran)
}

func TestDeferUniqueCoalesces(t *testing.T) {
	var mu Mutex
	count := 0
	mu.Lock()
	mu.DeferUnique("key", func() { count++ })
	mu.DeferUnique("key", func() { count++ })
	mu.Unlock()
	require.Equal(t, 1, count)
}

func TestFlushDeferredRunsWhileLocked(t *testing.T) {
	var mu Mutex
	var order []string
	mu.Lock()
	mu.Defer(func() { order = append(order, "deferred") })
	mu.FlushDeferred()
	order = append(order, "after-flush")
	mu.Unlock()
	require.Equal(t, []string{"deferred", "after-flush"}, order)
}

func TestUnlockPanicsWhenNotLocked(t *testing.T) {
	var mu Mutex
	require.Panics(t, func() { mu.Unlock() })
}

func TestEventBroadcastWakesWaiters(t *testing.T) {
	var mu Mutex
	var ev Event
	ready := make(chan struct{})
	done := make(chan struct{})

	go func() {
		mu.Lock()
		ready <- struct{}{}
		ev.Wait(&mu)
		mu.Unlock()
		close(done)
	}()

	<-ready
	// ev.Wait registers its channel before releasing mu, so acquiring it
	// here guarantees the waiter is already registered.
	mu.Lock()
	mu.Unlock()
	ev.Broadcast()

	<-done
}
