package lockdefer

import "sync"

// Event is a broadcast condition variable safe to use with a Mutex whose
// Unlock runs deferred actions, where sync.Cond would deadlock (adapted
// from the teacher's event.go).
type Event struct {
	mu      sync.Mutex
	waiters []chan struct{}
}

// Wait blocks until Broadcast is called, releasing and re-acquiring
// clientMu around the wait.
func (e *Event) Wait(clientMu sync.Locker) {
	e.mu.Lock()
	ch := make(chan struct{})
	e.waiters = append(e.waiters, ch)
	e.mu.Unlock()

	clientMu.Unlock()
	<-ch
	clientMu.Lock()
}

// Broadcast wakes every goroutine currently blocked in Wait.
func (e *Event) Broadcast() {
	e.mu.Lock()
	waiters := e.waiters
	e.waiters = nil
	e.mu.Unlock()

	for _, ch := range waiters {
		close(ch)
	}
}
