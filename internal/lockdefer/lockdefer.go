// Package lockdefer adapts the teacher's lockWithDeferreds: a RWMutex that
// runs a queue of deferred actions at Unlock, so a state change made while
// holding the lock can schedule its notification (an event emit, a cond
// broadcast) without re-entering the lock or risking the notification firing
// before the state it describes is actually visible.
package lockdefer

import (
	"fmt"

	g "github.com/anacrolix/generics"
	xsync "github.com/anacrolix/sync"
)

// Mutex wraps an RWMutex and runs deferred actions on Unlock.
type Mutex struct {
	internal      xsync.RWMutex
	unlockActions []func()
	uniqueActions map[any]struct{}
	allowDefers   bool
}

func (m *Mutex) Lock() {
	m.internal.Lock()
	if m.allowDefers {
		panic("lockdefer: Lock called while already locked")
	}
	m.allowDefers = true
}

func (m *Mutex) Unlock() {
	if !m.allowDefers {
		panic("lockdefer: Unlock called while not locked")
	}
	m.allowDefers = false
	m.runUnlockActions()
	m.internal.Unlock()
}

func (m *Mutex) RLock()   { m.internal.RLock() }
func (m *Mutex) RUnlock() { m.internal.RUnlock() }

// Defer schedules action to run after the current Unlock call completes
// releasing the underlying mutex's internal bookkeeping, but before other
// goroutines can acquire the lock.
func (m *Mutex) Defer(action func()) {
	if !m.allowDefers {
		panic("lockdefer: Defer called while not locked")
	}
	m.unlockActions = append(m.unlockActions, action)
}

// DeferUnique schedules action under key, skipping the schedule if an action
// under the same key is already pending this unlock (e.g. "emit a single
// coalesced changed-event no matter how many fields changed").
func (m *Mutex) DeferUnique(key any, action func()) {
	if !m.allowDefers {
		panic("lockdefer: DeferUnique called while not locked")
	}
	g.MakeMapIfNil(&m.uniqueActions)
	if g.MapContains(m.uniqueActions, key) {
		return
	}
	m.uniqueActions[key] = struct{}{}
	m.Defer(action)
}

func (m *Mutex) runUnlockActions() {
	startLen := len(m.unlockActions)
	for i := 0; i < len(m.unlockActions); i++ {
		m.unlockActions[i]()
	}
	if startLen != len(m.unlockActions) {
		panic(fmt.Sprintf("lockdefer: deferred action queue changed while running: %d -> %d", startLen, len(m.unlockActions)))
	}
	m.unlockActions = m.unlockActions[:0]
	m.uniqueActions = nil
}

// FlushDeferred runs pending actions immediately, while still holding the
// write lock.
func (m *Mutex) FlushDeferred() {
	if !m.allowDefers {
		panic("lockdefer: FlushDeferred called while not locked")
	}
	m.runUnlockActions()
}
