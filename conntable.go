package dignode

import (
	"time"

	list "github.com/bahlo/generic-list-go"

	"github.com/dignet/dignode/common"
	"github.com/dignet/dignode/internal/lockdefer"
	"github.com/dignet/dignode/transport"
)

// connIdleTTL is how long an established channel may sit unused before the
// connection table evicts and closes it (spec.md §5 resource bounds).
const connIdleTTL = 10 * time.Minute

type connEntry struct {
	peer     common.NodeID
	ch       transport.Channel
	lastUsed time.Time
	elem     *list.Element[common.NodeID]
}

// connTable holds one live Channel per peer, oldest-idle-first via
// generic-list-go the way spec.md §5 asks for idle-TTL eviction, guarded by
// the same deferred-unlock-action lock the orchestrator uses everywhere
// else so eviction-close calls happen after the table lock is released.
type connTable struct {
	mu      lockdefer.Mutex
	byPeer  map[common.NodeID]*connEntry
	idle    *list.List[common.NodeID]
}

func newConnTable() *connTable {
	return &connTable{
		byPeer: make(map[common.NodeID]*connEntry),
		idle:   list.New[common.NodeID](),
	}
}

// Put registers ch as the live channel for peer, closing and replacing any
// previous channel for the same peer.
func (t *connTable) Put(peer common.NodeID, ch transport.Channel) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.byPeer[peer]; ok {
		t.idle.Remove(existing.elem)
		t.mu.Defer(func() { existing.ch.Close() })
	}
	e := &connEntry{peer: peer, ch: ch, lastUsed: time.Now()}
	e.elem = t.idle.PushBack(peer)
	t.byPeer[peer] = e
}

// Get returns the live channel for peer, bumping its idle position.
func (t *connTable) Get(peer common.NodeID) (transport.Channel, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.byPeer[peer]
	if !ok {
		return nil, false
	}
	e.lastUsed = time.Now()
	t.idle.Remove(e.elem)
	e.elem = t.idle.PushBack(peer)
	return e.ch, true
}

// Remove drops peer's channel without closing it (the caller already owns
// the close, e.g. because Recv just returned an error on it).
func (t *connTable) Remove(peer common.NodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.byPeer[peer]; ok {
		t.idle.Remove(e.elem)
		delete(t.byPeer, peer)
	}
}

// EvictIdle closes and removes every channel whose last use is older than
// connIdleTTL, returning the count evicted.
func (t *connTable) EvictIdle(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := now.Add(-connIdleTTL)
	n := 0
	for front := t.idle.Front(); front != nil; {
		next := front.Next()
		peer := front.Value
		e := t.byPeer[peer]
		if e == nil || e.lastUsed.After(cutoff) {
			break
		}
		delete(t.byPeer, peer)
		t.idle.Remove(front)
		t.mu.Defer(func() { e.ch.Close() })
		n++
		front = next
	}
	return n
}

// CloseAll closes every live channel, for shutdown.
func (t *connTable) CloseAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.byPeer {
		ch := e.ch
		t.mu.Defer(func() { ch.Close() })
	}
	t.byPeer = make(map[common.NodeID]*connEntry)
	t.idle = list.New[common.NodeID]()
}

func (t *connTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byPeer)
}
