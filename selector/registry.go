// Package selector implements C5: trying the success registry first, then
// the transport preference order, per spec.md §4.5. The success registry
// keeps one JSON file per peer under an OS-appropriate data directory,
// resolved the way the teacher resolves its own on-disk state, and mirrors
// live entries into an in-memory ordered index for a cheap max-age sweep.
package selector

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tidwall/btree"

	"github.com/dignet/dignode/common"
	"github.com/dignet/dignode/transport"
)

// MaxAge is the default registry entry lifetime of spec.md §4.5.
const MaxAge = 45 * 24 * time.Hour

// RecencyWindow is how recent a success must be to be tried first,
// before falling back to the full preference-order walk.
const RecencyWindow = MaxAge

// Entry is one success-registry record, keyed by remote node id.
type Entry struct {
	Peer          common.NodeID  `json:"peer"`
	TransportKind transport.Kind `json:"transport_kind"`
	RemoteAddr    string         `json:"remote_addr"`
	RemotePort    int            `json:"remote_port"`
	LastSuccessTS time.Time      `json:"last_success_ts"`
	SuccessCount  int            `json:"success_count"`
}

func (e Entry) isRecent(now time.Time) bool {
	return now.Sub(e.LastSuccessTS) < RecencyWindow
}

// byRecency orders registry entries for the max-age sweep: oldest first.
type byRecency struct {
	peer string
	ts   int64
}

func lessByRecency(a, b byRecency) bool {
	if a.ts != b.ts {
		return a.ts < b.ts
	}
	return a.peer < b.peer
}

// Registry persists one JSON file per peer under dir, mirroring live
// entries into a tidwall/btree ordered by last-success-ts so Sweep is an
// ordered-range deletion rather than a full directory scan.
type Registry struct {
	dir   string
	order *btree.BTreeG[byRecency]
	byID  map[string]Entry
}

// DefaultDir resolves the OS-appropriate data directory for the success
// registry, closing spec.md §9's "no home-dir fallback chain" open question
// in favor of a single directory. No library in the dependency set resolves
// an XDG/OS data directory (the teacher's own missinggo helpers only cover
// ephemeral addr/port utilities), so this one call is stdlib os.UserCacheDir.
func DefaultDir() (string, error) {
	base, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("could not resolve an OS-appropriate data directory: %w", err)
	}
	return filepath.Join(base, "dignode", "success-registry"), nil
}

// Open loads every entry currently on disk under dir into memory.
func Open(dir string) (*Registry, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, common.NewError("selector.Open", common.ErrLocalIO, err)
	}
	r := &Registry{
		dir:   dir,
		order: btree.NewBTreeG(lessByRecency),
		byID:  make(map[string]Entry),
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, common.NewError("selector.Open", common.ErrLocalIO, err)
	}
	for _, de := range entries {
		if de.IsDir() || filepath.Ext(de.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, de.Name()))
		if err != nil {
			continue
		}
		var e Entry
		if err := json.Unmarshal(data, &e); err != nil {
			continue
		}
		r.insertLocked(e)
	}
	return r, nil
}

func (r *Registry) insertLocked(e Entry) {
	key := e.Peer.String()
	if prev, ok := r.byID[key]; ok {
		r.order.Delete(byRecency{peer: key, ts: prev.LastSuccessTS.UnixNano()})
	}
	r.byID[key] = e
	r.order.Set(byRecency{peer: key, ts: e.LastSuccessTS.UnixNano()})
}

// Lookup returns the registry entry for peer, if any.
func (r *Registry) Lookup(peer common.NodeID) (Entry, bool) {
	e, ok := r.byID[peer.String()]
	return e, ok
}

// PreferredFirst returns the registry entry for peer if a recent one
// exists (spec.md §4.5 point 1), so the caller can try it before walking
// the transport preference order.
func (r *Registry) PreferredFirst(peer common.NodeID, now time.Time) (Entry, bool) {
	e, ok := r.Lookup(peer)
	if !ok || !e.isRecent(now) {
		return Entry{}, false
	}
	return e, true
}

// RecordSuccess writes a successful (peer, transport, endpoint) into the
// registry, incrementing success-count if an entry already exists
// (spec.md §4.5 point 3), and persists it to disk.
func (r *Registry) RecordSuccess(peer common.NodeID, kind transport.Kind, addr string, port int, now time.Time) error {
	e, existed := r.Lookup(peer)
	if existed {
		e.SuccessCount++
	} else {
		e.SuccessCount = 1
	}
	e.Peer = peer
	e.TransportKind = kind
	e.RemoteAddr = addr
	e.RemotePort = port
	e.LastSuccessTS = now

	r.insertLocked(e)
	return r.persist(e)
}

func (r *Registry) persist(e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	path := filepath.Join(r.dir, e.Peer.String()+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return common.NewError("selector.Registry.persist", common.ErrLocalIO, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return common.NewError("selector.Registry.persist", common.ErrLocalIO, err)
	}
	return nil
}

// Sweep removes every registry entry older than MaxAge, on disk and in
// memory, per spec.md §4.5 point 4. Returns the number removed.
func (r *Registry) Sweep(now time.Time) int {
	cutoff := now.Add(-MaxAge).UnixNano()
	var stale []byRecency

	r.order.Ascend(byRecency{}, func(item byRecency) bool {
		if item.ts >= cutoff {
			return false
		}
		stale = append(stale, item)
		return true
	})

	for _, item := range stale {
		r.order.Delete(item)
		delete(r.byID, item.peer)
		os.Remove(filepath.Join(r.dir, item.peer+".json"))
	}
	return len(stale)
}
