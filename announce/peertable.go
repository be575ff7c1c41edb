package announce

import (
	"sync"
	"time"

	xsync "github.com/anacrolix/sync"

	"github.com/dignet/dignode/common"
)

// PeerTable holds the latest known capability record per peer, guarded the
// way the teacher guards shared torrent state (spec.md §5 single-writer/
// many-reader rule).
type PeerTable struct {
	mu    xsync.RWMutex
	peers map[common.NodeID]common.Capabilities
}

func NewPeerTable() *PeerTable {
	return &PeerTable{peers: make(map[common.NodeID]common.Capabilities)}
}

// Upsert updates or inserts caps as given (spec.md §4.7 point 1); LastSeen
// is whatever the caller set, e.g. common.FromWire's receivedAt.
func (t *PeerTable) Upsert(caps common.Capabilities) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peers[caps.NodeID] = caps
}

func (t *PeerTable) Get(id common.NodeID) (common.Capabilities, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.peers[id]
	return c, ok
}

// Live returns every peer record currently within PeerLivenessWindow.
func (t *PeerTable) Live(now time.Time) []common.Capabilities {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]common.Capabilities, 0, len(t.peers))
	for _, c := range t.peers {
		if c.IsLive(now) {
			out = append(out, c)
		}
	}
	return out
}

// Job is a queued or active download job (spec.md §4.7).
type Job struct {
	Digest     common.Digest
	SourcePeer common.NodeID
	Priority   int
}

// DownloadQueue de-duplicates by digest: an already-queued or in-flight
// digest is ignored (spec.md §4.7 point 3).
type DownloadQueue struct {
	mu     sync.Mutex
	queued map[common.Digest]Job
	active map[common.Digest]bool
}

func NewDownloadQueue() *DownloadQueue {
	return &DownloadQueue{
		queued: make(map[common.Digest]Job),
		active: make(map[common.Digest]bool),
	}
}

// Enqueue adds a job unless its digest is already queued or active.
func (q *DownloadQueue) Enqueue(job Job) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.active[job.Digest] {
		return false
	}
	if _, queued := q.queued[job.Digest]; queued {
		return false
	}
	q.queued[job.Digest] = job
	return true
}

// Next pops the highest-priority queued job not yet active, marking it
// active. Returns ok=false if nothing is queued.
func (q *DownloadQueue) Next() (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var best *Job
	for _, j := range q.queued {
		if best == nil || j.Priority > best.Priority {
			jCopy := j
			best = &jCopy
		}
	}
	if best == nil {
		return Job{}, false
	}
	delete(q.queued, best.Digest)
	q.active[best.Digest] = true
	return *best, true
}

// Complete marks a digest no longer active, so a future announcement for it
// can be re-queued if still missing.
func (q *DownloadQueue) Complete(d common.Digest) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.active, d)
}

// Len reports the number of queued (not yet active) jobs.
func (q *DownloadQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queued)
}
