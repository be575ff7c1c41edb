package transfer

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/anacrolix/multiless"
	"golang.org/x/time/rate"

	"github.com/dignet/dignode/common"
)

// MaxUnchokedPeers is spec.md §4.6's default concurrent-downloader limit.
const MaxUnchokedPeers = 4

// ChokeUpdateInterval is how often the choker re-ranks peers.
const ChokeUpdateInterval = 10 * time.Second

// peerStats tracks one peer's rolling byte contribution for choke ranking,
// the serving-side analogue of the teacher's connectionTrust.
type peerStats struct {
	Peer         common.NodeID
	BytesServed  int64
	ChunksServed int
	unchoked     bool
}

// contribution orders peers by rolling byte contribution, high to low,
// mirroring the teacher's multiless-based connectionTrust.Cmp in peer.go.
func contribution(l, r peerStats) int {
	return multiless.New().Int64(l.BytesServed, r.BytesServed).OrderingInt()
}

// Choker implements the serving-side fairness scheme of spec.md §4.6: track
// per-peer contribution, unchoke the top N-1 plus one random optimistic
// slot, and re-rank every ChokeUpdateInterval.
type Choker struct {
	mu          sync.Mutex
	stats       map[common.NodeID]*peerStats
	maxUnchoked int
	rng         *rand.Rand

	// superSeed, when true, additionally caps each peer to superSeedLimit
	// distinct chunks before forced re-choke (spec.md §4.6 "Super-seed mode").
	superSeed      bool
	superSeedLimit int
	superSeedGiven map[common.NodeID]map[int64]bool
	rarity         map[int64]int // chunk index -> number of peers known to have it

	// limiter throttles this node's total outbound chunk-serving
	// bandwidth. Nil means unlimited.
	limiter *rate.Limiter
}

func NewChoker(maxUnchoked int) *Choker {
	return &Choker{
		stats:          make(map[common.NodeID]*peerStats),
		maxUnchoked:    maxUnchoked,
		rng:            rand.New(rand.NewSource(1)),
		superSeedGiven: make(map[common.NodeID]map[int64]bool),
		rarity:         make(map[int64]int),
	}
}

// SetUploadLimit caps total outbound chunk-serving bandwidth to
// bytesPerSecond, with a burst of one chunk-sized read. A non-positive
// value disables the limiter.
func (c *Choker) SetUploadLimit(bytesPerSecond, burst int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if bytesPerSecond <= 0 {
		c.limiter = nil
		return
	}
	c.limiter = rate.NewLimiter(rate.Limit(bytesPerSecond), burst)
}

// waitUploadBudget blocks until n bytes of outbound bandwidth are
// available, or ctx is cancelled. A nil limiter never blocks.
func (c *Choker) waitUploadBudget(ctx context.Context, n int) error {
	c.mu.Lock()
	limiter := c.limiter
	c.mu.Unlock()
	if limiter == nil {
		return nil
	}
	return limiter.WaitN(ctx, n)
}

// EnableSuperSeed activates super-seed mode with the given per-peer distinct
// chunk limit (spec.md §4.6).
func (c *Choker) EnableSuperSeed(limit int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.superSeed = true
	c.superSeedLimit = limit
}

// RecordHave updates rarity tracking from a peer's have{chunk-index}.
func (c *Choker) RecordHave(peer common.NodeID, chunkIndex int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rarity[chunkIndex]++
}

// RecordServed records bytes served to peer for contribution ranking.
func (c *Choker) RecordServed(peer common.NodeID, n int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.statsLocked(peer)
	s.BytesServed += n
	s.ChunksServed++
}

func (c *Choker) statsLocked(peer common.NodeID) *peerStats {
	s, ok := c.stats[peer]
	if !ok {
		s = &peerStats{Peer: peer}
		c.stats[peer] = s
	}
	return s
}

// IsChoked reports whether peer is currently choked; unknown peers start
// choked per spec.md §4.6.
func (c *Choker) IsChoked(peer common.NodeID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.stats[peer]
	return !ok || !s.unchoked
}

// AllowSuperSeedChunk reports whether peer may request another distinct
// chunk under super-seed mode, biased toward rarer chunks, and records the
// grant if allowed.
func (c *Choker) AllowSuperSeedChunk(peer common.NodeID, chunkIndex int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.superSeed {
		return true
	}
	given := c.superSeedGiven[peer]
	if given == nil {
		given = make(map[int64]bool)
		c.superSeedGiven[peer] = given
	}
	if given[chunkIndex] {
		return true
	}
	if len(given) >= c.superSeedLimit {
		return false
	}
	given[chunkIndex] = true
	return true
}

// Rerank re-ranks every known peer by rolling contribution, unchoking the
// top maxUnchoked-1 plus one random optimistic unchoke slot, per spec.md
// §4.6. It returns the peers that changed state, so the caller can send
// choke/unchoke messages.
func (c *Choker) Rerank() (unchoked, choked []common.NodeID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	all := make([]*peerStats, 0, len(c.stats))
	for _, s := range c.stats {
		all = append(all, s)
	}
	sort.Slice(all, func(i, j int) bool {
		return contribution(*all[i], *all[j]) > 0
	})

	keep := c.maxUnchoked - 1
	if keep < 0 {
		keep = 0
	}
	if keep > len(all) {
		keep = len(all)
	}

	newUnchoked := make(map[common.NodeID]bool, c.maxUnchoked)
	for _, s := range all[:keep] {
		newUnchoked[s.Peer] = true
	}

	// optimistic unchoke: one random peer from the remainder.
	remainder := all[keep:]
	if len(remainder) > 0 && c.maxUnchoked > keep {
		pick := remainder[c.rng.Intn(len(remainder))]
		newUnchoked[pick.Peer] = true
	}

	for _, s := range all {
		want := newUnchoked[s.Peer]
		if want != s.unchoked {
			if want {
				unchoked = append(unchoked, s.Peer)
			} else {
				choked = append(choked, s.Peer)
			}
		}
		s.unchoked = want
	}
	return unchoked, choked
}
