// Package announce implements C7: periodic capability publication, peer
// record update, and missing-digest queueing, per spec.md §4.7. The gossip
// substrate itself is an injected interface, never a concrete dependency
// (spec.md §2's "external substrate" boundary).
package announce

import (
	"context"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/anacrolix/log"
	"github.com/cespare/xxhash"

	"github.com/dignet/dignode/common"
)

// AnnounceInterval is spec.md §4.7's default publication period.
const AnnounceInterval = 30 * time.Second

// MaxAnnouncementAge is spec.md §5's drop rule: an announcement older than
// this is discarded before any peer-state mutation.
const MaxAnnouncementAge = 60 * time.Second

// Bus publishes this node's capability record to Publisher.Publish
// (usually backed by the gossip substrate) and mutates Peers/Queue from the
// capability records it receives.
type Bus struct {
	Namespace string
	Publisher Publisher
	Peers     *PeerTable
	Queue     *DownloadQueue
	Interval  time.Duration // zero means AnnounceInterval
	log       log.Logger

	digestIndex  *roaring.Bitmap // local digest set, maintained by caller via SetLocalDigests
	digestsByIdx []common.Digest
	idxByDigest  map[common.Digest]uint32

	seen map[uint64]time.Time // dedupeCacheKey -> last time this exact announcement was handled
}

// Publisher is the gossip substrate capability this package depends on; the
// real implementation is wired in by the orchestrator.
type Publisher interface {
	Publish(ctx context.Context, namespace string, payload []byte) error
}

func New(namespace string, pub Publisher, peers *PeerTable, queue *DownloadQueue, logger log.Logger) *Bus {
	return &Bus{
		Namespace:   namespace,
		Publisher:   pub,
		Peers:       peers,
		Queue:       queue,
		log:         logger,
		digestIndex: roaring.New(),
		idxByDigest: make(map[common.Digest]uint32),
		seen:        make(map[uint64]time.Time),
	}
}

// SetLocalDigests rebuilds the bitmap index used to compute
// peer.digests - local.digests quickly.
func (b *Bus) SetLocalDigests(digests []common.Digest) {
	b.digestIndex = roaring.New()
	b.digestsByIdx = b.digestsByIdx[:0]
	b.idxByDigest = make(map[common.Digest]uint32, len(digests))
	for _, d := range digests {
		b.intern(d)
		b.digestIndex.Add(b.idxByDigest[d])
	}
}

func (b *Bus) intern(d common.Digest) uint32 {
	if idx, ok := b.idxByDigest[d]; ok {
		return idx
	}
	idx := uint32(len(b.digestsByIdx))
	b.digestsByIdx = append(b.digestsByIdx, d)
	b.idxByDigest[d] = idx
	return idx
}

// PublishOnce publishes the current capability record once.
func (b *Bus) PublishOnce(ctx context.Context, caps common.Capabilities) error {
	wire := caps.ToWire(time.Now())
	payload, err := marshalAnnouncement(wire)
	if err != nil {
		return err
	}
	return b.Publisher.Publish(ctx, b.Namespace, payload)
}

// Run publishes the capability record returned by snapshot every
// b.Interval (AnnounceInterval when Interval is not positive) until ctx is
// cancelled.
func (b *Bus) Run(ctx context.Context, snapshot func() common.Capabilities) {
	interval := b.Interval
	if interval <= 0 {
		interval = AnnounceInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := b.PublishOnce(ctx, snapshot()); err != nil {
				b.log.Levelf(log.Warning, "announce: publish failed: %v", err)
			}
		}
	}
}

// HandleReceived processes one announcement received from the substrate:
// drops announcements older than MaxAnnouncementAge, updates the peer
// table, and enqueues missing digests (spec.md §4.7).
func (b *Bus) HandleReceived(raw []byte, receivedAt time.Time) error {
	wireMsg, err := unmarshalAnnouncement(raw)
	if err != nil {
		return err
	}
	if receivedAt.Sub(time.Unix(wireMsg.Timestamp, 0)) > MaxAnnouncementAge {
		b.log.Levelf(log.Debug, "announce: dropping stale announcement from %s", wireMsg.NodeID)
		return nil
	}

	key := dedupeCacheKey(wireMsg.NodeID, wireMsg.Timestamp)
	if _, dup := b.seen[key]; dup {
		return nil
	}
	b.seen[key] = receivedAt

	caps, err := common.FromWire(wireMsg, receivedAt)
	if err != nil {
		return err
	}

	b.Peers.Upsert(caps)

	missing := b.missing(caps.Digests)
	for _, d := range missing {
		b.Queue.Enqueue(Job{Digest: d, SourcePeer: caps.NodeID, Priority: 0})
	}
	return nil
}

// missing computes peer.digests - local.digests using the bitmap index.
func (b *Bus) missing(peerDigests []common.Digest) []common.Digest {
	var out []common.Digest
	for _, d := range peerDigests {
		idx, ok := b.idxByDigest[d]
		if !ok || !b.digestIndex.Contains(idx) {
			out = append(out, d)
		}
	}
	return out
}

// dedupeCacheKey is a fast, non-cryptographic map key for the announcement
// de-duplication cache (spec.md §4.7 point 3), not a content hash.
func dedupeCacheKey(nodeID string, timestamp int64) uint64 {
	h := xxhash.New()
	h.WriteString(nodeID)
	var buf [8]byte
	for i := range buf {
		buf[i] = byte(timestamp >> (8 * i))
	}
	h.Write(buf[:])
	return h.Sum64()
}
