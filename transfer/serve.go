package transfer

import (
	"context"
	"sync"
	"time"

	"github.com/dignet/dignode/common"
	"github.com/dignet/dignode/digest"
	"github.com/dignet/dignode/internal/wire"
	"github.com/dignet/dignode/transport"
)

// BlacklistThreshold and BlacklistWindow implement spec.md §7's peer
// blacklist: 3 strikes within 10 minutes.
const (
	BlacklistThreshold = 3
	BlacklistWindow    = 10 * time.Minute
)

// Blacklist tracks integrity-failure strikes per peer.
type Blacklist struct {
	mu      sync.Mutex
	strikes map[common.NodeID][]time.Time
}

func NewBlacklist() *Blacklist {
	return &Blacklist{strikes: make(map[common.NodeID][]time.Time)}
}

// Strike records an integrity failure attributed to peer and reports
// whether the peer is now blacklisted.
func (b *Blacklist) Strike(peer common.NodeID, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	cutoff := now.Add(-BlacklistWindow)
	kept := b.strikes[peer][:0]
	for _, t := range b.strikes[peer] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	b.strikes[peer] = kept
	return len(kept) >= BlacklistThreshold
}

// IsBlacklisted reports whether peer currently has BlacklistThreshold or
// more strikes within BlacklistWindow.
func (b *Blacklist) IsBlacklisted(peer common.NodeID, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	cutoff := now.Add(-BlacklistWindow)
	count := 0
	for _, t := range b.strikes[peer] {
		if t.After(cutoff) {
			count++
		}
	}
	return count >= BlacklistThreshold
}

// ChunkSource resolves a digest to a readable file on disk, along with its
// metadata, for ServeChunk/ServeMetadata.
type ChunkSource interface {
	Path(common.Digest) (string, bool)
	Metadata(common.Digest) (Metadata, bool)
}

// ServeChunk answers chunk-request{digest, chunk-index}, refusing with
// error:"choked" if the requesting peer is currently choked (spec.md §4.6:
// "Serving-side MUST refuse chunk requests from a choked peer").
func ServeChunk(ctx context.Context, ch transport.Channel, peer common.NodeID, req wire.Message, source ChunkSource, choker *Choker, chunker *digest.Chunker) error {
	if choker.IsChoked(peer) {
		return ch.Send(ctx, wire.Message{Type: wire.ErrorMsg, Digest: req.Digest, ChunkIndex: req.ChunkIndex, Reason: "choked"})
	}

	d, err := common.ParseDigest(req.Digest)
	if err != nil {
		return ch.Send(ctx, wire.Message{Type: wire.ErrorMsg, Digest: req.Digest, ChunkIndex: req.ChunkIndex, Reason: "malformed digest"})
	}
	path, ok := source.Path(d)
	if !ok {
		return ch.Send(ctx, wire.Message{Type: wire.ErrorMsg, Digest: req.Digest, ChunkIndex: req.ChunkIndex, Reason: "unknown digest"})
	}
	md, ok := source.Metadata(d)
	if !ok {
		return ch.Send(ctx, wire.Message{Type: wire.ErrorMsg, Digest: req.Digest, ChunkIndex: req.ChunkIndex, Reason: "unknown digest"})
	}

	if !choker.AllowSuperSeedChunk(peer, req.ChunkIndex) {
		return ch.Send(ctx, wire.Message{Type: wire.ErrorMsg, Digest: req.Digest, ChunkIndex: req.ChunkIndex, Reason: "super-seed limit reached"})
	}

	data, err := chunker.Chunk(path, req.ChunkIndex, md.TotalBytes)
	if err != nil {
		return ch.Send(ctx, wire.Message{Type: wire.ErrorMsg, Digest: req.Digest, ChunkIndex: req.ChunkIndex, Reason: err.Error()})
	}

	if err := choker.waitUploadBudget(ctx, len(data)); err != nil {
		return err
	}
	choker.RecordServed(peer, int64(len(data)))
	return ch.Send(ctx, wire.Message{
		Type:       wire.ChunkResponse,
		Digest:     req.Digest,
		ChunkIndex: req.ChunkIndex,
		Data:       data,
	})
}

// RunChoker drives Choker.Rerank every ChokeUpdateInterval, sending
// choke/unchoke messages over the supplied per-peer channel lookup, until
// ctx is cancelled.
func RunChoker(ctx context.Context, choker *Choker, channelFor func(common.NodeID) (transport.Channel, bool)) {
	ticker := time.NewTicker(ChokeUpdateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			unchoked, choked := choker.Rerank()
			for _, p := range unchoked {
				if ch, ok := channelFor(p); ok {
					ch.Send(ctx, wire.Message{Type: wire.Unchoke})
				}
			}
			for _, p := range choked {
				if ch, ok := channelFor(p); ok {
					ch.Send(ctx, wire.Message{Type: wire.Choke})
				}
			}
		}
	}
}
