package transfer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dignet/dignode/common"
)

func TestUnknownPeerStartsChoked(t *testing.T) {
	c := NewChoker(MaxUnchokedPeers)
	require.True(t, c.IsChoked(common.NewNodeID()))
}

func TestRerankUnchokesTopContributors(t *testing.T) {
	c := NewChoker(2) // 1 ranked slot + 1 optimistic
	peers := make([]common.NodeID, 3)
	for i := range peers {
		peers[i] = common.NewNodeID()
	}
	c.RecordServed(peers[0], 1000)
	c.RecordServed(peers[1], 10)
	c.RecordServed(peers[2], 1)

	unchoked, _ := c.Rerank()
	require.Contains(t, unchoked, peers[0])
	require.Len(t, unchoked, 2) // top contributor + one optimistic unchoke
}

func TestSuperSeedLimitsDistinctChunksPerPeer(t *testing.T) {
	c := NewChoker(MaxUnchokedPeers)
	c.EnableSuperSeed(2)
	peer := common.NewNodeID()

	require.True(t, c.AllowSuperSeedChunk(peer, 0))
	require.True(t, c.AllowSuperSeedChunk(peer, 1))
	require.False(t, c.AllowSuperSeedChunk(peer, 2))
	// re-requesting an already-granted chunk is always fine.
	require.True(t, c.AllowSuperSeedChunk(peer, 0))
}

func TestBlacklistTripsAtThreshold(t *testing.T) {
	b := NewBlacklist()
	peer := common.NewNodeID()
	now := time.Now()

	require.False(t, b.Strike(peer, now))
	require.False(t, b.Strike(peer, now.Add(time.Minute)))
	require.True(t, b.Strike(peer, now.Add(2*time.Minute)))
	require.True(t, b.IsBlacklisted(peer, now.Add(2*time.Minute)))
}

func TestBlacklistStrikesExpireOutsideWindow(t *testing.T) {
	b := NewBlacklist()
	peer := common.NewNodeID()
	now := time.Now()

	b.Strike(peer, now)
	b.Strike(peer, now.Add(time.Minute))
	b.Strike(peer, now.Add(11*time.Minute))
	require.False(t, b.IsBlacklisted(peer, now.Add(11*time.Minute)))
}

func TestUploadLimitDisabledByDefault(t *testing.T) {
	c := NewChoker(MaxUnchokedPeers)
	require.NoError(t, c.waitUploadBudget(context.Background(), 1<<20))
}

func TestUploadLimitBlocksUntilCancelled(t *testing.T) {
	c := NewChoker(MaxUnchokedPeers)
	c.SetUploadLimit(1, 1) // one byte per second, burst one

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	// Draining the single-byte burst then asking for more within the
	// deadline must fail (rate.Limiter reports that the wait would exceed
	// the context deadline) rather than block forever.
	require.NoError(t, c.waitUploadBudget(context.Background(), 1))
	require.Error(t, c.waitUploadBudget(ctx, 1))
}

func TestSetUploadLimitZeroDisables(t *testing.T) {
	c := NewChoker(MaxUnchokedPeers)
	c.SetUploadLimit(1, 1)
	c.SetUploadLimit(0, 0)
	require.NoError(t, c.waitUploadBudget(context.Background(), 1<<20))
}
