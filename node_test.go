package dignode

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/anacrolix/log"
	"github.com/stretchr/testify/require"

	"github.com/dignet/dignode/common"
	"github.com/dignet/dignode/digest"
)

type nullPublisher struct{}

func (nullPublisher) Publish(ctx context.Context, namespace string, payload []byte) error {
	return nil
}

func testConfig(t *testing.T) Config {
	dir := t.TempDir()
	return Config{
		StoreDir:               dir,
		ListenTCP:              "127.0.0.1:0",
		StatusAddr:             "127.0.0.1:0",
		MaxConcurrentDownloads: 1,
		MaxUnchokedPeers:       4,
		GossipNamespace:        "dignode/test",
		SuccessRegistryDir:     filepath.Join(dir, "registry"),
	}
}

func TestStartIsIdempotentlyRejectedWhileRunning(t *testing.T) {
	n, err := New(testConfig(t), nullPublisher{}, log.Default)
	require.NoError(t, err)
	require.Equal(t, StateNew, n.State())

	ctx := context.Background()
	require.NoError(t, n.Start(ctx))
	require.Equal(t, StateRunning, n.State())

	err = n.Start(ctx)
	require.Error(t, err)
	kind, ok := common.KindOf(err)
	require.True(t, ok)
	require.Equal(t, common.ErrAlreadyRunning, kind)

	require.NoError(t, n.Stop(ctx))
	require.Equal(t, StateStopped, n.State())
}

func TestStopOnStoppedNodeIsNoOp(t *testing.T) {
	n, err := New(testConfig(t), nullPublisher{}, log.Default)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, n.Stop(ctx)) // never started

	require.NoError(t, n.Start(ctx))
	require.NoError(t, n.Stop(ctx))
	require.NoError(t, n.Stop(ctx)) // already stopped
}

func TestSnapshotReflectsStoreContentsAfterStart(t *testing.T) {
	cfg := testConfig(t)
	n, err := New(cfg, nullPublisher{}, log.Default)
	require.NoError(t, err)

	require.Equal(t, 0, n.Snapshot().StoredBlobs) // New never touches disk

	ctx := context.Background()
	require.NoError(t, n.Start(ctx))
	defer n.Stop(ctx)

	require.Equal(t, 0, n.Snapshot().StoredBlobs) // store dir starts empty
	require.Equal(t, StateRunning, n.Snapshot().State)
}

// TestRescanFeedsLocalDigestsIntoBus confirms that store.Scan results reach
// the announce bus's local-digest index, so a peer announcing a digest this
// node already holds is not re-enqueued as missing every cycle.
func TestRescanFeedsLocalDigestsIntoBus(t *testing.T) {
	cfg := testConfig(t)
	n, err := New(cfg, nullPublisher{}, log.Default)
	require.NoError(t, err)

	content := []byte("already have this one")
	d, err := digest.SumReader(bytes.NewReader(content))
	require.NoError(t, err)
	require.NoError(t, n.store.Ingest(d, content))

	ctx := context.Background()
	require.NoError(t, n.rescan(ctx))

	peer := common.NewNodeID()
	wireMsg := common.Capabilities{NodeID: peer, Digests: []common.Digest{d}}.ToWire(time.Now())
	payload, err := json.Marshal(wireMsg)
	require.NoError(t, err)

	require.NoError(t, n.bus.HandleReceived(payload, time.Now()))
	require.Equal(t, 0, n.queue.Len())
}
