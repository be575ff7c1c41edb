package dignode

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/anacrolix/log"
	"github.com/davecgh/go-spew/spew"
	"github.com/go-quicktest/qt"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/dignet/dignode/internal/buildinfo"
)

func TestSnapshotFieldsMatchFreshNode(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{
		StoreDir:               dir,
		ListenTCP:              "127.0.0.1:0",
		StatusAddr:             "127.0.0.1:0",
		MaxConcurrentDownloads: 1,
		MaxUnchokedPeers:       4,
		GossipNamespace:        "dignode/test",
		SuccessRegistryDir:     filepath.Join(dir, "registry"),
	}
	n, err := New(cfg, nullPublisher{}, log.Default)
	qt.Assert(t, qt.IsNil(err))

	want := StatusSnapshot{
		Version:     buildinfo.Version,
		NodeID:      n.NodeID().String(),
		State:       StateNew,
		StoredBlobs: 0,
		LivePeers:   0,
		QueuedJobs:  0,
		OpenConns:   0,
	}
	got := n.Snapshot()
	if diff := cmp.Diff(want, got, cmpopts.IgnoreFields(StatusSnapshot{}, "SnapshottedAt")); diff != "" {
		t.Fatalf("unexpected snapshot before Start (-want +got):\n%s\n%s", diff, spew.Sdump(got))
	}

	ctx := context.Background()
	qt.Assert(t, qt.IsNil(n.Start(ctx)))
	defer n.Stop(ctx)

	qt.Check(t, qt.Equals(n.Snapshot().State, StateRunning))
}
