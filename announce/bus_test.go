package announce

import (
	"context"
	"testing"
	"time"

	"github.com/anacrolix/log"
	"github.com/stretchr/testify/require"

	"github.com/dignet/dignode/common"
)

type recordingPublisher struct {
	published [][]byte
}

func (p *recordingPublisher) Publish(ctx context.Context, namespace string, payload []byte) error {
	p.published = append(p.published, payload)
	return nil
}

func sampleCaps(id common.NodeID, digests ...common.Digest) common.Capabilities {
	return common.Capabilities{
		NodeID:   id,
		Digests:  digests,
		LastSeen: time.Now(),
	}
}

func TestHandleReceivedEnqueuesMissingDigests(t *testing.T) {
	pub := &recordingPublisher{}
	peers := NewPeerTable()
	queue := NewDownloadQueue()
	bus := New("dignode/test", pub, peers, queue, log.Default)

	var local common.Digest
	local[0] = 1
	bus.SetLocalDigests([]common.Digest{local})

	var missingDigest common.Digest
	missingDigest[0] = 2

	remote := common.NewNodeID()
	caps := sampleCaps(remote, local, missingDigest)
	wire := caps.ToWire(time.Now())
	payload, err := marshalAnnouncement(wire)
	require.NoError(t, err)

	require.NoError(t, bus.HandleReceived(payload, time.Now()))

	job, ok := queue.Next()
	require.True(t, ok)
	require.Equal(t, missingDigest, job.Digest)
	require.Equal(t, remote, job.SourcePeer)

	_, ok = peers.Get(remote)
	require.True(t, ok)
}

func TestHandleReceivedDropsStaleAnnouncement(t *testing.T) {
	pub := &recordingPublisher{}
	peers := NewPeerTable()
	queue := NewDownloadQueue()
	bus := New("dignode/test", pub, peers, queue, log.Default)

	remote := common.NewNodeID()
	caps := sampleCaps(remote)
	old := time.Now().Add(-2 * time.Minute)
	wire := caps.ToWire(old)
	payload, err := marshalAnnouncement(wire)
	require.NoError(t, err)

	require.NoError(t, bus.HandleReceived(payload, time.Now()))

	_, ok := peers.Get(remote)
	require.False(t, ok)
}

func TestHandleReceivedDeduplicatesIdenticalAnnouncement(t *testing.T) {
	pub := &recordingPublisher{}
	peers := NewPeerTable()
	queue := NewDownloadQueue()
	bus := New("dignode/test", pub, peers, queue, log.Default)

	var missingDigest common.Digest
	missingDigest[0] = 9
	remote := common.NewNodeID()
	now := time.Now()
	caps := sampleCaps(remote, missingDigest)
	wire := caps.ToWire(now)
	payload, err := marshalAnnouncement(wire)
	require.NoError(t, err)

	require.NoError(t, bus.HandleReceived(payload, now))
	require.NoError(t, bus.HandleReceived(payload, now))

	require.Equal(t, 1, queue.Len())
}

func TestDownloadQueueDeduplicatesByDigest(t *testing.T) {
	q := NewDownloadQueue()
	var d common.Digest
	d[0] = 5

	require.True(t, q.Enqueue(Job{Digest: d}))
	require.False(t, q.Enqueue(Job{Digest: d}))
	require.Equal(t, 1, q.Len())

	job, ok := q.Next()
	require.True(t, ok)
	require.Equal(t, d, job.Digest)

	require.False(t, q.Enqueue(Job{Digest: d})) // still active
	q.Complete(d)
	require.True(t, q.Enqueue(Job{Digest: d})) // active cleared, can requeue
}

func TestPublishOnceCallsPublisher(t *testing.T) {
	pub := &recordingPublisher{}
	bus := New("dignode/test", pub, NewPeerTable(), NewDownloadQueue(), log.Default)

	caps := sampleCaps(common.NewNodeID())
	require.NoError(t, bus.PublishOnce(context.Background(), caps))
	require.Len(t, pub.published, 1)
}
