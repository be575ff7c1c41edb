package selector

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dignet/dignode/common"
	"github.com/dignet/dignode/transport"
)

func TestRecordSuccessAndLookup(t *testing.T) {
	dir := t.TempDir()
	reg, err := Open(dir)
	require.NoError(t, err)

	peer := common.NewNodeID()
	now := time.Now()
	require.NoError(t, reg.RecordSuccess(peer, transport.KindDirectTCP, "1.2.3.4", 4000, now))

	e, ok := reg.Lookup(peer)
	require.True(t, ok)
	require.Equal(t, transport.KindDirectTCP, e.TransportKind)
	require.Equal(t, 1, e.SuccessCount)

	require.NoError(t, reg.RecordSuccess(peer, transport.KindDirectTCP, "1.2.3.4", 4000, now.Add(time.Minute)))
	e, ok = reg.Lookup(peer)
	require.True(t, ok)
	require.Equal(t, 2, e.SuccessCount)
}

func TestRecordSuccessPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	reg, err := Open(dir)
	require.NoError(t, err)

	peer := common.NewNodeID()
	require.NoError(t, reg.RecordSuccess(peer, transport.KindWebRTC, "5.6.7.8", 9000, time.Now()))

	reopened, err := Open(dir)
	require.NoError(t, err)
	e, ok := reopened.Lookup(peer)
	require.True(t, ok)
	require.Equal(t, transport.KindWebRTC, e.TransportKind)
}

func TestPreferredFirstRejectsStaleEntry(t *testing.T) {
	dir := t.TempDir()
	reg, err := Open(dir)
	require.NoError(t, err)

	peer := common.NewNodeID()
	old := time.Now().Add(-46 * 24 * time.Hour)
	require.NoError(t, reg.RecordSuccess(peer, transport.KindDirectTCP, "1.2.3.4", 4000, old))

	_, ok := reg.PreferredFirst(peer, time.Now())
	require.False(t, ok)
}

func TestPreferredFirstAcceptsRecentEntry(t *testing.T) {
	dir := t.TempDir()
	reg, err := Open(dir)
	require.NoError(t, err)

	peer := common.NewNodeID()
	require.NoError(t, reg.RecordSuccess(peer, transport.KindDirectTCP, "1.2.3.4", 4000, time.Now()))

	e, ok := reg.PreferredFirst(peer, time.Now())
	require.True(t, ok)
	require.Equal(t, transport.KindDirectTCP, e.TransportKind)
}

func TestSweepRemovesEntriesOlderThanMaxAge(t *testing.T) {
	dir := t.TempDir()
	reg, err := Open(dir)
	require.NoError(t, err)

	stalePeer := common.NewNodeID()
	freshPeer := common.NewNodeID()
	now := time.Now()
	require.NoError(t, reg.RecordSuccess(stalePeer, transport.KindDirectTCP, "1.1.1.1", 1, now.Add(-46*24*time.Hour)))
	require.NoError(t, reg.RecordSuccess(freshPeer, transport.KindDirectTCP, "2.2.2.2", 2, now))

	removed := reg.Sweep(now)
	require.Equal(t, 1, removed)

	_, ok := reg.Lookup(stalePeer)
	require.False(t, ok)
	_, ok = reg.Lookup(freshPeer)
	require.True(t, ok)
}
