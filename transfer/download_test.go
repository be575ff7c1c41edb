package transfer

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/anacrolix/log"
	"github.com/elliotchance/orderedmap/v2"
	"github.com/stretchr/testify/require"

	"github.com/dignet/dignode/common"
	"github.com/dignet/dignode/digest"
	"github.com/dignet/dignode/internal/wire"
)

func TestMetadataRoundTrip(t *testing.T) {
	client, server := newPipePair()
	want := common.NewNodeID() // arbitrary 16 bytes reused as a fake digest source
	var d common.Digest
	copy(d[:], want[:])

	md := Metadata{Digest: d, TotalBytes: 100, TotalChunks: 2, ChunkSize: 64}
	go func() {
		req, err := server.Recv(context.Background())
		require.NoError(t, err)
		require.NoError(t, ServeMetadata(context.Background(), server, req, func(got common.Digest) (Metadata, bool) {
			require.Equal(t, d, got)
			return md, true
		}))
	}()

	got, err := RequestMetadata(context.Background(), client, d)
	require.NoError(t, err)
	require.Equal(t, md, got)
}

func TestMetadataRequestUnknownDigestReturnsError(t *testing.T) {
	client, server := newPipePair()
	var d common.Digest
	d[0] = 1

	go func() {
		req, _ := server.Recv(context.Background())
		ServeMetadata(context.Background(), server, req, func(common.Digest) (Metadata, bool) {
			return Metadata{}, false
		})
	}()

	_, err := RequestMetadata(context.Background(), client, d)
	require.Error(t, err)
	kind, ok := common.KindOf(err)
	require.True(t, ok)
	require.Equal(t, common.ErrProtocol, kind)
}

// fakeServer answers both the metadata-request and every chunk-request by
// serving fixed content straight from memory, bypassing ChunkSource/Choker,
// for a full pipeline/resume/hash round trip without touching disk on the
// serving side. A single goroutine owns ch.Recv, since Channel forbids
// concurrent Recv calls.
func fakeServer(ch *pipeChannel, content []byte, chunkSize int64) {
	total := int64(len(content))
	totalChunks := (total + chunkSize - 1) / chunkSize
	for {
		msg, err := ch.Recv(context.Background())
		if err != nil {
			return
		}
		switch msg.Type {
		case wire.MetadataRequest:
			ch.Send(context.Background(), wire.Message{
				Type:        wire.MetadataResponse,
				Digest:      msg.Digest,
				TotalBytes:  total,
				TotalChunks: totalChunks,
				ChunkSize:   chunkSize,
			})
		case wire.ChunkRequest:
			start := msg.ChunkIndex * chunkSize
			end := start + chunkSize
			if end > total {
				end = total
			}
			ch.Send(context.Background(), wire.Message{
				Type:       wire.ChunkResponse,
				ChunkIndex: msg.ChunkIndex,
				Data:       content[start:end],
			})
		case wire.Cancel:
			// nothing to do in this fake.
		}
	}
}

func TestDownloadRunProducesCorrectFile(t *testing.T) {
	content := []byte("the quick brown fox jumps over the lazy dog, repeated for bulk. 0123456789")
	chunkSize := int64(16)
	d, err := digest.SumReader(bytes.NewReader(content))
	require.NoError(t, err)

	client, server := newPipePair()
	go fakeServer(server, content, chunkSize)

	dir := t.TempDir()
	dest := filepath.Join(dir, d.String()+".dig")

	dl, err := NewDownload(context.Background(), client, d, dest, log.Default)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, dl.Run(ctx))

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, content, got)
}

// TestCheckTimeoutsRetriesThenFails exercises the per-request deadline
// directly against stale inFlight timestamps rather than waiting out
// RequestTimeout in real time: a request silently never answered is one
// failed attempt per timeout, exactly like an explicit wire.ErrorMsg, and
// the timeout after MaxRetriesPerChunk retries turns into
// ErrChunkUnavailable.
func TestCheckTimeoutsRetriesThenFails(t *testing.T) {
	d := &Download{
		inFlight: orderedmap.NewOrderedMap[int64, time.Time](),
		retries:  make(map[int64]int),
		meta:     Metadata{TotalChunks: 1, ChunkSize: 16},
	}
	stale := time.Now().Add(-RequestTimeout - time.Second)

	for attempt := 1; attempt <= MaxRetriesPerChunk; attempt++ {
		d.inFlight.Set(0, stale)
		require.NoError(t, d.checkTimeouts())
		require.Equal(t, attempt, d.retries[0])
		require.Equal(t, []int64{0}, d.pending)
		d.pending = nil // fillPipeline would have drained and resent it
	}

	d.inFlight.Set(0, stale)
	err := d.checkTimeouts()
	require.Error(t, err)
	kind, ok := common.KindOf(err)
	require.True(t, ok)
	require.Equal(t, common.ErrChunkUnavailable, kind)
}

// TestCheckTimeoutsIgnoresFreshRequests confirms a request within
// RequestTimeout is left alone.
func TestCheckTimeoutsIgnoresFreshRequests(t *testing.T) {
	d := &Download{
		inFlight: orderedmap.NewOrderedMap[int64, time.Time](),
		retries:  make(map[int64]int),
		meta:     Metadata{TotalChunks: 1, ChunkSize: 16},
	}
	d.inFlight.Set(0, time.Now())
	require.NoError(t, d.checkTimeouts())
	require.Empty(t, d.pending)
	require.Equal(t, 1, d.inFlight.Len())
}
