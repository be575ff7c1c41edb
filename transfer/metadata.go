// Package transfer implements C6: metadata exchange, pipelined chunked
// transfer with resume and streaming integrity verification, and the
// serving-side choke/unchoke fairness scheme, per spec.md §4.6. It is the
// generalization of the teacher's per-torrent request pipelining and choke
// logic (peer.go) from whole-torrent piece selection down to single-blob
// chunk sequencing.
package transfer

import (
	"context"
	"time"

	"github.com/dignet/dignode/common"
	"github.com/dignet/dignode/internal/wire"
	"github.com/dignet/dignode/transport"
)

// DefaultMetadataTimeout is spec.md §4.6's metadata-exchange timeout.
const DefaultMetadataTimeout = 30 * time.Second

// Metadata is the response to a metadata-request.
type Metadata struct {
	Digest      common.Digest
	TotalBytes  int64
	TotalChunks int64
	ChunkSize   int64
}

// RequestMetadata sends metadata-request{digest} over ch and waits for
// metadata-response or error, per spec.md §4.6.
func RequestMetadata(ctx context.Context, ch transport.Channel, digest common.Digest) (Metadata, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultMetadataTimeout)
	defer cancel()

	req := wire.Message{Type: wire.MetadataRequest, Digest: digest.String()}
	if err := ch.Send(ctx, req); err != nil {
		return Metadata{}, common.NewError("transfer.RequestMetadata", common.ErrTransientNetwork, err)
	}

	for {
		msg, err := ch.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return Metadata{}, common.NewError("transfer.RequestMetadata", common.ErrMetadataTimeout, ctx.Err())
			}
			return Metadata{}, common.NewError("transfer.RequestMetadata", common.ErrTransientNetwork, err)
		}
		switch msg.Type {
		case wire.MetadataResponse:
			if msg.Digest != digest.String() {
				continue
			}
			return Metadata{
				Digest:      digest,
				TotalBytes:  msg.TotalBytes,
				TotalChunks: msg.TotalChunks,
				ChunkSize:   msg.ChunkSize,
			}, nil
		case wire.ErrorMsg:
			return Metadata{}, common.NewError("transfer.RequestMetadata", common.ErrProtocol, errFromWire(msg))
		default:
			// Stray message for a different exchange on a shared channel;
			// ignore and keep waiting for ours.
			continue
		}
	}
}

// ServeMetadata answers a metadata-request with either metadata-response or
// error{reason}, depending on whether lookup succeeds.
func ServeMetadata(ctx context.Context, ch transport.Channel, req wire.Message, lookup func(common.Digest) (Metadata, bool)) error {
	d, err := common.ParseDigest(req.Digest)
	if err != nil {
		return ch.Send(ctx, wire.Message{Type: wire.ErrorMsg, Digest: req.Digest, Reason: "malformed digest"})
	}
	md, ok := lookup(d)
	if !ok {
		return ch.Send(ctx, wire.Message{Type: wire.ErrorMsg, Digest: req.Digest, Reason: "unknown digest"})
	}
	resp := wire.Message{
		Type:        wire.MetadataResponse,
		Digest:      md.Digest.String(),
		TotalBytes:  md.TotalBytes,
		TotalChunks: md.TotalChunks,
		ChunkSize:   md.ChunkSize,
	}
	return ch.Send(ctx, resp)
}

func errFromWire(msg wire.Message) error {
	if msg.Reason == "" {
		return common.NewError("transfer", common.ErrProtocol, nil)
	}
	return &reasonError{msg.Reason}
}

type reasonError struct{ reason string }

func (e *reasonError) Error() string { return e.reason }
