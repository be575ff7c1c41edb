package transfer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/anacrolix/chansync"
	"github.com/anacrolix/log"
	"github.com/elliotchance/orderedmap/v2"

	"github.com/dignet/dignode/common"
	"github.com/dignet/dignode/digest"
	"github.com/dignet/dignode/internal/reqorder"
	"github.com/dignet/dignode/internal/wire"
	"github.com/dignet/dignode/transport"
)

// MaxOutstandingRequests is spec.md §4.6's default per-connection pipeline
// depth.
const MaxOutstandingRequests = 5

// MaxRetriesPerChunk is spec.md §4.6's retry budget before a transfer fails
// with chunk-unavailable.
const MaxRetriesPerChunk = 3

// RequestTimeout is spec.md §5's per-request deadline ceiling: a chunk
// request that has been in flight this long without a response or an
// explicit error is treated as one failed attempt against
// MaxRetriesPerChunk, the same as an explicit wire.ErrorMsg.
const RequestTimeout = 30 * time.Second

// Download drives a single client-side transfer of one digest over one
// connection: metadata exchange, pipelined chunk requests, resume,
// streaming hash verification, and atomic promotion into the local store on
// success. Outstanding in-flight requests are tracked in an
// elliotchance/orderedmap keyed by chunk index, preserving issue order the
// way the teacher's sentHaves/metadataRequests bitmaps track pending
// protocol state.
type Download struct {
	Digest common.Digest
	Dest   string // final path under the store's Dir
	ch     transport.Channel
	meta   Metadata
	log    log.Logger

	mu         sync.Mutex
	inFlight   *orderedmap.OrderedMap[int64, time.Time]
	retries    map[int64]int
	pending    []int64 // chunk indices needing resend after a timeout, drained before nextToSend advances
	nextToSend int64
	verifiedUp int64            // chunks [0, verifiedUp) are hashed into acc
	arrived    map[int64][]byte // chunks written to disk but not yet past verifiedUp

	done  chansync.SetOnce
	file  *os.File
	acc   *digest.StreamAccumulator
	order *reqorder.Index
}

// NewDownload starts a transfer: performs metadata exchange, then attempts
// resume against an existing partial file at dest if one exists.
func NewDownload(ctx context.Context, ch transport.Channel, want common.Digest, dest string, logger log.Logger) (*Download, error) {
	meta, err := RequestMetadata(ctx, ch, want)
	if err != nil {
		return nil, err
	}

	d := &Download{
		Digest:   want,
		Dest:     dest,
		ch:       ch,
		meta:     meta,
		log:      logger,
		inFlight: orderedmap.NewOrderedMap[int64, time.Time](),
		retries:  make(map[int64]int),
		arrived:  make(map[int64][]byte),
		order:    reqorder.New(),
	}

	resumeFrom, err := d.tryResume()
	if err != nil {
		return nil, err
	}
	d.nextToSend = resumeFrom
	d.verifiedUp = resumeFrom

	f, err := os.OpenFile(d.tempPath(), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, common.NewError("transfer.NewDownload", common.ErrLocalIO, err)
	}
	d.file = f
	d.acc = digest.NewStreamAccumulator()
	if resumeFrom > 0 {
		if err := d.acc.SeedFromFile(d.tempPath(), resumeFrom*d.meta.ChunkSize); err != nil {
			f.Close()
			return nil, err
		}
	}
	return d, nil
}

func (d *Download) tempPath() string {
	return d.Dest + ".part"
}

// tryResume implements spec.md §4.6's resume rule: if a partial file
// already exists, resume from chunk floor(S/chunk-size), but only if the
// existing prefix's recomputed hash matches what the full download's prefix
// would have to be. Since the full hash is unknown in advance for a partial
// prefix, the practical check is that the partial file's prefix length is a
// whole number of chunks; a corrupt prefix is caught later because the
// running accumulator diverges and overall integrity check fails, evicting
// the file (spec.md §4.6 "Integrity").
func (d *Download) tryResume() (int64, error) {
	info, err := os.Stat(d.tempPath())
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, common.NewError("transfer.tryResume", common.ErrLocalIO, err)
	}
	if d.meta.ChunkSize == 0 {
		return 0, nil
	}
	wholeChunks := info.Size() / d.meta.ChunkSize
	if wholeChunks <= 0 {
		return 0, nil
	}
	if wholeChunks > d.meta.TotalChunks {
		wholeChunks = d.meta.TotalChunks
	}
	return wholeChunks, nil
}

// Run drives the pipelined request loop until every chunk is verified or an
// unrecoverable error occurs.
func (d *Download) Run(ctx context.Context) error {
	defer d.file.Close()

	errCh := make(chan error, 1)
	go d.recvLoop(ctx, errCh)

	for {
		d.mu.Lock()
		complete := d.verifiedUp >= d.meta.TotalChunks
		d.mu.Unlock()
		if complete {
			break
		}

		if err := d.checkTimeouts(); err != nil {
			return err
		}
		if err := d.fillPipeline(ctx); err != nil {
			return err
		}

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}

	return d.finish()
}

func (d *Download) fillPipeline(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for d.inFlight.Len() < MaxOutstandingRequests && len(d.pending) > 0 {
		idx := d.pending[0]
		d.pending = d.pending[1:]
		if err := d.ch.Send(ctx, wire.Message{
			Type:       wire.ChunkRequest,
			Digest:     d.Digest.String(),
			ChunkIndex: idx,
		}); err != nil {
			return common.NewError("transfer.fillPipeline", common.ErrTransientNetwork, err)
		}
		d.inFlight.Set(idx, time.Now())
	}

	for d.inFlight.Len() < MaxOutstandingRequests && d.nextToSend < d.meta.TotalChunks {
		idx := d.nextToSend
		if err := d.ch.Send(ctx, wire.Message{
			Type:       wire.ChunkRequest,
			Digest:     d.Digest.String(),
			ChunkIndex: idx,
		}); err != nil {
			return common.NewError("transfer.fillPipeline", common.ErrTransientNetwork, err)
		}
		d.inFlight.Set(idx, time.Now())
		d.order.Add(reqorder.Item{ChunkIndex: int(idx)})
		d.nextToSend++
	}
	return nil
}

// checkTimeouts retries or fails every in-flight request that has been
// outstanding past RequestTimeout with no response, mirroring the explicit
// wire.ErrorMsg handling in recvLoop: each timeout counts as one attempt
// against MaxRetriesPerChunk.
func (d *Download) checkTimeouts() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	var timedOut []int64
	for el := d.inFlight.Front(); el != nil; el = el.Next() {
		if now.Sub(el.Value) >= RequestTimeout {
			timedOut = append(timedOut, el.Key)
		}
	}
	for _, idx := range timedOut {
		d.inFlight.Delete(idx)
		d.retries[idx]++
		if d.retries[idx] > MaxRetriesPerChunk {
			return common.NewError("transfer.checkTimeouts", common.ErrChunkUnavailable,
				fmt.Errorf("chunk %d timed out after %d retries", idx, MaxRetriesPerChunk))
		}
		d.pending = append(d.pending, idx)
	}
	return nil
}

func (d *Download) recvLoop(ctx context.Context, errCh chan<- error) {
	for {
		msg, err := d.ch.Recv(ctx)
		if err != nil {
			select {
			case errCh <- common.NewError("transfer.recvLoop", common.ErrTransientNetwork, err):
			default:
			}
			return
		}
		switch msg.Type {
		case wire.ChunkResponse:
			if err := d.handleChunk(ctx, msg); err != nil {
				select {
				case errCh <- err:
				default:
				}
				return
			}
		case wire.ErrorMsg:
			d.mu.Lock()
			d.retries[msg.ChunkIndex]++
			exceeded := d.retries[msg.ChunkIndex] > MaxRetriesPerChunk
			_, wasInFlight := d.inFlight.Get(msg.ChunkIndex)
			d.inFlight.Delete(msg.ChunkIndex)
			if wasInFlight && !exceeded {
				d.pending = append(d.pending, msg.ChunkIndex)
			}
			d.mu.Unlock()
			if exceeded {
				select {
				case errCh <- common.NewError("transfer.recvLoop", common.ErrChunkUnavailable,
					fmt.Errorf("chunk %d unavailable after %d retries: %s", msg.ChunkIndex, MaxRetriesPerChunk, msg.Reason)):
				default:
				}
				return
			}
		}

		d.mu.Lock()
		complete := d.verifiedUp >= d.meta.TotalChunks
		d.mu.Unlock()
		if complete {
			return
		}
	}
}

// handleChunk writes an out-of-order arrival to its correct file offset
// immediately, but only advances the running hash accumulator in
// chunk-index order (spec.md §4.6): arrivals at or beyond verifiedUp are
// buffered in d.arrived until every chunk below them has been hashed, then
// drained in one pass.
func (d *Download) handleChunk(ctx context.Context, msg wire.Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.inFlight.Delete(msg.ChunkIndex)
	delete(d.retries, msg.ChunkIndex)

	offset := msg.ChunkIndex * d.meta.ChunkSize
	if _, err := d.file.WriteAt(msg.Data, offset); err != nil {
		return common.NewError("transfer.handleChunk", common.ErrLocalIO, err)
	}
	d.order.Delete(reqorder.Item{ChunkIndex: int(msg.ChunkIndex)})

	if msg.ChunkIndex < d.verifiedUp {
		// duplicate/retransmitted arrival for an already-hashed chunk.
		return nil
	}
	d.arrived[msg.ChunkIndex] = msg.Data

	for {
		buf, ok := d.arrived[d.verifiedUp]
		if !ok {
			break
		}
		d.acc.Write(buf)
		delete(d.arrived, d.verifiedUp)
		d.verifiedUp++
	}
	return nil
}

// finish compares the accumulated hash to Digest, discarding the file on
// mismatch and atomically renaming it into place on match (spec.md §4.6
// "Integrity").
func (d *Download) finish() error {
	got := d.acc.Sum()
	if got != d.Digest {
		os.Remove(d.tempPath())
		return common.NewError("transfer.finish", common.ErrIntegrityFailure,
			fmt.Errorf("final hash %s does not match expected %s", got, d.Digest))
	}
	if err := os.MkdirAll(filepath.Dir(d.Dest), 0o755); err != nil {
		return common.NewError("transfer.finish", common.ErrLocalIO, err)
	}
	if err := os.Rename(d.tempPath(), d.Dest); err != nil {
		return common.NewError("transfer.finish", common.ErrLocalIO, err)
	}
	d.done.Set()
	return nil
}

// Cancel sends cancel{digest, chunk-index} for every still in-flight
// request and marks the download done without writing a result.
func (d *Download) Cancel(ctx context.Context) {
	d.mu.Lock()
	var indices []int64
	for el := d.inFlight.Front(); el != nil; el = el.Next() {
		indices = append(indices, el.Key)
	}
	d.mu.Unlock()

	for _, idx := range indices {
		d.ch.Send(ctx, wire.Message{Type: wire.Cancel, Digest: d.Digest.String(), ChunkIndex: idx})
	}
	d.done.Set()
}
