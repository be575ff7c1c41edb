package dignode

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/anacrolix/log"
	"github.com/dustin/go-humanize"

	"github.com/dignet/dignode/announce"
	"github.com/dignet/dignode/common"
	"github.com/dignet/dignode/internal/wire"
	"github.com/dignet/dignode/selector"
	"github.com/dignet/dignode/transfer"
	"github.com/dignet/dignode/transport"
	"github.com/dignet/dignode/transport/tcp"
)

// downloadPollInterval is how often an idle worker checks the queue for
// newly enqueued jobs.
const downloadPollInterval = 500 * time.Millisecond

// runDownloadWorkers runs cfg.MaxConcurrentDownloads workers, each pulling
// jobs from the announce package's DownloadQueue until ctx is cancelled
// (spec.md §4.8 bounded-concurrency download queue).
func (n *Node) runDownloadWorkers(ctx context.Context) {
	workers := n.cfg.MaxConcurrentDownloads
	if workers <= 0 {
		workers = 1
	}
	done := make(chan struct{})
	for i := 0; i < workers; i++ {
		go func() {
			n.downloadWorker(ctx)
			done <- struct{}{}
		}()
	}
	for i := 0; i < workers; i++ {
		<-done
	}
}

func (n *Node) downloadWorker(ctx context.Context) {
	ticker := time.NewTicker(downloadPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		job, ok := n.queue.Next()
		if !ok {
			continue
		}
		if err := n.runJob(ctx, job); err != nil {
			n.log.Levelf(log.Warning, "dignode: download %s from %s failed: %v", job.Digest, job.SourcePeer, err)
		}
		n.queue.Complete(job.Digest)
	}
}

func (n *Node) runJob(ctx context.Context, job announce.Job) error {
	ctx, span := n.tracer().Start(ctx, "dignode.Download")
	defer span.End()

	caps, ok := n.peers.Get(job.SourcePeer)
	if !ok {
		n.metrics.downloadsFailed.Inc()
		return fmt.Errorf("no capability record for peer %s", job.SourcePeer)
	}
	if n.blacklist.IsBlacklisted(job.SourcePeer, time.Now()) {
		n.metrics.downloadsFailed.Inc()
		return fmt.Errorf("peer %s is blacklisted", job.SourcePeer)
	}
	candidates := n.candidatesFor(caps)
	if len(candidates) == 0 {
		n.metrics.downloadsFailed.Inc()
		return fmt.Errorf("no reachable transport for peer %s", job.SourcePeer)
	}

	attempt := selector.NewAttempt(job.SourcePeer, n.registry, n.log)
	connectCtx, connectSpan := n.tracer().Start(ctx, "selector.Attempt.Connect")
	ch, kind, err := attempt.Connect(connectCtx, candidates, transport.DefaultDialTimeout)
	connectSpan.End()
	if err != nil {
		n.metrics.natOutcomes.WithLabelValues("any", "failed").Inc()
		n.metrics.downloadsFailed.Inc()
		return common.NewPeerError("Node.runJob", common.ErrNATTraversal, job.SourcePeer, err)
	}
	n.metrics.natOutcomes.WithLabelValues(string(kind), "ok").Inc()
	defer ch.Close()

	if err := n.dialHandshake(ctx, ch); err != nil {
		n.metrics.downloadsFailed.Inc()
		return err
	}

	relPath, ok := n.store.LookupByDigest(job.Digest)
	dest := n.store.Dir + "/" + job.Digest.String() + ".dig"
	if ok {
		dest = n.store.Dir + "/" + relPath
	}

	dl, err := transfer.NewDownload(ctx, ch, job.Digest, dest, n.log)
	if err != nil {
		n.metrics.downloadsFailed.Inc()
		return err
	}
	if err := dl.Run(ctx); err != nil {
		if kind, ok := common.KindOf(err); ok && kind == common.ErrIntegrityFailure {
			n.blacklist.Strike(job.SourcePeer, time.Now())
		}
		n.metrics.downloadsFailed.Inc()
		return err
	}
	if info, statErr := os.Stat(dest); statErr == nil {
		n.metrics.transferBytes.WithLabelValues("in").Add(float64(info.Size()))
		n.log.Levelf(log.Info, "dignode: downloaded %s (%s) from %s", job.Digest, humanize.Bytes(uint64(info.Size())), job.SourcePeer)
	}
	return n.rescan(ctx)
}

// dialHandshake is the outbound half of Node.handshake: this node sends
// first and then waits for the peer's identity frame on a channel it just
// dialed, before handing the channel to transfer.Download.
func (n *Node) dialHandshake(parent context.Context, ch transport.Channel) error {
	ctx, cancel := context.WithTimeout(parent, handshakeTimeout)
	defer cancel()
	if err := ch.Send(ctx, wire.Message{Type: wire.Handshake, NodeID: n.nodeID.String()}); err != nil {
		return err
	}
	msg, err := ch.Recv(ctx)
	if err != nil {
		return err
	}
	if msg.Type != wire.Handshake {
		return common.NewError("Node.dialHandshake", common.ErrProtocol, errUnexpectedType(msg.Type))
	}
	return nil
}

// candidatesFor turns a peer's advertised capabilities into dial candidates
// ordered by transport.PreferenceOrder via the selector (spec.md §4.5).
//
// Direct TCP, direct UDP, and mapped TCP (UPnP or NAT-PMP, tagged by the
// peer's own UPnPInfo.Method) are wired from capability fields that name a
// concrete dialable endpoint. WebRTC, TCP/UDP hole punching, and relay are
// not: each needs an out-of-band signaling exchange (SDP offer/answer for
// WebRTC, simultaneous-open coordination for hole punching, topic
// subscription for relay) carried over a full publish/subscribe substrate.
// The orchestrator is only ever constructed with a send-only
// announce.Publisher (spec.md §1 treats the substrate as an external
// collaborator dignode never assumes more than publish from), so it has no
// channel to carry that signaling and cannot originate those three kinds of
// attempt. A host process wiring dignode to a substrate that also supports
// subscribe would extend this method with holepunch.Signaler- and
// relay.GossipMesh-backed candidates the same way the two below are built.
func (n *Node) candidatesFor(caps common.Capabilities) []selector.Candidate {
	var out []selector.Candidate
	dialer := tcp.NewDialer(transport.KindDirectTCP, n.log)

	if caps.DirectTCP.Ok {
		addr := fmt.Sprintf("%s:%d", caps.DirectTCP.Value.IP, caps.DirectTCP.Value.Port)
		out = append(out, selector.Candidate{
			Kind: transport.KindDirectTCP,
			Dial: func(ctx context.Context) (transport.Channel, error) { return dialer.Dial(ctx, addr) },
		})
	}
	if caps.DirectUDP.Ok && n.udpListener != nil {
		addr := fmt.Sprintf("%s:%d", caps.DirectUDP.Value.IP, caps.DirectUDP.Value.Port)
		out = append(out, selector.Candidate{
			Kind: transport.KindDirectUDP,
			Dial: func(ctx context.Context) (transport.Channel, error) { return n.udpListener.Dial(ctx, addr) },
		})
	}
	if caps.UPnP.Ok {
		addr := fmt.Sprintf("%s:%d", caps.UPnP.Value.ExternalIP, caps.UPnP.Value.ExternalPort)
		kind := transport.KindUPnPTCP
		if caps.UPnP.Value.Method == "nat-pmp" {
			kind = transport.KindNATPMPTCP
		}
		mappedDialer := tcp.NewDialer(kind, n.log)
		out = append(out, selector.Candidate{
			Kind: kind,
			Dial: func(ctx context.Context) (transport.Channel, error) { return mappedDialer.Dial(ctx, addr) },
		})
	}
	return out
}

// runChokeLoop re-ranks peers on transfer.ChokeUpdateInterval and notifies
// each one of its new choke state, mirroring transfer.RunChoker but with
// this node's metrics wired into the per-rerank outcome.
func (n *Node) runChokeLoop(ctx context.Context) {
	ticker := time.NewTicker(transfer.ChokeUpdateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			unchoked, choked := n.choker.Rerank()
			for _, p := range unchoked {
				if ch, ok := n.channelFor(p); ok {
					ch.Send(ctx, wire.Message{Type: wire.Unchoke})
				}
			}
			n.metrics.choketransitions.WithLabelValues("unchoked").Add(float64(len(unchoked)))
			for _, p := range choked {
				if ch, ok := n.channelFor(p); ok {
					ch.Send(ctx, wire.Message{Type: wire.Choke})
				}
			}
			n.metrics.choketransitions.WithLabelValues("choked").Add(float64(len(choked)))
		}
	}
}

// runIdleEviction closes connections that have sat unused past connIdleTTL
// until ctx is cancelled.
func (n *Node) runIdleEviction(ctx context.Context) {
	ticker := time.NewTicker(connIdleTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if evicted := n.conns.EvictIdle(time.Now()); evicted > 0 {
				n.log.Levelf(log.Debug, "dignode: evicted %d idle connections", evicted)
				n.metrics.openConns.Set(float64(n.conns.Len()))
			}
		}
	}
}
