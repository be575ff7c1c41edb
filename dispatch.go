package dignode

import (
	"context"
	"time"

	"github.com/anacrolix/log"

	"github.com/dignet/dignode/common"
	"github.com/dignet/dignode/internal/wire"
	"github.com/dignet/dignode/transfer"
	"github.com/dignet/dignode/transport"
)

// handshakeTimeout bounds how long a freshly accepted/dialed channel waits
// for its peer's identity frame before being dropped (spec.md §5 deadlined
// network calls).
const handshakeTimeout = 10 * time.Second

// acceptLoop accepts inbound channels on l until ctx is cancelled, handing
// each off to serveConn. The orchestrator runs one of these per transport
// listener it owns (direct TCP, direct UDP).
func (n *Node) acceptLoop(ctx context.Context, l transport.Listener) {
	for {
		ch, err := l.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			n.log.Levelf(log.Warning, "dignode: accept failed: %v", err)
			continue
		}
		go n.serveConn(ctx, ch)
	}
}

// serveConn performs the identity handshake and then dispatches every
// subsequent message on ch by its wire.Type until Recv errors or ctx is
// cancelled (spec.md §4.3/§4.6).
func (n *Node) serveConn(ctx context.Context, ch transport.Channel) {
	peer, err := n.handshake(ctx, ch)
	if err != nil {
		n.log.Levelf(log.Debug, "dignode: handshake failed: %v", err)
		ch.Close()
		return
	}
	n.conns.Put(peer, ch)
	n.metrics.openConns.Set(float64(n.conns.Len()))

	for {
		msg, err := ch.Recv(ctx)
		if err != nil {
			n.conns.Remove(peer)
			ch.Close()
			n.metrics.openConns.Set(float64(n.conns.Len()))
			return
		}
		if err := n.dispatch(ctx, peer, ch, msg); err != nil {
			n.log.Levelf(log.Debug, "dignode: dispatch %s from %s: %v", msg.Type, peer, err)
		}
	}
}

// handshake exchanges Handshake frames carrying each side's NodeID.
func (n *Node) handshake(parent context.Context, ch transport.Channel) (common.NodeID, error) {
	ctx, cancel := context.WithTimeout(parent, handshakeTimeout)
	defer cancel()

	if err := ch.Send(ctx, wire.Message{Type: wire.Handshake, NodeID: n.nodeID.String()}); err != nil {
		return common.NodeID{}, err
	}
	msg, err := ch.Recv(ctx)
	if err != nil {
		return common.NodeID{}, err
	}
	if msg.Type != wire.Handshake {
		return common.NodeID{}, common.NewError("Node.handshake", common.ErrProtocol, errUnexpectedType(msg.Type))
	}
	return common.ParseNodeID(msg.NodeID)
}

func (n *Node) dispatch(ctx context.Context, peer common.NodeID, ch transport.Channel, msg wire.Message) error {
	if n.blacklist.IsBlacklisted(peer, time.Now()) {
		return ch.Send(ctx, wire.Message{Type: wire.ErrorMsg, Reason: "blacklisted"})
	}
	switch msg.Type {
	case wire.MetadataRequest:
		return transfer.ServeMetadata(ctx, ch, msg, n.source.Metadata)
	case wire.ChunkRequest:
		err := transfer.ServeChunk(ctx, ch, peer, msg, n.source, n.choker, n.chunker)
		if err == nil {
			n.metrics.chunksServed.Inc()
		}
		return err
	case wire.Have:
		n.choker.RecordHave(peer, msg.ChunkIndex)
		return nil
	case wire.Ping:
		return ch.Send(ctx, wire.Message{Type: wire.Ping})
	case wire.Cancel, wire.Choke, wire.Unchoke, wire.ChunkResponse, wire.MetadataResponse, wire.ErrorMsg:
		// Responses and flow-control frames for transfers this node
		// initiated are consumed by transfer.Download's own Recv loop on
		// its own channel, never by this inbound dispatcher.
		return nil
	default:
		return common.NewError("Node.dispatch", common.ErrProtocol, errUnexpectedType(msg.Type))
	}
}

type errUnexpectedType wire.Type

func (e errUnexpectedType) Error() string { return "unexpected message type: " + string(e) }
