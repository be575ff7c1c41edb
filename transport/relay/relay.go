// Package relay implements the last-resort relay transport of spec.md
// §4.3: frames tunnelled through the gossip substrate over a pair of
// channels keyed on (sender, receiver, nonce). dignode never imports a
// concrete gossip library (spec.md §1 treats the substrate as an external
// collaborator); instead this package depends only on the GossipMesh
// interface, satisfied in production by whatever mesh client the host
// process wires in, and by relaytest.Loopback in tests.
package relay

import (
	"context"
	"fmt"
	"net"

	"github.com/dignet/dignode/internal/wire"
	"github.com/dignet/dignode/transport"
)

// GossipMesh is the minimal publish/subscribe surface dignode needs from
// the external gossip substrate to carry relay frames and announcements.
type GossipMesh interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string) (<-chan []byte, error)
	Unsubscribe(topic string)
}

// Topic derives the relay channel name for a (sender, receiver, nonce)
// triple, per spec.md §4.3.
func Topic(namespace string, sender, receiver fmt.Stringer, nonce string) string {
	return fmt.Sprintf("%s/relay/%s/%s/%s", namespace, sender, receiver, nonce)
}

// Channel tunnels wire.Message frames through a GossipMesh topic pair: one
// topic this node publishes on, one it subscribes to. It is the slowest
// path (spec.md §4.3) and is only selected once every direct and punched
// path has failed (spec.md §4.5).
type Channel struct {
	mesh GossipMesh

	sendTopic string
	recvTopic string

	recvCh <-chan []byte
	limit  transport.FrameLimiter

	localAddr  net.Addr
	remoteAddr net.Addr
}

// Dial opens a relay Channel: it subscribes to the topic this node expects
// replies on and is ready to publish to the peer's topic immediately,
// mirroring the fact that relay has no connection-establishment handshake
// of its own — the gossip substrate is already connected.
func Dial(ctx context.Context, mesh GossipMesh, sendTopic, recvTopic string) (*Channel, error) {
	recvCh, err := mesh.Subscribe(ctx, recvTopic)
	if err != nil {
		return nil, fmt.Errorf("subscribing to relay topic %s: %w", recvTopic, err)
	}
	return &Channel{
		mesh:       mesh,
		sendTopic:  sendTopic,
		recvTopic:  recvTopic,
		recvCh:     recvCh,
		limit:      transport.NewFrameLimiter(transport.KindRelay),
		localAddr:  relayAddr(recvTopic),
		remoteAddr: relayAddr(sendTopic),
	}, nil
}

func (c *Channel) Send(ctx context.Context, msg wire.Message) error {
	body, err := msg.MarshalBinary()
	if err != nil {
		return err
	}
	if err := c.limit.Check(len(body)); err != nil {
		return err
	}
	return c.mesh.Publish(ctx, c.sendTopic, body)
}

func (c *Channel) Recv(ctx context.Context) (wire.Message, error) {
	select {
	case <-ctx.Done():
		return wire.Message{}, ctx.Err()
	case body, ok := <-c.recvCh:
		if !ok {
			return wire.Message{}, fmt.Errorf("relay channel closed")
		}
		var msg wire.Message
		if err := msg.UnmarshalBinary(body); err != nil {
			return wire.Message{}, fmt.Errorf("decoding relay frame: %w", err)
		}
		return msg, nil
	}
}

func (c *Channel) Close() error {
	c.mesh.Unsubscribe(c.recvTopic)
	return nil
}

func (c *Channel) Kind() transport.Kind { return transport.KindRelay }
func (c *Channel) LocalAddr() net.Addr  { return c.localAddr }
func (c *Channel) RemoteAddr() net.Addr { return c.remoteAddr }

type relayAddr string

func (a relayAddr) Network() string { return "relay" }
func (a relayAddr) String() string  { return string(a) }
