package transfer

import (
	"context"
	"net"

	"github.com/dignet/dignode/internal/wire"
	"github.com/dignet/dignode/transport"
)

// pipeAddr is a trivial net.Addr for the in-memory pipe channel below.
type pipeAddr string

func (a pipeAddr) Network() string { return "pipe" }
func (a pipeAddr) String() string  { return string(a) }

// pipeChannel is an in-memory transport.Channel backed by unbuffered Go
// channels, used to exercise metadata/chunk exchange without a real
// transport, the same role the teacher's in-process test helpers play for
// protocol-level unit tests.
type pipeChannel struct {
	send chan wire.Message
	recv chan wire.Message
	kind transport.Kind
}

// newPipePair returns two ends of a connected in-memory channel.
func newPipePair() (a, b *pipeChannel) {
	ab := make(chan wire.Message, 64)
	ba := make(chan wire.Message, 64)
	return &pipeChannel{send: ab, recv: ba, kind: transport.KindDirectTCP},
		&pipeChannel{send: ba, recv: ab, kind: transport.KindDirectTCP}
}

func (p *pipeChannel) Send(ctx context.Context, msg wire.Message) error {
	select {
	case p.send <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeChannel) Recv(ctx context.Context) (wire.Message, error) {
	select {
	case msg := <-p.recv:
		return msg, nil
	case <-ctx.Done():
		return wire.Message{}, ctx.Err()
	}
}

func (p *pipeChannel) Close() error             { return nil }
func (p *pipeChannel) Kind() transport.Kind     { return p.kind }
func (p *pipeChannel) LocalAddr() net.Addr      { return pipeAddr("local") }
func (p *pipeChannel) RemoteAddr() net.Addr     { return pipeAddr("remote") }
