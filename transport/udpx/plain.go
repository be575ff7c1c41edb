package udpx

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/anacrolix/log"

	"github.com/dignet/dignode/internal/wire"
	"github.com/dignet/dignode/transport"
)

// fragHeaderLen is the 3-byte {msg-id, frag-index, final-flag} header of
// spec.md §4.3: 2 bytes of msg-id, 1 byte of frag-index, with the top bit of
// frag-index repurposed as the final-flag.
const fragHeaderLen = 3

const maxFragIndex = 0x7f // 7 bits of frag-index, 1 bit final-flag

// retransmitSchedule is the exponential backoff between retries of a
// datagram write that returned an error. Plain has no acknowledgements, so
// a datagram that was written successfully is never resent.
var retransmitSchedule = []time.Duration{
	100 * time.Millisecond,
	200 * time.Millisecond,
	400 * time.Millisecond,
	800 * time.Millisecond,
	1600 * time.Millisecond,
}

// Plain is a best-effort, single-datagram-per-frame UDP transport used for
// interop when uTP is unavailable. It is the generalization of the
// teacher's firewallPacketConn/packetConnSocket in socket.go, extended with
// the manual fragmentation spec.md §4.3 requires since a raw PacketConn has
// no framing of its own.
type Plain struct {
	pc     net.PacketConn
	kind   transport.Kind
	logger log.Logger
	limit  transport.FrameLimiter

	mu        sync.Mutex
	nextMsgID uint16
	peers     map[string]*plainChannel
}

// Firewall decides whether an inbound datagram from addr should be dropped
// before any reassembly state is touched, mirroring socket.go's
// firewallCallback and implementing the loopback/private-range rejection of
// spec.md §4.4's security rules at the transport layer.
type Firewall func(net.Addr) (block bool)

func ListenPlain(ctx context.Context, addr string, kind transport.Kind, fw Firewall, logger log.Logger) (*Plain, error) {
	pc, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening plain udp: %w", err)
	}
	p := &Plain{
		pc:     pc,
		kind:   kind,
		logger: logger,
		limit:  transport.NewFrameLimiter(kind),
		peers:  make(map[string]*plainChannel),
	}
	go p.readLoop(fw)
	return p, nil
}

func (p *Plain) Addr() net.Addr { return p.pc.LocalAddr() }
func (p *Plain) Close() error   { return p.pc.Close() }

// Dial returns a Channel representing a specific remote peer. Plain UDP has
// no handshake; the Channel is usable as soon as the remote address is
// known, matching the fire-and-forget nature of the transport.
func (p *Plain) Dial(ctx context.Context, addr string) (transport.Channel, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolving plain udp peer %s: %w", addr, err)
	}
	return p.channelFor(raddr), nil
}

func (p *Plain) channelFor(addr net.Addr) *plainChannel {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := addr.String()
	c, ok := p.peers[key]
	if !ok {
		c = &plainChannel{
			plain:   p,
			remote:  addr,
			inbox:   make(chan wire.Message, 64),
			pending: make(map[uint16][][]byte),
		}
		p.peers[key] = c
	}
	return c
}

func (p *Plain) readLoop(fw Firewall) {
	buf := make([]byte, 2048)
	for {
		n, addr, err := p.pc.ReadFrom(buf)
		if err != nil {
			return
		}
		if fw != nil && fw(addr) {
			// Dropped by firewall, no state change (spec.md §4.4).
			continue
		}
		if n > transport.MaxFrameSize(p.kind) {
			continue
		}
		frame := make([]byte, n)
		copy(frame, buf[:n])
		c := p.channelFor(addr)
		c.handleDatagram(frame)
	}
}

type plainChannel struct {
	plain  *Plain
	remote net.Addr

	mu      sync.Mutex
	pending map[uint16][][]byte // msgID -> fragments collected so far

	inbox chan wire.Message
}

// handleDatagram reassembles a fragment and, once the final fragment for a
// msg-id has arrived, decodes and delivers the whole message.
func (c *plainChannel) handleDatagram(frame []byte) {
	if len(frame) < fragHeaderLen {
		return
	}
	msgID := binary.BigEndian.Uint16(frame[0:2])
	fragByte := frame[2]
	final := fragByte&0x80 != 0
	fragIndex := fragByte & 0x7f
	payload := frame[fragHeaderLen:]

	c.mu.Lock()
	frags := c.pending[msgID]
	for len(frags) <= int(fragIndex) {
		frags = append(frags, nil)
	}
	frags[fragIndex] = payload
	c.pending[msgID] = frags
	var complete bool
	if final {
		complete = true
		for _, f := range frags {
			if f == nil {
				complete = false
				break
			}
		}
	}
	if !complete {
		c.mu.Unlock()
		return
	}
	delete(c.pending, msgID)
	c.mu.Unlock()

	var whole []byte
	for _, f := range frags {
		whole = append(whole, f...)
	}
	var msg wire.Message
	if err := msg.UnmarshalBinary(whole); err != nil {
		return
	}
	select {
	case c.inbox <- msg:
	default:
		// Slow consumer: drop rather than block the shared read loop.
	}
}

func (c *plainChannel) Send(ctx context.Context, msg wire.Message) error {
	body, err := msg.MarshalBinary()
	if err != nil {
		return err
	}
	maxPayload := transport.MaxFrameSize(c.plain.kind) - fragHeaderLen
	if maxPayload <= 0 {
		return transport.ErrFrameTooLarge
	}
	numFrags := (len(body) + maxPayload - 1) / maxPayload
	if numFrags == 0 {
		numFrags = 1
	}
	if numFrags-1 > maxFragIndex {
		return fmt.Errorf("message too large to fragment within %d frames: %w", maxFragIndex+1, transport.ErrFrameTooLarge)
	}
	msgID := c.plain.nextMessageID()
	for i := 0; i < numFrags; i++ {
		start := i * maxPayload
		end := start + maxPayload
		if end > len(body) {
			end = len(body)
		}
		fragByte := byte(i)
		if i == numFrags-1 {
			fragByte |= 0x80
		}
		frame := make([]byte, fragHeaderLen, fragHeaderLen+end-start)
		binary.BigEndian.PutUint16(frame[0:2], msgID)
		frame[2] = fragByte
		frame = append(frame, body[start:end]...)
		if err := c.writeDatagramWithRetries(ctx, frame); err != nil {
			return err
		}
	}
	return nil
}

// writeDatagramWithRetries retransmits a fragment with the exponential
// backoff schedule of spec.md §4.3. Plain UDP has no transport-level ack, so
// this simply bounds how hard we try before giving up on a single write;
// request/response level retries happen above this layer in transfer.
func (c *plainChannel) writeDatagramWithRetries(ctx context.Context, frame []byte) error {
	var lastErr error
	for _, backoff := range retransmitSchedule {
		_, err := c.plain.pc.WriteTo(frame, c.remote)
		if err == nil {
			return nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return fmt.Errorf("writing plain udp datagram after retries: %w", lastErr)
}

func (p *Plain) nextMessageID() uint16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextMsgID++
	return p.nextMsgID
}

func (c *plainChannel) Recv(ctx context.Context) (wire.Message, error) {
	select {
	case <-ctx.Done():
		return wire.Message{}, ctx.Err()
	case msg := <-c.inbox:
		return msg, nil
	}
}

func (c *plainChannel) Close() error { return nil }

func (c *plainChannel) Kind() transport.Kind { return c.plain.kind }
func (c *plainChannel) LocalAddr() net.Addr  { return c.plain.pc.LocalAddr() }
func (c *plainChannel) RemoteAddr() net.Addr { return c.remote }
