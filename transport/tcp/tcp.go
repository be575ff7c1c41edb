// Package tcp implements the direct-TCP transport: one logical Channel per
// TCP connection, framed with a 4-byte big-endian length prefix, exactly as
// spec.md §4.3 requires. It is a direct generalization of the teacher's
// listenTcp/tcpSocket in socket.go: same net.ListenConfig with lingering
// disabled and keepalives left to the protocol layer, not the OS.
package tcp

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/anacrolix/log"

	"github.com/dignet/dignode/internal/wire"
	"github.com/dignet/dignode/transport"
)

// lengthPrefixHeader is the size in bytes of the frame length prefix.
const lengthPrefixHeader = 4

// listenConfig mirrors the teacher's tcpListenConfig in socket.go: BitTorrent
// (and dignode) connections manage their own keepalives, so the OS-level
// keepalive is disabled.
var listenConfig = net.ListenConfig{
	KeepAlive: -1,
}

// Listen starts a TCP listener on addr, matching socket.go's listenTcp.
func Listen(ctx context.Context, addr string, logger log.Logger) (*TCPListener, error) {
	l, err := listenConfig.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening tcp: %w", err)
	}
	return &TCPListener{l: l, logger: logger}, nil
}

type TCPListener struct {
	l      net.Listener
	logger log.Logger
}

func (t *TCPListener) Accept(ctx context.Context) (transport.Channel, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := t.l.Accept()
		ch <- result{conn, err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		disableLinger(r.conn)
		return newChannel(r.conn, transport.KindDirectTCP, t.logger), nil
	}
}

func (t *TCPListener) Addr() net.Addr { return t.l.Addr() }
func (t *TCPListener) Close() error   { return t.l.Close() }

// Dialer dials out over plain TCP. A distinct Kind can be supplied so the
// same dial code path serves direct, UPnP-mapped, NAT-PMP-mapped and
// hole-punched TCP connections (spec.md §4.5 preference list) — they differ
// only in how the address was obtained, not in how bytes are framed.
type Dialer struct {
	Kind   transport.Kind
	Logger log.Logger
	net.Dialer
}

func NewDialer(kind transport.Kind, logger log.Logger) *Dialer {
	return &Dialer{
		Kind:   kind,
		Logger: logger,
		Dialer: net.Dialer{
			FallbackDelay: -1,
			KeepAlive:     -1,
		},
	}
}

func (d *Dialer) Dial(ctx context.Context, addr string) (transport.Channel, error) {
	conn, err := d.Dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dialing tcp %s: %w", addr, err)
	}
	disableLinger(conn)
	return newChannel(conn, d.Kind, d.Logger), nil
}

// disableLinger best-effort disables SO_LINGER, matching socket.go's
// setSockNoLinger control callback. Failing to disable it is logged, not
// fatal, as in the teacher.
func disableLinger(conn net.Conn) {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	raw, err := tc.SyscallConn()
	if err != nil {
		return
	}
	_ = raw.Control(func(fd uintptr) {
		_ = syscall.SetsockoptLinger(int(fd), syscall.SOL_SOCKET, syscall.SO_LINGER, &syscall.Linger{Onoff: 0, Linger: 0})
	})
}

type channel struct {
	conn   net.Conn
	kind   transport.Kind
	logger log.Logger
	limit  transport.FrameLimiter

	writeMu sync.Mutex
	readMu  sync.Mutex
}

func newChannel(conn net.Conn, kind transport.Kind, logger log.Logger) *channel {
	return &channel{
		conn:   conn,
		kind:   kind,
		logger: logger,
		limit:  transport.NewFrameLimiter(kind),
	}
}

func (c *channel) Send(ctx context.Context, msg wire.Message) error {
	body, err := msg.MarshalBinary()
	if err != nil {
		return err
	}
	if err := c.limit.Check(len(body)); err != nil {
		// Oversize frames are dropped without touching connection state
		// (spec.md §4.3); the caller asked us to send it, so surface the
		// error but do not close the channel.
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if dl, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(dl)
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	header := make([]byte, lengthPrefixHeader)
	binary.BigEndian.PutUint32(header, uint32(len(body)))
	if _, err := c.conn.Write(header); err != nil {
		return fmt.Errorf("writing tcp frame header: %w", err)
	}
	if _, err := c.conn.Write(body); err != nil {
		return fmt.Errorf("writing tcp frame body: %w", err)
	}
	return nil
}

func (c *channel) Recv(ctx context.Context) (wire.Message, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	if dl, ok := ctx.Deadline(); ok {
		_ = c.conn.SetReadDeadline(dl)
		defer c.conn.SetReadDeadline(time.Time{})
	}
	header := make([]byte, lengthPrefixHeader)
	if _, err := io.ReadFull(c.conn, header); err != nil {
		return wire.Message{}, fmt.Errorf("reading tcp frame header: %w", err)
	}
	frameLen := binary.BigEndian.Uint32(header)
	if err := c.limit.Check(int(frameLen)); err != nil {
		// Drop the oversize frame: consume and discard its bytes so the
		// stream stays in sync, without tearing down the connection.
		_, _ = io.CopyN(io.Discard, c.conn, int64(frameLen))
		return wire.Message{}, fmt.Errorf("dropped oversize tcp frame (%d bytes): %w", frameLen, transport.ErrFrameTooLarge)
	}
	body := make([]byte, frameLen)
	if _, err := io.ReadFull(c.conn, body); err != nil {
		return wire.Message{}, fmt.Errorf("reading tcp frame body: %w", err)
	}
	var msg wire.Message
	if err := msg.UnmarshalBinary(body); err != nil {
		return wire.Message{}, fmt.Errorf("decoding tcp frame: %w", err)
	}
	return msg, nil
}

func (c *channel) Close() error             { return c.conn.Close() }
func (c *channel) Kind() transport.Kind     { return c.kind }
func (c *channel) LocalAddr() net.Addr      { return c.conn.LocalAddr() }
func (c *channel) RemoteAddr() net.Addr     { return c.conn.RemoteAddr() }
