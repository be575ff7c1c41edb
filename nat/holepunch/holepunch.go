// Package holepunch implements simultaneous-open UDP/TCP hole punching
// coordinated over an injected signaling channel, per spec.md §4.4. The
// signaling transport itself is never a concrete dependency of this
// package: callers supply a Signaler backed by whatever substrate they
// have (relay/relaytest provides a GossipMesh, not a Signaler).
package holepunch

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/anacrolix/log"

	"github.com/dignet/dignode/common"
	"github.com/dignet/dignode/nat"
)

// magic identifies a hole-punch probe datagram/segment, per spec.md §4.4.
const magic uint32 = 0xF5A9B3C7

// MaxRetries is the default retry budget for a punch attempt.
const MaxRetries = 3

const (
	udpSuccessWindow = 2 * time.Second
	tcpSuccessWindow = 5 * time.Second
)

// State is a position in the hole-punch attempt state machine of
// spec.md §4.4.
type State string

const (
	StateIdle         State = "idle"
	StateInitializing State = "initializing"
	StateDiscovering  State = "discovering"
	StateSignaling    State = "signaling"
	StateConnecting   State = "connecting"
	StateRetrying     State = "retrying"
	StateConnected    State = "connected"
	StateFailed       State = "failed"
	StateClosed       State = "closed"
)

// SignalKind tags a signaling message.
type SignalKind string

const (
	SignalOffer  SignalKind = "offer"
	SignalAnswer SignalKind = "answer"
)

// Signal is exchanged over the Signaler to coordinate simultaneous open.
type Signal struct {
	Kind    SignalKind
	From    common.NodeID
	To      common.NodeID
	UDPAddr string // host:port this side wants the peer to punch toward
	TCPAddr string
}

// Signaler delivers hole-punch offer/answer signals between two peers over
// whatever substrate the caller wires in (spec.md's gossip/relay layer).
type Signaler interface {
	Send(ctx context.Context, to common.NodeID, sig Signal) error
	// Recv blocks until a signal addressed to self arrives or ctx is done.
	Recv(ctx context.Context) (Signal, error)
}

// Attempt tracks one hole-punch negotiation with a single peer.
type Attempt struct {
	Self State
	Peer common.NodeID

	mu    sync.Mutex
	state State
	log   log.Logger
}

func NewAttempt(peer common.NodeID, logger log.Logger) *Attempt {
	return &Attempt{Peer: peer, state: StateIdle, log: logger}
}

func (a *Attempt) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
	a.log.Levelf(log.Debug, "holepunch %s: -> %s", a.Peer, s)
}

func (a *Attempt) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Result is the outcome of a successful punch: a ready net.Conn over
// whichever transport succeeded first.
type Result struct {
	Conn     net.Conn
	Protocol string // "udp" or "tcp"
}

// Run drives the state machine: exchange offer/answer via signaler using
// the caller-supplied local addresses (Run does no candidate discovery of
// its own), then attempt simultaneous open on both UDP and TCP, retrying
// up to MaxRetries times on failure.
func (a *Attempt) Run(ctx context.Context, signaler Signaler, localUDPAddr, localTCPAddr string, validation nat.ValidationOptions) (*Result, error) {
	a.setState(StateInitializing)

	for attempt := 0; attempt <= MaxRetries; attempt++ {
		if attempt > 0 {
			a.setState(StateRetrying)
		}

		a.setState(StateSignaling)
		if err := signaler.Send(ctx, a.Peer, Signal{
			Kind:    SignalOffer,
			UDPAddr: localUDPAddr,
			TCPAddr: localTCPAddr,
		}); err != nil {
			a.setState(StateFailed)
			return nil, fmt.Errorf("sending hole-punch offer: %w", err)
		}

		sig, err := signaler.Recv(ctx)
		if err != nil {
			a.setState(StateFailed)
			return nil, fmt.Errorf("receiving hole-punch answer: %w", err)
		}
		if err := validateSignal(sig, validation); err != nil {
			a.log.Levelf(log.Warning, "holepunch %s: rejecting signal: %v", a.Peer, err)
			continue
		}

		a.setState(StateConnecting)
		result, err := simultaneousOpen(ctx, localUDPAddr, sig.UDPAddr, localTCPAddr, sig.TCPAddr)
		if err == nil {
			a.setState(StateConnected)
			return result, nil
		}
		a.log.Levelf(log.Debug, "holepunch %s: attempt %d failed: %v", a.Peer, attempt, err)
	}

	a.setState(StateFailed)
	return nil, fmt.Errorf("hole punch to %s failed after %d attempts", a.Peer, MaxRetries+1)
}

func validateSignal(sig Signal, opts nat.ValidationOptions) error {
	if sig.UDPAddr == "" && sig.TCPAddr == "" {
		return fmt.Errorf("signal carries no candidate address")
	}
	for _, addr := range []string{sig.UDPAddr, sig.TCPAddr} {
		if addr == "" {
			continue
		}
		host, portStr, err := net.SplitHostPort(addr)
		if err != nil {
			return fmt.Errorf("malformed candidate address %q: %w", addr, err)
		}
		ip := net.ParseIP(host)
		var port int
		if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
			return fmt.Errorf("malformed candidate port %q: %w", portStr, err)
		}
		if err := nat.ValidateCandidate(ip, port, opts); err != nil {
			return err
		}
	}
	return nil
}

// simultaneousOpen races a UDP punch and a TCP simultaneous-open against
// each other, per spec.md §4.4's success windows (2s UDP, 5s TCP).
func simultaneousOpen(ctx context.Context, localUDP, remoteUDP, localTCP, remoteTCP string) (*Result, error) {
	resultCh := make(chan *Result, 2)
	errCh := make(chan error, 2)

	var wg sync.WaitGroup
	if remoteUDP != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := punchUDP(ctx, localUDP, remoteUDP)
			if err != nil {
				errCh <- err
				return
			}
			resultCh <- &Result{Conn: conn, Protocol: "udp"}
		}()
	}
	if remoteTCP != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := punchTCP(ctx, localTCP, remoteTCP)
			if err != nil {
				errCh <- err
				return
			}
			resultCh <- &Result{Conn: conn, Protocol: "tcp"}
		}()
	}

	go func() {
		wg.Wait()
		close(resultCh)
		close(errCh)
	}()

	select {
	case res, ok := <-resultCh:
		if ok && res != nil {
			return res, nil
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	var lastErr error
	for err := range errCh {
		lastErr = err
	}
	return nil, fmt.Errorf("no transport completed simultaneous open: %w", lastErr)
}

func punchUDP(ctx context.Context, local, remote string) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, udpSuccessWindow)
	defer cancel()

	laddr, err := net.ResolveUDPAddr("udp", local)
	if err != nil {
		return nil, err
	}
	raddr, err := net.ResolveUDPAddr("udp", remote)
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUDP("udp", laddr, raddr)
	if err != nil {
		return nil, err
	}

	probe, err := probeDatagram()
	if err != nil {
		conn.Close()
		return nil, err
	}

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	done := make(chan error, 1)
	go func() {
		buf := make([]byte, 16)
		conn.SetReadDeadline(time.Now().Add(udpSuccessWindow))
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			done <- err
			return
		}
		if n < 4 || binary.BigEndian.Uint32(buf[:4]) != magic {
			done <- fmt.Errorf("unexpected udp probe payload")
			return
		}
		done <- nil
	}()

	for {
		select {
		case <-ctx.Done():
			conn.Close()
			return nil, ctx.Err()
		case err := <-done:
			if err != nil {
				conn.Close()
				return nil, err
			}
			return conn, nil
		case <-ticker.C:
			conn.Write(probe)
		}
	}
}

func punchTCP(ctx context.Context, local, remote string) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, tcpSuccessWindow)
	defer cancel()

	laddr, err := net.ResolveTCPAddr("tcp", local)
	if err != nil {
		return nil, err
	}
	raddr, err := net.ResolveTCPAddr("tcp", remote)
	if err != nil {
		return nil, err
	}

	type dialResult struct {
		conn net.Conn
		err  error
	}
	resultCh := make(chan dialResult, 1)
	go func() {
		d := net.Dialer{LocalAddr: laddr, Timeout: tcpSuccessWindow}
		conn, err := d.DialContext(ctx, "tcp", raddr.String())
		resultCh <- dialResult{conn, err}
	}()

	select {
	case r := <-resultCh:
		if r.err != nil {
			return nil, r.err
		}
		return r.conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func probeDatagram() ([]byte, error) {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint32(buf[:4], magic)
	if _, err := rand.Read(buf[4:]); err != nil {
		return nil, err
	}
	return buf, nil
}
