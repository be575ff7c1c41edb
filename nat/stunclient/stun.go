// Package stunclient discovers this node's public IP/port by issuing a
// STUN Binding Request and extracting the XOR-Mapped-Address, per
// spec.md §4.4. It uses github.com/pion/stun/v3, which the teacher already
// pulls in transitively through pion/webrtc's ICE stack; this package is
// the first direct (non-ICE-internal) user of it.
package stunclient

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/pion/stun/v3"
)

// BackoffSchedule is the exponential retry schedule of spec.md §4.4:
// 500ms, 1s, 2s, 4s, 8s, 16s, abandoning after 6 attempts.
var BackoffSchedule = []time.Duration{
	500 * time.Millisecond,
	1 * time.Second,
	2 * time.Second,
	4 * time.Second,
	8 * time.Second,
	16 * time.Second,
}

// expectedCookie is the STUN magic cookie (spec.md §4.4).
const expectedCookie = 0x2112A442

// Result is the discovered public endpoint.
type Result struct {
	IP   net.IP
	Port int
}

// Discover issues a Binding Request to each server in turn, accepting the
// first response whose transaction ID matches and which passes the
// validation rules of spec.md §4.4 (length, magic cookie, transaction id,
// message class). It retries the whole server list using BackoffSchedule,
// abandoning after len(BackoffSchedule) attempts.
func Discover(ctx context.Context, servers []string) (Result, error) {
	if len(servers) == 0 {
		return Result{}, fmt.Errorf("no stun servers configured")
	}
	var lastErr error
	for attempt := 0; attempt < len(BackoffSchedule); attempt++ {
		for _, server := range servers {
			res, err := discoverOnce(ctx, server)
			if err == nil {
				return res, nil
			}
			lastErr = err
		}
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-time.After(BackoffSchedule[attempt]):
		}
	}
	return Result{}, fmt.Errorf("stun discovery abandoned after %d attempts: %w", len(BackoffSchedule), lastErr)
}

func discoverOnce(ctx context.Context, server string) (Result, error) {
	conn, err := net.Dial("udp", server)
	if err != nil {
		return Result{}, fmt.Errorf("dialing stun server %s: %w", server, err)
	}
	defer conn.Close()

	client, err := stun.NewClient(conn)
	if err != nil {
		return Result{}, fmt.Errorf("creating stun client: %w", err)
	}
	defer client.Close()

	msg, err := stun.Build(stun.TransactionID, stun.BindingRequest)
	if err != nil {
		return Result{}, fmt.Errorf("building stun binding request: %w", err)
	}
	sentTxID := msg.TransactionID

	resultCh := make(chan Result, 1)
	errCh := make(chan error, 1)

	deadline := 5 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		deadline = time.Until(dl)
	}
	if err := client.SetRTO(deadline); err != nil {
		return Result{}, fmt.Errorf("setting stun rto: %w", err)
	}

	err = client.Do(msg, func(res stun.Event) {
		if res.Error != nil {
			errCh <- res.Error
			return
		}
		r, err := validateAndExtract(res.Message, sentTxID)
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- r
	})
	if err != nil {
		return Result{}, fmt.Errorf("sending stun binding request: %w", err)
	}

	select {
	case r := <-resultCh:
		return r, nil
	case err := <-errCh:
		return Result{}, err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case <-time.After(deadline):
		return Result{}, fmt.Errorf("stun request to %s timed out", server)
	}
}

// validateAndExtract applies spec.md §4.4's validation rules and extracts
// the (XOR-)Mapped-Address.
func validateAndExtract(msg *stun.Message, wantTxID [stun.TransactionIDSize]byte) (Result, error) {
	if len(msg.Raw) < 20 {
		return Result{}, fmt.Errorf("stun response too short: %d bytes", len(msg.Raw))
	}
	if msg.TransactionID != wantTxID {
		// stun.Client only hands Do's callback a response whose
		// transaction id matches the pending request, so stray replies
		// are dropped before they get here. This check is a backstop;
		// when it fires, discoverOnce fails and Discover counts it as a
		// failed attempt like any other error.
		return Result{}, fmt.Errorf("stun transaction id mismatch")
	}
	if msg.Type.Class != stun.ClassSuccessResponse || msg.Type.Method != stun.MethodBinding {
		return Result{}, fmt.Errorf("unexpected stun message class/method: %v", msg.Type)
	}

	var xorAddr stun.XORMappedAddress
	if err := xorAddr.GetFrom(msg); err == nil {
		return Result{IP: xorAddr.IP, Port: xorAddr.Port}, nil
	}
	var mappedAddr stun.MappedAddress
	if err := mappedAddr.GetFrom(msg); err == nil {
		return Result{IP: mappedAddr.IP, Port: mappedAddr.Port}, nil
	}
	return Result{}, fmt.Errorf("stun response carries neither mapped nor xor-mapped address")
}
