// Package transport defines the common framed message channel contract
// implemented by every concrete transport (tcp, udpx, webrtc, relay), per
// spec.md §4.3. This is the "dynamic duck-typed connection objects become a
// single trait/interface" substitution from spec.md §9: every transport
// speaks the same Channel, tagged by Kind rather than by a concrete type
// switch.
package transport

import (
	"context"
	"net"
	"time"

	"github.com/dignet/dignode/internal/wire"
)

// Kind identifies which concrete transport backs a Channel, used both for
// logging and as the preference-order key in the connection selector
// (spec.md §4.5).
type Kind string

const (
	KindDirectTCP     Kind = "direct_tcp"
	KindDirectUDP     Kind = "direct_udp"
	KindUPnPTCP       Kind = "upnp_tcp"
	KindNATPMPTCP     Kind = "natpmp_tcp"
	KindTCPHolePunch  Kind = "tcp_hole_punch"
	KindUDPHolePunch  Kind = "udp_hole_punch"
	KindWebRTC        Kind = "webrtc"
	KindRelay         Kind = "relay"
)

// PreferenceOrder is the transport preference order of spec.md §4.5,
// earliest wins.
var PreferenceOrder = []Kind{
	KindDirectTCP,
	KindDirectUDP,
	KindUPnPTCP,
	KindNATPMPTCP,
	KindTCPHolePunch,
	KindUDPHolePunch,
	KindWebRTC,
	KindRelay,
}

// Channel is a bidirectional framed message channel (spec.md §3 "Connection").
// Frames on a single Channel are delivered to Recv in send order (spec.md
// §5); concrete transports are responsible for providing that ordering
// (udpx.Reliable gets it from uTP's ordered stream; udpx.Plain has no
// sequence numbers and does not guarantee it).
type Channel interface {
	// Send writes a single message, blocking until it is queued for
	// transmission (or the framing layer itself has been written, for
	// stream transports). It must be safe to call concurrently with Recv
	// but not with itself.
	Send(ctx context.Context, msg wire.Message) error

	// Recv returns the next message in send order. It must be safe to call
	// concurrently with Send but not with itself.
	Recv(ctx context.Context) (wire.Message, error)

	Close() error

	Kind() Kind
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
}

// MaxFrameSize returns the configured per-frame maximum size for a given
// transport kind: 1500 bytes for UDP-family transports, 1 MiB otherwise
// (spec.md §4.3).
func MaxFrameSize(k Kind) int {
	switch k {
	case KindDirectUDP, KindUDPHolePunch:
		return 1500
	default:
		return 1 << 20
	}
}

// DefaultDialTimeout is the per-attempt timeout used by the connection
// selector when establishing a new Channel (spec.md §4.5).
const DefaultDialTimeout = 30 * time.Second

// Dialer establishes an outbound Channel to a remote endpoint description.
// Each concrete transport package provides one.
type Dialer interface {
	Dial(ctx context.Context, addr string) (Channel, error)
}

// Listener accepts inbound Channels.
type Listener interface {
	Accept(ctx context.Context) (Channel, error)
	Addr() net.Addr
	Close() error
}
