// Package webrtc implements the WebRTC data-channel transport of
// spec.md §4.3: a reliable ordered channel where messages map 1:1 to data
// channel messages. Offer/answer exchange happens out of band and is left
// to the caller (nat/holepunch's Signal carries no SDP), so this package only
// deals with the PeerConnection/DataChannel lifecycle once SDP has been
// exchanged.
package webrtc

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"

	"github.com/dignet/dignode/internal/wire"
	"github.com/dignet/dignode/transport"
)

const dataChannelLabel = "dignode"

// Config mirrors the WebRTCInfo capability: which STUN servers to use when
// building the ICE configuration.
type Config struct {
	StunServers []string
}

func (c Config) iceServers() []webrtc.ICEServer {
	if len(c.StunServers) == 0 {
		return nil
	}
	return []webrtc.ICEServer{{URLs: c.StunServers}}
}

// Peer owns one PeerConnection and its single data channel, and exposes it
// as a transport.Channel once the channel opens.
type Peer struct {
	pc *webrtc.PeerConnection
	dc *webrtc.DataChannel

	loggerFactory logging.LoggerFactory

	readyOnce sync.Once
	ready     chan struct{}
	readyErr  error

	inbox chan wire.Message
	limit transport.FrameLimiter
}

// NewOffering creates a Peer and its data channel as the offering side,
// returning the local SDP offer to be published to the remote peer via the
// signaling channel of spec.md §4.4.
func NewOffering(ctx context.Context, cfg Config) (*Peer, webrtc.SessionDescription, error) {
	p, err := newPeer(cfg)
	if err != nil {
		return nil, webrtc.SessionDescription{}, err
	}
	ordered := true
	dc, err := p.pc.CreateDataChannel(dataChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return nil, webrtc.SessionDescription{}, fmt.Errorf("creating data channel: %w", err)
	}
	p.attachDataChannel(dc)

	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return nil, webrtc.SessionDescription{}, fmt.Errorf("creating offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return nil, webrtc.SessionDescription{}, fmt.Errorf("setting local description: %w", err)
	}
	return p, offer, nil
}

// NewAnswering creates a Peer as the answering side given the remote offer,
// returning the local SDP answer.
func NewAnswering(ctx context.Context, cfg Config, offer webrtc.SessionDescription) (*Peer, webrtc.SessionDescription, error) {
	p, err := newPeer(cfg)
	if err != nil {
		return nil, webrtc.SessionDescription{}, err
	}
	p.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		p.attachDataChannel(dc)
	})
	if err := p.pc.SetRemoteDescription(offer); err != nil {
		return nil, webrtc.SessionDescription{}, fmt.Errorf("setting remote description: %w", err)
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return nil, webrtc.SessionDescription{}, fmt.Errorf("creating answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return nil, webrtc.SessionDescription{}, fmt.Errorf("setting local description: %w", err)
	}
	return p, answer, nil
}

func newPeer(cfg Config) (*Peer, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.iceServers()})
	if err != nil {
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}
	p := &Peer{
		pc:    pc,
		ready: make(chan struct{}),
		inbox: make(chan wire.Message, 64),
		limit: transport.NewFrameLimiter(transport.KindWebRTC),
	}
	return p, nil
}

// SetRemoteAnswer completes the offering side's handshake once the answer
// has arrived over the signaling channel.
func (p *Peer) SetRemoteAnswer(answer webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(answer)
}

// AddICECandidate feeds a trickled ICE candidate in from the signaling
// channel.
func (p *Peer) AddICECandidate(c webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(c)
}

func (p *Peer) attachDataChannel(dc *webrtc.DataChannel) {
	p.dc = dc
	dc.OnOpen(func() {
		p.readyOnce.Do(func() { close(p.ready) })
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		var m wire.Message
		if err := m.UnmarshalBinary(msg.Data); err != nil {
			return
		}
		select {
		case p.inbox <- m:
		default:
		}
	})
	dc.OnClose(func() {
		p.readyOnce.Do(func() {
			p.readyErr = fmt.Errorf("data channel closed before opening")
			close(p.ready)
		})
	})
}

// Channel blocks until the data channel opens (or ctx is cancelled) and
// returns this Peer as a transport.Channel.
func (p *Peer) Channel(ctx context.Context) (transport.Channel, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.ready:
		if p.readyErr != nil {
			return nil, p.readyErr
		}
		return p, nil
	}
}

func (p *Peer) Send(ctx context.Context, msg wire.Message) error {
	body, err := msg.MarshalBinary()
	if err != nil {
		return err
	}
	if err := p.limit.Check(len(body)); err != nil {
		return err
	}
	return p.dc.Send(body)
}

func (p *Peer) Recv(ctx context.Context) (wire.Message, error) {
	select {
	case <-ctx.Done():
		return wire.Message{}, ctx.Err()
	case m := <-p.inbox:
		return m, nil
	}
}

func (p *Peer) Close() error {
	if p.dc != nil {
		_ = p.dc.Close()
	}
	return p.pc.Close()
}

func (p *Peer) Kind() transport.Kind { return transport.KindWebRTC }

func (p *Peer) LocalAddr() net.Addr  { return webrtcAddr("webrtc-local") }
func (p *Peer) RemoteAddr() net.Addr { return webrtcAddr("webrtc-remote") }

// webrtcAddr is a trivial net.Addr since data channels have no socket
// address of their own; the underlying ICE candidate pair isn't exposed by
// pion in a net.Addr-compatible shape.
type webrtcAddr string

func (a webrtcAddr) Network() string { return "webrtc" }
func (a webrtcAddr) String() string  { return string(a) }
