package selector

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/anacrolix/log"

	"github.com/dignet/dignode/common"
	"github.com/dignet/dignode/transport"
)

// AttemptState is a position in the connection-attempt state machine of
// spec.md §4.5: idle -> initializing -> (discovering|signaling) ->
// connecting -> [retrying]* -> connected|failed, with closed reachable
// from any state via Cancel.
type AttemptState string

const (
	AttemptIdle         AttemptState = "idle"
	AttemptInitializing AttemptState = "initializing"
	AttemptDiscovering  AttemptState = "discovering"
	AttemptSignaling    AttemptState = "signaling"
	AttemptConnecting   AttemptState = "connecting"
	AttemptRetrying     AttemptState = "retrying"
	AttemptConnected    AttemptState = "connected"
	AttemptFailed       AttemptState = "failed"
	AttemptClosed       AttemptState = "closed"
)

// Candidate is one transport.Kind this node is willing to try for a peer,
// paired with the dial function that attempts it.
type Candidate struct {
	Kind transport.Kind
	Dial func(ctx context.Context) (transport.Channel, error)
}

// Attempt drives one connection negotiation with a single peer through
// PreferenceOrder (or the registry-preferred candidate first), recording the
// result in reg.
type Attempt struct {
	Peer  common.NodeID
	reg   *Registry
	log   log.Logger
	state AttemptState
}

func NewAttempt(peer common.NodeID, reg *Registry, logger log.Logger) *Attempt {
	return &Attempt{Peer: peer, reg: reg, log: logger, state: AttemptIdle}
}

func (a *Attempt) State() AttemptState { return a.state }

func (a *Attempt) setState(s AttemptState) {
	a.state = s
	a.log.Levelf(log.Debug, "selector %s: -> %s", a.Peer, s)
}

// Connect tries, in order: the registry's preferred transport for this peer
// (if recent), then every candidate in transport.PreferenceOrder, attempting
// each with perAttemptTimeout. The first success is recorded to the
// registry and returned.
func (a *Attempt) Connect(ctx context.Context, candidates []Candidate, perAttemptTimeout time.Duration) (transport.Channel, transport.Kind, error) {
	a.setState(AttemptInitializing)

	byKind := make(map[transport.Kind]Candidate, len(candidates))
	for _, c := range candidates {
		byKind[c.Kind] = c
	}

	ordered := a.orderCandidates(candidates, byKind)

	var lastErr error
	for i, c := range ordered {
		if i > 0 {
			a.setState(AttemptRetrying)
		}
		a.setState(stateForKind(c.Kind))
		a.setState(AttemptConnecting)

		attemptCtx, cancel := context.WithTimeout(ctx, perAttemptTimeout)
		ch, err := c.Dial(attemptCtx)
		cancel()
		if err != nil {
			lastErr = err
			a.log.Levelf(log.Debug, "selector %s: %s failed: %v", a.Peer, c.Kind, err)
			continue
		}

		a.setState(AttemptConnected)
		if a.reg != nil {
			host, port := endpointOf(ch)
			if err := a.reg.RecordSuccess(a.Peer, c.Kind, host, port, time.Now()); err != nil {
				a.log.Levelf(log.Warning, "selector %s: recording success failed: %v", a.Peer, err)
			}
		}
		return ch, c.Kind, nil
	}

	a.setState(AttemptFailed)
	return nil, "", fmt.Errorf("all transport candidates failed for %s: %w", a.Peer, lastErr)
}

// orderCandidates puts the registry's preferred (recent) transport first, if
// present among candidates, followed by the rest in PreferenceOrder.
func (a *Attempt) orderCandidates(candidates []Candidate, byKind map[transport.Kind]Candidate) []Candidate {
	var ordered []Candidate
	used := make(map[transport.Kind]bool, len(candidates))

	if a.reg != nil {
		if entry, ok := a.reg.PreferredFirst(a.Peer, time.Now()); ok {
			if c, ok := byKind[entry.TransportKind]; ok {
				ordered = append(ordered, c)
				used[c.Kind] = true
			}
		}
	}
	for _, kind := range transport.PreferenceOrder {
		if used[kind] {
			continue
		}
		if c, ok := byKind[kind]; ok {
			ordered = append(ordered, c)
			used[kind] = true
		}
	}
	return ordered
}

// Cancel moves the attempt to closed from any state.
func (a *Attempt) Cancel() {
	a.setState(AttemptClosed)
}

func stateForKind(kind transport.Kind) AttemptState {
	switch kind {
	case transport.KindTCPHolePunch, transport.KindUDPHolePunch, transport.KindWebRTC:
		return AttemptSignaling
	default:
		return AttemptDiscovering
	}
}

func endpointOf(ch transport.Channel) (string, int) {
	addr := ch.RemoteAddr()
	if addr == nil {
		return "", 0
	}
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String(), 0
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}
