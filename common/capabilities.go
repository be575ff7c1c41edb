package common

import (
	"time"

	g "github.com/anacrolix/generics"
)

// Endpoint is an IP/port pair, used for direct TCP/UDP endpoints and UPnP
// mappings in the capability record (spec.md §3).
type Endpoint struct {
	IP   string `json:"ip"`
	Port int    `json:"port"`
}

// WebRTCInfo advertises WebRTC availability and the STUN servers a peer is
// willing to use for it.
type WebRTCInfo struct {
	Available   bool     `json:"available"`
	StunServers []string `json:"stunServers,omitempty"`
}

// RelayInfo advertises whether a peer will accept relayed frames over the
// gossip substrate as a last resort.
type RelayInfo struct {
	Available bool `json:"available"`
}

// UPnPInfo is the externally-visible result of a successful port mapping.
// Method distinguishes UPnP IGD from NAT-PMP/PCP so a peer can advertise the
// right transport.Kind for the mapping it actually obtained.
type UPnPInfo struct {
	ExternalIP   string `json:"externalIp"`
	ExternalPort int    `json:"externalPort"`
	Method       string `json:"method,omitempty"` // "upnp" or "nat-pmp"
}

// Capabilities is the peer capability record advertised by every node
// (spec.md §3). Optional fields use generics.Option rather than pointers or
// zero-value sentinels, the same substitution the teacher applies to its own
// optional connection metadata (peer.go's Option[bannableAddr] etc).
type Capabilities struct {
	NodeID     NodeID
	DirectTCP  g.Option[Endpoint]
	DirectUDP  g.Option[Endpoint]
	UPnP       g.Option[UPnPInfo]
	WebRTC     WebRTCInfo
	Relay      RelayInfo
	Digests    []Digest
	LastSeen   time.Time
}

// PeerLivenessWindow is the default window after which a peer record is no
// longer considered live (spec.md §3).
const PeerLivenessWindow = 5 * time.Minute

func (c Capabilities) IsLive(now time.Time) bool {
	return now.Sub(c.LastSeen) < PeerLivenessWindow
}

// AnnouncementWire is the JSON shape published to the gossip substrate
// (spec.md §6).
type AnnouncementWire struct {
	NodeID       string                 `json:"nodeId"`
	Timestamp    int64                  `json:"timestamp"`
	Capabilities AnnouncementWireCaps   `json:"capabilities"`
	Digests      []string               `json:"digests"`
}

type AnnouncementWireCaps struct {
	DirectTCP *Endpoint   `json:"directTcp,omitempty"`
	DirectUDP *Endpoint   `json:"directUdp,omitempty"`
	UPnP      *UPnPInfo   `json:"upnp,omitempty"`
	WebRTC    *WebRTCInfo `json:"webrtc,omitempty"`
	Relay     *RelayInfo  `json:"relay,omitempty"`
}

// ToWire converts Capabilities plus a timestamp into the announcement
// message shape defined in spec.md §6.
func (c Capabilities) ToWire(ts time.Time) AnnouncementWire {
	w := AnnouncementWire{
		NodeID:    c.NodeID.String(),
		Timestamp: ts.Unix(),
		Capabilities: AnnouncementWireCaps{
			WebRTC: &c.WebRTC,
			Relay:  &c.Relay,
		},
	}
	if c.DirectTCP.Ok {
		ep := c.DirectTCP.Value
		w.Capabilities.DirectTCP = &ep
	}
	if c.DirectUDP.Ok {
		ep := c.DirectUDP.Value
		w.Capabilities.DirectUDP = &ep
	}
	if c.UPnP.Ok {
		u := c.UPnP.Value
		w.Capabilities.UPnP = &u
	}
	w.Digests = make([]string, len(c.Digests))
	for i, d := range c.Digests {
		w.Digests[i] = d.String()
	}
	return w
}

// FromWire parses an announcement message back into a Capabilities record,
// stamping LastSeen with the local receive time rather than trusting the
// remote clock for liveness bookkeeping.
func FromWire(w AnnouncementWire, receivedAt time.Time) (Capabilities, error) {
	id, err := ParseNodeID(w.NodeID)
	if err != nil {
		return Capabilities{}, err
	}
	c := Capabilities{
		NodeID:   id,
		LastSeen: receivedAt,
	}
	if w.Capabilities.DirectTCP != nil {
		c.DirectTCP = g.Some(*w.Capabilities.DirectTCP)
	}
	if w.Capabilities.DirectUDP != nil {
		c.DirectUDP = g.Some(*w.Capabilities.DirectUDP)
	}
	if w.Capabilities.UPnP != nil {
		c.UPnP = g.Some(*w.Capabilities.UPnP)
	}
	if w.Capabilities.WebRTC != nil {
		c.WebRTC = *w.Capabilities.WebRTC
	}
	if w.Capabilities.Relay != nil {
		c.Relay = *w.Capabilities.Relay
	}
	c.Digests = make([]Digest, 0, len(w.Digests))
	for _, s := range w.Digests {
		d, err := ParseDigest(s)
		if err != nil {
			continue
		}
		c.Digests = append(c.Digests, d)
	}
	return c, nil
}
