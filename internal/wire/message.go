// Package wire defines the typed message protocol every transport
// (transport/tcp, transport/udpx, transport/webrtc, transport/relay)
// exchanges once a Channel is established (spec.md §4.3, §6). The message
// identification is by tagged variant, not string dispatch, per the
// "dynamic duck-typed connection objects become one interface" and
// "message identification by tagged variant" notes in spec.md §9.
package wire

import (
	"encoding/json"
	"fmt"
)

// Type is the tagged variant of a Message. The required set is exactly the
// one enumerated in spec.md §4.3/§6.
type Type string

const (
	Handshake        Type = "handshake"
	MetadataRequest  Type = "metadata-request"
	MetadataResponse Type = "metadata-response"
	ChunkRequest     Type = "chunk-request"
	ChunkResponse    Type = "chunk-response"
	Cancel           Type = "cancel"
	Have             Type = "have"
	Choke            Type = "choke"
	Unchoke          Type = "unchoke"
	Ping             Type = "ping"
	ErrorMsg         Type = "error"
)

// Message is the self-describing envelope carried by every transport. Only
// the fields relevant to Type are populated; Data carries the raw chunk
// payload out of band of JSON so transports that support binary frames
// (TCP, WebRTC) need not base64 it, while transports without that luxury
// (UDP datagrams reconstructed from fragments) can still marshal the whole
// thing as self-describing JSON plus a trailing binary section (see
// MarshalBinary).
type Message struct {
	Type Type `json:"type"`

	NodeID  string `json:"nodeId,omitempty"`
	Version string `json:"version,omitempty"`

	Digest string `json:"digest,omitempty"`

	TotalBytes  int64 `json:"totalBytes,omitempty"`
	TotalChunks int64 `json:"totalChunks,omitempty"`
	ChunkSize   int64 `json:"chunkSize,omitempty"`

	ChunkIndex int64 `json:"chunkIndex,omitempty"`

	Reason string `json:"reason,omitempty"`

	// Data holds the binary chunk payload for chunk-response messages. The
	// standard JSON marshaller would base64-encode it; MarshalBinary, which
	// every transport in this module frames messages with, carries it as raw
	// bytes after the JSON header (see MarshalBinary/UnmarshalBinary).
	Data []byte `json:"data,omitempty"`
}

func (m Message) String() string {
	return fmt.Sprintf("%s{digest=%s chunk=%d}", m.Type, m.Digest, m.ChunkIndex)
}

// MarshalJSON-compatible helpers are intentionally not hand-rolled. Every
// transport (tcp, udpx, webrtc, relay) uses MarshalBinary below, which
// avoids paying the base64 cost on chunk bodies.

// MarshalBinary encodes the message as a 4-byte big-endian header length,
// the JSON header (every field except Data), a 4-byte big-endian data
// length and the raw Data bytes, letting frames carry chunk payloads
// without base64 inflation while still reusing the same JSON-tagged struct
// for every other field.
func (m Message) MarshalBinary() ([]byte, error) {
	header := m
	header.Data = nil
	headerBytes, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("marshalling wire message header: %w", err)
	}
	out := make([]byte, 0, 4+len(headerBytes)+4+len(m.Data))
	out = appendUint32(out, uint32(len(headerBytes)))
	out = append(out, headerBytes...)
	out = appendUint32(out, uint32(len(m.Data)))
	out = append(out, m.Data...)
	return out, nil
}

func (m *Message) UnmarshalBinary(b []byte) error {
	if len(b) < 4 {
		return fmt.Errorf("wire message too short for header length")
	}
	headerLen := readUint32(b)
	b = b[4:]
	if uint32(len(b)) < headerLen {
		return fmt.Errorf("wire message truncated header")
	}
	header := b[:headerLen]
	b = b[headerLen:]
	if err := json.Unmarshal(header, m); err != nil {
		return fmt.Errorf("unmarshalling wire message header: %w", err)
	}
	if len(b) < 4 {
		return fmt.Errorf("wire message too short for data length")
	}
	dataLen := readUint32(b)
	b = b[4:]
	if uint32(len(b)) < dataLen {
		return fmt.Errorf("wire message truncated data")
	}
	if dataLen > 0 {
		m.Data = append([]byte(nil), b[:dataLen]...)
	}
	return nil
}

func appendUint32(b []byte, v uint32) []byte {
	return append(b, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

func readUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
