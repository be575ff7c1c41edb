// Package relaytest provides an in-process double for the gossip substrate
// so relay transport and hole-punch signaling can be exercised without a
// live mesh. It runs a tiny loopback WebSocket hub
// (github.com/gorilla/websocket) so the same client/server message-passing
// code path a real mesh client would use is exercised in tests, rather than
// short-circuiting straight to a Go channel.
package relaytest

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/dignet/dignode/transport/relay"
)

// Hub is a minimal pub/sub broker over WebSocket connections, standing in
// for the real gossip substrate in tests.
type Hub struct {
	upgrader websocket.Upgrader
	server   *http.Server
	listener net.Listener

	mu   sync.Mutex
	subs map[string][]chan []byte
}

func NewHub() (*Hub, error) {
	h := &Hub{subs: make(map[string][]chan []byte)}
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	h.listener = l
	mux := http.NewServeMux()
	mux.HandleFunc("/", h.handle)
	h.server = &http.Server{Handler: mux}
	go h.server.Serve(l)
	return h, nil
}

func (h *Hub) Addr() string { return h.listener.Addr().String() }

func (h *Hub) Close() error { return h.server.Close() }

func (h *Hub) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	topic := r.URL.Query().Get("topic")
	action := r.URL.Query().Get("action")
	if action == "subscribe" {
		ch := make(chan []byte, 64)
		h.mu.Lock()
		h.subs[topic] = append(h.subs[topic], ch)
		h.mu.Unlock()
		for payload := range ch {
			if err := conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
				return
			}
		}
		return
	}
	// publish: read one message, fan out to subscribers of topic.
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		h.mu.Lock()
		subs := append([]chan []byte(nil), h.subs[topic]...)
		h.mu.Unlock()
		for _, ch := range subs {
			select {
			case ch <- payload:
			default:
			}
		}
	}
}

// Mesh is a relay.GossipMesh implementation talking to a Hub over
// WebSocket, used by tests that want to exercise the real network stack
// rather than an in-memory fake.
type Mesh struct {
	hubAddr string

	mu    sync.Mutex
	conns map[string]*websocket.Conn
}

func NewMesh(hubAddr string) *Mesh {
	return &Mesh{hubAddr: hubAddr, conns: make(map[string]*websocket.Conn)}
}

var _ relay.GossipMesh = (*Mesh)(nil)

func (m *Mesh) Publish(ctx context.Context, topic string, payload []byte) error {
	url := fmt.Sprintf("ws://%s/?topic=%s&action=publish", m.hubAddr, topic)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	return conn.WriteMessage(websocket.BinaryMessage, payload)
}

func (m *Mesh) Subscribe(ctx context.Context, topic string) (<-chan []byte, error) {
	url := fmt.Sprintf("ws://%s/?topic=%s&action=subscribe", m.hubAddr, topic)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.conns[topic] = conn
	m.mu.Unlock()

	out := make(chan []byte, 64)
	go func() {
		defer close(out)
		for {
			_, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}
			select {
			case out <- payload:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (m *Mesh) Unsubscribe(topic string) {
	m.mu.Lock()
	conn, ok := m.conns[topic]
	delete(m.conns, topic)
	m.mu.Unlock()
	if ok {
		conn.Close()
	}
}
