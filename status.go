package dignode

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dignet/dignode/internal/buildinfo"
)

// StatusSnapshot is the read-only view of the orchestrator exposed by
// StatusServer, resolving spec.md §9's open question: status is pure
// introspection against in-memory state, never a side-effecting network
// probe.
type StatusSnapshot struct {
	Version       string    `json:"version"`
	NodeID        string    `json:"nodeId"`
	State         State     `json:"state"`
	StoredBlobs   int       `json:"storedBlobs"`
	LivePeers     int       `json:"livePeers"`
	QueuedJobs    int       `json:"queuedJobs"`
	OpenConns     int       `json:"openConns"`
	SnapshottedAt time.Time `json:"snapshottedAt"`
}

// StatusServer serves one StatusSnapshot per inbound websocket connection
// on a loopback-only listener, for the external CLI's status command
// (spec.md §4.8).
type StatusServer struct {
	node     *Node
	listener net.Listener
	upgrader websocket.Upgrader
	srv      *http.Server
}

func NewStatusServer(addr string, n *Node) (*StatusServer, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s := &StatusServer{
		node:     n,
		listener: l,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	s.srv = &http.Server{Handler: mux}
	return s, nil
}

// Addr is the actual loopback address bound, useful when the configured
// address used port 0.
func (s *StatusServer) Addr() net.Addr { return s.listener.Addr() }

func (s *StatusServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	_ = conn.WriteJSON(s.node.Snapshot())
}

// Serve runs the status HTTP server until ctx is cancelled.
func (s *StatusServer) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(s.listener) }()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(shutdownCtx)
		<-errCh
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// Snapshot assembles the current read-only status view.
func (n *Node) Snapshot() StatusSnapshot {
	return StatusSnapshot{
		Version:       buildinfo.Version,
		NodeID:        n.nodeID.String(),
		State:         n.State(),
		StoredBlobs:   len(n.store.List()),
		LivePeers:     len(n.peers.Live(time.Now())),
		QueuedJobs:    n.queue.Len(),
		OpenConns:     n.conns.Len(),
		SnapshottedAt: time.Now(),
	}
}
