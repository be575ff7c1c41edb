// Package dignode implements C8: the orchestrator that owns every other
// component's lifecycle (spec.md §4.8). It mirrors the teacher's own
// *Client: a single struct coordinating concurrent subsystems behind one
// lock, generalized here to dignode's own set of subsystems.
package dignode

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	g "github.com/anacrolix/generics"
	"github.com/anacrolix/log"
	"github.com/prometheus/client_golang/prometheus"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"

	"github.com/dignet/dignode/announce"
	"github.com/dignet/dignode/common"
	"github.com/dignet/dignode/digest"
	"github.com/dignet/dignode/internal/lockdefer"
	"github.com/dignet/dignode/nat/portmap"
	"github.com/dignet/dignode/nat/stunclient"
	"github.com/dignet/dignode/selector"
	"github.com/dignet/dignode/store"
	"github.com/dignet/dignode/transfer"
	"github.com/dignet/dignode/transport"
	"github.com/dignet/dignode/transport/tcp"
	"github.com/dignet/dignode/transport/udpx"
)

// State is the orchestrator's lifecycle state (spec.md §4.8).
type State string

const (
	StateNew      State = "new"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
)

// Node is the root orchestrator. All of its mutable lifecycle state is
// guarded by mu; mu.Defer schedules log lines to run
// after the state change they describe is already visible, the same
// ordering guarantee the teacher's lockWithDeferreds gives connection
// events.
type Node struct {
	cfg    Config
	log    log.Logger
	nodeID common.NodeID

	mu    lockdefer.Mutex
	state State

	store   *store.Store
	chunker *digest.Chunker

	tcpListener *tcp.TCPListener
	tcpMapping  *portmap.Mapping
	udpListener *udpx.Reliable
	publicIP    net.IP // discovered via nat/stunclient, nil if no STUN servers configured or discovery failed

	registry *selector.Registry
	peers    *announce.PeerTable
	queue    *announce.DownloadQueue
	bus      *announce.Bus

	choker     *transfer.Choker
	blacklist  *transfer.Blacklist
	source     *storeChunkSource
	conns      *connTable
	status     *StatusServer

	metrics        *metrics
	tracerProvider *sdktrace.TracerProvider

	cancel context.CancelFunc
	group  *errgroup.Group
}

// New constructs a Node in StateNew. It does not touch the network or
// filesystem; that happens in Start.
func New(cfg Config, pub announce.Publisher, logger log.Logger) (*Node, error) {
	if logger == nil {
		logger = log.Default
	}
	chunker := digest.NewChunker(cfg.chunkSize())
	n := &Node{
		cfg:       cfg,
		log:       logger,
		nodeID:    common.NewNodeID(),
		state:     StateNew,
		store:     store.New(cfg.StoreDir, chunker, logger),
		chunker:   chunker,
		peers:     announce.NewPeerTable(),
		queue:     announce.NewDownloadQueue(),
		choker:    transfer.NewChoker(cfg.MaxUnchokedPeers),
		blacklist: transfer.NewBlacklist(),
		conns:     newConnTable(),
	}
	if cfg.SuperSeed {
		n.choker.EnableSuperSeed(cfg.SuperSeedLimit)
	}
	if cfg.UploadBytesPerSecond > 0 {
		n.choker.SetUploadLimit(cfg.UploadBytesPerSecond, int(chunker.ChunkSize))
	}
	n.source = newStoreChunkSource(n.store, chunker)
	n.bus = announce.New(cfg.GossipNamespace, pub, n.peers, n.queue, logger)
	n.bus.Interval = cfg.AnnounceInterval

	n.metrics = newMetrics()
	n.metrics.register(prometheus.DefaultRegisterer)
	n.tracerProvider = newTracerProvider()
	return n, nil
}

// NodeID is this process's stable random identity (spec.md §3).
func (n *Node) NodeID() common.NodeID { return n.nodeID }

func (n *Node) State() State {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state
}

// Start transitions new/stopped -> starting -> running. Calling Start while
// already running reports ErrAlreadyRunning (spec.md §4.8 idempotency
// rule).
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	if n.state == StateRunning || n.state == StateStarting {
		n.mu.Unlock()
		return common.NewError("Node.Start", common.ErrAlreadyRunning, fmt.Errorf("node is %s", n.state))
	}
	n.state = StateStarting
	n.mu.Defer(func() { n.log.Levelf(log.Info, "dignode: starting") })
	n.mu.Unlock()

	if err := n.openRegistry(); err != nil {
		return err
	}
	if err := n.rescan(ctx); err != nil {
		return err
	}

	listener, err := tcp.Listen(ctx, n.cfg.ListenTCP, n.log)
	if err != nil {
		return common.NewError("Node.Start", common.ErrConfiguration, err)
	}
	n.tcpListener = listener

	udpListener, err := udpx.ListenReliable("udp", n.cfg.ListenUDP, transport.KindDirectUDP, n.log)
	if err != nil {
		listener.Close()
		return common.NewError("Node.Start", common.ErrConfiguration, err)
	}
	n.udpListener = udpListener

	if len(n.cfg.StunServers) > 0 {
		stunCtx, stunSpan := n.tracer().Start(ctx, "stunclient.Discover")
		result, stunErr := stunclient.Discover(stunCtx, n.cfg.StunServers)
		stunSpan.End()
		if stunErr == nil {
			n.publicIP = result.IP
			n.metrics.natOutcomes.WithLabelValues("stun", "ok").Inc()
		} else {
			n.log.Levelf(log.Info, "dignode: public address discovery failed: %v", stunErr)
			n.metrics.natOutcomes.WithLabelValues("stun", "failed").Inc()
		}
	}

	mapCtx, mapSpan := n.tracer().Start(ctx, "portmap.Map")
	mapping, mapErr := portmap.Map(mapCtx, tcpPort(listener), portmap.TCP, n.log)
	mapSpan.End()
	if mapErr == nil {
		n.tcpMapping = mapping
		n.metrics.natOutcomes.WithLabelValues("portmap", "ok").Inc()
	} else {
		n.log.Levelf(log.Info, "dignode: no port mapping available: %v", mapErr)
		n.metrics.natOutcomes.WithLabelValues("portmap", "failed").Inc()
	}

	status, err := NewStatusServer(n.cfg.StatusAddr, n)
	if err != nil {
		listener.Close()
		udpListener.Close()
		return common.NewError("Node.Start", common.ErrConfiguration, err)
	}
	n.status = status

	runCtx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel
	group, gctx := errgroup.WithContext(runCtx)
	n.group = group

	group.Go(func() error { return n.store.Watch(gctx) })
	group.Go(func() error { n.acceptLoop(gctx, n.tcpListener); return nil })
	group.Go(func() error { n.acceptLoop(gctx, n.udpListener); return nil })
	group.Go(func() error { n.bus.Run(gctx, n.snapshotCapabilities); return nil })
	group.Go(func() error { n.runChokeLoop(gctx); return nil })
	group.Go(func() error { n.runDownloadWorkers(gctx); return nil })
	group.Go(func() error { n.runIdleEviction(gctx); return nil })
	group.Go(func() error { return n.status.Serve(gctx) })

	n.mu.Lock()
	n.state = StateRunning
	n.mu.Unlock()
	return nil
}

// Stop is idempotent: stopping an already-stopped node is a no-op
// (spec.md §4.8).
func (n *Node) Stop(ctx context.Context) error {
	n.mu.Lock()
	if n.state == StateStopped || n.state == StateNew {
		n.mu.Unlock()
		return nil
	}
	n.state = StateStopping
	n.mu.Unlock()

	if n.cancel != nil {
		n.cancel()
	}
	var waitErr error
	if n.group != nil {
		waitErr = n.group.Wait()
	}

	n.conns.CloseAll()
	if n.tcpListener != nil {
		n.tcpListener.Close()
	}
	if n.udpListener != nil {
		n.udpListener.Close()
	}
	if n.tcpMapping != nil {
		n.tcpMapping.Close(n.log)
	}
	if err := n.store.Close(); err != nil {
		n.log.Levelf(log.Warning, "dignode: store close: %v", err)
	}
	if n.registry != nil {
		swept := n.registry.Sweep(time.Now())
		n.log.Levelf(log.Debug, "dignode: swept %d stale registry entries", swept)
	}

	n.mu.Lock()
	n.state = StateStopped
	n.mu.Unlock()

	if waitErr != nil {
		return common.NewError("Node.Stop", common.ErrTransientNetwork, waitErr)
	}
	return nil
}

func (n *Node) openRegistry() error {
	dir := n.cfg.SuccessRegistryDir
	if dir == "" {
		var err error
		dir, err = selector.DefaultDir()
		if err != nil {
			return common.NewError("Node.openRegistry", common.ErrConfiguration, err)
		}
	}
	reg, err := selector.Open(dir)
	if err != nil {
		return common.NewError("Node.openRegistry", common.ErrLocalIO, err)
	}
	n.registry = reg
	return nil
}

func (n *Node) channelFor(peer common.NodeID) (transport.Channel, bool) {
	return n.conns.Get(peer)
}

// rescan re-indexes the local store and refreshes the announce bus's
// digestIndex from it, so missing() (announce/bus.go §4.7.2) computes
// peer.digests - local.digests against what's actually on disk right now
// instead of a stale snapshot from node construction.
func (n *Node) rescan(ctx context.Context) error {
	if err := n.store.Scan(ctx); err != nil {
		return err
	}
	n.bus.SetLocalDigests(n.store.Digests())
	return nil
}

// snapshotCapabilities builds the capability record this node publishes on
// every announce cycle (spec.md §4.7). It reports every endpoint currently
// reachable: the direct TCP and UDP listeners (tagged with the
// STUN-discovered public IP when available, falling back to the bound IP
// for same-LAN peers), the active UPnP/NAT-PMP mapping if one was obtained,
// and WebRTC availability gated on having STUN servers configured for ICE.
// Relay is never advertised: the orchestrator is only ever given a
// send-only announce.Publisher (spec.md §1's externalized substrate), never
// a full publish/subscribe GossipMesh, so it has no signaling path to
// accept a relay.Dial from a peer (see DESIGN.md's Dropped/unwired
// transports note).
func (n *Node) snapshotCapabilities() common.Capabilities {
	caps := common.Capabilities{
		NodeID:   n.nodeID,
		Digests:  n.store.Digests(),
		LastSeen: time.Now(),
		WebRTC:   common.WebRTCInfo{Available: len(n.cfg.StunServers) > 0, StunServers: n.cfg.StunServers},
	}

	if n.tcpListener != nil {
		port := tcpPort(n.tcpListener)
		if ip := n.directIP(); ip != nil {
			caps.DirectTCP = g.Some(common.Endpoint{IP: ip.String(), Port: port})
		}
	}

	if n.udpListener != nil {
		if ip := n.directIP(); ip != nil {
			if _, portStr, err := net.SplitHostPort(n.udpListener.Addr().String()); err == nil {
				if port, err := strconv.Atoi(portStr); err == nil {
					caps.DirectUDP = g.Some(common.Endpoint{IP: ip.String(), Port: port})
				}
			}
		}
	}

	if n.tcpMapping != nil {
		caps.UPnP = g.Some(common.UPnPInfo{
			ExternalIP:   n.tcpMapping.ExternalIP.String(),
			ExternalPort: n.tcpMapping.ExternalPort,
			Method:       n.tcpMapping.Method(),
		})
	}

	return caps
}

// directIP is the IP this node's direct listeners are reachable at: the
// STUN-discovered public address if one was found, otherwise the TCP
// listener's own bound address when it isn't the unspecified wildcard
// (useful for same-LAN peers, never advertised as a public endpoint).
func (n *Node) directIP() net.IP {
	if n.publicIP != nil {
		return n.publicIP
	}
	host, _, err := net.SplitHostPort(n.tcpListener.Addr().String())
	if err != nil {
		return nil
	}
	ip := net.ParseIP(host)
	if ip == nil || ip.IsUnspecified() {
		return nil
	}
	return ip
}

func tcpPort(l *tcp.TCPListener) int {
	_, portStr, err := net.SplitHostPort(l.Addr().String())
	if err != nil {
		return 0
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0
	}
	return port
}
