// Package portmap requests an external port mapping via UPnP, falling back
// to NAT-PMP/PCP, per spec.md §4.4. It renews the lease before expiry and
// makes a best-effort attempt to tear it down on shutdown.
package portmap

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/anacrolix/log"
	"github.com/anacrolix/upnp"
	natpmp "github.com/jackpal/go-nat-pmp"
)

// LeaseDuration is the port-mapping TTL of spec.md §4.4.
const LeaseDuration = time.Hour

// renewMargin is how long before expiry a renewal is attempted.
const renewMargin = 5 * time.Minute

// Protocol identifies which transport protocol a mapping is for.
type Protocol string

const (
	TCP Protocol = "TCP"
	UDP Protocol = "UDP"
)

// Mapping is an active external port mapping.
type Mapping struct {
	ExternalIP   net.IP
	ExternalPort int
	InternalPort int
	Protocol     Protocol

	mu      sync.Mutex
	method  string // "upnp" or "nat-pmp", for logging/diagnostics
	closeFn func() error
}

func (m *Mapping) Method() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.method
}

// Close tears the mapping down, best-effort, ignoring errors beyond logging
// them (spec.md §4.4: "best-effort DeletePortMapping on shutdown").
func (m *Mapping) Close(logger log.Logger) {
	m.mu.Lock()
	fn := m.closeFn
	m.mu.Unlock()
	if fn == nil {
		return
	}
	if err := fn(); err != nil {
		logger.Levelf(log.Debug, "portmap: best-effort teardown failed: %v", err)
	}
}

// Map requests an external mapping for internalPort, trying UPnP first and
// NAT-PMP/PCP second. It starts a background renewal loop tied to ctx that
// stops (and lets the mapping lapse) when ctx is cancelled.
func Map(ctx context.Context, internalPort int, proto Protocol, logger log.Logger) (*Mapping, error) {
	if m, err := mapUPnP(internalPort, proto, logger); err == nil {
		go renewLoop(ctx, m, mapUPnP, internalPort, proto, logger)
		return m, nil
	} else {
		logger.Levelf(log.Debug, "portmap: upnp unavailable, falling back to nat-pmp: %v", err)
	}

	m, err := mapNATPMP(internalPort, proto, logger)
	if err != nil {
		return nil, fmt.Errorf("no port mapping method succeeded: %w", err)
	}
	go renewLoop(ctx, m, mapNATPMP, internalPort, proto, logger)
	return m, nil
}

type mapFunc func(internalPort int, proto Protocol, logger log.Logger) (*Mapping, error)

func renewLoop(ctx context.Context, initial *Mapping, fn mapFunc, internalPort int, proto Protocol, logger log.Logger) {
	timer := time.NewTimer(LeaseDuration - renewMargin)
	defer timer.Stop()
	current := initial
	for {
		select {
		case <-ctx.Done():
			current.Close(logger)
			return
		case <-timer.C:
			renewed, err := fn(internalPort, proto, logger)
			if err != nil {
				logger.Levelf(log.Warning, "portmap: renewal failed, mapping may lapse: %v", err)
				timer.Reset(renewMargin)
				continue
			}
			current = renewed
			timer.Reset(LeaseDuration - renewMargin)
		}
	}
}

func mapUPnP(internalPort int, proto Protocol, logger log.Logger) (*Mapping, error) {
	devs := upnp.Discover(0, 2*time.Second)
	if len(devs) == 0 {
		return nil, fmt.Errorf("no upnp devices discovered")
	}
	var lastErr error
	for _, dev := range devs {
		extPort, err := dev.AddPortMapping(string(proto), internalPort, internalPort, "dignode", int(LeaseDuration.Seconds()))
		if err != nil {
			lastErr = err
			continue
		}
		extIP, err := dev.ExternalIP()
		if err != nil {
			lastErr = err
			continue
		}
		d := dev
		return &Mapping{
			ExternalIP:   extIP,
			ExternalPort: extPort,
			InternalPort: internalPort,
			Protocol:     proto,
			method:       "upnp",
			closeFn: func() error {
				return d.DeletePortMapping(string(proto), internalPort)
			},
		}, nil
	}
	return nil, fmt.Errorf("upnp mapping failed on all discovered devices: %w", lastErr)
}

func mapNATPMP(internalPort int, proto Protocol, logger log.Logger) (*Mapping, error) {
	gatewayIP, err := natpmp.DiscoverGateway()
	if err != nil {
		return nil, fmt.Errorf("discovering nat-pmp gateway: %w", err)
	}
	client := natpmp.NewClient(gatewayIP)

	protoStr := "udp"
	if proto == TCP {
		protoStr = "tcp"
	}
	resp, err := client.AddPortMapping(protoStr, internalPort, internalPort, int(LeaseDuration.Seconds()))
	if err != nil {
		return nil, fmt.Errorf("nat-pmp add port mapping: %w", err)
	}
	extAddr, err := client.GetExternalAddress()
	if err != nil {
		return nil, fmt.Errorf("nat-pmp get external address: %w", err)
	}
	return &Mapping{
		ExternalIP:   net.IP(extAddr.ExternalIPAddress[:]),
		ExternalPort: int(resp.MappedExternalPort),
		InternalPort: internalPort,
		Protocol:     proto,
		method:       "nat-pmp",
		closeFn: func() error {
			_, err := client.AddPortMapping(protoStr, internalPort, internalPort, 0)
			return err
		},
	}, nil
}
