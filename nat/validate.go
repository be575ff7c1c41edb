// Package nat implements C4: public-IP discovery, port mapping, and
// hole punching, plus the security rules spec.md §4.4 requires of all of
// them (nat/stunclient, nat/portmap, nat/holepunch are its sub-packages).
package nat

import (
	"fmt"
	"net"
)

// private ranges rejected by default per spec.md §4.4.
var privateBlocks = mustParseCIDRs(
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
)

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	out := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(err)
		}
		out = append(out, n)
	}
	return out
}

// ValidationOptions controls which of spec.md §4.4's security rules are
// relaxed, for lab/test setups where loopback or private candidates are
// expected (e.g. two dignode processes on one host).
type ValidationOptions struct {
	AllowLoopback bool
	AllowPrivate  bool
}

// AllowAll relaxes every rule, for same-host or lab test setups.
func AllowAll() ValidationOptions {
	return ValidationOptions{AllowLoopback: true, AllowPrivate: true}
}

// ValidateCandidate enforces spec.md §4.4's security rules: reject loopback
// unless explicitly allowed, reject private-range addresses unless
// explicitly allowed, and require ports in [1024, 65535].
func ValidateCandidate(ip net.IP, port int, opts ValidationOptions) error {
	if ip == nil {
		return fmt.Errorf("nil candidate address")
	}
	if port < 1024 || port > 65535 {
		return fmt.Errorf("candidate port %d out of range [1024, 65535]", port)
	}
	if ip.IsLoopback() && !opts.AllowLoopback {
		return fmt.Errorf("loopback address %s rejected", ip)
	}
	if !opts.AllowPrivate {
		for _, block := range privateBlocks {
			if block.Contains(ip) {
				return fmt.Errorf("private-range address %s rejected", ip)
			}
		}
	}
	return nil
}

// ValidateSignalingIdentity enforces spec.md §4.4's rule that a signaling
// message whose `from` id does not match the expected peer is rejected
// when identity validation is enabled.
func ValidateSignalingIdentity(from, expected string, identityValidationEnabled bool) error {
	if !identityValidationEnabled {
		return nil
	}
	if from != expected {
		return fmt.Errorf("signaling message from %q does not match expected peer %q", from, expected)
	}
	return nil
}
