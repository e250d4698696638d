package ratelimit

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// ClientIPStrategy extracts the client address from a request. Forwarding
// headers are honored only when the direct peer is a trusted proxy; with no
// trusted proxies configured every peer is trusted.
type ClientIPStrategy struct {
	trusted []netip.Prefix
}

// NewClientIPStrategy parses the trusted proxy CIDRs.
func NewClientIPStrategy(trustedCIDRs []string) (*ClientIPStrategy, error) {
	s := &ClientIPStrategy{}
	for _, c := range trustedCIDRs {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		p, err := netip.ParsePrefix(c)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", c, err)
		}
		s.trusted = append(s.trusted, p.Masked())
	}
	return s, nil
}

// Extract returns the client IP. X-Forwarded-For is walked from the right,
// skipping trusted hops, so a spoofed leftmost entry is ignored behind a
// known proxy chain.
func (s *ClientIPStrategy) Extract(req *http.Request) string {
	peer := remoteIP(req.RemoteAddr)
	if !s.trustedPeer(peer) {
		return peer
	}

	if xff := req.Header.Get("X-Forwarded-For"); xff != "" {
		hops := strings.Split(xff, ",")
		if len(s.trusted) == 0 {
			if ip := strings.TrimSpace(hops[0]); ip != "" {
				return ip
			}
		} else {
			for i := len(hops) - 1; i >= 0; i-- {
				ip := strings.TrimSpace(hops[i])
				if ip == "" {
					continue
				}
				if !s.trustedPeer(ip) || i == 0 {
					return ip
				}
			}
		}
	}

	if xri := strings.TrimSpace(req.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}
	return peer
}

func (s *ClientIPStrategy) trustedPeer(ip string) bool {
	if len(s.trusted) == 0 {
		return true
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range s.trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func remoteIP(remoteAddr string) string {
	ip, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return ip
}
