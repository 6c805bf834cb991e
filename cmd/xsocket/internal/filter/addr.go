// Package filter provides connection filters evaluated before a session is
// created for an accepted connection.
package filter

import (
	"fmt"
	"net"
	"net/netip"
	"strings"
)

// PeerIP extracts the IP address of a connection peer. IPv4-mapped IPv6
// addresses are unmapped.
func PeerIP(addr net.Addr) (netip.Addr, error) {
	if addr == nil {
		return netip.Addr{}, fmt.Errorf("missing peer address")
	}

	switch a := addr.(type) {
	case *net.TCPAddr:
		if ip, ok := netip.AddrFromSlice(a.IP); ok {
			return ip.Unmap(), nil
		}
	case *net.UDPAddr:
		if ip, ok := netip.AddrFromSlice(a.IP); ok {
			return ip.Unmap(), nil
		}
	}

	s := addr.String()
	if ap, err := netip.ParseAddrPort(s); err == nil {
		return ap.Addr().Unmap(), nil
	}
	if ip, err := netip.ParseAddr(s); err == nil {
		return ip.Unmap(), nil
	}
	return netip.Addr{}, fmt.Errorf("cannot parse peer address %q", s)
}

// ParsePrefix accepts a CIDR prefix or a single address, which becomes a
// host prefix.
func ParsePrefix(value string) (netip.Prefix, error) {
	value = strings.TrimSpace(value)
	if strings.Contains(value, "/") {
		p, err := netip.ParsePrefix(value)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("invalid prefix %q: %w", value, err)
		}
		return p.Masked(), nil
	}
	ip, err := netip.ParseAddr(value)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("invalid address %q: %w", value, err)
	}
	ip = ip.Unmap()
	return netip.PrefixFrom(ip, ip.BitLen()), nil
}

func containsIP(prefixes []netip.Prefix, ip netip.Addr) bool {
	for _, p := range prefixes {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}
