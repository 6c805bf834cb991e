package filter

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strings"
)

// CIDRFilter admits peers by address range. Deny entries win over allow
// entries; an empty allow list admits everything not denied.
type CIDRFilter struct {
	allow []netip.Prefix
	deny  []netip.Prefix
}

// NewCIDRFilter parses comma separated lists of prefixes or addresses.
// Example: allow "10.0.0.0/8,192.168.1.10", deny "10.6.0.0/16".
func NewCIDRFilter(allow, deny string) (*CIDRFilter, error) {
	allowList, err := parsePrefixList(allow)
	if err != nil {
		return nil, fmt.Errorf("invalid allow list: %w", err)
	}
	denyList, err := parsePrefixList(deny)
	if err != nil {
		return nil, fmt.Errorf("invalid deny list: %w", err)
	}
	return &CIDRFilter{allow: allowList, deny: denyList}, nil
}

func parsePrefixList(value string) ([]netip.Prefix, error) {
	if strings.TrimSpace(value) == "" {
		return nil, nil
	}

	var prefixes []netip.Prefix
	for _, item := range strings.Split(value, ",") {
		if strings.TrimSpace(item) == "" {
			continue
		}
		p, err := ParsePrefix(item)
		if err != nil {
			return nil, err
		}
		prefixes = append(prefixes, p)
	}
	return prefixes, nil
}

func (f *CIDRFilter) Name() string { return "cidr" }

func (f *CIDRFilter) Allow(_ context.Context, addr net.Addr) (bool, error) {
	ip, err := PeerIP(addr)
	if err != nil {
		return false, err
	}
	if containsIP(f.deny, ip) {
		return false, nil
	}
	if len(f.allow) > 0 && !containsIP(f.allow, ip) {
		return false, nil
	}
	return true, nil
}
