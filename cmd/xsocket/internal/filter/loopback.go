package filter

import (
	"context"
	"net"
)

// LoopbackFilter rejects connections from loopback addresses.
type LoopbackFilter struct{}

func NewLoopbackFilter() *LoopbackFilter { return &LoopbackFilter{} }

func (f *LoopbackFilter) Name() string { return "loopback" }

func (f *LoopbackFilter) Allow(_ context.Context, addr net.Addr) (bool, error) {
	ip, err := PeerIP(addr)
	if err != nil {
		return false, err
	}
	return !ip.IsLoopback(), nil
}
