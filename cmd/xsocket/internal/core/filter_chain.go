package core

import (
	"context"
	"fmt"
	"net"
	"sync"
)

// FilterChain is the ordered list of connection filters evaluated before a
// session is created. A connection is admitted only if every filter allows
// it. Evaluation follows insertion order and stops at the first rejection.
//
// A filter that returns an error or panics rejects the connection.
type FilterChain struct {
	mu      sync.RWMutex
	filters []ConnectionFilter
	frozen  bool
}

// NewFilterChain returns a chain holding filters in the given order.
func NewFilterChain(filters ...ConnectionFilter) *FilterChain {
	c := &FilterChain{}
	c.filters = append(c.filters, filters...)
	return c
}

// Append adds filters to the end of the chain. The chain is frozen once the
// server starts.
func (c *FilterChain) Append(filters ...ConnectionFilter) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.frozen {
		return ErrFilterChainFrozen
	}
	for _, f := range filters {
		if f != nil {
			c.filters = append(c.filters, f)
		}
	}
	return nil
}

// Filters returns a copy of the chain.
func (c *FilterChain) Filters() []ConnectionFilter {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ConnectionFilter, len(c.filters))
	copy(out, c.filters)
	return out
}

func (c *FilterChain) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.filters)
}

// Evaluate runs the chain against addr. It returns nil when the connection
// is admitted and a *RejectedError otherwise.
func (c *FilterChain) Evaluate(ctx context.Context, addr net.Addr) error {
	c.mu.RLock()
	filters := c.filters
	c.mu.RUnlock()

	for _, f := range filters {
		allowed, err := allow(ctx, f, addr)
		if err != nil {
			return &RejectedError{Filter: f.Name(), Addr: addr, Err: err}
		}
		if !allowed {
			return &RejectedError{Filter: f.Name(), Addr: addr}
		}
	}
	return nil
}

func allow(ctx context.Context, f ConnectionFilter, addr net.Addr) (allowed bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			allowed = false
			err = fmt.Errorf("filter panicked: %v", r)
		}
	}()
	return f.Allow(ctx, addr)
}

func (c *FilterChain) freeze() {
	c.mu.Lock()
	c.frozen = true
	c.mu.Unlock()
}

// FilterFunc adapts a function into a named ConnectionFilter.
type FilterFunc struct {
	name string
	fn   func(ctx context.Context, addr net.Addr) (bool, error)
}

func NewFilterFunc(name string, fn func(ctx context.Context, addr net.Addr) (bool, error)) *FilterFunc {
	return &FilterFunc{name: name, fn: fn}
}

func (f *FilterFunc) Name() string { return f.name }

func (f *FilterFunc) Allow(ctx context.Context, addr net.Addr) (bool, error) {
	return f.fn(ctx, addr)
}
