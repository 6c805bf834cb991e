package filter

import (
	"context"
	"fmt"
	"net"

	"github.com/redis/go-redis/v9"
)

// RedisBlocklistFilter rejects peers whose address is a member of a Redis
// set, letting several server instances share one blocklist. Redis errors
// are returned to the filter chain, which rejects the connection.
type RedisBlocklistFilter struct {
	client redis.Cmdable
	key    string
}

func NewRedisBlocklistFilter(client redis.Cmdable, key string) (*RedisBlocklistFilter, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if key == "" {
		key = "xsocket:blocklist"
	}
	return &RedisBlocklistFilter{client: client, key: key}, nil
}

func (f *RedisBlocklistFilter) Name() string { return "blocklist-redis" }

func (f *RedisBlocklistFilter) Allow(ctx context.Context, addr net.Addr) (bool, error) {
	ip, err := PeerIP(addr)
	if err != nil {
		return false, err
	}
	blocked, err := f.client.SIsMember(ctx, f.key, ip.String()).Result()
	if err != nil {
		return false, fmt.Errorf("failed to query blocklist %s: %w", f.key, err)
	}
	return !blocked, nil
}

// Block adds addresses to the shared blocklist.
func (f *RedisBlocklistFilter) Block(ctx context.Context, ips ...string) error {
	if len(ips) == 0 {
		return nil
	}
	members := make([]any, len(ips))
	for i, ip := range ips {
		members[i] = ip
	}
	if err := f.client.SAdd(ctx, f.key, members...).Err(); err != nil {
		return fmt.Errorf("failed to update blocklist %s: %w", f.key, err)
	}
	return nil
}

// Unblock removes addresses from the shared blocklist.
func (f *RedisBlocklistFilter) Unblock(ctx context.Context, ips ...string) error {
	if len(ips) == 0 {
		return nil
	}
	members := make([]any, len(ips))
	for i, ip := range ips {
		members[i] = ip
	}
	if err := f.client.SRem(ctx, f.key, members...).Err(); err != nil {
		return fmt.Errorf("failed to update blocklist %s: %w", f.key, err)
	}
	return nil
}
