package factory

import (
	"context"
	"errors"
	"fmt"

	"github.com/hasirciogluhq/xsocket/cmd/xsocket/internal/config"
	"github.com/hasirciogluhq/xsocket/cmd/xsocket/internal/core"
	"github.com/hasirciogluhq/xsocket/cmd/xsocket/internal/discovery/kubernetes"
	"github.com/hasirciogluhq/xsocket/cmd/xsocket/internal/filter"
	"github.com/hasirciogluhq/xsocket/cmd/xsocket/internal/logger"
	"github.com/redis/go-redis/v9"

	k8s "k8s.io/client-go/kubernetes"
)

// Filters is the connection filter set built from configuration, in
// evaluation order, plus the resources they hold.
type Filters struct {
	Filters []core.ConnectionFilter
	closers []func() error
}

// Close releases watchers, clients and informers held by the filters.
func (f *Filters) Close() error {
	var errs []error
	for i := len(f.closers) - 1; i >= 0; i-- {
		errs = append(errs, f.closers[i]())
	}
	f.closers = nil
	return errors.Join(errs...)
}

// FilterFactory creates connection filters based on configuration
type FilterFactory struct {
	root *config.RootConfig
	cfg  *config.ServerConfig
}

func NewFilterFactory(root *config.RootConfig, cfg *config.ServerConfig) *FilterFactory {
	return &FilterFactory{root: root, cfg: cfg}
}

// Create builds the filters. Cheap local checks run first; rate limiting runs
// last so rejected peers do not consume tokens. clientset is only required
// when a pod selector is configured.
func (f *FilterFactory) Create(ctx context.Context, clientset k8s.Interface) (_ *Filters, err error) {
	out := &Filters{}
	defer func() {
		if err != nil {
			_ = out.Close()
		}
	}()

	if f.cfg.RejectLoopback {
		out.Filters = append(out.Filters, filter.NewLoopbackFilter())
	}

	if f.cfg.AllowCIDRs != "" || f.cfg.DenyCIDRs != "" {
		cidr, err := filter.NewCIDRFilter(f.cfg.AllowCIDRs, f.cfg.DenyCIDRs)
		if err != nil {
			return nil, fmt.Errorf("failed to create CIDR filter: %w", err)
		}
		out.Filters = append(out.Filters, cidr)
	}

	if f.cfg.BlocklistFile != "" {
		blocklist, err := filter.NewFileBlocklistFilter(f.cfg.BlocklistFile)
		if err != nil {
			return nil, err
		}
		if err := blocklist.Watch(ctx); err != nil {
			return nil, err
		}
		out.closers = append(out.closers, blocklist.Close)
		out.Filters = append(out.Filters, blocklist)
	}

	if f.cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: f.cfg.RedisAddr})
		out.closers = append(out.closers, client.Close)
		blocklist, err := filter.NewRedisBlocklistFilter(client, f.cfg.RedisBlocklistKey)
		if err != nil {
			return nil, err
		}
		out.Filters = append(out.Filters, blocklist)
	}

	if f.cfg.PodSelector != "" {
		if clientset == nil {
			return nil, fmt.Errorf("FILTER_POD_SELECTOR requires a kubernetes client")
		}
		pods, err := kubernetes.NewPodFilter(clientset, f.root.Namespace, f.cfg.PodSelector)
		if err != nil {
			return nil, err
		}
		if err := pods.Start(ctx); err != nil {
			pods.Stop()
			return nil, err
		}
		out.closers = append(out.closers, func() error { pods.Stop(); return nil })
		out.Filters = append(out.Filters, pods)
	}

	if f.cfg.RateLimit > 0 {
		limiter, err := filter.NewRateLimitFilter(f.cfg.RateLimit, f.cfg.RateBurst, 0)
		if err != nil {
			return nil, err
		}
		out.Filters = append(out.Filters, limiter)
	}

	names := make([]string, 0, len(out.Filters))
	for _, cf := range out.Filters {
		names = append(names, cf.Name())
	}
	logger.Info("Connection filters configured", "filters", names)
	return out, nil
}
