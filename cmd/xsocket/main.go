package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hasirciogluhq/xsocket/cmd/xsocket/internal/api"
	"github.com/hasirciogluhq/xsocket/cmd/xsocket/internal/app"
	"github.com/hasirciogluhq/xsocket/cmd/xsocket/internal/config"
	"github.com/hasirciogluhq/xsocket/cmd/xsocket/internal/factory"
	"github.com/hasirciogluhq/xsocket/cmd/xsocket/internal/logger"
	"golang.org/x/sync/errgroup"
	k8s "k8s.io/client-go/kubernetes"
)

func main() {
	// Load configuration from environment
	cfg, err := config.LoadFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger.Init()
	logger.Info("Starting xsocket...",
		"server", cfg.Server.Name,
		"runtime", cfg.Root.Runtime,
		"transport", cfg.Server.Transport,
		"tls_enabled", cfg.Server.TLSEnabled,
		"tls_mode", cfg.Server.TLSMode)

	if err := run(cfg); err != nil {
		logger.Fatal("xsocket stopped with error", "error", err)
	}
	logger.Info("xsocket stopped")
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// A health server failure cancels gctx and stops the socket server too.
	healthServer := api.NewHealthServer(":" + cfg.Root.HealthServerPort)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return healthServer.Run(gctx) })
	g.Go(func() error { return serve(gctx, cfg, healthServer) })
	return g.Wait()
}

// serve builds and starts the chat server and stops it once ctx is done.
func serve(ctx context.Context, cfg *config.Config, healthServer *api.HealthServer) error {
	// Kubernetes client is only needed by Secret TLS and the pod filter
	var clientset k8s.Interface
	if factory.KubernetesRequired(&cfg.Server) {
		cs, err := factory.NewKubeClientFactory(&cfg.Root).Create()
		if err != nil {
			return fmt.Errorf("failed to create kubernetes client: %w", err)
		}
		clientset = cs
	}

	server, err := app.NewServer(cfg.Server.MaxRequestLength)
	if err != nil {
		return fmt.Errorf("failed to build server: %w", err)
	}

	// Create TLS provider (optional)
	if cfg.Server.TLSEnabled {
		tlsFactory := factory.NewTLSFactory(&cfg.Root, &cfg.Server)
		tlsProvider, err := tlsFactory.Create(ctx, clientset)
		if err != nil {
			return fmt.Errorf("failed to create TLS provider: %w", err)
		}

		// Ensure certificate exists (load or generate)
		if err := tlsFactory.EnsureCertificate(ctx, tlsProvider); err != nil {
			return fmt.Errorf("failed to ensure certificate: %w", err)
		}
		if err := server.SetTLSProvider(tlsProvider); err != nil {
			return err
		}
		logger.Info("TLS enabled and configured")
	} else {
		logger.Warn("TLS is disabled - connections will not be encrypted")
	}

	filters, err := factory.NewFilterFactory(&cfg.Root, &cfg.Server).Create(ctx, clientset)
	if err != nil {
		return fmt.Errorf("failed to create connection filters: %w", err)
	}
	defer filters.Close()
	if err := server.AddConnectionFilters(filters.Filters...); err != nil {
		return err
	}

	tf, err := factory.NewTransport(&cfg.Server)
	if err != nil {
		return err
	}

	if err := server.Setup(ctx, &cfg.Root, &cfg.Server, tf); err != nil {
		return fmt.Errorf("failed to set up server: %w", err)
	}
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	healthServer.Register(server)

	// Mark as ready
	healthServer.SetReady(true)
	logger.Info("xsocket is ready to accept connections", "addr", server.Addr().String())

	<-ctx.Done()
	healthServer.SetReady(false)
	logger.Info("Shutting down", "sessions", server.SessionCount())
	return server.Stop()
}
