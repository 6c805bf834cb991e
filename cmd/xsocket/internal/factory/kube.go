package factory

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/hasirciogluhq/xsocket/cmd/xsocket/internal/config"
	"github.com/hasirciogluhq/xsocket/cmd/xsocket/internal/logger"

	k8s "k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// KubernetesRequired reports whether any configured component talks to the
// Kubernetes API.
func KubernetesRequired(cfg *config.ServerConfig) bool {
	return (cfg.TLSEnabled && cfg.TLSMode == config.TLSModeKubernetes) || cfg.PodSelector != ""
}

// KubeClientFactory builds a Kubernetes client from kubeconfig or the
// in-cluster service account.
type KubeClientFactory struct {
	cfg *config.RootConfig
}

func NewKubeClientFactory(cfg *config.RootConfig) *KubeClientFactory {
	return &KubeClientFactory{cfg: cfg}
}

// Create returns a clientset for the resolved cluster.
func (f *KubeClientFactory) Create() (*k8s.Clientset, error) {
	restConfig, err := f.restConfig()
	if err != nil {
		return nil, err
	}

	clientset, err := k8s.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}
	logger.Info("Kubernetes client created", "host", restConfig.Host)
	return clientset, nil
}

func (f *KubeClientFactory) restConfig() (*rest.Config, error) {
	logger.Info("Resolving Kubernetes configuration",
		"runtime", f.cfg.Runtime,
		"kubeconfig", f.cfg.KubeConfigPath,
		"context", f.cfg.KubeContext)

	kubeconfig := f.cfg.KubeConfigPath

	// Outside a cluster fall back to the default kubeconfig location
	if f.cfg.Runtime != config.RuntimeKubernetes && kubeconfig == "" {
		if home, err := os.UserHomeDir(); err == nil {
			kubeconfig = filepath.Join(home, ".kube", "config")
		}
	}

	configOverrides := &clientcmd.ConfigOverrides{}
	if f.cfg.KubeContext != "" {
		configOverrides.CurrentContext = f.cfg.KubeContext
		logger.Info("Using specific Kubernetes context", "context", f.cfg.KubeContext)
	}

	var restConfig *rest.Config
	var err error

	if kubeconfig != "" {
		restConfig, err = clientcmd.NewNonInteractiveDeferredLoadingClientConfig(
			&clientcmd.ClientConfigLoadingRules{ExplicitPath: kubeconfig},
			configOverrides,
		).ClientConfig()

		if err != nil {
			logger.Warn("Failed to load kubeconfig, will try in-cluster config", "error", err)
			restConfig = nil
		}
	}

	if restConfig == nil {
		logger.Info("Attempting in-cluster Kubernetes configuration")
		restConfig, err = rest.InClusterConfig()
		if err != nil {
			return nil, fmt.Errorf("failed to build kubernetes config (tried kubeconfig and in-cluster): %w", err)
		}
	}

	return restConfig, nil
}
