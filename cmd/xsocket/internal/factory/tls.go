package factory

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/hasirciogluhq/xsocket/cmd/xsocket/internal/config"
	"github.com/hasirciogluhq/xsocket/cmd/xsocket/internal/core"
	"github.com/hasirciogluhq/xsocket/cmd/xsocket/internal/discovery/kubernetes"
	"github.com/hasirciogluhq/xsocket/cmd/xsocket/internal/discovery/memory"
	"github.com/hasirciogluhq/xsocket/cmd/xsocket/internal/logger"
	"github.com/hasirciogluhq/xsocket/cmd/xsocket/internal/storage/filesystem"
	"github.com/hasirciogluhq/xsocket/cmd/xsocket/internal/utils"

	k8s "k8s.io/client-go/kubernetes"
)

// certificateReplacer is implemented by providers whose Store refuses to
// overwrite an existing certificate.
type certificateReplacer interface {
	Replace(ctx context.Context, certPEM, keyPEM []byte) error
}

// TLSFactory creates TLS providers based on configuration
type TLSFactory struct {
	root *config.RootConfig
	cfg  *config.ServerConfig
}

// NewTLSFactory creates a new TLS factory
func NewTLSFactory(root *config.RootConfig, cfg *config.ServerConfig) *TLSFactory {
	return &TLSFactory{root: root, cfg: cfg}
}

// Create creates a TLS provider based on configuration. clientset is only
// required in kubernetes mode.
func (f *TLSFactory) Create(ctx context.Context, clientset k8s.Interface) (core.TLSProvider, error) {
	switch f.cfg.TLSMode {
	case config.TLSModeFile:
		return f.createFileProvider()
	case config.TLSModeKubernetes:
		return f.createKubernetesProvider(clientset)
	case config.TLSModeMemory, "":
		return f.createMemoryProvider()
	default:
		return nil, fmt.Errorf("unknown TLS mode: %s", f.cfg.TLSMode)
	}
}

func (f *TLSFactory) createFileProvider() (core.TLSProvider, error) {
	logger.Info("Creating File-based TLS Provider",
		"cert", f.cfg.TLSCertFile,
		"key", f.cfg.TLSKeyFile)
	return filesystem.NewFileTLSProvider(f.cfg.TLSCertFile, f.cfg.TLSKeyFile), nil
}

func (f *TLSFactory) createKubernetesProvider(clientset k8s.Interface) (core.TLSProvider, error) {
	if clientset == nil {
		return nil, fmt.Errorf("kubernetes TLS mode requires kubernetes client (run in-cluster or provide KUBECONFIG)")
	}

	logger.Info("Creating Kubernetes TLS Provider",
		"namespace", f.root.Namespace,
		"secret", f.cfg.TLSSecretName)

	return kubernetes.NewSecretTLSProvider(clientset, f.root.Namespace, f.cfg.TLSSecretName), nil
}

func (f *TLSFactory) createMemoryProvider() (core.TLSProvider, error) {
	logger.Info("Creating Memory TLS Provider")
	return memory.NewMemoryTLSProvider(), nil
}

// EnsureCertificate makes sure provider holds a certificate that is not about
// to expire. A missing or expiring certificate is replaced with a self-signed
// one when TLS_AUTO_GENERATE is on.
func (f *TLSFactory) EnsureCertificate(ctx context.Context, provider core.TLSProvider) error {
	cert, err := provider.GetCertificate(ctx)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to load certificate: %w", err)
		}
		if !f.cfg.TLSAutoGenerate {
			return fmt.Errorf("certificate not found and TLS_AUTO_GENERATE=false: %w", err)
		}
		logger.Info("Certificate not found. Generating new self-signed certificate...")
		return f.generateAndStoreCertificate(ctx, provider, provider.Store)
	}

	expiring, notAfter, err := certificateExpiring(cert, f.cfg.TLSRenewBefore)
	if err != nil {
		return err
	}
	if !expiring {
		logger.Info("Certificate loaded and validated successfully", "not_after", notAfter.Format(time.RFC3339))
		return nil
	}

	if f.cfg.TLSAutoGenerate {
		logger.Warn("Certificate is expiring. Generating replacement...", "not_after", notAfter.Format(time.RFC3339))
		store := provider.Store
		if r, ok := provider.(certificateReplacer); ok {
			store = r.Replace
		}
		return f.generateAndStoreCertificate(ctx, provider, store)
	}
	if time.Now().After(notAfter) {
		return fmt.Errorf("certificate expired at %s and TLS_AUTO_GENERATE=false", notAfter.Format(time.RFC3339))
	}
	logger.Warn("Certificate expires soon", "not_after", notAfter.Format(time.RFC3339))
	return nil
}

func (f *TLSFactory) generateAndStoreCertificate(ctx context.Context, provider core.TLSProvider, store func(ctx context.Context, certPEM, keyPEM []byte) error) error {
	certPEM, keyPEM, err := utils.GenerateSelfSignedCert(config.SplitList(f.cfg.TLSHosts)...)
	if err != nil {
		return fmt.Errorf("failed to generate self-signed certificate: %w", err)
	}

	// Another replica may have stored a certificate first.
	if err := store(ctx, certPEM, keyPEM); err != nil {
		logger.Warn("Failed to store certificate, attempting to load existing cert", "error", err)
		cert, loadErr := provider.GetCertificate(ctx)
		if loadErr != nil {
			return fmt.Errorf("failed to load certificate after store failure: %w", loadErr)
		}
		expiring, _, expErr := certificateExpiring(cert, f.cfg.TLSRenewBefore)
		if expErr != nil {
			return expErr
		}
		if expiring {
			return fmt.Errorf("failed to replace expiring certificate: %w", err)
		}
		logger.Info("Successfully loaded certificate created by another instance")
		return nil
	}

	logger.Info("Successfully generated and stored self-signed certificate")
	return nil
}

func certificateExpiring(cert *tls.Certificate, renewBefore time.Duration) (bool, time.Time, error) {
	if cert == nil || len(cert.Certificate) == 0 {
		return false, time.Time{}, fmt.Errorf("certificate is empty")
	}
	leaf := cert.Leaf
	if leaf == nil {
		var err error
		if leaf, err = x509.ParseCertificate(cert.Certificate[0]); err != nil {
			return false, time.Time{}, fmt.Errorf("failed to parse certificate: %w", err)
		}
	}
	return leaf.NotAfter.Before(time.Now().Add(renewBefore)), leaf.NotAfter, nil
}

// ValidateCertificateExpiry reports whether a PEM certificate expires within
// renewBefore, along with its expiry time.
func ValidateCertificateExpiry(certPEM []byte, renewBefore time.Duration) (bool, time.Time, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return false, time.Time{}, fmt.Errorf("failed to decode PEM certificate")
	}
	return certificateExpiring(&tls.Certificate{Certificate: [][]byte{block.Bytes}}, renewBefore)
}
