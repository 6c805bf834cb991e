package memory

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"sync"
)

// MemoryTLSProvider keeps the certificate in process memory. It is meant for
// development and tests: a restart loses the certificate.
type MemoryTLSProvider struct {
	cert *tls.Certificate
	mu   sync.RWMutex
}

func NewMemoryTLSProvider() *MemoryTLSProvider {
	return &MemoryTLSProvider{}
}

func (p *MemoryTLSProvider) GetCertificate(ctx context.Context) (*tls.Certificate, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.cert == nil {
		return nil, fmt.Errorf("memory certificate: %w", os.ErrNotExist)
	}
	return p.cert, nil
}

func (p *MemoryTLSProvider) Store(ctx context.Context, certPEM, keyPEM []byte) error {
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return fmt.Errorf("failed to parse x509 key pair: %w", err)
	}
	p.mu.Lock()
	p.cert = &cert
	p.mu.Unlock()
	return nil
}
