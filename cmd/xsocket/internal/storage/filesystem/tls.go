package filesystem

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"path/filepath"
)

// FileTLSProvider reads and writes the key pair as PEM files.
type FileTLSProvider struct {
	CertFile string
	KeyFile  string
}

func NewFileTLSProvider(certFile, keyFile string) *FileTLSProvider {
	return &FileTLSProvider{
		CertFile: certFile,
		KeyFile:  keyFile,
	}
}

// GetCertificate loads the pair. Missing files are reported as os.ErrNotExist.
func (p *FileTLSProvider) GetCertificate(ctx context.Context) (*tls.Certificate, error) {
	cert, err := tls.LoadX509KeyPair(p.CertFile, p.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load key pair from %s, %s: %w", p.CertFile, p.KeyFile, err)
	}
	return &cert, nil
}

// Store writes both files, creating parent directories as needed. Each file
// is written to a temporary name first and renamed into place.
func (p *FileTLSProvider) Store(ctx context.Context, certPEM, keyPEM []byte) error {
	if _, err := tls.X509KeyPair(certPEM, keyPEM); err != nil {
		return fmt.Errorf("refusing to store invalid key pair: %w", err)
	}
	if err := writeFileAtomic(p.CertFile, certPEM, 0o644); err != nil {
		return fmt.Errorf("failed to write cert file: %w", err)
	}
	if err := writeFileAtomic(p.KeyFile, keyPEM, 0o600); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	return nil
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
