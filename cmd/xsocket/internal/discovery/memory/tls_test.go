package memory

import (
	"context"
	"os"
	"testing"

	"github.com/hasirciogluhq/xsocket/cmd/xsocket/internal/core"
	"github.com/hasirciogluhq/xsocket/cmd/xsocket/internal/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ core.TLSProvider = (*MemoryTLSProvider)(nil)

func TestMemoryTLSProvider(t *testing.T) {
	p := NewMemoryTLSProvider()
	ctx := context.Background()

	_, err := p.GetCertificate(ctx)
	assert.ErrorIs(t, err, os.ErrNotExist)

	assert.Error(t, p.Store(ctx, []byte("bad"), []byte("bad")))

	certPEM, keyPEM, err := utils.GenerateSelfSignedCert()
	require.NoError(t, err)
	require.NoError(t, p.Store(ctx, certPEM, keyPEM))

	cert, err := p.GetCertificate(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, cert.Certificate)
}
