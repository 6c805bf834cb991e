package security

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/hasirciogluhq/xsocket/cmd/xsocket/internal/logger"
	"github.com/hasirciogluhq/xsocket/cmd/xsocket/internal/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	logger.Discard()
}

func serverCertificate(t *testing.T) *tls.Certificate {
	t.Helper()
	certPEM, keyPEM, err := utils.GenerateSelfSignedCert("localhost", "127.0.0.1")
	require.NoError(t, err)
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	require.NoError(t, err)
	return &cert
}

type testCA struct {
	cert *x509.Certificate
	key  *ecdsa.PrivateKey
	pool *x509.CertPool
}

func newTestCA(t *testing.T) *testCA {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "test ca"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	pool := x509.NewCertPool()
	pool.AddCert(cert)
	return &testCA{cert: cert, key: key, pool: pool}
}

func (ca *testCA) issueClient(t *testing.T) tls.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: "client"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca.cert, &key.PublicKey, ca.key)
	require.NoError(t, err)
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
}

// handshake accepts one TCP connection, runs n.Negotiate on it and drives a
// client handshake with clientCfg from another goroutine.
func handshake(t *testing.T, n *Negotiator, clientCfg *tls.Config) (raw net.Conn, conn net.Conn, state *tls.ConnectionState, err error) {
	t.Helper()
	ln, lerr := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, lerr)
	defer ln.Close()

	clientDone := make(chan struct{})
	go func() {
		defer close(clientDone)
		c, derr := net.Dial("tcp", ln.Addr().String())
		if derr != nil {
			return
		}
		defer c.Close()
		tc := tls.Client(c, clientCfg)
		if tc.Handshake() != nil {
			return
		}
		_, _ = io.Copy(io.Discard, tc)
	}()

	raw, aerr := ln.Accept()
	require.NoError(t, aerr)
	conn, state, err = n.Negotiate(context.Background(), raw)
	if conn != nil {
		conn.Close()
	}
	<-clientDone
	return raw, conn, state, err
}

func TestPassThroughNegotiator(t *testing.T) {
	n, err := NewNegotiator(nil)
	require.NoError(t, err)
	assert.False(t, n.Enabled())
	assert.Nil(t, n.Versions())
	assert.Nil(t, n.Certificate())
	assert.Equal(t, ClientAuthNone, n.ClientAuth())

	server, client := net.Pipe()
	defer client.Close()
	conn, state, err := n.Negotiate(context.Background(), server)
	require.NoError(t, err)
	assert.Same(t, server, conn)
	assert.Nil(t, state)
}

func TestNegotiateSelectsHighestAcceptedVersion(t *testing.T) {
	n, err := NewNegotiator(&Config{
		Certificate: serverCertificate(t),
		Versions:    []uint16{tls.VersionTLS13, tls.VersionTLS12},
	})
	require.NoError(t, err)
	assert.Equal(t, uint16(tls.VersionTLS12), n.MinVersion())

	_, conn, state, err := handshake(t, n, &tls.Config{InsecureSkipVerify: true})
	require.NoError(t, err)
	require.NotNil(t, conn)
	require.NotNil(t, state)
	assert.Equal(t, uint16(tls.VersionTLS13), state.Version)
}

func TestNegotiatorExposesResolvedConfig(t *testing.T) {
	cert := serverCertificate(t)
	n, err := NewNegotiator(&Config{
		Certificate: cert,
		Versions:    []uint16{tls.VersionTLS13, tls.VersionTLS12, tls.VersionTLS13},
	})
	require.NoError(t, err)

	got := n.Certificate()
	require.NotNil(t, got)
	assert.Equal(t, cert.Certificate, got.Certificate)
	require.NotNil(t, got.Leaf)
	assert.Contains(t, got.Leaf.DNSNames, "localhost")
	assert.Equal(t, ClientAuthNone, n.ClientAuth())
	assert.Equal(t, []uint16{tls.VersionTLS12, tls.VersionTLS13}, n.Versions())
}

func TestNegotiateRejectsVersionBelowMinimum(t *testing.T) {
	n, err := NewNegotiator(&Config{
		Certificate: serverCertificate(t),
		Versions:    []uint16{tls.VersionTLS13},
	})
	require.NoError(t, err)

	raw, conn, _, err := handshake(t, n, &tls.Config{InsecureSkipVerify: true, MaxVersion: tls.VersionTLS12})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSecurityNegotiationFailed)
	assert.Nil(t, conn)

	_, werr := raw.Write([]byte("x"))
	assert.ErrorIs(t, werr, net.ErrClosed, "raw connection must be closed after a failed handshake")
}

func TestNegotiateRejectsVersionOutsideNonContiguousSet(t *testing.T) {
	n, err := NewNegotiator(&Config{
		Certificate: serverCertificate(t),
		Versions:    []uint16{tls.VersionTLS10, tls.VersionTLS13},
	})
	require.NoError(t, err)

	_, _, _, err = handshake(t, n, &tls.Config{InsecureSkipVerify: true, MinVersion: tls.VersionTLS12, MaxVersion: tls.VersionTLS12})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSecurityNegotiationFailed)
	assert.Contains(t, err.Error(), "TLSv1.2")
}

func TestNegotiateRequiresClientCertificate(t *testing.T) {
	ca := newTestCA(t)
	n, err := NewNegotiator(&Config{
		Certificate: serverCertificate(t),
		Versions:    []uint16{tls.VersionTLS12, tls.VersionTLS13},
		ClientAuth:  ClientAuthRequire,
		ClientCAs:   ca.pool,
	})
	require.NoError(t, err)
	assert.Equal(t, ClientAuthRequire, n.ClientAuth())

	t.Run("missing certificate", func(t *testing.T) {
		_, _, _, err := handshake(t, n, &tls.Config{InsecureSkipVerify: true})
		assert.ErrorIs(t, err, ErrSecurityNegotiationFailed)
	})

	t.Run("untrusted certificate", func(t *testing.T) {
		other := newTestCA(t)
		_, _, _, err := handshake(t, n, &tls.Config{
			InsecureSkipVerify: true,
			Certificates:       []tls.Certificate{other.issueClient(t)},
		})
		assert.ErrorIs(t, err, ErrSecurityNegotiationFailed)
	})

	t.Run("trusted certificate", func(t *testing.T) {
		_, _, state, err := handshake(t, n, &tls.Config{
			InsecureSkipVerify: true,
			Certificates:       []tls.Certificate{ca.issueClient(t)},
		})
		require.NoError(t, err)
		require.Len(t, state.PeerCertificates, 1)
		assert.Equal(t, "client", state.PeerCertificates[0].Subject.CommonName)
	})
}

func TestNewNegotiatorValidation(t *testing.T) {
	cert := serverCertificate(t)

	tests := []struct {
		name string
		cfg  *Config
	}{
		{"missing certificate", &Config{Versions: []uint16{tls.VersionTLS12}}},
		{"empty certificate", &Config{Certificate: &tls.Certificate{}, Versions: []uint16{tls.VersionTLS12}}},
		{"garbage certificate", &Config{Certificate: &tls.Certificate{Certificate: [][]byte{{1, 2, 3}}}, Versions: []uint16{tls.VersionTLS12}}},
		{"no versions", &Config{Certificate: cert}},
		{"unknown version", &Config{Certificate: cert, Versions: []uint16{0x0300}}},
		{"client auth without CA", &Config{Certificate: cert, Versions: []uint16{tls.VersionTLS12}, ClientAuth: ClientAuthRequire}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewNegotiator(tt.cfg)
			assert.ErrorIs(t, err, ErrInvalidSecurityConfig)
		})
	}
}

func TestParseVersions(t *testing.T) {
	versions, err := ParseVersions("TLS1.2;tlsv1.3, 1.1")
	require.NoError(t, err)
	assert.Equal(t, []uint16{tls.VersionTLS12, tls.VersionTLS13, tls.VersionTLS11}, versions)

	_, err = ParseVersions("SSL3")
	assert.Error(t, err)

	_, err = ParseVersions(" ; ")
	assert.Error(t, err)
}

func TestParseClientAuth(t *testing.T) {
	for input, want := range map[string]ClientAuthPolicy{
		"":                ClientAuthNone,
		"none":            ClientAuthNone,
		"request":         ClientAuthRequest,
		"verify-if-given": ClientAuthVerifyIfGiven,
		"REQUIRE":         ClientAuthRequire,
	} {
		got, err := ParseClientAuth(input)
		require.NoError(t, err, input)
		assert.Equal(t, want, got, input)
	}

	_, err := ParseClientAuth("sometimes")
	assert.Error(t, err)
	assert.True(t, ClientAuthRequire.VerifiesCertificates())
	assert.False(t, ClientAuthRequest.VerifiesCertificates())
}
