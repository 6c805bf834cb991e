package security

import (
	"crypto/tls"
	"fmt"
	"strings"
)

var versionsByName = map[string]uint16{
	"TLS10": tls.VersionTLS10,
	"TLS11": tls.VersionTLS11,
	"TLS12": tls.VersionTLS12,
	"TLS13": tls.VersionTLS13,
}

// ParseVersions parses a list such as "TLS1.2;TLS1.3" or "tlsv1.2, 1.3".
// Items may be separated by commas, semicolons or spaces.
func ParseVersions(value string) ([]uint16, error) {
	fields := strings.FieldsFunc(value, func(r rune) bool {
		return r == ',' || r == ';' || r == ' ' || r == '\t'
	})
	if len(fields) == 0 {
		return nil, fmt.Errorf("no protocol versions given")
	}

	versions := make([]uint16, 0, len(fields))
	for _, field := range fields {
		v, err := parseVersion(field)
		if err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, nil
}

func parseVersion(name string) (uint16, error) {
	normalized := strings.ToUpper(strings.TrimSpace(name))
	normalized = strings.NewReplacer("V", "", ".", "", "_", "").Replace(normalized)
	if !strings.HasPrefix(normalized, "TLS") {
		normalized = "TLS" + normalized
	}
	v, ok := versionsByName[normalized]
	if !ok {
		return 0, fmt.Errorf("unknown protocol version %q", name)
	}
	return v, nil
}

func isKnownVersion(v uint16) bool {
	for _, known := range versionsByName {
		if known == v {
			return true
		}
	}
	return false
}

// VersionName returns the conventional name of a TLS protocol version.
func VersionName(version uint16) string {
	switch version {
	case tls.VersionTLS10:
		return "TLSv1.0"
	case tls.VersionTLS11:
		return "TLSv1.1"
	case tls.VersionTLS12:
		return "TLSv1.2"
	case tls.VersionTLS13:
		return "TLSv1.3"
	default:
		return fmt.Sprintf("Unknown (%x)", version)
	}
}

// ClientAuthPolicy is the client credential requirement.
type ClientAuthPolicy int

const (
	// ClientAuthNone never asks for a client certificate.
	ClientAuthNone ClientAuthPolicy = iota
	// ClientAuthRequest asks for a certificate but does not verify it.
	ClientAuthRequest
	// ClientAuthVerifyIfGiven verifies a certificate if the client sends one.
	ClientAuthVerifyIfGiven
	// ClientAuthRequire requires a certificate signed by a trusted CA.
	ClientAuthRequire
)

// ParseClientAuth parses none, request, verify-if-given or require.
func ParseClientAuth(value string) (ClientAuthPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "none":
		return ClientAuthNone, nil
	case "request":
		return ClientAuthRequest, nil
	case "verify-if-given", "verify_if_given":
		return ClientAuthVerifyIfGiven, nil
	case "require", "required":
		return ClientAuthRequire, nil
	default:
		return ClientAuthNone, fmt.Errorf("unknown client auth policy %q", value)
	}
}

func (p ClientAuthPolicy) String() string {
	switch p {
	case ClientAuthNone:
		return "none"
	case ClientAuthRequest:
		return "request"
	case ClientAuthVerifyIfGiven:
		return "verify-if-given"
	case ClientAuthRequire:
		return "require"
	default:
		return fmt.Sprintf("ClientAuthPolicy(%d)", int(p))
	}
}

// VerifiesCertificates reports whether client certificates are checked
// against a CA pool under this policy.
func (p ClientAuthPolicy) VerifiesCertificates() bool {
	return p == ClientAuthVerifyIfGiven || p == ClientAuthRequire
}

func (p ClientAuthPolicy) tlsClientAuth() tls.ClientAuthType {
	switch p {
	case ClientAuthRequest:
		return tls.RequestClientCert
	case ClientAuthVerifyIfGiven:
		return tls.VerifyClientCertIfGiven
	case ClientAuthRequire:
		return tls.RequireAndVerifyClientCert
	default:
		return tls.NoClientCert
	}
}
