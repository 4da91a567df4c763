// internal/transport/identity.go
package transport

import (
	"crypto/tls"
	"errors"
	"fmt"
)

// IdentityProvider supplies the TLS certificate a listener presents.
// Obtaining or renewing it is the provider's business.
type IdentityProvider interface {
	Identity() (tls.Certificate, error)
}

// FileIdentity loads a PEM certificate/key pair from disk on every call,
// so a replaced pair is picked up by the next Start.
type FileIdentity struct {
	CertFile string
	KeyFile  string
}

func (f FileIdentity) Identity() (tls.Certificate, error) {
	if f.CertFile == "" || f.KeyFile == "" {
		return tls.Certificate{}, errors.New("tls identity: cert and key paths are required")
	}
	cert, err := tls.LoadX509KeyPair(f.CertFile, f.KeyFile)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("tls identity: %w", err)
	}
	return cert, nil
}

// StaticIdentity serves a certificate already in memory.
type StaticIdentity struct {
	Cert tls.Certificate
}

func (s StaticIdentity) Identity() (tls.Certificate, error) {
	if len(s.Cert.Certificate) == 0 {
		return tls.Certificate{}, errors.New("tls identity: empty certificate")
	}
	return s.Cert, nil
}
