package mtls

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	"github.com/classinsights/agent/internal/logging"
)

var log = logging.L("mtls")

// renewWarning is how far ahead of expiry a warning is logged at load time.
const renewWarning = 14 * 24 * time.Hour

// LoadClientCert parses a PEM-encoded certificate and private key pair.
func LoadClientCert(certPEM, keyPEM []byte) (*tls.Certificate, error) {
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("mtls: parse key pair: %w", err)
	}
	if cert.Leaf == nil && len(cert.Certificate) > 0 {
		leaf, err := x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			return nil, fmt.Errorf("mtls: parse leaf: %w", err)
		}
		cert.Leaf = leaf
	}
	return &cert, nil
}

// BuildTLSConfig returns a TLS config presenting the client certificate
// found at certFile/keyFile. Returns nil when either path is empty so
// callers fall back to the default transport.
func BuildTLSConfig(certFile, keyFile string) (*tls.Config, error) {
	if certFile == "" || keyFile == "" {
		return nil, nil
	}

	certPEM, err := os.ReadFile(certFile)
	if err != nil {
		return nil, fmt.Errorf("mtls: read certificate: %w", err)
	}
	keyPEM, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("mtls: read key: %w", err)
	}

	cert, err := LoadClientCert(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}

	if cert.Leaf != nil {
		switch {
		case IsExpired(cert.Leaf, time.Now()):
			log.Error("client certificate has expired", "notAfter", cert.Leaf.NotAfter)
		case time.Until(cert.Leaf.NotAfter) < renewWarning:
			log.Warn("client certificate expires soon", "notAfter", cert.Leaf.NotAfter)
		}
	}

	return &tls.Config{
		Certificates: []tls.Certificate{*cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// IsExpired checks the certificate validity window against now.
func IsExpired(leaf *x509.Certificate, now time.Time) bool {
	if leaf == nil {
		return false
	}
	return now.After(leaf.NotAfter) || now.Before(leaf.NotBefore)
}
