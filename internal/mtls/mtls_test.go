package mtls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTestPair(t *testing.T, notBefore, notAfter time.Time) (string, string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "classroom-pc-01"},
		NotBefore:    notBefore,
		NotAfter:     notAfter,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	certFile := filepath.Join(dir, "client.crt")
	keyFile := filepath.Join(dir, "client.key")
	if err := os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0600); err != nil {
		t.Fatal(err)
	}
	return certFile, keyFile
}

func TestBuildTLSConfigEmptyPathsReturnsNil(t *testing.T) {
	cfg, err := BuildTLSConfig("", "")
	if err != nil || cfg != nil {
		t.Fatalf("BuildTLSConfig(\"\", \"\") = %v, %v; want nil, nil", cfg, err)
	}
}

func TestBuildTLSConfigLoadsPair(t *testing.T) {
	certFile, keyFile := writeTestPair(t, time.Now().Add(-time.Hour), time.Now().Add(365*24*time.Hour))

	cfg, err := BuildTLSConfig(certFile, keyFile)
	if err != nil {
		t.Fatalf("BuildTLSConfig: %v", err)
	}
	if len(cfg.Certificates) != 1 {
		t.Fatalf("expected 1 certificate, got %d", len(cfg.Certificates))
	}
	if cfg.Certificates[0].Leaf == nil || cfg.Certificates[0].Leaf.Subject.CommonName != "classroom-pc-01" {
		t.Fatal("leaf certificate not populated")
	}
}

func TestBuildTLSConfigMissingFile(t *testing.T) {
	if _, err := BuildTLSConfig("/nonexistent/client.crt", "/nonexistent/client.key"); err == nil {
		t.Fatal("expected error for missing files")
	}
}

func TestIsExpired(t *testing.T) {
	now := time.Now()
	leaf := &x509.Certificate{NotBefore: now.Add(-time.Hour), NotAfter: now.Add(time.Hour)}
	if IsExpired(leaf, now) {
		t.Fatal("valid certificate reported expired")
	}
	if !IsExpired(leaf, now.Add(2*time.Hour)) {
		t.Fatal("certificate past NotAfter should be expired")
	}
	if !IsExpired(leaf, now.Add(-2*time.Hour)) {
		t.Fatal("certificate before NotBefore should be rejected")
	}
	if IsExpired(nil, now) {
		t.Fatal("nil leaf should not be expired")
	}
}
