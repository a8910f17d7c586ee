package certs

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"
)

func TestSelfSigned_Defaults(t *testing.T) {
	t.Parallel()

	cert, err := SelfSigned()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		t.Fatalf("failed to parse certificate: %v", err)
	}

	if leaf.Subject.CommonName != "localhost" {
		t.Errorf("CN: got %q, want %q", leaf.Subject.CommonName, "localhost")
	}
	if !slices.Contains(leaf.DNSNames, "localhost") {
		t.Errorf("DNS SANs: %v does not contain localhost", leaf.DNSNames)
	}
	if len(leaf.IPAddresses) != 1 || leaf.IPAddresses[0].String() != "127.0.0.1" {
		t.Errorf("IP SANs: got %v, want [127.0.0.1]", leaf.IPAddresses)
	}

	validity := leaf.NotAfter.Sub(time.Now())
	if validity < 364*24*time.Hour || validity > 366*24*time.Hour {
		t.Errorf("remaining validity: got %v, want about one year", validity)
	}

	ecKey, ok := leaf.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		t.Fatal("public key is not ECDSA")
	}
	if ecKey.Curve != elliptic.P256() {
		t.Errorf("curve: got %v, want P-256", ecKey.Curve.Params().Name)
	}
}

func TestSelfSigned_CustomHosts(t *testing.T) {
	t.Parallel()

	cert, err := SelfSigned("relay.internal", "10.0.0.5", "::1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cert.Leaf.Subject.CommonName != "relay.internal" {
		t.Errorf("CN: got %q, want %q", cert.Leaf.Subject.CommonName, "relay.internal")
	}
	if len(cert.Leaf.DNSNames) != 1 || cert.Leaf.DNSNames[0] != "relay.internal" {
		t.Errorf("DNS SANs: got %v", cert.Leaf.DNSNames)
	}
	if len(cert.Leaf.IPAddresses) != 2 {
		t.Errorf("IP SANs: got %v, want 2 entries", cert.Leaf.IPAddresses)
	}
}

func TestPool_VerifiesSelfSigned(t *testing.T) {
	t.Parallel()

	cert, err := SelfSigned()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pool, err := Pool(cert)
	if err != nil {
		t.Fatalf("Pool: %v", err)
	}

	for _, host := range []string{"localhost", "127.0.0.1"} {
		if _, err := cert.Leaf.Verify(x509.VerifyOptions{DNSName: host, Roots: pool}); err != nil {
			t.Errorf("verify for %s: %v", host, err)
		}
	}
	if _, err := cert.Leaf.Verify(x509.VerifyOptions{DNSName: "example.com", Roots: pool}); err == nil {
		t.Error("expected verification to fail for an unlisted host")
	}
}

func TestPool_EmptyCertificate(t *testing.T) {
	t.Parallel()

	if _, err := Pool(tls.Certificate{}); err == nil {
		t.Error("expected error for empty certificate, got nil")
	}
}

func TestServerConfig_SelfSigned(t *testing.T) {
	t.Parallel()

	cfg, err := ServerConfig("", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Certificates) != 1 {
		t.Errorf("Certificates: got %d, want 1", len(cfg.Certificates))
	}
	if cfg.MinVersion != tls.VersionTLS12 {
		t.Errorf("MinVersion: got %d, want TLS 1.2 (%d)", cfg.MinVersion, tls.VersionTLS12)
	}
}

func TestServerConfig_FromFiles(t *testing.T) {
	t.Parallel()

	cert, err := SelfSigned("files.test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(cert.PrivateKey.(*ecdsa.PrivateKey))
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}

	dir := t.TempDir()
	certFile := filepath.Join(dir, "cert.pem")
	keyFile := filepath.Join(dir, "key.pem")
	if err := os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Certificate[0]}), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := ServerConfig(certFile, keyFile)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	leaf, err := x509.ParseCertificate(cfg.Certificates[0].Certificate[0])
	if err != nil {
		t.Fatalf("parse loaded certificate: %v", err)
	}
	if leaf.Subject.CommonName != "files.test" {
		t.Errorf("CN: got %q, want %q", leaf.Subject.CommonName, "files.test")
	}
}

func TestServerConfig_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		certFile string
		keyFile  string
	}{
		{name: "missing files", certFile: "/nonexistent/cert.pem", keyFile: "/nonexistent/key.pem"},
		{name: "cert without key", certFile: "/nonexistent/cert.pem"},
		{name: "key without cert", keyFile: "/nonexistent/key.pem"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := ServerConfig(tt.certFile, tt.keyFile); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}
