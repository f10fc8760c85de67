package certs

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"net"
	"slices"
	"testing"
	"time"
)

func TestGenerate(t *testing.T) {
	t.Parallel()
	cert, err := Generate(24*time.Hour, "player.local", "10.0.0.7")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	leaf, err := x509.ParseCertificate(cert.TLSCert.Certificate[0])
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if got := leaf.NotAfter.Sub(leaf.NotBefore); got != 24*time.Hour {
		t.Fatalf("validity = %v, want 24h", got)
	}
	if !slices.Contains(leaf.DNSNames, "player.local") || !slices.Contains(leaf.DNSNames, "localhost") {
		t.Fatalf("DNSNames = %v, want localhost and player.local", leaf.DNSNames)
	}
	found := slices.ContainsFunc(leaf.IPAddresses, func(ip net.IP) bool { return ip.Equal(net.ParseIP("10.0.0.7")) })
	if !found {
		t.Fatalf("IPAddresses = %v, want 10.0.0.7", leaf.IPAddresses)
	}

	sum := sha256.Sum256(cert.TLSCert.Certificate[0])
	if cert.Fingerprint != sum {
		t.Fatal("fingerprint does not match certificate")
	}
	if got, want := cert.FingerprintHex(), hex.EncodeToString(sum[:]); got != want {
		t.Fatalf("FingerprintHex = %q, want %q", got, want)
	}
	if cert.FingerprintBase64() == "" {
		t.Fatal("FingerprintBase64 is empty")
	}
}

func TestGenerateClampsValidity(t *testing.T) {
	t.Parallel()
	for _, v := range []time.Duration{0, -time.Hour, 30 * 24 * time.Hour} {
		cert, err := Generate(v)
		if err != nil {
			t.Fatalf("Generate(%v): %v", v, err)
		}
		leaf, err := x509.ParseCertificate(cert.TLSCert.Certificate[0])
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if got := leaf.NotAfter.Sub(leaf.NotBefore); got != MaxValidity {
			t.Fatalf("Generate(%v) validity = %v, want %v", v, got, MaxValidity)
		}
	}
}

func TestTLSConfig(t *testing.T) {
	t.Parallel()
	cert, err := Generate(time.Hour)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	cfg := cert.TLSConfig("h3", "http/1.1")
	if len(cfg.Certificates) != 1 {
		t.Fatalf("Certificates = %d, want 1", len(cfg.Certificates))
	}
	if !slices.Equal(cfg.NextProtos, []string{"h3", "http/1.1"}) {
		t.Fatalf("NextProtos = %v", cfg.NextProtos)
	}
	if cfg.MinVersion != tls.VersionTLS13 {
		t.Fatalf("MinVersion = %x, want TLS 1.3", cfg.MinVersion)
	}
}
