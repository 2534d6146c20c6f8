package tlsmgr

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"testing"
	"time"
)

func mustCert(t *testing.T, id string, sans []string, notBefore, notAfter time.Time) *Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: sans[0]},
		DNSNames:     sans,
		NotBefore:    notBefore,
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("CreateCertificate: %v", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("MarshalECPrivateKey: %v", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	return &Certificate{
		ID:         id,
		Leaf:       der,
		PrivateKey: keyPEM,
		NotBefore:  notBefore,
		NotAfter:   notAfter,
		SANs:       sans,
		SourceTag:  SourceManual,
	}
}

func TestStoreResolveBySNIThenFallsBackToDefault(t *testing.T) {
	s := NewStore()
	now := time.Now()
	a := mustCert(t, "a", []string{"a.example.com"}, now.Add(-time.Hour), now.Add(90*24*time.Hour))
	b := mustCert(t, "b", []string{"b.example.com"}, now.Add(-time.Hour), now.Add(90*24*time.Hour))
	s.Install(a)
	s.Install(b)
	s.SetDefault(b)

	got, err := s.Resolve("A.Example.Com.")
	if err != nil {
		t.Fatalf("Resolve(a): %v", err)
	}
	if got.Leaf[0] == 0 {
		t.Fatalf("unexpected empty leaf")
	}

	got, err = s.Resolve("unknown.example.com")
	if err != nil {
		t.Fatalf("Resolve(unknown) should fall back to default: %v", err)
	}
	want, _ := b.TLSCertificate()
	if len(got.Certificate) != len(want.Certificate) {
		t.Fatalf("fallback did not resolve to the default certificate")
	}
}

func TestStoreResolveWithoutDefaultReturnsError(t *testing.T) {
	s := NewStore()
	if _, err := s.Resolve("nope.example.com"); err != ErrNoDefaultCertificate {
		t.Fatalf("err = %v, want ErrNoDefaultCertificate", err)
	}
}

func TestVerifyReplacementRejectsMissingSANAndExpired(t *testing.T) {
	s := NewStore()
	now := time.Now()
	original := mustCert(t, "orig", []string{"a.example.com", "b.example.com"}, now.Add(-time.Hour), now.Add(90*24*time.Hour))

	partial := mustCert(t, "partial", []string{"a.example.com"}, now.Add(-time.Hour), now.Add(90*24*time.Hour))
	if err := s.verifyReplacement(original, partial); err == nil {
		t.Fatalf("expected rejection: replacement drops a required SAN")
	}

	expired := mustCert(t, "expired", []string{"a.example.com", "b.example.com"}, now.Add(-48*time.Hour), now.Add(-time.Hour))
	if err := s.verifyReplacement(original, expired); err == nil {
		t.Fatalf("expected rejection: replacement is already expired")
	}

	valid := mustCert(t, "valid", []string{"a.example.com", "b.example.com"}, now.Add(-time.Hour), now.Add(90*24*time.Hour))
	if err := s.verifyReplacement(original, valid); err != nil {
		t.Fatalf("expected acceptance, got: %v", err)
	}
}

func TestMarkExpiringSchedulesRenewal(t *testing.T) {
	s := NewStore()
	now := time.Now()
	cert := mustCert(t, "c", []string{"c.example.com"}, now.Add(-time.Hour), now.Add(90*24*time.Hour))
	s.Install(cert)

	s.MarkExpiring("c")

	s.queueMu.Lock()
	n := s.queue.Len()
	s.queueMu.Unlock()
	if n == 0 {
		t.Fatalf("expected MarkExpiring to push an entry onto the renewal queue")
	}
}
