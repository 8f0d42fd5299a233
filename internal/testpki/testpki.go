// Package testpki generates throwaway CA material and certificate requests
// for tests.
package testpki

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/crypto/cryptobyte"
	cryptobyte_asn1 "golang.org/x/crypto/cryptobyte/asn1"
)

// CA is a self-signed authority written to disk.
type CA struct {
	Cert     *x509.Certificate
	Key      crypto.Signer
	CertPath string
	KeyPath  string
}

// RSAKey generates an RSA key of the given size.
func RSAKey(t testing.TB, bits int) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		t.Fatalf("Failed to generate RSA key: %v", err)
	}
	return key
}

// ECKey generates a P-256 key.
func ECKey(t testing.TB) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("Failed to generate ECDSA key: %v", err)
	}
	return key
}

// NewCA creates a self-signed CA certificate for key and writes the
// certificate (0644) and the PKCS#8 key (0400) into dir.
func NewCA(t testing.TB, dir string, key crypto.Signer) *CA {
	t.Helper()

	spki, err := x509.MarshalPKIXPublicKey(key.Public())
	if err != nil {
		t.Fatalf("Failed to marshal public key: %v", err)
	}
	var info struct {
		Algorithm pkix.AlgorithmIdentifier
		PublicKey asn1.BitString
	}
	if _, err := asn1.Unmarshal(spki, &info); err != nil {
		t.Fatalf("Failed to parse public key: %v", err)
	}
	ski := sha1.Sum(info.PublicKey.Bytes)

	tpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Test Signing CA", Organization: []string{"certbroker"}},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		SubjectKeyId:          ski[:],
	}
	der, err := x509.CreateCertificate(rand.Reader, tpl, tpl, key.Public(), key)
	if err != nil {
		t.Fatalf("Failed to create CA certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("Failed to parse CA certificate: %v", err)
	}

	certPath := filepath.Join(dir, "ca.crt")
	if err := os.WriteFile(certPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0644); err != nil {
		t.Fatalf("Failed to write CA certificate: %v", err)
	}
	keyPath := WriteKey(t, filepath.Join(dir, "ca.key"), key, 0400)

	return &CA{Cert: cert, Key: key, CertPath: certPath, KeyPath: keyPath}
}

// WriteKey writes key as a PKCS#8 PEM file with the given mode.
func WriteKey(t testing.TB, path string, key crypto.Signer, mode os.FileMode) string {
	t.Helper()
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("Failed to marshal private key: %v", err)
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), mode); err != nil {
		t.Fatalf("Failed to write private key: %v", err)
	}
	// WriteFile honours the umask; force the exact mode under test.
	if err := os.Chmod(path, mode); err != nil {
		t.Fatalf("Failed to chmod private key: %v", err)
	}
	return path
}

// CSR creates a PEM encoded certificate request signed by key.
func CSR(t testing.TB, key crypto.Signer, tpl *x509.CertificateRequest) []byte {
	t.Helper()
	der, err := x509.CreateCertificateRequest(rand.Reader, tpl, key)
	if err != nil {
		t.Fatalf("Failed to create CSR: %v", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der})
}

// ServerCSR is a shortcut for a CSR with the given common name and DNS
// SANs.
func ServerCSR(t testing.TB, key crypto.Signer, cn string, dnsNames ...string) []byte {
	t.Helper()
	return CSR(t, key, &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: cn},
		DNSNames: dnsNames,
	})
}

// IPCSR creates a CSR carrying IP address SANs only.
func IPCSR(t testing.TB, key crypto.Signer, cn string, ips ...net.IP) []byte {
	t.Helper()
	return CSR(t, key, &x509.CertificateRequest{
		Subject:     pkix.Name{CommonName: cn},
		IPAddresses: ips,
	})
}

// OIDUserPrincipalName is the Microsoft UPN otherName type.
var OIDUserPrincipalName = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 311, 20, 2, 3}

// OtherNameCSR creates a CSR whose subjectAltName holds dnsName followed by
// a UPN otherName, a name type crypto/x509 does not model.
func OtherNameCSR(t testing.TB, key crypto.Signer, cn, dnsName, upn string) []byte {
	t.Helper()
	var b cryptobyte.Builder
	b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1(cryptobyte_asn1.Tag(2).ContextSpecific(), func(b *cryptobyte.Builder) {
			b.AddBytes([]byte(dnsName))
		})
		b.AddASN1(cryptobyte_asn1.Tag(0).ContextSpecific().Constructed(), func(b *cryptobyte.Builder) {
			b.AddASN1ObjectIdentifier(OIDUserPrincipalName)
			b.AddASN1(cryptobyte_asn1.Tag(0).ContextSpecific().Constructed(), func(b *cryptobyte.Builder) {
				b.AddASN1(cryptobyte_asn1.UTF8String, func(b *cryptobyte.Builder) {
					b.AddBytes([]byte(upn))
				})
			})
		})
	})
	san, err := b.Bytes()
	if err != nil {
		t.Fatalf("Failed to encode subjectAltName: %v", err)
	}
	return CSR(t, key, &x509.CertificateRequest{
		Subject: pkix.Name{CommonName: cn},
		ExtraExtensions: []pkix.Extension{
			{Id: asn1.ObjectIdentifier{2, 5, 29, 17}, Value: san},
		},
	})
}
