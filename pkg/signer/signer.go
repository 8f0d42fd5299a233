// Package signer provides the signing backends of a certificate authority.
//
// A Backend turns the DER encoding of a TBSCertificate into a raw
// signature using the CA key it was built for. Backends never see the
// certificate request itself. Two backends exist: LocalBackend, which
// reads a private key file, and PKCS11Backend, which signs inside a
// hardware security module.
package signer

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/remiblancher/certbroker/pkg/ca"
)

// Backend signs TBSCertificates for one CA.
type Backend interface {
	// Kind returns the backend tag.
	Kind() ca.BackendKind

	// SignatureAlgorithm is the AlgorithmIdentifier to embed in the
	// certificate for signatures produced by Sign.
	SignatureAlgorithm() pkix.AlgorithmIdentifier

	// Sign hashes tbs with the CA's signing hash and signs it. The call
	// honours ctx cancellation and deadlines.
	Sign(ctx context.Context, tbs []byte) ([]byte, error)

	// Close releases resources held by the backend.
	Close() error
}

// Option configures a backend.
type Option func(*options)

type options struct {
	logger zerolog.Logger
	pkcs11 pkcs11Options
}

// WithLogger sets the logger used by the backend.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

func buildOptions(opts []Option) options {
	o := options{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// New builds the backend selected by cfg.Backend for the CA called name.
// caCert is the CA certificate; its public key decides the signature
// algorithm.
func New(name string, cfg *ca.Config, caCert *x509.Certificate, opts ...Option) (Backend, error) {
	kind, err := ca.ParseBackendKind(cfg.Backend)
	if err != nil {
		return nil, err
	}
	switch kind {
	case ca.BackendLocal:
		b, err := NewLocal(name, cfg, caCert, opts...)
		if err != nil {
			return nil, err
		}
		return b, nil
	case ca.BackendPKCS11:
		b, err := NewPKCS11(name, cfg, caCert, opts...)
		if err != nil {
			return nil, err
		}
		return b, nil
	}
	return nil, fmt.Errorf("%w: %q", ca.ErrUnsupportedBackend, cfg.Backend)
}

// SignatureAlgorithmFor returns the AlgorithmIdentifier for signing with a
// key of pub's type under hash h.
func SignatureAlgorithmFor(pub crypto.PublicKey, h ca.HashAlgorithm) (pkix.AlgorithmIdentifier, error) {
	if !h.Valid() {
		return pkix.AlgorithmIdentifier{}, fmt.Errorf("%w: %s", ca.ErrUnsupportedHash, h)
	}
	switch pub.(type) {
	case *rsa.PublicKey:
		// RFC 4055: the parameters of sha*WithRSAEncryption are NULL.
		return pkix.AlgorithmIdentifier{Algorithm: h.RSASignatureOID(), Parameters: asn1.RawValue{FullBytes: asn1.NullBytes}}, nil
	case *ecdsa.PublicKey:
		return pkix.AlgorithmIdentifier{Algorithm: h.ECDSASignatureOID()}, nil
	}
	return pkix.AlgorithmIdentifier{}, fmt.Errorf("%w: %T cannot sign with a separate %s digest",
		ErrKeyIncompatible, pub, h)
}
