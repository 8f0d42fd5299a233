//go:build !cgo

package signer

import (
	"context"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"

	"github.com/remiblancher/certbroker/pkg/ca"
)

type pkcs11Options struct{}

// errNoCGO is returned when PKCS#11 operations are attempted without CGO.
var errNoCGO = fmt.Errorf("%w: HSM support requires CGO (build with CGO_ENABLED=1)", ErrModuleLoad)

// PKCS11Backend signs with an RSA key held in a hardware security module.
// This stub is used when CGO is not available.
type PKCS11Backend struct{}

var _ Backend = (*PKCS11Backend)(nil)

// NewPKCS11 returns an error when CGO is not available.
func NewPKCS11(name string, _ *ca.Config, _ *x509.Certificate, _ ...Option) (*PKCS11Backend, error) {
	return nil, &StepError{Backend: ca.BackendPKCS11, CA: name, Step: StepLoadModule, Err: errNoCGO}
}

// Kind implements Backend.
func (b *PKCS11Backend) Kind() ca.BackendKind { return ca.BackendPKCS11 }

// SignatureAlgorithm implements Backend.
func (b *PKCS11Backend) SignatureAlgorithm() pkix.AlgorithmIdentifier {
	return pkix.AlgorithmIdentifier{}
}

// Sign returns an error when CGO is not available.
func (b *PKCS11Backend) Sign(context.Context, []byte) ([]byte, error) { return nil, errNoCGO }

// Close is a no-op when CGO is not available.
func (b *PKCS11Backend) Close() error { return nil }

// ListKeys returns an error when CGO is not available.
func ListKeys(string, uint, string, ...Option) ([]KeyInfo, error) { return nil, errNoCGO }
