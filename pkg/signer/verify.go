package signer

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"errors"
	"fmt"

	"github.com/remiblancher/certbroker/pkg/ca"
)

// ErrBadSignature indicates a signature does not verify under the CA key.
var ErrBadSignature = errors.New("signature verification failed")

// Verify checks a signature produced by a Backend over data. It covers the
// hashes crypto/x509 does not verify on its own, SHA-224 included.
func Verify(pub crypto.PublicKey, h ca.HashAlgorithm, data, sig []byte) error {
	digest, err := h.Digest(data)
	if err != nil {
		return err
	}
	switch pub := pub.(type) {
	case *rsa.PublicKey:
		if err := rsa.VerifyPKCS1v15(pub, h.Hash(), digest, sig); err != nil {
			return fmt.Errorf("%w: %v", ErrBadSignature, err)
		}
		return nil
	case *ecdsa.PublicKey:
		if !ecdsa.VerifyASN1(pub, digest, sig) {
			return ErrBadSignature
		}
		return nil
	}
	return fmt.Errorf("%w: %T", ErrKeyIncompatible, pub)
}
