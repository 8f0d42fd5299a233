package signer

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog"

	"github.com/remiblancher/certbroker/pkg/ca"
)

// LocalBackend signs with a private key read from a file. The key is
// loaded on first use and then cached for the life of the backend; it is
// only ever read after loading.
type LocalBackend struct {
	name       string
	keyPath    string
	passphrase string
	hash       ca.HashAlgorithm
	caPub      crypto.PublicKey
	alg        pkix.AlgorithmIdentifier
	log        zerolog.Logger

	mu     sync.Mutex
	key    crypto.Signer
	closed bool
}

var _ Backend = (*LocalBackend)(nil)

// NewLocal creates a local backend for the CA called name. No file is read
// until the first Sign.
func NewLocal(name string, cfg *ca.Config, caCert *x509.Certificate, opts ...Option) (*LocalBackend, error) {
	o := buildOptions(opts)
	alg, err := SignatureAlgorithmFor(caCert.PublicKey, cfg.HashAlgorithm())
	if err != nil {
		return nil, err
	}
	return &LocalBackend{
		name:       name,
		keyPath:    cfg.KeyPath,
		passphrase: cfg.ResolvePassphrase(),
		hash:       cfg.HashAlgorithm(),
		caPub:      caCert.PublicKey,
		alg:        alg,
		log:        o.logger.With().Str("ca", name).Str("backend", string(ca.BackendLocal)).Logger(),
	}, nil
}

// Kind implements Backend.
func (b *LocalBackend) Kind() ca.BackendKind { return ca.BackendLocal }

// SignatureAlgorithm implements Backend.
func (b *LocalBackend) SignatureAlgorithm() pkix.AlgorithmIdentifier { return b.alg }

// Sign implements Backend.
func (b *LocalBackend) Sign(ctx context.Context, tbs []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, ctxError(ca.BackendLocal, b.name, StepLoadKey, err)
	}

	key, err := b.loadKey()
	if err != nil {
		return nil, &StepError{Backend: ca.BackendLocal, CA: b.name, Step: StepLoadKey, Err: err}
	}

	digest, err := b.hash.Digest(tbs)
	if err != nil {
		return nil, &StepError{Backend: ca.BackendLocal, CA: b.name, Step: StepDigest, Err: err}
	}

	sig, err := key.Sign(rand.Reader, digest, b.hash.Hash())
	if err != nil {
		return nil, &StepError{Backend: ca.BackendLocal, CA: b.name, Step: StepSign, Err: err}
	}
	return sig, nil
}

// Loaded reports whether the private key has been read.
func (b *LocalBackend) Loaded() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.key != nil
}

func (b *LocalBackend) loadKey() (crypto.Signer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}
	if b.key != nil {
		return b.key, nil
	}

	key, err := LoadPrivateKey(b.keyPath, []byte(b.passphrase))
	if err != nil {
		return nil, err
	}
	pub, ok := key.Public().(interface{ Equal(crypto.PublicKey) bool })
	if !ok || !pub.Equal(b.caPub) {
		return nil, fmt.Errorf("%w: %s", ErrKeyMismatch, b.keyPath)
	}

	b.log.Info().Str("path", b.keyPath).Msg("CA private key loaded")
	b.key = key
	return key, nil
}

// Close drops the cached key.
func (b *LocalBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.key = nil
	b.closed = true
	return nil
}

// LoadPrivateKey reads a PEM encoded private key in PKCS#8, PKCS#1 or SEC1
// form. Legacy encrypted PEM blocks are decrypted with passphrase.
func LoadPrivateKey(path string, passphrase []byte) (crypto.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in %s", path)
	}

	keyBytes := block.Bytes

	// Decrypt if encrypted
	if x509.IsEncryptedPEMBlock(block) { //nolint:staticcheck
		if len(passphrase) == 0 {
			return nil, errors.New("private key is encrypted but no passphrase provided")
		}
		keyBytes, err = x509.DecryptPEMBlock(block, passphrase) //nolint:staticcheck
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt private key: %w", err)
		}
	}

	var priv any
	switch block.Type {
	case "PRIVATE KEY":
		priv, err = x509.ParsePKCS8PrivateKey(keyBytes)
	case "EC PRIVATE KEY":
		priv, err = x509.ParseECPrivateKey(keyBytes)
	case "RSA PRIVATE KEY":
		priv, err = x509.ParsePKCS1PrivateKey(keyBytes)
	default:
		return nil, fmt.Errorf("unsupported PEM block type %q", block.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", block.Type, err)
	}

	signer, ok := priv.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("%T is not a signing key", priv)
	}
	return signer, nil
}
