package ca

import (
	"crypto"
	"encoding/asn1"
	"fmt"
	"strings"

	// Register the digest implementations used by crypto.Hash.New.
	_ "crypto/sha256"
	_ "crypto/sha512"
)

// HashAlgorithm is the digest a signing CA applies to the TBSCertificate.
// The set is closed; anything else is rejected when the configuration is
// validated.
type HashAlgorithm int

const (
	SHA224 HashAlgorithm = iota + 1
	SHA256
	SHA384
	SHA512
)

type hashInfo struct {
	name   string
	hash   crypto.Hash
	digest asn1.ObjectIdentifier
	rsa    asn1.ObjectIdentifier
	ecdsa  asn1.ObjectIdentifier
}

var hashTable = map[HashAlgorithm]hashInfo{
	SHA224: {
		name:   "SHA224",
		hash:   crypto.SHA224,
		digest: asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 4},
		rsa:    asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 14},
		ecdsa:  asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 1},
	},
	SHA256: {
		name:   "SHA256",
		hash:   crypto.SHA256,
		digest: asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1},
		rsa:    asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 11},
		ecdsa:  asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 2},
	},
	SHA384: {
		name:   "SHA384",
		hash:   crypto.SHA384,
		digest: asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 2},
		rsa:    asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 12},
		ecdsa:  asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 3},
	},
	SHA512: {
		name:   "SHA512",
		hash:   crypto.SHA512,
		digest: asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 3},
		rsa:    asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 13},
		ecdsa:  asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 4},
	},
}

// ParseHashAlgorithm maps a configured signing_hash value ("SHA256",
// "sha-256", ...) to a HashAlgorithm.
func ParseHashAlgorithm(name string) (HashAlgorithm, error) {
	norm := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(name), "-", ""))
	for alg, info := range hashTable {
		if info.name == norm {
			return alg, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnsupportedHash, name)
}

// HashAlgorithms lists the supported digests in ascending strength.
func HashAlgorithms() []HashAlgorithm {
	return []HashAlgorithm{SHA224, SHA256, SHA384, SHA512}
}

// Valid reports whether h is one of the supported digests.
func (h HashAlgorithm) Valid() bool {
	_, ok := hashTable[h]
	return ok
}

func (h HashAlgorithm) String() string {
	if info, ok := hashTable[h]; ok {
		return info.name
	}
	return fmt.Sprintf("HashAlgorithm(%d)", int(h))
}

// Hash returns the crypto.Hash implementing h.
func (h HashAlgorithm) Hash() crypto.Hash {
	return hashTable[h].hash
}

// Digest hashes data with h.
func (h HashAlgorithm) Digest(data []byte) ([]byte, error) {
	if !h.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedHash, h)
	}
	hh := h.Hash().New()
	hh.Write(data)
	return hh.Sum(nil), nil
}

// DigestOID returns the algorithm identifier used inside a PKCS#1
// DigestInfo.
func (h HashAlgorithm) DigestOID() asn1.ObjectIdentifier {
	return hashTable[h].digest
}

// RSASignatureOID returns the sha*WithRSAEncryption identifier.
func (h HashAlgorithm) RSASignatureOID() asn1.ObjectIdentifier {
	return hashTable[h].rsa
}

// ECDSASignatureOID returns the ecdsa-with-SHA* identifier.
func (h HashAlgorithm) ECDSASignatureOID() asn1.ObjectIdentifier {
	return hashTable[h].ecdsa
}

// SignatureAlgorithmName names a signature algorithm identifier produced
// for one of the supported digests, using crypto/x509 spelling
// ("SHA256-RSA", "ECDSA-SHA384"). Other identifiers yield their dotted
// form.
func SignatureAlgorithmName(oid asn1.ObjectIdentifier) string {
	for _, h := range HashAlgorithms() {
		info := hashTable[h]
		switch {
		case oid.Equal(info.rsa):
			return info.name + "-RSA"
		case oid.Equal(info.ecdsa):
			return "ECDSA-" + info.name
		}
	}
	return oid.String()
}

// BackendKind selects the signing backend of a CA.
type BackendKind string

const (
	BackendLocal  BackendKind = "local"
	BackendPKCS11 BackendKind = "pkcs11"
)

// ParseBackendKind maps a configured backend tag to a BackendKind.
// An empty tag selects the local backend.
func ParseBackendKind(tag string) (BackendKind, error) {
	switch BackendKind(strings.ToLower(strings.TrimSpace(tag))) {
	case "", BackendLocal:
		return BackendLocal, nil
	case BackendPKCS11:
		return BackendPKCS11, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedBackend, tag)
}
