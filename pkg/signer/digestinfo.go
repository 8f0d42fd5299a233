package signer

import (
	"fmt"

	"golang.org/x/crypto/cryptobyte"
	cryptobyte_asn1 "golang.org/x/crypto/cryptobyte/asn1"

	"github.com/remiblancher/certbroker/pkg/ca"
)

// EncodeDigestInfo builds the PKCS#1 v1.5 DigestInfo (RFC 8017,
// section 9.2) for a digest computed with h:
//
//	DigestInfo ::= SEQUENCE {
//	    digestAlgorithm AlgorithmIdentifier,  -- { OID, NULL }
//	    digest          OCTET STRING }
func EncodeDigestInfo(h ca.HashAlgorithm, digest []byte) ([]byte, error) {
	if !h.Valid() {
		return nil, fmt.Errorf("%w: %s", ca.ErrUnsupportedHash, h)
	}
	if len(digest) != h.Hash().Size() {
		return nil, fmt.Errorf("%s digest must be %d bytes, got %d", h, h.Hash().Size(), len(digest))
	}

	var b cryptobyte.Builder
	b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) {
			b.AddASN1ObjectIdentifier(h.DigestOID())
			b.AddASN1NULL()
		})
		b.AddASN1OctetString(digest)
	})
	return b.Bytes()
}
