// Package cert assembles X.509 certificates from an accepted certificate
// request, the issuing CA and a signature produced by a signing backend.
//
// Assembly is split in two so the private key never has to be handed to
// this package: BuildTBS produces the DER TBSCertificate that a backend
// signs, and Assemble wraps that TBSCertificate, the signature algorithm
// and the signature into the final Certificate.
package cert

import (
	"crypto/sha1" //nolint:gosec // RFC 5280 key identifier method 1
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/cryptobyte"
	cryptobyte_asn1 "golang.org/x/crypto/cryptobyte/asn1"

	"github.com/remiblancher/certbroker/pkg/ca"
	"github.com/remiblancher/certbroker/pkg/csr"
)

var (
	oidSubjectKeyID   = asn1.ObjectIdentifier{2, 5, 29, 14}
	oidAuthorityKeyID = asn1.ObjectIdentifier{2, 5, 29, 35}
)

// Template holds what the issuer decides about a certificate; everything
// else comes from the request.
type Template struct {
	Serial             *big.Int
	NotBefore          time.Time
	NotAfter           time.Time
	Issuer             *x509.Certificate
	SignatureAlgorithm pkix.AlgorithmIdentifier
}

// Certificate is an issued certificate.
type Certificate struct {
	DER       []byte
	X509      *x509.Certificate
	Algorithm pkix.AlgorithmIdentifier
}

// AlgorithmName names the signature algorithm, including those crypto/x509
// reports as unknown.
func (c *Certificate) AlgorithmName() string {
	return ca.SignatureAlgorithmName(c.Algorithm.Algorithm)
}

// PEM returns the certificate PEM encoded.
func (c *Certificate) PEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: c.DER})
}

// SerialHex returns the serial number in lower case hex.
func (c *Certificate) SerialHex() string {
	return fmt.Sprintf("%x", c.X509.SerialNumber)
}

// NewSerial returns a random positive serial number built from a version 4
// UUID, which carries 122 random bits.
func NewSerial() (*big.Int, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}
	return new(big.Int).SetBytes(id[:]), nil
}

func (t *Template) validate() error {
	switch {
	case t.Issuer == nil:
		return errors.New("issuer certificate is required")
	case t.Serial == nil || t.Serial.Sign() <= 0:
		return errors.New("serial number must be positive")
	case !t.NotAfter.After(t.NotBefore):
		return fmt.Errorf("validity ends (%s) before it starts (%s)", t.NotAfter, t.NotBefore)
	case len(t.SignatureAlgorithm.Algorithm) == 0:
		return errors.New("signature algorithm is required")
	}
	return nil
}

// BuildTBS encodes the TBSCertificate for req under tpl. Subject, public
// key and requested extensions are copied from req; a subject key
// identifier is added unless req asks for one, and the authority key
// identifier always names tpl.Issuer.
func BuildTBS(req *csr.Request, tpl *Template) ([]byte, error) {
	if err := tpl.validate(); err != nil {
		return nil, err
	}
	subject, err := req.RawSubject()
	if err != nil {
		return nil, fmt.Errorf("failed to encode subject: %w", err)
	}
	exts, err := extensions(req, tpl.Issuer)
	if err != nil {
		return nil, err
	}

	var b cryptobyte.Builder
	b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1(cryptobyte_asn1.Tag(0).Constructed().ContextSpecific(), func(b *cryptobyte.Builder) {
			b.AddASN1Int64(2) // v3
		})
		b.AddASN1BigInt(tpl.Serial)
		addAlgorithmIdentifier(b, tpl.SignatureAlgorithm)
		b.AddBytes(tpl.Issuer.RawSubject)
		b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) {
			addTime(b, tpl.NotBefore)
			addTime(b, tpl.NotAfter)
		})
		b.AddBytes(subject)
		b.AddBytes(req.RawSubjectPublicKeyInfo())
		if len(exts) > 0 {
			b.AddASN1(cryptobyte_asn1.Tag(3).Constructed().ContextSpecific(), func(b *cryptobyte.Builder) {
				b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) {
					for _, ext := range exts {
						addExtension(b, ext)
					}
				})
			})
		}
	})
	tbs, err := b.Bytes()
	if err != nil {
		return nil, fmt.Errorf("failed to encode TBSCertificate: %w", err)
	}
	return tbs, nil
}

// Assemble wraps a signed TBSCertificate into a Certificate. The result is
// parsed back so encoding faults surface here rather than at the relying
// party.
func Assemble(tbs []byte, alg pkix.AlgorithmIdentifier, signature []byte) (*Certificate, error) {
	if len(signature) == 0 {
		return nil, errors.New("empty signature")
	}

	var b cryptobyte.Builder
	b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddBytes(tbs)
		addAlgorithmIdentifier(b, alg)
		b.AddASN1BitString(signature)
	})
	der, err := b.Bytes()
	if err != nil {
		return nil, fmt.Errorf("failed to encode certificate: %w", err)
	}

	parsed, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("assembled certificate does not parse: %w", err)
	}
	return &Certificate{DER: der, X509: parsed, Algorithm: alg}, nil
}

// extensions returns the certificate extensions in encoding order.
func extensions(req *csr.Request, issuer *x509.Certificate) ([]pkix.Extension, error) {
	var exts []pkix.Extension
	hasSKI := false
	for _, ext := range req.Extensions() {
		switch {
		case ext.Id.Equal(oidAuthorityKeyID):
			continue
		case ext.Id.Equal(oidSubjectKeyID):
			hasSKI = true
		}
		exts = append(exts, ext)
	}

	if !hasSKI {
		ski, err := KeyIdentifier(req.RawSubjectPublicKeyInfo())
		if err != nil {
			return nil, err
		}
		value, err := asn1.Marshal(ski)
		if err != nil {
			return nil, err
		}
		exts = append(exts, pkix.Extension{Id: oidSubjectKeyID, Value: value})
	}

	aki := issuer.SubjectKeyId
	if len(aki) == 0 {
		var err error
		if aki, err = KeyIdentifier(issuer.RawSubjectPublicKeyInfo); err != nil {
			return nil, fmt.Errorf("issuer key identifier: %w", err)
		}
	}
	var b cryptobyte.Builder
	b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1(cryptobyte_asn1.Tag(0).ContextSpecific(), func(b *cryptobyte.Builder) {
			b.AddBytes(aki)
		})
	})
	value, err := b.Bytes()
	if err != nil {
		return nil, err
	}
	return append(exts, pkix.Extension{Id: oidAuthorityKeyID, Value: value}), nil
}

// KeyIdentifier computes the SHA-1 of the subjectPublicKey bit string of a
// DER SubjectPublicKeyInfo (RFC 5280, section 4.2.1.2, method 1).
func KeyIdentifier(spki []byte) ([]byte, error) {
	var (
		in, body  cryptobyte.String
		algorithm cryptobyte.String
		bits      asn1.BitString
	)
	in = spki
	if !in.ReadASN1(&body, cryptobyte_asn1.SEQUENCE) ||
		!body.ReadASN1Element(&algorithm, cryptobyte_asn1.SEQUENCE) ||
		!body.ReadASN1BitString(&bits) {
		return nil, errors.New("malformed SubjectPublicKeyInfo")
	}
	sum := sha1.Sum(bits.Bytes) //nolint:gosec
	return sum[:], nil
}

func addAlgorithmIdentifier(b *cryptobyte.Builder, alg pkix.AlgorithmIdentifier) {
	b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1ObjectIdentifier(alg.Algorithm)
		switch {
		case len(alg.Parameters.FullBytes) > 0:
			b.AddBytes(alg.Parameters.FullBytes)
		case alg.Parameters.Class == asn1.ClassUniversal && alg.Parameters.Tag == asn1.TagNull:
			b.AddBytes(asn1.NullBytes)
		}
	})
}

// addTime encodes t as UTCTime through 2049 and GeneralizedTime from 2050
// (RFC 5280, section 4.1.2.5).
func addTime(b *cryptobyte.Builder, t time.Time) {
	t = t.UTC().Truncate(time.Second)
	if t.Year() >= 1950 && t.Year() < 2050 {
		b.AddASN1UTCTime(t)
		return
	}
	b.AddASN1GeneralizedTime(t)
}

func addExtension(b *cryptobyte.Builder, ext pkix.Extension) {
	b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1ObjectIdentifier(ext.Id)
		if ext.Critical {
			b.AddASN1Boolean(true)
		}
		b.AddASN1OctetString(ext.Value)
	})
}
