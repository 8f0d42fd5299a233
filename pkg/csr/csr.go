// Package csr parses PKCS#10 certificate signing requests into an immutable
// Request value.
//
// A Request is never mutated after Parse. Policy code that wants to adjust
// a request (normalise names, replace the subject) calls one of the With*
// methods, which return a patched copy and leave the receiver untouched.
// Raw always returns the bytes the requester submitted, so proof of
// possession stays verifiable after any patch.
package csr

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"errors"
	"fmt"
	"net"
	"net/url"
	"slices"
)

// ErrMalformed indicates the submitted bytes are not a well-formed,
// self-signed PKCS#10 request.
var ErrMalformed = errors.New("malformed certificate request")

// PEM block types accepted by Parse.
const (
	PEMType       = "CERTIFICATE REQUEST"
	PEMTypeLegacy = "NEW CERTIFICATE REQUEST"
)

// BasicConstraints is the requested basicConstraints extension.
type BasicConstraints struct {
	IsCA       bool
	MaxPathLen int // -1 when absent
}

// Request is a parsed certificate signing request.
type Request struct {
	raw    []byte
	parsed *x509.CertificateRequest

	subject    pkix.Name
	rawSubject []byte // nil once the subject has been patched

	dnsNames []string
	ips      []net.IP
	emails   []string
	uris     []*url.URL
	others   []string // GeneralName types crypto/x509 does not model

	extensions []pkix.Extension

	keyUsage         x509.KeyUsage
	hasKeyUsage      bool
	extKeyUsage      []asn1.ObjectIdentifier
	basicConstraints *BasicConstraints

	modified bool
}

// Parse decodes a PEM or DER encoded PKCS#10 request, checks its structure
// and verifies its self-signature (proof of possession).
func Parse(data []byte) (*Request, error) {
	der, err := decode(data)
	if err != nil {
		return nil, err
	}

	cr, err := x509.ParseCertificateRequest(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := cr.CheckSignature(); err != nil {
		return nil, fmt.Errorf("%w: proof of possession failed: %v", ErrMalformed, err)
	}

	r := &Request{
		raw:        slices.Clone(der),
		parsed:     cr,
		subject:    cr.Subject,
		rawSubject: cr.RawSubject,
		dnsNames:   cr.DNSNames,
		ips:        cr.IPAddresses,
		emails:     cr.EmailAddresses,
		uris:       cr.URIs,
		extensions: cr.Extensions,
	}
	if err := r.parseExtensions(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return r, nil
}

func decode(data []byte) ([]byte, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrMalformed)
	}
	if !bytes.HasPrefix(trimmed, []byte("-----BEGIN")) {
		// DER may legitimately end in bytes that look like whitespace.
		return data, nil
	}

	block, rest := pem.Decode(trimmed)
	if block == nil {
		return nil, fmt.Errorf("%w: invalid PEM encoding", ErrMalformed)
	}
	if block.Type != PEMType && block.Type != PEMTypeLegacy {
		return nil, fmt.Errorf("%w: unexpected PEM type %q", ErrMalformed, block.Type)
	}
	if next, _ := pem.Decode(rest); next != nil {
		return nil, fmt.Errorf("%w: more than one PEM block", ErrMalformed)
	}
	return block.Bytes, nil
}

func (r *Request) parseExtensions() error {
	for _, ext := range r.extensions {
		switch {
		case ext.Id.Equal(OIDExtKeyUsage):
			var bits asn1.BitString
			if rest, err := asn1.Unmarshal(ext.Value, &bits); err != nil || len(rest) != 0 {
				return fmt.Errorf("invalid keyUsage extension")
			}
			for i := range len(keyUsageNames) {
				if bits.At(i) != 0 {
					r.keyUsage |= x509.KeyUsage(1 << i)
				}
			}
			r.hasKeyUsage = true

		case ext.Id.Equal(OIDExtExtKeyUsage):
			var oids []asn1.ObjectIdentifier
			if rest, err := asn1.Unmarshal(ext.Value, &oids); err != nil || len(rest) != 0 {
				return fmt.Errorf("invalid extendedKeyUsage extension")
			}
			r.extKeyUsage = oids

		case ext.Id.Equal(OIDExtSubjectAltName):
			others, err := unmodelledSANs(ext.Value)
			if err != nil {
				return err
			}
			r.others = others

		case ext.Id.Equal(OIDExtBasicConstraints):
			var bc struct {
				IsCA       bool `asn1:"optional"`
				MaxPathLen int  `asn1:"optional,default:-1"`
			}
			if rest, err := asn1.Unmarshal(ext.Value, &bc); err != nil || len(rest) != 0 {
				return fmt.Errorf("invalid basicConstraints extension")
			}
			r.basicConstraints = &BasicConstraints{IsCA: bc.IsCA, MaxPathLen: bc.MaxPathLen}
		}
	}
	return nil
}

// Raw returns the DER bytes as submitted by the requester.
func (r *Request) Raw() []byte { return slices.Clone(r.raw) }

// PEM returns the submitted request PEM encoded.
func (r *Request) PEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: PEMType, Bytes: r.raw})
}

// Modified reports whether the request has been patched since Parse.
func (r *Request) Modified() bool { return r.modified }

// Subject returns a copy of the requested subject name.
func (r *Request) Subject() pkix.Name { return cloneName(r.subject) }

// CommonName returns the subject common name.
func (r *Request) CommonName() string { return r.subject.CommonName }

// CommonNames returns every commonName attribute of the subject. A
// well-formed request carries at most one.
func (r *Request) CommonNames() []string {
	if r.rawSubject == nil {
		if r.subject.CommonName == "" {
			return nil
		}
		return []string{r.subject.CommonName}
	}
	var cns []string
	for _, atv := range r.subject.Names {
		if atv.Type.Equal(oidCommonName) {
			if s, ok := atv.Value.(string); ok {
				cns = append(cns, s)
			}
		}
	}
	return cns
}

// RawSubject returns the DER encoded subject Name.
func (r *Request) RawSubject() ([]byte, error) {
	if r.rawSubject != nil {
		return slices.Clone(r.rawSubject), nil
	}
	return asn1.Marshal(r.subject.ToRDNSequence())
}

// DNSNames returns the requested DNS subject alternative names.
func (r *Request) DNSNames() []string { return slices.Clone(r.dnsNames) }

// IPAddresses returns the requested IP address subject alternative names.
func (r *Request) IPAddresses() []net.IP {
	ips := make([]net.IP, len(r.ips))
	for i, ip := range r.ips {
		ips[i] = slices.Clone(ip)
	}
	return ips
}

// EmailAddresses returns the requested rfc822Name subject alternative names.
func (r *Request) EmailAddresses() []string { return slices.Clone(r.emails) }

// URIs returns the requested URI subject alternative names.
func (r *Request) URIs() []*url.URL {
	uris := make([]*url.URL, len(r.uris))
	for i, u := range r.uris {
		c := *u
		uris[i] = &c
	}
	return uris
}

// OtherSANs returns the types of requested subject alternative names that
// have no accessor, such as "otherName" or "directoryName". Patching the
// alternative names drops them.
func (r *Request) OtherSANs() []string { return slices.Clone(r.others) }

// HasSANs reports whether any subject alternative name is requested.
func (r *Request) HasSANs() bool {
	return len(r.dnsNames)+len(r.ips)+len(r.emails)+len(r.uris)+len(r.others) > 0
}

// PublicKey returns the requested public key.
func (r *Request) PublicKey() crypto.PublicKey { return r.parsed.PublicKey }

// PublicKeyAlgorithm returns the algorithm of the requested public key.
func (r *Request) PublicKeyAlgorithm() x509.PublicKeyAlgorithm {
	return r.parsed.PublicKeyAlgorithm
}

// KeyType returns "RSA", "EC", "Ed25519" or the x509 algorithm name.
func (r *Request) KeyType() string {
	switch r.parsed.PublicKey.(type) {
	case *rsa.PublicKey:
		return "RSA"
	case *ecdsa.PublicKey:
		return "EC"
	case ed25519.PublicKey:
		return "Ed25519"
	}
	return r.parsed.PublicKeyAlgorithm.String()
}

// KeySize returns the size of the requested public key in bits.
func (r *Request) KeySize() int {
	switch pub := r.parsed.PublicKey.(type) {
	case *rsa.PublicKey:
		return pub.N.BitLen()
	case *ecdsa.PublicKey:
		return pub.Curve.Params().BitSize
	case ed25519.PublicKey:
		return 256
	}
	return 0
}

// RawSubjectPublicKeyInfo returns the DER encoded SubjectPublicKeyInfo.
func (r *Request) RawSubjectPublicKeyInfo() []byte {
	return slices.Clone(r.parsed.RawSubjectPublicKeyInfo)
}

// SignatureAlgorithm returns the algorithm the requester signed with.
func (r *Request) SignatureAlgorithm() x509.SignatureAlgorithm {
	return r.parsed.SignatureAlgorithm
}

// Extensions returns the requested extensions. When the alternative names
// have been patched the subjectAltName extension reflects the patch.
func (r *Request) Extensions() []pkix.Extension {
	exts := make([]pkix.Extension, len(r.extensions))
	for i, e := range r.extensions {
		exts[i] = pkix.Extension{Id: slices.Clone(e.Id), Critical: e.Critical, Value: slices.Clone(e.Value)}
	}
	return exts
}

// Extension returns the requested extension with the given OID.
func (r *Request) Extension(oid asn1.ObjectIdentifier) (pkix.Extension, bool) {
	for _, e := range r.extensions {
		if e.Id.Equal(oid) {
			return pkix.Extension{Id: slices.Clone(e.Id), Critical: e.Critical, Value: slices.Clone(e.Value)}, true
		}
	}
	return pkix.Extension{}, false
}

// KeyUsage returns the requested key usage bits and whether the extension
// is present.
func (r *Request) KeyUsage() (x509.KeyUsage, bool) { return r.keyUsage, r.hasKeyUsage }

// ExtKeyUsage returns the requested extended key usage OIDs.
func (r *Request) ExtKeyUsage() []asn1.ObjectIdentifier {
	oids := make([]asn1.ObjectIdentifier, len(r.extKeyUsage))
	for i, oid := range r.extKeyUsage {
		oids[i] = slices.Clone(oid)
	}
	return oids
}

// BasicConstraints returns the requested basicConstraints, or nil.
func (r *Request) BasicConstraints() *BasicConstraints {
	if r.basicConstraints == nil {
		return nil
	}
	bc := *r.basicConstraints
	return &bc
}

// Names returns the common name followed by every DNS alternative name.
func (r *Request) Names() []string {
	var names []string
	if cn := r.CommonName(); cn != "" {
		names = append(names, cn)
	}
	return append(names, r.dnsNames...)
}

// =============================================================================
// Patches
// =============================================================================

// WithSubject returns a copy of r with the subject replaced.
func (r *Request) WithSubject(name pkix.Name) *Request {
	c := r.clone()
	c.subject = encodableName(name)
	c.subject.Names = nil
	c.rawSubject = nil
	c.modified = true
	return c
}

// WithCommonName returns a copy of r with the subject common name replaced.
func (r *Request) WithCommonName(cn string) *Request {
	name := r.Subject()
	name.CommonName = cn
	return r.WithSubject(name)
}

// WithDNSNames returns a copy of r with the DNS alternative names replaced.
func (r *Request) WithDNSNames(names []string) *Request {
	c := r.clone()
	c.dnsNames = slices.Clone(names)
	return c.patchSANs()
}

// WithIPAddresses returns a copy of r with the IP alternative names
// replaced.
func (r *Request) WithIPAddresses(ips []net.IP) *Request {
	c := r.clone()
	c.ips = make([]net.IP, len(ips))
	for i, ip := range ips {
		c.ips[i] = slices.Clone(ip)
	}
	return c.patchSANs()
}

func (r *Request) patchSANs() *Request {
	r.modified = true
	r.others = nil

	exts := r.extensions[:0:0]
	var present bool
	for _, e := range r.extensions {
		if !e.Id.Equal(OIDExtSubjectAltName) {
			exts = append(exts, e)
			continue
		}
		present = true
		if r.HasSANs() {
			exts = append(exts, pkix.Extension{
				Id:       OIDExtSubjectAltName,
				Critical: e.Critical,
				Value:    marshalSANs(r.dnsNames, r.emails, r.ips, r.uris),
			})
		}
	}
	if !present && r.HasSANs() {
		exts = append(exts, pkix.Extension{
			Id:    OIDExtSubjectAltName,
			Value: marshalSANs(r.dnsNames, r.emails, r.ips, r.uris),
		})
	}
	r.extensions = exts
	return r
}

func (r *Request) clone() *Request {
	c := *r
	c.subject = cloneName(r.subject)
	c.dnsNames = slices.Clone(r.dnsNames)
	c.ips = r.IPAddresses()
	c.emails = slices.Clone(r.emails)
	c.uris = r.URIs()
	c.others = slices.Clone(r.others)
	c.extensions = r.Extensions()
	c.extKeyUsage = r.ExtKeyUsage()
	c.basicConstraints = r.BasicConstraints()
	return &c
}

var oidCommonName = asn1.ObjectIdentifier{2, 5, 4, 3}

// Attribute types pkix.Name maps onto its own fields; anything else only
// survives re-encoding through ExtraNames.
var knownNameTypes = []asn1.ObjectIdentifier{
	{2, 5, 4, 3},  // commonName
	{2, 5, 4, 5},  // serialNumber
	{2, 5, 4, 6},  // countryName
	{2, 5, 4, 7},  // localityName
	{2, 5, 4, 8},  // stateOrProvinceName
	{2, 5, 4, 9},  // streetAddress
	{2, 5, 4, 10}, // organizationName
	{2, 5, 4, 11}, // organizationalUnitName
	{2, 5, 4, 17}, // postalCode
}

// encodableName moves attributes pkix.Name does not model from Names into
// ExtraNames so ToRDNSequence keeps them.
func encodableName(n pkix.Name) pkix.Name {
	if len(n.ExtraNames) > 0 {
		return n
	}
	for _, atv := range n.Names {
		if !slices.ContainsFunc(knownNameTypes, atv.Type.Equal) {
			n.ExtraNames = append(n.ExtraNames, atv)
		}
	}
	return n
}

func cloneName(n pkix.Name) pkix.Name {
	c := n
	c.Country = slices.Clone(n.Country)
	c.Organization = slices.Clone(n.Organization)
	c.OrganizationalUnit = slices.Clone(n.OrganizationalUnit)
	c.Locality = slices.Clone(n.Locality)
	c.Province = slices.Clone(n.Province)
	c.StreetAddress = slices.Clone(n.StreetAddress)
	c.PostalCode = slices.Clone(n.PostalCode)
	c.Names = slices.Clone(n.Names)
	c.ExtraNames = slices.Clone(n.ExtraNames)
	return c
}
