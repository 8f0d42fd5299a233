package csr

import (
	"crypto/x509"
	"encoding/asn1"
	"fmt"
	"strconv"
	"strings"
)

// Standard X.509 extension OIDs.
var (
	OIDExtSubjectKeyId          = asn1.ObjectIdentifier{2, 5, 29, 14}
	OIDExtKeyUsage              = asn1.ObjectIdentifier{2, 5, 29, 15}
	OIDExtSubjectAltName        = asn1.ObjectIdentifier{2, 5, 29, 17}
	OIDExtBasicConstraints      = asn1.ObjectIdentifier{2, 5, 29, 19}
	OIDExtNameConstraints       = asn1.ObjectIdentifier{2, 5, 29, 30}
	OIDExtCRLDistributionPoints = asn1.ObjectIdentifier{2, 5, 29, 31}
	OIDExtCertificatePolicies   = asn1.ObjectIdentifier{2, 5, 29, 32}
	OIDExtAuthorityKeyId        = asn1.ObjectIdentifier{2, 5, 29, 35}
	OIDExtExtKeyUsage           = asn1.ObjectIdentifier{2, 5, 29, 37}
	OIDExtAuthorityInfoAccess   = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 1, 1}
	OIDExtTLSFeature            = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 1, 24}
)

// Extended Key Usage OIDs.
var (
	OIDExtKeyUsageAny             = asn1.ObjectIdentifier{2, 5, 29, 37, 0}
	OIDExtKeyUsageServerAuth      = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 3, 1}
	OIDExtKeyUsageClientAuth      = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 3, 2}
	OIDExtKeyUsageCodeSigning     = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 3, 3}
	OIDExtKeyUsageEmailProtection = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 3, 4}
	OIDExtKeyUsageIPSECEndSystem  = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 3, 5}
	OIDExtKeyUsageTimeStamping    = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 3, 8}
	OIDExtKeyUsageOCSPSigning     = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 3, 9}
)

var extensionNames = []struct {
	name string
	oid  asn1.ObjectIdentifier
}{
	{"subjectKeyIdentifier", OIDExtSubjectKeyId},
	{"keyUsage", OIDExtKeyUsage},
	{"subjectAltName", OIDExtSubjectAltName},
	{"basicConstraints", OIDExtBasicConstraints},
	{"nameConstraints", OIDExtNameConstraints},
	{"cRLDistributionPoints", OIDExtCRLDistributionPoints},
	{"certificatePolicies", OIDExtCertificatePolicies},
	{"authorityKeyIdentifier", OIDExtAuthorityKeyId},
	{"extendedKeyUsage", OIDExtExtKeyUsage},
	{"authorityInfoAccess", OIDExtAuthorityInfoAccess},
	{"tlsFeature", OIDExtTLSFeature},
}

var extKeyUsageNames = []struct {
	name string
	oid  asn1.ObjectIdentifier
}{
	{"anyExtendedKeyUsage", OIDExtKeyUsageAny},
	{"serverAuth", OIDExtKeyUsageServerAuth},
	{"clientAuth", OIDExtKeyUsageClientAuth},
	{"codeSigning", OIDExtKeyUsageCodeSigning},
	{"emailProtection", OIDExtKeyUsageEmailProtection},
	{"ipsecEndSystem", OIDExtKeyUsageIPSECEndSystem},
	{"timeStamping", OIDExtKeyUsageTimeStamping},
	{"OCSPSigning", OIDExtKeyUsageOCSPSigning},
}

// keyUsageNames is indexed by bit position (x509.KeyUsage == 1<<i).
var keyUsageNames = []string{
	"digitalSignature",
	"contentCommitment",
	"keyEncipherment",
	"dataEncipherment",
	"keyAgreement",
	"keyCertSign",
	"cRLSign",
	"encipherOnly",
	"decipherOnly",
}

// ParseOID parses a dotted decimal object identifier.
func ParseOID(s string) (asn1.ObjectIdentifier, error) {
	parts := strings.Split(strings.TrimSpace(s), ".")
	if len(parts) < 2 {
		return nil, fmt.Errorf("invalid OID %q", s)
	}
	oid := make(asn1.ObjectIdentifier, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid OID %q", s)
		}
		oid[i] = n
	}
	return oid, nil
}

func lookupOID(table []struct {
	name string
	oid  asn1.ObjectIdentifier
}, kind, name string) (asn1.ObjectIdentifier, error) {
	for _, e := range table {
		if strings.EqualFold(e.name, name) {
			return e.oid, nil
		}
	}
	if oid, err := ParseOID(name); err == nil {
		return oid, nil
	}
	return nil, fmt.Errorf("unknown %s %q", kind, name)
}

// ExtensionOID resolves an extension name ("keyUsage") or dotted OID.
func ExtensionOID(name string) (asn1.ObjectIdentifier, error) {
	return lookupOID(extensionNames, "extension", name)
}

// ExtensionName returns the short name of an extension, or its dotted form.
func ExtensionName(oid asn1.ObjectIdentifier) string {
	for _, e := range extensionNames {
		if e.oid.Equal(oid) {
			return e.name
		}
	}
	return oid.String()
}

// ExtKeyUsageOID resolves an extended key usage name ("serverAuth") or
// dotted OID.
func ExtKeyUsageOID(name string) (asn1.ObjectIdentifier, error) {
	return lookupOID(extKeyUsageNames, "extended key usage", name)
}

// ExtKeyUsageName returns the short name of an extended key usage, or its
// dotted form.
func ExtKeyUsageName(oid asn1.ObjectIdentifier) string {
	for _, e := range extKeyUsageNames {
		if e.oid.Equal(oid) {
			return e.name
		}
	}
	return oid.String()
}

// ParseKeyUsage resolves a key usage name. "nonRepudiation" is accepted as
// an alias of contentCommitment.
func ParseKeyUsage(name string) (x509.KeyUsage, error) {
	if strings.EqualFold(name, "nonRepudiation") {
		name = "contentCommitment"
	}
	for i, n := range keyUsageNames {
		if strings.EqualFold(n, name) {
			return x509.KeyUsage(1 << i), nil
		}
	}
	return 0, fmt.Errorf("unknown key usage %q", name)
}

// KeyUsageNames lists the names of the bits set in u.
func KeyUsageNames(u x509.KeyUsage) []string {
	var names []string
	for i, n := range keyUsageNames {
		if u&(1<<i) != 0 {
			names = append(names, n)
		}
	}
	return names
}
