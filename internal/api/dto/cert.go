package dto

import (
	"crypto/sha256"
	"crypto/x509/pkix"
	"encoding/hex"
	"net"
	"time"

	certificate "github.com/remiblancher/certbroker/pkg/cert"
)

// SignRequest is the JSON form of a signing request. The request body may
// also be the bare PEM or DER PKCS#10 request.
type SignRequest struct {
	// CSR is the certificate signing request.
	CSR *BinaryData `json:"csr"`
}

// SignResponse represents an issued certificate.
type SignResponse struct {
	// Authority is the registration authority that accepted the request.
	Authority string `json:"authority"`

	// Serial is the certificate serial number (hex).
	Serial string `json:"serial"`

	// Subject is the certificate subject.
	Subject SubjectInfo `json:"subject"`

	// Issuer is the certificate issuer.
	Issuer SubjectInfo `json:"issuer"`

	// DNSNames and IPAddresses are the subject alternative names.
	DNSNames    []string `json:"dns_names,omitempty"`
	IPAddresses []string `json:"ip_addresses,omitempty"`

	// SignatureAlgorithm is the algorithm the CA signed with.
	SignatureAlgorithm string `json:"signature_algorithm"`

	// Validity is the certificate validity period.
	Validity ValidityInfo `json:"validity"`

	// Fingerprint is the SHA-256 fingerprint.
	Fingerprint string `json:"fingerprint"`

	// Certificate is the PEM-encoded certificate.
	Certificate string `json:"certificate"`
}

// NewSignResponse describes issued, accepted by authority.
func NewSignResponse(authority string, issued *certificate.Certificate) *SignResponse {
	cert := issued.X509
	fp := sha256.Sum256(issued.DER)
	return &SignResponse{
		Authority:          authority,
		Serial:             hex.EncodeToString(cert.SerialNumber.Bytes()),
		Subject:            NewSubjectInfo(cert.Subject),
		Issuer:             NewSubjectInfo(cert.Issuer),
		DNSNames:           cert.DNSNames,
		IPAddresses:        ipStrings(cert.IPAddresses),
		SignatureAlgorithm: issued.AlgorithmName(),
		Validity: ValidityInfo{
			NotBefore: cert.NotBefore.UTC().Format(time.RFC3339),
			NotAfter:  cert.NotAfter.UTC().Format(time.RFC3339),
		},
		Fingerprint: hex.EncodeToString(fp[:]),
		Certificate: string(issued.PEM()),
	}
}

// NewSubjectInfo flattens a distinguished name, keeping the first value of
// each attribute.
func NewSubjectInfo(name pkix.Name) SubjectInfo {
	first := func(v []string) string {
		if len(v) == 0 {
			return ""
		}
		return v[0]
	}
	return SubjectInfo{
		CommonName:         name.CommonName,
		Organization:       first(name.Organization),
		OrganizationalUnit: first(name.OrganizationalUnit),
		Country:            first(name.Country),
		State:              first(name.Province),
		Locality:           first(name.Locality),
	}
}

func ipStrings(ips []net.IP) []string {
	if len(ips) == 0 {
		return nil
	}
	out := make([]string, len(ips))
	for i, ip := range ips {
		out[i] = ip.String()
	}
	return out
}
