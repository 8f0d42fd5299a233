package policy

import (
	"context"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"strings"

	"github.com/remiblancher/certbroker/pkg/csr"
)

func init() {
	Register("extensions", newExtensions)
	Register("key_usage", newKeyUsage)
	Register("ext_key_usage", newExtKeyUsage)
	Register("ca_status", newCAStatus)
}

// =============================================================================
// extensions
// =============================================================================

type extensions struct {
	named
	allowed []asn1.ObjectIdentifier
}

// newExtensions rejects requests carrying an extension outside the
// configured list.
func newExtensions(opts Options) (Validator, error) {
	var o struct {
		Allowed []string `yaml:"allowed_extensions"`
	}
	if err := opts.Decode(&o); err != nil {
		return nil, err
	}
	allowed := make([]asn1.ObjectIdentifier, 0, len(o.Allowed))
	for _, name := range o.Allowed {
		oid, err := csr.ExtensionOID(name)
		if err != nil {
			return nil, err
		}
		allowed = append(allowed, oid)
	}
	return &extensions{named: "extensions", allowed: allowed}, nil
}

func (v *extensions) Check(_ context.Context, req *csr.Request) Verdict {
	for _, ext := range req.Extensions() {
		if !containsOID(v.allowed, ext.Id) {
			return Reject("extension %s not allowed", csr.ExtensionName(ext.Id))
		}
	}
	return Accept()
}

// =============================================================================
// key_usage
// =============================================================================

type keyUsage struct {
	named
	allowed x509.KeyUsage
}

// newKeyUsage rejects requested key usage bits outside the configured set.
// Requests without the extension pass.
func newKeyUsage(opts Options) (Validator, error) {
	var o struct {
		Allowed []string `yaml:"allowed_usage"`
	}
	if err := opts.Decode(&o); err != nil {
		return nil, err
	}
	if len(o.Allowed) == 0 {
		return nil, errors.New("allowed_usage is required")
	}
	var mask x509.KeyUsage
	for _, name := range o.Allowed {
		u, err := csr.ParseKeyUsage(name)
		if err != nil {
			return nil, err
		}
		mask |= u
	}
	return &keyUsage{named: "key_usage", allowed: mask}, nil
}

func (v *keyUsage) Check(_ context.Context, req *csr.Request) Verdict {
	usage, ok := req.KeyUsage()
	if !ok {
		return Accept()
	}
	if extra := usage &^ v.allowed; extra != 0 {
		return Reject("key usage %s not allowed", strings.Join(csr.KeyUsageNames(extra), ", "))
	}
	return Accept()
}

// =============================================================================
// ext_key_usage
// =============================================================================

type extKeyUsage struct {
	named
	allowed []asn1.ObjectIdentifier
}

// newExtKeyUsage rejects requested extended key usages outside the
// configured set.
func newExtKeyUsage(opts Options) (Validator, error) {
	var o struct {
		Allowed []string `yaml:"allowed_usage"`
	}
	if err := opts.Decode(&o); err != nil {
		return nil, err
	}
	if len(o.Allowed) == 0 {
		return nil, errors.New("allowed_usage is required")
	}
	allowed := make([]asn1.ObjectIdentifier, 0, len(o.Allowed))
	for _, name := range o.Allowed {
		oid, err := csr.ExtKeyUsageOID(name)
		if err != nil {
			return nil, err
		}
		allowed = append(allowed, oid)
	}
	return &extKeyUsage{named: "ext_key_usage", allowed: allowed}, nil
}

func (v *extKeyUsage) Check(_ context.Context, req *csr.Request) Verdict {
	for _, oid := range req.ExtKeyUsage() {
		if !containsOID(v.allowed, oid) {
			return Reject("extended key usage %s not allowed", csr.ExtKeyUsageName(oid))
		}
	}
	return Accept()
}

// =============================================================================
// ca_status
// =============================================================================

type caStatus struct {
	named
	caRequested bool
}

// newCAStatus compares the CA capability a request asks for (basic
// constraints CA flag, keyCertSign or cRLSign usage) with ca_requested.
func newCAStatus(opts Options) (Validator, error) {
	var o struct {
		CARequested bool `yaml:"ca_requested"`
	}
	if err := opts.Decode(&o); err != nil {
		return nil, err
	}
	return &caStatus{named: "ca_status", caRequested: o.CARequested}, nil
}

func (v *caStatus) Check(_ context.Context, req *csr.Request) Verdict {
	var isCA bool
	if bc := req.BasicConstraints(); bc != nil && bc.IsCA {
		isCA = true
	}
	if usage, ok := req.KeyUsage(); ok && usage&(x509.KeyUsageCertSign|x509.KeyUsageCRLSign) != 0 {
		isCA = true
	}

	switch {
	case isCA && !v.caRequested:
		return Reject("CA capabilities requested")
	case !isCA && v.caRequested:
		return Reject("CA capabilities not requested")
	}
	return Accept()
}

func containsOID(list []asn1.ObjectIdentifier, oid asn1.ObjectIdentifier) bool {
	for _, o := range list {
		if o.Equal(oid) {
			return true
		}
	}
	return false
}
