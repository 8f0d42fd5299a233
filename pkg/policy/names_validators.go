package policy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"strings"

	"golang.org/x/net/publicsuffix"

	"github.com/remiblancher/certbroker/pkg/csr"
)

func init() {
	Register("common_name", newCommonName)
	Register("alternative_names", newAlternativeNames)
	Register("blacklist_names", newBlacklistNames)
	Register("public_suffix", newPublicSuffix)
	Register("normalize_names", newNormalizeNames)
}

// =============================================================================
// common_name
// =============================================================================

type commonName struct {
	named
	domains   domainList
	networks  networkList
	wildcards bool
}

// newCommonName requires exactly one subject common name, which must be a
// permitted domain or an address in a permitted network. A wildcard name
// needs allow_wildcards.
func newCommonName(opts Options) (Validator, error) {
	var o struct {
		AllowedDomains  []string `yaml:"allowed_domains"`
		AllowedNetworks []string `yaml:"allowed_networks"`
		AllowWildcards  bool     `yaml:"allow_wildcards"`
	}
	if err := opts.Decode(&o); err != nil {
		return nil, err
	}
	if len(o.AllowedDomains) == 0 && len(o.AllowedNetworks) == 0 {
		return nil, errors.New("allowed_domains or allowed_networks is required")
	}
	domains, err := newDomainList(o.AllowedDomains)
	if err != nil {
		return nil, err
	}
	networks, err := newNetworkList(o.AllowedNetworks)
	if err != nil {
		return nil, err
	}
	return &commonName{named: "common_name", domains: domains, networks: networks, wildcards: o.AllowWildcards}, nil
}

func (v *commonName) Check(_ context.Context, req *csr.Request) Verdict {
	cns := req.CommonNames()
	switch {
	case len(cns) == 0:
		return Reject("no common name in subject")
	case len(cns) > 1:
		return Reject("%d common names in subject, expected one", len(cns))
	}

	cn := cns[0]
	if ip := net.ParseIP(cn); ip != nil {
		if !v.networks.contains(ip) {
			return Reject("address %s is not in an allowed network", cn)
		}
		return Accept()
	}
	if err := ValidateDNSName(cn); err != nil {
		return Reject("common name: %v", err)
	}
	if strings.HasPrefix(cn, "*.") && !v.wildcards {
		return Reject("wildcard %s not allowed", cn)
	}
	if !v.domains.allows(cn) {
		return Reject("domain %s not allowed", cn)
	}
	return Accept()
}

// =============================================================================
// alternative_names
// =============================================================================

type alternativeNames struct {
	named
	domains   domainList
	networks  networkList
	required  bool
	wildcards bool
}

// newAlternativeNames checks every DNS and IP subject alternative name
// against the permitted domains and networks. Other name types are
// rejected.
func newAlternativeNames(opts Options) (Validator, error) {
	var o struct {
		AllowedDomains  []string `yaml:"allowed_domains"`
		AllowedNetworks []string `yaml:"allowed_networks"`
		Required        bool     `yaml:"required"`
		AllowWildcards  bool     `yaml:"allow_wildcards"`
	}
	if err := opts.Decode(&o); err != nil {
		return nil, err
	}
	domains, err := newDomainList(o.AllowedDomains)
	if err != nil {
		return nil, err
	}
	networks, err := newNetworkList(o.AllowedNetworks)
	if err != nil {
		return nil, err
	}
	return &alternativeNames{
		named:     "alternative_names",
		domains:   domains,
		networks:  networks,
		required:  o.Required,
		wildcards: o.AllowWildcards,
	}, nil
}

func (v *alternativeNames) Check(_ context.Context, req *csr.Request) Verdict {
	if others := req.OtherSANs(); len(others) > 0 {
		return Reject("%s alternative names are not permitted", others[0])
	}
	if !req.HasSANs() {
		if v.required {
			return Reject("no subject alternative names")
		}
		return Accept()
	}
	if len(req.EmailAddresses()) > 0 {
		return Reject("email alternative names are not permitted")
	}
	if len(req.URIs()) > 0 {
		return Reject("URI alternative names are not permitted")
	}

	for _, name := range req.DNSNames() {
		if err := ValidateDNSName(name); err != nil {
			return Reject("alternative name: %v", err)
		}
		if strings.HasPrefix(name, "*.") && !v.wildcards {
			return Reject("wildcard %s not allowed", name)
		}
		if !v.domains.allows(name) {
			return Reject("domain %s not allowed", name)
		}
	}
	for _, ip := range req.IPAddresses() {
		if !v.networks.contains(ip) {
			return Reject("address %s is not in an allowed network", ip)
		}
	}
	return Accept()
}

// =============================================================================
// blacklist_names
// =============================================================================

type blacklistNames struct {
	named
	domains domainList
}

// newBlacklistNames rejects requests naming a listed domain or anything
// below it, in the common name or any DNS alternative name.
func newBlacklistNames(opts Options) (Validator, error) {
	var o struct {
		Domains []string `yaml:"domains"`
	}
	if err := opts.Decode(&o); err != nil {
		return nil, err
	}
	if len(o.Domains) == 0 {
		return nil, errors.New("domains is required")
	}
	domains, err := newDomainList(o.Domains)
	if err != nil {
		return nil, err
	}
	return &blacklistNames{named: "blacklist_names", domains: domains}, nil
}

func (v *blacklistNames) Check(_ context.Context, req *csr.Request) Verdict {
	for _, name := range req.Names() {
		if v.domains.covers(name) {
			return Reject("domain %s is blacklisted", name)
		}
	}
	return Accept()
}

// =============================================================================
// public_suffix
// =============================================================================

type publicSuffix struct {
	named
	icannOnly bool
}

// newPublicSuffix rejects names that are a public suffix ("co.uk") or a
// wildcard directly under one ("*.co.uk").
func newPublicSuffix(opts Options) (Validator, error) {
	var o struct {
		ICANNOnly bool `yaml:"icann_only"`
	}
	if err := opts.Decode(&o); err != nil {
		return nil, err
	}
	return &publicSuffix{named: "public_suffix", icannOnly: o.ICANNOnly}, nil
}

func (v *publicSuffix) Check(_ context.Context, req *csr.Request) Verdict {
	for _, name := range req.Names() {
		if net.ParseIP(name) != nil {
			continue
		}
		base := strings.TrimPrefix(NormalizeDNSName(name), "*.")
		suffix, icann := publicsuffix.PublicSuffix(base)
		if v.icannOnly && !icann {
			continue
		}
		if suffix == base {
			return Reject("%s covers public suffix %q", name, suffix)
		}
	}
	return Accept()
}

// =============================================================================
// normalize_names
// =============================================================================

type normalizeNames struct {
	named
}

// newNormalizeNames lowercases the common name and DNS alternative names
// and strips trailing dots. Requests that are already normal pass
// unchanged.
func newNormalizeNames(opts Options) (Validator, error) {
	var o struct{}
	if err := opts.Decode(&o); err != nil {
		return nil, err
	}
	return &normalizeNames{named: "normalize_names"}, nil
}

func (v *normalizeNames) Check(_ context.Context, req *csr.Request) Verdict {
	out := req
	var changed []string

	if cn := req.CommonName(); cn != "" && net.ParseIP(cn) == nil {
		if norm := NormalizeDNSName(cn); norm != cn {
			out = out.WithCommonName(norm)
			changed = append(changed, "common name")
		}
	}

	names := req.DNSNames()
	normalized := make([]string, len(names))
	for i, n := range names {
		normalized[i] = NormalizeDNSName(n)
	}
	if !slices.Equal(names, normalized) {
		out = out.WithDNSNames(normalized)
		changed = append(changed, "DNS names")
	}

	if len(changed) == 0 {
		return Accept()
	}
	return Modify(out, fmt.Sprintf("normalized %s", strings.Join(changed, " and ")))
}
