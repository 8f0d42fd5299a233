package policy

import (
	"fmt"
	"net"
	"net/netip"
	"strings"
)

// NormalizeDNSName lowercases a DNS name (RFC 4343) and strips the
// trailing dot of its absolute form.
func NormalizeDNSName(name string) string {
	return strings.TrimSuffix(strings.ToLower(name), ".")
}

// ValidateDNSName checks a DNS name against RFC 1035/1123 syntax. A
// wildcard is accepted as the leftmost label only.
func ValidateDNSName(name string) error {
	if name == "" {
		return fmt.Errorf("DNS name cannot be empty")
	}
	name = NormalizeDNSName(name)

	// RFC 1035: total DNS name ≤ 253 characters
	if len(name) > 253 {
		return fmt.Errorf("DNS name too long: %d > 253 characters", len(name))
	}

	labels := strings.Split(name, ".")
	for i, label := range labels {
		if label == "" {
			return fmt.Errorf("empty label in DNS name %q", name)
		}
		if len(label) > 63 {
			return fmt.Errorf("label too long: %q (%d > 63 characters)", label, len(label))
		}
		if label == "*" {
			if i != 0 {
				return fmt.Errorf("wildcard (*) must be leftmost label: %q", name)
			}
			continue
		}
		if !isValidDNSLabel(label) {
			return fmt.Errorf("invalid DNS label %q", label)
		}
	}
	return nil
}

// isValidDNSLabel checks if a DNS label is valid per RFC 1123.
func isValidDNSLabel(label string) bool {
	if label[0] == '-' || label[len(label)-1] == '-' {
		return false
	}
	for _, c := range label {
		isLower := c >= 'a' && c <= 'z'
		isUpper := c >= 'A' && c <= 'Z'
		isDigit := c >= '0' && c <= '9'
		if !isLower && !isUpper && !isDigit && c != '-' {
			return false
		}
	}
	return true
}

// domainList matches names against configured domains. An entry with a
// leading dot matches strict subdomains; any other entry matches exactly.
type domainList []string

func newDomainList(domains []string) (domainList, error) {
	list := make(domainList, 0, len(domains))
	for _, d := range domains {
		norm := NormalizeDNSName(strings.TrimSpace(d))
		if err := ValidateDNSName(strings.TrimPrefix(norm, ".")); err != nil {
			return nil, fmt.Errorf("domain %q: %w", d, err)
		}
		list = append(list, norm)
	}
	return list, nil
}

func (l domainList) allows(name string) bool {
	name = NormalizeDNSName(name)
	for _, d := range l {
		if strings.HasPrefix(d, ".") {
			if len(name) > len(d) && strings.HasSuffix(name, d) {
				return true
			}
		} else if name == d {
			return true
		}
	}
	return false
}

// covers reports whether name equals or is below any listed domain,
// regardless of the leading-dot convention.
func (l domainList) covers(name string) bool {
	name = NormalizeDNSName(name)
	for _, d := range l {
		base := strings.TrimPrefix(d, ".")
		if name == base || strings.HasSuffix(name, "."+base) {
			return true
		}
	}
	return false
}

// networkList is a set of pre-parsed CIDR prefixes.
type networkList []netip.Prefix

func newNetworkList(cidrs []string) (networkList, error) {
	list := make(networkList, 0, len(cidrs))
	for _, c := range cidrs {
		p, err := netip.ParsePrefix(strings.TrimSpace(c))
		if err != nil {
			return nil, fmt.Errorf("network %q: %w", c, err)
		}
		list = append(list, p.Masked())
	}
	return list, nil
}

func (l networkList) contains(ip net.IP) bool {
	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return false
	}
	addr = addr.Unmap()
	for _, p := range l {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
