package policy

import (
	"context"
	"errors"
	"net"

	"github.com/remiblancher/certbroker/pkg/csr"
)

func init() {
	Register("source_cidrs", newSourceCIDRs)
}

type sourceKey struct{}

// WithSource returns a context carrying the network address the request
// was submitted from.
func WithSource(ctx context.Context, ip net.IP) context.Context {
	return context.WithValue(ctx, sourceKey{}, ip)
}

// SourceFrom returns the address stored by WithSource.
func SourceFrom(ctx context.Context) (net.IP, bool) {
	ip, ok := ctx.Value(sourceKey{}).(net.IP)
	return ip, ok && ip != nil
}

type sourceCIDRs struct {
	named
	networks networkList
}

// newSourceCIDRs only admits requests submitted from the configured
// networks.
func newSourceCIDRs(opts Options) (Validator, error) {
	var o struct {
		CIDRs []string `yaml:"cidrs"`
	}
	if err := opts.Decode(&o); err != nil {
		return nil, err
	}
	if len(o.CIDRs) == 0 {
		return nil, errors.New("cidrs is required")
	}
	networks, err := newNetworkList(o.CIDRs)
	if err != nil {
		return nil, err
	}
	return &sourceCIDRs{named: "source_cidrs", networks: networks}, nil
}

func (v *sourceCIDRs) Check(ctx context.Context, _ *csr.Request) Verdict {
	ip, ok := SourceFrom(ctx)
	if !ok {
		return Reject("request source address unknown")
	}
	if !v.networks.contains(ip) {
		return Reject("source %s is not in an allowed network", ip)
	}
	return Accept()
}
