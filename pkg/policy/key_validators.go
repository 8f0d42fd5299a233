package policy

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/remiblancher/certbroker/pkg/csr"
)

func init() {
	Register("public_key", newPublicKey)
}

type publicKey struct {
	named
	minBits map[string]int
}

var keyTypeAliases = map[string]string{
	"RSA":     "RSA",
	"EC":      "EC",
	"ECDSA":   "EC",
	"ED25519": "Ed25519",
}

// newPublicKey restricts the requested key to the configured types, each
// with a minimum size in bits.
func newPublicKey(opts Options) (Validator, error) {
	var o struct {
		AllowedKeys map[string]int `yaml:"allowed_keys"`
	}
	if err := opts.Decode(&o); err != nil {
		return nil, err
	}
	if len(o.AllowedKeys) == 0 {
		return nil, errors.New("allowed_keys is required")
	}
	minBits := make(map[string]int, len(o.AllowedKeys))
	for name, bits := range o.AllowedKeys {
		kt, ok := keyTypeAliases[strings.ToUpper(name)]
		if !ok {
			return nil, fmt.Errorf("unknown key type %q", name)
		}
		if bits < 0 {
			return nil, fmt.Errorf("negative minimum size for %s", name)
		}
		minBits[kt] = bits
	}
	return &publicKey{named: "public_key", minBits: minBits}, nil
}

func (v *publicKey) Check(_ context.Context, req *csr.Request) Verdict {
	kt := req.KeyType()
	minSize, ok := v.minBits[kt]
	if !ok {
		return Reject("key type %s not allowed", kt)
	}
	if size := req.KeySize(); size < minSize {
		return Reject("%s key size %d is below the minimum of %d", kt, size, minSize)
	}
	return Accept()
}
