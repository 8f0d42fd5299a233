package policy

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/remiblancher/certbroker/internal/testpki"
	"github.com/remiblancher/certbroker/pkg/csr"
)

// =============================================================================
// Test Helpers
// =============================================================================

// stubValidator records how often it was called and what it saw.
type stubValidator struct {
	name  string
	check func(req *csr.Request) Verdict
	calls int
	seen  []*csr.Request
}

func (s *stubValidator) Name() string { return s.name }

func (s *stubValidator) Check(_ context.Context, req *csr.Request) Verdict {
	s.calls++
	s.seen = append(s.seen, req)
	return s.check(req)
}

func accepting(name string) *stubValidator {
	return &stubValidator{name: name, check: func(*csr.Request) Verdict { return Accept() }}
}

func rejecting(name, reason string) *stubValidator {
	return &stubValidator{name: name, check: func(*csr.Request) Verdict { return Reject("%s", reason) }}
}

func parseRequest(t *testing.T, cn string, dnsNames ...string) *csr.Request {
	t.Helper()
	req, err := csr.Parse(testpki.ServerCSR(t, testpki.ECKey(t), cn, dnsNames...))
	if err != nil {
		t.Fatalf("csr.Parse() error = %v", err)
	}
	return req
}

// =============================================================================
// Chain Tests
// =============================================================================

func TestU_Chain_AllAccept(t *testing.T) {
	a, b, c := accepting("a"), accepting("b"), accepting("c")
	req := parseRequest(t, "www.example.com")

	res, err := NewChain(a, b, c).Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Request != req {
		t.Error("unmodified chain should return the input request")
	}
	if len(res.ModifiedBy) != 0 {
		t.Errorf("ModifiedBy = %v, want none", res.ModifiedBy)
	}
	for _, v := range []*stubValidator{a, b, c} {
		if v.calls != 1 {
			t.Errorf("validator %s called %d times, want 1", v.name, v.calls)
		}
	}
}

func TestU_Chain_FailFast(t *testing.T) {
	v1 := accepting("first")
	v2 := rejecting("second", "not today")
	v3 := accepting("third")

	_, err := NewChain(v1, v2, v3).Run(context.Background(), parseRequest(t, "www.example.com"))

	var rej *Rejection
	if !errors.As(err, &rej) {
		t.Fatalf("Run() error = %v, want *Rejection", err)
	}
	if rej.Validator != "second" || rej.Index != 1 || rej.Reason != "not today" {
		t.Errorf("Rejection = %+v", rej)
	}
	if !errors.Is(err, ErrRejected) {
		t.Error("Rejection should wrap ErrRejected")
	}
	if v1.calls != 1 || v2.calls != 1 {
		t.Errorf("calls = %d, %d; want 1, 1", v1.calls, v2.calls)
	}
	if v3.calls != 0 {
		t.Errorf("validator after the rejection called %d times, want 0", v3.calls)
	}
}

func TestU_Chain_ModificationPropagates(t *testing.T) {
	orig := parseRequest(t, "WWW.EXAMPLE.COM")

	var patched *csr.Request
	modifier := &stubValidator{name: "lower", check: func(req *csr.Request) Verdict {
		patched = req.WithCommonName("www.example.com")
		return Modify(patched, "lowercased")
	}}
	observer := &stubValidator{name: "observer", check: func(req *csr.Request) Verdict {
		if req.CommonName() != "www.example.com" {
			return Reject("saw %q", req.CommonName())
		}
		return Accept()
	}}

	res, err := NewChain(modifier, observer).Run(context.Background(), orig)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if observer.seen[0] != patched {
		t.Error("second validator did not receive the patched request")
	}
	if res.Request != patched {
		t.Error("result should carry the patched request")
	}
	if !slices.Equal(res.ModifiedBy, []string{"lower"}) {
		t.Errorf("ModifiedBy = %v", res.ModifiedBy)
	}
	if orig.CommonName() != "WWW.EXAMPLE.COM" {
		t.Error("input request was mutated")
	}
}

func TestU_Chain_ModifyWithoutRequest(t *testing.T) {
	broken := &stubValidator{name: "broken", check: func(*csr.Request) Verdict {
		return Verdict{Outcome: OutcomeModify}
	}}
	_, err := NewChain(broken).Run(context.Background(), parseRequest(t, "a.example.com"))
	var rej *Rejection
	if !errors.As(err, &rej) || rej.Validator != "broken" {
		t.Errorf("Run() error = %v, want rejection by broken", err)
	}
}

func TestU_Chain_Empty(t *testing.T) {
	if _, err := NewChain().Run(context.Background(), parseRequest(t, "a.example.com")); !errors.Is(err, ErrNoValidators) {
		t.Errorf("Run() error = %v, want ErrNoValidators", err)
	}
}

func TestU_Chain_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	first := &stubValidator{name: "first", check: func(*csr.Request) Verdict {
		cancel()
		return Accept()
	}}
	second := accepting("second")

	_, err := NewChain(first, second).Run(ctx, parseRequest(t, "a.example.com"))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Run() error = %v, want context.Canceled", err)
	}
	if second.calls != 0 {
		t.Error("validator ran after cancellation")
	}
}

func TestU_Chain_Names(t *testing.T) {
	c := NewChain(accepting("x"), accepting("y"))
	if c.Len() != 2 || !slices.Equal(c.Names(), []string{"x", "y"}) {
		t.Errorf("Len() = %d, Names() = %v", c.Len(), c.Names())
	}
}

func TestU_Outcome_String(t *testing.T) {
	for o, want := range map[Outcome]string{OutcomeAccept: "accept", OutcomeModify: "modify", OutcomeReject: "reject", Outcome(9): "Outcome(9)"} {
		if o.String() != want {
			t.Errorf("Outcome(%d).String() = %q, want %q", int(o), o.String(), want)
		}
	}
}

// =============================================================================
// Registry Tests
// =============================================================================

func TestU_Registry_Builtins(t *testing.T) {
	want := []string{
		"alternative_names", "blacklist_names", "ca_status", "common_name",
		"ext_key_usage", "extensions", "key_usage", "normalize_names",
		"public_key", "public_suffix", "source_cidrs",
	}
	got := Registered()
	for _, name := range want {
		if !slices.Contains(got, name) {
			t.Errorf("validator %q not registered", name)
		}
	}
}

func TestU_Build(t *testing.T) {
	chain, err := Build([]Spec{
		{Name: "normalize_names"},
		{Name: "common_name", Options: Options{"allowed_domains": []any{".example.com"}}},
		{Name: "public_key", Options: Options{"allowed_keys": map[string]any{"RSA": 2048, "EC": 256}}},
	})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if !slices.Equal(chain.Names(), []string{"normalize_names", "common_name", "public_key"}) {
		t.Errorf("Names() = %v", chain.Names())
	}
}

func TestU_Build_Errors(t *testing.T) {
	tests := []struct {
		name   string
		specs  []Spec
		target error
	}{
		{"empty", nil, ErrNoValidators},
		{"unknown validator", []Spec{{Name: "does_not_exist"}}, ErrUnknownValidator},
		{"unknown option", []Spec{{Name: "common_name", Options: Options{"allowed_domain": []any{"x.com"}}}}, ErrInvalidOptions},
		{"missing option", []Spec{{Name: "public_key"}}, ErrInvalidOptions},
		{"bad network", []Spec{{Name: "source_cidrs", Options: Options{"cidrs": []any{"10.0.0.0/33"}}}}, ErrInvalidOptions},
		{"bad key type", []Spec{{Name: "public_key", Options: Options{"allowed_keys": map[string]any{"DSA": 1024}}}}, ErrInvalidOptions},
		{"bad usage", []Spec{{Name: "key_usage", Options: Options{"allowed_usage": []any{"everything"}}}}, ErrInvalidOptions},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Build(tt.specs); !errors.Is(err, tt.target) {
				t.Errorf("Build() error = %v, want %v", err, tt.target)
			}
		})
	}
}

func TestU_Register_Duplicate(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Register() with a duplicate name should panic")
		}
	}()
	Register("common_name", newCommonName)
}
