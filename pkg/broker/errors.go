package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/remiblancher/certbroker/pkg/ca"
	"github.com/remiblancher/certbroker/pkg/csr"
	"github.com/remiblancher/certbroker/pkg/policy"
	"github.com/remiblancher/certbroker/pkg/signer"
)

// Kind classifies a broker failure.
type Kind int

const (
	KindUnknown Kind = iota

	// KindConfigInvalid: the authority or its signing CA cannot be used.
	KindConfigInvalid

	// KindMalformedRequest: the submitted bytes are not a valid PKCS#10
	// request, or its proof of possession fails.
	KindMalformedRequest

	// KindPolicyRejected: a validator refused the request.
	KindPolicyRejected

	// KindSigningFailed: the backend, assembly or persistence failed after
	// the request was accepted.
	KindSigningFailed
)

func (k Kind) String() string {
	switch k {
	case KindConfigInvalid:
		return "config_invalid"
	case KindMalformedRequest:
		return "malformed_request"
	case KindPolicyRejected:
		return "policy_rejected"
	case KindSigningFailed:
		return "signing_failed"
	}
	return "unknown"
}

// Steps reported by the broker itself, in addition to signer.Step values.
const (
	StepAssemble = "assemble"
	StepVerify   = "verify"
	StepWrite    = "write"
	StepAudit    = "audit"
)

// Error is the only error type returned by Authority and Broker. The fields
// that apply depend on Kind.
type Error struct {
	Kind      Kind
	Authority string
	CA        string
	Validator string // KindPolicyRejected
	Field     string // KindConfigInvalid
	Step      string // KindSigningFailed
	Err       error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Authority != "" {
		fmt.Fprintf(&b, "authority %s: ", e.Authority)
	}
	b.WriteString(e.Kind.String())
	if e.Step != "" {
		fmt.Fprintf(&b, " at %s", e.Step)
	}
	fmt.Fprintf(&b, ": %v", e.Err)
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Timeout reports whether the failure is a signing deadline.
func (e *Error) Timeout() bool {
	return e.Kind == KindSigningFailed && e.Step == string(signer.StepTimeout)
}

// KindOf returns the Kind of err, or KindUnknown when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// classify wraps err into an *Error. Errors already classified pass through
// unchanged.
func classify(authority, caName string, err error) *Error {
	var (
		brokerErr *Error
		cfgErr    *ca.ConfigError
		rejection *policy.Rejection
		stepErr   *signer.StepError
	)
	switch {
	case errors.As(err, &brokerErr):
		return brokerErr
	case errors.As(err, &cfgErr):
		return &Error{Kind: KindConfigInvalid, Authority: authority, CA: caName, Field: cfgErr.Field, Err: err}
	case errors.Is(err, csr.ErrMalformed):
		return &Error{Kind: KindMalformedRequest, Authority: authority, Err: err}
	case errors.As(err, &rejection):
		return &Error{Kind: KindPolicyRejected, Authority: authority, Validator: rejection.Validator, Err: err}
	case errors.Is(err, policy.ErrNoValidators):
		return &Error{Kind: KindConfigInvalid, Authority: authority, Field: "validators", Err: err}
	case errors.As(err, &stepErr):
		if stepErr.Step == signer.StepLoadModule {
			return &Error{Kind: KindConfigInvalid, Authority: authority, CA: caName, Field: "pkcs11_path", Err: err}
		}
		return &Error{Kind: KindSigningFailed, Authority: authority, CA: caName, Step: string(stepErr.Step), Err: err}
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Kind: KindSigningFailed, Authority: authority, CA: caName, Step: string(signer.StepTimeout),
			Err: fmt.Errorf("%w: %w", signer.ErrTimeout, err)}
	}
	return &Error{Kind: KindSigningFailed, Authority: authority, CA: caName, Err: err}
}
