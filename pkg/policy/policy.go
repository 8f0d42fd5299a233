// Package policy implements the ordered validator chain that decides
// whether a certificate request may be signed.
//
// Each Validator inspects a request and returns a Verdict: accept it as is,
// accept a patched copy, or reject it with a reason. A Chain runs its
// validators strictly in order, hands every validator the request produced
// by the one before it and stops at the first rejection.
package policy

import (
	"context"
	"errors"
	"fmt"

	"github.com/remiblancher/certbroker/pkg/csr"
)

// Validator checks one aspect of a certificate request. Options are bound
// when the validator is built, so Check only sees the request.
type Validator interface {
	// Name is the registry name the validator was built from.
	Name() string

	// Check returns the validator's verdict on req. It must not mutate req;
	// patches go through the csr.Request With* methods.
	Check(ctx context.Context, req *csr.Request) Verdict
}

// Outcome is the kind of verdict a validator reached.
type Outcome int

const (
	OutcomeAccept Outcome = iota
	OutcomeModify
	OutcomeReject
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAccept:
		return "accept"
	case OutcomeModify:
		return "modify"
	case OutcomeReject:
		return "reject"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// Verdict is the result of a single validator.
type Verdict struct {
	Outcome Outcome
	Request *csr.Request // replacement request, OutcomeModify only
	Reason  string
}

// Accept returns a verdict that lets the request through unchanged.
func Accept() Verdict { return Verdict{Outcome: OutcomeAccept} }

// Modify returns a verdict that lets req, a patched copy of the checked
// request, through in its place.
func Modify(req *csr.Request, reason string) Verdict {
	return Verdict{Outcome: OutcomeModify, Request: req, Reason: reason}
}

// Reject returns a verdict that stops the chain.
func Reject(format string, args ...any) Verdict {
	return Verdict{Outcome: OutcomeReject, Reason: fmt.Sprintf(format, args...)}
}

// ErrRejected is wrapped by every *Rejection.
var ErrRejected = errors.New("request rejected by policy")

// Rejection identifies the validator that stopped a chain.
type Rejection struct {
	Validator string
	Index     int
	Reason    string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("rejected by validator %s (#%d): %s", r.Validator, r.Index, r.Reason)
}

// Unwrap returns ErrRejected for errors.Is support.
func (r *Rejection) Unwrap() error { return ErrRejected }
