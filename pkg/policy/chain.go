package policy

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/remiblancher/certbroker/pkg/csr"
)

// ErrNoValidators is returned when running an empty chain.
var ErrNoValidators = errors.New("no validators configured")

// Chain is an ordered list of validators. It is safe for concurrent use as
// long as its validators are.
type Chain struct {
	validators []Validator
}

// NewChain returns a chain running validators in the given order.
func NewChain(validators ...Validator) *Chain {
	return &Chain{validators: append([]Validator(nil), validators...)}
}

// Len returns the number of validators in the chain.
func (c *Chain) Len() int { return len(c.validators) }

// Names returns the validator names in execution order.
func (c *Chain) Names() []string {
	names := make([]string, len(c.validators))
	for i, v := range c.validators {
		names[i] = v.Name()
	}
	return names
}

// Result is the outcome of a chain that accepted a request.
type Result struct {
	// Request is the request to sign: the input, or the last patched copy.
	Request *csr.Request

	// ModifiedBy lists, in order, the validators that patched the request.
	ModifiedBy []string
}

// Run evaluates req against every validator in order. It returns a
// *Rejection as soon as one validator rejects; later validators are not
// called. Cancellation of ctx is honoured between validators.
func (c *Chain) Run(ctx context.Context, req *csr.Request) (*Result, error) {
	if len(c.validators) == 0 {
		return nil, ErrNoValidators
	}

	log := zerolog.Ctx(ctx)
	res := &Result{Request: req}

	for i, v := range c.validators {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		verdict := v.Check(ctx, res.Request)
		log.Debug().
			Str("validator", v.Name()).
			Int("index", i).
			Stringer("outcome", verdict.Outcome).
			Str("reason", verdict.Reason).
			Msg("validator verdict")

		switch verdict.Outcome {
		case OutcomeAccept:
		case OutcomeModify:
			if verdict.Request == nil {
				return nil, &Rejection{Validator: v.Name(), Index: i, Reason: "modification carried no request"}
			}
			res.Request = verdict.Request
			res.ModifiedBy = append(res.ModifiedBy, v.Name())
		case OutcomeReject:
			return nil, &Rejection{Validator: v.Name(), Index: i, Reason: verdict.Reason}
		default:
			return nil, &Rejection{Validator: v.Name(), Index: i, Reason: "unknown verdict " + verdict.Outcome.String()}
		}
	}

	return res, nil
}
