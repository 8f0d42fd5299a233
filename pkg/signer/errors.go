package signer

import (
	"context"
	"errors"
	"fmt"

	"github.com/remiblancher/certbroker/pkg/ca"
)

// Step names the stage of a signing operation that failed.
type Step string

const (
	StepLoadKey     Step = "load_key"
	StepLoadModule  Step = "load_module"
	StepOpenSession Step = "open_session"
	StepLogin       Step = "login"
	StepFindKey     Step = "find_key"
	StepDigest      Step = "digest"
	StepSign        Step = "sign"
	StepLogout      Step = "logout"
	StepTimeout     Step = "timeout"
)

// StepError reports a failed signing operation and the step it failed in.
// It supports errors.Is() and errors.As() for improved error handling.
type StepError struct {
	Backend ca.BackendKind
	CA      string
	Step    Step
	Err     error
}

// Error implements the error interface.
func (e *StepError) Error() string {
	return fmt.Sprintf("%s signer for CA %s: %s: %v", e.Backend, e.CA, e.Step, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *StepError) Unwrap() error { return e.Err }

// Sentinel errors for signing operations.
// Use errors.Is() to check for these errors through the error chain.
var (
	// ErrKeyNotFound indicates no private key matches the configured identifier.
	ErrKeyNotFound = errors.New("cannot find the requested key")

	// ErrLoginFailed indicates the token rejected the PIN.
	ErrLoginFailed = errors.New("token login failed")

	// ErrTimeout indicates the operation exceeded its deadline.
	ErrTimeout = errors.New("signing operation timed out")

	// ErrModuleLoad indicates the PKCS#11 module could not be loaded.
	ErrModuleLoad = errors.New("cannot load PKCS#11 module")

	// ErrKeyIncompatible indicates the key cannot be used with the configured algorithm.
	ErrKeyIncompatible = errors.New("key incompatible with signing algorithm")

	// ErrKeyMismatch indicates the private key does not match the CA certificate.
	ErrKeyMismatch = errors.New("key does not match CA certificate")

	// ErrClosed indicates the backend has been closed.
	ErrClosed = errors.New("signer closed")
)

// ctxError converts a done context into a StepError. A deadline becomes
// ErrTimeout; the context error stays in the chain either way.
func ctxError(kind ca.BackendKind, name string, step Step, err error) *StepError {
	if errors.Is(err, context.DeadlineExceeded) {
		return &StepError{Backend: kind, CA: name, Step: StepTimeout, Err: fmt.Errorf("%w during %s: %w", ErrTimeout, step, err)}
	}
	return &StepError{Backend: kind, CA: name, Step: step, Err: err}
}
