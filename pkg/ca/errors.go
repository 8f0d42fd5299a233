// Package ca describes signing certificate authorities: their configuration
// record, the closed sets of backends and digests a CA may use, and the
// structural checks run before a CA is first used.
package ca

import (
	"errors"
	"fmt"
	"strings"
)

// ConfigError reports a signing CA configuration that cannot be used.
// It supports errors.Is() and errors.As() for improved error handling.
type ConfigError struct {
	CA    string // Name of the signing CA
	Field string // Offending configuration key (if applicable)
	Path  string // Offending file path (if applicable)
	Err   error  // Underlying error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if errors.Is(e.Err, ErrMissingField) {
		return fmt.Sprintf("CA config missing: %s (for signing CA %s)", e.Field, e.CA)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "signing CA %s", e.CA)
	if e.Field != "" {
		fmt.Fprintf(&b, ": %s", e.Field)
	}
	fmt.Fprintf(&b, ": %v", e.Err)
	return b.String()
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *ConfigError) Unwrap() error { return e.Err }

func missing(ca, field string) *ConfigError {
	return &ConfigError{CA: ca, Field: field, Err: ErrMissingField}
}

func invalid(ca, field string, format string, args ...any) *ConfigError {
	return &ConfigError{
		CA:    ca,
		Field: field,
		Err:   fmt.Errorf("%w: %s", ErrInvalidValue, fmt.Sprintf(format, args...)),
	}
}

func fileError(ca, field, path string, err error) *ConfigError {
	return &ConfigError{CA: ca, Field: field, Path: path, Err: err}
}

// Sentinel errors for CA configuration.
// Use errors.Is() to check for these errors through the error chain.
var (
	// ErrMissingField indicates a mandatory configuration key is absent.
	ErrMissingField = errors.New("missing configuration key")

	// ErrInvalidValue indicates a configuration key holds an unusable value.
	ErrInvalidValue = errors.New("invalid configuration value")

	// ErrUnsupportedHash indicates signing_hash is outside the supported set.
	ErrUnsupportedHash = errors.New("unsupported signing hash")

	// ErrUnsupportedBackend indicates an unknown backend tag.
	ErrUnsupportedBackend = errors.New("unsupported signing backend")

	// ErrUnreadableFile indicates a referenced file does not exist or cannot be read.
	ErrUnreadableFile = errors.New("could not read file")

	// ErrInsecurePermissions indicates a key file is accessible beyond its owner.
	ErrInsecurePermissions = errors.New("insecure file permissions")

	// ErrInvalidCertificate indicates the CA certificate cannot be parsed.
	ErrInvalidCertificate = errors.New("invalid CA certificate")
)
