// Package errors provides error handling and HTTP status code mapping.
package errors

import (
	"errors"
	"net/http"

	"github.com/remiblancher/certbroker/internal/api/dto"
	"github.com/remiblancher/certbroker/pkg/broker"
)

// Error codes for API responses.
const (
	CodeInvalidRequest = "INVALID_REQUEST"
	CodeNotFound       = "NOT_FOUND"
	CodeInvalidCSR     = "INVALID_CSR"
	CodePolicyRejected = "POLICY_REJECTED"
	CodeConfigInvalid  = "CONFIG_INVALID"
	CodeSigningFailed  = "SIGNING_FAILED"
	CodeSigningTimeout = "SIGNING_TIMEOUT"
	CodeInternal       = "INTERNAL_ERROR"
)

// MapError maps a broker error to an HTTP status code and APIError.
// Request and policy errors are reported verbatim; configuration and
// signer faults only name where they happened.
func MapError(err error) (int, *dto.APIError) {
	if err == nil {
		return http.StatusOK, nil
	}

	if errors.Is(err, broker.ErrUnknownAuthority) {
		return http.StatusNotFound, &dto.APIError{
			Code:    CodeNotFound,
			Message: "registration authority not found",
		}
	}

	var e *broker.Error
	if !errors.As(err, &e) {
		return http.StatusInternalServerError, &dto.APIError{
			Code:    CodeInternal,
			Message: "An internal error occurred",
		}
	}

	switch e.Kind {
	case broker.KindMalformedRequest:
		return http.StatusBadRequest, &dto.APIError{
			Code:    CodeInvalidCSR,
			Message: e.Err.Error(),
		}
	case broker.KindPolicyRejected:
		return http.StatusForbidden, &dto.APIError{
			Code:    CodePolicyRejected,
			Message: e.Err.Error(),
			Details: details("authority", e.Authority, "validator", e.Validator),
		}
	case broker.KindConfigInvalid:
		return http.StatusInternalServerError, &dto.APIError{
			Code:    CodeConfigInvalid,
			Message: "signing authority is misconfigured",
			Details: details("authority", e.Authority, "ca", e.CA, "field", e.Field),
		}
	case broker.KindSigningFailed:
		if e.Timeout() {
			return http.StatusGatewayTimeout, &dto.APIError{
				Code:    CodeSigningTimeout,
				Message: "signing backend did not answer in time",
				Details: details("authority", e.Authority, "ca", e.CA),
			}
		}
		return http.StatusBadGateway, &dto.APIError{
			Code:    CodeSigningFailed,
			Message: "signing failed",
			Details: details("authority", e.Authority, "ca", e.CA, "step", e.Step),
		}
	}

	return http.StatusInternalServerError, &dto.APIError{
		Code:    CodeInternal,
		Message: "An internal error occurred",
	}
}

// details builds a details map from key/value pairs, skipping empty values.
func details(kv ...string) map[string]string {
	m := make(map[string]string, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		if kv[i+1] != "" {
			m[kv[i]] = kv[i+1]
		}
	}
	if len(m) == 0 {
		return nil
	}
	return m
}

// NewBadRequest creates a bad request error.
func NewBadRequest(message string) *dto.APIError {
	return &dto.APIError{
		Code:    CodeInvalidRequest,
		Message: message,
	}
}
