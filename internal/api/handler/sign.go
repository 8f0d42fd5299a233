package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/remiblancher/certbroker/internal/api/dto"
	apierrors "github.com/remiblancher/certbroker/internal/api/errors"
	"github.com/remiblancher/certbroker/pkg/cert"
)

// Issuer issues certificates through named registration authorities.
// *broker.Broker implements it.
type Issuer interface {
	Process(ctx context.Context, authority string, raw []byte) (*cert.Certificate, error)
	Names() []string
}

// Content types accepted or produced by the sign endpoint besides JSON.
const (
	ContentTypePKCS10 = "application/pkcs10"
	ContentTypePEM    = "application/x-pem-file"
	ContentTypeCert   = "application/pem-certificate-chain"
)

// SignHandler handles certificate signing requests.
type SignHandler struct {
	issuer   Issuer
	maxBytes int64
}

// NewSignHandler creates a new SignHandler. Request bodies larger than
// maxBytes are refused.
func NewSignHandler(issuer Issuer, maxBytes int64) *SignHandler {
	return &SignHandler{issuer: issuer, maxBytes: maxBytes}
}

// Sign handles POST /v1/sign/{authority}.
//
// The body is either a JSON dto.SignRequest or the bare PEM or DER
// request. The response is a dto.SignResponse, or the PEM certificate when
// the client accepts application/pem-certificate-chain.
func (h *SignHandler) Sign(w http.ResponseWriter, r *http.Request) {
	authority := chi.URLParam(r, "authority")

	raw, apiErr := h.readCSR(w, r)
	if apiErr != nil {
		respondError(w, http.StatusBadRequest, apiErr)
		return
	}

	issued, err := h.issuer.Process(r.Context(), authority, raw)
	if err != nil {
		status, apiErr := apierrors.MapError(err)
		zerolog.Ctx(r.Context()).Warn().
			Err(err).
			Str("authority", authority).
			Int("status", status).
			Msg("signing request failed")
		respondError(w, status, apiErr)
		return
	}

	if acceptsPEM(r) {
		w.Header().Set("Content-Type", ContentTypeCert)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write(issued.PEM())
		return
	}
	respondJSON(w, http.StatusCreated, dto.NewSignResponse(authority, issued))
}

// readCSR extracts the request bytes from the body.
func (h *SignHandler) readCSR(w http.ResponseWriter, r *http.Request) ([]byte, *dto.APIError) {
	body := http.MaxBytesReader(w, r.Body, h.maxBytes)
	data, err := io.ReadAll(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, apierrors.NewBadRequest("request body too large")
		}
		return nil, apierrors.NewBadRequest("cannot read request body")
	}
	if len(data) == 0 {
		return nil, apierrors.NewBadRequest("empty request body")
	}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "application/json" {
		return data, nil
	}

	var req dto.SignRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, apierrors.NewBadRequest("Invalid JSON request body")
	}
	if req.CSR == nil || req.CSR.Data == "" {
		return nil, apierrors.NewBadRequest("csr is required")
	}
	raw, err := req.CSR.Decode()
	if err != nil {
		return nil, apierrors.NewBadRequest(err.Error())
	}
	return raw, nil
}

func acceptsPEM(r *http.Request) bool {
	for _, v := range r.Header.Values("Accept") {
		if mt, _, err := mime.ParseMediaType(v); err == nil && mt == ContentTypeCert {
			return true
		}
	}
	return false
}
