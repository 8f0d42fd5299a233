package middleware

import (
	"bytes"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/remiblancher/certbroker/pkg/policy"
)

func TestU_RequestID(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFrom(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if seen == "" || rec.Header().Get(RequestIDHeader) != seen {
		t.Errorf("generated ID = %q, header = %q", seen, rec.Header().Get(RequestIDHeader))
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "client-id-1")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if seen != "client-id-1" || rec.Header().Get(RequestIDHeader) != "client-id-1" {
		t.Errorf("client ID not kept: ctx %q, header %q", seen, rec.Header().Get(RequestIDHeader))
	}
}

func TestU_Logger(t *testing.T) {
	var buf bytes.Buffer
	log := zerolog.New(&buf)
	h := RequestID(Logger(log)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		zerolog.Ctx(r.Context()).Info().Msg("inside")
		w.WriteHeader(http.StatusTeapot)
	})))

	req := httptest.NewRequest(http.MethodPost, "/v1/sign/web", nil)
	req.Header.Set(RequestIDHeader, "abc")
	h.ServeHTTP(httptest.NewRecorder(), req)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d log lines: %s", len(lines), buf.String())
	}
	for _, line := range lines {
		if !strings.Contains(line, `"request_id":"abc"`) {
			t.Errorf("line without request_id: %s", line)
		}
	}
	if !strings.Contains(lines[1], `"status":418`) || !strings.Contains(lines[1], `"path":"/v1/sign/web"`) {
		t.Errorf("access log = %s", lines[1])
	}
}

func TestU_Recoverer(t *testing.T) {
	h := Recoverer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestU_Source(t *testing.T) {
	tests := []struct {
		remote string
		want   net.IP
	}{
		{"203.0.113.5:51000", net.ParseIP("203.0.113.5")},
		{"[2001:db8::1]:443", net.ParseIP("2001:db8::1")},
		{"198.51.100.9", net.ParseIP("198.51.100.9")},
		{"not-an-address", nil},
	}

	for _, tt := range tests {
		t.Run(tt.remote, func(t *testing.T) {
			var got net.IP
			var ok bool
			h := Source(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got, ok = policy.SourceFrom(r.Context())
			}))
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			h.ServeHTTP(httptest.NewRecorder(), req)

			if tt.want == nil {
				if ok {
					t.Errorf("SourceFrom() = %v, want none", got)
				}
				return
			}
			if !ok || !got.Equal(tt.want) {
				t.Errorf("SourceFrom() = %v, %v, want %v", got, ok, tt.want)
			}
		})
	}
}
