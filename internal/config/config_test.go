package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/remiblancher/certbroker/internal/testpki"
	"github.com/remiblancher/certbroker/pkg/broker"
)

// =============================================================================
// Test Helpers
// =============================================================================

// writeConfig creates a CA and a configuration file using it. extra is
// appended under the top level.
func writeConfig(t *testing.T, extra string) (path string, outDir string) {
	t.Helper()
	dir := t.TempDir()
	authority := testpki.NewCA(t, dir, testpki.ECKey(t))
	outDir = filepath.Join(dir, "issued")
	if err := os.Mkdir(outDir, 0755); err != nil {
		t.Fatalf("Mkdir() error = %v", err)
	}

	doc := fmt.Sprintf(`
server:
  port: 9443
  read_timeout: 5s
logging:
  level: debug
signing_ca:
  default:
    backend: local
    cert_path: %s
    key_path: %s
    output_path: %s
    signing_hash: SHA256
    valid_hours: 24
    sign_timeout: 2s
registration_authority:
  web:
    signing_ca: default
    validators:
      - name: common_name
        options:
          allowed_domains: [example.com, .example.com]
      - name: public_key
        options:
          allowed_keys: {EC: 256}
%s`, authority.CertPath, authority.KeyPath, outDir, extra)

	path = filepath.Join(dir, "certbroker.yaml")
	if err := os.WriteFile(path, []byte(doc), 0600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path, outDir
}

// =============================================================================
// Load Tests
// =============================================================================

func TestU_Load(t *testing.T) {
	path, _ := writeConfig(t, "")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9443 || cfg.Server.ReadTimeout != 5*time.Second {
		t.Errorf("Server = %+v", cfg.Server)
	}
	if cfg.Server.WriteTimeout != 30*time.Second {
		t.Errorf("WriteTimeout default = %s", cfg.Server.WriteTimeout)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
	def := cfg.SigningCAs["default"]
	if def == nil || def.SignTimeout != 2*time.Second || def.ValidHours != 24 {
		t.Fatalf("signing_ca default = %+v", def)
	}
	web := cfg.Authorities["web"]
	if web == nil || web.SigningCA != "default" || len(web.Validators) != 2 {
		t.Fatalf("registration_authority web = %+v", web)
	}
	if web.Validators[0].Name != "common_name" {
		t.Errorf("validator order = %+v", web.Validators)
	}
}

func TestU_Load_FromEnv(t *testing.T) {
	path, _ := writeConfig(t, "")
	t.Setenv(EnvConfig, path)
	t.Setenv(EnvAuditLog, "/var/log/certbroker/audit.jsonl")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Audit.Path != "/var/log/certbroker/audit.jsonl" {
		t.Errorf("Audit.Path = %q", cfg.Audit.Path)
	}
}

func TestU_Load_AuditPathWins(t *testing.T) {
	path, _ := writeConfig(t, "audit:\n  path: /tmp/file.jsonl\n")
	t.Setenv(EnvAuditLog, "/tmp/env.jsonl")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Audit.Path != "/tmp/file.jsonl" {
		t.Errorf("Audit.Path = %q, want the file value", cfg.Audit.Path)
	}
}

func TestU_Load_Errors(t *testing.T) {
	t.Setenv(EnvConfig, "")
	if _, err := Load(""); !errors.Is(err, ErrInvalid) {
		t.Errorf("Load(\"\") error = %v, want ErrInvalid", err)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("Load() of a missing file should fail")
	}

	path, _ := writeConfig(t, "unknown_section: true\n")
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "unknown_section") {
		t.Errorf("Load() error = %v, want unknown field", err)
	}
}

// =============================================================================
// Validate Tests
// =============================================================================

func TestU_Validate(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"no signing CA", "registration_authority: {web: {signing_ca: x, validators: [{name: ca_status}]}}", "no signing CA"},
		{"no authority", "signing_ca: {default: {cert_path: x}}", "no registration authority"},
		{"unknown CA", "signing_ca: {default: {cert_path: x}}\nregistration_authority: {web: {signing_ca: other, validators: [{name: ca_status}]}}", `unknown signing_ca "other"`},
		{"missing CA name", "signing_ca: {default: {cert_path: x}}\nregistration_authority: {web: {validators: [{name: ca_status}]}}", "signing_ca is required"},
		{"no validators", "signing_ca: {default: {cert_path: x}}\nregistration_authority: {web: {signing_ca: default}}", "no validators configured"},
		{"bad port", "server: {port: 70000}\nsigning_ca: {default: {cert_path: x}}\nregistration_authority: {web: {signing_ca: default, validators: [{name: ca_status}]}}", "out of range"},
		{"tls pair", "server: {tls_cert: a.crt}\nsigning_ca: {default: {cert_path: x}}\nregistration_authority: {web: {signing_ca: default, validators: [{name: ca_status}]}}", "set together"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			if !errors.Is(err, ErrInvalid) {
				t.Fatalf("Parse() error = %v, want ErrInvalid", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Parse() error = %q, want it to contain %q", err, tt.want)
			}
		})
	}
}

// =============================================================================
// Build Tests
// =============================================================================

func TestF_Build_Process(t *testing.T) {
	path, outDir := writeConfig(t, "")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	b, err := Build(cfg)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	defer func() { _ = b.Close() }()

	issued, err := b.Process(context.Background(), "web", testpki.ServerCSR(t, testpki.ECKey(t), "www.example.com"))
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(outDir, issued.SerialHex()+".crt")); err != nil {
		t.Errorf("issued certificate not written: %v", err)
	}

	_, err = b.Process(context.Background(), "web", testpki.ServerCSR(t, testpki.ECKey(t), "evil.com"))
	if broker.KindOf(err) != broker.KindPolicyRejected {
		t.Errorf("Process(evil.com) error = %v, want PolicyRejected", err)
	}
}

func TestU_Build_UnknownValidator(t *testing.T) {
	path, _ := writeConfig(t, "")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	cfg.Authorities["web"].Validators[0].Name = "no_such_validator"

	_, err = Build(cfg)
	var e *broker.Error
	if !errors.As(err, &e) || e.Kind != broker.KindConfigInvalid || e.Field != "validators" {
		t.Errorf("Build() error = %v, want ConfigInvalid on validators", err)
	}
}

func TestU_Build_InvalidCA(t *testing.T) {
	path, _ := writeConfig(t, "")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	cfg.SigningCAs["default"].KeyPath = ""

	_, err = Build(cfg)
	var e *broker.Error
	if !errors.As(err, &e) || e.Kind != broker.KindConfigInvalid || e.Field != "key_path" {
		t.Errorf("Build() error = %v, want ConfigInvalid on key_path", err)
	}
}
