package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/remiblancher/certbroker/internal/config"
	"github.com/remiblancher/certbroker/internal/testpki"
)

// =============================================================================
// Test Helpers
// =============================================================================

// executeCommand runs the root command with args and returns what it wrote
// to stdout and stderr.
func executeCommand(ctx context.Context, args ...string) (stdout, stderr string, err error) {
	resetFlags(rootCmd)
	var out, errOut bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetArgs(args)

	err = rootCmd.ExecuteContext(ctx)
	return out.String(), errOut.String(), err
}

// resetFlags restores every flag of cmd and its children to its default,
// since cobra keeps flag state between executions.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.PersistentFlags().VisitAll(reset)
	cmd.Flags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

// testEnv is a working configuration with a local signing CA.
type testEnv struct {
	t        *testing.T
	dir      string
	config   string
	outDir   string
	auditLog string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	t.Setenv(config.EnvConfig, "")
	t.Setenv(config.EnvAuditLog, "")

	dir := t.TempDir()
	authority := testpki.NewCA(t, dir, testpki.ECKey(t))
	env := &testEnv{
		t:        t,
		dir:      dir,
		outDir:   filepath.Join(dir, "issued"),
		auditLog: filepath.Join(dir, "audit.jsonl"),
	}
	if err := os.Mkdir(env.outDir, 0755); err != nil {
		t.Fatalf("Mkdir() error = %v", err)
	}
	env.config = env.writeFile("certbroker.yaml", fmt.Sprintf(`
logging:
  level: warn
signing_ca:
  default:
    cert_path: %s
    key_path: %s
    output_path: %s
    signing_hash: SHA256
    valid_hours: 24
registration_authority:
  web:
    signing_ca: default
    validators:
      - name: normalize_names
      - name: common_name
        options:
          allowed_domains: [example.com, .example.com]
`, authority.CertPath, authority.KeyPath, env.outDir))
	return env
}

func (e *testEnv) path(name string) string {
	return filepath.Join(e.dir, name)
}

func (e *testEnv) writeFile(name, content string) string {
	e.t.Helper()
	path := e.path(name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		e.t.Fatalf("Failed to write file %s: %v", name, err)
	}
	return path
}

func (e *testEnv) csr(name, cn string) string {
	e.t.Helper()
	return e.writeFile(name, string(testpki.ServerCSR(e.t, testpki.ECKey(e.t), cn)))
}

func (e *testEnv) issued() []os.DirEntry {
	e.t.Helper()
	entries, err := os.ReadDir(e.outDir)
	if err != nil {
		e.t.Fatalf("ReadDir() error = %v", err)
	}
	return entries
}

func assertError(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected an error, got nil")
	}
}

func assertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
