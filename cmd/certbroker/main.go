// Command certbroker is the certificate signing broker: it serves the
// signing API and offers offline tooling around the same configuration.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build-time variables (injected by GoReleaser)
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Global flags
var (
	configPath   string
	auditLogPath string
	logLevel     string
	logConsole   bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "certbroker",
	Short: "Certificate signing broker",
	Long: `certbroker receives PKCS#10 certificate signing requests, runs them through
the validator chain of a registration authority and signs the accepted ones
with the authority's CA key, held in a local file or in an HSM (PKCS#11).

Environment variables:
  CERTBROKER_CONFIG     Configuration file (instead of --config)
  CERTBROKER_AUDIT_LOG  Audit log file (instead of audit.path)

Examples:
  # Check a configuration
  certbroker check --config /etc/certbroker/certbroker.yaml

  # Serve the signing API
  certbroker serve --config /etc/certbroker/certbroker.yaml

  # Sign one request offline
  certbroker sign --config certbroker.yaml --authority web --csr server.csr

  # Verify the audit trail
  certbroker audit verify --log /var/log/certbroker/audit.jsonl`,
	Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"Path to configuration file (or set CERTBROKER_CONFIG env var)")
	rootCmd.PersistentFlags().StringVar(&auditLogPath, "audit-log", "",
		"Path to audit log file, overrides audit.path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Log level (debug, info, warn, error), overrides logging.level")
	rootCmd.PersistentFlags().BoolVar(&logConsole, "log-console", false,
		"Human readable logs instead of JSON")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(signCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(hsmCmd)
	rootCmd.AddCommand(auditCmd)
}
