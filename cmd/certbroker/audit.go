package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/remiblancher/certbroker/internal/config"
	"github.com/remiblancher/certbroker/pkg/audit"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Audit log management",
	Long: `Commands for verifying and reading the audit log.

The audit log records every CA load, key access, rejected request, issued
certificate and signing failure. Each event is chained to the previous one
with SHA-256 hashes.

Examples:
  # Verify audit log integrity
  certbroker audit verify --log /var/log/certbroker/audit.jsonl

  # Show last 10 events
  certbroker audit tail --log /var/log/certbroker/audit.jsonl -n 10`,
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify audit log integrity",
	Long: `Verify the hash chain of an audit log file.

Each event carries hash_prev, the hash of the previous event, and hash,
its own hash. The first event chains to "sha256:genesis". A modified,
deleted or inserted event breaks the chain and is reported with its line.`,
	RunE: runAuditVerify,
}

var auditTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Show recent audit events",
	Long:  `Display the most recent audit events from the log file.`,
	RunE:  runAuditTail,
}

var (
	auditLogFile  string
	auditTailNum  int
	auditShowJSON bool
)

func init() {
	auditVerifyCmd.Flags().StringVar(&auditLogFile, "log", "", "Path to audit log file (default: CERTBROKER_AUDIT_LOG)")

	auditTailCmd.Flags().StringVar(&auditLogFile, "log", "", "Path to audit log file (default: CERTBROKER_AUDIT_LOG)")
	auditTailCmd.Flags().IntVarP(&auditTailNum, "num", "n", 10, "Number of events to show")
	auditTailCmd.Flags().BoolVar(&auditShowJSON, "json", false, "Output as JSON")

	auditCmd.AddCommand(auditVerifyCmd)
	auditCmd.AddCommand(auditTailCmd)
}

func auditFile() (string, error) {
	path := auditLogFile
	if path == "" {
		path = os.Getenv(config.EnvAuditLog)
	}
	if path == "" {
		return "", fmt.Errorf("--log is required (or set %s)", config.EnvAuditLog)
	}
	return path, nil
}

func runAuditVerify(cmd *cobra.Command, args []string) error {
	path, err := auditFile()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Verifying audit log: %s\n\n", path)

	count, err := audit.VerifyChain(path)
	if err != nil {
		fmt.Fprintf(out, "VERIFICATION FAILED\n")
		fmt.Fprintf(out, "  Valid events: %d\n", count)
		fmt.Fprintf(out, "  Error: %s\n", err)
		return fmt.Errorf("audit log verification failed: %w", err)
	}

	fmt.Fprintf(out, "VERIFICATION PASSED\n")
	fmt.Fprintf(out, "  Total events: %d\n", count)
	fmt.Fprintf(out, "  Hash chain: VALID\n")
	return nil
}

func runAuditTail(cmd *cobra.Command, args []string) error {
	path, err := auditFile()
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read audit log: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(data) == 0 {
		fmt.Fprintln(out, "Audit log is empty")
		return nil
	}

	var lines []string
	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			lines = append(lines, line)
		}
	}

	if len(lines) > auditTailNum {
		lines = lines[len(lines)-auditTailNum:]
	}

	if auditShowJSON {
		fmt.Fprintln(out, "[")
		for i, line := range lines {
			if i > 0 {
				fmt.Fprintln(out, ",")
			}
			fmt.Fprint(out, line)
		}
		fmt.Fprintln(out, "\n]")
		return nil
	}

	for _, line := range lines {
		var event audit.Event
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			fmt.Fprintf(out, "  [ERROR] %s\n", err)
			continue
		}
		printEvent(out, &event)
	}
	return nil
}

func printEvent(out io.Writer, e *audit.Event) {
	resultIcon := "✓"
	if e.Result == audit.ResultFailure {
		resultIcon = "✗"
	}

	fmt.Fprintf(out, "[%s] %s %s\n", e.Timestamp, resultIcon, e.EventType)
	fmt.Fprintf(out, "    Actor:  %s %s@%s\n", e.Actor.Type, e.Actor.ID, e.Actor.Host)

	if e.Object.Type != "" {
		fmt.Fprintf(out, "    Object: %s", e.Object.Type)
		if e.Object.Serial != "" {
			fmt.Fprintf(out, " serial=%s", e.Object.Serial)
		}
		if e.Object.Subject != "" {
			fmt.Fprintf(out, " subject=%s", e.Object.Subject)
		}
		if e.Object.Path != "" {
			fmt.Fprintf(out, " path=%s", e.Object.Path)
		}
		fmt.Fprintln(out)
	}

	var fields []string
	for _, kv := range [][2]string{
		{"authority", e.Context.Authority},
		{"ca", e.Context.CA},
		{"backend", e.Context.Backend},
		{"algorithm", e.Context.Algorithm},
		{"validator", e.Context.Validator},
		{"step", e.Context.Step},
		{"reason", e.Context.Reason},
	} {
		if kv[1] != "" {
			fields = append(fields, kv[0]+"="+kv[1])
		}
	}
	if len(fields) > 0 {
		fmt.Fprintf(out, "    Context: %s\n", strings.Join(fields, " "))
	}

	fmt.Fprintln(out)
}
