package main

import (
	"fmt"
	"net"
	"os"

	"github.com/spf13/cobra"

	"github.com/remiblancher/certbroker/pkg/policy"
)

// Sign command flags
var (
	signAuthority string
	signCSRPath   string
	signOutPath   string
	signSource    string
)

var signCmd = &cobra.Command{
	Use:   "sign",
	Short: "Sign a request offline",
	Long: `Run one certificate signing request through a registration authority
without the HTTP server: same validators, same signing CA, same output
directory and audit trail.

The issued certificate is printed as PEM, or written to --out.

Examples:
  certbroker sign --config certbroker.yaml --authority web --csr server.csr
  certbroker sign -c certbroker.yaml -a web --csr server.csr --out server.crt

  # Evaluate source_cidrs as if the request came from an address
  certbroker sign -c certbroker.yaml -a web --csr server.csr --source 10.0.0.5`,
	RunE: runSign,
}

func init() {
	signCmd.Flags().StringVarP(&signAuthority, "authority", "a", "", "Registration authority (required)")
	signCmd.Flags().StringVar(&signCSRPath, "csr", "", "PKCS#10 request file, PEM or DER (required)")
	signCmd.Flags().StringVarP(&signOutPath, "out", "o", "", "Write the certificate here instead of stdout")
	signCmd.Flags().StringVar(&signSource, "source", "", "Client address seen by source validators")
	_ = signCmd.MarkFlagRequired("authority")
	_ = signCmd.MarkFlagRequired("csr")
}

func runSign(cmd *cobra.Command, args []string) error {
	raw, err := os.ReadFile(signCSRPath)
	if err != nil {
		return fmt.Errorf("failed to read CSR: %w", err)
	}

	ctx := cmd.Context()
	if signSource != "" {
		ip := net.ParseIP(signSource)
		if ip == nil {
			return fmt.Errorf("invalid --source address %q", signSource)
		}
		ctx = policy.WithSource(ctx, ip)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	rt, err := openRuntime(cmd, cfg, true)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()

	issued, err := rt.broker.Process(ctx, signAuthority, raw)
	if err != nil {
		return err
	}

	if signOutPath == "" {
		_, err = cmd.OutOrStdout().Write(issued.PEM())
		return err
	}
	if err := os.WriteFile(signOutPath, issued.PEM(), 0644); err != nil {
		return fmt.Errorf("failed to write certificate: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Certificate %s written to %s\n", issued.SerialHex(), signOutPath)
	return nil
}
