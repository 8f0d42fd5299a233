package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate a configuration",
	Long: `Load the configuration and build every registration authority exactly as
serve would: the validator options are decoded, each signing CA is checked
(files, permissions, hash, backend fields) and its backend is opened.
Nothing is signed and nothing is written to the audit log.

Examples:
  certbroker check --config /etc/certbroker/certbroker.yaml`,
	RunE: runCheck,
}

func runCheck(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	rt, err := openRuntime(cmd, cfg, false)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()

	out := cmd.OutOrStdout()
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "AUTHORITY\tSIGNING CA\tBACKEND\tVALIDATORS")
	for _, name := range rt.broker.Names() {
		a, _ := rt.broker.Authority(name)
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\n",
			name, a.CAName(), cfg.SigningCAs[a.CAName()].BackendKind(), len(a.Validators()))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintln(out, "\nConfiguration OK")
	return nil
}
