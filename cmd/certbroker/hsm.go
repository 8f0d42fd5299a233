package main

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/remiblancher/certbroker/pkg/ca"
	"github.com/remiblancher/certbroker/pkg/signer"
)

var hsmCmd = &cobra.Command{
	Use:   "hsm",
	Short: "HSM diagnostic commands",
	Long: `Diagnostic commands for Hardware Security Modules (HSMs) via PKCS#11.

Examples:
  # Keys usable by a configured signing CA
  certbroker hsm keys --config certbroker.yaml --ca hsm

  # Keys of a token, without configuration
  HSM_PIN=1234 certbroker hsm keys --lib /usr/lib/softhsm/libsofthsm2.so --slot 0`,
}

var hsmKeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List RSA signing keys on a token",
	Long: `Log in to a token and list its RSA private keys with their CKA_ID, the
value to use as key_id in a pkcs11 signing CA.

The module, slot and PIN come from the signing CA named by --ca, or from
--lib, --slot and the variable named by --pin-env.`,
	RunE: runHSMKeys,
}

// HSM command flags
var (
	hsmCAName string
	hsmLib    string
	hsmSlot   uint
	hsmPINEnv string
)

func init() {
	hsmKeysCmd.Flags().StringVar(&hsmCAName, "ca", "", "Signing CA from the configuration")
	hsmKeysCmd.Flags().StringVar(&hsmLib, "lib", "", "Path to the PKCS#11 module")
	hsmKeysCmd.Flags().UintVar(&hsmSlot, "slot", 0, "Token slot")
	hsmKeysCmd.Flags().StringVar(&hsmPINEnv, "pin-env", "HSM_PIN", "Environment variable holding the user PIN")
	hsmKeysCmd.MarkFlagsMutuallyExclusive("ca", "lib")

	hsmCmd.AddCommand(hsmKeysCmd)
}

func runHSMKeys(cmd *cobra.Command, args []string) error {
	lib, slot, pin, err := hsmTarget()
	if err != nil {
		return err
	}

	keys, err := signer.ListKeys(lib, slot, pin)
	if err != nil {
		return fmt.Errorf("failed to list keys: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(keys) == 0 {
		fmt.Fprintln(out, "No RSA private keys found")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KEY_ID\tLABEL\tBITS")
	for _, k := range keys {
		fmt.Fprintf(w, "%s\t%s\t%d\n", k.ID, k.Label, k.Bits)
	}
	return w.Flush()
}

// hsmTarget resolves the module, slot and PIN from the flags.
func hsmTarget() (string, uint, string, error) {
	if hsmCAName == "" {
		if hsmLib == "" {
			return "", 0, "", errors.New("either --ca or --lib is required")
		}
		return hsmLib, hsmSlot, os.Getenv(hsmPINEnv), nil
	}

	cfg, err := loadConfig()
	if err != nil {
		return "", 0, "", err
	}
	caCfg, ok := cfg.SigningCAs[hsmCAName]
	if !ok {
		return "", 0, "", fmt.Errorf("unknown signing CA %q", hsmCAName)
	}
	if caCfg.BackendKind() != ca.BackendPKCS11 {
		return "", 0, "", fmt.Errorf("signing CA %q does not use the pkcs11 backend", hsmCAName)
	}
	var slot uint
	if caCfg.Slot != nil {
		slot = *caCfg.Slot
	}
	return caCfg.PKCS11Path, slot, caCfg.ResolvePIN(), nil
}
