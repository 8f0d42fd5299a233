package ca

import (
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"
)

// Config is the configuration record of one signing CA.
type Config struct {
	// Backend selects the signing backend: "local" (default) or "pkcs11".
	Backend string `yaml:"backend,omitempty"`

	CertPath    string        `yaml:"cert_path"`
	OutputPath  string        `yaml:"output_path"`
	SigningHash string        `yaml:"signing_hash"`
	ValidHours  int           `yaml:"valid_hours"`
	SignTimeout time.Duration `yaml:"sign_timeout,omitempty"`

	// Local backend.
	KeyPath          string `yaml:"key_path,omitempty"`
	KeyPassphrase    string `yaml:"key_passphrase,omitempty"`
	KeyPassphraseEnv string `yaml:"key_passphrase_env,omitempty"`

	// PKCS#11 backend.
	PKCS11Path string `yaml:"pkcs11_path,omitempty"`
	Slot       *uint  `yaml:"slot,omitempty"`
	PIN        string `yaml:"pin,omitempty"`
	PINEnv     string `yaml:"pin_env,omitempty"`
	KeyID      string `yaml:"key_id,omitempty"` // hex encoded CKA_ID
}

// BackendKind returns the parsed backend tag, or "" when it is invalid.
func (c *Config) BackendKind() BackendKind {
	k, _ := ParseBackendKind(c.Backend)
	return k
}

// HashAlgorithm returns the parsed signing_hash, or 0 when it is invalid.
func (c *Config) HashAlgorithm() HashAlgorithm {
	h, _ := ParseHashAlgorithm(c.SigningHash)
	return h
}

// Validity returns the lifetime of issued certificates.
func (c *Config) Validity() time.Duration {
	return time.Duration(c.ValidHours) * time.Hour
}

// ResolvePIN returns the token PIN, reading pin_env when pin is not set.
func (c *Config) ResolvePIN() string {
	if c.PIN != "" {
		return c.PIN
	}
	if c.PINEnv != "" {
		return os.Getenv(c.PINEnv)
	}
	return ""
}

// ResolvePassphrase returns the key passphrase, reading key_passphrase_env
// when key_passphrase is not set.
func (c *Config) ResolvePassphrase() string {
	if c.KeyPassphrase != "" {
		return c.KeyPassphrase
	}
	if c.KeyPassphraseEnv != "" {
		return os.Getenv(c.KeyPassphraseEnv)
	}
	return ""
}

// KeyIDBytes decodes the hex key_id into the raw CKA_ID value.
func (c *Config) KeyIDBytes() ([]byte, error) {
	id, err := hex.DecodeString(c.KeyID)
	if err != nil {
		return nil, fmt.Errorf("key_id is not valid hex: %w", err)
	}
	if len(id) == 0 {
		return nil, errors.New("key_id is empty")
	}
	return id, nil
}

var commonFields = []string{"cert_path", "output_path", "signing_hash", "valid_hours"}

var backendFields = map[BackendKind][]string{
	BackendLocal:  {"key_path"},
	BackendPKCS11: {"slot", "pin", "key_id", "pkcs11_path"},
}

// RequiredFields lists the mandatory keys for a backend, in check order.
func RequiredFields(kind BackendKind) []string {
	fields := append([]string{}, commonFields...)
	return append(fields, backendFields[kind]...)
}

func (c *Config) has(field string) bool {
	switch field {
	case "cert_path":
		return c.CertPath != ""
	case "output_path":
		return c.OutputPath != ""
	case "signing_hash":
		return c.SigningHash != ""
	case "valid_hours":
		return c.ValidHours != 0
	case "key_path":
		return c.KeyPath != ""
	case "slot":
		return c.Slot != nil
	case "pin":
		return c.ResolvePIN() != ""
	case "key_id":
		return c.KeyID != ""
	case "pkcs11_path":
		return c.PKCS11Path != ""
	}
	return false
}

// Validate checks the configuration of the signing CA called name before
// first use. It returns a *ConfigError naming the first offending key or
// file.
func (c *Config) Validate(name string) error {
	kind, err := ParseBackendKind(c.Backend)
	if err != nil {
		return &ConfigError{CA: name, Field: "backend", Err: err}
	}

	for _, field := range RequiredFields(kind) {
		if !c.has(field) {
			return missing(name, field)
		}
	}

	if _, err := ParseHashAlgorithm(c.SigningHash); err != nil {
		return &ConfigError{CA: name, Field: "signing_hash", Err: err}
	}
	if c.ValidHours < 0 {
		return invalid(name, "valid_hours", "must be positive, got %d", c.ValidHours)
	}
	if c.SignTimeout < 0 {
		return invalid(name, "sign_timeout", "must not be negative, got %s", c.SignTimeout)
	}

	if _, err := LoadCertificate(c.CertPath); err != nil {
		return fileError(name, "cert_path", c.CertPath, err)
	}
	if err := checkDirectory(c.OutputPath); err != nil {
		return fileError(name, "output_path", c.OutputPath, err)
	}

	switch kind {
	case BackendLocal:
		if err := CheckKeyFile(c.KeyPath); err != nil {
			return fileError(name, "key_path", c.KeyPath, err)
		}
	case BackendPKCS11:
		if _, err := c.KeyIDBytes(); err != nil {
			return invalid(name, "key_id", "%v", err)
		}
		if err := checkReadable(c.PKCS11Path); err != nil {
			return fileError(name, "pkcs11_path", c.PKCS11Path, err)
		}
	}
	return nil
}

// LoadCertificate reads a PEM or DER encoded certificate.
func LoadCertificate(path string) (*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, unreadable(path, err)
	}
	der := data
	if block, _ := pem.Decode(data); block != nil {
		if block.Type != "CERTIFICATE" {
			return nil, fmt.Errorf("%w: %s: unexpected PEM type %q", ErrInvalidCertificate, path, block.Type)
		}
		der = block.Bytes
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidCertificate, path, err)
	}
	return cert, nil
}

// CheckKeyFile verifies that a private key file exists, is a regular file
// readable by the current user and grants no access beyond owner-read.
func CheckKeyFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return unreadable(path, err)
	}
	if !info.Mode().IsRegular() {
		return unreadable(path, errors.New("not a regular file"))
	}
	if perm := info.Mode().Perm(); perm&^0o400 != 0 {
		return fmt.Errorf("%w: %s has mode %04o, expected owner readable only",
			ErrInsecurePermissions, path, perm)
	}
	return checkReadable(path)
}

func checkReadable(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return unreadable(path, err)
	}
	return f.Close()
}

func checkDirectory(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return unreadable(path, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrInvalidValue, path)
	}
	return nil
}

func unreadable(path string, err error) error {
	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		err = pathErr.Err
	}
	return fmt.Errorf("%w: %s: %v", ErrUnreadableFile, path, err)
}
