// Package config loads the broker configuration file and builds the
// broker it describes.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/remiblancher/certbroker/pkg/broker"
	"github.com/remiblancher/certbroker/pkg/ca"
	"github.com/remiblancher/certbroker/pkg/policy"
)

// Environment variables consulted when the file or flags leave a value unset.
const (
	EnvConfig   = "CERTBROKER_CONFIG"
	EnvAuditLog = "CERTBROKER_AUDIT_LOG"
)

// ErrInvalid is wrapped by every structural configuration error.
var ErrInvalid = errors.New("invalid configuration")

// Config is the broker configuration file.
type Config struct {
	Server      ServerConfig                `yaml:"server"`
	Logging     LoggingConfig               `yaml:"logging"`
	Audit       AuditConfig                 `yaml:"audit"`
	SigningCAs  map[string]*ca.Config       `yaml:"signing_ca"`
	Authorities map[string]*AuthorityConfig `yaml:"registration_authority"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// TLS configuration (optional)
	TLSCert string `yaml:"tls_cert"`
	TLSKey  string `yaml:"tls_key"`

	// Timeouts
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// CORSOrigins lists the origins allowed to call the API from a browser.
	CORSOrigins []string `yaml:"cors_origins"`

	// MaxRequestBytes bounds the size of a submitted request body.
	MaxRequestBytes int64 `yaml:"max_request_bytes"`
}

// Address returns the listen address.
func (s *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// LoggingConfig selects the technical log format.
type LoggingConfig struct {
	Level   string `yaml:"level"`
	Console bool   `yaml:"console"`
}

// AuditConfig locates the audit log. An empty path disables auditing.
type AuditConfig struct {
	Path string `yaml:"path"`
}

// AuthorityConfig is one registration authority.
type AuthorityConfig struct {
	SigningCA  string        `yaml:"signing_ca"`
	Validators []policy.Spec `yaml:"validators"`
}

// Default returns a configuration holding only defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8443,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			MaxRequestBytes: 64 << 10,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads the configuration file at path, or at $CERTBROKER_CONFIG when
// path is empty. Unknown keys are an error.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfig)
	}
	if path == "" {
		return nil, fmt.Errorf("%w: no configuration file given (set --config or %s)", ErrInvalid, EnvConfig)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes a configuration document over the defaults, applies the
// environment fallbacks and validates the structure.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if c.Audit.Path == "" {
		c.Audit.Path = os.Getenv(EnvAuditLog)
	}
}

// Validate checks the structure of the configuration: every authority
// names a configured signing CA and lists at least one validator. The
// signing CAs themselves are checked when the broker is built.
func (c *Config) Validate() error {
	if len(c.SigningCAs) == 0 {
		return fmt.Errorf("%w: signing_ca: no signing CA configured", ErrInvalid)
	}
	if len(c.Authorities) == 0 {
		return fmt.Errorf("%w: registration_authority: no registration authority configured", ErrInvalid)
	}
	for name, cfg := range c.SigningCAs {
		if cfg == nil {
			return fmt.Errorf("%w: signing_ca %s is empty", ErrInvalid, name)
		}
	}
	for _, name := range c.AuthorityNames() {
		ra := c.Authorities[name]
		if ra == nil {
			return fmt.Errorf("%w: registration_authority %s is empty", ErrInvalid, name)
		}
		if ra.SigningCA == "" {
			return fmt.Errorf("%w: registration_authority %s: signing_ca is required", ErrInvalid, name)
		}
		if _, ok := c.SigningCAs[ra.SigningCA]; !ok {
			return fmt.Errorf("%w: registration_authority %s: unknown signing_ca %q", ErrInvalid, name, ra.SigningCA)
		}
		if len(ra.Validators) == 0 {
			return fmt.Errorf("%w: registration_authority %s: %v", ErrInvalid, name, policy.ErrNoValidators)
		}
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: server.port %d out of range", ErrInvalid, c.Server.Port)
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		return fmt.Errorf("%w: server.tls_cert and server.tls_key must be set together", ErrInvalid)
	}
	return nil
}

// AuthorityNames returns the sorted registration authority names.
func (c *Config) AuthorityNames() []string {
	names := make([]string, 0, len(c.Authorities))
	for name := range c.Authorities {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Build creates the broker: one Authority per registration authority, each
// with its validator chain and signing backend. On error nothing is left
// open.
func Build(c *Config, opts ...broker.Option) (*broker.Broker, error) {
	authorities := make([]*broker.Authority, 0, len(c.Authorities))
	closeAll := func() {
		for _, a := range authorities {
			_ = a.Close()
		}
	}

	for _, name := range c.AuthorityNames() {
		ra := c.Authorities[name]
		chain, err := policy.Build(ra.Validators)
		if err != nil {
			closeAll()
			return nil, &broker.Error{Kind: broker.KindConfigInvalid, Authority: name, Field: "validators", Err: err}
		}
		a, err := broker.NewAuthority(name, ra.SigningCA, c.SigningCAs[ra.SigningCA], chain, opts...)
		if err != nil {
			closeAll()
			return nil, err
		}
		authorities = append(authorities, a)
	}

	b, err := broker.New(authorities...)
	if err != nil {
		closeAll()
		return nil, err
	}
	return b, nil
}
