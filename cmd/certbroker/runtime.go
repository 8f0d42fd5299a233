package main

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/remiblancher/certbroker/internal/config"
	"github.com/remiblancher/certbroker/internal/logger"
	"github.com/remiblancher/certbroker/pkg/audit"
	"github.com/remiblancher/certbroker/pkg/broker"
	"github.com/remiblancher/certbroker/pkg/signer"
)

// loadConfig reads the configuration and applies the global flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if auditLogPath != "" {
		cfg.Audit.Path = auditLogPath
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logConsole {
		cfg.Logging.Console = true
	}
	return cfg, nil
}

// runtime is a built broker with the logger and audit trail it reports to.
type runtime struct {
	log    zerolog.Logger
	audit  *audit.Logger
	broker *broker.Broker
}

// openRuntime builds the broker described by cfg. The audit log is only
// opened when withAudit is set.
func openRuntime(cmd *cobra.Command, cfg *config.Config, withAudit bool) (*runtime, error) {
	log, err := logger.New(cmd.ErrOrStderr(), cfg.Logging.Level, cfg.Logging.Console)
	if err != nil {
		return nil, err
	}

	var auditLog *audit.Logger
	if withAudit {
		if auditLog, err = audit.Open(cfg.Audit.Path); err != nil {
			return nil, fmt.Errorf("failed to initialize audit log: %w", err)
		}
	}

	b, err := config.Build(cfg,
		broker.WithLogger(log),
		broker.WithAudit(auditLog),
		broker.WithSignerOptions(signer.WithLogger(log)),
	)
	if err != nil {
		_ = auditLog.Close()
		return nil, err
	}
	return &runtime{log: log, audit: auditLog, broker: b}, nil
}

// Close releases the signing backends, then the audit log.
func (rt *runtime) Close() error {
	return errors.Join(rt.broker.Close(), rt.audit.Close())
}
