package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/remiblancher/certbroker/internal/api/router"
	"github.com/remiblancher/certbroker/internal/api/server"
)

// Serve command flags
var (
	serveHost string
	servePort int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the signing API",
	Long: `Start the HTTP signing API.

Endpoints:
  POST /v1/sign/{authority}  Submit a PKCS#10 request (PEM, DER or JSON)
  GET  /health               Liveness and served authorities
  GET  /ready                Readiness
  GET  /api/openapi.yaml     OpenAPI description

Every configured signing CA is loaded at startup. A configuration error
stops the server before it listens. SIGINT and SIGTERM shut it down
gracefully.

Examples:
  certbroker serve --config /etc/certbroker/certbroker.yaml
  certbroker serve --config certbroker.yaml --port 9443`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Host to bind to, overrides server.host")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Port to listen on, overrides server.port")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("host") {
		cfg.Server.Host = serveHost
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port = servePort
	}

	rt, err := openRuntime(cmd, cfg, true)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()

	handler := router.New(&router.Config{
		Version:         version,
		Issuer:          rt.broker,
		Logger:          rt.log,
		CORSOrigins:     cfg.Server.CORSOrigins,
		MaxRequestBytes: cfg.Server.MaxRequestBytes,
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt.log.Info().
		Strs("authorities", rt.broker.Names()).
		Str("version", version).
		Msg("starting certbroker")
	return server.New(&cfg.Server, handler, rt.log).Run(ctx)
}
