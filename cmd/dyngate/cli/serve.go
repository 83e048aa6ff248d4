package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dyngate/dyngate/internal/config"
	"github.com/dyngate/dyngate/internal/mcp"
	"github.com/dyngate/dyngate/internal/server"
)

func newServeCmd() *cobra.Command {
	var (
		transport string
		port      int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the MCP server",
		Long: `Start the Model Context Protocol server exposing D365 metadata and data
tools. Supports stdio (default) and HTTP transports.

In stdio mode the server communicates over stdin/stdout using JSON-RPC,
suitable for MCP clients that launch the server as a subprocess.

In HTTP mode the server listens for streamable HTTP connections and also
serves health probes and a sync-control API.

The background sync scheduler starts in both modes and populates the local
metadata cache on first run.`,
		Example: `  dyngate serve                           # stdio mode
  dyngate serve --transport http --port 8080  # HTTP mode`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(transport, port)
		},
	}

	cmd.Flags().StringVar(&transport, "transport", "stdio", "Transport mode: stdio or http")
	cmd.Flags().IntVar(&port, "port", 0, "HTTP port (overrides config, only used with --transport http)")

	return cmd
}

func runServe(transport string, port int) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	st, client, syncer, err := buildSyncStack(cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	syncer.Start(ctx)
	defer syncer.Stop()

	mcpSrv := mcp.NewMCPServer(st, client, syncer, logger)

	switch transport {
	case "stdio":
		return mcpSrv.ServeStdio()
	case "http":
		srvCfg := server.Config{
			Host:              cfg.Server.Host,
			Port:              cfg.Server.Port,
			ShutdownTimeout:   config.Duration(cfg.Server.ShutdownTimeout, 30*time.Second),
			CORSOrigins:       cfg.Server.CORS.Origins,
			RequestsPerMinute: cfg.Server.RateLimit,
		}
		if port != 0 {
			srvCfg.Port = port
		}
		return server.New(srvCfg, st, syncer, mcpSrv, logger).ListenAndServe()
	default:
		return fmt.Errorf("unsupported transport %q; use 'stdio' or 'http'", transport)
	}
}
