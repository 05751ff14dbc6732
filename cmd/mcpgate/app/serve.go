package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mcpgate/mcpgate/pkg/config"
	"github.com/mcpgate/mcpgate/pkg/frontend"
	"github.com/mcpgate/mcpgate/pkg/logger"
	"github.com/mcpgate/mcpgate/pkg/manifest"
	"github.com/mcpgate/mcpgate/pkg/namespace"
	"github.com/mcpgate/mcpgate/pkg/reconciler"
	"github.com/mcpgate/mcpgate/pkg/supervisor"
	"github.com/mcpgate/mcpgate/pkg/versions"
)

// shutdownTimeout bounds how long backends get to stop on the way out.
const shutdownTimeout = 30 * time.Second

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway",
		Long: `Start the gateway: launch the backends declared in the topology file,
discover their tools, and serve the aggregated catalog to MCP clients.

With the default stdio transport the gateway itself speaks MCP on
stdin/stdout, so it can be registered as a single server in any MCP client.
The http transport serves the same catalog on /mcp; callers select a
namespace or group per request via the ?namespace= query parameter or the
X-MCPGate-Namespace header.`,
		RunE: runServe,
	}

	cmd.Flags().String("transport", frontend.TransportStdio, "Client transport: stdio or http")
	cmd.Flags().String("address", "127.0.0.1:4483", "Listen address for the http transport")
	cmd.Flags().String("namespace", "", "Namespace or group clients see by default")
	cmd.Flags().Duration("reload-interval", time.Second, "How often the topology file is polled for changes")

	for _, name := range []string{"transport", "address", "namespace", "reload-interval"} {
		if err := viper.BindPFlag(name, cmd.Flags().Lookup(name)); err != nil {
			logger.Errorf("Error binding %s flag: %v", name, err)
		}
	}

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	configPath := viper.GetString("config")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	logger.Infof("Loaded %s: %s", configPath, cfg)

	version := versions.GetVersionInfo().Version

	// The supervisor reports availability to the reconciler, which feeds
	// the catalog, which the frontend serves. The observer is attached
	// last because the reconciler needs the catalog and the catalog needs
	// the supervisor.
	store := namespace.NewStore(namespace.NewResolver(cfg))
	sup := supervisor.New(nil, version)
	man := manifest.New(sup)
	rec := reconciler.New(man, store)
	rec.AttachProcessManager(sup)
	sup.SetObserver(rec)

	front := frontend.New(frontend.Options{
		Name:      "mcpgate",
		Version:   version,
		Endpoint:  viper.GetString("namespace"),
		Transport: viper.GetString("transport"),
		Address:   viper.GetString("address"),
	}, man, sup, store, rec)
	rec.SetToolSync(front)

	rec.Start(ctx, cfg)

	watcher := config.NewWatcher(configPath, viper.GetDuration("reload-interval"), rec.Reload)
	go watcher.Run(ctx)

	serveErr := front.Serve(ctx)
	if errors.Is(serveErr, http.ErrServerClosed) {
		serveErr = nil
	}

	// Backends get a deliberate stop regardless of how serving ended.
	logger.Info("Shutting down, stopping backends")
	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	sup.StopAll(stopCtx)

	return serveErr
}
