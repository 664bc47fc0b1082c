package main

import (
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/jonathan/testplan-agent/internal/server"
	"github.com/jonathan/testplan-agent/internal/server/ratelimit"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the REST API server",
	Long:  `Start an HTTP server that exposes REST endpoints for starting, streaming, inspecting and cleaning up runs.`,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Port to listen on (default 8080)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	port := settings.Port
	if cmd.Flags().Changed("port") {
		port = servePort
	}

	return withApp(cmd.Context(), slog.LevelInfo, func(a *app) error {
		jwtCfg, err := a.cfg.JWT()
		if err != nil {
			return err
		}
		if jwtCfg == nil {
			a.logger.Warn("JWT_SECRET not set; mutating routes are unauthenticated")
		}

		srv, err := server.New(server.Config{
			Port:      port,
			Runner:    a.runner,
			JWT:       jwtCfg,
			RateLimit: ratelimit.LoadConfig().WithDefaultRate(a.cfg.RateLimit, a.cfg.RateBurst),
			Metrics:   promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}),
			Health:    a.store.Ping,
			Logger:    a.logger,
		})
		if err != nil {
			return fmt.Errorf("failed to create server: %w", err)
		}
		return srv.Start(cmd.Context())
	})
}
