package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"burrow/internal/config"
	"burrow/internal/proxy"
	"burrow/pkg/logger"
)

var runFlags struct {
	listenAddress string
	logLevel      string
	dryRun        bool
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the proxy",
	Long: `Start the proxy with the specified configuration.

The proxy listens on server.host:server.port and, when admin.enabled is set,
serves /health, /status and the metrics path on admin.host:admin.port.

Examples:
  # Start with defaults
  burrow run

  # Start with a configuration file
  burrow run --config /etc/burrow/burrow.yaml

  # Override the listen address
  burrow run --listen 0.0.0.0:3128

  # Validate the configuration without starting
  burrow run --dry-run`,
	RunE: runProxy,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runFlags.listenAddress, "listen", "l", "", "override listen address (host:port)")
	runCmd.Flags().StringVar(&runFlags.logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	runCmd.Flags().BoolVar(&runFlags.dryRun, "dry-run", false, "validate config without starting the proxy")
}

func runProxy(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := applyRunFlags(cfg); err != nil {
		return err
	}

	log := logger.New(logger.LoggerConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: os.Stdout,
	})

	if runFlags.dryRun {
		fmt.Fprintln(cmd.OutOrStdout(), "Configuration valid")
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, err := proxy.New(cfg, log)
	if err != nil {
		return err
	}
	if err := p.Start(ctx); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Burrow %s listening on %s\n", Version, p.Addr())
	if addr := p.AdminAddr(); addr != nil {
		fmt.Fprintf(out, "Health endpoint: http://%s/health\n", addr)
		fmt.Fprintf(out, "Metrics endpoint: http://%s%s\n", addr, cfg.Admin.MetricsPath)
	}

	<-ctx.Done()
	log.Info("Received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer cancel()
	if err := p.Shutdown(shutdownCtx); err != nil {
		log.Error("Shutdown failed", "error", err)
		return err
	}

	fmt.Fprintln(out, "Proxy stopped")
	return nil
}

// applyRunFlags applies command-line overrides, the highest priority
// configuration source.
func applyRunFlags(cfg *config.Config) error {
	if runFlags.listenAddress != "" {
		host, port, err := net.SplitHostPort(runFlags.listenAddress)
		if err != nil {
			return fmt.Errorf("invalid --listen address: %w", err)
		}
		n, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid --listen port %q", port)
		}
		cfg.Server.Host = host
		cfg.Server.Port = n
	}
	if runFlags.logLevel != "" {
		cfg.Logging.Level = runFlags.logLevel
	}
	return cfg.Validate()
}
