package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"burrow/internal/config"
)

var (
	// Global flags
	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "burrow",
	Short: "Burrow - caching HTTP proxy",
	Long: `Burrow is a caching HTTP/1.1 proxy.

It provides:
  - Forward proxying with a disk cache and revalidation of expired entries
  - Reverse proxying of path-only requests onto configured origin servers
  - CONNECT tunnelling to allowed ports
  - Blocking of URLs by pattern, reloaded when the pattern file changes
  - Health, Prometheus metrics and status endpoints`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (defaults plus BURROW_* environment when empty)")
}

// loadConfig reads the configuration named by --config.
func loadConfig() (*config.Config, error) {
	loader := config.NewLoader()
	if cfgFile == "" {
		return loader.LoadDefault()
	}
	return loader.LoadFromFile(cfgFile)
}
