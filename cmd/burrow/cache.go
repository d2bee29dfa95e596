package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"burrow/internal/cache"
	"burrow/internal/config"
	"burrow/internal/proxy"
	"burrow/pkg/logger"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect or maintain the disk cache",
	Long: `Inspect or maintain the disk cache of a stopped proxy.

The commands open the cache directory from the configuration. Do not run
them against a cache that a running proxy is using.`,
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show the number of entries and the cache size",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, hc, err := openCache()
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Directory: %s\n", cfg.Directory)
		fmt.Fprintf(out, "Entries:   %d\n", hc.NumberOfEntries())
		fmt.Fprintf(out, "Size:      %d / %d bytes\n", hc.CurrentSize(), hc.MaxSize())
		return nil
	},
}

var cacheSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Remove expired entries and trim the cache to its size limit",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, hc, err := openCache()
		if err != nil {
			return err
		}

		removed := hc.Sweep()
		if err := hc.Flush(); err != nil {
			return fmt.Errorf("failed to write cache index: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %d entries, %d left\n", removed, hc.NumberOfEntries())
		return nil
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every cache entry",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, hc, err := openCache()
		if err != nil {
			return err
		}

		n := hc.NumberOfEntries()
		hc.Clear()
		if err := hc.Flush(); err != nil {
			return fmt.Errorf("failed to write cache index: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %d entries\n", n)
		return nil
	},
}

func init() {
	cacheCmd.AddCommand(cacheStatsCmd, cacheSweepCmd, cacheClearCmd)
	rootCmd.AddCommand(cacheCmd)
}

func openCache() (config.CacheConfig, *cache.HTTPCache, error) {
	cfg, err := loadConfig()
	if err != nil {
		return config.CacheConfig{}, nil, fmt.Errorf("failed to load config: %w", err)
	}
	hc, err := cache.NewHTTPCache(proxy.CacheConfig(cfg.Cache), logger.Discard(), nil)
	return cfg.Cache, hc, err
}
