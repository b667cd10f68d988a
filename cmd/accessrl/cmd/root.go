// Package cmd provides the CLI commands for accessrl.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/elf-platform/accessrl/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "accessrl",
	Short: "accessrl - distributed HTTP rate limiter",
	Long: `accessrl is a policy-driven rate limiting proxy backed by a shared
Redis store. Every decision is made atomically server-side, so any
number of instances enforce one consistent limit per caller.

Quick start:
  1. Create a config file: accessrl.yaml
  2. Run: accessrl serve

Configuration:
  Config is loaded from accessrl.yaml in the current directory,
  $HOME/.accessrl/, or /etc/accessrl/.

  Environment variables can override config values with the ACCESSRL_
  prefix. Example: ACCESSRL_REDIS_ADDR=redis-1:6379

Commands:
  serve       Start the rate limiting proxy
  check       Load and validate the configuration
  version     Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./accessrl.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
