// Package cmd provides the CLI commands for wampgate.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/wampgate/wampgate/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "wampgate",
	Short: "wampgate - WAMP v2 router",
	Long: `wampgate is a WAMP v2 router: it hosts realms and routes
remote procedure calls and publish/subscribe events between clients.

Clients connect over WebSocket, TCP raw socket or Unix domain sockets
using the JSON, CBOR or MessagePack serialization.

Quick start:
  1. Create a config file: wampgate.yaml
  2. Run: wampgate start

Configuration:
  Config is loaded from wampgate.yaml in the current directory,
  $HOME/.wampgate/, or /etc/wampgate/.

  Environment variables can override config values with the WAMPGATE_ prefix.
  Example: WAMPGATE_LOG_LEVEL=debug

Commands:
  start       Start the router
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
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./wampgate.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
