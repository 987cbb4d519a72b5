package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	cfgFile string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "apifactory",
	Short: "Serve OpenAPI, OpenRPC and AsyncAPI descriptions as live endpoints",
	Long: `apifactory compiles interface descriptions into dispatch tables.

An OpenAPI document becomes HTTP routes, an OpenRPC document a JSON-RPC 2.0
endpoint and an AsyncAPI document broker subscriptions and publishers.
Requests are validated against the declared schemas and routed to handlers
registered under each operation id.

Commands:
  apifactory serve     # Start every protocol whose description exists
  apifactory validate  # Compile descriptions and resolve modules, then exit`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "apifactory.yaml", "config file path")
}
