package main

import (
	"github.com/spf13/cobra"

	"github.com/artpar/apifactory/bootstrap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the receivers",
	Long: `Start every protocol whose interface description exists.

Configuration comes from apifactory.yaml (or --config) when present, with
APIFACTORY_* environment variables taking precedence. Changes to the
config file's logging.level apply without a restart.

Environment variables:
  APIFACTORY_HTTP_SPEC_PATH    - OpenAPI document (default: ./openapi.yml)
  APIFACTORY_RPC_SPEC_PATH     - OpenRPC document (default: ./openrpc.yml)
  APIFACTORY_EVENTS_SPEC_PATH  - AsyncAPI document (default: ./asyncapi.yml)
  APIFACTORY_LOG_LEVEL         - Log level: debug, info, warn, error
  HTTP_LABEL_<NAME>            - Select HTTP servers by x-labels
  HTTP_VARIABLE_<NAME>         - Fill {name} in HTTP server URLs
  <NAME>_SQL_URL               - Database for the sql module

Examples:
  apifactory serve
  apifactory serve --config /etc/apifactory/config.yaml
  HTTP_VARIABLE_PORT=4000 apifactory serve`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	app, err := bootstrap.New(cmd.Context(), bootstrap.Options{
		ConfigPath: cfgFile,
		Output:     cmd.OutOrStdout(),
	})
	if err != nil {
		return err
	}
	return app.Run(cmd.Context())
}
