// Command changeflow turns client website change requests into reviewed
// tracker tasks.
//
// Usage:
//
//	changeflow serve                                   # webhook + gRPC intake
//	changeflow run --client acme.com --request "..."   # one request, result on stdout
//	echo '{"client_id":"acme.com"}' | changeflow validate
//	changeflow attach --client acme.com brief.pdf      # upload an attachment
//	changeflow version
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/jeeves-cluster-organization/changeflow/coreengine/config"
	"github.com/jeeves-cluster-organization/changeflow/coreengine/observability"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Version information, set with -ldflags at build time.
var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	configPath string
	envFile    string
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:   "changeflow",
		Short: "Turn website change requests into reviewed tracker tasks",
		Long: `changeflow validates client change requests, gathers missing details
from the client's website, drafts an implementation plan, has it judged
against a rubric and pushes approved plans to the task tracker.

Configuration is read from a YAML file and CHANGEFLOW_* environment
variables. A .env file is loaded first when present.`,
		Version:      version,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "changeflow.yaml", "path to the YAML config file")
	root.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before the config")

	root.AddCommand(
		newServeCmd(opts),
		newRunCmd(opts),
		newValidateCmd(),
		newAttachCmd(opts),
		newVersionCmd(),
	)
	return root
}

// loadConfig loads the dotenv file, when present, then the config.
func (o *globalOptions) loadConfig() (*config.Config, error) {
	if o.envFile != "" {
		if _, err := os.Stat(o.envFile); err == nil {
			if err := godotenv.Load(o.envFile); err != nil {
				return nil, fmt.Errorf("load %s: %w", o.envFile, err)
			}
		}
	}
	return config.Load(o.configPath)
}

// newLogger builds the service logger from config.
func newLogger(cfg *config.Config) (*observability.ZapLogger, error) {
	logger, err := observability.NewZapLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		return nil, err
	}
	return logger.With("service", cfg.Observability.ServiceName), nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return writeJSON(cmd.OutOrStdout(), map[string]string{
				"version":    version,
				"build_time": buildTime,
				"go_version": runtime.Version(),
			})
		},
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
