// Command collabkit runs a collaborative document engine node.
//
// The serve subcommand starts a headless replica that subscribes to
// the configured transport and persists documents to the configured
// storage backend. The export subcommand renders a stored document
// snapshot without starting a replica.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/c0deZ3R0/go-collab-kit/config"
	"github.com/c0deZ3R0/go-collab-kit/logging"
)

type rootOptions struct {
	configPath string
	verbose    bool

	cfg *config.Config
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "collabkit",
		Short: "Collaborative document engine",
		Long: `collabkit runs a replica of the collaborative document engine.

Configuration is read from a YAML file (see --config); a .env file in
the working directory is loaded first so the config file can reference
environment-specific values.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Missing .env is fine; it is a local convenience.
			_ = godotenv.Load()

			cfg, err := loadConfig(opts.configPath)
			if err != nil {
				return err
			}
			if opts.verbose {
				cfg.Logging.Level = "debug"
			}
			logging.Init(cfg.Logging.ToLogging())
			opts.cfg = cfg
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to YAML config file (defaults apply when omitted)")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newExportCommand(opts))

	return cmd
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		cfg := config.Default()
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	return config.Load(path)
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "collabkit:", err)
		os.Exit(1)
	}
}
