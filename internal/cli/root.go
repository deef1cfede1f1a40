package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/me/fibersched/internal/config"
	"github.com/me/fibersched/internal/logging"
	"github.com/me/fibersched/internal/store"
)

var (
	flagConfig    string
	flagEnvFile   string
	flagDB        string
	flagServer    string
	flagDebug     bool
	flagLogLevel  string
	flagLogFormat string

	cfg    config.Config
	logger *slog.Logger
)

// NewRootCmd creates the root cobra command for the fibersched CLI.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "fibersched",
		Short: "fibersched: a cooperative fiber scheduler",
		Long: `fibersched runs workloads of cooperative tasks on a single logical thread,
records every scheduling decision, and serves the recorded traces over HTTP.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if flagEnvFile != "" {
				if err := godotenv.Load(flagEnvFile); err != nil {
					return fmt.Errorf("load env file: %w", err)
				}
			}
			var err error
			cfg, err = config.Load(flagConfig)
			if err != nil {
				return err
			}
			level := cfg.Server.LogLevel
			if cmd.Flags().Changed("log-level") || level == "" {
				level = flagLogLevel
			}
			format := cfg.Server.LogFormat
			if cmd.Flags().Changed("log-format") || format == "" {
				format = flagLogFormat
			}
			if flagDebug {
				level = "debug"
			}
			if err := logging.CheckFormat(format); err != nil {
				return err
			}
			logger = logging.NewLoggerWithWriter(logging.ParseLevel(level), format, cmd.ErrOrStderr())
			return nil
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flagConfig, "config", "", "Path to a YAML or TOML config file")
	root.PersistentFlags().StringVar(&flagEnvFile, "env-file", "", "Load environment variables from this file (existing variables win)")
	root.PersistentFlags().StringVar(&flagDB, "db", "", "Trace database path (or "+config.DBEnvVar+" env, default ~/.fibersched/traces.db)")
	root.PersistentFlags().StringVar(&flagServer, "server", "", "Query and run through a fibersched server instead of the local database")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text", "Log format (text, json)")

	root.AddCommand(
		newDemoCmd(),
		newRunCmd(),
		newRunsCmd(),
		newShowCmd(),
		newEventsCmd(),
		newExportCmd(),
		newImportCmd(),
		newServeCmd(),
	)

	return root
}

// openStore opens and migrates the trace database named by --db, the
// config file, the environment, or the default location, in that order.
func openStore(ctx context.Context) (*store.SQLiteStore, error) {
	path := flagDB
	if path == "" {
		path = cfg.Server.DBPath
	}
	path, err := config.ResolveDBPath(path)
	if err != nil {
		return nil, err
	}
	st, err := store.NewSQLiteStore(path, logger)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	logger.Debug("database ready", "path", path)
	return st, nil
}
