package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/vyrodovalexey/keygate/internal/config"
	"github.com/vyrodovalexey/keygate/internal/observability"
)

// cliFlags holds flags shared by every subcommand.
type cliFlags struct {
	configPath string
	envFile    string
	logLevel   string
	logFormat  string
}

func newRootCmd() *cobra.Command {
	flags := &cliFlags{}

	cmd := &cobra.Command{
		Use:   "keygate",
		Short: "API key gateway",
		Long: `keygate authenticates requests by API key, checks the key's scopes against
the route, enforces a per-key rate limit and records usage before forwarding
the request to the upstream application.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return config.LoadDotEnv(flags.envFile)
		},
	}

	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c",
		getEnvOrDefault("KEYGATE_CONFIG", "configs/keygate.yaml"), "path to configuration file")
	cmd.PersistentFlags().StringVar(&flags.envFile, "env-file", ".env", "dotenv file loaded before the configuration")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", getEnvOrDefault("KEYGATE_LOG_LEVEL", ""),
		"log level override (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&flags.logFormat, "log-format", getEnvOrDefault("KEYGATE_LOG_FORMAT", ""),
		"log format override (json, console)")

	cmd.AddCommand(newServeCmd(flags))
	cmd.AddCommand(newHashCmd(flags))
	cmd.AddCommand(newMigrateCmd(flags))
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// loadConfig loads and validates the configuration file.
func loadConfig(path string) (*config.GatewayConfig, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := config.ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// initLogger builds the logger from configuration with flag overrides.
func initLogger(cfg *config.LogConfig, flags *cliFlags) (observability.Logger, error) {
	logCfg := observability.LogConfig{
		Level:  cfg.Level,
		Format: cfg.Format,
		Output: cfg.Output,
	}
	if flags.logLevel != "" {
		logCfg.Level = flags.logLevel
	}
	if flags.logFormat != "" {
		logCfg.Format = flags.logFormat
	}
	if logCfg.Level == "" {
		logCfg.Level = "info"
	}

	logger, err := observability.NewLogger(logCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	observability.SetGlobalLogger(logger)
	return logger, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			printVersion(cmd.OutOrStdout())
		},
	}
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "keygate version %s\n", version)
	fmt.Fprintf(w, "  Build time: %s\n", buildTime)
	fmt.Fprintf(w, "  Git commit: %s\n", gitCommit)
}

// getEnvOrDefault returns the environment variable value or a default.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
