// Command cmdtlm-router routes commands from local producers to a flight software target and
// distributes the target's telemetry to local subscribers.
package main

import (
	"fmt"
	"os"

	"github.com/groundsys/cmdtlm-router/pkg/config"
	"github.com/groundsys/cmdtlm-router/pkg/logging"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "cmdtlm-router",
	Short: "Command and telemetry router for a flight software target",
	Long: `cmdtlm-router owns the uplink and downlink sockets of a flight software target.
Local processes send commands through it and subscribe to decoded telemetry, either
in-process, as raw UDP copies, or over the WebSocket bridge.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the router",
	RunE:  runServe,
}

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "List the telemetry topics and commands of the configured catalog",
	RunE:  runCatalog,
}

var sendCmd = &cobra.Command{
	Use:   "send TARGET COMMAND [FIELD=VALUE...]",
	Short: "Encode one command and send it",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runSend,
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default configuration file",
	RunE:  runInit,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version)
	},
}

var (
	configPath string
	logLevel   string

	bridgeEnabled bool
	bridgeAddr    string

	sendHost string
	sendPort int

	force bool
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "cmdtlm-router.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level")

	serveCmd.Flags().BoolVar(&bridgeEnabled, "bridge", false, "enable the WebSocket bridge")
	serveCmd.Flags().StringVar(&bridgeAddr, "bridge-addr", "", "override the WebSocket bridge listen address")

	sendCmd.Flags().StringVar(&sendHost, "host", "", "router or target host (default: target host from config)")
	sendCmd.Flags().IntVar(&sendPort, "port", 0, "command port (default: first configured command source, else the target uplink port)")

	initCmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing config file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(catalogCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadDotenv loads .env files into the process environment. Missing files are skipped; a file
// that fails to parse is an error.
func loadDotenv(filenames ...string) error {
	if dotenvErr := godotenv.Load(filenames...); dotenvErr != nil && !os.IsNotExist(dotenvErr) {
		return fmt.Errorf("failed to load .env file: %w", dotenvErr)
	}
	return nil
}

// loadConfig reads the config file, then .env and process environment overrides, then flags.
func loadConfig() (*config.Config, error) {
	if err := loadDotenv(); err != nil {
		return nil, err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, fmt.Errorf("invalid environment override: %w", err)
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.New(logging.Params{
		Production: logging.FromEnv(),
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
}

func runInit(cmd *cobra.Command, args []string) error {
	if _, err := os.Stat(configPath); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", configPath)
	}
	if err := config.Save(configPath, config.Default()); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote default configuration to %s\n", configPath)
	return nil
}
