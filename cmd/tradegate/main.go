package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/tradegate/tradegate/internal/config"
)

const (
	appName = "tradegate"
	version = "v1.1.0"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	var configPath string

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Multi-tenant webhook trade execution gateway",
		Version: version,
		Long: `TradeGate receives TradingView-style webhook signals and executes
them on the caller's configured venue: Bybit, Lighter, Hyperliquid,
OANDA, Tradier, Alpaca or Kalshi.

Signals are authenticated per user, checked against plan limits and
optional ML validation, sized, executed, and fanned out to copy-trade
followers. State lives in Postgres; Redis accelerates the hot lookups.`,
		// Interactive invocations get help; a piped or daemonized bare
		// invocation serves, so `tradegate` works as a container
		// entrypoint without arguments.
		RunE: func(cmd *cobra.Command, args []string) error {
			if term.IsTerminal(int(os.Stdin.Fd())) {
				return cmd.Help()
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			setupLogging(cfg)
			return runServe(cfg)
		},
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (default config.yaml if present)")

	rootCmd.AddCommand(serveCmd(&configPath))
	rootCmd.AddCommand(healthCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s %s\n", appName, version)
		},
	}
}

// setupLogging reconfigures the global logger from the loaded config.
// The bootstrap console logger covers everything before this point.
func setupLogging(cfg *config.Config) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Logging.Level))
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	format := cfg.Logging.Format
	if format == "auto" {
		if term.IsTerminal(int(os.Stderr.Fd())) {
			format = "console"
		} else {
			format = "json"
		}
	}
	switch format {
	case "console":
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	default:
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
}
