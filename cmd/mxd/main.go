package main

import (
	"fmt"
	"os"

	"github.com/jawr/mxd/internal/config"
	"github.com/jawr/mxd/internal/logger"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func run() error {
	return newRootCmd().Execute()
}

// loader resolves config and the root logger for a subcommand
type loader func(cmd *cobra.Command) (*config.Config, zerolog.Logger, error)

func newRootCmd() *cobra.Command {
	var configFile string
	v := config.New()

	rootCmd := &cobra.Command{
		Use:   "mxd",
		Short: "minimal smtp mail transfer agent",
		Long: `mxd accepts mail over SMTP, stores it in a Maildir and relays it
directly to the recipient domain's mail exchanger.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		DisableAutoGenTag: true,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (yaml)")
	rootCmd.PersistentFlags().String("log.level", "info", "log level")
	rootCmd.PersistentFlags().String("log.format", "json", "log format, json or console")

	load := func(cmd *cobra.Command) (*config.Config, zerolog.Logger, error) {
		return loadConfig(v, cmd, configFile)
	}

	rootCmd.AddCommand(newServeCmd(load), newTestDeliveryCmd(load))

	return rootCmd
}

func loadConfig(v *viper.Viper, cmd *cobra.Command, configFile string) (*config.Config, zerolog.Logger, error) {
	nop := zerolog.Nop()

	if err := config.BindFlags(v, cmd.Flags()); err != nil {
		return nil, nop, errors.WithMessage(err, "BindFlags")
	}

	cfg, err := config.Load(v, configFile)
	if err != nil {
		return nil, nop, errors.WithMessage(err, "config.Load")
	}

	log, err := logger.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, nop, errors.WithMessage(err, "logger.New")
	}

	return cfg, log, nil
}
