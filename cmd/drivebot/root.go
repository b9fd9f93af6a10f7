package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/jun/drivebot/internal/app"
	"github.com/jun/drivebot/internal/config"
)

// version is set at build time via ldflags.
var version = "dev"

var (
	flagConfigPath string
	flagLogLevel   string
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "drivebot",
		Short:         "Telegram bot that stores files in Google Drive",
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			// A missing .env is normal outside development.
			_ = godotenv.Load()
		},
		RunE: runServe,
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path (default $"+config.EnvConfig+")")
	cmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "override the configured log level (debug, info, warn, error)")

	cmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the bot and the OAuth2 redirect endpoint",
		RunE:  runServe,
	})
	cmd.AddCommand(newCheckConfigCmd())

	return cmd
}

func loadConfig(ctx context.Context) (*config.Config, error) {
	cfg, err := app.LoadConfig(ctx, flagConfigPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if flagLogLevel != "" {
		cfg.LogLevel = flagLogLevel
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}

	logger := app.NewLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	logger.Info("starting drivebot", "version", version)

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Error("close store", "error", err)
		}
	}()

	return a.Run(ctx)
}

func newCheckConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration and print the redirect URI to register",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "configuration OK")
			fmt.Fprintf(out, "redirect URI: %s\n", cfg.RedirectURL())
			fmt.Fprintf(out, "listen addr:  %s\n", cfg.ListenAddr())
			fmt.Fprintf(out, "store:        %s\n", cfg.Store.Backend)
			fmt.Fprintf(out, "provider:     %s\n", cfg.Drive.Provider)
			return nil
		},
	}
}
