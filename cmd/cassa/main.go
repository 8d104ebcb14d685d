package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"cassa/internal/backend"
	"cassa/internal/cli"
	"cassa/internal/config"
	applog "cassa/internal/log"

	"github.com/spf13/cobra"
)

var (
	version = "dev"

	flagStore    string
	flagDBPath   string
	flagLogLevel string
	flagHorizon  int

	cfg    *config.Config
	logger *applog.Logger

	rootCmd = &cobra.Command{
		Use:   "cassa",
		Short: "Personal ledger with consistent deletions",
		Long: `cassa records income and expense transactions, keeps per-category
statistics and a day-by-day balance forecast, and deletes transactions only
after an explicit confirmation, recomputing everything that depended on them.`,
		SilenceUsage:      true,
		PersistentPreRunE: initConfig,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&flagStore, "store", "", "store backend (sqlite, memory); overrides STORE")
	rootCmd.PersistentFlags().StringVar(&flagDBPath, "db", "", "SQLite database path; overrides SQLITE_DB_PATH")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "log level (debug, info, warn, error); overrides LOG_LEVEL")
	rootCmd.PersistentFlags().IntVar(&flagHorizon, "horizon", 0, "forecast horizon in days; overrides FORECAST_HORIZON_DAYS")

	rootCmd.AddCommand(addCmd())
	rootCmd.AddCommand(listCmd())
	rootCmd.AddCommand(balanceCmd())
	rootCmd.AddCommand(categoriesCmd())
	rootCmd.AddCommand(forecastCmd())
	rootCmd.AddCommand(deleteCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(versionCmd())
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		slog.Info("Received interrupt signal, shutting down")
		cancel()
	}()

	err := rootCmd.ExecuteContext(ctx)
	cancel()

	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initConfig(cmd *cobra.Command, _ []string) error {
	cli.LoadEnvFile()

	var err error
	cfg, err = cli.LoadAndValidateConfig(func(c *config.Config) {
		if flagStore != "" {
			c.Store = flagStore
		}
		if flagDBPath != "" {
			c.SQLiteDBPath = flagDBPath
		}
		if flagLogLevel != "" {
			c.LogLevel = flagLogLevel
		}
		if flagHorizon > 0 {
			c.ForecastHorizonDays = flagHorizon
		}
	})
	if err != nil {
		return err
	}
	logger = cli.SetupLogger(cfg.LogLevel, cmd.ErrOrStderr())
	return nil
}

// openBackend builds the ledger services for one command. rebuild rolls
// the forecast window to today first.
func openBackend(ctx context.Context, rebuild bool) (*backend.Backend, error) {
	bcfg, err := backend.FromAppConfig(cfg)
	if err != nil {
		return nil, err
	}
	bcfg.RebuildOnOpen = rebuild
	return backend.NewFactory(logger.Logger).CreateBackend(ctx, bcfg)
}

func closeBackend(b *backend.Backend) {
	if err := b.Cleanup(); err != nil {
		slog.Error("Failed to close store", "error", err)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return nil
		},
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "cassa", version)
		},
	}
}
