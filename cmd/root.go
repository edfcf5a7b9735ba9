package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/livekyc/internal/config"
	"github.com/andresmejia3/livekyc/internal/logger"
)

// Options holds shared configuration for score, enroll, batch and search commands
type Options struct {
	InputPath      string
	OwnerID        string
	NumEngines     int
	MatchThreshold float64
	MaxFaces       int
	SaveBest       string
	StopEarly      bool
}

var (
	// App holds the lazily wired collaborators shared by subcommands
	App *app

	dbURL         string
	logLevel      string
	recordBackend string
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "livekyc",
	Short:   "Liveness scoring & face enrollment engine",
	Version: Version, // This enables the --version flag
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		// Flags win over the environment
		flags := cmd.Flags()
		if flags.Changed("db") {
			cfg.DatabaseURL = dbURL
		}
		if flags.Changed("log-level") {
			cfg.LogLevel = logLevel
		}
		if flags.Changed("record-store") {
			cfg.RecordStore = recordBackend
		}

		if err := cfg.ValidateFields(config.LoggingFields...); err != nil {
			return err
		}
		if err := logger.Init(cfg.LogLevel, cfg.Development()); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		App = newApp(cfg)
		return nil
	},
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// This tells Cobra not to print the version in the help text, which is cleaner.
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	err := rootCmd.ExecuteContext(ctx)

	// PersistentPostRun is skipped when RunE fails, so connections and
	// engine processes are released here instead.
	if App != nil {
		App.Close()
	}
	logger.Sync()

	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "PostgreSQL connection string (default: DATABASE_URL or POSTGRES_* env)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&recordBackend, "record-store", "postgres", "Identity record backend: postgres or mongo")
}
