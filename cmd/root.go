package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/visitwatch/internal/config"
	"github.com/andresmejia3/visitwatch/internal/store"
	"github.com/andresmejia3/visitwatch/internal/visits"
)

// Options holds shared configuration for the watch, capture and identify commands
type Options struct {
	Inputs      []string
	OutputPath  string
	Threshold   float64
	EngineCmd   string
	DebugFrames string
	DedupScope  string
}

var (
	// Cfg is the environment configuration, loaded before any subcommand runs
	Cfg *config.Config
	// Logger is the structured logger shared by subcommands
	Logger *slog.Logger
	// DB is the optional database mirror, nil unless a connection string is configured
	DB *store.Store
	// dbURL is the connection string
	dbURL string
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "visitwatch",
	Short:   "Real-time face recognition access logger",
	Version: Version, // This enables the --version flag
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		Cfg, err = config.Load()
		if err != nil {
			return err
		}
		Logger = config.NewLogger(Cfg.Environment)
		slog.SetDefault(Logger)

		// The flag wins over VISITWATCH_DATABASE_URL
		if dbURL == "" {
			dbURL = Cfg.DatabaseURL
		}
		if dbURL == "" {
			return nil
		}

		// Use the command's context (which will be cancellable) for the connection
		DB, err = store.New(cmd.Context(), dbURL, visits.LoadLocation(Cfg.DisplayTZ))
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if DB != nil {
			// Use Background here because the main context might be cancelled already (due to Ctrl+C)
			// and we still need to send the "Close" command to the DB.
			DB.Close()
		}
	},
}

// requireDB fails commands that only make sense against the mirror.
func requireDB() error {
	if DB == nil {
		return fmt.Errorf("no database configured (set --db or %s_DATABASE_URL)", config.Prefix)
	}
	return nil
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// This tells Cobra not to print the version in the help text, which is cleaner.
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "PostgreSQL connection string for the visit mirror (default: $VISITWATCH_DATABASE_URL, disabled when empty)")
}
