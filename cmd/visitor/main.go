// Command visitor is a terminal chat client. It runs the visitor session
// against the simulator or a real chat backend.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	authKey string
	origin  string
	dbPath  string
	verbose bool
}

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file found, using environment variables")
	}

	var opts rootOptions
	root := &cobra.Command{
		Use:           "visitor",
		Short:         "Chat with an operator from the terminal",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.authKey, "key", "", "session API key (defaults to BC_SESSION_API_KEY)")
	root.PersistentFlags().StringVar(&opts.origin, "origin", "", "API origin, e.g. http://localhost:8080 (defaults to BC_API_ORIGIN)")
	root.PersistentFlags().StringVar(&opts.dbPath, "db", "", "SQLite file keeping the chat between runs (defaults to BC_DB_PATH, \":memory:\" disables)")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(newChatCommand(&opts), newAvailabilityCommand(&opts))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		slog.Error("visitor failed", "error", err)
		stop()
		os.Exit(1)
	}
}
