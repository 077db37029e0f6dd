package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, nil)))

	rootCmd := newRootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "scangate: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scangate",
		Short: "scangate envelope intake pipeline",
		Long: `scangate watches per-jurisdiction storage containers for zipped case-document
envelopes, validates and unpacks them, uploads the documents and drives each
envelope through its lifecycle until the case system confirms processing.`,
		SilenceUsage: true,
	}
	cmd.AddCommand(
		newWorkerCmd(),
		newConsumerCmd(),
		newAPICmd(),
		newCleanupCmd(),
		newEnvelopeCmd(),
	)
	return cmd
}
