package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hupe1980/trakgo"
)

const appName = "trakgo"

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Attribute model predictions to training examples with TRAK",
		Version: version,
		Long: `trakgo featurizes a training set under one or more model checkpoints,
computes per-checkpoint correction matrices and scores query examples,
producing a train x query matrix of influence scores.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(newRunCmd(), newInspectCmd(), newTopKCmd())
	return rootCmd
}

func newLogger(cmd *cobra.Command, level slog.Level) *trakgo.Logger {
	return trakgo.NewLogger(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
}
