package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/CelVoxes/Axon-sub004/internal/backend"
	"github.com/CelVoxes/Axon-sub004/internal/logger"
)

var ensureKeep bool

// ensureCmd prepares a workspace and verifies the execution server starts.
var ensureCmd = &cobra.Command{
	Use:   "ensure [workspace]",
	Short: "Prepare the workspace environment and check the server starts",
	Long: `Find or create the workspace environment, install missing packages, start the
execution server and report its status. The server is stopped again unless --keep
is given, in which case the command waits for an interrupt.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		workspace, _ := os.Getwd()
		if len(args) == 1 {
			workspace = args[0]
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		b := backend.New(cfg)
		b.OnProgress(printProgress())
		defer func() {
			if err := b.Close(); err != nil {
				logger.Warn("backend shutdown: %v", err)
			}
		}()

		if err := b.EnsureServer(ctx, workspace); err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(b.Status()); err != nil {
			return fmt.Errorf("failed to print status: %w", err)
		}

		if ensureKeep {
			<-ctx.Done()
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(ensureCmd)
	ensureCmd.Flags().BoolVar(&ensureKeep, "keep", false, "Keep the server running until interrupted")
}
