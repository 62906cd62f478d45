package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/CelVoxes/Axon-sub004/internal/pyenv"
)

// provisionCmd installs the standalone interpreter into the cache directory.
var provisionCmd = &cobra.Command{
	Use:   "provision",
	Short: "Download the standalone Python interpreter",
	Long: `Download and unpack the standalone CPython build configured under
kernel.standalone_python into the cache directory. Environments fall back to it when
no suitable interpreter is installed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		standalone := pyenv.NewStandalone(cfg.Kernel.StandalonePython, cfg.CacheDir)
		standalone.SetProgressCallback(printProgress())

		path, err := standalone.Provision(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(os.Stdout, path)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(provisionCmd)
}
