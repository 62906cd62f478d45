package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/CelVoxes/Axon-sub004/internal/backend"
	"github.com/CelVoxes/Axon-sub004/internal/controlapi"
	"github.com/CelVoxes/Axon-sub004/internal/lockfile"
	"github.com/CelVoxes/Axon-sub004/internal/logger"
	"github.com/CelVoxes/Axon-sub004/internal/pprof"
)

var (
	serveAddr      string
	serveToken     string
	serveWorkspace string
	servePprof     bool
	cpuProfile     string
	memProfile     string
)

// serveCmd runs the control API in the foreground.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control API",
	Long: `Start the local control API. Only one instance may run per state directory;
it owns the execution server and stops it on exit.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if serveAddr == "" {
			serveAddr = cfg.ControlAddr
		}
		if serveToken == "" {
			serveToken = strings.TrimSpace(os.Getenv("AXON_TOKEN"))
		}

		lock := lockfile.New(filepath.Join(cfg.StateDir, "axon.lock"))
		if err := lock.TryAcquire(); err != nil {
			if errors.Is(err, lockfile.ErrLocked) {
				return fmt.Errorf("another axon-kernel instance owns %s: %w", cfg.StateDir, err)
			}
			return err
		}
		defer lock.Release()

		profiler := &pprof.Profiler{CPUProfile: cpuProfile, HeapProfile: memProfile}
		if err := profiler.Start(); err != nil {
			return err
		}
		defer func() {
			if err := profiler.Stop(); err != nil {
				logger.Warn("%v", err)
			}
		}()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		b := backend.New(cfg)
		b.OnProgress(printProgress())
		defer func() {
			if err := b.Close(); err != nil {
				logger.Warn("backend shutdown: %v", err)
			}
		}()

		api := controlapi.NewServer(b, serveToken)
		if servePprof {
			api.EnableProfiling()
		}
		if err := api.Start(serveAddr); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "control API listening on http://%s\n", api.Addr())

		if serveWorkspace != "" {
			go func() {
				if err := b.EnsureServer(ctx, serveWorkspace); err != nil {
					logger.Error("failed to prepare %s: %v", serveWorkspace, err)
					fmt.Fprintf(os.Stderr, "failed to prepare %s: %v\n", serveWorkspace, err)
				}
			}()
		}

		<-ctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return api.Shutdown(shutdownCtx)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (default from config)")
	serveCmd.Flags().StringVar(&serveToken, "token", "", "Require this token on API requests (default $AXON_TOKEN)")
	serveCmd.Flags().StringVar(&serveWorkspace, "workspace", "", "Start the execution server for this workspace right away")
	serveCmd.Flags().BoolVar(&servePprof, "pprof", false, "Expose /debug/pprof on the control API")
	serveCmd.Flags().StringVar(&cpuProfile, "cpuprofile", "", "Write a CPU profile to this file")
	serveCmd.Flags().StringVar(&memProfile, "memprofile", "", "Write a heap profile to this file on exit")
}
