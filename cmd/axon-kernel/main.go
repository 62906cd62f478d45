package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/CelVoxes/Axon-sub004/internal/config"
	"github.com/CelVoxes/Axon-sub004/internal/logger"
	"github.com/CelVoxes/Axon-sub004/internal/progress"
)

var (
	configFile string
	logLevel   string
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "axon-kernel",
	Short: "Per-workspace Python execution backend",
	Long: `axon-kernel prepares a Python environment per workspace, supervises a Jupyter
server bound to the active workspace and runs code in the workspace kernel.

Use 'axon-kernel help <command>' for more information on a specific command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Global().Close()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		logger.Error("Fatal error: %v", err)
		if !errors.Is(err, errExecutionFailed) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Configuration file (JSON, default: "+config.GetConfigPath()+")")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error, none")
}

// loadConfig loads the configuration, applies environment and flag overrides and
// initializes the global logger.
func loadConfig() (*config.Config, error) {
	path := configFile
	if path == "" {
		path = config.GetConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// Allow environment variables to override config file values for logging.
	if envLevel := strings.TrimSpace(os.Getenv("AXON_LOG_LEVEL")); envLevel != "" {
		cfg.LogLevel = envLevel
	}
	if envPath := strings.TrimSpace(os.Getenv("AXON_LOG_PATH")); envPath != "" {
		cfg.LogPath = envPath
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	if err := logger.Init(logger.ParseLevel(cfg.LogLevel), cfg.LogPath); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger.Debug("configuration loaded from %s: log_level=%s state_dir=%s", path, cfg.LogLevel, cfg.StateDir)
	return cfg, nil
}

// printProgress renders progress updates on stderr. Ephemeral updates overwrite
// each other when stderr is a terminal.
func printProgress() progress.Callback {
	interactive := term.IsTerminal(int(os.Stderr.Fd()))
	pending := false
	return func(u progress.Update) error {
		line := strings.TrimRight(u.Message, "\n")
		if u.Percent > 0 {
			line = fmt.Sprintf("%s (%.0f%%)", line, u.Percent)
		}
		switch {
		case interactive && u.Ephemeral:
			fmt.Fprintf(os.Stderr, "\r\033[K[%s] %s", u.Stage, line)
			pending = true
		case u.Ephemeral:
			// non-terminal output only gets the final line of a phase
		default:
			if pending {
				fmt.Fprint(os.Stderr, "\r\033[K")
				pending = false
			}
			fmt.Fprintf(os.Stderr, "[%s] %s\n", u.Stage, line)
		}
		return nil
	}
}
