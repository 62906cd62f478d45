package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/CelVoxes/Axon-sub004/internal/backend"
	"github.com/CelVoxes/Axon-sub004/internal/controlapi"
	"github.com/CelVoxes/Axon-sub004/internal/logger"
)

var (
	execWorkspace string
	execCode      string
	execRemote    string
	execToken     string
	execTimeout   time.Duration
)

var errExecutionFailed = errors.New("execution failed")

// execCmd runs one snippet of code in the workspace kernel.
var execCmd = &cobra.Command{
	Use:   "exec [file]",
	Short: "Execute code in the workspace kernel",
	Long: `Execute code in the kernel of a workspace. The code comes from --code, from the
given file, or from standard input when it is not a terminal.

Without --remote the execution server is started in-process and stopped afterwards.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		code, err := readCode(args)
		if err != nil {
			return err
		}
		if execWorkspace == "" {
			execWorkspace, _ = os.Getwd()
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if execTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, execTimeout)
			defer cancel()
		}

		if execRemote != "" {
			return execRemoteCode(ctx, code)
		}

		b := backend.New(cfg)
		b.OnProgress(printProgress())
		defer func() {
			if err := b.Close(); err != nil {
				logger.Warn("backend shutdown: %v", err)
			}
		}()

		res, err := b.Execute(ctx, code, execWorkspace, "", backend.WithOutput(func(text string) {
			fmt.Fprint(os.Stdout, text)
		}))
		if err != nil {
			if res != nil && res.Error != "" {
				fmt.Fprintln(os.Stderr, res.Error)
				return errExecutionFailed
			}
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(execCmd)
	execCmd.Flags().StringVarP(&execWorkspace, "workspace", "w", "", "Workspace directory (default: current directory)")
	execCmd.Flags().StringVarP(&execCode, "code", "c", "", "Code to execute")
	execCmd.Flags().StringVar(&execRemote, "remote", "", "Send the code to a running 'serve' at this address instead")
	execCmd.Flags().StringVar(&execToken, "token", "", "Token for --remote (default $AXON_TOKEN)")
	execCmd.Flags().DurationVar(&execTimeout, "timeout", 0, "Abort the execution after this long")
}

func readCode(args []string) (string, error) {
	if execCode != "" {
		return execCode, nil
	}
	if len(args) == 1 {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return "", fmt.Errorf("failed to read %s: %w", args[0], err)
		}
		return string(data), nil
	}
	if term.IsTerminal(int(os.Stdin.Fd())) {
		return "", errors.New("no code given: use --code, a file argument or pipe code on stdin")
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("failed to read stdin: %w", err)
	}
	return string(data), nil
}

func execRemoteCode(ctx context.Context, code string) error {
	body, err := json.Marshal(controlapi.ExecuteRequest{Code: code, Workspace: execWorkspace})
	if err != nil {
		return err
	}
	addr := execRemote
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(addr, "/")+"/v1/execute", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	token := execToken
	if token == "" {
		token = strings.TrimSpace(os.Getenv("AXON_TOKEN"))
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach %s: %w", addr, err)
	}
	defer resp.Body.Close()

	var out controlapi.Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("invalid response from %s (status %d): %w", addr, resp.StatusCode, err)
	}
	fmt.Fprint(os.Stdout, out.Output)
	if !out.OK {
		if out.Code != "" {
			fmt.Fprintf(os.Stderr, "[%s] %s\n", out.Code, out.Error)
		} else {
			fmt.Fprintln(os.Stderr, out.Error)
		}
		return errExecutionFailed
	}
	return nil
}
