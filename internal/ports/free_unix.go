//go:build !windows

package ports

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/CelVoxes/Axon-sub004/internal/logger"
)

// FreePortBestEffort kills the processes listening on port, as reported by lsof.
// The current process is never signalled.
func FreePortBestEffort(ctx context.Context, port int) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, "lsof", "-ti", fmt.Sprintf("tcp:%d", port), "-sTCP:LISTEN").Output()
	if err != nil {
		return fmt.Errorf("lsof failed: %w", err)
	}

	self := os.Getpid()
	var firstErr error
	for _, field := range strings.Fields(string(out)) {
		pid, err := strconv.Atoi(field)
		if err != nil || pid <= 0 || pid == self {
			continue
		}
		logger.Global().WithPrefix("ports").Warn("killing pid %d holding port %d", pid, port)
		if err := syscall.Kill(pid, syscall.SIGKILL); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
