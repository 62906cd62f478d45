//go:build windows

package ports

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/CelVoxes/Axon-sub004/internal/logger"
)

// FreePortBestEffort kills the processes listening on port, as reported by netstat.
// The current process is never signalled.
func FreePortBestEffort(ctx context.Context, port int) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, "netstat", "-ano", "-p", "tcp").Output()
	if err != nil {
		return fmt.Errorf("netstat failed: %w", err)
	}

	suffix := ":" + strconv.Itoa(port)
	self := os.Getpid()
	seen := make(map[int]bool)
	var firstErr error

	scanner := bufio.NewScanner(strings.NewReader(string(out)))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 5 || !strings.EqualFold(fields[3], "LISTENING") {
			continue
		}
		if !strings.HasSuffix(fields[1], suffix) {
			continue
		}
		pid, err := strconv.Atoi(fields[4])
		if err != nil || pid <= 0 || pid == self || seen[pid] {
			continue
		}
		seen[pid] = true
		logger.Global().WithPrefix("ports").Warn("killing pid %d holding port %d", pid, port)
		if err := exec.CommandContext(ctx, "taskkill", "/F", "/PID", strconv.Itoa(pid)).Run(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
