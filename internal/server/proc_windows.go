//go:build windows

package server

import (
	"os"
	"os/exec"
	"strconv"
	"time"
)

func configureProcessGroup(cmd *exec.Cmd) {
	_ = cmd
}

func getProcessGroupID(cmd *exec.Cmd) int {
	return 0
}

// terminateGroup has no graceful equivalent on Windows; taskkill without /F asks the
// tree to close.
func terminateGroup(proc *os.Process, _ int) error {
	return exec.Command("taskkill", "/T", "/PID", strconv.Itoa(proc.Pid)).Run()
}

func killGroup(proc *os.Process, _ int) error {
	if err := exec.Command("taskkill", "/T", "/F", "/PID", strconv.Itoa(proc.Pid)).Run(); err != nil {
		return proc.Kill()
	}
	return nil
}

func killOrphan(pid int, _ time.Duration) {
	_ = exec.Command("taskkill", "/T", "/F", "/PID", strconv.Itoa(pid)).Run()
}
