//go:build !windows

package server

import (
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/CelVoxes/Axon-sub004/internal/pidfile"
)

// configureProcessGroup runs the command in its own process group so that signals
// reach the server and the kernels it spawned.
func configureProcessGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

func getProcessGroupID(cmd *exec.Cmd) int {
	if cmd.Process == nil {
		return 0
	}
	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err != nil {
		return 0
	}
	return pgid
}

func signalGroup(proc *os.Process, pgid int, sig syscall.Signal) error {
	if pgid > 0 {
		if err := syscall.Kill(-pgid, sig); err == nil {
			return nil
		}
	}
	return proc.Signal(sig)
}

func terminateGroup(proc *os.Process, pgid int) error {
	return signalGroup(proc, pgid, syscall.SIGTERM)
}

func killGroup(proc *os.Process, pgid int) error {
	return signalGroup(proc, pgid, syscall.SIGKILL)
}

// killOrphan stops a server left behind by a previous instance. The server was the
// leader of its own process group, so its pid is also the group id.
func killOrphan(pid int, grace time.Duration) {
	_ = syscall.Kill(-pid, syscall.SIGTERM)
	_ = syscall.Kill(pid, syscall.SIGTERM)

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !pidfile.Alive(pid) {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	_ = syscall.Kill(-pid, syscall.SIGKILL)
	_ = syscall.Kill(pid, syscall.SIGKILL)
}
