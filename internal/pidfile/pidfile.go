// Package pidfile records the execution server child process so that an instance
// which crashed without stopping it can reap the orphan on the next start.
package pidfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Record is the content of a pid file.
type Record struct {
	PID       int
	Port      int
	Workspace string
}

// Pidfile represents a PID file
type Pidfile struct {
	path string
}

// New creates a new PID file instance
func New(path string) *Pidfile {
	return &Pidfile{
		path: path,
	}
}

// Write stores rec, replacing any previous content.
func (p *Pidfile) Write(rec Record) error {
	if err := os.MkdirAll(filepath.Dir(p.path), 0755); err != nil {
		return fmt.Errorf("failed to create pidfile directory: %w", err)
	}

	content := fmt.Sprintf("%d\n%d\n%s\n", rec.PID, rec.Port, rec.Workspace)
	if err := os.WriteFile(p.path, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write pidfile: %w", err)
	}
	return nil
}

// Read parses the pid file. Port and workspace are optional.
func (p *Pidfile) Read() (Record, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return Record{}, fmt.Errorf("failed to read pidfile: %w", err)
	}

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil || pid <= 0 {
		return Record{}, fmt.Errorf("invalid PID in pidfile %s", p.path)
	}

	rec := Record{PID: pid}
	if len(lines) > 1 {
		rec.Port, _ = strconv.Atoi(strings.TrimSpace(lines[1]))
	}
	if len(lines) > 2 {
		rec.Workspace = strings.TrimSpace(lines[2])
	}
	return rec, nil
}

// Remove removes the PID file
func (p *Pidfile) Remove() error {
	if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove pidfile: %w", err)
	}
	return nil
}

// Path returns the PID file path
func (p *Pidfile) Path() string {
	return p.path
}

// Exists checks if the PID file exists
func (p *Pidfile) Exists() bool {
	_, err := os.Stat(p.path)
	return !os.IsNotExist(err)
}

// Alive reports whether a process with the given pid is running.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	running, _ := isProcessRunning(pid)
	return running
}
