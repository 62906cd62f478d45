package pyenv

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/CelVoxes/Axon-sub004/internal/kernelerr"
)

const versionProbeTimeout = 5 * time.Second

// maxAncestors bounds how far FindExisting climbs above the base directory.
const maxAncestors = 3

// FindExisting returns the first of base and its ancestors (up to three levels up)
// whose environment subfolder holds a working interpreter.
func (m *Manager) FindExisting(base string) (string, bool) {
	dir := filepath.Clean(base)
	for i := 0; i <= maxAncestors; i++ {
		env := LayoutFor(m.goos, filepath.Join(dir, m.cfg.EnvironmentDirName), nil)
		if usableInterpreter(m.goos, env.Interpreter) {
			return dir, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", false
}

// Candidates returns the ordered list of interpreter locations tried when a new
// environment has to be created. Absolute entries are file paths; bare entries are
// resolved on PATH.
func (m *Manager) Candidates() []string {
	var list []string
	list = append(list, m.cfg.InterpreterCandidates...)

	if m.home != "" {
		if m.goos == "windows" {
			list = append(list,
				filepath.Join(m.home, ".pyenv", "pyenv-win", "shims", "python.bat"),
				filepath.Join(m.home, "miniconda3", "python.exe"),
				filepath.Join(m.home, "anaconda3", "python.exe"),
			)
		} else {
			list = append(list, filepath.Join(m.home, ".pyenv", "shims", "python3"))
			list = append(list, newestFirst(filepath.Join(m.home, ".pyenv", "versions", "*", "bin", "python3"), 2)...)
			list = append(list,
				filepath.Join(m.home, "miniconda3", "bin", "python3"),
				filepath.Join(m.home, "anaconda3", "bin", "python3"),
			)
		}
	}
	if m.provisioner != nil {
		list = append(list, m.provisioner.InterpreterPath())
	}

	switch m.goos {
	case "darwin":
		list = append(list, "/opt/homebrew/bin/python3", "/usr/local/bin/python3", "/usr/bin/python3")
	case "windows":
		if local := strings.TrimSpace(os.Getenv("LOCALAPPDATA")); local != "" {
			list = append(list, newestFirst(filepath.Join(local, "Programs", "Python", "Python3*", "python.exe"), 1)...)
		}
	default:
		list = append(list, "/usr/local/bin/python3", "/usr/bin/python3")
	}

	list = append(list, "python3", "python")
	if m.goos == "windows" {
		list = append(list, "py")
	}
	return dedupe(list)
}

// newestFirst expands pattern and orders the matches by the version embedded in the
// path element depth levels above the file, highest first.
func newestFirst(pattern string, depth int) []string {
	matches, _ := filepath.Glob(pattern)
	key := func(p string) Version {
		dir := p
		for i := 0; i < depth; i++ {
			dir = filepath.Dir(dir)
		}
		name := strings.TrimPrefix(strings.ToLower(filepath.Base(dir)), "python")
		if !strings.Contains(name, ".") && len(name) > 1 {
			// Windows installs are named Python312.
			name = name[:1] + "." + name[1:]
		}
		v, _ := ParseVersion(name)
		return v
	}
	sort.SliceStable(matches, func(i, j int) bool {
		a, b := key(matches[i]), key(matches[j])
		return a != b && a.AtLeast(b)
	})
	return matches
}

func dedupe(list []string) []string {
	seen := make(map[string]bool, len(list))
	out := list[:0]
	for _, item := range list {
		if item == "" || seen[item] {
			continue
		}
		seen[item] = true
		out = append(out, item)
	}
	return out
}

// resolve turns a candidate into an executable path, or "" when it does not exist.
func (m *Manager) resolve(candidate string) string {
	if filepath.IsAbs(candidate) {
		if usableInterpreter(m.goos, candidate) {
			return candidate
		}
		return ""
	}
	path, err := m.lookPath(candidate)
	if err != nil {
		return ""
	}
	return path
}

// ProbeVersion runs "<interpreter> --version" and parses the result.
func (m *Manager) ProbeVersion(ctx context.Context, interpreter string) (Version, error) {
	probeCtx, cancel := context.WithTimeout(ctx, versionProbeTimeout)
	defer cancel()

	out, err := m.runner.Run(probeCtx, interpreter, "--version")
	if err != nil {
		return Version{}, fmt.Errorf("probe %s: %w", interpreter, err)
	}
	// Older interpreters print the version on stderr.
	return ParseVersion(out.Stdout + " " + out.Stderr)
}

// SelectInterpreter returns the first candidate meeting the minimum version.
func (m *Manager) SelectInterpreter(ctx context.Context) (string, Version, error) {
	min, err := ParseVersion(m.cfg.MinInterpreterVersion)
	if err != nil {
		return "", Version{}, fmt.Errorf("invalid minimum interpreter version: %w", err)
	}

	var rejected []string
	for _, candidate := range m.Candidates() {
		if ctx.Err() != nil {
			return "", Version{}, kernelerr.Wrap(kernelerr.Cancelled, "pyenv.SelectInterpreter", ctx.Err(), "interpreter selection cancelled")
		}
		path := m.resolve(candidate)
		if path == "" {
			continue
		}
		v, err := m.ProbeVersion(ctx, path)
		if err != nil {
			m.logger.Debug("skipping %s: %v", path, err)
			rejected = append(rejected, fmt.Sprintf("%s (unreadable version)", path))
			continue
		}
		if !v.AtLeast(min) {
			rejected = append(rejected, fmt.Sprintf("%s (%s)", path, v))
			continue
		}
		m.logger.Info("selected interpreter %s (%s)", path, v)
		return path, v, nil
	}

	e := kernelerr.New(kernelerr.EnvironmentMissingInterpreter, "pyenv.SelectInterpreter",
		fmt.Sprintf("no Python interpreter >= %s found; install Python %s or newer", m.cfg.MinInterpreterVersion, m.cfg.MinInterpreterVersion))
	if len(rejected) > 0 {
		e = e.WithDetails("rejected: " + strings.Join(rejected, ", "))
	}
	return "", Version{}, e
}
