// Package kernelspec maintains the per-workspace kernel spec descriptors that tell the
// execution server how to launch a kernel in the workspace's environment.
package kernelspec

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/CelVoxes/Axon-sub004/internal/logger"
	"github.com/CelVoxes/Axon-sub004/internal/pyenv"
)

const (
	namePrefix  = "axon-"
	maxTailLen  = 32
	specFile    = "kernel.json"
	metadataKey = "axon"
)

// Name returns the stable spec name for a canonical workspace path.
func Name(workspace string) string {
	tail := sanitize(filepath.Base(workspace))
	if tail == "" {
		tail = "workspace"
	}
	return fmt.Sprintf("%s%s-%08x", namePrefix, tail, uint32(xxhash.Sum64String(workspace)))
}

func sanitize(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	out := strings.Trim(b.String(), "-_")
	if len(out) > maxTailLen {
		out = strings.TrimRight(out[:maxTailLen], "-_")
	}
	return out
}

// Descriptor is the kernel.json document.
type Descriptor struct {
	Argv        []string                  `json:"argv"`
	DisplayName string                    `json:"display_name"`
	Language    string                    `json:"language"`
	Metadata    map[string]WorkspaceOwner `json:"metadata,omitempty"`
}

// WorkspaceOwner tags a descriptor with the workspace it was written for.
type WorkspaceOwner struct {
	Workspace string `json:"workspace"`
}

// Owner returns the workspace the descriptor belongs to, or "".
func (d *Descriptor) Owner() string {
	return d.Metadata[metadataKey].Workspace
}

// Store reads and writes kernel specs inside environments.
type Store struct {
	logger *logger.Logger
}

// NewStore creates a Store.
func NewStore() *Store {
	return &Store{logger: logger.Global().WithPrefix("kernelspec")}
}

// KernelsDir is the directory holding the environment's kernel specs.
func KernelsDir(env *pyenv.Environment) string {
	return filepath.Join(env.ShareDir(), "kernels")
}

// Path returns the kernel.json path of the named spec.
func Path(env *pyenv.Environment, name string) string {
	return filepath.Join(KernelsDir(env), name, specFile)
}

func descriptorFor(workspace string, env *pyenv.Environment) Descriptor {
	return Descriptor{
		Argv:        []string{env.Interpreter, "-m", "ipykernel_launcher", "-f", "{connection_file}"},
		DisplayName: fmt.Sprintf("Python (%s)", filepath.Base(workspace)),
		Language:    "python",
		Metadata:    map[string]WorkspaceOwner{metadataKey: {Workspace: workspace}},
	}
}

// Read loads a descriptor from path.
func Read(path string) (*Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var d Descriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("invalid kernel spec %s: %w", path, err)
	}
	return &d, nil
}

// Ensure writes the workspace's descriptor when it is missing or does not launch the
// environment's current interpreter. It returns the spec name and whether it wrote.
func (s *Store) Ensure(workspace string, env *pyenv.Environment) (string, bool, error) {
	name := Name(workspace)
	path := Path(env, name)

	existing, err := Read(path)
	if err == nil && !stale(existing, workspace, env) {
		return name, false, nil
	}
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("rewriting unreadable kernel spec %s: %v", path, err)
	}

	data, err := json.MarshalIndent(descriptorFor(workspace, env), "", "  ")
	if err != nil {
		return "", false, err
	}
	if err := writeAtomic(path, data); err != nil {
		return "", false, fmt.Errorf("failed to write kernel spec %s: %w", path, err)
	}
	s.logger.Info("wrote kernel spec %s for %s", name, workspace)
	return name, true, nil
}

func stale(d *Descriptor, workspace string, env *pyenv.Environment) bool {
	return len(d.Argv) == 0 || d.Argv[0] != env.Interpreter || d.Owner() != workspace
}

func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".kernel-*.json")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// RemoveOrphans deletes specs tagged with workspace whose name is no longer the
// workspace's stable name, and returns the removed names.
func (s *Store) RemoveOrphans(workspace string, env *pyenv.Environment) ([]string, error) {
	entries, err := os.ReadDir(KernelsDir(env))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	current := Name(workspace)
	var removed []string
	for _, entry := range entries {
		if !entry.IsDir() || entry.Name() == current || !strings.HasPrefix(entry.Name(), namePrefix) {
			continue
		}
		d, err := Read(Path(env, entry.Name()))
		if err != nil || d.Owner() != workspace {
			continue
		}
		if err := os.RemoveAll(filepath.Join(KernelsDir(env), entry.Name())); err != nil {
			return removed, err
		}
		s.logger.Info("removed orphaned kernel spec %s", entry.Name())
		removed = append(removed, entry.Name())
	}
	return removed, nil
}
