// Package pyenv discovers, creates and maintains the isolated Python environment of a
// workspace, and provisions a standalone interpreter when the machine has none.
package pyenv

import (
	"os"
	"path/filepath"
	"runtime"
)

// Environment is an isolated interpreter installation (a virtual environment).
type Environment struct {
	Root           string `json:"root"`
	Interpreter    string `json:"interpreter"`
	PackageManager string `json:"package_manager"`
}

// BinDir returns the directory holding the interpreter and scripts.
func (e Environment) BinDir() string {
	return filepath.Dir(e.Interpreter)
}

// ShareDir returns the data directory where the environment's Jupyter files live.
func (e Environment) ShareDir() string {
	return filepath.Join(e.Root, "share", "jupyter")
}

// LayoutFor derives the interpreter and package-manager paths of the environment at
// root for the given GOOS. exists is consulted for the macOS pip3 preference; it may
// be nil.
func LayoutFor(goos, root string, exists func(string) bool) Environment {
	if goos == "windows" {
		scripts := filepath.Join(root, "Scripts")
		return Environment{
			Root:           root,
			Interpreter:    filepath.Join(scripts, "python.exe"),
			PackageManager: filepath.Join(scripts, "pip.exe"),
		}
	}

	bin := filepath.Join(root, "bin")
	env := Environment{
		Root:           root,
		Interpreter:    filepath.Join(bin, "python"),
		PackageManager: filepath.Join(bin, "pip"),
	}
	if goos == "darwin" && exists != nil {
		if pip3 := filepath.Join(bin, "pip3"); exists(pip3) {
			env.PackageManager = pip3
		}
	}
	return env
}

// Layout is LayoutFor on the running platform.
func Layout(root string) Environment {
	return LayoutFor(runtime.GOOS, root, fileExists)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// usableInterpreter reports whether path is a regular file that can be executed.
func usableInterpreter(goos, path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	if goos == "windows" {
		return true
	}
	return info.Mode()&0111 != 0
}
