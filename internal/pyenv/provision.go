package pyenv

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/CelVoxes/Axon-sub004/internal/config"
	"github.com/CelVoxes/Axon-sub004/internal/logger"
	"github.com/CelVoxes/Axon-sub004/internal/progress"
)

// Standalone downloads a relocatable CPython build into the cache directory.
type Standalone struct {
	cfg      config.StandalonePythonConfig
	cacheDir string
	goos     string
	goarch   string
	client   *http.Client
	logger   *logger.Logger

	mu       sync.Mutex
	callback progress.Callback
}

// NewStandalone creates a provisioner installing under cacheDir/python.
func NewStandalone(cfg config.StandalonePythonConfig, cacheDir string) *Standalone {
	return &Standalone{
		cfg:      cfg,
		cacheDir: filepath.Join(cacheDir, "python"),
		goos:     runtime.GOOS,
		goarch:   runtime.GOARCH,
		client:   http.DefaultClient,
		logger:   logger.Global().WithPrefix("provision"),
	}
}

// SetProgressCallback sets the callback for provisioning updates.
func (s *Standalone) SetProgressCallback(cb progress.Callback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callback = cb
}

func (s *Standalone) emit(stage progress.Stage, percent float64, format string, args ...interface{}) {
	s.mu.Lock()
	cb := s.callback
	s.mu.Unlock()

	_ = progress.Dispatch(cb, progress.Update{
		Source:    "provision",
		Stage:     stage,
		Message:   fmt.Sprintf(format, args...),
		Percent:   percent,
		Ephemeral: stage != progress.StageDone && stage != progress.StageFailed,
	})
}

// InstallDir is where the interpreter of the configured version lives.
func (s *Standalone) InstallDir() string {
	return filepath.Join(s.cacheDir, s.cfg.Version)
}

func (s *Standalone) interpreterIn(dir string) string {
	if s.goos == "windows" {
		return filepath.Join(dir, "python.exe")
	}
	return filepath.Join(dir, "bin", "python3")
}

// InterpreterPath returns the provisioned interpreter, or "" if it is not installed.
func (s *Standalone) InterpreterPath() string {
	path := s.interpreterIn(s.InstallDir())
	if usableInterpreter(s.goos, path) {
		return path
	}
	return ""
}

// DownloadURL returns the archive URL for the current platform.
func (s *Standalone) DownloadURL() (string, error) {
	var triple string
	switch s.goos + "/" + s.goarch {
	case "linux/amd64":
		triple = "x86_64-unknown-linux-gnu"
	case "linux/arm64":
		triple = "aarch64-unknown-linux-gnu"
	case "darwin/amd64":
		triple = "x86_64-apple-darwin"
	case "darwin/arm64":
		triple = "aarch64-apple-darwin"
	case "windows/amd64":
		triple = "x86_64-pc-windows-msvc"
	default:
		return "", fmt.Errorf("unsupported platform: %s/%s", s.goos, s.goarch)
	}
	fileName := fmt.Sprintf("cpython-%s+%s-%s-install_only.tar.gz", s.cfg.Version, s.cfg.Release, triple)
	return fmt.Sprintf("%s/%s/%s", strings.TrimRight(s.cfg.BaseURL, "/"), s.cfg.Release, fileName), nil
}

// Provision installs the interpreter unless it is already present, and returns its path.
func (s *Standalone) Provision(ctx context.Context) (string, error) {
	if path := s.InterpreterPath(); path != "" {
		return path, nil
	}

	path, err := s.install(ctx)
	if err != nil {
		s.emit(progress.StageFailed, -1, "Python %s installation failed: %v", s.cfg.Version, err)
		return "", err
	}
	s.emit(progress.StageDone, 100, "Python %s installed", s.cfg.Version)
	return path, nil
}

func (s *Standalone) install(ctx context.Context) (string, error) {
	url, err := s.DownloadURL()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(s.cacheDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create cache directory: %w", err)
	}

	s.logger.Info("downloading Python %s from %s", s.cfg.Version, url)
	archive, err := s.download(ctx, url)
	if err != nil {
		return "", err
	}
	defer os.Remove(archive)

	s.emit(progress.StageExtract, -1, "Extracting Python %s...", s.cfg.Version)
	staging, err := os.MkdirTemp(s.cacheDir, "extract-*")
	if err != nil {
		return "", fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(staging)

	if err := extractTarGz(archive, staging, "python/"); err != nil {
		return "", err
	}
	interpreter := s.interpreterIn(staging)
	if _, err := os.Stat(interpreter); err != nil {
		return "", fmt.Errorf("archive did not contain %s", filepath.Base(interpreter))
	}

	dest := s.InstallDir()
	_ = os.RemoveAll(dest)
	if err := os.Rename(staging, dest); err != nil {
		return "", fmt.Errorf("failed to move interpreter into place: %w", err)
	}
	return s.interpreterIn(dest), nil
}

func (s *Standalone) download(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to download Python: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download failed with status: %s", resp.Status)
	}

	tmpFile, err := os.CreateTemp(s.cacheDir, "cpython-*.tar.gz")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	defer tmpFile.Close()

	total := resp.ContentLength
	var downloaded int64
	lastUpdate := time.Time{}
	reader := &progressReader{
		reader: resp.Body,
		onProgress: func(n int64) {
			downloaded += n
			if time.Since(lastUpdate) < time.Second && downloaded != total {
				return
			}
			lastUpdate = time.Now()
			if total > 0 {
				percent := float64(downloaded) / float64(total) * 100
				s.emit(progress.StageDownload, percent, "Downloading Python %s... %.0f%%", s.cfg.Version, percent)
			} else {
				s.emit(progress.StageDownload, -1, "Downloading Python %s... %.1f MB", s.cfg.Version, float64(downloaded)/(1024*1024))
			}
		},
	}

	if _, err := io.Copy(tmpFile, reader); err != nil {
		os.Remove(tmpFile.Name())
		return "", fmt.Errorf("failed to save download: %w", err)
	}
	return tmpFile.Name(), nil
}

// extractTarGz unpacks archivePath into destDir, dropping the strip prefix from every
// entry name.
func extractTarGz(archivePath, destDir, strip string) error {
	file, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer file.Close()

	gzr, err := gzip.NewReader(file)
	if err != nil {
		return fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer gzr.Close()

	root := filepath.Clean(destDir) + string(filepath.Separator)
	tr := tar.NewReader(gzr)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read tar entry: %w", err)
		}

		name := strings.TrimPrefix(strings.TrimPrefix(header.Name, "./"), strip)
		if name == "" {
			continue
		}
		target := filepath.Join(destDir, filepath.FromSlash(name))
		if !strings.HasPrefix(target, root) {
			return fmt.Errorf("archive entry %q escapes destination", header.Name)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return fmt.Errorf("failed to create directory: %w", err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return fmt.Errorf("failed to create parent directory: %w", err)
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_RDWR|os.O_TRUNC, os.FileMode(header.Mode).Perm())
			if err != nil {
				return fmt.Errorf("failed to create file: %w", err)
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return fmt.Errorf("failed to extract file: %w", err)
			}
			out.Close()
		case tar.TypeSymlink:
			if filepath.IsAbs(header.Linkname) {
				return fmt.Errorf("archive entry %q links outside destination", header.Name)
			}
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return fmt.Errorf("failed to create parent directory: %w", err)
			}
			_ = os.Remove(target)
			if err := os.Symlink(header.Linkname, target); err != nil {
				return fmt.Errorf("failed to create symlink: %w", err)
			}
		}
	}
}

// progressReader wraps an io.Reader to track progress
type progressReader struct {
	reader     io.Reader
	onProgress func(int64)
}

func (pr *progressReader) Read(p []byte) (int, error) {
	n, err := pr.reader.Read(p)
	if n > 0 && pr.onProgress != nil {
		pr.onProgress(int64(n))
	}
	return n, err
}
