package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

const appName = "axon"

// Duration is a time.Duration that reads and writes Go duration strings ("90s").
// Bare JSON numbers are taken as seconds.
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case float64:
		*d = Duration(time.Duration(v * float64(time.Second)))
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
	default:
		return fmt.Errorf("invalid duration: %s", string(data))
	}
	return nil
}

// PortRange is an inclusive range of TCP ports.
type PortRange struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

// Contains reports whether port lies inside the range.
func (r PortRange) Contains(port int) bool {
	return port >= r.Min && port <= r.Max
}

// StandalonePythonConfig selects the standalone CPython build used when no suitable
// interpreter is installed.
type StandalonePythonConfig struct {
	Version string `json:"version"`
	Release string `json:"release"`
	BaseURL string `json:"base_url"`
}

// KernelConfig holds every knob of the execution backend.
type KernelConfig struct {
	StartupTimeout        Duration `json:"startup_timeout"`
	ConnectionTimeout     Duration `json:"connection_timeout"`
	IdleTimeout           Duration `json:"idle_timeout"`
	MaxConnectionAttempts int      `json:"max_connection_attempts"`
	BackoffInterval       Duration `json:"backoff_interval"`
	HealthCheckTimeout    Duration `json:"health_check_timeout"`
	HealthPollInterval    Duration `json:"health_poll_interval"`
	KillGrace             Duration `json:"kill_grace"`
	RestartPause          Duration `json:"restart_pause"`

	BasePort          int       `json:"base_port"`
	FallbackPortRange PortRange `json:"fallback_port_range"`

	MinInterpreterVersion string   `json:"min_interpreter_version"`
	InterpreterCandidates []string `json:"interpreter_candidates,omitempty"` // tried before the built-in list
	EnvironmentDirName    string   `json:"environment_dir_name"`
	EnvCreateTimeout      Duration `json:"env_create_timeout"`
	InstallTimeout        Duration `json:"install_timeout"`
	RequiredPackages      []string `json:"required_packages"`
	DefaultKernelSpec     string   `json:"default_kernel_spec"`

	AutoProvision    bool                   `json:"auto_provision"`
	StandalonePython StandalonePythonConfig `json:"standalone_python"`
}

// Config represents application configuration
type Config struct {
	LogLevel    string       `json:"log_level"` // debug, info, warn, error, none
	LogPath     string       `json:"-"`
	StateDir    string       `json:"-"`
	CacheDir    string       `json:"-"`
	ControlAddr string       `json:"control_addr"`
	Kernel      KernelConfig `json:"kernel"`
}

func homeDir() string {
	home, _ := os.UserHomeDir()
	return home
}

func defaultConfigDir() string {
	switch runtime.GOOS {
	case "windows":
		if appData := strings.TrimSpace(os.Getenv("APPDATA")); appData != "" {
			return filepath.Join(appData, appName)
		}
		return filepath.Join(homeDir(), "AppData", "Roaming", appName)
	default:
		if configHome := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")); configHome != "" {
			return filepath.Join(configHome, appName)
		}
		return filepath.Join(homeDir(), ".config", appName)
	}
}

func defaultStateDir() string {
	switch runtime.GOOS {
	case "linux":
		if stateHome := strings.TrimSpace(os.Getenv("XDG_STATE_HOME")); stateHome != "" {
			return filepath.Join(stateHome, appName)
		}
		return filepath.Join(homeDir(), ".local", "state", appName)
	case "windows":
		if localAppData := strings.TrimSpace(os.Getenv("LOCALAPPDATA")); localAppData != "" {
			return filepath.Join(localAppData, appName)
		}
		return filepath.Join(homeDir(), "AppData", "Local", appName)
	default:
		return filepath.Join(homeDir(), ".config", appName)
	}
}

func defaultCacheDir() string {
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(homeDir(), "Library", "Caches", appName)
	case "windows":
		if localAppData := strings.TrimSpace(os.Getenv("LOCALAPPDATA")); localAppData != "" {
			return filepath.Join(localAppData, appName, "cache")
		}
		return filepath.Join(homeDir(), "AppData", "Local", appName, "cache")
	default:
		if cacheHome := strings.TrimSpace(os.Getenv("XDG_CACHE_HOME")); cacheHome != "" {
			return filepath.Join(cacheHome, appName)
		}
		return filepath.Join(homeDir(), ".cache", appName)
	}
}

// DefaultKernelConfig returns the backend defaults.
func DefaultKernelConfig() KernelConfig {
	return KernelConfig{
		StartupTimeout:        Duration(60 * time.Second),
		ConnectionTimeout:     Duration(30 * time.Second),
		IdleTimeout:           Duration(120 * time.Second),
		MaxConnectionAttempts: 3,
		BackoffInterval:       Duration(time.Second),
		HealthCheckTimeout:    Duration(5 * time.Second),
		HealthPollInterval:    Duration(500 * time.Millisecond),
		KillGrace:             Duration(3 * time.Second),
		RestartPause:          Duration(time.Second),
		BasePort:              8888,
		FallbackPortRange:     PortRange{Min: 49152, Max: 65535},
		MinInterpreterVersion: "3.9",
		EnvironmentDirName:    "venv",
		EnvCreateTimeout:      Duration(60 * time.Second),
		InstallTimeout:        Duration(5 * time.Minute),
		RequiredPackages:      []string{"jupyter_server", "ipykernel"},
		DefaultKernelSpec:     "python3",
		AutoProvision:         true,
		StandalonePython: StandalonePythonConfig{
			Version: "3.12.7",
			Release: "20241016",
			BaseURL: "https://github.com/astral-sh/python-build-standalone/releases/download",
		},
	}
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	stateDir := defaultStateDir()
	return &Config{
		LogLevel:    "info",
		LogPath:     filepath.Join(stateDir, appName+".log"),
		StateDir:    stateDir,
		CacheDir:    defaultCacheDir(),
		ControlAddr: "127.0.0.1:7788",
		Kernel:      DefaultKernelConfig(),
	}
}

// Load loads configuration from file. Fields absent from the file keep their defaults;
// a missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	cfg.Kernel.normalize()
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	return cfg, nil
}

// normalize replaces zero or nonsensical values with defaults so that a partially
// written config file can never disable a timeout by accident.
func (k *KernelConfig) normalize() {
	def := DefaultKernelConfig()
	durations := []struct {
		field *Duration
		def   Duration
	}{
		{&k.StartupTimeout, def.StartupTimeout},
		{&k.ConnectionTimeout, def.ConnectionTimeout},
		{&k.IdleTimeout, def.IdleTimeout},
		{&k.BackoffInterval, def.BackoffInterval},
		{&k.HealthCheckTimeout, def.HealthCheckTimeout},
		{&k.HealthPollInterval, def.HealthPollInterval},
		{&k.KillGrace, def.KillGrace},
		{&k.EnvCreateTimeout, def.EnvCreateTimeout},
		{&k.InstallTimeout, def.InstallTimeout},
	}
	for _, d := range durations {
		if *d.field <= 0 {
			*d.field = d.def
		}
	}
	if k.RestartPause < 0 {
		k.RestartPause = def.RestartPause
	}
	if k.MaxConnectionAttempts <= 0 {
		k.MaxConnectionAttempts = def.MaxConnectionAttempts
	}
	if k.BasePort <= 0 || k.BasePort > 65535 {
		k.BasePort = def.BasePort
	}
	r := k.FallbackPortRange
	if r.Min <= 0 || r.Max > 65535 || r.Min > r.Max {
		k.FallbackPortRange = def.FallbackPortRange
	}
	if k.MinInterpreterVersion == "" {
		k.MinInterpreterVersion = def.MinInterpreterVersion
	}
	if k.EnvironmentDirName == "" {
		k.EnvironmentDirName = def.EnvironmentDirName
	}
	if k.RequiredPackages == nil {
		k.RequiredPackages = def.RequiredPackages
	}
	if k.DefaultKernelSpec == "" {
		k.DefaultKernelSpec = def.DefaultKernelSpec
	}
	if k.StandalonePython.Version == "" {
		k.StandalonePython = def.StandalonePython
	}
}

// Save saves configuration to file
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// GetConfigPath returns the default config path
func GetConfigPath() string {
	return filepath.Join(defaultConfigDir(), "config.json")
}
