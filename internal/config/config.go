package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	TransportSSE       = "sse"
	TransportWebSocket = "ws"
)

type Config struct {
	DataDir          string        `yaml:"-"`
	DBPath           string        `yaml:"db_path"`
	Addr             string        `yaml:"addr"`
	ServerURL        string        `yaml:"server"`
	Transport        string        `yaml:"transport"`
	KeepAlive        time.Duration `yaml:"keep_alive"`
	Script           string        `yaml:"script"`
	UserScriptDir    string        `yaml:"-"`
	ProjectScriptDir string        `yaml:"-"`
	LogLevel         string        `yaml:"log_level"`
	ReconnectRetries int           `yaml:"reconnect_retries"`
}

// New builds the configuration from environment variables, then overlays
// $DATA_DIR/config.yaml when it exists.
func New() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	dataDir := getEnv("STEPCHAIN_DATA_DIR", filepath.Join(homeDir, ".stepchain"))

	c := &Config{
		DataDir:          dataDir,
		DBPath:           filepath.Join(dataDir, "stepchain.db"),
		Addr:             getEnv("STEPCHAIN_ADDR", "127.0.0.1:8080"),
		ServerURL:        getEnv("STEPCHAIN_SERVER", "http://127.0.0.1:8080"),
		Transport:        getEnv("STEPCHAIN_TRANSPORT", TransportSSE),
		KeepAlive:        15 * time.Second,
		Script:           getEnv("STEPCHAIN_SCRIPT", ""),
		UserScriptDir:    filepath.Join(dataDir, "scripts"),
		ProjectScriptDir: ".stepchain/scripts",
		LogLevel:         getEnv("STEPCHAIN_LOG_LEVEL", "info"),
		ReconnectRetries: 5,
	}

	if err := c.loadFile(filepath.Join(dataDir, "config.yaml")); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}

	return c, nil
}

// loadFile overlays the YAML file at path. Keys absent from the file keep
// their current values.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config YAML: %w", err)
	}
	return nil
}

func (c *Config) Validate() error {
	switch c.Transport {
	case TransportSSE, TransportWebSocket:
	default:
		return fmt.Errorf("transport must be %q or %q, got %q", TransportSSE, TransportWebSocket, c.Transport)
	}
	if c.KeepAlive <= 0 {
		return fmt.Errorf("keep_alive must be positive")
	}
	if c.ReconnectRetries < 0 {
		return fmt.Errorf("reconnect_retries must not be negative")
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

func (c *Config) EnsureDataDir() error {
	if err := os.MkdirAll(c.DataDir, 0755); err != nil {
		return err
	}
	if err := os.MkdirAll(c.UserScriptDir, 0755); err != nil {
		return err
	}
	return nil
}

// ScriptDirs lists script directories, project first.
func (c *Config) ScriptDirs() []string {
	return []string{c.ProjectScriptDir, c.UserScriptDir}
}

func (c *Config) ExportsDir() string {
	return filepath.Join(c.DataDir, "exports")
}

// ParseLevel maps a level name or slog integer to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if n, err := strconv.Atoi(s); err == nil {
		return slog.Level(n), nil
	}
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, fmt.Errorf("invalid log level %q", s)
	}
	return level, nil
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}
