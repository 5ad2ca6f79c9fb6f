package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bryanchriswhite/shmgrab/internal/logger"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes environment overrides, e.g. SHMGRAB_DISPLAY.
const EnvPrefix = "SHMGRAB"

// StreamConfig controls the websocket frame stream.
type StreamConfig struct {
	FPS int `json:"fps" yaml:"fps" mapstructure:"fps"`
}

// Config is the persisted configuration.
type Config struct {
	// Display is the display name; empty uses the platform default.
	Display      string       `json:"display" yaml:"display" mapstructure:"display"`
	PreferShared bool         `json:"prefer_shared" yaml:"prefer_shared" mapstructure:"prefer_shared"`
	TimeoutMS    int          `json:"timeout_ms" yaml:"timeout_ms" mapstructure:"timeout_ms"`
	LogLevel     string       `json:"log_level" yaml:"log_level" mapstructure:"log_level"`
	LogPretty    bool         `json:"log_pretty" yaml:"log_pretty" mapstructure:"log_pretty"`
	ServerPort   int          `json:"server_port" yaml:"server_port" mapstructure:"server_port"`
	Stream       StreamConfig `json:"stream" yaml:"stream" mapstructure:"stream"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		PreferShared: true,
		TimeoutMS:    5000,
		LogLevel:     "info",
		ServerPort:   8080,
		Stream:       StreamConfig{FPS: 10},
	}
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	var errs []error
	if c.TimeoutMS < 0 {
		errs = append(errs, fmt.Errorf("timeout_ms must not be negative, got %d", c.TimeoutMS))
	}
	if c.ServerPort < 1 || c.ServerPort > 65535 {
		errs = append(errs, fmt.Errorf("server_port must be in 1-65535, got %d", c.ServerPort))
	}
	if c.Stream.FPS < 1 || c.Stream.FPS > 240 {
		errs = append(errs, fmt.Errorf("stream.fps must be in 1-240, got %d", c.Stream.FPS))
	}
	return errors.Join(errs...)
}

// Keys lists every configuration key.
func Keys() []string {
	return []string{"display", "prefer_shared", "timeout_ms", "log_level", "log_pretty", "server_port", "stream.fps"}
}

func setDefaults(v *viper.Viper) {
	d := Defaults()
	v.SetDefault("display", d.Display)
	v.SetDefault("prefer_shared", d.PreferShared)
	v.SetDefault("timeout_ms", d.TimeoutMS)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("log_pretty", d.LogPretty)
	v.SetDefault("server_port", d.ServerPort)
	v.SetDefault("stream.fps", d.Stream.FPS)
}

// Manager handles configuration
type Manager struct {
	configPath string
	v          *viper.Viper
	config     *Config
	mu         sync.RWMutex
}

// DefaultPath returns $HOME/.config/shmgrab/config.yaml.
func DefaultPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "shmgrab", "config.yaml"), nil
}

// NewManager loads configFile (or the default path) into a private viper
// instance.
func NewManager(configFile string) (*Manager, error) {
	return NewManagerWithViper(configFile, viper.New())
}

// NewManagerWithViper loads configuration into v, so flags already bound to
// v override file values.
func NewManagerWithViper(configFile string, v *viper.Viper) (*Manager, error) {
	path := configFile
	if path == "" {
		var err error
		if path, err = DefaultPath(); err != nil {
			return nil, err
		}
	}

	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	m := &Manager{configPath: path, v: v}
	log := logger.WithComponent("config")

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		log.Info().
			Str("path", path).
			Msg("Config file not found, creating new config")
		if err := m.reload(); err != nil {
			return nil, err
		}
		if err := m.Save(); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
	} else {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := m.reload(); err != nil {
			return nil, err
		}
	}

	log.Debug().
		Str("path", path).
		Str("display", m.config.Display).
		Bool("prefer_shared", m.config.PreferShared).
		Msg("Config loaded")
	return m, nil
}

func (m *Manager) reload() error {
	var cfg Config
	if err := m.v.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", m.configPath, err)
	}
	m.mu.Lock()
	m.config = &cfg
	m.mu.Unlock()
	return nil
}

// Get returns a copy of the current configuration.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.config == nil {
		return Defaults()
	}
	cfg := *m.config
	return &cfg
}

// GetViper returns the underlying viper instance.
func (m *Manager) GetViper() *viper.Viper { return m.v }

// GetConfigPath returns the config file path.
func (m *Manager) GetConfigPath() string { return m.configPath }

// Set updates key, validates the result and saves it.
func (m *Manager) Set(key string, value any) error {
	known := false
	for _, k := range Keys() {
		if k == key {
			known = true
			break
		}
	}
	if !known {
		return fmt.Errorf("unknown config key %q", key)
	}

	prev := m.v.Get(key)
	m.v.Set(key, value)
	if err := m.reload(); err != nil {
		m.v.Set(key, prev)
		return err
	}
	return m.Save()
}

// Save writes the current configuration to disk
func (m *Manager) Save() error {
	cfg := m.Get()
	log := logger.WithComponent("config")

	configDir := filepath.Dir(m.configPath)
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(m.configPath, data, 0o644); err != nil {
		log.Error().
			Err(err).
			Str("path", m.configPath).
			Msg("Failed to write config")
		return err
	}

	log.Debug().Str("path", m.configPath).Msg("Config saved")
	return nil
}
