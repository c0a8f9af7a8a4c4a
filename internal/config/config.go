// Package config handles daemon configuration file management.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/joho/godotenv"
)

var log = logging.Logger("config")

// Environment variables that override the file configuration
const (
	EnvServerURL = "AUDARA_SERVER_URL"
	EnvLogLevel  = "AUDARA_LOG_LEVEL"
	EnvHTTPAddr  = "AUDARA_HTTP_ADDR"
	EnvDataDir   = "AUDARA_DATA_DIR"
)

// Config represents the daemon configuration
type Config struct {
	// ServerURL is the backend WebSocket URL (ws:// or wss://)
	ServerURL string `json:"serverUrl"`

	// DataDir is where to store the state database
	DataDir string `json:"dataDir"`

	// LogLevel for all subsystems (debug, info, warn, error)
	LogLevel string `json:"logLevel"`

	Session  SessionConfig  `json:"session"`
	Audio    AudioConfig    `json:"audio"`
	Behavior BehaviorConfig `json:"behavior"`
	HTTP     HTTPConfig     `json:"http"`
}

// SessionConfig contains connection timing settings
type SessionConfig struct {
	HeartbeatIntervalMs int `json:"heartbeatIntervalMs"`
	ReconnectDelayMs    int `json:"reconnectDelayMs"`
	ProbeTimeoutMs      int `json:"probeTimeoutMs"`
	ResolveTimeoutMs    int `json:"resolveTimeoutMs"`
}

// AudioConfig contains audio-related settings
type AudioConfig struct {
	// SampleRate for audio output (default: 44100)
	SampleRate int `json:"sampleRate"`

	// Volume level 0.0 - 1.0 (default: 1.0)
	DefaultVolume float64 `json:"defaultVolume"`
}

// BehaviorConfig contains behavior-related settings
type BehaviorConfig struct {
	// RememberQueue - persist queue across restarts
	RememberQueue bool `json:"rememberQueue"`

	// AutoLogin - log in with cached credentials once the session key arrives
	AutoLogin bool `json:"autoLogin"`
}

// HTTPConfig controls the loopback control API
type HTTPConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Session: SessionConfig{
			HeartbeatIntervalMs: 1000,
			ReconnectDelayMs:    3000,
			ProbeTimeoutMs:      3000,
			ResolveTimeoutMs:    30000,
		},
		Audio: AudioConfig{
			SampleRate:    44100,
			DefaultVolume: 1.0,
		},
		Behavior: BehaviorConfig{
			RememberQueue: true,
			AutoLogin:     true,
		},
		HTTP: HTTPConfig{
			Enabled: true,
			Addr:    "127.0.0.1:7710",
		},
	}
}

// Validate fixes up out-of-range values, falling back to defaults
func (c *Config) Validate() {
	def := DefaultConfig()
	if c.Session.HeartbeatIntervalMs <= 0 {
		c.Session.HeartbeatIntervalMs = def.Session.HeartbeatIntervalMs
	}
	if c.Session.ReconnectDelayMs <= 0 {
		c.Session.ReconnectDelayMs = def.Session.ReconnectDelayMs
	}
	if c.Session.ProbeTimeoutMs <= 0 {
		c.Session.ProbeTimeoutMs = def.Session.ProbeTimeoutMs
	}
	if c.Session.ResolveTimeoutMs <= 0 {
		c.Session.ResolveTimeoutMs = def.Session.ResolveTimeoutMs
	}
	if c.Audio.SampleRate <= 0 {
		c.Audio.SampleRate = def.Audio.SampleRate
	}
	if c.Audio.DefaultVolume < 0 || c.Audio.DefaultVolume > 1 {
		c.Audio.DefaultVolume = def.Audio.DefaultVolume
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
}

// HeartbeatInterval returns the heartbeat period
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Session.HeartbeatIntervalMs) * time.Millisecond
}

// ReconnectDelay returns the delay before the single reconnect attempt
func (c *Config) ReconnectDelay() time.Duration {
	return time.Duration(c.Session.ReconnectDelayMs) * time.Millisecond
}

// ProbeTimeout returns the liveness probe timeout
func (c *Config) ProbeTimeout() time.Duration {
	return time.Duration(c.Session.ProbeTimeoutMs) * time.Millisecond
}

// ResolveTimeout returns how long a stream-song request may stay in flight
func (c *Config) ResolveTimeout() time.Duration {
	return time.Duration(c.Session.ResolveTimeoutMs) * time.Millisecond
}

// Manager handles loading and saving configuration
type Manager struct {
	mu         sync.RWMutex
	configDir  string
	configPath string
	config     *Config
	envFiles   []string
}

// NewManager creates a new configuration manager
func NewManager(configDir string) *Manager {
	return &Manager{
		configDir:  configDir,
		configPath: filepath.Join(configDir, "config.json"),
		config:     DefaultConfig(),
	}
}

// UseEnvFiles sets the .env files read on every Load. Missing files are skipped.
func (m *Manager) UseEnvFiles(files ...string) {
	m.mu.Lock()
	m.envFiles = files
	m.mu.Unlock()
}

// Load reads the configuration from disk and applies environment overrides
func (m *Manager) Load() error {
	if err := os.MkdirAll(m.configDir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	config := DefaultConfig()
	if _, err := os.Stat(m.configPath); os.IsNotExist(err) {
		config.DataDir = m.configDir
		if err := m.write(config); err != nil {
			return err
		}
	} else {
		data, err := os.ReadFile(m.configPath)
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}
		if err := json.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to parse config: %w", err)
		}
	}

	m.mu.RLock()
	files := m.envFiles
	m.mu.RUnlock()
	applyEnv(config, files)

	if config.DataDir == "" {
		config.DataDir = m.configDir
	}
	config.Validate()

	m.mu.Lock()
	m.config = config
	m.mu.Unlock()
	return nil
}

// applyEnv overlays values from .env files and the process environment.
// The process environment wins over .env files.
func applyEnv(c *Config, files []string) {
	vals := make(map[string]string)
	for _, f := range files {
		fileVals, err := godotenv.Read(f)
		if err != nil {
			if !os.IsNotExist(err) {
				log.Warnf("failed to read %s: %v", f, err)
			}
			continue
		}
		for k, v := range fileVals {
			vals[k] = v
		}
	}
	lookup := func(key string) string {
		if v, ok := os.LookupEnv(key); ok {
			return strings.TrimSpace(v)
		}
		return strings.TrimSpace(vals[key])
	}

	if v := lookup(EnvServerURL); v != "" {
		c.ServerURL = v
	}
	if v := lookup(EnvLogLevel); v != "" {
		c.LogLevel = v
	}
	if v := lookup(EnvHTTPAddr); v != "" {
		c.HTTP.Addr = v
	}
	if v := lookup(EnvDataDir); v != "" {
		c.DataDir = v
	}
}

// Save writes the configuration to disk
func (m *Manager) Save() error {
	m.mu.RLock()
	config := m.config
	m.mu.RUnlock()
	return m.write(config)
}

func (m *Manager) write(config *Config) error {
	if err := os.MkdirAll(m.configDir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(m.configPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// Get returns a copy of the current configuration
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c := *m.config
	return &c
}

// GetPath returns the config file path
func (m *Manager) GetPath() string {
	return m.configPath
}

// Update updates the configuration and saves it
func (m *Manager) Update(config *Config) error {
	config.Validate()
	m.mu.Lock()
	m.config = config
	m.mu.Unlock()
	return m.Save()
}

// SetServerURL updates the backend URL
func (m *Manager) SetServerURL(url string) error {
	m.mu.Lock()
	m.config.ServerURL = url
	m.mu.Unlock()
	return m.Save()
}
