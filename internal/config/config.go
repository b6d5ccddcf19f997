// Package config handles configuration loading, validation, and persistence
// for the Stormhold multiplayer server.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
)

const (
	DefaultConfigDir  = "config"
	DefaultConfigFile = "config.json"
	DefaultPort       = 15000
	DefaultAPIPort    = 5001
)

// Config is the root configuration structure for Stormhold.
type Config struct {
	mu   sync.RWMutex
	path string

	Server          ServerData      `json:"server"`
	ApplicationData ApplicationData `json:"application_data"`
}

// ServerData contains the game server configuration.
type ServerData struct {
	// Listener
	BindAddress      string `json:"bind_address"`
	Port             int    `json:"port"`
	HandshakeTimeout int    `json:"handshake_timeout_sec"`
	ReadTimeout      int    `json:"read_timeout_sec"`

	// TLS; both files must be set to offer encrypted connections.
	TLSCertFile string `json:"tls_cert_file"`
	TLSKeyFile  string `json:"tls_key_file"`

	// Protocol limits. LegacyDocumentLimit caps decompression at the
	// older 40 MB bound instead of MaxDocumentSize.
	MaxFrameSize        uint32 `json:"max_frame_size"`
	MaxDocumentSize     int64  `json:"max_document_size"`
	LegacyDocumentLimit bool   `json:"legacy_document_limit"`

	// Identity
	ServerName       string   `json:"server_name"`
	MOTD             string   `json:"motd"`
	AcceptedVersions []string `json:"accepted_versions"`

	// Lobby behaviour
	RoomHistorySize int  `json:"room_history_size"`
	FloodMessages   int  `json:"flood_messages"`
	FloodWindowSec  int  `json:"flood_window_sec"`
	AllowGuests     bool `json:"allow_guests"`

	// Persistence
	SaveReplays  bool   `json:"save_replays"`
	DatabasePath string `json:"database_path"`
	// ReplayRetentionDays drops archived replays older than this many
	// days. Zero keeps them forever.
	ReplayRetentionDays int `json:"replay_retention_days"`
}

// ApplicationData contains operational configuration.
type ApplicationData struct {
	Logging LoggingConfig `json:"logging"`
	API     APIConfig     `json:"api"`
	MQTT    MQTTConfig    `json:"mqtt"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `json:"level"`
	Directory  string `json:"directory"`
	MaxBackups int    `json:"max_backups"`
}

// APIConfig holds the admin REST API settings.
type APIConfig struct {
	Enabled     bool   `json:"enabled"`
	BindAddress string `json:"bind_address"`
	Port        int    `json:"port"`
	// AuthToken protects mutating endpoints. Empty restricts the API to
	// read-only access.
	AuthToken string `json:"auth_token"`
}

// MQTTConfig holds MQTT telemetry settings.
type MQTTConfig struct {
	Enabled   bool   `json:"enabled"`
	BrokerURL string `json:"broker_url"`
	Port      int    `json:"port"`
	Topic     string `json:"topic"`
	ClientID  string `json:"client_id"`
	Interval  int    `json:"interval_sec"`
	UseTLS    bool   `json:"use_tls"`
	CertFile  string `json:"cert_file"`
	KeyFile   string `json:"key_file"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerData{
			BindAddress:         "0.0.0.0",
			Port:                DefaultPort,
			HandshakeTimeout:    15,
			ReadTimeout:         300,
			MaxFrameSize:        4 * 1024 * 1024,
			MaxDocumentSize:     100_000_000,
			ServerName:          "stormhold",
			MOTD:                "Welcome to Stormhold.",
			AcceptedVersions:    []string{"*"},
			RoomHistorySize:     20,
			FloodMessages:       8,
			FloodWindowSec:      10,
			AllowGuests:         true,
			SaveReplays:         true,
			ReplayRetentionDays: 30,
			DatabasePath:        filepath.Join("data", "stormhold.db"),
		},
		ApplicationData: ApplicationData{
			Logging: LoggingConfig{
				Level:      "info",
				Directory:  "logs",
				MaxBackups: 5,
			},
			API: APIConfig{
				Enabled:     false,
				BindAddress: "127.0.0.1",
				Port:        DefaultAPIPort,
			},
			MQTT: MQTTConfig{
				Enabled:  false,
				Port:     8883,
				Topic:    "stormhold/status",
				Interval: 60,
			},
		},
	}
}

// Load reads configuration from a JSON file, creating a default one if it
// does not exist yet.
func Load(configDir string) (*Config, error) {
	configPath := filepath.Join(configDir, DefaultConfigFile)

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", configPath).Msg("config file not found, creating default")
			cfg := DefaultConfig()
			cfg.path = configPath
			if saveErr := cfg.Save(); saveErr != nil {
				return nil, fmt.Errorf("failed to save default config: %w", saveErr)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig() // Start with defaults, then overlay
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	cfg.path = configPath
	log.Info().Str("path", configPath).Msg("configuration loaded")
	return cfg, nil
}

// Save writes the current configuration to disk.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(c.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Debug().Str("path", c.path).Msg("configuration saved")
	return nil
}

// GetServer returns a copy of the server configuration.
func (c *Config) GetServer() ServerData {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Server
}

// SetServer updates the server configuration.
func (c *Config) SetServer(data ServerData) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Server = data
}

// TLSEnabled reports whether a certificate/key pair is configured.
func (c *Config) TLSEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Server.TLSCertFile != "" && c.Server.TLSKeyFile != ""
}

// VersionAccepted reports whether a client version string may log in.
// A single "*" entry accepts every version.
func (c *Config) VersionAccepted(version string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, v := range c.Server.AcceptedVersions {
		if v == "*" || v == version {
			return true
		}
	}
	return false
}

// Path returns the config file path.
func (c *Config) Path() string {
	return c.path
}
