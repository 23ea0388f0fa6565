package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config is the main configuration for labsync.
type Config struct {
	DeviceID    string           `toml:"device_id"`
	BaseDir     string           `toml:"base_dir"`
	LogDir      string           `toml:"log_dir"`
	Remote      RemoteConfig     `toml:"remote"`
	Database    DatabaseConfig   `toml:"database"`
	ConfigStore KVConfig         `toml:"config_store"`
	Sync        SyncConfig       `toml:"sync"`
	Vaults      []VaultConfig    `toml:"vaults"`
	Encryption  EncryptionConfig `toml:"encryption"`
}

// RemoteConfig locates the portal backend the engine syncs against.
type RemoteConfig struct {
	BaseURL string `toml:"base_url"`
}

// DatabaseConfig configures the entity tier.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type DatabaseConfig struct {
	Type    string `toml:"type"`               // "sqlite" or "memory"
	DataDir string `toml:"data_dir,omitempty"` // only used for type=sqlite
}

// KVConfig configures the synchronous config tier.
type KVConfig struct {
	Type string `toml:"type"`          // "file" or "memory"
	Dir  string `toml:"dir,omitempty"` // only used for type=file
}

// SyncConfig tunes the queue and the drain loop.
type SyncConfig struct {
	BatchSize       int    `toml:"batch_size"`        // items per dequeue; defaults to 10
	MaxAttempts     int    `toml:"max_attempts"`      // per-item retry budget; defaults to 5
	BackoffBaseMs   int64  `toml:"backoff_base_ms"`   // first retry delay; defaults to 1000
	BackoffCapMs    int64  `toml:"backoff_cap_ms"`    // backoff ceiling; defaults to 60000
	DefaultStrategy string `toml:"default_strategy"`  // server_wins, client_wins, or manual
}

// VaultConfig configures a snapshot vault backend.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type VaultConfig struct {
	Type string `toml:"type"` // "memory", "s3", or "filesystem"
	Name string `toml:"name"`

	// S3-specific fields (only used when Type == "s3")
	S3Bucket   string `toml:"s3_bucket,omitempty"`
	S3Prefix   string `toml:"s3_prefix,omitempty"`
	S3Region   string `toml:"s3_region,omitempty"`
	S3Endpoint string `toml:"s3_endpoint,omitempty"` // for S3-compatible services

	// FileSystem-specific fields (only used when Type == "filesystem")
	FSVaultRoot string `toml:"fs_vault_root,omitempty"`
}

// EncryptionConfig selects how exported snapshots are protected in transit
// to the vault. The local store itself is never encrypted.
type EncryptionConfig struct {
	Type           string `toml:"type"` // "none" (default) or "age"
	PublicKeyPath  string `toml:"public_key_path,omitempty"`
	PrivateKeyPath string `toml:"private_key_path,omitempty"`
}

// Defaults for SyncConfig when fields are zero.
const (
	DefaultBatchSize     = 10
	DefaultMaxAttempts   = 5
	DefaultBackoffBaseMs = 1000
	DefaultBackoffCapMs  = 60000
)

// NewConfig creates a Config with the provided identity and sensible defaults.
func NewConfig(deviceID, baseDir string) *Config {
	return &Config{
		DeviceID: deviceID,
		BaseDir:  baseDir,
		LogDir:   filepath.Join(baseDir, "log"),
		Database: DatabaseConfig{
			Type:    "sqlite",
			DataDir: filepath.Join(baseDir, "data"),
		},
		ConfigStore: KVConfig{
			Type: "file",
			Dir:  filepath.Join(baseDir, "config"),
		},
		Sync: SyncConfig{
			BatchSize:       DefaultBatchSize,
			MaxAttempts:     DefaultMaxAttempts,
			BackoffBaseMs:   DefaultBackoffBaseMs,
			BackoffCapMs:    DefaultBackoffCapMs,
			DefaultStrategy: "server_wins",
		},
		Encryption: EncryptionConfig{
			Type: "none",
		},
	}
}

// Normalize fills zero-valued sync tuning fields with defaults.
func (c *Config) Normalize() {
	if c.Sync.BatchSize <= 0 {
		c.Sync.BatchSize = DefaultBatchSize
	}
	if c.Sync.MaxAttempts <= 0 {
		c.Sync.MaxAttempts = DefaultMaxAttempts
	}
	if c.Sync.BackoffBaseMs <= 0 {
		c.Sync.BackoffBaseMs = DefaultBackoffBaseMs
	}
	if c.Sync.BackoffCapMs <= 0 {
		c.Sync.BackoffCapMs = DefaultBackoffCapMs
	}
	if c.Sync.DefaultStrategy == "" {
		c.Sync.DefaultStrategy = "server_wins"
	}
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.Normalize()
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

// writeToFile writes a Config to the specified file path.
func writeToFile(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init initializes a new config file at the specified path with the provided Config.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
