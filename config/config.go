package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"kuno/logging"
	"kuno/models"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "kuno"
	// DefaultListenAddress is the gateway HTTP listen address.
	DefaultListenAddress = ":3001"
	// DefaultStorageTimeoutMS bounds one storage backend call.
	DefaultStorageTimeoutMS = 5000
	// DefaultHealthTimeoutMS bounds one storage backend health probe.
	DefaultHealthTimeoutMS = 3000
	// DefaultPingIntervalSeconds is the websocket keepalive interval.
	DefaultPingIntervalSeconds = 30
	// DefaultWriteTimeoutSeconds bounds one websocket frame write.
	DefaultWriteTimeoutSeconds = 10
	// DefaultMaxMessageBytes bounds one inbound websocket frame.
	DefaultMaxMessageBytes = 1 << 20
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// storageNodeEnv lists the env vars that override the default storage node URLs, in order.
var storageNodeEnv = []string{"STANDARD_NODE_1_URL", "STANDARD_NODE_2_URL", "STANDARD_NODE_3_URL"}

// GatewayConfig contains persistent gateway settings.
type GatewayConfig struct {
	InstanceID           string            `json:"instance_id"`
	ListenAddress        string            `json:"listen_address"`
	LogLevel             string            `json:"log_level"`
	TokenPrivateKeyPath  string            `json:"token_private_key_path"`
	TokenPublicKeyPath   string            `json:"token_public_key_path"`
	StorageNodes         []models.Backend  `json:"storage_nodes"`
	StorageTimeoutMS     int               `json:"storage_timeout_ms"`
	HealthTimeoutMS      int               `json:"health_timeout_ms"`
	DiscoverStorageNodes bool              `json:"discover_storage_nodes"`
	AllowedOrigins       []string          `json:"allowed_origins"`
	Accounts             map[string]string `json:"accounts"`
	PingIntervalSeconds  int               `json:"ping_interval_seconds"`
	WriteTimeoutSeconds  int               `json:"write_timeout_seconds"`
	MaxMessageBytes      int64             `json:"max_message_bytes"`
}

// StorageTimeout returns the per-backend request timeout.
func (c *GatewayConfig) StorageTimeout() time.Duration {
	return time.Duration(c.StorageTimeoutMS) * time.Millisecond
}

// HealthTimeout returns the per-backend health probe timeout.
func (c *GatewayConfig) HealthTimeout() time.Duration {
	return time.Duration(c.HealthTimeoutMS) * time.Millisecond
}

// PingInterval returns the websocket keepalive interval.
func (c *GatewayConfig) PingInterval() time.Duration {
	return time.Duration(c.PingIntervalSeconds) * time.Second
}

// WriteTimeout returns the websocket write deadline.
func (c *GatewayConfig) WriteTimeout() time.Duration {
	return time.Duration(c.WriteTimeoutSeconds) * time.Second
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If KUNO_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv("KUNO_DATA_DIR"); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "keys"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*GatewayConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg GatewayConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *GatewayConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist, then returns both.
// Environment overrides are applied to the returned value and never saved.
func LoadOrCreate() (*GatewayConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	} else if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}
	return cfg, cfgPath, nil
}

// Validate rejects settings the gateway cannot start with.
func (c *GatewayConfig) Validate() error {
	if strings.TrimSpace(c.ListenAddress) == "" {
		return errors.New("listen_address is required")
	}
	seen := make(map[string]bool, len(c.StorageNodes))
	for i, node := range c.StorageNodes {
		if strings.TrimSpace(node.URL) == "" {
			return fmt.Errorf("storage_nodes[%d]: url is required", i)
		}
		if seen[node.ID] {
			return fmt.Errorf("storage_nodes[%d]: duplicate id %q", i, node.ID)
		}
		seen[node.ID] = true
	}
	for username, accountID := range c.Accounts {
		if strings.TrimSpace(username) == "" || strings.TrimSpace(accountID) == "" {
			return errors.New("accounts: username and account id are required")
		}
	}
	return nil
}

// DefaultStorageNodes returns the three local storage nodes used in development.
func DefaultStorageNodes() []models.Backend {
	return []models.Backend{
		{ID: "node-1", URL: "http://localhost:4001"},
		{ID: "node-2", URL: "http://localhost:4002"},
		{ID: "node-3", URL: "http://localhost:4003"},
	}
}

func defaultConfig(dataDir string) *GatewayConfig {
	cfg := &GatewayConfig{}
	normalizeDefaults(cfg, dataDir)
	return cfg
}

func normalizeDefaults(cfg *GatewayConfig, dataDir string) bool {
	updated := false
	keysDir := filepath.Join(dataDir, "keys")

	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
		updated = true
	}
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = DefaultListenAddress
		updated = true
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = logging.DefaultLevel
		updated = true
	}
	if cfg.TokenPrivateKeyPath == "" {
		cfg.TokenPrivateKeyPath = filepath.Join(keysDir, "token_ed25519_private.pem")
		updated = true
	}
	if cfg.TokenPublicKeyPath == "" {
		cfg.TokenPublicKeyPath = filepath.Join(keysDir, "token_ed25519_public.pem")
		updated = true
	}
	if cfg.StorageNodes == nil {
		cfg.StorageNodes = DefaultStorageNodes()
		updated = true
	}
	for i := range cfg.StorageNodes {
		if cfg.StorageNodes[i].ID == "" {
			cfg.StorageNodes[i].ID = "node-" + strconv.Itoa(i+1)
			updated = true
		}
	}
	if cfg.StorageTimeoutMS <= 0 {
		cfg.StorageTimeoutMS = DefaultStorageTimeoutMS
		updated = true
	}
	if cfg.HealthTimeoutMS <= 0 {
		cfg.HealthTimeoutMS = DefaultHealthTimeoutMS
		updated = true
	}
	if cfg.Accounts == nil {
		cfg.Accounts = map[string]string{}
		updated = true
	}
	if cfg.PingIntervalSeconds <= 0 {
		cfg.PingIntervalSeconds = DefaultPingIntervalSeconds
		updated = true
	}
	if cfg.WriteTimeoutSeconds <= 0 {
		cfg.WriteTimeoutSeconds = DefaultWriteTimeoutSeconds
		updated = true
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = DefaultMaxMessageBytes
		updated = true
	}

	return updated
}

func applyEnv(cfg *GatewayConfig) {
	if level := os.Getenv("KUNO_LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}
	if addr := os.Getenv("KUNO_LISTEN_ADDRESS"); addr != "" {
		cfg.ListenAddress = addr
	}
	for i, key := range storageNodeEnv {
		nodeURL := strings.TrimSpace(os.Getenv(key))
		if nodeURL == "" {
			continue
		}
		if i < len(cfg.StorageNodes) {
			cfg.StorageNodes[i].URL = nodeURL
			continue
		}
		cfg.StorageNodes = append(cfg.StorageNodes, models.Backend{ID: "node-" + strconv.Itoa(i+1), URL: nodeURL})
	}
}
