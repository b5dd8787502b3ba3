package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"kuno/logging"
)

const (
	// DefaultNodePort is the storage node HTTP port.
	DefaultNodePort = 4001
	// DefaultMessageTTLHours is how long a storage node keeps a message.
	DefaultMessageTTLHours = 720
)

// NodeConfig configures one storage node process. It is read from the
// environment only.
type NodeConfig struct {
	NodeID     string
	Port       int
	DataDir    string
	MessageTTL time.Duration
	// Advertise announces the node over mDNS.
	Advertise bool
	LogLevel  string
}

// ListenAddress returns the address the node's HTTP server binds.
func (c NodeConfig) ListenAddress() string {
	return ":" + strconv.Itoa(c.Port)
}

// LoadNodeConfig reads NODE_ID, PORT, NODE_DATA_DIR, MESSAGE_TTL_HOURS,
// NODE_ADVERTISE and KUNO_LOG_LEVEL.
func LoadNodeConfig() (NodeConfig, error) {
	cfg := NodeConfig{
		Port:       DefaultNodePort,
		MessageTTL: DefaultMessageTTLHours * time.Hour,
		LogLevel:   logging.DefaultLevel,
	}

	if raw := strings.TrimSpace(os.Getenv("PORT")); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil || port <= 0 || port > 65535 {
			return NodeConfig{}, fmt.Errorf("invalid PORT %q", raw)
		}
		cfg.Port = port
	}

	cfg.NodeID = strings.TrimSpace(os.Getenv("NODE_ID"))
	if cfg.NodeID == "" {
		cfg.NodeID = "node-" + strconv.Itoa(cfg.Port)
	}

	cfg.DataDir = strings.TrimSpace(os.Getenv("NODE_DATA_DIR"))
	if cfg.DataDir == "" {
		dataDir, err := ResolveDataDir()
		if err != nil {
			return NodeConfig{}, err
		}
		cfg.DataDir = dataDir + "-" + cfg.NodeID
	}

	if raw := strings.TrimSpace(os.Getenv("MESSAGE_TTL_HOURS")); raw != "" {
		hours, err := strconv.Atoi(raw)
		if err != nil || hours <= 0 {
			return NodeConfig{}, fmt.Errorf("invalid MESSAGE_TTL_HOURS %q", raw)
		}
		cfg.MessageTTL = time.Duration(hours) * time.Hour
	}

	if raw := strings.TrimSpace(os.Getenv("NODE_ADVERTISE")); raw != "" {
		advertise, err := strconv.ParseBool(raw)
		if err != nil {
			return NodeConfig{}, fmt.Errorf("invalid NODE_ADVERTISE %q", raw)
		}
		cfg.Advertise = advertise
	}

	if level := strings.TrimSpace(os.Getenv("KUNO_LOG_LEVEL")); level != "" {
		cfg.LogLevel = level
	}

	return cfg, nil
}
