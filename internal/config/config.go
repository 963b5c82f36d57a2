// Package config loads and validates the bridge daemon's static
// configuration, handing a frozen struct to the rest of the system. It
// follows the same read-defaults-validate shape as cellorg's YAML config
// loader, adapted to this daemon's JSON format.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/tenzoki/bridged/internal/registry"
)

const (
	// EnvConfigPath overrides the config file location.
	EnvConfigPath = "BRIDGE_CONFIG"
	// EnvSocketPath overrides the configured socket path.
	EnvSocketPath = "BRIDGE_SOCKET"
	// EnvAdminToken overrides the configured admin token (plaintext; it is
	// hashed in memory before use, never persisted).
	EnvAdminToken = "BRIDGE_ADMIN_TOKEN"

	defaultConfigPath   = "runtime/bridge.config.json"
	defaultSocketPath   = "runtime/bridge.sock"
	defaultSocketMode   = "0660"
	defaultHTTPHost     = "127.0.0.1"
	defaultHTTPPort     = 8787
	defaultMaxFrameSize = 65536
	defaultQueueLimit   = 500
	defaultLogFile      = "runtime/bridge.log"
)

// ClientSpec is one entry of the config file's "clients" array.
type ClientSpec struct {
	ID      string   `json:"id"`
	KeyHash string   `json:"keyHash"`
	Allow   []string `json:"allow"`
}

// Config is the frozen, validated configuration for a daemon run.
type Config struct {
	SocketPath     string       `json:"socketPath"`
	SocketMode     string       `json:"socketMode"`
	HTTPHost       string       `json:"httpHost"`
	HTTPPort       int          `json:"httpPort"`
	MaxFrameBytes  int          `json:"maxFrameBytes"`
	QueueLimit     int          `json:"queueLimit"`
	LogFile        string       `json:"logFile"`
	Clients        []ClientSpec `json:"clients"`
	AdminTokenHash string       `json:"adminTokenHash,omitempty"`
}

// Load reads path (or the BRIDGE_CONFIG env override, or the default path
// if path is empty), applies defaults for missing fields, and validates
// the result. Each failure here is fatal at startup.
func Load(path string) (*Config, error) {
	path = ResolvePath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
	}

	applyDefaults(&cfg)

	if envSocket := os.Getenv(EnvSocketPath); envSocket != "" {
		cfg.SocketPath = envSocket
	}
	if envToken := os.Getenv(EnvAdminToken); envToken != "" {
		cfg.AdminTokenHash = registry.HashKey(envToken)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: invalid configuration in %s: %w", path, err)
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.SocketPath == "" {
		cfg.SocketPath = defaultSocketPath
	}
	if cfg.SocketMode == "" {
		cfg.SocketMode = defaultSocketMode
	}
	if cfg.HTTPHost == "" {
		cfg.HTTPHost = defaultHTTPHost
	}
	if cfg.HTTPPort == 0 {
		cfg.HTTPPort = defaultHTTPPort
	}
	if cfg.MaxFrameBytes == 0 {
		cfg.MaxFrameBytes = defaultMaxFrameSize
	}
	if cfg.QueueLimit == 0 {
		cfg.QueueLimit = defaultQueueLimit
	}
	if cfg.LogFile == "" {
		cfg.LogFile = defaultLogFile
	}
}

func validate(cfg *Config) error {
	if len(cfg.Clients) == 0 {
		return fmt.Errorf("clients must be a non-empty array")
	}

	seen := make(map[string]struct{}, len(cfg.Clients))
	for _, c := range cfg.Clients {
		if c.ID == "" {
			return fmt.Errorf("each client requires a non-empty identifier")
		}
		if c.KeyHash == "" {
			return fmt.Errorf("client %q requires a keyHash", c.ID)
		}
		if _, dup := seen[c.ID]; dup {
			return fmt.Errorf("duplicate client identifier %q", c.ID)
		}
		seen[c.ID] = struct{}{}
		if c.Allow == nil {
			return fmt.Errorf("client %q: allow must be an array (may be empty)", c.ID)
		}
	}

	if cfg.MaxFrameBytes <= 0 {
		return fmt.Errorf("maxFrameBytes must be positive")
	}
	if cfg.QueueLimit <= 0 {
		return fmt.Errorf("queueLimit must be positive")
	}

	return nil
}

// BuildRegistry converts the validated client specs into registry.Client
// descriptors and constructs the immutable registry the rest of the daemon
// shares by reference.
func (c *Config) BuildRegistry() *registry.Registry {
	clients := make([]*registry.Client, 0, len(c.Clients))
	for _, spec := range c.Clients {
		allow := make(map[string]struct{}, len(spec.Allow))
		for _, a := range spec.Allow {
			allow[a] = struct{}{}
		}
		clients = append(clients, &registry.Client{
			ID:      spec.ID,
			KeyHash: spec.KeyHash,
			Allow:   allow,
		})
	}
	return registry.New(clients)
}

// RuntimeDir returns the directory holding the socket file, which must
// exist before the socket can be created. It is derived from SocketPath
// only; the log file's directory is not taken into account.
func (c *Config) RuntimeDir() string {
	return filepath.Dir(c.SocketPath)
}

// HasAdminToken reports whether the HTTP control plane has any admin token
// configured. When false, every /api/ call is rejected.
func (c *Config) HasAdminToken() bool {
	return c.AdminTokenHash != ""
}

// DefaultConfigPath returns the path Load falls back to when no explicit
// path or BRIDGE_CONFIG override is given.
func DefaultConfigPath() string {
	return defaultConfigPath
}

// ResolvePath applies the same path-resolution priority Load uses
// (explicit path, then BRIDGE_CONFIG, then the default path) without
// reading or parsing the file. Callers that need to know where the
// config will be read from before calling Load, such as the config file
// watcher, use this directly.
func ResolvePath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if envPath := os.Getenv(EnvConfigPath); envPath != "" {
		return envPath
	}
	return defaultConfigPath
}

// ParseSocketMode parses a string such as "0660" as an octal file mode.
func ParseSocketMode(s string) (os.FileMode, error) {
	v, err := strconv.ParseUint(s, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("config: socketMode %q is not valid octal: %w", s, err)
	}
	return os.FileMode(v), nil
}
