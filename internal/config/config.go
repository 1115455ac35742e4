// Package config loads the agent's YAML configuration file and watches
// it for changes, re-applying the safe subset of settings live.
package config

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// AuthConfig configures the Connection Handler's authenticator.
type AuthConfig struct {
	Method             string `yaml:"method"` // NONE, TOKEN, CERTIFICATE
	StaticToken        string `yaml:"static_token,omitempty"`
	MaxAuthFailures    int    `yaml:"max_auth_failures,omitempty"`
	AuthLockoutMinutes int    `yaml:"auth_lockout_minutes,omitempty"`
}

// TLSConfig configures transport-level TLS/mTLS.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled,omitempty"`
	CertFile string `yaml:"cert_file,omitempty"`
	KeyFile  string `yaml:"key_file,omitempty"`
	ClientCA string `yaml:"client_ca,omitempty"` // non-empty enables mTLS
}

// ShellPolicy bounds which shells and working directories may be used
// to spawn a PTY. This is part of the hot-reloadable safe subset.
type ShellPolicy struct {
	AllowedShells      []string `yaml:"allowed_shells,omitempty"`
	AllowedWorkingDirs []string `yaml:"allowed_working_dirs,omitempty"`
}

// EnvPolicyConfig bounds the environment variables passed to spawned
// shells. Also hot-reloadable.
type EnvPolicyConfig struct {
	Whitelist       []string `yaml:"whitelist,omitempty"`
	Blacklist       []string `yaml:"blacklist,omitempty"`
	MaxEnvSizeBytes int      `yaml:"max_env_size_bytes,omitempty"`
	MaxEnvVars      int      `yaml:"max_env_vars,omitempty"`
}

// RingConfig bounds the per-session output ring buffer. Hot-reloadable.
type RingConfig struct {
	MaxSizeBytes int64 `yaml:"max_size_bytes,omitempty"`
	MaxChunks    int   `yaml:"max_chunks,omitempty"`
}

// ReconnectConfig bounds how long a detached session stays reconnectable.
type ReconnectConfig struct {
	WindowSeconds int `yaml:"window_seconds,omitempty"`
}

// MDNSConfig controls the mDNS advertisement's TXT fields.
type MDNSConfig struct {
	Enabled      bool   `yaml:"enabled,omitempty"`
	InstanceName string `yaml:"instance_name,omitempty"`
	Platform     string `yaml:"platform,omitempty"`
}

// AuditConfig points at the SQLite audit trail database.
type AuditConfig struct {
	Enabled bool   `yaml:"enabled,omitempty"`
	DBPath  string `yaml:"db_path,omitempty"`
}

// PersistenceConfig bounds the session-persistence blob's location and
// write cadence. The blob is diagnostic only: live PTY processes are
// never resurrected from it across a restart.
type PersistenceConfig struct {
	Path            string `yaml:"path,omitempty"`
	IntervalSeconds int    `yaml:"interval_seconds,omitempty"`
}

// PairingConfig bounds the pairing protocol's timing and storage.
type PairingConfig struct {
	TimeoutSeconds   int    `yaml:"timeout_seconds,omitempty"`
	DeviceStoreDir   string `yaml:"device_store_dir,omitempty"`
	DeviceExpiryDays int    `yaml:"device_expiry_days,omitempty"` // 0 disables the stale-device sweep
}

// Config is the agent's complete on-disk configuration. Everything
// except Listen/TLS/Audit/Pairing can be hot-reloaded without
// restarting active sessions; see Watcher.
type Config struct {
	ListenAddr string          `yaml:"listen_addr"`
	HealthAddr string          `yaml:"health_addr"`
	Auth       AuthConfig      `yaml:"auth"`
	TLS        TLSConfig       `yaml:"tls,omitempty"`
	Shells     ShellPolicy     `yaml:"shells,omitempty"`
	Env        EnvPolicyConfig `yaml:"env,omitempty"`
	Ring       RingConfig      `yaml:"ring,omitempty"`
	Reconnect  ReconnectConfig `yaml:"reconnect,omitempty"`
	MDNS       MDNSConfig        `yaml:"mdns,omitempty"`
	Audit      AuditConfig       `yaml:"audit,omitempty"`
	Pairing    PairingConfig     `yaml:"pairing,omitempty"`
	Persist    PersistenceConfig `yaml:"persist,omitempty"`
}

// Default returns the agent's out-of-the-box configuration.
func Default() Config {
	return Config{
		ListenAddr: ":7890",
		HealthAddr: "127.0.0.1:7891",
		Auth:       AuthConfig{Method: "NONE", MaxAuthFailures: 5, AuthLockoutMinutes: 15},
		Ring:       RingConfig{MaxSizeBytes: 1 * 1024 * 1024, MaxChunks: 10000},
		Reconnect:  ReconnectConfig{WindowSeconds: 120},
		MDNS:       MDNSConfig{Enabled: true, Platform: "generic"},
		Audit:      AuditConfig{Enabled: true, DBPath: DefaultAuditDBPath()},
		Pairing:    PairingConfig{TimeoutSeconds: 300, DeviceStoreDir: "", DeviceExpiryDays: 90},
		Persist:    PersistenceConfig{IntervalSeconds: 60},
	}
}

// DefaultConfigPath returns $HOME/.terminox/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".terminox", "config.yaml")
}

// DefaultAuditDBPath returns $HOME/.terminox/audit.db.
func DefaultAuditDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "audit.db"
	}
	return filepath.Join(home, ".terminox", "audit.db")
}

// Load reads and parses the YAML config file at path, filling in
// defaults for anything unset. A missing file is not an error: Default
// is returned as-is.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Save writes cfg as YAML to path, creating parent directories as
// needed.
func Save(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// reloadDebounce absorbs the burst of fsnotify events a single save
// typically produces (temp-file write + rename) into one reload.
const reloadDebounce = 200 * time.Millisecond
