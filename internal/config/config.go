// Package config handles configuration management using Viper
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	// Server configuration
	Server ServerConfig `mapstructure:"server"`

	// Client configuration
	Client ClientConfig `mapstructure:"client"`

	// Display protection backend
	Backend BackendConfig `mapstructure:"backend"`

	// Negotiation timing
	Negotiation NegotiationConfig `mapstructure:"negotiation"`

	// Logging configuration
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig contains daemon settings
type ServerConfig struct {
	SocketPath string `mapstructure:"socket_path"`

	// SSH remote control
	SSHEnabled       bool     `mapstructure:"ssh_enabled"`
	SSHBindAddress   string   `mapstructure:"ssh_bind_address"`
	SSHPort          int      `mapstructure:"ssh_port"`
	SSHHostKeyPath   string   `mapstructure:"ssh_host_key_path"`
	SSHAuthKeysPath  string   `mapstructure:"ssh_authorized_keys_path"`
	SSHWhitelist     []string `mapstructure:"ssh_whitelist"`      // List of allowed SSH key fingerprints
	SSHWhitelistOnly bool     `mapstructure:"ssh_whitelist_only"` // Reject keys that are not whitelisted or authorized
}

// ClientConfig contains settings for the CLI commands that talk to the daemon
type ClientConfig struct {
	SocketPath     string `mapstructure:"socket_path"`
	RemoteAddress  string `mapstructure:"remote_address"` // host:port of a daemon reachable over SSH
	SSHPrivateKey  string `mapstructure:"ssh_private_key"`
	KnownHostsPath string `mapstructure:"known_hosts_path"`
	RequestTimeout int    `mapstructure:"request_timeout"` // seconds
}

// BackendConfig selects and tunes the display protection backend
type BackendConfig struct {
	Kind string `mapstructure:"kind"` // auto, exec, simulated

	// exec backend
	SetCommand     string `mapstructure:"set_command"`
	GetCommand     string `mapstructure:"get_command"`
	CommandTimeout int    `mapstructure:"command_timeout"` // seconds

	// simulated backend
	EnableDelayMs int  `mapstructure:"enable_delay_ms"`
	DropAfterMs   int  `mapstructure:"drop_after_ms"` // 0 never drops
	BusyCount     int  `mapstructure:"busy_count"`    // number of initial set calls answered busy
	NeverEnable   bool `mapstructure:"never_enable"`
}

// NegotiationConfig holds the protocol timing constants
type NegotiationConfig struct {
	ObserveIntervalMs   int `mapstructure:"observe_interval_ms"`
	SettleWaitMs        int `mapstructure:"settle_wait_ms"`
	MaxRetries          int `mapstructure:"max_retries"`
	RetryWindowFactor   int `mapstructure:"retry_window_factor"`
	InitialRetryDelayMs int `mapstructure:"initial_retry_delay_ms"`
	RetryIntervalMs     int `mapstructure:"retry_interval_ms"`
	BusyRetryDelayMs    int `mapstructure:"busy_retry_delay_ms"`
	BusyRetries         int `mapstructure:"busy_retries"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	LogLevel string `mapstructure:"log_level"` // Override LOG_LEVEL env var
}

var (
	// DefaultConfig provides sensible defaults
	DefaultConfig = Config{
		Server: ServerConfig{
			SocketPath:       defaultSocketPath(),
			SSHEnabled:       false,
			SSHBindAddress:   "0.0.0.0",
			SSHPort:          52600,
			SSHHostKeyPath:   "/etc/wayprotect/host_key",
			SSHAuthKeysPath:  "/etc/wayprotect/authorized_keys",
			SSHWhitelist:     []string{},
			SSHWhitelistOnly: true,
		},
		Client: ClientConfig{
			SocketPath:     defaultSocketPath(),
			RemoteAddress:  "",
			SSHPrivateKey:  "",
			KnownHostsPath: "",
			RequestTimeout: 5,
		},
		Backend: BackendConfig{
			Kind:           "auto",
			SetCommand:     "",
			GetCommand:     "",
			CommandTimeout: 5,
			EnableDelayMs:  2000,
			DropAfterMs:    0,
			BusyCount:      0,
			NeverEnable:    false,
		},
		Negotiation: NegotiationConfig{
			ObserveIntervalMs:   1000,
			SettleWaitMs:        1000,
			MaxRetries:          3,
			RetryWindowFactor:   5,
			InitialRetryDelayMs: 100,
			RetryIntervalMs:     1000,
			BusyRetryDelayMs:    1000,
			BusyRetries:         1,
		},
		Logging: LoggingConfig{
			LogLevel: "", // Empty means use LOG_LEVEL env var
		},
	}

	// Global config instance
	cfg *Config

	// Override config path if set
	configPathOverride string
)

// SetConfigPath allows overriding the config path
func SetConfigPath(path string) {
	configPathOverride = path
}

// Init initializes the configuration system
func Init() error {
	viper.SetConfigName("wayprotect")
	viper.SetConfigType("toml")

	if configPathOverride != "" {
		viper.SetConfigFile(configPathOverride)
	} else {
		// Add config paths in order of precedence
		viper.AddConfigPath("/etc/wayprotect")

		if sudoUser := os.Getenv("SUDO_USER"); sudoUser != "" {
			viper.AddConfigPath(fmt.Sprintf("/home/%s/.config/wayprotect", sudoUser))
		} else if home := os.Getenv("HOME"); home != "" && home != "/root" {
			viper.AddConfigPath(filepath.Join(home, ".config", "wayprotect"))
		}

		viper.AddConfigPath(".")
	}

	viper.SetEnvPrefix("WAYPROTECT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	// Read config file if it exists
	if err := viper.ReadInConfig(); err != nil {
		_, notFound := err.(viper.ConfigFileNotFoundError)
		// An explicit --config path that does not exist yet is not an error either
		if !notFound && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	c := &Config{}
	if err := viper.Unmarshal(c); err != nil {
		return fmt.Errorf("unable to unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return err
	}
	cfg = c

	return nil
}

// setDefaults registers each field individually so partial files merge correctly
func setDefaults() {
	viper.SetDefault("server.socket_path", DefaultConfig.Server.SocketPath)
	viper.SetDefault("server.ssh_enabled", DefaultConfig.Server.SSHEnabled)
	viper.SetDefault("server.ssh_bind_address", DefaultConfig.Server.SSHBindAddress)
	viper.SetDefault("server.ssh_port", DefaultConfig.Server.SSHPort)
	viper.SetDefault("server.ssh_host_key_path", DefaultConfig.Server.SSHHostKeyPath)
	viper.SetDefault("server.ssh_authorized_keys_path", DefaultConfig.Server.SSHAuthKeysPath)
	viper.SetDefault("server.ssh_whitelist", DefaultConfig.Server.SSHWhitelist)
	viper.SetDefault("server.ssh_whitelist_only", DefaultConfig.Server.SSHWhitelistOnly)

	viper.SetDefault("client.socket_path", DefaultConfig.Client.SocketPath)
	viper.SetDefault("client.remote_address", DefaultConfig.Client.RemoteAddress)
	viper.SetDefault("client.ssh_private_key", DefaultConfig.Client.SSHPrivateKey)
	viper.SetDefault("client.known_hosts_path", DefaultConfig.Client.KnownHostsPath)
	viper.SetDefault("client.request_timeout", DefaultConfig.Client.RequestTimeout)

	viper.SetDefault("backend.kind", DefaultConfig.Backend.Kind)
	viper.SetDefault("backend.set_command", DefaultConfig.Backend.SetCommand)
	viper.SetDefault("backend.get_command", DefaultConfig.Backend.GetCommand)
	viper.SetDefault("backend.command_timeout", DefaultConfig.Backend.CommandTimeout)
	viper.SetDefault("backend.enable_delay_ms", DefaultConfig.Backend.EnableDelayMs)
	viper.SetDefault("backend.drop_after_ms", DefaultConfig.Backend.DropAfterMs)
	viper.SetDefault("backend.busy_count", DefaultConfig.Backend.BusyCount)
	viper.SetDefault("backend.never_enable", DefaultConfig.Backend.NeverEnable)

	viper.SetDefault("negotiation.observe_interval_ms", DefaultConfig.Negotiation.ObserveIntervalMs)
	viper.SetDefault("negotiation.settle_wait_ms", DefaultConfig.Negotiation.SettleWaitMs)
	viper.SetDefault("negotiation.max_retries", DefaultConfig.Negotiation.MaxRetries)
	viper.SetDefault("negotiation.retry_window_factor", DefaultConfig.Negotiation.RetryWindowFactor)
	viper.SetDefault("negotiation.initial_retry_delay_ms", DefaultConfig.Negotiation.InitialRetryDelayMs)
	viper.SetDefault("negotiation.retry_interval_ms", DefaultConfig.Negotiation.RetryIntervalMs)
	viper.SetDefault("negotiation.busy_retry_delay_ms", DefaultConfig.Negotiation.BusyRetryDelayMs)
	viper.SetDefault("negotiation.busy_retries", DefaultConfig.Negotiation.BusyRetries)

	viper.SetDefault("logging.log_level", DefaultConfig.Logging.LogLevel)
}

// Validate rejects settings the daemon cannot run with
func (c *Config) Validate() error {
	switch c.Backend.Kind {
	case "auto", "exec", "simulated":
	default:
		return fmt.Errorf("invalid backend kind %q (must be auto, exec or simulated)", c.Backend.Kind)
	}
	if c.Backend.Kind == "exec" && (c.Backend.SetCommand == "" || c.Backend.GetCommand == "") {
		return fmt.Errorf("exec backend requires both backend.set_command and backend.get_command")
	}

	n := c.Negotiation
	if n.ObserveIntervalMs <= 0 || n.RetryIntervalMs <= 0 || n.InitialRetryDelayMs <= 0 {
		return fmt.Errorf("negotiation intervals must be positive")
	}
	if n.MaxRetries < 0 || n.RetryWindowFactor < 0 || n.BusyRetries < 0 {
		return fmt.Errorf("negotiation retry counts must not be negative")
	}
	if n.SettleWaitMs < 0 || n.BusyRetryDelayMs < 0 {
		return fmt.Errorf("negotiation waits must not be negative")
	}
	return nil
}

// Get returns the current configuration
func Get() *Config {
	if cfg == nil {
		// Return defaults if not initialized
		return &DefaultConfig
	}
	return cfg
}

// Set sets the current configuration (for testing)
func Set(c *Config) {
	cfg = c
}

// Save saves the current configuration to file
func Save() error {
	configPath := GetConfigPath()

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		if os.IsPermission(err) && strings.Contains(configPath, "/etc/") {
			return fmt.Errorf("failed to create config directory %s: permission denied. Try running with sudo", dir)
		}
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := viper.WriteConfigAs(configPath); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// GetConfigPath returns the path to the config file
func GetConfigPath() string {
	if configPathOverride != "" {
		return configPathOverride
	}

	if viper.ConfigFileUsed() != "" {
		return viper.ConfigFileUsed()
	}

	// The daemon normally runs as root next to the compositor
	if os.Getuid() == 0 || os.Getenv("SUDO_USER") != "" {
		return "/etc/wayprotect/wayprotect.toml"
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "/etc/wayprotect/wayprotect.toml"
	}

	return filepath.Join(home, ".config", "wayprotect", "wayprotect.toml")
}

// UpdateBackend replaces the backend section and saves it
func UpdateBackend(backendCfg BackendConfig) error {
	viper.Set("backend.kind", backendCfg.Kind)
	viper.Set("backend.set_command", backendCfg.SetCommand)
	viper.Set("backend.get_command", backendCfg.GetCommand)
	viper.Set("backend.command_timeout", backendCfg.CommandTimeout)
	viper.Set("backend.enable_delay_ms", backendCfg.EnableDelayMs)
	viper.Set("backend.drop_after_ms", backendCfg.DropAfterMs)
	viper.Set("backend.busy_count", backendCfg.BusyCount)
	viper.Set("backend.never_enable", backendCfg.NeverEnable)
	Get().Backend = backendCfg
	return Save()
}

// UpdateServer replaces the server section and saves it
func UpdateServer(serverCfg ServerConfig) error {
	viper.Set("server.socket_path", serverCfg.SocketPath)
	viper.Set("server.ssh_enabled", serverCfg.SSHEnabled)
	viper.Set("server.ssh_bind_address", serverCfg.SSHBindAddress)
	viper.Set("server.ssh_port", serverCfg.SSHPort)
	viper.Set("server.ssh_host_key_path", serverCfg.SSHHostKeyPath)
	viper.Set("server.ssh_authorized_keys_path", serverCfg.SSHAuthKeysPath)
	viper.Set("server.ssh_whitelist", serverCfg.SSHWhitelist)
	viper.Set("server.ssh_whitelist_only", serverCfg.SSHWhitelistOnly)
	Get().Server = serverCfg
	return Save()
}

// AddSSHKeyToWhitelist adds an SSH key fingerprint to the whitelist
func AddSSHKeyToWhitelist(fingerprint string) error {
	c := Get()

	for _, fp := range c.Server.SSHWhitelist {
		if fp == fingerprint {
			return fmt.Errorf("key already whitelisted")
		}
	}

	c.Server.SSHWhitelist = append(c.Server.SSHWhitelist, fingerprint)
	viper.Set("server.ssh_whitelist", c.Server.SSHWhitelist)
	return Save()
}

// RemoveSSHKeyFromWhitelist removes an SSH key fingerprint from the whitelist
func RemoveSSHKeyFromWhitelist(fingerprint string) error {
	c := Get()

	for i, fp := range c.Server.SSHWhitelist {
		if fp == fingerprint {
			c.Server.SSHWhitelist = append(c.Server.SSHWhitelist[:i], c.Server.SSHWhitelist[i+1:]...)
			viper.Set("server.ssh_whitelist", c.Server.SSHWhitelist)
			return Save()
		}
	}

	return fmt.Errorf("key not found in whitelist")
}

// IsSSHKeyWhitelisted checks if an SSH key fingerprint is whitelisted
func IsSSHKeyWhitelisted(fingerprint string) bool {
	for _, fp := range Get().Server.SSHWhitelist {
		if fp == fingerprint {
			return true
		}
	}
	return false
}

// Millis converts a millisecond setting to a duration
func Millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func defaultSocketPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" && os.Geteuid() != 0 {
		return filepath.Join(dir, "wayprotect.sock")
	}
	return "/tmp/wayprotect.sock"
}
