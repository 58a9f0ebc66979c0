package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func initWithFile(t *testing.T, contents string) error {
	t.Helper()
	path := filepath.Join(t.TempDir(), "wayprotect.toml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))

	viper.Reset()
	SetConfigPath(path)
	t.Cleanup(func() {
		SetConfigPath("")
		Set(nil)
		viper.Reset()
	})
	return Init()
}

func TestInit(t *testing.T) {
	t.Run("initializes with defaults when no config exists", func(t *testing.T) {
		viper.Reset()
		oldWd, _ := os.Getwd()
		require.NoError(t, os.Chdir(t.TempDir()))
		defer os.Chdir(oldWd)
		defer Set(nil)

		require.NoError(t, Init())

		c := Get()
		require.NotNil(t, c)
		assert.Equal(t, 3, c.Negotiation.MaxRetries)
		assert.Equal(t, 5, c.Negotiation.RetryWindowFactor)
		assert.Equal(t, 1000, c.Negotiation.ObserveIntervalMs)
		assert.Equal(t, 100, c.Negotiation.InitialRetryDelayMs)
		assert.Equal(t, "auto", c.Backend.Kind)
	})

	t.Run("merges partial file with defaults", func(t *testing.T) {
		err := initWithFile(t, `[backend]
kind = "simulated"
enable_delay_ms = 250

[negotiation]
max_retries = 5
`)
		require.NoError(t, err)

		c := Get()
		assert.Equal(t, "simulated", c.Backend.Kind)
		assert.Equal(t, 250, c.Backend.EnableDelayMs)
		assert.Equal(t, 5, c.Negotiation.MaxRetries)
		assert.Equal(t, 1000, c.Negotiation.SettleWaitMs)
		assert.Equal(t, DefaultConfig.Server.SocketPath, c.Server.SocketPath)
	})

	t.Run("explicit path that does not exist yet", func(t *testing.T) {
		viper.Reset()
		SetConfigPath(filepath.Join(t.TempDir(), "new.toml"))
		defer func() {
			SetConfigPath("")
			Set(nil)
			viper.Reset()
		}()

		require.NoError(t, Init())
		assert.Equal(t, DefaultConfig.Negotiation, Get().Negotiation)
	})

	t.Run("handles invalid TOML", func(t *testing.T) {
		err := initWithFile(t, "[server\nsocket_path = 1")
		require.Error(t, err)
		assert.True(t, strings.Contains(err.Error(), "error reading config file"), "got %v", err)
	})

	t.Run("rejects invalid backend kind", func(t *testing.T) {
		err := initWithFile(t, `[backend]
kind = "drm"
`)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid backend kind")
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(c *Config) {},
		},
		{
			name: "exec without commands",
			mutate: func(c *Config) {
				c.Backend.Kind = "exec"
			},
			wantErr: "requires both",
		},
		{
			name: "exec with commands",
			mutate: func(c *Config) {
				c.Backend.Kind = "exec"
				c.Backend.SetCommand = "hdcpctl set {enable} {type}"
				c.Backend.GetCommand = "hdcpctl get {type}"
			},
		},
		{
			name: "zero observe interval",
			mutate: func(c *Config) {
				c.Negotiation.ObserveIntervalMs = 0
			},
			wantErr: "intervals must be positive",
		},
		{
			name: "negative retries",
			mutate: func(c *Config) {
				c.Negotiation.MaxRetries = -1
			},
			wantErr: "must not be negative",
		},
		{
			name: "zero settle wait is allowed",
			mutate: func(c *Config) {
				c.Negotiation.SettleWaitMs = 0
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultConfig
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfigPathResolution(t *testing.T) {
	t.Run("override wins", func(t *testing.T) {
		SetConfigPath("/tmp/custom.toml")
		defer SetConfigPath("")
		assert.Equal(t, "/tmp/custom.toml", GetConfigPath())
	})

	t.Run("normal user", func(t *testing.T) {
		if os.Getuid() == 0 {
			t.Skip("running as root resolves to the system path")
		}
		t.Setenv("HOME", "/home/testuser")
		t.Setenv("SUDO_USER", "")
		viper.Reset()

		assert.Equal(t, "/home/testuser/.config/wayprotect/wayprotect.toml", GetConfigPath())
	})

	t.Run("running with sudo", func(t *testing.T) {
		t.Setenv("SUDO_USER", "testuser")
		viper.Reset()

		assert.Equal(t, "/etc/wayprotect/wayprotect.toml", GetConfigPath())
	})
}

func TestSaveWritesConfig(t *testing.T) {
	require.NoError(t, initWithFile(t, `[backend]
kind = "simulated"
`))

	target := filepath.Join(t.TempDir(), "nested", "wayprotect.toml")
	SetConfigPath(target)

	require.NoError(t, UpdateBackend(BackendConfig{Kind: "exec", SetCommand: "a", GetCommand: "b"}))

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Contains(t, string(data), "set_command")
	assert.Equal(t, "exec", Get().Backend.Kind)
}

func TestWhitelist(t *testing.T) {
	require.NoError(t, initWithFile(t, ""))

	fp := "SHA256:test-key"
	assert.False(t, IsSSHKeyWhitelisted(fp))

	require.NoError(t, AddSSHKeyToWhitelist(fp))
	assert.True(t, IsSSHKeyWhitelisted(fp))
	assert.Error(t, AddSSHKeyToWhitelist(fp))

	require.NoError(t, RemoveSSHKeyFromWhitelist(fp))
	assert.False(t, IsSSHKeyWhitelisted(fp))
	assert.Error(t, RemoveSSHKeyFromWhitelist(fp))
}

func TestMillis(t *testing.T) {
	assert.Equal(t, 1500*time.Millisecond, Millis(1500))
	assert.Equal(t, time.Duration(0), Millis(0))
}
