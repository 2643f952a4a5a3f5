// Package config holds the daemon configuration file
package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/keybunker/keybunker/recovery/client"
	"github.com/keybunker/keybunker/signer/daemon"
	"github.com/keybunker/keybunker/signer/keystore"
	"github.com/keybunker/keybunker/signer/permission"
	"github.com/keybunker/keybunker/signer/permsync"
	"github.com/keybunker/keybunker/signer/server"
	"github.com/keybunker/keybunker/util"
)

const DefaultListenAddress = "127.0.0.1:8765"

// DefaultRelays are used when the configuration lists none
var DefaultRelays = []string{"wss://relay.nsec.app", "wss://relay.damus.io"}

// HttpServerConfig of the confirmation UI API
type HttpServerConfig struct {
	ListenAddress  string
	AllowedOrigins []string
	// AuthToken is the bearer token the UI presents. Generated on first start when empty.
	AuthToken string
}

// KeyringConfig selects where the local wrapping keys live
type KeyringConfig struct {
	// Disabled keeps every key passphrase-only
	Disabled     bool
	FileDir      string
	FilePassword string
}

// Config of the keybunker daemon
type Config struct {
	Datadir     string
	Relays      []string
	HttpConfig  *HttpServerConfig
	MetricsPort int
	// AuthURL is the base of the auth_url challenge sent to apps. Empty disables challenges.
	AuthURL     string
	RecoveryURL string
	Keyring     *KeyringConfig

	PendingTTL         util.Duration
	AuthChallengeDelay util.Duration
	RequestWindow      util.Duration
	SyncInterval       util.Duration
	InitialBackoff     util.Duration
	MaxBackoff         util.Duration

	MinPow int
	MaxPow int
}

// DefaultDatadir returns the data directory used when none is configured
func DefaultDatadir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "keybunker")
	}
	return filepath.Join(os.TempDir(), "keybunker")
}

// Load reads the configuration file and applies defaults. A missing file yields the defaults.
func Load(file string) (*Config, error) {
	config := &Config{}
	if util.FileExists(file) {
		if _, err := util.ReadJsonWithEnvSub(file, config); err != nil {
			return nil, fmt.Errorf("failed reading config %s: %w", file, err)
		}
	}
	config.applyDefaults()
	if err := config.validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Save writes the configuration file with restricted permissions
func Save(ctx context.Context, file string, config *Config) error {
	return util.WriteJsonWithRestrictedPermission(ctx, file, config)
}

func (c *Config) applyDefaults() {
	if c.Datadir == "" {
		c.Datadir = DefaultDatadir()
	}
	if len(c.Relays) == 0 {
		c.Relays = append([]string(nil), DefaultRelays...)
	}
	if c.HttpConfig == nil {
		c.HttpConfig = &HttpServerConfig{}
	}
	if c.HttpConfig.ListenAddress == "" {
		c.HttpConfig.ListenAddress = DefaultListenAddress
	}
	if c.Keyring == nil {
		c.Keyring = &KeyringConfig{}
	}
	setDuration(&c.PendingTTL, permission.DefaultPendingTTL)
	setDuration(&c.AuthChallengeDelay, server.DefaultAuthChallengeDelay)
	setDuration(&c.RequestWindow, server.DefaultRequestWindow)
	setDuration(&c.SyncInterval, permsync.DefaultInterval)
	setDuration(&c.InitialBackoff, daemon.DefaultInitialBackoff)
	setDuration(&c.MaxBackoff, daemon.DefaultMaxBackoff)
	if c.MinPow == 0 {
		c.MinPow = client.DefaultMinPow
	}
	if c.MaxPow == 0 {
		c.MaxPow = client.DefaultMaxPow
	}
}

func setDuration(d *util.Duration, def time.Duration) {
	if d.Duration <= 0 {
		d.Duration = def
	}
}

func (c *Config) validate() error {
	if c.MinPow > c.MaxPow {
		return fmt.Errorf("MinPow %d is above MaxPow %d", c.MinPow, c.MaxPow)
	}
	if c.InitialBackoff.Duration > c.MaxBackoff.Duration {
		return fmt.Errorf("InitialBackoff %s is above MaxBackoff %s", c.InitialBackoff, c.MaxBackoff)
	}
	return nil
}

// DaemonConfig returns the settings of the key sessions
func (c *Config) DaemonConfig() daemon.Config {
	return daemon.Config{
		Relays: c.Relays,
		Server: server.Config{
			AuthURL:            c.AuthURL,
			AuthChallengeDelay: c.AuthChallengeDelay.Duration,
			RequestWindow:      c.RequestWindow.Duration,
		},
		PendingTTL:     c.PendingTTL.Duration,
		SyncInterval:   c.SyncInterval.Duration,
		InitialBackoff: c.InitialBackoff.Duration,
		MaxBackoff:     c.MaxBackoff.Duration,
		Recovery: daemon.RecoveryConfig{
			URL:    c.RecoveryURL,
			MinPow: c.MinPow,
			MaxPow: c.MaxPow,
		},
	}
}

// KeystoreConfig returns the keychain settings
func (c *Config) KeystoreConfig() keystore.Config {
	return keystore.Config{
		FileDir:      c.Keyring.FileDir,
		FilePassword: c.Keyring.FilePassword,
	}
}
