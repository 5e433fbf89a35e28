// Package config loads core configuration from the environment and an
// optional .env file using Viper, and exposes it through the accessor
// interfaces the engine components depend on.
package config

import (
	"errors"
	"time"

	"github.com/spf13/viper"
)

// Core holds the engine configuration. Defaults mirror a typical
// production deployment; tests usually build their own small config structs
// against the component interfaces instead.
type Core struct {
	AppName string `mapstructure:"APP_NAME"`

	// AccessTokenValidity is the lifetime of a signed access token.
	AccessTokenValidity time.Duration `mapstructure:"ACCESS_TOKEN_VALIDITY"`
	// RefreshTokenValidity is the lifetime of a refresh token and with it
	// the session row itself.
	RefreshTokenValidity time.Duration `mapstructure:"REFRESH_TOKEN_VALIDITY"`

	// AccessTokenSigningKeyDynamic enables scheduled signing-key
	// rotation; when false a single key is generated that never expires.
	AccessTokenSigningKeyDynamic bool `mapstructure:"ACCESS_TOKEN_SIGNING_KEY_DYNAMIC"`
	// AccessTokenSigningKeyUpdateInterval is the rotation period and
	// also the grace window a superseded key stays verifiable for.
	AccessTokenSigningKeyUpdateInterval time.Duration `mapstructure:"ACCESS_TOKEN_SIGNING_KEY_UPDATE_INTERVAL"`

	EnableAntiCSRF          bool `mapstructure:"ENABLE_ANTI_CSRF"`
	AccessTokenBlacklisting bool `mapstructure:"ACCESS_TOKEN_BLACKLISTING"`

	// TransactionRetryCount bounds the internal retry loop around
	// storage write conflicts.
	TransactionRetryCount int `mapstructure:"TRANSACTION_RETRY_COUNT"`
}

// Load reads .env (missing file is ignored), then environment variables.
func Load() (*Core, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig()

	v.AutomaticEnv()

	v.SetDefault("APP_NAME", "Go Session Core")
	v.SetDefault("ACCESS_TOKEN_VALIDITY", "1h")
	v.SetDefault("REFRESH_TOKEN_VALIDITY", "2400h") // 100 days
	v.SetDefault("ACCESS_TOKEN_SIGNING_KEY_DYNAMIC", true)
	v.SetDefault("ACCESS_TOKEN_SIGNING_KEY_UPDATE_INTERVAL", "168h") // 7 days
	v.SetDefault("ENABLE_ANTI_CSRF", false)
	v.SetDefault("ACCESS_TOKEN_BLACKLISTING", false)
	v.SetDefault("TRANSACTION_RETRY_COUNT", 5)

	var cfg Core
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.AccessTokenValidity <= 0 {
		return nil, errors.New("config: ACCESS_TOKEN_VALIDITY must be positive")
	}
	if cfg.RefreshTokenValidity <= cfg.AccessTokenValidity {
		return nil, errors.New("config: REFRESH_TOKEN_VALIDITY must exceed ACCESS_TOKEN_VALIDITY")
	}
	if cfg.AccessTokenSigningKeyDynamic && cfg.AccessTokenSigningKeyUpdateInterval <= 0 {
		return nil, errors.New("config: ACCESS_TOKEN_SIGNING_KEY_UPDATE_INTERVAL must be positive")
	}
	if cfg.TransactionRetryCount < 1 {
		return nil, errors.New("config: TRANSACTION_RETRY_COUNT must be at least 1")
	}
	return &cfg, nil
}

func (c *Core) GetAppName() string { return c.AppName }

func (c *Core) GetAccessTokenValidity() time.Duration { return c.AccessTokenValidity }

func (c *Core) GetRefreshTokenValidity() time.Duration { return c.RefreshTokenValidity }

func (c *Core) GetAccessTokenSigningKeyDynamic() bool { return c.AccessTokenSigningKeyDynamic }

func (c *Core) GetAccessTokenSigningKeyUpdateInterval() time.Duration {
	return c.AccessTokenSigningKeyUpdateInterval
}

func (c *Core) GetEnableAntiCSRF() bool { return c.EnableAntiCSRF }

func (c *Core) GetAccessTokenBlacklisting() bool { return c.AccessTokenBlacklisting }

func (c *Core) GetTransactionRetryCount() int { return c.TransactionRetryCount }
