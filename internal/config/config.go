package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                 = "STUDIOSYNC"
	defaultHTTPAddress        = "0.0.0.0:8080"
	defaultDatabasePath       = "studiosync.db"
	defaultLogLevel           = "info"
	defaultLogFormat          = "json"
	defaultTokenTTLMinutes    = 30
	defaultPropagationDelayMS = 150
	defaultAuthorizationDelay = 500
	defaultRetryAttempts      = 3
	defaultRetryDelayMS       = 2000
	defaultScope              = "studio"
)

// AppConfig captures runtime configuration for the service and the follower.
type AppConfig struct {
	HTTPAddress  string
	DatabasePath string
	LogLevel     string
	LogFormat    string
	RedisAddress string
	Auth         AuthConfig
	Realtime     RealtimeConfig
}

// AuthConfig configures token issuance.
type AuthConfig struct {
	SigningSecret string
	ServiceKey    string
	TokenTTL      time.Duration
}

// RealtimeConfig configures the subscription lifecycle.
type RealtimeConfig struct {
	PropagationDelay   time.Duration
	AuthorizationDelay time.Duration
	RetryAttempts      int
	RetryDelay         time.Duration
	Scope              string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("redis.address", "")
	configViper.SetDefault("auth.signing_secret", "")
	configViper.SetDefault("auth.service_key", "")
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("realtime.propagation_delay_ms", defaultPropagationDelayMS)
	configViper.SetDefault("realtime.authorization_delay_ms", defaultAuthorizationDelay)
	configViper.SetDefault("realtime.retry_attempts", defaultRetryAttempts)
	configViper.SetDefault("realtime.retry_delay_ms", defaultRetryDelayMS)
	configViper.SetDefault("realtime.scope", defaultScope)
}

// Load parses runtime configuration from viper for processes that sign tokens.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := read(configViper)
	if strings.TrimSpace(cfg.Auth.SigningSecret) == "" {
		return AppConfig{}, fmt.Errorf("auth.signing_secret is required")
	}
	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// LoadClient parses configuration for a follower of a remote server, which
// obtains its tokens from the server and needs no signing secret.
func LoadClient(configViper *viper.Viper) (AppConfig, error) {
	cfg := read(configViper)
	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func read(configViper *viper.Viper) AppConfig {
	return AppConfig{
		HTTPAddress:  configViper.GetString("http.address"),
		DatabasePath: configViper.GetString("database.path"),
		LogLevel:     configViper.GetString("log.level"),
		LogFormat:    configViper.GetString("log.format"),
		RedisAddress: strings.TrimSpace(configViper.GetString("redis.address")),
		Auth: AuthConfig{
			SigningSecret: configViper.GetString("auth.signing_secret"),
			ServiceKey:    configViper.GetString("auth.service_key"),
			TokenTTL:      time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		},
		Realtime: RealtimeConfig{
			PropagationDelay:   milliseconds(configViper.GetInt("realtime.propagation_delay_ms")),
			AuthorizationDelay: milliseconds(configViper.GetInt("realtime.authorization_delay_ms")),
			RetryAttempts:      configViper.GetInt("realtime.retry_attempts"),
			RetryDelay:         milliseconds(configViper.GetInt("realtime.retry_delay_ms")),
			Scope:              strings.TrimSpace(configViper.GetString("realtime.scope")),
		},
	}
}

func milliseconds(value int) time.Duration {
	return time.Duration(value) * time.Millisecond
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl_minutes must be positive")
	}
	if c.Realtime.PropagationDelay < 0 || c.Realtime.AuthorizationDelay < 0 || c.Realtime.RetryDelay < 0 {
		return fmt.Errorf("realtime delays must not be negative")
	}
	if c.Realtime.RetryAttempts <= 0 {
		return fmt.Errorf("realtime.retry_attempts must be positive")
	}
	if c.Realtime.Scope == "" || strings.Contains(c.Realtime.Scope, ":") {
		return fmt.Errorf("realtime.scope must be a non-empty name without ':'")
	}
	return nil
}
