package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix           = "MESAJ"
	defaultHTTPAddress  = "0.0.0.0:8080"
	defaultDatabasePath = "mesaj.db"
	defaultLogLevel     = "info"
	defaultTokenTTL     = 12 * time.Hour
	defaultPushTimeout  = 5 * time.Second
)

// AppConfig captures runtime configuration for the chat API server.
type AppConfig struct {
	HTTPAddress    string
	SigningSecret  string
	TokenTTL       time.Duration
	DatabasePath   string
	LogLevel       string
	PushGatewayURL string
	PushServerKey  string
	PushTimeout    time.Duration
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
	configViper.SetDefault("auth.token_ttl", defaultTokenTTL.String())
	configViper.SetDefault("push.gateway_url", "")
	configViper.SetDefault("push.timeout", defaultPushTimeout.String())
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		SigningSecret:  configViper.GetString("auth.signing_secret"),
		TokenTTL:       configViper.GetDuration("auth.token_ttl"),
		DatabasePath:   configViper.GetString("database.path"),
		LogLevel:       configViper.GetString("log.level"),
		PushGatewayURL: configViper.GetString("push.gateway_url"),
		PushServerKey:  configViper.GetString("push.server_key"),
		PushTimeout:    configViper.GetDuration("push.timeout"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl must be positive")
	}
	if strings.TrimSpace(c.PushGatewayURL) != "" && strings.TrimSpace(c.PushServerKey) == "" {
		return fmt.Errorf("push.server_key is required when push.gateway_url is set")
	}
	return nil
}
