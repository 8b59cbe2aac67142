// Package config loads the relay configuration from an optional YAML file
// with RELAY_* environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config is the full relay configuration.
type Config struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	AuthPassword string `yaml:"auth_password"`

	DatabasePath    string `yaml:"database_path"`
	CredentialsDir  string `yaml:"credentials_dir"`
	CredentialsJSON string `yaml:"credentials_json"`

	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`

	CodeAssistEndpoint string `yaml:"code_assist_endpoint"`
	PublicEndpoint     string `yaml:"public_endpoint"`
	EmbeddingAPIKey    string `yaml:"embedding_api_key"`

	RefreshMarginSeconds   int  `yaml:"refresh_margin_seconds"`
	RequireProjectID       bool `yaml:"require_project_id"`
	UpstreamTimeoutSeconds int  `yaml:"upstream_timeout_seconds"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Host:                   "0.0.0.0",
		Port:                   7860,
		AuthPassword:           "123456",
		DatabasePath:           "relay.db",
		CredentialsDir:         "credentials",
		CodeAssistEndpoint:     "https://cloudcode-pa.googleapis.com/v1internal",
		PublicEndpoint:         "https://generativelanguage.googleapis.com",
		RefreshMarginSeconds:   60,
		RequireProjectID:       false,
		UpstreamTimeoutSeconds: 300,
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// it exists), then RELAY_* environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// Missing file is fine, run on defaults and env.
		default:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	applyEnv(cfg)
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port %d", cfg.Port)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setBool := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(key); ok {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}

	setString("RELAY_HOST", &cfg.Host)
	setInt("RELAY_PORT", &cfg.Port)
	setString("RELAY_AUTH_PASSWORD", &cfg.AuthPassword)
	setString("RELAY_DATABASE_PATH", &cfg.DatabasePath)
	setString("RELAY_CREDENTIALS_DIR", &cfg.CredentialsDir)
	setString("RELAY_CREDENTIALS_JSON", &cfg.CredentialsJSON)
	setString("RELAY_CLIENT_ID", &cfg.ClientID)
	setString("RELAY_CLIENT_SECRET", &cfg.ClientSecret)
	setString("RELAY_CODE_ASSIST_ENDPOINT", &cfg.CodeAssistEndpoint)
	setString("RELAY_PUBLIC_ENDPOINT", &cfg.PublicEndpoint)
	setString("RELAY_EMBEDDING_API_KEY", &cfg.EmbeddingAPIKey)
	setInt("RELAY_REFRESH_MARGIN_SECONDS", &cfg.RefreshMarginSeconds)
	setBool("RELAY_REQUIRE_PROJECT_ID", &cfg.RequireProjectID)
	setInt("RELAY_UPSTREAM_TIMEOUT_SECONDS", &cfg.UpstreamTimeoutSeconds)
}

// Addr returns the host:port listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
