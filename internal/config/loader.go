package config

import (
	"fmt"
	"os"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Environment variables that override file values.
const (
	EnvWSURL  = "ECHO_WS_URL"
	EnvAPIURL = "ECHO_API_URL"
	EnvPort   = "PORT"
)

// Load reads a YAML config file, expands environment variables and applies
// endpoint overrides.
func Load(path string) (*EchoConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// Expand ${VAR} environment variables
	expanded := os.ExpandEnv(string(data))

	var cfg EchoConfig
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// LoadWithDefaults loads config and applies default values.
func LoadWithDefaults(path string) (*EchoConfig, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

// LoadAndValidate loads config, applies defaults, and validates.
func LoadAndValidate(path string) (*EchoConfig, error) {
	cfg, err := LoadWithDefaults(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// LoadFromEnv builds a validated config from defaults and environment
// overrides only, for running without a config file.
func LoadFromEnv() (*EchoConfig, error) {
	var cfg EchoConfig
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// endpointEnv holds the endpoint overrides read from the process environment.
type endpointEnv struct {
	WSURL  string `envconfig:"ECHO_WS_URL"`
	APIURL string `envconfig:"ECHO_API_URL"`
	Port   int    `envconfig:"PORT"`
}

// applyEnv overlays non-empty endpoint variables onto the config.
func (c *EchoConfig) applyEnv() error {
	var env endpointEnv
	if err := envconfig.Process("", &env); err != nil {
		return fmt.Errorf("read environment overrides: %w", err)
	}

	if env.WSURL != "" {
		c.Echo.WSURL = env.WSURL
	}
	if env.APIURL != "" {
		c.Echo.APIURL = env.APIURL
	}
	if env.Port != 0 {
		c.Echo.Port = env.Port
	}
	return nil
}
