package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config captures runtime settings for the message delivery server.
type Config struct {
	Server struct {
		Listen                 string `yaml:"listen"`
		ReadTimeoutSeconds     int    `yaml:"read_timeout_seconds"`
		WriteTimeoutSeconds    int    `yaml:"write_timeout_seconds"`
		ShutdownTimeoutSeconds int    `yaml:"shutdown_timeout_seconds"`
	} `yaml:"server"`

	Storage struct {
		PostgresDSN string `yaml:"postgres_dsn"`
		MaxConns    int32  `yaml:"max_conns"`
		MinConns    int32  `yaml:"min_conns"`
	} `yaml:"storage"`

	Redis struct {
		Addr              string `yaml:"addr"`
		Password          string `yaml:"password"`
		DB                int    `yaml:"db"`
		PendingTTLSeconds int    `yaml:"pending_ttl_seconds"`
	} `yaml:"redis"`

	Ledger struct {
		BaseURL        string `yaml:"base_url"`
		WriteToken     string `yaml:"write_token"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"ledger"`

	Notary struct {
		Workers           int `yaml:"workers"`
		QueueSize         int `yaml:"queue_size"`
		MaxAttempts       int `yaml:"max_attempts"`
		MaxBackoffSeconds int `yaml:"max_backoff_seconds"`
	} `yaml:"notary"`

	Delivery struct {
		EnableOfflineQueue *bool `yaml:"enable_offline_queue"`
		SendQueueSize      int   `yaml:"send_queue_size"`
	} `yaml:"delivery"`

	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"auth"`

	Security struct {
		TrustedCIDRs     []string `yaml:"trusted_cidrs"`
		EnableIPAllow    *bool    `yaml:"enable_ip_allow_list"`
		EnforceSecureTLS *bool    `yaml:"enforce_secure_transport"`
	} `yaml:"security"`

	Logging struct {
		Service string `yaml:"service"`
		Version string `yaml:"version"`
		Commit  string `yaml:"commit"`
		Region  string `yaml:"region"`
	} `yaml:"logging"`
}

// Load reads and validates config from disk.
func Load(path string) (*Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}
	cfg.expandEnv()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = "127.0.0.1:8080"
	}
	if c.Server.ReadTimeoutSeconds <= 0 {
		c.Server.ReadTimeoutSeconds = 10
	}
	if c.Server.WriteTimeoutSeconds <= 0 {
		c.Server.WriteTimeoutSeconds = 20
	}
	if c.Server.ShutdownTimeoutSeconds <= 0 {
		c.Server.ShutdownTimeoutSeconds = 15
	}
	if c.Storage.MaxConns <= 0 {
		c.Storage.MaxConns = 12
	}
	if c.Storage.MinConns < 0 {
		c.Storage.MinConns = 0
	}
	if c.Redis.PendingTTLSeconds <= 0 {
		c.Redis.PendingTTLSeconds = 259200
	}
	if c.Ledger.TimeoutSeconds <= 0 {
		c.Ledger.TimeoutSeconds = 10
	}
	if c.Notary.Workers <= 0 {
		c.Notary.Workers = 4
	}
	if c.Notary.QueueSize <= 0 {
		c.Notary.QueueSize = 256
	}
	if c.Notary.MaxAttempts <= 0 {
		c.Notary.MaxAttempts = 10
	}
	if c.Notary.MaxBackoffSeconds <= 0 {
		c.Notary.MaxBackoffSeconds = 600
	}
	if c.Delivery.EnableOfflineQueue == nil {
		c.Delivery.EnableOfflineQueue = boolPtr(true)
	}
	if c.Delivery.SendQueueSize <= 0 {
		c.Delivery.SendQueueSize = 64
	}
	if c.Security.EnableIPAllow == nil {
		c.Security.EnableIPAllow = boolPtr(false)
	}
	if c.Security.EnforceSecureTLS == nil {
		c.Security.EnforceSecureTLS = boolPtr(true)
	}
	if len(c.Security.TrustedCIDRs) == 0 {
		c.Security.TrustedCIDRs = []string{
			"127.0.0.1/32",
			"10.0.0.0/8",
			"172.16.0.0/12",
			"192.168.0.0/16",
		}
	}
	if c.Logging.Service == "" {
		c.Logging.Service = "cipherpost-server"
	}
	if c.Logging.Version == "" {
		c.Logging.Version = "dev"
	}
	if c.Logging.Commit == "" {
		c.Logging.Commit = "unknown"
	}
	if c.Logging.Region == "" {
		c.Logging.Region = "local"
	}
}

func (c *Config) validate() error {
	if c.Storage.PostgresDSN == "" {
		return errors.New("storage.postgres_dsn is required")
	}
	if c.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is required")
	}
	if c.Ledger.BaseURL == "" {
		return errors.New("ledger.base_url is required")
	}
	if c.Ledger.WriteToken == "" {
		return errors.New("ledger.write_token is required")
	}
	if *c.Security.EnforceSecureTLS && dsnUsesInsecureSSL(c.Storage.PostgresDSN) {
		return errors.New("storage.postgres_dsn must use sslmode=require|verify-ca|verify-full when enforce_secure_transport is enabled")
	}
	if *c.Security.EnforceSecureTLS && !isHTTPSURL(c.Ledger.BaseURL) {
		return errors.New("ledger.base_url must be https when enforce_secure_transport is enabled")
	}
	if *c.Delivery.EnableOfflineQueue && strings.TrimSpace(c.Redis.Addr) == "" {
		return errors.New("redis.addr is required when delivery.enable_offline_queue is enabled")
	}
	if *c.Security.EnableIPAllow && len(c.Security.TrustedCIDRs) == 0 {
		return errors.New("security.trusted_cidrs is required when ip allow list is enabled")
	}
	for i, cidr := range c.Security.TrustedCIDRs {
		cidr = strings.TrimSpace(cidr)
		if cidr == "" {
			continue
		}
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			return fmt.Errorf("security.trusted_cidrs[%d] is invalid: %w", i, err)
		}
	}
	return nil
}

func (c *Config) expandEnv() {
	c.Storage.PostgresDSN = os.ExpandEnv(strings.TrimSpace(c.Storage.PostgresDSN))
	c.Redis.Addr = os.ExpandEnv(strings.TrimSpace(c.Redis.Addr))
	c.Redis.Password = os.ExpandEnv(strings.TrimSpace(c.Redis.Password))
	c.Ledger.BaseURL = os.ExpandEnv(strings.TrimSpace(c.Ledger.BaseURL))
	c.Ledger.WriteToken = os.ExpandEnv(strings.TrimSpace(c.Ledger.WriteToken))
	c.Auth.JWTSecret = os.ExpandEnv(strings.TrimSpace(c.Auth.JWTSecret))
}
