package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// SweeperConfig captures settings for the reconciliation sweep daemon.
type SweeperConfig struct {
	Storage struct {
		PostgresDSN string `yaml:"postgres_dsn"`
		MaxConns    int32  `yaml:"max_conns"`
		MinConns    int32  `yaml:"min_conns"`
	} `yaml:"storage"`

	Ledger struct {
		BaseURL        string `yaml:"base_url"`
		WriteToken     string `yaml:"write_token"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"ledger"`

	Sweep struct {
		Schedule          string `yaml:"schedule"`
		BatchSize         int    `yaml:"batch_size"`
		MaxAttempts       int    `yaml:"max_attempts"`
		MaxBackoffSeconds int    `yaml:"max_backoff_seconds"`
	} `yaml:"sweep"`

	Security struct {
		EnforceSecureTLS *bool `yaml:"enforce_secure_transport"`
	} `yaml:"security"`

	Logging struct {
		Service string `yaml:"service"`
		Version string `yaml:"version"`
		Commit  string `yaml:"commit"`
		Region  string `yaml:"region"`
	} `yaml:"logging"`
}

func LoadSweeper(path string) (*SweeperConfig, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sweeper config: %w", err)
	}
	var cfg SweeperConfig
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return nil, fmt.Errorf("parse sweeper config yaml: %w", err)
	}
	cfg.expandEnv()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SweepSchedule parses the configured cron expression. Load has already
// validated it, so errors here mean the config was mutated after loading.
func (c *SweeperConfig) SweepSchedule() (cron.Schedule, error) {
	return cronParser.Parse(c.Sweep.Schedule)
}

func (c *SweeperConfig) applyDefaults() {
	if c.Storage.MaxConns <= 0 {
		c.Storage.MaxConns = 10
	}
	if c.Storage.MinConns < 0 {
		c.Storage.MinConns = 0
	}
	if c.Ledger.TimeoutSeconds <= 0 {
		c.Ledger.TimeoutSeconds = 10
	}
	if c.Sweep.Schedule == "" {
		c.Sweep.Schedule = "* * * * *"
	}
	if c.Sweep.BatchSize <= 0 {
		c.Sweep.BatchSize = 50
	}
	if c.Sweep.MaxAttempts <= 0 {
		c.Sweep.MaxAttempts = 10
	}
	if c.Sweep.MaxBackoffSeconds <= 0 {
		c.Sweep.MaxBackoffSeconds = 600
	}
	if c.Security.EnforceSecureTLS == nil {
		c.Security.EnforceSecureTLS = boolPtr(true)
	}
	if c.Logging.Service == "" {
		c.Logging.Service = "cipherpost-sweeper"
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

func (c *SweeperConfig) validate() error {
	if c.Storage.PostgresDSN == "" {
		return errors.New("storage.postgres_dsn is required")
	}
	if *c.Security.EnforceSecureTLS && dsnUsesInsecureSSL(c.Storage.PostgresDSN) {
		return errors.New("storage.postgres_dsn must use sslmode=require|verify-ca|verify-full when enforce_secure_transport is enabled")
	}
	if c.Ledger.BaseURL == "" {
		return errors.New("ledger.base_url is required")
	}
	if c.Ledger.WriteToken == "" {
		return errors.New("ledger.write_token is required")
	}
	if *c.Security.EnforceSecureTLS && !isHTTPSURL(c.Ledger.BaseURL) {
		return errors.New("ledger.base_url must be https when enforce_secure_transport is enabled")
	}
	if _, err := cronParser.Parse(c.Sweep.Schedule); err != nil {
		return fmt.Errorf("sweep.schedule is invalid: %w", err)
	}
	return nil
}

func (c *SweeperConfig) expandEnv() {
	c.Storage.PostgresDSN = os.ExpandEnv(strings.TrimSpace(c.Storage.PostgresDSN))
	c.Ledger.BaseURL = os.ExpandEnv(strings.TrimSpace(c.Ledger.BaseURL))
	c.Ledger.WriteToken = os.ExpandEnv(strings.TrimSpace(c.Ledger.WriteToken))
}
