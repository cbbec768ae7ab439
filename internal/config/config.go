// Package config provides YAML-based configuration loading for Stationmaster.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level Stationmaster configuration, loaded from
// stationmaster.yaml.
type Config struct {
	AssistantName string          `yaml:"assistant_name"`
	Timezone      string          `yaml:"timezone"`
	DataDir       string          `yaml:"data_dir"`
	MainFolder    string          `yaml:"main_folder"`
	DB            DBConfig        `yaml:"db"`
	Transport     TransportConfig `yaml:"transport"`
	Poll          PollConfig      `yaml:"poll"`
	Agent         AgentConfig     `yaml:"agent"`
	Dashboard     DashboardConfig `yaml:"dashboard"`
	Auth          AuthConfig      `yaml:"auth"`
}

// DBConfig selects and configures the embedded store backend.
type DBConfig struct {
	Driver   string `yaml:"driver"` // "sqlite" (default) or "mysql"
	Path     string `yaml:"path"`   // sqlite file path
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// TransportConfig selects and configures the chat platform adapter.
type TransportConfig struct {
	Platform string        `yaml:"platform"` // "discord" or "slack"
	Discord  DiscordConfig `yaml:"discord"`
	Slack    SlackConfig   `yaml:"slack"`
}

// DiscordConfig holds Discord Gateway credentials.
type DiscordConfig struct {
	BotToken string `yaml:"bot_token"`
}

// SlackConfig holds Slack Socket Mode credentials.
type SlackConfig struct {
	AppToken string `yaml:"app_token"`
	BotToken string `yaml:"bot_token"`
}

// PollConfig holds the fixed intervals for the orchestrator's loops.
type PollConfig struct {
	MessagesSec     int `yaml:"messages_sec"`
	IPCSec          int `yaml:"ipc_sec"`
	SchedulerSec    int `yaml:"scheduler_sec"`
	GroupRefreshSec int `yaml:"group_refresh_sec"`
}

// AgentConfig configures the containerized agent runner.
type AgentConfig struct {
	Command    string   `yaml:"command"`     // runner binary, default "claw-agent"
	Args       []string `yaml:"args"`        // extra args placed before the workspace path
	TimeoutSec int      `yaml:"timeout_sec"` // per-invocation wall clock limit
}

// DashboardConfig configures the read-only status HTTP server.
type DashboardConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// AuthConfig maps provider names to OAuth authorization endpoints used when
// an agent reports an authorization requirement.
type AuthConfig struct {
	Providers map[string]ProviderConfig `yaml:"providers"`
}

// ProviderConfig describes one OAuth provider's authorization-link settings.
type ProviderConfig struct {
	AuthURL     string   `yaml:"auth_url"`
	TokenURL    string   `yaml:"token_url"`
	ClientID    string   `yaml:"client_id"`
	RedirectURL string   `yaml:"redirect_url"`
	Scopes      []string `yaml:"scopes"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.AssistantName == "" {
		c.AssistantName = "Andy"
	}
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			c.DataDir = filepath.Join(home, ".stationmaster")
		} else {
			c.DataDir = ".stationmaster"
		}
	}
	if c.MainFolder == "" {
		c.MainFolder = "main"
	}
	if c.DB.Driver == "" {
		c.DB.Driver = "sqlite"
	}
	if c.DB.Path == "" {
		c.DB.Path = filepath.Join(c.DataDir, "stationmaster.db")
	}
	if c.DB.Host == "" {
		c.DB.Host = "127.0.0.1"
	}
	if c.DB.Port == 0 {
		c.DB.Port = 3306
	}
	if c.DB.Database == "" {
		c.DB.Database = "stationmaster"
	}
	if c.DB.User == "" {
		c.DB.User = "root"
	}
	if c.Poll.MessagesSec == 0 {
		c.Poll.MessagesSec = 2
	}
	if c.Poll.IPCSec == 0 {
		c.Poll.IPCSec = 1
	}
	if c.Poll.SchedulerSec == 0 {
		c.Poll.SchedulerSec = 30
	}
	if c.Poll.GroupRefreshSec == 0 {
		c.Poll.GroupRefreshSec = 300
	}
	if c.Agent.Command == "" {
		c.Agent.Command = "claw-agent"
	}
	if c.Agent.TimeoutSec == 0 {
		c.Agent.TimeoutSec = 600
	}
	if c.Dashboard.Port == 0 {
		c.Dashboard.Port = 8642
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Sprintf("timezone %q is invalid", c.Timezone))
	}
	switch c.Transport.Platform {
	case "", "discord", "slack":
	default:
		errs = append(errs, fmt.Sprintf("transport.platform %q is not supported (discord, slack)", c.Transport.Platform))
	}
	switch c.DB.Driver {
	case "sqlite", "mysql":
	default:
		errs = append(errs, fmt.Sprintf("db.driver %q is not supported (sqlite, mysql)", c.DB.Driver))
	}
	for name, p := range c.Auth.Providers {
		if p.AuthURL == "" {
			errs = append(errs, fmt.Sprintf("auth.providers.%s.auth_url is required", name))
		}
		if p.ClientID == "" {
			errs = append(errs, fmt.Sprintf("auth.providers.%s.client_id is required", name))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Location returns the configured timezone, falling back to UTC.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// StateDir returns the directory holding the JSON state documents.
func (c *Config) StateDir() string {
	return filepath.Join(c.DataDir, "state")
}

// WorkspacesDir returns the root of per-group agent workspaces.
func (c *Config) WorkspacesDir() string {
	return filepath.Join(c.DataDir, "workspaces")
}

// MailboxDir returns the filesystem IPC mailbox root.
func (c *Config) MailboxDir() string {
	return filepath.Join(c.DataDir, "mailbox")
}
