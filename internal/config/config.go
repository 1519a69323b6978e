// Package config defines the banca configuration file and its defaults.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/harun/banca/pkg/moderation"
)

// Config represents the main banca configuration
type Config struct {
	Server     ServerConfig     `json:"server" mapstructure:"server"`
	Store      StoreConfig      `json:"store" mapstructure:"store"`
	Retention  RetentionConfig  `json:"retention" mapstructure:"retention"`
	Agents     AgentsConfig     `json:"agents" mapstructure:"agents"`
	AI         AIConfig         `json:"ai" mapstructure:"ai"`
	Banking    BankingConfig    `json:"banking" mapstructure:"banking"`
	Tools      ToolsConfig      `json:"tools" mapstructure:"tools"`
	Moderation ModerationConfig `json:"moderation" mapstructure:"moderation"`
	Logging    LoggingConfig    `json:"logging" mapstructure:"logging"`
	Tracing    TracingConfig    `json:"tracing" mapstructure:"tracing"`

	// Data directory for file/sqlite stores, pid file, audit log
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// ServerConfig holds HTTP API settings
type ServerConfig struct {
	Host               string `json:"host" mapstructure:"host"`
	Port               int    `json:"port" mapstructure:"port"`
	RequestTimeout     int    `json:"request_timeout_seconds" mapstructure:"request_timeout_seconds"`
	RateLimitPerMinute int    `json:"rate_limit_per_minute" mapstructure:"rate_limit_per_minute"` // 0 disables
	RateLimitBurst     int    `json:"rate_limit_burst" mapstructure:"rate_limit_burst"`
}

// StoreConfig selects the checkpoint/active-agent backend
type StoreConfig struct {
	Backend    string      `json:"backend" mapstructure:"backend"` // memory, file, sqlite, redis, mongo
	Dir        string      `json:"dir" mapstructure:"dir"`
	SQLitePath string      `json:"sqlite_path" mapstructure:"sqlite_path"`
	Redis      RedisConfig `json:"redis" mapstructure:"redis"`
	Mongo      MongoConfig `json:"mongo" mapstructure:"mongo"`
}

type RedisConfig struct {
	Addr      string `json:"addr" mapstructure:"addr"`
	Password  string `json:"password" mapstructure:"password"`
	DB        int    `json:"db" mapstructure:"db"`
	KeyPrefix string `json:"key_prefix" mapstructure:"key_prefix"`
}

type MongoConfig struct {
	URI                  string `json:"uri" mapstructure:"uri"`
	Database             string `json:"database" mapstructure:"database"`
	CheckpointCollection string `json:"checkpoint_collection" mapstructure:"checkpoint_collection"`
	UserDataCollection   string `json:"userdata_collection" mapstructure:"userdata_collection"`
}

// RetentionConfig controls pruning of idle conversations
type RetentionConfig struct {
	Enabled    bool   `json:"enabled" mapstructure:"enabled"`
	MaxAgeDays int    `json:"max_age_days" mapstructure:"max_age_days"`
	Schedule   string `json:"schedule" mapstructure:"schedule"` // cron expression
}

// AgentsConfig holds inference settings shared by every agent
type AgentsConfig struct {
	Model           string  `json:"model" mapstructure:"model"`
	Temperature     float64 `json:"temperature" mapstructure:"temperature"`
	MaxTokens       int     `json:"max_tokens" mapstructure:"max_tokens"`
	MaxRetries      int     `json:"max_retries" mapstructure:"max_retries"`
	MaxToolTurns    int     `json:"max_tool_turns" mapstructure:"max_tool_turns"`
	DefinitionsFile string  `json:"definitions_file" mapstructure:"definitions_file"`
	// Offline swaps the LLM for a deterministic keyword responder
	Offline bool `json:"offline" mapstructure:"offline"`
}

// AIConfig holds AI provider configuration
type AIConfig struct {
	Profiles []AIProfile `json:"profiles" mapstructure:"profiles"`
}

// AIProfile represents an AI provider profile
type AIProfile struct {
	ID       string `json:"id" mapstructure:"id"`
	Provider string `json:"provider" mapstructure:"provider"` // anthropic, openai
	APIKey   string `json:"api_key" mapstructure:"api_key"`
	BaseURL  string `json:"base_url" mapstructure:"base_url"`
	Priority int    `json:"priority" mapstructure:"priority"`
}

// BankingConfig configures the demo ledger behind the banking tools
type BankingConfig struct {
	LoanAnnualRate float64            `json:"loan_annual_rate" mapstructure:"loan_annual_rate"` // percent
	SeedAccounts   map[string]float64 `json:"seed_accounts" mapstructure:"seed_accounts"`
}

// ToolsConfig limits tool execution
type ToolsConfig struct {
	TimeoutSeconds int `json:"timeout_seconds" mapstructure:"timeout_seconds"`
	MaxOutputBytes int `json:"max_output_bytes" mapstructure:"max_output_bytes"`
}

// ModerationConfig screens customer messages before any agent sees them
type ModerationConfig struct {
	Enabled         bool     `json:"enabled" mapstructure:"enabled"`
	BlockedKeywords []string `json:"blocked_keywords" mapstructure:"blocked_keywords"`
	BlockedPatterns []string `json:"blocked_patterns" mapstructure:"blocked_patterns"` // regular expressions
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	Format    string `json:"format" mapstructure:"format"` // console, json
	File      string `json:"file" mapstructure:"file"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

type TracingConfig struct {
	Enabled     bool   `json:"enabled" mapstructure:"enabled"`
	ServiceName string `json:"service_name" mapstructure:"service_name"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:               "127.0.0.1",
			Port:               8080,
			RequestTimeout:     60,
			RateLimitPerMinute: 120,
			RateLimitBurst:     20,
		},
		Store: StoreConfig{
			Backend: "file",
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				KeyPrefix: "banca:",
			},
			Mongo: MongoConfig{
				URI:                  "mongodb://localhost:27017",
				Database:             "banca",
				CheckpointCollection: "chat",
				UserDataCollection:   "userdata",
			},
		},
		Retention: RetentionConfig{
			Enabled:    false,
			MaxAgeDays: 30,
			Schedule:   "@daily",
		},
		Agents: AgentsConfig{
			Model:        "gpt-4o-mini",
			Temperature:  0.2,
			MaxTokens:    1024,
			MaxRetries:   3,
			MaxToolTurns: 10,
		},
		AI: AIConfig{
			Profiles: []AIProfile{},
		},
		Banking: BankingConfig{
			LoanAnnualRate: 5.0,
			SeedAccounts: map[string]float64{
				"1234567890": 2500.00,
				"9876543210": 120.50,
			},
		},
		Tools: ToolsConfig{
			TimeoutSeconds: 30,
			MaxOutputBytes: 10240,
		},
		Moderation: ModerationConfig{
			Enabled:         true,
			BlockedKeywords: []string{},
			BlockedPatterns: []string{moderation.CardNumberPattern},
		},
		Logging: LoggingConfig{
			Level:     "info",
			Format:    "console",
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		Tracing: TracingConfig{
			Enabled:     true,
			ServiceName: "banca",
		},
	}
}

// Addr returns host:port for the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// String returns a JSON representation of the config with secrets masked
func (c *Config) String() string {
	clone := *c
	clone.AI.Profiles = make([]AIProfile, len(c.AI.Profiles))
	for i, p := range c.AI.Profiles {
		if p.APIKey != "" {
			p.APIKey = "***"
		}
		clone.AI.Profiles[i] = p
	}
	if clone.Store.Redis.Password != "" {
		clone.Store.Redis.Password = "***"
	}
	data, _ := json.MarshalIndent(clone, "", "  ")
	return string(data)
}

// Validate checks the configuration and reports every problem found.
func (c *Config) Validate() error {
	errs := NewValidator().ValidateConfig(c)
	if len(errs) == 0 {
		return nil
	}
	msgs := make([]string, 0, len(errs))
	for _, err := range errs {
		msgs = append(msgs, err.Error())
	}
	return errors.New("invalid configuration: " + strings.Join(msgs, "; "))
}
