package config

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/robfig/cron/v3"
)

var (
	validBackends  = []string{"memory", "file", "sqlite", "redis", "mongo"}
	validProviders = []string{"anthropic", "openai"}
	validLevels    = []string{"debug", "info", "warn", "error"}
	validFormats   = []string{"console", "json"}
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

func oneOf(value string, allowed []string) bool {
	for _, a := range allowed {
		if value == a {
			return true
		}
	}
	return false
}

// ValidateAPIKey validates an API key format
func (v *Validator) ValidateAPIKey(key string, provider string) error {
	if key == "" {
		return fmt.Errorf("%s API key cannot be empty", provider)
	}

	switch provider {
	case "anthropic":
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	case "openai":
		if !strings.HasPrefix(key, "sk-") {
			return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
		}
	}

	return nil
}

// ValidateTemperature validates temperature value
func (v *Validator) ValidateTemperature(temp float64) error {
	if temp < 0 || temp > 2 {
		return fmt.Errorf("temperature must be between 0 and 2, got %f", temp)
	}
	return nil
}

// ValidateMaxTokens validates max tokens value
func (v *Validator) ValidateMaxTokens(tokens int) error {
	if tokens <= 0 {
		return fmt.Errorf("max tokens must be positive, got %d", tokens)
	}
	if tokens > 200000 {
		return fmt.Errorf("max tokens too large (max 200000), got %d", tokens)
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	if !oneOf(level, validLevels) {
		return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
	}
	return nil
}

// ValidateSchedule checks a cron expression, descriptors like @daily included.
func (v *Validator) ValidateSchedule(spec string) error {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(spec); err != nil {
		return fmt.Errorf("invalid retention schedule %q: %w", spec, err)
	}
	return nil
}

// ValidateStore checks the selected backend has what it needs.
func (v *Validator) ValidateStore(store StoreConfig) []error {
	var errs []error
	if !oneOf(store.Backend, validBackends) {
		errs = append(errs, fmt.Errorf("invalid store backend: %s (must be one of: %s)", store.Backend, strings.Join(validBackends, ", ")))
	}
	switch store.Backend {
	case "redis":
		if store.Redis.Addr == "" {
			errs = append(errs, fmt.Errorf("store.redis.addr is required for the redis backend"))
		}
	case "mongo":
		if store.Mongo.URI == "" || store.Mongo.Database == "" {
			errs = append(errs, fmt.Errorf("store.mongo.uri and store.mongo.database are required for the mongo backend"))
		}
	}
	return errs
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errs []error

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be between 1 and 65535, got %d", cfg.Server.Port))
	}
	if cfg.Server.RequestTimeout < 0 {
		errs = append(errs, fmt.Errorf("server.request_timeout_seconds must be >= 0"))
	}
	if cfg.Server.RateLimitPerMinute < 0 || cfg.Server.RateLimitBurst < 0 {
		errs = append(errs, fmt.Errorf("server rate limits must be >= 0"))
	}

	errs = append(errs, v.ValidateStore(cfg.Store)...)

	if cfg.Retention.Enabled {
		if cfg.Retention.MaxAgeDays <= 0 {
			errs = append(errs, fmt.Errorf("retention.max_age_days must be positive when retention is enabled"))
		}
		if err := v.ValidateSchedule(cfg.Retention.Schedule); err != nil {
			errs = append(errs, err)
		}
	}

	if err := v.ValidateTemperature(cfg.Agents.Temperature); err != nil {
		errs = append(errs, err)
	}
	if err := v.ValidateMaxTokens(cfg.Agents.MaxTokens); err != nil {
		errs = append(errs, err)
	}
	if cfg.Agents.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("agents.max_retries must be >= 0"))
	}
	if cfg.Agents.MaxToolTurns <= 0 {
		errs = append(errs, fmt.Errorf("agents.max_tool_turns must be positive"))
	}

	if !cfg.Agents.Offline && len(cfg.AI.Profiles) == 0 {
		errs = append(errs, fmt.Errorf("no AI credentials configured: add an AI profile or set agents.offline"))
	}
	seen := make(map[string]bool)
	for i, profile := range cfg.AI.Profiles {
		if profile.ID == "" {
			errs = append(errs, fmt.Errorf("AI profile %d: ID is required", i))
		} else if seen[profile.ID] {
			errs = append(errs, fmt.Errorf("AI profile %s: duplicate ID", profile.ID))
		}
		seen[profile.ID] = true
		if !oneOf(profile.Provider, validProviders) {
			errs = append(errs, fmt.Errorf("AI profile %d (%s): invalid provider %q (must be: %s)", i, profile.ID, profile.Provider, strings.Join(validProviders, ", ")))
			continue
		}
		if err := v.ValidateAPIKey(profile.APIKey, profile.Provider); err != nil {
			errs = append(errs, fmt.Errorf("AI profile %d (%s): %w", i, profile.ID, err))
		}
	}

	if cfg.Banking.LoanAnnualRate < 0 {
		errs = append(errs, fmt.Errorf("banking.loan_annual_rate must be >= 0"))
	}
	if cfg.Tools.TimeoutSeconds <= 0 {
		errs = append(errs, fmt.Errorf("tools.timeout_seconds must be positive"))
	}
	if cfg.Tools.MaxOutputBytes <= 0 {
		errs = append(errs, fmt.Errorf("tools.max_output_bytes must be positive"))
	}

	for _, pattern := range cfg.Moderation.BlockedPatterns {
		if _, err := regexp.Compile(pattern); err != nil {
			errs = append(errs, fmt.Errorf("invalid moderation pattern %q: %w", pattern, err))
		}
	}

	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errs = append(errs, err)
	}
	if !oneOf(cfg.Logging.Format, validFormats) {
		errs = append(errs, fmt.Errorf("invalid log format: %s (must be one of: %s)", cfg.Logging.Format, strings.Join(validFormats, ", ")))
	}

	return errs
}
