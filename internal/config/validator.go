package config

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/harun/ranyadesk/pkg/schedule"
)

// Providers lists the accepted provider names
var Providers = []string{"anthropic", "openai", "databricks"}

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateProvider checks the provider name and, when present, the key format
func (v *Validator) ValidateProvider(p ProviderConfig) error {
	name := strings.ToLower(strings.TrimSpace(p.Name))
	known := false
	for _, candidate := range Providers {
		if name == candidate {
			known = true
			break
		}
	}
	if !known {
		return fmt.Errorf("invalid provider: %s (must be one of: %s)", p.Name, strings.Join(Providers, ", "))
	}
	if p.MaxRetries < 0 {
		return fmt.Errorf("provider max_retries must be >= 0")
	}
	if p.APIKey == "" {
		// resolved from the environment when the provider is built
		return nil
	}

	switch name {
	case "anthropic":
		if !strings.HasPrefix(p.APIKey, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	case "openai":
		if !strings.HasPrefix(p.APIKey, "sk-") {
			return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
		}
	}
	return nil
}

// ValidateAgent checks agent tuning values
func (v *Validator) ValidateAgent(a AgentConfig) []error {
	var errs []error
	if a.ContextLimit < 0 {
		errs = append(errs, fmt.Errorf("agent context_limit must be >= 0"))
	}
	if a.MaxTokens < 0 || a.MaxTokens > 200000 {
		errs = append(errs, fmt.Errorf("agent max_tokens must be between 0 and 200000, got %d", a.MaxTokens))
	}
	if a.Temperature < 0 || a.Temperature > 2 {
		errs = append(errs, fmt.Errorf("agent temperature must be between 0 and 2, got %g", a.Temperature))
	}
	return errs
}

// ValidateGateway checks the listen address, secret and limits
func (v *Validator) ValidateGateway(g GatewayConfig) []error {
	if !g.Enabled {
		return nil
	}

	var errs []error
	if g.Port < 0 || g.Port > 65535 {
		errs = append(errs, fmt.Errorf("gateway port must be between 0 and 65535, got %d", g.Port))
	}
	if g.SharedSecret == "" {
		errs = append(errs, fmt.Errorf("gateway shared_secret is required (run `ranyadesk config init` or set RANYADESK_GATEWAY_SHARED_SECRET)"))
	}
	if g.MinClientVersion != "" {
		if _, err := semver.NewVersion(g.MinClientVersion); err != nil {
			errs = append(errs, fmt.Errorf("invalid gateway min_client_version %q: %w", g.MinClientVersion, err))
		}
	}
	if g.RequestsPerMinute < 0 {
		errs = append(errs, fmt.Errorf("gateway requests_per_minute must be >= 0"))
	}
	if g.MaxConcurrent < 0 {
		errs = append(errs, fmt.Errorf("gateway max_concurrent must be >= 0"))
	}
	return errs
}

// ValidateSchedules checks every entry and rejects duplicate IDs
func (v *Validator) ValidateSchedules(jobs []schedule.Job) []error {
	var errs []error
	seen := make(map[string]bool, len(jobs))
	for _, job := range jobs {
		if err := job.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if seen[job.ID] {
			errs = append(errs, fmt.Errorf("duplicate schedule id: %s", job.ID))
		}
		seen[job.ID] = true
	}
	return errs
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateConfig performs comprehensive validation and returns every problem found
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errs []error

	if cfg.DataDir == "" {
		errs = append(errs, fmt.Errorf("data_dir is required"))
	}
	if err := v.ValidateProvider(cfg.Provider); err != nil {
		errs = append(errs, err)
	}
	errs = append(errs, v.ValidateAgent(cfg.Agent)...)
	errs = append(errs, v.ValidateGateway(cfg.Gateway)...)
	errs = append(errs, v.ValidateSchedules(cfg.Schedules)...)

	if cfg.Sessions.CleanupAgeHours < 0 {
		errs = append(errs, fmt.Errorf("sessions cleanup_age_hours must be >= 0"))
	}
	if cfg.Sessions.MaxMessages < 0 {
		errs = append(errs, fmt.Errorf("sessions max_messages must be >= 0"))
	}
	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errs = append(errs, err)
	}
	if cfg.Telemetry.Enabled && (cfg.Telemetry.SampleRatio <= 0 || cfg.Telemetry.SampleRatio > 1) {
		errs = append(errs, fmt.Errorf("telemetry sample_ratio must be greater than 0 and at most 1"))
	}

	return errs
}
