// Package config provides application configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Port           string
	FrontendURL    string
	DBPath         string
	FlowConfigPath string
	Flow           FlowConfig
	Retry          RetryConfig
	Relay          RelayConfig
}

// FlowConfig describes the questionnaire shape served to the frontend.
type FlowConfig struct {
	TotalSteps     int      `yaml:"total_steps" json:"totalSteps"`
	AgentStep      int      `yaml:"agent_step" json:"agentStep"`
	SubmitAttempts int      `yaml:"submit_attempts" json:"submitAttempts"`
	StepTitles     []string `yaml:"step_titles" json:"stepTitles,omitempty"`
}

// RetryConfig bounds transient failure retries.
type RetryConfig struct {
	MaxAttempts int
	Delay       time.Duration
}

// RelayConfig controls the chat proxy.
type RelayConfig struct {
	DedupRetention    time.Duration
	SweepInterval     time.Duration
	PollInterval      time.Duration
	DirectLineURL     string
	DirectLineSecret  string
	RateLimitRequests int
	RateLimitWindow   time.Duration
}

// Load reads configuration from environment variables, then applies the
// optional flow overlay file.
func Load() (*Config, error) {
	attempts := getEnvInt("RETRY_MAX_ATTEMPTS", 4)

	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		FrontendURL:    getEnv("FRONTEND_URL", ""),
		DBPath:         getEnv("DB_PATH", "./data/stepflow.db"),
		FlowConfigPath: getEnv("FLOW_CONFIG_PATH", ""),
		Flow: FlowConfig{
			TotalSteps:     getEnvInt("FLOW_TOTAL_STEPS", 9),
			AgentStep:      getEnvInt("FLOW_AGENT_STEP", 4),
			SubmitAttempts: attempts,
		},
		Retry: RetryConfig{
			MaxAttempts: attempts,
			Delay:       getEnvDuration("RETRY_DELAY", 500*time.Millisecond),
		},
		Relay: RelayConfig{
			DedupRetention:    getEnvDuration("RELAY_DEDUP_RETENTION", time.Hour),
			SweepInterval:     getEnvDuration("RELAY_SWEEP_INTERVAL", 5*time.Minute),
			PollInterval:      getEnvDuration("RELAY_POLL_INTERVAL", time.Second),
			DirectLineURL:     getEnv("DIRECTLINE_URL", ""),
			DirectLineSecret:  getEnv("DIRECTLINE_SECRET", ""),
			RateLimitRequests: getEnvInt("RATE_LIMIT_REQUESTS", 30),
			RateLimitWindow:   getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
	}

	if cfg.FlowConfigPath != "" {
		if err := cfg.applyFlowFile(cfg.FlowConfigPath); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// applyFlowFile overlays the non-zero fields of a YAML flow file.
func (c *Config) applyFlowFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read flow config: %w", err)
	}
	var overlay FlowConfig
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return fmt.Errorf("parse flow config %s: %w", path, err)
	}

	if overlay.TotalSteps != 0 {
		c.Flow.TotalSteps = overlay.TotalSteps
	}
	if overlay.AgentStep != 0 {
		c.Flow.AgentStep = overlay.AgentStep
	}
	if overlay.SubmitAttempts != 0 {
		c.Flow.SubmitAttempts = overlay.SubmitAttempts
	}
	if len(overlay.StepTitles) > 0 {
		c.Flow.StepTitles = overlay.StepTitles
	}
	return nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return errors.New("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return errors.New("DB_PATH cannot be empty")
	}
	if c.Flow.TotalSteps < 2 {
		return fmt.Errorf("total steps must be >= 2, got %d", c.Flow.TotalSteps)
	}
	if c.Flow.AgentStep < 1 || c.Flow.AgentStep > c.Flow.TotalSteps {
		return fmt.Errorf("agent step must be within 1..%d, got %d", c.Flow.TotalSteps, c.Flow.AgentStep)
	}
	if len(c.Flow.StepTitles) > 0 && len(c.Flow.StepTitles) != c.Flow.TotalSteps {
		return fmt.Errorf("expected %d step titles, got %d", c.Flow.TotalSteps, len(c.Flow.StepTitles))
	}
	if c.Flow.SubmitAttempts <= 0 {
		return errors.New("submit attempts must be > 0")
	}
	if c.Retry.MaxAttempts <= 0 {
		return errors.New("RETRY_MAX_ATTEMPTS must be > 0")
	}
	if c.Retry.Delay < 0 {
		return errors.New("RETRY_DELAY cannot be negative")
	}
	if c.Relay.DedupRetention <= 0 {
		return errors.New("RELAY_DEDUP_RETENTION must be > 0")
	}
	if c.Relay.SweepInterval <= 0 {
		return errors.New("RELAY_SWEEP_INTERVAL must be > 0")
	}
	if c.Relay.PollInterval <= 0 {
		return errors.New("RELAY_POLL_INTERVAL must be > 0")
	}
	if c.Relay.RateLimitRequests <= 0 || c.Relay.RateLimitWindow <= 0 {
		return errors.New("RATE_LIMIT_REQUESTS and RATE_LIMIT_WINDOW must be > 0")
	}
	return nil
}

// ChatEnabled reports whether the upstream conversational backend is configured.
func (c *Config) ChatEnabled() bool {
	return c.Relay.DirectLineSecret != ""
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
