package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"goa.design/agentgov/runtime/agent"
	"goa.design/agentgov/runtime/agent/model/routing"
	"goa.design/agentgov/runtime/governance"
)

type (
	// Config is the agentgov configuration file.
	Config struct {
		Debug      bool             `yaml:"debug"`
		Cache      CacheConfig      `yaml:"cache"`
		Governance GovernanceConfig `yaml:"governance"`
		Routing    RoutingConfig    `yaml:"routing"`
		Providers  []ProviderConfig `yaml:"providers"`
		RateLimit  RateLimitConfig  `yaml:"rate_limit"`
		Redis      RedisConfig      `yaml:"redis"`
		Episodes   EpisodeConfig    `yaml:"episodes"`
		Agents     []AgentConfig    `yaml:"agents"`
	}

	// CacheConfig sizes the governance decision cache.
	CacheConfig struct {
		MaxSize int           `yaml:"max_size"`
		TTL     time.Duration `yaml:"ttl"`
	}

	// GovernanceConfig extends the built-in action catalog.
	GovernanceConfig struct {
		Actions           map[string]governance.ActionComplexity `yaml:"actions"`
		DefaultComplexity governance.ActionComplexity            `yaml:"default_complexity"`
	}

	// RoutingConfig lists the provider tiers.
	RoutingConfig struct {
		Tiers     []routing.Tier `yaml:"tiers"`
		Reasoning *routing.Tier  `yaml:"reasoning"`
	}

	// ProviderConfig declares a scripted provider. Reply, when set, is
	// streamed word by word; otherwise the provider echoes the user message.
	ProviderConfig struct {
		Name  string        `yaml:"name"`
		Reply string        `yaml:"reply"`
		Delay time.Duration `yaml:"delay"`
	}

	// RateLimitConfig enables the adaptive provider rate limiter.
	RateLimitConfig struct {
		Enabled    bool    `yaml:"enabled"`
		InitialTPM float64 `yaml:"initial_tpm"`
		MaxTPM     float64 `yaml:"max_tpm"`
	}

	// RedisConfig enables the Pulse broadcaster, the invalidation bus and the
	// shared rate limit budget. All are disabled when URL is empty.
	RedisConfig struct {
		URL          string `yaml:"url"`
		Password     string `yaml:"password"`
		Channel      string `yaml:"channel"`
		StreamMaxLen int    `yaml:"stream_max_len"`
		BudgetMap    string `yaml:"budget_map"`
	}

	// EpisodeConfig sizes the episode scheduler.
	EpisodeConfig struct {
		Workers   int           `yaml:"workers"`
		QueueSize int           `yaml:"queue_size"`
		Timeout   time.Duration `yaml:"timeout"`
	}

	// AgentConfig registers an agent. Default makes it the system default;
	// DefaultFor makes it the default of the listed workspaces.
	AgentConfig struct {
		ID           string         `yaml:"id"`
		Name         string         `yaml:"name"`
		Category     string         `yaml:"category"`
		Maturity     agent.Maturity `yaml:"maturity"`
		Confidence   float64        `yaml:"confidence"`
		Workspace    string         `yaml:"workspace"`
		SystemPrompt string         `yaml:"system_prompt"`
		Default      bool           `yaml:"default"`
		DefaultFor   []string       `yaml:"default_for"`
	}
)

// defaultConfig runs without any file: one scripted provider routed for
// every score and one agent per maturity tier.
func defaultConfig() Config {
	return Config{
		Cache: CacheConfig{MaxSize: governance.DefaultCacheMaxSize, TTL: governance.DefaultCacheTTL},
		Routing: RoutingConfig{Tiers: []routing.Tier{
			{MaxScore: 0.3, Provider: "scripted", Model: "scripted-small"},
			{MaxScore: 1, Provider: "scripted", Model: "scripted-large"},
		}},
		Providers: []ProviderConfig{{Name: "scripted"}},
		RateLimit: RateLimitConfig{InitialTPM: 60000, MaxTPM: 120000},
		Redis:     RedisConfig{BudgetMap: "agentgov-budget"},
		Agents: []AgentConfig{
			{ID: "student", Name: "Sprout", Maturity: agent.MaturityStudent},
			{ID: "intern", Name: "Iris", Maturity: agent.MaturityIntern},
			{ID: "supervised", Name: "Sage", Maturity: agent.MaturitySupervised},
			{ID: "autonomous", Name: "Atlas", Maturity: agent.MaturityAutonomous, Default: true},
		},
	}
}

// loadConfig reads path over the defaults. An empty path keeps the
// defaults. Environment overrides are applied last.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.Redis.URL = envOr("AGENTGOV_REDIS_URL", c.Redis.URL)
	c.Redis.Password = envOr("AGENTGOV_REDIS_PASSWORD", c.Redis.Password)
	ttl, err := envDurationOr("AGENTGOV_CACHE_TTL", c.Cache.TTL)
	if err != nil {
		return err
	}
	c.Cache.TTL = ttl
	size, err := envIntOr("AGENTGOV_CACHE_MAX_SIZE", c.Cache.MaxSize)
	if err != nil {
		return err
	}
	c.Cache.MaxSize = size
	debug, err := envBoolOr("AGENTGOV_DEBUG", c.Debug)
	if err != nil {
		return err
	}
	c.Debug = debug
	return nil
}

// Validate reports the first configuration error.
func (c *Config) Validate() error {
	if c.Cache.MaxSize < 0 {
		return errors.New("cache.max_size must not be negative")
	}
	if c.Cache.TTL < 0 {
		return errors.New("cache.ttl must not be negative")
	}
	if len(c.Routing.Tiers) == 0 {
		return errors.New("routing.tiers is required")
	}
	if len(c.Providers) == 0 {
		return errors.New("providers is required")
	}
	names := make(map[string]struct{}, len(c.Providers))
	for _, p := range c.Providers {
		if p.Name == "" {
			return errors.New("provider name is required")
		}
		if _, ok := names[p.Name]; ok {
			return fmt.Errorf("duplicate provider %q", p.Name)
		}
		names[p.Name] = struct{}{}
	}
	if len(c.Agents) == 0 {
		return errors.New("agents is required")
	}
	ids := make(map[string]struct{}, len(c.Agents))
	defaults := 0
	for _, a := range c.Agents {
		if a.ID == "" {
			return errors.New("agent id is required")
		}
		if _, ok := ids[a.ID]; ok {
			return fmt.Errorf("duplicate agent %q", a.ID)
		}
		ids[a.ID] = struct{}{}
		if !a.Maturity.Valid() {
			return fmt.Errorf("agent %q: maturity is required", a.ID)
		}
		if a.Default {
			defaults++
		}
	}
	if defaults > 1 {
		return errors.New("at most one default agent is allowed")
	}
	if c.Episodes.Workers < 0 || c.Episodes.QueueSize < 0 || c.Episodes.Timeout < 0 {
		return errors.New("episodes options must not be negative")
	}
	if c.RateLimit.InitialTPM < 0 || c.RateLimit.MaxTPM < 0 {
		return errors.New("rate_limit budget must not be negative")
	}
	return nil
}

// envOr returns the environment variable value or a default.
func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// envIntOr returns the environment variable as int or a default.
func envIntOr(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return i, nil
}

// envDurationOr returns the environment variable as duration or a default.
func envDurationOr(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

// envBoolOr returns the environment variable as bool or a default.
func envBoolOr(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}
