// Package config provides environment configuration for the scheduler.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/adhocore/gronx"
	"github.com/joho/godotenv"

	"github.com/capitalize-ai/social-scheduler/internal/policy"
	"github.com/capitalize-ai/social-scheduler/internal/service"
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	ServerPort         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration

	// NATS settings
	NATSURL         string
	NATSCAFile      string
	NATSCertFile    string
	NATSKeyFile     string
	NATSToken       string
	PlatformTimeout time.Duration
	EventsEnabled   bool
	EventsMaxAge    time.Duration

	// JWT settings
	JWTSecret string

	// LLM settings
	LLMProvider     string
	LLMModel        string
	LLMBaseURL      string
	AnthropicAPIKey string
	OpenAIAPIKey    string
	GeminiAPIKey    string
	DeepSeekAPIKey  string

	// Authority service
	AuthorityURL        string
	AuthorityToken      string
	AuthorityTimeout    time.Duration
	AuthorityRate       float64
	AuthorityBurst      int
	AuthorityMaxRetries int

	// Store
	StoreDriver string
	StorePath   string

	// Scheduling
	TickInterval time.Duration
	InitiateCron string
	RandomSeed   int64
	PolicyFile   string
	Policy       Policy

	// Rate limiting
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Logging
	LogLevel  string
	LogFormat string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool
}

// Policy holds the scheduling limits and pacing. Every field can be set
// from the TOML policy file; keys absent from the file keep their defaults.
type Policy struct {
	Workers            int `toml:"workers"`
	HistoryWindow      int `toml:"history_window"`
	MinEngagementStage int `toml:"min_engagement_stage"`

	ComposeBackoff      time.Duration `toml:"compose_backoff"`
	TransportBackoff    time.Duration `toml:"transport_backoff"`
	GroupFailureBackoff time.Duration `toml:"group_failure_backoff"`
	SparseBackoff       time.Duration `toml:"sparse_backoff"`

	Conversations ConversationPolicy `toml:"conversations"`
	Groups        GroupPolicy        `toml:"groups"`
	Delay         DelayPolicy        `toml:"delay"`
}

// ConversationPolicy bounds two-party conversations.
type ConversationPolicy struct {
	MaxActive         int           `toml:"max_active"`
	MaxPerAccount     int           `toml:"max_per_account"`
	MaxNewPerCycle    int           `toml:"max_new_per_cycle"`
	MaxMessages       int           `toml:"max_messages"`
	MaxAge            time.Duration `toml:"max_age"`
	HazardAfter       int           `toml:"hazard_after"`
	HazardProbability float64       `toml:"hazard_probability"`
}

// GroupPolicy bounds groups.
type GroupPolicy struct {
	MaxActive         int           `toml:"max_active"`
	MinMembers        int           `toml:"min_members"`
	MaxMembers        int           `toml:"max_members"`
	MaxMessages       int           `toml:"max_messages"`
	MaxAge            time.Duration `toml:"max_age"`
	UnderMinimumGrace time.Duration `toml:"under_minimum_grace"`
}

// DelayPolicy configures the waits between actions.
type DelayPolicy struct {
	Min             time.Duration       `toml:"min"`
	Max             time.Duration       `toml:"max"`
	Escalations     []policy.Escalation `toml:"escalations"`
	BusyProbability float64             `toml:"busy_probability"`
	BusyMin         time.Duration       `toml:"busy_min"`
	BusyMax         time.Duration       `toml:"busy_max"`
	GroupInitialMin time.Duration       `toml:"group_initial_min"`
	GroupInitialMax time.Duration       `toml:"group_initial_max"`
	GroupMin        time.Duration       `toml:"group_min"`
	GroupMax        time.Duration       `toml:"group_max"`
}

// DefaultPolicy returns the production limits and pacing.
func DefaultPolicy() Policy {
	opts := service.DefaultOptions()
	conv := policy.DefaultConversationLimits()
	group := policy.DefaultGroupLimits()
	delay := policy.DefaultDelayConfig()
	return Policy{
		Workers:             opts.Workers,
		HistoryWindow:       opts.HistoryWindow,
		MinEngagementStage:  opts.MinEngagementStage,
		ComposeBackoff:      opts.ComposeBackoff,
		TransportBackoff:    opts.TransportBackoff,
		GroupFailureBackoff: opts.GroupFailureBackoff,
		SparseBackoff:       opts.SparseBackoff,
		Conversations: ConversationPolicy{
			MaxActive:         opts.MaxActiveConversations,
			MaxPerAccount:     opts.MaxConversationsPerAccount,
			MaxNewPerCycle:    opts.MaxNewPerCycle,
			MaxMessages:       conv.MaxMessages,
			MaxAge:            conv.MaxAge,
			HazardAfter:       conv.HazardAfter,
			HazardProbability: conv.HazardProbability,
		},
		Groups: GroupPolicy{
			MaxActive:         opts.MaxActiveGroups,
			MinMembers:        opts.MinMembers,
			MaxMembers:        opts.MaxMembers,
			MaxMessages:       group.MaxMessages,
			MaxAge:            group.MaxAge,
			UnderMinimumGrace: group.UnderMinimumGrace,
		},
		Delay: DelayPolicy{
			Min:             delay.Min,
			Max:             delay.Max,
			Escalations:     delay.Escalations,
			BusyProbability: delay.BusyProbability,
			BusyMin:         delay.BusyMin,
			BusyMax:         delay.BusyMax,
			GroupInitialMin: delay.GroupInitialMin,
			GroupInitialMax: delay.GroupInitialMax,
			GroupMin:        delay.GroupMin,
			GroupMax:        delay.GroupMax,
		},
	}
}

// Options returns the scheduler options.
func (p Policy) Options() service.Options {
	return service.Options{
		Workers:                    p.Workers,
		HistoryWindow:              p.HistoryWindow,
		MinEngagementStage:         p.MinEngagementStage,
		ComposeBackoff:             p.ComposeBackoff,
		TransportBackoff:           p.TransportBackoff,
		GroupFailureBackoff:        p.GroupFailureBackoff,
		SparseBackoff:              p.SparseBackoff,
		MaxActiveConversations:     p.Conversations.MaxActive,
		MaxConversationsPerAccount: p.Conversations.MaxPerAccount,
		MaxNewPerCycle:             p.Conversations.MaxNewPerCycle,
		MaxActiveGroups:            p.Groups.MaxActive,
		MinMembers:                 p.Groups.MinMembers,
		MaxMembers:                 p.Groups.MaxMembers,
	}
}

// ConversationLimits returns the conversation termination limits.
func (p Policy) ConversationLimits() policy.ConversationLimits {
	return policy.ConversationLimits{
		MaxMessages:       p.Conversations.MaxMessages,
		MaxAge:            p.Conversations.MaxAge,
		HazardAfter:       p.Conversations.HazardAfter,
		HazardProbability: p.Conversations.HazardProbability,
	}
}

// GroupLimits returns the group archive limits.
func (p Policy) GroupLimits() policy.GroupLimits {
	return policy.GroupLimits{
		MaxMessages:       p.Groups.MaxMessages,
		MaxAge:            p.Groups.MaxAge,
		UnderMinimumGrace: p.Groups.UnderMinimumGrace,
	}
}

// DelayConfig returns the delay policy configuration.
func (p Policy) DelayConfig() policy.DelayConfig {
	d := p.Delay
	return policy.DelayConfig{
		Min:             d.Min,
		Max:             d.Max,
		Escalations:     d.Escalations,
		BusyProbability: d.BusyProbability,
		BusyMin:         d.BusyMin,
		BusyMax:         d.BusyMax,
		GroupInitialMin: d.GroupInitialMin,
		GroupInitialMax: d.GroupInitialMax,
		GroupMin:        d.GroupMin,
		GroupMax:        d.GroupMax,
	}
}

// Load reads configuration from a .env file if present, the environment and
// the optional POLICY_FILE, then validates the result.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		// Server
		ServerPort:         getEnv("PORT", "8080"),
		ServerReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
		ServerWriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 60*time.Second),

		// NATS
		NATSURL:         getEnv("NATS_URL", "nats://localhost:4222"),
		NATSCAFile:      getEnv("NATS_CA_FILE", ""),
		NATSCertFile:    getEnv("NATS_CERT_FILE", ""),
		NATSKeyFile:     getEnv("NATS_KEY_FILE", ""),
		NATSToken:       getEnv("NATS_TOKEN", ""),
		PlatformTimeout: getDurationEnv("PLATFORM_TIMEOUT", 30*time.Second),
		EventsEnabled:   getBoolEnv("EVENTS_ENABLED", true),
		EventsMaxAge:    getDurationEnv("EVENTS_MAX_AGE", 30*24*time.Hour),

		// JWT
		JWTSecret: getEnv("JWT_SECRET", "development-secret-change-in-production"),

		// LLM
		LLMProvider:     getEnv("LLM_PROVIDER", "openai"),
		LLMModel:        getEnv("LLM_MODEL", ""),
		LLMBaseURL:      getEnv("LLM_BASE_URL", ""),
		AnthropicAPIKey: getEnv("ANTHROPIC_API_KEY", ""),
		OpenAIAPIKey:    getEnv("OPENAI_API_KEY", ""),
		GeminiAPIKey:    getEnv("GEMINI_API_KEY", ""),
		DeepSeekAPIKey:  getEnv("DEEPSEEK_API_KEY", ""),

		// Authority
		AuthorityURL:        getEnv("AUTHORITY_URL", "http://localhost:8000"),
		AuthorityToken:      getEnv("AUTHORITY_TOKEN", ""),
		AuthorityTimeout:    getDurationEnv("AUTHORITY_TIMEOUT", 10*time.Second),
		AuthorityRate:       getFloatEnv("AUTHORITY_RATE", 5),
		AuthorityBurst:      getIntEnv("AUTHORITY_BURST", 10),
		AuthorityMaxRetries: getIntEnv("AUTHORITY_MAX_RETRIES", 2),

		// Store
		StoreDriver: getEnv("STORE_DRIVER", "pebble"),
		StorePath:   getEnv("STORE_PATH", "data/scheduler"),

		// Scheduling
		TickInterval: getDurationEnv("TICK_INTERVAL", 30*time.Second),
		InitiateCron: getEnv("INITIATE_CRON", "*/10 * * * *"),
		RandomSeed:   int64(getIntEnv("RANDOM_SEED", 0)),
		PolicyFile:   getEnv("POLICY_FILE", ""),
		Policy:       DefaultPolicy(),

		// Rate limiting
		RateLimitRequests: getIntEnv("RATE_LIMIT_REQUESTS", 60),
		RateLimitWindow:   getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),

		// Logging
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),

		// Tracing
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  getBoolEnv("TRACING_ENABLED", false),
	}

	if cfg.PolicyFile != "" {
		if err := LoadPolicy(cfg.PolicyFile, &cfg.Policy); err != nil {
			return nil, err
		}
	}

	// A few knobs are commonly tuned per deployment without a policy file.
	cfg.Policy.Workers = getIntEnv("WORKERS", cfg.Policy.Workers)
	cfg.Policy.Conversations.MaxActive = getIntEnv("MAX_ACTIVE_CONVERSATIONS", cfg.Policy.Conversations.MaxActive)
	cfg.Policy.Groups.MaxActive = getIntEnv("MAX_ACTIVE_GROUPS", cfg.Policy.Groups.MaxActive)
	cfg.Policy.Conversations.HazardProbability = getFloatEnv("HAZARD_PROBABILITY", cfg.Policy.Conversations.HazardProbability)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// LoadPolicy overlays the TOML file at path onto p.
func LoadPolicy(path string, p *Policy) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read policy file: %w", err)
	}
	if err := toml.Unmarshal(data, p); err != nil {
		return fmt.Errorf("parse policy file: %w", err)
	}
	return nil
}

// Validate checks ranges and the initiation schedule.
func (c *Config) Validate() error {
	var errs []error
	p := c.Policy

	if c.TickInterval <= 0 {
		errs = append(errs, errors.New("TICK_INTERVAL must be positive"))
	}
	if c.InitiateCron != "" && !gronx.New().IsValid(c.InitiateCron) {
		errs = append(errs, fmt.Errorf("INITIATE_CRON %q is not a valid cron expression", c.InitiateCron))
	}
	switch c.StoreDriver {
	case "memory":
	case "pebble":
		if c.StorePath == "" {
			errs = append(errs, errors.New("STORE_PATH is required for the pebble store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver))
	}
	if c.AuthorityURL == "" {
		errs = append(errs, errors.New("AUTHORITY_URL is required"))
	}

	if p.Workers < 1 {
		errs = append(errs, errors.New("workers must be at least 1"))
	}
	if p.Groups.MinMembers < 2 || p.Groups.MaxMembers < p.Groups.MinMembers {
		errs = append(errs, fmt.Errorf("group members must satisfy 2 <= min (%d) <= max (%d)", p.Groups.MinMembers, p.Groups.MaxMembers))
	}
	if p.Delay.Min <= 0 || p.Delay.Max < p.Delay.Min {
		errs = append(errs, errors.New("delay window must satisfy 0 < min <= max"))
	}
	if p.Delay.GroupMin <= 0 || p.Delay.GroupMax < p.Delay.GroupMin {
		errs = append(errs, errors.New("group delay window must satisfy 0 < min <= max"))
	}
	if !probability(p.Delay.BusyProbability) || !probability(p.Conversations.HazardProbability) {
		errs = append(errs, errors.New("probabilities must be within [0, 1]"))
	}
	if p.Conversations.MaxMessages < 1 || p.Groups.MaxMessages < 1 {
		errs = append(errs, errors.New("message caps must be positive"))
	}
	return errors.Join(errs...)
}

func probability(v float64) bool {
	return v >= 0 && v <= 1
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
