package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes environment overrides, e.g. MEMORY_ENGINE_STORAGE_DRIVER.
const EnvPrefix = "MEMORY_ENGINE"

// Config contains runtime configuration for memory-engine.
type Config struct {
	ServerName    string `yaml:"server_name" mapstructure:"server_name"`
	LogLevel      string `yaml:"log_level" mapstructure:"log_level"`
	UserIDPattern string `yaml:"user_id_pattern" mapstructure:"user_id_pattern"`

	Storage       StorageConfig       `yaml:"storage" mapstructure:"storage"`
	Session       SessionConfig       `yaml:"session" mapstructure:"session"`
	Medium        MediumConfig        `yaml:"medium" mapstructure:"medium"`
	Assembler     AssemblerConfig     `yaml:"assembler" mapstructure:"assembler"`
	Breaker       BreakerConfig       `yaml:"breaker" mapstructure:"breaker"`
	Retry         RetryConfig         `yaml:"retry" mapstructure:"retry"`
	Access        AccessConfig        `yaml:"access" mapstructure:"access"`
	Workers       WorkersConfig       `yaml:"workers" mapstructure:"workers"`
	Consolidation ConsolidationConfig `yaml:"consolidation" mapstructure:"consolidation"`
	Cleanup       CleanupConfig       `yaml:"cleanup" mapstructure:"cleanup"`
	FailureQueue  FailureQueueConfig  `yaml:"failure_queue" mapstructure:"failure_queue"`
	Events        EventsConfig        `yaml:"events" mapstructure:"events"`
	API           APIConfig           `yaml:"api" mapstructure:"api"`
}

// StorageConfig selects the relational backend for the Medium/Durable tiers.
type StorageConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	PostgresDSN string `yaml:"postgres_dsn" mapstructure:"postgres_dsn"`
}

type SessionConfig struct {
	TTL         time.Duration `yaml:"ttl" mapstructure:"ttl"`
	MaxMessages int           `yaml:"max_messages" mapstructure:"max_messages"`
}

type MediumConfig struct {
	DefaultTTL time.Duration `yaml:"default_ttl" mapstructure:"default_ttl"`
}

// AssemblerConfig controls budget policy and tier timeouts.
type AssemblerConfig struct {
	DefaultMaxTokens   int           `yaml:"default_max_tokens" mapstructure:"default_max_tokens"`
	TierTimeout        time.Duration `yaml:"tier_timeout" mapstructure:"tier_timeout"`
	OuterTimeout       time.Duration `yaml:"outer_timeout" mapstructure:"outer_timeout"`
	RelevanceK         int           `yaml:"relevance_k" mapstructure:"relevance_k"`
	FetchLimit         int           `yaml:"fetch_limit" mapstructure:"fetch_limit"`
	MinUsefulChunk     int           `yaml:"min_useful_chunk" mapstructure:"min_useful_chunk"`
	DurableReserve     int           `yaml:"durable_reserve" mapstructure:"durable_reserve"`
	ImportantThreshold float64       `yaml:"important_threshold" mapstructure:"important_threshold"`
	Estimator          string        `yaml:"estimator" mapstructure:"estimator"`
	CacheSize          int           `yaml:"cache_size" mapstructure:"cache_size"`
}

type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout" mapstructure:"reset_timeout"`
	Window           time.Duration `yaml:"window" mapstructure:"window"`
}

type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay" mapstructure:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay" mapstructure:"max_delay"`
	Multiplier  float64       `yaml:"multiplier" mapstructure:"multiplier"`
	Jitter      float64       `yaml:"jitter" mapstructure:"jitter"`
}

// AccessConfig sizes the async access-stat updater.
type AccessConfig struct {
	Workers   int `yaml:"workers" mapstructure:"workers"`
	QueueSize int `yaml:"queue_size" mapstructure:"queue_size"`
}

// WorkersConfig holds supervisor schedules (robfig/cron syntax, e.g. "@every 1h").
type WorkersConfig struct {
	ConsolidationSchedule string        `yaml:"consolidation_schedule" mapstructure:"consolidation_schedule"`
	CleanupSchedule       string        `yaml:"cleanup_schedule" mapstructure:"cleanup_schedule"`
	ReplaySchedule        string        `yaml:"replay_schedule" mapstructure:"replay_schedule"`
	SessionSweepSchedule  string        `yaml:"session_sweep_schedule" mapstructure:"session_sweep_schedule"`
	RunOnStart            bool          `yaml:"run_on_start" mapstructure:"run_on_start"`
	RestartBaseDelay      time.Duration `yaml:"restart_base_delay" mapstructure:"restart_base_delay"`
	RestartMaxDelay       time.Duration `yaml:"restart_max_delay" mapstructure:"restart_max_delay"`
}

type ConsolidationConfig struct {
	MinRelevance   float64       `yaml:"min_relevance" mapstructure:"min_relevance"`
	MinSessions    int           `yaml:"min_sessions" mapstructure:"min_sessions"`
	BatchSize      int           `yaml:"batch_size" mapstructure:"batch_size"`
	DecayFactor    float64       `yaml:"decay_factor" mapstructure:"decay_factor"`
	DecayFloor     float64       `yaml:"decay_floor" mapstructure:"decay_floor"`
	StaleAfter     time.Duration `yaml:"stale_after" mapstructure:"stale_after"`
	DecayEvery     time.Duration `yaml:"decay_every" mapstructure:"decay_every"`
	ActionKeywords []string      `yaml:"action_keywords" mapstructure:"action_keywords"`
}

type CleanupConfig struct {
	LowRelevance       float64       `yaml:"low_relevance" mapstructure:"low_relevance"`
	GracePeriod        time.Duration `yaml:"grace_period" mapstructure:"grace_period"`
	RelevanceDecay     float64       `yaml:"relevance_decay" mapstructure:"relevance_decay"`
	DecayEvery         time.Duration `yaml:"decay_every" mapstructure:"decay_every"`
	PurgeResolvedAfter time.Duration `yaml:"purge_resolved_after" mapstructure:"purge_resolved_after"`
}

type FailureQueueConfig struct {
	MaxRetries int           `yaml:"max_retries" mapstructure:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay" mapstructure:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay" mapstructure:"max_delay"`
	BatchSize  int           `yaml:"batch_size" mapstructure:"batch_size"`
	ClaimTTL   time.Duration `yaml:"claim_ttl" mapstructure:"claim_ttl"`
}

// EventsConfig selects where completion events go: "log", "kafka" or "none".
type EventsConfig struct {
	Backend      string   `yaml:"backend" mapstructure:"backend"`
	KafkaBrokers []string `yaml:"kafka_brokers" mapstructure:"kafka_brokers"`
	KafkaTopic   string   `yaml:"kafka_topic" mapstructure:"kafka_topic"`
}

type APIConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Listen  string `yaml:"listen" mapstructure:"listen"`
}

// Default returns a Config populated with safe defaults.
func Default() Config {
	return Config{
		ServerName:    "memory-engine",
		LogLevel:      "info",
		UserIDPattern: `^[a-zA-Z0-9_.@-]{1,128}$`,
		Storage: StorageConfig{
			Driver:     "sqlite",
			SQLitePath: filepath.Join(userHomeDir(), ".memory-engine", "memory.db"),
		},
		Session: SessionConfig{
			TTL:         time.Hour,
			MaxMessages: 200,
		},
		Medium: MediumConfig{
			DefaultTTL: 7 * 24 * time.Hour,
		},
		Assembler: AssemblerConfig{
			DefaultMaxTokens:   4000,
			TierTimeout:        2 * time.Second,
			OuterTimeout:       5 * time.Second,
			RelevanceK:         5,
			FetchLimit:         50,
			MinUsefulChunk:     2000,
			DurableReserve:     1000,
			ImportantThreshold: 0.7,
			Estimator:          "chars",
			CacheSize:          256,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			ResetTimeout:     30 * time.Second,
			Window:           time.Minute,
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   100 * time.Millisecond,
			MaxDelay:    2 * time.Second,
			Multiplier:  2,
			Jitter:      0.2,
		},
		Access: AccessConfig{
			Workers:   2,
			QueueSize: 256,
		},
		Workers: WorkersConfig{
			ConsolidationSchedule: "@every 1h",
			CleanupSchedule:       "@daily",
			ReplaySchedule:        "@every 1m",
			SessionSweepSchedule:  "@every 1m",
			RunOnStart:            true,
			RestartBaseDelay:      time.Second,
			RestartMaxDelay:       5 * time.Minute,
		},
		Consolidation: ConsolidationConfig{
			MinRelevance:   0.7,
			MinSessions:    2,
			BatchSize:      200,
			DecayFactor:    0.95,
			DecayFloor:     0.1,
			StaleAfter:     30 * 24 * time.Hour,
			DecayEvery:     7 * 24 * time.Hour,
			ActionKeywords: []string{"todo", "must", "should", "will", "always", "never", "prefer", "decided", "remember"},
		},
		Cleanup: CleanupConfig{
			LowRelevance:       0.1,
			GracePeriod:        7 * 24 * time.Hour,
			RelevanceDecay:     0.9,
			DecayEvery:         24 * time.Hour,
			PurgeResolvedAfter: 30 * 24 * time.Hour,
		},
		FailureQueue: FailureQueueConfig{
			MaxRetries: 3,
			BaseDelay:  5 * time.Minute,
			MaxDelay:   2 * time.Hour,
			BatchSize:  100,
			ClaimTTL:   5 * time.Minute,
		},
		Events: EventsConfig{
			Backend:    "log",
			KafkaTopic: "memory-engine.events",
		},
		API: APIConfig{
			Enabled: true,
			Listen:  "127.0.0.1:8088",
		},
	}
}

// Load reads config with precedence env > file > defaults. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()

	base, err := yaml.Marshal(cfg)
	if err != nil {
		return cfg, fmt.Errorf("marshal default config: %w", err)
	}

	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(base)); err != nil {
		return cfg, fmt.Errorf("read default config: %w", err)
	}

	if path != "" {
		b, err := os.ReadFile(ExpandPath(path))
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return cfg, fmt.Errorf("read config: %w", err)
		default:
			if err := v.MergeConfig(bytes.NewReader(b)); err != nil {
				return cfg, fmt.Errorf("parse config yaml: %w", err)
			}
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Write dumps cfg as YAML to path, creating parent directories.
func Write(path string, cfg Config) error {
	path = ExpandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Validate checks configuration sanity.
func (c *Config) Validate() error {
	if c.ServerName == "" {
		return errors.New("server_name must not be empty")
	}
	if _, err := regexp.Compile(c.UserIDPattern); err != nil {
		return fmt.Errorf("invalid user_id_pattern: %w", err)
	}

	switch c.Storage.Driver {
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			return errors.New("storage.sqlite_path must not be empty")
		}
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			return errors.New("storage.postgres_dsn must not be empty")
		}
	default:
		return fmt.Errorf("unsupported storage.driver %q", c.Storage.Driver)
	}

	if c.Session.TTL <= 0 {
		return errors.New("session.ttl must be > 0")
	}
	if c.Medium.DefaultTTL <= 0 {
		return errors.New("medium.default_ttl must be > 0")
	}

	a := c.Assembler
	if a.DefaultMaxTokens <= 0 {
		return errors.New("assembler.default_max_tokens must be > 0")
	}
	if a.TierTimeout <= 0 || a.OuterTimeout <= 0 {
		return errors.New("assembler timeouts must be > 0")
	}
	if a.RelevanceK <= 0 || a.FetchLimit < a.RelevanceK {
		return errors.New("assembler.relevance_k must be > 0 and <= fetch_limit")
	}
	if a.ImportantThreshold < 0 || a.ImportantThreshold > 1 {
		return errors.New("assembler.important_threshold must be within [0,1]")
	}
	if a.Estimator != "chars" && a.Estimator != "words" {
		return fmt.Errorf("unsupported assembler.estimator %q", a.Estimator)
	}

	if c.Breaker.FailureThreshold <= 0 || c.Breaker.ResetTimeout <= 0 {
		return errors.New("breaker.failure_threshold and breaker.reset_timeout must be > 0")
	}
	if c.Retry.MaxAttempts <= 0 {
		return errors.New("retry.max_attempts must be > 0")
	}
	if c.Retry.Multiplier < 1 {
		return errors.New("retry.multiplier must be >= 1")
	}

	for name, expr := range map[string]string{
		"consolidation_schedule": c.Workers.ConsolidationSchedule,
		"cleanup_schedule":       c.Workers.CleanupSchedule,
		"replay_schedule":        c.Workers.ReplaySchedule,
		"session_sweep_schedule": c.Workers.SessionSweepSchedule,
	} {
		if _, err := cron.ParseStandard(expr); err != nil {
			return fmt.Errorf("invalid workers.%s: %w", name, err)
		}
	}
	if c.Workers.RestartBaseDelay <= 0 || c.Workers.RestartMaxDelay < c.Workers.RestartBaseDelay {
		return errors.New("workers restart delays must be > 0 and max >= base")
	}

	if c.Consolidation.DecayFactor <= 0 || c.Consolidation.DecayFactor > 1 {
		return errors.New("consolidation.decay_factor must be within (0,1]")
	}
	if c.Cleanup.RelevanceDecay <= 0 || c.Cleanup.RelevanceDecay > 1 {
		return errors.New("cleanup.relevance_decay must be within (0,1]")
	}
	if c.FailureQueue.MaxRetries <= 0 {
		return errors.New("failure_queue.max_retries must be > 0")
	}

	switch c.Events.Backend {
	case "log", "none":
	case "kafka":
		if len(c.Events.KafkaBrokers) == 0 || c.Events.KafkaTopic == "" {
			return errors.New("events.kafka_brokers and events.kafka_topic are required for kafka backend")
		}
	default:
		return fmt.Errorf("unsupported events.backend %q", c.Events.Backend)
	}

	if c.API.Enabled && c.API.Listen == "" {
		return errors.New("api.listen must not be empty when api is enabled")
	}
	return nil
}

// EnsurePaths creates parent directories for config-managed paths.
func (c *Config) EnsurePaths() error {
	if c.Storage.Driver != "sqlite" {
		return nil
	}
	c.Storage.SQLitePath = ExpandPath(c.Storage.SQLitePath)
	parent := filepath.Dir(c.Storage.SQLitePath)
	if parent == "." {
		return nil
	}
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return fmt.Errorf("create db parent dir: %w", err)
	}
	return nil
}

// ExpandPath expands "~/" to the current user's home directory.
func ExpandPath(p string) string {
	if p == "" {
		return p
	}
	if p == "~" {
		return userHomeDir()
	}
	if strings.HasPrefix(p, "~/") {
		return filepath.Join(userHomeDir(), p[2:])
	}
	return p
}

func userHomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
