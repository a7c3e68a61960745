package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"
)

// Config represents the application configuration
type Config struct {
	Environment string           `toml:"environment"` // "development" or "production"
	Server      ServerConfig     `toml:"server"`
	Logging     LoggingConfig    `toml:"logging"`
	Storage     StorageConfig    `toml:"storage"`
	Queue       QueueConfig      `toml:"queue"`
	Pipeline    PipelineConfig   `toml:"pipeline"`
	Reconciler  ReconcilerConfig `toml:"reconciler"`
	Scheduler   SchedulerConfig  `toml:"scheduler"`
	WebSocket   WebSocketConfig  `toml:"websocket"`
	Gemini      GeminiConfig     `toml:"gemini"`
	Claude      ClaudeConfig     `toml:"claude"`
	LLM         LLMConfig        `toml:"llm"`
}

type ServerConfig struct {
	Port           int    `toml:"port"`
	Host           string `toml:"host"`
	MaxUploadBytes int64  `toml:"max_upload_bytes"` // Largest accepted menu photo
}

type LoggingConfig struct {
	Level  string   `toml:"level"`  // "debug", "info", "warn", "error"
	Output []string `toml:"output"` // "stdout", "file"
}

// Ephemeral store backends
const (
	EphemeralBadger = "badger"
	EphemeralRedis  = "redis"
)

type StorageConfig struct {
	Ephemeral string       `toml:"ephemeral"` // "badger" (embedded) or "redis" (shared between processes)
	Badger    BadgerConfig `toml:"badger"`
	SQLite    SQLiteConfig `toml:"sqlite"`
	Redis     RedisConfig  `toml:"redis"`
	Images    ImagesConfig `toml:"images"`
}

// ImagesConfig configures where generated dish images are written and served from
type ImagesConfig struct {
	Dir       string `toml:"dir"`
	URLPrefix string `toml:"url_prefix"` // Public path prefix, e.g. "/images/"
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path"`             // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup"` // Delete database on startup for clean test runs
}

// SQLiteConfig configures the durable session store
type SQLiteConfig struct {
	Path          string `toml:"path"`
	WALMode       bool   `toml:"wal_mode"`
	BusyTimeoutMS int    `toml:"busy_timeout_ms"`
}

// RedisConfig configures the networked ephemeral store
type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
	Prefix   string `toml:"prefix"` // Key namespace, prepended to every stage key
}

type QueueConfig struct {
	PollInterval      string `toml:"poll_interval"`      // e.g., "50ms" - how often workers poll for units
	Concurrency       int    `toml:"concurrency"`        // Number of concurrent workers
	VisibilityTimeout string `toml:"visibility_timeout"` // e.g., "5m" - unit visibility timeout for redelivery
	MaxReceive        int    `toml:"max_receive"`        // Max times a unit can be received before it is dropped
	QueueName         string `toml:"queue_name"`         // Queue name prefix in Badger
}

// PipelineConfig drives the parallelization policy and the aggregator barrier
type PipelineConfig struct {
	ParallelEnabled   bool   `toml:"parallel_enabled"`
	CategoryThreshold int    `toml:"category_threshold"` // Min non-empty categories before fanning out
	ItemThreshold     int    `toml:"item_threshold"`     // Min total items before fanning out
	ChunkLevel        bool   `toml:"chunk_level"`        // Split categories into fixed-size chunks
	ChunkSize         int    `toml:"chunk_size"`
	TotalTimeout      string `toml:"total_timeout"`      // One deadline for every unit of a stage batch
	StageResultTTL    string `toml:"stage_result_ttl"`   // TTL of ephemeral stage results
}

type ReconcilerConfig struct {
	Enabled     bool   `toml:"enabled"`     // Run the reconciler inside the server process
	Interval    string `toml:"interval"`    // Fixed polling interval
	MarkerTTL   string `toml:"marker_ttl"`  // TTL of synced:{key} markers
	BatchSize   int    `toml:"batch_size"`  // Max stage keys written per cycle
	Concurrency int    `toml:"concurrency"` // Sessions reconciled concurrently
}

type SchedulerConfig struct {
	Enabled         bool   `toml:"enabled"`
	StaleSchedule   string `toml:"stale_schedule"`   // Cron schedule for the stale-session sweep
	StaleAfter      string `toml:"stale_after"`      // Sessions processing longer than this are failed
	HeaderRetention string `toml:"header_retention"` // Ephemeral session headers older than this are purged
}

// WebSocketConfig contains configuration for progress streaming
type WebSocketConfig struct {
	// Throttle interval for progress events per session
	ProgressThrottle string `toml:"progress_throttle"`
	// Whitelist of event types to broadcast. Empty list allows all events.
	AllowedEvents []string `toml:"allowed_events"`
}

// GeminiConfig contains Google Gemini API configuration
type GeminiConfig struct {
	APIKey      string  `toml:"api_key"`
	Model       string  `toml:"model"`       // Text and vision model
	ImageModel  string  `toml:"image_model"` // Imagen model for dish illustrations
	Timeout     string  `toml:"timeout"`
	RateLimit   string  `toml:"rate_limit"`
	Temperature float32 `toml:"temperature"`
}

// ClaudeConfig contains Anthropic Claude API configuration
type ClaudeConfig struct {
	APIKey      string  `toml:"api_key"`
	Model       string  `toml:"model"`
	MaxTokens   int     `toml:"max_tokens"`
	Timeout     string  `toml:"timeout"`
	RateLimit   string  `toml:"rate_limit"`
	Temperature float32 `toml:"temperature"`
}

// LLMProvider represents the AI provider type
type LLMProvider string

const (
	// LLMProviderGemini uses Google Gemini API
	LLMProviderGemini LLMProvider = "gemini"
	// LLMProviderClaude uses Anthropic Claude API
	LLMProviderClaude LLMProvider = "claude"
)

// LLMConfig selects providers for the text stages
type LLMConfig struct {
	DefaultProvider LLMProvider `toml:"default_provider"`
	TargetLanguage  string      `toml:"target_language"` // Language menus are translated into
}

// NewDefaultConfig creates a configuration with default values
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port:           8080,
			Host:           "localhost",
			MaxUploadBytes: 10 * 1024 * 1024, // 10MB
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: []string{"stdout", "file"},
		},
		Storage: StorageConfig{
			Ephemeral: EphemeralBadger,
			Badger: BadgerConfig{
				Path: "./data/badger",
			},
			SQLite: SQLiteConfig{
				Path:          "./data/menulens.db",
				WALMode:       true,
				BusyTimeoutMS: 5000,
			},
			Redis: RedisConfig{
				Addr:   "localhost:6379",
				Prefix: "menulens:",
			},
			Images: ImagesConfig{
				Dir:       "./data/images",
				URLPrefix: "/images/",
			},
		},
		Queue: QueueConfig{
			PollInterval:      "50ms",
			Concurrency:       8,
			VisibilityTimeout: "5m",
			MaxReceive:        3,
			QueueName:         "menulens_units",
		},
		Pipeline: PipelineConfig{
			ParallelEnabled:   true,
			CategoryThreshold: 2,
			ItemThreshold:     10,
			ChunkLevel:        false,
			ChunkSize:         5,
			TotalTimeout:      "120s",
			StageResultTTL:    "24h",
		},
		Reconciler: ReconcilerConfig{
			Enabled:     true,
			Interval:    "5s",
			MarkerTTL:   "24h",
			BatchSize:   500,
			Concurrency: 4,
		},
		Scheduler: SchedulerConfig{
			Enabled:         true,
			StaleSchedule:   "*/10 * * * *", // Every 10 minutes
			StaleAfter:      "1h",
			HeaderRetention: "48h",
		},
		WebSocket: WebSocketConfig{
			ProgressThrottle: "250ms",
			AllowedEvents:    []string{},
		},
		Gemini: GeminiConfig{
			Model:       "gemini-2.5-flash",
			ImageModel:  "imagen-4.0-generate-001",
			Timeout:     "2m",
			RateLimit:   "250ms",
			Temperature: 0.2,
		},
		Claude: ClaudeConfig{
			Model:       "claude-haiku-4-5",
			MaxTokens:   4096,
			Timeout:     "2m",
			RateLimit:   "250ms",
			Temperature: 0.2,
		},
		LLM: LLMConfig{
			DefaultProvider: LLMProviderGemini,
			TargetLanguage:  "English",
		},
	}
}

// LoadFromFiles loads configuration from multiple files with priority: default -> file1 -> file2 -> ... -> env -> CLI
// Later files override earlier files.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		// Unmarshal into config (merges with existing values, later values override)
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("MENULENS_ENV"); env != "" {
		config.Environment = env
	}

	// Server configuration
	if port := os.Getenv("MENULENS_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("MENULENS_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}

	// Logging configuration
	if level := os.Getenv("MENULENS_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if output := os.Getenv("MENULENS_LOG_OUTPUT"); output != "" {
		outputs := []string{}
		for _, o := range strings.Split(output, ",") {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				outputs = append(outputs, trimmed)
			}
		}
		if len(outputs) > 0 {
			config.Logging.Output = outputs
		}
	}

	// Storage configuration
	if ephemeral := os.Getenv("MENULENS_STORAGE_EPHEMERAL"); ephemeral != "" {
		config.Storage.Ephemeral = ephemeral
	}
	if badgerPath := os.Getenv("MENULENS_BADGER_PATH"); badgerPath != "" {
		config.Storage.Badger.Path = badgerPath
	}
	if sqlitePath := os.Getenv("MENULENS_SQLITE_PATH"); sqlitePath != "" {
		config.Storage.SQLite.Path = sqlitePath
	}
	if addr := os.Getenv("MENULENS_REDIS_ADDR"); addr != "" {
		config.Storage.Redis.Addr = addr
	}
	if password := os.Getenv("MENULENS_REDIS_PASSWORD"); password != "" {
		config.Storage.Redis.Password = password
	}

	// Queue configuration
	if concurrency := os.Getenv("MENULENS_QUEUE_CONCURRENCY"); concurrency != "" {
		if c, err := strconv.Atoi(concurrency); err == nil {
			config.Queue.Concurrency = c
		}
	}

	// Pipeline configuration
	if parallel := os.Getenv("MENULENS_PIPELINE_PARALLEL"); parallel != "" {
		if p, err := strconv.ParseBool(parallel); err == nil {
			config.Pipeline.ParallelEnabled = p
		}
	}
	if chunkLevel := os.Getenv("MENULENS_PIPELINE_CHUNK_LEVEL"); chunkLevel != "" {
		if c, err := strconv.ParseBool(chunkLevel); err == nil {
			config.Pipeline.ChunkLevel = c
		}
	}
	if chunkSize := os.Getenv("MENULENS_PIPELINE_CHUNK_SIZE"); chunkSize != "" {
		if c, err := strconv.Atoi(chunkSize); err == nil {
			config.Pipeline.ChunkSize = c
		}
	}
	if timeout := os.Getenv("MENULENS_PIPELINE_TOTAL_TIMEOUT"); timeout != "" {
		config.Pipeline.TotalTimeout = timeout
	}

	// Reconciler configuration
	if enabled := os.Getenv("MENULENS_RECONCILER_ENABLED"); enabled != "" {
		if e, err := strconv.ParseBool(enabled); err == nil {
			config.Reconciler.Enabled = e
		}
	}
	if interval := os.Getenv("MENULENS_RECONCILER_INTERVAL"); interval != "" {
		config.Reconciler.Interval = interval
	}

	// AI providers
	if key := os.Getenv("MENULENS_GEMINI_API_KEY"); key != "" {
		config.Gemini.APIKey = key
	}
	if key := os.Getenv("MENULENS_CLAUDE_API_KEY"); key != "" {
		config.Claude.APIKey = key
	} else if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" && config.Claude.APIKey == "" {
		config.Claude.APIKey = key
	}
	if provider := os.Getenv("MENULENS_LLM_PROVIDER"); provider != "" {
		config.LLM.DefaultProvider = LLMProvider(provider)
	}
}

// ApplyFlagOverrides applies command-line flag overrides to config
func ApplyFlagOverrides(config *Config, port int, host string) {
	if port > 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// Validate checks numeric bounds and parses every duration string once
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	switch c.Storage.Ephemeral {
	case EphemeralBadger, EphemeralRedis:
	default:
		return fmt.Errorf("storage.ephemeral must be %q or %q, got %q", EphemeralBadger, EphemeralRedis, c.Storage.Ephemeral)
	}
	// An embedded badger store is only reachable from this process, so nothing else can reconcile it
	if !c.Reconciler.Enabled && c.Storage.Ephemeral == EphemeralBadger {
		return fmt.Errorf("reconciler.enabled=false requires storage.ephemeral=%q; the %q store can only be reconciled in-process", EphemeralRedis, EphemeralBadger)
	}
	if c.Queue.Concurrency < 1 {
		return fmt.Errorf("queue.concurrency must be at least 1, got %d", c.Queue.Concurrency)
	}
	if c.Pipeline.CategoryThreshold < 1 {
		return fmt.Errorf("pipeline.category_threshold must be at least 1, got %d", c.Pipeline.CategoryThreshold)
	}
	if c.Pipeline.ItemThreshold < 1 {
		return fmt.Errorf("pipeline.item_threshold must be at least 1, got %d", c.Pipeline.ItemThreshold)
	}
	if c.Pipeline.ChunkSize < 1 {
		return fmt.Errorf("pipeline.chunk_size must be at least 1, got %d", c.Pipeline.ChunkSize)
	}
	if c.Reconciler.BatchSize < 1 {
		return fmt.Errorf("reconciler.batch_size must be at least 1, got %d", c.Reconciler.BatchSize)
	}
	if c.Reconciler.Concurrency < 1 {
		return fmt.Errorf("reconciler.concurrency must be at least 1, got %d", c.Reconciler.Concurrency)
	}

	durations := map[string]string{
		"queue.poll_interval":        c.Queue.PollInterval,
		"queue.visibility_timeout":   c.Queue.VisibilityTimeout,
		"pipeline.total_timeout":     c.Pipeline.TotalTimeout,
		"pipeline.stage_result_ttl":  c.Pipeline.StageResultTTL,
		"reconciler.interval":        c.Reconciler.Interval,
		"reconciler.marker_ttl":      c.Reconciler.MarkerTTL,
		"scheduler.stale_after":      c.Scheduler.StaleAfter,
		"scheduler.header_retention": c.Scheduler.HeaderRetention,
	}
	for name, value := range durations {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("%s: invalid duration %q: %w", name, value, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, value)
		}
	}

	if c.Scheduler.Enabled {
		if err := ValidateSchedule(c.Scheduler.StaleSchedule); err != nil {
			return fmt.Errorf("scheduler.stale_schedule: %w", err)
		}
	}

	return nil
}

// ValidateSchedule validates a five-field cron expression
func ValidateSchedule(schedule string) error {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(schedule); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	return nil
}

// ParseDuration parses a config duration, returning fallback for empty or invalid values
func ParseDuration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// IsProduction returns true if the environment is set to production
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}
