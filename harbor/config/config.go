package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	internal "github.com/ZanzyTHEbar/tool-harbor/harbor"

	"github.com/spf13/viper"
)

// Config stores all configuration of the application.
// The values are read by viper from a config file or environment variables.
type Config struct {
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Transport  TransportConfig  `mapstructure:"transport"`
	Dispatch   DispatchConfig   `mapstructure:"dispatch"`
	Engine     EngineConfig     `mapstructure:"engine"`
	Provider   ProviderConfig   `mapstructure:"provider"`
	Store      StoreConfig      `mapstructure:"store"`
	Log        LogConfig        `mapstructure:"log"`
}

// SupervisorConfig controls service process lifecycle handling.
type SupervisorConfig struct {
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"` // bound on the initialize exchange
	ShutdownGrace    time.Duration `mapstructure:"shutdown_grace"`    // wait after stdin close before SIGKILL
	ManifestPath     string        `mapstructure:"manifest_path"`     // JSON list of service specs
	WatchManifest    bool          `mapstructure:"watch_manifest"`    // fsnotify watch on the manifest file
}

// TransportConfig controls the line-framed channel layer.
type TransportConfig struct {
	MaxLineBytes       int `mapstructure:"max_line_bytes"`      // reject longer wire lines
	NotificationBuffer int `mapstructure:"notification_buffer"` // buffered id-less messages before drop
}

// DispatchConfig controls call submission and tracking.
type DispatchConfig struct {
	DefaultCallTimeout time.Duration `mapstructure:"default_call_timeout"` // used when the caller passes no deadline
	QueueDepth         int           `mapstructure:"queue_depth"`          // per-service FIFO lane capacity
	EnableMetrics      bool          `mapstructure:"enable_metrics"`       // latency/error collection
}

// EngineConfig controls the decision loop.
type EngineConfig struct {
	MaxRetries        int    `mapstructure:"max_retries"`         // invalid-decision retries before DecisionError
	MaxTurnIterations int    `mapstructure:"max_turn_iterations"` // decide→invoke cycles per instruction
	HistoryWindow     int    `mapstructure:"history_window"`      // last-k turns rendered into the prompt
	HistoryTokens     int    `mapstructure:"history_tokens"`      // token budget for rendered history
	SystemPrompt      string `mapstructure:"system_prompt"`       // overrides the built-in preamble when set
	RequireJSON       bool   `mapstructure:"require_json"`        // reject prose replies, envelope only

	// Decision caching
	CacheEnabled    bool `mapstructure:"cache_enabled"`
	CacheCapacity   int  `mapstructure:"cache_capacity"`
	CacheTTLSeconds int  `mapstructure:"cache_ttl_seconds"`

	// Provider rate limiting
	RateLimitEnabled    bool          `mapstructure:"rate_limit_enabled"`
	RateLimitCapacity   int           `mapstructure:"rate_limit_capacity"`
	RateLimitRefillRate time.Duration `mapstructure:"rate_limit_refill_rate"`

	// Telemetry
	EnableTracing bool `mapstructure:"enable_tracing"`
}

// ProviderConfig selects and tunes the language-model backend.
type ProviderConfig struct {
	Kind           string        `mapstructure:"kind"`            // "openai" | "llama" | "stub"
	BaseURL        string        `mapstructure:"base_url"`        // OpenAI-compatible endpoint
	Model          string        `mapstructure:"model"`           // model name sent to the endpoint
	APIKeyEnv      string        `mapstructure:"api_key_env"`     // env var holding the bearer token
	ModelPath      string        `mapstructure:"model_path"`      // GGUF path for the llama backend
	RequestTimeout time.Duration `mapstructure:"request_timeout"` // per provider call
	MaxNewTokens   int           `mapstructure:"max_new_tokens"`
	Temperature    float32       `mapstructure:"temperature"`
	TopP           float32       `mapstructure:"top_p"`
	MaxRetries     int           `mapstructure:"max_retries"` // transport-level retries (429/5xx)
}

// StoreConfig controls the conversation journal.
type StoreConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	DSN          string `mapstructure:"dsn"`           // libsql DSN, file: for embedded
	HistoryLimit int    `mapstructure:"history_limit"` // last-k turns loaded per session
}

// LogConfig controls zerolog output.
type LogConfig struct {
	Level  string `mapstructure:"level"`  // trace|debug|info|warn|error
	Pretty bool   `mapstructure:"pretty"` // console writer instead of JSON
}

var AppConfig Config

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(configPath string) (*Config, error) {
	if configPath != "" {
		viper.SetConfigFile(configPath)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("..")
		viper.AddConfigPath(filepath.Join("etc", internal.DefaultAppName))
		viper.AddConfigPath(internal.DefaultConfigPath)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	// Supervisor defaults
	viper.SetDefault("supervisor.handshake_timeout", "10s")
	viper.SetDefault("supervisor.shutdown_grace", "3s")
	viper.SetDefault("supervisor.manifest_path", internal.DefaultManifestPath)
	viper.SetDefault("supervisor.watch_manifest", false)

	// Transport defaults
	viper.SetDefault("transport.max_line_bytes", 1<<20) // 1MB wire lines
	viper.SetDefault("transport.notification_buffer", 64)

	// Dispatch defaults
	viper.SetDefault("dispatch.default_call_timeout", "30s")
	viper.SetDefault("dispatch.queue_depth", 32)
	viper.SetDefault("dispatch.enable_metrics", true)

	// Engine defaults
	viper.SetDefault("engine.max_retries", 2)
	viper.SetDefault("engine.max_turn_iterations", 8)
	viper.SetDefault("engine.history_window", 20)
	viper.SetDefault("engine.history_tokens", 4000)
	viper.SetDefault("engine.system_prompt", "")
	viper.SetDefault("engine.require_json", false)
	viper.SetDefault("engine.cache_enabled", false)
	viper.SetDefault("engine.cache_capacity", 256)
	viper.SetDefault("engine.cache_ttl_seconds", 600)
	viper.SetDefault("engine.rate_limit_enabled", true)
	viper.SetDefault("engine.rate_limit_capacity", 10)
	viper.SetDefault("engine.rate_limit_refill_rate", "1s")
	viper.SetDefault("engine.enable_tracing", true)

	// Provider defaults (OpenAI-compatible endpoint, local by default)
	viper.SetDefault("provider.kind", "openai")
	viper.SetDefault("provider.base_url", "http://127.0.0.1:11434/v1")
	viper.SetDefault("provider.model", "llama3.2")
	viper.SetDefault("provider.api_key_env", "HARBOR_API_KEY")
	viper.SetDefault("provider.model_path", "")
	viper.SetDefault("provider.request_timeout", "60s")
	viper.SetDefault("provider.max_new_tokens", 1024)
	viper.SetDefault("provider.temperature", 0.2)
	viper.SetDefault("provider.top_p", 0.9)
	viper.SetDefault("provider.max_retries", 2)

	// Store defaults (journal off unless a DSN is wanted)
	viper.SetDefault("store.enabled", false)
	viper.SetDefault("store.dsn", internal.DefaultJournalDSN)
	viper.SetDefault("store.history_limit", 50)

	// Log defaults
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.pretty", false)

	viper.AutomaticEnv()
	// Replace dots with underscores in env var names e.g. supervisor.handshake_timeout
	// becomes SUPERVISOR_HANDSHAKE_TIMEOUT
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found; defaults will be used. Not an error worth halting on.
		} else {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	return &AppConfig, nil
}
