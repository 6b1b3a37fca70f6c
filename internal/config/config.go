// Package config provides application configuration management with
// multi-source priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (runtime override)
//  2. Config file (~/.clickybot/config.yaml or ./config.yaml)
//  3. Default values (the original deployment's constants)
//
// Main configuration categories:
//   - Corpus: raw reference text, persisted index and feedback log locations
//   - Chunking: chunk size, overlap and separator priority
//   - Retrieval: top-k, embedder model
//   - Generation: chat model, temperature, max tokens, transcript cap
//
// Security: the OpenAI API key is never logged; MarshalJSON masks it.
// Validation: fail-fast range checks with sentinel errors for errors.Is().
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

var (
	// ErrConfigNil indicates the configuration is nil.
	ErrConfigNil = errors.New("configuration is nil")

	// ErrMissingAPIKey indicates the OpenAI API key is missing.
	ErrMissingAPIKey = errors.New("missing API key")

	// ErrInvalidChunking indicates chunk size/overlap values are out of range.
	ErrInvalidChunking = errors.New("invalid chunking configuration")

	// ErrInvalidTopK indicates the retrieval top-k value is out of range.
	ErrInvalidTopK = errors.New("invalid top-k")

	// ErrInvalidTemperature indicates the temperature value is out of range.
	ErrInvalidTemperature = errors.New("invalid temperature")

	// ErrInvalidMaxTokens indicates the max tokens value is out of range.
	ErrInvalidMaxTokens = errors.New("invalid max tokens")

	// ErrInvalidTranscriptCap indicates the transcript cap is out of range.
	ErrInvalidTranscriptCap = errors.New("invalid transcript cap")

	// ErrInvalidTimeout indicates the request timeout is out of range.
	ErrInvalidTimeout = errors.New("invalid request timeout")

	// ErrInvalidEvictionPolicy indicates an unknown eviction policy name.
	ErrInvalidEvictionPolicy = errors.New("invalid eviction policy")
)

const (
	// DefaultCorpusPath is the raw reference text the index is built from.
	DefaultCorpusPath = "clickatell_data.txt"

	// DefaultIndexPath is the persisted vector index location.
	DefaultIndexPath = "clickatell_data.db"

	// DefaultFeedbackLogPath is the append-only reviewer feedback log.
	DefaultFeedbackLogPath = "agent_feedback.jsonl"

	// DefaultChunkSize and DefaultChunkOverlap mirror the splitter settings
	// the corpus was originally indexed with. Changing them only affects
	// newly embedded text.
	DefaultChunkSize    = 2000
	DefaultChunkOverlap = 200

	// DefaultTopK is the number of chunks retrieved per question.
	DefaultTopK = 4

	// DefaultEmbedderModel produces 1536-dimension vectors.
	DefaultEmbedderModel = "text-embedding-3-small"

	// DefaultMaxTranscriptTurns caps the conversation history fed into the
	// generation prompt. Older turns are dropped, not summarised.
	DefaultMaxTranscriptTurns = 50

	// MaxAllowedTranscriptTurns is the absolute cap to prevent unbounded
	// prompt growth.
	MaxAllowedTranscriptTurns = 1000
)

// Eviction policy names accepted in Config.EvictionPolicy.
const (
	EvictionKeepAll   = "keep_all"
	EvictionMaxChunks = "max_chunks"
)

// Config stores application configuration.
// SECURITY: sensitive fields are explicitly masked in MarshalJSON().
// When adding new sensitive fields (API keys, tokens), update MarshalJSON.
type Config struct {
	// Data locations
	CorpusPath      string `mapstructure:"corpus_path" json:"corpus_path"`
	IndexPath       string `mapstructure:"index_path" json:"index_path"`
	FeedbackLogPath string `mapstructure:"feedback_log_path" json:"feedback_log_path"`

	// Chunking configuration
	ChunkSize    int `mapstructure:"chunk_size" json:"chunk_size"`
	ChunkOverlap int `mapstructure:"chunk_overlap" json:"chunk_overlap"`

	// Retrieval configuration
	TopK          int    `mapstructure:"top_k" json:"top_k"`
	EmbedderModel string `mapstructure:"embedder_model" json:"embedder_model"`

	// Index growth policy (see index.EvictionPolicy)
	EvictionPolicy string `mapstructure:"eviction_policy" json:"eviction_policy"`
	MaxChunks      int    `mapstructure:"max_chunks" json:"max_chunks"`

	// Generation configuration
	ModelName   string  `mapstructure:"model_name" json:"model_name"`
	Temperature float32 `mapstructure:"temperature" json:"temperature"`
	MaxTokens   int     `mapstructure:"max_tokens" json:"max_tokens"`

	// Conversation configuration
	MaxTranscriptTurns int `mapstructure:"max_transcript_turns" json:"max_transcript_turns"`

	// External service configuration
	OpenAIAPIKey          string `mapstructure:"openai_api_key" json:"openai_api_key"` // SENSITIVE: masked in MarshalJSON
	RequestTimeoutSeconds int    `mapstructure:"request_timeout_seconds" json:"request_timeout_seconds"`
	EmbedRatePerSecond    int    `mapstructure:"embed_rate_per_second" json:"embed_rate_per_second"`

	// Logging configuration
	LogLevel string `mapstructure:"log_level" json:"log_level"`
	LogJSON  bool   `mapstructure:"log_json" json:"log_json"`
}

// Load loads configuration.
// Priority: Environment variables > Configuration file > Default values
func Load() (*Config, error) {
	// Configuration directory: ~/.clickybot/
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting user home directory: %w", err)
	}

	configDir := filepath.Join(home, ".clickybot")

	// Ensure directory exists (0750 keeps the config private)
	if err := os.MkdirAll(configDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configDir)
	v.AddConfigPath(".") // Also support current directory

	setDefaults(v)
	bindEnvVariables(v)

	// Read configuration file (if exists)
	if err := v.ReadInConfig(); err != nil {
		// Configuration file not found is not an error, use default values
		var configNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configNotFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		slog.Debug("configuration file not found, using default values",
			"search_paths", []string{configDir, "."},
			"config_name", "config.yaml")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	// CRITICAL: Validate immediately (fail-fast)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets all default configuration values.
func setDefaults(v *viper.Viper) {
	// Data location defaults (the original deployment's file names)
	v.SetDefault("corpus_path", DefaultCorpusPath)
	v.SetDefault("index_path", DefaultIndexPath)
	v.SetDefault("feedback_log_path", DefaultFeedbackLogPath)

	// Chunking defaults
	v.SetDefault("chunk_size", DefaultChunkSize)
	v.SetDefault("chunk_overlap", DefaultChunkOverlap)

	// Retrieval defaults
	v.SetDefault("top_k", DefaultTopK)
	v.SetDefault("embedder_model", DefaultEmbedderModel)

	// Growth policy defaults: never evict, but make the tradeoff explicit
	v.SetDefault("eviction_policy", EvictionKeepAll)
	v.SetDefault("max_chunks", 0)

	// Generation defaults
	v.SetDefault("model_name", "gpt-4o-mini")
	v.SetDefault("temperature", 1.0)
	v.SetDefault("max_tokens", 2048)

	// Conversation defaults
	v.SetDefault("max_transcript_turns", DefaultMaxTranscriptTurns)

	// External service defaults
	v.SetDefault("request_timeout_seconds", 30)
	v.SetDefault("embed_rate_per_second", 10)

	// Logging defaults
	v.SetDefault("log_level", "info")
	v.SetDefault("log_json", false)
}

// bindEnvVariables binds environment variable overrides explicitly.
func bindEnvVariables(v *viper.Viper) {
	// Helper to panic on unexpected bind errors (hardcoded strings can't fail)
	// If this panics, it's a BUG in our code, not a runtime error
	mustBind := func(key, envVar string) {
		if err := v.BindEnv(key, envVar); err != nil {
			panic(fmt.Sprintf("BUG: failed to bind %q to %q: %v", key, envVar, err))
		}
	}

	// The one secret
	mustBind("openai_api_key", "OPENAI_API_KEY")

	// Deployment overrides
	mustBind("corpus_path", "CLICKYBOT_CORPUS_PATH")
	mustBind("index_path", "CLICKYBOT_INDEX_PATH")
	mustBind("feedback_log_path", "CLICKYBOT_FEEDBACK_LOG_PATH")
	mustBind("embedder_model", "CLICKYBOT_EMBEDDER_MODEL")
	mustBind("model_name", "CLICKYBOT_MODEL_NAME")
	mustBind("log_level", "CLICKYBOT_LOG_LEVEL")
}

// Validate checks all configuration values, fail-fast with sentinel errors.
func (c *Config) Validate() error {
	if c == nil {
		return ErrConfigNil
	}

	if c.OpenAIAPIKey == "" {
		return fmt.Errorf("%w: set OPENAI_API_KEY", ErrMissingAPIKey)
	}

	if c.ChunkSize <= 0 {
		return fmt.Errorf("%w: chunk_size must be positive, got %d", ErrInvalidChunking, c.ChunkSize)
	}
	if c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize {
		return fmt.Errorf("%w: chunk_overlap must be in [0, chunk_size), got %d", ErrInvalidChunking, c.ChunkOverlap)
	}

	if c.TopK <= 0 || c.TopK > 100 {
		return fmt.Errorf("%w: top_k must be in [1, 100], got %d", ErrInvalidTopK, c.TopK)
	}

	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("%w: temperature must be in [0, 2], got %.2f", ErrInvalidTemperature, c.Temperature)
	}
	if c.MaxTokens <= 0 || c.MaxTokens > 128000 {
		return fmt.Errorf("%w: max_tokens must be in [1, 128000], got %d", ErrInvalidMaxTokens, c.MaxTokens)
	}

	if c.MaxTranscriptTurns <= 0 || c.MaxTranscriptTurns > MaxAllowedTranscriptTurns {
		return fmt.Errorf("%w: max_transcript_turns must be in [1, %d], got %d",
			ErrInvalidTranscriptCap, MaxAllowedTranscriptTurns, c.MaxTranscriptTurns)
	}

	if c.RequestTimeoutSeconds <= 0 || c.RequestTimeoutSeconds > 600 {
		return fmt.Errorf("%w: request_timeout_seconds must be in [1, 600], got %d",
			ErrInvalidTimeout, c.RequestTimeoutSeconds)
	}

	switch c.EvictionPolicy {
	case EvictionKeepAll:
	case EvictionMaxChunks:
		if c.MaxChunks <= 0 {
			return fmt.Errorf("%w: max_chunks must be positive for policy %q",
				ErrInvalidEvictionPolicy, c.EvictionPolicy)
		}
	default:
		return fmt.Errorf("%w: %q, must be one of: %s, %s",
			ErrInvalidEvictionPolicy, c.EvictionPolicy, EvictionKeepAll, EvictionMaxChunks)
	}

	return nil
}

// maskedValue is the placeholder for masked sensitive data.
// Full-width blocks avoid substring matching against real secret content.
const maskedValue = "████████"

// maskSecret masks a secret string for safe logging.
// Short secrets are fully masked; longer ones keep the first and last two
// characters for debug utility.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return maskedValue
	}
	return s[:2] + "<" + maskedValue + ">" + s[len(s)-2:]
}

// MarshalJSON implements json.Marshaler with explicit sensitive field masking.
//
// Sensitive fields masked:
//   - OpenAIAPIKey
//
// When adding new sensitive fields, update this method.
func (c Config) MarshalJSON() ([]byte, error) {
	type alias Config
	a := alias(c)
	a.OpenAIAPIKey = maskSecret(a.OpenAIAPIKey)
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return data, nil
}

// String implements Stringer to prevent accidental printing of secrets.
func (c Config) String() string {
	data, err := c.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("Config{error: %v}", err)
	}
	return string(data)
}
