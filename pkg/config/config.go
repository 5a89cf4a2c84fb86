// Package config loads the service configuration in layers: built-in defaults, an optional YAML
// file, then SMART_LIBRARIAN_ environment variables. Nested keys use a double underscore in the
// environment, so SMART_LIBRARIAN_SERVER__ADDR sets server.addr.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

const (
	EnvPrefix     = "SMART_LIBRARIAN_"
	ConfigPathEnv = EnvPrefix + "CONFIG"
	DefaultPath   = "config.yaml"

	// APIKeyFallbackEnv is read when api_key is not configured.
	APIKeyFallbackEnv = "OPENAI_API_KEY"
	GeminiKeyEnv      = "GEMINI_KEY"
)

type Config struct {
	APIKey          string `koanf:"api_key" validate:"required"`
	ChatModel       string `koanf:"chat_model" validate:"required"`
	EnableNarration bool   `koanf:"enable_narration"`
	EnableCover     bool   `koanf:"enable_cover"`

	Server     ServerConfig     `koanf:"server"`
	Media      MediaConfig      `koanf:"media"`
	Catalog    CatalogConfig    `koanf:"catalog"`
	Retrieval  RetrievalConfig  `koanf:"retrieval"`
	LLM        LLMConfig        `koanf:"llm"`
	Embedding  EmbeddingConfig  `koanf:"embedding"`
	STT        STTConfig        `koanf:"stt"`
	Narration  NarrationConfig  `koanf:"narration"`
	Cover      CoverConfig      `koanf:"cover"`
	Generation GenerationConfig `koanf:"generation"`
	NATS       NATSConfig       `koanf:"nats"`
	MCP        MCPConfig        `koanf:"mcp"`
	Gemini     GeminiConfig     `koanf:"gemini"`
	Ollama     OllamaConfig     `koanf:"ollama"`
	Bedrock    BedrockConfig    `koanf:"bedrock"`
	Logging    LoggingConfig    `koanf:"logging"`
}

type ServerConfig struct {
	Addr               string        `koanf:"addr" validate:"required"`
	MediaPrefix        string        `koanf:"media_prefix" validate:"required,startswith=/"`
	RateLimitPerMinute int           `koanf:"rate_limit_per_minute" validate:"gte=0"`
	CORSOrigins        []string      `koanf:"cors_origins"`
	MaxUploadBytes     int64         `koanf:"max_upload_bytes" validate:"gt=0"`
	ShutdownTimeout    time.Duration `koanf:"shutdown_timeout"`
}

type MediaConfig struct {
	Dir string `koanf:"dir" validate:"required"`
}

type CatalogConfig struct {
	Path          string `koanf:"path" validate:"required"`
	ProfanityPath string `koanf:"profanity_path"`
	Strict        bool   `koanf:"strict"`
}

type RetrievalConfig struct {
	TopK        int    `koanf:"top_k" validate:"gte=1,lte=20"`
	Backend     string `koanf:"backend" validate:"oneof=memory postgres"`
	PostgresDSN string `koanf:"postgres_dsn" validate:"required_if=Backend postgres"`
	Table       string `koanf:"table"`
}

type LLMConfig struct {
	Provider      string  `koanf:"provider" validate:"oneof=openai gemini ollama bedrock"`
	Temperature   float64 `koanf:"temperature" validate:"gte=0,lte=2"`
	MaxToolRounds int     `koanf:"max_tool_rounds" validate:"gte=1"`
	URL           string  `koanf:"url"`
}

type EmbeddingConfig struct {
	Provider   string `koanf:"provider" validate:"oneof=openai gemini ollama"`
	Model      string `koanf:"model"`
	Dimensions int    `koanf:"dimensions" validate:"gte=0"`
}

type STTConfig struct {
	Provider    string  `koanf:"provider" validate:"oneof=openai gemini"`
	Model       string  `koanf:"model"`
	Temperature float64 `koanf:"temperature" validate:"gte=0,lte=1"`
	IndexDir    string  `koanf:"index_dir"`
}

type NarrationConfig struct {
	Model string `koanf:"model"`
	Voice string `koanf:"voice"`
}

type CoverConfig struct {
	Model string `koanf:"model"`
	Size  string `koanf:"size"`
}

type GenerationConfig struct {
	Workers         int           `koanf:"workers" validate:"gte=1"`
	QueueSize       int           `koanf:"queue_size" validate:"gte=1"`
	Timeout         time.Duration `koanf:"timeout" validate:"gt=0"`
	RatePerSecond   float64       `koanf:"rate_per_second" validate:"gte=0"`
	BreakerFailures uint32        `koanf:"breaker_failures"`
	BreakerCooldown time.Duration `koanf:"breaker_cooldown"`
}

type NATSConfig struct {
	URL    string `koanf:"url"`
	Bucket string `koanf:"bucket"`
}

// MCPConfig points at an optional remote MCP server whose tools join the recommendation chat.
type MCPConfig struct {
	RemoteURL   string   `koanf:"remote_url"`
	RemoteToken string   `koanf:"remote_token"`
	Tools       []string `koanf:"tools"`
}

type GeminiConfig struct {
	APIKey string `koanf:"api_key"`
}

type OllamaConfig struct {
	URL string `koanf:"url"`
}

type BedrockConfig struct {
	Region  string `koanf:"region"`
	Profile string `koanf:"profile"`
}

type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn warning error"`
	Format string `koanf:"format" validate:"oneof=text json"`
}

// Defaults returns the configuration used before any file or environment override.
func Defaults() Config {
	return Config{
		ChatModel:       "gpt-4o-mini",
		EnableNarration: true,
		EnableCover:     true,
		Server: ServerConfig{
			Addr:               ":8000",
			MediaPrefix:        "/media",
			RateLimitPerMinute: 60,
			CORSOrigins:        []string{"*"},
			MaxUploadBytes:     25 << 20,
			ShutdownTimeout:    15 * time.Second,
		},
		Media:     MediaConfig{Dir: "data/media"},
		Catalog:   CatalogConfig{Path: "data/book_summaries.json"},
		Retrieval: RetrievalConfig{TopK: 3, Backend: "memory", Table: "book_embeddings"},
		LLM:       LLMConfig{Provider: "openai", Temperature: 0.4, MaxToolRounds: 6},
		Embedding: EmbeddingConfig{Provider: "openai"},
		STT: STTConfig{
			Provider:    "openai",
			Model:       "whisper-1",
			Temperature: 0.2,
			IndexDir:    "data/stt/index",
		},
		Narration: NarrationConfig{Model: "gpt-4o-mini-tts", Voice: "alloy"},
		Cover:     CoverConfig{Model: "gpt-image-1", Size: "1024x1024"},
		Generation: GenerationConfig{
			Workers:         4,
			QueueSize:       64,
			Timeout:         2 * time.Minute,
			RatePerSecond:   2,
			BreakerFailures: 5,
			BreakerCooldown: 30 * time.Second,
		},
		NATS:    NATSConfig{Bucket: "smart-librarian-media"},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

var sliceKeys = []string{
	"server.cors_origins",
	"mcp.tools",
}

// Load reads .env (when present), the YAML file named by SMART_LIBRARIAN_CONFIG (default
// config.yaml, optional) and the environment, then validates the result.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("failed to load .env: %w", err)
	}

	path := os.Getenv(ConfigPathEnv)
	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}
	if _, err := os.Stat(path); err != nil {
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("config file %s: %w", path, err)
		}
		path = ""
	}
	return LoadFile(path)
}

// LoadFile layers defaults, the YAML file at path (skipped when empty) and the environment.
func LoadFile(path string) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Defaults(), "koanf"), nil); err != nil {
		return Config{}, fmt.Errorf("failed to load defaults: %w", err)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return Config{}, fmt.Errorf("failed to load environment: %w", err)
	}
	if err := splitSliceKeys(k); err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	applyFallbacks(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var invalid validator.ValidationErrors
		if errors.As(err, &invalid) {
			fields := make([]string, 0, len(invalid))
			for _, fieldErr := range invalid {
				fields = append(fields, fmt.Sprintf("%s (%s)", fieldErr.Namespace(), fieldErr.Tag()))
			}
			return fmt.Errorf("configuration validation failed: %s", strings.Join(fields, ", "))
		}
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	return nil
}

// envKey maps SMART_LIBRARIAN_SERVER__MEDIA_PREFIX to server.media_prefix.
func envKey(key string) string {
	key = strings.TrimPrefix(key, EnvPrefix)
	if key == "CONFIG" {
		return ""
	}
	return strings.ReplaceAll(strings.ToLower(key), "__", ".")
}

func splitSliceKeys(k *koanf.Koanf) error {
	for _, key := range sliceKeys {
		value, ok := k.Get(key).(string)
		if !ok {
			continue
		}
		parts := strings.Split(value, ",")
		trimmed := make([]string, 0, len(parts))
		for _, part := range parts {
			if part = strings.TrimSpace(part); part != "" {
				trimmed = append(trimmed, part)
			}
		}
		if err := k.Set(key, trimmed); err != nil {
			return fmt.Errorf("failed to set %s: %w", key, err)
		}
	}
	return nil
}

func applyFallbacks(cfg *Config) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		cfg.APIKey = os.Getenv(APIKeyFallbackEnv)
	}
	if strings.TrimSpace(cfg.Gemini.APIKey) == "" {
		cfg.Gemini.APIKey = os.Getenv(GeminiKeyEnv)
	}
}
