package model

import (
	"context"
	"encoding/json"
)

// NewStringContentGeneratorFunc is the factory every chat provider exposes.
type NewStringContentGeneratorFunc func(prompt string, opts ...GeneratorOption) (ContentGenerator[string], error)

type ContentGenerator[T any] interface {
	Generate(ctx context.Context) (T, GenerationMetadata, error)
	AddPromptContext(ctx context.Context, messageType ContextMessageType, content string)
	AddPromptContextProvider(ctx context.Context, provider PromptContextProvider)
}

type GenerationMetadata map[string]string

const (
	MetadataKeyProvider          = "provider"
	MetadataKeyModel             = "model"
	MetadataKeyLatencyMs         = "latency_ms"
	MetadataKeyInputTokens       = "input_tokens"
	MetadataKeyOutputTokens      = "output_tokens"
	MetadataKeyTotalTokens       = "total_tokens"
	MetadataKeyCachedInputTokens = "cached_input_tokens"
	MetadataKeyAPICalls          = "api_calls"
	MetadataKeyToolRounds        = "tool_rounds"
	MetadataKeyResponseID        = "response_id"
	MetadataKeyResponseStatus    = "response_status"
	MetadataKeyBytes             = "bytes"
)

type PromptContext struct {
	MessageType ContextMessageType
	Content     string
}

type PromptContextProvider interface {
	GenerateContext(ctx context.Context) ([]*PromptContext, error)
}

type ContextMessageType string

const (
	ContextMessageTypeSystem    ContextMessageType = "system"    // persona and house rules
	ContextMessageTypeHuman     ContextMessageType = "human"     // retrieved catalog context, not the user's question
	ContextMessageTypeAssistant ContextMessageType = "assistant" // prior assistant turns
)

type GeneratorOption interface {
	apply(*GeneratorConfig)
}

type generatorOptionFunc func(*GeneratorConfig)

func (f generatorOptionFunc) apply(cfg *GeneratorConfig) {
	f(cfg)
}

type GeneratorConfig struct {
	URL                 string
	AuthToken           string
	Temperature         *float64
	MaxTokens           *int
	MaxToolRounds       *int
	EmbeddingDimensions *int
	Model               *string
	Tools               []Tool
}

// DefaultMaxToolRounds bounds the tool call loop when WithMaxToolRounds is not given.
const DefaultMaxToolRounds = 6

// ToolRounds returns the configured limit or DefaultMaxToolRounds.
func (c GeneratorConfig) ToolRounds() int {
	if c.MaxToolRounds != nil && *c.MaxToolRounds > 0 {
		return *c.MaxToolRounds
	}
	return DefaultMaxToolRounds
}

type JSONSchema map[string]any

type Tool struct {
	Name        string
	Description string
	InputSchema JSONSchema

	// Handler receives the raw JSON arguments chosen by the model and returns a JSON-encodable result.
	Handler func(ctx context.Context, args json.RawMessage) (any, error)
}

func ResolveGeneratorOpts(opts ...GeneratorOption) GeneratorConfig {
	cfg := GeneratorConfig{}
	for _, opt := range opts {
		if opt != nil {
			opt.apply(&cfg)
		}
	}
	return cfg
}

func WithURL(value string) GeneratorOption {
	return generatorOptionFunc(func(cfg *GeneratorConfig) {
		cfg.URL = value
	})
}

func WithAuthToken(value string) GeneratorOption {
	return generatorOptionFunc(func(cfg *GeneratorConfig) {
		cfg.AuthToken = value
	})
}

func WithTemperature(value float64) GeneratorOption {
	return generatorOptionFunc(func(cfg *GeneratorConfig) {
		cfg.Temperature = &value
	})
}

func WithMaxTokens(value int) GeneratorOption {
	return generatorOptionFunc(func(cfg *GeneratorConfig) {
		cfg.MaxTokens = &value
	})
}

func WithMaxToolRounds(value int) GeneratorOption {
	return generatorOptionFunc(func(cfg *GeneratorConfig) {
		cfg.MaxToolRounds = &value
	})
}

func WithEmbeddingDimensions(value int) GeneratorOption {
	return generatorOptionFunc(func(cfg *GeneratorConfig) {
		cfg.EmbeddingDimensions = &value
	})
}

func WithModel(value string) GeneratorOption {
	return generatorOptionFunc(func(cfg *GeneratorConfig) {
		cfg.Model = &value
	})
}

func WithTools(tools []Tool) GeneratorOption {
	return generatorOptionFunc(func(cfg *GeneratorConfig) {
		cfg.Tools = append([]Tool(nil), tools...)
	})
}
