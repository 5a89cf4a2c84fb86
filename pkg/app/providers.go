package app

import (
	"fmt"
	"strings"

	"github.com/Nephrolytics-ai/smart-librarian/pkg/config"
	"github.com/Nephrolytics-ai/smart-librarian/pkg/llms/bedrock"
	"github.com/Nephrolytics-ai/smart-librarian/pkg/llms/gemini"
	"github.com/Nephrolytics-ai/smart-librarian/pkg/llms/ollama"
	"github.com/Nephrolytics-ai/smart-librarian/pkg/llms/openai"
	"github.com/Nephrolytics-ai/smart-librarian/pkg/llms/openai_response"
	"github.com/Nephrolytics-ai/smart-librarian/pkg/model"
)

const defaultChatModel = "gpt-4o-mini"

// chatProvider returns the chat factory and the provider wiring options for cfg.LLM.Provider.
func chatProvider(cfg config.Config) (model.NewStringContentGeneratorFunc, []model.GeneratorOption, error) {
	var opts []model.GeneratorOption
	if url := strings.TrimSpace(cfg.LLM.URL); url != "" {
		opts = append(opts, model.WithURL(url))
	}

	switch cfg.LLM.Provider {
	case "openai":
		return openai_response.NewStringContentGenerator, append(opts, model.WithAuthToken(cfg.APIKey)), nil
	case "gemini":
		return gemini.NewStringContentGenerator, append(opts, model.WithAuthToken(cfg.Gemini.APIKey)), nil
	case "ollama":
		if cfg.LLM.URL == "" && cfg.Ollama.URL != "" {
			opts = append(opts, model.WithURL(cfg.Ollama.URL))
		}
		return ollama.NewStringContentGenerator, opts, nil
	case "bedrock":
		return bedrock.NewFactory(bedrock.Options{Region: cfg.Bedrock.Region, Profile: cfg.Bedrock.Profile}), opts, nil
	default:
		return nil, nil, fmt.Errorf("unknown llm provider %q", cfg.LLM.Provider)
	}
}

// chatModel is the model name passed to the chat provider. The stock default names an OpenAI
// model, so other providers fall back to their own default unless chat_model was changed.
func chatModel(cfg config.Config) string {
	if cfg.LLM.Provider != "openai" && cfg.ChatModel == defaultChatModel {
		return ""
	}
	return cfg.ChatModel
}

func embeddingProvider(cfg config.Config) (model.EmbeddingGenerator, error) {
	var opts []model.GeneratorOption
	if cfg.Embedding.Model != "" {
		opts = append(opts, model.WithModel(cfg.Embedding.Model))
	}
	if cfg.Embedding.Dimensions > 0 {
		opts = append(opts, model.WithEmbeddingDimensions(cfg.Embedding.Dimensions))
	}

	switch cfg.Embedding.Provider {
	case "openai":
		return openai_response.NewEmbeddingGenerator(append(opts, model.WithAuthToken(cfg.APIKey))...)
	case "gemini":
		return gemini.NewEmbeddingGenerator(append(opts, model.WithAuthToken(cfg.Gemini.APIKey))...)
	case "ollama":
		if cfg.Ollama.URL != "" {
			opts = append(opts, model.WithURL(cfg.Ollama.URL))
		}
		return ollama.NewEmbeddingGenerator(opts...)
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Embedding.Provider)
	}
}

// transcriptionProvider builds the speech-to-text backend. prompt biases recognition toward
// catalog titles.
func transcriptionProvider(cfg config.Config, prompt string) (model.AudioTranscriber, error) {
	temperature := cfg.STT.Temperature
	opts := model.AudioOptions{
		Model:       cfg.STT.Model,
		Prompt:      prompt,
		Temperature: &temperature,
	}

	switch cfg.STT.Provider {
	case "openai":
		opts.AuthToken = cfg.APIKey
		return openai.NewAudioTranscriber(opts), nil
	case "gemini":
		opts.AuthToken = cfg.Gemini.APIKey
		if opts.Model == "whisper-1" {
			opts.Model = ""
		}
		return gemini.NewAudioTranscriber(opts), nil
	default:
		return nil, fmt.Errorf("unknown stt provider %q", cfg.STT.Provider)
	}
}

func speechProvider(cfg config.Config) model.SpeechSynthesizer {
	return openai.NewSpeechSynthesizer(model.SpeechOptions{
		AuthToken: cfg.APIKey,
		Model:     cfg.Narration.Model,
		Voice:     cfg.Narration.Voice,
		Format:    "mp3",
	})
}

func imageProvider(cfg config.Config) model.ImageSynthesizer {
	return openai.NewImageSynthesizer(model.ImageOptions{
		AuthToken: cfg.APIKey,
		Model:     cfg.Cover.Model,
		Size:      cfg.Cover.Size,
	})
}
