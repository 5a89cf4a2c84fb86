// Package openai wraps the OpenAI media endpoints: speech, image generation and transcription.
package openai

import (
	"strconv"
	"strings"
	"time"

	"github.com/Nephrolytics-ai/smart-librarian/pkg/model"
	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

const providerName = "openai"

type client struct {
	apiClient openai.Client
}

func newClient(url string, authToken string) *client {
	requestOpts := make([]option.RequestOption, 0, 2)
	if url != "" {
		requestOpts = append(requestOpts, option.WithBaseURL(url))
	}
	if authToken != "" {
		requestOpts = append(requestOpts, option.WithAPIKey(authToken))
	}
	return &client{apiClient: openai.NewClient(requestOpts...)}
}

func resolveName(value string, fallback string) string {
	if trimmed := strings.TrimSpace(value); trimmed != "" {
		return trimmed
	}
	return fallback
}

func initMetadata(modelName string) model.GenerationMetadata {
	return model.GenerationMetadata{
		model.MetadataKeyProvider: providerName,
		model.MetadataKeyModel:    modelName,
	}
}

func setLatencyMetadata(meta model.GenerationMetadata, start time.Time) {
	meta[model.MetadataKeyLatencyMs] = strconv.FormatInt(time.Since(start).Milliseconds(), 10)
}
