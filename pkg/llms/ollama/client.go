package ollama

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Nephrolytics-ai/smart-librarian/pkg/model"
	"github.com/Nephrolytics-ai/smart-librarian/pkg/utils"
	json "github.com/goccy/go-json"
	ollamasdk "github.com/rozoomcool/go-ollama-sdk"
)

const (
	providerName               = "ollama"
	defaultGenerationModelName = "llama3.1"
	defaultEmbeddingModelName  = "nomic-embed-text"
	defaultBaseURL             = "http://localhost:11434"
	requestTimeout             = 180 * time.Second
)

type client struct {
	apiClient  *ollamasdk.OllamaClient
	httpClient *http.Client
	baseURL    string
}

func newClient(cfg model.GeneratorConfig) *client {
	baseURL := strings.TrimSpace(cfg.URL)
	if baseURL == "" {
		baseURL = strings.TrimSpace(os.Getenv("OLLAMA_BASE_URL"))
	}
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	return &client{
		apiClient:  ollamasdk.NewClient(baseURL),
		httpClient: &http.Client{Timeout: requestTimeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
	}
}

type ollamaErrorResponse struct {
	Error string `json:"error"`
}

// postJSON sends request to path and decodes a 2xx body into out.
func (c *client) postJSON(ctx context.Context, path string, request any, out any) error {
	body, err := json.Marshal(request)
	if err != nil {
		return utils.WrapIfNotNil(err)
	}

	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return utils.WrapIfNotNil(err)
	}
	httpRequest.Header.Set("Content-Type", "application/json")
	httpRequest.Header.Set("Accept", "application/json")

	httpResponse, err := c.httpClient.Do(httpRequest)
	if err != nil {
		return utils.WrapIfNotNil(err)
	}
	defer httpResponse.Body.Close()

	rawBody, err := io.ReadAll(httpResponse.Body)
	if err != nil {
		return utils.WrapIfNotNil(err)
	}
	if httpResponse.StatusCode < http.StatusOK || httpResponse.StatusCode >= http.StatusMultipleChoices {
		message := strings.TrimSpace(string(rawBody))
		var apiError ollamaErrorResponse
		if json.Unmarshal(rawBody, &apiError) == nil && strings.TrimSpace(apiError.Error) != "" {
			message = apiError.Error
		}
		return utils.WrapIfNotNil(fmt.Errorf("ollama %s failed with status %d: %s", path, httpResponse.StatusCode, message))
	}

	return utils.WrapIfNotNil(json.Unmarshal(rawBody, out))
}

func resolveModelName(cfg model.GeneratorConfig, fallback string) string {
	if cfg.Model != nil {
		if modelName := strings.TrimSpace(*cfg.Model); modelName != "" {
			return modelName
		}
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
