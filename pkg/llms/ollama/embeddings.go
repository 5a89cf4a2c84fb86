package ollama

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Nephrolytics-ai/smart-librarian/pkg/logging"
	"github.com/Nephrolytics-ai/smart-librarian/pkg/model"
	"github.com/Nephrolytics-ai/smart-librarian/pkg/utils"
)

type embeddingGenerator struct {
	client *client
	cfg    model.GeneratorConfig
}

func NewEmbeddingGenerator(opts ...model.GeneratorOption) (model.EmbeddingGenerator, error) {
	cfg := model.ResolveGeneratorOpts(opts...)
	return &embeddingGenerator{client: newClient(cfg), cfg: cfg}, nil
}

func (g *embeddingGenerator) Generate(ctx context.Context, input string) (model.EmbeddingVector, model.GenerationMetadata, error) {
	vectors, meta, err := g.GenerateBatch(ctx, []string{input})
	if err != nil {
		return nil, meta, err
	}
	if len(vectors) != 1 {
		return nil, meta, utils.WrapIfNotNil(fmt.Errorf("expected exactly 1 embedding vector, got %d", len(vectors)))
	}
	return vectors[0], meta, nil
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Model           string      `json:"model"`
	Embeddings      [][]float64 `json:"embeddings"`
	PromptEvalCount int64       `json:"prompt_eval_count,omitempty"`
}

func (g *embeddingGenerator) GenerateBatch(ctx context.Context, inputs []string) (model.EmbeddingVectors, model.GenerationMetadata, error) {
	start := time.Now()
	modelName := resolveModelName(g.cfg, defaultEmbeddingModelName)
	meta := initMetadata(modelName)
	defer setLatencyMetadata(meta, start)

	if err := validateEmbeddingInputs(inputs); err != nil {
		return nil, meta, utils.WrapIfNotNil(err)
	}
	logging.NewLogger(ctx).Debugf("embedding_request inputs=%d model=%s base_url=%s", len(inputs), modelName, g.client.baseURL)

	var response embedResponse
	if err := g.client.postJSON(ctx, "/api/embed", embedRequest{Model: modelName, Input: inputs}, &response); err != nil {
		return nil, meta, err
	}
	if len(response.Embeddings) != len(inputs) {
		return nil, meta, utils.WrapIfNotNil(
			fmt.Errorf("embedding response size mismatch: expected %d, got %d", len(inputs), len(response.Embeddings)),
		)
	}

	vectors := make(model.EmbeddingVectors, len(response.Embeddings))
	for i, vector := range response.Embeddings {
		if len(vector) == 0 {
			return nil, meta, utils.WrapIfNotNil(fmt.Errorf("missing embedding vector for index %d", i))
		}
		vectors[i] = append(model.EmbeddingVector(nil), vector...)
	}

	meta[model.MetadataKeyEmbeddingCount] = strconv.Itoa(len(vectors))
	meta[model.MetadataKeyEmbeddingDims] = strconv.Itoa(len(vectors[0]))
	meta[model.MetadataKeyInputTokens] = strconv.FormatInt(response.PromptEvalCount, 10)
	return vectors, meta, nil
}

func validateEmbeddingInputs(inputs []string) error {
	if len(inputs) == 0 {
		return errors.New("at least one input is required")
	}
	for i, input := range inputs {
		if strings.TrimSpace(input) == "" {
			return fmt.Errorf("input at index %d is empty", i)
		}
	}
	return nil
}
