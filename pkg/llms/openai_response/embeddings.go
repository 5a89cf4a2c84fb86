package openai_response

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
	openai "github.com/openai/openai-go/v3"
)

const defaultEmbeddingModelName = "text-embedding-3-small"

type embeddingGenerator struct {
	client *client
	cfg    model.GeneratorConfig
}

func NewEmbeddingGenerator(opts ...model.GeneratorOption) (model.EmbeddingGenerator, error) {
	cfg := model.ResolveGeneratorOpts(opts...)
	if cfg.EmbeddingDimensions != nil && *cfg.EmbeddingDimensions <= 0 {
		return nil, utils.WrapIfNotNil(errors.New("embedding dimensions must be greater than zero"))
	}
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

func (g *embeddingGenerator) GenerateBatch(ctx context.Context, inputs []string) (model.EmbeddingVectors, model.GenerationMetadata, error) {
	start := time.Now()
	modelName := resolveEmbeddingModelName(g.cfg)
	meta := initMetadata(providerName, modelName)
	defer setLatencyMetadata(meta, start)

	if err := validateEmbeddingInputs(inputs); err != nil {
		return nil, meta, utils.WrapIfNotNil(err)
	}
	logging.NewLogger(ctx).Debugf("embedding_request inputs=%d model=%s", len(inputs), modelName)

	params := openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: append([]string(nil), inputs...),
		},
		Model: openai.EmbeddingModel(modelName),
	}
	if g.cfg.EmbeddingDimensions != nil {
		params.Dimensions = openai.Int(int64(*g.cfg.EmbeddingDimensions))
	}

	response, err := g.client.apiClient.Embeddings.New(ctx, params)
	if err != nil {
		return nil, meta, utils.WrapIfNotNil(err)
	}
	vectors, err := convertEmbeddingResponse(response, len(inputs))
	if err != nil {
		return nil, meta, utils.WrapIfNotNil(err)
	}
	applyOpenAIEmbeddingMetadata(meta, response, vectors)
	return vectors, meta, nil
}

func resolveEmbeddingModelName(cfg model.GeneratorConfig) string {
	if cfg.Model != nil {
		if modelName := strings.TrimSpace(*cfg.Model); modelName != "" {
			return modelName
		}
	}
	return defaultEmbeddingModelName
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

// convertEmbeddingResponse orders vectors by their response index.
func convertEmbeddingResponse(response *openai.CreateEmbeddingResponse, expected int) (model.EmbeddingVectors, error) {
	if response == nil || len(response.Data) == 0 {
		return nil, errors.New("embedding response has no data")
	}
	if expected > 0 && len(response.Data) != expected {
		return nil, fmt.Errorf("embedding response size mismatch: expected %d, got %d", expected, len(response.Data))
	}

	vectors := make(model.EmbeddingVectors, len(response.Data))
	for _, item := range response.Data {
		idx := int(item.Index)
		if idx < 0 || idx >= len(vectors) {
			return nil, fmt.Errorf("embedding index out of range: %d", item.Index)
		}
		if vectors[idx] != nil {
			return nil, fmt.Errorf("duplicate embedding index: %d", item.Index)
		}
		vectors[idx] = append(model.EmbeddingVector(nil), item.Embedding...)
	}
	for i, vector := range vectors {
		if vector == nil {
			return nil, fmt.Errorf("missing embedding vector for index %d", i)
		}
	}
	return vectors, nil
}

func applyOpenAIEmbeddingMetadata(meta model.GenerationMetadata, response *openai.CreateEmbeddingResponse, vectors model.EmbeddingVectors) {
	meta[model.MetadataKeyEmbeddingCount] = strconv.Itoa(len(vectors))
	if len(vectors) > 0 {
		meta[model.MetadataKeyEmbeddingDims] = strconv.Itoa(len(vectors[0]))
	}
	if strings.TrimSpace(response.Model) != "" {
		meta[model.MetadataKeyModel] = response.Model
	}
	meta[model.MetadataKeyInputTokens] = strconv.FormatInt(response.Usage.PromptTokens, 10)
	meta[model.MetadataKeyTotalTokens] = strconv.FormatInt(response.Usage.TotalTokens, 10)
}
