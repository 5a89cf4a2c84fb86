package gemini

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
	"google.golang.org/genai"
)

type embeddingGenerator struct {
	cfg model.GeneratorConfig
}

func NewEmbeddingGenerator(opts ...model.GeneratorOption) (model.EmbeddingGenerator, error) {
	cfg := model.ResolveGeneratorOpts(opts...)
	if cfg.EmbeddingDimensions != nil && *cfg.EmbeddingDimensions <= 0 {
		return nil, utils.WrapIfNotNil(errors.New("embedding dimensions must be greater than zero"))
	}
	return &embeddingGenerator{cfg: cfg}, nil
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
	modelName := resolveModelName(g.cfg, defaultEmbeddingModelName)
	meta := initMetadata(modelName)
	defer setLatencyMetadata(meta, start)

	if err := validateEmbeddingInputs(inputs); err != nil {
		return nil, meta, utils.WrapIfNotNil(err)
	}

	client, err := newAPIClient(ctx, g.cfg.URL, g.cfg.AuthToken)
	if err != nil {
		return nil, meta, utils.WrapIfNotNil(err)
	}

	contents := make([]*genai.Content, 0, len(inputs))
	for _, input := range inputs {
		contents = append(contents, genai.NewContentFromText(input, genai.RoleUser))
	}
	config := &genai.EmbedContentConfig{}
	if g.cfg.EmbeddingDimensions != nil {
		dims := int32(*g.cfg.EmbeddingDimensions)
		config.OutputDimensionality = &dims
	}

	logging.NewLogger(ctx).Debugf("embedding_request inputs=%d model=%s", len(inputs), modelName)
	response, err := client.Models.EmbedContent(ctx, modelName, contents, config)
	if err != nil {
		return nil, meta, utils.WrapIfNotNil(err)
	}

	vectors, err := convertEmbeddingResponse(response, len(inputs))
	if err != nil {
		return nil, meta, utils.WrapIfNotNil(err)
	}
	meta[model.MetadataKeyEmbeddingCount] = strconv.Itoa(len(vectors))
	meta[model.MetadataKeyEmbeddingDims] = strconv.Itoa(len(vectors[0]))
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

func convertEmbeddingResponse(response *genai.EmbedContentResponse, expected int) (model.EmbeddingVectors, error) {
	if response == nil || len(response.Embeddings) == 0 {
		return nil, errors.New("embedding response has no data")
	}
	if expected > 0 && len(response.Embeddings) != expected {
		return nil, fmt.Errorf("embedding response size mismatch: expected %d, got %d", expected, len(response.Embeddings))
	}

	vectors := make(model.EmbeddingVectors, len(response.Embeddings))
	for i, embedding := range response.Embeddings {
		if embedding == nil {
			return nil, fmt.Errorf("missing embedding at index %d", i)
		}
		vector := make(model.EmbeddingVector, len(embedding.Values))
		for j, value := range embedding.Values {
			vector[j] = float64(value)
		}
		vectors[i] = vector
	}
	return vectors, nil
}
