package openai

import (
	"context"
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/Nephrolytics-ai/smart-librarian/pkg/logging"
	"github.com/Nephrolytics-ai/smart-librarian/pkg/model"
	"github.com/Nephrolytics-ai/smart-librarian/pkg/utils"
	openai "github.com/openai/openai-go/v3"
)

const (
	defaultImageModelName = "gpt-image-1"
	defaultImageSize      = "1024x1024"
)

type imageSynthesizer struct {
	client *client
	opts   model.ImageOptions
}

func NewImageSynthesizer(opts model.ImageOptions) model.ImageSynthesizer {
	return &imageSynthesizer{client: newClient(opts.URL, opts.AuthToken), opts: opts}
}

func (s *imageSynthesizer) Synthesize(ctx context.Context, prompt string) ([]byte, model.GenerationMetadata, error) {
	start := time.Now()
	modelName := resolveName(s.opts.Model, defaultImageModelName)
	meta := initMetadata(modelName)
	defer setLatencyMetadata(meta, start)

	if strings.TrimSpace(prompt) == "" {
		return nil, meta, utils.WrapIfNotNil(errors.New("image prompt is empty"))
	}

	params := openai.ImageGenerateParams{
		Prompt: prompt,
		Model:  openai.ImageModel(modelName),
		Size:   openai.ImageGenerateParamsSize(resolveName(s.opts.Size, defaultImageSize)),
		N:      openai.Int(1),
	}
	// gpt-image models always return base64 and reject response_format.
	if strings.HasPrefix(modelName, "dall-e") {
		params.ResponseFormat = openai.ImageGenerateParamsResponseFormatB64JSON
	}

	logging.NewLogger(ctx).Infof("image_request model=%s size=%s", modelName, params.Size)
	response, err := s.client.apiClient.Images.Generate(ctx, params)
	if err != nil {
		return nil, meta, utils.WrapIfNotNil(err)
	}
	if response == nil || len(response.Data) == 0 || response.Data[0].B64JSON == "" {
		return nil, meta, utils.WrapIfNotNil(errors.New("image API returned no image data"))
	}

	image, err := base64.StdEncoding.DecodeString(response.Data[0].B64JSON)
	if err != nil {
		return nil, meta, utils.WrapIfNotNil(err)
	}
	meta[model.MetadataKeyBytes] = strconv.Itoa(len(image))
	return image, meta, nil
}
