package model

import "context"

type ImageOptions struct {
	URL       string
	AuthToken string
	Model     string
	Size      string
}

// ImageSynthesizer renders a single image for a prompt and returns its encoded bytes.
type ImageSynthesizer interface {
	Synthesize(ctx context.Context, prompt string) ([]byte, GenerationMetadata, error)
}
