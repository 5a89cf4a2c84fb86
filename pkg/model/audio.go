package model

import "context"

type AudioOptions struct {
	URL       string
	AuthToken string
	Model     string
	// Prompt biases the transcription toward expected vocabulary, e.g. book titles.
	Prompt      string
	Temperature *float64
}

// AudioTranscriber turns an uploaded recording into text. filename carries the extension the
// provider uses to detect the container format.
type AudioTranscriber interface {
	Transcribe(ctx context.Context, filename string, audio []byte) (string, GenerationMetadata, error)
}

type SpeechOptions struct {
	URL          string
	AuthToken    string
	Model        string
	Voice        string
	Format       string
	Instructions string
}

// SpeechSynthesizer renders narration audio for a piece of text.
type SpeechSynthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, GenerationMetadata, error)
}
