package openai

import (
	"bytes"
	"context"
	"errors"
	"mime"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/Nephrolytics-ai/smart-librarian/pkg/logging"
	"github.com/Nephrolytics-ai/smart-librarian/pkg/model"
	"github.com/Nephrolytics-ai/smart-librarian/pkg/utils"
	openai "github.com/openai/openai-go/v3"
)

const (
	defaultTranscriptionModelName = "whisper-1"
	defaultTranscriptionTemp      = 0.2
)

type transcriber struct {
	client *client
	opts   model.AudioOptions
}

func NewAudioTranscriber(opts model.AudioOptions) model.AudioTranscriber {
	return &transcriber{client: newClient(opts.URL, opts.AuthToken), opts: opts}
}

// Transcribe returns the trimmed transcript. A recording without speech yields "" and no error.
func (t *transcriber) Transcribe(ctx context.Context, filename string, audio []byte) (string, model.GenerationMetadata, error) {
	start := time.Now()
	modelName := resolveName(t.opts.Model, defaultTranscriptionModelName)
	meta := initMetadata(modelName)
	defer setLatencyMetadata(meta, start)

	if len(audio) == 0 {
		return "", meta, utils.WrapIfNotNil(errors.New("audio is empty"))
	}
	if strings.TrimSpace(filename) == "" {
		filename = "audio.mp3"
	}

	temperature := defaultTranscriptionTemp
	if t.opts.Temperature != nil {
		temperature = *t.opts.Temperature
	}
	params := openai.AudioTranscriptionNewParams{
		File:           openai.File(bytes.NewReader(audio), filepath.Base(filename), audioContentType(filename)),
		Model:          openai.AudioModel(modelName),
		ResponseFormat: openai.AudioResponseFormatJSON,
		Temperature:    openai.Float(temperature),
	}
	if prompt := strings.TrimSpace(t.opts.Prompt); prompt != "" {
		params.Prompt = openai.String(prompt)
	}

	logging.NewLogger(ctx).Infof("audio_transcription_request model=%s bytes=%d", modelName, len(audio))
	response, err := t.client.apiClient.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return "", meta, utils.WrapIfNotNil(err)
	}
	if response == nil {
		return "", meta, utils.WrapIfNotNil(errors.New("audio transcriptions API returned nil response"))
	}

	meta[model.MetadataKeyInputTokens] = strconv.FormatInt(response.Usage.InputTokens, 10)
	meta[model.MetadataKeyOutputTokens] = strconv.FormatInt(response.Usage.OutputTokens, 10)
	meta[model.MetadataKeyTotalTokens] = strconv.FormatInt(response.Usage.TotalTokens, 10)
	return strings.TrimSpace(response.Text), meta, nil
}

func audioContentType(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".mp3":
		return "audio/mpeg"
	case ".m4a":
		return "audio/mp4"
	case ".wav":
		return "audio/wav"
	}
	if contentType := mime.TypeByExtension(filepath.Ext(filename)); contentType != "" {
		return contentType
	}
	return "application/octet-stream"
}
