package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/Nephrolytics-ai/smart-librarian/pkg/logging"
	"github.com/Nephrolytics-ai/smart-librarian/pkg/model"
	"github.com/Nephrolytics-ai/smart-librarian/pkg/utils"
	openai "github.com/openai/openai-go/v3"
)

const (
	defaultSpeechModelName = "gpt-4o-mini-tts"
	defaultSpeechVoice     = "alloy"
	defaultSpeechFormat    = "mp3"
	maxSpeechInputChars    = 4096
)

type speechSynthesizer struct {
	client *client
	opts   model.SpeechOptions
}

func NewSpeechSynthesizer(opts model.SpeechOptions) model.SpeechSynthesizer {
	return &speechSynthesizer{client: newClient(opts.URL, opts.AuthToken), opts: opts}
}

func (s *speechSynthesizer) Synthesize(ctx context.Context, text string) ([]byte, model.GenerationMetadata, error) {
	start := time.Now()
	modelName := resolveName(s.opts.Model, defaultSpeechModelName)
	meta := initMetadata(modelName)
	defer setLatencyMetadata(meta, start)

	text = strings.TrimSpace(text)
	if text == "" {
		return nil, meta, utils.WrapIfNotNil(errors.New("narration text is empty"))
	}
	if runes := []rune(text); len(runes) > maxSpeechInputChars {
		text = string(runes[:maxSpeechInputChars])
	}

	params := openai.AudioSpeechNewParams{
		Input:          text,
		Model:          openai.SpeechModel(modelName),
		Voice:          openai.AudioSpeechNewParamsVoice(resolveName(s.opts.Voice, defaultSpeechVoice)),
		ResponseFormat: openai.AudioSpeechNewParamsResponseFormat(resolveName(s.opts.Format, defaultSpeechFormat)),
	}
	if instructions := strings.TrimSpace(s.opts.Instructions); instructions != "" {
		params.Instructions = openai.String(instructions)
	}

	logging.NewLogger(ctx).Infof("speech_request model=%s chars=%d", modelName, len(text))
	response, err := s.client.apiClient.Audio.Speech.New(ctx, params)
	if err != nil {
		return nil, meta, utils.WrapIfNotNil(err)
	}
	defer func() {
		_ = response.Body.Close()
	}()
	if response.StatusCode >= 300 {
		return nil, meta, utils.WrapIfNotNil(fmt.Errorf("speech API returned status %d", response.StatusCode))
	}

	audio, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, meta, utils.WrapIfNotNil(err)
	}
	meta[model.MetadataKeyBytes] = strconv.Itoa(len(audio))
	return audio, meta, nil
}
