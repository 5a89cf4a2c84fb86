package gemini

import (
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
	"google.golang.org/genai"
)

const transcriptionInstruction = "Transcribe this audio accurately. Return only the transcript text. " +
	"If the recording contains no speech, return nothing."

type transcriber struct {
	opts model.AudioOptions
}

func NewAudioTranscriber(opts model.AudioOptions) model.AudioTranscriber {
	return &transcriber{opts: opts}
}

func (t *transcriber) Transcribe(ctx context.Context, filename string, audio []byte) (string, model.GenerationMetadata, error) {
	start := time.Now()
	modelName := strings.TrimSpace(t.opts.Model)
	if modelName == "" {
		modelName = defaultGenerationModelName
	}
	meta := initMetadata(modelName)
	defer setLatencyMetadata(meta, start)

	if len(audio) == 0 {
		return "", meta, utils.WrapIfNotNil(errors.New("audio is empty"))
	}
	mimeType, err := resolveAudioMIMEType(filename)
	if err != nil {
		return "", meta, utils.WrapIfNotNil(err)
	}

	client, err := newAPIClient(ctx, t.opts.URL, t.opts.AuthToken)
	if err != nil {
		return "", meta, utils.WrapIfNotNil(err)
	}

	contents := []*genai.Content{
		genai.NewContentFromParts(
			[]*genai.Part{
				genai.NewPartFromText(buildAudioTranscriptionPrompt(t.opts.Prompt)),
				genai.NewPartFromBytes(audio, mimeType),
			},
			genai.RoleUser,
		),
	}
	config := &genai.GenerateContentConfig{}
	if t.opts.Temperature != nil {
		temp := float32(*t.opts.Temperature)
		config.Temperature = &temp
	}

	logging.NewLogger(ctx).Infof("audio_transcription_request model=%s mime=%s bytes=%d", modelName, mimeType, len(audio))
	response, err := client.Models.GenerateContent(ctx, modelName, contents, config)
	if err != nil {
		return "", meta, utils.WrapIfNotNil(err)
	}

	if usage := response.UsageMetadata; usage != nil {
		meta[model.MetadataKeyInputTokens] = strconv.Itoa(int(usage.PromptTokenCount))
		meta[model.MetadataKeyOutputTokens] = strconv.Itoa(int(usage.CandidatesTokenCount))
		meta[model.MetadataKeyTotalTokens] = strconv.Itoa(int(usage.TotalTokenCount))
	}
	return strings.TrimSpace(response.Text()), meta, nil
}

func buildAudioTranscriptionPrompt(vocabulary string) string {
	vocabulary = strings.TrimSpace(vocabulary)
	if vocabulary == "" {
		return transcriptionInstruction
	}
	return transcriptionInstruction + " Prioritize these terms if present: " + vocabulary + "."
}

func resolveAudioMIMEType(filename string) (string, error) {
	ext := strings.ToLower(filepath.Ext(strings.TrimSpace(filename)))
	switch ext {
	case "":
		return "", errors.New("audio file extension is required to determine mime type")
	case ".wav":
		return "audio/wav", nil
	case ".mp3":
		return "audio/mpeg", nil
	case ".m4a", ".mp4":
		return "audio/mp4", nil
	case ".webm":
		return "audio/webm", nil
	case ".ogg":
		return "audio/ogg", nil
	case ".flac":
		return "audio/flac", nil
	}

	mimeType := strings.TrimSpace(strings.Split(mime.TypeByExtension(ext), ";")[0])
	if !strings.HasPrefix(mimeType, "audio/") {
		return "", errors.New("unsupported audio file extension: " + ext)
	}
	return mimeType, nil
}
