// Package stt caches speech-to-text results by the hash of the uploaded audio bytes, so the same
// recording is only ever sent to the transcription provider once.
package stt

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/Nephrolytics-ai/smart-librarian/pkg/logging"
	"github.com/Nephrolytics-ai/smart-librarian/pkg/media"
	"github.com/Nephrolytics-ai/smart-librarian/pkg/metrics"
	"github.com/Nephrolytics-ai/smart-librarian/pkg/model"
	"github.com/Nephrolytics-ai/smart-librarian/pkg/utils"
	"golang.org/x/sync/singleflight"
)

// flightTimeout bounds one provider call shared by concurrent uploads of the same bytes.
const flightTimeout = 2 * time.Minute

// ErrUnsupportedAudio rejects uploads whose extension is not a known audio container.
var ErrUnsupportedAudio = errors.New("unsupported audio type")

var supportedExtensions = map[string]struct{}{
	".mp3":  {},
	".wav":  {},
	".m4a":  {},
	".webm": {},
	".ogg":  {},
}

// AudioExt returns the lower-cased extension of filename when it is a supported audio type.
func AudioExt(filename string) (string, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	if _, ok := supportedExtensions[ext]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedAudio, ext)
	}
	return ext, nil
}

// ArtifactWriter persists the uploaded audio next to the generated media.
type ArtifactWriter interface {
	Write(ctx context.Context, a media.Artifact, data []byte) (bool, error)
}

type Result struct {
	Text   string
	Audio  media.Artifact
	Cached bool
}

type Cache struct {
	index       Index
	store       ArtifactWriter
	transcriber model.AudioTranscriber
	flights     singleflight.Group
}

func NewCache(index Index, store ArtifactWriter, transcriber model.AudioTranscriber) (*Cache, error) {
	if index == nil || store == nil || transcriber == nil {
		return nil, utils.WrapIfNotNil(errors.New("index, store and transcriber are required"))
	}
	return &Cache{index: index, store: store, transcriber: transcriber}, nil
}

// Transcribe returns the transcript of audio. Identical bytes are answered from the index
// without calling the provider. A blank transcript is reported as model.ErrNoSpeech, from the
// provider and from the cache alike.
func (c *Cache) Transcribe(ctx context.Context, filename string, audio []byte) (Result, error) {
	ext, err := AudioExt(filename)
	if err != nil {
		return Result{}, utils.WrapIfNotNil(err)
	}
	if len(audio) == 0 {
		return Result{}, model.Classify(model.ErrNoSpeech, utils.WrapIfNotNil(errors.New("empty upload")))
	}

	artifact := media.Artifact{
		Purpose: media.PurposeTranscript,
		ID:      media.NameFor(media.PurposeTranscript, audio),
		Ext:     ext,
	}
	log := logging.NewLogger(ctx).WithField("audio_hash", artifact.ID)

	entry, found, err := c.index.Get(ctx, artifact.ID)
	if err != nil {
		// A broken index degrades to a provider call rather than failing the upload.
		log.Warnf("transcript_index_read_failed err=%v", err)
	}
	if found {
		metrics.TranscriptCacheTotal.WithLabelValues("hit").Inc()
		log.Debug("transcript_cache_hit")
		return finish(Result{Text: entry.Text, Audio: storedArtifact(entry, artifact), Cached: true})
	}

	value, err, _ := c.flights.Do(artifact.ID, func() (any, error) {
		// Followers share this call, so it must outlive the leader's request.
		flightCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), flightTimeout)
		defer cancel()

		// An upload that finished between the lookup above and this flight is already indexed.
		if entry, found, _ := c.index.Get(flightCtx, artifact.ID); found {
			return Result{Text: entry.Text, Audio: storedArtifact(entry, artifact), Cached: true}, nil
		}
		text, err := c.transcribeAndStore(flightCtx, artifact, filename, audio, log)
		return Result{Text: text, Audio: artifact}, err
	})
	if err != nil {
		metrics.TranscriptCacheTotal.WithLabelValues("error").Inc()
		return Result{}, err
	}
	result := value.(Result)
	if result.Cached {
		metrics.TranscriptCacheTotal.WithLabelValues("hit").Inc()
	} else {
		metrics.TranscriptCacheTotal.WithLabelValues("miss").Inc()
	}
	return finish(result)
}

func (c *Cache) transcribeAndStore(
	ctx context.Context,
	artifact media.Artifact,
	filename string,
	audio []byte,
	log logging.Logger,
) (string, error) {
	text, meta, err := c.transcriber.Transcribe(ctx, filename, audio)
	if err != nil && !errors.Is(err, model.ErrNoSpeech) {
		return "", model.Classify(model.ErrTranscription, utils.WrapIfNotNil(err))
	}
	text = strings.TrimSpace(text)
	log.Infof(
		"transcribed provider=%s model=%s chars=%d latency_ms=%s",
		meta[model.MetadataKeyProvider],
		meta[model.MetadataKeyModel],
		len(text),
		meta[model.MetadataKeyLatencyMs],
	)

	if _, err := c.store.Write(ctx, artifact, audio); err != nil {
		log.Warnf("transcript_audio_write_failed err=%v", err)
	}
	if err := c.index.Put(ctx, artifact.ID, Entry{
		Text:      text,
		AudioKey:  artifact.Key(),
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		log.Warnf("transcript_index_write_failed err=%v", err)
	}
	return text, nil
}

// storedArtifact is the audio file the entry was indexed with. The same bytes uploaded under a
// different extension still point at the file that was written.
func storedArtifact(entry Entry, fallback media.Artifact) media.Artifact {
	if entry.AudioKey == "" {
		return fallback
	}
	stored, err := media.ParseFileName(media.PurposeTranscript, path.Base(entry.AudioKey))
	if err != nil || stored.ID != fallback.ID {
		return fallback
	}
	return stored
}

func finish(result Result) (Result, error) {
	if strings.TrimSpace(result.Text) == "" {
		metrics.TranscriptCacheTotal.WithLabelValues("no_speech").Inc()
		return result, model.Classify(model.ErrNoSpeech, errors.New("transcript is empty"))
	}
	return result, nil
}
