// Package generator produces narration audio and cover images on demand and persists them in the
// content-addressed media store. Each Ensure call is synchronous; callers run it off the request
// path through the worker pool.
package generator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Nephrolytics-ai/smart-librarian/pkg/logging"
	"github.com/Nephrolytics-ai/smart-librarian/pkg/media"
	"github.com/Nephrolytics-ai/smart-librarian/pkg/metrics"
	"github.com/Nephrolytics-ai/smart-librarian/pkg/model"
	"github.com/Nephrolytics-ai/smart-librarian/pkg/utils"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// ArtifactStore is the subset of media.Store the generator needs.
type ArtifactStore interface {
	Exists(ctx context.Context, a media.Artifact) bool
	Write(ctx context.Context, a media.Artifact, data []byte) (bool, error)
}

type Config struct {
	EnableNarration bool
	EnableCover     bool
	// RatePerSecond caps paid provider calls across both purposes. Zero disables the limit.
	RatePerSecond float64
	// BreakerFailures consecutive provider failures open the breaker for BreakerCooldown.
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

type Generator struct {
	store   ArtifactStore
	speech  model.SpeechSynthesizer
	images  model.ImageSynthesizer
	prompts *CoverPrompter
	cfg     Config

	flights  singleflight.Group
	limiter  *rate.Limiter
	breakers map[media.Purpose]*gobreaker.CircuitBreaker[[]byte]
}

func New(
	store ArtifactStore,
	speech model.SpeechSynthesizer,
	images model.ImageSynthesizer,
	prompts *CoverPrompter,
	cfg Config,
) (*Generator, error) {
	if store == nil {
		return nil, utils.WrapIfNotNil(errors.New("artifact store is required"))
	}
	if cfg.EnableNarration && speech == nil {
		return nil, utils.WrapIfNotNil(errors.New("speech synthesizer is required when narration is enabled"))
	}
	if cfg.EnableCover && images == nil {
		return nil, utils.WrapIfNotNil(errors.New("image synthesizer is required when covers are enabled"))
	}
	if prompts == nil {
		prompts = NewCoverPrompter(nil)
	}

	g := &Generator{
		store:   store,
		speech:  speech,
		images:  images,
		prompts: prompts,
		cfg:     cfg,
		breakers: map[media.Purpose]*gobreaker.CircuitBreaker[[]byte]{
			media.PurposeNarration: newBreaker(string(media.PurposeNarration), cfg),
			media.PurposeCover:     newBreaker(string(media.PurposeCover), cfg),
		},
	}
	if cfg.RatePerSecond > 0 {
		burst := int(cfg.RatePerSecond)
		if burst < 1 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	return g, nil
}

// NarrationArtifact is where the narration of text lives once generated.
func (g *Generator) NarrationArtifact(text string) media.Artifact {
	return media.TextArtifact(media.PurposeNarration, text)
}

// CoverArtifact is where the cover for subject (a title, or the answer when no title was chosen)
// lives once generated.
func (g *Generator) CoverArtifact(subject string) media.Artifact {
	return media.TextArtifact(media.PurposeCover, subject)
}

func (g *Generator) NarrationEnabled() bool {
	return g.cfg.EnableNarration
}

func (g *Generator) CoverEnabled() bool {
	return g.cfg.EnableCover
}

// EnsureNarration makes sure the narration artifact for text exists, calling the speech
// provider at most once per identifier at a time.
func (g *Generator) EnsureNarration(ctx context.Context, text string) error {
	if !g.cfg.EnableNarration {
		metrics.RecordMedia(string(media.PurposeNarration), metrics.OutcomeDisabled)
		return nil
	}
	return g.ensure(ctx, g.NarrationArtifact(text), func(ctx context.Context) ([]byte, error) {
		audio, meta, err := g.speech.Synthesize(ctx, text)
		logProviderMetadata(ctx, media.PurposeNarration, meta)
		return audio, err
	})
}

// EnsureCover makes sure the cover artifact for subject exists, calling the image provider at
// most once per identifier at a time.
func (g *Generator) EnsureCover(ctx context.Context, subject string) error {
	if !g.cfg.EnableCover {
		metrics.RecordMedia(string(media.PurposeCover), metrics.OutcomeDisabled)
		return nil
	}
	return g.ensure(ctx, g.CoverArtifact(subject), func(ctx context.Context) ([]byte, error) {
		image, meta, err := g.images.Synthesize(ctx, g.prompts.Prompt(subject))
		logProviderMetadata(ctx, media.PurposeCover, meta)
		return image, err
	})
}

func (g *Generator) ensure(
	ctx context.Context,
	artifact media.Artifact,
	produce func(ctx context.Context) ([]byte, error),
) error {
	purpose := string(artifact.Purpose)
	log := logging.NewLogger(ctx).WithField("purpose", purpose).WithField("id", artifact.ID)

	if strings.TrimSpace(artifact.ID) == "" {
		return model.Classify(model.ErrMediaGeneration, utils.WrapIfNotNil(errors.New("empty artifact id")))
	}
	if g.store.Exists(ctx, artifact) {
		metrics.RecordMedia(purpose, metrics.OutcomeCacheHit)
		log.Debug("media_cache_hit")
		return nil
	}

	led := false
	_, err, _ := g.flights.Do(artifact.Key(), func() (any, error) {
		led = true
		// A flight that finished between our Exists and Do has already committed the file.
		if g.store.Exists(ctx, artifact) {
			metrics.RecordMedia(purpose, metrics.OutcomeCacheHit)
			return nil, nil
		}
		return nil, g.generate(ctx, artifact, produce, log)
	})
	// Only callers that waited on another caller's flight count as coalesced.
	if !led {
		metrics.RecordMedia(purpose, metrics.OutcomeCoalesced)
	}
	if err != nil {
		metrics.RecordMedia(purpose, metrics.OutcomeFailed)
		log.Errorf("media_generation_failed err=%v", err)
		return err
	}
	return nil
}

func (g *Generator) generate(
	ctx context.Context,
	artifact media.Artifact,
	produce func(ctx context.Context) ([]byte, error),
	log logging.Logger,
) error {
	purpose := string(artifact.Purpose)

	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return model.Classify(model.ErrMediaGeneration, utils.WrapIfNotNil(err, "rate limit"))
		}
	}

	metrics.MediaInFlight.WithLabelValues(purpose).Inc()
	start := time.Now()
	data, err := g.breakers[artifact.Purpose].Execute(func() ([]byte, error) {
		data, err := produce(ctx)
		if err != nil {
			return nil, err
		}
		if len(data) == 0 {
			return nil, errors.New("provider returned no bytes")
		}
		return data, nil
	})
	metrics.MediaInFlight.WithLabelValues(purpose).Dec()
	metrics.ObserveMediaDuration(purpose, time.Since(start))
	if err != nil {
		return model.Classify(model.ErrMediaGeneration, utils.WrapIfNotNil(err, artifact.Key()))
	}

	if _, err := g.store.Write(ctx, artifact, data); err != nil {
		return model.Classify(model.ErrMediaGeneration, utils.WrapIfNotNil(err))
	}

	metrics.RecordMedia(purpose, metrics.OutcomeGenerated)
	log.Infof("media_generated bytes=%d elapsed=%s", len(data), time.Since(start))
	return nil
}

func newBreaker(name string, cfg Config) *gobreaker.CircuitBreaker[[]byte] {
	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = 5
	}
	cooldown := cfg.BreakerCooldown
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}

	return gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logging.NewLogger(context.Background()).Warnf("media_breaker_state purpose=%s from=%s to=%s", name, from, to)
		},
	})
}

func logProviderMetadata(ctx context.Context, purpose media.Purpose, meta model.GenerationMetadata) {
	if len(meta) == 0 {
		return
	}
	logging.NewLogger(ctx).Debugf(
		"media_provider_call purpose=%s provider=%s model=%s latency_ms=%s",
		purpose,
		meta[model.MetadataKeyProvider],
		meta[model.MetadataKeyModel],
		meta[model.MetadataKeyLatencyMs],
	)
}

// BreakerState reports the breaker state for a purpose, e.g. "closed" or "open".
func (g *Generator) BreakerState(purpose media.Purpose) string {
	breaker, ok := g.breakers[purpose]
	if !ok {
		return fmt.Sprintf("unknown purpose %q", purpose)
	}
	return breaker.State().String()
}
