// Package api is the HTTP surface of the librarian: recommendations, speech-to-text uploads and
// the content-addressed media files the recommendations point at.
package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/Nephrolytics-ai/smart-librarian/pkg/logging"
	"github.com/Nephrolytics-ai/smart-librarian/pkg/media"
	"github.com/Nephrolytics-ai/smart-librarian/pkg/recommend"
	"github.com/Nephrolytics-ai/smart-librarian/pkg/stt"
	"github.com/Nephrolytics-ai/smart-librarian/pkg/utils"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Recommender interface {
	Recommend(ctx context.Context, query string) (recommend.Result, error)
}

type Transcriber interface {
	Transcribe(ctx context.Context, filename string, audio []byte) (stt.Result, error)
}

type MediaStore interface {
	Exists(ctx context.Context, a media.Artifact) bool
	PathFor(a media.Artifact) (string, error)
}

type Dependencies struct {
	Recommender Recommender
	Transcriber Transcriber
	Media       MediaStore
	// MCP is mounted at /mcp when set.
	MCP http.Handler
}

type Config struct {
	MediaPrefix        string
	CORSOrigins        []string
	RateLimitPerMinute int
	MaxUploadBytes     int64
}

type handlers struct {
	deps     Dependencies
	cfg      Config
	validate *validator.Validate
}

// NewRouter wires the routes and middleware.
func NewRouter(deps Dependencies, cfg Config) (http.Handler, error) {
	if deps.Recommender == nil || deps.Transcriber == nil || deps.Media == nil {
		return nil, utils.WrapIfNotNil(errors.New("recommender, transcriber and media store are required"))
	}
	if cfg.MediaPrefix == "" {
		cfg.MediaPrefix = "/media"
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 25 << 20
	}

	h := &handlers{deps: deps, cfg: cfg, validate: validator.New()}

	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(corsHandler(cfg.CORSOrigins))
	r.Use(observe)

	r.Get("/healthz", h.health)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(rateLimit(cfg.RateLimitPerMinute))
		r.Post("/recommend", h.recommend)
		r.Post("/recommend/voice", h.recommendVoice)
		r.Post("/stt/transcribe", h.transcribe)
	})

	r.Route(cfg.MediaPrefix, func(r chi.Router) {
		for _, purpose := range []media.Purpose{media.PurposeNarration, media.PurposeCover, media.PurposeTranscript} {
			pattern := "/" + purpose.Namespace() + "/{name}"
			serve := h.serveMedia(purpose)
			r.Get(pattern, serve)
			r.Head(pattern, serve)
		}
	})

	if deps.MCP != nil {
		r.Handle("/mcp", deps.MCP)
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "not_found", "")
	})
	return r, nil
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, body any) {
	data, err := json.Marshal(body)
	if err != nil {
		logging.NewLogger(r.Context()).Errorf("response_marshal_failed err=%v", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		logging.NewLogger(r.Context()).Warnf("response_write_failed err=%v", err)
	}
}
