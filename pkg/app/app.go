// Package app assembles the librarian from configuration: providers, stores, the background pool
// and the HTTP handler, and runs the long-lived parts under a suture supervisor.
package app

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/Nephrolytics-ai/smart-librarian/pkg/api"
	"github.com/Nephrolytics-ai/smart-librarian/pkg/catalog"
	"github.com/Nephrolytics-ai/smart-librarian/pkg/config"
	"github.com/Nephrolytics-ai/smart-librarian/pkg/generator"
	"github.com/Nephrolytics-ai/smart-librarian/pkg/logging"
	librarianmcp "github.com/Nephrolytics-ai/smart-librarian/pkg/mcp"
	"github.com/Nephrolytics-ai/smart-librarian/pkg/media"
	"github.com/Nephrolytics-ai/smart-librarian/pkg/model"
	"github.com/Nephrolytics-ai/smart-librarian/pkg/recommend"
	"github.com/Nephrolytics-ai/smart-librarian/pkg/stt"
	"github.com/Nephrolytics-ai/smart-librarian/pkg/utils"
	"github.com/Nephrolytics-ai/smart-librarian/pkg/vectorstore"
	"github.com/Nephrolytics-ai/smart-librarian/pkg/worker"
	"github.com/nats-io/nats.go"
	"github.com/thejerf/suture/v4"
)

// Providers overrides the external model backends. Nil fields are built from configuration.
type Providers struct {
	NewChat     model.NewStringContentGeneratorFunc
	ChatOptions []model.GeneratorOption
	Embedder    model.EmbeddingGenerator
	Transcriber model.AudioTranscriber
	Speech      model.SpeechSynthesizer
	Images      model.ImageSynthesizer
}

type App struct {
	Config      config.Config
	Catalog     *catalog.Catalog
	Store       *media.Store
	Pool        *worker.Pool
	Generator   *generator.Generator
	Retriever   *vectorstore.Retriever
	Recommender *recommend.Service
	Transcripts *stt.Cache
	Handler     http.Handler

	closers []func() error
}

// Build wires every component. The vector index is populated from the catalog before Build
// returns, so the first request never races the bootstrap.
func Build(ctx context.Context, cfg config.Config, version string, providers Providers) (_ *App, err error) {
	log := logging.NewLogger(ctx)
	a := &App{Config: cfg}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	if err := a.loadCatalog(ctx); err != nil {
		return nil, err
	}
	profanity, err := catalog.NewProfanityFilter(nonEmpty(cfg.Catalog.ProfanityPath)...)
	if err != nil {
		return nil, err
	}
	if err := providers.resolve(cfg, a.Catalog); err != nil {
		return nil, err
	}

	if err := a.openRetriever(ctx, providers.Embedder); err != nil {
		return nil, err
	}
	if err := a.openStore(ctx); err != nil {
		return nil, err
	}

	a.Generator, err = generator.New(a.Store, providers.Speech, providers.Images, generator.NewCoverPrompter(a.Catalog), generator.Config{
		EnableNarration: cfg.EnableNarration,
		EnableCover:     cfg.EnableCover,
		RatePerSecond:   cfg.Generation.RatePerSecond,
		BreakerFailures: cfg.Generation.BreakerFailures,
		BreakerCooldown: cfg.Generation.BreakerCooldown,
	})
	if err != nil {
		return nil, err
	}
	a.Pool = worker.NewPool(worker.Config{
		Name:        "media",
		Workers:     cfg.Generation.Workers,
		QueueSize:   cfg.Generation.QueueSize,
		TaskTimeout: cfg.Generation.Timeout,
	})

	extraTools, err := a.remoteTools(ctx)
	if err != nil {
		return nil, err
	}
	temperature := cfg.LLM.Temperature
	a.Recommender, err = recommend.New(recommend.Dependencies{
		NewChat:   providers.NewChat,
		Retriever: a.Retriever,
		Summaries: a.Catalog,
		Profanity: profanity,
		Media:     a.Generator,
		Scheduler: a.Pool,
	}, recommend.Config{
		TopK:          cfg.Retrieval.TopK,
		MediaPrefix:   cfg.Server.MediaPrefix,
		ChatModel:     chatModel(cfg),
		Temperature:   &temperature,
		MaxToolRounds: cfg.LLM.MaxToolRounds,
		ChatOptions:   providers.ChatOptions,
		ExtraTools:    extraTools,
	})
	if err != nil {
		return nil, err
	}

	index, err := stt.OpenBadgerIndex(cfg.STT.IndexDir)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, index.Close)
	a.Transcripts, err = stt.NewCache(index, a.Store, providers.Transcriber)
	if err != nil {
		return nil, err
	}

	mcpServer, err := librarianmcp.NewServer(a.Catalog, a.Retriever, version)
	if err != nil {
		return nil, err
	}
	a.Handler, err = api.NewRouter(api.Dependencies{
		Recommender: a.Recommender,
		Transcriber: a.Transcripts,
		Media:       a.Store,
		MCP:         librarianmcp.NewHandler(mcpServer),
	}, api.Config{
		MediaPrefix:        cfg.Server.MediaPrefix,
		CORSOrigins:        cfg.Server.CORSOrigins,
		RateLimitPerMinute: cfg.Server.RateLimitPerMinute,
		MaxUploadBytes:     cfg.Server.MaxUploadBytes,
	})
	if err != nil {
		return nil, err
	}

	log.Infof(
		"app_ready books=%d llm=%s embedding=%s stt=%s narration=%t cover=%t remote_tools=%d",
		a.Catalog.Len(), cfg.LLM.Provider, cfg.Embedding.Provider, cfg.STT.Provider,
		cfg.EnableNarration, cfg.EnableCover, len(extraTools),
	)
	return a, nil
}

// Supervisor returns a tree running the worker pool and, when given, the HTTP server.
func (a *App) Supervisor(server suture.Service) *suture.Supervisor {
	log := logging.NewLogger(context.Background())
	root := suture.New("smart-librarian", suture.Spec{
		EventHook: func(e suture.Event) {
			log.Warnf("supervisor_event type=%v detail=%s", e.Type(), e.String())
		},
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		Timeout:          a.Config.Server.ShutdownTimeout + 5*time.Second,
	})
	root.Add(a.Pool)
	if server != nil {
		root.Add(server)
	}
	return root
}

// Close releases stores and connections in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) loadCatalog(ctx context.Context) error {
	books, err := catalog.Load(a.Config.Catalog.Path)
	if err != nil {
		return err
	}
	warnings, err := books.Validate(a.Config.Catalog.Strict)
	if err != nil {
		return err
	}
	for _, warning := range warnings {
		logging.NewLogger(ctx).Warnf("catalog_warning %s", warning)
	}
	a.Catalog = books
	return nil
}

func (a *App) openRetriever(ctx context.Context, embedder model.EmbeddingGenerator) error {
	var index vectorstore.Index
	switch a.Config.Retrieval.Backend {
	case "postgres":
		dims := a.Config.Embedding.Dimensions
		if dims <= 0 {
			probe, _, err := embedder.Generate(ctx, "dimension probe")
			if err != nil {
				return model.Classify(model.ErrRetrieval, utils.WrapIfNotNil(err, "probe embedding dimensions"))
			}
			dims = len(probe)
		}
		pg, err := vectorstore.OpenPostgresIndex(ctx, vectorstore.PostgresConfig{
			DSN:        a.Config.Retrieval.PostgresDSN,
			Table:      a.Config.Retrieval.Table,
			Dimensions: dims,
		})
		if err != nil {
			return err
		}
		a.closers = append(a.closers, pg.Close)
		index = pg
	default:
		index = vectorstore.NewMemoryIndex()
	}

	retriever, err := vectorstore.NewRetriever(index, embedder)
	if err != nil {
		return err
	}
	rebuilt, err := retriever.Bootstrap(ctx, a.Catalog.Books())
	if err != nil {
		return err
	}
	logging.NewLogger(ctx).Infof("retrieval_ready backend=%s rebuilt=%t", a.Config.Retrieval.Backend, rebuilt)
	a.Retriever = retriever
	return nil
}

func (a *App) openStore(ctx context.Context) error {
	var opts []media.StoreOption
	if url := strings.TrimSpace(a.Config.NATS.URL); url != "" {
		conn, err := nats.Connect(url, nats.Name("smart-librarian"))
		if err != nil {
			return utils.WrapIfNotNil(err, "connect nats")
		}
		a.closers = append(a.closers, func() error {
			conn.Close()
			return nil
		})
		js, err := conn.JetStream()
		if err != nil {
			return utils.WrapIfNotNil(err, "jetstream")
		}
		mirror, err := media.NewObjectStoreMirror(js, a.Config.NATS.Bucket)
		if err != nil {
			return err
		}
		opts = append(opts, media.WithMirror(mirror))
		logging.NewLogger(ctx).Infof("media_mirror_enabled bucket=%s", a.Config.NATS.Bucket)
	}

	store, err := media.NewStore(a.Config.Media.Dir, opts...)
	if err != nil {
		return err
	}
	a.Store = store
	return nil
}

// remoteTools connects to the configured MCP server. An unreachable server is logged and the
// chat runs with the local summary tool only.
func (a *App) remoteTools(ctx context.Context) ([]model.Tool, error) {
	url := strings.TrimSpace(a.Config.MCP.RemoteURL)
	if url == "" {
		return nil, nil
	}
	remote, err := librarianmcp.ConnectRemote(ctx, url, a.Config.MCP.RemoteToken, a.Config.MCP.Tools)
	if err != nil {
		logging.NewLogger(ctx).Warnf("mcp_remote_unavailable url=%s err=%v", url, err)
		return nil, nil
	}
	a.closers = append(a.closers, remote.Close)
	return remote.ModelTools()
}

func (p *Providers) resolve(cfg config.Config, books *catalog.Catalog) error {
	if p.NewChat == nil {
		factory, opts, err := chatProvider(cfg)
		if err != nil {
			return err
		}
		p.NewChat = factory
		p.ChatOptions = append(opts, p.ChatOptions...)
	}
	if p.Embedder == nil {
		embedder, err := embeddingProvider(cfg)
		if err != nil {
			return err
		}
		p.Embedder = embedder
	}
	if p.Transcriber == nil {
		transcriber, err := transcriptionProvider(cfg, vocabulary(books))
		if err != nil {
			return err
		}
		p.Transcriber = transcriber
	}
	if p.Speech == nil {
		p.Speech = speechProvider(cfg)
	}
	if p.Images == nil {
		p.Images = imageProvider(cfg)
	}
	return nil
}

// vocabulary lists catalog titles for the transcription prompt.
func vocabulary(books *catalog.Catalog) string {
	titles := make([]string, 0, books.Len())
	for _, book := range books.Books() {
		titles = append(titles, book.Title)
	}
	return "Book titles: " + strings.Join(titles, ", ")
}

func nonEmpty(values ...string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			out = append(out, v)
		}
	}
	return out
}
