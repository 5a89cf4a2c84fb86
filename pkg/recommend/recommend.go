// Package recommend turns a reader's query into a curated recommendation. The answer is produced
// synchronously; narration and cover are scheduled in the background and returned as URLs that
// resolve once the files land in the media store.
package recommend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/Nephrolytics-ai/smart-librarian/pkg/logging"
	"github.com/Nephrolytics-ai/smart-librarian/pkg/media"
	"github.com/Nephrolytics-ai/smart-librarian/pkg/metrics"
	"github.com/Nephrolytics-ai/smart-librarian/pkg/model"
	"github.com/Nephrolytics-ai/smart-librarian/pkg/utils"
	"github.com/Nephrolytics-ai/smart-librarian/pkg/vectorstore"
	"github.com/Nephrolytics-ai/smart-librarian/pkg/worker"
)

// ErrEmptyQuery rejects queries that are blank after trimming.
var ErrEmptyQuery = errors.New("empty query")

const (
	SummaryToolName = "get_summary_by_title"

	RefusalAnswer    = "Let's keep the conversation respectful. Please rephrase your request."
	NoMatchesAnswer  = "I couldn't find any matching books. Try adding a few more details."
	ToolLimitAnswer  = "Sorry, I couldn't complete the tool interaction."
	EmptyReplyAnswer = "Sorry, I couldn't generate a response."

	defaultTopK        = 3
	defaultTemperature = 0.4
)

const systemPrompt = "You are Smart Librarian. You will be given a user query and a small list of candidate titles " +
	"with similarity scores from a vector search.\n" +
	"1) Pick EXACTLY ONE title that best matches the user's themes.\n" +
	"2) Call the tool `" + SummaryToolName + "` with that exact title.\n" +
	"3) Compose a helpful final answer that includes a one-sentence recommendation, why it matches, " +
	"and the full summary returned by the tool.\n" +
	"Be concise but friendly."

type Retriever interface {
	Search(ctx context.Context, query string, k int) ([]vectorstore.Candidate, error)
}

type SummaryLookup interface {
	SummaryByTitle(title string) string
}

type ProfanityChecker interface {
	Contains(text string) bool
}

// MediaGenerator is the part of generator.Generator the orchestrator schedules.
type MediaGenerator interface {
	NarrationArtifact(text string) media.Artifact
	CoverArtifact(subject string) media.Artifact
	EnsureNarration(ctx context.Context, text string) error
	EnsureCover(ctx context.Context, subject string) error
	NarrationEnabled() bool
	CoverEnabled() bool
}

type Scheduler interface {
	Submit(ctx context.Context, id string, task worker.Task) error
}

type Dependencies struct {
	NewChat   model.NewStringContentGeneratorFunc
	Retriever Retriever
	Summaries SummaryLookup
	Profanity ProfanityChecker
	Media     MediaGenerator
	Scheduler Scheduler
}

type Config struct {
	TopK          int
	MediaPrefix   string
	ChatModel     string
	Temperature   *float64
	MaxToolRounds int
	// ChatOptions carries provider wiring such as URL and credentials.
	ChatOptions []model.GeneratorOption
	// ExtraTools are offered to the model next to the summary tool, e.g. tools of a remote MCP server.
	ExtraTools []model.Tool
}

type Result struct {
	Answer     string                  `json:"answer"`
	Title      string                  `json:"title,omitempty"`
	AudioURL   string                  `json:"audio_url,omitempty"`
	ImageURL   string                  `json:"image_url,omitempty"`
	Candidates []vectorstore.Candidate `json:"candidates"`
}

type Service struct {
	deps Dependencies
	cfg  Config
}

func New(deps Dependencies, cfg Config) (*Service, error) {
	if deps.NewChat == nil || deps.Retriever == nil || deps.Summaries == nil {
		return nil, utils.WrapIfNotNil(errors.New("chat factory, retriever and summaries are required"))
	}
	if deps.Media == nil || deps.Scheduler == nil {
		return nil, utils.WrapIfNotNil(errors.New("media generator and scheduler are required"))
	}
	if cfg.TopK <= 0 {
		cfg.TopK = defaultTopK
	}
	if cfg.MediaPrefix == "" {
		cfg.MediaPrefix = "/media"
	}
	if cfg.Temperature == nil {
		temperature := defaultTemperature
		cfg.Temperature = &temperature
	}
	if cfg.MaxToolRounds <= 0 {
		cfg.MaxToolRounds = model.DefaultMaxToolRounds
	}
	extra := make([]model.Tool, 0, len(cfg.ExtraTools))
	for _, tool := range cfg.ExtraTools {
		// The local summary tool records the picked title and always wins.
		if tool.Name != SummaryToolName {
			extra = append(extra, tool)
		}
	}
	cfg.ExtraTools = extra
	return &Service{deps: deps, cfg: cfg}, nil
}

// Recommend answers query. Retrieval and model failures fail the call; media scheduling
// failures are only logged and leave the corresponding URL unresolved.
func (s *Service) Recommend(ctx context.Context, query string) (Result, error) {
	log := logging.NewLogger(ctx)

	query = strings.TrimSpace(query)
	if query == "" {
		metrics.RecommendationsTotal.WithLabelValues("empty").Inc()
		return Result{}, utils.WrapIfNotNil(ErrEmptyQuery)
	}
	if s.deps.Profanity != nil && s.deps.Profanity.Contains(query) {
		metrics.RecommendationsTotal.WithLabelValues("refused").Inc()
		log.Info("recommendation_refused reason=profanity")
		return Result{Answer: RefusalAnswer, Candidates: []vectorstore.Candidate{}}, nil
	}

	candidates, err := s.deps.Retriever.Search(ctx, query, s.cfg.TopK)
	if err != nil {
		metrics.RecommendationsTotal.WithLabelValues("retrieval_failure").Inc()
		return Result{}, model.Classify(model.ErrRetrieval, utils.WrapIfNotNil(err))
	}
	if candidates == nil {
		candidates = []vectorstore.Candidate{}
	}

	result := Result{Candidates: candidates}
	if len(candidates) == 0 {
		metrics.RecommendationsTotal.WithLabelValues("no_matches").Inc()
		result.Answer = NoMatchesAnswer
	} else {
		answer, title, err := s.complete(ctx, query, candidates)
		if err != nil {
			metrics.RecommendationsTotal.WithLabelValues("generation_failure").Inc()
			return Result{}, err
		}
		result.Answer = answer
		result.Title = title
		metrics.RecommendationsTotal.WithLabelValues("answered").Inc()
	}

	s.scheduleMedia(ctx, &result)
	log.Infof(
		"recommendation_ready title=%q candidates=%d audio=%s image=%s",
		result.Title,
		len(result.Candidates),
		result.AudioURL,
		result.ImageURL,
	)
	return result, nil
}

func (s *Service) complete(ctx context.Context, query string, candidates []vectorstore.Candidate) (string, string, error) {
	log := logging.NewLogger(ctx)

	picked := &pickedTitle{}
	tool, err := s.summaryTool(picked)
	if err != nil {
		return "", "", model.Classify(model.ErrGeneration, err)
	}

	prompt, err := userPrompt(query, candidates)
	if err != nil {
		return "", "", model.Classify(model.ErrGeneration, err)
	}

	opts := append([]model.GeneratorOption{}, s.cfg.ChatOptions...)
	opts = append(opts,
		model.WithTemperature(*s.cfg.Temperature),
		model.WithMaxToolRounds(s.cfg.MaxToolRounds),
		model.WithTools(append([]model.Tool{tool}, s.cfg.ExtraTools...)),
	)
	if s.cfg.ChatModel != "" {
		opts = append(opts, model.WithModel(s.cfg.ChatModel))
	}

	chat, err := s.deps.NewChat(prompt, opts...)
	if err != nil {
		return "", "", model.Classify(model.ErrGeneration, utils.WrapIfNotNil(err))
	}
	chat.AddPromptContext(ctx, model.ContextMessageTypeSystem, systemPrompt)

	answer, meta, err := chat.Generate(ctx)
	if errors.Is(err, model.ErrToolRoundsExceeded) {
		log.Warnf("recommendation_tool_limit err=%v", err)
		return ToolLimitAnswer, picked.get(), nil
	}
	if err != nil {
		return "", "", model.Classify(model.ErrGeneration, utils.WrapIfNotNil(err))
	}
	log.Debugf(
		"recommendation_generated provider=%s model=%s api_calls=%s tool_rounds=%s latency_ms=%s",
		meta[model.MetadataKeyProvider],
		meta[model.MetadataKeyModel],
		meta[model.MetadataKeyAPICalls],
		meta[model.MetadataKeyToolRounds],
		meta[model.MetadataKeyLatencyMs],
	)

	answer = strings.TrimSpace(answer)
	if answer == "" {
		answer = EmptyReplyAnswer
	}
	return answer, picked.get(), nil
}

// scheduleMedia fills in the future URLs and hands both Ensure calls to the pool. Disabled
// purposes still get a URL, which never resolves.
func (s *Service) scheduleMedia(ctx context.Context, result *Result) {
	subject := result.Title
	if subject == "" {
		subject = result.Answer
	}

	narration := s.deps.Media.NarrationArtifact(result.Answer)
	cover := s.deps.Media.CoverArtifact(subject)
	result.AudioURL = narration.URL(s.cfg.MediaPrefix)
	result.ImageURL = cover.URL(s.cfg.MediaPrefix)

	answer := result.Answer
	if s.deps.Media.NarrationEnabled() {
		s.submit(ctx, narration, func(ctx context.Context) error {
			return s.deps.Media.EnsureNarration(ctx, answer)
		})
	}
	if s.deps.Media.CoverEnabled() {
		s.submit(ctx, cover, func(ctx context.Context) error {
			return s.deps.Media.EnsureCover(ctx, subject)
		})
	}
}

func (s *Service) submit(ctx context.Context, artifact media.Artifact, task worker.Task) {
	if err := s.deps.Scheduler.Submit(ctx, artifact.Key(), task); err != nil {
		metrics.RecordMedia(string(artifact.Purpose), metrics.OutcomeRejected)
		logging.NewLogger(ctx).Warnf("media_schedule_failed key=%s err=%v", artifact.Key(), err)
	}
}

type summaryArgs struct {
	Title string `json:"title" jsonschema:"description=Exact book title"`
}

func (s *Service) summaryTool(picked *pickedTitle) (model.Tool, error) {
	schema, err := model.SchemaFor[summaryArgs]()
	if err != nil {
		return model.Tool{}, utils.WrapIfNotNil(err)
	}
	return model.Tool{
		Name:        SummaryToolName,
		Description: "Return the full summary of an exact book title.",
		InputSchema: schema,
		Handler: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var args summaryArgs
			if len(raw) > 0 {
				if err := json.Unmarshal(raw, &args); err != nil {
					return nil, fmt.Errorf("invalid arguments: %w", err)
				}
			}
			title := strings.TrimSpace(args.Title)
			if title != "" {
				picked.set(title)
			}
			logging.NewLogger(ctx).Debugf("summary_tool_called title=%q", title)
			return s.deps.Summaries.SummaryByTitle(title), nil
		},
	}, nil
}

func userPrompt(query string, candidates []vectorstore.Candidate) (string, error) {
	payload := struct {
		UserQuery  string                  `json:"user_query"`
		Candidates []vectorstore.Candidate `json:"candidates"`
	}{UserQuery: query, Candidates: candidates}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", utils.WrapIfNotNil(err)
	}
	return string(data), nil
}

// pickedTitle records the last title the model asked about. Providers may run tool handlers
// from their own goroutines.
type pickedTitle struct {
	mu    sync.Mutex
	title string
}

func (p *pickedTitle) set(title string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.title = title
}

func (p *pickedTitle) get() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.title
}
