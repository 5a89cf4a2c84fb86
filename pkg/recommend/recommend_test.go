package recommend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/Nephrolytics-ai/smart-librarian/pkg/catalog"
	"github.com/Nephrolytics-ai/smart-librarian/pkg/generator"
	"github.com/Nephrolytics-ai/smart-librarian/pkg/media"
	"github.com/Nephrolytics-ai/smart-librarian/pkg/model"
	"github.com/Nephrolytics-ai/smart-librarian/pkg/vectorstore"
	"github.com/Nephrolytics-ai/smart-librarian/pkg/worker"
	"github.com/stretchr/testify/suite"
)

type RecommendSuite struct {
	suite.Suite
	ctx       context.Context
	cancel    context.CancelFunc
	store     *media.Store
	speech    *countingSynthesizer
	images    *countingSynthesizer
	pool      *worker.Pool
	retriever *fakeRetriever
	chat      *chatScript
	books     *catalog.Catalog
	profanity *catalog.ProfanityFilter
}

func TestRecommendSuite(t *testing.T) {
	suite.Run(t, new(RecommendSuite))
}

func (s *RecommendSuite) SetupTest() {
	s.ctx, s.cancel = context.WithCancel(context.Background())

	store, err := media.NewStore(s.T().TempDir())
	s.Require().NoError(err)
	s.store = store
	s.speech = &countingSynthesizer{payload: []byte("ID3-narration")}
	s.images = &countingSynthesizer{payload: []byte("\x89PNG-cover")}

	s.pool = worker.NewPool(worker.Config{Name: "recommend-test", Workers: 2, QueueSize: 8})
	go func() { _ = s.pool.Serve(s.ctx) }()

	s.books = catalog.New([]catalog.Book{
		{Title: "Dune", Short: "Desert politics.", Full: "Paul Atreides and the spice.", Tags: []string{"space"}},
		{Title: "The Hobbit", Short: "A dragon quest.", Full: "Bilbo and Smaug.", Tags: []string{"fantasy"}},
	})
	s.profanity, err = catalog.NewProfanityFilter()
	s.Require().NoError(err)
	s.profanity.Add("grumbleword")

	s.retriever = &fakeRetriever{candidates: []vectorstore.Candidate{
		{Title: "Dune", Distance: 0.12},
		{Title: "The Hobbit", Distance: 0.4},
	}}
	s.chat = &chatScript{pick: "Dune", answer: "Try Dune: a sweeping desert epic."}
}

func (s *RecommendSuite) TearDownTest() {
	s.pool.Wait()
	s.cancel()
}

func (s *RecommendSuite) newService(genCfg generator.Config) (*Service, *generator.Generator) {
	gen, err := generator.New(s.store, s.speech, s.images, generator.NewCoverPrompter(s.books), genCfg)
	s.Require().NoError(err)

	svc, err := New(Dependencies{
		NewChat:   s.chat.factory,
		Retriever: s.retriever,
		Summaries: s.books,
		Profanity: s.profanity,
		Media:     gen,
		Scheduler: s.pool,
	}, Config{MediaPrefix: "/media", ChatModel: "gpt-4o-mini"})
	s.Require().NoError(err)
	return svc, gen
}

func (s *RecommendSuite) enabled() generator.Config {
	return generator.Config{EnableNarration: true, EnableCover: true}
}

func (s *RecommendSuite) TestRecommendReturnsFutureURLsThenMediaLands() {
	svc, gen := s.newService(s.enabled())

	result, err := svc.Recommend(s.ctx, "  a desert planet with politics  ")
	s.Require().NoError(err)

	s.Equal("Try Dune: a sweeping desert epic.", result.Answer)
	s.Equal("Dune", result.Title)
	s.Len(result.Candidates, 2)
	s.Equal("/media/audio/"+media.NameForText(media.PurposeNarration, result.Answer)+".mp3", result.AudioURL)
	s.Equal("/media/image/"+media.NameForText(media.PurposeCover, "Dune")+".png", result.ImageURL)

	s.pool.Wait()
	s.True(s.store.Exists(s.ctx, gen.NarrationArtifact(result.Answer)))
	s.True(s.store.Exists(s.ctx, gen.CoverArtifact("Dune")))
	s.Contains(s.images.lastInput(), "One-line theme: Desert politics.")
}

func (s *RecommendSuite) TestChatReceivesToolsPromptAndOptions() {
	svc, _ := s.newService(s.enabled())

	_, err := svc.Recommend(s.ctx, "desert")
	s.Require().NoError(err)

	cfg := s.chat.lastConfig()
	s.Require().Len(cfg.Tools, 1)
	s.Equal(SummaryToolName, cfg.Tools[0].Name)
	s.Equal("object", cfg.Tools[0].InputSchema["type"])
	s.Require().NotNil(cfg.Temperature)
	s.InDelta(0.4, *cfg.Temperature, 1e-9)
	s.Equal(model.DefaultMaxToolRounds, cfg.ToolRounds())
	s.Require().NotNil(cfg.Model)
	s.Equal("gpt-4o-mini", *cfg.Model)

	var prompt struct {
		UserQuery  string                  `json:"user_query"`
		Candidates []vectorstore.Candidate `json:"candidates"`
	}
	s.Require().NoError(json.Unmarshal([]byte(s.chat.lastPrompt()), &prompt))
	s.Equal("desert", prompt.UserQuery)
	s.Equal("Dune", prompt.Candidates[0].Title)

	s.Equal("Paul Atreides and the spice.", s.chat.lastToolOutput())
	s.Contains(s.chat.lastSystem(), SummaryToolName)
}

func (s *RecommendSuite) TestExtraToolsAreOfferedAfterSummaryTool() {
	gen, err := generator.New(s.store, s.speech, s.images, generator.NewCoverPrompter(s.books), s.enabled())
	s.Require().NoError(err)
	extra := model.Tool{Name: "search_books", InputSchema: model.JSONSchema{"type": "object"}}

	svc, err := New(Dependencies{
		NewChat:   s.chat.factory,
		Retriever: s.retriever,
		Summaries: s.books,
		Profanity: s.profanity,
		Media:     gen,
		Scheduler: s.pool,
	}, Config{ExtraTools: []model.Tool{extra}})
	s.Require().NoError(err)

	_, err = svc.Recommend(s.ctx, "desert")
	s.Require().NoError(err)

	tools := s.chat.lastConfig().Tools
	s.Require().Len(tools, 2)
	s.Equal(SummaryToolName, tools[0].Name)
	s.Equal("search_books", tools[1].Name)
}

func (s *RecommendSuite) TestRepeatRequestDoesNotRegenerateMedia() {
	svc, _ := s.newService(s.enabled())

	first, err := svc.Recommend(s.ctx, "desert")
	s.Require().NoError(err)
	s.pool.Wait()

	second, err := svc.Recommend(s.ctx, "desert")
	s.Require().NoError(err)
	s.pool.Wait()

	s.Equal(first.AudioURL, second.AudioURL)
	s.Equal(first.ImageURL, second.ImageURL)
	s.Equal(int32(1), s.speech.calls.Load())
	s.Equal(int32(1), s.images.calls.Load())
}

func (s *RecommendSuite) TestCoverFallsBackToAnswerWithoutTitle() {
	s.chat.pick = ""
	svc, _ := s.newService(s.enabled())

	result, err := svc.Recommend(s.ctx, "desert")
	s.Require().NoError(err)
	s.Empty(result.Title)
	s.Equal("/media/image/"+media.NameForText(media.PurposeCover, result.Answer)+".png", result.ImageURL)
}

func (s *RecommendSuite) TestDisabledNarrationStillReturnsURL() {
	svc, gen := s.newService(generator.Config{EnableNarration: false, EnableCover: true})

	result, err := svc.Recommend(s.ctx, "desert")
	s.Require().NoError(err)
	s.NotEmpty(result.AudioURL)

	s.pool.Wait()
	s.False(s.store.Exists(s.ctx, gen.NarrationArtifact(result.Answer)))
	s.Equal(int32(0), s.speech.calls.Load())
	s.True(s.store.Exists(s.ctx, gen.CoverArtifact("Dune")))
}

func (s *RecommendSuite) TestEmptyQueryRejected() {
	svc, _ := s.newService(s.enabled())

	_, err := svc.Recommend(s.ctx, "   ")
	s.ErrorIs(err, ErrEmptyQuery)
	s.Equal(int32(0), s.retriever.calls.Load())
}

func (s *RecommendSuite) TestProfanityRefusedWithoutRetrievalOrModel() {
	svc, _ := s.newService(s.enabled())

	result, err := svc.Recommend(s.ctx, "recommend a GRUMBLEWORD book")
	s.Require().NoError(err)
	s.Equal(RefusalAnswer, result.Answer)
	s.Empty(result.AudioURL)
	s.Empty(result.Candidates)
	s.Equal(int32(0), s.retriever.calls.Load())
	s.Equal(int32(0), s.chat.calls.Load())
}

func (s *RecommendSuite) TestNoMatchesSkipsModelButSchedulesMedia() {
	s.retriever.candidates = nil
	svc, gen := s.newService(s.enabled())

	result, err := svc.Recommend(s.ctx, "something obscure")
	s.Require().NoError(err)
	s.Equal(NoMatchesAnswer, result.Answer)
	s.NotNil(result.Candidates)
	s.Equal(int32(0), s.chat.calls.Load())

	s.pool.Wait()
	s.True(s.store.Exists(s.ctx, gen.NarrationArtifact(NoMatchesAnswer)))
}

func (s *RecommendSuite) TestRetrievalFailureFailsRequest() {
	s.retriever.err = errors.New("index offline")
	svc, _ := s.newService(s.enabled())

	_, err := svc.Recommend(s.ctx, "desert")
	s.ErrorIs(err, model.ErrRetrieval)
	s.Equal(int32(0), s.chat.calls.Load())
}

func (s *RecommendSuite) TestModelFailureIsGenerationFailure() {
	s.chat.err = errors.New("upstream 500")
	svc, _ := s.newService(s.enabled())

	_, err := svc.Recommend(s.ctx, "desert")
	s.ErrorIs(err, model.ErrGeneration)
	s.pool.Wait()
	s.Equal(int32(0), s.speech.calls.Load())
}

func (s *RecommendSuite) TestToolLimitAnswersWithFallback() {
	s.chat.err = fmt.Errorf("%w (6)", model.ErrToolRoundsExceeded)
	svc, _ := s.newService(s.enabled())

	result, err := svc.Recommend(s.ctx, "desert")
	s.Require().NoError(err)
	s.Equal(ToolLimitAnswer, result.Answer)
	s.Equal("Dune", result.Title)
}

func (s *RecommendSuite) TestBlankModelReplyUsesFallback() {
	s.chat.answer = "  "
	svc, _ := s.newService(s.enabled())

	result, err := svc.Recommend(s.ctx, "desert")
	s.Require().NoError(err)
	s.Equal(EmptyReplyAnswer, result.Answer)
}

func (s *RecommendSuite) TestNewRequiresCollaborators() {
	_, err := New(Dependencies{}, Config{})
	s.Error(err)
}

type fakeRetriever struct {
	calls      atomic.Int32
	candidates []vectorstore.Candidate
	err        error
}

func (f *fakeRetriever) Search(ctx context.Context, query string, k int) ([]vectorstore.Candidate, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	if len(f.candidates) > k {
		return f.candidates[:k], nil
	}
	return f.candidates, nil
}

// chatScript stands in for a provider: it calls the summary tool for pick, then answers.
type chatScript struct {
	calls  atomic.Int32
	pick   string
	answer string
	err    error

	mu         sync.Mutex
	prompt     string
	system     string
	cfg        model.GeneratorConfig
	toolOutput string
}

func (c *chatScript) factory(prompt string, opts ...model.GeneratorOption) (model.ContentGenerator[string], error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prompt = prompt
	c.cfg = model.ResolveGeneratorOpts(opts...)
	return &scriptedGenerator{script: c}, nil
}

func (c *chatScript) lastConfig() model.GeneratorConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

func (c *chatScript) lastPrompt() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.prompt
}

func (c *chatScript) lastSystem() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.system
}

func (c *chatScript) lastToolOutput() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.toolOutput
}

type scriptedGenerator struct {
	script *chatScript
}

func (g *scriptedGenerator) Generate(ctx context.Context) (string, model.GenerationMetadata, error) {
	c := g.script
	c.calls.Add(1)
	cfg := c.lastConfig()

	if c.pick != "" {
		for _, tool := range cfg.Tools {
			if tool.Name != SummaryToolName {
				continue
			}
			args, err := json.Marshal(map[string]string{"title": c.pick})
			if err != nil {
				return "", nil, err
			}
			out, err := tool.Handler(ctx, args)
			if err != nil {
				return "", nil, err
			}
			c.mu.Lock()
			c.toolOutput, _ = out.(string)
			c.mu.Unlock()
		}
	}
	if c.err != nil {
		return "", nil, c.err
	}
	return c.answer, model.GenerationMetadata{model.MetadataKeyProvider: "script"}, nil
}

func (g *scriptedGenerator) AddPromptContext(ctx context.Context, messageType model.ContextMessageType, content string) {
	if messageType != model.ContextMessageTypeSystem {
		return
	}
	g.script.mu.Lock()
	defer g.script.mu.Unlock()
	g.script.system = content
}

func (g *scriptedGenerator) AddPromptContextProvider(ctx context.Context, provider model.PromptContextProvider) {
}

type countingSynthesizer struct {
	calls   atomic.Int32
	payload []byte

	mu    sync.Mutex
	input string
}

func (f *countingSynthesizer) Synthesize(ctx context.Context, input string) ([]byte, model.GenerationMetadata, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.input = input
	f.mu.Unlock()
	return f.payload, model.GenerationMetadata{model.MetadataKeyProvider: "fake"}, nil
}

func (f *countingSynthesizer) lastInput() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.input
}
