package app

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Nephrolytics-ai/smart-librarian/pkg/config"
	"github.com/Nephrolytics-ai/smart-librarian/pkg/model"
	"github.com/Nephrolytics-ai/smart-librarian/pkg/poller"
	"github.com/Nephrolytics-ai/smart-librarian/pkg/recommend"
	"github.com/stretchr/testify/suite"
)

const datasetPath = "../../data/book_summaries.json"

type AppSuite struct {
	suite.Suite
	ctx    context.Context
	cancel context.CancelFunc
	cfg    config.Config
	speech *fakeSynthesizer
	images *fakeSynthesizer
}

func TestAppSuite(t *testing.T) {
	suite.Run(t, new(AppSuite))
}

func (s *AppSuite) SetupTest() {
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.cfg = config.Defaults()
	s.cfg.APIKey = "test-key"
	s.cfg.Catalog.Path = datasetPath
	s.cfg.Media.Dir = s.T().TempDir()
	s.cfg.STT.IndexDir = ""
	s.speech = &fakeSynthesizer{payload: []byte("ID3-narration")}
	s.images = &fakeSynthesizer{payload: []byte("\x89PNG-cover")}
}

func (s *AppSuite) TearDownTest() {
	s.cancel()
}

func (s *AppSuite) providers() Providers {
	return Providers{
		NewChat:     pickFirstCandidate,
		Embedder:    letterEmbedder{},
		Transcriber: fakeTranscriber{text: "a dragon and a hobbit"},
		Speech:      s.speech,
		Images:      s.images,
	}
}

func (s *AppSuite) build() *App {
	a, err := Build(s.ctx, s.cfg, "test", s.providers())
	s.Require().NoError(err)
	s.T().Cleanup(func() { s.NoError(a.Close()) })
	return a
}

func (s *AppSuite) TestRecommendPollFetch() {
	a := s.build()
	supervisor := a.Supervisor(nil)
	done := supervisor.ServeBackground(s.ctx)

	server := httptest.NewServer(a.Handler)
	defer server.Close()

	resp, err := http.Post(server.URL+"/recommend", "application/json", strings.NewReader(`{"query":"a dragon and a hobbit"}`))
	s.Require().NoError(err)
	var body struct {
		Answer   string  `json:"answer"`
		Title    *string `json:"title"`
		AudioURL string  `json:"audio_url"`
		ImageURL string  `json:"image_url"`
	}
	s.Require().NoError(json.NewDecoder(resp.Body).Decode(&body))
	resp.Body.Close()
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	s.Require().NotNil(body.Title)
	s.Contains(body.Answer, *body.Title)

	p := poller.New(server.Client(), poller.WithBaseURL(server.URL))
	ready := p.PollMedia(s.ctx, body.AudioURL, body.ImageURL, 100, 10*time.Millisecond)
	s.True(ready.Audio)
	s.True(ready.Image)

	get, err := http.Get(server.URL + body.ImageURL)
	s.Require().NoError(err)
	data, err := io.ReadAll(get.Body)
	get.Body.Close()
	s.Require().NoError(err)
	s.Equal("\x89PNG-cover", string(data))

	s.cancel()
	<-done
}

func (s *AppSuite) TestMCPEndpointIsMounted() {
	a := s.build()
	server := httptest.NewServer(a.Handler)
	defer server.Close()

	req, err := http.NewRequest(http.MethodPost, server.URL+"/mcp", strings.NewReader(
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26","capabilities":{},"clientInfo":{"name":"test","version":"1"}}}`,
	))
	s.Require().NoError(err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")

	resp, err := http.DefaultClient.Do(req)
	s.Require().NoError(err)
	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	s.Require().NoError(err)
	s.Equal(http.StatusOK, resp.StatusCode)
	s.Contains(string(data), "smart-librarian")
}

func (s *AppSuite) TestUnknownProviderFailsBuild() {
	s.cfg.LLM.Provider = "mystery"
	_, err := Build(s.ctx, s.cfg, "test", Providers{Embedder: letterEmbedder{}})
	s.Error(err)
}

func (s *AppSuite) TestMissingCatalogFailsBuild() {
	s.cfg.Catalog.Path = "does-not-exist.json"
	_, err := Build(s.ctx, s.cfg, "test", s.providers())
	s.Error(err)
}

func (s *AppSuite) TestChatModelDefaultOnlyAppliesToOpenAI() {
	s.Equal("gpt-4o-mini", chatModel(s.cfg))

	s.cfg.LLM.Provider = "bedrock"
	s.Empty(chatModel(s.cfg))

	s.cfg.ChatModel = "us.anthropic.claude-3-5-haiku-20241022-v1:0"
	s.Equal(s.cfg.ChatModel, chatModel(s.cfg))
}

func (s *AppSuite) TestVocabularyListsTitles() {
	a := s.build()
	s.Contains(vocabulary(a.Catalog), "The Secret History")
}

// pickFirstCandidate answers with the first candidate of the prompt after calling the summary tool.
func pickFirstCandidate(prompt string, opts ...model.GeneratorOption) (model.ContentGenerator[string], error) {
	return &candidatePicker{prompt: prompt, cfg: model.ResolveGeneratorOpts(opts...)}, nil
}

type candidatePicker struct {
	prompt string
	cfg    model.GeneratorConfig
}

func (p *candidatePicker) Generate(ctx context.Context) (string, model.GenerationMetadata, error) {
	var payload struct {
		Candidates []struct {
			Title string `json:"title"`
		} `json:"candidates"`
	}
	if err := json.Unmarshal([]byte(p.prompt), &payload); err != nil {
		return "", nil, err
	}
	title := payload.Candidates[0].Title
	for _, tool := range p.cfg.Tools {
		if tool.Name != recommend.SummaryToolName {
			continue
		}
		args, _ := json.Marshal(map[string]string{"title": title})
		if _, err := tool.Handler(ctx, args); err != nil {
			return "", nil, err
		}
	}
	return "You might enjoy " + title + ".", model.GenerationMetadata{}, nil
}

func (p *candidatePicker) AddPromptContext(context.Context, model.ContextMessageType, string) {}

func (p *candidatePicker) AddPromptContextProvider(context.Context, model.PromptContextProvider) {}

// letterEmbedder maps text to letter frequencies, enough to rank overlapping words closer.
type letterEmbedder struct{}

func (letterEmbedder) Generate(ctx context.Context, input string) (model.EmbeddingVector, model.GenerationMetadata, error) {
	vector := make([]float64, 27)
	for _, r := range strings.ToLower(input) {
		if r >= 'a' && r <= 'z' {
			vector[r-'a']++
		}
	}
	vector[26] = 1
	return vector, model.GenerationMetadata{}, nil
}

func (e letterEmbedder) GenerateBatch(ctx context.Context, inputs []string) (model.EmbeddingVectors, model.GenerationMetadata, error) {
	out := make(model.EmbeddingVectors, 0, len(inputs))
	for _, input := range inputs {
		vector, _, _ := e.Generate(ctx, input)
		out = append(out, vector)
	}
	return out, model.GenerationMetadata{}, nil
}

type fakeTranscriber struct {
	text string
}

func (f fakeTranscriber) Transcribe(context.Context, string, []byte) (string, model.GenerationMetadata, error) {
	return f.text, model.GenerationMetadata{}, nil
}

type fakeSynthesizer struct {
	calls   atomic.Int32
	payload []byte
}

func (f *fakeSynthesizer) Synthesize(context.Context, string) ([]byte, model.GenerationMetadata, error) {
	f.calls.Add(1)
	return f.payload, model.GenerationMetadata{}, nil
}
