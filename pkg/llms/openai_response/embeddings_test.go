package openai_response

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Nephrolytics-ai/smart-librarian/pkg/model"
	openai "github.com/openai/openai-go/v3"
	"github.com/stretchr/testify/suite"
)

type EmbeddingGeneratorSuite struct {
	suite.Suite
}

func TestEmbeddingGeneratorSuite(t *testing.T) {
	suite.Run(t, new(EmbeddingGeneratorSuite))
}

func (s *EmbeddingGeneratorSuite) TestGenerateBatchAgainstServer() {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","model":"text-embedding-3-small",
			"data":[{"object":"embedding","index":1,"embedding":[0.3,0.4]},{"object":"embedding","index":0,"embedding":[0.1,0.2]}],
			"usage":{"prompt_tokens":6,"total_tokens":6}}`))
	}))
	defer server.Close()

	generator, err := NewEmbeddingGenerator(model.WithURL(server.URL), model.WithAuthToken("test"))
	s.Require().NoError(err)

	vectors, meta, err := generator.GenerateBatch(context.Background(), []string{"dune", "hobbit"})
	s.Require().NoError(err)
	s.Equal(model.EmbeddingVectors{{0.1, 0.2}, {0.3, 0.4}}, vectors)
	s.Equal("2", meta[model.MetadataKeyEmbeddingCount])
	s.Equal("2", meta[model.MetadataKeyEmbeddingDims])
}

func (s *EmbeddingGeneratorSuite) TestBlankInputsAreRejected() {
	generator, err := NewEmbeddingGenerator()
	s.Require().NoError(err)

	_, _, err = generator.GenerateBatch(context.Background(), []string{"hello", " "})
	s.Error(err)

	_, err = NewEmbeddingGenerator(model.WithEmbeddingDimensions(0))
	s.Error(err)
}

func (s *EmbeddingGeneratorSuite) TestConvertEmbeddingResponseMismatchedLength() {
	response := &openai.CreateEmbeddingResponse{
		Data: []openai.Embedding{{Index: 0, Embedding: []float64{1.5}}},
	}

	_, err := convertEmbeddingResponse(response, 2)
	s.ErrorContains(err, "embedding response size mismatch")
}
