package vectorstore

import (
	"context"
	"errors"
	"strings"

	"github.com/Nephrolytics-ai/smart-librarian/pkg/catalog"
	"github.com/Nephrolytics-ai/smart-librarian/pkg/logging"
	"github.com/Nephrolytics-ai/smart-librarian/pkg/model"
	"github.com/Nephrolytics-ai/smart-librarian/pkg/utils"
)

// Candidate is a retrieved title and its distance to the query.
type Candidate struct {
	Title    string  `json:"title"`
	Distance float64 `json:"distance"`
}

// Retriever embeds queries and looks them up in the index.
type Retriever struct {
	index    Index
	embedder model.EmbeddingGenerator
}

func NewRetriever(index Index, embedder model.EmbeddingGenerator) (*Retriever, error) {
	if index == nil || embedder == nil {
		return nil, utils.WrapIfNotNil(errors.New("index and embedder are required"))
	}
	return &Retriever{index: index, embedder: embedder}, nil
}

// Bootstrap (re)builds the index from the catalog when the document count differs. It reports
// whether a rebuild happened.
func (r *Retriever) Bootstrap(ctx context.Context, books []catalog.Book) (bool, error) {
	log := logging.NewLogger(ctx)

	count, err := r.index.Count(ctx)
	if err != nil {
		return false, utils.WrapIfNotNil(err)
	}
	if count == len(books) {
		log.Infof("vector_index_ready documents=%d rebuilt=false", count)
		return false, nil
	}

	texts := make([]string, len(books))
	for i, book := range books {
		texts[i] = book.Document()
	}
	vectors, meta, err := r.embedder.GenerateBatch(ctx, texts)
	if err != nil {
		return false, utils.WrapIfNotNil(err, "embed catalog")
	}
	if len(vectors) != len(books) {
		return false, utils.WrapIfNotNil(errors.New("embedding count does not match catalog size"))
	}

	docs := make([]Document, len(books))
	for i, book := range books {
		docs[i] = Document{
			ID:        catalog.Normalize(book.Title),
			Title:     book.Title,
			Text:      texts[i],
			Embedding: vectors[i],
		}
	}
	if err := r.index.Reset(ctx); err != nil {
		return false, utils.WrapIfNotNil(err)
	}
	if err := r.index.Upsert(ctx, docs); err != nil {
		return false, utils.WrapIfNotNil(err)
	}

	log.Infof(
		"vector_index_ready documents=%d rebuilt=true previous=%d provider=%s model=%s",
		len(docs),
		count,
		meta[model.MetadataKeyProvider],
		meta[model.MetadataKeyModel],
	)
	return true, nil
}

// Search returns up to k candidates closest to query. Failures are model.ErrRetrieval.
func (r *Retriever) Search(ctx context.Context, query string, k int) ([]Candidate, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}

	vector, _, err := r.embedder.Generate(ctx, query)
	if err != nil {
		return nil, model.Classify(model.ErrRetrieval, utils.WrapIfNotNil(err, "embed query"))
	}
	hits, err := r.index.Search(ctx, vector, k)
	if err != nil {
		return nil, model.Classify(model.ErrRetrieval, utils.WrapIfNotNil(err, "search index"))
	}

	candidates := make([]Candidate, 0, len(hits))
	for _, hit := range hits {
		candidates = append(candidates, Candidate{Title: hit.Title, Distance: hit.Distance})
	}
	return candidates, nil
}
