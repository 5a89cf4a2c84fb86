// Package catalog loads the book dataset that backs retrieval, the summary tool and cover prompts.
package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/Nephrolytics-ai/smart-librarian/pkg/utils"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// MinBooks is the smallest dataset Validate accepts in strict mode.
const MinBooks = 10

// NotFoundSummary is what the summary tool answers for an unknown title.
const NotFoundSummary = "Sorry, I couldn't find that title in the dataset."

type Book struct {
	Title       string   `json:"title"`
	Short       string   `json:"short"`
	Full        string   `json:"full,omitempty"`
	Summary     string   `json:"summary,omitempty"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// Document is the text embedded into the vector index for this book.
func (b Book) Document() string {
	return fmt.Sprintf("Title: %s\nShort: %s\nTags: %s", b.Title, b.Short, strings.Join(b.Tags, ", "))
}

// LongSummary prefers the full summary and falls back through the shorter fields.
func (b Book) LongSummary() string {
	for _, candidate := range []string{b.Full, b.Summary, b.Description, b.Short} {
		if strings.TrimSpace(candidate) != "" {
			return candidate
		}
	}
	return ""
}

type Catalog struct {
	books []Book
	keys  []string
}

func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, utils.WrapIfNotNil(err, "dataset "+path)
	}
	return Parse(data)
}

// Parse decodes a JSON array of books.
func Parse(data []byte) (*Catalog, error) {
	var books []Book
	if err := json.Unmarshal(data, &books); err != nil {
		return nil, utils.WrapIfNotNil(fmt.Errorf("dataset must be a JSON array of books: %w", err))
	}
	return New(books), nil
}

func New(books []Book) *Catalog {
	c := &Catalog{
		books: append([]Book(nil), books...),
		keys:  make([]string, len(books)),
	}
	for i, book := range c.books {
		c.keys[i] = Normalize(book.Title)
	}
	return c
}

// Validate checks the dataset shape. In strict mode the first problem is returned as an error;
// otherwise every problem is returned as a warning.
func (c *Catalog) Validate(strict bool) ([]string, error) {
	var warnings []string
	report := func(msg string) error {
		if strict {
			return utils.WrapIfNotNil(errors.New(msg))
		}
		warnings = append(warnings, msg)
		return nil
	}

	if len(c.books) < MinBooks {
		if err := report(fmt.Sprintf("dataset has %d entries; at least %d are required", len(c.books), MinBooks)); err != nil {
			return nil, err
		}
	}
	for i, book := range c.books {
		var missing []string
		if strings.TrimSpace(book.Title) == "" {
			missing = append(missing, "title")
		}
		if strings.TrimSpace(book.Short) == "" {
			missing = append(missing, "short")
		}
		if book.LongSummary() == "" {
			missing = append(missing, "full")
		}
		if len(missing) > 0 {
			if err := report(fmt.Sprintf("book #%d (%q) missing %s", i, book.Title, strings.Join(missing, ", "))); err != nil {
				return nil, err
			}
		}
	}
	return warnings, nil
}

func (c *Catalog) Len() int {
	return len(c.books)
}

// Books returns a copy of the dataset in file order.
func (c *Catalog) Books() []Book {
	return append([]Book(nil), c.books...)
}

// Lookup finds a book by title: exact match after normalization first, then the first title
// containing (or contained in) the query.
func (c *Catalog) Lookup(title string) (Book, bool) {
	key := Normalize(title)
	if key == "" {
		return Book{}, false
	}
	for i, candidate := range c.keys {
		if candidate == key {
			return c.books[i], true
		}
	}
	for i, candidate := range c.keys {
		if candidate == "" {
			continue
		}
		if strings.Contains(candidate, key) || strings.Contains(key, candidate) {
			return c.books[i], true
		}
	}
	return Book{}, false
}

// SummaryByTitle answers the get_summary_by_title tool.
func (c *Catalog) SummaryByTitle(title string) string {
	book, ok := c.Lookup(title)
	if !ok {
		return NotFoundSummary
	}
	if summary := book.LongSummary(); summary != "" {
		return summary
	}
	return NotFoundSummary
}

// Normalize folds case and compatibility forms and collapses whitespace, so "ＤＵＮＥ " matches "Dune".
func Normalize(value string) string {
	folded := cases.Fold().String(norm.NFKC.String(value))
	return strings.Join(strings.Fields(folded), " ")
}
