package generator

import (
	"fmt"
	"strings"

	"github.com/Nephrolytics-ai/smart-librarian/pkg/catalog"
)

const defaultCoverStyle = "rich, detailed, book cover, cinematic lighting, cohesive typography, high-contrast focal point"

// BookLookup resolves a title to its catalog entry.
type BookLookup interface {
	Lookup(title string) (catalog.Book, bool)
}

// CoverPrompter turns a cover subject into an image prompt, enriched with the catalog entry when
// the subject is a known title.
type CoverPrompter struct {
	books BookLookup
	style string
}

func NewCoverPrompter(books BookLookup) *CoverPrompter {
	return &CoverPrompter{books: books, style: defaultCoverStyle}
}

func (p *CoverPrompter) Prompt(subject string) string {
	subject = strings.TrimSpace(subject)
	title := subject
	short := ""
	var tags []string

	if p.books != nil {
		if book, ok := p.books.Lookup(subject); ok {
			title = book.Title
			short = book.Short
			tags = book.Tags
		}
	}
	if len(tags) > 5 {
		tags = tags[:5]
	}

	var b strings.Builder
	b.WriteString("Create a representative cover-style illustration inspired by the book.\n")
	fmt.Fprintf(&b, "Title (for inspiration): %s\n", title)
	fmt.Fprintf(&b, "Key ideas: %s\n", strings.Join(tags, ", "))
	fmt.Fprintf(&b, "One-line theme: %s\n", short)
	fmt.Fprintf(&b, "Style: %s\n", p.style)
	b.WriteString("Rules: No large text blocks; no logos; no watermark. Clean composition with one strong focal element.")
	return b.String()
}
