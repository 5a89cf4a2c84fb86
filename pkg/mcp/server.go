// Package mcp exposes the catalog to Model Context Protocol clients and bridges remote MCP tools
// into model.Tool definitions for the chat providers.
package mcp

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/Nephrolytics-ai/smart-librarian/pkg/catalog"
	"github.com/Nephrolytics-ai/smart-librarian/pkg/logging"
	"github.com/Nephrolytics-ai/smart-librarian/pkg/vectorstore"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

const (
	ServerName = "smart-librarian"

	SearchToolName  = "search_books"
	SummaryToolName = "get_summary_by_title"

	maxSearchResults = 10
)

type Books interface {
	Lookup(title string) (catalog.Book, bool)
	SummaryByTitle(title string) string
}

type Searcher interface {
	Search(ctx context.Context, query string, k int) ([]vectorstore.Candidate, error)
}

type searchResult struct {
	Query      string                  `json:"query"`
	Candidates []vectorstore.Candidate `json:"candidates"`
}

type summaryResult struct {
	Title   string   `json:"title"`
	Summary string   `json:"summary"`
	Tags    []string `json:"tags,omitempty"`
	Found   bool     `json:"found"`
}

// NewServer builds the MCP server with the catalog tools registered.
func NewServer(books Books, searcher Searcher, version string) (*server.MCPServer, error) {
	if books == nil || searcher == nil {
		return nil, errors.New("books and searcher are required")
	}
	if version == "" {
		version = "dev"
	}

	srv := server.NewMCPServer(
		ServerName,
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Search the Smart Librarian catalog and read full book summaries."),
	)

	srv.AddTool(mcp.NewTool(
		SearchToolName,
		mcp.WithDescription("Find catalog books semantically similar to a free-text description."),
		mcp.WithString("query", mcp.Required(), mcp.Description("What the reader is looking for")),
		mcp.WithNumber("k", mcp.Description("Maximum number of candidates"), mcp.DefaultNumber(3), mcp.Min(1), mcp.Max(maxSearchResults)),
		mcp.WithReadOnlyHintAnnotation(true),
	), searchHandler(searcher))

	srv.AddTool(mcp.NewTool(
		SummaryToolName,
		mcp.WithDescription("Return the full summary of an exact book title."),
		mcp.WithString("title", mcp.Required(), mcp.Description("Exact book title")),
		mcp.WithReadOnlyHintAnnotation(true),
	), summaryHandler(books))

	return srv, nil
}

// NewHandler serves srv over streamable HTTP without sessions, for mounting on the API router.
func NewHandler(srv *server.MCPServer) http.Handler {
	return server.NewStreamableHTTPServer(srv, server.WithStateLess(true))
}

func searchHandler(searcher Searcher) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := request.RequireString("query")
		if err != nil || strings.TrimSpace(query) == "" {
			return mcp.NewToolResultError("query is required"), nil
		}
		k := request.GetInt("k", 3)
		if k < 1 {
			k = 1
		}
		if k > maxSearchResults {
			k = maxSearchResults
		}

		candidates, err := searcher.Search(ctx, query, k)
		if err != nil {
			logging.NewLogger(ctx).Warnf("mcp_search_failed err=%v", err)
			return mcp.NewToolResultErrorFromErr("search failed", err), nil
		}
		if candidates == nil {
			candidates = []vectorstore.Candidate{}
		}
		return mcp.NewToolResultJSON(searchResult{Query: query, Candidates: candidates})
	}
}

func summaryHandler(books Books) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		title, err := request.RequireString("title")
		if err != nil || strings.TrimSpace(title) == "" {
			return mcp.NewToolResultError("title is required"), nil
		}

		result := summaryResult{Title: title, Summary: books.SummaryByTitle(title)}
		if book, ok := books.Lookup(title); ok {
			result.Title = book.Title
			result.Tags = book.Tags
			result.Found = true
		}
		return mcp.NewToolResultStructured(result, result.Summary), nil
	}
}
