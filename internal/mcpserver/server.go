// Package mcpserver provides an MCP (Model Context Protocol) server
// that exposes Ansuz wiki tools for LLM integration via stdio transport.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/ansuz/internal/frontmatter"
	"github.com/starford/ansuz/internal/search"
	"github.com/starford/ansuz/internal/storage"
	"github.com/starford/ansuz/internal/wikiservice"
)

// Server wraps the MCP server with Ansuz wiki tools.
type Server struct {
	mcp   *server.MCPServer
	store storage.Provider
	index *search.Index
	wiki  *wikiservice.Service
}

// New creates a new MCP server with all wiki tools registered.
func New(store storage.Provider, index *search.Index, wiki *wikiservice.Service) *Server {
	s := &Server{store: store, index: index, wiki: wiki}

	s.mcp = server.NewMCPServer(
		"Ansuz",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("search_pages",
		mcp.WithDescription("Full-text search through wiki page content."),
		mcp.WithString("query", mcp.Required(), mcp.Description("Search query string")),
	), s.searchPages)

	s.mcp.AddTool(mcp.NewTool("read_page",
		mcp.WithDescription("Read the full content and metadata of a wiki page."),
		mcp.WithString("path", mcp.Required(), mcp.Description("Page path without .md (e.g. guides/setup)")),
	), s.readPage)

	s.mcp.AddTool(mcp.NewTool("save_page",
		mcp.WithDescription("Create or update a wiki page. The save runs the full sync "+
			"pipeline: search indexing, navigation cache refresh and a background git "+
			"commit and push. Content SHOULD follow the canonical page format; read the "+
			"contract first via the get_page_contract tool or the ansuz://page-format resource."),
		mcp.WithString("path", mcp.Required(), mcp.Description("Page path without .md (e.g. guides/setup)")),
		mcp.WithString("content", mcp.Required(), mcp.Description("Markdown body following the Ansuz page format contract")),
	), s.savePage)

	s.mcp.AddTool(mcp.NewTool("get_page_contract",
		mcp.WithDescription("Returns the canonical Ansuz page format contract. "+
			"Call this before creating or updating pages to ensure correct structure."),
	), s.getPageContract)

	s.mcp.AddTool(mcp.NewTool("list_pages",
		mcp.WithDescription("List all wiki page paths."),
	), s.listPages)

	s.mcp.AddTool(mcp.NewTool("recent_changes",
		mcp.WithDescription("List the latest git commits touching wiki pages."),
		mcp.WithNumber("limit", mcp.Description("Maximum number of commits (default 20)")),
	), s.recentChanges)

	// Resource: page format contract.
	s.mcp.AddResource(
		mcp.NewResource("ansuz://page-format", "Page Format Contract",
			mcp.WithResourceDescription("Canonical wiki page format that all pages must follow."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readPageFormatResource,
	)

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

func (s *Server) searchPages(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := req.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	results, err := s.index.Search(query, 20)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	out, _ := json.MarshalIndent(results, "", "  ")
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) readPage(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	page, err := s.store.Get(path)
	if err != nil || page == nil {
		return mcp.NewToolResultError(fmt.Sprintf("not found: %s", path)), nil
	}
	return mcp.NewToolResultText(frontmatter.Render(page.Metadata, page.Content)), nil
}

func (s *Server) savePage(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	content, err := req.RequireString("content")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	// Content may carry its own metadata header.
	meta, body := frontmatter.Parse([]byte(content))

	res, err := s.wiki.SavePage(path, body, meta)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if !res.Changed {
		return mcp.NewToolResultText(fmt.Sprintf("unchanged: %s", path)), nil
	}
	msg := fmt.Sprintf("saved: %s", res.Page.Path)
	if res.SyncTask != nil {
		msg += fmt.Sprintf(" (sync task %s)", res.SyncTask.ID)
	}
	return mcp.NewToolResultText(msg), nil
}

func (s *Server) listPages(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	paths, err := s.store.ListPages(0, 0)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(strings.Join(paths, "\n")), nil
}

func (s *Server) recentChanges(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := req.GetInt("limit", 20)
	changes, err := s.wiki.RecentChanges(ctx, limit)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	out, _ := json.MarshalIndent(changes, "", "  ")
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) getPageContract(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(PageFormatContract), nil
}

func (s *Server) readPageFormatResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      "ansuz://page-format",
			MIMEType: "text/markdown",
			Text:     PageFormatContract,
		},
	}, nil
}
