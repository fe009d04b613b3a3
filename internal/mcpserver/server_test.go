package mcpserver

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/starford/ansuz/internal/cache"
	"github.com/starford/ansuz/internal/gitrepo"
	"github.com/starford/ansuz/internal/notify"
	"github.com/starford/ansuz/internal/sidebar"
	"github.com/starford/ansuz/internal/storage"
	"github.com/starford/ansuz/internal/testutil"
	"github.com/starford/ansuz/internal/widgets"
	"github.com/starford/ansuz/internal/wikiservice"
	"github.com/starford/ansuz/internal/worker"
)

type okRunner struct{}

func (okRunner) Run(_ context.Context, _ string, _ ...string) (string, string, error) {
	return "", "", nil
}

func testServer(t *testing.T) (*Server, storage.Provider) {
	t.Helper()

	wikiDir, store := testutil.TestWiki(t)
	ix := testutil.TestIndex(t)
	ledger := testutil.TestLedger(t)
	logger := testutil.DiscardLogger()

	kv := cache.NewMemory()
	sb := sidebar.NewService(store, kv, time.Minute, logger)
	wg := widgets.NewService(store, kv, time.Minute, logger)
	repo := gitrepo.New(wikiDir, "", "main", time.Minute, okRunner{})
	pool := worker.New(ledger, logger, 1, 16)
	notifier := notify.New("", "", time.Second, logger)
	wiki := wikiservice.New(store, repo, ix, sb, wg, ledger, pool, notifier, logger)

	return New(store, ix, wiki), store
}

func callTool(t *testing.T, srv *Server, name string, args map[string]interface{}) *mcp.CallToolResult {
	t.Helper()
	ctx := context.Background()
	req := mcp.CallToolRequest{}
	req.Method = "tools/call"
	req.Params.Name = name
	req.Params.Arguments = args

	// mcp-go doesn't expose a direct "call tool" test helper, so we test
	// through the tool handler functions directly.
	var result *mcp.CallToolResult
	var err error

	switch name {
	case "search_pages":
		result, err = srv.searchPages(ctx, req)
	case "read_page":
		result, err = srv.readPage(ctx, req)
	case "save_page":
		result, err = srv.savePage(ctx, req)
	case "list_pages":
		result, err = srv.listPages(ctx, req)
	case "get_page_contract":
		result, err = srv.getPageContract(ctx, req)
	default:
		t.Fatalf("unknown tool: %s", name)
	}

	if err != nil {
		t.Fatalf("tool %s error: %v", name, err)
	}
	return result
}

func resultText(r *mcp.CallToolResult) string {
	if len(r.Content) > 0 {
		if tc, ok := r.Content[0].(mcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}

func TestSaveAndReadPage(t *testing.T) {
	srv, _ := testServer(t)

	r := callTool(t, srv, "save_page", map[string]interface{}{
		"path":    "guides/setup",
		"content": "# Setup\nHello",
	})
	text := resultText(r)
	if !strings.HasPrefix(text, "saved: guides/setup") {
		t.Errorf("save result = %q", text)
	}

	r = callTool(t, srv, "read_page", map[string]interface{}{
		"path": "guides/setup",
	})
	text = resultText(r)
	if !strings.Contains(text, "# Setup\nHello") {
		t.Errorf("read result = %q", text)
	}
	// The save stamps system metadata, so the read includes a header.
	if !strings.Contains(text, "last_updated:") {
		t.Errorf("read result missing stamped metadata: %q", text)
	}
}

func TestSavePageUnchanged(t *testing.T) {
	srv, _ := testServer(t)

	callTool(t, srv, "save_page", map[string]interface{}{
		"path":    "home",
		"content": "Hello",
	})
	r := callTool(t, srv, "save_page", map[string]interface{}{
		"path":    "home",
		"content": "Hello",
	})
	if got := resultText(r); got != "unchanged: home" {
		t.Errorf("second save = %q, want unchanged", got)
	}
}

func TestListPages(t *testing.T) {
	srv, store := testServer(t)
	if _, _, err := store.Save("a", "alpha", nil); err != nil {
		t.Fatal(err)
	}
	if _, _, err := store.Save("b", "beta", nil); err != nil {
		t.Fatal(err)
	}

	r := callTool(t, srv, "list_pages", map[string]interface{}{})
	text := resultText(r)
	if !strings.Contains(text, "a") || !strings.Contains(text, "b") {
		t.Errorf("list = %q", text)
	}
}

func TestReadPageMissing(t *testing.T) {
	srv, _ := testServer(t)
	r := callTool(t, srv, "read_page", map[string]interface{}{"path": "nope"})
	if !r.IsError {
		t.Error("expected error for missing page")
	}
}

func TestSearchPages(t *testing.T) {
	srv, _ := testServer(t)
	callTool(t, srv, "save_page", map[string]interface{}{
		"path":    "kb/unique",
		"content": "zanzibar content",
	})

	r := callTool(t, srv, "search_pages", map[string]interface{}{"query": "zanzibar"})
	if got := resultText(r); !strings.Contains(got, "kb/unique") {
		t.Errorf("search = %q, want hit for kb/unique", got)
	}
}

func TestGetPageContract(t *testing.T) {
	srv, _ := testServer(t)
	r := callTool(t, srv, "get_page_contract", nil)
	if got := resultText(r); !strings.Contains(got, "Page Format Contract") {
		t.Errorf("contract = %q", got)
	}
}
