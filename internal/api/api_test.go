package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/starford/ansuz/internal/cache"
	"github.com/starford/ansuz/internal/gitrepo"
	"github.com/starford/ansuz/internal/notify"
	"github.com/starford/ansuz/internal/sidebar"
	"github.com/starford/ansuz/internal/testutil"
	"github.com/starford/ansuz/internal/widgets"
	"github.com/starford/ansuz/internal/wikiservice"
	"github.com/starford/ansuz/internal/worker"
)

type okRunner struct{}

func (okRunner) Run(_ context.Context, _ string, _ ...string) (string, string, error) {
	return "", "", nil
}

// testEnv wires the full wiki core behind the router. The worker pool is
// constructed but not started, so dispatched tasks stay queued and can be
// inspected through the task endpoints.
func testEnv(t *testing.T, authEnabled bool, token string) http.Handler {
	t.Helper()

	wikiDir, store := testutil.TestWiki(t)
	ix := testutil.TestIndex(t)
	ledger := testutil.TestLedger(t)
	logger := testutil.DiscardLogger()

	kv := cache.NewMemory()
	sb := sidebar.NewService(store, kv, time.Minute, logger)
	wg := widgets.NewService(store, kv, time.Minute, logger)
	repo := gitrepo.New(wikiDir, "", "main", time.Minute, okRunner{})
	pool := worker.New(ledger, logger, 1, 64)
	notifier := notify.New("", "", time.Second, logger)
	wiki := wikiservice.New(store, repo, ix, sb, wg, ledger, pool, notifier, logger)

	svc := NewService(wiki, store, ix, sb, wg, ledger)
	return NewRouter(svc, authEnabled, token, nil, nil)
}

func doJSON(t *testing.T, router http.Handler, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, target, rd)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func savePage(t *testing.T, router http.Handler, path, content string) SavePageResponse {
	t.Helper()
	w := doJSON(t, router, http.MethodPut, "/pages/"+path, map[string]any{"content": content})
	if w.Code != http.StatusOK {
		t.Fatalf("save %s = %d, body = %s", path, w.Code, w.Body.String())
	}
	var res SavePageResponse
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	return res
}

func TestSaveAndGetPage(t *testing.T) {
	router := testEnv(t, false, "")

	res := savePage(t, router, "guides/setup", "# Setup\nHello")
	if !res.Changed {
		t.Error("first save should report changed")
	}
	if res.SyncTaskID == "" {
		t.Error("save should dispatch a sync task")
	}

	w := doJSON(t, router, http.MethodGet, "/pages/guides/setup", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get = %d", w.Code)
	}
	var page PageDetail
	_ = json.Unmarshal(w.Body.Bytes(), &page)
	if page.Path != "guides/setup" {
		t.Errorf("path = %q", page.Path)
	}
	if page.Title != "Setup" {
		t.Errorf("title = %q, want Setup", page.Title)
	}
}

func TestSaveUnchanged(t *testing.T) {
	router := testEnv(t, false, "")

	savePage(t, router, "home", "Hello")
	res := savePage(t, router, "home", "Hello")
	if res.Changed {
		t.Error("identical save should report changed=false")
	}
	if res.SyncTaskID != "" {
		t.Error("no-op save should not dispatch a sync task")
	}
}

func TestSavePage_InvalidPath(t *testing.T) {
	router := testEnv(t, false, "")

	w := doJSON(t, router, http.MethodPut, "/pages/..%2Fescape", map[string]any{"content": "x"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("traversal save = %d, want 400", w.Code)
	}
}

func TestGetPage_NotFound(t *testing.T) {
	router := testEnv(t, false, "")

	w := doJSON(t, router, http.MethodGet, "/pages/nope", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("missing page = %d, want 404", w.Code)
	}
}

func TestDeletePage(t *testing.T) {
	router := testEnv(t, false, "")

	savePage(t, router, "bye", "gone")
	w := doJSON(t, router, http.MethodDelete, "/pages/bye", nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("delete = %d, want 204", w.Code)
	}

	w = doJSON(t, router, http.MethodGet, "/pages/bye", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("get after delete = %d, want 404", w.Code)
	}

	w = doJSON(t, router, http.MethodDelete, "/pages/bye", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("delete missing = %d, want 404", w.Code)
	}
}

func TestListPages(t *testing.T) {
	router := testEnv(t, false, "")

	savePage(t, router, "a", "# Alpha")
	savePage(t, router, "b", "# Beta")

	w := doJSON(t, router, http.MethodGet, "/pages?limit=10", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list = %d", w.Code)
	}
	var resp PageListResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Total != 2 {
		t.Errorf("total = %d, want 2", resp.Total)
	}
	if len(resp.Pages) != 2 {
		t.Errorf("pages = %d, want 2", len(resp.Pages))
	}
}

func TestMoveOperation(t *testing.T) {
	router := testEnv(t, false, "")

	savePage(t, router, "drafts/setup", "# Setup")
	w := doJSON(t, router, http.MethodPost, "/operations/move", MovePageRequest{
		Path:    "drafts/setup",
		NewPath: "guides/setup",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("move = %d, body = %s", w.Code, w.Body.String())
	}
	var resp TaskDispatchResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.TaskID == "" {
		t.Error("move should dispatch a sync task")
	}

	if w := doJSON(t, router, http.MethodGet, "/pages/guides/setup", nil); w.Code != http.StatusOK {
		t.Errorf("get new path = %d", w.Code)
	}
	if w := doJSON(t, router, http.MethodGet, "/pages/drafts/setup", nil); w.Code != http.StatusNotFound {
		t.Errorf("get old path = %d, want 404", w.Code)
	}
}

func TestMoveOperation_Missing(t *testing.T) {
	router := testEnv(t, false, "")

	w := doJSON(t, router, http.MethodPost, "/operations/move", MovePageRequest{
		Path:    "ghost",
		NewPath: "elsewhere",
	})
	if w.Code != http.StatusNotFound {
		t.Errorf("move missing = %d, want 404", w.Code)
	}
}

func TestArchiveAndRestore(t *testing.T) {
	router := testEnv(t, false, "")

	savePage(t, router, "old-runbook", "obsolete")

	w := doJSON(t, router, http.MethodPost, "/operations/archive", PageRefRequest{Path: "old-runbook"})
	if w.Code != http.StatusOK {
		t.Fatalf("archive = %d, body = %s", w.Code, w.Body.String())
	}
	if w := doJSON(t, router, http.MethodGet, "/pages/archive/old-runbook", nil); w.Code != http.StatusOK {
		t.Errorf("get archived = %d", w.Code)
	}

	// Archiving an already archived page is rejected.
	w = doJSON(t, router, http.MethodPost, "/operations/archive", PageRefRequest{Path: "archive/old-runbook"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("double archive = %d, want 400", w.Code)
	}

	w = doJSON(t, router, http.MethodPost, "/operations/restore", PageRefRequest{Path: "archive/old-runbook"})
	if w.Code != http.StatusOK {
		t.Fatalf("restore = %d, body = %s", w.Code, w.Body.String())
	}
	if w := doJSON(t, router, http.MethodGet, "/pages/old-runbook", nil); w.Code != http.StatusOK {
		t.Errorf("get restored = %d", w.Code)
	}
}

func TestSyncAndReindexDispatch(t *testing.T) {
	router := testEnv(t, false, "")

	for _, target := range []string{"/operations/sync", "/operations/reindex"} {
		w := doJSON(t, router, http.MethodPost, target, nil)
		if w.Code != http.StatusAccepted {
			t.Errorf("%s = %d, want 202", target, w.Code)
			continue
		}
		var resp TaskDispatchResponse
		_ = json.Unmarshal(w.Body.Bytes(), &resp)
		if resp.TaskID == "" {
			t.Errorf("%s returned empty task id", target)
		}
	}
}

func TestSearchEndpoint(t *testing.T) {
	router := testEnv(t, false, "")

	savePage(t, router, "find", "uniquetoken here")

	w := doJSON(t, router, http.MethodGet, "/search?q=uniquetoken", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("search = %d, body = %s", w.Code, w.Body.String())
	}
	var resp map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	results := resp["results"].([]any)
	if len(results) != 1 {
		t.Errorf("search results = %d, want 1", len(results))
	}
}

func TestSearchMissingQuery(t *testing.T) {
	router := testEnv(t, false, "")

	w := doJSON(t, router, http.MethodGet, "/search", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("search no query = %d, want 400", w.Code)
	}
}

func TestSidebarEndpoint(t *testing.T) {
	router := testEnv(t, false, "")

	savePage(t, router, "home", "# Home")
	savePage(t, router, "guides/setup", "# Setup")

	w := doJSON(t, router, http.MethodGet, "/sidebar?current=guides/setup", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("sidebar = %d", w.Code)
	}
	var resp struct {
		Categories []sidebar.Category `json:"categories"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if len(resp.Categories) != 2 {
		t.Fatalf("categories = %d, want 2", len(resp.Categories))
	}
	if resp.Categories[0].Name != "General" {
		t.Errorf("first category = %q, want General", resp.Categories[0].Name)
	}
}

func TestWidgetEndpoints(t *testing.T) {
	router := testEnv(t, false, "")

	savePage(t, router, "fresh", "new content")

	w := doJSON(t, router, http.MethodGet, "/widgets/recently-updated?limit=5", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("recently updated = %d", w.Code)
	}
	var resp struct {
		Entries []widgets.Entry `json:"entries"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if len(resp.Entries) != 1 {
		t.Errorf("entries = %d, want 1", len(resp.Entries))
	}

	// A just-created page is far outside the stale window.
	w = doJSON(t, router, http.MethodGet, "/widgets/recently-stale", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("recently stale = %d", w.Code)
	}
	resp.Entries = nil
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if len(resp.Entries) != 0 {
		t.Errorf("stale entries = %d, want 0", len(resp.Entries))
	}
}

// Task endpoints.

func TestTaskEndpoints(t *testing.T) {
	router := testEnv(t, false, "")

	res := savePage(t, router, "tracked", "content")
	id := res.SyncTaskID
	if id == "" {
		t.Fatal("expected sync task id from save")
	}

	w := doJSON(t, router, http.MethodGet, "/tasks", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list tasks = %d", w.Code)
	}
	var listResp struct {
		Tasks []TaskListItem `json:"tasks"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &listResp)
	if len(listResp.Tasks) != 1 {
		t.Fatalf("tasks = %d, want 1", len(listResp.Tasks))
	}
	if listResp.Tasks[0].ID != id {
		t.Errorf("task id = %q, want %q", listResp.Tasks[0].ID, id)
	}
	if listResp.Tasks[0].Status != "queued" {
		t.Errorf("task status = %q, want queued", listResp.Tasks[0].Status)
	}

	w = doJSON(t, router, http.MethodGet, "/tasks/"+id, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("task status = %d", w.Code)
	}
	var snap map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &snap)
	if snap["status"] != "queued" {
		t.Errorf("snapshot status = %v, want queued", snap["status"])
	}
	if snap["can_cancel"] != true {
		t.Errorf("can_cancel = %v, want true", snap["can_cancel"])
	}

	w = doJSON(t, router, http.MethodGet, "/tasks/"+id+"/audit", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("task audit = %d", w.Code)
	}
	var auditResp struct {
		Audit []TaskAuditItem `json:"audit"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &auditResp)
	if len(auditResp.Audit) != 1 || auditResp.Audit[0].Event != "created" {
		t.Errorf("audit = %+v, want single created event", auditResp.Audit)
	}
}

func TestTaskStatus_NotFound(t *testing.T) {
	router := testEnv(t, false, "")

	if w := doJSON(t, router, http.MethodGet, "/tasks/doesnotexist", nil); w.Code != http.StatusNotFound {
		t.Errorf("unknown task = %d, want 404", w.Code)
	}
	if w := doJSON(t, router, http.MethodGet, "/tasks/doesnotexist/audit", nil); w.Code != http.StatusNotFound {
		t.Errorf("unknown task audit = %d, want 404", w.Code)
	}
}

func TestCancelTask(t *testing.T) {
	router := testEnv(t, false, "")

	res := savePage(t, router, "cancelme", "content")
	id := res.SyncTaskID

	w := doJSON(t, router, http.MethodPost, "/tasks/"+id+"/cancel", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("cancel = %d, body = %s", w.Code, w.Body.String())
	}
	var snap map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &snap)
	if snap["status"] != "cancelled" {
		t.Errorf("status after cancel = %v, want cancelled", snap["status"])
	}

	// A second cancel hits a terminal task.
	w = doJSON(t, router, http.MethodPost, "/tasks/"+id+"/cancel", nil)
	if w.Code != http.StatusConflict {
		t.Errorf("cancel terminal = %d, want 409", w.Code)
	}
}

// Auth middleware.

func TestAuthMiddleware_ValidToken(t *testing.T) {
	router := testEnv(t, true, "secret123")

	req := httptest.NewRequest(http.MethodGet, "/pages", nil)
	req.Header.Set("Authorization", "Bearer secret123")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("authed list = %d, want 200", w.Code)
	}
}

func TestAuthMiddleware_MissingToken(t *testing.T) {
	router := testEnv(t, true, "secret123")

	w := doJSON(t, router, http.MethodGet, "/pages", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("unauthed = %d, want 401", w.Code)
	}
}

func TestAuthMiddleware_WrongToken(t *testing.T) {
	router := testEnv(t, true, "secret123")

	req := httptest.NewRequest(http.MethodGet, "/pages", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("wrong token = %d, want 401", w.Code)
	}
}

func TestAuthMiddleware_Disabled(t *testing.T) {
	router := testEnv(t, false, "")

	w := doJSON(t, router, http.MethodGet, "/pages", nil)
	if w.Code != http.StatusOK {
		t.Errorf("no auth = %d, want 200", w.Code)
	}
}

// Attachments.

func uploadAttachment(t *testing.T, router http.Handler, page, filename string, content []byte) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("page", page); err != nil {
		t.Fatal(err)
	}
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = part.Write(content)
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/attachments", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestAttachmentLifecycle(t *testing.T) {
	router := testEnv(t, false, "")

	savePage(t, router, "guides/setup", "# Setup")

	w := uploadAttachment(t, router, "guides/setup", "diagram.png", []byte("fake-png-data"))
	if w.Code != http.StatusCreated {
		t.Fatalf("upload = %d, body = %s", w.Code, w.Body.String())
	}
	var up AttachmentUploadResponse
	_ = json.Unmarshal(w.Body.Bytes(), &up)
	if up.Filename != "diagram.png" {
		t.Errorf("filename = %q", up.Filename)
	}

	w = doJSON(t, router, http.MethodGet, "/attachments?page=guides%2Fsetup", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list attachments = %d", w.Code)
	}
	var listResp map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &listResp)
	if items := listResp["attachments"].([]any); len(items) != 1 {
		t.Errorf("attachments = %d, want 1", len(items))
	}

	w = doJSON(t, router, http.MethodGet, "/attachments/download?page=guides%2Fsetup&file=diagram.png", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("download = %d", w.Code)
	}
	if got := w.Body.String(); got != "fake-png-data" {
		t.Errorf("download content = %q", got)
	}
	if ctype := w.Header().Get("Content-Type"); ctype != "image/png" {
		t.Errorf("content type = %q, want image/png", ctype)
	}

	w = doJSON(t, router, http.MethodDelete, "/attachments?page=guides%2Fsetup&file=diagram.png", nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("delete = %d, want 204", w.Code)
	}
	w = doJSON(t, router, http.MethodGet, "/attachments/download?page=guides%2Fsetup&file=diagram.png", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("download after delete = %d, want 404", w.Code)
	}
}

func TestUploadAttachment_MissingFields(t *testing.T) {
	router := testEnv(t, false, "")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("page", "guides/setup")
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/attachments", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing file part = %d, want 400", w.Code)
	}
}
