package agentclient

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/chatbridge/gateway/internal/agentclient/stream"
)

func TestIsReadyTrueOn2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/global/health" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL)
	if !c.IsReady(context.Background()) {
		t.Fatalf("expected IsReady true")
	}
}

func TestIsReadyFalseOnDown(t *testing.T) {
	c := New("http://127.0.0.1:1")
	if c.IsReady(context.Background()) {
		t.Fatalf("expected IsReady false when unreachable")
	}
}

func TestCreateSessionReturnsID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/session" {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]string{"id": "sess-123"})
	}))
	defer srv.Close()

	c := New(srv.URL)
	id, err := c.CreateSession(context.Background(), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "sess-123" {
		t.Fatalf("id = %q, want sess-123", id)
	}
}

func TestCreateSessionEmptyIDErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{})
	}))
	defer srv.Close()

	c := New(srv.URL)
	if _, err := c.CreateSession(context.Background(), ""); err == nil {
		t.Fatalf("expected error for empty id")
	}
}

func TestPromptStreamOpensEventsThenPosts(t *testing.T) {
	var gotPost bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/event":
			w.Header().Set("Content-Type", "text/event-stream")
			w.WriteHeader(http.StatusOK)
			flusher, _ := w.(http.Flusher)
			w.Write([]byte(`data: {"type":"message.part.delta","sessionID":"s1","properties":{"delta":"hi"}}` + "\n"))
			if flusher != nil {
				flusher.Flush()
			}
			// Give the POST a moment to land before closing idle.
			time.Sleep(50 * time.Millisecond)
			w.Write([]byte(`data: {"type":"session.idle","sessionID":"s1","properties":{}}` + "\n"))
			if flusher != nil {
				flusher.Flush()
			}
		case r.Method == http.MethodPost && strings.HasPrefix(r.URL.Path, "/session/s1/prompt_async"):
			gotPost = true
			w.WriteHeader(http.StatusOK)
		default:
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	}))
	defer srv.Close()

	c := New(srv.URL)
	events, err := c.PromptStream(context.Background(), "s1", "hello", "", nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var text strings.Builder
	sawDone := false
	timeout := time.After(2 * time.Second)
	for {
		select {
		case e, ok := <-events:
			if !ok {
				if !sawDone {
					t.Fatalf("channel closed before done event")
				}
				if text.String() != "hi" {
					t.Fatalf("text = %q, want hi", text.String())
				}
				if !gotPost {
					t.Fatalf("expected prompt_async to have been posted")
				}
				return
			}
			if e.Kind == stream.KindText {
				text.WriteString(e.Text)
			}
			if e.Kind == stream.KindDone {
				sawDone = true
			}
		case <-timeout:
			t.Fatal("timed out waiting for stream events")
		}
	}
}

func TestReplyPermissionSwallowsErrors(t *testing.T) {
	c := New("http://127.0.0.1:1")
	// Must not panic and must return promptly even though the server is
	// unreachable (spec.md §4.4: ReplyPermission errors are logged, not
	// surfaced to the caller).
	c.ReplyPermission(context.Background(), "p1", true)
}

func TestDownloadFileAbsoluteURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("raw-bytes"))
	}))
	defer srv.Close()

	c := New("http://unused.invalid")
	data, err := c.DownloadFile(context.Background(), srv.URL+"/x.png")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != "raw-bytes" {
		t.Fatalf("data = %q, want raw-bytes", data)
	}
}

func TestDownloadFileWorkspacePrefixStripped(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Query().Get("path")
		json.NewEncoder(w).Encode(map[string]string{"content": "hello"})
	}))
	defer srv.Close()

	c := New(srv.URL)
	data, err := c.DownloadFile(context.Background(), "/workspace/out/report.md")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotPath != "out/report.md" {
		t.Fatalf("path queried = %q, want out/report.md", gotPath)
	}
	if string(data) != "hello" {
		t.Fatalf("data = %q, want hello", data)
	}
}

func TestDownloadFileByPathBase64Decoded(t *testing.T) {
	encoded := base64.StdEncoding.EncodeToString([]byte("binary-content"))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"content": encoded, "encoding": "base64"})
	}))
	defer srv.Close()

	c := New(srv.URL)
	data, err := c.DownloadFileByPath(context.Background(), "a/b.png")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != "binary-content" {
		t.Fatalf("data = %q, want binary-content", data)
	}
}

func TestDownloadFileFallsBackToBaseName(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := r.URL.Query().Get("path")
		if p == "nested/dir/out.md" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if p == "out.md" {
			json.NewEncoder(w).Encode(map[string]string{"content": "fallback-ok"})
			return
		}
		t.Fatalf("unexpected path query %q", p)
	}))
	defer srv.Close()

	c := New(srv.URL)
	data, err := c.DownloadFile(context.Background(), "/home/daytona/nested/dir/out.md")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != "fallback-ok" {
		t.Fatalf("data = %q, want fallback-ok", data)
	}
}

func TestGetModifiedFilesFiltersByAllowList(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]string{
			"report.md",
			"node_modules/pkg/index.js",
			".hidden/secret.md",
			"archive.zip",
			"image.png",
		})
	}))
	defer srv.Close()

	c := New(srv.URL)
	files, err := c.GetModifiedFiles(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("files = %+v, want 2 (report.md, image.png)", files)
	}
	names := map[string]bool{}
	for _, f := range files {
		names[f.Name] = true
	}
	if !names["report.md"] || !names["image.png"] {
		t.Fatalf("unexpected filtered set: %+v", files)
	}
}

func TestGetModifiedFilesAcceptsObjectShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"notes.txt": "modified",
		})
	}))
	defer srv.Close()

	c := New(srv.URL)
	files, err := c.GetModifiedFiles(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(files) != 1 || files[0].Name != "notes.txt" {
		t.Fatalf("files = %+v, want [notes.txt]", files)
	}
}

func TestListProvidersAcceptsObjectShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]map[string]any{
			"anthropic": {"name": "Anthropic"},
		})
	}))
	defer srv.Close()

	c := New(srv.URL)
	list, err := c.ListProviders(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(list) != 1 || list[0]["id"] != "anthropic" {
		t.Fatalf("list = %+v, want id=anthropic", list)
	}
}
