// Package agentclient is the HTTP + SSE transport to the upstream agent
// server, grounded on other_examples' OpenCode transport adapter for the
// two-phase "open the event stream, then POST the prompt" protocol and on
// the teacher's provider HTTP client idiom (internal/providers) for request
// construction and timeout handling.
package agentclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/chatbridge/gateway/internal/agentclient/stream"
	"github.com/chatbridge/gateway/internal/gatewaytypes"
)

// Authoritative timeouts, spec.md §5.
const (
	healthTimeout    = 5 * time.Second
	createTimeout    = 30 * time.Second
	promptDeadline   = 300 * time.Second
	downloadTimeout  = 30 * time.Second
	modifiedTimeout  = 10 * time.Second
	replyTimeout     = 10 * time.Second
)

var workspacePrefixes = []string{"/workspace/", "/home/daytona/", "/home/user/"}

// outputExtensions is the fixed allow-list from spec.md §4.4.
var outputExtensions = map[string]bool{
	"md": true, "txt": true, "pdf": true, "html": true, "csv": true,
	"json": true, "xml": true, "doc": true, "docx": true, "xlsx": true,
	"pptx": true, "png": true, "jpg": true, "jpeg": true, "gif": true,
	"svg": true, "mp3": true, "mp4": true, "wav": true,
}

// FilePart is one attachment in a prompt_async request body.
type FilePart struct {
	Type     string `json:"type"`
	Mime     string `json:"mime"`
	URL      string `json:"url"`
	Filename string `json:"filename"`
}

// ModifiedFile is one entry from GetModifiedFiles.
type ModifiedFile struct {
	Name string
	Path string
}

// Client talks to one agent server base URL.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a Client pointed at baseURL (e.g. http://localhost:8000).
func New(baseURL string) *Client {
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: &http.Client{}}
}

func (c *Client) url(p string) string { return c.baseURL + p }

// IsReady probes GET /global/health with a 5s timeout.
func (c *Client) IsReady(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("/global/health"), nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// CreateSession opens a new upstream session, optionally pinned to agentName.
func (c *Client) CreateSession(ctx context.Context, agentName string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, createTimeout)
	defer cancel()

	body := map[string]any{}
	if agentName != "" {
		body["agent"] = agentName
	}
	raw, _ := json.Marshal(body)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("/session"), bytes.NewReader(raw))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("create session: status %d", resp.StatusCode)
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("create session: decode response: %w", err)
	}
	if out.ID == "" {
		return "", fmt.Errorf("create session: empty id in response")
	}
	return out.ID, nil
}

// PromptStream opens the SSE event stream, concurrently POSTs the prompt,
// and returns a channel of stream.Event terminated by done/error or the
// 300s overall deadline. Cancelling ctx tears down both the SSE read and the
// POST.
func (c *Client) PromptStream(ctx context.Context, sessionID, content, agentName string, model *gatewaytypes.ModelRef, fileParts []FilePart) (<-chan stream.Event, error) {
	ctx, cancel := context.WithTimeout(ctx, promptDeadline)

	sseReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("/event"), nil)
	if err != nil {
		cancel()
		return nil, err
	}
	sseReq.Header.Set("Accept", "text/event-stream")
	sseReq.Header.Del("Content-Type")

	sseResp, err := c.http.Do(sseReq)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open event stream: %w", err)
	}

	out := make(chan stream.Event, 16)

	go func() {
		defer cancel()
		defer sseResp.Body.Close()
		defer close(out)

		reader := stream.New(sessionID)
		done := make(chan struct{})
		go func() {
			reader.Run(sseResp.Body, out)
			close(done)
		}()

		// The SSE read must begin before the POST so the prompt's own
		// lifecycle events are observable (spec.md §4.4).
		if err := c.postPrompt(ctx, sessionID, content, agentName, model, fileParts); err != nil {
			slog.Warn("agentclient.prompt_post_failed", "session", sessionID, "err", err)
			select {
			case out <- stream.Event{Kind: stream.KindError, ErrData: err.Error()}:
			default:
			}
			return
		}

		select {
		case <-done:
		case <-ctx.Done():
		}
	}()

	return out, nil
}

func (c *Client) postPrompt(ctx context.Context, sessionID, content, agentName string, model *gatewaytypes.ModelRef, fileParts []FilePart) error {
	parts := []map[string]any{{"type": "text", "text": content}}
	for _, fp := range fileParts {
		parts = append(parts, map[string]any{
			"type": "file", "mime": fp.Mime, "url": fp.URL, "filename": fp.Filename,
		})
	}

	body := map[string]any{"parts": parts}
	if agentName != "" {
		body["agent"] = agentName
	}
	if model != nil {
		body["model"] = map[string]string{"providerID": model.ProviderID, "modelID": model.ModelID}
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}

	url := c.url(fmt.Sprintf("/session/%s/prompt_async", sessionID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("prompt_async: status %d", resp.StatusCode)
	}
	return nil
}

// ReplyPermission tells the agent server how a permission prompt resolved.
// Errors are logged but swallowed per spec.md §4.4.
func (c *Client) ReplyPermission(ctx context.Context, id string, approved bool) {
	ctx, cancel := context.WithTimeout(ctx, replyTimeout)
	defer cancel()

	raw, _ := json.Marshal(map[string]any{"approved": approved})
	url := c.url(fmt.Sprintf("/permission/%s/reply", id))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		slog.Warn("agentclient.reply_permission_build_failed", "id", id, "err", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		slog.Warn("agentclient.reply_permission_failed", "id", id, "err", err)
		return
	}
	defer resp.Body.Close()
}

// DownloadFile fetches url directly if absolute, otherwise treats it as a
// workspace path and tries downloadByPath, falling back to the trailing
// filename only on a miss.
func (c *Client) DownloadFile(ctx context.Context, url string) ([]byte, error) {
	if strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://") {
		return c.downloadAbsolute(ctx, url)
	}

	p := url
	for _, prefix := range workspacePrefixes {
		if strings.HasPrefix(p, prefix) {
			p = strings.TrimPrefix(p, prefix)
			break
		}
	}
	p = strings.TrimPrefix(p, "/")

	data, err := c.DownloadFileByPath(ctx, p)
	if err == nil {
		return data, nil
	}

	fallback := path.Base(p)
	if fallback == p {
		return nil, err
	}
	return c.DownloadFileByPath(ctx, fallback)
}

func (c *Client) downloadAbsolute(ctx context.Context, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("download %s: status %d", url, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// DownloadFileByPath fetches GET /file/content?path=… and decodes the
// {content, encoding?} response shape.
func (c *Client) DownloadFileByPath(ctx context.Context, p string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("/file/content?path="+p), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("download by path %s: status %d", p, resp.StatusCode)
	}

	var out struct {
		Content  string `json:"content"`
		Encoding string `json:"encoding"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("download by path %s: decode: %w", p, err)
	}
	if out.Encoding == "base64" {
		return base64.StdEncoding.DecodeString(out.Content)
	}
	return []byte(out.Content), nil
}

// GetModifiedFiles lists workspace files the agent has touched, filtering
// dotfiles, node_modules, hidden directories, and extensions outside the
// fixed output allow-list (spec.md §4.4).
func (c *Client) GetModifiedFiles(ctx context.Context) ([]ModifiedFile, error) {
	ctx, cancel := context.WithTimeout(ctx, modifiedTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("/file/status"), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("file status: status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	paths, err := parseFileStatusPaths(raw)
	if err != nil {
		return nil, err
	}

	var out []ModifiedFile
	for _, p := range paths {
		if !allowedOutputPath(p) {
			continue
		}
		out = append(out, ModifiedFile{Name: path.Base(p), Path: p})
	}
	return out, nil
}

// parseFileStatusPaths accepts either a JSON array of paths or an object of
// path→status, per spec.md §4.4.
func parseFileStatusPaths(raw []byte) ([]string, error) {
	var asArray []string
	if json.Unmarshal(raw, &asArray) == nil {
		return asArray, nil
	}
	var asObject map[string]any
	if err := json.Unmarshal(raw, &asObject); err != nil {
		return nil, fmt.Errorf("file status: unexpected shape: %w", err)
	}
	paths := make([]string, 0, len(asObject))
	for k := range asObject {
		paths = append(paths, k)
	}
	return paths, nil
}

func allowedOutputPath(p string) bool {
	base := path.Base(p)
	if strings.HasPrefix(base, ".") {
		return false
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == "node_modules" || strings.HasPrefix(seg, ".") {
			return false
		}
	}
	ext := strings.TrimPrefix(path.Ext(base), ".")
	return outputExtensions[strings.ToLower(ext)]
}

// Abort cancels the given session's current turn.
func (c *Client) Abort(ctx context.Context, sessionID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("/session/"+sessionID+"/abort"), nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("abort: status %d", resp.StatusCode)
	}
	return nil
}

// ShareSession requests a shareable link for sessionID.
func (c *Client) ShareSession(ctx context.Context, sessionID string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("/session/"+sessionID+"/share"), nil)
	if err != nil {
		return "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("share session: status %d", resp.StatusCode)
	}
	var out struct {
		URL string `json:"url"`
	}
	json.NewDecoder(resp.Body).Decode(&out)
	return out.URL, nil
}

// GetSessionDiff returns the raw diff payload for sessionID.
func (c *Client) GetSessionDiff(ctx context.Context, sessionID string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("/session/"+sessionID+"/diff"), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

// ListProviders enumerates available upstream providers.
func (c *Client) ListProviders(ctx context.Context) ([]map[string]any, error) {
	return c.getList(ctx, "/providers")
}

// ListAgents enumerates available upstream agents.
func (c *Client) ListAgents(ctx context.Context) ([]map[string]any, error) {
	return c.getList(ctx, "/agents")
}

func (c *Client) getList(ctx context.Context, p string) ([]map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(p), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s: status %d", p, resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var asArray []map[string]any
	if json.Unmarshal(raw, &asArray) == nil {
		return asArray, nil
	}
	var asObject map[string]map[string]any
	if err := json.Unmarshal(raw, &asObject); err != nil {
		return nil, fmt.Errorf("%s: unexpected shape: %w", p, err)
	}
	out := make([]map[string]any, 0, len(asObject))
	for id, v := range asObject {
		v["id"] = id
		out = append(out, v)
	}
	return out, nil
}
