// Package engine is the Dispatch Engine (H) and Event Bridge (I): the
// end-to-end per-message orchestration that ties every other core component
// together, plus the correlation between agent-originated permission events
// and out-of-band user replies.
//
// Grounded on the teacher's agent.Loop think/act/observe orchestration
// (internal/agent/loop.go) for the overall shape of a single entry point
// fanning out to many collaborators with a deferred cleanup, generalized
// from an in-process LLM loop to the external HTTP+SSE pipeline in
// SPEC_FULL.md §4.8–§4.9.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/chatbridge/gateway/internal/adapter"
	"github.com/chatbridge/gateway/internal/agentclient"
	"github.com/chatbridge/gateway/internal/agentclient/stream"
	"github.com/chatbridge/gateway/internal/gatewaytypes"
	"github.com/chatbridge/gateway/internal/messagelog"
	"github.com/chatbridge/gateway/internal/permissions"
	"github.com/chatbridge/gateway/internal/ratelimit"
	"github.com/chatbridge/gateway/internal/readyqueue"
	"github.com/chatbridge/gateway/internal/sessionregistry"
)

// readyQueueKey is the constant queue key used for every message: the
// design admits future multi-upstream use but there is currently exactly
// one upstream (spec.md §9).
const readyQueueKey = "default"

// ConfigStore is the external configuration store's interface to the core
// (spec.md §6). Out of scope to implement here: the on-disk/DB table is an
// external collaborator.
type ConfigStore interface {
	// FindEnabledByID fetches the hydrated config row by id. ok is false
	// if the row is missing or disabled.
	FindEnabledByID(ctx context.Context, id string) (cfg *gatewaytypes.ChannelConfig, ok bool, err error)
	// Update persists partial fields, used by the slash-command path to
	// write back a model/agent switch.
	Update(ctx context.Context, id string, fields map[string]any) error
}

// CredentialDecryptor decrypts a config's credentials bag in place. A nil
// decryptor is a no-op (credentials are stored plaintext), per spec.md §6.
type CredentialDecryptor func(credentials map[string]any) (map[string]any, error)

// AgentClient is the subset of agentclient.Client the engine depends on,
// named here so tests can substitute a fake without standing up HTTP.
type AgentClient interface {
	IsReady(ctx context.Context) bool
	CreateSession(ctx context.Context, agentName string) (string, error)
	PromptStream(ctx context.Context, sessionID, content, agentName string, model *gatewaytypes.ModelRef, fileParts []agentclient.FilePart) (<-chan stream.Event, error)
	ReplyPermission(ctx context.Context, id string, approved bool)
	DownloadFile(ctx context.Context, url string) ([]byte, error)
	DownloadFileByPath(ctx context.Context, path string) ([]byte, error)
	GetModifiedFiles(ctx context.Context) ([]agentclient.ModifiedFile, error)
}

var _ AgentClient = (*agentclient.Client)(nil)

// Engine wires every core collaborator together. Construct with New; the
// zero value is not usable.
type Engine struct {
	Configs     ConfigStore
	Decrypt     CredentialDecryptor // optional
	Adapters    *adapter.Registry
	Client      AgentClient
	Limiter     *ratelimit.Limiter
	Sessions    *sessionregistry.Registry
	Permissions *permissions.Registry
	Queue       *readyqueue.Queue
	Log         *messagelog.Log
}

// New wires an Engine. client is shared across all messages (the topology
// is single-upstream; see readyQueueKey).
func New(configs ConfigStore, decrypt CredentialDecryptor, adapters *adapter.Registry, client AgentClient, limiter *ratelimit.Limiter, sessions *sessionregistry.Registry, perms *permissions.Registry, log *messagelog.Log) *Engine {
	e := &Engine{
		Configs:     configs,
		Decrypt:     decrypt,
		Adapters:    adapters,
		Client:      client,
		Limiter:     limiter,
		Sessions:    sessions,
		Permissions: perms,
		Log:         log,
	}
	e.Queue = readyqueue.New(readinessAdapter{client}, e.drainProcess)
	return e
}

// readinessAdapter narrows AgentClient down to readyqueue.ReadinessChecker.
type readinessAdapter struct{ c AgentClient }

func (r readinessAdapter) IsReady(ctx context.Context) bool { return r.c.IsReady(ctx) }

// drainProcess is the readyqueue.Processor the queue invokes for each
// buffered item once the upstream becomes ready.
func (e *Engine) drainProcess(ctx context.Context, message, config any) error {
	msg := message.(gatewaytypes.NormalizedMessage)
	cfg := config.(*gatewaytypes.ChannelConfig)
	return e.processAfterReady(ctx, msg, cfg)
}

// ProcessMessage is the canonical entry point from any adapter (spec.md
// §4.8, ProcessMessage).
func (e *Engine) ProcessMessage(ctx context.Context, msg gatewaytypes.NormalizedMessage) {
	cfg, ok, err := e.Configs.FindEnabledByID(ctx, msg.ConfigID)
	if err != nil {
		slog.Warn("engine.config_lookup_failed", "configId", msg.ConfigID, "err", err)
		return
	}
	if !ok {
		slog.Warn("engine.config_not_found_or_disabled", "configId", msg.ConfigID)
		return
	}

	if e.Decrypt != nil {
		decrypted, err := e.Decrypt(cfg.Credentials)
		if err != nil {
			slog.Warn("engine.credential_decrypt_failed", "configId", cfg.ID, "err", err)
			return
		}
		cfg.Credentials = decrypted
	}

	result := e.Limiter.Check(cfg.ID, msg.User.ID)
	if !result.Allowed {
		slog.Warn("engine.rate_limited", "configId", cfg.ID, "userId", msg.User.ID, "retryAfterMs", result.RetryAfter.Milliseconds())
		return
	}

	e.ProcessInner(ctx, msg, cfg)
}

// ProcessInner runs the full per-message pipeline (spec.md §4.8,
// ProcessInner), up to and including the readiness gate. If the upstream is
// not ready, the message is hand off to the Readiness Queue and this call
// returns once enqueued (the actual processing happens later, out of band,
// via drainProcess).
func (e *Engine) ProcessInner(ctx context.Context, msg gatewaytypes.NormalizedMessage, cfg *gatewaytypes.ChannelConfig) {
	a, ok := e.Adapters.Get(cfg.Platform)
	if !ok {
		slog.Error("engine.adapter_not_found", "platform", cfg.Platform, "configId", cfg.ID)
		return
	}

	e.Log.Append(messagelog.Inbound, cfg.ID, msg.ExternalID, msg.Content, msg.User.ID, msg.User.Name, "")

	releaseTyping := e.startTyping(ctx, a, cfg, msg)
	defer releaseTyping()

	if !e.Client.IsReady(ctx) {
		go func() {
			if err := e.Queue.Enqueue(context.Background(), readyQueueKey, msg, cfg); err != nil {
				slog.Warn("engine.readyqueue_rejected", "configId", cfg.ID, "err", err)
			}
		}()
		return
	}

	e.runPipeline(ctx, a, cfg, msg)
}

// processAfterReady is ProcessInner's continuation invoked by the Readiness
// Queue once the upstream is confirmed ready; the typing indicator and
// audit-inbound row were already handled by the original ProcessInner call
// that enqueued this item, so only the agent-facing pipeline runs here.
func (e *Engine) processAfterReady(ctx context.Context, msg gatewaytypes.NormalizedMessage, cfg *gatewaytypes.ChannelConfig) error {
	a, ok := e.Adapters.Get(cfg.Platform)
	if !ok {
		return fmt.Errorf("adapter not found for platform %q", cfg.Platform)
	}
	e.runPipeline(ctx, a, cfg, msg)
	return nil
}

// runPipeline executes steps 6-18 of spec.md §4.8: session resolve, prompt
// build, model resolution, file parts, snapshot, streaming, response
// delivery, file collection, reactions, and the outbound audit row.
func (e *Engine) runPipeline(ctx context.Context, a adapter.Adapter, cfg *gatewaytypes.ChannelConfig, msg gatewaytypes.NormalizedMessage) {
	start := time.Now()

	sessionID, err := e.Sessions.Resolve(ctx, cfg, &msg, e.Client)
	if err != nil {
		slog.Error("engine.session_resolve_failed", "configId", cfg.ID, "err", err)
		e.reactError(ctx, a, cfg, msg)
		return
	}

	agentName := ""
	if msg.Overrides != nil && msg.Overrides.AgentName != "" {
		agentName = msg.Overrides.AgentName
	} else if cfg.AgentName != "" {
		agentName = cfg.AgentName
	}

	prompt := buildPrompt(cfg, msg)
	model := resolveModel(cfg, msg)
	fileParts := buildFileParts(msg)

	filesBefore := make(map[string]bool)
	if before, err := e.Client.GetModifiedFiles(ctx); err == nil {
		for _, f := range before {
			filesBefore[f.Path] = true
		}
	}

	events, err := e.Client.PromptStream(ctx, sessionID, prompt, agentName, model, fileParts)
	if err != nil {
		slog.Error("engine.prompt_stream_open_failed", "configId", cfg.ID, "sessionId", sessionID, "err", err)
		e.reactError(ctx, a, cfg, msg)
		return
	}

	var responseText strings.Builder
	var collected []gatewaytypes.FileOutput
	streamErred := false

	for ev := range events {
		switch ev.Kind {
		case stream.KindText:
			responseText.WriteString(ev.Text)
		case stream.KindFile:
			collected = append(collected, gatewaytypes.FileOutput{Name: ev.FileName, URL: ev.FileURL, MimeType: ev.MimeType})
		case stream.KindPermission:
			if pa, ok := a.(adapter.PermissionAdapter); ok {
				approved := e.HandlePermissionEvent(ctx, cfg, msg, gatewaytypes.PermissionRequest{
					ID: ev.PermissionID, Tool: ev.PermissionTool, Description: ev.PermissionDescription,
				}, pa)
				slog.Info("engine.permission_resolved", "id", ev.PermissionID, "approved", approved)
			}
		case stream.KindError:
			slog.Error("engine.stream_error", "configId", cfg.ID, "sessionId", sessionID, "detail", ev.ErrData)
			streamErred = true
		}
	}

	if streamErred {
		e.reactError(ctx, a, cfg, msg)
		return
	}

	resp := gatewaytypes.AgentResponse{
		Content:    responseText.String(),
		SessionID:  sessionID,
		ModelName:  modelName(model),
		DurationMs: time.Since(start).Milliseconds(),
	}
	if err := a.SendResponse(ctx, cfg, msg, resp); err != nil {
		slog.Warn("engine.send_response_failed", "configId", cfg.ID, "err", err)
	}

	hadFiles := e.deliverCollectedFiles(ctx, a, cfg, msg, collected)
	if e.deliverDiffFiles(ctx, a, cfg, msg, filesBefore, collected) {
		hadFiles = true
	}

	if ra, ok := a.(adapter.ReactionAdapter); ok {
		if err := ra.ReactComplete(ctx, cfg, msg); err != nil {
			slog.Warn("engine.react_complete_failed", "configId", cfg.ID, "err", err)
		}
		if hadFiles {
			if err := ra.ReactFilesChanged(ctx, cfg, msg); err != nil {
				slog.Warn("engine.react_files_changed_failed", "configId", cfg.ID, "err", err)
			}
		}
	}

	e.Log.Append(messagelog.Outbound, cfg.ID, "", resp.Content, msg.User.ID, msg.User.Name, sessionID)
}

// deliverCollectedFiles downloads any collected FileOutput missing content
// and sends the non-empty remainder (step 13).
func (e *Engine) deliverCollectedFiles(ctx context.Context, a adapter.Adapter, cfg *gatewaytypes.ChannelConfig, msg gatewaytypes.NormalizedMessage, collected []gatewaytypes.FileOutput) bool {
	fa, ok := a.(adapter.FileAdapter)
	if !ok || len(collected) == 0 {
		return false
	}

	var ready []gatewaytypes.FileOutput
	for _, f := range collected {
		if f.HasContent() {
			ready = append(ready, f)
			continue
		}
		data, err := e.Client.DownloadFile(ctx, f.URL)
		if err != nil {
			slog.Warn("engine.download_collected_file_failed", "name", f.Name, "err", err)
			continue
		}
		f.Content = data
		ready = append(ready, f)
	}
	if len(ready) == 0 {
		return false
	}
	if err := fa.SendFiles(ctx, cfg, msg, ready); err != nil {
		slog.Warn("engine.send_files_failed", "configId", cfg.ID, "err", err)
		return false
	}
	return true
}

// deliverDiffFiles lists modified files again, excludes anything already
// seen before the turn or already collected, downloads and sends the rest
// (step 14).
func (e *Engine) deliverDiffFiles(ctx context.Context, a adapter.Adapter, cfg *gatewaytypes.ChannelConfig, msg gatewaytypes.NormalizedMessage, filesBefore map[string]bool, collected []gatewaytypes.FileOutput) bool {
	fa, ok := a.(adapter.FileAdapter)
	if !ok {
		return false
	}

	after, err := e.Client.GetModifiedFiles(ctx)
	if err != nil {
		slog.Warn("engine.post_snapshot_failed", "configId", cfg.ID, "err", err)
		return false
	}

	seenNames := make(map[string]bool, len(collected))
	for _, f := range collected {
		seenNames[f.Name] = true
	}

	var toSend []gatewaytypes.FileOutput
	for _, f := range after {
		if filesBefore[f.Path] || seenNames[f.Name] {
			continue
		}
		data, err := e.Client.DownloadFileByPath(ctx, f.Path)
		if err != nil {
			slog.Warn("engine.download_diff_file_failed", "path", f.Path, "err", err)
			continue
		}
		toSend = append(toSend, gatewaytypes.FileOutput{Name: f.Name, Content: data})
		seenNames[f.Name] = true
	}
	if len(toSend) == 0 {
		return false
	}
	if err := fa.SendFiles(ctx, cfg, msg, toSend); err != nil {
		slog.Warn("engine.send_diff_files_failed", "configId", cfg.ID, "err", err)
		return false
	}
	return true
}

func (e *Engine) reactError(ctx context.Context, a adapter.Adapter, cfg *gatewaytypes.ChannelConfig, msg gatewaytypes.NormalizedMessage) {
	if ra, ok := a.(adapter.ReactionAdapter); ok {
		if err := ra.ReactError(ctx, cfg, msg); err != nil {
			slog.Warn("engine.react_error_failed", "configId", cfg.ID, "err", err)
		}
	}
}

// startTyping fires the typing indicator (if supported) and returns the
// unconditional release function; the caller must defer it immediately so
// it fires on every exit path (spec.md §4.8 step 4, invariant in §8.8).
func (e *Engine) startTyping(ctx context.Context, a adapter.Adapter, cfg *gatewaytypes.ChannelConfig, msg gatewaytypes.NormalizedMessage) func() {
	ta, ok := a.(adapter.TypingAdapter)
	if !ok {
		return func() {}
	}
	go func() {
		if err := ta.SendTypingIndicator(ctx, cfg, msg); err != nil {
			slog.Warn("engine.typing_start_failed", "configId", cfg.ID, "err", err)
		}
	}()
	return func() {
		if err := ta.RemoveTypingIndicator(context.Background(), cfg, msg); err != nil {
			slog.Warn("engine.typing_stop_failed", "configId", cfg.ID, "err", err)
		}
	}
}

// HandlePermissionEvent is the Event Bridge (I): correlates an
// agent-originated permission request with an eventual user reply (spec.md
// §4.9).
func (e *Engine) HandlePermissionEvent(ctx context.Context, cfg *gatewaytypes.ChannelConfig, msg gatewaytypes.NormalizedMessage, req gatewaytypes.PermissionRequest, pa adapter.PermissionAdapter) bool {
	wait := e.Permissions.Create(req.ID)

	if err := pa.SendPermissionRequest(ctx, cfg, msg, req); err != nil {
		slog.Warn("engine.send_permission_request_failed", "id", req.ID, "err", err)
		e.Permissions.Reply(req.ID, false)
		approved := wait()
		e.Client.ReplyPermission(ctx, req.ID, approved)
		return approved
	}

	approved := wait()
	e.Client.ReplyPermission(ctx, req.ID, approved)
	return approved
}

// buildPrompt assembles the prompt string per spec.md §4.8 step 7.
func buildPrompt(cfg *gatewaytypes.ChannelConfig, msg gatewaytypes.NormalizedMessage) string {
	var parts []string

	if cfg.SystemPrompt != "" {
		parts = append(parts, cfg.SystemPrompt)
	}
	if channelPrompt, ok := cfg.ChannelPrompt(msg.GroupID); ok {
		parts = append(parts, "[Channel-specific instructions]\n"+channelPrompt)
	}
	switch cfg.Platform {
	case "slack", "telegram":
		parts = append(parts, "Format replies tersely, avoiding unnecessary markdown.")
	}

	metaLine := fmt.Sprintf("[Channel: %s | Chat: %s | User: %s]", cfg.Platform, msg.ChatType, msg.User.Name)
	parts = append(parts, metaLine)

	if len(msg.ThreadContext) > 0 {
		var b strings.Builder
		b.WriteString("[Thread context]\n")
		for i, turn := range msg.ThreadContext {
			if i > 0 {
				b.WriteString("\n")
			}
			sender := turn.Sender
			if turn.IsBot {
				sender = "Assistant"
			}
			b.WriteString(sender)
			b.WriteString(": ")
			b.WriteString(turn.Text)
		}
		parts = append(parts, b.String())
	}

	parts = append(parts, msg.Content)

	return strings.Join(parts, "\n\n")
}

// resolveModel applies per-message override > config pin > unset.
func resolveModel(cfg *gatewaytypes.ChannelConfig, msg gatewaytypes.NormalizedMessage) *gatewaytypes.ModelRef {
	if msg.Overrides != nil && msg.Overrides.Model != "" {
		if provider, model, ok := strings.Cut(msg.Overrides.Model, "/"); ok {
			return &gatewaytypes.ModelRef{ProviderID: provider, ModelID: model}
		}
	}
	if model, ok := cfg.Model(); ok {
		return &model
	}
	return nil
}

func modelName(m *gatewaytypes.ModelRef) string {
	if m == nil {
		return "default"
	}
	return m.ProviderID + "/" + m.ModelID
}

// buildFileParts maps attachments carrying a url to prompt file parts (step
// 9).
func buildFileParts(msg gatewaytypes.NormalizedMessage) []agentclient.FilePart {
	var parts []agentclient.FilePart
	for _, att := range msg.Attachments {
		if att.URL == "" {
			continue
		}
		mime := att.MimeType
		if mime == "" {
			mime = "application/octet-stream"
		}
		parts = append(parts, agentclient.FilePart{Type: "file", Mime: mime, URL: att.URL, Filename: att.Name})
	}
	return parts
}
