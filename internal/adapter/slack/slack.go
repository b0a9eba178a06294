// Package slack is the Slack platform adapter (spec.md §3 "Slack", §4.7
// Adapter Contract). The teacher carries no Slack integration; this package
// is enriched from haasonsaas-nexus's internal/channels/slack, which wires
// github.com/slack-go/slack — written fresh in the teacher's adapter idiom
// (webhook-registered HTTP routes, not nexus's Socket Mode client) rather
// than copied verbatim.
//
// Unlike nexus's long-lived Socket Mode connection, this adapter is
// webhook-driven (adapter.ConnectionWebhook): Slack POSTs Events API
// callbacks and interactivity payloads to RegisterRoutes' two routes, each
// verified with slack.NewSecretsVerifier before any event is trusted.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/chatbridge/gateway/internal/adapter"
	"github.com/chatbridge/gateway/internal/gatewaytypes"
	"github.com/chatbridge/gateway/internal/permissions"
	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
)

// EventsPath and InteractionsPath are the two routes this adapter attaches.
const (
	EventsPath       = "/webhooks/slack/events"
	InteractionsPath = "/webhooks/slack/interactions"
)

// ConfigResolver maps an inbound Slack team id to the bound ChannelConfig.
// The core's ConfigStore only looks up by id (spec.md §6); resolving the
// team id carried on every webhook payload to that id is adapter-specific
// routing glue, explicitly out of scope for the core (spec.md §1) and so
// lives here rather than on engine.ConfigStore.
type ConfigResolver interface {
	ResolveByTeamID(ctx context.Context, teamID string) (cfg *gatewaytypes.ChannelConfig, ok bool)
}

// credentials is the typed view this adapter decodes from
// ChannelConfig.Credentials, mirroring the teacher's discordCreds /
// discordInstanceConfig ad-hoc decode pattern (internal/channels/discord/factory.go)
// generalized from json.RawMessage to the core's map[string]any bags.
type credentials struct {
	BotToken      string
	SigningSecret string
}

func decodeCredentials(m map[string]any) credentials {
	c := credentials{}
	c.BotToken, _ = m["botToken"].(string)
	c.SigningSecret, _ = m["signingSecret"].(string)
	return c
}

// Adapter implements adapter.Adapter for Slack.
type Adapter struct {
	resolver ConfigResolver
}

// New creates a Slack adapter. resolver is used only to authenticate and
// route inbound webhook deliveries; outbound calls build a fresh
// slack.Client per request from the already-hydrated ChannelConfig the
// engine passes to SendResponse et al.
func New(resolver ConfigResolver) *Adapter {
	return &Adapter{resolver: resolver}
}

func (a *Adapter) Type() string { return "slack" }
func (a *Adapter) Name() string { return "Slack" }

func (a *Adapter) Capabilities() adapter.Capabilities {
	return adapter.Capabilities{
		// Slack truncates block text at 3000 chars per text object; chunk
		// there rather than the 40000-char whole-message ceiling.
		TextChunkLimit:          3000,
		SupportsRichText:        true,
		SupportsEditing:         false,
		SupportsTypingIndicator: false, // Events API bots have no typing indicator (RTM-only, deprecated)
		SupportsAttachments:     true,
		ConnectionType:          adapter.ConnectionWebhook,
	}
}

func (a *Adapter) RegisterRoutes(mux *http.ServeMux, engine adapter.Engine) {
	mux.HandleFunc(EventsPath, a.handleEvents(engine))
	mux.HandleFunc(InteractionsPath, a.handleInteractions())
}

// handleEvents verifies the request signature against the resolved config's
// signing secret, answers the one-time URL verification handshake, and
// forwards decoded messages to engine.ProcessMessage.
func (a *Adapter) handleEvents(engine adapter.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "read body", http.StatusBadRequest)
			return
		}

		var outer struct {
			Type   string `json:"type"`
			TeamID string `json:"team_id"`
		}
		if err := json.Unmarshal(body, &outer); err != nil {
			http.Error(w, "malformed payload", http.StatusBadRequest)
			return
		}

		cfg, ok := a.resolver.ResolveByTeamID(r.Context(), outer.TeamID)
		if !ok {
			http.Error(w, "unknown team", http.StatusNotFound)
			return
		}
		creds := decodeCredentials(cfg.Credentials)

		verifier, err := slack.NewSecretsVerifier(r.Header, creds.SigningSecret)
		if err != nil || verifier.Write(body) != nil || verifier.Ensure() != nil {
			http.Error(w, "signature verification failed", http.StatusUnauthorized)
			return
		}

		ev, err := slackevents.ParseEvent(json.RawMessage(body), slackevents.OptionNoVerifyToken())
		if err != nil {
			http.Error(w, "decode event", http.StatusBadRequest)
			return
		}

		if ev.Type == slackevents.URLVerification {
			var uv slackevents.EventsAPIURLVerificationEvent
			if err := json.Unmarshal(body, &uv); err == nil {
				w.Header().Set("Content-Type", "text/plain")
				_, _ = w.Write([]byte(uv.Challenge))
				return
			}
		}

		w.WriteHeader(http.StatusOK) // ack within Slack's 3s budget; process async

		if ev.Type != slackevents.CallbackEvent {
			return
		}
		switch inner := ev.InnerEvent.Data.(type) {
		case *slackevents.AppMentionEvent:
			go a.dispatch(engine, cfg, creds, appMentionToMessage(inner), true)
		case *slackevents.MessageEvent:
			if inner.BotID != "" || (inner.SubType != "" && inner.SubType != "file_share") {
				return
			}
			go a.dispatch(engine, cfg, creds, messageEventToMessage(inner), strings.HasPrefix(inner.Channel, "D"))
		}
	}
}

// dispatch finishes building the NormalizedMessage (thread context, config
// id) and hands it to the engine.
func (a *Adapter) dispatch(engine adapter.Engine, cfg *gatewaytypes.ChannelConfig, creds credentials, msg gatewaytypes.NormalizedMessage, isDMOrMention bool) {
	msg.ConfigID = cfg.ID
	msg.Platform = "slack"
	if msg.ThreadID != "" {
		msg.ThreadContext = fetchThreadContext(context.Background(), creds.BotToken, msg.GroupID, msg.ThreadID, msg.ExternalID)
	}
	engine.ProcessMessage(context.Background(), msg)
}

func mentionStripped(text string) string {
	for strings.Contains(text, "<@") {
		start := strings.Index(text, "<@")
		end := strings.Index(text[start:], ">")
		if end == -1 {
			break
		}
		text = text[:start] + text[start+end+1:]
	}
	return strings.TrimSpace(text)
}

func appMentionToMessage(ev *slackevents.AppMentionEvent) gatewaytypes.NormalizedMessage {
	threadTS := ev.ThreadTimeStamp
	return gatewaytypes.NormalizedMessage{
		ExternalID: ev.TimeStamp,
		ChatType:   gatewaytypes.ChatChannel,
		Content:    mentionStripped(ev.Text),
		User:       gatewaytypes.PlatformUser{ID: ev.User},
		GroupID:    ev.Channel,
		ThreadID:   threadTS,
		Mentioned:  true,
		Raw:        map[string]any{"channel": ev.Channel, "ts": ev.TimeStamp, "threadTs": threadTS},
	}
}

func messageEventToMessage(ev *slackevents.MessageEvent) gatewaytypes.NormalizedMessage {
	chatType := gatewaytypes.ChatChannel
	if strings.HasPrefix(ev.Channel, "D") {
		chatType = gatewaytypes.ChatDM
	}
	threadTS := ev.ThreadTimeStamp

	var attachments []gatewaytypes.Attachment
	if ev.Message != nil {
		for _, f := range ev.Message.Files {
			attachments = append(attachments, gatewaytypes.Attachment{
				Type:     attachmentTypeFromMime(f.Mimetype),
				URL:      f.URLPrivateDownload,
				MimeType: f.Mimetype,
				Name:     f.Name,
				Size:     int64(f.Size),
			})
		}
	}

	return gatewaytypes.NormalizedMessage{
		ExternalID:  ev.TimeStamp,
		ChatType:    chatType,
		Content:     mentionStripped(ev.Text),
		Attachments: attachments,
		User:        gatewaytypes.PlatformUser{ID: ev.User},
		GroupID:     ev.Channel,
		ThreadID:    threadTS,
		Raw:         map[string]any{"channel": ev.Channel, "ts": ev.TimeStamp, "threadTs": threadTS},
	}
}

func attachmentTypeFromMime(mime string) gatewaytypes.AttachmentType {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return gatewaytypes.AttachmentImage
	case strings.HasPrefix(mime, "audio/"):
		return gatewaytypes.AttachmentAudio
	case strings.HasPrefix(mime, "video/"):
		return gatewaytypes.AttachmentVideo
	default:
		return gatewaytypes.AttachmentFile
	}
}

// fetchThreadContext pulls prior replies in the thread and renders them as
// ThreadTurns, oldest first. Slack timestamps are "<seconds>.<microseconds>"
// strings; spec.md §9's open question on ordering them is resolved here by
// comparing numerically (split on ".", compare integer seconds then
// microseconds) rather than lexicographically, since lexicographic
// comparison misorders timestamps once the integer part's digit count
// differs.
func fetchThreadContext(ctx context.Context, botToken, channel, threadTS, beforeTS string) []gatewaytypes.ThreadTurn {
	if botToken == "" || channel == "" || threadTS == "" {
		return nil
	}
	client := slack.New(botToken)
	msgs, _, _, err := client.GetConversationRepliesContext(ctx, &slack.GetConversationRepliesParameters{
		ChannelID: channel,
		Timestamp: threadTS,
		Limit:     50,
	})
	if err != nil {
		slog.Warn("slack.thread_context_fetch_failed", "channel", channel, "err", err)
		return nil
	}

	sort.Slice(msgs, func(i, j int) bool { return compareSlackTS(msgs[i].Timestamp, msgs[j].Timestamp) < 0 })

	var turns []gatewaytypes.ThreadTurn
	for _, m := range msgs {
		if compareSlackTS(m.Timestamp, beforeTS) >= 0 {
			continue
		}
		turns = append(turns, gatewaytypes.ThreadTurn{
			Sender: m.User,
			Text:   mentionStripped(m.Text),
			IsBot:  m.BotID != "",
		})
	}
	return turns
}

// compareSlackTS returns -1, 0, 1 comparing two Slack timestamps
// numerically: integer seconds, then integer microseconds.
func compareSlackTS(a, b string) int {
	aSec, aUsec := splitSlackTS(a)
	bSec, bUsec := splitSlackTS(b)
	if aSec != bSec {
		if aSec < bSec {
			return -1
		}
		return 1
	}
	if aUsec != bUsec {
		if aUsec < bUsec {
			return -1
		}
		return 1
	}
	return 0
}

func splitSlackTS(ts string) (sec, usec int64) {
	whole, frac, _ := strings.Cut(ts, ".")
	sec, _ = strconv.ParseInt(whole, 10, 64)
	usec, _ = strconv.ParseInt(frac, 10, 64)
	return sec, usec
}

// handleInteractions verifies and decodes button-click payloads from
// permission prompts, resolving the pending entry in the process-wide
// Permission Registry (internal/permissions) directly — the adapter never
// holds a reference to the engine that created the request (spec.md §9
// "cyclic references").
func (a *Adapter) handleInteractions() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "read body", http.StatusBadRequest)
			return
		}

		values, err := url.ParseQuery(string(body))
		if err != nil {
			http.Error(w, "malformed payload", http.StatusBadRequest)
			return
		}
		var cb slack.InteractionCallback
		if err := json.Unmarshal([]byte(values.Get("payload")), &cb); err != nil {
			http.Error(w, "decode interaction", http.StatusBadRequest)
			return
		}

		cfg, ok := a.resolver.ResolveByTeamID(r.Context(), cb.Team.ID)
		if !ok {
			http.Error(w, "unknown team", http.StatusNotFound)
			return
		}
		creds := decodeCredentials(cfg.Credentials)
		verifier, err := slack.NewSecretsVerifier(r.Header, creds.SigningSecret)
		if err != nil || verifier.Write(body) != nil || verifier.Ensure() != nil {
			http.Error(w, "signature verification failed", http.StatusUnauthorized)
			return
		}

		w.WriteHeader(http.StatusOK)

		for _, action := range cb.ActionCallback.BlockActions {
			permID, approved, ok := strings.Cut(action.Value, ":")
			if !ok {
				continue
			}
			permissions.Global().Reply(permID, approved == "approve")
		}
	}
}

// SendResponse posts resp.Content as one or more chat.postMessage calls,
// chunked at Capabilities().TextChunkLimit, replying in-thread when the
// triggering message carried a thread id.
func (a *Adapter) SendResponse(ctx context.Context, cfg *gatewaytypes.ChannelConfig, msg gatewaytypes.NormalizedMessage, resp gatewaytypes.AgentResponse) error {
	creds := decodeCredentials(cfg.Credentials)
	client := slack.New(creds.BotToken)

	channel, _ := msg.Raw["channel"].(string)
	if channel == "" {
		channel = msg.GroupID
	}

	limit := a.Capabilities().TextChunkLimit
	chunks := chunkText(resp.Content, limit)
	if len(chunks) == 0 {
		chunks = []string{""}
	}

	opts := []slack.MsgOption{}
	if ts := replyTS(msg); ts != "" {
		opts = append(opts, slack.MsgOptionTS(ts))
	}
	for _, chunk := range chunks {
		callOpts := append(append([]slack.MsgOption{}, opts...), slack.MsgOptionText(chunk, false))
		if _, _, err := client.PostMessageContext(ctx, channel, callOpts...); err != nil {
			return fmt.Errorf("slack postMessage: %w", err)
		}
	}
	return nil
}

func replyTS(msg gatewaytypes.NormalizedMessage) string {
	if msg.ThreadID != "" {
		return msg.ThreadID
	}
	ts, _ := msg.Raw["ts"].(string)
	return ts
}

func chunkText(s string, limit int) []string {
	if limit <= 0 || len(s) <= limit {
		if s == "" {
			return nil
		}
		return []string{s}
	}
	var chunks []string
	for len(s) > limit {
		cut := limit
		if idx := strings.LastIndexByte(s[:limit], '\n'); idx > limit/2 {
			cut = idx
		}
		chunks = append(chunks, s[:cut])
		s = s[cut:]
	}
	if s != "" {
		chunks = append(chunks, s)
	}
	return chunks
}

// ValidateCredentials calls auth.test to confirm the bot token is live, and
// records the resolved team id back into the credentials bag.
func (a *Adapter) ValidateCredentials(ctx context.Context, credentials map[string]any) (bool, error) {
	creds := decodeCredentials(credentials)
	if creds.BotToken == "" || creds.SigningSecret == "" {
		return false, fmt.Errorf("slack credentials require botToken and signingSecret")
	}
	client := slack.New(creds.BotToken)
	auth, err := client.AuthTestContext(ctx)
	if err != nil {
		return false, fmt.Errorf("slack auth.test: %w", err)
	}
	credentials["teamId"] = auth.TeamID
	credentials["botUserId"] = auth.UserID
	return true, nil
}

var _ adapter.ReactionAdapter = (*Adapter)(nil)
var _ adapter.FileAdapter = (*Adapter)(nil)
var _ adapter.PermissionAdapter = (*Adapter)(nil)

func (a *Adapter) ReactComplete(ctx context.Context, cfg *gatewaytypes.ChannelConfig, msg gatewaytypes.NormalizedMessage) error {
	return a.react(ctx, cfg, msg, "white_check_mark")
}

func (a *Adapter) ReactError(ctx context.Context, cfg *gatewaytypes.ChannelConfig, msg gatewaytypes.NormalizedMessage) error {
	return a.react(ctx, cfg, msg, "x")
}

func (a *Adapter) ReactFilesChanged(ctx context.Context, cfg *gatewaytypes.ChannelConfig, msg gatewaytypes.NormalizedMessage) error {
	return a.react(ctx, cfg, msg, "page_facing_up")
}

func (a *Adapter) react(ctx context.Context, cfg *gatewaytypes.ChannelConfig, msg gatewaytypes.NormalizedMessage, emoji string) error {
	creds := decodeCredentials(cfg.Credentials)
	client := slack.New(creds.BotToken)
	channel, _ := msg.Raw["channel"].(string)
	ts, _ := msg.Raw["ts"].(string)
	if channel == "" || ts == "" {
		return nil
	}
	return client.AddReactionContext(ctx, emoji, slack.ItemRef{Channel: channel, Timestamp: ts})
}

// SendFiles uploads each file via files.upload, threaded alongside the
// response.
func (a *Adapter) SendFiles(ctx context.Context, cfg *gatewaytypes.ChannelConfig, msg gatewaytypes.NormalizedMessage, files []gatewaytypes.FileOutput) error {
	creds := decodeCredentials(cfg.Credentials)
	client := slack.New(creds.BotToken)
	channel, _ := msg.Raw["channel"].(string)
	if channel == "" {
		channel = msg.GroupID
	}

	for _, f := range files {
		params := slack.UploadFileV2Parameters{
			Channel:  channel,
			Filename: f.Name,
			FileSize: len(f.Content),
			Reader:   bytes.NewReader(f.Content),
		}
		if ts := replyTS(msg); ts != "" {
			params.ThreadTimestamp = ts
		}
		if _, err := client.UploadFileV2Context(ctx, params); err != nil {
			return fmt.Errorf("slack uploadFileV2 %s: %w", f.Name, err)
		}
	}
	return nil
}

// SendPermissionRequest posts an interactive Block Kit message with
// Approve/Deny buttons; button value is "<permissionID>:approve|deny",
// decoded by handleInteractions.
func (a *Adapter) SendPermissionRequest(ctx context.Context, cfg *gatewaytypes.ChannelConfig, msg gatewaytypes.NormalizedMessage, req gatewaytypes.PermissionRequest) error {
	creds := decodeCredentials(cfg.Credentials)
	client := slack.New(creds.BotToken)
	channel, _ := msg.Raw["channel"].(string)
	if channel == "" {
		channel = msg.GroupID
	}

	text := fmt.Sprintf("Allow tool *%s*?", req.Tool)
	if req.Description != "" {
		text += "\n" + req.Description
	}
	approve := slack.NewButtonBlockElement("approve", req.ID+":approve", slack.NewTextBlockObject("plain_text", "Approve", false, false))
	approve.Style = slack.StylePrimary
	deny := slack.NewButtonBlockElement("deny", req.ID+":deny", slack.NewTextBlockObject("plain_text", "Deny", false, false))
	deny.Style = slack.StyleDanger

	blocks := []slack.Block{
		slack.NewSectionBlock(slack.NewTextBlockObject("mrkdwn", text, false, false), nil, nil),
		slack.NewActionBlock("permission_"+req.ID, approve, deny),
	}

	opts := []slack.MsgOption{slack.MsgOptionBlocks(blocks...)}
	if ts := replyTS(msg); ts != "" {
		opts = append(opts, slack.MsgOptionTS(ts))
	}
	_, _, err := client.PostMessageContext(ctx, channel, opts...)
	if err != nil {
		return fmt.Errorf("slack permission prompt: %w", err)
	}
	return nil
}
