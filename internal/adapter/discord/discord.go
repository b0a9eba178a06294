// Package discord is the Discord platform adapter (spec.md §3 "Discord",
// §4.7 Adapter Contract). Directly adapted from the teacher's
// internal/channels/discord (discordgo-based gateway connection): mention
// gating, chunked sending at Discord's 2000-char message ceiling, and typing
// indicators are carried over and generalized from the teacher's
// bus.MessageBus publish/subscribe shape to engine.ProcessMessage and the
// adapter.Adapter contract.
//
// Unlike Slack/webhook adapters, Discord is gateway-connected
// (adapter.ConnectionGateway): there is no RegisterRoutes handler to
// authenticate — the adapter opens one persistent discordgo.Session per
// bound ChannelConfig, via the optional LifecycleAdapter hooks.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/chatbridge/gateway/internal/adapter"
	"github.com/chatbridge/gateway/internal/gatewaytypes"
	"github.com/chatbridge/gateway/internal/permissions"
)

const maxMessageLen = 2000

// credentials is the typed view decoded from ChannelConfig.Credentials,
// mirroring the teacher's discordCreds ad-hoc decode
// (internal/channels/discord/factory.go).
type credentials struct {
	Token string
}

func decodeCredentials(m map[string]any) credentials {
	c := credentials{}
	c.Token, _ = m["token"].(string)
	return c
}

// session is the per-config gateway connection plus the bookkeeping the
// teacher's Channel kept inline (typing controllers, pending reactions).
type session struct {
	dg        *discordgo.Session
	botUserID string

	mu              sync.Mutex
	typingStop      map[string]chan struct{} // channelID -> stop signal
	pendingPermByID map[string]string        // messageID -> permission id
}

// Adapter implements adapter.Adapter for Discord.
type Adapter struct {
	mu       sync.Mutex
	sessions map[string]*session // configID -> session
	engine   adapter.Engine       // bound once via BindEngine at wiring time
}

// New creates an empty Discord adapter; sessions are opened per config via
// OnChannelCreated.
func New() *Adapter {
	return &Adapter{sessions: make(map[string]*session)}
}

func (a *Adapter) Type() string { return "discord" }
func (a *Adapter) Name() string { return "Discord" }

func (a *Adapter) Capabilities() adapter.Capabilities {
	return adapter.Capabilities{
		TextChunkLimit:          maxMessageLen,
		SupportsRichText:        false,
		SupportsEditing:         true,
		SupportsTypingIndicator: true,
		SupportsAttachments:     true,
		ConnectionType:          adapter.ConnectionGateway,
	}
}

// RegisterRoutes is a no-op: Discord events arrive over the gateway
// websocket opened in OnChannelCreated, not an HTTP callback.
func (a *Adapter) RegisterRoutes(mux *http.ServeMux, engine adapter.Engine) {}

var (
	_ adapter.LifecycleAdapter = (*Adapter)(nil)
	_ adapter.TypingAdapter    = (*Adapter)(nil)
	_ adapter.ReactionAdapter  = (*Adapter)(nil)
	_ adapter.PermissionAdapter = (*Adapter)(nil)
)

// OnChannelCreated opens the gateway session for cfg and starts handling
// messages, forwarding normalized ones to engine.ProcessMessage. The engine
// reference is recovered from the global registry indirection the spec
// requires adapters avoid storing — instead OnChannelCreated is invoked with
// the engine already bound via a closure set at registration time (see
// BindEngine).
func (a *Adapter) OnChannelCreated(ctx context.Context, cfg *gatewaytypes.ChannelConfig) error {
	return a.start(ctx, cfg, a.engine)
}

// engine is set once via BindEngine at process wiring time; OnChannelCreated
// needs a live engine reference because, unlike webhook adapters, the
// gateway connection is opened here rather than per-request.
func (a *Adapter) start(ctx context.Context, cfg *gatewaytypes.ChannelConfig, engine adapter.Engine) error {
	creds := decodeCredentials(cfg.Credentials)
	dg, err := discordgo.New("Bot " + creds.Token)
	if err != nil {
		return fmt.Errorf("create discord session: %w", err)
	}
	dg.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	sess := &session{
		dg:              dg,
		typingStop:      make(map[string]chan struct{}),
		pendingPermByID: make(map[string]string),
	}

	dg.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		a.handleMessage(sess, cfg, engine, m)
	})
	dg.AddHandler(func(s *discordgo.Session, ic *discordgo.InteractionCreate) {
		a.handleInteraction(sess, ic)
	})

	if err := dg.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}
	me, err := dg.User("@me")
	if err != nil {
		dg.Close()
		return fmt.Errorf("fetch discord bot identity: %w", err)
	}
	sess.botUserID = me.ID

	a.mu.Lock()
	a.sessions[cfg.ID] = sess
	a.mu.Unlock()
	return nil
}

// OnChannelRemoved closes the gateway session bound to cfg.
func (a *Adapter) OnChannelRemoved(ctx context.Context, cfg *gatewaytypes.ChannelConfig) error {
	a.mu.Lock()
	sess, ok := a.sessions[cfg.ID]
	delete(a.sessions, cfg.ID)
	a.mu.Unlock()
	if !ok {
		return nil
	}
	return sess.dg.Close()
}

// engine is bound once at process wiring time (cmd/), not per channel,
// since the core has exactly one upstream agent regardless of how many
// Discord bots are bound (spec.md §9).
func (a *Adapter) BindEngine(e adapter.Engine) { a.engine = e }

func (a *Adapter) handleMessage(sess *session, cfg *gatewaytypes.ChannelConfig, engine adapter.Engine, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == sess.botUserID || m.Author.Bot {
		return
	}

	isDM := m.GuildID == ""
	chatType := gatewaytypes.ChatChannel
	if isDM {
		chatType = gatewaytypes.ChatDM
	}

	mentioned := false
	for _, u := range m.Mentions {
		if u.ID == sess.botUserID {
			mentioned = true
			break
		}
	}
	if !isDM && !mentioned {
		return // group mention gating: silently drop, no history buffer in this core
	}

	var attachments []gatewaytypes.Attachment
	for _, att := range m.Attachments {
		attachments = append(attachments, gatewaytypes.Attachment{
			Type:     attachmentTypeFromContentType(att.ContentType),
			URL:      att.URL,
			MimeType: att.ContentType,
			Name:     att.Filename,
			Size:     att.Size,
		})
	}

	msg := gatewaytypes.NormalizedMessage{
		ExternalID:  m.ID,
		Platform:    "discord",
		ConfigID:    cfg.ID,
		ChatType:    chatType,
		Content:     m.Content,
		Attachments: attachments,
		User:        gatewaytypes.PlatformUser{ID: m.Author.ID, Name: resolveDisplayName(m)},
		GroupID:     m.GuildID,
		Mentioned:   mentioned,
		Raw:         map[string]any{"channelId": m.ChannelID, "messageId": m.ID},
	}

	engine.ProcessMessage(context.Background(), msg)
}

func attachmentTypeFromContentType(ct string) gatewaytypes.AttachmentType {
	switch {
	case strings.HasPrefix(ct, "image/"):
		return gatewaytypes.AttachmentImage
	case strings.HasPrefix(ct, "audio/"):
		return gatewaytypes.AttachmentAudio
	case strings.HasPrefix(ct, "video/"):
		return gatewaytypes.AttachmentVideo
	default:
		return gatewaytypes.AttachmentFile
	}
}

func resolveDisplayName(m *discordgo.MessageCreate) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if m.Author.GlobalName != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}

func (a *Adapter) sessionFor(cfg *gatewaytypes.ChannelConfig) (*session, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	sess, ok := a.sessions[cfg.ID]
	return sess, ok
}

// SendResponse sends resp.Content, chunked at the 2000-char message limit,
// splitting on the last newline before the limit when possible.
func (a *Adapter) SendResponse(ctx context.Context, cfg *gatewaytypes.ChannelConfig, msg gatewaytypes.NormalizedMessage, resp gatewaytypes.AgentResponse) error {
	sess, ok := a.sessionFor(cfg)
	if !ok {
		return fmt.Errorf("no active discord session for config %s", cfg.ID)
	}
	channelID, _ := msg.Raw["channelId"].(string)
	if channelID == "" {
		return fmt.Errorf("missing channelId on discord message")
	}
	return sendChunked(sess.dg, channelID, resp.Content)
}

func sendChunked(dg *discordgo.Session, channelID, content string) error {
	for len(content) > 0 {
		chunk := content
		if len(chunk) > maxMessageLen {
			cutAt := maxMessageLen
			if idx := strings.LastIndexByte(content[:maxMessageLen], '\n'); idx > maxMessageLen/2 {
				cutAt = idx + 1
			}
			chunk = content[:cutAt]
			content = content[cutAt:]
		} else {
			content = ""
		}
		if _, err := dg.ChannelMessageSend(channelID, chunk); err != nil {
			return fmt.Errorf("send discord message: %w", err)
		}
	}
	return nil
}

func (a *Adapter) ValidateCredentials(ctx context.Context, credentials map[string]any) (bool, error) {
	creds := decodeCredentials(credentials)
	if creds.Token == "" {
		return false, fmt.Errorf("discord credentials require token")
	}
	dg, err := discordgo.New("Bot " + creds.Token)
	if err != nil {
		return false, err
	}
	user, err := dg.User("@me")
	if err != nil {
		return false, fmt.Errorf("discord identity check: %w", err)
	}
	credentials["botUserId"] = user.ID
	return true, nil
}

// SendTypingIndicator fires ChannelTyping once and keeps it alive every 8s
// (Discord's indicator expires after ~10s) until RemoveTypingIndicator
// signals the stop channel, generalizing the teacher's typing.Controller
// keepalive/TTL idea (internal/channels/discord.go's typingCtrls usage) into
// an inline goroutine since the teacher's internal/channels/typing package
// itself was not present in the retrieved source.
func (a *Adapter) SendTypingIndicator(ctx context.Context, cfg *gatewaytypes.ChannelConfig, msg gatewaytypes.NormalizedMessage) error {
	sess, ok := a.sessionFor(cfg)
	if !ok {
		return nil
	}
	channelID, _ := msg.Raw["channelId"].(string)
	if channelID == "" {
		return nil
	}

	sess.mu.Lock()
	if stop, exists := sess.typingStop[channelID]; exists {
		close(stop)
	}
	stop := make(chan struct{})
	sess.typingStop[channelID] = stop
	sess.mu.Unlock()

	_ = sess.dg.ChannelTyping(channelID)
	go func() {
		ticker := time.NewTicker(8 * time.Second)
		defer ticker.Stop()
		deadline := time.NewTimer(60 * time.Second)
		defer deadline.Stop()
		for {
			select {
			case <-stop:
				return
			case <-deadline.C:
				return
			case <-ticker.C:
				_ = sess.dg.ChannelTyping(channelID)
			}
		}
	}()
	return nil
}

func (a *Adapter) RemoveTypingIndicator(ctx context.Context, cfg *gatewaytypes.ChannelConfig, msg gatewaytypes.NormalizedMessage) error {
	sess, ok := a.sessionFor(cfg)
	if !ok {
		return nil
	}
	channelID, _ := msg.Raw["channelId"].(string)
	sess.mu.Lock()
	if stop, exists := sess.typingStop[channelID]; exists {
		close(stop)
		delete(sess.typingStop, channelID)
	}
	sess.mu.Unlock()
	return nil
}

func (a *Adapter) ReactComplete(ctx context.Context, cfg *gatewaytypes.ChannelConfig, msg gatewaytypes.NormalizedMessage) error {
	return a.react(cfg, msg, "✅")
}

func (a *Adapter) ReactError(ctx context.Context, cfg *gatewaytypes.ChannelConfig, msg gatewaytypes.NormalizedMessage) error {
	return a.react(cfg, msg, "❌")
}

func (a *Adapter) ReactFilesChanged(ctx context.Context, cfg *gatewaytypes.ChannelConfig, msg gatewaytypes.NormalizedMessage) error {
	return a.react(cfg, msg, "📄")
}

func (a *Adapter) react(cfg *gatewaytypes.ChannelConfig, msg gatewaytypes.NormalizedMessage, emoji string) error {
	sess, ok := a.sessionFor(cfg)
	if !ok {
		return nil
	}
	channelID, _ := msg.Raw["channelId"].(string)
	messageID, _ := msg.Raw["messageId"].(string)
	if channelID == "" || messageID == "" {
		return nil
	}
	return sess.dg.MessageReactionAdd(channelID, messageID, emoji)
}

// SendPermissionRequest posts a message with Approve/Deny buttons and
// records the permission id keyed by the sent message's id so the
// InteractionCreate handler can correlate the click.
func (a *Adapter) SendPermissionRequest(ctx context.Context, cfg *gatewaytypes.ChannelConfig, msg gatewaytypes.NormalizedMessage, req gatewaytypes.PermissionRequest) error {
	sess, ok := a.sessionFor(cfg)
	if !ok {
		return fmt.Errorf("no active discord session for config %s", cfg.ID)
	}
	channelID, _ := msg.Raw["channelId"].(string)
	if channelID == "" {
		return fmt.Errorf("missing channelId")
	}

	text := fmt.Sprintf("Allow tool **%s**?", req.Tool)
	if req.Description != "" {
		text += "\n" + req.Description
	}

	sent, err := sess.dg.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{
		Content: text,
		Components: []discordgo.MessageComponent{
			discordgo.ActionsRow{Components: []discordgo.MessageComponent{
				discordgo.Button{Label: "Approve", Style: discordgo.SuccessButton, CustomID: "perm_approve_" + req.ID},
				discordgo.Button{Label: "Deny", Style: discordgo.DangerButton, CustomID: "perm_deny_" + req.ID},
			}},
		},
	})
	if err != nil {
		return fmt.Errorf("discord permission prompt: %w", err)
	}

	sess.mu.Lock()
	sess.pendingPermByID[sent.ID] = req.ID
	sess.mu.Unlock()
	return nil
}

func (a *Adapter) handleInteraction(sess *session, ic *discordgo.InteractionCreate) {
	if ic.Type != discordgo.InteractionMessageComponent {
		return
	}
	customID := ic.MessageComponentData().CustomID
	approved := strings.HasPrefix(customID, "perm_approve_")
	rejected := strings.HasPrefix(customID, "perm_deny_")
	if !approved && !rejected {
		return
	}

	permID := strings.TrimPrefix(strings.TrimPrefix(customID, "perm_approve_"), "perm_deny_")
	permissions.Global().Reply(permID, approved)

	_ = sess.dg.InteractionRespond(ic.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseUpdateMessage,
		Data: &discordgo.InteractionResponseData{Content: "Recorded.", Components: []discordgo.MessageComponent{}},
	})
}
