// Package telegram is the Telegram platform adapter (spec.md §3 "Telegram",
// §4.7 Adapter Contract). Adapted from the teacher's
// internal/channels/telegram (github.com/mymmrac/telego long-polling bot):
// the polling loop, chat-id parsing, and forum-topic thread handling are
// carried over and generalized from bus.MessageBus publish to
// engine.ProcessMessage and the adapter.Adapter contract.
package telegram

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/chatbridge/gateway/internal/adapter"
	"github.com/chatbridge/gateway/internal/gatewaytypes"
	"github.com/chatbridge/gateway/internal/permissions"
)

const maxMessageLen = 4096

type credentials struct {
	Token string
}

func decodeCredentials(m map[string]any) credentials {
	c := credentials{}
	c.Token, _ = m["token"].(string)
	return c
}

type session struct {
	bot        *telego.Bot
	pollCancel context.CancelFunc
	pollDone   chan struct{}

	mu         sync.Mutex
	typingStop map[string]chan struct{} // "chatID" -> stop
}

// Adapter implements adapter.Adapter for Telegram.
type Adapter struct {
	mu       sync.Mutex
	sessions map[string]*session
	engine   adapter.Engine
}

func New() *Adapter {
	return &Adapter{sessions: make(map[string]*session)}
}

// BindEngine is called once at process wiring time; see the discord
// adapter's identical rationale.
func (a *Adapter) BindEngine(e adapter.Engine) { a.engine = e }

func (a *Adapter) Type() string { return "telegram" }
func (a *Adapter) Name() string { return "Telegram" }

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

// RegisterRoutes is a no-op: this adapter long-polls rather than receiving
// an HTTP webhook.
func (a *Adapter) RegisterRoutes(mux *http.ServeMux, engine adapter.Engine) {}

var (
	_ adapter.LifecycleAdapter  = (*Adapter)(nil)
	_ adapter.TypingAdapter     = (*Adapter)(nil)
	_ adapter.ReactionAdapter   = (*Adapter)(nil)
	_ adapter.FileAdapter       = (*Adapter)(nil)
	_ adapter.PermissionAdapter = (*Adapter)(nil)
)

func (a *Adapter) OnChannelCreated(ctx context.Context, cfg *gatewaytypes.ChannelConfig) error {
	creds := decodeCredentials(cfg.Credentials)
	bot, err := telego.NewBot(creds.Token)
	if err != nil {
		return fmt.Errorf("create telegram bot: %w", err)
	}

	pollCtx, cancel := context.WithCancel(context.Background())
	updates, err := bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message", "callback_query"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	sess := &session{bot: bot, pollCancel: cancel, pollDone: make(chan struct{}), typingStop: make(map[string]chan struct{})}

	go func() {
		defer close(sess.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				switch {
				case update.Message != nil:
					a.handleMessage(sess, cfg, update.Message)
				case update.CallbackQuery != nil:
					a.handleCallbackQuery(sess, update.CallbackQuery)
				}
			}
		}
	}()

	a.mu.Lock()
	a.sessions[cfg.ID] = sess
	a.mu.Unlock()
	return nil
}

func (a *Adapter) OnChannelRemoved(ctx context.Context, cfg *gatewaytypes.ChannelConfig) error {
	a.mu.Lock()
	sess, ok := a.sessions[cfg.ID]
	delete(a.sessions, cfg.ID)
	a.mu.Unlock()
	if !ok {
		return nil
	}
	sess.pollCancel()
	select {
	case <-sess.pollDone:
	case <-time.After(10 * time.Second):
	}
	return nil
}

func (a *Adapter) sessionFor(cfg *gatewaytypes.ChannelConfig) (*session, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	sess, ok := a.sessions[cfg.ID]
	return sess, ok
}

func (a *Adapter) handleMessage(sess *session, cfg *gatewaytypes.ChannelConfig, m *telego.Message) {
	if m.From == nil || m.From.IsBot {
		return
	}
	if m.Text == "" {
		return
	}

	chatType := gatewaytypes.ChatGroup
	if m.Chat.Type == "private" {
		chatType = gatewaytypes.ChatDM
	}

	mentioned := strings.Contains(m.Text, "@")
	if chatType != gatewaytypes.ChatDM && m.ReplyToMessage == nil && !mentioned {
		return // group mention gating: require @mention or reply, matching the teacher's default requireMention behavior
	}

	var attachments []gatewaytypes.Attachment
	if m.Document != nil {
		attachments = append(attachments, gatewaytypes.Attachment{Type: gatewaytypes.AttachmentFile, Name: m.Document.FileName, MimeType: m.Document.MimeType, Size: int64(m.Document.FileSize)})
	}
	if len(m.Photo) > 0 {
		largest := m.Photo[len(m.Photo)-1]
		attachments = append(attachments, gatewaytypes.Attachment{Type: gatewaytypes.AttachmentImage, Size: int64(largest.FileSize)})
	}

	threadID := 0
	if m.MessageThreadID != 0 {
		threadID = m.MessageThreadID
	}

	msg := gatewaytypes.NormalizedMessage{
		ExternalID:  fmt.Sprintf("%d", m.MessageID),
		Platform:    "telegram",
		ConfigID:    cfg.ID,
		ChatType:    chatType,
		Content:     m.Text,
		Attachments: attachments,
		User:        gatewaytypes.PlatformUser{ID: fmt.Sprintf("%d", m.From.ID), Name: displayName(m.From)},
		GroupID:     fmt.Sprintf("%d", m.Chat.ID),
		ThreadID:    fmt.Sprintf("%d", threadID),
		Mentioned:   mentioned,
		Raw:         map[string]any{"chatId": m.Chat.ID, "messageId": m.MessageID, "threadId": threadID},
	}

	a.engine.ProcessMessage(context.Background(), msg)
}

func displayName(u *telego.User) string {
	if u.Username != "" {
		return u.Username
	}
	if u.LastName != "" {
		return u.FirstName + " " + u.LastName
	}
	return u.FirstName
}

func chatIDAndThread(msg gatewaytypes.NormalizedMessage) (int64, int) {
	chatID, _ := msg.Raw["chatId"].(int64)
	threadID, _ := msg.Raw["threadId"].(int)
	return chatID, resolveThreadIDForSend(threadID)
}

// resolveThreadIDForSend omits Telegram's "General" topic id (1): the Bot
// API rejects explicit thread targeting of the default topic.
func resolveThreadIDForSend(threadID int) int {
	const generalTopicID = 1
	if threadID == generalTopicID {
		return 0
	}
	return threadID
}

func (a *Adapter) SendResponse(ctx context.Context, cfg *gatewaytypes.ChannelConfig, msg gatewaytypes.NormalizedMessage, resp gatewaytypes.AgentResponse) error {
	sess, ok := a.sessionFor(cfg)
	if !ok {
		return fmt.Errorf("no active telegram session for config %s", cfg.ID)
	}
	chatID, threadID := chatIDAndThread(msg)
	return sendChunked(ctx, sess.bot, chatID, threadID, resp.Content)
}

func sendChunked(ctx context.Context, bot *telego.Bot, chatID int64, threadID int, content string) error {
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
		params := tu.Message(tu.ID(chatID), chunk)
		if threadID != 0 {
			params.MessageThreadID = threadID
		}
		if _, err := bot.SendMessage(ctx, params); err != nil {
			return fmt.Errorf("send telegram message: %w", err)
		}
	}
	return nil
}

// SendFiles delivers file outputs as document uploads, one message per file.
func (a *Adapter) SendFiles(ctx context.Context, cfg *gatewaytypes.ChannelConfig, msg gatewaytypes.NormalizedMessage, files []gatewaytypes.FileOutput) error {
	sess, ok := a.sessionFor(cfg)
	if !ok {
		return fmt.Errorf("no active telegram session for config %s", cfg.ID)
	}
	chatID, threadID := chatIDAndThread(msg)
	for _, f := range files {
		if !f.HasContent() {
			continue
		}
		params := tu.Document(tu.ID(chatID), tu.FileFromBytes(f.Content, f.Name))
		if threadID != 0 {
			params.MessageThreadID = threadID
		}
		if _, err := sess.bot.SendDocument(ctx, params); err != nil {
			return fmt.Errorf("send telegram document %s: %w", f.Name, err)
		}
	}
	return nil
}

func (a *Adapter) ValidateCredentials(ctx context.Context, credentials map[string]any) (bool, error) {
	creds := decodeCredentials(credentials)
	if creds.Token == "" {
		return false, fmt.Errorf("telegram credentials require token")
	}
	bot, err := telego.NewBot(creds.Token)
	if err != nil {
		return false, err
	}
	me, err := bot.GetMe(ctx)
	if err != nil {
		return false, fmt.Errorf("telegram getMe: %w", err)
	}
	credentials["botUserId"] = fmt.Sprintf("%d", me.ID)
	return true, nil
}

// SendTypingIndicator sends the "typing" chat action, repeated every 4s
// (Telegram's indicator lasts ~5s) until RemoveTypingIndicator stops it.
func (a *Adapter) SendTypingIndicator(ctx context.Context, cfg *gatewaytypes.ChannelConfig, msg gatewaytypes.NormalizedMessage) error {
	sess, ok := a.sessionFor(cfg)
	if !ok {
		return nil
	}
	chatID, _ := chatIDAndThread(msg)
	key := fmt.Sprintf("%d", chatID)

	sess.mu.Lock()
	if stop, exists := sess.typingStop[key]; exists {
		close(stop)
	}
	stop := make(chan struct{})
	sess.typingStop[key] = stop
	sess.mu.Unlock()

	_ = sess.bot.SendChatAction(ctx, tu.ChatAction(tu.ID(chatID), telego.ChatActionTyping))
	go func() {
		ticker := time.NewTicker(4 * time.Second)
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
				_ = sess.bot.SendChatAction(context.Background(), tu.ChatAction(tu.ID(chatID), telego.ChatActionTyping))
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
	chatID, _ := chatIDAndThread(msg)
	key := fmt.Sprintf("%d", chatID)
	sess.mu.Lock()
	if stop, exists := sess.typingStop[key]; exists {
		close(stop)
		delete(sess.typingStop, key)
	}
	sess.mu.Unlock()
	return nil
}

func (a *Adapter) ReactComplete(ctx context.Context, cfg *gatewaytypes.ChannelConfig, msg gatewaytypes.NormalizedMessage) error {
	return a.react(ctx, cfg, msg, "👍")
}

func (a *Adapter) ReactError(ctx context.Context, cfg *gatewaytypes.ChannelConfig, msg gatewaytypes.NormalizedMessage) error {
	return a.react(ctx, cfg, msg, "👎")
}

func (a *Adapter) ReactFilesChanged(ctx context.Context, cfg *gatewaytypes.ChannelConfig, msg gatewaytypes.NormalizedMessage) error {
	return a.react(ctx, cfg, msg, "📄")
}

func (a *Adapter) react(ctx context.Context, cfg *gatewaytypes.ChannelConfig, msg gatewaytypes.NormalizedMessage, emoji string) error {
	sess, ok := a.sessionFor(cfg)
	if !ok {
		return nil
	}
	chatID, _ := chatIDAndThread(msg)
	messageID, _ := msg.Raw["messageId"].(int)
	if messageID == 0 {
		return nil
	}
	return sess.bot.SetMessageReaction(ctx, &telego.SetMessageReactionParams{
		ChatID:    tu.ID(chatID),
		MessageID: messageID,
		Reaction:  []telego.ReactionType{&telego.ReactionTypeEmoji{Type: telego.ReactionEmoji, Emoji: emoji}},
	})
}

// SendPermissionRequest posts an inline-keyboard prompt; callback_query data
// is "<permissionID>:approve|deny", decoded by handleCallbackQuery.
func (a *Adapter) SendPermissionRequest(ctx context.Context, cfg *gatewaytypes.ChannelConfig, msg gatewaytypes.NormalizedMessage, req gatewaytypes.PermissionRequest) error {
	sess, ok := a.sessionFor(cfg)
	if !ok {
		return fmt.Errorf("no active telegram session for config %s", cfg.ID)
	}
	chatID, threadID := chatIDAndThread(msg)

	text := fmt.Sprintf("Allow tool %s?", req.Tool)
	if req.Description != "" {
		text += "\n" + req.Description
	}
	keyboard := tu.InlineKeyboard(
		tu.InlineKeyboardRow(
			tu.InlineKeyboardButton("Approve").WithCallbackData(req.ID+":approve"),
			tu.InlineKeyboardButton("Deny").WithCallbackData(req.ID+":deny"),
		),
	)
	params := tu.Message(tu.ID(chatID), text).WithReplyMarkup(keyboard)
	if threadID != 0 {
		params.MessageThreadID = threadID
	}
	_, err := sess.bot.SendMessage(ctx, params)
	if err != nil {
		return fmt.Errorf("telegram permission prompt: %w", err)
	}
	return nil
}

func (a *Adapter) handleCallbackQuery(sess *session, cb *telego.CallbackQuery) {
	permID, action, ok := strings.Cut(cb.Data, ":")
	if !ok {
		return
	}
	permissions.Global().Reply(permID, action == "approve")
	_ = sess.bot.AnswerCallbackQuery(context.Background(), tu.CallbackQuery(cb.ID).WithText("Recorded."))
}
