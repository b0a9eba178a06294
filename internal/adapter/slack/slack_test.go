package slack

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/chatbridge/gateway/internal/gatewaytypes"
	"github.com/slack-go/slack/slackevents"
)

func TestMentionStrippedRemovesAllMentions(t *testing.T) {
	got := mentionStripped("<@U123> hello <@U456> world")
	if got != "hello  world" && got != "hello world" {
		t.Fatalf("mentionStripped = %q", got)
	}
}

func TestChunkTextShortPassesThrough(t *testing.T) {
	chunks := chunkText("hello", 100)
	if len(chunks) != 1 || chunks[0] != "hello" {
		t.Fatalf("chunks = %+v", chunks)
	}
}

func TestChunkTextEmptyYieldsNoChunks(t *testing.T) {
	if chunks := chunkText("", 100); len(chunks) != 0 {
		t.Fatalf("chunks = %+v, want none", chunks)
	}
}

func TestChunkTextSplitsOnNewlineNearLimit(t *testing.T) {
	s := strings.Repeat("a", 10) + "\n" + strings.Repeat("b", 10)
	chunks := chunkText(s, 15)
	if len(chunks) != 2 {
		t.Fatalf("chunks = %+v, want 2", chunks)
	}
	if strings.Join(chunks, "") != s {
		t.Fatalf("chunks do not reassemble to original: %+v", chunks)
	}
}

func TestCompareSlackTSNumericNotLexicographic(t *testing.T) {
	// "1234567890.100000" lexicographically < "999999999.500000" (since '1' <
	// '9'), but numerically 1234567890 > 999999999. Confirms numeric
	// comparison, not string comparison.
	if compareSlackTS("1234567890.100000", "999999999.500000") <= 0 {
		t.Fatalf("expected 1234567890.1 to be numerically after 999999999.5")
	}
	if compareSlackTS("100.000002", "100.000001") <= 0 {
		t.Fatalf("expected equal-second timestamps to order by microseconds")
	}
	if compareSlackTS("100.000001", "100.000001") != 0 {
		t.Fatalf("expected identical timestamps to compare equal")
	}
}

func TestAttachmentTypeFromMime(t *testing.T) {
	cases := map[string]gatewaytypes.AttachmentType{
		"image/png":       gatewaytypes.AttachmentImage,
		"audio/mpeg":      gatewaytypes.AttachmentAudio,
		"video/mp4":       gatewaytypes.AttachmentVideo,
		"application/pdf": gatewaytypes.AttachmentFile,
	}
	for mime, want := range cases {
		if got := attachmentTypeFromMime(mime); got != want {
			t.Fatalf("attachmentTypeFromMime(%q) = %v, want %v", mime, got, want)
		}
	}
}

func TestAppMentionToMessageMarksMentioned(t *testing.T) {
	ev := &slackevents.AppMentionEvent{
		User: "U1", Text: "<@BOT> do thing", Channel: "C1", TimeStamp: "100.1",
	}
	msg := appMentionToMessage(ev)
	if !msg.Mentioned {
		t.Fatalf("expected Mentioned = true")
	}
	if msg.ChatType != gatewaytypes.ChatChannel {
		t.Fatalf("chatType = %v", msg.ChatType)
	}
	if msg.Content != "do thing" {
		t.Fatalf("content = %q", msg.Content)
	}
}

func TestMessageEventToMessageDetectsDM(t *testing.T) {
	ev := &slackevents.MessageEvent{User: "U1", Text: "hi", Channel: "D1", TimeStamp: "100.1"}
	msg := messageEventToMessage(ev)
	if msg.ChatType != gatewaytypes.ChatDM {
		t.Fatalf("chatType = %v, want dm for D-prefixed channel", msg.ChatType)
	}
}

func TestDecodeCredentials(t *testing.T) {
	c := decodeCredentials(map[string]any{"botToken": "xoxb-1", "signingSecret": "s3cr3t"})
	if c.BotToken != "xoxb-1" || c.SigningSecret != "s3cr3t" {
		t.Fatalf("decodeCredentials = %+v", c)
	}
}

func signBody(secret string, timestamp string, body []byte) string {
	base := "v0:" + timestamp + ":" + string(body)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(base))
	return "v0=" + hex.EncodeToString(mac.Sum(nil))
}

func TestHandleEventsRejectsBadSignature(t *testing.T) {
	cfg := &gatewaytypes.ChannelConfig{ID: "cfg1", Credentials: map[string]any{"botToken": "xoxb-1", "signingSecret": "correct-secret"}}
	a := New(fakeResolver{cfg: cfg})

	body := []byte(`{"type":"event_callback","team_id":"T1"}`)
	req := httptest.NewRequest(http.MethodPost, EventsPath, strings.NewReader(string(body)))
	req.Header.Set("X-Slack-Request-Timestamp", "1000000000")
	req.Header.Set("X-Slack-Signature", signBody("wrong-secret", "1000000000", body))

	rec := httptest.NewRecorder()
	a.handleEvents(nopEngine{})(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestHandleEventsAnswersURLVerification(t *testing.T) {
	secret := "correct-secret"
	cfg := &gatewaytypes.ChannelConfig{ID: "cfg1", Credentials: map[string]any{"botToken": "xoxb-1", "signingSecret": secret}}
	a := New(fakeResolver{cfg: cfg})

	body := []byte(`{"type":"url_verification","team_id":"T1","challenge":"abc123"}`)
	req := httptest.NewRequest(http.MethodPost, EventsPath, strings.NewReader(string(body)))
	req.Header.Set("X-Slack-Request-Timestamp", "1000000000")
	req.Header.Set("X-Slack-Signature", signBody(secret, "1000000000", body))

	rec := httptest.NewRecorder()
	a.handleEvents(nopEngine{})(rec, req)

	if rec.Code != http.StatusOK || rec.Body.String() != "abc123" {
		t.Fatalf("status=%d body=%q, want 200/abc123", rec.Code, rec.Body.String())
	}
}

type fakeResolver struct{ cfg *gatewaytypes.ChannelConfig }

func (f fakeResolver) ResolveByTeamID(ctx context.Context, teamID string) (*gatewaytypes.ChannelConfig, bool) {
	return f.cfg, true
}

type nopEngine struct{}

func (nopEngine) ProcessMessage(ctx context.Context, msg gatewaytypes.NormalizedMessage) {}
