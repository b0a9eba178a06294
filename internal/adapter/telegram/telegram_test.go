package telegram

import (
	"strings"
	"testing"

	"github.com/mymmrac/telego"
)

func TestDecodeCredentials(t *testing.T) {
	c := decodeCredentials(map[string]any{"token": "123:ABC"})
	if c.Token != "123:ABC" {
		t.Fatalf("decodeCredentials = %+v", c)
	}
}

func TestDisplayNamePrefersUsername(t *testing.T) {
	u := &telego.User{Username: "bob", FirstName: "Bo", LastName: "B"}
	if got := displayName(u); got != "bob" {
		t.Fatalf("displayName = %q, want bob", got)
	}
}

func TestDisplayNameFallsBackToFullName(t *testing.T) {
	u := &telego.User{FirstName: "Bo", LastName: "B"}
	if got := displayName(u); got != "Bo B" {
		t.Fatalf("displayName = %q, want Bo B", got)
	}
}

func TestDisplayNameFallsBackToFirstNameOnly(t *testing.T) {
	u := &telego.User{FirstName: "Bo"}
	if got := displayName(u); got != "Bo" {
		t.Fatalf("displayName = %q, want Bo", got)
	}
}

func TestResolveThreadIDForSendOmitsGeneralTopic(t *testing.T) {
	if got := resolveThreadIDForSend(1); got != 0 {
		t.Fatalf("resolveThreadIDForSend(1) = %d, want 0", got)
	}
	if got := resolveThreadIDForSend(42); got != 42 {
		t.Fatalf("resolveThreadIDForSend(42) = %d, want 42", got)
	}
	if got := resolveThreadIDForSend(0); got != 0 {
		t.Fatalf("resolveThreadIDForSend(0) = %d, want 0", got)
	}
}

// splitLikeSendChunked mirrors sendChunked's pure splitting rule without
// requiring a live *telego.Bot, matching the approach used for the Discord
// adapter's equivalent test.
func splitLikeSendChunked(content string, limit int) []string {
	var chunks []string
	for len(content) > 0 {
		chunk := content
		if len(chunk) > limit {
			cutAt := limit
			if idx := strings.LastIndexByte(content[:limit], '\n'); idx > limit/2 {
				cutAt = idx + 1
			}
			chunk = content[:cutAt]
			content = content[cutAt:]
		} else {
			content = ""
		}
		chunks = append(chunks, chunk)
	}
	return chunks
}

func TestChunkBoundaryPrefersNewlineNearLimit(t *testing.T) {
	content := strings.Repeat("a", 4000) + "\n" + strings.Repeat("b", 200)
	chunks := splitLikeSendChunked(content, maxMessageLen)
	if len(chunks) != 2 {
		t.Fatalf("chunks = %d, want 2", len(chunks))
	}
	if strings.Join(chunks, "") != content {
		t.Fatalf("chunks do not reassemble to original")
	}
	for _, c := range chunks {
		if len(c) > maxMessageLen {
			t.Fatalf("chunk exceeds limit: %d", len(c))
		}
	}
}

func TestChunkBoundaryNoNewlineHardCuts(t *testing.T) {
	content := strings.Repeat("a", maxMessageLen+100)
	chunks := splitLikeSendChunked(content, maxMessageLen)
	if len(chunks) != 2 {
		t.Fatalf("chunks = %d, want 2", len(chunks))
	}
	if len(chunks[0]) != maxMessageLen {
		t.Fatalf("first chunk = %d, want hard cut at %d", len(chunks[0]), maxMessageLen)
	}
}

func TestCallbackDataRoundTrips(t *testing.T) {
	permID, action, ok := strings.Cut("perm-abc123:approve", ":")
	if !ok || permID != "perm-abc123" || action != "approve" {
		t.Fatalf("cut = %q %q %v", permID, action, ok)
	}
}
