package adapter

import (
	"context"
	"net/http"
	"testing"

	"github.com/chatbridge/gateway/internal/gatewaytypes"
)

type stubAdapter struct{ typ string }

func (s *stubAdapter) Type() string             { return s.typ }
func (s *stubAdapter) Name() string             { return s.typ }
func (s *stubAdapter) Capabilities() Capabilities {
	return Capabilities{TextChunkLimit: 2000, ConnectionType: ConnectionWebhook}
}
func (s *stubAdapter) RegisterRoutes(mux *http.ServeMux, engine Engine) {}
func (s *stubAdapter) SendResponse(ctx context.Context, config *gatewaytypes.ChannelConfig, msg gatewaytypes.NormalizedMessage, resp gatewaytypes.AgentResponse) error {
	return nil
}
func (s *stubAdapter) ValidateCredentials(ctx context.Context, credentials map[string]any) (bool, error) {
	return true, nil
}

func TestRegistryGetRoundTrip(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubAdapter{typ: "discord"})
	r.Register(&stubAdapter{typ: "telegram"})

	a, ok := r.Get("discord")
	if !ok || a.Type() != "discord" {
		t.Fatalf("expected discord adapter, got %+v ok=%v", a, ok)
	}
	if _, ok := r.Get("slack"); ok {
		t.Fatalf("expected slack to be absent")
	}
	if len(r.All()) != 2 {
		t.Fatalf("All() len = %d, want 2", len(r.All()))
	}
}

// typingStub implements the optional TypingAdapter capability to prove the
// probing pattern (x, ok := a.(TypingAdapter)) the engine relies on.
type typingStub struct{ stubAdapter }

func (t *typingStub) SendTypingIndicator(ctx context.Context, config *gatewaytypes.ChannelConfig, msg gatewaytypes.NormalizedMessage) error {
	return nil
}
func (t *typingStub) RemoveTypingIndicator(ctx context.Context, config *gatewaytypes.ChannelConfig, msg gatewaytypes.NormalizedMessage) error {
	return nil
}

func TestOptionalCapabilityProbing(t *testing.T) {
	var a Adapter = &typingStub{stubAdapter{typ: "slack"}}
	if _, ok := a.(TypingAdapter); !ok {
		t.Fatalf("expected typingStub to satisfy TypingAdapter")
	}
	var plain Adapter = &stubAdapter{typ: "discord"}
	if _, ok := plain.(TypingAdapter); ok {
		t.Fatalf("expected plain stubAdapter to NOT satisfy TypingAdapter")
	}
}
