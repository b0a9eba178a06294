// Package adapter defines the capability surface every platform
// implementation (Slack, Discord, Telegram, …) must satisfy so the dispatch
// engine can drive it without platform-specific branches.
//
// Grounded on the teacher's channels.Channel / StreamingChannel /
// ReactionChannel split (internal/channels/channel.go): a small required
// interface plus optional capability interfaces the caller probes for with a
// type assertion, generalized from streaming/reactions to the full set
// spec.md §4.7 names (typing, reactions, files, permission prompts,
// lifecycle hooks).
package adapter

import (
	"context"
	"net/http"

	"github.com/chatbridge/gateway/internal/gatewaytypes"
)

// ConnectionType describes how an adapter receives inbound events.
type ConnectionType string

const (
	ConnectionWebhook ConnectionType = "webhook"
	ConnectionGateway ConnectionType = "gateway"
)

// Capabilities is the declared capability record an adapter reports so the
// engine can make formatting/chunking decisions without type-asserting.
type Capabilities struct {
	TextChunkLimit          int
	SupportsRichText        bool
	SupportsEditing         bool
	SupportsTypingIndicator bool
	SupportsAttachments     bool
	ConnectionType          ConnectionType
}

// Engine is the subset of the dispatch engine an adapter's HTTP routes need
// to hand off a decoded inbound event. Kept minimal and defined here (rather
// than importing internal/engine) to avoid an import cycle between adapter
// and engine.
type Engine interface {
	ProcessMessage(ctx context.Context, msg gatewaytypes.NormalizedMessage)
}

// Adapter is the minimal contract every platform implementation satisfies.
type Adapter interface {
	// Type returns the platform tag, e.g. "slack", "discord", "telegram".
	Type() string

	// Name returns a human-readable label for logs/UI.
	Name() string

	// Capabilities reports this adapter's fixed capability record.
	Capabilities() Capabilities

	// RegisterRoutes attaches this adapter's platform-specific HTTP routes
	// (typically a single webhook endpoint) to the host router. Decoded
	// events are handed to engine.ProcessMessage.
	RegisterRoutes(mux *http.ServeMux, engine Engine)

	// SendResponse delivers the agent's final text, respecting
	// Capabilities().TextChunkLimit.
	SendResponse(ctx context.Context, config *gatewaytypes.ChannelConfig, msg gatewaytypes.NormalizedMessage, resp gatewaytypes.AgentResponse) error

	// ValidateCredentials checks the decrypted credentials bag for this
	// platform and may mutate it in place to record derived fields (bot
	// user id, team id) discovered during validation.
	ValidateCredentials(ctx context.Context, credentials map[string]any) (valid bool, err error)
}

// TypingAdapter is an optional capability: platforms that can show a
// "typing…" indicator while the agent is working.
type TypingAdapter interface {
	SendTypingIndicator(ctx context.Context, config *gatewaytypes.ChannelConfig, msg gatewaytypes.NormalizedMessage) error
	RemoveTypingIndicator(ctx context.Context, config *gatewaytypes.ChannelConfig, msg gatewaytypes.NormalizedMessage) error
}

// ReactionAdapter is an optional capability: platforms that can attach a
// status reaction (emoji or equivalent) to the triggering message.
type ReactionAdapter interface {
	ReactComplete(ctx context.Context, config *gatewaytypes.ChannelConfig, msg gatewaytypes.NormalizedMessage) error
	ReactError(ctx context.Context, config *gatewaytypes.ChannelConfig, msg gatewaytypes.NormalizedMessage) error
	ReactFilesChanged(ctx context.Context, config *gatewaytypes.ChannelConfig, msg gatewaytypes.NormalizedMessage) error
}

// FileAdapter is an optional capability: platforms that can deliver file
// attachments alongside or instead of text.
type FileAdapter interface {
	SendFiles(ctx context.Context, config *gatewaytypes.ChannelConfig, msg gatewaytypes.NormalizedMessage, files []gatewaytypes.FileOutput) error
}

// PermissionAdapter is required by the permission bridge (§4.9); the engine
// skips the permission-prompt path entirely for adapters that don't
// implement it.
type PermissionAdapter interface {
	SendPermissionRequest(ctx context.Context, config *gatewaytypes.ChannelConfig, msg gatewaytypes.NormalizedMessage, req gatewaytypes.PermissionRequest) error
}

// LifecycleAdapter is an optional capability: platforms that want to react
// to a channel binding being created or removed (e.g. to post a greeting, or
// tear down a gateway connection).
type LifecycleAdapter interface {
	OnChannelCreated(ctx context.Context, config *gatewaytypes.ChannelConfig) error
	OnChannelRemoved(ctx context.Context, config *gatewaytypes.ChannelConfig) error
}

// Registry holds the adapters known to the process, keyed by platform tag.
// Grounded on the teacher's channels.Manager lookup-by-name pattern
// (internal/channels/manager.go).
type Registry struct {
	byType map[string]Adapter
}

// NewRegistry creates an empty adapter Registry.
func NewRegistry() *Registry {
	return &Registry{byType: make(map[string]Adapter)}
}

// Register adds an adapter, indexed by its Type().
func (r *Registry) Register(a Adapter) {
	r.byType[a.Type()] = a
}

// Get looks up an adapter by platform tag.
func (r *Registry) Get(platform string) (Adapter, bool) {
	a, ok := r.byType[platform]
	return a, ok
}

// All returns every registered adapter, in no particular order.
func (r *Registry) All() []Adapter {
	out := make([]Adapter, 0, len(r.byType))
	for _, a := range r.byType {
		out = append(out, a)
	}
	return out
}
