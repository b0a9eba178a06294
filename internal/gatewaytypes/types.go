// Package gatewaytypes holds the data shapes shared between the dispatch
// engine, the adapters, and the agent client. Credentials/platformConfig/
// metadata/raw bags are carried as opaque maps — only the keys named in
// SPEC_FULL.md are ever read by the core.
package gatewaytypes

import "time"

// SessionStrategy controls how inbound messages are bucketed into upstream
// agent sessions.
type SessionStrategy string

const (
	StrategySingle    SessionStrategy = "single"
	StrategyPerUser   SessionStrategy = "per-user"
	StrategyPerThread SessionStrategy = "per-thread"
	StrategyPerMsg    SessionStrategy = "per-message"
)

// ModelRef pins a provider+model pair, e.g. stored under
// ChannelConfig.Metadata["model"].
type ModelRef struct {
	ProviderID string `json:"providerID"`
	ModelID    string `json:"modelID"`
}

// ChannelConfig is the hydrated configuration row for one bound chat surface.
// Owned by the (external) configuration store; the engine treats it as
// immutable during processing except for the explicit persist-model path.
type ChannelConfig struct {
	ID          string
	Platform    string // "slack", "discord", "telegram", …
	Name        string
	Enabled     bool
	Credentials map[string]any // decrypted
	PlatformCfg map[string]any // adapter-specific, keys inspected by adapters
	Metadata    map[string]any // contains "model" = {providerID, modelID} when pinned
	Strategy    SessionStrategy
	SystemPrompt string
	AgentName    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Model returns the pinned model ref from Metadata, if any and well-formed.
func (c *ChannelConfig) Model() (ModelRef, bool) {
	if c == nil || c.Metadata == nil {
		return ModelRef{}, false
	}
	raw, ok := c.Metadata["model"]
	if !ok {
		return ModelRef{}, false
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return ModelRef{}, false
	}
	provider, _ := m["providerID"].(string)
	model, _ := m["modelID"].(string)
	if provider == "" || model == "" {
		return ModelRef{}, false
	}
	return ModelRef{ProviderID: provider, ModelID: model}, true
}

// ChannelPrompt returns config.PlatformCfg.channelPrompts[groupID], if set.
func (c *ChannelConfig) ChannelPrompt(groupID string) (string, bool) {
	if c == nil || groupID == "" || c.PlatformCfg == nil {
		return "", false
	}
	raw, ok := c.PlatformCfg["channelPrompts"]
	if !ok {
		return "", false
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return "", false
	}
	prompt, ok := m[groupID].(string)
	if !ok || prompt == "" {
		return "", false
	}
	return prompt, true
}

// ChatType distinguishes the shape of the conversation a message arrived on.
type ChatType string

const (
	ChatDM      ChatType = "dm"
	ChatGroup   ChatType = "group"
	ChatChannel ChatType = "channel"
)

// AttachmentType categorizes an inbound attachment.
type AttachmentType string

const (
	AttachmentImage AttachmentType = "image"
	AttachmentAudio AttachmentType = "audio"
	AttachmentVideo AttachmentType = "video"
	AttachmentFile  AttachmentType = "file"
)

// Attachment is one inbound file reference.
type Attachment struct {
	Type     AttachmentType
	URL      string
	MimeType string
	Name     string
	Size     int64
}

// PlatformUser identifies the sender on their native platform.
type PlatformUser struct {
	ID     string
	Name   string
	Avatar string
}

// ThreadTurn is one line of rendered thread context.
type ThreadTurn struct {
	Sender string
	Text   string
	IsBot  bool
}

// Overrides are per-message overrides a platform surface may attach (e.g. a
// slash command selecting a model for one turn).
type Overrides struct {
	Model     string
	AgentName string
}

// NormalizedMessage is the adapter-produced input to the engine. Created
// fresh per inbound event; never mutated by the engine.
type NormalizedMessage struct {
	ExternalID    string
	Platform      string
	ConfigID      string
	ChatType      ChatType
	Content       string
	Attachments   []Attachment
	User          PlatformUser
	ThreadID      string // optional
	GroupID       string // optional
	Mentioned     bool
	ThreadContext []ThreadTurn // optional
	Overrides     *Overrides   // optional

	// Raw carries the platform payload through to the adapter that produced
	// this message, for reply targeting. The engine never inspects it except
	// to pass it back on Send* calls.
	Raw map[string]any
}

// AgentResponse is the final envelope delivered to the adapter.
type AgentResponse struct {
	Content     string
	SessionID   string
	Truncated   bool
	ModelName   string
	DurationMs  int64
}

// FileOutput is either a bare reference or a materialized artifact.
type FileOutput struct {
	Name     string
	URL      string
	MimeType string
	Content  []byte // nil until downloaded
}

// HasContent reports whether the file output carries materialized bytes.
func (f FileOutput) HasContent() bool { return len(f.Content) > 0 }

// PermissionRequest is an agent-originated prompt awaiting a user yes/no.
type PermissionRequest struct {
	ID          string
	Tool        string
	Description string
}
