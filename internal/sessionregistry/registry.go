// Package sessionregistry maps a (config, platform identity, strategy) tuple
// to a long-lived upstream session id, with idle eviction and invalidation.
//
// Key construction follows the teacher's colon-delimited composite-key idiom
// (internal/sessions.BuildSessionKey in the teacher repo) generalized to the
// four strategies named in SPEC_FULL.md §4.2.
package sessionregistry

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chatbridge/gateway/internal/gatewaytypes"
)

// IdleTTL is the default session idle timeout before a key is re-created.
const IdleTTL = 60 * time.Minute

// CleanupAge is the entry age past which Cleanup evicts unconditionally.
const CleanupAge = 2 * IdleTTL

// SessionCreator is the subset of the agent client the registry needs.
type SessionCreator interface {
	CreateSession(ctx context.Context, agentName string) (string, error)
}

// Entry is the internal record for one resolved session.
type Entry struct {
	SessionID  string
	CreatedAt  time.Time
	LastUsedAt time.Time
}

// Registry holds the session key → Entry map. Safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{entries: make(map[string]*Entry)}
}

// Key computes the session key for the given config+message under the
// config's strategy, per the table in SPEC_FULL.md §4.2.
func Key(cfg *gatewaytypes.ChannelConfig, msg *gatewaytypes.NormalizedMessage) string {
	switch cfg.Strategy {
	case gatewaytypes.StrategyPerUser:
		return fmt.Sprintf("%s|%s", cfg.ID, msg.User.ID)
	case gatewaytypes.StrategyPerThread:
		peer := msg.ThreadID
		if peer == "" {
			peer = msg.User.ID
		}
		return fmt.Sprintf("%s|%s", cfg.ID, peer)
	case gatewaytypes.StrategyPerMsg:
		return fmt.Sprintf("%s|%s", cfg.ID, msg.ExternalID)
	default: // single
		return cfg.ID
	}
}

// Resolve returns a cached session id if one exists and is younger than
// IdleTTL, otherwise asks client to create a new session and caches it. A
// failed create propagates the error and stores nothing (invariant 3 in
// spec.md §3).
func (r *Registry) Resolve(ctx context.Context, cfg *gatewaytypes.ChannelConfig, msg *gatewaytypes.NormalizedMessage, client SessionCreator) (string, error) {
	key := Key(cfg, msg)
	now := time.Now()

	r.mu.Lock()
	if e, ok := r.entries[key]; ok && now.Sub(e.LastUsedAt) < IdleTTL {
		e.LastUsedAt = now
		sid := e.SessionID
		r.mu.Unlock()
		return sid, nil
	}
	r.mu.Unlock()

	agentName := ""
	if msg.Overrides != nil && msg.Overrides.AgentName != "" {
		agentName = msg.Overrides.AgentName
	} else if cfg.AgentName != "" {
		agentName = cfg.AgentName
	}

	sid, err := client.CreateSession(ctx, agentName)
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}

	r.mu.Lock()
	r.entries[key] = &Entry{SessionID: sid, CreatedAt: now, LastUsedAt: now}
	r.mu.Unlock()

	return sid, nil
}

// Invalidate removes the cached entry for (configID, strategy, message),
// forcing the next Resolve to create a fresh upstream session.
func (r *Registry) Invalidate(cfg *gatewaytypes.ChannelConfig, msg *gatewaytypes.NormalizedMessage) {
	key := Key(cfg, msg)
	r.mu.Lock()
	delete(r.entries, key)
	r.mu.Unlock()
}

// GetActiveSessionID returns the most recently used session id whose key
// contains the given user id, for slash-command status subsystems. Scans the
// map; the registry is expected to stay small (bounded by active concurrent
// users), matching spec.md §4.2.
func (r *Registry) GetActiveSessionID(configID, userID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var best *Entry
	want := configID + "|" + userID
	for key, e := range r.entries {
		if !strings.Contains(key, want) {
			continue
		}
		if best == nil || e.LastUsedAt.After(best.LastUsedAt) {
			best = e
		}
	}
	if best == nil {
		return "", false
	}
	return best.SessionID, true
}

// Cleanup removes entries older than 2x IdleTTL.
func (r *Registry) Cleanup() {
	cutoff := time.Now().Add(-CleanupAge)
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, e := range r.entries {
		if e.LastUsedAt.Before(cutoff) {
			delete(r.entries, k)
		}
	}
}

// Size returns the number of cached entries, used by tests.
func (r *Registry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
