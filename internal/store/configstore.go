// Package store is the Postgres-backed channel configuration store
// (spec.md §6's "on-disk table that stores channel configurations").
// Grounded on the teacher's internal/store/pg session store (database/sql +
// jackc/pgx/v5 stdlib driver, an in-memory hot cache guarded by a mutex),
// narrowed to the one table this gateway actually needs.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/chatbridge/gateway/internal/gatewaytypes"
)

// ConfigStore implements engine.ConfigStore and the per-platform
// ConfigResolver interfaces the Slack adapter needs, backed by a single
// "channel_configs" table (see migrations/0001_channel_configs.sql).
type ConfigStore struct {
	db *sql.DB

	mu    sync.RWMutex
	cache map[string]*gatewaytypes.ChannelConfig
}

// New wraps an open *sql.DB (created via sql.Open("pgx", dsn), the
// jackc/pgx/v5/stdlib driver the migrate command also registers).
func New(db *sql.DB) *ConfigStore {
	return &ConfigStore{db: db, cache: make(map[string]*gatewaytypes.ChannelConfig)}
}

type row struct {
	ID           string
	Platform     string
	PlatformKey  string
	Name         string
	Enabled      bool
	Credentials  []byte
	PlatformCfg  []byte
	Metadata     []byte
	Strategy     string
	SystemPrompt string
	AgentName    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func scanRow(scan func(dest ...any) error) (row, error) {
	var r row
	err := scan(&r.ID, &r.Platform, &r.PlatformKey, &r.Name, &r.Enabled,
		&r.Credentials, &r.PlatformCfg, &r.Metadata, &r.Strategy,
		&r.SystemPrompt, &r.AgentName, &r.CreatedAt, &r.UpdatedAt)
	return r, err
}

func toChannelConfig(r row) (*gatewaytypes.ChannelConfig, error) {
	cfg := &gatewaytypes.ChannelConfig{
		ID:           r.ID,
		Platform:     r.Platform,
		Name:         r.Name,
		Enabled:      r.Enabled,
		Strategy:     gatewaytypes.SessionStrategy(r.Strategy),
		SystemPrompt: r.SystemPrompt,
		AgentName:    r.AgentName,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
	if len(r.Credentials) > 0 {
		if err := json.Unmarshal(r.Credentials, &cfg.Credentials); err != nil {
			return nil, fmt.Errorf("decode credentials: %w", err)
		}
	}
	if len(r.PlatformCfg) > 0 {
		if err := json.Unmarshal(r.PlatformCfg, &cfg.PlatformCfg); err != nil {
			return nil, fmt.Errorf("decode platform_cfg: %w", err)
		}
	}
	if len(r.Metadata) > 0 {
		if err := json.Unmarshal(r.Metadata, &cfg.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return cfg, nil
}

const selectCols = `id, platform, platform_key, name, enabled, credentials, platform_cfg, metadata, strategy, system_prompt, agent_name, created_at, updated_at`

// FindEnabledByID implements engine.ConfigStore.
func (s *ConfigStore) FindEnabledByID(ctx context.Context, id string) (*gatewaytypes.ChannelConfig, bool, error) {
	if cfg, ok := s.cached(id); ok {
		return cfg, cfg.Enabled, nil
	}

	query := `SELECT ` + selectCols + ` FROM channel_configs WHERE id = $1`
	r, err := scanRow(s.db.QueryRowContext(ctx, query, id).Scan)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("query channel config: %w", err)
	}
	cfg, err := toChannelConfig(r)
	if err != nil {
		return nil, false, err
	}
	s.store(cfg)
	return cfg, cfg.Enabled, nil
}

// ResolveByTeamID implements slack.ConfigResolver: platform_key holds the
// Slack team id for platform "slack" rows.
func (s *ConfigStore) ResolveByTeamID(ctx context.Context, teamID string) (*gatewaytypes.ChannelConfig, bool) {
	query := `SELECT ` + selectCols + ` FROM channel_configs WHERE platform = 'slack' AND platform_key = $1 LIMIT 1`
	r, err := scanRow(s.db.QueryRowContext(ctx, query, teamID).Scan)
	if err != nil {
		return nil, false
	}
	cfg, err := toChannelConfig(r)
	if err != nil {
		return nil, false
	}
	s.store(cfg)
	return cfg, true
}

// ListEnabledByPlatform returns every enabled row for a platform, used at
// startup to open Discord/Telegram gateway connections and bind them to the
// engine.
func (s *ConfigStore) ListEnabledByPlatform(ctx context.Context, platform string) ([]*gatewaytypes.ChannelConfig, error) {
	query := `SELECT ` + selectCols + ` FROM channel_configs WHERE platform = $1 AND enabled = true`
	rows, err := s.db.QueryContext(ctx, query, platform)
	if err != nil {
		return nil, fmt.Errorf("list channel configs: %w", err)
	}
	defer rows.Close()

	var out []*gatewaytypes.ChannelConfig
	for rows.Next() {
		r, err := scanRow(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan channel config: %w", err)
		}
		cfg, err := toChannelConfig(r)
		if err != nil {
			return nil, err
		}
		s.store(cfg)
		out = append(out, cfg)
	}
	return out, rows.Err()
}

// Update implements engine.ConfigStore: persists partial fields (used by the
// slash-command model/agent-switch path) and invalidates the cache entry.
func (s *ConfigStore) Update(ctx context.Context, id string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}

	setClauses := make([]string, 0, len(fields)+1)
	args := make([]any, 0, len(fields)+2)
	i := 1
	for col, val := range fields {
		if !allowedUpdateColumns[col] {
			return fmt.Errorf("update channel config: column %q is not updatable", col)
		}
		setClauses = append(setClauses, fmt.Sprintf("%s = $%d", col, i))
		args = append(args, val)
		i++
	}
	setClauses = append(setClauses, fmt.Sprintf("updated_at = $%d", i))
	args = append(args, time.Now())
	i++
	args = append(args, id)

	query := fmt.Sprintf(`UPDATE channel_configs SET %s WHERE id = $%d`, joinClauses(setClauses), i)
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("update channel config: %w", err)
	}

	s.mu.Lock()
	delete(s.cache, id)
	s.mu.Unlock()
	return nil
}

var allowedUpdateColumns = map[string]bool{
	"agent_name": true,
	"metadata":   true,
	"enabled":    true,
}

func joinClauses(clauses []string) string {
	out := clauses[0]
	for _, c := range clauses[1:] {
		out += ", " + c
	}
	return out
}

func (s *ConfigStore) cached(id string) (*gatewaytypes.ChannelConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.cache[id]
	return cfg, ok
}

func (s *ConfigStore) store(cfg *gatewaytypes.ChannelConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[cfg.ID] = cfg
}
