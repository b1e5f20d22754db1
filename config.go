package datascope

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is a declarative snapshot of the engine's configuration:
// department tree, role scopes, and engine tuning knobs. Admin tooling
// exports it; ApplyConfig seeds the stores and rebuilds the snapshots.
type Config struct {
	Version     uint16        `json:"version" yaml:"version"`
	Departments []*Department `json:"departments" yaml:"departments"`
	RoleScopes  []*RoleScope  `json:"role_scopes" yaml:"role_scopes"`
	Engine      EngineConfig  `json:"engine" yaml:"engine"`
}

type EngineConfig struct {
	ScopeCacheTTL       int64 `json:"scope_cache_ttl_ms" yaml:"scope_cache_ttl_ms"`
	CacheShards         int   `json:"cache_shards" yaml:"cache_shards"`
	RistrettoNumCounter int64 `json:"ristretto_num_counter" yaml:"ristretto_num_counter"`
	RistrettoMaxCost    int64 `json:"ristretto_max_cost" yaml:"ristretto_max_cost"`
	RistrettoBuffer     int64 `json:"ristretto_buffer" yaml:"ristretto_buffer"`
}

// MarshalYAML emits the symbolic scope kind name. yaml.v3 does not
// consult encoding.TextMarshaler, so the codec lives here.
func (k ScopeKind) MarshalYAML() (interface{}, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("unknown scope kind %d", uint8(k))
	}
	return k.String(), nil
}

func (k *ScopeKind) UnmarshalYAML(value *yaml.Node) error {
	v, err := ParseScopeKind(value.Value)
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// ConfigLoader loads configuration from various formats
type ConfigLoader struct{}

func NewConfigLoader() *ConfigLoader {
	return &ConfigLoader{}
}

func (l *ConfigLoader) LoadYAML(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (l *ConfigLoader) LoadJSON(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ToYAML exports config to YAML
func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// ToJSON exports config to JSON
func (c *Config) ToJSON() ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}

// ApplyConfig applies configuration to the engine and its stores, then
// rebuilds the hierarchy and registry snapshots. Invalid role scopes
// (unknown kind, empty custom set) abort the apply so misconfiguration is
// caught at load time rather than narrowing silently at resolve time.
// The cache and TTL writes are not synchronized with Resolve: apply
// configuration during setup, before the engine serves requests.
func (e *Engine) ApplyConfig(ctx context.Context, cfg *Config) error {
	if cfg.Engine.ScopeCacheTTL > 0 {
		e.cacheTTL = time.Duration(cfg.Engine.ScopeCacheTTL) * time.Millisecond
	}
	if cfg.Engine.RistrettoNumCounter > 0 {
		if err := e.ConfigureRistrettoScopeCache(cfg.Engine.RistrettoNumCounter, cfg.Engine.RistrettoMaxCost, cfg.Engine.RistrettoBuffer); err != nil {
			return fmt.Errorf("configure ristretto cache: %w", err)
		}
	} else if cfg.Engine.CacheShards > 0 {
		e.cache = newShardedScopeCache(cfg.Engine.CacheShards, e.now)
	}

	for _, d := range cfg.Departments {
		if err := e.deptStore.SaveDepartment(ctx, d); err != nil {
			return fmt.Errorf("save department %d: %w", d.ID, err)
		}
	}
	for _, r := range cfg.RoleScopes {
		if err := r.Validate(); err != nil {
			return err
		}
		if err := e.roleStore.SaveRoleScope(ctx, r); err != nil {
			return fmt.Errorf("save role scope %d: %w", r.RoleID, err)
		}
	}
	return e.Reload(ctx)
}
