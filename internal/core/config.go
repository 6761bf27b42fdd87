package core

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
)

// PaneSpec is a registered pane role's spawn configuration: its command
// template and environment overrides (spec §3 "Pane").
type PaneSpec struct {
	Role            string            `json:"role"`
	CommandTemplate []string          `json:"commandTemplate"`
	Env             map[string]string `json:"env,omitempty"`
	Driver          string            `json:"driver"` // selects a ptyd.Driver by name
	ScrollbackBytes int               `json:"scrollbackBytes,omitempty"`
}

// ExperimentProfile is registered, named-profile configuration for the
// Team Memory experiment engine (spec §4.4.5). Profiles never accept
// free-form shell; ParamsSchema declares the allowlisted parameter schema.
type ExperimentProfile struct {
	ID         string            `json:"id"`
	Command    []string          `json:"command"`
	ParamsSchema map[string]any  `json:"paramsSchema"` // JSON Schema, validated with jsonschema-go
	TimeoutMs  int64             `json:"timeoutMs"`
	WorkingDir string            `json:"workingDir,omitempty"`
}

// Config is the reload-safe workspace configuration: pane templates,
// experiment profiles, and the agent alias map (spec §9 "Global state").
type Config struct {
	Version     int                          `json:"version"`
	Panes       map[string]PaneSpec          `json:"panes"`
	Experiments map[string]ExperimentProfile `json:"experiments"`
	Aliases     map[string]string            `json:"aliases"` // raw agent identifier -> canonical role
	GroupAliases map[string][]string         `json:"groupAliases"` // e.g. "all", "workers"
	CommsSecret string                       `json:"commsSecret,omitempty"`
	BrokerAddr  string                       `json:"brokerAddr,omitempty"` // host:port (no scheme), defaults to DefaultBrokerAddr
}

// DefaultBrokerAddr is used when Config.BrokerAddr is unset.
const DefaultBrokerAddr = "127.0.0.1:7337"

// ConfigStore holds the current Config snapshot and swaps it atomically on
// reload, so in-flight operations keep using the snapshot they started
// with (spec §9: "in-flight operations continue to use their snapshot").
type ConfigStore struct {
	path string
	cur  atomic.Pointer[Config]
}

// NewConfigStore loads path and returns a store; it creates a default empty
// config if none exists yet.
func NewConfigStore(path string) (*ConfigStore, error) {
	s := &ConfigStore{path: path}
	if err := s.Reload(); err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		s.cur.Store(defaultConfig())
	}
	return s, nil
}

func defaultConfig() *Config {
	return &Config{
		Version:      1,
		Panes:        map[string]PaneSpec{},
		Experiments:  map[string]ExperimentProfile{},
		Aliases:      map[string]string{},
		GroupAliases: map[string][]string{"all": nil, "workers": nil},
	}
}

// Get returns the current config snapshot. Safe for concurrent use.
func (s *ConfigStore) Get() *Config {
	if c := s.cur.Load(); c != nil {
		return c
	}
	return defaultConfig()
}

// Reload re-reads the config file from disk and swaps it in atomically.
// Call on SIGHUP or an explicit admin reload request.
func (s *ConfigStore) Reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", s.path, err)
	}
	if cfg.Panes == nil {
		cfg.Panes = map[string]PaneSpec{}
	}
	if cfg.Experiments == nil {
		cfg.Experiments = map[string]ExperimentProfile{}
	}
	if cfg.Aliases == nil {
		cfg.Aliases = map[string]string{}
	}
	if cfg.GroupAliases == nil {
		cfg.GroupAliases = map[string][]string{}
	}
	s.cur.Store(&cfg)
	return nil
}

// Save writes cfg to path atomically (write-temp-then-rename, per spec §5
// "Config files... writes are atomic rename") and swaps it in as current.
func (s *ConfigStore) Save(cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".config-*.json.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	s.cur.Store(cfg)
	return nil
}

// CanonicalRole resolves a raw agent identifier to its canonical role via
// the alias table (spec §4.4.1: "Agent identifiers are normalized through
// an alias table before any write").
func (c *Config) CanonicalRole(raw string) string {
	if canon, ok := c.Aliases[raw]; ok {
		return canon
	}
	return raw
}

// ResolveGroup expands a group alias (e.g. "all", "workers") into concrete
// roles. Returns (nil, false) if name is not a registered group.
func (c *Config) ResolveGroup(name string) ([]string, bool) {
	roles, ok := c.GroupAliases[name]
	if !ok {
		return nil, false
	}
	if roles != nil {
		return roles, true
	}
	var all []string
	for role := range c.Panes {
		if name == "workers" && role == "coordinator" {
			continue
		}
		all = append(all, role)
	}
	return all, true
}
