// Package backend loads the set of configured inference backends (the
// remote paid LLM API, local LLM hosts, local image-generation hosts)
// from YAML files on disk, seeding a fresh directory with embedded
// defaults.
package backend

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

type Registry struct {
	dir      string
	backends map[string]*Config
	mu       sync.RWMutex
}

func NewRegistry(dir string) (*Registry, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("backend dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create backend registry dir: %w", err)
	}
	if err := ensureDefaults(dir); err != nil {
		return nil, err
	}

	r := &Registry{
		dir:      dir,
		backends: make(map[string]*Config),
	}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

func ensureDefaults(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read backend registry dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := strings.ToLower(entry.Name())
		if strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml") {
			return nil
		}
	}

	files, err := Defaults.ReadDir("defaults")
	if err != nil {
		return fmt.Errorf("read embedded backend defaults: %w", err)
	}
	for _, f := range files {
		content, err := Defaults.ReadFile(filepath.Join("defaults", f.Name()))
		if err != nil {
			return fmt.Errorf("read embedded default %q: %w", f.Name(), err)
		}
		path := filepath.Join(dir, f.Name())
		if err := os.WriteFile(path, content, 0o644); err != nil {
			return fmt.Errorf("write default %q: %w", path, err)
		}
	}
	return nil
}

func (r *Registry) Get(id string) *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.backends[id]
	if !ok {
		return nil
	}
	return clone(cfg)
}

// List returns all configured backends, sorted by id for deterministic
// iteration (the Resource Monitor's probe loop and ForTier both walk
// backends in this order).
func (r *Registry) List() []*Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]*Config, 0, len(r.backends))
	for _, cfg := range r.backends {
		result = append(result, clone(cfg))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// ForTier returns the backends able to serve a given model tier.
func (r *Registry) ForTier(tier string) []*Config {
	var matches []*Config
	for _, cfg := range r.List() {
		for _, t := range cfg.Tiers {
			if t == tier {
				matches = append(matches, cfg)
				break
			}
		}
	}
	return matches
}

func (r *Registry) Reload() error {
	loaded, err := loadDir(r.dir)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.backends = loaded
	r.mu.Unlock()
	return nil
}

func loadDir(dir string) (map[string]*Config, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read backend registry dir: %w", err)
	}
	loaded := make(map[string]*Config)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := strings.ToLower(entry.Name())
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		cfg, err := loadFile(path)
		if err != nil {
			return nil, err
		}
		if _, exists := loaded[cfg.ID]; exists {
			return nil, fmt.Errorf("duplicate backend id %q", cfg.ID)
		}
		loaded[cfg.ID] = cfg
	}
	return loaded, nil
}

func loadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read backend config %q: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse backend config %q: %w", path, err)
	}
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &cfg, nil
}

func validate(cfg *Config) error {
	if strings.TrimSpace(cfg.ID) == "" {
		return errors.New("id is required")
	}
	if strings.TrimSpace(cfg.Name) == "" {
		return errors.New("name is required")
	}
	switch cfg.CheckMode {
	case "api_key_only":
		if strings.TrimSpace(cfg.APIKeyEnv) == "" {
			return errors.New("api_key_env is required for check_mode api_key_only")
		}
	case "http", "tcp":
		if strings.TrimSpace(cfg.TCPAddr) == "" {
			return errors.New("tcp_addr is required as an http fallback / tcp target")
		}
	default:
		return fmt.Errorf("unknown check_mode %q", cfg.CheckMode)
	}
	if cfg.Tiers == nil {
		cfg.Tiers = []string{}
	}
	return nil
}

func clone(cfg *Config) *Config {
	if cfg == nil {
		return nil
	}
	out := *cfg
	out.Tiers = append([]string(nil), cfg.Tiers...)
	return &out
}
