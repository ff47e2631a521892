package codemigrate

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// State store backends selectable from configuration.
const (
	BackendSQLite = "sqlite"
	BackendFile   = "file"
)

// Config is the on-disk configuration of a migration project, usually
// loaded from a codemigrate.yml at the working root.
type Config struct {
	// MigrationsDir is the manifest directory, relative to the working
	// root unless absolute. Defaults to "migrations".
	MigrationsDir string `yaml:"migrations_dir"`
	// StateBackend selects the state store: "sqlite" or "file".
	// Defaults to "sqlite".
	StateBackend string `yaml:"state_backend"`
	// StatePath is the state store location, relative to the working
	// root unless absolute. Defaults to .codemigrate/state.db for the
	// sqlite backend and .codemigrate/state.json for the file backend.
	StatePath string `yaml:"state_path"`
	// StrictDiscovery makes migration definition errors fatal instead
	// of reported-and-skipped.
	StrictDiscovery bool `yaml:"strict_discovery"`
}

// DefaultConfig returns the configuration used when no config file is
// present.
//
// Returns:
//   - *Config: The default configuration.
func DefaultConfig() *Config {
	return &Config{
		MigrationsDir: "migrations",
		StateBackend:  BackendSQLite,
	}
}

// LoadConfig reads a YAML configuration file. Missing fields fall back
// to defaults; unknown fields are rejected.
//
// Parameters:
//   - path: The configuration file path.
//
// Returns:
//   - *Config: The loaded configuration.
//   - error: An error if the file cannot be read or parsed.
func LoadConfig(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)
	cfg := DefaultConfig()
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.MigrationsDir == "" {
		cfg.MigrationsDir = "migrations"
	}
	if cfg.StateBackend == "" {
		cfg.StateBackend = BackendSQLite
	}
	switch cfg.StateBackend {
	case BackendSQLite, BackendFile:
	default:
		return nil, fmt.Errorf(
			"config %s: unknown state backend %q", path, cfg.StateBackend,
		)
	}
	return cfg, nil
}

// statePath resolves the configured state path against the working
// root, applying the backend-specific default.
func (c *Config) statePath(workRoot string) string {
	path := c.StatePath
	if path == "" {
		switch c.StateBackend {
		case BackendFile:
			path = filepath.Join(".codemigrate", "state.json")
		default:
			path = filepath.Join(".codemigrate", "state.db")
		}
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(workRoot, path)
	}
	return path
}

// NewManagerFromConfig wires a Manager for a working tree from
// configuration: a manifest directory source and a configured state
// store, over the given version-control backend. Callers owning a
// SQLite-backed Manager should Close it when done.
//
// Parameters:
//   - workRoot: The root directory of the codebase being migrated.
//   - cfg: The configuration; nil uses DefaultConfig.
//   - vcs: The version-control backend wrapping the working tree.
//
// Returns:
//   - *Manager: The wired Manager.
//   - error: An error if the state store cannot be opened.
func NewManagerFromConfig(
	workRoot string, cfg *Config, vcs VCS,
) (*Manager, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	dir := cfg.MigrationsDir
	if dir == "" {
		dir = "migrations"
	}
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(workRoot, dir)
	}

	var store StateStore
	switch cfg.StateBackend {
	case BackendFile:
		store = NewFileStateStore(cfg.statePath(workRoot))
	case BackendSQLite, "":
		s, err := OpenSQLiteStateStore(cfg.statePath(workRoot))
		if err != nil {
			return nil, err
		}
		store = s
	default:
		return nil, fmt.Errorf("unknown state backend %q", cfg.StateBackend)
	}

	manager := NewManager(workRoot, store, vcs).
		WithSources([]MigrationSource{NewDirManifestSource(dir)}).
		WithStrictDiscovery(cfg.StrictDiscovery)
	return manager, nil
}

// Close releases resources held by the Manager's state store, if any.
//
// Returns:
//   - error: An error from closing the store.
func (m *Manager) Close() error {
	if closer, ok := m.Store.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}
