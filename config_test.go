package codemigrate

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	writeConfig := func(t *testing.T, content string) string {
		path := filepath.Join(t.TempDir(), "codemigrate.yml")
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
		return path
	}

	t.Run("full config", func(t *testing.T) {
		cfg, err := LoadConfig(writeConfig(t, `migrations_dir: upgrades
state_backend: file
state_path: .state/ledger.json
strict_discovery: true
`))
		require.NoError(t, err)
		assert.Equal(t, "upgrades", cfg.MigrationsDir)
		assert.Equal(t, BackendFile, cfg.StateBackend)
		assert.Equal(t, ".state/ledger.json", cfg.StatePath)
		assert.True(t, cfg.StrictDiscovery)
	})

	t.Run("empty config falls back to defaults", func(t *testing.T) {
		cfg, err := LoadConfig(writeConfig(t, ""))
		require.NoError(t, err)
		assert.Equal(t, "migrations", cfg.MigrationsDir)
		assert.Equal(t, BackendSQLite, cfg.StateBackend)
		assert.False(t, cfg.StrictDiscovery)
	})

	t.Run("unknown backend rejected", func(t *testing.T) {
		_, err := LoadConfig(writeConfig(t, "state_backend: etcd\n"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown state backend")
	})

	t.Run("unknown field rejected", func(t *testing.T) {
		_, err := LoadConfig(writeConfig(t, "migration_dir: typo\n"))
		require.Error(t, err)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yml"))
		require.Error(t, err)
	})
}

func TestNewManagerFromConfig(t *testing.T) {
	t.Run("file backend", func(t *testing.T) {
		root := t.TempDir()
		cfg := &Config{
			MigrationsDir: "upgrades",
			StateBackend:  BackendFile,
		}
		v, err := NewMemVCS(root)
		require.NoError(t, err)

		mgr, err := NewManagerFromConfig(root, cfg, v)
		require.NoError(t, err)
		defer mgr.Close()

		store, ok := mgr.Store.(*FileStateStore)
		require.True(t, ok)
		assert.Equal(t,
			filepath.Join(root, ".codemigrate", "state.json"), store.Path,
		)
	})

	t.Run("nil config uses defaults", func(t *testing.T) {
		root := t.TempDir()
		v, err := NewMemVCS(root)
		require.NoError(t, err)

		mgr, err := NewManagerFromConfig(root, nil, v)
		require.NoError(t, err)
		defer mgr.Close()

		_, ok := mgr.Store.(*SQLiteStateStore)
		assert.True(t, ok)
		_, statErr := os.Stat(filepath.Join(root, ".codemigrate", "state.db"))
		require.NoError(t, statErr)
	})

	t.Run("manifest directory is wired end to end", func(t *testing.T) {
		ctx := context.Background()
		root := t.TempDir()
		require.NoError(t, os.MkdirAll(filepath.Join(root, "migrations"), 0o755))
		require.NoError(t, os.WriteFile(
			filepath.Join(root, "migrations", "0001-init.yml"),
			[]byte(`id: init
version: "1"
apply:
  - type: create_file
    path: VERSION
    content: "1"
revert:
  - type: delete_file
    path: VERSION
`),
			0o644,
		))

		v, err := NewMemVCS(root)
		require.NoError(t, err)
		mgr, err := NewManagerFromConfig(
			root, &Config{StateBackend: BackendFile}, v,
		)
		require.NoError(t, err)
		defer mgr.Close()

		records, err := mgr.Migrate(ctx, "")
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, StatusApplied, records[0].Status)

		content, err := os.ReadFile(filepath.Join(root, "VERSION"))
		require.NoError(t, err)
		assert.Equal(t, "1", string(content))
	})
}
