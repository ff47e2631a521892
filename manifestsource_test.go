package codemigrate

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const goodManifest = `id: add-config
version: "1"
description: Create the project config file.
apply:
  - type: create_file
    path: config.toml
    content: "debug = false"
revert:
  - type: delete_file
    path: config.toml
`

func TestParseManifest(t *testing.T) {
	t.Run("valid manifest", func(t *testing.T) {
		m, err := parseManifest("good.yml", []byte(goodManifest))
		require.NoError(t, err)
		assert.Equal(t, "add-config", m.ID())
		assert.Equal(t, "1", m.Version())
		assert.Empty(t, m.Dependencies())
	})

	t.Run("missing id", func(t *testing.T) {
		_, err := parseManifest("bad.yml", []byte("version: \"1\"\napply:\n  - type: create_directory\n    path: x\n"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "missing id")
	})

	t.Run("missing apply steps", func(t *testing.T) {
		_, err := parseManifest("bad.yml", []byte("id: a\nversion: \"1\"\n"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no apply steps")
	})

	t.Run("unknown step type", func(t *testing.T) {
		_, err := parseManifest("bad.yml", []byte(
			"id: a\nversion: \"1\"\napply:\n  - type: frobnicate\n    path: x\n",
		))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown step type")
	})

	t.Run("unknown field rejected", func(t *testing.T) {
		_, err := parseManifest("bad.yml", []byte(
			"id: a\nversion: \"1\"\nbogus: true\napply:\n  - type: create_directory\n    path: x\n",
		))
		require.Error(t, err)
	})

	t.Run("bad when predicate rejected at load time", func(t *testing.T) {
		_, err := parseManifest("bad.yml", []byte(
			"id: a\nversion: \"1\"\nwhen: \"((\"\napply:\n  - type: create_directory\n    path: x\n",
		))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "when predicate")
	})
}

func TestManifestSteps(t *testing.T) {
	ctx := context.Background()
	newEnv := func(t *testing.T) *Context {
		return NewContext(t.TempDir())
	}

	t.Run("create then modify by replacement", func(t *testing.T) {
		env := newEnv(t)
		m, err := parseManifest("m.yml", []byte(`id: m
version: "1"
apply:
  - type: create_file
    path: app/settings.ini
    content: "mode = slow"
  - type: modify_file
    path: app/settings.ini
    old: "slow"
    new: "fast"
`))
		require.NoError(t, err)
		require.NoError(t, m.Apply(ctx, env))

		full, err := env.Path("app/settings.ini")
		require.NoError(t, err)
		content, err := os.ReadFile(full)
		require.NoError(t, err)
		assert.Equal(t, "mode = fast", string(content))
	})

	t.Run("modify by append", func(t *testing.T) {
		env := newEnv(t)
		writeTreeFile(t, env.WorkRoot, "notes.txt", "first")
		m, err := parseManifest("m.yml", []byte(`id: m
version: "1"
apply:
  - type: modify_file
    path: notes.txt
    content: "second"
`))
		require.NoError(t, err)
		require.NoError(t, m.Apply(ctx, env))

		content, err := os.ReadFile(filepath.Join(env.WorkRoot, "notes.txt"))
		require.NoError(t, err)
		assert.Equal(t, "first\nsecond", string(content))
	})

	t.Run("replacement target must exist in file", func(t *testing.T) {
		env := newEnv(t)
		writeTreeFile(t, env.WorkRoot, "notes.txt", "first")
		m, err := parseManifest("m.yml", []byte(`id: m
version: "1"
apply:
  - type: modify_file
    path: notes.txt
    old: "absent"
    new: "x"
`))
		require.NoError(t, err)
		err = m.Apply(ctx, env)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "does not contain")
	})

	t.Run("move refuses to clobber", func(t *testing.T) {
		env := newEnv(t)
		writeTreeFile(t, env.WorkRoot, "src.txt", "a")
		writeTreeFile(t, env.WorkRoot, "dst.txt", "b")
		m, err := parseManifest("m.yml", []byte(`id: m
version: "1"
apply:
  - type: move_file
    path: src.txt
    to: dst.txt
`))
		require.NoError(t, err)
		require.Error(t, m.Apply(ctx, env))
	})

	t.Run("move into new directory", func(t *testing.T) {
		env := newEnv(t)
		writeTreeFile(t, env.WorkRoot, "old.txt", "content")
		m, err := parseManifest("m.yml", []byte(`id: m
version: "1"
apply:
  - type: move_file
    path: old.txt
    to: archive/renamed.txt
`))
		require.NoError(t, err)
		require.NoError(t, m.Apply(ctx, env))

		content, err := os.ReadFile(
			filepath.Join(env.WorkRoot, "archive", "renamed.txt"),
		)
		require.NoError(t, err)
		assert.Equal(t, "content", string(content))
	})

	t.Run("revert without declared steps fails", func(t *testing.T) {
		env := newEnv(t)
		m, err := parseManifest("m.yml", []byte(`id: m
version: "1"
apply:
  - type: create_directory
    path: build
`))
		require.NoError(t, err)
		err = m.Revert(ctx, env)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no revert steps")
	})

	t.Run("path escapes are rejected", func(t *testing.T) {
		env := newEnv(t)
		m, err := parseManifest("m.yml", []byte(`id: m
version: "1"
apply:
  - type: create_file
    path: ../outside.txt
    content: "x"
`))
		require.NoError(t, err)
		require.Error(t, m.Apply(ctx, env))
	})
}

func TestManifestWhenPredicate(t *testing.T) {
	ctx := context.Background()

	t.Run("no predicate means always needed", func(t *testing.T) {
		env := NewContext(t.TempDir())
		m, err := parseManifest("m.yml", []byte(goodManifest))
		require.NoError(t, err)
		needed, err := m.IsNeeded(ctx, env)
		require.NoError(t, err)
		assert.True(t, needed)
	})

	t.Run("exists helper", func(t *testing.T) {
		env := NewContext(t.TempDir())
		m, err := parseManifest("m.yml", []byte(`id: m
version: "1"
when: '!exists("config.toml")'
apply:
  - type: create_file
    path: config.toml
    content: "x"
`))
		require.NoError(t, err)

		needed, err := m.IsNeeded(ctx, env)
		require.NoError(t, err)
		assert.True(t, needed)

		writeTreeFile(t, env.WorkRoot, "config.toml", "x")
		needed, err = m.IsNeeded(ctx, env)
		require.NoError(t, err)
		assert.False(t, needed)
	})

	t.Run("contains helper", func(t *testing.T) {
		env := NewContext(t.TempDir())
		writeTreeFile(t, env.WorkRoot, "go.txt", "legacy marker here")
		m, err := parseManifest("m.yml", []byte(`id: m
version: "1"
when: 'contains("go.txt", "legacy marker")'
apply:
  - type: delete_file
    path: go.txt
`))
		require.NoError(t, err)
		needed, err := m.IsNeeded(ctx, env)
		require.NoError(t, err)
		assert.True(t, needed)
	})
}

func TestDirManifestSource(t *testing.T) {
	t.Run("loads manifests and collects bad ones", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(
			filepath.Join(dir, "0002-second.yml"),
			[]byte("id: second\nversion: \"2\"\ndependencies: [first]\napply:\n  - type: create_directory\n    path: b\n"),
			0o644,
		))
		require.NoError(t, os.WriteFile(
			filepath.Join(dir, "0001-first.yml"),
			[]byte("id: first\nversion: \"1\"\napply:\n  - type: create_directory\n    path: a\n"),
			0o644,
		))
		require.NoError(t, os.WriteFile(
			filepath.Join(dir, "broken.yml"),
			[]byte("version: \"3\"\n"),
			0o644,
		))
		require.NoError(t, os.WriteFile(
			filepath.Join(dir, "notes.txt"), []byte("ignore me"), 0o644,
		))

		migs, errs := NewDirManifestSource(dir).LoadMigrations()
		require.Len(t, migs, 2)
		assert.Equal(t, "first", migs[0].ID())
		assert.Equal(t, "second", migs[1].ID())
		assert.Equal(t, []string{"first"}, migs[1].Dependencies())

		require.Len(t, errs, 1)
		assert.Contains(t, errs[0].Source, "broken.yml")
	})

	t.Run("missing directory is one discovery error", func(t *testing.T) {
		migs, errs := NewDirManifestSource(
			filepath.Join(t.TempDir(), "absent"),
		).LoadMigrations()
		assert.Empty(t, migs)
		require.Len(t, errs, 1)
	})
}
