package codemigrate

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
)

// Context carries the per-run environment a migration operates in. All
// side effects of a migration must stay under WorkRoot; no process-wide
// state may be mutated.
type Context struct {
	// WorkRoot is the absolute path of the codebase being migrated.
	WorkRoot string

	scratch map[string]any
}

// NewContext returns a new Context rooted at workRoot.
//
// Parameters:
//   - workRoot: The root directory of the codebase being migrated.
//
// Returns:
//   - *Context: A new Context.
func NewContext(workRoot string) *Context {
	return &Context{
		WorkRoot: workRoot,
		scratch:  make(map[string]any),
	}
}

// Path resolves a relative path under the working root. It rejects
// absolute paths and paths that escape the root.
//
// Parameters:
//   - rel: The path relative to the working root.
//
// Returns:
//   - string: The absolute path under the working root.
//   - error: An error if the path escapes the working root.
func (c *Context) Path(rel string) (string, error) {
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("path %s must be relative", rel)
	}
	clean := filepath.Clean(rel)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %s escapes the working root", rel)
	}
	return filepath.Join(c.WorkRoot, clean), nil
}

// Put stores a scratch value shared between a migration's forward and
// backward operations within one run.
//
// Parameters:
//   - key: Key to store the value under.
//   - value: Value to store.
func (c *Context) Put(key string, value any) {
	c.scratch[key] = value
}

// Get retrieves a scratch value stored with Put.
//
// Parameters:
//   - key: Key to retrieve.
//
// Returns:
//   - any: The stored value, or nil.
//   - bool: Whether the key was present.
func (c *Context) Get(key string) (any, bool) {
	v, ok := c.scratch[key]
	return v, ok
}

// Migration is a single, identified, reversible codebase transformation
// with declared prerequisites. Identity and dependencies are immutable
// once discovered in a given run. Apply and Revert must confine their
// side effects to the Context working root; the surrounding transaction
// guarantees at-most-one durable effect per commit.
type Migration interface {
	// ID returns the stable, unique identity of the migration.
	ID() string
	// Version returns the ordering key used as tie-break and as the
	// target version addressable by the Manager.
	Version() string
	// Dependencies returns the identities that must be applied first.
	Dependencies() []string
	// IsNeeded reports whether the migration applies to the current
	// codebase state. It must be free of side effects and safe to call
	// any number of times.
	IsNeeded(ctx context.Context, env *Context) (bool, error)
	// Apply performs the forward transformation.
	Apply(ctx context.Context, env *Context) error
	// Revert performs the inverse transformation, restoring the state
	// immediately prior to Apply.
	Revert(ctx context.Context, env *Context) error
}

// MigrationSource defines the interface to load candidate migrations.
// Definitions that fail to load are reported as DiscoveryErrors and
// excluded from the returned set; loading does not abort on one bad
// definition.
type MigrationSource interface {
	LoadMigrations() ([]Migration, []DiscoveryError)
}

// FuncMigration is a Migration defined by plain functions, for
// migrations written in code rather than manifests.
type FuncMigration struct {
	MigrationID      string
	MigrationVersion string
	Deps             []string
	NeededFn         func(ctx context.Context, env *Context) (bool, error)
	ApplyFn          func(ctx context.Context, env *Context) error
	RevertFn         func(ctx context.Context, env *Context) error
}

var _ Migration = (*FuncMigration)(nil)

// NewFuncMigration returns a new FuncMigration.
//
// Parameters:
//   - id: The unique identity of the migration.
//   - version: The ordering key of the migration.
//
// Returns:
//   - *FuncMigration: A new FuncMigration.
func NewFuncMigration(id string, version string) *FuncMigration {
	return &FuncMigration{
		MigrationID:      id,
		MigrationVersion: version,
	}
}

// WithDependencies returns a new FuncMigration with the given
// dependency identities.
//
// Parameters:
//   - deps: The identities that must be applied first.
//
// Returns:
//   - *FuncMigration: A new FuncMigration.
func (f *FuncMigration) WithDependencies(deps ...string) *FuncMigration {
	new := *f
	new.Deps = deps
	return &new
}

// WithNeededFn returns a new FuncMigration with the given applicability
// predicate. When unset, the migration is always considered needed.
//
// Parameters:
//   - fn: The applicability predicate.
//
// Returns:
//   - *FuncMigration: A new FuncMigration.
func (f *FuncMigration) WithNeededFn(
	fn func(ctx context.Context, env *Context) (bool, error),
) *FuncMigration {
	new := *f
	new.NeededFn = fn
	return &new
}

// WithApplyFn returns a new FuncMigration with the given forward
// operation.
//
// Parameters:
//   - fn: The forward operation.
//
// Returns:
//   - *FuncMigration: A new FuncMigration.
func (f *FuncMigration) WithApplyFn(
	fn func(ctx context.Context, env *Context) error,
) *FuncMigration {
	new := *f
	new.ApplyFn = fn
	return &new
}

// WithRevertFn returns a new FuncMigration with the given backward
// operation.
//
// Parameters:
//   - fn: The backward operation.
//
// Returns:
//   - *FuncMigration: A new FuncMigration.
func (f *FuncMigration) WithRevertFn(
	fn func(ctx context.Context, env *Context) error,
) *FuncMigration {
	new := *f
	new.RevertFn = fn
	return &new
}

// ID returns the migration identity.
func (f *FuncMigration) ID() string { return f.MigrationID }

// Version returns the ordering key.
func (f *FuncMigration) Version() string { return f.MigrationVersion }

// Dependencies returns the declared dependency identities.
func (f *FuncMigration) Dependencies() []string { return f.Deps }

// IsNeeded runs the applicability predicate, defaulting to true.
func (f *FuncMigration) IsNeeded(
	ctx context.Context, env *Context,
) (bool, error) {
	if f.NeededFn == nil {
		return true, nil
	}
	return f.NeededFn(ctx, env)
}

// Apply runs the forward operation.
func (f *FuncMigration) Apply(ctx context.Context, env *Context) error {
	if f.ApplyFn == nil {
		return fmt.Errorf("migration %s: apply not defined", f.MigrationID)
	}
	return f.ApplyFn(ctx, env)
}

// Revert runs the backward operation.
func (f *FuncMigration) Revert(ctx context.Context, env *Context) error {
	if f.RevertFn == nil {
		return fmt.Errorf("migration %s: revert not defined", f.MigrationID)
	}
	return f.RevertFn(ctx, env)
}

// StaticSource serves a fixed set of in-code migrations.
type StaticSource struct {
	Migrations []Migration
}

var _ MigrationSource = (*StaticSource)(nil)

// NewStaticSource returns a new StaticSource with the given migrations.
//
// Parameters:
//   - migs: The migrations to serve.
//
// Returns:
//   - *StaticSource: A new StaticSource.
func NewStaticSource(migs ...Migration) *StaticSource {
	return &StaticSource{Migrations: migs}
}

// LoadMigrations returns the static migration set. Migrations missing
// an identity or version are reported as discovery errors.
//
// Returns:
//   - []Migration: The loaded migrations.
//   - []DiscoveryError: Definition errors, if any.
func (s *StaticSource) LoadMigrations() ([]Migration, []DiscoveryError) {
	var (
		migs []Migration
		errs []DiscoveryError
	)
	for _, m := range s.Migrations {
		if m.ID() == "" || m.Version() == "" {
			errs = append(errs, DiscoveryError{
				Source: "static",
				Err:    fmt.Errorf("migration missing id or version"),
			})
			continue
		}
		migs = append(migs, m)
	}
	return migs, errs
}
