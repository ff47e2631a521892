package codemigrate

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"gopkg.in/yaml.v3"
)

// Step types understood by manifest migrations.
const (
	stepCreateDirectory = "create_directory"
	stepCreateFile      = "create_file"
	stepModifyFile      = "modify_file"
	stepDeleteFile      = "delete_file"
	stepMoveFile        = "move_file"
)

// manifestStep is one typed file operation in a manifest. modify_file
// replaces Old with New when Old is set, and appends Content otherwise.
type manifestStep struct {
	Type    string `yaml:"type"`
	Path    string `yaml:"path"`
	To      string `yaml:"to"`
	Content string `yaml:"content"`
	Old     string `yaml:"old"`
	New     string `yaml:"new"`
}

// manifest is the YAML definition of one migration.
type manifest struct {
	ID           string         `yaml:"id"`
	Version      string         `yaml:"version"`
	Description  string         `yaml:"description"`
	Dependencies []string       `yaml:"dependencies"`
	When         string         `yaml:"when"`
	Apply        []manifestStep `yaml:"apply"`
	Revert       []manifestStep `yaml:"revert"`
}

func (s *manifestStep) validate() error {
	switch s.Type {
	case stepCreateDirectory, stepDeleteFile:
		if s.Path == "" {
			return fmt.Errorf("%s step requires a path", s.Type)
		}
	case stepCreateFile:
		if s.Path == "" {
			return fmt.Errorf("%s step requires a path", s.Type)
		}
	case stepModifyFile:
		if s.Path == "" {
			return fmt.Errorf("%s step requires a path", s.Type)
		}
		if s.Old == "" && s.Content == "" {
			return fmt.Errorf(
				"modify_file step requires old/new or content to append",
			)
		}
		if s.Old != "" && s.New == "" {
			return fmt.Errorf("modify_file replace requires new text")
		}
	case stepMoveFile:
		if s.Path == "" || s.To == "" {
			return fmt.Errorf("move_file step requires path and to")
		}
	default:
		return fmt.Errorf("unknown step type %q", s.Type)
	}
	return nil
}

// execute runs the step relative to the working root.
func (s *manifestStep) execute(env *Context) error {
	full, err := env.Path(s.Path)
	if err != nil {
		return err
	}
	switch s.Type {
	case stepCreateDirectory:
		return os.MkdirAll(full, 0o755)
	case stepCreateFile:
		if _, err := os.Stat(full); err == nil {
			return fmt.Errorf("file %s already exists", s.Path)
		}
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return err
		}
		return os.WriteFile(full, []byte(s.Content), 0o644)
	case stepModifyFile:
		content, err := os.ReadFile(full)
		if err != nil {
			return err
		}
		if s.Old != "" {
			if !strings.Contains(string(content), s.Old) {
				return fmt.Errorf(
					"file %s does not contain the text to replace", s.Path,
				)
			}
			content = bytes.ReplaceAll(
				content, []byte(s.Old), []byte(s.New),
			)
		} else {
			content = append(content, '\n')
			content = append(content, []byte(s.Content)...)
		}
		return os.WriteFile(full, content, 0o644)
	case stepDeleteFile:
		return os.Remove(full)
	case stepMoveFile:
		dest, err := env.Path(s.To)
		if err != nil {
			return err
		}
		if _, err := os.Stat(dest); err == nil {
			return fmt.Errorf("destination %s already exists", s.To)
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return err
		}
		return os.Rename(full, dest)
	}
	return fmt.Errorf("unknown step type %q", s.Type)
}

// manifestMigration is a Migration loaded from a YAML manifest.
type manifestMigration struct {
	id          string
	version     string
	description string
	deps        []string
	when        *vm.Program
	apply       []manifestStep
	revert      []manifestStep
	source      string
}

var _ Migration = (*manifestMigration)(nil)

// ID returns the migration identity.
func (m *manifestMigration) ID() string { return m.id }

// Version returns the ordering key.
func (m *manifestMigration) Version() string { return m.version }

// Dependencies returns the declared dependency identities.
func (m *manifestMigration) Dependencies() []string { return m.deps }

// IsNeeded evaluates the manifest's when predicate against the working
// root. A manifest without a predicate is always needed.
func (m *manifestMigration) IsNeeded(
	ctx context.Context, env *Context,
) (bool, error) {
	if m.when == nil {
		return true, nil
	}
	out, err := expr.Run(m.when, predicateEnv(env))
	if err != nil {
		return false, fmt.Errorf(
			"migration %s: evaluate when predicate: %w", m.id, err,
		)
	}
	needed, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf(
			"migration %s: when predicate returned %T, want bool", m.id, out,
		)
	}
	return needed, nil
}

// Apply executes the manifest's forward steps in order.
func (m *manifestMigration) Apply(ctx context.Context, env *Context) error {
	return m.runSteps(ctx, env, m.apply, "apply")
}

// Revert executes the manifest's backward steps in order.
func (m *manifestMigration) Revert(ctx context.Context, env *Context) error {
	if len(m.revert) == 0 {
		return fmt.Errorf("migration %s declares no revert steps", m.id)
	}
	return m.runSteps(ctx, env, m.revert, "revert")
}

func (m *manifestMigration) runSteps(
	ctx context.Context, env *Context, steps []manifestStep, direction string,
) error {
	for idx, step := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		log.Printf(
			"Executing %s step %d (%s) for migration %s",
			direction, idx+1, step.Type, m.id,
		)
		if err := step.execute(env); err != nil {
			return fmt.Errorf(
				"%s step %d (%s): %w", direction, idx+1, step.Type, err,
			)
		}
	}
	return nil
}

// predicateEnv builds the evaluation environment for when predicates.
// Predicates observe the working root read-only: exists(path) and
// contains(path, substr) resolve relative to it.
func predicateEnv(env *Context) map[string]any {
	return map[string]any{
		"root": env.WorkRoot,
		"exists": func(rel string) bool {
			full, err := env.Path(rel)
			if err != nil {
				return false
			}
			_, err = os.Stat(full)
			return err == nil
		},
		"contains": func(rel string, substr string) bool {
			full, err := env.Path(rel)
			if err != nil {
				return false
			}
			content, err := os.ReadFile(full)
			if err != nil {
				return false
			}
			return strings.Contains(string(content), substr)
		},
	}
}

// parseManifest decodes and validates one manifest document.
func parseManifest(source string, content []byte) (*manifestMigration, error) {
	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)
	var doc manifest
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if doc.ID == "" {
		return nil, fmt.Errorf("manifest missing id")
	}
	if doc.Version == "" {
		return nil, fmt.Errorf("manifest %s missing version", doc.ID)
	}
	if len(doc.Apply) == 0 {
		return nil, fmt.Errorf("manifest %s has no apply steps", doc.ID)
	}
	for i := range doc.Apply {
		if err := doc.Apply[i].validate(); err != nil {
			return nil, fmt.Errorf("manifest %s apply step %d: %w", doc.ID, i+1, err)
		}
	}
	for i := range doc.Revert {
		if err := doc.Revert[i].validate(); err != nil {
			return nil, fmt.Errorf(
				"manifest %s revert step %d: %w", doc.ID, i+1, err,
			)
		}
	}
	m := &manifestMigration{
		id:          doc.ID,
		version:     doc.Version,
		description: doc.Description,
		deps:        doc.Dependencies,
		apply:       doc.Apply,
		revert:      doc.Revert,
		source:      source,
	}
	if doc.When != "" {
		prog, err := expr.Compile(doc.When, expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf(
				"manifest %s: compile when predicate: %w", doc.ID, err,
			)
		}
		m.when = prog
	}
	return m, nil
}

// DirManifestSource loads migrations from a directory of YAML
// manifests, one migration per file.
type DirManifestSource struct {
	Dir string
	// Optional allowed extensions, defaults to .yml and .yaml files.
	AllowedExts []string
}

var _ MigrationSource = (*DirManifestSource)(nil)

// NewDirManifestSource creates a new DirManifestSource for the given
// directory with the default allowed extensions.
//
// Parameters:
//   - dir: The directory to load manifests from.
//
// Returns:
//   - *DirManifestSource: A new DirManifestSource.
func NewDirManifestSource(dir string) *DirManifestSource {
	return &DirManifestSource{
		Dir:         dir,
		AllowedExts: []string{".yml", ".yaml"},
	}
}

// WithAllowedExts returns a new DirManifestSource with the given
// allowed extensions.
//
// Parameters:
//   - exts: A slice of allowed extensions.
//
// Returns:
//   - *DirManifestSource: A new DirManifestSource.
func (d *DirManifestSource) WithAllowedExts(
	exts []string,
) *DirManifestSource {
	new := *d
	new.AllowedExts = exts
	return &new
}

// LoadMigrations loads all manifests from the directory. Malformed
// manifests are reported as discovery errors and excluded; loading
// continues past them.
//
// Returns:
//   - []Migration: The loaded migrations, in ordering-key order.
//   - []DiscoveryError: Definition errors, if any.
func (d *DirManifestSource) LoadMigrations() ([]Migration, []DiscoveryError) {
	entries, err := os.ReadDir(d.Dir)
	if err != nil {
		return nil, []DiscoveryError{{Source: d.Dir, Err: err}}
	}

	allowed := d.AllowedExts
	if allowed == nil {
		allowed = []string{".yml", ".yaml"}
	}

	var (
		migs []Migration
		errs []DiscoveryError
	)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		ext := strings.ToLower(filepath.Ext(name))
		if !slices.Contains(allowed, ext) {
			log.Printf("Skipping file %s due to unsupported ext %s", name, ext)
			continue
		}
		fullPath := filepath.Join(d.Dir, name)
		content, err := os.ReadFile(fullPath)
		if err != nil {
			errs = append(errs, DiscoveryError{Source: fullPath, Err: err})
			continue
		}
		mig, err := parseManifest(fullPath, content)
		if err != nil {
			log.Printf("Skipping manifest %s: %v", name, err)
			errs = append(errs, DiscoveryError{Source: fullPath, Err: err})
			continue
		}
		migs = append(migs, mig)
	}

	sort.Slice(migs, func(i, j int) bool {
		return orderingLess(
			migs[i].Version(), migs[i].ID(),
			migs[j].Version(), migs[j].ID(),
		)
	})
	log.Printf("Loaded %d migrations from directory %s", len(migs), d.Dir)
	return migs, errs
}
