package codemigrate

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// VCS is the narrow version-control capability the engine consumes.
// Implementations make each migration commit auditable and recoverable;
// the engine never depends on branching, remotes, or any one tool.
type VCS interface {
	// Head returns the reference of the current commit.
	Head(ctx context.Context) (string, error)
	// IsClean reports whether the working tree has no uncommitted
	// changes.
	IsClean(ctx context.Context) (bool, error)
	// Commit records the current working tree state and returns the
	// reference of the new commit.
	Commit(ctx context.Context, message string) (string, error)
	// Reset restores the working tree to the given commit reference,
	// discarding all changes made after it.
	Reset(ctx context.Context, ref string) error
}

// GitVCS implements VCS by invoking the git command-line tool in the
// working tree.
type GitVCS struct {
	Root string
	// GitPath is the git executable to invoke, defaults to "git".
	GitPath string
	// ExcludePaths are working-tree paths invisible to the backend:
	// never reported as dirt, never staged, never cleaned. Defaults to
	// the engine state directory, whose lease and history files live
	// inside the tree but must survive every reset.
	ExcludePaths []string
}

var _ VCS = (*GitVCS)(nil)

// NewGitVCS returns a new GitVCS for the given working tree root.
//
// Parameters:
//   - root: The root directory of the git working tree.
//
// Returns:
//   - *GitVCS: A new GitVCS.
func NewGitVCS(root string) *GitVCS {
	return &GitVCS{
		Root:         root,
		GitPath:      "git",
		ExcludePaths: []string{".codemigrate"},
	}
}

// WithGitPath returns a new GitVCS with the given git executable path.
//
// Parameters:
//   - gitPath: The git executable to invoke.
//
// Returns:
//   - *GitVCS: A new GitVCS.
func (g *GitVCS) WithGitPath(gitPath string) *GitVCS {
	new := *g
	new.GitPath = gitPath
	return &new
}

// WithExcludePaths returns a new GitVCS with the given excluded paths.
//
// Parameters:
//   - paths: Working-tree paths the backend must not see.
//
// Returns:
//   - *GitVCS: A new GitVCS.
func (g *GitVCS) WithExcludePaths(paths []string) *GitVCS {
	new := *g
	new.ExcludePaths = paths
	return &new
}

// pathspec limits a git command to the working tree minus the excluded
// paths.
func (g *GitVCS) pathspec() []string {
	spec := []string{"--", "."}
	for _, p := range g.ExcludePaths {
		spec = append(spec, ":(exclude)"+p)
	}
	return spec
}

// run invokes git with the given arguments in the working tree root.
func (g *GitVCS) run(ctx context.Context, args ...string) (string, error) {
	gitPath := g.GitPath
	if gitPath == "" {
		gitPath = "git"
	}
	cmd := exec.CommandContext(ctx, gitPath, args...)
	cmd.Dir = g.Root
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf(
			"git %s: %w: %s",
			strings.Join(args, " "), err, strings.TrimSpace(out.String()),
		)
	}
	return strings.TrimSpace(out.String()), nil
}

// Head returns the current commit hash.
func (g *GitVCS) Head(ctx context.Context) (string, error) {
	return g.run(ctx, "rev-parse", "HEAD")
}

// IsClean reports whether the working tree has no uncommitted changes,
// including untracked files. Excluded paths are never counted as dirt.
func (g *GitVCS) IsClean(ctx context.Context) (bool, error) {
	args := append([]string{"status", "--porcelain"}, g.pathspec()...)
	out, err := g.run(ctx, args...)
	if err != nil {
		return false, err
	}
	return out == "", nil
}

// Commit stages all working-tree changes and commits them.
//
// Parameters:
//   - ctx: Context to use.
//   - message: The commit message.
//
// Returns:
//   - string: The new commit hash.
//   - error: An error if staging or committing fails.
func (g *GitVCS) Commit(ctx context.Context, message string) (string, error) {
	add := append([]string{"add", "-A"}, g.pathspec()...)
	if _, err := g.run(ctx, add...); err != nil {
		return "", err
	}
	if _, err := g.run(ctx, "commit", "-m", message); err != nil {
		return "", err
	}
	return g.Head(ctx)
}

// Reset hard-resets the working tree to the given commit and removes
// files created after it, leaving the tree bit-identical to that
// commit. Excluded paths are left untouched.
//
// Parameters:
//   - ctx: Context to use.
//   - ref: The commit reference to restore.
//
// Returns:
//   - error: An error if the reset fails.
func (g *GitVCS) Reset(ctx context.Context, ref string) error {
	if _, err := g.run(ctx, "reset", "--hard", ref); err != nil {
		return err
	}
	clean := []string{"clean", "-fd"}
	for _, p := range g.ExcludePaths {
		clean = append(clean, "-e", p)
	}
	_, err := g.run(ctx, clean...)
	return err
}

// MemVCS mimics commit/reset semantics over in-memory snapshots of the
// working tree, so the engine is testable without a real
// version-control tool. Hidden entries (names starting with ".") are
// ignored, which keeps engine state directories out of snapshots.
type MemVCS struct {
	Root string

	mu      sync.Mutex
	commits map[string]map[string][]byte
	head    string
	seq     int
}

var _ VCS = (*MemVCS)(nil)

// NewMemVCS returns a new MemVCS rooted at root, with the current tree
// state recorded as the initial commit.
//
// Parameters:
//   - root: The root directory to snapshot.
//
// Returns:
//   - *MemVCS: A new MemVCS.
//   - error: An error if the initial snapshot fails.
func NewMemVCS(root string) (*MemVCS, error) {
	v := &MemVCS{
		Root:    root,
		commits: make(map[string]map[string][]byte),
	}
	if _, err := v.commit("initial"); err != nil {
		return nil, err
	}
	return v, nil
}

// Head returns the current commit reference.
func (v *MemVCS) Head(ctx context.Context) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.head, nil
}

// IsClean reports whether the tree matches the head snapshot.
func (v *MemVCS) IsClean(ctx context.Context) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	snap, err := v.snapshot()
	if err != nil {
		return false, err
	}
	return snapshotsEqual(snap, v.commits[v.head]), nil
}

// Commit records the current tree state under a new reference.
func (v *MemVCS) Commit(ctx context.Context, message string) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.commit(message)
}

func (v *MemVCS) commit(message string) (string, error) {
	snap, err := v.snapshot()
	if err != nil {
		return "", err
	}
	ref := fmt.Sprintf("mem-%04d", v.seq)
	v.seq++
	v.commits[ref] = snap
	v.head = ref
	return ref, nil
}

// Reset restores the tree to the given reference's snapshot, deleting
// files that did not exist in it.
func (v *MemVCS) Reset(ctx context.Context, ref string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	snap, ok := v.commits[ref]
	if !ok {
		return fmt.Errorf("unknown commit reference %s", ref)
	}
	current, err := v.snapshot()
	if err != nil {
		return err
	}
	for rel := range current {
		if _, keep := snap[rel]; !keep {
			if err := os.Remove(filepath.Join(v.Root, rel)); err != nil {
				return err
			}
		}
	}
	for rel, content := range snap {
		full := filepath.Join(v.Root, rel)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(full, content, 0o644); err != nil {
			return err
		}
	}
	v.head = ref
	return nil
}

// snapshot captures all visible files under the root, keyed by path
// relative to the root.
func (v *MemVCS) snapshot() (map[string][]byte, error) {
	snap := make(map[string][]byte)
	err := filepath.WalkDir(v.Root, func(
		p string, d fs.DirEntry, err error,
	) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != v.Root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		rel, err := filepath.Rel(v.Root, p)
		if err != nil {
			return err
		}
		content, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		snap[rel] = content
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// Refs returns all commit references in creation order.
func (v *MemVCS) Refs() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	refs := make([]string, 0, len(v.commits))
	for ref := range v.commits {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	return refs
}

func snapshotsEqual(a, b map[string][]byte) bool {
	if len(a) != len(b) {
		return false
	}
	for rel, content := range a {
		other, ok := b[rel]
		if !ok || !bytes.Equal(content, other) {
			return false
		}
	}
	return true
}
