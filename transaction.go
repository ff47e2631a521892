package codemigrate

import (
	"context"
	"fmt"
	"log"
)

// Txn wraps one migration operation in a commit/revert boundary so the
// operation's effect is either fully committed or fully absent from the
// working tree.
type Txn struct {
	vcs VCS
}

// NewTxn returns a new Txn over the given version-control backend.
//
// Parameters:
//   - vcs: The version-control backend wrapping the working tree.
//
// Returns:
//   - *Txn: A new Txn.
func NewTxn(vcs VCS) *Txn {
	return &Txn{vcs: vcs}
}

// RunApply executes the migration's forward operation inside the
// transaction boundary and returns the commit reference recording its
// effect. When the operation makes no changes, the pre-operation
// reference is returned and no empty commit is created.
//
// Parameters:
//   - ctx: Context to use.
//   - m: The migration to apply.
//   - env: The run environment.
//
// Returns:
//   - string: The commit reference associated with the transition.
//   - error: DirtyWorkingTreeError or MigrationFailedError.
func (t *Txn) RunApply(
	ctx context.Context, m Migration, env *Context,
) (string, error) {
	return t.run(ctx, m, env, "apply")
}

// RunRevert executes the migration's backward operation inside the
// transaction boundary.
//
// Parameters:
//   - ctx: Context to use.
//   - m: The migration to revert.
//   - env: The run environment.
//
// Returns:
//   - string: The commit reference associated with the transition.
//   - error: DirtyWorkingTreeError or MigrationFailedError.
func (t *Txn) RunRevert(
	ctx context.Context, m Migration, env *Context,
) (string, error) {
	return t.run(ctx, m, env, "revert")
}

func (t *Txn) run(
	ctx context.Context, m Migration, env *Context, direction string,
) (string, error) {
	clean, err := t.vcs.IsClean(ctx)
	if err != nil {
		return "", fmt.Errorf("pre-flight check: %w", err)
	}
	if !clean {
		return "", &DirtyWorkingTreeError{Root: env.WorkRoot}
	}

	base, err := t.vcs.Head(ctx)
	if err != nil {
		return "", fmt.Errorf("resolve base commit: %w", err)
	}

	var opErr error
	if direction == "apply" {
		opErr = m.Apply(ctx, env)
	} else {
		opErr = m.Revert(ctx, env)
	}
	if opErr != nil {
		// Discard partial changes; the tree must be bit-identical to
		// its pre-attempt state.
		if resetErr := t.vcs.Reset(ctx, base); resetErr != nil {
			log.Printf(
				"Error resetting working tree to %s after failed %s of %s: %v",
				base, direction, m.ID(), resetErr,
			)
			return "", &MigrationFailedError{
				ID:        m.ID(),
				Direction: direction,
				Cause: fmt.Errorf(
					"%v; also failed to reset working tree: %v",
					opErr, resetErr,
				),
			}
		}
		return "", &MigrationFailedError{
			ID:        m.ID(),
			Direction: direction,
			Cause:     opErr,
		}
	}

	clean, err = t.vcs.IsClean(ctx)
	if err != nil {
		return "", fmt.Errorf("post-operation check: %w", err)
	}
	if clean {
		log.Printf(
			"Migration %s made no changes during %s", m.ID(), direction,
		)
		return base, nil
	}

	ref, err := t.vcs.Commit(
		ctx, fmt.Sprintf("codemigrate: %s %s", direction, m.ID()),
	)
	if err != nil {
		if resetErr := t.vcs.Reset(ctx, base); resetErr != nil {
			log.Printf(
				"Error resetting working tree to %s after failed commit: %v",
				base, resetErr,
			)
		}
		return "", &MigrationFailedError{
			ID:        m.ID(),
			Direction: direction,
			Cause:     fmt.Errorf("commit: %w", err),
		}
	}
	log.Printf(
		"Committed %s of migration %s as %s", direction, m.ID(), ref,
	)
	return ref, nil
}
