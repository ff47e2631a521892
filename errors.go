package codemigrate

import (
	"fmt"
	"strings"
)

// DiscoveryError describes a migration definition that failed to load.
// Discovery collects these instead of aborting, so one malformed
// definition does not hide the rest of the candidate set.
type DiscoveryError struct {
	// Source identifies where the bad definition came from, usually a
	// manifest file path.
	Source string
	Err    error
}

// Error returns the error message.
func (e DiscoveryError) Error() string {
	return fmt.Sprintf("discovery %s: %v", e.Source, e.Err)
}

// Unwrap returns the underlying cause.
func (e DiscoveryError) Unwrap() error {
	return e.Err
}

// UnresolvedDependencyError reports a migration that depends on an
// identity not present in the candidate set.
type UnresolvedDependencyError struct {
	Unit    string
	Missing string
}

// Error returns the error message.
func (e *UnresolvedDependencyError) Error() string {
	return fmt.Sprintf(
		"migration %s depends on unknown migration %s", e.Unit, e.Missing,
	)
}

// CyclicDependencyError reports a dependency cycle. Path holds the
// identities forming the cycle in order, with the first identity
// repeated at the end.
type CyclicDependencyError struct {
	Path []string
}

// Error returns the error message.
func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf(
		"dependency cycle: %s", strings.Join(e.Path, " -> "),
	)
}

// UnknownTargetError reports a target identity that is not in the
// candidate set (or, for rollbacks, not currently applied).
type UnknownTargetError struct {
	Target string
}

// Error returns the error message.
func (e *UnknownTargetError) Error() string {
	return fmt.Sprintf("unknown target migration %s", e.Target)
}

// DirtyWorkingTreeError reports uncommitted changes in the working tree
// before a migration transaction was allowed to start. The engine
// refuses to run rather than conflate unrelated edits with a
// migration's own changes.
type DirtyWorkingTreeError struct {
	Root string
}

// Error returns the error message.
func (e *DirtyWorkingTreeError) Error() string {
	return fmt.Sprintf(
		"working tree %s has uncommitted changes; commit or reset first",
		e.Root,
	)
}

// MigrationFailedError reports a migration operation that failed inside
// its transaction. The working tree has been reset to its pre-attempt
// state when this error is returned.
type MigrationFailedError struct {
	ID        string
	Direction string // "apply" or "revert"
	Cause     error
}

// Error returns the error message.
func (e *MigrationFailedError) Error() string {
	return fmt.Sprintf(
		"migration %s failed during %s: %v", e.ID, e.Direction, e.Cause,
	)
}

// Unwrap returns the underlying cause.
func (e *MigrationFailedError) Unwrap() error {
	return e.Cause
}

// ConcurrentRunError reports that another run holds the write lease for
// the target codebase.
type ConcurrentRunError struct {
	Path   string
	Holder string
}

// Error returns the error message.
func (e *ConcurrentRunError) Error() string {
	return fmt.Sprintf(
		"another migration run holds the lease at %s (holder %s)",
		e.Path, e.Holder,
	)
}
