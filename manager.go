package codemigrate

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
)

// RecordStatus is the terminal state of one migration within a run.
type RecordStatus string

// Terminal states per migration per run.
const (
	StatusApplied  RecordStatus = "applied"
	StatusReverted RecordStatus = "reverted"
	StatusSkipped  RecordStatus = "skipped"
	StatusFailed   RecordStatus = "failed"
)

// ExecutionRecord reports the outcome of one migration in a run.
type ExecutionRecord struct {
	RunID  string
	ID     string
	Status RecordStatus
	VCSRef string
	Note   string
	At     time.Time
}

// DiscoveryResult is the candidate set plus any definition errors.
type DiscoveryResult struct {
	Candidates []Migration
	Errors     []DiscoveryError
}

// StatusReport lists currently applied and pending migrations.
type StatusReport struct {
	Applied []string
	Pending []string
}

// Manager orchestrates discovery, graph validation, scheduling,
// transactional execution, and state recording. It is the only
// component external callers talk to.
type Manager struct {
	WorkRoot        string
	Sources         []MigrationSource
	Store           StateStore
	VCS             VCS
	Lock            RunLock
	StrictDiscovery bool
}

// NewManager returns a new Manager for the given working tree. The run
// lock defaults to a lease file under the working tree's state
// directory.
//
// Parameters:
//   - workRoot: The root directory of the codebase being migrated.
//   - store: The state store recording applied migrations.
//   - vcs: The version-control backend wrapping the working tree.
//
// Returns:
//   - *Manager: A new Manager.
func NewManager(workRoot string, store StateStore, vcs VCS) *Manager {
	return &Manager{
		WorkRoot: workRoot,
		Store:    store,
		VCS:      vcs,
		Lock: NewFileRunLock(
			filepath.Join(workRoot, ".codemigrate", "lease"),
		),
	}
}

// WithSources returns a new Manager with the given migration sources.
//
// Parameters:
//   - sources: A slice of MigrationSource instances.
//
// Returns:
//   - *Manager: A new Manager.
func (m *Manager) WithSources(sources []MigrationSource) *Manager {
	new := *m
	new.Sources = sources
	return &new
}

// WithStore returns a new Manager with the given state store.
//
// Parameters:
//   - store: A StateStore instance.
//
// Returns:
//   - *Manager: A new Manager.
func (m *Manager) WithStore(store StateStore) *Manager {
	new := *m
	new.Store = store
	return &new
}

// WithVCS returns a new Manager with the given version-control
// backend.
//
// Parameters:
//   - vcs: A VCS instance.
//
// Returns:
//   - *Manager: A new Manager.
func (m *Manager) WithVCS(vcs VCS) *Manager {
	new := *m
	new.VCS = vcs
	return &new
}

// WithLock returns a new Manager with the given run lock.
//
// Parameters:
//   - lock: A RunLock instance.
//
// Returns:
//   - *Manager: A new Manager.
func (m *Manager) WithLock(lock RunLock) *Manager {
	new := *m
	new.Lock = lock
	return &new
}

// WithStrictDiscovery returns a new Manager with the strict discovery
// flag set. A strict Manager refuses to plan or run when any migration
// definition failed to load.
//
// Parameters:
//   - strict: Whether discovery errors are fatal.
//
// Returns:
//   - *Manager: A new Manager.
func (m *Manager) WithStrictDiscovery(strict bool) *Manager {
	new := *m
	new.StrictDiscovery = strict
	return &new
}

// Discover enumerates candidate migrations from all sources. It does
// not mutate any state. Definitions that fail to load are reported in
// the result's Errors alongside the still-usable candidate set, unless
// the Manager is strict.
//
// Returns:
//   - *DiscoveryResult: Candidates and definition errors.
//   - error: An error in strict mode when any definition failed.
func (m *Manager) Discover() (*DiscoveryResult, error) {
	var (
		candidates []Migration
		errs       []DiscoveryError
	)
	seen := make(map[string]bool)
	for _, src := range m.Sources {
		migs, es := src.LoadMigrations()
		errs = append(errs, es...)
		for _, mig := range migs {
			if seen[mig.ID()] {
				log.Printf("Skipping duplicate migration %s", mig.ID())
				errs = append(errs, DiscoveryError{
					Source: mig.ID(),
					Err:    fmt.Errorf("duplicate migration identity"),
				})
				continue
			}
			seen[mig.ID()] = true
			candidates = append(candidates, mig)
		}
	}
	sortMigrations(candidates)
	log.Printf(
		"Discovered %d candidate migrations (%d definition errors)",
		len(candidates), len(errs),
	)
	result := &DiscoveryResult{Candidates: candidates, Errors: errs}
	if m.StrictDiscovery && len(errs) > 0 {
		return result, fmt.Errorf(
			"strict discovery: %d migration definitions failed to load; "+
				"first: %v",
			len(errs), errs[0],
		)
	}
	return result, nil
}

// Plan computes the execution order without side effects: discovery,
// graph validation, and scheduling exactly as a real run would, then
// stops. Safe to call repeatedly.
//
// Parameters:
//   - ctx: Context to use.
//   - target: Optional target identity; empty plans the full order.
//
// Returns:
//   - []string: Migration identities in execution order.
//   - error: Validation errors (unresolved dependency, cycle, unknown
//     target).
func (m *Manager) Plan(ctx context.Context, target string) ([]string, error) {
	order, _, err := m.plan(target)
	return order, err
}

// plan runs discovery, validation, and scheduling, keeping the graph
// for migration lookup during execution.
func (m *Manager) plan(target string) ([]string, *DependencyGraph, error) {
	result, err := m.Discover()
	if err != nil {
		return nil, nil, err
	}
	g, err := BuildDependencyGraph(result.Candidates)
	if err != nil {
		return nil, nil, err
	}
	var order []string
	if target == "" {
		order, err = Schedule(g)
	} else {
		order, err = ScheduleTarget(g, target)
	}
	if err != nil {
		return nil, nil, err
	}
	return order, g, nil
}

// Migrate applies all pending migrations in schedule order, each inside
// its own version-control transaction. Already-applied migrations are
// skipped; migrations reporting not-needed are recorded as no-op skips.
// The run halts at the first hard failure; migrations committed earlier
// in the run stay applied.
//
// Parameters:
//   - ctx: Context to use.
//   - target: Optional target identity; empty applies everything.
//
// Returns:
//   - []ExecutionRecord: Outcomes for migrations the run reached.
//   - error: The halting error, if any.
func (m *Manager) Migrate(
	ctx context.Context, target string,
) ([]ExecutionRecord, error) {
	release, err := m.Lock.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	order, g, err := m.plan(target)
	if err != nil {
		return nil, err
	}
	log.Printf("Starting migrate run over %d scheduled migrations", len(order))

	runID := uuid.NewString()
	env := NewContext(m.WorkRoot)
	txn := NewTxn(m.VCS)

	var records []ExecutionRecord
	count := 0
	for _, id := range order {
		applied, err := m.Store.IsApplied(ctx, id)
		if err != nil {
			return records, fmt.Errorf("query state of %s: %w", id, err)
		}
		if applied {
			log.Printf("Skip applied migration %s", id)
			continue
		}

		mig, _ := g.Migration(id)
		needed, err := mig.IsNeeded(ctx, env)
		if err != nil {
			records = append(records, newRecord(runID, id, StatusFailed,
				"", err.Error()))
			return records, fmt.Errorf(
				"migration %s: applicability check: %w", id, err,
			)
		}
		if !needed {
			log.Printf("Skip migration %s: not needed", id)
			records = append(records, newRecord(runID, id, StatusSkipped,
				"", "not needed"))
			continue
		}

		log.Printf("Applying migration %s", id)
		ref, err := txn.RunApply(ctx, mig, env)
		if err != nil {
			records = append(records, newRecord(runID, id, StatusFailed,
				"", err.Error()))
			return records, err
		}
		if err := m.Store.RecordApplied(ctx, id, ref, ""); err != nil {
			return records, fmt.Errorf(
				"migration %s committed as %s but recording failed: %w",
				id, ref, err,
			)
		}
		records = append(records, newRecord(runID, id, StatusApplied, ref, ""))
		count++
		log.Printf("Migration %s applied successfully", id)
	}
	log.Printf("Migrate complete. Total migrations applied: %d", count)
	return records, nil
}

// Rollback reverts applied migrations in the reverse of the recorded
// apply order, never a recomputed forward order. With an empty target,
// only the most recently applied migration is reverted; with a target,
// everything applied after the target is reverted and the target
// itself stays applied. A revert failure halts further rollback;
// migrations already reverted in the call stay reverted.
//
// Parameters:
//   - ctx: Context to use.
//   - target: Optional identity to keep; empty reverts the most recent.
//
// Returns:
//   - []ExecutionRecord: Outcomes for migrations the run reached.
//   - error: The halting error, if any.
func (m *Manager) Rollback(
	ctx context.Context, target string,
) ([]ExecutionRecord, error) {
	release, err := m.Lock.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	applied, err := m.Store.AppliedInOrder(ctx)
	if err != nil {
		return nil, fmt.Errorf("query applied migrations: %w", err)
	}
	if len(applied) == 0 {
		log.Printf("No applied migrations to roll back")
		return nil, nil
	}

	var toUndo []string
	if target == "" {
		toUndo = []string{applied[len(applied)-1]}
	} else {
		idx := -1
		for i, id := range applied {
			if id == target {
				idx = i
				break
			}
		}
		if idx < 0 {
			return nil, &UnknownTargetError{Target: target}
		}
		for i := len(applied) - 1; i > idx; i-- {
			toUndo = append(toUndo, applied[i])
		}
	}
	log.Printf("Starting rollback of %d migrations", len(toUndo))

	result, err := m.Discover()
	if err != nil {
		return nil, err
	}
	index := make(map[string]Migration, len(result.Candidates))
	for _, mig := range result.Candidates {
		index[mig.ID()] = mig
	}

	runID := uuid.NewString()
	env := NewContext(m.WorkRoot)
	txn := NewTxn(m.VCS)

	var records []ExecutionRecord
	for _, id := range toUndo {
		mig, ok := index[id]
		if !ok {
			err := fmt.Errorf(
				"applied migration %s is no longer discoverable", id,
			)
			records = append(records, newRecord(runID, id, StatusFailed,
				"", err.Error()))
			return records, err
		}
		log.Printf("Rolling back migration %s", id)
		ref, err := txn.RunRevert(ctx, mig, env)
		if err != nil {
			records = append(records, newRecord(runID, id, StatusFailed,
				"", err.Error()))
			return records, err
		}
		if err := m.Store.RecordReverted(ctx, id, ref, ""); err != nil {
			return records, fmt.Errorf(
				"migration %s reverted as %s but recording failed: %w",
				id, ref, err,
			)
		}
		records = append(records, newRecord(runID, id, StatusReverted,
			ref, ""))
		log.Printf("Migration %s rolled back successfully", id)
	}
	log.Printf("Rollback complete. Total migrations reverted: %d", len(toUndo))
	return records, nil
}

// Status reports currently applied migrations and the pending remainder
// of the full schedule. It does not mutate any state.
//
// Parameters:
//   - ctx: Context to use.
//
// Returns:
//   - *StatusReport: Applied and pending identity lists.
//   - error: Validation errors from planning.
func (m *Manager) Status(ctx context.Context) (*StatusReport, error) {
	applied, err := m.Store.AppliedInOrder(ctx)
	if err != nil {
		return nil, fmt.Errorf("query applied migrations: %w", err)
	}
	order, _, err := m.plan("")
	if err != nil {
		return nil, err
	}
	appliedSet := make(map[string]bool, len(applied))
	for _, id := range applied {
		appliedSet[id] = true
	}
	var pending []string
	for _, id := range order {
		if !appliedSet[id] {
			pending = append(pending, id)
		}
	}
	return &StatusReport{Applied: applied, Pending: pending}, nil
}

func newRecord(
	runID, id string, status RecordStatus, ref, note string,
) ExecutionRecord {
	return ExecutionRecord{
		RunID:  runID,
		ID:     id,
		Status: status,
		VCSRef: ref,
		Note:   note,
		At:     time.Now().UTC(),
	}
}

// sortMigrations orders migrations by the engine-wide ordering key.
func sortMigrations(migs []Migration) {
	sort.Slice(migs, func(i, j int) bool {
		return orderingLess(
			migs[i].Version(), migs[i].ID(),
			migs[j].Version(), migs[j].ID(),
		)
	})
}
