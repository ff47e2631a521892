package codemigrate

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Actions recorded in the migration history.
const (
	ActionApplied  = "applied"
	ActionReverted = "reverted"
)

// HistoryEntry is one recorded state transition. History is
// append-oriented: reverting a migration appends a new entry rather
// than deleting the applied one, so audits can reconstruct the full
// migration history.
type HistoryEntry struct {
	ID     string    `json:"id"`
	Action string    `json:"action"`
	VCSRef string    `json:"vcs_ref"`
	Note   string    `json:"note,omitempty"`
	At     time.Time `json:"at"`
}

// StateStore is the durable ledger of applied and reverted migrations.
// It must survive process restarts and tolerate concurrent readers;
// the Manager is the single logical writer per run.
type StateStore interface {
	// RecordApplied appends an applied transition for the identity.
	RecordApplied(ctx context.Context, id, vcsRef, note string) error
	// RecordReverted appends a reverted transition for the identity.
	RecordReverted(ctx context.Context, id, vcsRef, note string) error
	// IsApplied reports whether the identity is currently applied.
	IsApplied(ctx context.Context, id string) (bool, error)
	// AppliedInOrder returns currently applied identities in the order
	// they were applied.
	AppliedInOrder(ctx context.Context) ([]string, error)
	// History returns all recorded transitions in order.
	History(ctx context.Context) ([]HistoryEntry, error)
}

// replayApplied folds a transition history into the ordered list of
// currently applied identities.
func replayApplied(history []HistoryEntry) []string {
	var order []string
	for _, entry := range history {
		switch entry.Action {
		case ActionApplied:
			order = append(order, entry.ID)
		case ActionReverted:
			for i := len(order) - 1; i >= 0; i-- {
				if order[i] == entry.ID {
					order = append(order[:i], order[i+1:]...)
					break
				}
			}
		}
	}
	return order
}

// SQLiteStateStore implements StateStore on a SQLite database file.
type SQLiteStateStore struct {
	db    *sql.DB
	table string
}

var _ StateStore = (*SQLiteStateStore)(nil)

// OpenSQLiteStateStore opens (creating if necessary) a SQLite-backed
// state store at the given path and ensures the history table exists.
//
// Parameters:
//   - path: The SQLite database file path.
//
// Returns:
//   - *SQLiteStateStore: A new SQLiteStateStore.
//   - error: An error if the database cannot be opened or prepared.
func OpenSQLiteStateStore(path string) (*SQLiteStateStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open state database: %w", err)
	}
	s := &SQLiteStateStore{db: db, table: "migration_history"}
	if err := s.ensureTable(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *SQLiteStateStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStateStore) ensureTable(ctx context.Context) error {
	query := fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL,
		action TEXT NOT NULL,
		vcs_ref TEXT NOT NULL,
		note TEXT NOT NULL DEFAULT '',
		at TEXT NOT NULL)`,
		s.table,
	)
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("create history table %s: %w", s.table, err)
	}
	return nil
}

func (s *SQLiteStateStore) record(
	ctx context.Context, id, action, vcsRef, note string,
) error {
	query := fmt.Sprintf(
		`INSERT INTO %s (id, action, vcs_ref, note, at) VALUES (?, ?, ?, ?, ?)`,
		s.table,
	)
	_, err := s.db.ExecContext(
		ctx, query, id, action, vcsRef, note,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("record %s of %s: %w", action, id, err)
	}
	return nil
}

// RecordApplied appends an applied transition for the identity.
func (s *SQLiteStateStore) RecordApplied(
	ctx context.Context, id, vcsRef, note string,
) error {
	return s.record(ctx, id, ActionApplied, vcsRef, note)
}

// RecordReverted appends a reverted transition for the identity.
func (s *SQLiteStateStore) RecordReverted(
	ctx context.Context, id, vcsRef, note string,
) error {
	return s.record(ctx, id, ActionReverted, vcsRef, note)
}

// IsApplied reports whether the identity's latest transition is
// applied.
func (s *SQLiteStateStore) IsApplied(
	ctx context.Context, id string,
) (bool, error) {
	query := fmt.Sprintf(
		`SELECT action FROM %s WHERE id = ? ORDER BY seq DESC LIMIT 1`,
		s.table,
	)
	var action string
	err := s.db.QueryRowContext(ctx, query, id).Scan(&action)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query status of %s: %w", id, err)
	}
	return action == ActionApplied, nil
}

// AppliedInOrder returns currently applied identities in apply order.
func (s *SQLiteStateStore) AppliedInOrder(
	ctx context.Context,
) ([]string, error) {
	history, err := s.History(ctx)
	if err != nil {
		return nil, err
	}
	return replayApplied(history), nil
}

// History returns all recorded transitions in order.
func (s *SQLiteStateStore) History(
	ctx context.Context,
) ([]HistoryEntry, error) {
	query := fmt.Sprintf(
		`SELECT id, action, vcs_ref, note, at FROM %s ORDER BY seq`,
		s.table,
	)
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var history []HistoryEntry
	for rows.Next() {
		var entry HistoryEntry
		var at string
		if err := rows.Scan(
			&entry.ID, &entry.Action, &entry.VCSRef, &entry.Note, &at,
		); err != nil {
			return nil, fmt.Errorf("scan history entry: %w", err)
		}
		entry.At, err = time.Parse(time.RFC3339Nano, at)
		if err != nil {
			return nil, fmt.Errorf("parse history timestamp %q: %w", at, err)
		}
		history = append(history, entry)
	}
	return history, rows.Err()
}

// FileStateStore implements StateStore on a JSON ledger file.
type FileStateStore struct {
	Path string

	mu sync.Mutex
}

var _ StateStore = (*FileStateStore)(nil)

// NewFileStateStore returns a new FileStateStore at the given path.
// The file is created on the first recorded transition.
//
// Parameters:
//   - path: The JSON ledger file path.
//
// Returns:
//   - *FileStateStore: A new FileStateStore.
func NewFileStateStore(path string) *FileStateStore {
	return &FileStateStore{Path: path}
}

type stateLedger struct {
	History []HistoryEntry `json:"history"`
}

func (f *FileStateStore) load() (*stateLedger, error) {
	content, err := os.ReadFile(f.Path)
	if os.IsNotExist(err) {
		return &stateLedger{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state file: %w", err)
	}
	var ledger stateLedger
	if err := json.Unmarshal(content, &ledger); err != nil {
		return nil, fmt.Errorf("parse state file %s: %w", f.Path, err)
	}
	return &ledger, nil
}

func (f *FileStateStore) save(ledger *stateLedger) error {
	content, err := json.MarshalIndent(ledger, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(f.Path), 0o755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	// Write-then-rename so readers never observe a torn ledger.
	tmp := f.Path + ".tmp"
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		return fmt.Errorf("write state file: %w", err)
	}
	if err := os.Rename(tmp, f.Path); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}

func (f *FileStateStore) record(id, action, vcsRef, note string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ledger, err := f.load()
	if err != nil {
		return err
	}
	ledger.History = append(ledger.History, HistoryEntry{
		ID:     id,
		Action: action,
		VCSRef: vcsRef,
		Note:   note,
		At:     time.Now().UTC(),
	})
	return f.save(ledger)
}

// RecordApplied appends an applied transition for the identity.
func (f *FileStateStore) RecordApplied(
	ctx context.Context, id, vcsRef, note string,
) error {
	return f.record(id, ActionApplied, vcsRef, note)
}

// RecordReverted appends a reverted transition for the identity.
func (f *FileStateStore) RecordReverted(
	ctx context.Context, id, vcsRef, note string,
) error {
	return f.record(id, ActionReverted, vcsRef, note)
}

// IsApplied reports whether the identity's latest transition is
// applied.
func (f *FileStateStore) IsApplied(
	ctx context.Context, id string,
) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ledger, err := f.load()
	if err != nil {
		return false, err
	}
	for i := len(ledger.History) - 1; i >= 0; i-- {
		if ledger.History[i].ID == id {
			return ledger.History[i].Action == ActionApplied, nil
		}
	}
	return false, nil
}

// AppliedInOrder returns currently applied identities in apply order.
func (f *FileStateStore) AppliedInOrder(
	ctx context.Context,
) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ledger, err := f.load()
	if err != nil {
		return nil, err
	}
	return replayApplied(ledger.History), nil
}

// History returns all recorded transitions in order.
func (f *FileStateStore) History(
	ctx context.Context,
) ([]HistoryEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ledger, err := f.load()
	if err != nil {
		return nil, err
	}
	return ledger.History, nil
}
