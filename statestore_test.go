package codemigrate

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplayApplied(t *testing.T) {
	history := []HistoryEntry{
		{ID: "a", Action: ActionApplied},
		{ID: "b", Action: ActionApplied},
		{ID: "c", Action: ActionApplied},
		{ID: "c", Action: ActionReverted},
		{ID: "c", Action: ActionApplied},
		{ID: "b", Action: ActionReverted},
	}
	assert.Equal(t, []string{"a", "c"}, replayApplied(history))
	assert.Empty(t, replayApplied(nil))
}

// stateStoreContract exercises the behavior every StateStore must
// share, regardless of backend.
func stateStoreContract(t *testing.T, store StateStore) {
	ctx := context.Background()

	applied, err := store.IsApplied(ctx, "a")
	require.NoError(t, err)
	assert.False(t, applied)

	order, err := store.AppliedInOrder(ctx)
	require.NoError(t, err)
	assert.Empty(t, order)

	require.NoError(t, store.RecordApplied(ctx, "a", "ref-1", ""))
	require.NoError(t, store.RecordApplied(ctx, "b", "ref-2", "note"))

	applied, err = store.IsApplied(ctx, "a")
	require.NoError(t, err)
	assert.True(t, applied)

	order, err = store.AppliedInOrder(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, order)

	// Revert appends to the history instead of erasing the applied
	// entry.
	require.NoError(t, store.RecordReverted(ctx, "b", "ref-3", ""))

	applied, err = store.IsApplied(ctx, "b")
	require.NoError(t, err)
	assert.False(t, applied)

	order, err = store.AppliedInOrder(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, order)

	history, err := store.History(ctx)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "a", history[0].ID)
	assert.Equal(t, ActionApplied, history[0].Action)
	assert.Equal(t, "ref-1", history[0].VCSRef)
	assert.Equal(t, "b", history[2].ID)
	assert.Equal(t, ActionReverted, history[2].Action)
	assert.False(t, history[0].At.IsZero())

	// Re-applying after a revert makes the identity applied again.
	require.NoError(t, store.RecordApplied(ctx, "b", "ref-4", ""))
	order, err = store.AppliedInOrder(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, order)
}

func TestFileStateStore(t *testing.T) {
	t.Run("contract", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "state", "ledger.json")
		stateStoreContract(t, NewFileStateStore(path))
	})

	t.Run("survives reopening", func(t *testing.T) {
		ctx := context.Background()
		path := filepath.Join(t.TempDir(), "ledger.json")

		first := NewFileStateStore(path)
		require.NoError(t, first.RecordApplied(ctx, "a", "ref-1", ""))

		second := NewFileStateStore(path)
		order, err := second.AppliedInOrder(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"a"}, order)
	})
}

func TestSQLiteStateStore(t *testing.T) {
	t.Run("contract", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "state", "history.db")
		store, err := OpenSQLiteStateStore(path)
		require.NoError(t, err)
		defer store.Close()
		stateStoreContract(t, store)
	})

	t.Run("survives reopening", func(t *testing.T) {
		ctx := context.Background()
		path := filepath.Join(t.TempDir(), "history.db")

		first, err := OpenSQLiteStateStore(path)
		require.NoError(t, err)
		require.NoError(t, first.RecordApplied(ctx, "a", "ref-1", ""))
		require.NoError(t, first.Close())

		second, err := OpenSQLiteStateStore(path)
		require.NoError(t, err)
		defer second.Close()
		order, err := second.AppliedInOrder(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"a"}, order)
	})
}
