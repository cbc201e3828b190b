package ledger

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStores(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()

	sqliteStore, err := OpenSQLiteStore(filepath.Join(dir, "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqliteStore.Close() })

	levelStore, err := OpenLevelDBStore(filepath.Join(dir, "ledger-leveldb"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = levelStore.Close() })

	return map[string]Store{
		"sqlite":  sqliteStore,
		"leveldb": levelStore,
	}
}

func TestAppendBuildsGenesisAndChainsHashes(t *testing.T) {
	for name, store := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			first, err := store.Append(ctx, "agent:coder", ActionInboundIntent, map[string]any{"content": "src/main.py"}, "v1.0.0")
			require.NoError(t, err)
			require.Equal(t, GenesisHash, first.PreviousEventHash)
			require.NotEmpty(t, first.EventHash)

			second, err := store.Append(ctx, "agent:coder", ActionPolicyEvalApproved, map[string]any{"intent_event_id": first.ID}, "v1.0.0")
			require.NoError(t, err)
			require.Equal(t, first.EventHash, second.PreviousEventHash)

			result, err := store.Verify(ctx, 0)
			require.NoError(t, err)
			require.True(t, result.ChainValid)
			require.Equal(t, 2, result.TotalEvents)
			require.Empty(t, result.BreakAt)
		})
	}
}

func TestVerifyDetectsTamperedField(t *testing.T) {
	for name, store := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			event, err := store.Append(ctx, "agent:coder", ActionInboundIntent, map[string]any{"content": "ls"}, "v1.0.0")
			require.NoError(t, err)

			tampered := event
			tampered.ActorID = "agent:impostor"
			ok, err := VerifyEventHash(tampered)
			require.NoError(t, err)
			require.False(t, ok)
		})
	}
}

func TestListFiltersByActor(t *testing.T) {
	for name, store := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := store.Append(ctx, "agent:a", ActionInboundIntent, map[string]any{}, "v1.0.0")
			require.NoError(t, err)
			_, err = store.Append(ctx, "agent:b", ActionInboundIntent, map[string]any{}, "v1.0.0")
			require.NoError(t, err)

			events, err := store.List(ctx, Filter{ActorID: "agent:a"}, 0, 10)
			require.NoError(t, err)
			require.Len(t, events, 1)
			require.Equal(t, "agent:a", events[0].ActorID)
		})
	}
}

func TestGetByIDReturnsNotFound(t *testing.T) {
	for name, store := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.GetByID(context.Background(), "does-not-exist")
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestAppendDuplicatePreviousHashConflicts(t *testing.T) {
	store, err := OpenLevelDBStore(filepath.Join(t.TempDir(), "ledger"))
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	_, err = store.Append(ctx, "agent:a", ActionInboundIntent, map[string]any{}, "v1.0.0")
	require.NoError(t, err)

	// Re-using a previous_event_hash never happens through the public API
	// alone; rewinding the in-memory tip makes the next Append reuse
	// GENESIS, exercising the guard so (I1) is enforced rather than
	// merely assumed.
	exists, err := store.db.Has([]byte(prevHashIndexPref+GenesisHash), nil)
	require.NoError(t, err)
	require.True(t, exists)

	store.seq = 0
	_, err = store.Append(ctx, "agent:a", ActionInboundIntent, map[string]any{}, "v1.0.0")
	require.ErrorIs(t, err, ErrChainSerializationConflict)
}
