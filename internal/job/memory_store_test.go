package job

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedStore(t *testing.T, store *MemoryStore, jobs ...*Job) {
	t.Helper()
	for _, j := range jobs {
		if j.Payload == nil {
			j.Payload = json.RawMessage(`{}`)
		}
		require.NoError(t, store.Create(context.Background(), j))
	}
}

func TestMemoryStoreListWithFilters(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Now().Add(-2 * time.Minute)

	seedStore(t, store,
		&Job{ID: "j1", Kind: KindExecuteOrder, Status: StatusPending, MaxRetries: 3},
		&Job{ID: "j2", Kind: KindExecuteStrategy, Status: StatusPending, MaxRetries: 3, Payload: json.RawMessage(`{"strategy_id":"0xabc"}`)},
		&Job{ID: "j3", Kind: KindExecuteOrder, Status: StatusPending, MaxRetries: 3},
	)
	require.NoError(t, store.MarkFailed(ctx, "j2", CodeJobProcessing, "boom", true))
	require.NoError(t, store.MarkSucceeded(ctx, "j3", json.RawMessage(`{"ok":true}`)))

	store.mu.Lock()
	store.jobs["j1"].UpdatedAt = base.Unix()
	store.jobs["j2"].UpdatedAt = base.Add(30 * time.Second).Unix()
	store.jobs["j3"].UpdatedAt = base.Add(60 * time.Second).Unix()
	store.mu.Unlock()

	all, err := store.List(ctx, ListOptions{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "j3", all[0].ID)

	asc, err := store.List(ctx, BuildListOptions([]ListOption{WithSortOrder(SortByUpdatedAsc)}))
	require.NoError(t, err)
	assert.Equal(t, "j1", asc[0].ID)

	failed, err := store.List(ctx, BuildListOptions([]ListOption{WithStatuses(StatusFailed)}))
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "j2", failed[0].ID)
	assert.Equal(t, string(CodeJobProcessing), failed[0].ErrorCode)

	orders, err := store.List(ctx, BuildListOptions([]ListOption{WithKinds(KindExecuteOrder)}))
	require.NoError(t, err)
	assert.Len(t, orders, 2)

	recent, err := store.List(ctx, BuildListOptions([]ListOption{WithUpdatedSince(base.Add(15 * time.Second))}))
	require.NoError(t, err)
	assert.Len(t, recent, 2)

	byQuery, err := store.List(ctx, BuildListOptions([]ListOption{WithQuery("0xabc")}))
	require.NoError(t, err)
	require.Len(t, byQuery, 1)
	assert.Equal(t, "j2", byQuery[0].ID)

	paged, err := store.List(ctx, BuildListOptions([]ListOption{WithLimit(1), WithOffset(1)}))
	require.NoError(t, err)
	require.Len(t, paged, 1)
	assert.Equal(t, "j2", paged[0].ID)
}

func TestMemoryStoreStats(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	seedStore(t, store,
		&Job{ID: "a", Kind: KindExecuteOrder, Status: StatusPending, MaxRetries: 3},
		&Job{ID: "b", Kind: KindExecuteOrder, Status: StatusPending, MaxRetries: 3},
		&Job{ID: "c", Kind: KindExecuteStrategy, Status: StatusPending, MaxRetries: 3},
	)
	require.NoError(t, store.MarkFailed(ctx, "b", CodeJobProcessing, "boom", true))
	require.NoError(t, store.MarkSucceeded(ctx, "c", json.RawMessage(`{}`)))

	stats, err := store.Stats(ctx, ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, Stats{
		Total: 3, Pending: 1, Failed: 1, Succeeded: 1,
		OldestUpdatedAt: stats.OldestUpdatedAt, NewestUpdatedAt: stats.NewestUpdatedAt,
	}, stats)

	strategies, err := store.Stats(ctx, BuildListOptions([]ListOption{WithKinds(KindExecuteStrategy)}))
	require.NoError(t, err)
	assert.Equal(t, 1, strategies.Total)
	assert.Equal(t, 1, strategies.Succeeded)
}

func TestMemoryStoreClaimLifecycle(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	seedStore(t, store, &Job{ID: "x", Kind: KindExecuteOrder, Status: StatusPending, MaxRetries: 2})

	claimed, err := store.Claim(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, claimed.Status)
	assert.Equal(t, 1, claimed.Attempts)

	_, err = store.Claim(ctx, "x")
	assert.ErrorIs(t, err, ErrJobConflict)

	require.NoError(t, store.MarkFailed(ctx, "x", CodeJobProcessing, "retry me", false))
	retry, err := store.Claim(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, 2, retry.Attempts)

	require.NoError(t, store.MarkFailed(ctx, "x", CodeJobProcessing, "again", false))
	_, err = store.Claim(ctx, "x")
	assert.ErrorIs(t, err, ErrJobExhausted)

	_, err = store.Claim(ctx, "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
	assert.True(t, IsJobError(err, CodeJobNotFound))
}
