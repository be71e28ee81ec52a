package dataset

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openMemory(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInsertAndList(t *testing.T) {
	ctx := context.Background()
	s := openMemory(t)

	r := &Record{Category: "alpha", Label: "first", Value: 1.5}
	require.NoError(t, s.Insert(ctx, r))
	assert.NotZero(t, r.ID)

	require.NoError(t, s.InsertBatch(ctx, []Record{
		{Category: "beta", Label: "second", Value: 2},
		{Category: "alpha", Label: "third", Value: 3},
	}))

	all, err := s.List(ctx, Query{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"first", "second", "third"}, []string{all[0].Label, all[1].Label, all[2].Label})
	assert.WithinDuration(t, time.Now(), all[0].CreatedAt, time.Minute)

	alpha, err := s.List(ctx, Query{Category: "alpha"})
	require.NoError(t, err)
	require.Len(t, alpha, 2)
	assert.Equal(t, "third", alpha[1].Label)

	page, err := s.List(ctx, Query{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "second", page[0].Label)
}

func TestSeedOnlyFillsEmptyStore(t *testing.T) {
	ctx := context.Background()
	s := openMemory(t)

	require.NoError(t, s.Seed(ctx, 250))
	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 250, n)

	require.NoError(t, s.Seed(ctx, 100))
	n, err = s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 250, n)
}

func TestRunsAndSummary(t *testing.T) {
	ctx := context.Background()
	s := openMemory(t)

	require.NoError(t, s.InsertBatch(ctx, []Record{
		{Category: "alpha", Label: "a", Value: 1},
		{Category: "alpha", Label: "b", Value: 2},
		{Category: "beta", Label: "c", Value: 4},
	}))

	for i, id := range []string{"s1", "s2"} {
		run := &Run{StreamID: id, Worker: "pool-0", Items: 10 * (i + 1), Chunks: i + 1, Duration: 250 * time.Millisecond}
		require.NoError(t, s.InsertRun(ctx, run))
		assert.NotZero(t, run.ID)
	}
	require.NoError(t, s.InsertRun(ctx, &Run{
		StreamID:   "old",
		Worker:     "pool-1",
		FinishedAt: time.Now().UTC().Add(-72 * time.Hour),
	}))

	runs, err := s.RecentRuns(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "old", runs[0].StreamID)
	assert.Equal(t, "s2", runs[1].StreamID)
	assert.Equal(t, 250*time.Millisecond, runs[1].Duration)
	assert.Equal(t, 20, runs[1].Items)

	sum, err := s.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Records)
	assert.Equal(t, map[string]int{"alpha": 2, "beta": 1}, sum.Categories)
	assert.InDelta(t, 7.0, sum.TotalValue, 1e-9)
	assert.Equal(t, 3, sum.Runs)
	assert.Equal(t, 2, sum.TodayRuns)
}

func TestOpenCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dataset.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Insert(context.Background(), &Record{Category: "x", Label: "y"}))
	require.NoError(t, s.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()
	n, err := reopened.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
