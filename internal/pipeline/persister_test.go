package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/testplan-agent/internal/docstore"
	"github.com/jonathan/testplan-agent/internal/state"
	"github.com/jonathan/testplan-agent/internal/types"
)

func newPersister(t *testing.T, cfg PersistConfig) (*Persister, *state.Runs, *docstore.Memory) {
	t.Helper()
	mr := miniredis.RunT(t)
	store := state.NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}), time.Second)
	t.Cleanup(func() { _ = store.Close() })
	runs := state.NewRuns(store, "", 0)
	require.NoError(t, runs.CreateRun(context.Background(), &types.Run{ID: "r1", Title: "Plan"}))

	docs := docstore.NewMemory()
	return NewPersister(docs, runs, cfg, nil), runs, docs
}

func artifact() types.FinalArtifact {
	return types.FinalArtifact{
		Title:             "Plan",
		RunID:             "r1",
		TotalSections:     2,
		TotalDerivedItems: 3,
		ConsolidatedText:  "## 1. Scope\n1. Check power\n2. Check reset\n\n## 2. Radio\n1. Check band",
		Status:            types.RunCompleted,
	}
}

func TestPersist_IsIdempotent(t *testing.T) {
	p, runs, docs := newPersister(t, PersistConfig{})
	ctx := context.Background()

	first, err := p.Persist(ctx, "r1", artifact())
	require.NoError(t, err)
	assert.Equal(t, &PersistResult{DocumentID: "testplan_r1", Collection: "generated_test_plans", Reused: false}, first)

	second, err := p.Persist(ctx, "r1", artifact())
	require.NoError(t, err)
	assert.Equal(t, &PersistResult{DocumentID: "testplan_r1", Collection: "generated_test_plans", Reused: true}, second)
	assert.Equal(t, 1, docs.AddCalls)

	run, err := runs.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "testplan_r1", run.GeneratedDocumentID)
	assert.Equal(t, "generated_test_plans", run.GeneratedCollection)
}

func TestPersist_ConcurrentWritersConverge(t *testing.T) {
	p, _, docs := newPersister(t, PersistConfig{PollInterval: 5 * time.Millisecond})

	var wg sync.WaitGroup
	results := make([]*PersistResult, 4)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := p.Persist(context.Background(), "r1", artifact())
			assert.NoError(t, err)
			results[i] = res
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, docs.AddCalls)
	fresh := 0
	for _, res := range results {
		require.NotNil(t, res)
		assert.Equal(t, "testplan_r1", res.DocumentID)
		if !res.Reused {
			fresh++
		}
	}
	assert.Equal(t, 1, fresh)
}

func TestPersist_LockHeldElsewhere(t *testing.T) {
	p, runs, docs := newPersister(t, PersistConfig{LockWait: 30 * time.Millisecond, PollInterval: 5 * time.Millisecond})
	ctx := context.Background()
	require.NoError(t, runs.AcquireLock(ctx, "r1", "someone-else", time.Minute))

	_, err := p.Persist(ctx, "r1", artifact())
	assert.ErrorIs(t, err, state.ErrLockHeld)
	assert.Zero(t, docs.AddCalls)
}

func TestPersist_WritesValidatedMetadata(t *testing.T) {
	p, _, docs := newPersister(t, PersistConfig{Collection: "plans", Prefix: "tp"})
	p.now = func() time.Time { return time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC) }

	res, err := p.Persist(context.Background(), "r1", artifact())
	require.NoError(t, err)
	assert.Equal(t, "tp_r1", res.DocumentID)

	text, meta, ok := docs.Get("plans", "tp_r1")
	require.True(t, ok)
	assert.Equal(t, artifact().ConsolidatedText, text)
	assert.Equal(t, "Plan", meta["title"])
	assert.Equal(t, ArtifactType, meta["type"])
	assert.Equal(t, "r1", meta["run_id"])
	assert.Equal(t, "2026-03-04T05:06:07Z", meta["generated_at"])
	assert.Equal(t, "COMPLETED", meta["status"])
	assert.Equal(t, 2, meta["total_sections"])
	assert.Equal(t, 3, meta["total_requirements"])
	assert.Equal(t, 3, meta["total_procedures"])
	assert.Equal(t, 15, meta["word_count"])

	reconstructed, err := docs.Reconstruct(context.Background(), "tp_r1", "plans")
	require.NoError(t, err)
	assert.Equal(t, "Plan", reconstructed.DocumentName)
}

func TestPersist_UnknownRun(t *testing.T) {
	p, _, _ := newPersister(t, PersistConfig{})
	_, err := p.Persist(context.Background(), "missing", artifact())
	assert.ErrorIs(t, err, state.ErrRunNotFound)
}

func TestRemoveGenerated(t *testing.T) {
	p, runs, docs := newPersister(t, PersistConfig{})
	ctx := context.Background()

	removed, err := p.RemoveGenerated(ctx, "r1")
	require.NoError(t, err)
	assert.False(t, removed)

	_, err = p.Persist(ctx, "r1", artifact())
	require.NoError(t, err)

	removed, err = p.RemoveGenerated(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, removed)
	_, _, ok := docs.Get("generated_test_plans", "testplan_r1")
	assert.False(t, ok)

	run, err := runs.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Empty(t, run.GeneratedDocumentID)
}
