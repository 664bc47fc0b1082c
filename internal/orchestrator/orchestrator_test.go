package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/testplan-agent/internal/agents"
	"github.com/jonathan/testplan-agent/internal/llm/llmtest"
	"github.com/jonathan/testplan-agent/internal/state"
	"github.com/jonathan/testplan-agent/internal/types"
)

var models = []string{"ollama/a", "ollama/b"}

func setup(t *testing.T, titles ...string) (*state.Runs, []types.Section) {
	t.Helper()
	mr := miniredis.RunT(t)
	store := state.NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}), time.Second)
	t.Cleanup(func() { _ = store.Close() })
	runs := state.NewRuns(store, "", 0)

	ctx := context.Background()
	require.NoError(t, runs.CreateRun(ctx, &types.Run{ID: "r1", Title: "Plan"}))
	secs := make([]types.Section, len(titles))
	for i, title := range titles {
		secs[i] = types.Section{Index: i, Title: title, Content: "The unit shall do " + title}
	}
	require.NoError(t, runs.InitSections(ctx, "r1", secs))
	require.NoError(t, runs.Transition(ctx, "r1", types.RunProcessing))
	return runs, secs
}

func newOrchestrator(runs *state.Runs, client *llmtest.MockClient, opts Options) *Orchestrator {
	actors := agents.NewActorPool(client, agents.ActorConfig{}, nil, nil)
	critic := agents.NewCritic(client, "ollama/a", agents.CriticConfig{}, nil, nil)
	return New(runs, actors, critic, models, opts)
}

func statuses(t *testing.T, runs *state.Runs) []types.SectionStatus {
	t.Helper()
	secs, err := runs.ListSections(context.Background(), "r1")
	require.NoError(t, err)
	out := make([]types.SectionStatus, len(secs))
	for i, s := range secs {
		out[i] = s.Status
	}
	return out
}

func TestProcessAll_CompletesEverySection(t *testing.T) {
	runs, secs := setup(t, "1. Scope", "2. Requirements", "3. Appendix")
	client := &llmtest.MockClient{}

	var mu sync.Mutex
	var updates []SectionUpdate
	orch := newOrchestrator(runs, client, Options{
		Config: Config{BatchSize: 2},
		OnSection: func(u SectionUpdate) {
			mu.Lock()
			updates = append(updates, u)
			mu.Unlock()
		},
	})

	results := orch.ProcessAll(context.Background(), "r1", secs)
	require.Len(t, results, 3)
	assert.Equal(t, []types.SectionStatus{types.SectionCompleted, types.SectionCompleted, types.SectionCompleted}, statuses(t, runs))

	run, err := runs.GetRun(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, 3, run.SectionsProcessed)

	stored, err := runs.CriticResults(context.Background(), "r1")
	require.NoError(t, err)
	assert.Len(t, stored, 3)
	assert.Equal(t, "TP-2.1", stored[1].DerivedItems[0].ID)

	// 2 actors + 1 critic per section
	assert.Equal(t, 9, client.Calls())
	assert.Len(t, updates, 3)
}

func TestProcessAll_AbortStopsNewWork(t *testing.T) {
	titles := []string{"T-alpha", "T-bravo", "T-charlie", "T-delta", "T-echo", "T-foxtrot"}
	runs, secs := setup(t, titles...)

	var once sync.Once
	var mu sync.Mutex
	var prompts []string
	client := &llmtest.MockClient{
		QueryFunc: func(_ context.Context, _, prompt string) (string, error) {
			once.Do(func() {
				assert.NoError(t, runs.SetAbort(context.Background(), "r1", 0))
			})
			mu.Lock()
			prompts = append(prompts, prompt)
			mu.Unlock()
			return "1. Check", nil
		},
	}
	orch := newOrchestrator(runs, client, Options{Config: Config{BatchSize: 2}})
	orch.ProcessAll(context.Background(), "r1", secs)

	got := statuses(t, runs)
	for i := 2; i < len(titles); i++ {
		assert.Equal(t, types.SectionAborted, got[i], "section %d", i)
		for _, p := range prompts {
			assert.NotContains(t, p, titles[i])
		}
	}
	assert.Contains(t, []types.SectionStatus{types.SectionCompleted, types.SectionAborted}, got[0])
}

func TestProcessAll_AbortBeforeStartSubmitsNothing(t *testing.T) {
	runs, secs := setup(t, "A", "B", "C")
	require.NoError(t, runs.SetAbort(context.Background(), "r1", 0))
	client := &llmtest.MockClient{}

	results := newOrchestrator(runs, client, Options{}).ProcessAll(context.Background(), "r1", secs)
	assert.Empty(t, results)
	assert.Zero(t, client.Calls())
	assert.Equal(t, []types.SectionStatus{types.SectionAborted, types.SectionAborted, types.SectionAborted}, statuses(t, runs))
}

func TestProcessAll_CriticFailureMarksSectionFailed(t *testing.T) {
	runs, secs := setup(t, "1. Good", "2. Bad")
	client := &llmtest.MockClient{
		QueryFunc: func(_ context.Context, _, prompt string) (string, error) {
			if strings.Contains(prompt, "Merge the drafts") && strings.Contains(prompt, "2. Bad") {
				return "", errors.New("critic down")
			}
			return "1. Check", nil
		},
	}

	results := newOrchestrator(runs, client, Options{}).ProcessAll(context.Background(), "r1", secs)
	require.Len(t, results, 1)
	assert.Equal(t, "1. Good", results[0].SectionTitle)
	assert.Equal(t, []types.SectionStatus{types.SectionCompleted, types.SectionFailed}, statuses(t, runs))
}

func TestProcessAll_BatchTimeoutHarvestsCompleted(t *testing.T) {
	runs, secs := setup(t, "1. Fast", "2. Slow")
	client := &llmtest.MockClient{
		QueryFunc: func(ctx context.Context, _, prompt string) (string, error) {
			if strings.Contains(prompt, "2. Slow") {
				<-ctx.Done()
				return "", ctx.Err()
			}
			return "1. Check", nil
		},
	}
	orch := newOrchestrator(runs, client, Options{Config: Config{SectionBudget: 100 * time.Millisecond}})

	start := time.Now()
	results := orch.ProcessAll(context.Background(), "r1", secs)
	assert.Less(t, time.Since(start), 2*time.Second)
	require.Len(t, results, 1)
	assert.Equal(t, "1. Fast", results[0].SectionTitle)

	assert.Eventually(t, func() bool {
		status, err := runs.SectionStatus(context.Background(), "r1", 1)
		return err == nil && status == types.SectionFailed
	}, 2*time.Second, 20*time.Millisecond)
}
