package metrics

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecorder_Counts(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRecorder(reg)

	r.RunStarted()
	r.LLMCall(RoleActor, OutcomeOK, time.Second)
	r.LLMCall(RoleActor, OutcomeError, time.Second)
	r.SectionFinished("COMPLETED")
	r.RunFinished("COMPLETED")

	assert.Equal(t, 1.0, testutil.ToFloat64(r.runs.WithLabelValues("COMPLETED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.llmCalls.WithLabelValues(RoleActor, OutcomeError)))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.sections.WithLabelValues("COMPLETED")))
	assert.Equal(t, 0.0, testutil.ToFloat64(r.activeRuns))

	n, err := testutil.GatherAndCount(reg, "testplan_llm_calls_total")
	assert.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestRecorder_NilIsSafe(t *testing.T) {
	var r *Recorder
	assert.NotPanics(t, func() {
		r.RunStarted()
		r.RunFinished("FAILED")
		r.SectionFinished("FAILED")
		r.LLMCall(RoleCritic, OutcomeTimeout, time.Millisecond)
	})
}

func TestOutcomeOf(t *testing.T) {
	assert.Equal(t, OutcomeOK, OutcomeOf(nil))
	assert.Equal(t, OutcomeError, OutcomeOf(errors.New("boom")))
	assert.Equal(t, OutcomeTimeout, OutcomeOf(context.DeadlineExceeded))
	assert.Equal(t, OutcomeTimeout, OutcomeOf(fmt.Errorf("query: %w", context.DeadlineExceeded)))
}
