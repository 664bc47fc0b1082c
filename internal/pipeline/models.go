package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/jonathan/testplan-agent/internal/metrics"
	"github.com/jonathan/testplan-agent/internal/types"
)

var errProbeFailed = errors.New("health check failed")

// resolveModels decides which models a run uses. Configured models are kept
// when every provider has credentials and the critic answers a health check;
// otherwise every role moves to the local fallback model. It never fails.
func (r *Runner) resolveModels(ctx context.Context, requested types.Models) (types.Models, *types.ModelFallback) {
	fallback := func(reason string) (types.Models, *types.ModelFallback) {
		r.logger.Warn("using fallback model", "model", r.cfg.FallbackModel, "reason", reason)
		return requested.WithFallback(r.cfg.FallbackModel), &types.ModelFallback{Model: r.cfg.FallbackModel, Reason: reason}
	}

	if missing := r.llmConfig.MissingCredentials(requested.All()); len(missing) > 0 {
		return fallback("missing credentials: " + strings.Join(missing, "; "))
	}

	if err := r.probe(ctx, requested.Critic); err != nil {
		return fallback(fmt.Sprintf("critic model %s failed health check: %v", requested.Critic, err))
	}
	return requested, nil
}

// probe checks model with bounded exponential retry. Panics in the client
// count as failed attempts.
func (r *Runner) probe(ctx context.Context, model string) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = r.cfg.ProbeInterval
	eb.MaxInterval = 10 * r.cfg.ProbeInterval
	eb.MaxElapsedTime = 0

	attempts := r.cfg.ProbeAttempts
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(attempts-1)), ctx)

	op := func() (err error) {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("probe panicked: %v", p)
			}
		}()
		start := time.Now()
		ok := r.llm.Probe(ctx, model)
		outcome := metrics.OutcomeOK
		if !ok {
			outcome = metrics.OutcomeError
		}
		r.metrics.LLMCall(metrics.RoleProbe, outcome, time.Since(start))
		if !ok {
			return errProbeFailed
		}
		return nil
	}
	return backoff.Retry(op, policy)
}
