package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/veselov/askdoc/internal/storage"
)

// StepStore is the slice of the job store the step runner needs: durable
// step records keyed by (job id, step name).
type StepStore interface {
	GetStepRecord(jobID, stepName string) (storage.StepRecord, error)
	SaveStepResult(jobID, stepName, resultJSON string) error
	SaveStepFailure(jobID, stepName, errMsg string) error
}

// RetryPolicy bounds per-step retries. Backoff doubles per attempt.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

// DefaultRetryPolicy mirrors the reference configuration.
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 3, Backoff: 200 * time.Millisecond}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultRetryPolicy.MaxAttempts
	}
	if p.Backoff <= 0 {
		p.Backoff = DefaultRetryPolicy.Backoff
	}
	return p
}

// StepRunner executes the named steps of one job, memoizing each step's
// result so it is computed at most once per job regardless of retries,
// duplicate triggers, or process restarts.
type StepRunner struct {
	JobID   string
	Payload json.RawMessage

	store  StepStore
	policy RetryPolicy
	logger *slog.Logger

	// sleep is swappable in tests to avoid real backoff waits.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewStepRunner creates a runner for one job.
func NewStepRunner(store StepStore, jobID string, payload json.RawMessage, policy RetryPolicy) *StepRunner {
	return &StepRunner{
		JobID:   jobID,
		Payload: payload,
		store:   store,
		policy:  policy.normalized(),
		logger:  slog.Default().With("job_id", jobID),
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Step runs one named, memoized unit of work. If a previous run of this job
// already completed the step, the stored result is returned without
// invoking compute. Otherwise compute runs under the retry policy: bounded
// attempts with doubling backoff, no retry after a Fatal error. Exhaustion
// returns a StepError naming the step.
//
// compute must be idempotent from the caller's perspective: external
// effects it performs (vector upserts, model calls) must be safe to repeat.
func Step[T any](ctx context.Context, r *StepRunner, name string, compute func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	rec, err := r.store.GetStepRecord(r.JobID, name)
	switch {
	case err == nil && rec.Status == storage.StepSucceeded:
		var v T
		if err := json.Unmarshal([]byte(rec.ResultJSON), &v); err != nil {
			return zero, fmt.Errorf("decoding stored result of step %s: %w", name, err)
		}
		r.logger.Debug("step memoized", "step", name)
		return v, nil
	case err != nil && !errors.Is(err, storage.ErrNotFound):
		return zero, fmt.Errorf("loading step record %s: %w", name, err)
	}

	attempts := rec.AttemptCount
	var lastErr error
	for attempt := 0; attempt < r.policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			backoff := r.policy.Backoff << (attempt - 1)
			if err := r.sleep(ctx, backoff); err != nil {
				return zero, err
			}
		}

		v, err := compute(ctx)
		if err == nil {
			data, err := json.Marshal(v)
			if err != nil {
				return zero, fmt.Errorf("encoding result of step %s: %w", name, err)
			}
			if err := r.store.SaveStepResult(r.JobID, name, string(data)); err != nil {
				return zero, fmt.Errorf("persisting result of step %s: %w", name, err)
			}
			return v, nil
		}

		lastErr = err
		attempts++
		if saveErr := r.store.SaveStepFailure(r.JobID, name, err.Error()); saveErr != nil {
			r.logger.Error("persisting step failure", "step", name, "error", saveErr)
		}
		r.logger.Warn("step attempt failed", "step", name, "attempt", attempt+1, "error", err)

		if IsFatal(err) || ctx.Err() != nil {
			break
		}
	}

	return zero, &StepError{Step: name, Attempts: attempts, Err: lastErr}
}
