// Package pipeline implements the job execution engine: durable, memoized
// steps per job, rate-governed admission, and bounded per-step retries.
// Jobs are linear step chains, not DAGs; that is all the two supported job
// types need.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"

	"github.com/veselov/askdoc/internal/govern"
	"github.com/veselov/askdoc/internal/storage"
)

// JobStore is the durable job state the engine drives.
type JobStore interface {
	StepStore
	CreateJob(job storage.Job) error
	GetJob(id string) (storage.Job, error)
	ClaimNextJob(types []string) (*storage.Job, error)
	RequeueRunningJobs(types []string) (int, error)
	DeferJob(id string, retryAfter time.Duration) error
	CompleteJob(id string, resultJSON string) error
	FailJob(id string, failedStep, errMsg string) error
}

// JobFunc runs a job's step chain via the provided StepRunner and returns
// the job's final output (JSON-serializable).
type JobFunc func(ctx context.Context, r *StepRunner) (any, error)

// JobDef declares one job type: its step chain and how to derive the
// rate-limit key from the trigger payload (nil or empty means no per-key
// rate limiting for this type).
type JobDef struct {
	Type    string
	RateKey func(payload json.RawMessage) string
	Run     JobFunc
}

// Options tunes the engine.
type Options struct {
	Workers      int           // concurrent jobs; default 4
	PollInterval time.Duration // dispatcher idle poll; default 250ms
	Retry        RetryPolicy   // per-step retry policy
}

// Engine drives jobs through their step chains: admission via the rate
// governor, concurrent execution on a worker pool, terminal state recorded
// in the job store.
type Engine struct {
	store  JobStore
	gov    *govern.Governor
	pool   *ants.Pool
	defs   map[string]JobDef
	types  []string
	opts   Options
	logger *slog.Logger
	wake   chan struct{}
}

// New creates an Engine. Register job types before calling Run.
func New(store JobStore, gov *govern.Governor, opts Options) (*Engine, error) {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 250 * time.Millisecond
	}
	opts.Retry = opts.Retry.normalized()

	pool, err := ants.NewPool(opts.Workers)
	if err != nil {
		return nil, fmt.Errorf("creating worker pool: %w", err)
	}

	return &Engine{
		store:  store,
		gov:    gov,
		pool:   pool,
		defs:   make(map[string]JobDef),
		opts:   opts,
		logger: slog.Default().With("component", "pipeline"),
		wake:   make(chan struct{}, 1),
	}, nil
}

// Register adds a job type. Must be called before Run.
func (e *Engine) Register(def JobDef) {
	e.defs[def.Type] = def
	e.types = append(e.types, def.Type)
}

// Close releases the worker pool.
func (e *Engine) Close() {
	e.pool.Release()
}

// Trigger validates and enqueues a new job, returning its id. The job runs
// asynchronously once the dispatcher admits it.
func (e *Engine) Trigger(jobType string, payload any) (string, error) {
	if _, ok := e.defs[jobType]; !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownJobType, jobType)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encoding trigger payload: %w", err)
	}

	id := uuid.New().String()
	if err := e.store.CreateJob(storage.Job{ID: id, Type: jobType, PayloadJSON: string(data)}); err != nil {
		return "", fmt.Errorf("creating job: %w", err)
	}

	// Nudge the dispatcher so a freshly triggered job doesn't wait out the
	// poll interval.
	select {
	case e.wake <- struct{}{}:
	default:
	}

	e.logger.Info("job triggered", "job_id", id, "type", jobType)
	return id, nil
}

// GetJob returns the current state of a job.
func (e *Engine) GetJob(id string) (storage.Job, error) {
	return e.store.GetJob(id)
}

// Wait polls until the job reaches a terminal state or timeout elapses.
// Timing out is the caller's error (ErrWaitTimeout); the job keeps running.
func (e *Engine) Wait(ctx context.Context, id string, timeout time.Duration) (storage.Job, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		job, err := e.store.GetJob(id)
		if err != nil {
			return storage.Job{}, err
		}
		if job.Terminal() {
			return job, nil
		}
		if time.Now().After(deadline) {
			return job, fmt.Errorf("job %s still %s: %w", id, job.Status, ErrWaitTimeout)
		}

		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Run dispatches jobs until ctx is cancelled. Claimed jobs pass admission
// control; admitted jobs execute concurrently on the worker pool, deferred
// jobs return to the queue with their retry-after delay.
func (e *Engine) Run(ctx context.Context) {
	// Jobs a previous process claimed but never finished are stuck in
	// running and unclaimable. Return them to pending; their completed
	// steps replay from step records.
	if n, err := e.store.RequeueRunningJobs(e.types); err != nil {
		e.logger.Error("requeueing interrupted jobs", "error", err)
	} else if n > 0 {
		e.logger.Info("requeued interrupted jobs", "count", n)
	}

	for {
		if ctx.Err() != nil {
			return
		}

		dispatched, err := e.dispatchOne(ctx)
		if err != nil {
			e.logger.Error("dispatch failed", "error", err)
		}
		if dispatched {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-e.wake:
		case <-time.After(e.opts.PollInterval):
		}
	}
}

// dispatchOne claims and dispatches a single runnable job. Returns true if
// a job was claimed (admitted or deferred).
func (e *Engine) dispatchOne(ctx context.Context) (bool, error) {
	job, err := e.store.ClaimNextJob(e.types)
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	def := e.defs[job.Type]

	rateKey := ""
	if def.RateKey != nil {
		rateKey = def.RateKey(json.RawMessage(job.PayloadJSON))
	}

	// Admission is evaluated once per job start, not per step.
	decision := e.gov.Admit(job.Type, rateKey)
	if !decision.Admitted {
		e.logger.Info("job deferred", "job_id", job.ID, "type", job.Type, "retry_after", decision.RetryAfter)
		if err := e.store.DeferJob(job.ID, decision.RetryAfter); err != nil {
			return true, fmt.Errorf("deferring job %s: %w", job.ID, err)
		}
		return true, nil
	}

	claimed := *job
	if err := e.pool.Submit(func() { e.runJob(ctx, claimed, def) }); err != nil {
		// Pool refused (released or overloaded); put the job back.
		if deferErr := e.store.DeferJob(claimed.ID, e.opts.PollInterval); deferErr != nil {
			e.logger.Error("requeueing unsubmitted job", "job_id", claimed.ID, "error", deferErr)
		}
		return true, fmt.Errorf("submitting job %s: %w", claimed.ID, err)
	}
	return true, nil
}

// runJob executes the job's step chain and records the terminal state.
func (e *Engine) runJob(ctx context.Context, job storage.Job, def JobDef) {
	logger := e.logger.With("job_id", job.ID, "type", job.Type)
	logger.Info("job started")

	runner := NewStepRunner(e.store, job.ID, json.RawMessage(job.PayloadJSON), e.opts.Retry)

	result, err := def.Run(ctx, runner)
	if err != nil {
		// Shutdown is not a job failure: put the job back so the next run
		// resumes it from its completed steps.
		if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			logger.Info("job interrupted", "error", err)
			if deferErr := e.store.DeferJob(job.ID, 0); deferErr != nil {
				logger.Error("requeueing interrupted job", "error", deferErr)
			}
			return
		}

		failedStep := ""
		var se *StepError
		if errors.As(err, &se) {
			failedStep = se.Step
		}
		logger.Warn("job failed", "step", failedStep, "error", err)
		if failErr := e.store.FailJob(job.ID, failedStep, err.Error()); failErr != nil {
			logger.Error("recording job failure", "error", failErr)
		}
		return
	}

	data, err := json.Marshal(result)
	if err != nil {
		logger.Error("encoding job result", "error", err)
		if failErr := e.store.FailJob(job.ID, "", fmt.Sprintf("encoding result: %v", err)); failErr != nil {
			logger.Error("recording job failure", "error", failErr)
		}
		return
	}

	if err := e.store.CompleteJob(job.ID, string(data)); err != nil {
		logger.Error("recording job success", "error", err)
		return
	}
	logger.Info("job succeeded")
}
