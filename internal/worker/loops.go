package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/glizzus/cronrunner/internal/job"
	"github.com/glizzus/cronrunner/internal/repository"
	"github.com/glizzus/cronrunner/internal/schedule"
)

type outcome struct {
	next    any
	err     error
	elapsed time.Duration
}

// execution is one dispatched job body. The finalizer reads done exactly once.
type execution struct {
	instance   repository.JobInstance
	definition *job.Definition
	input      any
	done       chan outcome
}

func (e *execution) run(ctx context.Context) {
	start := time.Now()
	var out outcome
	defer func() {
		if p := recover(); p != nil {
			out = outcome{err: fmt.Errorf("job panicked: %v\n%s", p, debug.Stack())}
		}
		out.elapsed = time.Since(start)
		e.done <- out
	}()

	jobID := strconv.FormatInt(e.instance.ID, 10)
	out.next, out.err = e.definition.Call(ctx, jobID, e.instance.Schedule, e.input)
}

// initialize claims due rows every period until ctx is cancelled or the
// session aborts.
func (r *Runner) initialize(ctx context.Context, s *session) {
	defer close(s.initDone)

	// Bodies outlive the initializer so that Stop can drain them.
	jobCtx := context.WithoutCancel(ctx)

	for {
		timer := time.NewTimer(r.period)
		if err := r.claimAndDispatch(jobCtx, s); err != nil {
			timer.Stop()
			s.logger.Error("initializer aborted", "error", err)
			s.fail(err)
			return
		}

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.abort:
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (r *Runner) claimAndDispatch(jobCtx context.Context, s *session) error {
	claimed, err := r.repo.ClaimDue(s.storeCtx, time.Now().UTC(), s.identity)
	if err != nil {
		return fmt.Errorf("failed to claim due jobs: %w", err)
	}
	if len(claimed) == 0 {
		return nil
	}
	r.metrics.addClaimed(len(claimed))
	s.logger.Debug("claimed due jobs", "count", len(claimed))

	for _, instance := range claimed {
		logger := s.logger.With(
			"jobID", instance.ID,
			"functionID", instance.FunctionID,
			"schedule", instance.Schedule,
		)

		def, ok := r.jobs.Lookup(instance.FunctionID)
		if !ok {
			logger.Error("no job registered for function id, leaving job claimed")
			r.metrics.recordOutcome(instance.FunctionID, outcomeSkipped)
			continue
		}
		input, err := def.Decode(instance.Data)
		if err != nil {
			logger.Error("failed to decode job data, leaving job claimed", "error", err)
			r.metrics.recordOutcome(instance.FunctionID, outcomeSkipped)
			continue
		}

		exec := &execution{
			instance:   instance,
			definition: def,
			input:      input,
			done:       make(chan outcome, 1),
		}
		go exec.run(jobCtx)

		if !s.queue.push(exec) {
			return errors.New("job queue closed while dispatching")
		}
		r.metrics.addQueued(1)
		logger.Debug("job dispatched", "fireAt", instance.FireAt)
	}
	return nil
}

// finalize handles executions in dispatch order until the queue is closed
// and empty, or a store write fails.
func (r *Runner) finalize(s *session) {
	defer close(s.finalDone)

	for {
		exec, ok := s.queue.pop()
		if !ok {
			return
		}
		r.metrics.addQueued(-1)

		out := <-exec.done
		if err := r.finalizeOne(s, exec, out); err != nil {
			s.logger.Error("finalizer aborted", "error", err)
			s.fail(err)
			return
		}
	}
}

func (r *Runner) finalizeOne(s *session, exec *execution, out outcome) error {
	instance := exec.instance
	functionID := instance.FunctionID
	logger := s.logger.With(
		"jobID", instance.ID,
		"functionID", functionID,
		"schedule", instance.Schedule,
		"fireAt", instance.FireAt,
	)
	r.metrics.observeDuration(functionID, out.elapsed)

	if out.err != nil {
		logger.Error("job failed", "error", out.err, "failurePolicy", r.policy.String())
		r.metrics.recordOutcome(functionID, outcomeFailed)
		return r.handleFailure(s, instance)
	}

	var next *repository.NewJobInstance
	if out.next != nil {
		n, err := r.continuation(exec, out.next)
		switch {
		case errors.Is(err, schedule.ErrNoNextFire):
			logger.Warn("schedule has no further occurrence, ending series", "error", err)
		case err != nil:
			logger.Error("failed to build continuation", "error", err)
			r.metrics.recordOutcome(functionID, outcomeFailed)
			return r.handleFailure(s, instance)
		default:
			next = n
		}
	}

	nextID, err := r.repo.Complete(s.storeCtx, instance.ID, next)
	if errors.Is(err, repository.ErrNotFound) {
		logger.Warn("job row disappeared before completion, dropping continuation")
		r.metrics.recordOutcome(functionID, outcomeSkipped)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to complete job %d: %w", instance.ID, err)
	}

	r.metrics.recordOutcome(functionID, outcomeSucceeded)
	if next != nil {
		logger.Info("job completed", "nextJobID", nextID, "nextFireAt", next.FireAt, "elapsed", out.elapsed)
	} else {
		logger.Info("job completed, series finished", "elapsed", out.elapsed)
	}
	return nil
}

// continuation builds the next row of the series, anchored on the fire time
// of the row just run rather than on the clock.
func (r *Runner) continuation(exec *execution, next any) (*repository.NewJobInstance, error) {
	instance := exec.instance
	fireAt, err := schedule.NextFire(instance.Schedule, &instance.FireAt)
	if err != nil {
		return nil, err
	}
	data, err := exec.definition.Encode(next)
	if err != nil {
		return nil, err
	}
	return &repository.NewJobInstance{
		Schedule:   instance.Schedule,
		FunctionID: instance.FunctionID,
		Data:       data,
		FireAt:     fireAt,
	}, nil
}

func (r *Runner) handleFailure(s *session, instance repository.JobInstance) error {
	if r.policy != ReleaseClaim {
		return nil
	}
	err := r.repo.Release(s.storeCtx, instance.ID, s.identity)
	if errors.Is(err, repository.ErrNotFound) {
		s.logger.Warn("failed job is no longer held by this runner", "jobID", instance.ID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to release job %d: %w", instance.ID, err)
	}
	return nil
}
