package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glizzus/cronrunner/internal/job"
	"github.com/glizzus/cronrunner/internal/repository"
	"github.com/glizzus/cronrunner/internal/worker"
)

type Heartbeat struct {
	Beats int       `json:"beats"`
	Since time.Time `json:"since"`
}

var heartbeatJob = job.MustRegister("heartbeat", 1, func(ctx context.Context, jobID string, schedule string, in Heartbeat) (*Heartbeat, error) {
	in.Beats++
	slog.InfoContext(ctx, "heartbeat",
		"jobID", jobID,
		"schedule", schedule,
		"beats", in.Beats,
		"since", in.Since,
	)
	return &in, nil
})

// ensureHeartbeat submits the heartbeat series unless one is already pending.
func ensureHeartbeat(ctx context.Context, repo repository.JobRepository, runner *worker.Runner, schedule string) error {
	pending, err := repo.List(ctx, repository.ListFilter{FunctionID: heartbeatJob.FunctionID, Limit: 1})
	if err != nil {
		return fmt.Errorf("failed to look up heartbeat: %w", err)
	}
	if len(pending) > 0 {
		slog.Info("heartbeat already scheduled", "jobID", pending[0].ID, "fireAt", pending[0].FireAt)
		return nil
	}

	id, err := runner.Submit(ctx, heartbeatJob, Heartbeat{Since: time.Now().UTC()}, schedule, nil)
	if err != nil {
		return fmt.Errorf("failed to submit heartbeat: %w", err)
	}
	slog.Info("heartbeat scheduled", "jobID", id, "schedule", schedule)
	return nil
}
