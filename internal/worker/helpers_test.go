package worker_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glizzus/cronrunner/internal/generator"
	"github.com/glizzus/cronrunner/internal/job"
	"github.com/glizzus/cronrunner/internal/repository"
	"github.com/glizzus/cronrunner/internal/worker"
)

type Counter struct {
	N int `json:"n"`
}

// sequenceGenerator hands out runner-1, runner-2, ...
type sequenceGenerator struct {
	n atomic.Int64
}

func (g *sequenceGenerator) Next() (string, error) {
	return fmt.Sprintf("runner-%d", g.n.Add(1)), nil
}

var _ generator.Generator[string] = (*sequenceGenerator)(nil)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newRunner(t *testing.T, cfg worker.Config) *worker.Runner {
	t.Helper()
	if cfg.Period == 0 {
		cfg.Period = 10 * time.Millisecond
	}
	if cfg.Identity == nil {
		cfg.Identity = &sequenceGenerator{}
	}
	if cfg.Logger == nil {
		cfg.Logger = quietLogger()
	}
	r, err := worker.New(cfg)
	if err != nil {
		t.Fatalf("failed to create runner: %v", err)
	}
	t.Cleanup(func() {
		if r.State() != worker.StateStopped {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = r.Stop(ctx)
		}
	})
	return r
}

func start(t *testing.T, r *worker.Runner) {
	t.Helper()
	if err := r.Start(t.Context()); err != nil {
		t.Fatalf("failed to start runner: %v", err)
	}
}

func stop(t *testing.T, r *worker.Runner) {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	if err := r.Stop(ctx); err != nil {
		t.Fatalf("failed to stop runner: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func listAll(t *testing.T, repo repository.JobRepository) []repository.JobInstance {
	t.Helper()
	rows, err := repo.List(t.Context(), repository.ListFilter{})
	if err != nil {
		t.Fatalf("failed to list jobs: %v", err)
	}
	return rows
}

// dueNow returns an anchor for "@every 1h" whose next fire time is already
// in the past, on a whole second.
func dueNow() *time.Time {
	anchor := time.Now().UTC().Truncate(time.Second).Add(-2 * time.Hour)
	return &anchor
}

// recorder collects the inputs a job body saw.
type recorder struct {
	mu   sync.Mutex
	seen []int
}

func (r *recorder) add(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, n)
}

func (r *recorder) values() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.seen...)
}

func mustRegister[T any](t *testing.T, name string, body job.Func[T]) *job.Definition {
	t.Helper()
	def, err := job.RegisterFunc(name, 1, body)
	if err != nil {
		t.Fatalf("failed to register %s: %v", name, err)
	}
	return def
}
