package repository_test

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/glizzus/cronrunner/internal/repository"
	"github.com/google/go-cmp/cmp"
)

// base is whole seconds so every store round-trips it exactly.
var base = time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)

func newInstance(functionID string, fireAt time.Time) repository.NewJobInstance {
	return repository.NewJobInstance{
		Schedule:   "* * * * * *",
		FunctionID: functionID,
		Data:       []byte(`{"n":1}`),
		FireAt:     fireAt,
	}
}

func mustInsert(t *testing.T, repo repository.JobRepository, instance repository.NewJobInstance) int64 {
	t.Helper()
	id, err := repo.Insert(t.Context(), instance)
	if err != nil {
		t.Fatalf("failed to insert job instance: %v", err)
	}
	return id
}

func ids(instances []repository.JobInstance) []int64 {
	out := make([]int64, len(instances))
	for i, instance := range instances {
		out[i] = instance.ID
	}
	return out
}

func decodeData(t *testing.T, data []byte) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("failed to decode data %q: %v", data, err)
	}
	return out
}

// runRepositorySuite checks the claim, completion and release contract
// shared by every JobRepository. newRepo must return an empty store with
// its schema in place.
func runRepositorySuite(t *testing.T, newRepo func(t *testing.T) repository.JobRepository) {
	t.Run("Insert assigns distinct ids and stores rows unclaimed", func(t *testing.T) {
		repo := newRepo(t)
		first := mustInsert(t, repo, newInstance("counter-v1", base))
		second := mustInsert(t, repo, newInstance("counter-v1", base))
		if first == second {
			t.Fatalf("expected distinct ids, got %d twice", first)
		}

		rows, err := repo.List(t.Context(), repository.ListFilter{})
		if err != nil {
			t.Fatalf("failed to list: %v", err)
		}
		if len(rows) != 2 {
			t.Fatalf("expected 2 rows, got %d", len(rows))
		}
		row := rows[0]
		if row.Claimant != nil {
			t.Errorf("expected no claimant, got %q", *row.Claimant)
		}
		if !row.FireAt.Equal(base) {
			t.Errorf("expected fire_at %v, got %v", base, row.FireAt)
		}
		if row.FireAt.Location() != time.UTC {
			t.Errorf("expected fire_at in UTC, got %v", row.FireAt.Location())
		}
		if diff := cmp.Diff(map[string]any{"n": float64(1)}, decodeData(t, row.Data)); diff != "" {
			t.Errorf("data mismatch (-want +got):\n%s", diff)
		}
		if row.Schedule != "* * * * * *" || row.FunctionID != "counter-v1" {
			t.Errorf("unexpected row: %+v", row)
		}
	})

	t.Run("ClaimDue returns due rows ordered by fire time", func(t *testing.T) {
		repo := newRepo(t)
		late := mustInsert(t, repo, newInstance("a-v1", base.Add(-time.Second)))
		early := mustInsert(t, repo, newInstance("a-v1", base.Add(-time.Minute)))
		exact := mustInsert(t, repo, newInstance("a-v1", base))
		future := mustInsert(t, repo, newInstance("a-v1", base.Add(time.Minute)))

		claimed, err := repo.ClaimDue(t.Context(), base, "runner-a")
		if err != nil {
			t.Fatalf("failed to claim: %v", err)
		}
		if diff := cmp.Diff([]int64{early, late, exact}, ids(claimed)); diff != "" {
			t.Errorf("claimed ids mismatch (-want +got):\n%s", diff)
		}
		for _, row := range claimed {
			if !row.IsClaimedBy("runner-a") {
				t.Errorf("expected row %d claimed by runner-a, got %v", row.ID, row.Claimant)
			}
		}

		rows, err := repo.List(t.Context(), repository.ListFilter{})
		if err != nil {
			t.Fatalf("failed to list: %v", err)
		}
		for _, row := range rows {
			if row.ID == future && row.Claimant != nil {
				t.Errorf("future row %d should not be claimed", future)
			}
		}
	})

	t.Run("ClaimDue excludes rows the claimant already holds", func(t *testing.T) {
		repo := newRepo(t)
		mustInsert(t, repo, newInstance("a-v1", base))

		first, err := repo.ClaimDue(t.Context(), base, "runner-a")
		if err != nil {
			t.Fatalf("failed to claim: %v", err)
		}
		if len(first) != 1 {
			t.Fatalf("expected 1 claimed row, got %d", len(first))
		}

		second, err := repo.ClaimDue(t.Context(), base.Add(time.Hour), "runner-a")
		if err != nil {
			t.Fatalf("failed to claim: %v", err)
		}
		if len(second) != 0 {
			t.Errorf("expected nothing on second claim, got %v", ids(second))
		}
	})

	t.Run("ClaimDue adopts rows held by another claimant", func(t *testing.T) {
		repo := newRepo(t)
		id := mustInsert(t, repo, newInstance("a-v1", base))
		if _, err := repo.ClaimDue(t.Context(), base, "runner-a"); err != nil {
			t.Fatalf("failed to claim: %v", err)
		}

		adopted, err := repo.ClaimDue(t.Context(), base, "runner-b")
		if err != nil {
			t.Fatalf("failed to claim: %v", err)
		}
		if diff := cmp.Diff([]int64{id}, ids(adopted)); diff != "" {
			t.Fatalf("adopted ids mismatch (-want +got):\n%s", diff)
		}
		if !adopted[0].IsClaimedBy("runner-b") {
			t.Errorf("expected row claimed by runner-b, got %v", adopted[0].Claimant)
		}
	})

	t.Run("Concurrent claims by one claimant never share a row", func(t *testing.T) {
		repo := newRepo(t)
		const rows = 20
		for i := range rows {
			mustInsert(t, repo, newInstance("a-v1", base.Add(-time.Duration(i)*time.Second)))
		}

		const claimers = 4
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			seen    = make(map[int64]int)
			claimed int
		)
		for range claimers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				got, err := repo.ClaimDue(t.Context(), base, "runner-a")
				if err != nil {
					t.Errorf("failed to claim: %v", err)
					return
				}
				mu.Lock()
				defer mu.Unlock()
				for _, row := range got {
					seen[row.ID]++
					claimed++
				}
			}()
		}
		wg.Wait()

		for id, n := range seen {
			if n > 1 {
				t.Errorf("row %d was claimed %d times", id, n)
			}
		}
		if claimed != rows {
			t.Errorf("expected %d rows claimed in total, got %d", rows, claimed)
		}
	})

	t.Run("Complete with a continuation replaces the row", func(t *testing.T) {
		repo := newRepo(t)
		id := mustInsert(t, repo, newInstance("a-v1", base))
		next := newInstance("a-v1", base.Add(time.Second))
		next.Data = []byte(`{"n":2}`)

		nextID, err := repo.Complete(t.Context(), id, &next)
		if err != nil {
			t.Fatalf("failed to complete: %v", err)
		}
		if nextID == 0 || nextID == id {
			t.Fatalf("expected a new id, got %d", nextID)
		}

		rows, err := repo.List(t.Context(), repository.ListFilter{})
		if err != nil {
			t.Fatalf("failed to list: %v", err)
		}
		if diff := cmp.Diff([]int64{nextID}, ids(rows)); diff != "" {
			t.Fatalf("remaining ids mismatch (-want +got):\n%s", diff)
		}
		if !rows[0].FireAt.Equal(base.Add(time.Second)) {
			t.Errorf("expected continuation at %v, got %v", base.Add(time.Second), rows[0].FireAt)
		}
		if rows[0].Claimant != nil {
			t.Errorf("continuation should start unclaimed, got %q", *rows[0].Claimant)
		}
		if diff := cmp.Diff(map[string]any{"n": float64(2)}, decodeData(t, rows[0].Data)); diff != "" {
			t.Errorf("continuation data mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("Complete without a continuation deletes the row", func(t *testing.T) {
		repo := newRepo(t)
		id := mustInsert(t, repo, newInstance("a-v1", base))

		nextID, err := repo.Complete(t.Context(), id, nil)
		if err != nil {
			t.Fatalf("failed to complete: %v", err)
		}
		if nextID != 0 {
			t.Errorf("expected no continuation id, got %d", nextID)
		}
		rows, err := repo.List(t.Context(), repository.ListFilter{})
		if err != nil {
			t.Fatalf("failed to list: %v", err)
		}
		if len(rows) != 0 {
			t.Errorf("expected empty store, got %v", ids(rows))
		}
	})

	t.Run("Complete of a missing row inserts nothing", func(t *testing.T) {
		repo := newRepo(t)
		next := newInstance("a-v1", base)
		_, err := repo.Complete(t.Context(), 4242, &next)
		if !errors.Is(err, repository.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
		rows, err := repo.List(t.Context(), repository.ListFilter{})
		if err != nil {
			t.Fatalf("failed to list: %v", err)
		}
		if len(rows) != 0 {
			t.Errorf("expected empty store, got %v", ids(rows))
		}
	})

	t.Run("Release clears only the named claimant", func(t *testing.T) {
		repo := newRepo(t)
		id := mustInsert(t, repo, newInstance("a-v1", base))
		if _, err := repo.ClaimDue(t.Context(), base, "runner-a"); err != nil {
			t.Fatalf("failed to claim: %v", err)
		}

		if err := repo.Release(t.Context(), id, "runner-b"); !errors.Is(err, repository.ErrNotFound) {
			t.Errorf("expected ErrNotFound releasing a foreign claim, got %v", err)
		}
		if err := repo.Release(t.Context(), id, "runner-a"); err != nil {
			t.Fatalf("failed to release: %v", err)
		}

		reclaimed, err := repo.ClaimDue(t.Context(), base, "runner-a")
		if err != nil {
			t.Fatalf("failed to claim: %v", err)
		}
		if diff := cmp.Diff([]int64{id}, ids(reclaimed)); diff != "" {
			t.Errorf("released row should be claimable again (-want +got):\n%s", diff)
		}
	})

	t.Run("Release with no claimant frees any holder", func(t *testing.T) {
		repo := newRepo(t)
		id := mustInsert(t, repo, newInstance("a-v1", base))
		if _, err := repo.ClaimDue(t.Context(), base, "runner-a"); err != nil {
			t.Fatalf("failed to claim: %v", err)
		}
		if err := repo.Release(t.Context(), id, ""); err != nil {
			t.Fatalf("failed to release: %v", err)
		}
		rows, err := repo.List(t.Context(), repository.ListFilter{})
		if err != nil {
			t.Fatalf("failed to list: %v", err)
		}
		if rows[0].Claimant != nil {
			t.Errorf("expected claimant cleared, got %q", *rows[0].Claimant)
		}
	})

	t.Run("Delete removes the row once", func(t *testing.T) {
		repo := newRepo(t)
		id := mustInsert(t, repo, newInstance("a-v1", base))
		if err := repo.Delete(t.Context(), id); err != nil {
			t.Fatalf("failed to delete: %v", err)
		}
		if err := repo.Delete(t.Context(), id); !errors.Is(err, repository.ErrNotFound) {
			t.Errorf("expected ErrNotFound on second delete, got %v", err)
		}
		if err := repo.Release(t.Context(), id, ""); !errors.Is(err, repository.ErrNotFound) {
			t.Errorf("expected ErrNotFound releasing a deleted row, got %v", err)
		}
	})

	t.Run("List filters by function id and limits", func(t *testing.T) {
		repo := newRepo(t)
		a1 := mustInsert(t, repo, newInstance("a-v1", base.Add(2*time.Second)))
		mustInsert(t, repo, newInstance("b-v1", base))
		a2 := mustInsert(t, repo, newInstance("a-v1", base.Add(time.Second)))
		mustInsert(t, repo, newInstance("a-v1", base.Add(3*time.Second)))

		rows, err := repo.List(t.Context(), repository.ListFilter{FunctionID: "a-v1", Limit: 2})
		if err != nil {
			t.Fatalf("failed to list: %v", err)
		}
		if diff := cmp.Diff([]int64{a2, a1}, ids(rows)); diff != "" {
			t.Errorf("listed ids mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("EnsureSchema is idempotent", func(t *testing.T) {
		repo := newRepo(t)
		if err := repo.EnsureSchema(t.Context()); err != nil {
			t.Fatalf("failed to ensure schema: %v", err)
		}
		if err := repo.EnsureSchema(t.Context()); err != nil {
			t.Fatalf("failed to ensure schema twice: %v", err)
		}
	})
}
