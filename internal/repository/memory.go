package repository

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryJobRepository keeps job instances in process memory. It offers the
// same claim semantics as the durable stores but survives nothing.
type MemoryJobRepository struct {
	mu     sync.Mutex
	rows   map[int64]JobInstance
	nextID int64
}

func NewMemoryJobRepository() *MemoryJobRepository {
	return &MemoryJobRepository{rows: make(map[int64]JobInstance)}
}

func (r *MemoryJobRepository) EnsureSchema(ctx context.Context) error {
	return nil
}

func (r *MemoryJobRepository) Insert(ctx context.Context, instance NewJobInstance) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.insertLocked(instance), nil
}

func (r *MemoryJobRepository) insertLocked(instance NewJobInstance) int64 {
	r.nextID++
	r.rows[r.nextID] = JobInstance{
		ID:         r.nextID,
		Schedule:   instance.Schedule,
		FunctionID: instance.FunctionID,
		Data:       append([]byte(nil), instance.Data...),
		FireAt:     instance.FireAt.UTC(),
	}
	return r.nextID
}

func (r *MemoryJobRepository) ClaimDue(ctx context.Context, now time.Time, claimant string) ([]JobInstance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var claimed []JobInstance
	for id, row := range r.rows {
		if row.FireAt.After(now) || row.IsClaimedBy(claimant) {
			continue
		}
		owner := claimant
		row.Claimant = &owner
		r.rows[id] = row
		claimed = append(claimed, copyInstance(row))
	}
	sortByFireAt(claimed)
	return claimed, nil
}

func (r *MemoryJobRepository) Complete(ctx context.Context, id int64, next *NewJobInstance) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.rows[id]; !ok {
		return 0, fmt.Errorf("complete job %d: %w", id, ErrNotFound)
	}
	delete(r.rows, id)
	if next == nil {
		return 0, nil
	}
	return r.insertLocked(*next), nil
}

func (r *MemoryJobRepository) Delete(ctx context.Context, id int64) error {
	_, err := r.Complete(ctx, id, nil)
	return err
}

func (r *MemoryJobRepository) Release(ctx context.Context, id int64, claimant string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	row, ok := r.rows[id]
	if !ok || (claimant != "" && !row.IsClaimedBy(claimant)) {
		return fmt.Errorf("release job %d: %w", id, ErrNotFound)
	}
	row.Claimant = nil
	r.rows[id] = row
	return nil
}

func (r *MemoryJobRepository) List(ctx context.Context, filter ListFilter) ([]JobInstance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []JobInstance
	for _, row := range r.rows {
		if filter.FunctionID != "" && row.FunctionID != filter.FunctionID {
			continue
		}
		out = append(out, copyInstance(row))
	}
	sortByFireAt(out)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func copyInstance(row JobInstance) JobInstance {
	row.Data = append([]byte(nil), row.Data...)
	if row.Claimant != nil {
		owner := *row.Claimant
		row.Claimant = &owner
	}
	return row
}

var _ JobRepository = (*MemoryJobRepository)(nil)
