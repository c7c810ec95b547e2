package repository

import (
	"context"
	"errors"
	"slices"
	"time"
)

// ErrNotFound is returned when no job instance matches the requested id
// (and, for Release, the requested claimant).
var ErrNotFound = errors.New("job instance not found")

// JobInstance is one pending or in-flight occurrence of a job series.
type JobInstance struct {
	ID         int64
	Schedule   string
	FunctionID string
	Data       []byte
	FireAt     time.Time
	Claimant   *string
}

// NewJobInstance is a row about to be inserted. The store assigns the id and
// the claimant always starts out empty.
type NewJobInstance struct {
	Schedule   string
	FunctionID string
	Data       []byte
	FireAt     time.Time
}

type ListFilter struct {
	FunctionID string
	// Limit of zero lists everything.
	Limit int
}

// JobRepository persists job instances. ClaimDue must be atomic: two callers
// racing on the same rows may never both receive the same row from one call.
type JobRepository interface {
	// EnsureSchema creates the job table and its fire_at index if missing.
	EnsureSchema(ctx context.Context) error

	Insert(ctx context.Context, instance NewJobInstance) (int64, error)

	// ClaimDue marks every row with fire_at <= now whose claimant is empty
	// or differs from claimant as claimed by claimant, and returns those rows
	// ordered by fire_at ascending.
	ClaimDue(ctx context.Context, now time.Time, claimant string) ([]JobInstance, error)

	// Complete deletes the row and, when next is non-nil, inserts it in the
	// same unit of work. It returns the id of the inserted row, or zero.
	Complete(ctx context.Context, id int64, next *NewJobInstance) (int64, error)

	Delete(ctx context.Context, id int64) error

	// Release clears the claimant of a row held by claimant. An empty
	// claimant releases the row whoever holds it.
	Release(ctx context.Context, id int64, claimant string) error

	List(ctx context.Context, filter ListFilter) ([]JobInstance, error)
}

func sortByFireAt(instances []JobInstance) {
	slices.SortFunc(instances, func(a, b JobInstance) int {
		if c := a.FireAt.Compare(b.FireAt); c != 0 {
			return c
		}
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
}

func (i JobInstance) IsClaimedBy(claimant string) bool {
	return i.Claimant != nil && *i.Claimant == claimant
}
