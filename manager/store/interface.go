package store

import (
	"context"
	"time"
)

// Store defines the persistence backend for job records and resources.
// It abstracts over Postgres (durable) and an in-memory implementation
// used by tests and single-node development.
type Store interface {
	// Job record operations.
	//
	// CreateReservation inserts a Pending placeholder with no job id yet.
	// Returns ErrConflict if the resource already has a Pending record.
	CreateReservation(ctx context.Context, rt ResourceType, resourceID string) (*JobRecord, error)

	// AttachJob binds a control-plane job id to the resource's open
	// reservation. Returns ErrNotFound if no reservation exists.
	AttachJob(ctx context.Context, rt ResourceType, resourceID string, jobID string) error

	// ReleaseReservation removes a reservation that never obtained a job id
	// (transport retry exhaustion). Returns ErrNotFound if absent and
	// ErrConflict if a job id is already attached.
	ReleaseReservation(ctx context.Context, rt ResourceType, resourceID string) error

	// GetJobByJobID returns nil, nil when the job id is untracked.
	GetJobByJobID(ctx context.Context, jobID string) (*JobRecord, error)

	// CompleteJob marks the record terminal. Idempotent: the same terminal
	// status twice is a no-op. A different terminal status returns the
	// first recorded status together with ErrConflict; the stored record
	// is never overwritten.
	CompleteJob(ctx context.Context, jobID string, status JobStatus) (JobStatus, error)

	// ListPendingOlderThan returns Pending records submitted before the
	// cutoff, for the stale-job sweeper.
	ListPendingOlderThan(ctx context.Context, cutoff time.Time) ([]*JobRecord, error)

	ListJobs(ctx context.Context, limit int) ([]*JobRecord, error)

	// Resource operations.
	GetResource(ctx context.Context, rt ResourceType, resourceID string) (*Resource, error)
	GetResourceByRemoteID(ctx context.Context, remoteID string) (*Resource, error)

	// SaveResource is a compare-and-swap write. res.Version must match the
	// stored version (zero means the resource must not exist yet); on a
	// mismatch ErrVersionConflict is returned and nothing is written. On
	// success res.Version is updated to the stored value.
	SaveResource(ctx context.Context, res *Resource) error

	// ApplyTransition persists the job completion and the resource state
	// change as one unit: either both land or neither does and the caller
	// may safely retry. The resource write is guarded by ExpectedVersion.
	ApplyTransition(ctx context.Context, t Transition) error

	Close()
}
