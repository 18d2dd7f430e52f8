// Package registry implements the durable job registry: the correlation
// table between control-plane job ids and the local resources their
// commands acted on.
//
// Reservation is two-phase. Reserve marks the resource "operation in
// flight" before the remote call goes out, closing the one-round-trip gap
// in which a second command could race in; Attach binds the job id once the
// control plane has answered.
package registry

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/kestrelcloud/kestrel/manager/observability"
	"github.com/kestrelcloud/kestrel/manager/store"
)

var (
	// ErrConflict: the resource already has a Pending job ("operation
	// already in progress"), or a terminal record was asked to change.
	ErrConflict = store.ErrConflict

	// ErrNotFound: no reservation or no such job id.
	ErrNotFound = store.ErrNotFound
)

// Registry tracks asynchronous jobs against local resources.
type Registry struct {
	store store.Store
}

func New(s store.Store) *Registry {
	return &Registry{store: s}
}

// Reserve creates the Pending placeholder for a resource. Exactly one of
// any number of concurrent reservations for the same resource succeeds.
func (r *Registry) Reserve(ctx context.Context, rt store.ResourceType, resourceID string) error {
	_, err := r.store.CreateReservation(ctx, rt, resourceID)
	if errors.Is(err, store.ErrConflict) {
		observability.RegistryConflicts.WithLabelValues(rt.String()).Inc()
		return ErrConflict
	}
	return err
}

// Attach binds a control-plane job id to the resource's open reservation.
func (r *Registry) Attach(ctx context.Context, rt store.ResourceType, resourceID string, jobID string) error {
	if err := r.store.AttachJob(ctx, rt, resourceID, jobID); err != nil {
		return err
	}
	log.Printf("[REGISTRY] job %s attached to %s/%s", jobID, rt, resourceID)
	return nil
}

// Release drops a reservation that never obtained a job id. Called when a
// command fails terminally before the control plane accepted it, so the
// resource is not left blocked.
func (r *Registry) Release(ctx context.Context, rt store.ResourceType, resourceID string) error {
	return r.store.ReleaseReservation(ctx, rt, resourceID)
}

// Lookup resolves a job id to its record.
func (r *Registry) Lookup(ctx context.Context, jobID string) (*store.JobRecord, bool, error) {
	rec, err := r.store.GetJobByJobID(ctx, jobID)
	if err != nil {
		return nil, false, err
	}
	return rec, rec != nil, nil
}

// Complete marks the record terminal and returns the authoritative status:
// the first terminal observation wins. Calling again with the same status is
// a no-op; a different terminal status is logged and counted, never
// overwritten, and the first recorded status is returned.
func (r *Registry) Complete(ctx context.Context, jobID string, status store.JobStatus) (store.JobStatus, error) {
	if !status.Terminal() {
		return store.JobUnknown, errors.New("registry: Complete requires a terminal status")
	}
	recorded, err := r.store.CompleteJob(ctx, jobID, status)
	if errors.Is(err, store.ErrConflict) {
		observability.TerminalStatusConflicts.Inc()
		log.Printf("[REGISTRY] ⚠️ job %s already terminal with %s; ignoring conflicting %s", jobID, recorded, status)
		return recorded, nil
	}
	return recorded, err
}

// SweepPending lists Pending records older than maxAge for the stale-job
// sweeper.
func (r *Registry) SweepPending(ctx context.Context, maxAge time.Duration) ([]*store.JobRecord, error) {
	return r.store.ListPendingOlderThan(ctx, time.Now().Add(-maxAge))
}
