package client

import (
	"context"
	"fmt"
	"log"

	"github.com/kestrelcloud/kestrel/manager/registry"
	"github.com/kestrelcloud/kestrel/manager/statemachine"
	"github.com/kestrelcloud/kestrel/manager/store"
)

// Issuer runs the full command-submission protocol around a facade call:
// reserve the resource, execute with retry, attach the job id, and move the
// local record into the command's in-progress state. On terminal failure the
// reservation is released so the resource is not left blocked.
type Issuer struct {
	registry *registry.Registry
	store    store.Store
	retry    RetryPolicy
}

func NewIssuer(reg *registry.Registry, s store.Store, retry RetryPolicy) *Issuer {
	return &Issuer{registry: reg, store: s, retry: retry}
}

// Submit issues one asynchronous command for a resource. pendingState is
// the in-progress state the resource enters while the job runs (Creating,
// Stopping, Destroying, ...). fn is the facade call.
//
// A registry.ErrConflict return means an operation is already in progress
// on the resource; the command was not sent.
func (i *Issuer) Submit(ctx context.Context, rt store.ResourceType, resourceID string, pendingState statemachine.State, fn func(ctx context.Context) (*AsyncResult, error)) (*AsyncResult, error) {
	if err := i.registry.Reserve(ctx, rt, resourceID); err != nil {
		return nil, err
	}

	var result *AsyncResult
	err := i.retry.Do(ctx, func() error {
		var execErr error
		result, execErr = fn(ctx)
		return execErr
	})
	if err != nil {
		if relErr := i.registry.Release(ctx, rt, resourceID); relErr != nil {
			log.Printf("[ISSUER] ⚠️ failed to release reservation for %s/%s: %v", rt, resourceID, relErr)
		}
		return nil, err
	}

	if err := i.registry.Attach(ctx, rt, resourceID, result.JobID); err != nil {
		return nil, fmt.Errorf("attach job %s to %s/%s: %w", result.JobID, rt, resourceID, err)
	}

	if err := i.markPending(ctx, rt, resourceID, result.JobID, pendingState); err != nil {
		// The job is tracked; the state catches up when the completion
		// event arrives. Not fatal to the submission.
		log.Printf("[ISSUER] ⚠️ failed to mark %s/%s as %s: %v", rt, resourceID, pendingState, err)
	}

	return result, nil
}

// markPending moves the resource into the command's in-progress state with a
// versioned write. The completion event can land before this does; when the
// job is already terminal, or another writer keeps winning the version race,
// the pending state is stale and markPending leaves the resource alone.
func (i *Issuer) markPending(ctx context.Context, rt store.ResourceType, resourceID, jobID string, pendingState statemachine.State) error {
	for attempt := 0; attempt < 3; attempt++ {
		rec, err := i.store.GetJobByJobID(ctx, jobID)
		if err != nil {
			return err
		}
		if rec != nil && rec.Status.Terminal() {
			return nil
		}

		res, err := i.store.GetResource(ctx, rt, resourceID)
		if err != nil {
			return err
		}
		if res == nil {
			res = &store.Resource{
				ResourceType: rt,
				ResourceID:   resourceID,
			}
		}
		res.State = string(pendingState)
		res.LastError = ""

		err = i.store.SaveResource(ctx, res)
		if err == store.ErrVersionConflict {
			continue
		}
		return err
	}
	return nil
}
