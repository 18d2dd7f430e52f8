package main

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/kestrelcloud/kestrel/manager/observability"
	"github.com/kestrelcloud/kestrel/manager/registry"
	"github.com/kestrelcloud/kestrel/manager/statemachine"
	"github.com/kestrelcloud/kestrel/manager/store"
)

// Observation is one remotely observed outcome to fold into local state:
// either a job completion (JobID set) or a direct resource-state event
// (RemoteID set, Status carrying the new state name).
type Observation struct {
	ResourceType store.ResourceType
	ResourceID   string
	RemoteID     string
	JobID        string
	Status       string
	IPAddress    string
	ErrorText    string
	Attributes   map[string]string
}

// Outcome classifies what a reconciliation did.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeNoop      Outcome = "noop"
	OutcomeRejected  Outcome = "rejected"
	OutcomeUntracked Outcome = "untracked"
)

// Reconciler applies observations to local resource records exactly once
// under at-least-once, reordered delivery.
type Reconciler struct {
	store    store.Store
	registry *registry.Registry
	feed     *FeedHub // nil when no feed is wired

	// locks serializes in-process reconciliation per resource; the store's
	// version column guards against other processes. No global lock, so
	// different resources reconcile fully in parallel.
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewReconciler(s store.Store, reg *registry.Registry, feed *FeedHub) *Reconciler {
	return &Reconciler{
		store:    s,
		registry: reg,
		feed:     feed,
		locks:    make(map[string]*sync.Mutex),
	}
}

// Reconcile resolves the observation, consults the state graph, and
// persists at most one transition. Rejected and duplicate observations
// return OutcomeRejected/OutcomeNoop with a nil error: they are expected
// traffic, acknowledged and never surfaced as failures.
func (r *Reconciler) Reconcile(ctx context.Context, obs Observation) (Outcome, error) {
	var (
		rt         store.ResourceType
		resourceID string
		// jobStatus is the authoritative terminal status once known; the
		// zero value means the observation carried no terminal outcome.
		jobStatus store.JobStatus
	)

	if obs.JobID != "" {
		rec, found, err := r.registry.Lookup(ctx, obs.JobID)
		if err != nil {
			return OutcomeUntracked, err
		}
		if !found {
			// Legitimate: another process instance may own this job, or it
			// predates our registry. Acknowledge and move on.
			log.Printf("[RECONCILE] job %s untracked, ignoring", obs.JobID)
			return OutcomeUntracked, nil
		}
		rt, resourceID = rec.ResourceType, rec.ResourceID

		observed, terminal := normalizeJobStatus(obs.Status)
		switch {
		case rec.Status.Terminal():
			// First terminal observation wins; Complete logs the conflict
			// when the statuses disagree.
			if terminal {
				recorded, err := r.registry.Complete(ctx, obs.JobID, observed)
				if err != nil {
					return OutcomeRejected, err
				}
				jobStatus = recorded
			} else {
				jobStatus = rec.Status
			}
		case terminal:
			jobStatus = observed
		}
	} else {
		res, err := r.resolveDirect(ctx, obs)
		if err != nil {
			return OutcomeUntracked, err
		}
		if res == nil {
			log.Printf("[RECONCILE] resource %s untracked, ignoring", obs.RemoteID)
			return OutcomeUntracked, nil
		}
		rt, resourceID = res.ResourceType, res.ResourceID
	}

	machine, ok := statemachine.ForType(rt)
	if !ok {
		log.Printf("[RECONCILE] ⚠️ no state machine for resource type %s", rt)
		return r.finishWithoutTransition(ctx, obs.JobID, jobStatus, rt, OutcomeRejected)
	}

	tableStatus := tableStatusFor(obs, jobStatus)

	lock := r.lockFor(rt, resourceID)
	lock.Lock()
	defer lock.Unlock()

	return r.transition(ctx, machine, rt, resourceID, tableStatus, obs, jobStatus)
}

func (r *Reconciler) transition(ctx context.Context, machine *statemachine.Machine, rt store.ResourceType, resourceID string, tableStatus statemachine.Status, obs Observation, jobStatus store.JobStatus) (Outcome, error) {
	// Bounded retry over version conflicts: a concurrent command on the
	// same resource may have bumped the version between load and write.
	for attempt := 0; attempt < 3; attempt++ {
		res, err := r.store.GetResource(ctx, rt, resourceID)
		if err != nil {
			return OutcomeRejected, err
		}
		if res == nil {
			log.Printf("[RECONCILE] ⚠️ resource %s/%s not found locally", rt, resourceID)
			return r.finishWithoutTransition(ctx, obs.JobID, jobStatus, rt, OutcomeRejected)
		}

		current := statemachine.State(res.State)
		target, legal := machine.Next(current, tableStatus)
		if !legal {
			// Stale, duplicate, or out-of-order: the absorbing/terminal
			// rule wins. Log, count, succeed without mutating state.
			log.Printf("[RECONCILE] ⚠️ rejecting %s on %s/%s in state %s", tableStatus, rt, resourceID, current)
			observability.TransitionsRejected.WithLabelValues(rt.String()).Inc()
			return r.finishWithoutTransition(ctx, obs.JobID, jobStatus, rt, OutcomeRejected)
		}
		if target == current {
			return r.finishWithoutTransition(ctx, obs.JobID, jobStatus, rt, OutcomeNoop)
		}

		t := store.Transition{
			ResourceType:    rt,
			ResourceID:      resourceID,
			NewState:        string(target),
			IPAddress:       obs.IPAddress,
			Attributes:      obs.Attributes,
			ExpectedVersion: res.Version,
		}
		if jobStatus.Terminal() {
			t.JobID = obs.JobID
			t.JobStatus = jobStatus
		}
		if jobStatus == store.JobFailed || target == machine.ErrorState {
			t.LastError = obs.ErrorText
		}

		err = r.store.ApplyTransition(ctx, t)
		if err == nil {
			observability.TransitionsApplied.WithLabelValues(rt.String()).Inc()
			log.Printf("[RECONCILE] %s/%s: %s -> %s (job %q)", rt, resourceID, current, target, obs.JobID)
			if r.feed != nil {
				r.feed.Broadcast(TransitionEvent{
					ResourceType: rt.String(),
					ResourceID:   resourceID,
					From:         string(current),
					To:           string(target),
					JobID:        obs.JobID,
				})
			}
			return OutcomeApplied, nil
		}
		if err == store.ErrVersionConflict {
			observability.VersionConflicts.Inc()
			continue
		}
		return OutcomeRejected, err
	}
	return OutcomeRejected, fmt.Errorf("reconcile %s/%s: version conflict persisted across retries: %w", rt, resourceID, store.ErrVersionConflict)
}

// finishWithoutTransition still marks the job consumed when the observation
// carried a terminal outcome, so later redeliveries stay no-ops.
func (r *Reconciler) finishWithoutTransition(ctx context.Context, jobID string, jobStatus store.JobStatus, rt store.ResourceType, outcome Outcome) (Outcome, error) {
	if jobID != "" && jobStatus.Terminal() {
		if _, err := r.registry.Complete(ctx, jobID, jobStatus); err != nil {
			return outcome, err
		}
	}
	return outcome, nil
}

func (r *Reconciler) resolveDirect(ctx context.Context, obs Observation) (*store.Resource, error) {
	if obs.RemoteID != "" {
		return r.store.GetResourceByRemoteID(ctx, obs.RemoteID)
	}
	if obs.ResourceType != "" && obs.ResourceID != "" {
		return r.store.GetResource(ctx, obs.ResourceType, obs.ResourceID)
	}
	return nil, nil
}

func (r *Reconciler) lockFor(rt store.ResourceType, resourceID string) *sync.Mutex {
	key := string(rt) + "/" + resourceID
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[key] = lock
	}
	return lock
}

// tableStatusFor picks the status the transition table is keyed on: the
// normalized job outcome when one exists, else the raw observed status
// (a direct event's state name, or an in-progress job status that will
// simply find no key).
func tableStatusFor(obs Observation, jobStatus store.JobStatus) statemachine.Status {
	switch jobStatus {
	case store.JobSucceeded:
		return statemachine.StatusCompleted
	case store.JobFailed, store.JobUnknown:
		return statemachine.StatusFailed
	}
	return statemachine.Status(obs.Status)
}

// normalizeJobStatus folds the control plane's textual and numeric job
// status encodings into the registry's. terminal is false for in-progress
// statuses.
func normalizeJobStatus(raw string) (store.JobStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "succeeded", "success", "completed", "complete":
		return store.JobSucceeded, true
	case "2", "failed", "failure", "error":
		return store.JobFailed, true
	case "unknown":
		return store.JobUnknown, true
	default: // "0", "pending", "started", "scheduled", "inprogress", ...
		return store.JobPending, false
	}
}
