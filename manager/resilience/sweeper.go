// Package resilience holds the background workers that keep the job
// registry and resource records from rotting when the control plane never
// answers.
package resilience

import (
	"context"
	"log"
	"time"

	"github.com/kestrelcloud/kestrel/manager/observability"
	"github.com/kestrelcloud/kestrel/manager/statemachine"
	"github.com/kestrelcloud/kestrel/manager/store"
)

// Sweeper forces Pending job records past the age limit to Unknown and
// moves resources stuck in an in-progress state into the type's error
// state. A command whose job id was lost (transport timeout, restart)
// otherwise blocks its resource forever.
type Sweeper struct {
	store    store.Store
	maxAge   time.Duration
	interval time.Duration
}

func NewSweeper(s store.Store, maxAge, interval time.Duration) *Sweeper {
	return &Sweeper{store: s, maxAge: maxAge, interval: interval}
}

func (sw *Sweeper) Start(ctx context.Context) {
	go sw.loop(ctx)
}

func (sw *Sweeper) loop(ctx context.Context) {
	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sw.sweep(ctx)
		}
	}
}

func (sw *Sweeper) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-sw.maxAge)
	stale, err := sw.store.ListPendingOlderThan(ctx, cutoff)
	if err != nil {
		log.Printf("[SWEEPER] list failed: %v", err)
		return
	}

	for _, rec := range stale {
		if rec.JobID == "" {
			// Reservation that never got a job id: the submitting process
			// died mid-round-trip. Release it so new commands can proceed.
			if err := sw.store.ReleaseReservation(ctx, rec.ResourceType, rec.ResourceID); err != nil {
				log.Printf("[SWEEPER] release %s/%s failed: %v", rec.ResourceType, rec.ResourceID, err)
			} else {
				log.Printf("[SWEEPER] released orphaned reservation for %s/%s", rec.ResourceType, rec.ResourceID)
				observability.StaleJobsSwept.Inc()
			}
			continue
		}

		sw.forceUnknown(ctx, rec)
	}
}

func (sw *Sweeper) forceUnknown(ctx context.Context, rec *store.JobRecord) {
	machine, ok := statemachine.ForType(rec.ResourceType)
	if !ok {
		return
	}

	res, err := sw.store.GetResource(ctx, rec.ResourceType, rec.ResourceID)
	if err != nil {
		log.Printf("[SWEEPER] load %s/%s failed: %v", rec.ResourceType, rec.ResourceID, err)
		return
	}

	if res != nil && machine.InProgress[statemachine.State(res.State)] {
		err := sw.store.ApplyTransition(ctx, store.Transition{
			JobID:           rec.JobID,
			JobStatus:       store.JobUnknown,
			ResourceType:    rec.ResourceType,
			ResourceID:      rec.ResourceID,
			NewState:        string(machine.ErrorState),
			LastError:       "job " + rec.JobID + " unresolved past age limit",
			ExpectedVersion: res.Version,
		})
		if err != nil {
			// A concurrent event may have just resolved it; next tick
			// re-evaluates.
			log.Printf("[SWEEPER] force-unknown %s/%s failed: %v", rec.ResourceType, rec.ResourceID, err)
			return
		}
	} else {
		if _, err := sw.store.CompleteJob(ctx, rec.JobID, store.JobUnknown); err != nil {
			log.Printf("[SWEEPER] complete %s failed: %v", rec.JobID, err)
			return
		}
	}

	observability.StaleJobsSwept.Inc()
	log.Printf("[SWEEPER] ⚠️ job %s on %s/%s aged out, marked Unknown", rec.JobID, rec.ResourceType, rec.ResourceID)
}
