package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/kestrelcloud/kestrel/manager/statemachine"
	"github.com/kestrelcloud/kestrel/manager/store"
)

// newAgedSweeper uses a tiny age limit so records qualify as stale after a
// short sleep instead of backdating store internals.
func newAgedSweeper(s store.Store) *Sweeper {
	return NewSweeper(s, time.Millisecond, time.Hour)
}

func TestSweep_ReleasesOrphanedReservation(t *testing.T) {
	s := store.NewMemoryStore()
	sw := newAgedSweeper(s)
	ctx := context.Background()

	// A reservation whose submitter died before attaching a job id.
	if _, err := s.CreateReservation(ctx, store.ResourceInstance, "vm-1"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)

	sw.sweep(ctx)

	if _, err := s.CreateReservation(ctx, store.ResourceInstance, "vm-1"); err != nil {
		t.Fatalf("resource still blocked after sweep: %v", err)
	}
}

func TestSweep_ForcesAgedJobToUnknown(t *testing.T) {
	s := store.NewMemoryStore()
	sw := newAgedSweeper(s)
	ctx := context.Background()

	if _, err := s.CreateReservation(ctx, store.ResourceInstance, "vm-1"); err != nil {
		t.Fatal(err)
	}
	if err := s.AttachJob(ctx, store.ResourceInstance, "vm-1", "job-1"); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveResource(ctx, &store.Resource{
		ResourceType: store.ResourceInstance,
		ResourceID:   "vm-1",
		State:        string(statemachine.InstanceCreating),
	}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)

	sw.sweep(ctx)

	rec, _ := s.GetJobByJobID(ctx, "job-1")
	if rec.Status != store.JobUnknown {
		t.Errorf("job status = %s, want Unknown", rec.Status)
	}

	// The stuck in-progress resource moved to the error state with a
	// diagnostic, instead of sitting in Creating forever.
	res, _ := s.GetResource(ctx, store.ResourceInstance, "vm-1")
	if res.State != string(statemachine.InstanceError) {
		t.Errorf("state = %s, want Error", res.State)
	}
	if res.LastError == "" {
		t.Error("expected a last-error diagnostic")
	}
}

func TestSweep_JobWithoutInProgressResource(t *testing.T) {
	s := store.NewMemoryStore()
	sw := newAgedSweeper(s)
	ctx := context.Background()

	if _, err := s.CreateReservation(ctx, store.ResourceInstance, "vm-1"); err != nil {
		t.Fatal(err)
	}
	if err := s.AttachJob(ctx, store.ResourceInstance, "vm-1", "job-1"); err != nil {
		t.Fatal(err)
	}
	// The resource already left its transient state (a late event landed
	// between listing and sweeping). Only the job record is closed.
	if err := s.SaveResource(ctx, &store.Resource{
		ResourceType: store.ResourceInstance,
		ResourceID:   "vm-1",
		State:        string(statemachine.InstanceRunning),
	}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)

	sw.sweep(ctx)

	rec, _ := s.GetJobByJobID(ctx, "job-1")
	if rec.Status != store.JobUnknown {
		t.Errorf("job status = %s, want Unknown", rec.Status)
	}
	res, _ := s.GetResource(ctx, store.ResourceInstance, "vm-1")
	if res.State != string(statemachine.InstanceRunning) {
		t.Errorf("state = %s, want Running untouched", res.State)
	}
}

func TestSweep_FreshJobsUntouched(t *testing.T) {
	s := store.NewMemoryStore()
	sw := NewSweeper(s, time.Hour, time.Hour)
	ctx := context.Background()

	if _, err := s.CreateReservation(ctx, store.ResourceInstance, "vm-1"); err != nil {
		t.Fatal(err)
	}
	if err := s.AttachJob(ctx, store.ResourceInstance, "vm-1", "job-1"); err != nil {
		t.Fatal(err)
	}

	sw.sweep(ctx)

	rec, _ := s.GetJobByJobID(ctx, "job-1")
	if rec.Status != store.JobPending {
		t.Errorf("fresh job swept: %s", rec.Status)
	}
}
