package main

import (
	"context"
	"testing"

	"github.com/kestrelcloud/kestrel/manager/registry"
	"github.com/kestrelcloud/kestrel/manager/statemachine"
	"github.com/kestrelcloud/kestrel/manager/store"
)

// setupTracked seeds one instance with an attached pending job, the state a
// resource is in right after a successful command submission.
func setupTracked(t *testing.T, s store.Store, resourceID, jobID string, state statemachine.State) {
	t.Helper()
	ctx := context.Background()
	if _, err := s.CreateReservation(ctx, store.ResourceInstance, resourceID); err != nil {
		t.Fatal(err)
	}
	if err := s.AttachJob(ctx, store.ResourceInstance, resourceID, jobID); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveResource(ctx, &store.Resource{
		ResourceType: store.ResourceInstance,
		ResourceID:   resourceID,
		RemoteID:     "uuid-" + resourceID,
		State:        string(state),
	}); err != nil {
		t.Fatal(err)
	}
}

func newTestReconciler(s store.Store) *Reconciler {
	return NewReconciler(s, registry.New(s), nil)
}

func TestReconcile_JobSuccess(t *testing.T) {
	s := store.NewMemoryStore()
	r := newTestReconciler(s)
	ctx := context.Background()
	setupTracked(t, s, "vm-1", "job-1", statemachine.InstanceCreating)

	outcome, err := r.Reconcile(ctx, Observation{
		JobID:     "job-1",
		Status:    "1",
		IPAddress: "10.0.0.9",
	})
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if outcome != OutcomeApplied {
		t.Fatalf("outcome = %s, want applied", outcome)
	}

	res, _ := s.GetResource(ctx, store.ResourceInstance, "vm-1")
	if res.State != string(statemachine.InstanceRunning) {
		t.Errorf("state = %s, want Running", res.State)
	}
	if res.IPAddress != "10.0.0.9" {
		t.Errorf("ip = %s, want 10.0.0.9", res.IPAddress)
	}

	rec, _ := s.GetJobByJobID(ctx, "job-1")
	if rec.Status != store.JobSucceeded {
		t.Errorf("job status = %s, want Succeeded", rec.Status)
	}
	// Completion freed the resource for the next command.
	if _, err := s.CreateReservation(ctx, store.ResourceInstance, "vm-1"); err != nil {
		t.Errorf("resource still reserved after completion: %v", err)
	}
}

func TestReconcile_JobFailure(t *testing.T) {
	s := store.NewMemoryStore()
	r := newTestReconciler(s)
	ctx := context.Background()
	setupTracked(t, s, "vm-1", "job-1", statemachine.InstanceCreating)

	outcome, err := r.Reconcile(ctx, Observation{
		JobID:     "job-1",
		Status:    "failed",
		ErrorText: "insufficient capacity",
	})
	if err != nil || outcome != OutcomeApplied {
		t.Fatalf("Reconcile: (%s, %v)", outcome, err)
	}

	res, _ := s.GetResource(ctx, store.ResourceInstance, "vm-1")
	if res.State != string(statemachine.InstanceError) {
		t.Errorf("state = %s, want Error", res.State)
	}
	if res.LastError != "insufficient capacity" {
		t.Errorf("lastError = %q", res.LastError)
	}
}

func TestReconcile_RedeliveredSuccessIsNoop(t *testing.T) {
	s := store.NewMemoryStore()
	r := newTestReconciler(s)
	ctx := context.Background()
	setupTracked(t, s, "vm-1", "job-1", statemachine.InstanceCreating)

	obs := Observation{JobID: "job-1", Status: "1"}
	if outcome, err := r.Reconcile(ctx, obs); err != nil || outcome != OutcomeApplied {
		t.Fatalf("first delivery: (%s, %v)", outcome, err)
	}
	before, _ := s.GetResource(ctx, store.ResourceInstance, "vm-1")

	outcome, err := r.Reconcile(ctx, obs)
	if err != nil {
		t.Fatalf("redelivery errored: %v", err)
	}
	if outcome != OutcomeNoop {
		t.Errorf("redelivery outcome = %s, want noop", outcome)
	}

	after, _ := s.GetResource(ctx, store.ResourceInstance, "vm-1")
	if after.Version != before.Version || after.State != before.State {
		t.Errorf("redelivery mutated the resource: %+v vs %+v", before, after)
	}
}

func TestReconcile_FirstTerminalObservationWins(t *testing.T) {
	s := store.NewMemoryStore()
	r := newTestReconciler(s)
	ctx := context.Background()
	setupTracked(t, s, "vm-1", "job-1", statemachine.InstanceCreating)

	if _, err := r.Reconcile(ctx, Observation{JobID: "job-1", Status: "1"}); err != nil {
		t.Fatal(err)
	}

	// A conflicting Failed for the same job arrives later. It must not
	// overwrite the recorded success or move the resource.
	outcome, err := r.Reconcile(ctx, Observation{JobID: "job-1", Status: "2", ErrorText: "late failure"})
	if err != nil {
		t.Fatalf("conflicting observation errored: %v", err)
	}
	if outcome == OutcomeApplied {
		t.Error("conflicting terminal observation was applied")
	}

	rec, _ := s.GetJobByJobID(ctx, "job-1")
	if rec.Status != store.JobSucceeded {
		t.Errorf("job status = %s, want Succeeded (first wins)", rec.Status)
	}
	res, _ := s.GetResource(ctx, store.ResourceInstance, "vm-1")
	if res.State != string(statemachine.InstanceRunning) {
		t.Errorf("state = %s, want Running", res.State)
	}
	if res.LastError != "" {
		t.Errorf("lastError = %q, want empty", res.LastError)
	}
}

func TestReconcile_LateNonTerminalAfterCompletion(t *testing.T) {
	s := store.NewMemoryStore()
	r := newTestReconciler(s)
	ctx := context.Background()
	setupTracked(t, s, "vm-1", "job-1", statemachine.InstanceCreating)

	if _, err := r.Reconcile(ctx, Observation{JobID: "job-1", Status: "1"}); err != nil {
		t.Fatal(err)
	}

	// A delayed in-progress notification ("0") for the finished job. The
	// recorded terminal status stays authoritative and the resource holds.
	outcome, err := r.Reconcile(ctx, Observation{JobID: "job-1", Status: "0"})
	if err != nil {
		t.Fatalf("late in-progress observation errored: %v", err)
	}
	if outcome != OutcomeNoop {
		t.Errorf("outcome = %s, want noop", outcome)
	}

	res, _ := s.GetResource(ctx, store.ResourceInstance, "vm-1")
	if res.State != string(statemachine.InstanceRunning) {
		t.Errorf("state = %s, want Running", res.State)
	}
}

func TestReconcile_UntrackedJob(t *testing.T) {
	s := store.NewMemoryStore()
	r := newTestReconciler(s)

	outcome, err := r.Reconcile(context.Background(), Observation{JobID: "job-foreign", Status: "1"})
	if err != nil {
		t.Fatalf("untracked job errored: %v", err)
	}
	if outcome != OutcomeUntracked {
		t.Errorf("outcome = %s, want untracked", outcome)
	}
}

func TestReconcile_DirectStateEvent(t *testing.T) {
	s := store.NewMemoryStore()
	r := newTestReconciler(s)
	ctx := context.Background()

	if err := s.SaveResource(ctx, &store.Resource{
		ResourceType: store.ResourceInstance,
		ResourceID:   "vm-1",
		RemoteID:     "uuid-vm-1",
		State:        string(statemachine.InstanceRunning),
	}); err != nil {
		t.Fatal(err)
	}

	outcome, err := r.Reconcile(ctx, Observation{
		RemoteID: "uuid-vm-1",
		Status:   string(statemachine.InstanceStopped),
	})
	if err != nil || outcome != OutcomeApplied {
		t.Fatalf("direct state event: (%s, %v)", outcome, err)
	}

	res, _ := s.GetResource(ctx, store.ResourceInstance, "vm-1")
	if res.State != string(statemachine.InstanceStopped) {
		t.Errorf("state = %s, want Stopped", res.State)
	}
}

func TestReconcile_OutOfOrderDirectStateRejected(t *testing.T) {
	s := store.NewMemoryStore()
	r := newTestReconciler(s)
	ctx := context.Background()

	if err := s.SaveResource(ctx, &store.Resource{
		ResourceType: store.ResourceInstance,
		ResourceID:   "vm-1",
		RemoteID:     "uuid-vm-1",
		State:        string(statemachine.InstanceStopped),
	}); err != nil {
		t.Fatal(err)
	}

	// A stale "Running" delivered after the stop already landed must not
	// resurrect the instance.
	outcome, err := r.Reconcile(ctx, Observation{
		RemoteID: "uuid-vm-1",
		Status:   string(statemachine.InstanceRunning),
	})
	if err != nil {
		t.Fatalf("stale observation errored: %v", err)
	}
	if outcome != OutcomeRejected {
		t.Errorf("outcome = %s, want rejected", outcome)
	}

	res, _ := s.GetResource(ctx, store.ResourceInstance, "vm-1")
	if res.State != string(statemachine.InstanceStopped) {
		t.Errorf("state = %s, want Stopped", res.State)
	}
}

func TestReconcile_UnknownRemoteResource(t *testing.T) {
	s := store.NewMemoryStore()
	r := newTestReconciler(s)

	outcome, err := r.Reconcile(context.Background(), Observation{
		RemoteID: "uuid-not-ours",
		Status:   string(statemachine.InstanceRunning),
	})
	if err != nil {
		t.Fatalf("foreign resource errored: %v", err)
	}
	if outcome != OutcomeUntracked {
		t.Errorf("outcome = %s, want untracked", outcome)
	}
}

func TestReconcile_TerminalStateAbsorbs(t *testing.T) {
	s := store.NewMemoryStore()
	r := newTestReconciler(s)
	ctx := context.Background()

	if err := s.SaveResource(ctx, &store.Resource{
		ResourceType: store.ResourceInstance,
		ResourceID:   "vm-1",
		RemoteID:     "uuid-vm-1",
		State:        string(statemachine.InstanceDestroyed),
	}); err != nil {
		t.Fatal(err)
	}

	outcome, err := r.Reconcile(ctx, Observation{
		RemoteID: "uuid-vm-1",
		Status:   string(statemachine.InstanceRunning),
	})
	if err != nil {
		t.Fatalf("observation on destroyed resource errored: %v", err)
	}
	if outcome != OutcomeRejected {
		t.Errorf("outcome = %s, want rejected", outcome)
	}

	res, _ := s.GetResource(ctx, store.ResourceInstance, "vm-1")
	if res.State != string(statemachine.InstanceDestroyed) {
		t.Errorf("terminal state mutated: %s", res.State)
	}
}

func TestNormalizeJobStatus(t *testing.T) {
	cases := []struct {
		raw      string
		want     store.JobStatus
		terminal bool
	}{
		{"1", store.JobSucceeded, true},
		{"SUCCEEDED", store.JobSucceeded, true},
		{"complete", store.JobSucceeded, true},
		{"2", store.JobFailed, true},
		{"Failure", store.JobFailed, true},
		{"error", store.JobFailed, true},
		{"unknown", store.JobUnknown, true},
		{"0", store.JobPending, false},
		{"scheduled", store.JobPending, false},
		{"", store.JobPending, false},
	}
	for _, c := range cases {
		got, terminal := normalizeJobStatus(c.raw)
		if got != c.want || terminal != c.terminal {
			t.Errorf("normalizeJobStatus(%q) = (%s, %v), want (%s, %v)", c.raw, got, terminal, c.want, c.terminal)
		}
	}
}
