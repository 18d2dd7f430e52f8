package store

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestReservationExclusivity(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, err := s.CreateReservation(ctx, ResourceInstance, "vm-1"); err != nil {
		t.Fatalf("first reservation failed: %v", err)
	}
	if _, err := s.CreateReservation(ctx, ResourceInstance, "vm-1"); err != ErrConflict {
		t.Fatalf("second reservation: got %v, want ErrConflict", err)
	}

	// A different resource of the same type is independent.
	if _, err := s.CreateReservation(ctx, ResourceInstance, "vm-2"); err != nil {
		t.Fatalf("reservation on different resource failed: %v", err)
	}
	// Same id, different type is also independent.
	if _, err := s.CreateReservation(ctx, ResourceVolume, "vm-1"); err != nil {
		t.Fatalf("reservation on different type failed: %v", err)
	}
}

func TestReservationExclusivity_Concurrent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	const workers = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.CreateReservation(ctx, ResourceInstance, "vm-contended"); err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if winners != 1 {
		t.Fatalf("expected exactly 1 winning reservation, got %d", winners)
	}
}

func TestAttachAndLookup(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.AttachJob(ctx, ResourceInstance, "vm-1", "job-1"); err != ErrNotFound {
		t.Fatalf("attach without reservation: got %v, want ErrNotFound", err)
	}

	if _, err := s.CreateReservation(ctx, ResourceInstance, "vm-1"); err != nil {
		t.Fatal(err)
	}
	if err := s.AttachJob(ctx, ResourceInstance, "vm-1", "job-1"); err != nil {
		t.Fatalf("attach failed: %v", err)
	}

	rec, err := s.GetJobByJobID(ctx, "job-1")
	if err != nil || rec == nil {
		t.Fatalf("lookup failed: rec=%v err=%v", rec, err)
	}
	if rec.Status != JobPending || rec.ResourceID != "vm-1" {
		t.Errorf("unexpected record: %+v", rec)
	}

	// Untracked job ids resolve to nil, nil.
	rec, err = s.GetJobByJobID(ctx, "job-unknown")
	if err != nil || rec != nil {
		t.Errorf("untracked lookup: rec=%v err=%v, want nil, nil", rec, err)
	}
}

func TestReleaseReservation(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, err := s.CreateReservation(ctx, ResourceInstance, "vm-1"); err != nil {
		t.Fatal(err)
	}
	if err := s.ReleaseReservation(ctx, ResourceInstance, "vm-1"); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	// Released means a new command may reserve again.
	if _, err := s.CreateReservation(ctx, ResourceInstance, "vm-1"); err != nil {
		t.Fatalf("re-reserve after release failed: %v", err)
	}

	// A reservation with an attached job id cannot be released.
	if err := s.AttachJob(ctx, ResourceInstance, "vm-1", "job-1"); err != nil {
		t.Fatal(err)
	}
	if err := s.ReleaseReservation(ctx, ResourceInstance, "vm-1"); err != ErrConflict {
		t.Fatalf("release with job attached: got %v, want ErrConflict", err)
	}
}

func TestCompleteJob_FirstTerminalWins(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, err := s.CreateReservation(ctx, ResourceInstance, "vm-1"); err != nil {
		t.Fatal(err)
	}
	if err := s.AttachJob(ctx, ResourceInstance, "vm-1", "job-1"); err != nil {
		t.Fatal(err)
	}

	recorded, err := s.CompleteJob(ctx, "job-1", JobSucceeded)
	if err != nil || recorded != JobSucceeded {
		t.Fatalf("first complete: got (%s, %v)", recorded, err)
	}

	// Same terminal status again is an idempotent no-op.
	recorded, err = s.CompleteJob(ctx, "job-1", JobSucceeded)
	if err != nil || recorded != JobSucceeded {
		t.Fatalf("idempotent complete: got (%s, %v)", recorded, err)
	}

	// A conflicting terminal status reports the first recorded one.
	recorded, err = s.CompleteJob(ctx, "job-1", JobFailed)
	if err != ErrConflict {
		t.Fatalf("conflicting complete: got err %v, want ErrConflict", err)
	}
	if recorded != JobSucceeded {
		t.Fatalf("conflicting complete: recorded %s, want Succeeded", recorded)
	}

	// Completion frees the resource for new commands.
	if _, err := s.CreateReservation(ctx, ResourceInstance, "vm-1"); err != nil {
		t.Fatalf("reserve after completion failed: %v", err)
	}
}

func TestListPendingOlderThan(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	rec, err := s.CreateReservation(ctx, ResourceInstance, "vm-old")
	if err != nil {
		t.Fatal(err)
	}
	// Backdate the record directly; the constructor stamps time.Now.
	s.mu.Lock()
	for _, r := range s.jobs {
		if r.RecordID == rec.RecordID {
			r.SubmittedAt = time.Now().Add(-2 * time.Hour)
		}
	}
	s.mu.Unlock()

	if _, err := s.CreateReservation(ctx, ResourceInstance, "vm-fresh"); err != nil {
		t.Fatal(err)
	}

	stale, err := s.ListPendingOlderThan(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(stale) != 1 || stale[0].ResourceID != "vm-old" {
		t.Fatalf("stale = %+v, want only vm-old", stale)
	}
}

func TestSaveResource_VersionsAndRemoteIndex(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	res := &Resource{
		ResourceType: ResourceInstance,
		ResourceID:   "vm-1",
		State:        "Creating",
	}
	if err := s.SaveResource(ctx, res); err != nil {
		t.Fatal(err)
	}
	if res.Version != 1 {
		t.Errorf("initial version = %d, want 1", res.Version)
	}

	res.State = "Running"
	res.RemoteID = "uuid-123"
	if err := s.SaveResource(ctx, res); err != nil {
		t.Fatal(err)
	}
	if res.Version != 2 {
		t.Errorf("updated version = %d, want 2", res.Version)
	}

	byRemote, err := s.GetResourceByRemoteID(ctx, "uuid-123")
	if err != nil || byRemote == nil {
		t.Fatalf("remote lookup failed: %v %v", byRemote, err)
	}
	if byRemote.ResourceID != "vm-1" || byRemote.State != "Running" {
		t.Errorf("remote lookup returned %+v", byRemote)
	}
}

func TestSaveResource_StaleWriteRejected(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	res := &Resource{ResourceType: ResourceInstance, ResourceID: "vm-1", State: "Creating"}
	if err := s.SaveResource(ctx, res); err != nil {
		t.Fatal(err)
	}

	// Another writer advances the resource first.
	stale := &Resource{ResourceType: ResourceInstance, ResourceID: "vm-1", State: "Creating", Version: res.Version}
	res.State = "Running"
	if err := s.SaveResource(ctx, res); err != nil {
		t.Fatal(err)
	}

	if err := s.SaveResource(ctx, stale); err != ErrVersionConflict {
		t.Fatalf("stale save returned %v, want ErrVersionConflict", err)
	}
	got, _ := s.GetResource(ctx, ResourceInstance, "vm-1")
	if got.State != "Running" {
		t.Errorf("stale save reverted state to %s, want Running", got.State)
	}
	if got.Version != res.Version {
		t.Errorf("version = %d, want %d", got.Version, res.Version)
	}

	// A version of zero asserts the resource does not exist yet.
	if err := s.SaveResource(ctx, &Resource{ResourceType: ResourceInstance, ResourceID: "vm-1", State: "Creating"}); err != ErrVersionConflict {
		t.Fatalf("zero-version save over existing row returned %v, want ErrVersionConflict", err)
	}
}

func TestApplyTransition(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, err := s.CreateReservation(ctx, ResourceInstance, "vm-1"); err != nil {
		t.Fatal(err)
	}
	if err := s.AttachJob(ctx, ResourceInstance, "vm-1", "job-1"); err != nil {
		t.Fatal(err)
	}
	res := &Resource{ResourceType: ResourceInstance, ResourceID: "vm-1", State: "Creating"}
	if err := s.SaveResource(ctx, res); err != nil {
		t.Fatal(err)
	}

	err := s.ApplyTransition(ctx, Transition{
		JobID:           "job-1",
		JobStatus:       JobSucceeded,
		ResourceType:    ResourceInstance,
		ResourceID:      "vm-1",
		NewState:        "Running",
		IPAddress:       "10.0.0.5",
		Attributes:      map[string]string{"hypervisor": "kvm"},
		ExpectedVersion: res.Version,
	})
	if err != nil {
		t.Fatalf("ApplyTransition failed: %v", err)
	}

	got, _ := s.GetResource(ctx, ResourceInstance, "vm-1")
	if got.State != "Running" || got.IPAddress != "10.0.0.5" {
		t.Errorf("resource after transition: %+v", got)
	}
	if got.Attributes["hypervisor"] != "kvm" {
		t.Errorf("attributes not merged: %v", got.Attributes)
	}
	if got.Version != res.Version+1 {
		t.Errorf("version = %d, want %d", got.Version, res.Version+1)
	}

	rec, _ := s.GetJobByJobID(ctx, "job-1")
	if rec.Status != JobSucceeded {
		t.Errorf("job status = %s, want Succeeded", rec.Status)
	}
}

func TestApplyTransition_VersionConflict(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	res := &Resource{ResourceType: ResourceInstance, ResourceID: "vm-1", State: "Creating"}
	if err := s.SaveResource(ctx, res); err != nil {
		t.Fatal(err)
	}

	err := s.ApplyTransition(ctx, Transition{
		ResourceType:    ResourceInstance,
		ResourceID:      "vm-1",
		NewState:        "Running",
		ExpectedVersion: res.Version + 5,
	})
	if err != ErrVersionConflict {
		t.Fatalf("got %v, want ErrVersionConflict", err)
	}

	// The resource is untouched on conflict.
	got, _ := s.GetResource(ctx, ResourceInstance, "vm-1")
	if got.State != "Creating" {
		t.Errorf("state changed despite conflict: %s", got.State)
	}

	if err := s.ApplyTransition(ctx, Transition{
		ResourceType:    ResourceInstance,
		ResourceID:      "vm-missing",
		NewState:        "Running",
		ExpectedVersion: 1,
	}); err != ErrNotFound {
		t.Errorf("missing resource: got %v, want ErrNotFound", err)
	}
}
