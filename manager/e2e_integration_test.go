package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kestrelcloud/kestrel/manager/bus"
	"github.com/kestrelcloud/kestrel/manager/client"
	"github.com/kestrelcloud/kestrel/manager/registry"
	"github.com/kestrelcloud/kestrel/manager/statemachine"
	"github.com/kestrelcloud/kestrel/manager/store"
	"github.com/kestrelcloud/kestrel/manager/transport"
)

// TestE2E_DeployLifecycle drives the full path: signed command submission
// against a fake control plane, two-phase registration, completion event on
// the bus, reconciliation into the local record.
func TestE2E_DeployLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping E2E integration test in short mode")
	}

	// Fake control plane: verifies a signature is present and answers the
	// async deploy with a job id.
	controlPlane := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("signature") == "" {
			http.Error(w, "unsigned request", http.StatusUnauthorized)
			return
		}
		switch q.Get("command") {
		case "deployVirtualMachine":
			w.Write([]byte(`{"deployvirtualmachineresponse":{"jobid":"job-e2e-1","id":"uuid-vm-e2e"}}`))
		default:
			http.Error(w, "unknown command", http.StatusNotFound)
		}
	}))
	defer controlPlane.Close()

	s := store.NewMemoryStore()
	reg := registry.New(s)
	commands := client.New(transport.New(transport.Config{
		Endpoint:  controlPlane.URL,
		APIKey:    "e2e-key",
		SecretKey: "e2e-secret",
	}), 100, 100)
	issuer := client.NewIssuer(reg, s, client.RetryPolicy{Attempts: 2, BaseWait: time.Millisecond, MaxWait: time.Millisecond})

	b := bus.NewMemoryBus(Bindings)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ingest := NewIngest(b, NewReconciler(s, reg, nil), bus.NewMemoryDeduper())
	ingest.Start(ctx)

	// === Submit ===
	instances := commands.Instances()
	result, err := issuer.Submit(ctx, store.ResourceInstance, "vm-e2e", statemachine.InstanceCreating,
		func(ctx context.Context) (*client.AsyncResult, error) {
			return instances.Deploy(ctx, "zone-1", "tmpl-1", "offer-1", nil)
		})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if result.JobID != "job-e2e-1" {
		t.Fatalf("JobID = %q", result.JobID)
	}
	t.Log("✓ Command signed, accepted, and registered")

	// A second command on the same resource is refused while the first is
	// in flight.
	_, err = issuer.Submit(ctx, store.ResourceInstance, "vm-e2e", statemachine.InstanceStopping,
		func(ctx context.Context) (*client.AsyncResult, error) {
			t.Error("conflicting command reached the control plane")
			return nil, nil
		})
	if !errors.Is(err, registry.ErrConflict) {
		t.Fatalf("concurrent submit: got %v, want ErrConflict", err)
	}
	t.Log("✓ Concurrent command refused")

	// Record the remote uuid the way a listing sync would.
	res, _ := s.GetResource(ctx, store.ResourceInstance, "vm-e2e")
	res.RemoteID = "uuid-vm-e2e"
	if err := s.SaveResource(ctx, res); err != nil {
		t.Fatal(err)
	}

	// === Completion event arrives on the bus ===
	publishJSON(t, b, "mgmt.asyncjob.VM.complete", InboundEvent{
		JobID:     "job-e2e-1",
		EventType: "AsyncJobEvent",
		Status:    "1",
		IPAddress: "192.0.2.10",
	})
	waitForState(t, s, store.ResourceInstance, "vm-e2e", statemachine.InstanceRunning)
	t.Log("✓ Completion event reconciled into Running")

	rec, _ := s.GetJobByJobID(ctx, "job-e2e-1")
	if rec.Status != store.JobSucceeded {
		t.Fatalf("job status = %s, want Succeeded", rec.Status)
	}

	// === Resource is free again; a stop command proceeds ===
	if err := reg.Reserve(ctx, store.ResourceInstance, "vm-e2e"); err != nil {
		t.Fatalf("resource still blocked after completion: %v", err)
	}
	t.Log("✓ Resource released for the next command")

	// === A late conflicting failure changes nothing ===
	publishJSON(t, b, "mgmt.asyncjob.VM.complete", InboundEvent{
		JobID:     "job-e2e-1",
		EventType: "AsyncJobEvent",
		Status:    "2",
		ErrorText: "late failure",
	})
	time.Sleep(200 * time.Millisecond)

	res, _ = s.GetResource(ctx, store.ResourceInstance, "vm-e2e")
	if res.State != string(statemachine.InstanceRunning) {
		t.Fatalf("late failure moved the resource: %s", res.State)
	}
	rec, _ = s.GetJobByJobID(ctx, "job-e2e-1")
	if rec.Status != store.JobSucceeded {
		t.Fatalf("late failure overwrote the recorded status: %s", rec.Status)
	}
	t.Log("✓ First terminal observation held against the late conflict")
}
