package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store for tests and single-node development.
// All operations take the store-wide mutex; reservation exclusivity and
// optimistic versioning behave exactly like the Postgres backend.
type MemoryStore struct {
	mu sync.Mutex

	// jobs holds every record ever created, including terminal ones.
	jobs    []*JobRecord
	byJobID map[string]*JobRecord
	// openReservations maps resource key -> the single Pending record.
	openReservations map[string]*JobRecord

	resources map[string]*Resource
	byRemote  map[string]*Resource
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byJobID:          make(map[string]*JobRecord),
		openReservations: make(map[string]*JobRecord),
		resources:        make(map[string]*Resource),
		byRemote:         make(map[string]*Resource),
	}
}

func resourceKey(rt ResourceType, resourceID string) string {
	return string(rt) + "/" + resourceID
}

func (s *MemoryStore) CreateReservation(ctx context.Context, rt ResourceType, resourceID string) (*JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := resourceKey(rt, resourceID)
	if _, busy := s.openReservations[key]; busy {
		return nil, ErrConflict
	}

	rec := &JobRecord{
		RecordID:     uuid.NewString(),
		ResourceType: rt,
		ResourceID:   resourceID,
		Status:       JobPending,
		SubmittedAt:  time.Now(),
		Version:      1,
	}
	s.jobs = append(s.jobs, rec)
	s.openReservations[key] = rec
	return cloneJob(rec), nil
}

func (s *MemoryStore) AttachJob(ctx context.Context, rt ResourceType, resourceID string, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.openReservations[resourceKey(rt, resourceID)]
	if !ok {
		return ErrNotFound
	}
	rec.JobID = jobID
	rec.Version++
	s.byJobID[jobID] = rec
	return nil
}

func (s *MemoryStore) ReleaseReservation(ctx context.Context, rt ResourceType, resourceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := resourceKey(rt, resourceID)
	rec, ok := s.openReservations[key]
	if !ok {
		return ErrNotFound
	}
	if rec.JobID != "" {
		return ErrConflict
	}
	delete(s.openReservations, key)
	for i, r := range s.jobs {
		if r == rec {
			s.jobs = append(s.jobs[:i], s.jobs[i+1:]...)
			break
		}
	}
	return nil
}

func (s *MemoryStore) GetJobByJobID(ctx context.Context, jobID string) (*JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byJobID[jobID]
	if !ok {
		return nil, nil
	}
	return cloneJob(rec), nil
}

func (s *MemoryStore) CompleteJob(ctx context.Context, jobID string, status JobStatus) (JobStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completeLocked(jobID, status)
}

// completeLocked applies first-terminal-wins. Caller holds the mutex.
func (s *MemoryStore) completeLocked(jobID string, status JobStatus) (JobStatus, error) {
	rec, ok := s.byJobID[jobID]
	if !ok {
		return JobUnknown, ErrNotFound
	}
	if rec.Status.Terminal() {
		if rec.Status == status {
			return rec.Status, nil
		}
		return rec.Status, ErrConflict
	}

	now := time.Now()
	rec.Status = status
	rec.CompletedAt = &now
	rec.Version++
	delete(s.openReservations, resourceKey(rec.ResourceType, rec.ResourceID))
	return status, nil
}

func (s *MemoryStore) ListPendingOlderThan(ctx context.Context, cutoff time.Time) ([]*JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*JobRecord
	for _, rec := range s.jobs {
		if rec.Status == JobPending && rec.SubmittedAt.Before(cutoff) {
			out = append(out, cloneJob(rec))
		}
	}
	return out, nil
}

func (s *MemoryStore) ListJobs(ctx context.Context, limit int) ([]*JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*JobRecord
	for i := len(s.jobs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, cloneJob(s.jobs[i]))
	}
	return out, nil
}

func (s *MemoryStore) GetResource(ctx context.Context, rt ResourceType, resourceID string) (*Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, ok := s.resources[resourceKey(rt, resourceID)]
	if !ok {
		return nil, nil
	}
	return cloneResource(res), nil
}

func (s *MemoryStore) GetResourceByRemoteID(ctx context.Context, remoteID string) (*Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, ok := s.byRemote[remoteID]
	if !ok {
		return nil, nil
	}
	return cloneResource(res), nil
}

func (s *MemoryStore) SaveResource(ctx context.Context, res *Resource) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := resourceKey(res.ResourceType, res.ResourceID)
	now := time.Now()
	existing, ok := s.resources[key]
	if !ok {
		if res.Version != 0 {
			return ErrVersionConflict
		}
		stored := cloneResource(res)
		stored.Version = 1
		stored.CreatedAt = now
		stored.UpdatedAt = now
		s.resources[key] = stored
		if stored.RemoteID != "" {
			s.byRemote[stored.RemoteID] = stored
		}
		res.Version = stored.Version
		return nil
	}

	if res.Version != existing.Version {
		return ErrVersionConflict
	}

	existing.Name = res.Name
	existing.State = res.State
	existing.IPAddress = res.IPAddress
	existing.LastError = res.LastError
	existing.Attributes = copyAttrs(res.Attributes)
	if res.RemoteID != "" && res.RemoteID != existing.RemoteID {
		delete(s.byRemote, existing.RemoteID)
		existing.RemoteID = res.RemoteID
		s.byRemote[existing.RemoteID] = existing
	}
	existing.Version++
	existing.UpdatedAt = now
	res.Version = existing.Version
	return nil
}

func (s *MemoryStore) ApplyTransition(ctx context.Context, t Transition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, ok := s.resources[resourceKey(t.ResourceType, t.ResourceID)]
	if !ok {
		return ErrNotFound
	}
	if res.Version != t.ExpectedVersion {
		return ErrVersionConflict
	}

	// Both writes happen under the same lock; a failure before this point
	// leaves the job record untouched so the event is retryable.
	if t.JobID != "" {
		if _, err := s.completeLocked(t.JobID, t.JobStatus); err != nil && err != ErrConflict {
			return err
		}
	}

	res.State = t.NewState
	if t.IPAddress != "" {
		res.IPAddress = t.IPAddress
	}
	res.LastError = t.LastError
	if len(t.Attributes) > 0 {
		if res.Attributes == nil {
			res.Attributes = make(map[string]string)
		}
		for k, v := range t.Attributes {
			res.Attributes[k] = v
		}
	}
	res.Version++
	res.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) Close() {}

func cloneJob(rec *JobRecord) *JobRecord {
	c := *rec
	if rec.CompletedAt != nil {
		t := *rec.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

func cloneResource(res *Resource) *Resource {
	c := *res
	c.Attributes = copyAttrs(res.Attributes)
	return &c
}

func copyAttrs(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
