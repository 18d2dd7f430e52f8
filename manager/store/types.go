package store

import (
	"time"
)

// ResourceType identifies a family of cloud resources managed through the
// control plane.
type ResourceType string

const (
	ResourceInstance         ResourceType = "Instance"
	ResourceVolume           ResourceType = "Volume"
	ResourceNetwork          ResourceType = "Network"
	ResourceSnapshot         ResourceType = "Snapshot"
	ResourceLoadBalancerRule ResourceType = "LoadBalancerRule"
)

func (r ResourceType) String() string {
	return string(r)
}

// JobStatus is the lifecycle status of a tracked asynchronous job.
type JobStatus string

const (
	JobPending   JobStatus = "Pending"
	JobSucceeded JobStatus = "Succeeded"
	JobFailed    JobStatus = "Failed"
	JobUnknown   JobStatus = "Unknown"
)

// Terminal reports whether a job status accepts no further updates.
func (s JobStatus) Terminal() bool {
	return s == JobSucceeded || s == JobFailed || s == JobUnknown
}

// JobRecord correlates a control-plane job id with the local resource the
// originating command was acting on. A record starts as a reservation with
// an empty JobID (the command is still in flight), gets a JobID attached
// once the control plane answers, and is marked terminal by the reconciler.
// Records are never deleted; terminal rows are the idempotency replay window.
type JobRecord struct {
	RecordID     string       `json:"record_id" db:"record_id"`
	JobID        string       `json:"job_id" db:"job_id"`
	ResourceType ResourceType `json:"resource_type" db:"resource_type"`
	ResourceID   string       `json:"resource_id" db:"resource_id"`
	Status       JobStatus    `json:"status" db:"status"`
	SubmittedAt  time.Time    `json:"submitted_at" db:"submitted_at"`
	CompletedAt  *time.Time   `json:"completed_at" db:"completed_at"`
	Version      int          `json:"version" db:"version"`
}

// Resource is the locally held record of one remote resource. State is the
// authoritative local view, moved only through the declared transition
// tables. Version is the optimistic concurrency column; every successful
// state write increments it.
type Resource struct {
	ResourceType ResourceType      `json:"resource_type" db:"resource_type"`
	ResourceID   string            `json:"resource_id" db:"resource_id"`
	RemoteID     string            `json:"remote_id" db:"remote_id"` // UUID assigned by the control plane
	Name         string            `json:"name" db:"name"`
	State        string            `json:"state" db:"state"`
	IPAddress    string            `json:"ip_address" db:"ip_address"`
	LastError    string            `json:"last_error" db:"last_error"`
	Attributes   map[string]string `json:"attributes" db:"attributes"` // JSONB in Postgres
	Version      int               `json:"version" db:"version"`
	CreatedAt    time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at" db:"updated_at"`
}

// Transition is the single logical unit the reconciler persists: the job
// completion (when a job id is involved) and the resource state change
// commit or fail together.
type Transition struct {
	JobID        string // empty for direct resource-state events
	JobStatus    JobStatus
	ResourceType ResourceType
	ResourceID   string
	NewState     string
	IPAddress    string // applied when non-empty
	LastError    string
	Attributes   map[string]string // merged into the resource's attributes
	// ExpectedVersion is the resource version the caller observed; the
	// write fails with ErrVersionConflict if it changed underneath.
	ExpectedVersion int
}
