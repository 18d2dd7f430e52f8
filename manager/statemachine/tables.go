package statemachine

import (
	"github.com/kestrelcloud/kestrel/manager/store"
)

// Instance states.
const (
	InstanceCreating   State = "Creating"
	InstanceStarting   State = "Starting"
	InstanceRunning    State = "Running"
	InstanceStopping   State = "Stopping"
	InstanceStopped    State = "Stopped"
	InstanceMigrating  State = "Migrating"
	InstanceDestroying State = "Destroying"
	InstanceExpunging  State = "Expunging"
	InstanceDestroyed  State = "Destroyed"
	InstanceError      State = "Error"
)

// Volume states.
const (
	VolumeCreating         State = "Creating"
	VolumeAllocated        State = "Allocated"
	VolumeReady            State = "Ready"
	VolumeUploadNotStarted State = "UploadNotStarted"
	VolumeUploadInProgress State = "UploadInProgress"
	VolumeUploaded         State = "Uploaded"
	VolumeDestroying       State = "Destroying"
	VolumeDestroyed        State = "Destroyed"
	VolumeError            State = "Error"
)

// Network states.
const (
	NetworkCreating   State = "Creating"
	NetworkReady      State = "Ready"
	NetworkDestroying State = "Destroying"
	NetworkDestroyed  State = "Destroyed"
	NetworkError      State = "Error"
)

// Snapshot states.
const (
	SnapshotCreating   State = "Creating"
	SnapshotReady      State = "Ready"
	SnapshotDestroying State = "Destroying"
	SnapshotDestroyed  State = "Destroyed"
	SnapshotError      State = "Error"
)

// Load balancer rule states.
const (
	LBRuleCreating State = "Creating"
	LBRuleActive   State = "Active"
	LBRuleDeleting State = "Deleting"
	LBRuleDeleted  State = "Deleted"
	LBRuleError    State = "Error"
)

var machines = map[store.ResourceType]*Machine{
	store.ResourceInstance: {
		InitialState: InstanceCreating,
		ErrorState:   InstanceError,
		Transitions: map[Key]State{
			// Job-completion driven.
			{InstanceCreating, StatusCompleted}:   InstanceRunning,
			{InstanceCreating, StatusFailed}:      InstanceError,
			{InstanceStarting, StatusCompleted}:   InstanceRunning,
			{InstanceStarting, StatusFailed}:      InstanceStopped,
			{InstanceStopping, StatusCompleted}:   InstanceStopped,
			{InstanceStopping, StatusFailed}:      InstanceRunning,
			{InstanceMigrating, StatusCompleted}:  InstanceRunning,
			{InstanceMigrating, StatusFailed}:     InstanceRunning,
			{InstanceDestroying, StatusCompleted}: InstanceDestroyed,
			{InstanceDestroying, StatusFailed}:    InstanceError,
			{InstanceExpunging, StatusCompleted}:  InstanceDestroyed,
			{InstanceExpunging, StatusFailed}:     InstanceError,
			// Redelivery no-ops.
			{InstanceRunning, StatusCompleted}: InstanceRunning,
			{InstanceStopped, StatusCompleted}: InstanceStopped,
			// Direct resource-state observations. Deliberately sparse: a
			// stable state is only reachable from the command-initiated
			// transient preceding it, so a reordered stale event (for
			// example "Running" arriving after "Stopped") has no key and
			// is rejected.
			{InstanceCreating, Status(InstanceRunning)}: InstanceRunning,
			{InstanceStarting, Status(InstanceRunning)}: InstanceRunning,
			{InstanceRunning, Status(InstanceRunning)}:  InstanceRunning,
			{InstanceRunning, Status(InstanceStopped)}:  InstanceStopped,
			{InstanceStopping, Status(InstanceStopped)}: InstanceStopped,
			{InstanceStopped, Status(InstanceStopped)}:  InstanceStopped,
		},
		Terminal: map[State]bool{
			InstanceDestroyed: true,
			InstanceError:     true,
		},
		InProgress: map[State]bool{
			InstanceCreating:   true,
			InstanceStarting:   true,
			InstanceStopping:   true,
			InstanceMigrating:  true,
			InstanceDestroying: true,
			InstanceExpunging:  true,
		},
	},

	store.ResourceVolume: {
		InitialState: VolumeCreating,
		ErrorState:   VolumeError,
		Transitions: map[Key]State{
			{VolumeCreating, StatusCompleted}:   VolumeReady,
			{VolumeCreating, StatusFailed}:      VolumeError,
			{VolumeDestroying, StatusCompleted}: VolumeDestroyed,
			{VolumeDestroying, StatusFailed}:    VolumeError,
			{VolumeReady, StatusCompleted}:      VolumeReady,
			// Upload flow is driven by direct state events from the
			// control plane, not job completions. A ready volume enters the
			// flow when the control plane announces the pending upload.
			{VolumeAllocated, Status(VolumeReady)}:                   VolumeReady,
			{VolumeCreating, Status(VolumeAllocated)}:                VolumeAllocated,
			{VolumeReady, Status(VolumeUploadNotStarted)}:            VolumeUploadNotStarted,
			{VolumeUploadNotStarted, Status(VolumeUploadInProgress)}: VolumeUploadInProgress,
			{VolumeUploadInProgress, Status(VolumeUploaded)}:         VolumeUploaded,
			{VolumeUploadInProgress, StatusFailed}:                   VolumeError,
			{VolumeUploaded, Status(VolumeUploaded)}:                 VolumeUploaded,
		},
		Terminal: map[State]bool{
			VolumeDestroyed: true,
			VolumeError:     true,
		},
		InProgress: map[State]bool{
			VolumeCreating:         true,
			VolumeUploadInProgress: true,
			VolumeDestroying:       true,
		},
	},

	store.ResourceNetwork: {
		InitialState: NetworkCreating,
		ErrorState:   NetworkError,
		Transitions: map[Key]State{
			{NetworkCreating, StatusCompleted}:   NetworkReady,
			{NetworkCreating, StatusFailed}:      NetworkError,
			{NetworkReady, StatusCompleted}:      NetworkReady,
			{NetworkDestroying, StatusCompleted}: NetworkDestroyed,
			{NetworkDestroying, StatusFailed}:    NetworkError,
			{NetworkCreating, Status(NetworkReady)}: NetworkReady,
			{NetworkReady, Status(NetworkReady)}:    NetworkReady,
		},
		Terminal: map[State]bool{
			NetworkDestroyed: true,
			NetworkError:     true,
		},
		InProgress: map[State]bool{
			NetworkCreating:   true,
			NetworkDestroying: true,
		},
	},

	store.ResourceSnapshot: {
		InitialState: SnapshotCreating,
		ErrorState:   SnapshotError,
		Transitions: map[Key]State{
			{SnapshotCreating, StatusCompleted}:   SnapshotReady,
			{SnapshotCreating, StatusFailed}:      SnapshotError,
			{SnapshotReady, StatusCompleted}:      SnapshotReady,
			{SnapshotDestroying, StatusCompleted}: SnapshotDestroyed,
			{SnapshotDestroying, StatusFailed}:    SnapshotError,
			{SnapshotCreating, Status(SnapshotReady)}: SnapshotReady,
			{SnapshotReady, Status(SnapshotReady)}:    SnapshotReady,
		},
		Terminal: map[State]bool{
			SnapshotDestroyed: true,
			SnapshotError:     true,
		},
		InProgress: map[State]bool{
			SnapshotCreating:   true,
			SnapshotDestroying: true,
		},
	},

	store.ResourceLoadBalancerRule: {
		InitialState: LBRuleCreating,
		ErrorState:   LBRuleError,
		Transitions: map[Key]State{
			{LBRuleCreating, StatusCompleted}: LBRuleActive,
			{LBRuleCreating, StatusFailed}:    LBRuleError,
			{LBRuleActive, StatusCompleted}:   LBRuleActive,
			{LBRuleDeleting, StatusCompleted}: LBRuleDeleted,
			{LBRuleDeleting, StatusFailed}:    LBRuleError,
			{LBRuleCreating, Status(LBRuleActive)}: LBRuleActive,
			{LBRuleActive, Status(LBRuleActive)}:   LBRuleActive,
		},
		Terminal: map[State]bool{
			LBRuleDeleted: true,
			LBRuleError:   true,
		},
		InProgress: map[State]bool{
			LBRuleCreating: true,
			LBRuleDeleting: true,
		},
	},
}
