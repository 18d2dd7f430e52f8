package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/kestrelcloud/kestrel/manager/bus"
	"github.com/kestrelcloud/kestrel/manager/observability"
	"github.com/kestrelcloud/kestrel/manager/store"
)

// The five queues and their exchange bindings. Routing keys are
// dot-separated: <source>.<category>.<resource>.<detail...>.
const (
	QueueAction = "action"
	QueueJob    = "asyncjob"
	QueueUsage  = "usage"
	QueueAlert  = "alert"
	QueueState  = "state"
)

// Bindings is the exchange configuration shared by publisher and consumer
// sides.
var Bindings = []bus.Binding{
	{Queue: QueueAction, Pattern: "*.action.#"},
	{Queue: QueueJob, Pattern: "*.asyncjob.#"},
	{Queue: QueueUsage, Pattern: "*.usage.#"},
	{Queue: QueueAlert, Pattern: "*.alert.#"},
	{Queue: QueueState, Pattern: "*.state.#"},
}

// dedupWindow is how long a logical event key suppresses redeliveries. It
// comfortably exceeds the bus's redelivery horizon.
const dedupWindow = 24 * time.Hour

// InboundEvent is the control plane's native event payload as carried on
// the bus. Which fields are set depends on the queue.
type InboundEvent struct {
	JobID        string            `json:"jobId"`
	ResourceUUID string            `json:"resourceUuid"`
	ResourceType string            `json:"resourceType"`
	EventType    string            `json:"eventType"`
	Status       string            `json:"status"`
	OldState     string            `json:"oldState"`
	NewState     string            `json:"newState"`
	IPAddress    string            `json:"ipAddress"`
	ErrorText    string            `json:"errorText"`
	Timestamp    string            `json:"timestamp"`
	Details      map[string]string `json:"details"`
}

// Ingest consumes the five queues and dispatches each message to the
// reconciliation path its routing key calls for. The routing table is
// explicit: queue name to handler, no introspection.
type Ingest struct {
	bus        bus.Bus
	reconciler *Reconciler
	dedup      bus.Deduper
}

func NewIngest(b bus.Bus, r *Reconciler, d bus.Deduper) *Ingest {
	return &Ingest{bus: b, reconciler: r, dedup: d}
}

// Start launches one consumer goroutine per queue. Each queue is processed
// sequentially; queues run concurrently with each other and with in-flight
// command submissions.
func (in *Ingest) Start(ctx context.Context) {
	routes := map[string]bus.Handler{
		QueueAction: in.handleAction,
		QueueJob:    in.handleJob,
		QueueUsage:  in.handleUsage,
		QueueAlert:  in.handleAlert,
		QueueState:  in.handleState,
	}
	for queue, handler := range routes {
		go func(queue string, handler bus.Handler) {
			if err := in.bus.Consume(ctx, queue, handler); err != nil && ctx.Err() == nil {
				log.Printf("[INGEST] consumer for %s stopped: %v", queue, err)
			}
		}(queue, handler)
	}
	log.Printf("[INGEST] consuming %d queues", len(routes))
}

// handleJob processes asynchronous job completion events: the
// job-correlated path.
func (in *Ingest) handleJob(ctx context.Context, msg bus.Message) error {
	ev, err := decode(msg)
	if err != nil {
		// Malformed payloads never become valid; ack and count.
		log.Printf("[INGEST] ⚠️ dropping malformed message on %s: %v", msg.Queue, err)
		observability.EventsDispatched.WithLabelValues(msg.Queue, "error").Inc()
		return nil
	}
	if ev.JobID == "" {
		log.Printf("[INGEST] ⚠️ job event without jobId on %s, ignoring", msg.Queue)
		observability.EventsDispatched.WithLabelValues(msg.Queue, "error").Inc()
		return nil
	}
	return in.dispatchJob(ctx, msg.Queue, ev)
}

// handleState processes direct resource-state events: no job id, the
// resource is resolved by its remote identifier.
func (in *Ingest) handleState(ctx context.Context, msg bus.Message) error {
	ev, err := decode(msg)
	if err != nil {
		log.Printf("[INGEST] ⚠️ dropping malformed message on %s: %v", msg.Queue, err)
		observability.EventsDispatched.WithLabelValues(msg.Queue, "error").Inc()
		return nil
	}
	if ev.ResourceUUID == "" || ev.NewState == "" {
		log.Printf("[INGEST] ⚠️ state event missing resourceUuid/newState on %s, ignoring", msg.Queue)
		observability.EventsDispatched.WithLabelValues(msg.Queue, "error").Inc()
		return nil
	}
	return in.dispatchState(ctx, msg.Queue, ev)
}

// handleAction routes resource action events to whichever path the payload
// supports: job-correlated when a job id is present, direct otherwise.
func (in *Ingest) handleAction(ctx context.Context, msg bus.Message) error {
	ev, err := decode(msg)
	if err != nil {
		log.Printf("[INGEST] ⚠️ dropping malformed message on %s: %v", msg.Queue, err)
		observability.EventsDispatched.WithLabelValues(msg.Queue, "error").Inc()
		return nil
	}
	switch {
	case ev.JobID != "":
		return in.dispatchJob(ctx, msg.Queue, ev)
	case ev.ResourceUUID != "" && ev.NewState != "":
		return in.dispatchState(ctx, msg.Queue, ev)
	default:
		log.Printf("[INGEST] action event %s (%s) carried no correlation, ignoring", ev.EventType, msg.RoutingKey)
		observability.EventsDispatched.WithLabelValues(msg.Queue, "noop").Inc()
		return nil
	}
}

// handleUsage and handleAlert record the event for operators; neither
// feeds reconciliation.
func (in *Ingest) handleUsage(ctx context.Context, msg bus.Message) error {
	observability.EventsDispatched.WithLabelValues(msg.Queue, "noop").Inc()
	return nil
}

func (in *Ingest) handleAlert(ctx context.Context, msg bus.Message) error {
	ev, err := decode(msg)
	if err == nil && ev.ErrorText != "" {
		log.Printf("[INGEST] alert %s: %s", ev.EventType, ev.ErrorText)
	}
	observability.EventsDispatched.WithLabelValues(msg.Queue, "noop").Inc()
	return nil
}

func (in *Ingest) dispatchJob(ctx context.Context, queue string, ev *InboundEvent) error {
	// Dedup on logical content, never on the delivery id.
	key := fmt.Sprintf("job:%s:%s:%s", ev.JobID, ev.EventType, ev.Status)
	return in.dispatch(ctx, queue, key, Observation{
		JobID:      ev.JobID,
		Status:     ev.Status,
		IPAddress:  ev.IPAddress,
		ErrorText:  ev.ErrorText,
		Attributes: ev.Details,
	})
}

func (in *Ingest) dispatchState(ctx context.Context, queue string, ev *InboundEvent) error {
	// The timestamp is part of the key: a resource can legitimately
	// re-enter a state it held before (restart, repeated upload), and
	// only the emission time distinguishes that from a redelivery.
	key := fmt.Sprintf("state:%s:%s:%s", ev.ResourceUUID, ev.NewState, ev.Timestamp)
	return in.dispatch(ctx, queue, key, Observation{
		ResourceType: store.ResourceType(ev.ResourceType),
		RemoteID:     ev.ResourceUUID,
		Status:       ev.NewState,
		IPAddress:    ev.IPAddress,
		ErrorText:    ev.ErrorText,
		Attributes:   ev.Details,
	})
}

func (in *Ingest) dispatch(ctx context.Context, queue, dedupKey string, obs Observation) error {
	seen, err := in.dedup.Seen(ctx, dedupKey)
	if err != nil {
		return err // dedup store unavailable: redeliver later
	}
	if seen {
		observability.EventsDispatched.WithLabelValues(queue, "duplicate").Inc()
		return nil
	}

	outcome, err := in.reconciler.Reconcile(ctx, obs)
	if err != nil {
		// Genuinely unexpected (persistence unavailable, version conflict
		// exhausted): negative-ack for bus-level redelivery. The dedup key
		// stays unmarked so the retry is not suppressed.
		observability.EventsDispatched.WithLabelValues(queue, "error").Inc()
		return err
	}

	if err := in.dedup.Mark(ctx, dedupKey, dedupWindow); err != nil {
		log.Printf("[INGEST] ⚠️ failed to mark dedup key %s: %v", dedupKey, err)
	}
	observability.EventsDispatched.WithLabelValues(queue, string(outcome)).Inc()
	return nil
}

func decode(msg bus.Message) (*InboundEvent, error) {
	var ev InboundEvent
	if err := json.Unmarshal(msg.Body, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}
