package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is one entry of the upgrade lifecycle: a deploy, a plan being
// built, applied, rejected or failed, a single modification, or a policy
// finding.
type Event struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	PlanID    string                 `json:"plan_id,omitempty"`
	NodeID    string                 `json:"node_id,omitempty"`
	Message   string                 `json:"message"`
	Level     string                 `json:"level"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

const (
	EventTypeTopologyDeployed    = "topology.deployed"
	EventTypePlanBuilt           = "plan.built"
	EventTypePlanApplied         = "plan.applied"
	EventTypePlanRejected        = "plan.rejected"
	EventTypePlanFailed          = "plan.failed"
	EventTypeModificationApplied = "modification.applied"
	EventTypePolicyViolation     = "policy.violation"
)

// Event levels, lowest first.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

var levelRank = map[string]int{EventLevelInfo: 0, EventLevelWarning: 1, EventLevelError: 2}

// EventSubscriber receives events.
type EventSubscriber func(event Event)

// EventFilter reports whether an event should be delivered.
type EventFilter func(event Event) bool

// ErrPublisherStopped is returned by Publish after Shutdown.
var ErrPublisherStopped = errors.New("event publisher stopped")

type subscription struct {
	fn     EventSubscriber
	filter EventFilter
}

// EventPublisher fans events out to subscribers.
//
// Synchronous publishers deliver before Publish returns. Async publishers
// queue events and deliver them from one goroutine, in publish order and
// in batches of up to BatchSize; Shutdown drains the queue.
type EventPublisher struct {
	config EventsConfig

	mu      sync.RWMutex
	subs    []subscription
	filters []EventFilter
	stopped bool

	queue chan Event
	stop  chan struct{}
	done  chan struct{}
}

// NewEventPublisher creates a publisher. A disabled publisher accepts and
// drops every event.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	ep := &EventPublisher{config: cfg}
	if !cfg.Enabled || !cfg.Async {
		return ep, nil
	}
	if cfg.BufferSize <= 0 || cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("async event publishing requires positive buffer and batch sizes")
	}

	ep.queue = make(chan Event, cfg.BufferSize)
	ep.stop = make(chan struct{})
	ep.done = make(chan struct{})
	go ep.run()
	return ep, nil
}

// Subscribe registers fn. A nil filter accepts every event.
func (ep *EventPublisher) Subscribe(fn EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.subs = append(ep.subs, subscription{fn: fn, filter: filter})
}

// AddFilter drops events rejected by filter before they reach any
// subscriber.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.filters = append(ep.filters, filter)
}

// Publish stamps event with an ID and timestamp when missing and delivers
// or queues it. A full queue drops the event with an error.
func (ep *EventPublisher) Publish(event Event) error {
	if !ep.config.Enabled {
		return nil
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	ep.mu.RLock()
	stopped := ep.stopped
	accepted := true
	for _, f := range ep.filters {
		if !f(event) {
			accepted = false
			break
		}
	}
	ep.mu.RUnlock()

	switch {
	case stopped:
		return ErrPublisherStopped
	case !accepted:
		return nil
	case ep.queue == nil:
		ep.deliver(event)
		return nil
	}

	select {
	case ep.queue <- event:
		return nil
	default:
		return fmt.Errorf("event buffer full, event %s dropped", event.Type)
	}
}

func (ep *EventPublisher) run() {
	defer close(ep.done)

	interval := ep.config.FlushInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	batch := make([]Event, 0, ep.config.BatchSize)
	flush := func() {
		for _, e := range batch {
			ep.deliver(e)
		}
		batch = batch[:0]
	}

	for {
		select {
		case e := <-ep.queue:
			batch = append(batch, e)
			if len(batch) == ep.config.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ep.stop:
			for {
				select {
				case e := <-ep.queue:
					batch = append(batch, e)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (ep *EventPublisher) deliver(event Event) {
	ep.mu.RLock()
	subs := append([]subscription(nil), ep.subs...)
	ep.mu.RUnlock()

	for _, s := range subs {
		if s.filter == nil || s.filter(event) {
			s.fn(event)
		}
	}
}

// Shutdown stops accepting events and waits for queued ones to be
// delivered, or for ctx.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	ep.mu.Lock()
	if ep.stopped || !ep.config.Enabled {
		ep.stopped = true
		ep.mu.Unlock()
		return nil
	}
	ep.stopped = true
	ep.mu.Unlock()

	if ep.queue == nil {
		return nil
	}
	close(ep.stop)
	select {
	case <-ep.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown: %w", ctx.Err())
	}
}

func (ep *EventPublisher) emit(typ, level, planID, nodeID, msg string, data map[string]interface{}) error {
	return ep.Publish(Event{
		Type:    typ,
		Source:  "upgrader",
		PlanID:  planID,
		NodeID:  nodeID,
		Message: msg,
		Level:   level,
		Data:    data,
	})
}

func (ep *EventPublisher) PublishTopologyDeployed(blueprint, rootID string, nodes int) error {
	return ep.emit(EventTypeTopologyDeployed, EventLevelInfo, "", rootID,
		fmt.Sprintf("Deployed blueprint %s with %d nodes", blueprint, nodes),
		map[string]interface{}{"blueprint": blueprint, "nodes": nodes})
}

// PublishPlanBuilt is a warning when the plan carries errors.
func (ep *EventPublisher) PublishPlanBuilt(planID, fingerprint string, modifications, errs, noOps int) error {
	level := EventLevelInfo
	if errs > 0 {
		level = EventLevelWarning
	}
	return ep.emit(EventTypePlanBuilt, level, planID, "",
		fmt.Sprintf("Plan %s built: %d modifications, %d errors, %d no-ops", planID, modifications, errs, noOps),
		map[string]interface{}{"fingerprint": fingerprint, "modifications": modifications, "errors": errs, "no_ops": noOps})
}

func (ep *EventPublisher) PublishModificationApplied(planID, nodeID, kind, description string) error {
	return ep.emit(EventTypeModificationApplied, EventLevelInfo, planID, nodeID, description,
		map[string]interface{}{"kind": kind})
}

func (ep *EventPublisher) PublishPlanApplied(planID string, modifications int, took time.Duration) error {
	return ep.emit(EventTypePlanApplied, EventLevelInfo, planID, "",
		fmt.Sprintf("Plan %s applied %d modifications", planID, modifications),
		map[string]interface{}{"modifications": modifications, "duration": took.Seconds()})
}

func (ep *EventPublisher) PublishPlanRejected(planID string, causes []string) error {
	return ep.emit(EventTypePlanRejected, EventLevelError, planID, "",
		fmt.Sprintf("Plan %s rejected with %d errors", planID, len(causes)),
		map[string]interface{}{"causes": causes})
}

func (ep *EventPublisher) PublishPlanFailed(planID, nodeID, reason string) error {
	return ep.emit(EventTypePlanFailed, EventLevelError, planID, nodeID,
		fmt.Sprintf("Plan %s failed: %s", planID, reason),
		map[string]interface{}{"reason": reason})
}

// PublishPolicyViolation is an error for blocking severities and a warning
// otherwise.
func (ep *EventPublisher) PublishPolicyViolation(planID, nodeID, policy, severity, message string) error {
	level := EventLevelWarning
	if severity == "error" || severity == "critical" {
		level = EventLevelError
	}
	e := Event{
		Type:    EventTypePolicyViolation,
		Source:  "policy",
		PlanID:  planID,
		NodeID:  nodeID,
		Message: fmt.Sprintf("Policy %s: %s", policy, message),
		Level:   level,
		Data:    map[string]interface{}{"policy": policy, "severity": severity},
	}
	return ep.Publish(e)
}

// FilterByLevel accepts events at minLevel or above.
func FilterByLevel(minLevel string) EventFilter {
	floor := levelRank[minLevel]
	return func(e Event) bool { return levelRank[e.Level] >= floor }
}

// FilterByType accepts events of the given types.
func FilterByType(types ...string) EventFilter {
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return func(e Event) bool {
		_, ok := set[e.Type]
		return ok
	}
}

// FilterByPlanID accepts events of one plan.
func FilterByPlanID(planID string) EventFilter {
	return func(e Event) bool { return e.PlanID == planID }
}
