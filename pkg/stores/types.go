package stores

import (
	"context"
	"time"

	"github.com/openfroyo/upgrade/pkg/engine"
	"github.com/openfroyo/upgrade/pkg/topology"
)

// EventLevel represents the severity level of an event
type EventLevel string

const (
	EventLevelDebug   EventLevel = "debug"
	EventLevelInfo    EventLevel = "info"
	EventLevelWarning EventLevel = "warning"
	EventLevelError   EventLevel = "error"
)

// PlanRecord is the persisted form of an upgrade plan.
type PlanRecord struct {
	ID            string           `json:"id"`
	Blueprint     string           `json:"blueprint"`
	Fingerprint   string           `json:"fingerprint"`
	State         engine.PlanState `json:"state"`
	Modifications int              `json:"modifications"`
	Errors        int              `json:"errors"`
	Summary       string           `json:"summary"` // JSON blob of engine.PlanSummary
	Error         *string          `json:"error,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
	AppliedAt     *time.Time       `json:"applied_at,omitempty"`
}

// Event represents an append-only log event
type Event struct {
	ID        int64      `json:"id"`
	PlanID    *string    `json:"plan_id,omitempty"`
	NodeID    *string    `json:"node_id,omitempty"`
	Level     EventLevel `json:"level"`
	Type      string     `json:"type"` // e.g., "plan.built", "modification.applied"
	Message   string     `json:"message"`
	Details   *string    `json:"details,omitempty"` // JSON blob
	Timestamp time.Time  `json:"timestamp"`
}

// AuditEntry represents an audit trail entry
type AuditEntry struct {
	ID        int64     `json:"id"`
	Action    string    `json:"action"`              // e.g., "topology.deployed", "plan.applied"
	Actor     string    `json:"actor"`               // user or system identifier
	TargetID  *string   `json:"target_id,omitempty"` // plan or node ID
	Details   *string   `json:"details,omitempty"`   // JSON blob
	Timestamp time.Time `json:"timestamp"`
}

// Store defines the interface for the persistence layer
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Topology operations
	SaveTopology(ctx context.Context, nodes []topology.NodeState) error
	LoadTopology(ctx context.Context) ([]topology.NodeState, error)
	SaveNodeTypes(ctx context.Context, types []*topology.NodeType) error
	ListNodeTypes(ctx context.Context) ([]*topology.NodeType, error)

	// Plan operations
	CreatePlan(ctx context.Context, plan *PlanRecord) error
	GetPlan(ctx context.Context, id string) (*PlanRecord, error)
	UpdatePlanState(ctx context.Context, id string, state engine.PlanState, summary string, errMsg *string) error
	ListPlans(ctx context.Context, limit, offset int) ([]*PlanRecord, error)

	// Event operations
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, planID *string, level *EventLevel, limit, offset int) ([]*Event, error)

	// Audit operations
	CreateAuditEntry(ctx context.Context, entry *AuditEntry) error
	ListAuditEntries(ctx context.Context, action *string, actor *string, limit, offset int) ([]*AuditEntry, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
