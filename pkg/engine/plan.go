package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// UpgradePlan accumulates the modifications, errors and no-ops of one
// matching pass and applies them once.
//
// A plan starts in PlanStateBuilding. Run moves it to a terminal state.
// Additions after that are ignored.
type UpgradePlan struct {
	// ID is the unique identifier of the plan.
	ID string

	// CreatedAt is when the plan was created.
	CreatedAt time.Time

	mu            sync.RWMutex
	state         PlanState
	modifications []Modification
	errors        []error
	noOps         []string
}

// NewUpgradePlan creates an empty plan in the building state.
func NewUpgradePlan() *UpgradePlan {
	return &UpgradePlan{
		ID:        uuid.New().String(),
		CreatedAt: time.Now().UTC(),
		state:     PlanStateBuilding,
	}
}

// AddModification appends a modification.
func (p *UpgradePlan) AddModification(m Modification) *UpgradePlan {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == PlanStateBuilding {
		p.modifications = append(p.modifications, m)
	}
	return p
}

// AddError records a problem that makes the plan unsafe to apply.
func (p *UpgradePlan) AddError(err error) *UpgradePlan {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == PlanStateBuilding {
		p.errors = append(p.errors, err)
	}
	return p
}

// AddNoOp records why something was not acted on.
func (p *UpgradePlan) AddNoOp(note string) *UpgradePlan {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == PlanStateBuilding {
		p.noOps = append(p.noOps, note)
	}
	return p
}

// Modifications returns a snapshot of the modifications in order.
func (p *UpgradePlan) Modifications() []Modification {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]Modification(nil), p.modifications...)
}

// Errors returns a snapshot of the recorded errors in order.
func (p *UpgradePlan) Errors() []error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]error(nil), p.errors...)
}

// NoOps returns a snapshot of the no-op notes in order.
func (p *UpgradePlan) NoOps() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]string(nil), p.noOps...)
}

// State returns the lifecycle state of the plan.
func (p *UpgradePlan) State() PlanState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// Run applies the plan.
//
// If any error was recorded, nothing is applied and a *PlanRejectedError
// carrying every cause is returned. Otherwise all modifications are applied
// in order as one Grouping, stopping at the first failure. There is no
// rollback: modifications applied before a failure stay applied.
//
// Modifications fire once, so running an applied plan again fails with
// ErrAlreadyApplied and changes nothing.
func (p *UpgradePlan) Run(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.errors) > 0 {
		p.transition(PlanStateRejected)
		return &PlanRejectedError{PlanID: p.ID, Causes: append([]error(nil), p.errors...)}
	}

	if err := NewGrouping(p.modifications...).Apply(ctx); err != nil {
		p.transition(PlanStateFailed)
		return err
	}
	p.transition(PlanStateApplied)
	return nil
}

// transition moves a building plan to a terminal state. Terminal states are final.
func (p *UpgradePlan) transition(to PlanState) {
	if p.state == PlanStateBuilding {
		p.state = to
	}
}
