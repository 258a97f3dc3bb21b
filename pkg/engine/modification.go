package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Modification is a one-shot unit of reconciling change.
// Apply may be called once; later calls fail with ErrAlreadyApplied and have
// no effect. A modification counts as applied once Apply has been entered,
// even if it failed.
type Modification interface {
	// Kind identifies the variant.
	Kind() ModificationKind

	// Target returns the ID of the live node the modification changes.
	Target() string

	// Description returns a stable human-readable summary.
	Description() string

	// IsApplied reports whether Apply has been called.
	IsApplied() bool

	// Apply performs the change.
	Apply(ctx context.Context) error
}

// oneShot guards a modification against being applied twice.
type oneShot struct {
	applied bool
}

// IsApplied reports whether the modification has fired.
func (o *oneShot) IsApplied() bool {
	return o.applied
}

func (o *oneShot) fire(m Modification) error {
	if o.applied {
		return NewConflictError("already applied: "+m.Description(), nil).
			WithCode(ErrCodeAlreadyApplied).
			WithNode(m.Target()).
			WithOperation(string(m.Kind()))
	}
	o.applied = true
	return nil
}

// SetConfig sets one configuration entry on a live node.
type SetConfig struct {
	oneShot
	target LiveNode
	key    string
	value  interface{}
}

// NewSetConfig creates a SetConfig modification.
func NewSetConfig(target LiveNode, key string, value interface{}) *SetConfig {
	return &SetConfig{target: target, key: key, value: value}
}

// Kind implements Modification.
func (m *SetConfig) Kind() ModificationKind { return ModificationSetConfig }

// Target implements Modification.
func (m *SetConfig) Target() string { return m.target.ID() }

// Key returns the configuration key.
func (m *SetConfig) Key() string { return m.key }

// Value returns the value to set.
func (m *SetConfig) Value() interface{} { return m.value }

// Description implements Modification.
func (m *SetConfig) Description() string {
	return fmt.Sprintf("Set %s to %v on %s", m.key, m.value, m.target.ID())
}

// Apply implements Modification.
func (m *SetConfig) Apply(_ context.Context) error {
	if err := m.fire(m); err != nil {
		return err
	}
	if err := m.target.SetConfig(m.key, m.value); err != nil {
		return NewPermanentError(fmt.Sprintf("target rejected value for %s", m.key), err).
			WithCode(ErrCodeConfigRejected).
			WithNode(m.target.ID()).
			WithOperation(string(ModificationSetConfig))
	}
	return nil
}

// ResetConfig clears all local configuration of a live node and sets every
// entry of a new configuration in key order. It is not atomic: when an entry
// is rejected, the entries before it stay set and the rest are skipped.
type ResetConfig struct {
	oneShot
	target LiveNode
	keys   []string
	config map[string]interface{}
}

// NewResetConfig creates a ResetConfig modification. The map is copied.
func NewResetConfig(target LiveNode, config map[string]interface{}) *ResetConfig {
	cp := make(map[string]interface{}, len(config))
	keys := make([]string, 0, len(config))
	for k, v := range config {
		cp[k] = v
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return &ResetConfig{target: target, keys: keys, config: cp}
}

// Kind implements Modification.
func (m *ResetConfig) Kind() ModificationKind { return ModificationResetConfig }

// Target implements Modification.
func (m *ResetConfig) Target() string { return m.target.ID() }

// Keys returns the configuration keys in application order.
func (m *ResetConfig) Keys() []string {
	return append([]string(nil), m.keys...)
}

// Config returns a copy of the configuration the target is reset to.
func (m *ResetConfig) Config() map[string]interface{} {
	cp := make(map[string]interface{}, len(m.config))
	for k, v := range m.config {
		cp[k] = v
	}
	return cp
}

// Description implements Modification.
func (m *ResetConfig) Description() string {
	entries := make([]string, 0, len(m.keys))
	for _, k := range m.keys {
		entries = append(entries, fmt.Sprintf("%s=%v", k, m.config[k]))
	}
	return fmt.Sprintf("Reset configuration on %s to {%s}", m.target.ID(), strings.Join(entries, ", "))
}

// Apply implements Modification.
func (m *ResetConfig) Apply(_ context.Context) error {
	if err := m.fire(m); err != nil {
		return err
	}
	m.target.ClearLocalConfig()
	for i, k := range m.keys {
		if err := m.target.SetConfig(k, m.config[k]); err != nil {
			return NewPermanentError(fmt.Sprintf("target rejected value for %s, node left partially reset", k), err).
				WithCode(ErrCodeConfigRejected).
				WithNode(m.target.ID()).
				WithOperation(string(ModificationResetConfig)).
				WithDetail("applied", i).
				WithDetail("skipped", len(m.keys)-i-1)
		}
	}
	return nil
}

// AddChild creates a live child of a parent from a desired node through a
// ChildFactory.
type AddChild struct {
	oneShot
	parent  LiveNode
	desired *DesiredNode
	factory ChildFactory
	created LiveNode
}

// NewAddChild creates an AddChild modification.
func NewAddChild(parent LiveNode, desired *DesiredNode, factory ChildFactory) *AddChild {
	return &AddChild{parent: parent, desired: desired, factory: factory}
}

// Kind implements Modification.
func (m *AddChild) Kind() ModificationKind { return ModificationAddChild }

// Target implements Modification.
func (m *AddChild) Target() string { return m.parent.ID() }

// Desired returns the desired node the child is created from.
func (m *AddChild) Desired() *DesiredNode { return m.desired }

// Created returns the child created by Apply, or nil.
func (m *AddChild) Created() LiveNode { return m.created }

// Description implements Modification.
func (m *AddChild) Description() string {
	return fmt.Sprintf("Add new child to %s using %s", m.parent.ID(), m.desired)
}

// Apply implements Modification.
func (m *AddChild) Apply(ctx context.Context) error {
	if err := m.fire(m); err != nil {
		return err
	}
	if m.factory == nil {
		return NewPermanentError("no child factory configured", nil).
			WithCode(ErrCodeCollaboratorFailed).
			WithNode(m.parent.ID()).
			WithOperation(string(ModificationAddChild))
	}
	child, err := m.factory.CreateChild(ctx, m.parent, m.desired)
	if err != nil {
		return NewTransientError(fmt.Sprintf("failed to create child %s", m.desired), err).
			WithCode(ErrCodeCollaboratorFailed).
			WithNode(m.parent.ID()).
			WithOperation(string(ModificationAddChild))
	}
	m.created = child
	return nil
}

// ChangeCatalogReference rewrites the persisted catalog reference of a live
// node in place through a StateTransformer.
type ChangeCatalogReference struct {
	oneShot
	target      LiveNode
	change      CatalogChange
	transformer StateTransformer
}

// NewChangeCatalogReference creates a ChangeCatalogReference modification.
func NewChangeCatalogReference(target LiveNode, change CatalogChange, transformer StateTransformer) *ChangeCatalogReference {
	return &ChangeCatalogReference{target: target, change: change, transformer: transformer}
}

// Kind implements Modification.
func (m *ChangeCatalogReference) Kind() ModificationKind { return ModificationChangeCatalogRef }

// Target implements Modification.
func (m *ChangeCatalogReference) Target() string { return m.target.ID() }

// Change returns the catalog change.
func (m *ChangeCatalogReference) Change() CatalogChange { return m.change }

// Description implements Modification.
func (m *ChangeCatalogReference) Description() string {
	return fmt.Sprintf("Change catalog reference of %s from %s to %s",
		m.target.ID(), m.change.Old(), m.change.New())
}

// Apply implements Modification.
func (m *ChangeCatalogReference) Apply(ctx context.Context) error {
	if err := m.fire(m); err != nil {
		return err
	}
	if m.transformer == nil || !m.transformer.SupportsPartialTransform() {
		return NewPermanentError("environment cannot transform live node state in place", nil).
			WithCode(ErrCodePartialTransform).
			WithNode(m.target.ID()).
			WithOperation(string(ModificationChangeCatalogRef))
	}
	if err := m.transformer.TransformPartial(ctx, m.target.ID(), m.change); err != nil {
		return NewTransientError(fmt.Sprintf("failed to change catalog reference to %s", m.change.New()), err).
			WithCode(ErrCodeCollaboratorFailed).
			WithNode(m.target.ID()).
			WithOperation(string(ModificationChangeCatalogRef))
	}
	return nil
}

// Grouping applies a list of modifications in order. It stops at the first
// failure; earlier entries stay applied.
type Grouping struct {
	oneShot
	mods []Modification
}

// NewGrouping creates a Grouping modification.
func NewGrouping(mods ...Modification) *Grouping {
	return &Grouping{mods: append([]Modification(nil), mods...)}
}

// Kind implements Modification.
func (m *Grouping) Kind() ModificationKind { return ModificationGrouping }

// Target implements Modification. A grouping has no single target.
func (m *Grouping) Target() string { return "" }

// Modifications returns the grouped modifications.
func (m *Grouping) Modifications() []Modification {
	return append([]Modification(nil), m.mods...)
}

// Description implements Modification.
func (m *Grouping) Description() string {
	descs := make([]string, 0, len(m.mods))
	for _, mod := range m.mods {
		descs = append(descs, mod.Description())
	}
	return "[" + strings.Join(descs, ", ") + "]"
}

// Apply implements Modification. Cancellation of ctx is checked between
// entries and aborts the grouping like a failure.
func (m *Grouping) Apply(ctx context.Context) error {
	if err := m.fire(m); err != nil {
		return err
	}
	for i, mod := range m.mods {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("grouping aborted before modification %d of %d: %w", i+1, len(m.mods), err)
		}
		if err := mod.Apply(ctx); err != nil {
			return fmt.Errorf("modification %d of %d failed (%s): %w", i+1, len(m.mods), mod.Description(), err)
		}
	}
	return nil
}
