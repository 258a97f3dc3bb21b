package engine

import (
	"fmt"
)

// ProvenanceKind classifies how a desired node entered a candidate pool.
type ProvenanceKind string

const (
	// ProvenanceRoot marks the desired root.
	ProvenanceRoot ProvenanceKind = "root"

	// ProvenanceChild marks a structural child of a matched desired node.
	ProvenanceChild ProvenanceKind = "child"

	// ProvenanceParameter marks a sub-spec held in a configuration parameter.
	ProvenanceParameter ProvenanceKind = "parameter"

	// ProvenanceFlag marks a sub-spec held in a legacy flag.
	ProvenanceFlag ProvenanceKind = "flag"
)

// Validate checks if the provenance kind is valid.
func (k ProvenanceKind) Validate() error {
	switch k {
	case ProvenanceRoot, ProvenanceChild, ProvenanceParameter, ProvenanceFlag:
		return nil
	default:
		return fmt.Errorf("invalid provenance kind: %s", k)
	}
}

// InheritancePolicy lists the provenance kinds that stay visible as
// candidates below the level that introduced them. Kinds absent from the
// table are scoped to one level.
type InheritancePolicy map[ProvenanceKind]bool

// DefaultInheritancePolicy returns the default table: parameter and flag
// sub-specs are inherited, roots and structural children are not.
func DefaultInheritancePolicy() InheritancePolicy {
	return InheritancePolicy{
		ProvenanceParameter: true,
		ProvenanceFlag:      true,
	}
}

// Inherited reports whether entries of kind k are inherited.
func (p InheritancePolicy) Inherited(k ProvenanceKind) bool {
	return p[k]
}

// Validate checks that every kind in the table is known.
func (p InheritancePolicy) Validate() error {
	for k := range p {
		if err := k.Validate(); err != nil {
			return fmt.Errorf("invalid inheritance policy: %w", err)
		}
	}
	return nil
}

// ConfigMode selects how a PlanBuildingCallback reconciles configuration.
type ConfigMode string

const (
	// ConfigModeCompare emits one SetConfig per new or changed key.
	// Keys only present on the live node are kept.
	ConfigModeCompare ConfigMode = "compare"

	// ConfigModeReset emits one ResetConfig carrying the whole desired
	// configuration. Keys only present on the live node are dropped.
	ConfigModeReset ConfigMode = "reset"
)

// Validate checks if the config mode is valid.
func (m ConfigMode) Validate() error {
	switch m {
	case ConfigModeCompare, ConfigModeReset:
		return nil
	default:
		return fmt.Errorf("invalid config mode: %s", m)
	}
}

// UnmatchedPolicy selects how a PlanBuildingCallback handles desired nodes
// with no live counterpart.
type UnmatchedPolicy string

const (
	// UnmatchedStrict records a plan error for each unmatched desired node.
	UnmatchedStrict UnmatchedPolicy = "strict"

	// UnmatchedPermissive emits an AddChild modification instead.
	UnmatchedPermissive UnmatchedPolicy = "permissive"
)

// Validate checks if the unmatched policy is valid.
func (p UnmatchedPolicy) Validate() error {
	switch p {
	case UnmatchedStrict, UnmatchedPermissive:
		return nil
	default:
		return fmt.Errorf("invalid unmatched policy: %s", p)
	}
}

// PlanState is the lifecycle state of an UpgradePlan.
type PlanState string

const (
	// PlanStateBuilding indicates the plan accepts modifications, errors and no-ops.
	PlanStateBuilding PlanState = "building"

	// PlanStateApplied indicates every modification was applied.
	PlanStateApplied PlanState = "applied"

	// PlanStateRejected indicates Run refused the plan because it carries errors.
	PlanStateRejected PlanState = "rejected"

	// PlanStateFailed indicates a modification failed during Run.
	// Modifications applied before the failure stay applied.
	PlanStateFailed PlanState = "failed"
)

// IsTerminal returns true if the plan can no longer change.
func (s PlanState) IsTerminal() bool {
	return s != PlanStateBuilding
}

// Validate checks if the plan state is valid.
func (s PlanState) Validate() error {
	switch s {
	case PlanStateBuilding, PlanStateApplied, PlanStateRejected, PlanStateFailed:
		return nil
	default:
		return fmt.Errorf("invalid plan state: %s", s)
	}
}

// ModificationKind identifies a modification variant.
type ModificationKind string

const (
	// ModificationSetConfig sets one configuration entry.
	ModificationSetConfig ModificationKind = "set_config"

	// ModificationResetConfig replaces all local configuration.
	ModificationResetConfig ModificationKind = "reset_config"

	// ModificationAddChild creates a live child.
	ModificationAddChild ModificationKind = "add_child"

	// ModificationChangeCatalogRef rewrites a catalog reference.
	ModificationChangeCatalogRef ModificationKind = "change_catalog_reference"

	// ModificationGrouping applies a list of modifications in order.
	ModificationGrouping ModificationKind = "grouping"
)

// Validate checks if the modification kind is valid.
func (k ModificationKind) Validate() error {
	switch k {
	case ModificationSetConfig, ModificationResetConfig, ModificationAddChild,
		ModificationChangeCatalogRef, ModificationGrouping:
		return nil
	default:
		return fmt.Errorf("invalid modification kind: %s", k)
	}
}
