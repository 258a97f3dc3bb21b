package engine

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/rs/zerolog"
)

// PlanOptions selects the behavior of a PlanBuildingCallback.
type PlanOptions struct {
	// ConfigMode selects how configuration differences become modifications.
	ConfigMode ConfigMode `json:"configMode" yaml:"configMode"`

	// UnmatchedPolicy selects how unmatched desired nodes are handled.
	UnmatchedPolicy UnmatchedPolicy `json:"unmatchedPolicy" yaml:"unmatchedPolicy"`
}

// DefaultPlanOptions returns compare mode with the strict unmatched policy.
func DefaultPlanOptions() PlanOptions {
	return PlanOptions{
		ConfigMode:      ConfigModeCompare,
		UnmatchedPolicy: UnmatchedStrict,
	}
}

// Validate checks the options.
func (o PlanOptions) Validate() error {
	if err := o.ConfigMode.Validate(); err != nil {
		return err
	}
	return o.UnmatchedPolicy.Validate()
}

// PlanBuildingCallback turns matching outcomes into an UpgradePlan.
// Problems found while matching are recorded on the plan, never returned.
type PlanBuildingCallback struct {
	opts   PlanOptions
	collab Collaborators
	plan   *UpgradePlan
	logger zerolog.Logger
}

// NewPlanBuildingCallback creates a callback that fills a new plan.
// The permissive policy requires a ChildFactory.
func NewPlanBuildingCallback(opts PlanOptions, collab Collaborators, logger zerolog.Logger) (*PlanBuildingCallback, error) {
	if err := opts.Validate(); err != nil {
		return nil, NewPermanentError("invalid plan options", err).WithCode(ErrCodeValidation)
	}
	if opts.UnmatchedPolicy == UnmatchedPermissive && collab.Children == nil {
		return nil, NewPermanentError("permissive policy requires a child factory", nil).WithCode(ErrCodeValidation)
	}
	plan := NewUpgradePlan()
	return &PlanBuildingCallback{
		opts:   opts,
		collab: collab,
		plan:   plan,
		logger: logger.With().Str("component", "plan-builder").Str("plan_id", plan.ID).Logger(),
	}, nil
}

// Plan returns the plan being built.
func (c *PlanBuildingCallback) Plan() *UpgradePlan {
	return c.plan
}

// Options returns the options the callback was built with.
func (c *PlanBuildingCallback) Options() PlanOptions {
	return c.opts
}

// OnMatch implements MatchCallback.
func (c *PlanBuildingCallback) OnMatch(live LiveNode, desired *DesiredNode) {
	c.logger.Debug().Str("node", live.ID()).Str("desired", desired.String()).Msg("Matched node")
	c.checkCatalogRef(live, desired)

	merged := MergedConfig(live, desired)
	switch c.opts.ConfigMode {
	case ConfigModeReset:
		c.plan.AddModification(NewResetConfig(live, merged))
	case ConfigModeCompare:
		c.compareConfig(live, merged)
	}
}

// UnmatchedLive implements MatchCallback.
func (c *PlanBuildingCallback) UnmatchedLive(live LiveNode) {
	c.plan.AddNoOp(fmt.Sprintf("%s could not be matched with a desired node", live.ID()))
}

// UnmatchedDesired implements MatchCallback.
func (c *PlanBuildingCallback) UnmatchedDesired(desired *DesiredNode, parent LiveNode) {
	c.logger.Debug().Str("parent", parent.ID()).Str("desired", desired.String()).Msg("Unmatched desired node")
	if c.opts.UnmatchedPolicy == UnmatchedPermissive {
		c.plan.AddModification(NewAddChild(parent, desired, c.collab.Children))
		return
	}
	c.plan.AddError(NewPermanentError(
		fmt.Sprintf("unmatched desired node under %s: %s", parent.ID(), desired), nil).
		WithCode(ErrCodeUnmatchedDesiredNode).
		WithNode(parent.ID()).
		WithDetail("desired", desired.String()))
}

// checkCatalogRef emits a ChangeCatalogReference when both sides carry
// differing references. A reference on one side only is a no-op.
func (c *PlanBuildingCallback) checkCatalogRef(live LiveNode, desired *DesiredNode) {
	liveRef, desiredRef := live.CatalogRef(), desired.CatalogRef
	switch {
	case liveRef != "" && desiredRef != "" && liveRef != desiredRef:
		oldRef, err := ParseCatalogRef(liveRef)
		if err != nil {
			c.plan.AddError(annotateRef(err, live.ID(), "live"))
			return
		}
		newRef, err := ParseCatalogRef(desiredRef)
		if err != nil {
			c.plan.AddError(annotateRef(err, live.ID(), "desired"))
			return
		}
		c.plan.AddModification(NewChangeCatalogReference(live, CatalogChange{
			OldName:    oldRef.Name,
			OldVersion: oldRef.Version,
			NewName:    newRef.Name,
			NewVersion: newRef.Version,
		}, c.collab.Transformer))
	case liveRef == "" && desiredRef != "":
		c.plan.AddNoOp(fmt.Sprintf("Cannot change catalog reference of %s to %s: it has no current catalog reference",
			live.ID(), desiredRef))
	case liveRef != "" && desiredRef == "":
		c.plan.AddNoOp(fmt.Sprintf("Cannot change catalog reference of %s from %s: the desired node has none",
			live.ID(), liveRef))
	}
}

func annotateRef(err error, nodeID, side string) error {
	var e *EngineError
	if errors.As(err, &e) {
		e.WithNode(nodeID).WithDetail("side", side)
		return err
	}
	return fmt.Errorf("%s catalog reference of %s: %w", side, nodeID, err)
}

// compareConfig emits a SetConfig for every key that is new or changed.
// Keys present only on the live node are kept.
func (c *PlanBuildingCallback) compareConfig(live LiveNode, merged map[string]interface{}) {
	local := live.LocalConfig()
	canon, _ := live.(ConfigCanonicalizer)
	for _, key := range SortedKeys(merged) {
		want := merged[key]
		have, exists := local[key]
		switch {
		case !exists:
			c.plan.AddModification(NewSetConfig(live, key, want))
		case want != nil && !sameConfigValue(canon, key, want, have):
			c.plan.AddModification(NewSetConfig(live, key, want))
		}
	}
}

// sameConfigValue compares want, in the form the node would store it, with
// the stored value have. A value the node rejects is never the same; the
// SetConfig reports the rejection when applied.
func sameConfigValue(canon ConfigCanonicalizer, key string, want, have interface{}) bool {
	if canon != nil {
		stored, err := canon.CanonicalConfig(key, want)
		if err != nil {
			return false
		}
		want = stored
	}
	return reflect.DeepEqual(want, have)
}

// MergedConfig returns the desired configuration of desired as seen by
// live: the desired config with every flag alias declared by the live
// node's type folded in.
func MergedConfig(live LiveNode, desired *DesiredNode) map[string]interface{} {
	merged := make(map[string]interface{}, len(desired.Config))
	for k, v := range desired.Config {
		merged[k] = v
	}
	for key, flag := range live.FlagAliases() {
		if v, ok := desired.Flags[flag]; ok {
			merged[key] = v
		}
	}
	return merged
}

// LoggingCallback logs every matching outcome and does nothing else.
type LoggingCallback struct {
	logger zerolog.Logger
}

// NewLoggingCallback creates a LoggingCallback.
func NewLoggingCallback(logger zerolog.Logger) *LoggingCallback {
	return &LoggingCallback{logger: logger.With().Str("component", "matcher").Logger()}
}

// OnMatch implements MatchCallback.
func (c *LoggingCallback) OnMatch(live LiveNode, desired *DesiredNode) {
	c.logger.Info().Str("node", live.ID()).Str("desired", desired.String()).Msg("onMatch")
}

// UnmatchedLive implements MatchCallback.
func (c *LoggingCallback) UnmatchedLive(live LiveNode) {
	c.logger.Info().Str("node", live.ID()).Msg("unmatched live node")
}

// UnmatchedDesired implements MatchCallback.
func (c *LoggingCallback) UnmatchedDesired(desired *DesiredNode, parent LiveNode) {
	c.logger.Info().Str("desired", desired.String()).Str("parent", parent.ID()).Msg("unmatched desired node")
}

// MultiCallback fans matching outcomes out to several callbacks in order.
type MultiCallback []MatchCallback

// OnMatch implements MatchCallback.
func (m MultiCallback) OnMatch(live LiveNode, desired *DesiredNode) {
	for _, cb := range m {
		cb.OnMatch(live, desired)
	}
}

// UnmatchedLive implements MatchCallback.
func (m MultiCallback) UnmatchedLive(live LiveNode) {
	for _, cb := range m {
		cb.UnmatchedLive(live)
	}
}

// UnmatchedDesired implements MatchCallback.
func (m MultiCallback) UnmatchedDesired(desired *DesiredNode, parent LiveNode) {
	for _, cb := range m {
		cb.UnmatchedDesired(desired, parent)
	}
}
