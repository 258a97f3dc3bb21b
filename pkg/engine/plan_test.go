package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpgradePlan_CatalogAndResetScenario(t *testing.T) {
	live := newFakeNode("root", "T1").withRef("app:1")
	want := desired("root", "T1")
	want.CatalogRef = "app:2"
	want.Config["A"] = 1

	tr := newMockTransformer(live)
	cb := newTestCallback(t, ConfigModeReset, UnmatchedStrict, Collaborators{Transformer: tr})
	_, err := NewTreeMatcher(cb).Match(live, want)
	require.NoError(t, err)

	plan := cb.Plan()
	mods := plan.Modifications()
	require.Len(t, mods, 2)
	assert.Equal(t, ModificationChangeCatalogRef, mods[0].Kind())
	assert.Equal(t, CatalogChange{OldName: "app", OldVersion: "1", NewName: "app", NewVersion: "2"},
		mods[0].(*ChangeCatalogReference).Change())
	assert.Equal(t, ModificationResetConfig, mods[1].Kind())
	assert.Equal(t, map[string]interface{}{IdentityConfigKey: "T1", "A": 1}, mods[1].(*ResetConfig).Config())
	assert.Empty(t, plan.Errors())

	require.NoError(t, plan.Run(context.Background()))
	assert.Equal(t, PlanStateApplied, plan.State())
	assert.Equal(t, "app:2", live.CatalogRef())
	assert.Equal(t, 1, live.config["A"])
	assert.Equal(t, "T1", live.IdentityToken())
}

func TestUpgradePlan_StrictUnmatchedChildRejects(t *testing.T) {
	live := newFakeNode("root", "T1")
	live.config["A"] = "old"
	want := desired("root", "T1", desired("cache", "C1"))
	want.Config["A"] = "new"

	cb := newTestCallback(t, ConfigModeReset, UnmatchedStrict, Collaborators{})
	_, err := NewTreeMatcher(cb).Match(live, want)
	require.NoError(t, err)

	plan := cb.Plan()
	errs := plan.Errors()
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "C1")
	assert.Contains(t, errs[0].Error(), "root")

	err = plan.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPlanRejected))
	assert.True(t, errors.Is(err, ErrUnmatchedDesiredNode))

	var rejected *PlanRejectedError
	require.True(t, errors.As(err, &rejected))
	assert.Equal(t, plan.ID, rejected.PlanID)
	assert.Len(t, rejected.Causes, 1)

	assert.Equal(t, PlanStateRejected, plan.State())
	assert.Equal(t, "old", live.config["A"])
	for _, m := range plan.Modifications() {
		assert.False(t, m.IsApplied())
	}
}

func TestUpgradePlan_SecondRunAppliesNothing(t *testing.T) {
	parent := newFakeNode("root", "T1")
	factory := &mockChildFactory{}
	cb := newTestCallback(t, ConfigModeCompare, UnmatchedPermissive, Collaborators{Children: factory})
	_, err := NewTreeMatcher(cb).Match(parent, desired("root", "T1", desired("cache", "C1")))
	require.NoError(t, err)

	plan := cb.Plan()
	require.NoError(t, plan.Run(context.Background()))
	assert.Len(t, parent.children, 1)

	err = plan.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAlreadyApplied))
	assert.Len(t, parent.children, 1)
	assert.Equal(t, 1, factory.calls)
	assert.Equal(t, PlanStateApplied, plan.State())
}

func TestUpgradePlan_FailedRunKeepsEarlierModifications(t *testing.T) {
	node := newFakeNode("n1", "T1").withRef("app:1")
	tr := newMockTransformer(node)
	tr.partial = false

	want := desired("node", "T1")
	want.CatalogRef = "app:2"
	want.Config["A"] = 1

	cb := newTestCallback(t, ConfigModeCompare, UnmatchedStrict, Collaborators{Transformer: tr})
	_, err := NewTreeMatcher(cb).Match(node, want)
	require.NoError(t, err)

	// Catalog change comes first, so nothing is applied after it fails.
	err = cb.Plan().Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPartialTransformUnsupported))
	assert.Equal(t, PlanStateFailed, cb.Plan().State())
	_, set := node.config["A"]
	assert.False(t, set)
}

func TestUpgradePlan_AdditionsIgnoredAfterRun(t *testing.T) {
	plan := NewUpgradePlan()
	require.NoError(t, plan.Run(context.Background()))

	plan.AddNoOp("late").AddError(errors.New("late")).AddModification(NewSetConfig(newFakeNode("n", ""), "a", 1))
	assert.Empty(t, plan.NoOps())
	assert.Empty(t, plan.Errors())
	assert.Empty(t, plan.Modifications())
}

func TestUpgradePlan_SnapshotsAreCopies(t *testing.T) {
	plan := NewUpgradePlan()
	plan.AddNoOp("one")
	notes := plan.NoOps()
	notes[0] = "changed"
	assert.Equal(t, []string{"one"}, plan.NoOps())
}

func TestSummarize(t *testing.T) {
	live := newFakeNode("root", "T1").withRef("app:1.0.0")
	live.config["stale"] = "x"
	want := desired("root", "T1", desired("cache", "C1"))
	want.CatalogRef = "app:0.9.0"
	want.Config["A"] = 1

	cb := newTestCallback(t, ConfigModeReset, UnmatchedStrict, Collaborators{})
	cb.UnmatchedLive(newFakeNode("orphan", ""))
	_, err := NewTreeMatcher(cb).Match(live, want)
	require.NoError(t, err)

	s := Summarize(cb.Plan())
	assert.Equal(t, cb.Plan().ID, s.ID)
	assert.Equal(t, PlanStateBuilding, s.State)
	require.Len(t, s.Modifications, 2)

	change := s.Modifications[0]
	assert.Equal(t, ModificationChangeCatalogRef, change.Kind)
	require.NotNil(t, change.CatalogChange)
	assert.Equal(t, VersionDowngrade, change.Direction)

	reset := s.Modifications[1]
	assert.Equal(t, []string{"stale"}, reset.DroppedKeys)

	require.Len(t, s.Errors, 1)
	assert.Equal(t, ErrCodeUnmatchedDesiredNode, s.Errors[0].Code)
	assert.Equal(t, "root", s.Errors[0].Node)
	assert.Equal(t, []string{"orphan could not be matched with a desired node"}, s.NoOps)
	assert.Len(t, s.Fingerprint, 64)
}

func TestSummarize_WrappedEngineErrorKeepsNode(t *testing.T) {
	cause := NewPermanentError("bad value", nil).WithCode(ErrCodeConfigRejected).WithNode("web-1")
	plan := NewUpgradePlan().AddError(fmt.Errorf("apply set config: %w", cause))

	s := Summarize(plan)
	require.Len(t, s.Errors, 1)
	assert.Equal(t, ErrCodeConfigRejected, s.Errors[0].Code)
	assert.Equal(t, "web-1", s.Errors[0].Node)
}

func TestFingerprint_StableAcrossPlans(t *testing.T) {
	build := func() *UpgradePlan {
		live := newFakeNode("root", "T1").withRef("app:1")
		want := desired("root", "T1")
		want.CatalogRef = "app:2"
		want.Config["A"] = 1
		cb, err := NewPlanBuildingCallback(PlanOptions{ConfigMode: ConfigModeReset, UnmatchedPolicy: UnmatchedStrict}, Collaborators{}, zerolog.Nop())
		require.NoError(t, err)
		_, err = NewTreeMatcher(cb).Match(live, want)
		require.NoError(t, err)
		return cb.Plan()
	}

	a, b := build(), build()
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, Fingerprint(a), Fingerprint(b))

	b2 := build()
	b2.AddNoOp("notes do not change the fingerprint")
	assert.Equal(t, Fingerprint(a), Fingerprint(b2))

	c := build()
	c.AddError(errors.New("blocked"))
	assert.NotEqual(t, Fingerprint(a), Fingerprint(c))
}
