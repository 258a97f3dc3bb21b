// Package engine reconciles a running node tree with a newly compiled
// blueprint tree.
//
// # Overview
//
// An upgrade runs in three steps:
//
//  1. Match - TreeMatcher pairs live nodes with the desired nodes they were
//     created from, by identity token (the "plan.id" config entry)
//  2. Plan - PlanBuildingCallback turns pairings and non-pairings into an
//     UpgradePlan of modifications, errors and no-ops
//  3. Run - UpgradePlan.Run applies the modifications once, or refuses to
//     apply anything when the plan carries errors
//
// # Matching
//
// The matcher walks the live tree depth-first with an explicit stack. Each
// matched desired node contributes a candidate pool for the level below it:
// its parameter sub-specs, flag sub-specs and structural children. Parameter
// and flag entries are inherited by deeper levels until the subtree ends, as
// a sub-spec held in configuration may materialize several levels down. The
// inheritance table is configurable with WithInheritancePolicy.
//
// Claiming is not exclusive. Two live nodes carrying the same token are
// both paired with the same desired node.
//
// # Modifications
//
//   - SetConfig: sets one configuration entry
//   - ResetConfig: clears local configuration and sets a new map, not atomic
//   - AddChild: creates a child through a ChildFactory
//   - ChangeCatalogReference: rewrites a catalog reference through a StateTransformer
//   - Grouping: applies a list in order, stopping at the first failure
//
// Every modification fires once. There is no rollback.
//
// # Example
//
//	cb, err := engine.NewPlanBuildingCallback(engine.PlanOptions{
//	    ConfigMode:      engine.ConfigModeReset,
//	    UnmatchedPolicy: engine.UnmatchedStrict,
//	}, engine.Collaborators{Children: mgr, Transformer: mgr}, logger)
//	if err != nil {
//	    return err
//	}
//	if _, err := engine.NewTreeMatcher(cb).Match(liveRoot, desiredRoot); err != nil {
//	    return err
//	}
//	summary := engine.Summarize(cb.Plan())
//	// show summary to the operator, then
//	err = cb.Plan().Run(ctx)
package engine
