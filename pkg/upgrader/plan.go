package upgrader

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openfroyo/upgrade/pkg/config"
	"github.com/openfroyo/upgrade/pkg/engine"
	"github.com/openfroyo/upgrade/pkg/policy"
	"github.com/openfroyo/upgrade/pkg/stores"
	"github.com/openfroyo/upgrade/pkg/telemetry"
	"github.com/openfroyo/upgrade/pkg/topology"
)

// PlanResult is a built plan together with the live topology it targets.
// It is applied at most once, with Apply.
type PlanResult struct {
	// Blueprint is the name of the compiled blueprint.
	Blueprint string

	// Plan is the upgrade plan.
	Plan *engine.UpgradePlan

	// Summary is the preview of Plan. Apply refreshes it.
	Summary engine.PlanSummary

	// Stats counts the matching outcomes.
	Stats engine.MatchStats

	// Policy is the policy gate outcome, nil without a policy engine.
	Policy *policy.PolicyResult

	topology *topology.Manager
}

// Topology returns the live topology the plan modifies.
func (r *PlanResult) Topology() *topology.Manager {
	return r.topology
}

// Plan matches the stored live topology against compiled and builds an
// upgrade plan. Nothing is modified. The plan record is stored in the
// building state.
func (s *Service) Plan(ctx context.Context, compiled *config.Compiled) (*PlanResult, error) {
	if compiled == nil || compiled.Root == nil {
		return nil, fmt.Errorf("compiled blueprint with a root is required")
	}

	ctx, span := s.tel.Tracer.StartPlanSpan(ctx, compiled.Name)
	defer span.End()

	result, err := s.buildPlan(ctx, compiled)
	if err != nil {
		telemetry.RecordError(span, err)
		class, code := telemetry.ClassifyError(err)
		s.tel.Metrics.RecordError(class, code)
		return nil, err
	}

	span.SetAttributes(
		telemetry.AttrPlanID.String(result.Summary.ID),
		telemetry.AttrPlanFingerprint.String(result.Summary.Fingerprint),
		telemetry.AttrModificationCount.Int(len(result.Summary.Modifications)),
		telemetry.AttrErrorCount.Int(len(result.Summary.Errors)),
	)
	telemetry.RecordSuccess(span)
	return result, nil
}

func (s *Service) buildPlan(ctx context.Context, compiled *config.Compiled) (*PlanResult, error) {
	mgr, err := s.loadTopology(ctx, compiled)
	if err != nil {
		return nil, err
	}

	cb, err := engine.NewPlanBuildingCallback(s.opts.Plan, engine.Collaborators{
		Children:    mgr,
		Transformer: mgr,
	}, s.logger)
	if err != nil {
		return nil, err
	}
	plan := cb.Plan()
	logger := s.logger.With().Str("plan_id", plan.ID).Logger()

	var callback engine.MatchCallback = cb
	if s.opts.LogMatches {
		callback = engine.MultiCallback{cb, engine.NewLoggingCallback(logger)}
	}
	var matcherOpts []engine.MatcherOption
	if s.opts.MaxDepth > 0 {
		matcherOpts = append(matcherOpts, engine.WithMaxDepth(s.opts.MaxDepth))
	}
	if s.opts.Inheritance != nil {
		matcherOpts = append(matcherOpts, engine.WithInheritancePolicy(s.opts.Inheritance))
	}

	_, matchSpan := s.tel.Tracer.StartMatchSpan(ctx, plan.ID)
	timer := telemetry.NewTimer()
	stats, err := engine.NewTreeMatcher(callback, matcherOpts...).Match(mgr.Root(), compiled.Root)
	s.tel.Metrics.ObservePhase(telemetry.PhaseMatch, timer.Duration())
	if err != nil {
		telemetry.RecordError(matchSpan, err)
		matchSpan.End()
		return nil, fmt.Errorf("failed to match topology: %w", err)
	}
	matchSpan.SetAttributes(
		telemetry.AttrMatchMatched.Int(stats.Matched),
		telemetry.AttrMatchUnmatchedLive.Int(stats.UnmatchedLive),
		telemetry.AttrMatchUnmatchedDesired.Int(stats.UnmatchedDesired),
	)
	matchSpan.End()
	s.tel.Metrics.RecordMatch(stats.Matched, stats.UnmatchedLive, stats.UnmatchedDesired, stats.MaxDepth)

	result := &PlanResult{
		Blueprint: compiled.Name,
		Plan:      plan,
		Stats:     stats,
		topology:  mgr,
	}

	if s.policies != nil {
		if result.Policy, err = s.gate(ctx, plan, compiled.Name); err != nil {
			return nil, err
		}
	}

	result.Summary = engine.Summarize(plan)
	kinds := make([]string, 0, len(result.Summary.Modifications))
	for _, m := range result.Summary.Modifications {
		kinds = append(kinds, string(m.Kind))
	}
	s.tel.Metrics.RecordPlanBuilt(kinds, len(result.Summary.Errors) > 0)

	record, err := stores.NewPlanRecord(result.Summary, compiled.Name)
	if err != nil {
		return nil, err
	}
	if err := s.store.CreatePlan(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to store plan: %w", err)
	}

	_ = s.tel.Events.PublishPlanBuilt(plan.ID, result.Summary.Fingerprint,
		len(result.Summary.Modifications), len(result.Summary.Errors), len(result.Summary.NoOps))

	logger.Info().
		Str("blueprint", compiled.Name).
		Str("fingerprint", result.Summary.Fingerprint).
		Int("modifications", len(result.Summary.Modifications)).
		Int("errors", len(result.Summary.Errors)).
		Int("no_ops", len(result.Summary.NoOps)).
		Msg("Plan built")
	return result, nil
}

// gate runs the policy engine over a building plan.
func (s *Service) gate(ctx context.Context, plan *engine.UpgradePlan, blueprint string) (*policy.PolicyResult, error) {
	ctx, span := s.tel.Tracer.StartPolicySpan(ctx, plan.ID)
	defer span.End()

	timer := telemetry.NewTimer()
	result, err := s.policies.Gate(ctx, plan, &policy.PolicyContext{
		Blueprint:   blueprint,
		User:        s.opts.Actor,
		Environment: s.opts.Environment,
		Timestamp:   time.Now().UTC(),
		Options:     s.opts.Plan,
	})
	s.tel.Metrics.ObservePhase(telemetry.PhasePolicy, timer.Duration())
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("failed to evaluate policies: %w", err)
	}

	for _, v := range append(append([]policy.PolicyViolation(nil), result.Violations...), result.Warnings...) {
		s.tel.Metrics.RecordPolicyViolation(v.Policy, string(v.Severity))
		_ = s.tel.Events.PublishPolicyViolation(plan.ID, v.Target, v.Policy, string(v.Severity), v.Message)
	}
	return result, nil
}

// Apply runs a built plan against its topology and stores the outcome.
//
// A non-empty expectedFingerprint must equal the plan fingerprint, so an
// operator applies exactly the plan they previewed. A rejected plan changes
// nothing. When a modification fails, the ones applied before it stay
// applied and the partially upgraded topology is stored.
func (s *Service) Apply(ctx context.Context, result *PlanResult, expectedFingerprint string) error {
	if result == nil || result.Plan == nil {
		return fmt.Errorf("plan is required")
	}
	plan := result.Plan

	if state := plan.State(); state.IsTerminal() {
		return engine.NewConflictError(fmt.Sprintf("plan %s is already %s", plan.ID, state), nil).
			WithCode(engine.ErrCodeAlreadyApplied).
			WithOperation("apply")
	}
	if expectedFingerprint != "" && expectedFingerprint != result.Summary.Fingerprint {
		return engine.NewConflictError(
			fmt.Sprintf("plan fingerprint %s does not match expected %s", result.Summary.Fingerprint, expectedFingerprint), nil).
			WithCode(engine.ErrCodeFingerprintMismatch).
			WithOperation("apply")
	}

	op := s.tel.StartOperation(ctx, "plan.run",
		telemetry.AttrPlanID.String(plan.ID),
		telemetry.AttrModificationCount.Int(len(result.Summary.Modifications)),
	)
	logger := s.logger.With().Str("plan_id", plan.ID).Logger()

	runErr := plan.Run(op.Ctx)
	s.tel.Metrics.ObservePhase(telemetry.PhaseRun, op.Timer.Duration())

	applied := 0
	for _, m := range plan.Modifications() {
		if !m.IsApplied() {
			continue
		}
		applied++
		s.tel.Metrics.RecordModificationApplied(string(m.Kind()))
		telemetry.AddModificationEvent(op.Span, string(m.Kind()), m.Target(), m.Description())
		_ = s.tel.Events.PublishModificationApplied(plan.ID, m.Target(), string(m.Kind()), m.Description())
	}

	result.Summary = engine.Summarize(plan)
	state := plan.State()
	s.tel.Metrics.RecordPlanRun(string(state))
	op.Span.SetAttributes(telemetry.AttrPlanState.String(string(state)))

	if err := s.recordOutcome(ctx, result, applied, op.Timer.Duration(), runErr); err != nil {
		logger.Error().Err(err).Msg("Failed to store plan outcome")
		if runErr == nil {
			runErr = err
		}
	}
	op.End(runErr)

	if runErr != nil {
		logger.Warn().Err(runErr).Str("state", string(state)).Int("applied", applied).Msg("Plan not applied")
		return runErr
	}
	logger.Info().Int("applied", applied).Msg("Plan applied")
	return nil
}

// recordOutcome stores the topology, plan state, audit entry and lifecycle
// event that follow a run.
func (s *Service) recordOutcome(ctx context.Context, result *PlanResult, applied int, took time.Duration, runErr error) error {
	plan := result.Plan
	raw, err := stores.EncodeSummary(result.Summary)
	if err != nil {
		return err
	}
	details := map[string]interface{}{
		"blueprint":   result.Blueprint,
		"fingerprint": result.Summary.Fingerprint,
		"applied":     applied,
	}

	var rejected *engine.PlanRejectedError
	switch {
	case runErr == nil:
		if err := s.persistTopology(ctx, result.topology); err != nil {
			return err
		}
		if err := s.store.UpdatePlanState(ctx, plan.ID, engine.PlanStateApplied, raw, nil); err != nil {
			return err
		}
		s.tel.Metrics.SetLiveNodes(result.topology.Len())
		s.audit(ctx, "plan.applied", plan.ID, details)
		_ = s.tel.Events.PublishPlanApplied(plan.ID, applied, took)

	case errors.As(runErr, &rejected):
		msg := runErr.Error()
		if err := s.store.UpdatePlanState(ctx, plan.ID, engine.PlanStateRejected, raw, &msg); err != nil {
			return err
		}
		causes := make([]string, 0, len(rejected.Causes))
		for _, c := range rejected.Causes {
			causes = append(causes, c.Error())
		}
		details["causes"] = causes
		s.audit(ctx, "plan.rejected", plan.ID, details)
		_ = s.tel.Events.PublishPlanRejected(plan.ID, causes)

	default:
		// modifications applied before the failure are live
		if err := s.persistTopology(ctx, result.topology); err != nil {
			return err
		}
		msg := runErr.Error()
		if err := s.store.UpdatePlanState(ctx, plan.ID, engine.PlanStateFailed, raw, &msg); err != nil {
			return err
		}
		var nodeID string
		var engErr *engine.EngineError
		if errors.As(runErr, &engErr) {
			nodeID = engErr.Node
		}
		details["error"] = msg
		s.audit(ctx, "plan.failed", plan.ID, details)
		_ = s.tel.Events.PublishPlanFailed(plan.ID, nodeID, msg)
	}
	return nil
}
