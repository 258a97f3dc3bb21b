package policy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"

	"github.com/openfroyo/upgrade/pkg/engine"
)

// Engine evaluates Rego policies against plan summaries.
type Engine struct {
	mu     sync.RWMutex
	set    policySet
	paths  []string
	loader *Loader
	logger zerolog.Logger
}

// compiledPolicy is a policy with its deny query prepared.
type compiledPolicy struct {
	policy *Policy
	query  rego.PreparedEvalQuery
}

// policySet maps policy names to compiled policies.
type policySet map[string]*compiledPolicy

func (s policySet) names() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewEngine creates a policy engine holding the built-in policies.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	set, err := compileAll(context.Background(), GetBuiltinPolicies())
	if err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}

	e := &Engine{
		set:    set,
		loader: NewLoader(logger),
		logger: logger.With().Str("component", "policy-engine").Logger(),
	}
	e.logger.Debug().Int("count", len(set)).Msg("Built-in policies loaded")
	return e, nil
}

// EvaluatePlan evaluates every enabled policy against a plan summary. A
// policy that fails to evaluate is reported in Failures and makes the
// result not allowed.
func (e *Engine) EvaluatePlan(ctx context.Context, summary *engine.PlanSummary, pctx *PolicyContext) (*PolicyResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()

	if pctx == nil {
		pctx = &PolicyContext{}
	}
	if pctx.Timestamp.IsZero() {
		pctx.Timestamp = start.UTC()
	}
	input := &PolicyInput{Plan: summary, Context: pctx}

	e.mu.RLock()
	defer e.mu.RUnlock()

	result := &PolicyResult{Allowed: true, EvaluatedPolicies: []string{}}
	for _, name := range e.set.names() {
		cp := e.set[name]
		if !cp.policy.Enabled {
			continue
		}
		result.EvaluatedPolicies = append(result.EvaluatedPolicies, name)

		violations, err := cp.eval(ctx, input)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			e.logger.Error().Err(err).Str("policy", name).Str("plan_id", summary.ID).Msg("Policy evaluation failed")
			result.Failures = append(result.Failures, fmt.Sprintf("policy %s could not be evaluated: %v", name, err))
			result.Allowed = false
			continue
		}

		for _, v := range violations {
			if v.Severity.Blocking() {
				result.Violations = append(result.Violations, v)
				result.Allowed = false
			} else {
				result.Warnings = append(result.Warnings, v)
			}
		}
	}

	result.EvaluatedAt = time.Now().UTC()
	result.Duration = time.Since(start)

	e.logger.Debug().
		Str("plan_id", summary.ID).
		Int("violations", len(result.Violations)).
		Int("warnings", len(result.Warnings)).
		Dur("duration", result.Duration).
		Msg("Plan evaluated")

	return result, nil
}

// Gate evaluates the policies against a building plan and records the
// outcome on it. Blocking violations and evaluation failures become plan
// errors with code POLICY_VIOLATION. Warnings become no-op notes.
func (e *Engine) Gate(ctx context.Context, plan *engine.UpgradePlan, pctx *PolicyContext) (*PolicyResult, error) {
	summary := engine.Summarize(plan)
	result, err := e.EvaluatePlan(ctx, &summary, pctx)
	if err != nil {
		return nil, err
	}

	for _, v := range result.Violations {
		perr := engine.NewPermanentError(v.Message, nil).
			WithCode(engine.ErrCodePolicyViolation).
			WithOperation("policy").
			WithDetail("policy", v.Policy).
			WithDetail("severity", string(v.Severity))
		if v.Target != "" {
			perr = perr.WithNode(v.Target)
		}
		plan.AddError(perr)
	}
	for _, f := range result.Failures {
		plan.AddError(engine.NewPermanentError(f, nil).
			WithCode(engine.ErrCodePolicyViolation).
			WithOperation("policy"))
	}
	for _, w := range result.Warnings {
		plan.AddNoOp(fmt.Sprintf("policy %s: %s", w.Policy, w.Message))
	}
	return result, nil
}

// LoadPolicies loads policy files and directories on top of the current
// set; a loaded policy replaces one with the same name. Nothing changes
// unless every loaded policy compiles. The paths are remembered for
// ReloadPolicies and Watch.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	loaded, err := e.loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	set, err := compileAll(ctx, loaded)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for name, cp := range set {
		e.set[name] = cp
	}
	e.paths = append(e.paths, paths...)

	e.logger.Info().Int("count", len(loaded)).Strs("paths", paths).Msg("Policies loaded")
	return nil
}

// ReloadPolicies rebuilds the set from the built-in policies and the
// remembered paths. On failure the current set stays in place.
func (e *Engine) ReloadPolicies(ctx context.Context) error {
	paths := e.rememberedPaths()
	e.loader.ClearCache()
	loaded, err := e.loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to reload policies: %w", err)
	}
	return e.replace(ctx, loaded)
}

// Watch reloads the remembered paths whenever a policy file under them
// changes, until ctx is done.
func (e *Engine) Watch(ctx context.Context) error {
	paths := e.rememberedPaths()
	if len(paths) == 0 {
		return errors.New("no policy paths to watch")
	}
	return e.loader.Watch(ctx, paths, func(loaded []Policy) error {
		return e.replace(ctx, loaded)
	})
}

func (e *Engine) rememberedPaths() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]string(nil), e.paths...)
}

func (e *Engine) replace(ctx context.Context, loaded []Policy) error {
	set, err := compileAll(ctx, append(GetBuiltinPolicies(), loaded...))
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.set = set
	e.mu.Unlock()

	e.logger.Info().Int("count", len(set)).Msg("Policies replaced")
	return nil
}

// eval runs the deny query and converts its elements to violations,
// sorted by target then message.
func (cp *compiledPolicy) eval(ctx context.Context, input *PolicyInput) ([]PolicyViolation, error) {
	rs, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var out []PolicyViolation
	for _, r := range rs {
		if len(r.Expressions) == 0 {
			continue
		}
		// sets come back as slices
		deny, ok := r.Expressions[0].Value.([]interface{})
		if !ok {
			return nil, fmt.Errorf("deny must be a set, got %T", r.Expressions[0].Value)
		}
		for _, d := range deny {
			out = append(out, cp.violation(d))
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Target != out[j].Target {
			return out[i].Target < out[j].Target
		}
		return out[i].Message < out[j].Message
	})
	return out, nil
}

func (cp *compiledPolicy) violation(elem interface{}) PolicyViolation {
	v := PolicyViolation{Policy: cp.policy.Name, Severity: cp.policy.Severity}
	switch d := elem.(type) {
	case string:
		v.Message = d
	case map[string]interface{}:
		v.Message, _ = d["message"].(string)
		v.Target, _ = d["target"].(string)
		if sev, ok := d["severity"].(string); ok {
			v.Severity = Severity(sev)
		}
	default:
		v.Message = fmt.Sprint(elem)
	}
	return v
}

// compileAll compiles every policy, or none.
func compileAll(ctx context.Context, policies []Policy) (policySet, error) {
	set := make(policySet, len(policies))
	for i := range policies {
		p := &policies[i]
		cp, err := compile(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("failed to compile policy %s: %w", p.Name, err)
		}
		set[p.Name] = cp
	}
	return set, nil
}

func compile(ctx context.Context, p *Policy) (*compiledPolicy, error) {
	if p.Name == "" {
		return nil, errors.New("policy has no name")
	}
	module, err := ast.ParseModule(p.Name, p.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}
	if module == nil {
		return nil, errors.New("policy is empty")
	}

	query, err := rego.New(
		rego.ParsedModule(module),
		rego.Query(module.Package.Path.String()+".deny"),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}
	return &compiledPolicy{policy: p, query: query}, nil
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, ok := e.set[name]
	if !ok {
		return nil, fmt.Errorf("policy not found: %s", name)
	}
	return cp.policy, nil
}

// ListPolicies returns all policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Policy, 0, len(e.set))
	for _, name := range e.set.names() {
		out = append(out, *e.set[name].policy)
	}
	return out
}

// EnablePolicy turns a policy on.
func (e *Engine) EnablePolicy(name string) error { return e.setEnabled(name, true) }

// DisablePolicy turns a policy off without unloading it.
func (e *Engine) DisablePolicy(name string) error { return e.setEnabled(name, false) }

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, ok := e.set[name]
	if !ok {
		return fmt.Errorf("policy not found: %s", name)
	}
	cp.policy.Enabled = enabled
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy toggled")
	return nil
}
