// Package telemetry provides logging, tracing, metrics and lifecycle events
// for the upgrade engine.
//
// The package wraps zerolog for structured logs, OpenTelemetry for spans
// and Prometheus for counters and histograms. A small event publisher
// carries plan lifecycle events to subscribers such as the plan store.
//
// # Usage
//
// Initialize telemetry once per process:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = version
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	ctx = tel.WithContext(ctx)
//
// The defaults suit a command line tool: console logs on stderr, tracing
// off, synchronous events and metrics collected in memory. Use
// ProductionConfig for JSON logs and OTLP export, and NopConfig in tests.
//
// # Logging
//
//	logger := telemetry.FromContext(ctx).
//	    NewComponentLogger("upgrader").
//	    WithPlanID(plan.ID)
//	logger.Info("plan built")
//
// FromContext never returns nil.
//
// # Tracing
//
// A plan build produces a "plan.build" span with "plan.match" and
// "policy.gate" children. Applying a plan produces "plan.run", with one
// span event per applied modification.
//
// # Metrics
//
// Counters are labelled by match outcome, modification kind, run state,
// policy and error code:
//
//	froyo_upgrade_match_nodes_total{outcome}
//	froyo_upgrade_modifications_planned_total{kind}
//	froyo_upgrade_modifications_applied_total{kind}
//	froyo_upgrade_plan_runs_total{state}
//	froyo_upgrade_policy_violations_total{policy,severity}
//	froyo_upgrade_errors_by_code_total{code}
//
// Metrics can be served over HTTP with StartMetricsServer when a listen
// address is configured, or dumped once with WriteText.
//
// # Events
//
//	tel.Events.Subscribe(func(e telemetry.Event) {
//	    store.AppendEvent(ctx, e.PlanID, e.Level, e.Message)
//	}, telemetry.FilterByType(telemetry.EventTypePlanApplied))
//
// Synchronous delivery keeps publish order. Async delivery also keeps
// order, and Shutdown delivers whatever is still buffered.
//
// # Operations
//
// StartOperation ties the pieces together:
//
//	op := telemetry.StartOperation(ctx, "plan.apply")
//	err := plan.Run(op.Ctx)
//	op.End(err)
//
// End marks the span and counts the failure by the class and code that
// ClassifyError derives from engine errors.
package telemetry
