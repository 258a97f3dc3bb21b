package telemetry_test

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/openfroyo/upgrade/pkg/engine"
	"github.com/openfroyo/upgrade/pkg/telemetry"
)

// Example_basicSetup demonstrates basic telemetry setup.
func Example_basicSetup() {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = "1.0.0"

	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		panic(err)
	}
	defer func() { _ = tel.Shutdown(context.Background()) }()

	ctx := tel.WithContext(context.Background())

	logger := telemetry.FromContext(ctx)
	logger.WithBlueprint("shop").Info("Planning upgrade")

	// Output varies, no output specified
}

// Example_eventPublishing demonstrates synchronous event delivery.
func Example_eventPublishing() {
	cfg := telemetry.DefaultConfig().Events
	cfg.Async = false

	events, _ := telemetry.NewEventPublisher(cfg)
	events.Subscribe(func(e telemetry.Event) {
		fmt.Printf("%s %s: %s\n", e.Level, e.Type, e.Message)
	}, telemetry.FilterByType(telemetry.EventTypePlanBuilt, telemetry.EventTypePlanRejected))

	_ = events.PublishPlanBuilt("plan-1", "ab12", 2, 1, 0)
	_ = events.PublishModificationApplied("plan-1", "node-1", "set_config", "Set port to 8080 on node-1")
	_ = events.PublishPlanRejected("plan-1", []string{"unmatched desired node"})

	// Output:
	// warning plan.built: Plan plan-1 built: 2 modifications, 1 errors, 0 no-ops
	// error plan.rejected: Plan plan-1 rejected with 1 errors
}

// Example_instrumentedOperation demonstrates operation instrumentation.
func Example_instrumentedOperation() {
	tel, _ := telemetry.NewTelemetry(telemetry.DefaultConfig())
	ctx := tel.WithContext(context.Background())

	op := telemetry.StartOperation(ctx, "plan.apply")
	err := engine.NewConflictError("modification already applied", nil).WithCode(engine.ErrCodeAlreadyApplied)
	op.End(err)

	// errors_by_code_total{code="ALREADY_APPLIED"} is now 1
	_ = tel.Metrics.WriteText(os.Stdout)
}

// Example_errorClassification demonstrates how errors map to metric labels.
func Example_errorClassification() {
	for _, err := range []error{
		engine.ErrMalformedCatalogRef,
		fmt.Errorf("apply: %w", context.Canceled),
		errors.New("disk full"),
	} {
		class, code := telemetry.ClassifyError(err)
		fmt.Printf("%s %q\n", class, code)
	}

	// Output:
	// permanent "MALFORMED_CATALOG_REFERENCE"
	// transient ""
	// unknown ""
}
