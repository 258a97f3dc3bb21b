package telemetry

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/openfroyo/upgrade/pkg/engine"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "default", mutate: func(*Config) {}},
		{name: "production", mutate: func(c *Config) { *c = *ProductionConfig() }},
		{name: "development", mutate: func(c *Config) { *c = *DevelopmentConfig() }},
		{name: "nop", mutate: func(c *Config) { *c = *NopConfig() }},
		{name: "no service name", mutate: func(c *Config) { c.ServiceName = "" }, wantErr: "service name"},
		{name: "bad level", mutate: func(c *Config) { c.Logging.Level = "loud" }, wantErr: "log level"},
		{name: "bad format", mutate: func(c *Config) { c.Logging.Format = "xml" }, wantErr: "log format"},
		{
			name:    "bad exporter",
			mutate:  func(c *Config) { c.Tracing.Enabled = true; c.Tracing.Exporter = "jaeger" },
			wantErr: "trace exporter",
		},
		{
			name:    "otlp without endpoint",
			mutate:  func(c *Config) { c.Tracing.Enabled = true; c.Tracing.Exporter = "otlp" },
			wantErr: "endpoint",
		},
		{name: "bad sampling", mutate: func(c *Config) { c.Tracing.SamplingRate = 1.5 }, wantErr: "sampling rate"},
		{
			name:    "async without buffer",
			mutate:  func(c *Config) { c.Events.Async = true; c.Events.BufferSize = 0 },
			wantErr: "buffer size",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestMetrics(t *testing.T) {
	m, err := NewMetrics(DefaultConfig().Metrics)
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}

	m.RecordMatch(3, 1, 2, 4)
	m.RecordPlanBuilt([]string{"set_config", "set_config", "add_child"}, false)
	m.RecordModificationApplied("set_config")
	m.RecordPlanRun("applied")
	m.RecordPlanRun("rejected")
	m.RecordPlanRun("rejected")
	m.RecordPolicyViolation("catalog-downgrade", "error")
	m.RecordError("permanent", "PLAN_REJECTED")
	m.SetLiveNodes(7)
	m.ObservePhase(PhaseMatch, 2*time.Millisecond)

	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"matched", testutil.ToFloat64(m.matchOutcomes.WithLabelValues(OutcomeMatched)), 3},
		{"unmatched live", testutil.ToFloat64(m.matchOutcomes.WithLabelValues(OutcomeUnmatchedLive)), 1},
		{"unmatched desired", testutil.ToFloat64(m.matchOutcomes.WithLabelValues(OutcomeUnmatchedDesired)), 2},
		{"planned set_config", testutil.ToFloat64(m.modificationsPlanned.WithLabelValues("set_config")), 2},
		{"planned add_child", testutil.ToFloat64(m.modificationsPlanned.WithLabelValues("add_child")), 1},
		{"plans built", testutil.ToFloat64(m.plansBuilt.WithLabelValues("false")), 1},
		{"applied", testutil.ToFloat64(m.modificationsApplied.WithLabelValues("set_config")), 1},
		{"rejected runs", testutil.ToFloat64(m.planRuns.WithLabelValues("rejected")), 2},
		{"violations", testutil.ToFloat64(m.policyViolations.WithLabelValues("catalog-downgrade", "error")), 1},
		{"errors by code", testutil.ToFloat64(m.errorsByCode.WithLabelValues("PLAN_REJECTED")), 1},
		{"live nodes", testutil.ToFloat64(m.liveNodes), 7},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s: expected %v, got %v", c.name, c.want, c.got)
		}
	}

	if n := testutil.CollectAndCount(m.planDuration); n != 1 {
		t.Errorf("expected 1 phase series, got %d", n)
	}

	var buf bytes.Buffer
	if err := m.WriteText(&buf); err != nil {
		t.Fatalf("WriteText failed: %v", err)
	}
	if !strings.Contains(buf.String(), `froyo_upgrade_plan_runs_total{state="rejected"} 2`) {
		t.Errorf("expected plan runs in text output, got:\n%s", buf.String())
	}
}

func TestMetricsDisabled(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}

	// Recorders are no-ops and must not panic.
	m.RecordMatch(1, 1, 1, 1)
	m.RecordPlanBuilt([]string{"set_config"}, true)
	m.RecordPlanRun("applied")
	m.RecordError("permanent", "X")
	m.SetLiveNodes(1)

	if m.Registry() != nil {
		t.Error("expected no registry when disabled")
	}
	var buf bytes.Buffer
	if err := m.WriteText(&buf); err != nil || buf.Len() != 0 {
		t.Errorf("expected empty output, got %q (%v)", buf.String(), err)
	}
	if srv := m.StartMetricsServer(nil); srv != nil {
		t.Error("expected no server when disabled")
	}
}

func TestEventPublisherSync(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true})
	if err != nil {
		t.Fatalf("NewEventPublisher failed: %v", err)
	}

	var all, errorsOnly []Event
	ep.Subscribe(func(e Event) { all = append(all, e) }, nil)
	ep.Subscribe(func(e Event) { errorsOnly = append(errorsOnly, e) }, FilterByLevel(EventLevelError))
	ep.AddFilter(func(e Event) bool { return e.PlanID != "ignored" })

	_ = ep.PublishPlanBuilt("p1", "fp", 1, 0, 0)
	_ = ep.PublishModificationApplied("p1", "n1", "set_config", "Set a")
	_ = ep.PublishPlanFailed("p1", "n1", "boom")
	_ = ep.PublishPlanBuilt("ignored", "fp", 0, 0, 0)

	if len(all) != 3 {
		t.Fatalf("expected 3 delivered events, got %d", len(all))
	}
	wantTypes := []string{EventTypePlanBuilt, EventTypeModificationApplied, EventTypePlanFailed}
	for i, want := range wantTypes {
		if all[i].Type != want {
			t.Errorf("event %d: expected %s, got %s", i, want, all[i].Type)
		}
		if all[i].ID == "" || all[i].Timestamp.IsZero() {
			t.Errorf("event %d: expected ID and timestamp to be set", i)
		}
	}
	if len(errorsOnly) != 1 || errorsOnly[0].NodeID != "n1" {
		t.Errorf("expected one error event for n1, got %+v", errorsOnly)
	}
}

func TestEventPublisherAsync(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{
		Enabled:       true,
		Async:         true,
		BufferSize:    16,
		BatchSize:     4,
		FlushInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("NewEventPublisher failed: %v", err)
	}

	var mu sync.Mutex
	var got []string
	ep.Subscribe(func(e Event) {
		mu.Lock()
		got = append(got, e.PlanID)
		mu.Unlock()
	}, FilterByPlanID("keep"))

	for i := 0; i < 6; i++ {
		planID := "keep"
		if i%2 == 1 {
			planID = "drop"
		}
		if err := ep.PublishPlanBuilt(planID, "fp", i, 0, 0); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	// Shutdown delivers the partial batch.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ep.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 3 {
		t.Errorf("expected 3 delivered events, got %v", got)
	}
	if err := ep.PublishPlanBuilt("keep", "fp", 0, 0, 0); err == nil {
		t.Error("expected publish after shutdown to fail")
	}
}

func TestTracerSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	tel := NewNop()
	tel.Tracer = newTracerWithProvider(provider, "test")
	tel.Metrics, _ = NewMetrics(DefaultConfig().Metrics)

	ctx := tel.WithContext(context.Background())
	ctx, planSpan := tel.Tracer.StartPlanSpan(ctx, "shop")

	op := StartOperation(ctx, "plan.run")
	AddModificationEvent(op.Span, "set_config", "n1", "Set a on n1")
	op.End(engine.NewPermanentError("rejected", nil).WithCode(engine.ErrCodePlanRejected))
	planSpan.End()

	spans := recorder.Ended()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	run := spans[0]
	if run.Name() != "plan.run" {
		t.Errorf("expected plan.run first, got %s", run.Name())
	}
	if run.Parent().SpanID() != spans[1].SpanContext().SpanID() {
		t.Error("expected plan.run to be a child of plan.build")
	}
	if run.Status().Code != codes.Error {
		t.Errorf("expected error status, got %v", run.Status())
	}
	if len(run.Events()) < 1 || run.Events()[0].Name != "modification.applied" {
		t.Errorf("expected modification event, got %v", run.Events())
	}

	if got := testutil.ToFloat64(tel.Metrics.errorsByCode.WithLabelValues(engine.ErrCodePlanRejected)); got != 1 {
		t.Errorf("expected error counted by code, got %v", got)
	}
}

func TestStartOperationWithoutTelemetry(t *testing.T) {
	op := StartOperation(context.Background(), "noop")
	if op.Span != nil {
		t.Error("expected no span without telemetry")
	}
	if op.Logger == nil || op.Timer == nil {
		t.Fatal("expected logger and timer without telemetry")
	}
	op.End(nil)
}

func TestEndLogsFailingNode(t *testing.T) {
	var buf bytes.Buffer
	op := StartOperation(context.Background(), "plan.run")
	op.Logger = &Logger{zlog: zerolog.New(&buf)}

	cause := engine.NewPermanentError("bad port", nil).WithCode(engine.ErrCodeConfigRejected).WithNode("web-1")
	op.End(fmt.Errorf("apply: %w", cause))

	out := buf.String()
	for _, want := range []string{`"node_id":"web-1"`, `"error":"apply: `, `"error_class":"permanent"`, `"level":"warn"`} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %s in log output, got %s", want, out)
		}
	}

	buf.Reset()
	op = StartOperation(context.Background(), "plan.run")
	op.Logger = &Logger{zlog: zerolog.New(&buf)}
	op.End(nil)
	if buf.Len() != 0 {
		t.Errorf("expected nothing logged on success, got %s", buf.String())
	}
}

func TestClassifyError(t *testing.T) {
	rejected := &engine.PlanRejectedError{PlanID: "p", Causes: []error{engine.ErrUnmatchedDesiredNode}}
	class, code := ClassifyError(rejected)
	if class != string(engine.ErrorClassPermanent) || code != engine.ErrCodePlanRejected {
		t.Errorf("unexpected classification %s/%s", class, code)
	}

	class, code = ClassifyError(engine.ErrAlreadyApplied)
	if class != string(engine.ErrorClassConflict) || code != engine.ErrCodeAlreadyApplied {
		t.Errorf("unexpected classification %s/%s", class, code)
	}
}

func TestLoggerToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "upgrade.log")
	logger, err := NewLogger(LoggingConfig{Level: "info", Format: "json", Output: path})
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}

	logger.NewComponentLogger("upgrader").WithPlanID("plan-9").Info("applied")
	logger.Debug("hidden")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	out := string(data)
	if !strings.Contains(out, `"plan_id":"plan-9"`) || !strings.Contains(out, `"component":"upgrader"`) {
		t.Errorf("expected fields in log output, got %s", out)
	}
	if strings.Contains(out, "hidden") {
		t.Error("expected debug message to be filtered")
	}
}
