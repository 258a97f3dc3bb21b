package upgrader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/openfroyo/upgrade/pkg/config"
	"github.com/openfroyo/upgrade/pkg/engine"
	"github.com/openfroyo/upgrade/pkg/policy"
	"github.com/openfroyo/upgrade/pkg/stores"
	"github.com/openfroyo/upgrade/pkg/telemetry"
	"github.com/openfroyo/upgrade/pkg/topology"
)

var (
	// ErrNotDeployed is returned when an operation needs a live topology
	// and none is stored.
	ErrNotDeployed = errors.New("no topology deployed")

	// ErrAlreadyDeployed is returned by Deploy when a topology is stored.
	ErrAlreadyDeployed = errors.New("topology already deployed")
)

// Options configures how plans are built and applied.
type Options struct {
	// Plan selects the config mode and unmatched desired node policy.
	Plan engine.PlanOptions `json:"plan"`

	// MaxDepth bounds the live tree depth during matching. Zero means
	// unbounded.
	MaxDepth int `json:"maxDepth,omitempty"`

	// Inheritance overrides which candidate kinds are visible below the
	// level they were declared at. Nil keeps the default table.
	Inheritance engine.InheritancePolicy `json:"inheritance,omitempty"`

	// DisablePartialTransform makes catalog reference changes fail at
	// apply time, as on a system without live state rewrites.
	DisablePartialTransform bool `json:"disablePartialTransform,omitempty"`

	// LogMatches logs every matching outcome.
	LogMatches bool `json:"logMatches,omitempty"`

	// Actor is recorded in audit entries and passed to policies.
	Actor string `json:"actor,omitempty"`

	// Environment is passed to policies.
	Environment string `json:"environment,omitempty"`
}

// DefaultOptions returns compare mode, strict policy and no depth bound.
func DefaultOptions() Options {
	return Options{
		Plan:  engine.DefaultPlanOptions(),
		Actor: "system",
	}
}

// Validate checks the options.
func (o Options) Validate() error {
	if err := o.Plan.Validate(); err != nil {
		return err
	}
	if o.MaxDepth < 0 {
		return fmt.Errorf("max depth must not be negative, got %d", o.MaxDepth)
	}
	if o.Inheritance != nil {
		if err := o.Inheritance.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Service plans and applies upgrades of a stored live topology.
type Service struct {
	store    stores.Store
	policies *policy.Engine
	tel      *telemetry.Telemetry
	logger   zerolog.Logger
	opts     Options
}

// Option configures a Service.
type Option func(*Service)

// WithPolicyEngine gates every plan through the given policies.
func WithPolicyEngine(e *policy.Engine) Option {
	return func(s *Service) {
		s.policies = e
	}
}

// WithTelemetry sets the telemetry used for spans, metrics and events.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(s *Service) {
		s.tel = tel
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// New creates a service over store. Lifecycle events published through the
// service telemetry are appended to the store event log.
func New(store stores.Store, opts Options, svcOpts ...Option) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}

	s := &Service{
		store:  store,
		opts:   opts,
		logger: zerolog.Nop(),
	}
	for _, o := range svcOpts {
		o(s)
	}
	if s.tel == nil {
		s.tel = telemetry.NewNop()
		// events still reach the store
		s.tel.Events, _ = telemetry.NewEventPublisher(telemetry.EventsConfig{Enabled: true})
	}
	s.logger = s.logger.With().Str("component", "upgrader").Logger()
	s.tel.Events.Subscribe(s.recordEvent, nil)

	return s, nil
}

// Options returns the service options.
func (s *Service) Options() Options {
	return s.opts
}

// DeployResult describes a first deployment.
type DeployResult struct {
	Blueprint string `json:"blueprint" yaml:"blueprint"`
	RootID    string `json:"rootId" yaml:"rootId"`
	Nodes     int    `json:"nodes" yaml:"nodes"`
}

// Deploy instantiates compiled as the live topology and stores it. It
// fails with ErrAlreadyDeployed when a topology is stored.
func (s *Service) Deploy(ctx context.Context, compiled *config.Compiled) (*DeployResult, error) {
	if compiled == nil || compiled.Root == nil {
		return nil, fmt.Errorf("compiled blueprint with a root is required")
	}

	states, err := s.store.LoadTopology(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load topology: %w", err)
	}
	if len(states) > 0 {
		return nil, ErrAlreadyDeployed
	}

	mgr, err := s.newManager(ctx, compiled)
	if err != nil {
		return nil, err
	}
	root, err := mgr.Deploy(ctx, compiled.Root)
	if err != nil {
		return nil, err
	}
	if err := s.persistTopology(ctx, mgr); err != nil {
		return nil, err
	}

	result := &DeployResult{Blueprint: compiled.Name, RootID: root.ID(), Nodes: mgr.Len()}
	s.audit(ctx, "topology.deployed", root.ID(), result)
	s.tel.Metrics.SetLiveNodes(result.Nodes)
	_ = s.tel.Events.PublishTopologyDeployed(compiled.Name, root.ID(), result.Nodes)

	s.logger.Info().
		Str("blueprint", compiled.Name).
		Str("root", root.ID()).
		Int("nodes", result.Nodes).
		Msg("Deployed topology")
	return result, nil
}

// Topology loads the stored live topology with every stored node type.
func (s *Service) Topology(ctx context.Context) (*topology.Manager, error) {
	return s.loadTopology(ctx, nil)
}

// History returns stored plan records, newest first.
func (s *Service) History(ctx context.Context, limit int) ([]*stores.PlanRecord, error) {
	return s.store.ListPlans(ctx, limit, 0)
}

// Events returns the stored events of a plan, newest first. An empty plan
// ID returns events of every plan.
func (s *Service) Events(ctx context.Context, planID string, limit int) ([]*stores.Event, error) {
	var filter *string
	if planID != "" {
		filter = &planID
	}
	return s.store.GetEvents(ctx, filter, nil, limit, 0)
}

// newManager creates an empty topology with the stored node types and the
// catalog of compiled, which may be nil.
func (s *Service) newManager(ctx context.Context, compiled *config.Compiled) (*topology.Manager, error) {
	mgr := topology.NewManager(s.logger, topology.WithPartialTransform(!s.opts.DisablePartialTransform))

	types, err := s.store.ListNodeTypes(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list node types: %w", err)
	}
	if compiled != nil {
		types = append(types, compiled.Catalog...)
	}
	for _, t := range types {
		if err := mgr.RegisterType(t); err != nil {
			return nil, fmt.Errorf("failed to register node type %s: %w", t.Ref(), err)
		}
	}
	return mgr, nil
}

// loadTopology restores the stored live tree. It fails with ErrNotDeployed
// when nothing is stored.
func (s *Service) loadTopology(ctx context.Context, compiled *config.Compiled) (*topology.Manager, error) {
	mgr, err := s.newManager(ctx, compiled)
	if err != nil {
		return nil, err
	}
	states, err := s.store.LoadTopology(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load topology: %w", err)
	}
	if len(states) == 0 {
		return nil, ErrNotDeployed
	}
	if err := mgr.Restore(states); err != nil {
		return nil, fmt.Errorf("failed to restore topology: %w", err)
	}
	s.tel.Metrics.SetLiveNodes(mgr.Len())
	return mgr, nil
}

func (s *Service) persistTopology(ctx context.Context, mgr *topology.Manager) error {
	if err := s.store.SaveNodeTypes(ctx, mgr.Types()); err != nil {
		return fmt.Errorf("failed to save node types: %w", err)
	}
	if err := s.store.SaveTopology(ctx, mgr.Snapshot()); err != nil {
		return fmt.Errorf("failed to save topology: %w", err)
	}
	return nil
}

// audit writes an audit entry. Failures are logged, not returned.
func (s *Service) audit(ctx context.Context, action, target string, details interface{}) {
	entry := &stores.AuditEntry{Action: action, Actor: s.opts.Actor}
	if target != "" {
		entry.TargetID = &target
	}
	if details != nil {
		raw, err := json.Marshal(details)
		if err == nil {
			d := string(raw)
			entry.Details = &d
		}
	}
	if err := s.store.CreateAuditEntry(ctx, entry); err != nil {
		s.logger.Warn().Err(err).Str("action", action).Msg("Failed to write audit entry")
	}
}

// recordEvent appends a published event to the store.
func (s *Service) recordEvent(e telemetry.Event) {
	ev := &stores.Event{
		Level:     stores.EventLevel(e.Level),
		Type:      e.Type,
		Message:   e.Message,
		Timestamp: e.Timestamp,
	}
	if e.PlanID != "" {
		planID := e.PlanID
		ev.PlanID = &planID
	}
	if e.NodeID != "" {
		nodeID := e.NodeID
		ev.NodeID = &nodeID
	}
	if len(e.Data) > 0 {
		if raw, err := json.Marshal(e.Data); err == nil {
			d := string(raw)
			ev.Details = &d
		}
	}
	if err := s.store.AppendEvent(context.Background(), ev); err != nil {
		s.logger.Warn().Err(err).Str("type", e.Type).Msg("Failed to record event")
	}
}
