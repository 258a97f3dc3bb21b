package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/upgrade/pkg/config"
	"github.com/openfroyo/upgrade/pkg/engine"
	"github.com/openfroyo/upgrade/pkg/policy"
	"github.com/openfroyo/upgrade/pkg/stores"
	"github.com/openfroyo/upgrade/pkg/telemetry"
	"github.com/openfroyo/upgrade/pkg/upgrader"
)

const (
	configFileName   = "froyo-upgrade.yaml"
	databaseFileName = "upgrade.db"
)

// workspaceConfig is the workspace config file written by init.
type workspaceConfig struct {
	DataDir  string `yaml:"data_dir"`
	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`
	Plan struct {
		ConfigMode      string `yaml:"config_mode"`
		UnmatchedPolicy string `yaml:"unmatched_policy"`
		MaxDepth        int    `yaml:"max_depth"`
		Environment     string `yaml:"environment,omitempty"`
	} `yaml:"plan"`
	Policies  []string `yaml:"policies,omitempty"`
	Telemetry struct {
		LogLevel        string `yaml:"log_level"`
		LogFormat       string `yaml:"log_format"`
		TracingExporter string `yaml:"tracing_exporter,omitempty"`
		TracingEndpoint string `yaml:"tracing_endpoint,omitempty"`
		MetricsListen   string `yaml:"metrics_listen,omitempty"`
	} `yaml:"telemetry"`
}

func defaultWorkspaceConfig(dir string) *workspaceConfig {
	cfg := &workspaceConfig{DataDir: dir}
	cfg.Database.Path = filepath.Join(dir, databaseFileName)
	opts := engine.DefaultPlanOptions()
	cfg.Plan.ConfigMode = string(opts.ConfigMode)
	cfg.Plan.UnmatchedPolicy = string(opts.UnmatchedPolicy)
	cfg.Telemetry.LogLevel = "info"
	cfg.Telemetry.LogFormat = "console"
	return cfg
}

func resolvedConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return filepath.Join(dataDir, configFileName)
}

// loadWorkspaceConfig reads the workspace config. A missing file yields the
// defaults for --data-dir.
func loadWorkspaceConfig() (*workspaceConfig, error) {
	cfg := defaultWorkspaceConfig(dataDir)
	data, err := os.ReadFile(resolvedConfigPath())
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", resolvedConfigPath(), err)
	}
	return cfg, nil
}

// planFlags are the plan options shared by plan and apply.
type planFlags struct {
	reset      bool
	permissive bool
	maxDepth   int
	policies   []string
}

func (f *planFlags) options(cfg *workspaceConfig) (upgrader.Options, error) {
	opts := upgrader.DefaultOptions()
	if cfg.Plan.ConfigMode != "" {
		opts.Plan.ConfigMode = engine.ConfigMode(cfg.Plan.ConfigMode)
	}
	if cfg.Plan.UnmatchedPolicy != "" {
		opts.Plan.UnmatchedPolicy = engine.UnmatchedPolicy(cfg.Plan.UnmatchedPolicy)
	}
	opts.MaxDepth = cfg.Plan.MaxDepth
	opts.Environment = cfg.Plan.Environment
	opts.LogMatches = verbose
	if user := os.Getenv("USER"); user != "" {
		opts.Actor = user
	}

	if f != nil {
		if f.reset {
			opts.Plan.ConfigMode = engine.ConfigModeReset
		}
		if f.permissive {
			opts.Plan.UnmatchedPolicy = engine.UnmatchedPermissive
		}
		if f.maxDepth > 0 {
			opts.MaxDepth = f.maxDepth
		}
	}
	return opts, opts.Validate()
}

// workspace holds the opened store, telemetry and service of one command.
type workspace struct {
	cfg      *workspaceConfig
	store    *stores.SQLiteStore
	tel      *telemetry.Telemetry
	policies *policy.Engine
	svc      *upgrader.Service
	metrics  interface{ Shutdown(context.Context) error }
}

// openWorkspace opens the workspace store and builds the upgrade service.
// flags may be nil for commands that do not build plans.
func openWorkspace(ctx context.Context, flags *planFlags) (*workspace, error) {
	cfg, err := loadWorkspaceConfig()
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(cfg.Database.Path); err != nil {
		return nil, fmt.Errorf("workspace not initialized at %s (run 'froyo-upgrade init'): %w", cfg.DataDir, err)
	}

	opts, err := flags.options(cfg)
	if err != nil {
		return nil, fmt.Errorf("invalid plan options: %w", err)
	}

	tel, err := telemetry.NewTelemetry(telemetryConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	store, err := stores.NewSQLiteStore(stores.Config{Path: cfg.Database.Path})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger := tel.Logger.Zerolog()
	policies, err := policy.NewEngine(logger)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to initialize policies: %w", err)
	}
	paths := cfg.Policies
	if flags != nil {
		paths = append(paths, flags.policies...)
	}
	if len(paths) > 0 {
		if err := policies.LoadPolicies(ctx, paths); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("failed to load policies: %w", err)
		}
	}

	svc, err := upgrader.New(store, opts,
		upgrader.WithLogger(logger),
		upgrader.WithTelemetry(tel),
		upgrader.WithPolicyEngine(policies),
	)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	ws := &workspace{cfg: cfg, store: store, tel: tel, policies: policies, svc: svc}
	if srv := tel.Metrics.StartMetricsServer(func(err error) {
		log.Error().Err(err).Msg("Metrics server failed")
	}); srv != nil {
		ws.metrics = srv
	}
	return ws, nil
}

func telemetryConfig(cfg *workspaceConfig) *telemetry.Config {
	tcfg := telemetry.DefaultConfig()
	if cfg.Telemetry.LogLevel != "" {
		tcfg.Logging.Level = cfg.Telemetry.LogLevel
	}
	if cfg.Telemetry.LogFormat != "" {
		tcfg.Logging.Format = cfg.Telemetry.LogFormat
	}
	if verbose {
		tcfg.Logging.Level = "debug"
	}
	if cfg.Telemetry.TracingExporter != "" && cfg.Telemetry.TracingExporter != "none" {
		tcfg.Tracing.Enabled = true
		tcfg.Tracing.Exporter = cfg.Telemetry.TracingExporter
		tcfg.Tracing.Endpoint = cfg.Telemetry.TracingEndpoint
	}
	tcfg.Metrics.ListenAddress = cfg.Telemetry.MetricsListen
	return tcfg
}

// Close writes --metrics-out and releases the workspace.
func (w *workspace) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if metricsOut != "" {
		if err := writeMetrics(w.tel.Metrics, metricsOut); err != nil {
			log.Warn().Err(err).Str("path", metricsOut).Msg("Failed to write metrics")
		}
	}
	if w.metrics != nil {
		_ = w.metrics.Shutdown(ctx)
	}
	if err := w.tel.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to shut down telemetry")
	}
	if err := w.store.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close store")
	}
}

func writeMetrics(m *telemetry.Metrics, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return m.WriteText(f)
}

// compileBlueprint compiles the blueprint at paths.
func compileBlueprint(ctx context.Context, paths []string, vars map[string]string) (*config.Compiled, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("a blueprint is required (-f)")
	}
	var opts []config.LoaderOption
	if len(vars) > 0 {
		values := make(map[string]interface{}, len(vars))
		for k, v := range vars {
			values[k] = v
		}
		opts = append(opts, config.WithVars(values))
	}
	return config.NewLoader(opts...).Load(ctx, paths...)
}
