package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Format is a blueprint source format.
type Format string

const (
	// FormatCUE is a CUE file or a directory holding a CUE package.
	FormatCUE Format = "cue"

	// FormatYAML is a YAML document. JSON documents are read as YAML.
	FormatYAML Format = "yaml"

	// FormatStarlark is a Starlark script defining the blueprint global.
	FormatStarlark Format = "starlark"
)

// FormatFromPath infers the format from a file extension. Directories are
// CUE packages.
func FormatFromPath(path string) (Format, error) {
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		return FormatCUE, nil
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".cue":
		return FormatCUE, nil
	case ".yaml", ".yml", ".json":
		return FormatYAML, nil
	case ".star", ".bzl":
		return FormatStarlark, nil
	default:
		return "", fmt.Errorf("unknown blueprint format for %s", path)
	}
}

// Loader compiles blueprints from any supported format.
type Loader struct {
	cue      *CUEParser
	starlark *StarlarkEvaluator
	schemas  *SchemaRegistry
	validate *validator.Validate

	// vars are bound as predeclared names in Starlark blueprints.
	vars map[string]interface{}
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithStarlarkTimeout bounds the execution time of Starlark blueprints.
func WithStarlarkTimeout(d time.Duration) LoaderOption {
	return func(l *Loader) {
		l.starlark = NewStarlarkEvaluator(d)
	}
}

// WithVars binds variables for Starlark blueprints.
func WithVars(vars map[string]interface{}) LoaderOption {
	return func(l *Loader) {
		l.vars = vars
	}
}

// WithSchemaRegistry replaces the schema registry.
func WithSchemaRegistry(sr *SchemaRegistry) LoaderOption {
	return func(l *Loader) {
		l.schemas = sr
	}
}

// NewLoader creates a blueprint loader.
func NewLoader(opts ...LoaderOption) *Loader {
	l := &Loader{
		cue:      NewCUEParser(),
		starlark: NewStarlarkEvaluator(30 * time.Second),
		schemas:  NewSchemaRegistry(),
		validate: newValidator(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Schemas returns the schema registry.
func (l *Loader) Schemas() *SchemaRegistry {
	return l.schemas
}

// Load compiles the blueprint at path. CUE blueprints may span several
// paths; other formats take exactly one.
func (l *Loader) Load(ctx context.Context, paths ...string) (*Compiled, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("no blueprint sources provided")
	}
	format, err := FormatFromPath(paths[0])
	if err != nil {
		return nil, err
	}

	var parsed *ParsedBlueprint
	switch format {
	case FormatCUE:
		parsed, err = l.cue.Parse(ctx, paths)
	default:
		if len(paths) > 1 {
			return nil, fmt.Errorf("%s blueprints take a single source, got %d", format, len(paths))
		}
		var data []byte
		data, err = os.ReadFile(paths[0])
		if err != nil {
			return nil, fmt.Errorf("failed to read blueprint: %w", err)
		}
		parsed, err = l.parse(ctx, format, paths[0], data)
	}
	if err != nil {
		return nil, err
	}
	return compile(ctx, l.schemas, l.validate, parsed)
}

// LoadBytes compiles a blueprint held in memory. name is used in error
// messages and as the Starlark file name.
func (l *Loader) LoadBytes(ctx context.Context, format Format, name string, data []byte) (*Compiled, error) {
	var parsed *ParsedBlueprint
	var err error
	if format == FormatCUE {
		parsed, err = l.cue.ParseInline(ctx, string(data))
	} else {
		parsed, err = l.parse(ctx, format, name, data)
	}
	if err != nil {
		return nil, err
	}
	return compile(ctx, l.schemas, l.validate, parsed)
}

func (l *Loader) parse(ctx context.Context, format Format, name string, data []byte) (*ParsedBlueprint, error) {
	switch format {
	case FormatYAML:
		return parseYAML(name, data), nil
	case FormatStarlark:
		return l.starlark.Blueprint(ctx, name, string(data), l.vars)
	default:
		return nil, fmt.Errorf("unsupported blueprint format %q", format)
	}
}

// parseYAML reads a YAML or JSON blueprint document.
func parseYAML(name string, data []byte) *ParsedBlueprint {
	parsed := &ParsedBlueprint{ParsedAt: time.Now()}
	if name != "" {
		parsed.SourceFiles = []string{name}
	}
	var doc map[string]interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		ve := ValidationError{File: name, Message: err.Error(), Severity: "error"}
		if te, ok := err.(*yaml.TypeError); ok && len(te.Errors) > 0 {
			ve.Message = strings.Join(te.Errors, "; ")
		}
		parsed.Errors = []ValidationError{ve}
		return parsed
	}
	parsed.Document = doc
	return parsed
}
