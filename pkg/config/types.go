package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/openfroyo/upgrade/pkg/engine"
	"github.com/openfroyo/upgrade/pkg/topology"
)

// Blueprint is the source form of a desired tree and the catalog it uses.
// Every blueprint format decodes into this structure.
type Blueprint struct {
	// Name identifies the blueprint.
	Name string `json:"name" yaml:"name" validate:"required"`

	// Description documents the blueprint.
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Catalog declares the node types referenced by the tree.
	Catalog []CatalogItem `json:"catalog,omitempty" yaml:"catalog,omitempty" validate:"dive"`

	// Root is the desired root node.
	Root *BlueprintNode `json:"root" yaml:"root" validate:"required"`
}

// CatalogItem declares a node type.
type CatalogItem struct {
	// Name is the catalog item name.
	Name string `json:"name" yaml:"name" validate:"required,excludesall=:"`

	// Version is the catalog item version.
	Version string `json:"version" yaml:"version" validate:"required,excludesall=:"`

	// Description documents the node type.
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Keys are the declared configuration keys.
	Keys []KeyConfig `json:"keys,omitempty" yaml:"keys,omitempty" validate:"dive"`
}

// KeyConfig declares a configuration key of a catalog item.
type KeyConfig struct {
	Name        string      `json:"name" yaml:"name" validate:"required"`
	Type        string      `json:"type,omitempty" yaml:"type,omitempty" validate:"omitempty,oneof=any string int float bool duration list map"`
	Default     interface{} `json:"default,omitempty" yaml:"default,omitempty"`
	Flag        string      `json:"flag,omitempty" yaml:"flag,omitempty"`
	Inherited   bool        `json:"inherited,omitempty" yaml:"inherited,omitempty"`
	Description string      `json:"description,omitempty" yaml:"description,omitempty"`
}

// BlueprintNode is one node of the desired tree. Values in Config, Flags
// and parameter defaults may hold nested specs in {"$spec": {...}} form.
type BlueprintNode struct {
	// Name is the display name.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// CatalogRef is the "name:version" reference of the node type.
	CatalogRef string `json:"catalogRef,omitempty" yaml:"catalogRef,omitempty" validate:"omitempty,catalogref"`

	// ID is the identity token. It is stored under engine.IdentityConfigKey.
	ID string `json:"id,omitempty" yaml:"id,omitempty"`

	// Config is the node configuration.
	Config map[string]interface{} `json:"config,omitempty" yaml:"config,omitempty"`

	// Flags are legacy flag values.
	Flags map[string]interface{} `json:"flags,omitempty" yaml:"flags,omitempty"`

	// Parameters are declared parameter slots.
	Parameters []ParameterConfig `json:"parameters,omitempty" yaml:"parameters,omitempty" validate:"dive"`

	// Children are the declared child nodes.
	Children []*BlueprintNode `json:"children,omitempty" yaml:"children,omitempty" validate:"dive,required"`
}

// ParameterConfig declares a parameter slot.
type ParameterConfig struct {
	Key     string      `json:"key" yaml:"key" validate:"required"`
	Default interface{} `json:"default,omitempty" yaml:"default,omitempty"`
}

// ParsedBlueprint is the raw document read from blueprint sources.
type ParsedBlueprint struct {
	// Document is the generic form of the blueprint.
	Document map[string]interface{} `json:"document,omitempty"`

	// SourceFiles are the files that were read.
	SourceFiles []string `json:"source_files"`

	// ParsedAt is when the sources were read.
	ParsedAt time.Time `json:"parsed_at"`

	// Errors lists parse errors. Document is nil when it is non-empty.
	Errors []ValidationError `json:"errors,omitempty"`
}

// Compiled is a blueprint ready for the engine.
type Compiled struct {
	// Name is the blueprint name.
	Name string `json:"name"`

	// Root is the desired tree.
	Root *engine.DesiredNode `json:"root"`

	// Catalog holds the validated node types declared by the blueprint.
	Catalog []*topology.NodeType `json:"catalog,omitempty"`

	// SourceFiles are the files the blueprint was read from.
	SourceFiles []string `json:"source_files"`

	// CompiledAt is when compilation finished.
	CompiledAt time.Time `json:"compiled_at"`
}

// ValidationError represents a validation error with location information.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the document path to the error (e.g., "root.children.0.catalogRef").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`

	// Severity is the error severity (error, warning, info).
	Severity string `json:"severity" validate:"required,oneof=error warning info"`
}

func (e ValidationError) String() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", e.Line, e.Column)
		}
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// BlueprintError is returned when a blueprint cannot be compiled.
type BlueprintError struct {
	Source string
	Errors []ValidationError
}

func (e *BlueprintError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, ve := range e.Errors {
		msgs[i] = ve.String()
	}
	src := e.Source
	if src == "" {
		src = "inline"
	}
	return fmt.Sprintf("invalid blueprint %s: %s", src, strings.Join(msgs, "; "))
}

func newBlueprintError(source string, errs ...ValidationError) *BlueprintError {
	return &BlueprintError{Source: source, Errors: errs}
}

// formatSourceFiles formats source files for display.
func formatSourceFiles(files []string) string {
	switch len(files) {
	case 0:
		return "inline"
	case 1:
		return files[0]
	default:
		return fmt.Sprintf("%s (+%d more)", files[0], len(files)-1)
	}
}
