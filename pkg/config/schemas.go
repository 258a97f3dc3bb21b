package config

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
)

// Built-in schema names.
const (
	SchemaBlueprint   = "blueprint"
	SchemaCatalogItem = "catalog_item"
	SchemaNode        = "node"
)

// SchemaRegistry holds named CUE definitions that blueprint documents are
// unified with. All schemas share one CUE context.
type SchemaRegistry struct {
	mu      sync.RWMutex
	ctx     *cue.Context
	schemas map[string]cue.Value
}

// NewSchemaRegistry returns a registry holding the blueprint, catalog item
// and node schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{ctx: cuecontext.New(), schemas: map[string]cue.Value{}}
	for name, def := range map[string]string{
		SchemaBlueprint:   "#Blueprint",
		SchemaCatalogItem: "#CatalogItem",
		SchemaNode:        "#Node",
	} {
		if err := sr.RegisterSchema(name, builtinBlueprintSchema, def); err != nil {
			panic(fmt.Sprintf("built-in schema %s: %v", name, err))
		}
	}
	return sr
}

// RegisterSchema compiles source and registers the definition it declares
// under name. An empty definition registers the whole value.
func (sr *SchemaRegistry) RegisterSchema(name, source, definition string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(source, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	if definition != "" {
		val = val.LookupPath(cue.ParsePath(definition))
		if !val.Exists() {
			return fmt.Errorf("schema %s does not declare %s", name, definition)
		}
	}

	sr.schemas[name] = val
	return nil
}

func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	val, ok := sr.schemas[name]
	sr.mu.RUnlock()
	return val, ok
}

// ValidateAgainstSchema is Check folded into a single error.
func (sr *SchemaRegistry) ValidateAgainstSchema(ctx context.Context, schemaName string, data interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if errs := sr.Check(schemaName, data); len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.String()
		}
		return fmt.Errorf("validation failed: %s", strings.Join(msgs, "; "))
	}
	return nil
}

// Check validates data against a named schema and returns one
// ValidationError per violation.
func (sr *SchemaRegistry) Check(schemaName string, data interface{}) []ValidationError {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return []ValidationError{{Message: fmt.Sprintf("schema %s not found", schemaName), Severity: "error"}}
	}

	// Values from one context cannot be unified with another context's.
	sr.mu.Lock()
	defer sr.mu.Unlock()

	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return convertCUEErrors(err)
	}
	unified := schema.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		errs := convertCUEErrors(err)
		// Encoded data has no source positions; drop those of the schema.
		for i := range errs {
			errs[i].File, errs[i].Line, errs[i].Column = "", 0, 0
		}
		return errs
	}
	return nil
}

// ListSchemas returns the registered names, sorted.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	var names []string
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// convertCUEErrors flattens a CUE error list, keeping the first position of
// each error.
func convertCUEErrors(err error) []ValidationError {
	var out []ValidationError
	for _, e := range cueerrors.Errors(err) {
		ve := ValidationError{
			Path:     strings.Join(e.Path(), "."),
			Message:  e.Error(),
			Severity: "error",
		}
		if pos := cueerrors.Positions(e); len(pos) > 0 && pos[0].Filename() != "" {
			ve.File = pos[0].Filename()
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		out = append(out, ve)
	}
	if len(out) == 0 {
		out = append(out, ValidationError{Message: err.Error(), Severity: "error"})
	}
	return out
}

const builtinBlueprintSchema = `
#Ref: string & =~"^[^:]+:[^:]+$"

#Key: {
	name:         string & != ""
	type?:        "any" | "string" | "int" | "float" | "bool" | "duration" | "list" | "map"
	default?:     _
	flag?:        string
	inherited?:   bool
	description?: string
}

#CatalogItem: {
	name:         string & =~"^[^:]+$"
	version:      string & =~"^[^:]+$"
	description?: string
	keys?: [...#Key]
}

#Parameter: {
	key:      string & != ""
	default?: _
}

#Node: {
	name?:       string
	catalogRef?: #Ref
	id?:         string
	config?: {...}
	flags?: {...}
	parameters?: [...#Parameter]
	children?: [...#Node]
}

#Blueprint: {
	name:         string & != ""
	description?: string
	catalog?: [...#CatalogItem]
	root: #Node
}
`
