package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/openfroyo/upgrade/pkg/engine"
	"github.com/openfroyo/upgrade/pkg/topology"
)

// newValidator returns a validator with the blueprint tags registered.
func newValidator() *validator.Validate {
	v := validator.New()
	// Namespaces use json names so errors point at document paths.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("catalogref", func(fl validator.FieldLevel) bool {
		_, err := engine.ParseCatalogRef(fl.Field().String())
		return err == nil
	})
	return v
}

// decodeBlueprint converts a generic document into a Blueprint. Numbers
// are kept as json.Number until values are normalized.
func decodeBlueprint(doc map[string]interface{}) (*Blueprint, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode document: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	dec.DisallowUnknownFields()
	var bp Blueprint
	if err := dec.Decode(&bp); err != nil {
		return nil, fmt.Errorf("failed to decode blueprint: %w", err)
	}
	return &bp, nil
}

// structErrors converts validator errors to ValidationErrors.
func structErrors(err error) []ValidationError {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []ValidationError{{Message: err.Error(), Severity: "error"}}
	}
	out := make([]ValidationError, 0, len(verrs))
	for _, fe := range verrs {
		path := fe.Namespace()
		if i := strings.IndexByte(path, '.'); i >= 0 {
			path = path[i+1:]
		}
		msg := fmt.Sprintf("failed on %q", fe.Tag())
		if fe.Param() != "" {
			msg = fmt.Sprintf("failed on %q (%s)", fe.Tag(), fe.Param())
		}
		out = append(out, ValidationError{Path: path, Message: msg, Severity: "error"})
	}
	return out
}

// compile validates a generic blueprint document and builds the desired
// tree and catalog from it.
func compile(ctx context.Context, schemas *SchemaRegistry, validate *validator.Validate, parsed *ParsedBlueprint) (*Compiled, error) {
	source := formatSourceFiles(parsed.SourceFiles)
	if len(parsed.Errors) > 0 {
		return nil, newBlueprintError(source, parsed.Errors...)
	}
	if parsed.Document == nil {
		return nil, newBlueprintError(source, ValidationError{Message: "blueprint is empty", Severity: "error"})
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if errs := schemas.Check(SchemaBlueprint, parsed.Document); len(errs) > 0 {
		return nil, newBlueprintError(source, errs...)
	}

	bp, err := decodeBlueprint(parsed.Document)
	if err != nil {
		return nil, newBlueprintError(source, ValidationError{Message: err.Error(), Severity: "error"})
	}
	if err := validate.Struct(bp); err != nil {
		return nil, newBlueprintError(source, structErrors(err)...)
	}

	catalog, errs := buildCatalog(bp.Catalog)
	if len(errs) > 0 {
		return nil, newBlueprintError(source, errs...)
	}
	root, err := buildNode(bp.Root, "root")
	if err != nil {
		return nil, newBlueprintError(source, ValidationError{Message: err.Error(), Severity: "error"})
	}

	return &Compiled{
		Name:        bp.Name,
		Root:        root,
		Catalog:     catalog,
		SourceFiles: parsed.SourceFiles,
		CompiledAt:  time.Now(),
	}, nil
}

func buildCatalog(items []CatalogItem) ([]*topology.NodeType, []ValidationError) {
	var errs []ValidationError
	seen := make(map[string]bool, len(items))
	out := make([]*topology.NodeType, 0, len(items))
	for i, item := range items {
		path := fmt.Sprintf("catalog.%d", i)
		nt := &topology.NodeType{Name: item.Name, Version: item.Version}
		for _, k := range item.Keys {
			def, err := engine.DecodeValue(k.Default)
			if err != nil {
				errs = append(errs, ValidationError{Path: path + ".keys." + k.Name, Message: err.Error(), Severity: "error"})
				continue
			}
			nt.Keys = append(nt.Keys, topology.ConfigKey{
				Name:        k.Name,
				Type:        topology.ValueType(k.Type),
				Default:     def,
				Flag:        k.Flag,
				Inherited:   k.Inherited,
				Description: k.Description,
			})
		}
		if err := nt.Validate(); err != nil {
			errs = append(errs, ValidationError{Path: path, Message: err.Error(), Severity: "error"})
			continue
		}
		if seen[nt.Ref()] {
			errs = append(errs, ValidationError{Path: path, Message: "duplicate catalog item " + nt.Ref(), Severity: "error"})
			continue
		}
		seen[nt.Ref()] = true
		out = append(out, nt)
	}
	return out, errs
}

// buildNode converts a blueprint node into a desired node. The id field
// becomes the identity config entry.
func buildNode(n *BlueprintNode, path string) (*engine.DesiredNode, error) {
	d := &engine.DesiredNode{
		Name:       n.Name,
		CatalogRef: n.CatalogRef,
		Config:     map[string]interface{}{},
	}
	for k, v := range n.Config {
		decoded, err := engine.DecodeValue(v)
		if err != nil {
			return nil, fmt.Errorf("%s.config.%s: %w", path, k, err)
		}
		d.Config[k] = decoded
	}
	if n.ID != "" {
		if existing, ok := d.Config[engine.IdentityConfigKey]; ok && existing != n.ID {
			return nil, fmt.Errorf("%s: id %q conflicts with config %s=%v", path, n.ID, engine.IdentityConfigKey, existing)
		}
		d.Config[engine.IdentityConfigKey] = n.ID
	}
	if len(n.Flags) > 0 {
		d.Flags = make(map[string]interface{}, len(n.Flags))
		for k, v := range n.Flags {
			decoded, err := engine.DecodeValue(v)
			if err != nil {
				return nil, fmt.Errorf("%s.flags.%s: %w", path, k, err)
			}
			d.Flags[k] = decoded
		}
	}
	for i, p := range n.Parameters {
		def, err := engine.DecodeValue(p.Default)
		if err != nil {
			return nil, fmt.Errorf("%s.parameters.%d: %w", path, i, err)
		}
		d.Parameters = append(d.Parameters, engine.ParameterSlot{Key: p.Key, Default: def})
	}
	for i, c := range n.Children {
		child, err := buildNode(c, fmt.Sprintf("%s.children.%d", path, i))
		if err != nil {
			return nil, err
		}
		d.Children = append(d.Children, child)
	}
	return d, nil
}
