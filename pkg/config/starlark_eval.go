package config

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/openfroyo/upgrade/pkg/engine"
	"github.com/openfroyo/upgrade/pkg/topology"
)

// BlueprintGlobal is the global a Starlark blueprint script must define.
const BlueprintGlobal = "blueprint"

// StarlarkEvaluator runs Starlark scripts under a time limit.
type StarlarkEvaluator struct {
	timeout time.Duration
}

// StarlarkResult is what a script left behind: its exported globals, or
// the reason it failed.
type StarlarkResult struct {
	Output        map[string]interface{} `json:"output,omitempty"`
	ExecutionTime time.Duration          `json:"execution_time"`
	Error         string                 `json:"error,omitempty"`
}

// NewStarlarkEvaluator limits each run to timeout, 30s when zero.
func NewStarlarkEvaluator(timeout time.Duration) *StarlarkEvaluator {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &StarlarkEvaluator{timeout: timeout}
}

// Evaluate runs script with input bound as predeclared names. Globals that
// start with an underscore, and functions, are not exported.
func (se *StarlarkEvaluator) Evaluate(ctx context.Context, filename, script string, input map[string]interface{}) (*StarlarkResult, error) {
	start := time.Now()
	runCtx, cancel := context.WithTimeout(ctx, se.timeout)
	defer cancel()

	thread := &starlark.Thread{Name: "blueprint", Print: func(*starlark.Thread, string) {}}
	stop := context.AfterFunc(runCtx, func() { thread.Cancel(runCtx.Err().Error()) })
	defer stop()

	output, err := se.exec(thread, filename, script, input)
	result := &StarlarkResult{Output: output, ExecutionTime: time.Since(start)}

	if ctxErr := runCtx.Err(); ctxErr != nil {
		result.Output = nil
		result.Error = "execution cancelled"
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			result.Error = fmt.Sprintf("execution timeout after %v", se.timeout)
		}
		return result, fmt.Errorf("starlark execution of %s cancelled: %w", filename, ctxErr)
	}
	if err != nil {
		result.Error = err.Error()
		return result, err
	}
	return result, nil
}

// Blueprint runs a blueprint script and returns the document bound to the
// blueprint global.
func (se *StarlarkEvaluator) Blueprint(ctx context.Context, filename, script string, input map[string]interface{}) (*ParsedBlueprint, error) {
	result, err := se.Evaluate(ctx, filename, script, input)
	if err != nil {
		return nil, err
	}
	parsed := &ParsedBlueprint{SourceFiles: []string{filename}, ParsedAt: time.Now()}
	raw, ok := result.Output[BlueprintGlobal]
	if !ok {
		parsed.Errors = []ValidationError{{
			File:     filename,
			Message:  fmt.Sprintf("script does not define %q", BlueprintGlobal),
			Severity: "error",
		}}
		return parsed, nil
	}
	doc, ok := raw.(map[string]interface{})
	if !ok {
		parsed.Errors = []ValidationError{{
			File:     filename,
			Message:  fmt.Sprintf("%s must be a dict, got %T", BlueprintGlobal, raw),
			Severity: "error",
		}}
		return parsed, nil
	}
	parsed.Document = doc
	return parsed, nil
}

func (se *StarlarkEvaluator) exec(thread *starlark.Thread, filename, script string, input map[string]interface{}) (map[string]interface{}, error) {
	predeclared := starlark.StringDict{
		"struct": starlarkstruct.Default,
		"node":   starlark.NewBuiltin("node", builtinNode),
		"spec":   starlark.NewBuiltin("spec", builtinSpec),
		"param":  starlark.NewBuiltin("param", builtinParam),
		"ref":    starlark.NewBuiltin("ref", builtinRef),
		"key":    starlark.NewBuiltin("key", builtinKey),
	}
	for name, v := range input {
		sv, err := toStarlark(v)
		if err != nil {
			return nil, fmt.Errorf("input %s: %w", name, err)
		}
		predeclared[name] = sv
	}

	globals, err := starlark.ExecFile(thread, filename, script, predeclared)
	if err != nil {
		return nil, fmt.Errorf("starlark execution failed: %w", err)
	}

	output := map[string]interface{}{}
	for name, v := range globals {
		if _, fn := v.(starlark.Callable); fn || strings.HasPrefix(name, "_") {
			continue
		}
		gv, err := fromStarlark(v)
		if err != nil {
			return nil, fmt.Errorf("global %s: %w", name, err)
		}
		output[name] = gv
	}
	return output, nil
}

// toStarlark converts a normalized config value. Map keys are inserted in
// sorted order so scripts iterate deterministically.
func toStarlark(v interface{}) (starlark.Value, error) {
	switch v := engine.NormalizeValue(v).(type) {
	case nil:
		return starlark.None, nil
	case bool:
		return starlark.Bool(v), nil
	case int:
		return starlark.MakeInt(v), nil
	case float64:
		return starlark.Float(v), nil
	case string:
		return starlark.String(v), nil
	case []interface{}:
		elems := make([]starlark.Value, 0, len(v))
		for _, e := range v {
			sv, err := toStarlark(e)
			if err != nil {
				return nil, err
			}
			elems = append(elems, sv)
		}
		return starlark.NewList(elems), nil
	case map[string]interface{}:
		d := starlark.NewDict(len(v))
		for _, k := range engine.SortedKeys(v) {
			sv, err := toStarlark(v[k])
			if err != nil {
				return nil, err
			}
			if err := d.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return d, nil
	}
	return nil, fmt.Errorf("cannot pass %T to starlark", v)
}

// fromStarlark converts a script value back to a config value. Lists and
// tuples become slices; dicts and structs become maps with string keys.
func fromStarlark(v starlark.Value) (interface{}, error) {
	switch v := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(v), nil
	case starlark.Int:
		n, ok := v.Int64()
		if !ok {
			return nil, fmt.Errorf("integer %s out of range", v)
		}
		return int(n), nil
	case starlark.Float:
		return float64(v), nil
	case starlark.String:
		return v.GoString(), nil
	case starlark.Indexable:
		out := make([]interface{}, v.Len())
		for i := range out {
			e, err := fromStarlark(v.Index(i))
			if err != nil {
				return nil, err
			}
			out[i] = e
		}
		return out, nil
	case *starlark.Dict:
		out := make(map[string]interface{}, v.Len())
		for _, kv := range v.Items() {
			k, ok := kv[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string, got %s", kv[0].Type())
			}
			e, err := fromStarlark(kv[1])
			if err != nil {
				return nil, err
			}
			out[k.GoString()] = e
		}
		return out, nil
	case *starlarkstruct.Struct:
		out := map[string]interface{}{}
		for _, name := range v.AttrNames() {
			attr, err := v.Attr(name)
			if err != nil {
				return nil, err
			}
			if out[name], err = fromStarlark(attr); err != nil {
				return nil, err
			}
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
}

// nodeDict builds the dict form of a blueprint node from keyword arguments.
func nodeDict(b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (*starlark.Dict, error) {
	var (
		name, catalogRef, id string
		config, flags        *starlark.Dict
		parameters, children *starlark.List
	)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs,
		"name?", &name,
		"catalog_ref?", &catalogRef,
		"id?", &id,
		"config?", &config,
		"flags?", &flags,
		"parameters?", &parameters,
		"children?", &children,
	); err != nil {
		return nil, err
	}

	d := starlark.NewDict(7)
	set := func(k string, v starlark.Value) {
		_ = d.SetKey(starlark.String(k), v)
	}
	if name != "" {
		set("name", starlark.String(name))
	}
	if catalogRef != "" {
		set("catalogRef", starlark.String(catalogRef))
	}
	if id != "" {
		set("id", starlark.String(id))
	}
	if config != nil {
		set("config", config)
	}
	if flags != nil {
		set("flags", flags)
	}
	if parameters != nil {
		set("parameters", parameters)
	}
	if children != nil {
		set("children", children)
	}
	return d, nil
}

// builtinNode implements node(name, catalog_ref, id, config, flags,
// parameters, children).
func builtinNode(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	return nodeDict(b, args, kwargs)
}

// builtinSpec implements spec(...): a node usable as a config, flag or
// parameter value.
func builtinSpec(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	body, err := nodeDict(b, args, kwargs)
	if err != nil {
		return nil, err
	}
	d := starlark.NewDict(1)
	if err := d.SetKey(starlark.String(engine.SpecKey), body); err != nil {
		return nil, err
	}
	return d, nil
}

// builtinParam implements param(key, default=None).
func builtinParam(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var key string
	var def starlark.Value = starlark.None
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "key", &key, "default?", &def); err != nil {
		return nil, err
	}
	d := starlark.NewDict(2)
	if err := d.SetKey(starlark.String("key"), starlark.String(key)); err != nil {
		return nil, err
	}
	if def != starlark.None {
		if err := d.SetKey(starlark.String("default"), def); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// builtinRef implements ref(key): a config value read from another key.
func builtinRef(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var key string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &key); err != nil {
		return nil, err
	}
	d := starlark.NewDict(1)
	if err := d.SetKey(starlark.String(topology.RefKey), starlark.String(key)); err != nil {
		return nil, err
	}
	return d, nil
}

// builtinKey implements key(name, type, default, flag, inherited,
// description) for catalog items.
func builtinKey(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		name, typ, flag, description string
		def                          starlark.Value = starlark.None
		inherited                    bool
	)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs,
		"name", &name,
		"type?", &typ,
		"default?", &def,
		"flag?", &flag,
		"inherited?", &inherited,
		"description?", &description,
	); err != nil {
		return nil, err
	}
	fields := map[string]starlark.Value{"name": starlark.String(name)}
	if typ != "" {
		fields["type"] = starlark.String(typ)
	}
	if def != starlark.None {
		fields["default"] = def
	}
	if flag != "" {
		fields["flag"] = starlark.String(flag)
	}
	if inherited {
		fields["inherited"] = starlark.True
	}
	if description != "" {
		fields["description"] = starlark.String(description)
	}
	names := make([]string, 0, len(fields))
	for k := range fields {
		names = append(names, k)
	}
	sort.Strings(names)
	d := starlark.NewDict(len(fields))
	for _, k := range names {
		if err := d.SetKey(starlark.String(k), fields[k]); err != nil {
			return nil, err
		}
	}
	return d, nil
}
