package engine

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
)

// SpecKey marks an encoded desired sub-spec: {"$spec": {...}}.
const SpecKey = "$spec"

// NormalizeValue converts a configuration value to the canonical shapes
// used for comparison: integers become int, floats become float64, slices
// become []interface{} and maps become map[string]interface{}. Desired
// nodes are returned as is.
func NormalizeValue(v interface{}) interface{} {
	switch t := v.(type) {
	case nil, string, bool, int, float64, *DesiredNode:
		return v
	case json.Number:
		if i, err := t.Int64(); err == nil && i >= math.MinInt && i <= math.MaxInt {
			return int(i)
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = NormalizeValue(e)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, e := range t {
			out[k] = NormalizeValue(e)
		}
		return out
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return int(rv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		if rv.Uint() <= math.MaxInt {
			return int(rv.Uint())
		}
		return float64(rv.Uint())
	case reflect.Float32, reflect.Float64:
		return rv.Float()
	case reflect.Slice, reflect.Array:
		out := make([]interface{}, rv.Len())
		for i := range out {
			out[i] = NormalizeValue(rv.Index(i).Interface())
		}
		return out
	case reflect.Map:
		out := make(map[string]interface{}, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[fmt.Sprint(iter.Key().Interface())] = NormalizeValue(iter.Value().Interface())
		}
		return out
	}
	return v
}

// EncodeValue converts a configuration value to plain JSON/YAML-friendly
// data. Desired sub-specs become {"$spec": {...}} maps.
func EncodeValue(v interface{}) interface{} {
	switch t := v.(type) {
	case *DesiredNode:
		if t == nil {
			return nil
		}
		return map[string]interface{}{SpecKey: encodeNode(t)}
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = EncodeValue(e)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, e := range t {
			out[k] = EncodeValue(e)
		}
		return out
	}
	return v
}

func encodeNode(d *DesiredNode) map[string]interface{} {
	m := map[string]interface{}{}
	if d.Name != "" {
		m["name"] = d.Name
	}
	if d.CatalogRef != "" {
		m["catalogRef"] = d.CatalogRef
	}
	if len(d.Config) > 0 {
		m["config"] = EncodeValue(d.Config)
	}
	if len(d.Flags) > 0 {
		m["flags"] = EncodeValue(d.Flags)
	}
	if len(d.Parameters) > 0 {
		params := make([]interface{}, 0, len(d.Parameters))
		for _, p := range d.Parameters {
			entry := map[string]interface{}{"key": p.Key}
			if p.Default != nil {
				entry["default"] = EncodeValue(p.Default)
			}
			params = append(params, entry)
		}
		m["parameters"] = params
	}
	if len(d.Children) > 0 {
		children := make([]interface{}, 0, len(d.Children))
		for _, c := range d.Children {
			children = append(children, encodeNode(c))
		}
		m["children"] = children
	}
	return m
}

// DecodeValue reverses EncodeValue and normalizes the result.
func DecodeValue(v interface{}) (interface{}, error) {
	switch t := NormalizeValue(v).(type) {
	case []interface{}:
		for i, e := range t {
			d, err := DecodeValue(e)
			if err != nil {
				return nil, err
			}
			t[i] = d
		}
		return t, nil
	case map[string]interface{}:
		if raw, ok := t[SpecKey]; ok && len(t) == 1 {
			body, ok := raw.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("%s must hold a mapping, got %T", SpecKey, raw)
			}
			return DecodeNode(body)
		}
		for k, e := range t {
			d, err := DecodeValue(e)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			t[k] = d
		}
		return t, nil
	default:
		return t, nil
	}
}

// DecodeNode builds a desired node from its encoded mapping form. Config is
// always non-nil; other empty collections stay nil.
func DecodeNode(m map[string]interface{}) (*DesiredNode, error) {
	d := &DesiredNode{Config: map[string]interface{}{}}
	d.Name, _ = m["name"].(string)
	d.CatalogRef, _ = m["catalogRef"].(string)

	if raw, ok := m["config"]; ok {
		cfg, err := decodeMap(raw, "config")
		if err != nil {
			return nil, err
		}
		d.Config = cfg
	}
	if raw, ok := m["flags"]; ok {
		flags, err := decodeMap(raw, "flags")
		if err != nil {
			return nil, err
		}
		if len(flags) > 0 {
			d.Flags = flags
		}
	}
	if raw, ok := m["parameters"]; ok {
		list, ok := NormalizeValue(raw).([]interface{})
		if !ok {
			return nil, fmt.Errorf("parameters must be a list, got %T", raw)
		}
		for i, e := range list {
			entry, ok := e.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("parameters[%d] must be a mapping, got %T", i, e)
			}
			key, _ := entry["key"].(string)
			if key == "" {
				return nil, fmt.Errorf("parameters[%d] has no key", i)
			}
			def, err := DecodeValue(entry["default"])
			if err != nil {
				return nil, fmt.Errorf("parameters[%d]: %w", i, err)
			}
			d.Parameters = append(d.Parameters, ParameterSlot{Key: key, Default: def})
		}
	}
	if raw, ok := m["children"]; ok {
		list, ok := NormalizeValue(raw).([]interface{})
		if !ok {
			return nil, fmt.Errorf("children must be a list, got %T", raw)
		}
		for i, e := range list {
			entry, ok := e.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("children[%d] must be a mapping, got %T", i, e)
			}
			child, err := DecodeNode(entry)
			if err != nil {
				return nil, fmt.Errorf("children[%d]: %w", i, err)
			}
			d.Children = append(d.Children, child)
		}
	}
	return d, nil
}

func decodeMap(raw interface{}, field string) (map[string]interface{}, error) {
	decoded, err := DecodeValue(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", field, err)
	}
	m, ok := decoded.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("%s must be a mapping, got %T", field, raw)
	}
	return m, nil
}

// SortedKeys returns the keys of m in ascending order.
func SortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
