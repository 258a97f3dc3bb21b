package topology

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/openfroyo/upgrade/pkg/engine"
)

// coerce converts v to the canonical representation of type t.
// nil, deferred values and desired sub-specs pass through unchanged.
func coerce(t ValueType, v interface{}) (interface{}, error) {
	switch v.(type) {
	case nil, Deferred, *engine.DesiredNode:
		return v, nil
	}
	v = engine.NormalizeValue(v)

	switch t {
	case TypeAny, "":
		return v, nil
	case TypeString:
		switch s := v.(type) {
		case string:
			return s, nil
		case int, float64, bool:
			return fmt.Sprint(s), nil
		}
	case TypeInt:
		switch n := v.(type) {
		case int:
			return n, nil
		case float64:
			if n == math.Trunc(n) && n >= math.MinInt && n <= math.MaxInt {
				return int(n), nil
			}
		case string:
			if i, err := strconv.Atoi(strings.TrimSpace(n)); err == nil {
				return i, nil
			}
		}
	case TypeFloat:
		switch n := v.(type) {
		case float64:
			return n, nil
		case int:
			return float64(n), nil
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSpace(n), 64); err == nil {
				return f, nil
			}
		}
	case TypeBool:
		switch b := v.(type) {
		case bool:
			return b, nil
		case string:
			if parsed, err := strconv.ParseBool(strings.TrimSpace(b)); err == nil {
				return parsed, nil
			}
		}
	case TypeDuration:
		if s, ok := v.(string); ok {
			if _, err := time.ParseDuration(s); err == nil {
				return s, nil
			}
		}
	case TypeList:
		if l, ok := v.([]interface{}); ok {
			return l, nil
		}
	case TypeMap:
		if m, ok := v.(map[string]interface{}); ok {
			return m, nil
		}
	default:
		return nil, fmt.Errorf("unknown value type %s", t)
	}
	return nil, fmt.Errorf("cannot coerce %v (%T) to %s", v, v, t)
}
