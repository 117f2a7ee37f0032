package graph

import (
	"encoding/json"
	"fmt"
	"reflect"

	"cadgraph/internal/logging"
)

// SafeProps is the final sweep before a batch leaves for the store: every
// property that is not a graph-safe scalar or homogeneous scalar array is
// serialized to a JSON string. Residual nested records the normalizer let
// through are coerced the same way rather than rejected.
func SafeProps(props map[string]interface{}) map[string]interface{} {
	if props == nil {
		return map[string]interface{}{}
	}
	safe := make(map[string]interface{}, len(props))
	for key, v := range props {
		if isGraphSafe(v) {
			safe[key] = v
			continue
		}
		safe[key] = forceSafe(key, v)
	}
	return safe
}

// isGraphSafe reports whether a value may be sent to the store as-is:
// nil, bool, integers, floats, strings, or a homogeneous array of those.
// Empty arrays are safe; non-empty arrays must share the element type of
// their first element.
func isGraphSafe(v interface{}) bool {
	switch tv := v.(type) {
	case nil, bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, float32, float64, string:
		return true
	case []bool, []int, []int64, []float64, []string:
		return true
	case []interface{}:
		if len(tv) == 0 {
			return true
		}
		first := reflect.TypeOf(tv[0])
		for _, el := range tv {
			if !isGraphScalar(el) || reflect.TypeOf(el) != first {
				return false
			}
		}
		return true
	default:
		return false
	}
}

func isGraphScalar(v interface{}) bool {
	switch v.(type) {
	case bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, float32, float64, string:
		return true
	default:
		return false
	}
}

// forceSafe coerces an unsafe value to a string property: JSON when the
// value serializes, fmt fallback otherwise.
func forceSafe(key string, v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		logging.GraphWarn("property %q (%T) not JSON-serializable, stringifying", key, v)
		return fmt.Sprintf("%v", v)
	}
	logging.GraphDebug("property %q (%T) serialized to JSON string", key, v)
	return string(b)
}
