package aiqa

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
)

// Args is the composite input for traced units of work that take more than
// one logical argument. Keys name the arguments; values are reduced like any
// other traced value, so the whole composite is recorded as one JSON object.
type Args map[string]any

// reduceValue converts a Go value into a span attribute value. Primitives
// map directly, slices of primitives stay sequences, and everything else is
// recorded as its JSON encoding. The second return is false when there is
// nothing worth recording.
func reduceValue(v any) (attribute.Value, bool) {
	switch x := jsonSafe(v).(type) {
	case nil:
		return attribute.Value{}, false
	case bool:
		return attribute.BoolValue(x), true
	case int64:
		return attribute.Int64Value(x), true
	case float64:
		return attribute.Float64Value(x), true
	case string:
		return attribute.StringValue(x), true
	case []bool:
		return attribute.BoolSliceValue(x), true
	case []int64:
		return attribute.Int64SliceValue(x), true
	case []float64:
		return attribute.Float64SliceValue(x), true
	case []string:
		return attribute.StringSliceValue(x), true
	default:
		// jsonSafe only produces the types above.
		return attribute.StringValue(fmt.Sprint(x)), true
	}
}

// jsonSafe normalizes a value to what span attributes and stream summaries
// can carry: nil, bool, int64, float64, string, or a slice of one of those.
// Unsigned values past the int64 range keep their digits as a string.
// Anything richer becomes its JSON encoding, with fmt.Sprint as the last
// resort for unmarshalable values.
func jsonSafe(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case struct{}:
		return nil
	case bool:
		return x
	case string:
		return x
	case []byte:
		return string(x)
	case int:
		return int64(x)
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case int64:
		return x
	case uint:
		if uint64(x) > math.MaxInt64 {
			return strconv.FormatUint(uint64(x), 10)
		}
		return int64(x)
	case uint8:
		return int64(x)
	case uint16:
		return int64(x)
	case uint32:
		return int64(x)
	case uint64:
		if x > math.MaxInt64 {
			return strconv.FormatUint(x, 10)
		}
		return int64(x)
	case float32:
		return float64(x)
	case float64:
		return x
	case []bool:
		return x
	case []string:
		return x
	case []int:
		out := make([]int64, len(x))
		for i, n := range x {
			out[i] = int64(n)
		}
		return out
	case []int64:
		return x
	case []float64:
		return x
	case error:
		return x.Error()
	}
	if b, err := json.Marshal(v); err == nil {
		return string(b)
	}
	return fmt.Sprint(v)
}

// dropKeys removes the named keys when the value is a string-keyed map,
// leaving the original untouched. Other shapes pass through as is.
func dropKeys(v any, keys []string) any {
	if len(keys) == 0 {
		return v
	}
	var m map[string]any
	switch x := v.(type) {
	case Args:
		m = x
	case map[string]any:
		m = x
	default:
		return v
	}
	out := make(map[string]any, len(m))
	for k, val := range m {
		out[k] = val
	}
	for _, k := range keys {
		delete(out, k)
	}
	return out
}
