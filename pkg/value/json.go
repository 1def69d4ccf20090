package value

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

// FromJSON converts a decoded JSON document (or any plain Go value) into a Value.
// Whole floats become integers; objects become maps with string keys.
func FromJSON(v any) Value {
	switch t := v.(type) {
	case nil:
		return Nil{}
	case Value:
		return t
	case bool:
		return Boolean(t)
	case string:
		return String(t)
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return Integer(i)
		}
		f, _ := t.Float64()
		return Float(f)
	case float64:
		return normalizeNumber(t)
	case float32:
		return normalizeNumber(float64(t))
	case int:
		return Integer(t)
	case int32:
		return Integer(t)
	case int64:
		return Integer(t)
	case uint32:
		return Integer(t)
	case []any:
		out := make(Vector, len(t))
		for i, item := range t {
			out[i] = FromJSON(item)
		}
		return out
	case []string:
		out := make(Vector, len(t))
		for i, item := range t {
			out[i] = String(item)
		}
		return out
	case map[string]any:
		out := make(Map, len(t))
		for k, item := range t {
			out[k] = FromJSON(item)
		}
		return out
	case map[string]string:
		out := make(Map, len(t))
		for k, item := range t {
			out[k] = String(item)
		}
		return out
	case time.Time:
		return Timestamp(t)
	case uuid.UUID:
		return UUID(t)
	default:
		return String(fmt.Sprint(t))
	}
}

func normalizeNumber(f float64) Value {
	if f == math.Trunc(f) && !math.IsInf(f, 0) && math.Abs(f) < 1<<53 {
		return Integer(int64(f))
	}
	return Float(f)
}

// ToJSON converts a Value into a plain Go value suitable for encoding/json.
func ToJSON(v Value) any {
	switch t := v.(type) {
	case nil, Nil:
		return nil
	case Boolean:
		return bool(t)
	case Integer:
		return int64(t)
	case Float:
		return floatToJSON(float64(t))
	case String:
		return string(t)
	case Keyword:
		return ":" + strings.TrimPrefix(string(t), ":")
	case Symbol:
		return string(t)
	case Vector:
		return sliceToJSON(t)
	case List:
		return sliceToJSON(t)
	case Map:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[strings.TrimPrefix(k, ":")] = ToJSON(item)
		}
		return out
	case Timestamp:
		return time.Time(t).UTC().Format(time.RFC3339Nano)
	case UUID:
		return uuid.UUID(t).String()
	case Function:
		return "#<function " + t.Name + ">"
	case Error:
		out := map[string]any{"error": t.Message}
		if len(t.Data) > 0 {
			out["data"] = ToJSON(t.Data)
		}
		return out
	case ResourceHandle:
		return map[string]any{"resource_handle": t.ID, "resource": t.Resource}
	default:
		return fmt.Sprint(t)
	}
}

// floatToJSON spells out the values JSON has no number for.
func floatToJSON(f float64) any {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "+Inf"
	case math.IsInf(f, -1):
		return "-Inf"
	}
	return f
}

func sliceToJSON(items []Value) []any {
	out := make([]any, len(items))
	for i, item := range items {
		out[i] = ToJSON(item)
	}
	return out
}

// Marshal encodes v as JSON.
func Marshal(v Value) ([]byte, error) {
	return json.Marshal(ToJSON(v))
}

// Parse decodes JSON bytes into a Value, preserving integer precision.
func Parse(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, fmt.Errorf("trailing data after JSON value")
	}
	return FromJSON(raw), nil
}

// ParseOrString parses data as JSON and falls back to a trimmed string.
func ParseOrString(data []byte) Value {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return Nil{}
	}
	if v, err := Parse(trimmed); err == nil {
		return v
	}
	return String(string(trimmed))
}
