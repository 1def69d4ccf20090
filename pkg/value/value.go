// Package value is the runtime value model exchanged between plans, capabilities and
// the sandbox. Arguments and results cross every core boundary in this form.
package value

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind enumerates the value variants.
type Kind int

const (
	KindNil Kind = iota
	KindBoolean
	KindInteger
	KindFloat
	KindString
	KindVector
	KindList
	KindMap
	KindKeyword
	KindSymbol
	KindFunction
	KindError
	KindTimestamp
	KindUUID
	KindResourceHandle
)

var kindNames = [...]string{
	"nil", "boolean", "integer", "float", "string", "vector", "list", "map",
	"keyword", "symbol", "function", "error", "timestamp", "uuid", "resource-handle",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Value is implemented by every variant below.
type Value interface {
	Kind() Kind
}

type (
	Nil     struct{}
	Boolean bool
	Integer int64
	Float   float64
	String  string
	Keyword string
	Symbol  string
	Vector  []Value
	List    []Value
	// Map keys are strings; keyword keys keep their leading colon.
	Map       map[string]Value
	Timestamp time.Time
	UUID      uuid.UUID
)

// Function is an in-process callable value.
type Function struct {
	Name string
	Fn   func(ctx context.Context, args []Value) (Value, error)
}

// Error is an error carried as data, e.g. a failed step result.
type Error struct {
	Message string
	Data    Map
}

// ResourceHandle names an external resource owned by a provider.
type ResourceHandle struct {
	ID       string
	Resource string
}

func (Nil) Kind() Kind            { return KindNil }
func (Boolean) Kind() Kind        { return KindBoolean }
func (Integer) Kind() Kind        { return KindInteger }
func (Float) Kind() Kind          { return KindFloat }
func (String) Kind() Kind         { return KindString }
func (Keyword) Kind() Kind        { return KindKeyword }
func (Symbol) Kind() Kind         { return KindSymbol }
func (Vector) Kind() Kind         { return KindVector }
func (List) Kind() Kind           { return KindList }
func (Map) Kind() Kind            { return KindMap }
func (Timestamp) Kind() Kind      { return KindTimestamp }
func (UUID) Kind() Kind           { return KindUUID }
func (Function) Kind() Kind       { return KindFunction }
func (Error) Kind() Kind          { return KindError }
func (ResourceHandle) Kind() Kind { return KindResourceHandle }

// KindOf tolerates nil interfaces.
func KindOf(v Value) Kind {
	if v == nil {
		return KindNil
	}
	return v.Kind()
}

// Get returns m[key], also trying the keyword form ":key".
func (m Map) Get(key string) (Value, bool) {
	if v, ok := m[key]; ok {
		return v, true
	}
	if !strings.HasPrefix(key, ":") {
		v, ok := m[":"+key]
		return v, ok
	}
	v, ok := m[strings.TrimPrefix(key, ":")]
	return v, ok
}

// Keys returns the map keys in sorted order.
func (m Map) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Truthy follows the usual Lisp rule: only nil and false are falsey.
func Truthy(v Value) bool {
	switch t := v.(type) {
	case nil, Nil:
		return false
	case Boolean:
		return bool(t)
	}
	return true
}

// AsString returns the textual content of string-like values.
func AsString(v Value) (string, bool) {
	switch t := v.(type) {
	case String:
		return string(t), true
	case Keyword:
		return string(t), true
	case Symbol:
		return string(t), true
	}
	return "", false
}

// Equal compares two values structurally. Functions compare by name.
func Equal(a, b Value) bool {
	if KindOf(a) != KindOf(b) {
		return false
	}
	switch x := a.(type) {
	case nil, Nil:
		return true
	case Vector:
		return equalSlices(x, b.(Vector))
	case List:
		return equalSlices(x, b.(List))
	case Map:
		y := b.(Map)
		if len(x) != len(y) {
			return false
		}
		for k, v := range x {
			w, ok := y[k]
			if !ok || !Equal(v, w) {
				return false
			}
		}
		return true
	case Timestamp:
		return time.Time(x).Equal(time.Time(b.(Timestamp)))
	case Function:
		return x.Name == b.(Function).Name
	case Error:
		y := b.(Error)
		return x.Message == y.Message && Equal(x.Data, y.Data)
	default:
		return a == b
	}
}

func equalSlices(a, b []Value) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !Equal(a[i], b[i]) {
			return false
		}
	}
	return true
}
