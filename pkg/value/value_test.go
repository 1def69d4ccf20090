package value

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromJSONNormalizesNumbers(t *testing.T) {
	assert.Equal(t, Integer(3), FromJSON(float64(3)))
	assert.Equal(t, Float(3.5), FromJSON(3.5))
	assert.Equal(t, Integer(42), FromJSON(json.Number("42")))
}

func TestParseNestedDocument(t *testing.T) {
	v, err := Parse([]byte(`{"message":"hi","tags":["a","b"],"n":null}`))
	require.NoError(t, err)

	m, ok := v.(Map)
	require.True(t, ok)
	assert.Equal(t, String("hi"), m["message"])
	assert.Equal(t, Vector{String("a"), String("b")}, m["tags"])
	assert.Equal(t, Nil{}, m["n"])
}

func TestParseOrStringFallsBack(t *testing.T) {
	assert.Equal(t, String("hello world"), ParseOrString([]byte("hello world\n")))
	assert.Equal(t, Integer(7), ParseOrString([]byte(" 7 ")))
	assert.Equal(t, Nil{}, ParseOrString([]byte("  ")))
}

func TestMapGetAcceptsKeywordKeys(t *testing.T) {
	m := Map{":url": String("https://example.com")}
	v, ok := m.Get("url")
	require.True(t, ok)
	assert.Equal(t, String("https://example.com"), v)

	m2 := Map{"path": String("/data/x")}
	v, ok = m2.Get(":path")
	require.True(t, ok)
	assert.Equal(t, String("/data/x"), v)
}

func TestToJSONStripsKeywordColonsFromKeys(t *testing.T) {
	out := ToJSON(Map{":a": Integer(1), "b": Keyword("ok")})
	assert.Equal(t, map[string]any{"a": int64(1), "b": ":ok"}, out)
}

func TestToJSONScalars(t *testing.T) {
	id := uuid.MustParse("7b0cf0b4-4f0b-4a4e-9ad9-2d9c26a3b3b1")
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	assert.Equal(t, "7b0cf0b4-4f0b-4a4e-9ad9-2d9c26a3b3b1", ToJSON(UUID(id)))
	assert.Equal(t, "2026-01-02T03:04:05Z", ToJSON(Timestamp(ts)))
	assert.Equal(t, map[string]any{"error": "boom"}, ToJSON(Error{Message: "boom"}))
}

func TestToJSONNonFiniteFloatsEncode(t *testing.T) {
	doc := ToJSON(Map{"nan": Float(math.NaN()), "up": Float(math.Inf(1)), "down": Float(math.Inf(-1))})
	assert.Equal(t, map[string]any{"nan": "NaN", "up": "+Inf", "down": "-Inf"}, doc)
	_, err := json.Marshal(doc)
	assert.NoError(t, err)
}

func TestEqualAndTruthy(t *testing.T) {
	assert.True(t, Equal(Vector{Integer(1), Map{"a": Nil{}}}, Vector{Integer(1), Map{"a": Nil{}}}))
	assert.False(t, Equal(Vector{Integer(1)}, List{Integer(1)}))
	assert.False(t, Truthy(Nil{}))
	assert.False(t, Truthy(Boolean(false)))
	assert.True(t, Truthy(Integer(0)))
}
