package typeutil

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// SCALAR TESTS
// =============================================================================

func TestSafeString(t *testing.T) {
	s, ok := SafeString("hello")
	assert.True(t, ok)
	assert.Equal(t, "hello", s)

	_, ok = SafeString(42)
	assert.False(t, ok)

	_, ok = SafeString(nil)
	assert.False(t, ok)

	assert.Equal(t, "fallback", SafeStringDefault(nil, "fallback"))
}

func TestSafeInt(t *testing.T) {
	tests := []struct {
		name   string
		input  any
		want   int
		wantOK bool
	}{
		{"int", 5, 5, true},
		{"int64", int64(7), 7, true},
		{"json number", float64(3), 3, true},
		{"string", "3", 0, false},
		{"nil", nil, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := SafeInt(tt.input)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
	assert.Equal(t, 9, SafeIntDefault("x", 9))
}

func TestSafeFloat64(t *testing.T) {
	f, ok := SafeFloat64(3)
	assert.True(t, ok)
	assert.Equal(t, 3.0, f)

	assert.Equal(t, 0.5, SafeFloat64Default("nope", 0.5))
}

func TestSafeBool(t *testing.T) {
	tests := []struct {
		input  any
		want   bool
		wantOK bool
	}{
		{true, true, true},
		{false, false, true},
		{"yes", true, true},
		{"YES", true, true},
		{" true ", true, true},
		{"no", false, true},
		{"failed", false, true},
		{"maybe", false, false},
		{1, false, false},
		{nil, false, false},
	}
	for _, tt := range tests {
		got, ok := SafeBool(tt.input)
		assert.Equal(t, tt.wantOK, ok, "input %v", tt.input)
		assert.Equal(t, tt.want, got, "input %v", tt.input)
	}
	assert.True(t, SafeBoolDefault("maybe", true))
}

// =============================================================================
// COLLECTION TESTS
// =============================================================================

func TestSafeMapSlice_FromJSON(t *testing.T) {
	// Test decoding the shape JSON produces.
	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(`{"items":[{"a":1},"skip",{"b":2}]}`), &decoded))

	maps := SafeMapSlice(decoded["items"])
	require.Len(t, maps, 2)
	assert.Equal(t, float64(1), maps[0]["a"])
	assert.Equal(t, float64(2), maps[1]["b"])

	assert.Nil(t, SafeMapSlice("not a slice"))
	assert.Len(t, SafeMapSlice([]map[string]any{{"x": 1}}), 1)
}

func TestSafeStringSlice(t *testing.T) {
	s, ok := SafeStringSlice([]any{"a", "b"})
	assert.True(t, ok)
	assert.Equal(t, []string{"a", "b"}, s)

	_, ok = SafeStringSlice([]any{"a", 1})
	assert.False(t, ok)

	assert.Equal(t, []string{"x"}, SafeStringSliceDefault(nil, []string{"x"}))
}

func TestFirstString(t *testing.T) {
	data := map[string]any{"criterion": "", "id": "1.1", "name": "other"}
	assert.Equal(t, "1.1", FirstString(data, "criterion_id", "criterion", "id", "name"))
	assert.Equal(t, "", FirstString(data, "missing"))
}

// =============================================================================
// NESTED ACCESS TESTS
// =============================================================================

func TestGetNestedValue(t *testing.T) {
	data := map[string]any{
		"meta": map[string]any{
			"og": map[string]any{"title": "Acme", "count": 3},
		},
	}

	v, ok := GetNestedValue(data, "meta.og.title")
	assert.True(t, ok)
	assert.Equal(t, "Acme", v)

	_, ok = GetNestedValue(data, "meta.missing.title")
	assert.False(t, ok)

	_, ok = GetNestedValue(nil, "meta")
	assert.False(t, ok)

	s, ok := GetNestedString(data, "meta.og.title")
	assert.True(t, ok)
	assert.Equal(t, "Acme", s)

	n, ok := GetNestedInt(data, "meta.og.count")
	assert.True(t, ok)
	assert.Equal(t, 3, n)
}
