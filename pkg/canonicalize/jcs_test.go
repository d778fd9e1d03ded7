package canonicalize

import (
	"encoding/json"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJCS_Sorting(t *testing.T) {
	input := map[string]interface{}{
		"b": 1,
		"a": 2,
	}

	b, err := JCS(input)
	require.NoError(t, err)
	assert.Equal(t, `{"a":2,"b":1}`, string(b))
}

func TestJCS_KeyOrderIndependent(t *testing.T) {
	v1 := map[string]interface{}{"b": 1, "a": 2}
	v2 := map[string]interface{}{"a": 2, "b": 1}

	s1, err := JCSString(v1)
	require.NoError(t, err)
	s2, err := JCSString(v2)
	require.NoError(t, err)
	assert.Equal(t, s1, s2)
}

func TestJCS_RecursiveSorting(t *testing.T) {
	input := map[string]interface{}{
		"z": map[string]interface{}{
			"y": "foo",
			"x": "bar",
		},
		"a": []interface{}{3, 1, 2},
	}

	b, err := JCS(input)
	require.NoError(t, err)
	// Arrays keep their order, objects are sorted at every level.
	assert.Equal(t, `{"a":[3,1,2],"z":{"x":"bar","y":"foo"}}`, string(b))
}

func TestJCS_NoHTMLEscaping(t *testing.T) {
	input := map[string]string{
		"html": "<script>alert('xss')</script> &",
	}

	b, err := JCS(input)
	require.NoError(t, err)
	assert.Equal(t, `{"html":"<script>alert('xss')</script> &"}`, string(b))
}

func TestJCS_UnicodePreserved(t *testing.T) {
	input := map[string]interface{}{
		"jp":    "こんにちは",
		"wide":  "ＡＢＣ",
		"emoji": "🚀",
		"sep":   "a\u2028b",
	}

	b, err := JCS(input)
	require.NoError(t, err)
	assert.Equal(t, "{\"emoji\":\"🚀\",\"jp\":\"こんにちは\",\"sep\":\"a\u2028b\",\"wide\":\"ＡＢＣ\"}", string(b))
}

func TestJCS_ControlCharacters(t *testing.T) {
	b, err := JCS("line1\nline2\ttab\u0001\"\\")
	require.NoError(t, err)
	assert.Equal(t, `"line1\nline2\ttab\u0001\"\\"`, string(b))
}

func TestJCS_NumberTypes(t *testing.T) {
	tests := []struct {
		name  string
		input interface{}
		want  string
	}{
		{"int", 100, `100`},
		{"int64", int64(9007199254740993), `9007199254740993`},
		{"float integral", 1.0, `1`},
		{"json number exponent", json.Number("1e0"), `1`},
		{"decimal", json.Number("123.456"), `123.456`},
		{"negative zero", json.Number("-0"), `0`},
		{"small", 0.000001, `0.000001`},
		{"large float", 1e21, `1e+21`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := JCSString(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestJCS_Unserializable(t *testing.T) {
	cyclic := map[string]interface{}{}
	cyclic["self"] = cyclic

	inputs := map[string]interface{}{
		"nan":    math.NaN(),
		"inf":    math.Inf(1),
		"chan":   make(chan int),
		"func":   func() {},
		"cyclic": cyclic,
	}

	for name, in := range inputs {
		t.Run(name, func(t *testing.T) {
			_, err := JCS(in)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrUnserializableValue), "got %v", err)
		})
	}
}

func TestCanonicalHash_Stability(t *testing.T) {
	v1 := map[string]interface{}{"a": 1, "b": 2}

	type S struct {
		B int `json:"b"`
		A int `json:"a"`
	}
	v2 := S{A: 1, B: 2}

	h1, err := CanonicalHash(v1)
	require.NoError(t, err)
	h2, err := CanonicalHash(v2)
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestHashBytes_KnownVector(t *testing.T) {
	assert.Equal(t,
		"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		HashBytes(nil))
}

func TestDecode_RoundTrip(t *testing.T) {
	original := map[string]interface{}{
		"string":  "héllo wörld",
		"int":     int64(42),
		"neg":     int64(-7),
		"float":   2.5,
		"bool":    true,
		"null":    nil,
		"list":    []interface{}{"x", int64(1), false},
		"nested":  map[string]interface{}{"k": "v"},
		"unicode": "日本語",
	}

	text, err := JCSString(original)
	require.NoError(t, err)

	decoded, err := Decode(text)
	require.NoError(t, err)
	assert.Equal(t, original, decoded)

	again, err := JCSString(decoded)
	require.NoError(t, err)
	assert.Equal(t, text, again)
}

func TestDecode_NonCanonicalInput(t *testing.T) {
	v, err := Decode(` { "b" : 1 ,  "a" : [ 1 , 2 ] } `)
	require.NoError(t, err)

	s, err := JCSString(v)
	require.NoError(t, err)
	assert.Equal(t, `{"a":[1,2],"b":1}`, s)
}

func TestDecode_Malformed(t *testing.T) {
	for _, in := range []string{``, `{`, `{"a":}`, `[1,2`, `{"a":1} trailing`, `nul`} {
		_, err := Decode(in)
		require.Error(t, err, "input %q", in)
		assert.True(t, errors.Is(err, ErrMalformedPayload), "input %q: %v", in, err)
	}
}

func TestDecodeObject_RejectsNonObject(t *testing.T) {
	_, err := DecodeObject(`[1,2,3]`)
	assert.ErrorIs(t, err, ErrMalformedPayload)

	obj, err := DecodeObject(`{"a":1}`)
	require.NoError(t, err)
	assert.Equal(t, int64(1), obj["a"])
}

func TestNormalize_StructToGeneric(t *testing.T) {
	type result struct {
		Response string `json:"response"`
		Score    int    `json:"score"`
	}

	v, err := Normalize(result{Response: "ok", Score: 3})
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"response": "ok", "score": int64(3)}, v)
}
