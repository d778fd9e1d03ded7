// Package canonicalize provides the deterministic JSON encoding that every
// attestation hash and signature is computed over.
//
// The encoding follows RFC 8785 (JSON Canonicalization Scheme) with keys sorted
// by code point: no insignificant whitespace, no HTML escaping, non-ASCII text
// emitted verbatim, arrays in their given order.
package canonicalize

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"unicode/utf8"

	"github.com/gowebpki/jcs"
)

var (
	// ErrMalformedPayload is returned by Decode for text that is not valid JSON.
	ErrMalformedPayload = errors.New("canonicalize: malformed payload")
	// ErrUnserializableValue is returned by JCS for values outside the JSON data model
	// (NaN, Infinity, cyclic structures, channels, functions).
	ErrUnserializableValue = errors.New("canonicalize: unserializable value")
)

// JCS returns the canonical JSON representation of v.
//
// Key features:
// 1. Map keys are sorted lexicographically by UTF-8 bytes (code point order).
// 2. HTML escaping is DISABLED (unlike standard json.Marshal).
// 3. Integers are emitted verbatim; other numbers use the ES6 shortest form, so
// 1, 1.0 and json.Number("1e0") all encode to 1.
func JCS(v interface{}) ([]byte, error) {
	// Marshal to intermediate JSON first so struct tags are honoured, then
	// re-encode the generic tree with canonical ordering and formatting.
	var intermediate bytes.Buffer
	enc := json.NewEncoder(&intermediate)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnserializableValue, err)
	}

	var generic interface{}
	decoder := json.NewDecoder(&intermediate)
	decoder.UseNumber()
	if err := decoder.Decode(&generic); err != nil {
		return nil, fmt.Errorf("%w: intermediate decode failed: %v", ErrUnserializableValue, err)
	}

	var out bytes.Buffer
	if err := writeCanonical(&out, generic); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// JCSString returns the JCS canonical form as a string
func JCSString(v interface{}) (string, error) {
	data, err := JCS(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// CanonicalHash returns the SHA-256 hex digest of the canonical JSON representation of v.
func CanonicalHash(v interface{}) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes computes SHA-256 hash of raw bytes and returns hex string
func HashBytes(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// Decode parses JSON text (canonical or not) into generic Go values:
// map[string]any, []any, string, bool, nil, int64 for integers that fit and
// float64 for every other number.
func Decode(text string) (interface{}, error) {
	decoder := json.NewDecoder(bytes.NewReader([]byte(text)))
	decoder.UseNumber()

	var v interface{}
	if err := decoder.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if _, err := decoder.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: trailing data after value", ErrMalformedPayload)
	}
	return normalizeNumbers(v), nil
}

// DecodeObject is Decode restricted to a top-level JSON object.
func DecodeObject(text string) (map[string]interface{}, error) {
	v, err := Decode(text)
	if err != nil {
		return nil, err
	}
	obj, ok := v.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: expected object, got %T", ErrMalformedPayload, v)
	}
	return obj, nil
}

// Normalize round-trips v through the canonical encoding, yielding the same
// generic value shape Decode produces.
func Normalize(v interface{}) (interface{}, error) {
	text, err := JCSString(v)
	if err != nil {
		return nil, err
	}
	return Decode(text)
}

func normalizeNumbers(v interface{}) interface{} {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		f, err := t.Float64()
		if err != nil {
			// Out of float64 range; keep the literal rather than lose it.
			return t
		}
		return f
	case []interface{}:
		for i := range t {
			t[i] = normalizeNumbers(t[i])
		}
		return t
	case map[string]interface{}:
		for k, elem := range t {
			t[k] = normalizeNumbers(elem)
		}
		return t
	default:
		return v
	}
}

func writeCanonical(buf *bytes.Buffer, v interface{}) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		num, err := formatNumber(t)
		if err != nil {
			return err
		}
		buf.WriteString(num)
	case string:
		writeString(buf, t)
	case []interface{}:
		buf.WriteByte('[')
		for i, elem := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeString(buf, k)
			buf.WriteByte(':')
			if err := writeCanonical(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("%w: unexpected type %T", ErrUnserializableValue, v)
	}
	return nil
}

func formatNumber(n json.Number) (string, error) {
	s := n.String()
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return strconv.FormatInt(i, 10), nil
	}
	if u, err := strconv.ParseUint(s, 10, 64); err == nil {
		return strconv.FormatUint(u, 10), nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
		return "", fmt.Errorf("%w: number %q out of range", ErrUnserializableValue, s)
	}
	out, err := jcs.NumberToJSON(f)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnserializableValue, err)
	}
	return out, nil
}

const hexDigits = "0123456789abcdef"

// writeString emits a JSON string per RFC 8785 §3.2.2.2: only the quote,
// backslash and C0 controls are escaped.
func writeString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for i := 0; i < len(s); {
		c := s[i]
		if c < utf8.RuneSelf {
			switch c {
			case '"':
				buf.WriteString(`\"`)
			case '\\':
				buf.WriteString(`\\`)
			case '\b':
				buf.WriteString(`\b`)
			case '\f':
				buf.WriteString(`\f`)
			case '\n':
				buf.WriteString(`\n`)
			case '\r':
				buf.WriteString(`\r`)
			case '\t':
				buf.WriteString(`\t`)
			default:
				if c < 0x20 {
					buf.WriteString(`\u00`)
					buf.WriteByte(hexDigits[c>>4])
					buf.WriteByte(hexDigits[c&0xf])
				} else {
					buf.WriteByte(c)
				}
			}
			i++
			continue
		}
		r, size := utf8.DecodeRuneInString(s[i:])
		if r == utf8.RuneError && size == 1 {
			buf.WriteString("�")
		} else {
			buf.WriteString(s[i : i+size])
		}
		i += size
	}
	buf.WriteByte('"')
}
