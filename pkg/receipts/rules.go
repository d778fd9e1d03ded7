// Package receipts defines the validation rules applied to a task result
// before its receipt is signed.
//
// A rules document is an open JSON object. ParseRules maps the keys it knows
// onto a closed set of rule variants; unknown keys become NoOp rules so that
// they are still covered by rules_hash without being interpreted.
package receipts

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Mindburn-Labs/attestgrid/pkg/canonicalize"
)

// ErrInvalidRules is returned when a known rule key carries a malformed value.
var ErrInvalidRules = errors.New("receipts: invalid rules")

// Rule keys understood by ParseRules.
const (
	KeyRequiredKeys = "required_keys"
	KeyJSONSchema   = "json_schema"
)

// Kind identifies a rule variant.
type Kind string

const (
	KindRequiredKeys Kind = "required_keys"
	KindJSONSchema   Kind = "json_schema"
	KindNoOp         Kind = "noop"
)

// Rule is one variant of the closed rule set.
type Rule interface {
	Kind() Kind
	// Check returns one error string per violation, in a stable order.
	Check(result any) []string
}

// RuleSet is a parsed rules document. Doc is kept verbatim for hashing.
type RuleSet struct {
	Doc   map[string]any
	Rules []Rule
}

// ParseRules converts a rules document into rule variants. The order of the
// returned rules is fixed: required keys, then schema, then no-ops by key.
func ParseRules(doc map[string]any) (*RuleSet, error) {
	if doc == nil {
		doc = map[string]any{}
	}
	rs := &RuleSet{Doc: doc}

	if raw, ok := doc[KeyRequiredKeys]; ok {
		keys, err := stringList(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidRules, KeyRequiredKeys, err)
		}
		rs.Rules = append(rs.Rules, RequiredKeys{Keys: keys})
	}

	if raw, ok := doc[KeyJSONSchema]; ok {
		rule, err := NewSchemaRule(raw)
		if err != nil {
			return nil, err
		}
		rs.Rules = append(rs.Rules, rule)
	}

	var unknown []string
	for k := range doc {
		if k != KeyRequiredKeys && k != KeyJSONSchema {
			unknown = append(unknown, k)
		}
	}
	sort.Strings(unknown)
	for _, k := range unknown {
		rs.Rules = append(rs.Rules, NoOp{Key: k})
	}
	return rs, nil
}

// Evaluate applies every rule to result. passed is true iff no rule reported an error.
func (rs *RuleSet) Evaluate(result any) (passed bool, errs []string) {
	errs = []string{}
	for _, r := range rs.Rules {
		errs = append(errs, r.Check(result)...)
	}
	return len(errs) == 0, errs
}

func stringList(raw any) ([]string, error) {
	switch t := raw.(type) {
	case []string:
		return append([]string(nil), t...), nil
	case []any:
		out := make([]string, 0, len(t))
		for i, v := range t {
			s, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("element %d is %T, want string", i, v)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("want a list of strings, got %T", raw)
	}
}

// RequiredKeys requires every listed key to be present when the result is an object.
type RequiredKeys struct {
	Keys []string
}

func (RequiredKeys) Kind() Kind { return KindRequiredKeys }

func (r RequiredKeys) Check(result any) []string {
	obj, ok := result.(map[string]any)
	if !ok {
		return nil
	}
	var errs []string
	for _, k := range r.Keys {
		if _, present := obj[k]; !present {
			errs = append(errs, "Missing key: "+k)
		}
	}
	return errs
}

// NoOp records a rule key that carries no check.
type NoOp struct {
	Key string
}

func (NoOp) Kind() Kind { return KindNoOp }
func (NoOp) Check(any) []string { return nil }

const schemaURL = "https://attestgrid.local/rules/result.schema.json"

var errExternalRef = errors.New("external $ref not allowed")

// SchemaRule validates the result against a JSON Schema (draft 2020-12).
type SchemaRule struct {
	schema *jsonschema.Schema
}

// NewSchemaRule compiles a schema given as a decoded JSON value. The schema
// must be self-contained: any $ref outside the document is rejected without
// being fetched.
func NewSchemaRule(raw any) (*SchemaRule, error) {
	if _, ok := raw.(map[string]any); !ok {
		if _, isBool := raw.(bool); !isBool {
			return nil, fmt.Errorf("%w: %s: want object or boolean, got %T", ErrInvalidRules, KeyJSONSchema, raw)
		}
	}
	src, err := canonicalize.JCS(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidRules, KeyJSONSchema, err)
	}

	external := false
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	c.LoadURL = func(string) (io.ReadCloser, error) {
		external = true
		return nil, errExternalRef
	}
	if err := c.AddResource(schemaURL, bytes.NewReader(src)); err != nil {
		return nil, fmt.Errorf("%w: %s: schema is not valid JSON", ErrInvalidRules, KeyJSONSchema)
	}
	compiled, err := c.Compile(schemaURL)
	if err != nil {
		if external {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidRules, KeyJSONSchema, errExternalRef)
		}
		// Compiler messages embed resource URLs and loader output; keep them out of responses.
		return nil, fmt.Errorf("%w: %s: schema does not compile", ErrInvalidRules, KeyJSONSchema)
	}
	return &SchemaRule{schema: compiled}, nil
}

func (*SchemaRule) Kind() Kind { return KindJSONSchema }

func (r *SchemaRule) Check(result any) []string {
	// The validator wants json.Number for numbers; re-decode the canonical text.
	text, err := canonicalize.JCS(result)
	if err != nil {
		return []string{"Schema violation: result not serializable"}
	}
	dec := json.NewDecoder(bytes.NewReader(text))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return []string{"Schema violation: result not decodable"}
	}

	err = r.schema.Validate(doc)
	if err == nil {
		return nil
	}
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return []string{"Schema violation: " + err.Error()}
	}

	var leaves []*jsonschema.ValidationError
	collectLeaves(verr, &leaves)
	sort.SliceStable(leaves, func(i, j int) bool {
		if leaves[i].InstanceLocation != leaves[j].InstanceLocation {
			return leaves[i].InstanceLocation < leaves[j].InstanceLocation
		}
		return leaves[i].Message < leaves[j].Message
	})

	out := make([]string, 0, len(leaves))
	for _, l := range leaves {
		loc := l.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		out = append(out, fmt.Sprintf("Schema violation at %s: %s", loc, strings.TrimSpace(l.Message)))
	}
	return out
}

func collectLeaves(e *jsonschema.ValidationError, out *[]*jsonschema.ValidationError) {
	if len(e.Causes) == 0 {
		*out = append(*out, e)
		return
	}
	for _, c := range e.Causes {
		collectLeaves(c, out)
	}
}
