package tools

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/invopop/jsonschema"
	validator "github.com/santhosh-tekuri/jsonschema/v5"
)

// reflectSchema produces the LLM-facing JSON Schema for a parameter struct.
func reflectSchema(params any) (json.RawMessage, error) {
	if params == nil {
		return json.RawMessage(`{"type":"object","properties":{},"additionalProperties":false}`), nil
	}
	r := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	schema := r.Reflect(params)
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("encode schema: %w", err)
	}

	// Providers reject the meta keywords, so drop them.
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode schema: %w", err)
	}
	delete(doc, "$schema")
	delete(doc, "$id")
	if _, ok := doc["properties"]; !ok {
		doc["properties"] = map[string]any{}
	}
	return json.Marshal(doc)
}

func compileSchema(name string, schema json.RawMessage) (*validator.Schema, error) {
	compiled, err := validator.CompileString(name+".schema.json", string(schema))
	if err != nil {
		return nil, fmt.Errorf("compile %s schema: %w", name, err)
	}
	return compiled, nil
}

// validateParams checks raw input against schema and returns a short
// description of the first failures.
func validateParams(schema *validator.Schema, params json.RawMessage) error {
	var decoded any
	if len(strings.TrimSpace(string(params))) == 0 {
		decoded = map[string]any{}
	} else if err := json.Unmarshal(params, &decoded); err != nil {
		return fmt.Errorf("parameters are not valid JSON")
	}
	err := schema.Validate(decoded)
	if err == nil {
		return nil
	}
	ve, ok := err.(*validator.ValidationError)
	if !ok {
		return err
	}
	var problems []string
	collectLeaves(ve, &problems)
	if len(problems) == 0 {
		return fmt.Errorf("parameters do not match the schema")
	}
	if len(problems) > 3 {
		problems = problems[:3]
	}
	return fmt.Errorf("%s", strings.Join(problems, "; "))
}

func collectLeaves(ve *validator.ValidationError, out *[]string) {
	if len(ve.Causes) == 0 {
		loc := ve.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		*out = append(*out, fmt.Sprintf("%s: %s", loc, ve.Message))
		return
	}
	for _, c := range ve.Causes {
		collectLeaves(c, out)
	}
}

// canonicalJSON re-encodes params with sorted keys and no insignificant
// whitespace.
func canonicalJSON(params json.RawMessage) (json.RawMessage, error) {
	if len(strings.TrimSpace(string(params))) == 0 {
		return json.RawMessage(`{}`), nil
	}
	var v any
	if err := json.Unmarshal(params, &v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

// CanonicalParameters encodes a canonical parameter value the same way the
// gate compares them.
func CanonicalParameters(v any) (json.RawMessage, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return canonicalJSON(raw)
}
