package tools

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
)

// ValidationError lists every way a set of arguments violates a schema.
type ValidationError struct {
	Details []string
}

func (e *ValidationError) Error() string {
	return "invalid arguments: " + strings.Join(e.Details, "; ")
}

// compiledSchema is a tool schema resolved for validation, together with its
// parts resolved on their own so every failing property can be reported.
type compiledSchema struct {
	root     *jsonschema.Resolved
	required *jsonschema.Resolved
	props    map[string]*jsonschema.Resolved
}

// schemas caches compiled schemas by their JSON encoding.
var schemas sync.Map

// ValidateSchema checks args against a JSON schema given in the map form
// used by tool definitions. String arguments are trimmed before checking,
// so a blank value does not satisfy minLength. Unknown properties are
// allowed unless the schema says otherwise.
func ValidateSchema(schema map[string]interface{}, args map[string]interface{}) error {
	cs, err := compileSchema(schema)
	if err != nil {
		return err
	}
	instance, err := normalizeArgs(args)
	if err != nil {
		return &ValidationError{Details: []string{err.Error()}}
	}
	err = cs.root.Validate(instance)
	if err == nil {
		return nil
	}

	var details []string
	if cs.required != nil {
		if rerr := cs.required.Validate(instance); rerr != nil {
			details = append(details, cause(rerr))
		}
	}
	names := make([]string, 0, len(instance))
	for name := range instance {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		prop, ok := cs.props[name]
		if !ok {
			continue
		}
		if perr := prop.Validate(instance[name]); perr != nil {
			details = append(details, name+": "+cause(perr))
		}
	}
	if len(details) == 0 {
		details = []string{cause(err)}
	}
	return &ValidationError{Details: details}
}

func compileSchema(schema map[string]interface{}) (*compiledSchema, error) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("tools: schema: %w", err)
	}
	if cs, ok := schemas.Load(string(raw)); ok {
		return cs.(*compiledSchema), nil
	}

	var s jsonschema.Schema
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("tools: schema: %w", err)
	}
	root, err := s.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("tools: schema: %w", err)
	}
	cs := &compiledSchema{root: root, props: make(map[string]*jsonschema.Resolved, len(s.Properties))}
	if len(s.Required) > 0 {
		req := &jsonschema.Schema{Required: s.Required}
		if cs.required, err = req.Resolve(nil); err != nil {
			return nil, fmt.Errorf("tools: schema: required: %w", err)
		}
	}
	for name, prop := range s.Properties {
		// Parts that only make sense inside the root, such as $ref, are
		// reported through the root error instead.
		if r, err := prop.Resolve(nil); err == nil {
			cs.props[name] = r
		}
	}
	actual, _ := schemas.LoadOrStore(string(raw), cs)
	return actual.(*compiledSchema), nil
}

// normalizeArgs round-trips args through JSON so numbers and nested values
// have the shapes a decoded tool call would have, then trims strings.
func normalizeArgs(args map[string]interface{}) (map[string]interface{}, error) {
	if args == nil {
		return map[string]interface{}{}, nil
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("arguments are not JSON: %w", err)
	}
	out := map[string]interface{}{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("arguments are not JSON: %w", err)
	}
	for k, v := range out {
		if s, ok := v.(string); ok {
			out[k] = strings.TrimSpace(s)
		}
	}
	return out, nil
}

// cause strips the schema-location wrapping from a validation error.
func cause(err error) string {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err.Error()
		}
		err = next
	}
}
