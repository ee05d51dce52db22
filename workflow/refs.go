package workflow

import (
	"strings"
)

// refSource identifies where a reference reads from
type refSource int

const (
	refInput refSource = iota
	refStep
)

// ref is a compiled reference expression: $input.<path> or
// $steps.<stepId>.output.<path>. The literal segment "output" directly
// after the step id is elided, so $steps.x.output.y and $steps.x.y
// resolve identically.
type ref struct {
	source refSource
	stepID string
	path   []string
}

// parseRef compiles a reference expression. The second return is false
// when the value is not a reference (a plain literal).
func parseRef(expr string) (*ref, bool) {
	switch {
	case strings.HasPrefix(expr, "$input"):
		rest := strings.TrimPrefix(expr, "$input")
		rest = strings.TrimPrefix(rest, ".")
		return &ref{source: refInput, path: splitPath(rest)}, true

	case strings.HasPrefix(expr, "$steps."):
		rest := strings.TrimPrefix(expr, "$steps.")
		segments := splitPath(rest)
		if len(segments) == 0 {
			return nil, false
		}
		path := segments[1:]
		if len(path) > 0 && path[0] == "output" {
			path = path[1:]
		}
		return &ref{source: refStep, stepID: segments[0], path: path}, true

	default:
		return nil, false
	}
}

func splitPath(path string) []string {
	if path == "" {
		return nil
	}
	return strings.Split(path, ".")
}

// resolve evaluates a compiled reference against the initial inputs and
// the step results so far. Unresolved paths yield nil without error; the
// nil flows onward and fails schema validation normally.
func (r *ref) resolve(inputs map[string]interface{}, results map[string]StepResult) interface{} {
	var current interface{}
	switch r.source {
	case refInput:
		current = mapToAny(inputs)
	case refStep:
		result, ok := results[r.stepID]
		if !ok {
			return nil
		}
		current = mapToAny(result.Output)
	}
	return navigate(current, r.path)
}

// navigate walks a dot path through nested objects
func navigate(value interface{}, path []string) interface{} {
	for _, key := range path {
		obj, ok := value.(map[string]interface{})
		if !ok {
			return nil
		}
		value, ok = obj[key]
		if !ok {
			return nil
		}
	}
	return value
}

func mapToAny(m map[string]interface{}) interface{} {
	if m == nil {
		return nil
	}
	return m
}

// resolveValue resolves one configured input value: reference strings are
// resolved, everything else passes through as a literal.
func resolveValue(value interface{}, inputs map[string]interface{}, results map[string]StepResult) interface{} {
	expr, ok := value.(string)
	if !ok {
		return value
	}
	r, isRef := parseRef(expr)
	if !isRef {
		return value
	}
	return r.resolve(inputs, results)
}
