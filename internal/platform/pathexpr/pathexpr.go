// Package pathexpr defines the path-evaluation collaborator consumed by the
// search extractor. The engine only needs "evaluate(record, path) -> leaf
// values"; the production deployment can plug in a full expression engine,
// while TreeEvaluator covers the dotted-path subset used by the built-in
// parameter definitions and by tests.
package pathexpr

import (
	"fmt"
	"strings"
)

// Evaluator resolves an extraction path against a parsed record and returns
// the ordered sequence of leaf values it selects. Implementations must be
// deterministic and side-effect free.
type Evaluator interface {
	Evaluate(resource map[string]interface{}, path string) ([]interface{}, error)
}

// TreeEvaluator walks dotted paths over the JSON object tree. Slices are
// flattened in document order and `a | b` unions concatenate the results of
// each alternative.
type TreeEvaluator struct{}

// NewTreeEvaluator creates a TreeEvaluator.
func NewTreeEvaluator() *TreeEvaluator {
	return &TreeEvaluator{}
}

// Evaluate resolves path against resource. A path selecting nothing yields
// an empty slice, not an error; only a syntactically empty path fails.
func (e *TreeEvaluator) Evaluate(resource map[string]interface{}, path string) ([]interface{}, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("pathexpr: empty path")
	}
	if resource == nil {
		return []interface{}{}, nil
	}

	results := []interface{}{}
	for _, alt := range strings.Split(path, "|") {
		segments := strings.Split(strings.TrimSpace(alt), ".")
		if len(segments) == 0 {
			continue
		}

		// A leading segment matching the record's resourceType is the
		// conventional root anchor ("Patient.name") and is skipped.
		if rt, ok := resource["resourceType"].(string); ok && segments[0] == rt {
			segments = segments[1:]
		}

		current := []interface{}{resource}
		for _, seg := range segments {
			seg = strings.TrimSpace(seg)
			if seg == "" {
				continue
			}
			current = step(current, seg)
			if len(current) == 0 {
				break
			}
		}
		results = append(results, current...)
	}
	return results, nil
}

// step selects field seg from every node in the collection, flattening
// arrays in document order.
func step(nodes []interface{}, seg string) []interface{} {
	var out []interface{}
	for _, n := range nodes {
		m, ok := n.(map[string]interface{})
		if !ok {
			continue
		}
		v, ok := m[seg]
		if !ok || v == nil {
			continue
		}
		if arr, ok := v.([]interface{}); ok {
			out = append(out, arr...)
		} else {
			out = append(out, v)
		}
	}
	return out
}
