package pathexpr

import (
	"reflect"
	"testing"
)

func TestEvaluate(t *testing.T) {
	resource := map[string]interface{}{
		"resourceType": "Patient",
		"gender":       "female",
		"name": []interface{}{
			map[string]interface{}{
				"family": "Smith",
				"given":  []interface{}{"Anna", "Maria"},
			},
			map[string]interface{}{
				"family": "Jones",
			},
		},
		"meta": map[string]interface{}{
			"lastUpdated": "2023-05-01T00:00:00Z",
		},
		"deceasedBoolean": false,
	}

	tests := []struct {
		name string
		path string
		want []interface{}
	}{
		{"scalar field", "gender", []interface{}{"female"}},
		{"nested field", "meta.lastUpdated", []interface{}{"2023-05-01T00:00:00Z"}},
		{"array flattening", "name.family", []interface{}{"Smith", "Jones"}},
		{"array of arrays", "name.given", []interface{}{"Anna", "Maria"}},
		{"union in document order", "name.family | name.given", []interface{}{"Smith", "Jones", "Anna", "Maria"}},
		{"resource type anchor", "Patient.gender", []interface{}{"female"}},
		{"foreign anchor is a plain field", "Observation.gender", []interface{}{}},
		{"missing field", "telecom", []interface{}{}},
		{"missing nested field", "meta.versionId", []interface{}{}},
		{"false is a value", "deceasedBoolean", []interface{}{false}},
		{"whitespace tolerated", "  name.family  |  gender ", []interface{}{"Smith", "Jones", "female"}},
	}

	e := NewTreeEvaluator()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Evaluate(resource, tt.path)
			if err != nil {
				t.Fatalf("Evaluate(%q) error: %v", tt.path, err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Evaluate(%q) = %v, want %v", tt.path, got, tt.want)
			}
		})
	}
}

func TestEvaluate_EmptyPath(t *testing.T) {
	e := NewTreeEvaluator()
	if _, err := e.Evaluate(map[string]interface{}{}, "  "); err == nil {
		t.Error("expected error for empty path")
	}
}

func TestEvaluate_NilResource(t *testing.T) {
	e := NewTreeEvaluator()
	got, err := e.Evaluate(nil, "name")
	if err != nil {
		t.Fatalf("Evaluate() error: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected no values, got %v", got)
	}
}
