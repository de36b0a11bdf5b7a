package search

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/fhirstore/internal/platform/pathexpr"
)

func newTestExtractor(t *testing.T, cache *CommonValueCache) *Extractor {
	t.Helper()
	return NewExtractor(pathexpr.NewTreeEvaluator(), DefaultRegistry(), cache, "https://fhir.example.org", zerolog.Nop())
}

func valuesFor(result *ExtractResult, code string) []IndexValue {
	var out []IndexValue
	for _, v := range result.Values {
		if v.Code == code {
			out = append(out, v)
		}
	}
	return out
}

func TestExtract_StringNormalization(t *testing.T) {
	e := newTestExtractor(t, inactiveCache())

	result, err := e.Extract(context.Background(), "Patient", map[string]interface{}{
		"resourceType": "Patient",
		"name": []interface{}{
			map[string]interface{}{"family": "Van  Der Berg", "given": []interface{}{"Anna"}},
		},
	})
	if err != nil {
		t.Fatalf("Extract() error: %v", err)
	}

	fams := valuesFor(result, "family")
	if len(fams) != 1 {
		t.Fatalf("expected 1 family value, got %d", len(fams))
	}
	if fams[0].String.Raw != "Van  Der Berg" {
		t.Errorf("raw form altered: %q", fams[0].String.Raw)
	}
	if fams[0].String.Normalized != "van der berg" {
		t.Errorf("expected collapsed lower-case form, got %q", fams[0].String.Normalized)
	}

	// The union expression indexes both family and given under "name".
	names := valuesFor(result, "name")
	if len(names) != 2 {
		t.Errorf("expected 2 name values from union path, got %d", len(names))
	}
}

func TestExtract_DatePrecisionExpansion(t *testing.T) {
	e := newTestExtractor(t, inactiveCache())

	tests := []struct {
		name      string
		birthDate string
		wantStart time.Time
		wantEnd   time.Time
	}{
		{"year", "1980", time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(1981, 1, 1, 0, 0, 0, 0, time.UTC)},
		{"month", "1980-06", time.Date(1980, 6, 1, 0, 0, 0, 0, time.UTC), time.Date(1980, 7, 1, 0, 0, 0, 0, time.UTC)},
		{"day", "1980-06-15", time.Date(1980, 6, 15, 0, 0, 0, 0, time.UTC), time.Date(1980, 6, 16, 0, 0, 0, 0, time.UTC)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := e.Extract(context.Background(), "Patient", map[string]interface{}{
				"resourceType": "Patient",
				"birthDate":    tt.birthDate,
			})
			if err != nil {
				t.Fatalf("Extract() error: %v", err)
			}
			dates := valuesFor(result, "birthdate")
			if len(dates) != 1 {
				t.Fatalf("expected 1 date value, got %d", len(dates))
			}
			if !dates[0].Date.Start.Equal(tt.wantStart) || !dates[0].Date.End.Equal(tt.wantEnd) {
				t.Errorf("got [%v, %v), want [%v, %v)", dates[0].Date.Start, dates[0].Date.End, tt.wantStart, tt.wantEnd)
			}
		})
	}
}

func TestExtract_Period(t *testing.T) {
	e := newTestExtractor(t, inactiveCache())

	result, err := e.Extract(context.Background(), "Encounter", map[string]interface{}{
		"resourceType": "Encounter",
		"period": map[string]interface{}{
			"start": "2023-01-01T10:00:00Z",
			"end":   "2023-01-01T11:30:00Z",
		},
	})
	if err != nil {
		t.Fatalf("Extract() error: %v", err)
	}
	dates := valuesFor(result, "date")
	if len(dates) != 1 {
		t.Fatalf("expected 1 period value, got %d", len(dates))
	}
	if dates[0].Date.Start.Hour() != 10 {
		t.Errorf("unexpected period start: %v", dates[0].Date.Start)
	}
	if !dates[0].Date.End.After(dates[0].Date.Start) {
		t.Error("period end must follow start")
	}
}

func TestExtract_TokenForms(t *testing.T) {
	e := newTestExtractor(t, inactiveCache())

	result, err := e.Extract(context.Background(), "Observation", map[string]interface{}{
		"resourceType": "Observation",
		"status":       "final",
		"code": map[string]interface{}{
			"coding": []interface{}{
				map[string]interface{}{"system": "http://loinc.org", "code": "8480-6"},
				map[string]interface{}{"system": "http://snomed.info/sct", "code": "271649006"},
			},
		},
		"identifier": []interface{}{
			map[string]interface{}{"system": "http://hospital.example.org/mrn", "value": "12345"},
		},
	})
	if err != nil {
		t.Fatalf("Extract() error: %v", err)
	}

	status := valuesFor(result, "status")
	if len(status) != 1 || status[0].Token.System != "" || status[0].Token.Value != "final" {
		t.Errorf("unexpected status rows: %+v", status)
	}

	codes := valuesFor(result, "code")
	if len(codes) != 2 {
		t.Fatalf("expected one row per coding, got %d", len(codes))
	}

	idents := valuesFor(result, "identifier")
	if len(idents) != 1 || idents[0].Token.System != "http://hospital.example.org/mrn" || idents[0].Token.Value != "12345" {
		t.Errorf("unexpected identifier rows: %+v", idents)
	}
}

func TestExtract_ReferenceForms(t *testing.T) {
	e := newTestExtractor(t, inactiveCache())

	tests := []struct {
		name        string
		ref         interface{}
		wantType    string
		wantID      string
		wantVersion int
		wantRows    int
	}{
		{"relative", map[string]interface{}{"reference": "Patient/p1"}, "Patient", "p1", 0, 1},
		{"own base absolute", map[string]interface{}{"reference": "https://fhir.example.org/Patient/p2"}, "Patient", "p2", 0, 1},
		{"versioned", map[string]interface{}{"reference": "Patient/p3/_history/2"}, "Patient", "p3", 2, 1},
		{"contained skipped", map[string]interface{}{"reference": "#inner"}, "", "", 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := e.Extract(context.Background(), "Observation", map[string]interface{}{
				"resourceType": "Observation",
				"subject":      tt.ref,
			})
			if err != nil {
				t.Fatalf("Extract() error: %v", err)
			}
			// subject and patient share the expression, so count one code.
			refs := valuesFor(result, "subject")
			if len(refs) != tt.wantRows {
				t.Fatalf("expected %d rows, got %d", tt.wantRows, len(refs))
			}
			if tt.wantRows == 0 {
				return
			}
			r := refs[0].Reference
			if r.TargetType != tt.wantType || r.TargetID != tt.wantID || r.TargetVersion != tt.wantVersion {
				t.Errorf("got %+v, want %s/%s v%d", r, tt.wantType, tt.wantID, tt.wantVersion)
			}
		})
	}
}

func TestExtract_Compartments(t *testing.T) {
	e := newTestExtractor(t, inactiveCache())

	result, err := e.Extract(context.Background(), "Observation", map[string]interface{}{
		"resourceType": "Observation",
		"subject":      map[string]interface{}{"reference": "Patient/p1"},
	})
	if err != nil {
		t.Fatalf("Extract() error: %v", err)
	}

	var patientRefs int
	for _, c := range result.Compartments {
		if c.CompartmentType == "Patient" && c.CompartmentID == "p1" {
			patientRefs++
		}
	}
	if patientRefs == 0 {
		t.Errorf("expected Patient compartment membership, got %+v", result.Compartments)
	}
}

func TestExtract_QuantityCanonicalUnits(t *testing.T) {
	e := newTestExtractor(t, inactiveCache())

	result, err := e.Extract(context.Background(), "Observation", map[string]interface{}{
		"resourceType": "Observation",
		"valueQuantity": map[string]interface{}{
			"value":  float64(250),
			"system": "http://unitsofmeasure.org",
			"code":   "mg",
		},
	})
	if err != nil {
		t.Fatalf("Extract() error: %v", err)
	}
	qs := valuesFor(result, "value-quantity")
	if len(qs) != 1 {
		t.Fatalf("expected 1 quantity row, got %d", len(qs))
	}
	q := qs[0].Quantity
	if q.Code != "g" || q.Value != 0.25 {
		t.Errorf("expected canonical 0.25 g, got %v %s", q.Value, q.Code)
	}
}

func TestExtract_CompositeSharedID(t *testing.T) {
	e := newTestExtractor(t, inactiveCache())

	result, err := e.Extract(context.Background(), "Observation", map[string]interface{}{
		"resourceType": "Observation",
		"code": map[string]interface{}{
			"coding": []interface{}{map[string]interface{}{"system": "http://loinc.org", "code": "8480-6"}},
		},
		"valueQuantity": map[string]interface{}{"value": float64(140), "code": "mm[Hg]"},
	})
	if err != nil {
		t.Fatalf("Extract() error: %v", err)
	}

	comps := valuesFor(result, "code-value-quantity")
	if len(comps) != 2 {
		t.Fatalf("expected 2 component rows, got %d", len(comps))
	}
	if comps[0].CompositeID == 0 || comps[0].CompositeID != comps[1].CompositeID {
		t.Errorf("component rows must share a nonzero composite id: %d vs %d", comps[0].CompositeID, comps[1].CompositeID)
	}
}

func TestExtract_CompositeAbsentComponent(t *testing.T) {
	e := newTestExtractor(t, inactiveCache())

	// Code present, quantity missing: no composite rows at all.
	result, err := e.Extract(context.Background(), "Observation", map[string]interface{}{
		"resourceType": "Observation",
		"code": map[string]interface{}{
			"coding": []interface{}{map[string]interface{}{"system": "http://loinc.org", "code": "8480-6"}},
		},
	})
	if err != nil {
		t.Fatalf("Extract() error: %v", err)
	}
	if comps := valuesFor(result, "code-value-quantity"); len(comps) != 0 {
		t.Errorf("expected no composite rows for absent component, got %d", len(comps))
	}
}

func TestExtract_CompositeIDPerRepetition(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&Definition{Code: "part-code", Type: TypeToken, Base: []string{"Observation"}, Expression: "code"})
	reg.Register(&Definition{Code: "part-value", Type: TypeNumber, Base: []string{"Observation"}, Expression: "value"})
	reg.Register(&Definition{
		Code:       "part-code-value",
		Type:       TypeComposite,
		Base:       []string{"Observation"},
		Expression: "component",
		Components: []string{"part-code", "part-value"},
	})
	e := NewExtractor(pathexpr.NewTreeEvaluator(), reg, inactiveCache(), "https://fhir.example.org", zerolog.Nop())

	result, err := e.Extract(context.Background(), "Observation", map[string]interface{}{
		"resourceType": "Observation",
		"component": []interface{}{
			map[string]interface{}{"code": "c1", "value": float64(1)},
			map[string]interface{}{"code": "c2", "value": float64(2)},
		},
	})
	if err != nil {
		t.Fatalf("Extract() error: %v", err)
	}

	rows := valuesFor(result, "part-code-value")
	if len(rows) != 4 {
		t.Fatalf("expected 4 component rows across 2 repetitions, got %d", len(rows))
	}

	codeID := map[string]int{}
	valueID := map[float64]int{}
	for _, r := range rows {
		switch r.Kind {
		case TypeToken:
			codeID[r.Token.Value] = r.CompositeID
		case TypeNumber:
			valueID[r.Number.Value] = r.CompositeID
		}
	}
	if codeID["c1"] == 0 || codeID["c2"] == 0 || codeID["c1"] == codeID["c2"] {
		t.Errorf("repetitions must carry distinct nonzero composite ids: %v", codeID)
	}
	if valueID[1] != codeID["c1"] || valueID[2] != codeID["c2"] {
		t.Errorf("rows paired across repetitions: codes %v, values %v", codeID, valueID)
	}
}

func TestExtract_CoercionFailureWarnsAndContinues(t *testing.T) {
	e := newTestExtractor(t, inactiveCache())

	result, err := e.Extract(context.Background(), "Patient", map[string]interface{}{
		"resourceType": "Patient",
		"birthDate":    "not-a-date",
		"gender":       "female",
	})
	if err != nil {
		t.Fatalf("Extract() error: %v", err)
	}
	if len(valuesFor(result, "birthdate")) != 0 {
		t.Error("malformed date must not be indexed")
	}
	if len(result.Warnings) == 0 {
		t.Error("expected a coercion warning")
	}
	if len(valuesFor(result, "gender")) != 1 {
		t.Error("other parameters must still be extracted")
	}
}

func TestExtract_ResolvesCommonIDs(t *testing.T) {
	table := newFakeValueTable()
	cache := NewCommonValueCache(table, 100)
	e := newTestExtractor(t, cache)

	result, err := e.Extract(context.Background(), "Observation", map[string]interface{}{
		"resourceType": "Observation",
		"status":       "final",
	})
	if err != nil {
		t.Fatalf("Extract() error: %v", err)
	}
	status := valuesFor(result, "status")
	if len(status) != 1 {
		t.Fatalf("expected 1 status row, got %d", len(status))
	}
	if status[0].Token.CommonID == 0 {
		t.Error("expected surrogate id assigned with active cache")
	}
}
