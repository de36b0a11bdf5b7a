package search

import (
	"fmt"
	"sort"
	"sync"
)

// ParamType is the search parameter type. One relational index shape exists
// per type, and every query modifier must be consistent with the type.
type ParamType int

const (
	TypeString    ParamType = iota // case-insensitive match on normalized text
	TypeToken                      // (system, code) pair, deduplicated
	TypeDate                       // [start, end) interval
	TypeNumber                     // numeric comparison with precision tolerance
	TypeQuantity                   // number with unit, canonicalized when possible
	TypeURI                        // exact match, deduplicated canonical
	TypeReference                  // target type + logical id (+ optional version)
	TypeComposite                  // $-joined components sharing a repetition
	TypeSpecial                    // backend-specific (not searchable here)
)

// String returns the wire name of the type.
func (t ParamType) String() string {
	switch t {
	case TypeString:
		return "string"
	case TypeToken:
		return "token"
	case TypeDate:
		return "date"
	case TypeNumber:
		return "number"
	case TypeQuantity:
		return "quantity"
	case TypeURI:
		return "uri"
	case TypeReference:
		return "reference"
	case TypeComposite:
		return "composite"
	case TypeSpecial:
		return "special"
	}
	return "unknown"
}

// ParseParamType parses a wire type name.
func ParseParamType(s string) (ParamType, error) {
	switch s {
	case "string":
		return TypeString, nil
	case "token":
		return TypeToken, nil
	case "date":
		return TypeDate, nil
	case "number":
		return TypeNumber, nil
	case "quantity":
		return TypeQuantity, nil
	case "uri":
		return TypeURI, nil
	case "reference":
		return TypeReference, nil
	case "composite":
		return TypeComposite, nil
	case "special":
		return TypeSpecial, nil
	}
	return 0, fmt.Errorf("unknown search parameter type %q", s)
}

// Definition describes one search parameter: what it is called, what it
// extracts, and which resource types it applies to. Definitions are
// read-only reference data shared by the extractor and the query builder.
type Definition struct {
	Code       string
	Type       ParamType
	Base       []string // resource types the parameter applies to; "*" = all
	Expression string   // extraction path handed to the path evaluator
	Targets    []string // reference: allowed target resource types

	// Components names the codes of the component parameters of a
	// composite, in wire order.
	Components []string

	// Compartments lists compartment types this reference parameter
	// defines membership in (e.g. "subject" -> Patient compartment).
	Compartments []string
}

// AppliesTo reports whether the definition covers the resource type.
func (d *Definition) AppliesTo(resourceType string) bool {
	for _, b := range d.Base {
		if b == "*" || b == resourceType {
			return true
		}
	}
	return false
}

// Registry holds the active search parameter definitions keyed by resource
// type and code. It is populated once at startup and read concurrently.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]map[string]*Definition // base -> code -> def
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]map[string]*Definition)}
}

// Register adds a definition under every base resource type it names.
func (r *Registry) Register(def *Definition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, base := range def.Base {
		m, ok := r.defs[base]
		if !ok {
			m = make(map[string]*Definition)
			r.defs[base] = m
		}
		m[def.Code] = def
	}
}

// Lookup finds the definition for code on the given resource type, checking
// type-specific definitions before globals.
func (r *Registry) Lookup(resourceType, code string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if m, ok := r.defs[resourceType]; ok {
		if d, ok := m[code]; ok {
			return d, true
		}
	}
	if m, ok := r.defs["*"]; ok {
		if d, ok := m[code]; ok {
			return d, true
		}
	}
	return nil, false
}

// ForResource returns all definitions applicable to the resource type,
// globals included, sorted by code for deterministic extraction order.
func (r *Registry) ForResource(resourceType string) []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]*Definition)
	for _, base := range []string{resourceType, "*"} {
		for code, d := range r.defs[base] {
			if _, ok := seen[code]; !ok {
				seen[code] = d
			}
		}
	}

	out := make([]*Definition, 0, len(seen))
	for _, d := range seen {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

// Modifier names accepted per parameter type. A reference parameter
// additionally accepts any of its target resource types as a modifier
// (subject:Patient).
var allowedModifiers = map[ParamType]map[string]bool{
	TypeString:    {"exact": true, "contains": true, "missing": true},
	TypeToken:     {"missing": true, "not": true, "text": true, "above": true, "below": true, "in": true, "not-in": true, "of-type": true},
	TypeDate:      {"missing": true},
	TypeNumber:    {"missing": true},
	TypeQuantity:  {"missing": true},
	TypeURI:       {"missing": true, "above": true, "below": true},
	TypeReference: {"missing": true, "identifier": true},
	TypeComposite: {"missing": true},
}

// ValidateModifier reports whether modifier is legal for the definition.
// The empty modifier is always legal.
func ValidateModifier(def *Definition, modifier string) error {
	if modifier == "" {
		return nil
	}
	if allowed, ok := allowedModifiers[def.Type]; ok && allowed[modifier] {
		return nil
	}
	if def.Type == TypeReference {
		for _, t := range def.Targets {
			if t == modifier {
				return nil
			}
		}
	}
	return fmt.Errorf("%w: modifier %q is not valid for %s parameter %q",
		ErrInvalidSearchParameter, modifier, def.Type, def.Code)
}

// DefaultRegistry returns a registry seeded with the built-in parameter
// set: the global parameters plus common clinical parameters used by the
// bundled resource types. Deployments extend it by registering definitions
// loaded from their own SearchParameter resources.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for i := range defaultDefinitions {
		r.Register(&defaultDefinitions[i])
	}
	return r
}

var defaultDefinitions = []Definition{
	{Code: "_id", Type: TypeToken, Base: []string{"*"}, Expression: "id"},
	{Code: "_lastUpdated", Type: TypeDate, Base: []string{"*"}, Expression: "meta.lastUpdated"},
	{Code: "_tag", Type: TypeToken, Base: []string{"*"}, Expression: "meta.tag"},
	{Code: "_profile", Type: TypeURI, Base: []string{"*"}, Expression: "meta.profile"},

	{Code: "identifier", Type: TypeToken, Base: []string{"Patient", "Observation", "Encounter", "Condition", "MedicationRequest"}, Expression: "identifier"},

	{Code: "name", Type: TypeString, Base: []string{"Patient", "Practitioner"}, Expression: "name.family | name.given"},
	{Code: "family", Type: TypeString, Base: []string{"Patient", "Practitioner"}, Expression: "name.family"},
	{Code: "given", Type: TypeString, Base: []string{"Patient", "Practitioner"}, Expression: "name.given"},
	{Code: "gender", Type: TypeToken, Base: []string{"Patient", "Practitioner"}, Expression: "gender"},
	{Code: "birthdate", Type: TypeDate, Base: []string{"Patient"}, Expression: "birthDate"},
	{Code: "address-city", Type: TypeString, Base: []string{"Patient"}, Expression: "address.city"},

	{Code: "status", Type: TypeToken, Base: []string{"Observation", "Encounter", "Condition", "MedicationRequest"}, Expression: "status"},
	{Code: "code", Type: TypeToken, Base: []string{"Observation", "Condition"}, Expression: "code.coding"},
	{Code: "category", Type: TypeToken, Base: []string{"Observation", "Condition"}, Expression: "category.coding"},
	{Code: "effective", Type: TypeDate, Base: []string{"Observation"}, Expression: "effectiveDateTime | effectivePeriod"},
	{Code: "date", Type: TypeDate, Base: []string{"Encounter"}, Expression: "period"},
	{Code: "value-quantity", Type: TypeQuantity, Base: []string{"Observation"}, Expression: "valueQuantity"},

	{Code: "subject", Type: TypeReference, Base: []string{"Observation", "Encounter", "Condition", "MedicationRequest"},
		Expression: "subject", Targets: []string{"Patient", "Group"}, Compartments: []string{"Patient"}},
	{Code: "patient", Type: TypeReference, Base: []string{"Observation", "Encounter", "Condition", "MedicationRequest"},
		Expression: "subject", Targets: []string{"Patient"}, Compartments: []string{"Patient"}},
	{Code: "encounter", Type: TypeReference, Base: []string{"Observation", "Condition"},
		Expression: "encounter", Targets: []string{"Encounter"}, Compartments: []string{"Encounter"}},
	{Code: "performer", Type: TypeReference, Base: []string{"Observation"},
		Expression: "performer", Targets: []string{"Practitioner", "Organization"}},

	{Code: "url", Type: TypeURI, Base: []string{"StructureDefinition", "SearchParameter", "ValueSet"}, Expression: "url"},

	{Code: "code-value-quantity", Type: TypeComposite, Base: []string{"Observation"},
		Expression: "", Components: []string{"code", "value-quantity"}},
}
