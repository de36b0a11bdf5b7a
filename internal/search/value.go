package search

import "time"

// IndexValue is one extracted index row, modeled as a closed tagged variant:
// Kind selects which of the typed fields is populated. Both the extractor
// and the index writer switch exhaustively on Kind.
type IndexValue struct {
	Kind ParamType

	// Code is the search parameter code the value was extracted for.
	Code string

	// CompositeID links the components of one composite repetition.
	// Zero means the value is not part of a composite.
	CompositeID int

	String    *StringValue
	Token     *TokenValue
	Date      *DateValue
	Number    *NumberValue
	Quantity  *QuantityValue
	URI       *URIValue
	Reference *ReferenceValue
}

// StringValue holds the raw string plus its lower-cased normalized form for
// case-insensitive search.
type StringValue struct {
	Raw        string
	Normalized string
}

// TokenValue holds a (system, code) pair. CommonID is the surrogate id from
// the dedup table; zero when the dedup tables are inactive and the pair is
// stored inline.
type TokenValue struct {
	System   string
	Value    string
	CommonID int64
}

// DateValue is a half-open [Start, End) interval. Point-in-time values are
// expanded so a day-only date covers the whole day.
type DateValue struct {
	Start time.Time
	End   time.Time
}

// NumberValue holds a decimal search value.
type NumberValue struct {
	Value float64
}

// QuantityValue holds a number with unit. Low/High carry the canonical-unit
// bounds when a conversion applied, else they equal Value.
type QuantityValue struct {
	Value  float64
	System string
	Code   string
	Low    float64
	High   float64
}

// URIValue holds a canonical URL. CommonID mirrors TokenValue.CommonID.
type URIValue struct {
	Value    string
	CommonID int64
}

// ReferenceValue holds a decomposed record reference.
type ReferenceValue struct {
	TargetType    string
	TargetID      string
	TargetVersion int // 0 = unversioned reference
}

// CompartmentRef marks the resource as a member of a compartment, derived
// from a compartment-defining reference parameter.
type CompartmentRef struct {
	ParameterCode   string
	CompartmentType string
	CompartmentID   string
}

// ExtractResult is the full output of extraction over one resource.
type ExtractResult struct {
	Values       []IndexValue
	Compartments []CompartmentRef

	// Warnings records values dropped during type coercion. Non-fatal:
	// the resource is still stored, the affected parameter is simply
	// absent from the index.
	Warnings []string
}
