package search

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/fhirstore/internal/platform/pathexpr"
)

// Extractor turns a parsed record into typed index rows by evaluating each
// applicable parameter definition's extraction path. Extraction is pure
// with respect to the record given a stable definition set and cache state:
// the only side effect is common-value resolution.
type Extractor struct {
	eval    pathexpr.Evaluator
	reg     *Registry
	cache   *CommonValueCache
	baseURL string
	log     zerolog.Logger
}

// NewExtractor creates an Extractor. baseURL is the server's own base; an
// absolute reference under it is reduced to its relative form before
// decomposition. cache may be inactive, in which case token and canonical
// values carry no surrogate ids and are stored inline.
func NewExtractor(eval pathexpr.Evaluator, reg *Registry, cache *CommonValueCache, baseURL string, log zerolog.Logger) *Extractor {
	return &Extractor{
		eval:    eval,
		reg:     reg,
		cache:   cache,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		log:     log,
	}
}

// Extract evaluates every definition applicable to the resource type and
// returns the typed index rows plus derived compartment references. A value
// that fails type coercion is dropped with a warning; the caller still
// stores the record.
func (e *Extractor) Extract(ctx context.Context, resourceType string, resource map[string]interface{}) (*ExtractResult, error) {
	result := &ExtractResult{}
	compositeSeq := 0

	for _, def := range e.reg.ForResource(resourceType) {
		switch def.Type {
		case TypeSpecial:
			continue
		case TypeComposite:
			compositeSeq = e.extractComposite(ctx, def, resourceType, resource, compositeSeq, result)
		default:
			e.extractSimple(ctx, def, resource, 0, result)
		}
	}

	if err := e.resolveCommonValues(ctx, result); err != nil {
		return nil, err
	}

	return result, nil
}

// extractSimple evaluates one non-composite definition and appends its rows.
func (e *Extractor) extractSimple(ctx context.Context, def *Definition, resource map[string]interface{}, compositeID int, result *ExtractResult) {
	raws, err := e.eval.Evaluate(resource, def.Expression)
	if err != nil {
		e.warn(result, def.Code, fmt.Sprintf("path %q failed: %v", def.Expression, err))
		return
	}

	for _, raw := range raws {
		vals, err := e.coerce(def, raw)
		if err != nil {
			e.warn(result, def.Code, err.Error())
			continue
		}
		for _, v := range vals {
			v.Code = def.Code
			v.CompositeID = compositeID
			result.Values = append(result.Values, v)

			if v.Kind == TypeReference && len(def.Compartments) > 0 {
				e.appendCompartments(def, v.Reference, result)
			}
		}
	}
}

// extractComposite evaluates the component definitions once per repetition
// of the composite's root expression and links each repetition's rows
// through their own composite id, so the query builder can express
// "component A and component B on the same repetition".
func (e *Extractor) extractComposite(ctx context.Context, def *Definition, resourceType string, resource map[string]interface{}, seq int, result *ExtractResult) int {
	comps := make([]*Definition, 0, len(def.Components))
	for _, code := range def.Components {
		comp, ok := e.reg.Lookup(resourceType, code)
		if !ok {
			e.warn(result, def.Code, fmt.Sprintf("composite component %q has no definition", code))
			return seq
		}
		comps = append(comps, comp)
	}

	// An empty root expression means the resource itself is the single
	// repetition; otherwise each evaluated node is one repetition and the
	// component paths are relative to it.
	nodes := []interface{}{resource}
	if def.Expression != "" {
		raws, err := e.eval.Evaluate(resource, def.Expression)
		if err != nil {
			e.warn(result, def.Code, fmt.Sprintf("path %q failed: %v", def.Expression, err))
			return seq
		}
		nodes = raws
	}

	for _, node := range nodes {
		rep, ok := node.(map[string]interface{})
		if !ok {
			continue
		}
		var rows []IndexValue
		complete := true
		for _, comp := range comps {
			sub := &ExtractResult{}
			e.extractSimple(ctx, comp, rep, 0, sub)
			result.Warnings = append(result.Warnings, sub.Warnings...)
			if len(sub.Values) == 0 {
				// A repetition missing a component yields nothing at all:
				// absence, not partial rows.
				complete = false
				break
			}
			rows = append(rows, sub.Values...)
		}
		if !complete {
			continue
		}

		seq++
		for _, r := range rows {
			r.Code = def.Code
			r.CompositeID = seq
			result.Values = append(result.Values, r)
		}
	}
	return seq
}

func (e *Extractor) appendCompartments(def *Definition, ref *ReferenceValue, result *ExtractResult) {
	if ref == nil || ref.TargetID == "" {
		return
	}
	for _, ct := range def.Compartments {
		if ref.TargetType != "" && ref.TargetType != ct {
			continue
		}
		result.Compartments = append(result.Compartments, CompartmentRef{
			ParameterCode:   def.Code,
			CompartmentType: ct,
			CompartmentID:   ref.TargetID,
		})
	}
}

func (e *Extractor) warn(result *ExtractResult, code, msg string) {
	w := fmt.Sprintf("parameter %q: %s", code, msg)
	result.Warnings = append(result.Warnings, w)
	e.log.Warn().Str("parameter", code).Msg(w)
}

// resolveCommonValues batches every token and canonical natural key in the
// result through the cache and writes the surrogate ids back. Inactive
// cache leaves the values inline.
func (e *Extractor) resolveCommonValues(ctx context.Context, result *ExtractResult) error {
	if !e.cache.Active() {
		return nil
	}

	tokenSet := make(map[TokenKey]bool)
	urlSet := make(map[string]bool)
	for i := range result.Values {
		switch result.Values[i].Kind {
		case TypeToken:
			tokenSet[TokenKey{System: result.Values[i].Token.System, Value: result.Values[i].Token.Value}] = true
		case TypeURI:
			urlSet[result.Values[i].URI.Value] = true
		}
	}

	var tokenIDs map[TokenKey]int64
	if len(tokenSet) > 0 {
		keys := make([]TokenKey, 0, len(tokenSet))
		for k := range tokenSet {
			keys = append(keys, k)
		}
		var err error
		tokenIDs, err = e.cache.ResolveTokens(ctx, keys)
		if err != nil {
			return fmt.Errorf("resolve token values: %w", err)
		}
	}

	var urlIDs map[string]int64
	if len(urlSet) > 0 {
		urls := make([]string, 0, len(urlSet))
		for u := range urlSet {
			urls = append(urls, u)
		}
		var err error
		urlIDs, err = e.cache.ResolveCanonicals(ctx, urls)
		if err != nil {
			return fmt.Errorf("resolve canonical values: %w", err)
		}
	}

	for i := range result.Values {
		switch result.Values[i].Kind {
		case TypeToken:
			result.Values[i].Token.CommonID = tokenIDs[TokenKey{System: result.Values[i].Token.System, Value: result.Values[i].Token.Value}]
		case TypeURI:
			result.Values[i].URI.CommonID = urlIDs[result.Values[i].URI.Value]
		}
	}
	return nil
}

// coerce converts one raw leaf value to index rows of the definition's
// type. Most leaves yield one row; a CodeableConcept-style map with several
// codings yields one row per coding.
func (e *Extractor) coerce(def *Definition, raw interface{}) ([]IndexValue, error) {
	switch def.Type {
	case TypeString:
		s, ok := rawString(raw)
		if !ok {
			return nil, fmt.Errorf("cannot index %T as string", raw)
		}
		return []IndexValue{{Kind: TypeString, String: &StringValue{
			Raw:        s,
			Normalized: normalizeString(s),
		}}}, nil

	case TypeToken:
		return coerceToken(raw)

	case TypeDate:
		start, end, err := coerceDateRange(raw)
		if err != nil {
			return nil, err
		}
		return []IndexValue{{Kind: TypeDate, Date: &DateValue{Start: start, End: end}}}, nil

	case TypeNumber:
		f, ok := rawNumber(raw)
		if !ok {
			return nil, fmt.Errorf("cannot index %T as number", raw)
		}
		return []IndexValue{{Kind: TypeNumber, Number: &NumberValue{Value: f}}}, nil

	case TypeQuantity:
		return coerceQuantity(raw)

	case TypeURI:
		s, ok := rawString(raw)
		if !ok {
			return nil, fmt.Errorf("cannot index %T as uri", raw)
		}
		return []IndexValue{{Kind: TypeURI, URI: &URIValue{Value: s}}}, nil

	case TypeReference:
		ref, err := e.coerceReference(def, raw)
		if err != nil {
			return nil, err
		}
		if ref == nil {
			return nil, nil
		}
		return []IndexValue{{Kind: TypeReference, Reference: ref}}, nil
	}
	return nil, fmt.Errorf("unsupported parameter type %s", def.Type)
}

// normalizeString lower-cases and collapses interior whitespace for
// case-insensitive matching. The raw form is kept alongside.
func normalizeString(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func rawString(raw interface{}) (string, bool) {
	s, ok := raw.(string)
	return s, ok
}

func rawNumber(raw interface{}) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	}
	return 0, false
}

// coerceToken accepts a bare code string, a boolean, a Coding map, an
// Identifier map, or a CodeableConcept map (one row per coding).
func coerceToken(raw interface{}) ([]IndexValue, error) {
	mk := func(system, value string) IndexValue {
		return IndexValue{Kind: TypeToken, Token: &TokenValue{System: system, Value: value}}
	}

	switch v := raw.(type) {
	case string:
		return []IndexValue{mk("", v)}, nil
	case bool:
		return []IndexValue{mk("", strconv.FormatBool(v))}, nil
	case map[string]interface{}:
		// Coding {system, code}
		if code, ok := v["code"].(string); ok {
			system, _ := v["system"].(string)
			return []IndexValue{mk(system, code)}, nil
		}
		// Identifier {system, value}
		if value, ok := v["value"].(string); ok {
			system, _ := v["system"].(string)
			return []IndexValue{mk(system, value)}, nil
		}
		// CodeableConcept {coding: [...]}
		if codings, ok := v["coding"].([]interface{}); ok {
			var out []IndexValue
			for _, c := range codings {
				rows, err := coerceToken(c)
				if err != nil {
					continue
				}
				out = append(out, rows...)
			}
			if len(out) > 0 {
				return out, nil
			}
		}
	}
	return nil, fmt.Errorf("cannot index %T as token", raw)
}

// coerceDateRange expands a date-ish value into a half-open [start, end)
// interval. Point-in-time values cover their whole precision unit: a
// day-only date covers the day, a year-only date the year. Period maps use
// their own start/end with open ends clamped to the distant past/future.
func coerceDateRange(raw interface{}) (time.Time, time.Time, error) {
	switch v := raw.(type) {
	case string:
		return parseDateRange(v)
	case map[string]interface{}:
		start := minTime
		end := maxTime
		if s, ok := v["start"].(string); ok && s != "" {
			lo, _, err := parseDateRange(s)
			if err != nil {
				return time.Time{}, time.Time{}, err
			}
			start = lo
		}
		if s, ok := v["end"].(string); ok && s != "" {
			_, hi, err := parseDateRange(s)
			if err != nil {
				return time.Time{}, time.Time{}, err
			}
			end = hi
		}
		if !end.After(start) {
			return time.Time{}, time.Time{}, fmt.Errorf("period end %v not after start %v", end, start)
		}
		return start, end, nil
	}
	return time.Time{}, time.Time{}, fmt.Errorf("cannot index %T as date", raw)
}

var (
	minTime = time.Date(1, 1, 1, 0, 0, 0, 0, time.UTC)
	maxTime = time.Date(9999, 12, 31, 23, 59, 59, 0, time.UTC)
)

// parseDateRange parses a possibly-partial timestamp and returns the
// [start, end) interval it covers, with end exclusive at the next finer
// unit of the stated precision.
func parseDateRange(s string) (time.Time, time.Time, error) {
	s = strings.TrimSpace(s)
	switch {
	case len(s) == 4: // YYYY
		t, err := time.Parse("2006", s)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("parse date %q: %w", s, err)
		}
		return t, t.AddDate(1, 0, 0), nil
	case len(s) == 7: // YYYY-MM
		t, err := time.Parse("2006-01", s)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("parse date %q: %w", s, err)
		}
		return t, t.AddDate(0, 1, 0), nil
	case len(s) == 10: // YYYY-MM-DD
		t, err := time.Parse("2006-01-02", s)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("parse date %q: %w", s, err)
		}
		return t, t.AddDate(0, 0, 1), nil
	default:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05"} {
			if t, err := time.Parse(layout, s); err == nil {
				return t, t.Add(time.Second), nil
			}
		}
		// minute precision
		if t, err := time.Parse("2006-01-02T15:04", s); err == nil {
			return t, t.Add(time.Minute), nil
		}
		return time.Time{}, time.Time{}, fmt.Errorf("parse date %q: unrecognized format", s)
	}
}

// coerceQuantity accepts a Quantity map {value, system, code|unit} and
// normalizes to a canonical unit when a conversion exists; unknown units
// are stored as-is.
func coerceQuantity(raw interface{}) ([]IndexValue, error) {
	m, ok := raw.(map[string]interface{})
	if !ok {
		if f, ok := rawNumber(raw); ok {
			return []IndexValue{{Kind: TypeQuantity, Quantity: &QuantityValue{Value: f, Low: f, High: f}}}, nil
		}
		return nil, fmt.Errorf("cannot index %T as quantity", raw)
	}

	value, ok := rawNumber(m["value"])
	if !ok {
		return nil, fmt.Errorf("quantity has no numeric value")
	}
	system, _ := m["system"].(string)
	code, _ := m["code"].(string)
	if code == "" {
		code, _ = m["unit"].(string)
	}

	q := &QuantityValue{Value: value, System: system, Code: code, Low: value, High: value}
	if conv, ok := unitConversions[code]; ok {
		canonical := value * conv.factor
		q.Code = conv.canonical
		q.Low = canonical
		q.High = canonical
		q.Value = canonical
	}
	return []IndexValue{{Kind: TypeQuantity, Quantity: q}}, nil
}

// unitConversions is the built-in UCUM-subset conversion table. Units
// missing here are indexed with their stated code.
var unitConversions = map[string]struct {
	canonical string
	factor    float64
}{
	"mg":  {"g", 0.001},
	"g":   {"g", 1},
	"kg":  {"g", 1000},
	"ms":  {"s", 0.001},
	"s":   {"s", 1},
	"min": {"s", 60},
	"h":   {"s", 3600},
	"d":   {"s", 86400},
	"mm":  {"m", 0.001},
	"cm":  {"m", 0.01},
	"m":   {"m", 1},
	"km":  {"m", 1000},
}

// coerceReference decomposes a reference into (targetType, targetID,
// optional targetVersion), resolving relative, absolute, and
// internal-fragment forms. Contained (#) references are not indexed.
func (e *Extractor) coerceReference(def *Definition, raw interface{}) (*ReferenceValue, error) {
	var ref string
	switch v := raw.(type) {
	case string:
		ref = v
	case map[string]interface{}:
		if s, ok := v["reference"].(string); ok {
			ref = s
		} else {
			return nil, fmt.Errorf("reference has no reference field")
		}
	default:
		return nil, fmt.Errorf("cannot index %T as reference", raw)
	}

	ref = strings.TrimSpace(ref)
	if ref == "" || strings.HasPrefix(ref, "#") {
		return nil, nil
	}

	// Absolute URL under our own base reduces to its relative form; any
	// other absolute URL is external and keeps only the tail segments.
	if e.baseURL != "" && strings.HasPrefix(ref, e.baseURL+"/") {
		ref = strings.TrimPrefix(ref, e.baseURL+"/")
	}

	parts := strings.Split(ref, "/")
	// Versioned form: Type/id/_history/N
	if len(parts) >= 4 && parts[len(parts)-2] == "_history" {
		ver, err := strconv.Atoi(parts[len(parts)-1])
		if err != nil {
			return nil, fmt.Errorf("reference %q has non-numeric version", ref)
		}
		return &ReferenceValue{
			TargetType:    parts[len(parts)-4],
			TargetID:      parts[len(parts)-3],
			TargetVersion: ver,
		}, nil
	}
	if len(parts) >= 2 {
		return &ReferenceValue{
			TargetType: parts[len(parts)-2],
			TargetID:   parts[len(parts)-1],
		}, nil
	}

	// Bare id: unambiguous only when the definition names a single target.
	if len(def.Targets) == 1 {
		return &ReferenceValue{TargetType: def.Targets[0], TargetID: ref}, nil
	}
	return &ReferenceValue{TargetID: ref}, nil
}
