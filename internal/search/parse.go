package search

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Prefix is a comparison prefix on an ordered search value.
type Prefix string

const (
	PrefixEq Prefix = "eq"
	PrefixNe Prefix = "ne"
	PrefixGt Prefix = "gt"
	PrefixLt Prefix = "lt"
	PrefixGe Prefix = "ge"
	PrefixLe Prefix = "le"
	PrefixSa Prefix = "sa" // starts after
	PrefixEb Prefix = "eb" // ends before
	PrefixAp Prefix = "ap" // approximately
)

// splitPrefix extracts the comparison prefix from a raw search value.
func splitPrefix(raw string) (Prefix, string) {
	if len(raw) >= 2 {
		p := Prefix(strings.ToLower(raw[:2]))
		switch p {
		case PrefixEq, PrefixNe, PrefixGt, PrefixLt, PrefixGe, PrefixLe, PrefixSa, PrefixEb, PrefixAp:
			return p, raw[2:]
		}
	}
	return PrefixEq, raw
}

// FilterValue is one parsed OR-alternative of a filter.
type FilterValue struct {
	Prefix Prefix
	Raw    string

	// Populated per the parameter type.
	Number        float64
	DateStart     time.Time
	DateEnd       time.Time
	TokenSystem   string
	TokenValue    string
	SystemPresent bool // value contained a '|'
	QuantityValue float64
	QuantityCode  string
	QuantitySys   string
	RefType       string
	RefID         string
	RefVersion    int

	// Components carries the parsed component values of one composite
	// alternative, in definition order.
	Components []FilterValue
}

// ChainHop is one segment of a chained parameter after the first.
type ChainHop struct {
	TargetType string
	Def        *Definition
	Modifier   string
}

// Filter is one parsed (parameter, modifier, values) triple. Repeated use
// of the same parameter in a query yields separate Filters, ANDed together;
// the Values within one Filter are ORed.
type Filter struct {
	Def      *Definition
	Modifier string
	Chain    []ChainHop
	Values   []FilterValue
	Missing  *bool
}

// SortKey is one _sort component.
type SortKey struct {
	Code string
	Desc bool
}

// IncludeSpec names a reference parameter for _include, or a source type
// and parameter for _revinclude.
type IncludeSpec struct {
	SourceType string
	Code       string
}

// CompartmentFilter scopes a search to one compartment.
type CompartmentFilter struct {
	Type string
	ID   string
}

// Query is the normalized parameter tree compiled by the Builder.
type Query struct {
	ResourceType string
	Filters      []Filter
	Sort         []SortKey
	Count        int
	Page         int
	Total        string // accurate | estimate | none
	Summary      string
	Elements     []string
	Includes     []IncludeSpec
	RevIncludes  []IncludeSpec
	Compartment  *CompartmentFilter
}

const (
	defaultPageSize = 50
	maxPageSize     = 1000
)

// ParseQuery validates raw query parameters against the definitions for
// resourceType and produces the normalized Query. Unknown parameters and
// illegal modifier combinations fail with ErrInvalidSearchParameter.
func ParseQuery(resourceType string, raw map[string][]string, reg *Registry) (*Query, error) {
	q := &Query{
		ResourceType: resourceType,
		Count:        defaultPageSize,
		Page:         1,
		Total:        "accurate",
	}

	for name, values := range raw {
		if strings.HasPrefix(name, "_") && name != "_id" && name != "_lastUpdated" && name != "_tag" && name != "_profile" {
			if err := parseResultParam(q, name, values, reg); err != nil {
				return nil, err
			}
			continue
		}

		for _, value := range values {
			f, err := parseFilter(resourceType, name, value, reg)
			if err != nil {
				return nil, err
			}
			q.Filters = append(q.Filters, *f)
		}
	}

	return q, nil
}

// parseResultParam handles the reserved result-shaping parameters.
func parseResultParam(q *Query, name string, values []string, reg *Registry) error {
	base, _ := splitModifier(name)
	value := values[len(values)-1]

	switch base {
	case "_sort":
		for _, field := range strings.Split(value, ",") {
			field = strings.TrimSpace(field)
			if field == "" {
				continue
			}
			desc := strings.HasPrefix(field, "-")
			q.Sort = append(q.Sort, SortKey{Code: strings.TrimPrefix(field, "-"), Desc: desc})
		}
	case "_count":
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return fmt.Errorf("%w: _count=%q", ErrInvalidSearchParameter, value)
		}
		if n > maxPageSize {
			n = maxPageSize
		}
		q.Count = n
	case "_page":
		n, err := strconv.Atoi(value)
		if err != nil || n < 1 {
			return fmt.Errorf("%w: _page=%q", ErrInvalidSearchParameter, value)
		}
		q.Page = n
	case "_total":
		switch value {
		case "accurate", "estimate", "none":
			q.Total = value
		default:
			return fmt.Errorf("%w: _total=%q", ErrInvalidSearchParameter, value)
		}
	case "_summary":
		q.Summary = value
	case "_elements":
		for _, el := range strings.Split(value, ",") {
			if el = strings.TrimSpace(el); el != "" {
				q.Elements = append(q.Elements, el)
			}
		}
	case "_include":
		for _, v := range values {
			spec, err := parseIncludeSpec(v)
			if err != nil {
				return err
			}
			q.Includes = append(q.Includes, spec)
		}
	case "_revinclude":
		for _, v := range values {
			spec, err := parseIncludeSpec(v)
			if err != nil {
				return err
			}
			q.RevIncludes = append(q.RevIncludes, spec)
		}
	default:
		return fmt.Errorf("%w: unknown parameter %q", ErrInvalidSearchParameter, base)
	}
	return nil
}

// parseIncludeSpec parses "SourceType:parameter[:targetType]".
func parseIncludeSpec(value string) (IncludeSpec, error) {
	parts := strings.Split(value, ":")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return IncludeSpec{}, fmt.Errorf("%w: malformed include %q", ErrInvalidSearchParameter, value)
	}
	return IncludeSpec{SourceType: parts[0], Code: parts[1]}, nil
}

func splitModifier(name string) (string, string) {
	parts := strings.SplitN(name, ":", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return parts[0], ""
}

// parseFilter parses one name=value pair into a Filter, following chain
// segments through the registry.
func parseFilter(resourceType, name, value string, reg *Registry) (*Filter, error) {
	segments := strings.Split(name, ".")
	head, modifier := splitModifier(segments[0])

	def, ok := reg.Lookup(resourceType, head)
	if !ok {
		return nil, fmt.Errorf("%w: unknown parameter %q on %s", ErrInvalidSearchParameter, head, resourceType)
	}

	f := &Filter{Def: def, Modifier: modifier}

	if len(segments) > 1 {
		if def.Type != TypeReference {
			return nil, fmt.Errorf("%w: %q is not a reference parameter and cannot be chained", ErrInvalidSearchParameter, head)
		}
		chain, leafDef, leafModifier, err := parseChain(def, modifier, segments[1:], reg)
		if err != nil {
			return nil, err
		}
		f.Chain = chain
		// Values are typed by the leaf definition.
		def = leafDef
		modifier = leafModifier
	}

	if err := ValidateModifier(def, modifier); err != nil {
		return nil, err
	}

	if modifier == "missing" {
		switch value {
		case "true", "false":
			b := value == "true"
			f.Missing = &b
			return f, nil
		}
		return nil, fmt.Errorf("%w: :missing takes true or false, got %q", ErrInvalidSearchParameter, value)
	}

	for _, alt := range strings.Split(value, ",") {
		fv, err := parseFilterValue(def, modifier, alt, reg)
		if err != nil {
			return nil, err
		}
		f.Values = append(f.Values, fv)
	}
	if len(f.Values) == 0 {
		return nil, fmt.Errorf("%w: parameter %q has no value", ErrInvalidSearchParameter, name)
	}
	return f, nil
}

// parseChain resolves the chain segments after a reference parameter, one
// join hop per segment. The reference modifier (subject:Patient) or a
// single-target definition fixes the hop's target type.
func parseChain(def *Definition, modifier string, segments []string, reg *Registry) ([]ChainHop, *Definition, string, error) {
	var hops []ChainHop
	current := def
	currentModifier := modifier

	for i, seg := range segments {
		targetType, err := chainTargetType(current, currentModifier)
		if err != nil {
			return nil, nil, "", err
		}

		segName, segModifier := splitModifier(seg)
		segDef, ok := reg.Lookup(targetType, segName)
		if !ok {
			return nil, nil, "", fmt.Errorf("%w: unknown parameter %q on %s", ErrInvalidSearchParameter, segName, targetType)
		}

		hops = append(hops, ChainHop{TargetType: targetType, Def: segDef, Modifier: segModifier})

		if i < len(segments)-1 {
			if segDef.Type != TypeReference {
				return nil, nil, "", fmt.Errorf("%w: %q is not a reference parameter and cannot be chained", ErrInvalidSearchParameter, segName)
			}
			current = segDef
			currentModifier = segModifier
		} else {
			return hops, segDef, segModifier, nil
		}
	}
	return nil, nil, "", fmt.Errorf("%w: empty chain", ErrInvalidSearchParameter)
}

// chainTargetType picks the target resource type of a reference hop: an
// explicit type modifier wins, else the definition must name exactly one
// target.
func chainTargetType(def *Definition, modifier string) (string, error) {
	if modifier != "" {
		for _, t := range def.Targets {
			if t == modifier {
				return t, nil
			}
		}
		return "", fmt.Errorf("%w: %q is not a target of %q", ErrInvalidSearchParameter, modifier, def.Code)
	}
	if len(def.Targets) == 1 {
		return def.Targets[0], nil
	}
	return "", fmt.Errorf("%w: chained parameter %q needs a type modifier (targets: %s)",
		ErrInvalidSearchParameter, def.Code, strings.Join(def.Targets, ", "))
}

// parseFilterValue parses one OR-alternative according to the definition's
// type.
func parseFilterValue(def *Definition, modifier, raw string, reg *Registry) (FilterValue, error) {
	fv := FilterValue{Prefix: PrefixEq, Raw: raw}

	switch def.Type {
	case TypeString, TypeURI:
		// stored raw; matching semantics come from the modifier

	case TypeToken, TypeReference:
		if def.Type == TypeToken {
			if i := strings.Index(raw, "|"); i >= 0 {
				fv.SystemPresent = true
				fv.TokenSystem = raw[:i]
				fv.TokenValue = raw[i+1:]
			} else {
				fv.TokenValue = raw
			}
		} else {
			parseReferenceValue(&fv, raw, modifier, def)
		}

	case TypeDate:
		prefix, v := splitPrefix(raw)
		fv.Prefix = prefix
		start, end, err := parseDateRange(v)
		if err != nil {
			return fv, fmt.Errorf("%w: %v", ErrInvalidSearchParameter, err)
		}
		fv.DateStart = start
		fv.DateEnd = end

	case TypeNumber:
		prefix, v := splitPrefix(raw)
		fv.Prefix = prefix
		n, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fv, fmt.Errorf("%w: number %q", ErrInvalidSearchParameter, v)
		}
		fv.Number = n

	case TypeQuantity:
		prefix, v := splitPrefix(raw)
		fv.Prefix = prefix
		// value[|system|code]
		parts := strings.SplitN(v, "|", 3)
		n, err := strconv.ParseFloat(parts[0], 64)
		if err != nil {
			return fv, fmt.Errorf("%w: quantity %q", ErrInvalidSearchParameter, v)
		}
		fv.QuantityValue = n
		if len(parts) == 3 {
			fv.QuantitySys = parts[1]
			fv.QuantityCode = parts[2]
		}
		// Normalize to the canonical unit the extractor indexes with.
		if conv, ok := unitConversions[fv.QuantityCode]; ok {
			fv.QuantityValue = n * conv.factor
			fv.QuantityCode = conv.canonical
		}

	case TypeComposite:
		components := strings.Split(raw, "$")
		if len(components) != len(def.Components) {
			return fv, fmt.Errorf("%w: composite %q wants %d components, got %d",
				ErrInvalidSearchParameter, def.Code, len(def.Components), len(components))
		}
		for i, comp := range components {
			compDef, ok := reg.Lookup(def.Base[0], def.Components[i])
			if !ok {
				return fv, fmt.Errorf("%w: composite component %q has no definition", ErrInvalidSearchParameter, def.Components[i])
			}
			cv, err := parseFilterValue(compDef, "", comp, reg)
			if err != nil {
				return fv, err
			}
			fv.Components = append(fv.Components, cv)
		}

	default:
		return fv, fmt.Errorf("%w: parameter type %s is not searchable", ErrUnsupportedConstruct, def.Type)
	}

	return fv, nil
}

// parseReferenceValue normalizes a reference search value, which may arrive
// as a bare id, a Type/id pair, or a full URL.
func parseReferenceValue(fv *FilterValue, raw, modifier string, def *Definition) {
	ref := raw
	// Strip a versioned suffix before any segment slicing so the tail of
	// a full URL is always Type/id.
	if i := strings.LastIndex(ref, "/_history/"); i >= 0 {
		if v, err := strconv.Atoi(ref[i+len("/_history/"):]); err == nil {
			fv.RefVersion = v
			ref = ref[:i]
		}
	}

	if i := strings.Index(ref, "://"); i >= 0 {
		// Full URL: keep the trailing Type/id segments.
		parts := strings.Split(ref, "/")
		if len(parts) >= 2 {
			ref = parts[len(parts)-2] + "/" + parts[len(parts)-1]
		}
	}

	if i := strings.Index(ref, "/"); i >= 0 {
		fv.RefType = ref[:i]
		fv.RefID = ref[i+1:]
	} else {
		fv.RefID = ref
		if modifier != "" && modifier != "identifier" {
			fv.RefType = modifier
		} else if len(def.Targets) == 1 {
			fv.RefType = def.Targets[0]
		}
	}
}
