package search

import (
	"context"
	"fmt"
	"strings"
)

// Index table per parameter type. All share (logical_resource_id,
// parameter_code, composite_id).
var indexTables = map[ParamType]string{
	TypeString:    "str_values",
	TypeToken:     "token_values",
	TypeDate:      "date_values",
	TypeNumber:    "number_values",
	TypeQuantity:  "quantity_values",
	TypeURI:       "uri_values",
	TypeReference: "reference_values",
}

// Statement is a compiled search: one SQL statement plus bound args. The
// builder never interpolates untrusted values into SQL text.
type Statement struct {
	SQL  string
	Args []interface{}

	// CountSQL is empty when the query asked for _total=none.
	CountSQL  string
	CountArgs []interface{}

	// Includes are executed after the main statement with the matched
	// logical resource ids bound as the single bigint-array argument.
	Includes []IncludeStatement
}

// IncludeStatement hydrates _include / _revinclude resources for a matched
// page. $1 is the bigint array of matched logical resource ids.
type IncludeStatement struct {
	Spec    IncludeSpec
	Reverse bool
	SQL     string
}

// resultColumns is what every search statement selects, in scan order.
const resultColumns = "lr.id, lr.resource_type, lr.logical_id, lr.current_version, lr.last_updated"

// Builder compiles a parsed Query to backend SQL. It is stateless between
// calls: output is a pure function of definitions, query, and dialect.
type Builder struct {
	dialect Dialect
	reg     *Registry
	cache   *CommonValueCache
}

// NewBuilder creates a Builder for the given dialect. cache may be
// inactive; token predicates then match on the inline columns.
func NewBuilder(dialect Dialect, reg *Registry, cache *CommonValueCache) *Builder {
	return &Builder{dialect: dialect, reg: reg, cache: cache}
}

// argList accumulates positional arguments.
type argList struct {
	args []interface{}
}

// add appends v and returns its 1-based positional index.
func (a *argList) add(v interface{}) int {
	a.args = append(a.args, v)
	return len(a.args)
}

// Build compiles the query. Constructs the active dialect cannot express
// fail with ErrUnsupportedConstruct; no filter is ever silently dropped.
func (b *Builder) Build(ctx context.Context, q *Query) (*Statement, error) {
	args := &argList{}
	var where strings.Builder

	fmt.Fprintf(&where, "lr.resource_type = $%d AND lr.is_deleted = FALSE", args.add(q.ResourceType))

	aliasSeq := 0
	for i := range q.Filters {
		pred, err := b.filterPredicate(ctx, &q.Filters[i], "lr", args, &aliasSeq)
		if err != nil {
			return nil, err
		}
		where.WriteString(" AND ")
		where.WriteString(pred)
	}

	if q.Compartment != nil {
		aliasSeq++
		alias := fmt.Sprintf("cr%d", aliasSeq)
		fmt.Fprintf(&where,
			" AND EXISTS (SELECT 1 FROM compartment_refs %s WHERE %s.logical_resource_id = lr.id AND %s.compartment_type = $%d AND %s.compartment_logical_id = $%d)",
			alias, alias, alias, args.add(q.Compartment.Type), alias, args.add(q.Compartment.ID))
	}

	stmt := &Statement{}

	// Snapshot the count statement before ORDER BY compiles: sort
	// subqueries append args the count SQL never references.
	if q.Total != "none" {
		stmt.CountSQL = "SELECT COUNT(*) FROM logical_resources lr WHERE " + where.String()
		stmt.CountArgs = append([]interface{}{}, args.args...)
	}

	orderBy, err := b.orderBy(q, args)
	if err != nil {
		return nil, err
	}

	limitIdx := args.add(q.Count)
	offsetIdx := args.add((q.Page - 1) * q.Count)

	stmt.SQL = "SELECT " + resultColumns + " FROM logical_resources lr WHERE " + where.String() +
		orderBy + b.dialect.Paginate(limitIdx, offsetIdx)
	stmt.Args = args.args

	if len(q.Includes) > 0 || len(q.RevIncludes) > 0 {
		if _, ok := baseDialect(b.dialect).(PostgresDialect); !ok {
			return nil, fmt.Errorf("%w: _include/_revinclude require array binding, unavailable on dialect %s",
				ErrUnsupportedConstruct, b.dialect.Name())
		}
		for _, spec := range q.Includes {
			inc, err := b.includeStatement(spec, false)
			if err != nil {
				return nil, err
			}
			stmt.Includes = append(stmt.Includes, inc)
		}
		for _, spec := range q.RevIncludes {
			inc, err := b.includeStatement(spec, true)
			if err != nil {
				return nil, err
			}
			stmt.Includes = append(stmt.Includes, inc)
		}
	}

	return stmt, nil
}

func baseDialect(d Dialect) Dialect {
	if sd, ok := d.(ShardedDialect); ok {
		return sd.Base
	}
	return d
}

// orderBy renders the ORDER BY clause. A stable tiebreaker on lr.id keeps
// page boundaries deterministic under ties.
func (b *Builder) orderBy(q *Query, args *argList) (string, error) {
	var keys []string
	for _, s := range q.Sort {
		dir := " ASC"
		if s.Desc {
			dir = " DESC"
		}
		switch s.Code {
		case "_lastUpdated":
			keys = append(keys, "lr.last_updated"+dir)
		case "_id":
			keys = append(keys, "lr.logical_id"+dir)
		default:
			def, ok := b.reg.Lookup(q.ResourceType, s.Code)
			if !ok {
				return "", fmt.Errorf("%w: unknown sort parameter %q", ErrInvalidSearchParameter, s.Code)
			}
			expr, err := sortExpression(def, args)
			if err != nil {
				return "", err
			}
			keys = append(keys, expr+dir)
		}
	}
	keys = append(keys, "lr.id ASC")
	return " ORDER BY " + strings.Join(keys, ", "), nil
}

// sortExpression renders a scalar subquery picking the minimum indexed
// value of the parameter for each candidate row.
func sortExpression(def *Definition, args *argList) (string, error) {
	var column string
	switch def.Type {
	case TypeString:
		column = "str_value_lower"
	case TypeDate:
		column = "start_time"
	case TypeNumber:
		column = "value"
	case TypeQuantity:
		column = "value"
	default:
		return "", fmt.Errorf("%w: cannot sort by %s parameter %q", ErrUnsupportedConstruct, def.Type, def.Code)
	}
	table := indexTables[def.Type]
	return fmt.Sprintf("(SELECT MIN(s.%s) FROM %s s WHERE s.logical_resource_id = lr.id AND s.parameter_code = $%d)",
		column, table, args.add(def.Code)), nil
}

// filterPredicate renders one filter as an EXISTS (or NOT EXISTS) against
// the matching index table. Every occurrence gets its own alias: repeated
// use of the same code joins separately, which is what distinguishes
// AND-of-repetitions from AND-within-one-repetition.
func (b *Builder) filterPredicate(ctx context.Context, f *Filter, parentAlias string, args *argList, aliasSeq *int) (string, error) {
	if len(f.Chain) > 0 {
		return b.chainPredicate(ctx, f, parentAlias, args, aliasSeq)
	}

	def := f.Def
	if def.Type == TypeComposite {
		return b.compositePredicate(ctx, f, parentAlias, args, aliasSeq)
	}

	table, ok := indexTables[def.Type]
	if !ok {
		return "", fmt.Errorf("%w: parameter type %s is not searchable", ErrUnsupportedConstruct, def.Type)
	}

	*aliasSeq++
	alias := fmt.Sprintf("p%d", *aliasSeq)

	if f.Missing != nil {
		exists := fmt.Sprintf("EXISTS (SELECT 1 FROM %s %s WHERE %s.logical_resource_id = %s.id AND %s.parameter_code = $%d%s)",
			table, alias, alias, parentAlias, alias, args.add(def.Code), ShardPredicate(b.dialect, alias, parentAlias))
		if *f.Missing {
			return "NOT " + exists, nil
		}
		return exists, nil
	}

	var ors []string
	for i := range f.Values {
		pred, err := b.valuePredicate(ctx, def, f.Modifier, &f.Values[i], alias, args)
		if err != nil {
			return "", err
		}
		ors = append(ors, pred)
	}

	exists := fmt.Sprintf("EXISTS (SELECT 1 FROM %s %s WHERE %s.logical_resource_id = %s.id AND %s.parameter_code = $%d%s AND (%s))",
		table, alias, alias, parentAlias, alias, args.add(def.Code),
		ShardPredicate(b.dialect, alias, parentAlias), strings.Join(ors, " OR "))

	// :not excludes resources carrying the value rather than matching
	// rows without it.
	if def.Type == TypeToken && f.Modifier == "not" {
		return "NOT " + exists, nil
	}
	return exists, nil
}

// chainPredicate renders a chained filter: one correlated hop through the
// reference index per chain segment, ending in the leaf predicate against
// the target type's own index tables.
func (b *Builder) chainPredicate(ctx context.Context, f *Filter, parentAlias string, args *argList, aliasSeq *int) (string, error) {
	return b.chainHop(ctx, f.Def, f.Chain, f, parentAlias, args, aliasSeq)
}

func (b *Builder) chainHop(ctx context.Context, refDef *Definition, chain []ChainHop, f *Filter, parentAlias string, args *argList, aliasSeq *int) (string, error) {
	hop := chain[0]

	*aliasSeq++
	refAlias := fmt.Sprintf("rv%d", *aliasSeq)
	*aliasSeq++
	lrAlias := fmt.Sprintf("clr%d", *aliasSeq)

	var inner string
	var err error
	if len(chain) == 1 {
		leaf := Filter{Def: hop.Def, Modifier: hop.Modifier, Values: f.Values, Missing: f.Missing}
		inner, err = b.filterPredicate(ctx, &leaf, lrAlias, args, aliasSeq)
	} else {
		inner, err = b.chainHop(ctx, hop.Def, chain[1:], f, lrAlias, args, aliasSeq)
	}
	if err != nil {
		return "", err
	}

	return fmt.Sprintf(
		"EXISTS (SELECT 1 FROM reference_values %s JOIN logical_resources %s ON %s.logical_id = %s.target_logical_id AND %s.resource_type = %s.target_resource_type "+
			"WHERE %s.logical_resource_id = %s.id AND %s.parameter_code = $%d AND %s.target_resource_type = $%d AND %s.is_deleted = FALSE AND %s)",
		refAlias, lrAlias, lrAlias, refAlias, lrAlias, refAlias,
		refAlias, parentAlias, refAlias, args.add(refDef.Code),
		refAlias, args.add(hop.TargetType), lrAlias, inner), nil
}

// compositePredicate joins the component tables on a shared composite id so
// both components must come from the same repetition.
func (b *Builder) compositePredicate(ctx context.Context, f *Filter, parentAlias string, args *argList, aliasSeq *int) (string, error) {
	def := f.Def

	var ors []string
	for vi := range f.Values {
		fv := &f.Values[vi]
		if len(fv.Components) != len(def.Components) {
			return "", fmt.Errorf("%w: composite %q component count mismatch", ErrInvalidSearchParameter, def.Code)
		}

		var tables []string
		var conds []string
		var aliases []string
		for ci, code := range def.Components {
			compDef, ok := b.reg.Lookup(def.Base[0], code)
			if !ok {
				return "", fmt.Errorf("%w: composite component %q has no definition", ErrInvalidSearchParameter, code)
			}
			table, ok := indexTables[compDef.Type]
			if !ok {
				return "", fmt.Errorf("%w: composite component type %s", ErrUnsupportedConstruct, compDef.Type)
			}

			*aliasSeq++
			alias := fmt.Sprintf("c%d", *aliasSeq)
			aliases = append(aliases, alias)
			tables = append(tables, table+" "+alias)

			conds = append(conds, fmt.Sprintf("%s.logical_resource_id = %s.id", alias, parentAlias))
			conds = append(conds, fmt.Sprintf("%s.parameter_code = $%d", alias, args.add(def.Code)))

			pred, err := b.valuePredicate(ctx, compDef, "", &fv.Components[ci], alias, args)
			if err != nil {
				return "", err
			}
			conds = append(conds, pred)
		}

		first := aliases[0]
		conds = append(conds, fmt.Sprintf("%s.composite_id > 0", first))
		for _, a := range aliases[1:] {
			conds = append(conds, fmt.Sprintf("%s.composite_id = %s.composite_id", a, first))
		}

		ors = append(ors, fmt.Sprintf("EXISTS (SELECT 1 FROM %s WHERE %s)",
			strings.Join(tables, ", "), strings.Join(conds, " AND ")))
	}

	return "(" + strings.Join(ors, " OR ") + ")", nil
}

// valuePredicate renders the predicate for one parsed value against one
// aliased index table occurrence.
func (b *Builder) valuePredicate(ctx context.Context, def *Definition, modifier string, fv *FilterValue, alias string, args *argList) (string, error) {
	switch def.Type {
	case TypeString:
		return b.stringPredicate(modifier, fv, alias, args)
	case TypeToken:
		return b.tokenPredicate(ctx, modifier, fv, alias, args)
	case TypeDate:
		return datePredicate(fv, alias, args)
	case TypeNumber:
		return numberPredicate(fv, alias+".value", args)
	case TypeQuantity:
		return quantityPredicate(fv, alias, args)
	case TypeURI:
		return b.uriPredicate(modifier, fv, alias, args)
	case TypeReference:
		return referencePredicate(modifier, fv, alias, args)
	}
	return "", fmt.Errorf("%w: parameter type %s", ErrUnsupportedConstruct, def.Type)
}

func (b *Builder) stringPredicate(modifier string, fv *FilterValue, alias string, args *argList) (string, error) {
	switch modifier {
	case "exact":
		return fmt.Sprintf("%s.str_value = $%d", alias, args.add(fv.Raw)), nil
	case "contains":
		return b.dialect.CaseInsensitiveLike(alias+".str_value_lower", args.add("%"+likeEscape(normalizeString(fv.Raw))+"%")), nil
	case "":
		// Default string search is a case-insensitive prefix match on the
		// normalized form.
		return b.dialect.CaseInsensitiveLike(alias+".str_value_lower", args.add(likeEscape(normalizeString(fv.Raw))+"%")), nil
	}
	return "", fmt.Errorf("%w: string modifier %q", ErrUnsupportedConstruct, modifier)
}

// likeEscape escapes LIKE wildcards in a user-supplied value.
func likeEscape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	s = strings.ReplaceAll(s, "_", `\_`)
	return s
}

func (b *Builder) tokenPredicate(ctx context.Context, modifier string, fv *FilterValue, alias string, args *argList) (string, error) {
	switch modifier {
	case "", "not":
	case "text":
		return b.dialect.CaseInsensitiveLike(alias+".token_value", args.add("%"+likeEscape(fv.TokenValue)+"%")), nil
	default:
		// above/below/in/not-in/of-type need terminology expansion, which
		// is outside this engine.
		return "", fmt.Errorf("%w: token modifier %q", ErrUnsupportedConstruct, modifier)
	}

	// With the dedup tables active a fully-specified token compiles to a
	// surrogate-id equality resolved at build time. A literal the system
	// has never indexed matches nothing.
	if b.cache.Active() && fv.SystemPresent && fv.TokenSystem != "" && fv.TokenValue != "" {
		key := TokenKey{System: fv.TokenSystem, Value: fv.TokenValue}
		ids, err := b.cache.LookupTokens(ctx, []TokenKey{key})
		if err != nil {
			return "", err
		}
		id, ok := ids[key]
		if !ok {
			return "1 = 0", nil
		}
		return fmt.Sprintf("%s.common_token_value_id = $%d", alias, args.add(id)), nil
	}

	switch {
	case fv.SystemPresent && fv.TokenSystem != "" && fv.TokenValue != "":
		return fmt.Sprintf("(%s.code_system = $%d AND %s.token_value = $%d)",
			alias, args.add(fv.TokenSystem), alias, args.add(fv.TokenValue)), nil
	case fv.SystemPresent && fv.TokenSystem != "":
		return fmt.Sprintf("%s.code_system = $%d", alias, args.add(fv.TokenSystem)), nil
	case fv.SystemPresent: // |code, explicitly systemless
		return fmt.Sprintf("(%s.code_system = '' AND %s.token_value = $%d)",
			alias, alias, args.add(fv.TokenValue)), nil
	default:
		return fmt.Sprintf("%s.token_value = $%d", alias, args.add(fv.TokenValue)), nil
	}
}

// datePredicate compares the stored [start_time, end_time) interval to the
// query interval with overlap semantics per prefix.
func datePredicate(fv *FilterValue, alias string, args *argList) (string, error) {
	start := alias + ".start_time"
	end := alias + ".end_time"
	qs := func() int { return args.add(fv.DateStart) }
	qe := func() int { return args.add(fv.DateEnd) }

	switch fv.Prefix {
	case PrefixEq:
		return fmt.Sprintf("(%s >= $%d AND %s <= $%d)", start, qs(), end, qe()), nil
	case PrefixNe:
		return fmt.Sprintf("(%s < $%d OR %s > $%d)", start, qs(), end, qe()), nil
	case PrefixGt:
		return fmt.Sprintf("%s > $%d", end, qe()), nil
	case PrefixLt:
		return fmt.Sprintf("%s < $%d", start, qs()), nil
	case PrefixGe:
		return fmt.Sprintf("%s > $%d", end, qs()), nil
	case PrefixLe:
		return fmt.Sprintf("%s < $%d", start, qe()), nil
	case PrefixSa:
		return fmt.Sprintf("%s >= $%d", start, qe()), nil
	case PrefixEb:
		return fmt.Sprintf("%s <= $%d", end, qs()), nil
	case PrefixAp:
		// Approximately: any overlap with the stated interval.
		return fmt.Sprintf("(%s < $%d AND %s > $%d)", start, qe(), end, qs()), nil
	}
	return "", fmt.Errorf("%w: date prefix %q", ErrInvalidSearchParameter, fv.Prefix)
}

// numberPredicate applies implicit precision tolerance on equality: eq2.4
// matches [2.35, 2.45).
func numberPredicate(fv *FilterValue, column string, args *argList) (string, error) {
	tol := numberTolerance(fv.Raw)

	switch fv.Prefix {
	case PrefixEq:
		return fmt.Sprintf("(%s >= $%d AND %s < $%d)",
			column, args.add(fv.Number-tol), column, args.add(fv.Number+tol)), nil
	case PrefixNe:
		return fmt.Sprintf("(%s < $%d OR %s >= $%d)",
			column, args.add(fv.Number-tol), column, args.add(fv.Number+tol)), nil
	case PrefixGt, PrefixSa:
		return fmt.Sprintf("%s > $%d", column, args.add(fv.Number)), nil
	case PrefixLt, PrefixEb:
		return fmt.Sprintf("%s < $%d", column, args.add(fv.Number)), nil
	case PrefixGe:
		return fmt.Sprintf("%s >= $%d", column, args.add(fv.Number)), nil
	case PrefixLe:
		return fmt.Sprintf("%s <= $%d", column, args.add(fv.Number)), nil
	case PrefixAp:
		span := fv.Number * 0.1
		if span < 0 {
			span = -span
		}
		if span < tol {
			span = tol
		}
		return fmt.Sprintf("(%s >= $%d AND %s <= $%d)",
			column, args.add(fv.Number-span), column, args.add(fv.Number+span)), nil
	}
	return "", fmt.Errorf("%w: number prefix %q", ErrInvalidSearchParameter, fv.Prefix)
}

// numberTolerance derives the half-unit of the value's last stated decimal
// place: "2.4" → 0.05, "100" → 0.5.
func numberTolerance(raw string) float64 {
	s := raw
	for _, p := range []Prefix{PrefixEq, PrefixNe, PrefixGt, PrefixLt, PrefixGe, PrefixLe, PrefixSa, PrefixEb, PrefixAp} {
		if strings.HasPrefix(strings.ToLower(s), string(p)) {
			s = s[2:]
			break
		}
	}
	// quantity values carry |system|code after the number
	if i := strings.IndexByte(s, '|'); i >= 0 {
		s = s[:i]
	}
	tol := 0.5
	if i := strings.IndexByte(s, '.'); i >= 0 {
		decimals := len(s) - i - 1
		for d := 0; d < decimals; d++ {
			tol /= 10
		}
	}
	return tol
}

func quantityPredicate(fv *FilterValue, alias string, args *argList) (string, error) {
	quantityFV := *fv
	quantityFV.Number = fv.QuantityValue
	numPart, err := numberPredicate(&quantityFV, alias+".value", args)
	if err != nil {
		return "", err
	}

	conds := []string{numPart}
	if fv.QuantityCode != "" {
		conds = append(conds, fmt.Sprintf("%s.code = $%d", alias, args.add(fv.QuantityCode)))
	}
	if fv.QuantitySys != "" {
		conds = append(conds, fmt.Sprintf("%s.code_system = $%d", alias, args.add(fv.QuantitySys)))
	}
	return "(" + strings.Join(conds, " AND ") + ")", nil
}

func (b *Builder) uriPredicate(modifier string, fv *FilterValue, alias string, args *argList) (string, error) {
	switch modifier {
	case "":
		return fmt.Sprintf("%s.uri = $%d", alias, args.add(fv.Raw)), nil
	case "below":
		return fmt.Sprintf("%s.uri LIKE $%d", alias, args.add(likeEscape(fv.Raw)+"%")), nil
	case "above":
		return fmt.Sprintf("$%d LIKE %s.uri || '%%'", args.add(fv.Raw), alias), nil
	}
	return "", fmt.Errorf("%w: uri modifier %q", ErrUnsupportedConstruct, modifier)
}

func referencePredicate(modifier string, fv *FilterValue, alias string, args *argList) (string, error) {
	if modifier == "identifier" {
		return "", fmt.Errorf("%w: reference :identifier", ErrUnsupportedConstruct)
	}

	conds := []string{fmt.Sprintf("%s.target_logical_id = $%d", alias, args.add(fv.RefID))}
	if fv.RefType != "" {
		conds = append(conds, fmt.Sprintf("%s.target_resource_type = $%d", alias, args.add(fv.RefType)))
	}
	if fv.RefVersion > 0 {
		conds = append(conds, fmt.Sprintf("%s.target_version = $%d", alias, args.add(fv.RefVersion)))
	}
	if len(conds) == 1 {
		return conds[0], nil
	}
	return "(" + strings.Join(conds, " AND ") + ")", nil
}

// includeStatement compiles one _include or _revinclude hydration query.
func (b *Builder) includeStatement(spec IncludeSpec, reverse bool) (IncludeStatement, error) {
	var def *Definition
	var ok bool
	def, ok = b.reg.Lookup(spec.SourceType, spec.Code)
	if !ok || def.Type != TypeReference {
		return IncludeStatement{}, fmt.Errorf("%w: include parameter %q on %s is not a reference",
			ErrInvalidSearchParameter, spec.Code, spec.SourceType)
	}

	if reverse {
		// Resources of SourceType whose reference parameter points at a
		// matched resource.
		sql := `SELECT lr.id, lr.resource_type, lr.logical_id, lr.current_version, lr.last_updated
FROM logical_resources lr
JOIN reference_values rv ON rv.logical_resource_id = lr.id
JOIN logical_resources tgt ON tgt.logical_id = rv.target_logical_id AND tgt.resource_type = rv.target_resource_type
WHERE lr.resource_type = '` + sqlIdent(spec.SourceType) + `' AND rv.parameter_code = '` + sqlIdent(spec.Code) + `'
  AND lr.is_deleted = FALSE AND tgt.id = ANY($1)`
		return IncludeStatement{Spec: spec, Reverse: true, SQL: sql}, nil
	}

	// Resources referenced by the matched resources through the parameter.
	sql := `SELECT lr.id, lr.resource_type, lr.logical_id, lr.current_version, lr.last_updated
FROM logical_resources lr
JOIN reference_values rv ON rv.target_logical_id = lr.logical_id AND rv.target_resource_type = lr.resource_type
WHERE rv.parameter_code = '` + sqlIdent(spec.Code) + `' AND lr.is_deleted = FALSE
  AND rv.logical_resource_id = ANY($1)`
	return IncludeStatement{Spec: spec, SQL: sql}, nil
}

// sqlIdent strips anything that could escape a quoted literal from an
// identifier-like value that has already been validated upstream.
func sqlIdent(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return -1
	}, s)
}
