package search

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func buildFor(t *testing.T, resourceType string, raw map[string][]string, cache *CommonValueCache) *Statement {
	t.Helper()
	reg := DefaultRegistry()
	q, err := ParseQuery(resourceType, raw, reg)
	if err != nil {
		t.Fatalf("ParseQuery() error: %v", err)
	}
	stmt, err := NewBuilder(PostgresDialect{}, reg, cache).Build(context.Background(), q)
	if err != nil {
		t.Fatalf("Build() error: %v", err)
	}
	return stmt
}

func inactiveCache() *CommonValueCache { return NewCommonValueCache(nil, 0) }

func TestBuild_BaseQuery(t *testing.T) {
	stmt := buildFor(t, "Patient", map[string][]string{}, inactiveCache())

	if !strings.Contains(stmt.SQL, "lr.resource_type = $1") {
		t.Errorf("missing resource type predicate: %s", stmt.SQL)
	}
	if !strings.Contains(stmt.SQL, "lr.is_deleted = FALSE") {
		t.Errorf("missing soft-delete predicate: %s", stmt.SQL)
	}
	if !strings.Contains(stmt.SQL, "ORDER BY lr.id ASC") {
		t.Errorf("missing stable tiebreaker: %s", stmt.SQL)
	}
	if stmt.Args[0] != "Patient" {
		t.Errorf("expected first arg Patient, got %v", stmt.Args[0])
	}
	if stmt.CountSQL == "" {
		t.Error("expected count statement for default _total=accurate")
	}
}

func TestBuild_TotalNoneSkipsCount(t *testing.T) {
	stmt := buildFor(t, "Patient", map[string][]string{"_total": {"none"}}, inactiveCache())
	if stmt.CountSQL != "" {
		t.Errorf("expected no count statement, got %s", stmt.CountSQL)
	}
}

// maxPlaceholder returns the highest $n positional index the SQL refers to.
func maxPlaceholder(t *testing.T, sql string) int {
	t.Helper()
	max := 0
	for i := 0; i < len(sql); i++ {
		if sql[i] != '$' {
			continue
		}
		n := 0
		for j := i + 1; j < len(sql) && sql[j] >= '0' && sql[j] <= '9'; j++ {
			n = n*10 + int(sql[j]-'0')
		}
		if n > max {
			max = n
		}
	}
	return max
}

func TestBuild_CountArgsMatchCountSQL(t *testing.T) {
	stmt := buildFor(t, "Patient",
		map[string][]string{"gender": {"female"}, "_sort": {"birthdate"}}, inactiveCache())

	if stmt.CountSQL == "" {
		t.Fatal("expected a count statement")
	}
	if got, want := len(stmt.CountArgs), maxPlaceholder(t, stmt.CountSQL); got != want {
		t.Errorf("count binds %d args but references $1..$%d", got, want)
	}
	if len(stmt.Args) <= len(stmt.CountArgs) {
		t.Errorf("sort and pagination args missing from the main statement: %d vs %d",
			len(stmt.Args), len(stmt.CountArgs))
	}
}

func TestBuild_DatePrefixes(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"ge2021-01-01", ".end_time >"},
		{"gt2021-01-01", ".end_time >"},
		{"lt2021-01-01", ".start_time <"},
		{"le2021-01-01", ".start_time <"},
		{"sa2021-01-01", ".start_time >="},
		{"eb2021-01-01", ".end_time <="},
		{"2021-01-01", ".start_time >="},
		{"ne2021-01-01", ".start_time <"},
		{"ap2021-01-01", ".start_time <"},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			stmt := buildFor(t, "Observation", map[string][]string{"effective": {tt.raw}}, inactiveCache())
			if !strings.Contains(stmt.SQL, "EXISTS (SELECT 1 FROM date_values") {
				t.Errorf("missing date_values subquery: %s", stmt.SQL)
			}
			if !strings.Contains(stmt.SQL, tt.want) {
				t.Errorf("query %q: expected %q in SQL:\n%s", tt.raw, tt.want, stmt.SQL)
			}
		})
	}
}

func TestBuild_TokenInlineFallback(t *testing.T) {
	stmt := buildFor(t, "Observation",
		map[string][]string{"status": {"http://example.org/status|active"}}, inactiveCache())

	if !strings.Contains(stmt.SQL, ".code_system = $") || !strings.Contains(stmt.SQL, ".token_value = $") {
		t.Errorf("expected inline token predicate: %s", stmt.SQL)
	}
	found := 0
	for _, a := range stmt.Args {
		if a == "http://example.org/status" || a == "active" {
			found++
		}
	}
	if found != 2 {
		t.Errorf("expected system and code bound, args: %v", stmt.Args)
	}
}

func TestBuild_TokenDedupResolvesAtBuildTime(t *testing.T) {
	table := newFakeValueTable()
	key := TokenKey{System: "http://example.org/status", Value: "active"}
	table.tokens[key] = 42
	cache := NewCommonValueCache(table, 100)

	stmt := buildFor(t, "Observation",
		map[string][]string{"status": {"http://example.org/status|active"}}, cache)

	if !strings.Contains(stmt.SQL, ".common_token_value_id = $") {
		t.Errorf("expected surrogate id predicate: %s", stmt.SQL)
	}
	var bound bool
	for _, a := range stmt.Args {
		if id, ok := a.(int64); ok && id == 42 {
			bound = true
		}
	}
	if !bound {
		t.Errorf("expected surrogate id 42 bound, args: %v", stmt.Args)
	}
}

func TestBuild_TokenDedupUnseenLiteralMatchesNothing(t *testing.T) {
	cache := NewCommonValueCache(newFakeValueTable(), 100)

	stmt := buildFor(t, "Observation",
		map[string][]string{"status": {"http://example.org/status|never-indexed"}}, cache)

	if !strings.Contains(stmt.SQL, "1 = 0") {
		t.Errorf("expected constant-false predicate for unseen literal: %s", stmt.SQL)
	}
}

func TestBuild_TokenNot(t *testing.T) {
	stmt := buildFor(t, "Observation", map[string][]string{"status:not": {"final"}}, inactiveCache())
	if !strings.Contains(stmt.SQL, "NOT EXISTS (SELECT 1 FROM token_values") {
		t.Errorf("expected NOT EXISTS for :not: %s", stmt.SQL)
	}
}

func TestBuild_Missing(t *testing.T) {
	stmt := buildFor(t, "Observation", map[string][]string{"effective:missing": {"true"}}, inactiveCache())
	if !strings.Contains(stmt.SQL, "NOT EXISTS (SELECT 1 FROM date_values") {
		t.Errorf("expected NOT EXISTS for :missing=true: %s", stmt.SQL)
	}

	stmt = buildFor(t, "Observation", map[string][]string{"effective:missing": {"false"}}, inactiveCache())
	if strings.Contains(stmt.SQL, "NOT EXISTS") {
		t.Errorf(":missing=false must compile to plain EXISTS: %s", stmt.SQL)
	}
}

func TestBuild_Chained(t *testing.T) {
	stmt := buildFor(t, "Observation", map[string][]string{"subject:Patient.name": {"Doe"}}, inactiveCache())

	if !strings.Contains(stmt.SQL, "FROM reference_values") {
		t.Errorf("expected reference hop: %s", stmt.SQL)
	}
	if !strings.Contains(stmt.SQL, "JOIN logical_resources") {
		t.Errorf("expected join into target logical resources: %s", stmt.SQL)
	}
	if !strings.Contains(stmt.SQL, "EXISTS (SELECT 1 FROM str_values") {
		t.Errorf("expected leaf string predicate against target: %s", stmt.SQL)
	}
	var target bool
	for _, a := range stmt.Args {
		if a == "Patient" {
			target = true
		}
	}
	if !target {
		t.Errorf("expected chain target type bound, args: %v", stmt.Args)
	}
}

func TestBuild_CompositeJoinsOnCompositeID(t *testing.T) {
	stmt := buildFor(t, "Observation",
		map[string][]string{"code-value-quantity": {"http://loinc.org|8480-6$gt140"}}, inactiveCache())

	if !strings.Contains(stmt.SQL, ".composite_id > 0") {
		t.Errorf("expected composite id guard: %s", stmt.SQL)
	}
	if !strings.Contains(stmt.SQL, ".composite_id = c") {
		t.Errorf("expected components joined on the shared composite id: %s", stmt.SQL)
	}
	if !strings.Contains(stmt.SQL, "token_values") || !strings.Contains(stmt.SQL, "quantity_values") {
		t.Errorf("expected both component tables: %s", stmt.SQL)
	}
}

func TestBuild_RepeatedParameterANDs(t *testing.T) {
	stmt := buildFor(t, "Observation",
		map[string][]string{"effective": {"ge2021-01-01", "lt2022-01-01"}}, inactiveCache())

	if n := strings.Count(stmt.SQL, "EXISTS (SELECT 1 FROM date_values"); n != 2 {
		t.Errorf("expected 2 separate EXISTS joins for repeated parameter, got %d:\n%s", n, stmt.SQL)
	}
}

func TestBuild_OrWithinOneFilter(t *testing.T) {
	stmt := buildFor(t, "Observation", map[string][]string{"status": {"final,amended"}}, inactiveCache())

	if n := strings.Count(stmt.SQL, "EXISTS (SELECT 1 FROM token_values"); n != 1 {
		t.Errorf("expected 1 EXISTS with internal OR, got %d joins:\n%s", n, stmt.SQL)
	}
	if !strings.Contains(stmt.SQL, " OR ") {
		t.Errorf("expected OR between alternatives: %s", stmt.SQL)
	}
}

func TestBuild_Pagination(t *testing.T) {
	stmt := buildFor(t, "Patient", map[string][]string{"_count": {"10"}, "_page": {"3"}}, inactiveCache())

	if !strings.Contains(stmt.SQL, "LIMIT $") || !strings.Contains(stmt.SQL, "OFFSET $") {
		t.Errorf("expected bound limit/offset: %s", stmt.SQL)
	}
	last := stmt.Args[len(stmt.Args)-1]
	prev := stmt.Args[len(stmt.Args)-2]
	if prev != 10 {
		t.Errorf("expected limit 10, got %v", prev)
	}
	if last != 20 {
		t.Errorf("expected offset 20 for page 3, got %v", last)
	}
}

func TestBuild_IncludeRequiresPostgres(t *testing.T) {
	reg := DefaultRegistry()
	q, err := ParseQuery("Observation", map[string][]string{"_include": {"Observation:subject"}}, reg)
	if err != nil {
		t.Fatalf("ParseQuery() error: %v", err)
	}

	if _, err := NewBuilder(ANSIDialect{}, reg, inactiveCache()).Build(context.Background(), q); !errors.Is(err, ErrUnsupportedConstruct) {
		t.Errorf("expected ErrUnsupportedConstruct on ANSI dialect, got %v", err)
	}

	stmt, err := NewBuilder(PostgresDialect{}, reg, inactiveCache()).Build(context.Background(), q)
	if err != nil {
		t.Fatalf("Build() error on postgres: %v", err)
	}
	if len(stmt.Includes) != 1 {
		t.Fatalf("expected 1 include statement, got %d", len(stmt.Includes))
	}
	if !strings.Contains(stmt.Includes[0].SQL, "ANY($1)") {
		t.Errorf("expected array-bound include: %s", stmt.Includes[0].SQL)
	}
}

func TestBuild_UnsupportedModifierFailsFast(t *testing.T) {
	reg := DefaultRegistry()

	// :above is a legal token modifier on the wire, so parsing accepts it;
	// compiling it needs terminology expansion and must fail, not drop
	// the filter.
	q, err := ParseQuery("Observation", map[string][]string{"status:above": {"x"}}, reg)
	if err != nil {
		t.Fatalf("ParseQuery() error: %v", err)
	}
	_, err = NewBuilder(PostgresDialect{}, reg, inactiveCache()).Build(context.Background(), q)
	if !errors.Is(err, ErrUnsupportedConstruct) {
		t.Fatalf("Build() error = %v, want ErrUnsupportedConstruct", err)
	}
}

func TestBuild_SortBySubquery(t *testing.T) {
	stmt := buildFor(t, "Patient", map[string][]string{"_sort": {"family"}}, inactiveCache())
	if !strings.Contains(stmt.SQL, "SELECT MIN(s.str_value_lower) FROM str_values") {
		t.Errorf("expected min-value sort subquery: %s", stmt.SQL)
	}
}

func TestNumberTolerance(t *testing.T) {
	tests := []struct {
		raw  string
		want float64
	}{
		{"100", 0.5},
		{"2.4", 0.05},
		{"2.40", 0.005},
		{"ge2.4", 0.05},
		{"5.4|http://unitsofmeasure.org|mg", 0.05},
	}
	for _, tt := range tests {
		if got := numberTolerance(tt.raw); got != tt.want {
			t.Errorf("numberTolerance(%q) = %v, want %v", tt.raw, got, tt.want)
		}
	}
}

func TestNumberPredicate_EqualityWindow(t *testing.T) {
	stmt := buildFor(t, "Observation", map[string][]string{"value-quantity": {"5.4"}}, inactiveCache())

	var lo, hi bool
	for _, a := range stmt.Args {
		if f, ok := a.(float64); ok {
			if f > 5.34 && f < 5.36 {
				lo = true
			}
			if f > 5.44 && f < 5.46 {
				hi = true
			}
		}
	}
	if !lo || !hi {
		t.Errorf("expected tolerance window [5.35, 5.45) bound, args: %v", stmt.Args)
	}
}

func TestLikeEscape(t *testing.T) {
	if got := likeEscape(`50%_a\b`); got != `50\%\_a\\b` {
		t.Errorf("likeEscape: got %q", got)
	}
}
