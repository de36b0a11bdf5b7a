package search

import "fmt"

// Dialect abstracts the SQL differences between supported backends. The
// builder and the store take a Dialect by injection; no dialect branching
// appears outside implementations of this interface.
type Dialect interface {
	Name() string

	// CaseInsensitiveLike renders a case-insensitive LIKE over column
	// against the positional argument argIdx.
	CaseInsensitiveLike(column string, argIdx int) string

	// Paginate renders the pagination tail for the given LIMIT/OFFSET
	// argument indexes.
	Paginate(limitIdx, offsetIdx int) string

	// SupportsKeyset reports whether keyset pagination on
	// (last_updated, id) is preferred over OFFSET.
	SupportsKeyset() bool

	// RowLockSuffix is appended to a SELECT that must hold a row lock for
	// the rest of the transaction.
	RowLockSuffix() string
}

// PostgresDialect targets PostgreSQL.
type PostgresDialect struct{}

func (PostgresDialect) Name() string { return "postgres" }

func (PostgresDialect) CaseInsensitiveLike(column string, argIdx int) string {
	return fmt.Sprintf("%s ILIKE $%d", column, argIdx)
}

func (PostgresDialect) Paginate(limitIdx, offsetIdx int) string {
	return fmt.Sprintf(" LIMIT $%d OFFSET $%d", limitIdx, offsetIdx)
}

func (PostgresDialect) SupportsKeyset() bool { return true }

func (PostgresDialect) RowLockSuffix() string { return " FOR UPDATE" }

// ANSIDialect targets conservative SQL backends without ILIKE or
// LIMIT/OFFSET extensions (Derby-class embedded databases).
type ANSIDialect struct{}

func (ANSIDialect) Name() string { return "ansi" }

func (ANSIDialect) CaseInsensitiveLike(column string, argIdx int) string {
	return fmt.Sprintf("LOWER(%s) LIKE LOWER($%d)", column, argIdx)
}

func (ANSIDialect) Paginate(limitIdx, offsetIdx int) string {
	return fmt.Sprintf(" OFFSET $%d ROWS FETCH FIRST $%d ROWS ONLY", offsetIdx, limitIdx)
}

func (ANSIDialect) SupportsKeyset() bool { return false }

func (ANSIDialect) RowLockSuffix() string { return " FOR UPDATE" }

// ShardedDialect decorates a base dialect for a distributed backend where
// every table carries a shard-key column. It changes no SQL syntax; the
// builder asks it to qualify predicates so the planner can prune shards.
type ShardedDialect struct {
	Base        Dialect
	ShardColumn string
}

func (d ShardedDialect) Name() string { return d.Base.Name() + "+sharded" }

func (d ShardedDialect) CaseInsensitiveLike(column string, argIdx int) string {
	return d.Base.CaseInsensitiveLike(column, argIdx)
}

func (d ShardedDialect) Paginate(limitIdx, offsetIdx int) string {
	return d.Base.Paginate(limitIdx, offsetIdx)
}

func (d ShardedDialect) SupportsKeyset() bool { return d.Base.SupportsKeyset() }

func (d ShardedDialect) RowLockSuffix() string { return d.Base.RowLockSuffix() }

// ShardPredicate renders the co-location predicate between two table
// aliases, or "" for non-sharded dialects.
func ShardPredicate(d Dialect, leftAlias, rightAlias string) string {
	if sd, ok := d.(ShardedDialect); ok {
		return fmt.Sprintf(" AND %s.%s = %s.%s", leftAlias, sd.ShardColumn, rightAlias, sd.ShardColumn)
	}
	return ""
}
