package search

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/fhirstore/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// pgValueTable is the PostgreSQL implementation of ValueTable over the
// common_token_values and common_canonical_values tables.
type pgValueTable struct {
	pool *pgxpool.Pool
}

// NewPGValueTable creates a ValueTable on the given pool.
func NewPGValueTable(pool *pgxpool.Pool) ValueTable {
	return &pgValueTable{pool: pool}
}

func (t *pgValueTable) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return t.pool
}

func (t *pgValueTable) LookupTokenIDs(ctx context.Context, keys []TokenKey) (map[TokenKey]int64, error) {
	if len(keys) == 0 {
		return map[TokenKey]int64{}, nil
	}

	var sb strings.Builder
	args := make([]interface{}, 0, len(keys)*2)
	for i, k := range keys {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "($%d, $%d)", i*2+1, i*2+2)
		args = append(args, k.System, k.Value)
	}

	rows, err := t.conn(ctx).Query(ctx,
		`SELECT id, code_system, token_value FROM common_token_values
		 WHERE (code_system, token_value) IN (`+sb.String()+`)`, args...)
	if err != nil {
		return nil, db.Translate(err)
	}
	defer rows.Close()

	out := make(map[TokenKey]int64, len(keys))
	for rows.Next() {
		var id int64
		var k TokenKey
		if err := rows.Scan(&id, &k.System, &k.Value); err != nil {
			return nil, err
		}
		out[k] = id
	}
	if err := rows.Err(); err != nil {
		return nil, db.Translate(err)
	}
	return out, nil
}

func (t *pgValueTable) InsertTokenKeys(ctx context.Context, keys []TokenKey) error {
	if len(keys) == 0 {
		return nil
	}

	var sb strings.Builder
	args := make([]interface{}, 0, len(keys)*2)
	for i, k := range keys {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "($%d, $%d)", i*2+1, i*2+2)
		args = append(args, k.System, k.Value)
	}

	// Conflicts from a concurrent first-writer are expected and ignored;
	// the caller re-reads to pick up the winner's ids.
	_, err := t.conn(ctx).Exec(ctx,
		`INSERT INTO common_token_values (code_system, token_value)
		 VALUES `+sb.String()+` ON CONFLICT (code_system, token_value) DO NOTHING`, args...)
	if err != nil {
		return db.Translate(err)
	}
	return nil
}

func (t *pgValueTable) LookupCanonicalIDs(ctx context.Context, urls []string) (map[string]int64, error) {
	if len(urls) == 0 {
		return map[string]int64{}, nil
	}

	rows, err := t.conn(ctx).Query(ctx,
		`SELECT id, url FROM common_canonical_values WHERE url = ANY($1)`, urls)
	if err != nil {
		return nil, db.Translate(err)
	}
	defer rows.Close()

	out := make(map[string]int64, len(urls))
	for rows.Next() {
		var id int64
		var url string
		if err := rows.Scan(&id, &url); err != nil {
			return nil, err
		}
		out[url] = id
	}
	if err := rows.Err(); err != nil {
		return nil, db.Translate(err)
	}
	return out, nil
}

func (t *pgValueTable) InsertCanonicalKeys(ctx context.Context, urls []string) error {
	if len(urls) == 0 {
		return nil
	}

	var sb strings.Builder
	args := make([]interface{}, 0, len(urls))
	for i, u := range urls {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "($%d)", i+1)
		args = append(args, u)
	}

	_, err := t.conn(ctx).Exec(ctx,
		`INSERT INTO common_canonical_values (url)
		 VALUES `+sb.String()+` ON CONFLICT (url) DO NOTHING`, args...)
	if err != nil {
		return db.Translate(err)
	}
	return nil
}
