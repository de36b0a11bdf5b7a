package store

import (
	"context"

	"github.com/ehr/fhirstore/internal/platform/db"
	"github.com/ehr/fhirstore/internal/search"
)

// SearchResult is one executed search page.
type SearchResult struct {
	Matches []Match

	// Included holds _include/_revinclude resources, deduplicated
	// against the match set and each other.
	Included []Match

	// Total is the accurate match count across all pages; -1 when the
	// query asked for _total=none.
	Total int
}

// Search compiles and executes a parsed query. The main page, the count,
// and the include hydrations run against the same pool outside any
// transaction; search reads current versions only.
func (s *Store) Search(ctx context.Context, builder *search.Builder, q *search.Query) (*SearchResult, error) {
	stmt, err := builder.Build(ctx, q)
	if err != nil {
		return nil, err
	}

	res := &SearchResult{Total: -1}

	res.Matches, err = s.scanMatches(ctx, stmt.SQL, stmt.Args)
	if err != nil {
		return nil, err
	}

	if stmt.CountSQL != "" {
		if err := s.pool.QueryRow(ctx, stmt.CountSQL, stmt.CountArgs...).Scan(&res.Total); err != nil {
			return nil, db.Translate(err)
		}
	}

	if len(stmt.Includes) > 0 && len(res.Matches) > 0 {
		matchedIDs := make([]int64, len(res.Matches))
		seen := make(map[int64]struct{}, len(res.Matches))
		for i, m := range res.Matches {
			matchedIDs[i] = m.LogicalResourceID
			seen[m.LogicalResourceID] = struct{}{}
		}
		for _, inc := range stmt.Includes {
			extra, err := s.scanMatches(ctx, inc.SQL, []interface{}{matchedIDs})
			if err != nil {
				return nil, err
			}
			for _, m := range extra {
				if _, dup := seen[m.LogicalResourceID]; dup {
					continue
				}
				seen[m.LogicalResourceID] = struct{}{}
				res.Included = append(res.Included, m)
			}
		}
	}

	return res, nil
}

func (s *Store) scanMatches(ctx context.Context, sql string, args []interface{}) ([]Match, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, db.Translate(err)
	}
	defer rows.Close()

	var out []Match
	for rows.Next() {
		var m Match
		if err := rows.Scan(&m.LogicalResourceID, &m.ResourceType, &m.LogicalID, &m.Version, &m.LastUpdated); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, db.Translate(err)
	}
	return out, nil
}
