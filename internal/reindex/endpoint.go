package reindex

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/ehr/fhirstore/internal/platform/db"
	"github.com/ehr/fhirstore/internal/store"
)

// Endpoint is the server side of the reindex wire protocol. One call
// re-indexes up to resourceCount resources whose index state predates the
// request timestamp, so repeated calls walk the whole corpus and the call
// is idempotent once everything is current.
type Endpoint struct {
	pool  *pgxpool.Pool
	store *store.Store
	log   zerolog.Logger
}

// NewEndpoint creates the handler backing the $reindex operation.
func NewEndpoint(pool *pgxpool.Pool, st *store.Store, log zerolog.Logger) *Endpoint {
	return &Endpoint{pool: pool, store: st, log: log}
}

// Handle performs one reindex call and returns its outcome payload. The
// completion sentinel is returned only when no stale resource remains.
func (e *Endpoint) Handle(ctx context.Context, req Request) (*Outcome, error) {
	count := req.ResourceCount
	if count < 1 {
		count = 10
	}
	ts := req.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	// The stale-state filter applies regardless of req.Force: force
	// controls whether each unit re-extracts an already-current index,
	// and dropping the filter would re-select the same head rows on
	// every call.
	query := `
		SELECT lr.resource_type, lr.logical_id
		FROM logical_resources lr
		LEFT JOIN resource_index_states ris ON ris.logical_resource_id = lr.id
		WHERE ris.logical_resource_id IS NULL OR ris.updated_at < $1
		ORDER BY lr.last_updated, lr.id LIMIT ` + strconv.Itoa(count)

	rows, err := e.pool.Query(ctx, query, ts)
	if err != nil {
		return nil, db.Translate(err)
	}
	type target struct{ resourceType, logicalID string }
	var targets []target
	for rows.Next() {
		var t target
		if err := rows.Scan(&t.resourceType, &t.logicalID); err != nil {
			rows.Close()
			return nil, err
		}
		targets = append(targets, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, db.Translate(err)
	}

	if len(targets) == 0 {
		return &Outcome{Issues: []Issue{{Severity: "information", Code: "informational", Diagnostics: CompleteDiagnostic}}}, nil
	}

	processed := 0
	for _, t := range targets {
		if err := e.store.UpdateIndexOnly(ctx, t.resourceType, t.logicalID, req.Force); err != nil {
			return nil, err
		}
		processed++
	}
	e.log.Info().Int("processed", processed).Msg("reindex batch complete")
	return &Outcome{Issues: []Issue{{
		Severity:    "information",
		Code:        "informational",
		Diagnostics: fmt.Sprintf("Reindexed %d resources", processed),
	}}}, nil
}
