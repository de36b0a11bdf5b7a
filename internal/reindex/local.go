package reindex

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/ehr/fhirstore/internal/platform/db"
	"github.com/ehr/fhirstore/internal/search"
	"github.com/ehr/fhirstore/internal/store"
)

// Checkpoint is the local cursor position. It lives only for the run; a
// fresh driver starts from the beginning and relies on index replacement
// being idempotent.
type Checkpoint struct {
	LastUpdated time.Time
	LastID      int64
	Processed   int64
	Failed      int64
}

// LocalSource walks logical resources in (last_updated, id) keyset order
// and re-indexes each one in place. Safe for concurrent workers: the
// cursor and the claimed-unit queue are guarded, the per-resource work
// runs outside the lock.
type LocalSource struct {
	pool    *pgxpool.Pool
	store   *store.Store
	dialect search.Dialect
	log     zerolog.Logger

	// resourceTypes narrows the scan; empty means all types.
	resourceTypes []string

	batchSize  int
	maxRetries int
	retryWait  time.Duration
	force      bool

	mu    sync.Mutex
	cp    Checkpoint
	queue []store.Match
	eof   bool
}

// NewLocalSource creates a source scanning the given resource types
// (all when empty) in batches of batchSize. force re-extracts resources
// whose index already matches their current version.
func NewLocalSource(pool *pgxpool.Pool, st *store.Store, dialect search.Dialect, resourceTypes []string, batchSize int, force bool, log zerolog.Logger) *LocalSource {
	if batchSize < 1 {
		batchSize = 100
	}
	return &LocalSource{
		pool:          pool,
		store:         st,
		dialect:       dialect,
		log:           log,
		resourceTypes: resourceTypes,
		batchSize:     batchSize,
		maxRetries:    3,
		retryWait:     time.Second,
		force:         force,
	}
}

// Checkpoint returns a copy of the current cursor position and counts.
func (s *LocalSource) Checkpoint() Checkpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cp
}

// Next claims one resource and re-indexes it. Connection-class failures
// retry a bounded number of times; any other failure is returned as-is.
func (s *LocalSource) Next(ctx context.Context) (bool, error) {
	m, ok, err := s.claim(ctx)
	if err != nil {
		return false, err
	}
	if !ok {
		return true, nil
	}

	for attempt := 0; ; attempt++ {
		err = s.store.UpdateIndexOnly(ctx, m.ResourceType, m.LogicalID, s.force)
		if err == nil {
			s.mu.Lock()
			s.cp.Processed++
			s.mu.Unlock()
			return false, nil
		}
		if !db.IsRetryable(err) || attempt >= s.maxRetries {
			s.mu.Lock()
			s.cp.Failed++
			s.mu.Unlock()
			return false, err
		}
		s.log.Warn().Err(err).Str("resource_type", m.ResourceType).Str("logical_id", m.LogicalID).
			Int("attempt", attempt+1).Msg("reindex unit retrying")
		if !sleepCtx(ctx, s.retryWait) {
			return false, ctx.Err()
		}
	}
}

// claim pops the next unit, refilling the queue from the keyset scan when
// it runs dry.
func (s *LocalSource) claim(ctx context.Context) (store.Match, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.queue) == 0 && !s.eof {
		if err := s.refill(ctx); err != nil {
			return store.Match{}, false, err
		}
	}
	if len(s.queue) == 0 {
		return store.Match{}, false, nil
	}
	m := s.queue[0]
	s.queue = s.queue[1:]
	return m, true, nil
}

// refill fetches the next batch after the cursor. Caller holds the lock.
func (s *LocalSource) refill(ctx context.Context) error {
	cursor := `(last_updated, id) > ($1, $2)`
	if s.dialect != nil && !s.dialect.SupportsKeyset() {
		// Expanded form for backends without row-value comparison.
		cursor = `(last_updated > $1 OR (last_updated = $1 AND id > $2))`
	}
	query := `
		SELECT id, resource_type, logical_id, current_version, last_updated
		FROM logical_resources
		WHERE ` + cursor
	args := []interface{}{s.cp.LastUpdated, s.cp.LastID}
	if len(s.resourceTypes) > 0 {
		query += ` AND resource_type = ANY($3)`
		args = append(args, s.resourceTypes)
	}
	query += ` ORDER BY last_updated, id LIMIT ` + strconv.Itoa(s.batchSize)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return db.Translate(err)
	}
	defer rows.Close()

	for rows.Next() {
		var m store.Match
		if err := rows.Scan(&m.LogicalResourceID, &m.ResourceType, &m.LogicalID, &m.Version, &m.LastUpdated); err != nil {
			return err
		}
		s.queue = append(s.queue, m)
	}
	if err := rows.Err(); err != nil {
		return db.Translate(err)
	}

	if len(s.queue) == 0 {
		s.eof = true
		return nil
	}
	last := s.queue[len(s.queue)-1]
	s.cp.LastUpdated = last.LastUpdated
	s.cp.LastID = last.LogicalResourceID
	return nil
}
