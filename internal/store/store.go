// Package store implements the versioned record store: CRUD and history
// over logical resources with optimistic concurrency, soft delete, and
// transactional search-index maintenance.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/ehr/fhirstore/internal/platform/db"
	"github.com/ehr/fhirstore/internal/platform/payload"
	"github.com/ehr/fhirstore/internal/search"
)

// Store is the resource version store. All mutating operations run inside
// one transaction covering the version bump, the payload write, and the
// index row replacement; the database transaction is the only
// serialization boundary.
type Store struct {
	pool      *pgxpool.Pool
	dialect   search.Dialect
	extractor *search.Extractor
	payloads  payload.Store

	// offloadBytes is the payload size above which bytes move to the
	// payload store and only the key is kept inline. Zero disables
	// offloading.
	offloadBytes int

	log zerolog.Logger
}

// New creates a Store.
func New(pool *pgxpool.Pool, dialect search.Dialect, extractor *search.Extractor, payloads payload.Store, offloadBytes int, log zerolog.Logger) *Store {
	return &Store{
		pool:         pool,
		dialect:      dialect,
		extractor:    extractor,
		payloads:     payloads,
		offloadBytes: offloadBytes,
		log:          log,
	}
}

// Create stores version 1 of a new logical resource. When logicalID is
// empty a new id is allocated; a client-supplied id that already exists
// fails with ErrDuplicateID.
func (s *Store) Create(ctx context.Context, resourceType, logicalID string, record map[string]interface{}) (string, int, error) {
	if logicalID == "" {
		logicalID = uuid.New().String()
	}

	err := db.RunInTx(ctx, s.pool, func(ctx context.Context, tx pgx.Tx) error {
		var existing int64
		err := tx.QueryRow(ctx,
			`SELECT id FROM logical_resources WHERE resource_type = $1 AND logical_id = $2`+s.dialect.RowLockSuffix(),
			resourceType, logicalID).Scan(&existing)
		if err == nil {
			return fmt.Errorf("%w: %s/%s", db.ErrDuplicateID, resourceType, logicalID)
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return db.Translate(err)
		}

		now := time.Now().UTC()
		var lrID int64
		if err := tx.QueryRow(ctx, `
			INSERT INTO logical_resources (resource_type, logical_id, current_version, last_updated, is_deleted)
			VALUES ($1, $2, 1, $3, FALSE) RETURNING id`,
			resourceType, logicalID, now).Scan(&lrID); err != nil {
			return db.Translate(err)
		}

		return s.writeVersion(ctx, tx, lrID, resourceType, logicalID, 1, now, record)
	})
	if err != nil {
		return "", 0, err
	}

	s.log.Info().Str("resource_type", resourceType).Str("logical_id", logicalID).Msg("resource created")
	return logicalID, 1, nil
}

// Update stores a new version. The current version is re-read under a row
// lock inside the same transaction as the bump; a mismatch against
// expectedVersion fails with ErrVersionConflict and performs no writes.
// Version ids are assigned only here, never precomputed, so they are
// strictly increasing with no gaps.
func (s *Store) Update(ctx context.Context, resourceType, logicalID string, expectedVersion int, record map[string]interface{}) (int, error) {
	var newVersion int
	err := db.RunInTx(ctx, s.pool, func(ctx context.Context, tx pgx.Tx) error {
		lr, err := lockLogical(ctx, tx, s.dialect, resourceType, logicalID)
		if err != nil {
			return err
		}
		if lr.CurrentVersion != expectedVersion {
			return fmt.Errorf("%w: expected version %d but resource is at version %d",
				db.ErrVersionConflict, expectedVersion, lr.CurrentVersion)
		}

		newVersion = lr.CurrentVersion + 1
		now := time.Now().UTC()

		if err := s.writeVersion(ctx, tx, lr.ID, resourceType, logicalID, newVersion, now, record); err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
			UPDATE logical_resources SET current_version = $2, last_updated = $3, is_deleted = FALSE
			WHERE id = $1`, lr.ID, newVersion, now)
		return db.Translate(err)
	})
	if err != nil {
		return 0, err
	}
	return newVersion, nil
}

// Delete soft-deletes: it creates a new version marked deleted, indexes
// nothing, and makes the resource invisible to search. The optimistic
// concurrency gate applies exactly as in Update.
func (s *Store) Delete(ctx context.Context, resourceType, logicalID string, expectedVersion int) (int, error) {
	var newVersion int
	err := db.RunInTx(ctx, s.pool, func(ctx context.Context, tx pgx.Tx) error {
		lr, err := lockLogical(ctx, tx, s.dialect, resourceType, logicalID)
		if err != nil {
			return err
		}
		if lr.CurrentVersion != expectedVersion {
			return fmt.Errorf("%w: expected version %d but resource is at version %d",
				db.ErrVersionConflict, expectedVersion, lr.CurrentVersion)
		}

		newVersion = lr.CurrentVersion + 1
		now := time.Now().UTC()

		if _, err := tx.Exec(ctx, `
			INSERT INTO resource_versions (logical_resource_id, version_id, payload, payload_key, last_updated, is_deleted)
			VALUES ($1, $2, NULL, '', $3, TRUE)`, lr.ID, newVersion, now); err != nil {
			return db.Translate(err)
		}

		if err := clearIndexRows(ctx, tx, lr.ID); err != nil {
			return err
		}
		if err := recordIndexedVersion(ctx, tx, lr.ID, newVersion); err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
			UPDATE logical_resources SET current_version = $2, last_updated = $3, is_deleted = TRUE
			WHERE id = $1`, lr.ID, newVersion, now)
		return db.Translate(err)
	})
	if err != nil {
		return 0, err
	}
	return newVersion, nil
}

// writeVersion inserts the version row, offloading the payload when it
// exceeds the threshold, extracts index rows, and replaces the
// current-version index. Payload failure rolls back the whole transaction
// so no version record can point at missing bytes.
func (s *Store) writeVersion(ctx context.Context, tx pgx.Tx, lrID int64, resourceType, logicalID string, version int, now time.Time, record map[string]interface{}) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	var inline []byte
	var key string
	if s.offloadBytes > 0 && len(data) > s.offloadBytes {
		key = fmt.Sprintf("%s/%s/%d", resourceType, logicalID, version)
		if err := s.payloads.Store(ctx, key, data); err != nil {
			return err
		}
	} else {
		inline = data
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO resource_versions (logical_resource_id, version_id, payload, payload_key, last_updated, is_deleted)
		VALUES ($1, $2, $3, $4, $5, FALSE)`, lrID, version, inline, key, now); err != nil {
		return db.Translate(err)
	}

	result, err := s.extractor.Extract(ctx, resourceType, record)
	if err != nil {
		return fmt.Errorf("extract search parameters: %w", err)
	}
	for _, w := range result.Warnings {
		s.log.Warn().Str("resource_type", resourceType).Str("logical_id", logicalID).Msg(w)
	}

	return replaceIndexRows(ctx, tx, lrID, version, result)
}

// lockLogical reads the logical resource under a row lock held for the
// rest of the transaction.
func lockLogical(ctx context.Context, tx pgx.Tx, dialect search.Dialect, resourceType, logicalID string) (*LogicalResource, error) {
	lr := &LogicalResource{ResourceType: resourceType, LogicalID: logicalID}
	err := tx.QueryRow(ctx,
		`SELECT id, current_version, last_updated, is_deleted FROM logical_resources
		 WHERE resource_type = $1 AND logical_id = $2`+dialect.RowLockSuffix(),
		resourceType, logicalID).Scan(&lr.ID, &lr.CurrentVersion, &lr.LastUpdated, &lr.IsDeleted)
	if err != nil {
		return nil, db.Translate(err)
	}
	return lr, nil
}

// Read returns the current version of a resource, or ErrNotFound when it
// does not exist or is deleted.
func (s *Store) Read(ctx context.Context, resourceType, logicalID string) (*ResourceVersion, error) {
	rv := &ResourceVersion{ResourceType: resourceType, LogicalID: logicalID}
	err := s.pool.QueryRow(ctx, `
		SELECT lr.id, lr.current_version, rv.payload, rv.payload_key, rv.last_updated, lr.is_deleted
		FROM logical_resources lr
		JOIN resource_versions rv ON rv.logical_resource_id = lr.id AND rv.version_id = lr.current_version
		WHERE lr.resource_type = $1 AND lr.logical_id = $2`,
		resourceType, logicalID).
		Scan(&rv.LogicalResourceID, &rv.VersionID, &rv.Payload, &rv.PayloadKey, &rv.LastUpdated, &rv.IsDeleted)
	if err != nil {
		return nil, db.Translate(err)
	}
	if rv.IsDeleted {
		return nil, fmt.Errorf("%w: %s/%s is deleted", db.ErrNotFound, resourceType, logicalID)
	}
	return s.hydrate(ctx, rv)
}

// VersionRead returns a specific historical version, deleted markers
// included.
func (s *Store) VersionRead(ctx context.Context, resourceType, logicalID string, versionID int) (*ResourceVersion, error) {
	rv := &ResourceVersion{ResourceType: resourceType, LogicalID: logicalID, VersionID: versionID}
	err := s.pool.QueryRow(ctx, `
		SELECT lr.id, rv.payload, rv.payload_key, rv.last_updated, rv.is_deleted
		FROM logical_resources lr
		JOIN resource_versions rv ON rv.logical_resource_id = lr.id
		WHERE lr.resource_type = $1 AND lr.logical_id = $2 AND rv.version_id = $3`,
		resourceType, logicalID, versionID).
		Scan(&rv.LogicalResourceID, &rv.Payload, &rv.PayloadKey, &rv.LastUpdated, &rv.IsDeleted)
	if err != nil {
		return nil, db.Translate(err)
	}
	return s.hydrate(ctx, rv)
}

// History returns the versions of one resource newest-first.
func (s *Store) History(ctx context.Context, resourceType, logicalID string, since *time.Time, count, page int) ([]*ResourceVersion, error) {
	if count <= 0 {
		count = 50
	}
	if page < 1 {
		page = 1
	}

	query := `
		SELECT lr.id, rv.version_id, rv.payload, rv.payload_key, rv.last_updated, rv.is_deleted
		FROM logical_resources lr
		JOIN resource_versions rv ON rv.logical_resource_id = lr.id
		WHERE lr.resource_type = $1 AND lr.logical_id = $2`
	args := []interface{}{resourceType, logicalID}
	if since != nil {
		query += ` AND rv.last_updated > $3`
		args = append(args, *since)
	}
	query += fmt.Sprintf(` ORDER BY rv.version_id DESC%s`,
		s.dialect.Paginate(len(args)+1, len(args)+2))
	args = append(args, count, (page-1)*count)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, db.Translate(err)
	}
	defer rows.Close()

	var out []*ResourceVersion
	for rows.Next() {
		rv := &ResourceVersion{ResourceType: resourceType, LogicalID: logicalID}
		if err := rows.Scan(&rv.LogicalResourceID, &rv.VersionID, &rv.Payload, &rv.PayloadKey, &rv.LastUpdated, &rv.IsDeleted); err != nil {
			return nil, err
		}
		if rv, err = s.hydrate(ctx, rv); err != nil {
			return nil, err
		}
		out = append(out, rv)
	}
	if err := rows.Err(); err != nil {
		return nil, db.Translate(err)
	}
	return out, nil
}

// SystemHistory is the global history index: all resources ordered by
// last-updated descending, filtered by an optional since bound. It serves
// system-wide history search without per-version parameter indexes.
func (s *Store) SystemHistory(ctx context.Context, since *time.Time, count, page int) ([]Match, error) {
	if count <= 0 {
		count = 50
	}
	if page < 1 {
		page = 1
	}

	query := `
		SELECT lr.id, lr.resource_type, lr.logical_id, rv.version_id, rv.last_updated
		FROM resource_versions rv
		JOIN logical_resources lr ON lr.id = rv.logical_resource_id`
	args := []interface{}{}
	if since != nil {
		query += ` WHERE rv.last_updated > $1`
		args = append(args, *since)
	}
	query += ` ORDER BY rv.last_updated DESC, lr.id DESC` +
		s.dialect.Paginate(len(args)+1, len(args)+2)
	args = append(args, count, (page-1)*count)

	rows, err := s.pool.Query(ctx, query, args...)
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

// hydrate pulls offloaded payload bytes back in when the version holds
// only a key.
func (s *Store) hydrate(ctx context.Context, rv *ResourceVersion) (*ResourceVersion, error) {
	if len(rv.Payload) > 0 || rv.PayloadKey == "" {
		return rv, nil
	}
	data, err := s.payloads.Read(ctx, rv.PayloadKey)
	if err != nil {
		return nil, err
	}
	rv.Payload = data
	return rv, nil
}

// UpdateIndexOnly re-runs extraction over the stored current version and
// replaces its index rows without bumping the version or creating a new
// ResourceVersion. It is the reindex unit of work: running it twice,
// including concurrently for the same resource, leaves exactly one row
// set keyed by (logicalResource, currentVersion).
//
// When the index state already matches the current version the extraction
// is skipped and only the state row's timestamp is advanced, so a sweep
// over an already-consistent store does no index churn. force re-extracts
// unconditionally, which is what repairs rows written under an older
// parameter registry.
func (s *Store) UpdateIndexOnly(ctx context.Context, resourceType, logicalID string, force bool) error {
	return db.RunInTx(ctx, s.pool, func(ctx context.Context, tx pgx.Tx) error {
		lr, err := lockLogical(ctx, tx, s.dialect, resourceType, logicalID)
		if err != nil {
			return err
		}
		if !force {
			indexed, ok, err := indexedVersion(ctx, tx, lr.ID)
			if err != nil {
				return err
			}
			if ok && indexed == lr.CurrentVersion {
				return recordIndexedVersion(ctx, tx, lr.ID, lr.CurrentVersion)
			}
		}
		if lr.IsDeleted {
			// A deleted resource keeps no index rows; make sure of it.
			if err := clearIndexRows(ctx, tx, lr.ID); err != nil {
				return err
			}
			return recordIndexedVersion(ctx, tx, lr.ID, lr.CurrentVersion)
		}

		rv := &ResourceVersion{}
		err = tx.QueryRow(ctx, `
			SELECT payload, payload_key FROM resource_versions
			WHERE logical_resource_id = $1 AND version_id = $2`,
			lr.ID, lr.CurrentVersion).Scan(&rv.Payload, &rv.PayloadKey)
		if err != nil {
			return db.Translate(err)
		}
		if rv, err = s.hydrate(ctx, rv); err != nil {
			return err
		}

		var record map[string]interface{}
		if err := json.Unmarshal(rv.Payload, &record); err != nil {
			return fmt.Errorf("%w: decode stored payload for %s/%s: %w", db.ErrIntegrity, resourceType, logicalID, err)
		}

		result, err := s.extractor.Extract(ctx, resourceType, record)
		if err != nil {
			return fmt.Errorf("extract search parameters: %w", err)
		}
		return replaceIndexRows(ctx, tx, lr.ID, lr.CurrentVersion, result)
	})
}

// Erase physically removes a logical resource, all its versions, index
// rows, and offloaded payloads. This is the hook behind an explicit erase
// operation; ordinary deletes are soft.
func (s *Store) Erase(ctx context.Context, resourceType, logicalID string) error {
	var keys []string
	err := db.RunInTx(ctx, s.pool, func(ctx context.Context, tx pgx.Tx) error {
		lr, err := lockLogical(ctx, tx, s.dialect, resourceType, logicalID)
		if err != nil {
			return err
		}

		rows, err := tx.Query(ctx,
			`SELECT payload_key FROM resource_versions WHERE logical_resource_id = $1 AND payload_key <> ''`, lr.ID)
		if err != nil {
			return db.Translate(err)
		}
		for rows.Next() {
			var k string
			if err := rows.Scan(&k); err != nil {
				rows.Close()
				return err
			}
			keys = append(keys, k)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return db.Translate(err)
		}

		if err := clearIndexRows(ctx, tx, lr.ID); err != nil {
			return err
		}
		for _, stmt := range []string{
			`DELETE FROM resource_index_states WHERE logical_resource_id = $1`,
			`DELETE FROM resource_versions WHERE logical_resource_id = $1`,
			`DELETE FROM logical_resources WHERE id = $1`,
		} {
			if _, err := tx.Exec(ctx, stmt, lr.ID); err != nil {
				return db.Translate(err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, k := range keys {
		if err := s.payloads.Delete(ctx, k); err != nil {
			s.log.Warn().Err(err).Str("key", k).Msg("erase: payload delete failed")
		}
	}
	s.log.Info().Str("resource_type", resourceType).Str("logical_id", logicalID).Msg("resource erased")
	return nil
}
