package payload

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/fhirstore/internal/platform/db"
)

// PGStore keeps payload bytes in a side table, separate from the version
// rows. It is the default offload backend: same database, different table,
// so a write transaction spanning both stays atomic.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore creates a PGStore on the given pool.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// Store upserts the payload bytes under key. When the caller's context
// carries an open transaction the write joins it.
func (s *PGStore) Store(ctx context.Context, key string, data []byte) error {
	var err error
	if tx := db.TxFromContext(ctx); tx != nil {
		_, err = tx.Exec(ctx, upsertPayloadSQL, key, data)
	} else {
		_, err = s.pool.Exec(ctx, upsertPayloadSQL, key, data)
	}
	if err != nil {
		return fmt.Errorf("%w: store %s: %w", ErrPayload, key, db.Translate(err))
	}
	return nil
}

const upsertPayloadSQL = `
	INSERT INTO payload_blobs (blob_key, content)
	VALUES ($1, $2)
	ON CONFLICT (blob_key) DO UPDATE SET content = EXCLUDED.content`

// Read returns the payload bytes stored under key.
func (s *PGStore) Read(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	var err error
	query := `SELECT content FROM payload_blobs WHERE blob_key = $1`
	if tx := db.TxFromContext(ctx); tx != nil {
		err = tx.QueryRow(ctx, query, key).Scan(&data)
	} else {
		err = s.pool.QueryRow(ctx, query, key).Scan(&data)
	}
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrPayloadNotFound, key)
		}
		return nil, fmt.Errorf("%w: read %s: %w", ErrPayload, key, db.Translate(err))
	}
	return data, nil
}

// Delete removes the payload stored under key.
func (s *PGStore) Delete(ctx context.Context, key string) error {
	var err error
	query := `DELETE FROM payload_blobs WHERE blob_key = $1`
	if tx := db.TxFromContext(ctx); tx != nil {
		_, err = tx.Exec(ctx, query, key)
	} else {
		_, err = s.pool.Exec(ctx, query, key)
	}
	if err != nil {
		return fmt.Errorf("%w: delete %s: %w", ErrPayload, key, db.Translate(err))
	}
	return nil
}
