package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SchemaInfo reports which physical object shapes are active. The engine
// consults it to decide, for example, whether the common-value dedup tables
// exist yet; when they do not, token and canonical values are stored inline
// without surrogate ids.
type SchemaInfo struct {
	pool *pgxpool.Pool

	mu    sync.RWMutex
	cache map[string]int
}

// NewSchemaInfo creates a SchemaInfo backed by the schema_objects table.
func NewSchemaInfo(pool *pgxpool.Pool) *SchemaInfo {
	return &SchemaInfo{
		pool:  pool,
		cache: make(map[string]int),
	}
}

// CurrentVersion returns the active schema version for the named object, or
// 0 when the object has never been created. Results are cached for the
// process lifetime; a schema migration implies a restart.
func (s *SchemaInfo) CurrentVersion(ctx context.Context, objectType, objectName string) (int, error) {
	key := objectType + "/" + objectName

	s.mu.RLock()
	v, ok := s.cache[key]
	s.mu.RUnlock()
	if ok {
		return v, nil
	}

	var version int
	err := s.pool.QueryRow(ctx,
		`SELECT version FROM schema_objects WHERE object_type = $1 AND object_name = $2`,
		objectType, objectName).Scan(&version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			version = 0
		} else if isUndefinedTable(err) {
			// schema_objects itself not created yet: everything reports 0
			// and the engine runs in its fallback shapes.
			version = 0
		} else {
			return 0, fmt.Errorf("query schema version for %s: %w", key, Translate(err))
		}
	}

	s.mu.Lock()
	s.cache[key] = version
	s.mu.Unlock()
	return version, nil
}

// RecordVersion upserts the active version for the named object.
func (s *SchemaInfo) RecordVersion(ctx context.Context, objectType, objectName string, version int) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO schema_objects (object_type, object_name, version)
		VALUES ($1, $2, $3)
		ON CONFLICT (object_type, object_name) DO UPDATE SET version = EXCLUDED.version`,
		objectType, objectName, version)
	if err != nil {
		return fmt.Errorf("record schema version for %s/%s: %w", objectType, objectName, Translate(err))
	}

	s.mu.Lock()
	s.cache[objectType+"/"+objectName] = version
	s.mu.Unlock()
	return nil
}

func isUndefinedTable(err error) bool {
	// 42P01 undefined_table
	return strings.Contains(err.Error(), "42P01")
}
