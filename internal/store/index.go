package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ehr/fhirstore/internal/platform/db"
	"github.com/ehr/fhirstore/internal/search"
)

// indexValueTables are all typed parameter tables plus compartment_refs,
// in the order rows are cleared.
var indexValueTables = []string{
	"str_values",
	"token_values",
	"date_values",
	"number_values",
	"quantity_values",
	"uri_values",
	"reference_values",
	"compartment_refs",
}

// replaceIndexRows deletes every index row for the logical resource and
// inserts the extraction result, then records the indexed version. The
// delete-then-insert runs in the caller's transaction, so a concurrent
// reindex of the same resource serializes on the logical_resources row
// lock and both runs leave a single consistent row set.
func replaceIndexRows(ctx context.Context, tx pgx.Tx, lrID int64, version int, result *search.ExtractResult) error {
	if err := clearIndexRows(ctx, tx, lrID); err != nil {
		return err
	}
	for i := range result.Values {
		if err := insertIndexValue(ctx, tx, lrID, &result.Values[i]); err != nil {
			return err
		}
	}
	for _, c := range result.Compartments {
		if _, err := tx.Exec(ctx, `
			INSERT INTO compartment_refs (logical_resource_id, parameter_code, compartment_type, compartment_logical_id)
			VALUES ($1, $2, $3, $4)`,
			lrID, c.ParameterCode, c.CompartmentType, c.CompartmentID); err != nil {
			return db.Translate(err)
		}
	}
	return recordIndexedVersion(ctx, tx, lrID, version)
}

func clearIndexRows(ctx context.Context, tx pgx.Tx, lrID int64) error {
	for _, table := range indexValueTables {
		if _, err := tx.Exec(ctx,
			fmt.Sprintf("DELETE FROM %s WHERE logical_resource_id = $1", table), lrID); err != nil {
			return db.Translate(err)
		}
	}
	return nil
}

// insertIndexValue writes one extracted value into its typed table. The
// switch is exhaustive over the variant kinds; an unknown kind is an
// integrity error, not a silent skip.
func insertIndexValue(ctx context.Context, tx pgx.Tx, lrID int64, v *search.IndexValue) error {
	var err error
	switch v.Kind {
	case search.TypeString:
		_, err = tx.Exec(ctx, `
			INSERT INTO str_values (logical_resource_id, parameter_code, composite_id, str_value, str_value_lower)
			VALUES ($1, $2, $3, $4, $5)`,
			lrID, v.Code, v.CompositeID, v.String.Raw, v.String.Normalized)
	case search.TypeToken:
		// Inline system/value always; the surrogate id rides along when
		// the dedup tables resolved the pair, giving equality filters a
		// single-column match while :text keeps the inline value.
		var commonID interface{}
		if v.Token.CommonID != 0 {
			commonID = v.Token.CommonID
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO token_values (logical_resource_id, parameter_code, composite_id, code_system, token_value, common_token_value_id)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			lrID, v.Code, v.CompositeID, v.Token.System, v.Token.Value, commonID)
	case search.TypeDate:
		_, err = tx.Exec(ctx, `
			INSERT INTO date_values (logical_resource_id, parameter_code, composite_id, start_time, end_time)
			VALUES ($1, $2, $3, $4, $5)`,
			lrID, v.Code, v.CompositeID, v.Date.Start, v.Date.End)
	case search.TypeNumber:
		_, err = tx.Exec(ctx, `
			INSERT INTO number_values (logical_resource_id, parameter_code, composite_id, value)
			VALUES ($1, $2, $3, $4)`,
			lrID, v.Code, v.CompositeID, v.Number.Value)
	case search.TypeQuantity:
		_, err = tx.Exec(ctx, `
			INSERT INTO quantity_values (logical_resource_id, parameter_code, composite_id, value, code_system, code, canonical_low, canonical_high)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			lrID, v.Code, v.CompositeID, v.Quantity.Value, v.Quantity.System, v.Quantity.Code, v.Quantity.Low, v.Quantity.High)
	case search.TypeURI:
		var commonID interface{}
		if v.URI.CommonID != 0 {
			commonID = v.URI.CommonID
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO uri_values (logical_resource_id, parameter_code, composite_id, uri, common_canonical_value_id)
			VALUES ($1, $2, $3, $4, $5)`,
			lrID, v.Code, v.CompositeID, v.URI.Value, commonID)
	case search.TypeReference:
		var targetVersion interface{}
		if v.Reference.TargetVersion != 0 {
			targetVersion = v.Reference.TargetVersion
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO reference_values (logical_resource_id, parameter_code, composite_id, target_resource_type, target_logical_id, target_version)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			lrID, v.Code, v.CompositeID, v.Reference.TargetType, v.Reference.TargetID, targetVersion)
	default:
		return fmt.Errorf("%w: index value kind %q for parameter %q", db.ErrIntegrity, v.Kind, v.Code)
	}
	return db.Translate(err)
}

// recordIndexedVersion upserts resource_index_states, the book-keeping
// row a reindex scan uses to tell stale index rows from current ones.
// indexedVersion reads the version the index rows were last built from.
// The second return is false when the resource has never been indexed.
func indexedVersion(ctx context.Context, tx pgx.Tx, lrID int64) (int, bool, error) {
	var v int
	err := tx.QueryRow(ctx,
		`SELECT indexed_version FROM resource_index_states WHERE logical_resource_id = $1`, lrID).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, db.Translate(err)
	}
	return v, true, nil
}

func recordIndexedVersion(ctx context.Context, tx pgx.Tx, lrID int64, version int) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO resource_index_states (logical_resource_id, indexed_version, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (logical_resource_id) DO UPDATE SET indexed_version = EXCLUDED.indexed_version, updated_at = EXCLUDED.updated_at`,
		lrID, version, time.Now().UTC())
	return db.Translate(err)
}
