package db

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Persistence error taxonomy. Everything below the store/extractor boundary
// is translated to one of these before it crosses into the query or reindex
// layers; raw pgx errors never leak past this package.
var (
	// ErrNotFound indicates the requested logical resource or version does
	// not exist.
	ErrNotFound = errors.New("resource not found")

	// ErrVersionConflict indicates an optimistic-concurrency check failed:
	// the expected version did not match the stored current version.
	ErrVersionConflict = errors.New("version conflict")

	// ErrDuplicateID indicates a client-supplied logical id already exists.
	ErrDuplicateID = errors.New("duplicate logical id")

	// ErrConnection indicates a transient infrastructure failure. Callers
	// may retry with backoff.
	ErrConnection = errors.New("database connection failure")

	// ErrIntegrity indicates a constraint violation or data error. Fatal
	// for the current operation, never retried.
	ErrIntegrity = errors.New("database integrity failure")
)

// Translate maps a pgx/pgconn error to the persistence taxonomy. The
// original error stays in the chain for logging; callers classify with
// errors.Is against the sentinels above.
func Translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"): // connection exception
			return fmt.Errorf("%w: %s: %w", ErrConnection, pgErr.Code, err)
		case pgErr.Code == "40001" || pgErr.Code == "40P01": // serialization / deadlock
			return fmt.Errorf("%w: %s: %w", ErrConnection, pgErr.Code, err)
		case pgErr.Code == "57014": // statement timeout
			return fmt.Errorf("%w: %s: %w", ErrConnection, pgErr.Code, err)
		case strings.HasPrefix(pgErr.Code, "23"): // integrity constraint violation
			return fmt.Errorf("%w: %s: %w", ErrIntegrity, pgErr.Code, err)
		case strings.HasPrefix(pgErr.Code, "22"): // data exception (truncation etc.)
			return fmt.Errorf("%w: %s: %w", ErrIntegrity, pgErr.Code, err)
		}
		return fmt.Errorf("%w: %s: %w", ErrIntegrity, pgErr.Code, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.EOF) ||
		errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrConnection, err)
	}

	return err
}

// IsRetryable reports whether the error is connection-class and safe to
// retry. Conflict and integrity failures are never retryable.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConnection)
}
