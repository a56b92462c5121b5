package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/rtCamp/amp-compatibility-sub001/internal/ingest"
)

// SQLSTATE codes the pipeline distinguishes.
const (
	codeForeignKey    = "23503"
	codeUnique        = "23505"
	codeSerialization = "40001"
	codeDeadlock      = "40P01"
)

// classify maps driver errors onto ingest.PersistenceError so callers can
// decide whether a retry makes sense.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeForeignKey:
			return ingest.PermanentError(op, fmt.Errorf("%w: %s", ingest.ErrForeignKey, pgErr.Detail))
		case codeUnique:
			return ingest.PermanentError(op, err)
		case codeSerialization, codeDeadlock:
			return ingest.TransientError(op, err)
		default:
			return ingest.PermanentError(op, err)
		}
	}
	var connErr *pgconn.ConnectError
	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) || errors.As(err, &connErr) {
		return ingest.TransientError(op, err)
	}
	return ingest.PermanentError(op, err)
}
