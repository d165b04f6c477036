package evmrepo

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ava-labs/evm-ingestor/pkg/ingesterr"
)

// classify maps a database error onto the failure taxonomy. Integrity and
// data exceptions are StorageConstraint: retrying the same message cannot
// succeed. Everything else is treated as transient.
func classify(chain string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && len(pgErr.Code) >= 2 {
		switch pgErr.Code[:2] {
		case "23", "22":
			return ingesterr.New(ingesterr.StorageConstraint, opWrite, chain, err)
		case "42":
			// Undefined table or column: the schema is missing.
			return ingesterr.New(ingesterr.ConfigurationFatal, opWrite, chain, err)
		}
	}
	return ingesterr.New(ingesterr.TransientNetwork, opWrite, chain, err)
}
