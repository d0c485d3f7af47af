package postgres

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/JakeFAU/record-reconciler/internal/records"
)

// classify maps driver errors onto the pipeline's error taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}

	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return records.Infrastructure(op, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "3D000", pgErr.Code == "42P01":
			// database or table missing
			return records.Infrastructure(op, err)
		case pgErr.Code == "23505", pgErr.Code == "55P03":
			return records.Transient(op, err)
		}
		class := ""
		if len(pgErr.Code) >= 2 {
			class = pgErr.Code[:2]
		}
		switch class {
		case "28":
			return records.Infrastructure(op, err)
		case "08", "40", "53", "57":
			return records.Transient(op, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	if pgconn.Timeout(err) {
		return records.Transient(op, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return records.Transient(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
