package postgres

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/JakeFAU/sharedpages/internal/store"
)

// Postgres SQLSTATE codes the store cares about.
const (
	pgCannotConnectNow      = "57P03"
	pgAdminShutdown         = "57P01"
	pgTooManyConnections    = "53300"
	pgDeadlockDetected      = "40P01"
	pgSerializationFailure  = "40001"
	pgConnectionClassPrefix = "08"
)

// classify tags connectivity failures and transaction aborts that succeed on
// retry (deadlocks, serialization failures) with store.ErrUnavailable so
// callers can tell a transient failure apart from query bugs.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if isUnavailable(err) {
		return fmt.Errorf("%w: %w", store.ErrUnavailable, err)
	}
	return err
}

func isUnavailable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgCannotConnectNow, pgAdminShutdown, pgTooManyConnections,
			pgDeadlockDetected, pgSerializationFailure:
			return true
		}
		return strings.HasPrefix(pgErr.Code, pgConnectionClassPrefix)
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
