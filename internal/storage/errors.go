package storage

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrRejectedOffer marks a write refused because of the row's own data.
	// Retrying the same row cannot succeed; other rows are unaffected.
	ErrRejectedOffer = errors.New("storage: offer rejected")
)

// classifyWriteError tags data exceptions (class 22) and integrity
// violations (class 23) with ErrRejectedOffer.
func classifyWriteError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (strings.HasPrefix(pgErr.Code, "22") || strings.HasPrefix(pgErr.Code, "23")) {
		return fmt.Errorf("%w: %w", ErrRejectedOffer, err)
	}
	return err
}

// ConnectionError reports an unreachable store. Fatal at startup, folded into
// an unhealthy status when raised by a probe.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// MigrationError reports a schema script that could not be applied.
type MigrationError struct {
	File string
	Err  error
}

func (e *MigrationError) Error() string {
	if e.File == "" {
		return fmt.Sprintf("storage: migrate: %v", e.Err)
	}
	return fmt.Sprintf("storage: migrate %s: %v", e.File, e.Err)
}

func (e *MigrationError) Unwrap() error {
	return e.Err
}
