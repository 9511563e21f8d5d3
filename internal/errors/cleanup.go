// Package errors provides utilities for error handling in tracecov.
package errors

import (
	"database/sql"
	"io"

	"github.com/rs/zerolog"
)

// DeferClose properly closes an io.Closer with logging.
// Use this in defer statements to avoid suppressing close errors.
func DeferClose(logger zerolog.Logger, closer io.Closer, msg string) {
	if closer == nil {
		return
	}
	if err := closer.Close(); err != nil {
		logger.Warn().Err(err).Msg(msg)
	}
}

// DeferRollback rolls back a transaction with logging.
// Ignores sql.ErrTxDone which is expected after successful commits.
func DeferRollback(logger zerolog.Logger, tx *sql.Tx) {
	if tx == nil {
		return
	}
	if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
		logger.Warn().Err(err).Msg("transaction rollback failed")
	}
}

// Collect gathers independent failures so that one failing step does not hide the others.
// The zero value is ready to use.
type Collect struct {
	errs []error
}

// Add records err if it is not nil.
func (c *Collect) Add(err error) {
	if err != nil {
		c.errs = append(c.errs, err)
	}
}

// Len returns the number of recorded errors.
func (c *Collect) Len() int {
	return len(c.errs)
}

// Err joins the recorded errors, or returns nil when none were added.
func (c *Collect) Err() error {
	return Join(c.errs...)
}
