package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/google/uuid"
	"github.com/uptrace/bun/driver/pgdriver"

	"github.com/pawpal/messaging/chat"
)

// SQLSTATE codes the store reacts to.
const (
	codeUniqueViolation      = "23505"
	codeInvalidText          = "22P02"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeAdminShutdown        = "57P01"
	codeQueryCanceled        = "57014"
	classConnection          = "08"
)

// classify maps driver errors onto the chat error taxonomy.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, chat.ErrConflict), errors.Is(err, chat.ErrNotFound), errors.Is(err, chat.ErrTransient):
		return err
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("%w: %w", chat.ErrNotFound, err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, driver.ErrBadConn), errors.Is(err, sql.ErrConnDone):
		return chat.Transient(err)
	}

	var pgErr pgdriver.Error
	if errors.As(err, &pgErr) {
		code := pgErr.Field('C')
		switch {
		case code == codeUniqueViolation:
			return fmt.Errorf("%w: %w", chat.ErrConflict, err)
		case code == codeInvalidText:
			// A malformed id cannot name an existing row.
			return fmt.Errorf("%w: %w", chat.ErrNotFound, err)
		case code == codeSerializationFailure, code == codeDeadlockDetected,
			code == codeAdminShutdown, code == codeQueryCanceled,
			strings.HasPrefix(code, classConnection):
			return chat.Transient(err)
		}
		return err
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return chat.Transient(err)
	}
	return err
}

func newID() string {
	return uuid.NewString()
}
