package service

import (
	"errors"
	"fmt"
	"time"

	"ragchat/internal/domain"
)

var ErrServiceNotConfigured = errors.New("service not configured")

// storageErr marca errores de persistencia sin ocultar NotFound/Conflict.
func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrConflict) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, domain.ErrStorageFailure, err)
}

func invalidArg(format string, args ...any) error {
	return fmt.Errorf("%w: %s", domain.ErrInvalidArgument, fmt.Sprintf(format, args...))
}

// nextTimestamp devuelve un instante UTC en microsegundos estrictamente posterior a after.
func nextTimestamp(now func() time.Time, after time.Time) time.Time {
	ts := now().UTC().Truncate(time.Microsecond)
	if !ts.After(after) {
		ts = after.Add(time.Microsecond)
	}
	return ts
}

func sessionLockKey(sessionID string) string {
	return "session:" + sessionID
}

func userLockKey(userID string) string {
	return "user:" + userID
}
