package domain

import "errors"

var (
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrNotFound           = errors.New("not found")
	ErrQuotaExceeded      = errors.New("quota exceeded")
	ErrConflict           = errors.New("conflict")
	ErrBackendUnavailable = errors.New("backend unavailable")
	ErrStorageFailure     = errors.New("storage failure")
	ErrRateLimited        = errors.New("rate limited")
	ErrUnknownBot         = errors.New("unknown bot")
)
