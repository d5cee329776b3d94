package domain

import "errors"

var (
	ErrNotFound           = errors.New("not found")
	ErrAlreadyExists      = errors.New("already exists")
	ErrStaleTransition    = errors.New("stale status transition")
	ErrUnknownInstrument  = errors.New("unknown instrument")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAuthUnavailable    = errors.New("authentication temporarily unavailable")
	ErrInvalidLink        = errors.New("invalid follower link")
	ErrInactiveAccount    = errors.New("account inactive")
	ErrInvalidOrder       = errors.New("invalid order parameters")
)
