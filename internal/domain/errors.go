package domain

import "errors"

var (
	ErrNotFound       = errors.New("not found")
	ErrAlreadyExists  = errors.New("already exists")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrLockHeld       = errors.New("lock already held")
	ErrConflict       = errors.New("concurrent update")
	ErrInvalidBattle  = errors.New("invalid battle parameters")
	ErrInvalidTick    = errors.New("invalid price tick")
	ErrInvalidPanel   = errors.New("invalid draft panel")
	ErrInvalidOutput  = errors.New("invalid agent output")
	ErrNotArmed       = errors.New("battle not armed")
	ErrUnavailable    = errors.New("upstream unavailable")
	ErrWSDisconnect   = errors.New("websocket disconnected")
	ErrCommitMismatch = errors.New("prediction commitment mismatch")
)
