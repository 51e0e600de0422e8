package shared

import "errors"

var (
	ErrDuplicateCall   = errors.New("call already registered")
	ErrSessionNotFound = errors.New("session not found")
	ErrNoStreamHandle  = errors.New("stream handle not set")
	ErrSessionClosed   = errors.New("session closed")
)
