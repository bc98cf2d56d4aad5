package session

import (
	"github.com/pkg/errors"
)

var (
	// ErrInvalidState is returned by control calls the current state does not
	// accept.
	ErrInvalidState = errors.New("operation not valid in current state")

	// ErrSuperseded is returned to a switch whose acquisition was cancelled by
	// a newer switch.
	ErrSuperseded = errors.New("superseded by a newer source request")

	// ErrNegotiationRejected means the remote description could not be
	// applied.
	ErrNegotiationRejected = errors.New("negotiation rejected")

	ErrStopped = errors.New("session stopped")
)
