package media

import (
	"github.com/pkg/errors"
)

var (
	// ErrCaptureUnavailable means the OS refused authorization or no device
	// matches the request.
	ErrCaptureUnavailable = errors.New("capture unavailable")

	// ErrCaptureTokenConsumed means a one-shot screen capture token was reused.
	ErrCaptureTokenConsumed = errors.New("capture token already consumed")

	// ErrSourceActive is returned by Acquire while another source is capturing.
	ErrSourceActive = errors.New("another capture source is active")
)
