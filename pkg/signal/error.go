package signal

import (
	"github.com/pkg/errors"
)

// ErrSignalingMalformed is returned by Decode for messages that are missing a
// required field or carry an unknown body. Such messages are dropped.
var ErrSignalingMalformed = errors.New("malformed signaling message")

// ErrTransportUnavailable is reported to subscribers once the relay could not be
// reached within the reconnect budget.
var ErrTransportUnavailable = errors.New("signaling transport unavailable")
