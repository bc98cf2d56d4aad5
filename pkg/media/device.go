package media

import (
	"context"

	"github.com/pion/webrtc/v3/pkg/media"
)

// Sink receives encoded samples for one outbound track.
type Sink interface {
	WriteSample(media.Sample) error
}

// CaptureSpec describes what a device should start capturing and where the
// samples go. AudioSink is nil when no audio is requested.
type CaptureSpec struct {
	Kind      Kind
	Grant     any
	Width     int
	Height    int
	Framerate int

	Audio     AudioSource
	Video     Sink
	AudioSink Sink
}

// Device starts platform capture. Open must honour ctx while it blocks on
// device or permission APIs.
type Device interface {
	Open(ctx context.Context, spec CaptureSpec) (Capture, error)
}

// Capture is a running capture session. Stop returns once the device no
// longer produces samples.
type Capture interface {
	Stop() error
}
