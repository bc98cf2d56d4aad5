package media

import (
	"strings"
	"sync/atomic"

	"github.com/pkg/errors"
)

type Kind int

const (
	FrontCamera Kind = iota + 1
	BackCamera
	ScreenCapture
)

func (k Kind) String() string {
	switch k {
	case FrontCamera:
		return "front"
	case BackCamera:
		return "back"
	case ScreenCapture:
		return "screen"
	}

	return "unknown"
}

func (k Kind) IsCamera() bool {
	return k == FrontCamera || k == BackCamera
}

func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(s) {
	case "front":
		return FrontCamera, nil
	case "back":
		return BackCamera, nil
	case "screen":
		return ScreenCapture, nil
	}

	return 0, errors.Errorf("unknown source %q", s)
}

// AudioSource selects what feeds the outbound audio track.
type AudioSource int

const (
	// AudioAuto uses the microphone for cameras and playback capture for screens.
	AudioAuto AudioSource = iota
	AudioNone
	AudioMicrophone
	AudioPlayback
)

func (a AudioSource) String() string {
	switch a {
	case AudioAuto:
		return "auto"
	case AudioNone:
		return "none"
	case AudioMicrophone:
		return "mic"
	case AudioPlayback:
		return "playback"
	}

	return "unknown"
}

func ParseAudioSource(s string) (AudioSource, error) {
	switch strings.ToLower(s) {
	case "auto", "":
		return AudioAuto, nil
	case "none":
		return AudioNone, nil
	case "mic":
		return AudioMicrophone, nil
	case "playback":
		return AudioPlayback, nil
	}

	return 0, errors.Errorf("unknown audio source %q", s)
}

func (a AudioSource) resolve(kind Kind) AudioSource {
	if a != AudioAuto {
		return a
	}

	if kind == ScreenCapture {
		return AudioPlayback
	}

	return AudioMicrophone
}

// CaptureToken carries an OS-granted screen capture authorization. It can be
// consumed exactly once.
type CaptureToken struct {
	grant    any
	consumed atomic.Bool
}

func NewCaptureToken(grant any) *CaptureToken {
	return &CaptureToken{grant: grant}
}

func (t *CaptureToken) Grant() any {
	return t.grant
}

// Request asks for one capture source. A request for ScreenCapture must carry
// a token.
type Request struct {
	Kind  Kind
	Token *CaptureToken

	claimed bool
}

// Claim consumes the request's token, if any, and returns a request that
// Acquire and Swap accept without consuming again. Claiming an already claimed
// request is a no-op.
func (r Request) Claim() (Request, error) {
	if r.claimed || r.Token == nil {
		r.claimed = true

		return r, nil
	}

	if !r.Token.consumed.CompareAndSwap(false, true) {
		return r, ErrCaptureTokenConsumed
	}

	r.claimed = true

	return r, nil
}

// Validate reports requests no device could serve, before anything is claimed
// or stopped.
func (r Request) Validate() error {
	if r.Kind == ScreenCapture && r.Token == nil {
		return errors.Wrap(ErrCaptureUnavailable, "screen capture without authorization")
	}

	if !r.Kind.IsCamera() && r.Kind != ScreenCapture {
		return errors.Wrapf(ErrCaptureUnavailable, "unsupported source %d", r.Kind)
	}

	return nil
}
