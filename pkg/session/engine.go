package session

import (
	"context"

	"github.com/pion/webrtc/v3"

	"sharescreen/pkg/media"
	"sharescreen/pkg/signal"
)

// Engine is the negotiation layer of a single session. Callbacks registered
// with OnCandidate and OnFailure may fire from any goroutine.
type Engine interface {
	CreateOffer() (signal.Description, error)
	CreateAnswer() (signal.Description, error)
	SetLocalDescription(signal.Description) error
	SetRemoteDescription(signal.Description) error
	AddCandidate(signal.Candidate) error
	SetTracks([]webrtc.TrackLocal) error
	OnCandidate(func(signal.Candidate))
	OnFailure(func(error))
	Close() error
}

// EngineFactory creates the engine for a new session.
type EngineFactory func() (Engine, error)

// Relay is the signaling channel shared by all sessions. Connect must be a
// no-op while the channel is up and start it over once it has given up.
type Relay interface {
	Connect(ctx context.Context) error
	Send(signal.Envelope) error
	Subscribe(onEnvelope func(signal.Envelope), onFailure func(error)) signal.Subscription
}

type Media interface {
	Swap(ctx context.Context, req media.Request) (*media.Handle, error)
	Release(h *media.Handle)
}
