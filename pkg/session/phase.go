package session

import (
	"github.com/sirupsen/logrus"

	"sharescreen/pkg/candidate"
	"sharescreen/pkg/log"
	"sharescreen/pkg/media"
	"sharescreen/pkg/signal"
)

// phase is what the machine is doing right now. Only phases that carry a
// session give access to one.
type phase interface {
	state() State
}

type idle struct{}

type negotiating struct {
	s *session
}

type connected struct {
	s *session
}

type closing struct{}

type failed struct {
	s      *session
	reason error
}

func (idle) state() State        { return Idle }
func (negotiating) state() State { return Negotiating }
func (connected) state() State   { return Connected }
func (closing) state() State     { return Closing }
func (failed) state() State      { return Failed }

// session is one negotiated peer connection and the resources bound to it.
type session struct {
	id  string
	log *logrus.Entry

	engine     Engine
	sub        signal.Subscription
	candidates *candidate.Queue

	handle *media.Handle
	kind   media.Kind
	remote string

	// acquisition in flight
	gen     uint64
	cancel  func()
	pending chan error

	// described is set once a local description was applied, established
	// once a remote one was.
	described   bool
	established bool

	awaitingAnswer bool
	reoffer        bool
}

func newSession(id string, engine Engine) *session {
	return &session{
		id:         id,
		log:        log.WithSession(id),
		engine:     engine,
		candidates: candidate.New(),
	}
}

func (s *session) acquiring() bool {
	return s.cancel != nil
}

// settle ends the acquisition in flight, if any, and answers its caller.
func (s *session) settle(err error) {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}

	if s.pending != nil {
		s.pending <- err
		s.pending = nil
	}
}
