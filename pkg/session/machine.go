// Package session drives one peer session through offer/answer negotiation
// and source switches. All state lives in a single goroutine (Run); control
// calls, relay messages, engine callbacks and capture results reach it as
// events.
package session

import (
	"context"
	"sync/atomic"

	"github.com/google/uuid"

	"sharescreen/pkg/bitrate"
	"sharescreen/pkg/candidate"
	"sharescreen/pkg/log"
	"sharescreen/pkg/media"
	"sharescreen/pkg/signal"
)

const eventQueueSize = 64

type Config struct {
	// Policy returns the bitrate policy for descriptions sent while a source
	// of kind is live. bitrate.DefaultPolicy is used when nil.
	Policy func(media.Kind) bitrate.Policy

	// OnStateChange is called from the machine goroutine after every
	// transition, with the failure reason if there is one. It must not call
	// back into the machine synchronously.
	OnStateChange func(State, error)
}

type Machine struct {
	cfg Config

	relay     Relay
	media     Media
	newEngine EngineFactory

	events chan event
	done   chan struct{}
	state  atomic.Int32

	// Owned by the Run goroutine.
	ctx   context.Context
	phase phase
	lobby *lobby
}

// lobby listens for peer-initiated offers while no session exists.
type lobby struct {
	sub        signal.Subscription
	candidates *candidate.Queue
}

func New(cfg Config, relay Relay, capture Media, newEngine EngineFactory) *Machine {
	return &Machine{
		cfg:       cfg,
		relay:     relay,
		media:     capture,
		newEngine: newEngine,
		events:    make(chan event, eventQueueSize),
		done:      make(chan struct{}),
		phase:     idle{},
	}
}

// Run processes events until ctx is done, then closes any live session.
func (m *Machine) Run(ctx context.Context) {
	defer close(m.done)

	m.ctx = ctx
	m.openLobby()

	for {
		select {
		case <-ctx.Done():
			m.shutdown()

			return
		case ev := <-m.events:
			m.handle(ev)
		}
	}
}

func (m *Machine) CurrentState() State {
	return State(m.state.Load())
}

// Start opens a session with the source described by req. It returns once the
// offer is published or the source could not be acquired.
func (m *Machine) Start(ctx context.Context, req media.Request) error {
	reply := make(chan error, 1)

	return m.call(ctx, startCmd{req: req, reply: reply}, reply)
}

// SwitchSource replaces the live source and renegotiates. A newer switch
// issued before this one settles makes it return ErrSuperseded.
func (m *Machine) SwitchSource(ctx context.Context, req media.Request) error {
	reply := make(chan error, 1)

	return m.call(ctx, switchCmd{req: req, reply: reply}, reply)
}

// Stop closes the session, if any, and waits until the machine is idle or
// ctx is done.
func (m *Machine) Stop(ctx context.Context) {
	reply := make(chan error, 1)

	if err := m.call(ctx, stopCmd{reply: reply}, reply); err != nil {
		log.Debugf("stop: %v", err)
	}
}

func (m *Machine) call(ctx context.Context, ev event, reply chan error) error {
	select {
	case m.events <- ev:
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return ErrStopped
	}

	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		select {
		case err := <-reply:
			return err
		default:
			return ErrStopped
		}
	}
}

// post hands ev to the Run goroutine. It reports false once the machine has
// stopped.
func (m *Machine) post(ev event) bool {
	select {
	case m.events <- ev:
		return true
	case <-m.done:
		return false
	}
}

func (m *Machine) handle(ev event) {
	switch ev := ev.(type) {
	case startCmd:
		m.onStart(ev)
	case switchCmd:
		m.onSwitch(ev)
	case stopCmd:
		m.onStop(ev)
	case acquired:
		m.onAcquired(ev)
	case remoteEnvelope:
		m.onRemote(ev)
	case transportFailed:
		m.onTransportFailed(ev)
	case localCandidate:
		m.onLocalCandidate(ev)
	case engineFailed:
		m.onEngineFailed(ev)
	default:
		log.Errorf("unknown session event %T", ev)
	}
}

func (m *Machine) setPhase(p phase, reason error) {
	prev := State(m.state.Load())
	next := p.state()

	m.phase = p
	m.state.Store(int32(next))

	if prev == next && reason == nil {
		return
	}

	if reason != nil {
		log.Infof("session %s -> %s: %v", prev, next, reason)
	} else {
		log.Infof("session %s -> %s", prev, next)
	}

	if m.cfg.OnStateChange != nil {
		m.cfg.OnStateChange(next, reason)
	}
}

// active returns the session of a negotiating or connected machine.
func (m *Machine) active() *session {
	switch p := m.phase.(type) {
	case negotiating:
		return p.s
	case connected:
		return p.s
	}

	return nil
}

func (m *Machine) lookup(sid string) *session {
	s := m.active()
	if s == nil || s.id != sid {
		return nil
	}

	return s
}

func (m *Machine) policy(kind media.Kind) bitrate.Policy {
	if m.cfg.Policy != nil {
		return m.cfg.Policy(kind)
	}

	return bitrate.DefaultPolicy(kind)
}

func (m *Machine) openLobby() {
	if m.lobby != nil {
		return
	}

	l := &lobby{candidates: candidate.New()}
	l.sub = m.relay.Subscribe(
		func(env signal.Envelope) { m.post(remoteEnvelope{env: env}) },
		func(err error) { m.post(transportFailed{err: err}) },
	)

	m.lobby = l
}

// closeLobby detaches the lobby and returns the candidates it buffered.
func (m *Machine) closeLobby() *candidate.Queue {
	if m.lobby == nil {
		return nil
	}

	m.lobby.sub.Cancel()
	buffered := m.lobby.candidates
	m.lobby = nil

	return buffered
}

// open creates a session around engine with its own relay subscription. The
// lobby is closed once the session is listening.
func (m *Machine) open(engine Engine, adopt bool) *session {
	s := newSession(uuid.New().String(), engine)
	sid := s.id

	engine.OnCandidate(func(c signal.Candidate) { m.post(localCandidate{sid: sid, c: c}) })
	engine.OnFailure(func(err error) { m.post(engineFailed{sid: sid, err: err}) })

	s.sub = m.relay.Subscribe(
		func(env signal.Envelope) { m.post(remoteEnvelope{sid: sid, env: env}) },
		func(err error) { m.post(transportFailed{sid: sid, err: err}) },
	)

	if buffered := m.closeLobby(); adopt && buffered != nil {
		s.candidates = buffered
	}

	s.log.Info("session opened")

	return s
}

// teardown releases everything s holds and returns the machine to idle.
func (m *Machine) teardown(s *session, reason error) {
	m.setPhase(closing{}, nil)

	s.settle(ErrStopped)
	s.sub.Cancel()
	s.candidates.Reset()

	if s.handle != nil {
		m.media.Release(s.handle)
		s.handle = nil
	}

	// Closing the engine may wait on its own callbacks, which post here.
	engine := s.engine
	go func() {
		if err := engine.Close(); err != nil {
			s.log.Warnf("close engine: %v", err)
		}
	}()

	s.log.Info("session closed")

	m.setPhase(idle{}, reason)
}

func (m *Machine) shutdown() {
	switch p := m.phase.(type) {
	case negotiating:
		m.teardown(p.s, ErrStopped)
	case connected:
		m.teardown(p.s, ErrStopped)
	case failed:
		m.teardown(p.s, ErrStopped)
	}

	m.closeLobby()
}

func (m *Machine) fail(s *session, reason error) {
	s.log.Errorf("session failed: %v", reason)

	s.settle(reason)

	m.setPhase(failed{s: s, reason: reason}, reason)
}
