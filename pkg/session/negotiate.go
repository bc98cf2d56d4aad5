package session

import (
	"context"

	"github.com/pkg/errors"

	"sharescreen/pkg/bitrate"
	"sharescreen/pkg/log"
	"sharescreen/pkg/media"
	"sharescreen/pkg/signal"
)

func (m *Machine) onStart(cmd startCmd) {
	if _, ok := m.phase.(idle); !ok {
		cmd.reply <- ErrInvalidState
		return
	}

	req, err := claim(cmd.req)
	if err != nil {
		cmd.reply <- err
		return
	}

	// The relay may have given up while the machine sat idle.
	if err := m.relay.Connect(m.ctx); err != nil {
		cmd.reply <- errors.Wrap(err, "connect relay")
		return
	}

	engine, err := m.newEngine()
	if err != nil {
		cmd.reply <- errors.Wrap(err, "create engine")
		return
	}

	s := m.open(engine, false)
	m.setPhase(negotiating{s: s}, nil)

	s.log.Infof("starting with %s", req.Kind)

	m.acquire(s, req, cmd.reply)
}

func (m *Machine) onSwitch(cmd switchCmd) {
	s := m.active()
	if s == nil {
		cmd.reply <- ErrInvalidState
		return
	}

	req, err := claim(cmd.req)
	if err != nil {
		cmd.reply <- err
		return
	}

	s.log.Infof("switching to %s", req.Kind)

	m.setPhase(negotiating{s: s}, nil)
	m.acquire(s, req, cmd.reply)
}

func (m *Machine) onStop(cmd stopCmd) {
	switch p := m.phase.(type) {
	case negotiating:
		m.teardown(p.s, nil)
	case connected:
		m.teardown(p.s, nil)
	case failed:
		m.teardown(p.s, nil)
	}

	if err := m.relay.Connect(m.ctx); err != nil {
		log.Warnf("reconnect relay: %v", err)
	}

	m.openLobby()

	cmd.reply <- nil
}

// claim rejects unusable requests and consumes the capture token, so that a
// reused token fails here and leaves any acquisition in flight alone.
func claim(req media.Request) (media.Request, error) {
	if err := req.Validate(); err != nil {
		return req, err
	}

	return req.Claim()
}

// acquire starts a capture swap for s. A swap still in flight is cancelled and
// its caller gets ErrSuperseded.
func (m *Machine) acquire(s *session, req media.Request, reply chan error) {
	if s.acquiring() {
		s.log.Info("pending source request superseded")
		s.settle(ErrSuperseded)
	}

	ctx, cancel := context.WithCancel(m.ctx)

	s.gen++
	s.cancel = cancel
	s.pending = reply

	sid, gen := s.id, s.gen

	go func() {
		h, err := m.media.Swap(ctx, req)

		if !m.post(acquired{sid: sid, gen: gen, handle: h, err: err}) && h != nil {
			m.media.Release(h)
		}
	}()
}

func (m *Machine) onAcquired(ev acquired) {
	s := m.lookup(ev.sid)
	if s == nil || s.gen != ev.gen {
		if ev.handle != nil {
			log.Debugf("releasing stale capture %s", ev.handle.Kind())
			go m.media.Release(ev.handle)
		}

		return
	}

	s.cancel()
	s.cancel = nil

	reply := s.pending
	s.pending = nil

	if ev.err != nil {
		reply <- m.acquireFailed(s, ev.err)
		return
	}

	s.handle = ev.handle
	s.kind = ev.handle.Kind()

	if err := s.engine.SetTracks(ev.handle.Tracks()); err != nil {
		err = errors.Wrap(err, "attach tracks")
		m.fail(s, err)
		reply <- err

		return
	}

	if err := m.offer(s); err != nil {
		m.fail(s, err)
		reply <- err

		return
	}

	reply <- nil
}

// acquireFailed handles a capture that could not start. A session that never
// exchanged a description is dropped; otherwise it continues without media.
func (m *Machine) acquireFailed(s *session, err error) error {
	s.log.Warnf("capture failed: %v", err)

	if !s.described {
		m.teardown(s, err)
		m.openLobby()

		return err
	}

	// The swap stopped the previous source before the new one failed.
	s.handle = nil

	if err := s.engine.SetTracks(nil); err != nil {
		s.log.Warnf("detach tracks: %v", err)
	}

	if !s.awaitingAnswer && s.established {
		m.setPhase(connected{s: s}, nil)
	}

	return err
}

// offer publishes a new local offer, or marks one to follow as soon as the
// outstanding offer is answered.
func (m *Machine) offer(s *session) error {
	if s.awaitingAnswer {
		s.reoffer = true
		return nil
	}

	offer, err := s.engine.CreateOffer()
	if err != nil {
		return errors.Wrap(err, "create offer")
	}

	offer = bitrate.Rewrite(offer, m.policy(s.kind))

	if err := s.engine.SetLocalDescription(offer); err != nil {
		return errors.Wrap(err, "set local offer")
	}

	s.described = true
	s.awaitingAnswer = true

	m.setPhase(negotiating{s: s}, nil)

	if err := m.relay.Send(signal.NewDescriptionEnvelope(offer)); err != nil {
		return errors.Wrap(err, "publish offer")
	}

	s.log.Info("offer published")

	return nil
}

func (m *Machine) onRemote(ev remoteEnvelope) {
	if !wellFormed(ev.env) {
		log.Warnf("dropping incomplete %s envelope from %s", ev.env.Type, ev.env.ClientID)
		return
	}

	if len(ev.sid) == 0 {
		m.onLobby(ev.env)
		return
	}

	s := m.lookup(ev.sid)
	if s == nil {
		log.Debugf("dropping %s for closed session %s", ev.env.Type, ev.sid)
		return
	}

	if len(s.remote) != 0 && ev.env.ClientID != s.remote {
		s.log.Debugf("ignoring %s from %s, peer is %s", ev.env.Type, ev.env.ClientID, s.remote)
		return
	}

	switch ev.env.Type {
	case signal.TypeCandidate:
		if !s.candidates.OfferFrom(ev.env.ClientID, *ev.env.Candidate, func(c signal.Candidate) { applyCandidate(s, c) }) {
			s.log.Debugf("candidate from %s buffered", ev.env.ClientID)
		}
	case signal.TypeAnswer:
		m.onAnswer(s, ev.env)
	case signal.TypeOffer:
		m.onOffer(s, ev.env)
	}
}

func wellFormed(env signal.Envelope) bool {
	switch env.Type {
	case signal.TypeOffer, signal.TypeAnswer:
		return env.Description != nil && len(env.Description.SDP) != 0
	case signal.TypeCandidate:
		return env.Candidate != nil
	}

	return false
}

func (m *Machine) onLobby(env signal.Envelope) {
	if m.lobby == nil {
		return
	}

	switch env.Type {
	case signal.TypeCandidate:
		m.lobby.candidates.EnqueueFrom(env.ClientID, *env.Candidate)
	case signal.TypeOffer:
		m.accept(env)
	default:
		log.Debugf("ignoring %s from %s while idle", env.Type, env.ClientID)
	}
}

// accept opens a session for an offer received while idle and answers it.
func (m *Machine) accept(env signal.Envelope) {
	engine, err := m.newEngine()
	if err != nil {
		log.Errorf("create engine for offer from %s: %v", env.ClientID, err)
		return
	}

	s := m.open(engine, true)
	m.setPhase(negotiating{s: s}, nil)

	if err := m.answer(s, env); err != nil {
		m.fail(s, err)
		return
	}

	m.setPhase(connected{s: s}, nil)
}

func (m *Machine) onAnswer(s *session, env signal.Envelope) {
	if !s.awaitingAnswer {
		s.log.Warnf("unexpected answer from %s ignored", env.ClientID)
		return
	}

	if err := s.engine.SetRemoteDescription(*env.Description); err != nil {
		m.fail(s, errors.Wrapf(ErrNegotiationRejected, "answer from %s: %v", env.ClientID, err))
		return
	}

	s.awaitingAnswer = false
	s.established = true
	s.remote = env.ClientID

	m.flushCandidates(s)

	if s.reoffer {
		s.reoffer = false

		if err := m.offer(s); err != nil {
			m.fail(s, err)
		}

		return
	}

	// A switch in flight will offer again once its source is up.
	if s.acquiring() {
		return
	}

	m.setPhase(connected{s: s}, nil)
}

func (m *Machine) onOffer(s *session, env signal.Envelope) {
	if s.awaitingAnswer {
		s.log.Warnf("offer from %s collides with our pending offer, ignored", env.ClientID)
		return
	}

	if err := m.answer(s, env); err != nil {
		m.fail(s, err)
		return
	}

	if s.acquiring() {
		return
	}

	m.setPhase(connected{s: s}, nil)
}

func (m *Machine) answer(s *session, env signal.Envelope) error {
	if err := s.engine.SetRemoteDescription(*env.Description); err != nil {
		return errors.Wrapf(ErrNegotiationRejected, "offer from %s: %v", env.ClientID, err)
	}

	s.established = true
	s.remote = env.ClientID

	answer, err := s.engine.CreateAnswer()
	if err != nil {
		return errors.Wrap(err, "create answer")
	}

	answer = bitrate.Rewrite(answer, m.policy(s.kind))

	if err := s.engine.SetLocalDescription(answer); err != nil {
		return errors.Wrap(err, "set local answer")
	}

	s.described = true

	m.flushCandidates(s)

	if err := m.relay.Send(signal.NewDescriptionEnvelope(answer)); err != nil {
		return errors.Wrap(err, "publish answer")
	}

	s.log.Infof("answered %s", env.ClientID)

	return nil
}

// flushCandidates opens the queue and applies what the remote peer sent
// before its description was known. Candidates from other clients are dropped.
func (m *Machine) flushCandidates(s *session) {
	s.candidates.Open()

	dropped := s.candidates.DrainFrom(s.remote, func(batch []signal.Candidate) {
		s.log.Debugf("applying %d buffered candidates", len(batch))

		for _, c := range batch {
			applyCandidate(s, c)
		}
	})
	if dropped != 0 {
		s.log.Debugf("dropped %d buffered candidates not sent by %s", dropped, s.remote)
	}
}

func applyCandidate(s *session, c signal.Candidate) {
	if err := s.engine.AddCandidate(c); err != nil {
		s.log.Warnf("add candidate %s: %v", c.Mid, err)
	}
}

func (m *Machine) onLocalCandidate(ev localCandidate) {
	s := m.lookup(ev.sid)
	if s == nil {
		return
	}

	if err := m.relay.Send(signal.NewCandidateEnvelope(ev.c)); err != nil {
		s.log.Warnf("publish candidate: %v", err)
	}
}

func (m *Machine) onTransportFailed(ev transportFailed) {
	if len(ev.sid) == 0 {
		if _, ok := m.phase.(idle); ok {
			log.Errorf("relay unavailable: %v", ev.err)
		}

		return
	}

	if s := m.lookup(ev.sid); s != nil {
		m.fail(s, ev.err)
	}
}

func (m *Machine) onEngineFailed(ev engineFailed) {
	if s := m.lookup(ev.sid); s != nil {
		m.fail(s, errors.Wrap(ev.err, "engine"))
	}
}
