package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"sharescreen/pkg/media"
	"sharescreen/pkg/signal"
)

const testSDP = "v=0\r\n" +
	"o=- 1 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=video 9 UDP/TLS/RTP/SAVPF 96\r\n" +
	"a=mid:0\r\n" +
	"a=rtpmap:96 VP8/90000\r\n" +
	"a=fmtp:96 x-google-start-bitrate=1\r\n"

type fakeEngine struct {
	mu sync.Mutex

	calls      []string
	applied    []signal.Candidate
	tracks     [][]webrtc.TrackLocal
	remoteErr  error
	closed     int
	candidateH func(signal.Candidate)
	failureH   func(error)
}

func (e *fakeEngine) record(call string) {
	e.calls = append(e.calls, call)
}

func (e *fakeEngine) CreateOffer() (signal.Description, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.record("create-offer")

	return signal.Description{Kind: signal.Offer, SDP: testSDP}, nil
}

func (e *fakeEngine) CreateAnswer() (signal.Description, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.record("create-answer")

	return signal.Description{Kind: signal.Answer, SDP: testSDP}, nil
}

func (e *fakeEngine) SetLocalDescription(d signal.Description) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.record("local-" + string(d.Kind))

	return nil
}

func (e *fakeEngine) SetRemoteDescription(d signal.Description) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.remoteErr != nil {
		return e.remoteErr
	}

	e.record("remote-" + string(d.Kind))

	return nil
}

func (e *fakeEngine) AddCandidate(c signal.Candidate) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.record("candidate")
	e.applied = append(e.applied, c)

	return nil
}

func (e *fakeEngine) SetTracks(tracks []webrtc.TrackLocal) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.record("tracks")
	e.tracks = append(e.tracks, tracks)

	return nil
}

func (e *fakeEngine) OnCandidate(h func(signal.Candidate)) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.candidateH = h
}

func (e *fakeEngine) OnFailure(h func(error)) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.failureH = h
}

func (e *fakeEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.closed++

	return nil
}

func (e *fakeEngine) rejectRemote(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.remoteErr = err
}

func (e *fakeEngine) fireCandidate(c signal.Candidate) {
	e.mu.Lock()
	h := e.candidateH
	e.mu.Unlock()

	h(c)
}

func (e *fakeEngine) fireFailure(err error) {
	e.mu.Lock()
	h := e.failureH
	e.mu.Unlock()

	h(err)
}

func (e *fakeEngine) callLog() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	return append([]string(nil), e.calls...)
}

func (e *fakeEngine) appliedCandidates() []signal.Candidate {
	e.mu.Lock()
	defer e.mu.Unlock()

	return append([]signal.Candidate(nil), e.applied...)
}

func (e *fakeEngine) lastTracks() []webrtc.TrackLocal {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.tracks) == 0 {
		return nil
	}

	return e.tracks[len(e.tracks)-1]
}

func (e *fakeEngine) closeCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.closed
}

type fakeRelay struct {
	mu       sync.Mutex
	next     int
	subs     map[int]*fakeSub
	sent     []signal.Envelope
	connects int
	sendErr  error
}

type fakeSub struct {
	relay *fakeRelay
	id    int

	onEnvelope func(signal.Envelope)
	onFailure  func(error)
}

func (s *fakeSub) Cancel() {
	s.relay.mu.Lock()
	defer s.relay.mu.Unlock()

	delete(s.relay.subs, s.id)
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{subs: make(map[int]*fakeSub)}
}

func (r *fakeRelay) Connect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.connects++

	return nil
}

func (r *fakeRelay) Send(env signal.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sendErr != nil {
		return r.sendErr
	}

	r.sent = append(r.sent, env)

	return nil
}

func (r *fakeRelay) Subscribe(onEnvelope func(signal.Envelope), onFailure func(error)) signal.Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.next++

	s := &fakeSub{relay: r, id: r.next, onEnvelope: onEnvelope, onFailure: onFailure}
	r.subs[s.id] = s

	return s
}

func (r *fakeRelay) snapshot() []*fakeSub {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs := make([]*fakeSub, 0, len(r.subs))
	for _, s := range r.subs {
		subs = append(subs, s)
	}

	return subs
}

func (r *fakeRelay) deliver(env signal.Envelope) {
	for _, s := range r.snapshot() {
		s.onEnvelope(env)
	}
}

func (r *fakeRelay) fail(err error) {
	for _, s := range r.snapshot() {
		s.onFailure(err)
	}
}

func (r *fakeRelay) sentOf(t signal.EnvelopeType) []signal.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []signal.Envelope

	for _, env := range r.sent {
		if env.Type == t {
			out = append(out, env)
		}
	}

	return out
}

func (r *fakeRelay) refuseSends(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sendErr = err
}

func (r *fakeRelay) connectCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.connects
}

func (r *fakeRelay) subCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.subs)
}

type fakeDevice struct {
	mu sync.Mutex

	active    int
	maxActive int
	stopped   int
	fail      map[media.Kind]bool
	gates     map[media.Kind]chan struct{}

	opening chan media.Kind
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		fail:    make(map[media.Kind]bool),
		gates:   make(map[media.Kind]chan struct{}),
		opening: make(chan media.Kind, 32),
	}
}

func (d *fakeDevice) Open(ctx context.Context, spec media.CaptureSpec) (media.Capture, error) {
	d.mu.Lock()
	gate, failing := d.gates[spec.Kind], d.fail[spec.Kind]
	d.mu.Unlock()

	select {
	case d.opening <- spec.Kind:
	default:
	}

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if failing {
		return nil, errors.New("permission denied")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.active++
	if d.active > d.maxActive {
		d.maxActive = d.active
	}

	return &fakeCapture{device: d}, nil
}

// hold makes opens of kind block until the returned channel is closed.
func (d *fakeDevice) hold(kind media.Kind) chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()

	gate := make(chan struct{})
	d.gates[kind] = gate

	return gate
}

func (d *fakeDevice) refuse(kind media.Kind) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.fail[kind] = true
}

func (d *fakeDevice) counts() (active, maxActive, stopped int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.active, d.maxActive, d.stopped
}

func (d *fakeDevice) waitOpening(t *testing.T, kind media.Kind) {
	t.Helper()

	timeout := time.After(time.Second)

	for {
		select {
		case k := <-d.opening:
			if k == kind {
				return
			}
		case <-timeout:
			t.Fatalf("device never opened %s", kind)
		}
	}
}

type fakeCapture struct {
	device *fakeDevice
	once   sync.Once
}

func (c *fakeCapture) Stop() error {
	c.once.Do(func() {
		c.device.mu.Lock()
		defer c.device.mu.Unlock()

		c.device.active--
		c.device.stopped++
	})

	return nil
}

type transition struct {
	state  State
	reason error
}

type harness struct {
	machine *Machine
	relay   *fakeRelay
	device  *fakeDevice

	mu          sync.Mutex
	engines     []*fakeEngine
	transitions []transition
}

func newHarness(t *testing.T) *harness {
	h := &harness{
		relay:  newFakeRelay(),
		device: newFakeDevice(),
	}

	manager := media.NewManager(media.ManagerConfig{Audio: media.AudioNone}, h.device)

	h.machine = New(Config{OnStateChange: h.onStateChange}, h.relay, manager, func() (Engine, error) {
		e := &fakeEngine{}

		h.mu.Lock()
		h.engines = append(h.engines, e)
		h.mu.Unlock()

		return e, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		h.machine.Run(ctx)
		close(done)
	}()

	t.Cleanup(func() {
		cancel()
		<-done
	})

	// The idle listener is in place once Run has started.
	require.Eventually(t, func() bool {
		return h.relay.subCount() == 1
	}, time.Second, time.Millisecond)

	return h
}

func (h *harness) onStateChange(s State, reason error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.transitions = append(h.transitions, transition{state: s, reason: reason})
}

func (h *harness) engine(t *testing.T, i int) *fakeEngine {
	t.Helper()

	h.mu.Lock()
	defer h.mu.Unlock()

	require.Greater(t, len(h.engines), i, "engine %d was never created", i)

	return h.engines[i]
}

func (h *harness) engineCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.engines)
}

func (h *harness) lastReason() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.transitions) == 0 {
		return nil
	}

	return h.transitions[len(h.transitions)-1].reason
}

func (h *harness) waitState(t *testing.T, want State) {
	t.Helper()

	require.Eventually(t, func() bool {
		return h.machine.CurrentState() == want
	}, time.Second, 5*time.Millisecond, "state never became %s", want)
}

// barrier returns once every event posted before it has been handled. It
// relies on Start being rejected outside of Idle.
func (h *harness) barrier(t *testing.T) {
	t.Helper()

	err := h.machine.Start(context.Background(), media.Request{Kind: media.FrontCamera})
	require.ErrorIs(t, err, ErrInvalidState)
}

func (h *harness) connect(t *testing.T) {
	t.Helper()

	require.NoError(t, h.machine.Start(context.Background(), media.Request{Kind: media.FrontCamera}))

	h.relay.deliver(answerFrom("peer-1"))
	h.waitState(t, Connected)
}

func answerFrom(peer string) signal.Envelope {
	return signal.Envelope{
		Type:        signal.TypeAnswer,
		ClientID:    peer,
		Description: &signal.Description{Kind: signal.Answer, SDP: testSDP},
	}
}

func offerFrom(peer string) signal.Envelope {
	return signal.Envelope{
		Type:        signal.TypeOffer,
		ClientID:    peer,
		Description: &signal.Description{Kind: signal.Offer, SDP: testSDP},
	}
}

func candidateFrom(peer string, c signal.Candidate) signal.Envelope {
	return signal.Envelope{Type: signal.TypeCandidate, ClientID: peer, Candidate: &c}
}

func indexOf(calls []string, call string) int {
	for i, c := range calls {
		if c == call {
			return i
		}
	}

	return -1
}
