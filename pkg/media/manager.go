package media

import (
	"context"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"

	"sharescreen/pkg/log"
)

// Manager owns the single active capture source and its outbound tracks.
// Acquire, Release and Swap are serialized, so a replacement source never
// starts before the previous one has stopped.
type Manager struct {
	cfg ManagerConfig

	device Device

	mu      chan struct{}
	current *Handle
}

type ManagerConfig struct {
	Audio    AudioSource
	StreamID string

	CameraWidth  int
	CameraHeight int
	ScreenWidth  int
	ScreenHeight int
	Framerate    int
}

// Handle is one live capture source.
type Handle struct {
	id   string
	kind Kind

	video *webrtc.TrackLocalStaticSample
	audio *webrtc.TrackLocalStaticSample

	capture  Capture
	released bool
}

func (h *Handle) ID() string {
	return h.id
}

func (h *Handle) Kind() Kind {
	return h.kind
}

// Tracks returns the outbound tracks, video first.
func (h *Handle) Tracks() []webrtc.TrackLocal {
	tracks := []webrtc.TrackLocal{h.video}
	if h.audio != nil {
		tracks = append(tracks, h.audio)
	}

	return tracks
}

func NewManager(cfg ManagerConfig, device Device) *Manager {
	if len(cfg.StreamID) == 0 {
		cfg.StreamID = "sharescreen"
	}

	if cfg.CameraWidth <= 0 || cfg.CameraHeight <= 0 {
		cfg.CameraWidth, cfg.CameraHeight = 1280, 720
	}

	if cfg.ScreenWidth <= 0 || cfg.ScreenHeight <= 0 {
		cfg.ScreenWidth, cfg.ScreenHeight = 1920, 1080
	}

	if cfg.Framerate <= 0 {
		cfg.Framerate = 30
	}

	return &Manager{
		cfg:    cfg,
		device: device,
		mu:     make(chan struct{}, 1),
	}
}

// lock waits for the manager or for ctx, whichever comes first. A swap stuck
// behind a slow device open can thus be abandoned.
func (m *Manager) lock(ctx context.Context) error {
	select {
	case m.mu <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) unlock() {
	<-m.mu
}

// Current returns the active handle or nil.
func (m *Manager) Current() *Handle {
	m.mu <- struct{}{}
	defer m.unlock()

	return m.current
}

func (m *Manager) Acquire(ctx context.Context, req Request) (*Handle, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	req, err := req.Claim()
	if err != nil {
		return nil, err
	}

	if err := m.lock(ctx); err != nil {
		return nil, errors.Wrap(err, "acquire")
	}
	defer m.unlock()

	if m.current != nil {
		return nil, ErrSourceActive
	}

	return m.acquire(ctx, req)
}

// Release stops h. Releasing an already released handle does nothing.
func (m *Manager) Release(h *Handle) {
	m.mu <- struct{}{}
	defer m.unlock()

	m.release(h)
}

// Swap stops the current source and starts req in one step. The token of req
// is claimed before anything is stopped, so a reused token leaves the current
// source running.
func (m *Manager) Swap(ctx context.Context, req Request) (*Handle, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	req, err := req.Claim()
	if err != nil {
		return nil, err
	}

	if err := m.lock(ctx); err != nil {
		return nil, errors.Wrap(err, "swap")
	}
	defer m.unlock()

	// Both lock cases may be ready at once; an abandoned swap must not stop
	// the source its successor just started.
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, "swap")
	}

	m.release(m.current)

	return m.acquire(ctx, req)
}

func (m *Manager) acquire(ctx context.Context, req Request) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, "acquire")
	}

	h := &Handle{
		id:   uuid.New().String(),
		kind: req.Kind,
	}

	audio := m.cfg.Audio.resolve(req.Kind)
	if err := m.createTracks(h, audio); err != nil {
		return nil, err
	}

	spec := CaptureSpec{
		Kind:      req.Kind,
		Width:     m.cfg.CameraWidth,
		Height:    m.cfg.CameraHeight,
		Framerate: m.cfg.Framerate,
		Audio:     audio,
		Video:     h.video,
	}

	if req.Kind == ScreenCapture {
		spec.Grant = req.Token.Grant()
		spec.Width, spec.Height = m.cfg.ScreenWidth, m.cfg.ScreenHeight
	}

	if h.audio != nil {
		spec.AudioSink = h.audio
	}

	capture, err := m.device.Open(ctx, spec)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.Wrap(ctx.Err(), "acquire")
		}

		return nil, errors.Wrapf(ErrCaptureUnavailable, "%s: %v", req.Kind, err)
	}

	h.capture = capture
	m.current = h

	log.Infof("capture started: %s (audio: %s)", req.Kind, audio)

	return h, nil
}

func (m *Manager) createTracks(h *Handle, audio AudioSource) (err error) {
	h.video, err = webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeVP8,
		ClockRate: 90000,
	}, h.kind.String()+"-video", m.cfg.StreamID)
	if err != nil {
		return errors.Wrap(err, "video track")
	}

	if audio == AudioNone {
		return nil
	}

	h.audio, err = webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: 48000,
		Channels:  2,
	}, audio.String()+"-audio", m.cfg.StreamID)
	if err != nil {
		return errors.Wrap(err, "audio track")
	}

	return nil
}

func (m *Manager) release(h *Handle) {
	if h == nil || h.released {
		return
	}

	h.released = true

	if m.current == h {
		m.current = nil
	}

	if err := h.capture.Stop(); err != nil {
		log.Errorf("stop capture %s: %v", h.kind, err)
	}

	log.Infof("capture stopped: %s", h.kind)
}
