package peer

import (
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"

	"sharescreen/pkg/log"
	"sharescreen/pkg/signal"
)

// WebRTC is the media engine of one sharing session: a pion PeerConnection
// with one sendonly transceiver per media kind. Switching sources replaces
// the tracks on the existing senders so the transport survives.
type WebRTC struct {
	conn *webrtc.PeerConnection

	mu               sync.Mutex
	senders          map[webrtc.RTPCodecType]*webrtc.RTPSender
	candidateHandler func(signal.Candidate)
	failureHandler   func(error)
}

type WebRTCConfig struct {
	STUN []string
}

func NewWebRTC(cfg WebRTCConfig) (*WebRTC, error) {
	ice := make([]webrtc.ICEServer, len(cfg.STUN))

	for i, stun := range cfg.STUN {
		ice[i] = webrtc.ICEServer{
			URLs: []string{"stun:" + stun},
		}
	}

	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, errors.Wrap(err, "register codecs")
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, errors.Wrap(err, "register interceptors")
	}

	settings := webrtc.SettingEngine{LoggerFactory: log.PionFactory{}}
	settings.SetICETimeouts(10*time.Second, 25*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(settings),
	)

	conn, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers:   ice,
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
	})
	if err != nil {
		return nil, err
	}

	p := &WebRTC{
		conn:             conn,
		senders:          make(map[webrtc.RTPCodecType]*webrtc.RTPSender),
		candidateHandler: func(signal.Candidate) {},
		failureHandler:   func(error) {},
	}

	p.conn.OnICECandidate(p.onConnICECandidate)
	p.conn.OnConnectionStateChange(p.onConnStateChange)

	return p, nil
}

func (p *WebRTC) CreateOffer() (signal.Description, error) {
	offer, err := p.conn.CreateOffer(nil)
	if err != nil {
		return signal.Description{}, err
	}

	return fromSessionDescription(offer), nil
}

func (p *WebRTC) CreateAnswer() (signal.Description, error) {
	answer, err := p.conn.CreateAnswer(nil)
	if err != nil {
		return signal.Description{}, err
	}

	return fromSessionDescription(answer), nil
}

func (p *WebRTC) SetLocalDescription(d signal.Description) error {
	sdp, err := toSessionDescription(d)
	if err != nil {
		return err
	}

	return p.conn.SetLocalDescription(sdp)
}

func (p *WebRTC) SetRemoteDescription(d signal.Description) error {
	sdp, err := toSessionDescription(d)
	if err != nil {
		return err
	}

	return p.conn.SetRemoteDescription(sdp)
}

func (p *WebRTC) AddCandidate(c signal.Candidate) error {
	return p.conn.AddICECandidate(toCandidateInit(c))
}

// SetTracks makes tracks the outbound media. Kinds without a track in tracks
// keep their transceiver but send nothing.
func (p *WebRTC) SetTracks(tracks []webrtc.TrackLocal) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	byKind := make(map[webrtc.RTPCodecType]webrtc.TrackLocal, len(tracks))
	for _, track := range tracks {
		byKind[track.Kind()] = track
	}

	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		track := byKind[kind]

		if sender, ok := p.senders[kind]; ok {
			if err := sender.ReplaceTrack(track); err != nil {
				return errors.Wrapf(err, "replace %s track", kind)
			}

			continue
		}

		if track == nil {
			continue
		}

		transceiver, err := p.conn.AddTransceiverFromTrack(track, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionSendonly,
		})
		if err != nil {
			return errors.Wrapf(err, "add %s transceiver", kind)
		}

		sender := transceiver.Sender()
		p.senders[kind] = sender

		go drainRTCP(sender)
	}

	return nil
}

func (p *WebRTC) OnCandidate(h func(signal.Candidate)) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.candidateHandler = h
}

// OnFailure registers h to be called when the connection fails for good.
func (p *WebRTC) OnFailure(h func(error)) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.failureHandler = h
}

func (p *WebRTC) Close() error {
	return p.conn.Close()
}

func (p *WebRTC) onConnICECandidate(candidate *webrtc.ICECandidate) {
	if candidate == nil {
		return
	}

	p.mu.Lock()
	h := p.candidateHandler
	p.mu.Unlock()

	h(fromCandidateInit(candidate.ToJSON()))
}

func (p *WebRTC) onConnStateChange(state webrtc.PeerConnectionState) {
	log.Info("connection state changed: ", state)

	if state != webrtc.PeerConnectionStateFailed {
		return
	}

	p.mu.Lock()
	h := p.failureHandler
	p.mu.Unlock()

	h(errors.Errorf("peer connection %s", state))
}

// drainRTCP reads incoming RTCP so interceptors keep processing it.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)

	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}
