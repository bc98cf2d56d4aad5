package peer

import (
	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"

	"sharescreen/pkg/signal"
)

func toSessionDescription(d signal.Description) (webrtc.SessionDescription, error) {
	switch d.Kind {
	case signal.Offer:
		return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: d.SDP}, nil
	case signal.Answer:
		return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: d.SDP}, nil
	}

	return webrtc.SessionDescription{}, errors.Errorf("unsupported description kind %q", d.Kind)
}

func fromSessionDescription(sdp webrtc.SessionDescription) signal.Description {
	kind := signal.Offer
	if sdp.Type == webrtc.SDPTypeAnswer {
		kind = signal.Answer
	}

	return signal.Description{Kind: kind, SDP: sdp.SDP}
}

func toCandidateInit(c signal.Candidate) webrtc.ICECandidateInit {
	mid := c.Mid
	index := uint16(c.MLineIndex)

	return webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        &mid,
		SDPMLineIndex: &index,
	}
}

func fromCandidateInit(init webrtc.ICECandidateInit) signal.Candidate {
	c := signal.Candidate{Candidate: init.Candidate}

	if init.SDPMid != nil {
		c.Mid = *init.SDPMid
	}

	if init.SDPMLineIndex != nil {
		c.MLineIndex = int(*init.SDPMLineIndex)
	}

	return c
}
