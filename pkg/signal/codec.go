package signal

import (
	"encoding/json"

	"github.com/pkg/errors"
)

type wireDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

type wireCandidate struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid"`
	SDPMLineIndex *int   `json:"sdpMLineIndex"`
}

type wireMessage struct {
	Offer     *wireDescription `json:"offer,omitempty"`
	Answer    *wireDescription `json:"answer,omitempty"`
	Candidate *wireCandidate   `json:"candidate,omitempty"`
	ClientID  string           `json:"clientId"`
}

// Encode serializes env into the relay wire format.
func Encode(env Envelope) ([]byte, error) {
	msg := wireMessage{ClientID: env.ClientID}

	switch env.Type {
	case TypeOffer, TypeAnswer:
		if env.Description == nil {
			return nil, errors.Errorf("%s envelope without description", env.Type)
		}

		d := &wireDescription{Type: string(env.Type), SDP: env.Description.SDP}
		if env.Type == TypeOffer {
			msg.Offer = d
		} else {
			msg.Answer = d
		}

	case TypeCandidate:
		if env.Candidate == nil {
			return nil, errors.New("candidate envelope without candidate")
		}

		idx := env.Candidate.MLineIndex
		msg.Candidate = &wireCandidate{
			Candidate:     env.Candidate.Candidate,
			SDPMid:        env.Candidate.Mid,
			SDPMLineIndex: &idx,
		}

	default:
		return nil, errors.Errorf("unknown envelope type %q", env.Type)
	}

	return json.Marshal(msg)
}

// Decode parses and validates one wire message. Every failure wraps
// ErrSignalingMalformed.
func Decode(data []byte) (Envelope, error) {
	var msg wireMessage

	if err := json.Unmarshal(data, &msg); err != nil {
		return Envelope{}, errors.Wrap(ErrSignalingMalformed, err.Error())
	}

	bodies := 0
	for _, present := range []bool{msg.Offer != nil, msg.Answer != nil, msg.Candidate != nil} {
		if present {
			bodies++
		}
	}

	if bodies != 1 {
		return Envelope{}, errors.Wrapf(ErrSignalingMalformed, "expected one body, got %d", bodies)
	}

	if len(msg.ClientID) == 0 {
		return Envelope{}, errors.Wrap(ErrSignalingMalformed, "missing clientId")
	}

	switch {
	case msg.Offer != nil:
		return decodeDescription(Offer, msg.Offer, msg.ClientID)
	case msg.Answer != nil:
		return decodeDescription(Answer, msg.Answer, msg.ClientID)
	default:
		return decodeCandidate(msg.Candidate, msg.ClientID)
	}
}

func decodeDescription(kind DescriptionKind, d *wireDescription, clientID string) (Envelope, error) {
	if len(d.SDP) == 0 {
		return Envelope{}, errors.Wrapf(ErrSignalingMalformed, "%s without sdp", kind)
	}

	if len(d.Type) != 0 && d.Type != string(kind) {
		return Envelope{}, errors.Wrapf(ErrSignalingMalformed, "%s body typed %q", kind, d.Type)
	}

	env := NewDescriptionEnvelope(Description{Kind: kind, SDP: d.SDP})
	env.ClientID = clientID

	return env, nil
}

func decodeCandidate(c *wireCandidate, clientID string) (Envelope, error) {
	switch {
	case len(c.Candidate) == 0:
		return Envelope{}, errors.Wrap(ErrSignalingMalformed, "candidate without candidate line")
	case len(c.SDPMid) == 0:
		return Envelope{}, errors.Wrap(ErrSignalingMalformed, "candidate without sdpMid")
	case c.SDPMLineIndex == nil || *c.SDPMLineIndex < 0:
		return Envelope{}, errors.Wrap(ErrSignalingMalformed, "candidate without valid sdpMLineIndex")
	}

	env := NewCandidateEnvelope(Candidate{
		Mid:        c.SDPMid,
		MLineIndex: *c.SDPMLineIndex,
		Candidate:  c.Candidate,
	})
	env.ClientID = clientID

	return env, nil
}
