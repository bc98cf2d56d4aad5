package signal

type DescriptionKind string

const (
	Offer  DescriptionKind = "offer"
	Answer DescriptionKind = "answer"
)

// Description is a session description produced by the media engine.
type Description struct {
	Kind DescriptionKind
	SDP  string
}

// Candidate is a connectivity candidate for one media section.
type Candidate struct {
	Mid        string
	MLineIndex int
	Candidate  string
}

type EnvelopeType string

const (
	TypeOffer     EnvelopeType = "offer"
	TypeAnswer    EnvelopeType = "answer"
	TypeCandidate EnvelopeType = "candidate"
)

// Envelope is one signaling message routed by the relay. Exactly one of
// Description and Candidate is set, depending on Type.
type Envelope struct {
	Type     EnvelopeType
	ClientID string

	Description *Description
	Candidate   *Candidate
}

func NewDescriptionEnvelope(d Description) Envelope {
	t := TypeOffer
	if d.Kind == Answer {
		t = TypeAnswer
	}

	return Envelope{Type: t, Description: &d}
}

func NewCandidateEnvelope(c Candidate) Envelope {
	return Envelope{Type: TypeCandidate, Candidate: &c}
}
