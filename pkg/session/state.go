package session

// State is the externally visible phase of the machine.
type State int32

const (
	Idle State = iota
	Negotiating
	Connected
	Closing
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Negotiating:
		return "negotiating"
	case Connected:
		return "connected"
	case Closing:
		return "closing"
	case Failed:
		return "failed"
	}

	return "unknown"
}
