package session

import (
	"sharescreen/pkg/media"
	"sharescreen/pkg/signal"
)

// Everything that touches session state arrives at the actor as one of these.
type event interface{}

type startCmd struct {
	req   media.Request
	reply chan error
}

type switchCmd struct {
	req   media.Request
	reply chan error
}

type stopCmd struct {
	reply chan error
}

type acquired struct {
	sid    string
	gen    uint64
	handle *media.Handle
	err    error
}

// remoteEnvelope is tagged with the subscription's session id. The lobby
// subscription uses an empty id.
type remoteEnvelope struct {
	sid string
	env signal.Envelope
}

type transportFailed struct {
	sid string
	err error
}

type localCandidate struct {
	sid string
	c   signal.Candidate
}

type engineFailed struct {
	sid string
	err error
}
