// Package candidate buffers remote connectivity candidates until the session
// has a remote description to apply them against.
package candidate

import (
	"sync"

	"sharescreen/pkg/signal"
)

type Queue struct {
	mu      sync.Mutex
	open    bool
	pending []pending
}

// pending is a buffered candidate with the client id it arrived from. An empty
// id matches any peer.
type pending struct {
	from string
	c    signal.Candidate
}

func New() *Queue {
	return &Queue{}
}

func (q *Queue) Enqueue(c signal.Candidate) {
	q.EnqueueFrom("", c)
}

// EnqueueFrom buffers c as sent by the client from.
func (q *Queue) EnqueueFrom(from string, c signal.Candidate) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.pending = append(q.pending, pending{from: from, c: c})
}

// Offer applies c right away when the queue is open and buffers it otherwise.
// It reports whether c was applied.
func (q *Queue) Offer(c signal.Candidate, apply func(signal.Candidate)) bool {
	return q.OfferFrom("", c, apply)
}

func (q *Queue) OfferFrom(from string, c signal.Candidate, apply func(signal.Candidate)) bool {
	q.mu.Lock()

	if !q.open {
		q.pending = append(q.pending, pending{from: from, c: c})
		q.mu.Unlock()

		return false
	}

	q.mu.Unlock()

	apply(c)

	return true
}

// DrainInto hands every buffered candidate to sink as one FIFO batch and
// clears the queue. sink is not called when nothing is buffered.
func (q *Queue) DrainInto(sink func([]signal.Candidate)) {
	q.DrainFrom("", sink)
}

// DrainFrom is DrainInto restricted to candidates sent by peer. Candidates
// tagged with another client id are discarded and counted. An empty peer
// accepts everything.
func (q *Queue) DrainFrom(peer string, sink func([]signal.Candidate)) (dropped int) {
	q.mu.Lock()
	buffered := q.pending
	q.pending = nil
	q.mu.Unlock()

	batch := make([]signal.Candidate, 0, len(buffered))

	for _, p := range buffered {
		if len(peer) != 0 && len(p.from) != 0 && p.from != peer {
			dropped++
			continue
		}

		batch = append(batch, p.c)
	}

	if len(batch) != 0 {
		sink(batch)
	}

	return dropped
}

func (q *Queue) Open() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.open = true
}

func (q *Queue) IsOpen() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.open
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.pending)
}

// Reset closes the queue and discards buffered candidates.
func (q *Queue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.open = false
	q.pending = nil
}
