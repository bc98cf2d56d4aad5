package signal

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"sharescreen/pkg/log"
)

const (
	defaultInitialInterval = 500 * time.Millisecond
	defaultMaxInterval     = 10 * time.Second
	defaultMaxRetries      = 8
	defaultQueueSize       = 256
	defaultWriteTimeout    = 10 * time.Second
)

// Relay is a durable websocket channel to the signaling relay. Outgoing
// envelopes are queued while the channel is down and flushed in order once it
// is back. Received envelopes are fanned out to subscribers in arrival order.
type Relay struct {
	cfg    RelayConfig
	dialer *websocket.Dialer

	mu      sync.Mutex
	conn    *websocket.Conn
	queue   [][]byte
	subs    map[uint64]*subscription
	nextSub uint64
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
	// lost is set once the retry budget ran out and cleared by Connect.
	lost error
}

type RelayConfig struct {
	URL      string
	ClientID string
	// Token is sent as a bearer token when non-empty.
	Token string

	InitialInterval time.Duration
	MaxInterval     time.Duration
	// MaxRetries is the number of consecutive failed attempts tolerated before
	// subscribers are told the transport is unavailable.
	MaxRetries uint64
	QueueSize  int
	// WriteTimeout bounds every write so a stalled connection cannot hold the
	// send path.
	WriteTimeout time.Duration
}

// Subscription detaches a subscriber from the relay.
type Subscription interface {
	Cancel()
}

type subscription struct {
	relay *Relay
	id    uint64

	onEnvelope func(Envelope)
	onFailure  func(error)
}

func (s *subscription) Cancel() {
	s.relay.mu.Lock()
	defer s.relay.mu.Unlock()

	delete(s.relay.subs, s.id)
}

func NewRelay(cfg RelayConfig) *Relay {
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = defaultInitialInterval
	}

	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = defaultMaxInterval
	}

	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultMaxRetries
	}

	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}

	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}

	return &Relay{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
		subs: make(map[uint64]*subscription),
	}
}

func (r *Relay) ClientID() string {
	return r.cfg.ClientID
}

// Connect starts the connection loop. Calling it while the loop is running is
// a no-op; calling it after the retry budget ran out starts a fresh loop.
func (r *Relay) Connect(ctx context.Context) error {
	if len(r.cfg.URL) == 0 {
		return errors.New("relay url is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)

	r.cancel = cancel
	r.done = make(chan struct{})
	r.running = true
	r.lost = nil

	go r.run(ctx, r.done)

	return nil
}

// Disconnect closes the channel and cancels pending retries. Queued envelopes
// are discarded.
func (r *Relay) Disconnect() {
	r.mu.Lock()

	cancel, done, conn := r.cancel, r.done, r.conn
	r.cancel = nil
	r.queue = nil
	r.running = false

	r.mu.Unlock()

	if cancel == nil {
		return
	}

	cancel()

	if conn != nil {
		conn.Close()
	}

	<-done
}

// Send publishes env under the local client id. While the channel is down the
// message is queued. Once the retry budget ran out Send fails with
// ErrTransportUnavailable until Connect is called again.
func (r *Relay) Send(env Envelope) error {
	env.ClientID = r.cfg.ClientID

	payload, err := Encode(env)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.lost != nil && !r.running {
		return r.lost
	}

	if r.conn != nil {
		err := r.write(r.conn, payload)
		if err == nil {
			return nil
		}

		log.Warnf("relay write failed (%v), queueing %s", err, env.Type)

		// The read loop notices the closed connection and reconnects.
		r.conn.Close()
		r.conn = nil
	}

	r.enqueue(payload)

	return nil
}

// Subscribe registers callbacks for received envelopes and for transport
// failure. Subscribing to a relay that already gave up reports the failure
// right away, from another goroutine.
func (r *Relay) Subscribe(onEnvelope func(Envelope), onFailure func(error)) Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextSub++

	s := &subscription{
		relay:      r,
		id:         r.nextSub,
		onEnvelope: onEnvelope,
		onFailure:  onFailure,
	}
	r.subs[s.id] = s

	if r.lost != nil && !r.running && onFailure != nil {
		go onFailure(r.lost)
	}

	return s
}

func (r *Relay) enqueue(payload []byte) {
	if len(r.queue) >= r.cfg.QueueSize {
		log.Warn("relay retry queue full, dropping oldest message")
		r.queue = r.queue[1:]
	}

	r.queue = append(r.queue, payload)
}

func (r *Relay) write(conn *websocket.Conn, payload []byte) error {
	if err := conn.SetWriteDeadline(time.Now().Add(r.cfg.WriteTimeout)); err != nil {
		return err
	}

	return conn.WriteMessage(websocket.TextMessage, payload)
}

func (r *Relay) run(ctx context.Context, done chan struct{}) {
	defer func() {
		r.mu.Lock()
		if r.done == done {
			r.running = false
		}
		r.mu.Unlock()

		close(done)
	}()

	b := r.newBackOff()

	for {
		conn, err := r.dial(ctx)
		if err == nil {
			b.Reset()

			err = r.serve(ctx, conn)
		}

		if ctx.Err() != nil {
			return
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			log.Errorf("relay unreachable, giving up: %v", err)
			r.giveUp(done, errors.Wrap(ErrTransportUnavailable, err.Error()))

			return
		}

		log.Warnf("relay connection lost (%v), retrying in %s", err, wait)

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		}
	}
}

func (r *Relay) newBackOff() backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = r.cfg.InitialInterval
	exp.MaxInterval = r.cfg.MaxInterval
	exp.MaxElapsedTime = 0
	exp.Reset()

	return backoff.WithMaxRetries(exp, r.cfg.MaxRetries)
}

func (r *Relay) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if len(r.cfg.Token) != 0 {
		header.Set("Authorization", "Bearer "+r.cfg.Token)
	}

	conn, _, err := r.dialer.DialContext(ctx, r.cfg.URL, header)
	if err != nil {
		return nil, errors.Wrap(err, "dial relay")
	}

	return conn, nil
}

// serve attaches conn, flushes the retry queue and reads until the connection
// fails.
func (r *Relay) serve(ctx context.Context, conn *websocket.Conn) error {
	defer conn.Close()

	if err := r.attach(ctx, conn); err != nil {
		return err
	}

	log.Infof("relay connected: %s", r.cfg.URL)

	defer r.detach(conn)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return errors.Wrap(err, "read relay")
		}

		env, err := Decode(data)
		if err != nil {
			log.Warnf("dropping signaling message: %v", err)

			continue
		}

		if env.ClientID == r.cfg.ClientID {
			continue
		}

		r.dispatch(env)
	}
}

func (r *Relay) attach(ctx context.Context, conn *websocket.Conn) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Disconnect may have run between dial and attach.
	if ctx.Err() != nil {
		return ctx.Err()
	}

	for len(r.queue) != 0 {
		if err := r.write(conn, r.queue[0]); err != nil {
			return errors.Wrap(err, "flush relay queue")
		}

		r.queue = r.queue[1:]
	}

	r.conn = conn

	return nil
}

func (r *Relay) detach(conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conn == conn {
		r.conn = nil
	}
}

func (r *Relay) snapshot() []*subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs := make([]*subscription, 0, len(r.subs))
	for _, s := range r.subs {
		subs = append(subs, s)
	}

	return subs
}

func (r *Relay) dispatch(env Envelope) {
	for _, s := range r.snapshot() {
		if s.onEnvelope != nil {
			s.onEnvelope(env)
		}
	}
}

// giveUp marks the loop identified by done as finished before subscribers
// hear about it, so that a Connect issued from a failure callback starts a
// new loop.
func (r *Relay) giveUp(done chan struct{}, err error) {
	r.mu.Lock()
	if r.done == done {
		r.running = false
		r.lost = err
	}
	r.mu.Unlock()

	r.fail(err)
}

func (r *Relay) fail(err error) {
	for _, s := range r.snapshot() {
		if s.onFailure != nil {
			s.onFailure(err)
		}
	}
}
