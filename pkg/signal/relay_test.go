package signal

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 5 * time.Second

type fakeRelayServer struct {
	srv   *httptest.Server
	conns chan *websocket.Conn
	auth  chan string
}

func newFakeRelayServer(t *testing.T) *fakeRelayServer {
	t.Helper()

	f := &fakeRelayServer{
		conns: make(chan *websocket.Conn, 8),
		auth:  make(chan string, 8),
	}

	upgrader := websocket.Upgrader{}

	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}

		f.auth <- r.Header.Get("Authorization")
		f.conns <- conn
	}))
	t.Cleanup(f.srv.Close)

	return f
}

func (f *fakeRelayServer) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *fakeRelayServer) accept(t *testing.T) *websocket.Conn {
	t.Helper()

	select {
	case conn := <-f.conns:
		t.Cleanup(func() { conn.Close() })
		return conn
	case <-time.After(waitTimeout):
		t.Fatal("relay did not connect")
		return nil
	}
}

func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitTimeout)))

	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	env, err := Decode(data)
	require.NoError(t, err)

	return env
}

func newTestRelay(t *testing.T, url string) *Relay {
	t.Helper()

	r := NewRelay(RelayConfig{
		URL:             url,
		ClientID:        "me",
		Token:           "tkn",
		InitialInterval: 5 * time.Millisecond,
		MaxInterval:     20 * time.Millisecond,
		MaxRetries:      3,
	})
	t.Cleanup(r.Disconnect)

	return r
}

func TestRelayDeliversInArrivalOrder(t *testing.T) {
	f := newFakeRelayServer(t)
	r := newTestRelay(t, f.url())

	received := make(chan Envelope, 8)
	r.Subscribe(func(env Envelope) { received <- env }, nil)

	require.NoError(t, r.Connect(context.Background()))
	conn := f.accept(t)

	assert.Equal(t, "Bearer tkn", <-f.auth)

	for _, raw := range []string{
		`{"offer":{"type":"offer","sdp":"first"},"clientId":"peer-1"}`,
		`{"offer":{"type":"offer"},"clientId":"peer-1"}`,
		`{"candidate":{"candidate":"c","sdpMid":"0","sdpMLineIndex":0},"clientId":"me"}`,
		`{"candidate":{"candidate":"c","sdpMid":"0","sdpMLineIndex":1},"clientId":"peer-1"}`,
	} {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(raw)))
	}

	first := <-received
	assert.Equal(t, TypeOffer, first.Type)
	assert.Equal(t, "first", first.Description.SDP)

	second := <-received
	assert.Equal(t, TypeCandidate, second.Type)
	assert.Equal(t, 1, second.Candidate.MLineIndex)

	select {
	case env := <-received:
		t.Fatalf("unexpected envelope %+v", env)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRelayQueuesUntilConnected(t *testing.T) {
	f := newFakeRelayServer(t)
	r := newTestRelay(t, f.url())

	require.NoError(t, r.Send(NewDescriptionEnvelope(Description{Kind: Offer, SDP: "queued-1"})))
	require.NoError(t, r.Send(NewDescriptionEnvelope(Description{Kind: Offer, SDP: "queued-2"})))

	require.NoError(t, r.Connect(context.Background()))
	conn := f.accept(t)

	first := readEnvelope(t, conn)
	assert.Equal(t, "me", first.ClientID)
	assert.Equal(t, "queued-1", first.Description.SDP)
	assert.Equal(t, "queued-2", readEnvelope(t, conn).Description.SDP)
}

func TestRelayReconnectsAfterDrop(t *testing.T) {
	f := newFakeRelayServer(t)
	r := newTestRelay(t, f.url())

	require.NoError(t, r.Connect(context.Background()))

	first := f.accept(t)
	require.NoError(t, first.Close())

	second := f.accept(t)

	require.NoError(t, r.Send(NewCandidateEnvelope(Candidate{Mid: "0", Candidate: "after-reconnect"})))
	assert.Equal(t, "after-reconnect", readEnvelope(t, second).Candidate.Candidate)
}

func TestRelayReportsExhaustedBudget(t *testing.T) {
	f := newFakeRelayServer(t)
	url := f.url()
	f.srv.Close()

	r := newTestRelay(t, url)

	failures := make(chan error, 1)
	r.Subscribe(nil, func(err error) { failures <- err })

	require.NoError(t, r.Connect(context.Background()))

	select {
	case err := <-failures:
		assert.ErrorIs(t, err, ErrTransportUnavailable)
	case <-time.After(waitTimeout):
		t.Fatal("no transport failure reported")
	}
}

func TestRelayCancelledSubscriptionStopsDelivery(t *testing.T) {
	f := newFakeRelayServer(t)
	r := newTestRelay(t, f.url())

	received := make(chan Envelope, 8)
	sub := r.Subscribe(func(env Envelope) { received <- env }, nil)
	sub.Cancel()
	sub.Cancel()

	require.NoError(t, r.Connect(context.Background()))
	conn := f.accept(t)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"answer":{"type":"answer","sdp":"x"},"clientId":"peer-1"}`)))

	select {
	case env := <-received:
		t.Fatalf("unexpected envelope %+v", env)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRelayDisconnectIsIdempotent(t *testing.T) {
	f := newFakeRelayServer(t)
	r := newTestRelay(t, f.url())

	require.NoError(t, r.Connect(context.Background()))
	f.accept(t)

	r.Disconnect()
	r.Disconnect()
}

func waitFailure(t *testing.T, failures <-chan error) error {
	t.Helper()

	select {
	case err := <-failures:
		return err
	case <-time.After(waitTimeout):
		t.Fatal("no transport failure reported")
		return nil
	}
}

func TestRelayRefusesSendOnceBudgetExhausted(t *testing.T) {
	f := newFakeRelayServer(t)
	url := f.url()
	f.srv.Close()

	r := newTestRelay(t, url)

	failures := make(chan error, 1)
	r.Subscribe(nil, func(err error) { failures <- err })

	require.NoError(t, r.Connect(context.Background()))
	waitFailure(t, failures)

	err := r.Send(NewDescriptionEnvelope(Description{Kind: Offer, SDP: "late"}))
	assert.ErrorIs(t, err, ErrTransportUnavailable)

	late := make(chan error, 1)
	r.Subscribe(nil, func(err error) { late <- err })

	assert.ErrorIs(t, waitFailure(t, late), ErrTransportUnavailable)
}

func TestRelayConnectAfterExhaustionStartsOver(t *testing.T) {
	f := newFakeRelayServer(t)
	url := f.url()
	f.srv.Close()

	r := newTestRelay(t, url)

	failures := make(chan error, 2)
	r.Subscribe(nil, func(err error) { failures <- err })

	require.NoError(t, r.Connect(context.Background()))
	waitFailure(t, failures)

	require.NoError(t, r.Connect(context.Background()))
	require.NoError(t, r.Send(NewDescriptionEnvelope(Description{Kind: Offer, SDP: "retry"})))

	assert.ErrorIs(t, waitFailure(t, failures), ErrTransportUnavailable)
}

func TestRelaySendDoesNotBlockOnStalledConnection(t *testing.T) {
	f := newFakeRelayServer(t)

	r := NewRelay(RelayConfig{
		URL:             f.url(),
		ClientID:        "me",
		InitialInterval: 5 * time.Millisecond,
		MaxInterval:     20 * time.Millisecond,
		MaxRetries:      3,
		QueueSize:       4,
		WriteTimeout:    50 * time.Millisecond,
	})
	t.Cleanup(r.Disconnect)

	require.NoError(t, r.Connect(context.Background()))

	// The server never reads from this connection, so the socket buffers fill
	// up and further writes stall.
	f.accept(t)

	sdp := strings.Repeat("x", 256<<10)
	sent := make(chan struct{})

	go func() {
		defer close(sent)

		for i := 0; i < 128; i++ {
			if err := r.Send(NewDescriptionEnvelope(Description{Kind: Offer, SDP: sdp})); err != nil {
				return
			}
		}
	}()

	select {
	case <-sent:
	case <-time.After(waitTimeout):
		t.Fatal("send blocked on a stalled connection")
	}

	// The timed out connection is dropped and the relay dials again.
	f.accept(t)
}
