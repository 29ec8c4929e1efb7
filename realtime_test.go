package massager

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	nws "nhooyr.io/websocket"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// ============================================================================
// Fake realtime server
// ============================================================================

type fakeRealtimeServer struct {
	ts       *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conns    []*websocket.Conn
	tokens   []string
	received chan []byte
}

func newFakeRealtimeServer(t *testing.T) *fakeRealtimeServer {
	t.Helper()
	s := &fakeRealtimeServer{received: make(chan []byte, 64)}
	r := chi.NewRouter()
	r.Get("/api/ws", s.handle)
	s.ts = httptest.NewServer(r)
	t.Cleanup(func() {
		s.dropAll()
		s.ts.Close()
	})
	return s
}

func (s *fakeRealtimeServer) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conns = append(s.conns, conn)
	s.tokens = append(s.tokens, r.URL.Query().Get("token"))
	s.mu.Unlock()

	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			s.received <- data
		}
	}()
}

func (s *fakeRealtimeServer) connCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *fakeRealtimeServer) push(t *testing.T, frame string) {
	t.Helper()
	s.mu.Lock()
	conn := s.conns[len(s.conns)-1]
	s.mu.Unlock()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))
}

func (s *fakeRealtimeServer) dropAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.Close()
	}
}

func (s *fakeRealtimeServer) session(cfg SessionConfig) *RealtimeSession {
	cfg.Logger = quietLogger
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = -1
	}
	return NewRealtimeSession(NewClient(WithBaseURL(s.ts.URL)), cfg)
}

// ============================================================================
// Session against a websocket server
// ============================================================================

func TestSessionConnectSendReceive(t *testing.T) {
	srv := newFakeRealtimeServer(t)
	sess := srv.session(SessionConfig{})
	defer sess.Close()

	opened := make(chan struct{}, 1)
	events := make(chan InboundEvent, 8)
	var transportErrs int32
	sess.OnOpened(func() { opened <- struct{}{} })
	sess.OnEvent(func(ev InboundEvent) { events <- ev })
	sess.OnTransportError(func(error) { atomic.AddInt32(&transportErrs, 1) })

	require.NoError(t, sess.Connect(context.Background(), "tok-1"))
	assert.Equal(t, StateOpen, sess.State())
	<-opened
	srv.mu.Lock()
	assert.Equal(t, []string{"tok-1"}, srv.tokens)
	srv.mu.Unlock()

	require.NoError(t, sess.Send(context.Background(), OutboundEvent{Type: EventJoinChat, ChatID: "4", Sender: "alice"}))
	select {
	case data := <-srv.received:
		assert.JSONEq(t, `{"type":"join_chat","chat_id":4,"sender":"alice"}`, string(data))
	case <-time.After(time.Second):
		t.Fatal("server did not receive join")
	}

	srv.push(t, `not json at all`)
	srv.push(t, `{"chat_id":4}`)
	srv.push(t, `{"type":"message","chat_id":4,"sender":"bob","content":"hi"}`)

	select {
	case ev := <-events:
		assert.Equal(t, EventMessage, ev.Type)
		var m Message
		require.NoError(t, ev.Decode(&m))
		assert.Equal(t, "hi", m.Content)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
	assert.Len(t, events, 0)
	assert.Zero(t, atomic.LoadInt32(&transportErrs))
	assert.Equal(t, StateOpen, sess.State())
}

func TestSessionConnectIsIdempotent(t *testing.T) {
	srv := newFakeRealtimeServer(t)
	sess := srv.session(SessionConfig{})
	defer sess.Close()

	require.NoError(t, sess.Connect(context.Background(), "tok"))
	require.NoError(t, sess.Connect(context.Background(), "tok"))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, srv.connCount())
}

func TestSessionWithoutTokenDoesNothing(t *testing.T) {
	sess := NewRealtimeSession(NewClient(), SessionConfig{Logger: quietLogger})
	var dials int32
	sess.dial = func(ctx context.Context, u string) (wsConn, error) {
		atomic.AddInt32(&dials, 1)
		return nil, errors.New("unexpected dial")
	}
	assert.NoError(t, sess.Connect(context.Background(), ""))
	assert.Equal(t, StateIdle, sess.State())
	assert.Zero(t, atomic.LoadInt32(&dials))
}

func TestSessionSendRequiresOpen(t *testing.T) {
	sess := NewRealtimeSession(NewClient(), SessionConfig{Logger: quietLogger})
	err := sess.Send(context.Background(), OutboundEvent{Type: EventMessage, ChatID: "1", Content: "x"})
	assert.True(t, errors.Is(err, ErrNotConnected))
}

func TestSessionReconnectsAfterDrop(t *testing.T) {
	srv := newFakeRealtimeServer(t)
	sess := srv.session(SessionConfig{ReconnectBaseDelay: 10 * time.Millisecond})
	defer sess.Close()

	var opens int32
	closed := make(chan error, 4)
	sess.OnOpened(func() { atomic.AddInt32(&opens, 1) })
	sess.OnClosed(func(err error) { closed <- err })

	require.NoError(t, sess.Connect(context.Background(), "tok"))
	srv.dropAll()

	select {
	case err := <-closed:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("close not reported")
	}
	require.Eventually(t, func() bool { return atomic.LoadInt32(&opens) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, StateOpen, sess.State())
	assert.Equal(t, 2, srv.connCount())
}

func TestSessionCloseDoesNotReconnect(t *testing.T) {
	srv := newFakeRealtimeServer(t)
	sess := srv.session(SessionConfig{ReconnectBaseDelay: 5 * time.Millisecond})

	closed := make(chan error, 2)
	sess.OnClosed(func(err error) { closed <- err })

	require.NoError(t, sess.Connect(context.Background(), "tok"))
	require.NoError(t, sess.Close())
	assert.NoError(t, <-closed)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StateClosed, sess.State())
	assert.Equal(t, 1, srv.connCount())
	assert.True(t, errors.Is(sess.Send(context.Background(), OutboundEvent{Type: EventMessage}), ErrNotConnected))
}

// ============================================================================
// Backoff with injected dialer
// ============================================================================

// fakeConn is an in-memory wsConn.
type fakeConn struct {
	frames  chan []byte
	closed  chan struct{}
	once    sync.Once
	pingErr error
}

func newFakeConn() *fakeConn {
	return &fakeConn{frames: make(chan []byte, 8), closed: make(chan struct{})}
}

func (c *fakeConn) Read(ctx context.Context) (nws.MessageType, []byte, error) {
	select {
	case data := <-c.frames:
		return nws.MessageText, data, nil
	case <-c.closed:
		return 0, nil, errors.New("connection closed")
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

func (c *fakeConn) Write(ctx context.Context, typ nws.MessageType, p []byte) error { return nil }

func (c *fakeConn) Ping(ctx context.Context) error { return c.pingErr }

func (c *fakeConn) Close(code nws.StatusCode, reason string) error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func TestReconnectorLinearCapped(t *testing.T) {
	r := &reconnector{baseDelay: time.Second, maxDelay: 3500 * time.Millisecond, maxAttempts: 5}
	var delays []time.Duration
	for r.shouldReconnect() {
		delays = append(delays, r.nextDelay())
	}
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 3 * time.Second, 3500 * time.Millisecond, 3500 * time.Millisecond}, delays)
	r.reset()
	assert.True(t, r.shouldReconnect())
}

func TestBackoffScheduleStopsAtCeiling(t *testing.T) {
	sess := NewRealtimeSession(NewClient(), SessionConfig{
		Logger:               quietLogger,
		MaxReconnectAttempts: 3,
		ReconnectBaseDelay:   100 * time.Millisecond,
		ReconnectMaxDelay:    250 * time.Millisecond,
		HeartbeatInterval:    -1,
	})

	var dials int32
	sess.dial = func(ctx context.Context, u string) (wsConn, error) {
		atomic.AddInt32(&dials, 1)
		return nil, errors.New("connection refused")
	}
	var mu sync.Mutex
	var delays []time.Duration
	sess.sleep = func(ctx context.Context, d time.Duration) bool {
		mu.Lock()
		delays = append(delays, d)
		mu.Unlock()
		return true
	}
	gaveUp := make(chan error, 1)
	sess.OnTransportError(func(err error) { gaveUp <- err })

	err := sess.Connect(context.Background(), "tok")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNetwork))

	select {
	case err := <-gaveUp:
		assert.Contains(t, err.Error(), "exhausted")
	case <-time.After(2 * time.Second):
		t.Fatal("session never gave up")
	}

	mu.Lock()
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 250 * time.Millisecond}, delays)
	mu.Unlock()
	assert.Equal(t, int32(4), atomic.LoadInt32(&dials))
	assert.Equal(t, StateClosed, sess.State())

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(4), atomic.LoadInt32(&dials), "no attempts after the ceiling")

	sess.Connect(context.Background(), "tok")
	assert.GreaterOrEqual(t, atomic.LoadInt32(&dials), int32(5), "explicit connect dials again")
	sess.Close()
}

func TestAttemptCounterResetsOnOpen(t *testing.T) {
	sess := NewRealtimeSession(NewClient(), SessionConfig{
		Logger:               quietLogger,
		MaxReconnectAttempts: 5,
		HeartbeatInterval:    -1,
	})
	var dials int32
	conn := newFakeConn()
	sess.dial = func(ctx context.Context, u string) (wsConn, error) {
		if atomic.AddInt32(&dials, 1) <= 2 {
			return nil, errors.New("connection refused")
		}
		return conn, nil
	}
	sess.sleep = func(ctx context.Context, d time.Duration) bool { return true }
	opened := make(chan struct{}, 1)
	sess.OnOpened(func() { opened <- struct{}{} })

	require.Error(t, sess.Connect(context.Background(), "tok"))
	select {
	case <-opened:
	case <-time.After(2 * time.Second):
		t.Fatal("never reconnected")
	}
	assert.Equal(t, StateOpen, sess.State())
	sess.mu.Lock()
	assert.Zero(t, sess.recon.attempt)
	sess.mu.Unlock()
	sess.Close()
}

func TestHeartbeatFailureReconnects(t *testing.T) {
	sess := NewRealtimeSession(NewClient(), SessionConfig{
		Logger:            quietLogger,
		HeartbeatInterval: 5 * time.Millisecond,
	})
	var dials int32
	sess.dial = func(ctx context.Context, u string) (wsConn, error) {
		c := newFakeConn()
		if atomic.AddInt32(&dials, 1) == 1 {
			c.pingErr = errors.New("pong timeout")
		}
		return c, nil
	}
	sess.sleep = func(ctx context.Context, d time.Duration) bool { return true }

	require.NoError(t, sess.Connect(context.Background(), "tok"))
	require.Eventually(t, func() bool { return atomic.LoadInt32(&dials) == 2 }, 2*time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return sess.State() == StateOpen }, time.Second, time.Millisecond)
	sess.Close()
}

func TestDeliverDropsMalformedFrames(t *testing.T) {
	sess := NewRealtimeSession(NewClient(), SessionConfig{Logger: quietLogger})
	var got []string
	sess.OnEvent(func(ev InboundEvent) { got = append(got, ev.Type) })

	sess.deliver([]byte(`{"type":"chat_deleted","chat_id":1}`))
	sess.deliver([]byte(`{"type":`))
	sess.deliver([]byte(`{"type":7}`))
	sess.deliver([]byte(`[1,2]`))
	sess.deliver([]byte(`{"type":"chat_created"}`))

	assert.Equal(t, []string{"chat_deleted", "chat_created"}, got)
}
