package massager

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"nhooyr.io/websocket"
)

// ============================================================================
// Configuration
// ============================================================================

// SessionConfig configures a RealtimeSession.
type SessionConfig struct {
	// NoReconnect disables automatic reconnection after a dropped connection.
	NoReconnect          bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	// HeartbeatInterval between websocket pings. Negative disables pings.
	HeartbeatInterval time.Duration
	DialTimeout       time.Duration
	Logger            *slog.Logger
}

func (c *SessionConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// SessionState is the connection state of a RealtimeSession.
type SessionState string

const (
	StateIdle       SessionState = "idle"
	StateConnecting SessionState = "connecting"
	StateOpen       SessionState = "open"
	StateClosed     SessionState = "closed"
)

// InboundEvent is a well-formed server event. Data holds the whole frame.
type InboundEvent struct {
	Type string
	Data json.RawMessage
}

// Decode unmarshals the frame into v.
func (e InboundEvent) Decode(v interface{}) error {
	return json.Unmarshal(e.Data, v)
}

// SessionHandler receives session notifications. Inbound events are
// delivered from a single goroutine in arrival order.
type SessionHandler interface {
	HandleOpened()
	HandleClosed(err error)
	HandleEvent(ev InboundEvent)
	HandleTransportError(err error)
}

// URLResolver builds the websocket endpoint for a credential.
type URLResolver interface {
	RealtimeURL(token string) (string, error)
}

// wsConn is the subset of *websocket.Conn the session uses.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Ping(ctx context.Context) error
	Close(code websocket.StatusCode, reason string) error
}

var errSessionClosed = errors.New("session closed")

// ============================================================================
// Dispatcher
// ============================================================================

type sessionDispatcher struct {
	mu             sync.RWMutex
	logger         *slog.Logger
	onOpened       []func()
	onClosed       []func(error)
	onEvent        []func(InboundEvent)
	onTransportErr []func(error)
	onReconnecting []func(int, time.Duration)
}

// emit runs fn for each registered handler. Handlers run synchronously so
// inbound order is preserved; a panicking handler is logged and skipped.
func emit[T any](d *sessionDispatcher, handlers *[]T, fn func(T)) {
	d.mu.RLock()
	hs := append([]T(nil), *handlers...)
	d.mu.RUnlock()

	for _, h := range hs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					d.logger.Error("realtime handler panicked", "panic", r)
				}
			}()
			fn(h)
		}()
	}
}

// ============================================================================
// Reconnector
// ============================================================================

// reconnector computes a linear backoff: base × attempt, capped at maxDelay.
type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
}

func (r *reconnector) shouldReconnect() bool {
	return r.attempt < r.maxAttempts
}

func (r *reconnector) nextDelay() time.Duration {
	r.attempt++
	delay := r.baseDelay * time.Duration(r.attempt)
	if delay > r.maxDelay {
		delay = r.maxDelay
	}
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
}

// ============================================================================
// RealtimeSession
// ============================================================================

// RealtimeSession owns at most one websocket connection and reconnects it
// with backoff until the attempt ceiling is reached.
type RealtimeSession struct {
	resolver   URLResolver
	config     SessionConfig
	logger     *slog.Logger
	dispatcher *sessionDispatcher

	dial  func(ctx context.Context, url string) (wsConn, error)
	sleep func(ctx context.Context, d time.Duration) bool

	mu     sync.Mutex
	state  SessionState
	token  string
	conn   wsConn
	cancel context.CancelFunc
	recon  *reconnector
}

// NewRealtimeSession creates an idle session. resolver is usually the
// gateway *Client.
func NewRealtimeSession(resolver URLResolver, config SessionConfig) *RealtimeSession {
	config.defaults()
	return &RealtimeSession{
		resolver:   resolver,
		config:     config,
		logger:     config.Logger,
		dispatcher: &sessionDispatcher{logger: config.Logger},
		dial:       dialWebsocket,
		sleep:      sleepCtx,
		state:      StateIdle,
		recon: &reconnector{
			baseDelay:   config.ReconnectBaseDelay,
			maxDelay:    config.ReconnectMaxDelay,
			maxAttempts: config.MaxReconnectAttempts,
		},
	}
}

func dialWebsocket(ctx context.Context, u string) (wsConn, error) {
	conn, _, err := websocket.Dial(ctx, u, nil)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(1 << 20)
	return conn, nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// OnOpened registers a handler called once the handshake completes.
func (s *RealtimeSession) OnOpened(h func()) {
	s.dispatcher.mu.Lock()
	s.dispatcher.onOpened = append(s.dispatcher.onOpened, h)
	s.dispatcher.mu.Unlock()
}

// OnClosed registers a handler for a lost or closed connection. err is nil
// for an intentional close.
func (s *RealtimeSession) OnClosed(h func(err error)) {
	s.dispatcher.mu.Lock()
	s.dispatcher.onClosed = append(s.dispatcher.onClosed, h)
	s.dispatcher.mu.Unlock()
}

// OnEvent registers a handler for inbound server events.
func (s *RealtimeSession) OnEvent(h func(InboundEvent)) {
	s.dispatcher.mu.Lock()
	s.dispatcher.onEvent = append(s.dispatcher.onEvent, h)
	s.dispatcher.mu.Unlock()
}

// OnTransportError registers a handler for transport faults, including the
// reconnect ceiling being reached.
func (s *RealtimeSession) OnTransportError(h func(err error)) {
	s.dispatcher.mu.Lock()
	s.dispatcher.onTransportErr = append(s.dispatcher.onTransportErr, h)
	s.dispatcher.mu.Unlock()
}

// OnReconnecting registers a handler called before each reconnect attempt.
func (s *RealtimeSession) OnReconnecting(h func(attempt int, delay time.Duration)) {
	s.dispatcher.mu.Lock()
	s.dispatcher.onReconnecting = append(s.dispatcher.onReconnecting, h)
	s.dispatcher.mu.Unlock()
}

// Subscribe registers every method of h.
func (s *RealtimeSession) Subscribe(h SessionHandler) {
	s.OnOpened(h.HandleOpened)
	s.OnClosed(h.HandleClosed)
	s.OnEvent(h.HandleEvent)
	s.OnTransportError(h.HandleTransportError)
}

// State returns the current connection state.
func (s *RealtimeSession) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connect opens the connection. It is a no-op while connecting or open, and
// logs and returns nil when token is empty. An explicit Connect also cancels
// a pending reconnect and resets the attempt counter.
func (s *RealtimeSession) Connect(ctx context.Context, token string) error {
	if token == "" {
		s.logger.Warn("realtime connect skipped: no credential")
		return nil
	}

	s.mu.Lock()
	if s.state == StateConnecting || s.state == StateOpen {
		s.mu.Unlock()
		return nil
	}
	if s.cancel != nil {
		s.cancel()
	}
	life, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.token = token
	s.state = StateConnecting
	s.recon.reset()
	s.mu.Unlock()

	err := s.open(ctx, life)
	if err == nil || errors.Is(err, errSessionClosed) {
		return nil
	}

	s.mu.Lock()
	if s.state == StateConnecting {
		s.state = StateClosed
	}
	s.mu.Unlock()
	s.logger.Warn("realtime connect failed", "error", err)
	if !s.config.NoReconnect {
		go s.reconnect(life)
	}
	return err
}

// open dials once and, on success, marks the session open, notifies
// handlers and starts the read and heartbeat loops.
func (s *RealtimeSession) open(ctx, life context.Context) error {
	s.mu.Lock()
	token := s.token
	s.mu.Unlock()

	u, err := s.resolver.RealtimeURL(token)
	if err != nil {
		return err
	}
	dctx, cancel := context.WithTimeout(ctx, s.config.DialTimeout)
	defer cancel()
	conn, err := s.dial(dctx, u)
	if err != nil {
		return &Error{Kind: KindNetwork, Message: "websocket dial failed", Err: err}
	}

	s.mu.Lock()
	if life.Err() != nil {
		s.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "session closed")
		return errSessionClosed
	}
	s.conn = conn
	s.state = StateOpen
	s.recon.reset()
	s.mu.Unlock()

	s.logger.Info("realtime connected")
	emit(s.dispatcher, &s.dispatcher.onOpened, func(h func()) { h() })

	connCtx, stop := context.WithCancel(life)
	go s.readLoop(connCtx, stop, life, conn)
	if s.config.HeartbeatInterval > 0 {
		go s.heartbeatLoop(connCtx, conn)
	}
	return nil
}

// Send writes ev on the open connection. It fails with ErrNotConnected
// unless the session is open; nothing is queued.
func (s *RealtimeSession) Send(ctx context.Context, ev OutboundEvent) error {
	s.mu.Lock()
	conn := s.conn
	open := s.state == StateOpen
	s.mu.Unlock()

	if !open || conn == nil {
		return ErrNotConnected
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return &Error{Kind: KindValidation, Message: "failed to marshal event", Err: err}
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return &Error{Kind: KindNetwork, Message: "websocket write failed", Err: err}
	}
	return nil
}

// Close disconnects without reconnecting.
func (s *RealtimeSession) Close() error {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	conn := s.conn
	s.conn = nil
	if s.state != StateIdle {
		s.state = StateClosed
	}
	s.mu.Unlock()

	if conn == nil {
		return nil
	}
	err := conn.Close(websocket.StatusNormalClosure, "client disconnect")
	emit(s.dispatcher, &s.dispatcher.onClosed, func(h func(error)) { h(nil) })
	return err
}

func (s *RealtimeSession) readLoop(ctx context.Context, stop context.CancelFunc, life context.Context, conn wsConn) {
	defer stop()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if s.connectionLost(conn, err) && !s.config.NoReconnect {
				s.reconnect(life)
			}
			return
		}
		s.deliver(data)
	}
}

// deliver validates a frame and hands it to the handlers. Frames that are
// not JSON objects with a string type are dropped.
func (s *RealtimeSession) deliver(data []byte) {
	if !gjson.ValidBytes(data) {
		s.logger.Warn("dropping malformed frame", "bytes", len(data))
		return
	}
	typ := gjson.GetBytes(data, "type")
	if typ.Type != gjson.String || typ.Str == "" {
		s.logger.Warn("dropping frame without type", "bytes", len(data))
		return
	}
	ev := InboundEvent{Type: typ.Str, Data: json.RawMessage(data)}
	emit(s.dispatcher, &s.dispatcher.onEvent, func(h func(InboundEvent)) { h(ev) })
}

// connectionLost reports whether conn was still the live connection, in
// which case the session moves to CLOSED and handlers are told.
func (s *RealtimeSession) connectionLost(conn wsConn, err error) bool {
	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return false
	}
	s.conn = nil
	s.state = StateClosed
	s.mu.Unlock()

	conn.Close(websocket.StatusGoingAway, "")
	s.logger.Warn("realtime connection lost", "error", err)
	emit(s.dispatcher, &s.dispatcher.onClosed, func(h func(error)) { h(err) })
	return true
}

// reconnect retries with backoff until a dial succeeds, the session is
// closed or reconnected explicitly, or the attempt ceiling is reached.
func (s *RealtimeSession) reconnect(life context.Context) {
	for {
		s.mu.Lock()
		if life.Err() != nil {
			s.mu.Unlock()
			return
		}
		if !s.recon.shouldReconnect() {
			attempts := s.recon.attempt
			s.mu.Unlock()
			s.logger.Error("giving up reconnecting", "attempts", attempts)
			giveUp := &Error{Kind: KindNetwork, Message: "reconnect attempts exhausted"}
			emit(s.dispatcher, &s.dispatcher.onTransportErr, func(h func(error)) { h(giveUp) })
			return
		}
		delay := s.recon.nextDelay()
		attempt := s.recon.attempt
		s.mu.Unlock()

		emit(s.dispatcher, &s.dispatcher.onReconnecting, func(h func(int, time.Duration)) { h(attempt, delay) })
		if !s.sleep(life, delay) {
			return
		}

		s.mu.Lock()
		if life.Err() != nil || s.state != StateClosed {
			s.mu.Unlock()
			return
		}
		s.state = StateConnecting
		s.mu.Unlock()

		err := s.open(life, life)
		if err == nil || errors.Is(err, errSessionClosed) {
			return
		}
		s.mu.Lock()
		if s.state == StateConnecting {
			s.state = StateClosed
		}
		s.mu.Unlock()
		s.logger.Debug("reconnect attempt failed", "attempt", attempt, "error", err)
	}
}

func (s *RealtimeSession) heartbeatLoop(ctx context.Context, conn wsConn) {
	ticker := time.NewTicker(s.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, s.config.HeartbeatInterval)
			err := conn.Ping(pctx)
			cancel()
			if err != nil && ctx.Err() == nil {
				s.logger.Warn("heartbeat failed", "error", err)
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}
