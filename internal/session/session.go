package session

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/mgleason/proctor-stream/internal/codec"
	"github.com/mgleason/proctor-stream/internal/router"
)

// Session is one logical connection lifetime, spanning possibly many
// underlying transport reconnects.
type Session struct {
	cfg    Config
	logger *slog.Logger
	router *router.Router

	// connID is stable for the life of the session and sent as the
	// connection_id query parameter on every (re)connect.
	connID string

	// seq is the outgoing frame sequence. The first frame gets 1; values
	// never repeat within a session.
	seq atomic.Int64

	state atomic.Int32

	mu           sync.Mutex // guards conn, failures, epoch, manualClose, reconnecting, stopPing
	conn         *websocket.Conn
	failures     int
	epoch        int64
	manualClose  bool
	reconnecting bool
	stopPing     chan struct{}

	writeMu sync.Mutex

	done      chan struct{}
	closeOnce sync.Once

	hookMu      sync.Mutex
	onConnect   []func()
	onReconnect []func()
	onClose     []func(failures int)
	onError     []func(error)
}

// New creates a Session. The router receives every inbound frame.
func New(cfg Config, r *router.Router, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.ReconnectBaseDelay <= 0 {
		cfg.ReconnectBaseDelay = def.ReconnectBaseDelay
	}
	if cfg.ReconnectMaxDelay <= 0 {
		cfg.ReconnectMaxDelay = def.ReconnectMaxDelay
	}
	if cfg.ReconnectThreshold <= 0 {
		cfg.ReconnectThreshold = def.ReconnectThreshold
	}

	connID := uuid.NewString()
	return &Session{
		cfg:    cfg,
		logger: logger.With("connection_id", connID),
		router: r,
		connID: connID,
		done:   make(chan struct{}),
	}
}

// OnConnect registers fn to run after the first successful open.
func (s *Session) OnConnect(fn func()) {
	s.hookMu.Lock()
	s.onConnect = append(s.onConnect, fn)
	s.hookMu.Unlock()
}

// OnReconnect registers fn to run after a successful open that follows at
// least one transport failure.
func (s *Session) OnReconnect(fn func()) {
	s.hookMu.Lock()
	s.onReconnect = append(s.onReconnect, fn)
	s.hookMu.Unlock()
}

// OnClose registers fn to run when the transport closes. fn receives the
// consecutive failure count including the close being reported.
func (s *Session) OnClose(fn func(failures int)) {
	s.hookMu.Lock()
	s.onClose = append(s.onClose, fn)
	s.hookMu.Unlock()
}

// OnError registers fn to run on reconnect dial failures. A transport close
// is not reported here; OnClose covers teardown.
func (s *Session) OnError(fn func(error)) {
	s.hookMu.Lock()
	s.onError = append(s.onError, fn)
	s.hookMu.Unlock()
}

// Open establishes the connection. It fails fast, without retrying, when the
// endpoint scheme is unrecognized; transport failures after a successful
// Open reconnect automatically.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.manualClose {
		s.mu.Unlock()
		return ErrClosed
	}
	if State(s.state.Load()) != StateDisconnected {
		s.mu.Unlock()
		return ErrAlreadyOpen
	}
	s.state.Store(int32(StateConnecting))
	s.mu.Unlock()

	if err := s.dial(ctx); err != nil {
		s.state.Store(int32(StateDisconnected))
		return err
	}
	return nil
}

// Close permanently shuts down the session: auto-reconnect is suppressed,
// the transport is closed, and every pending request fails with ErrClosed.
// Callers waiting on predictions observe the closure through Done.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.manualClose = true
		s.state.Store(int32(StateClosing))
		if s.stopPing != nil {
			close(s.stopPing)
			s.stopPing = nil
		}
		conn := s.conn
		s.conn = nil
		s.mu.Unlock()

		if conn != nil {
			conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second),
			)
			conn.Close()
		}

		close(s.done)
		s.router.FailPending(ErrClosed)
		s.logger.Info("session closed")
	})
	return nil
}

// Done returns a channel closed when the session is manually closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// ConnectionID returns the stable connection identifier for this session.
func (s *Session) ConnectionID() string {
	return s.connID
}

// Stats returns a snapshot for health reporting.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	failures := s.failures
	epoch := s.epoch
	s.mu.Unlock()
	return Stats{
		State:    s.State(),
		Failures: failures,
		Epoch:    epoch,
		LastSeq:  s.seq.Load(),
	}
}

// Send writes an action frame without waiting for a reply. Sending while the
// connection is not open never panics: the frame is reported as not
// delivered and a reconnect attempt is kicked off.
func (s *Session) Send(action string, data map[string]any) (int64, error) {
	if s.State() != StateOpen {
		s.kickReconnect()
		return 0, ErrNotDelivered
	}
	seq := s.seq.Add(1)
	if err := s.writeFrame(action, data, seq); err != nil {
		return seq, err
	}
	return seq, nil
}

// Call sends an action frame and waits for the correlated reply. A reply
// carrying an error indicator is surfaced as that error.
func (s *Session) Call(ctx context.Context, action string, data map[string]any) (*codec.Reply, error) {
	if s.State() != StateOpen {
		s.kickReconnect()
		return nil, ErrNotDelivered
	}

	seq := s.seq.Add(1)
	ch := s.router.Expect(seq)
	defer s.router.Forget(seq)

	if err := s.writeFrame(action, data, seq); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, ErrClosed
	case res := <-ch:
		if res.Err != nil {
			return res.Reply, res.Err
		}
		return res.Reply, nil
	}
}

// dial connects the transport and, on success, performs the post-open
// sequence: authentication challenge, read pump, heartbeat, lifecycle hooks.
func (s *Session) dial(ctx context.Context) error {
	u, err := wsURL(s.cfg.Endpoint, s.connID, s.router.ResumeSeq())
	if err != nil {
		return err
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: s.cfg.HandshakeTimeout,
	}
	conn, _, err := dialer.DialContext(ctx, u, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	s.mu.Lock()
	wasDown := s.failures > 0
	s.conn = conn
	s.failures = 0
	s.epoch++
	epoch := s.epoch
	s.stopPing = make(chan struct{})
	stop := s.stopPing
	s.state.Store(int32(StateOpen))
	s.mu.Unlock()

	if s.cfg.Token != "" {
		seq := s.seq.Add(1)
		if err := s.writeFrame(codec.ActionAuthChallenge, map[string]any{"token": s.cfg.Token}, seq); err != nil {
			// The transport close event drives teardown if the write failed.
			s.logger.Warn("authentication challenge not delivered", "error", err)
		}
	}

	go s.readPump(conn, stop)
	go s.heartbeat(stop)

	if wasDown {
		s.notifyReconnect()
	} else {
		s.notifyConnect()
	}
	s.logger.Info("transport open", "epoch", epoch, "resume_seq", s.router.ResumeSeq())
	return nil
}

// writeFrame encodes and writes one frame under the write lock.
func (s *Session) writeFrame(action string, data map[string]any, seq int64) error {
	s.mu.Lock()
	conn := s.conn
	epoch := s.epoch
	s.mu.Unlock()
	if conn == nil {
		return ErrNotDelivered
	}

	payload, err := codec.Encode(action, data, seq, epoch)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// readPump reads frames until the transport fails, handing each to the
// router in arrival order.
func (s *Session) readPump(conn *websocket.Conn, stop chan struct{}) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			s.handleDisconnect(err, stop)
			return
		}
		s.router.Handle(raw)
	}
}

// heartbeat sends an application-level ping frame while the session is open.
func (s *Session) heartbeat(stop chan struct{}) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-s.done:
			return
		case <-ticker.C:
			if s.State() != StateOpen {
				return
			}
			seq := s.seq.Add(1)
			if err := s.writeFrame(codec.ActionPing, map[string]any{"time": time.Now().UnixMilli()}, seq); err != nil {
				s.logger.Debug("ping not delivered", "error", err)
			}
		}
	}
}

// handleDisconnect tears down one connection generation and schedules a
// reconnect unless the session was manually closed.
func (s *Session) handleDisconnect(cause error, stop chan struct{}) {
	s.mu.Lock()
	if s.stopPing == stop && s.stopPing != nil {
		close(s.stopPing)
		s.stopPing = nil
	}
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	if s.manualClose {
		s.mu.Unlock()
		return
	}
	s.state.Store(int32(StateDisconnected))
	s.failures++
	failures := s.failures
	s.mu.Unlock()

	s.router.FailPending(ErrConnectionLost)
	s.notifyClose(failures)
	s.logger.Warn("transport closed", "error", cause, "failures", failures)

	s.kickReconnect()
}

// kickReconnect starts the reconnect loop if the session is disconnected
// and no loop is already running.
func (s *Session) kickReconnect() {
	s.mu.Lock()
	if s.manualClose || s.reconnecting || State(s.state.Load()) != StateDisconnected {
		s.mu.Unlock()
		return
	}
	s.reconnecting = true
	s.mu.Unlock()

	go s.reconnectLoop()
}

// reconnectLoop retries the dial until it succeeds or the session closes.
func (s *Session) reconnectLoop() {
	defer func() {
		s.mu.Lock()
		s.reconnecting = false
		s.mu.Unlock()
	}()

	for {
		s.mu.Lock()
		if s.manualClose {
			s.mu.Unlock()
			return
		}
		failures := s.failures
		s.mu.Unlock()

		delay := retryDelay(s.cfg, failures)
		s.logger.Info("scheduling reconnect", "failures", failures, "delay", delay)

		select {
		case <-s.done:
			return
		case <-time.After(delay):
		}

		s.mu.Lock()
		if s.manualClose {
			s.mu.Unlock()
			return
		}
		s.state.Store(int32(StateConnecting))
		s.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.HandshakeTimeout)
		err := s.dial(ctx)
		cancel()
		if err == nil {
			return
		}

		s.mu.Lock()
		s.state.Store(int32(StateDisconnected))
		s.failures++
		failures = s.failures
		s.mu.Unlock()

		s.notifyError(err)
		s.logger.Warn("reconnect failed", "error", err, "failures", failures)
	}
}

// retryDelay computes the backoff before the next reconnect attempt.
// Quadratic growth kicks in only past the threshold so transient blips
// reconnect briskly while sustained outages back off toward the cap.
func retryDelay(cfg Config, failures int) time.Duration {
	if failures <= cfg.ReconnectThreshold {
		return cfg.ReconnectBaseDelay
	}
	d := cfg.ReconnectBaseDelay * time.Duration(failures) * time.Duration(failures)
	if d > cfg.ReconnectMaxDelay {
		return cfg.ReconnectMaxDelay
	}
	return d
}

// wsURL derives the transport URL from the base HTTP(S) endpoint.
func wsURL(endpoint, connID string, resumeSeq int64) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
		// already a transport scheme
	default:
		return "", fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}

	u.Path = strings.TrimSuffix(u.Path, "/") + apiPath
	q := u.Query()
	q.Set("connection_id", connID)
	q.Set("sequence_number", strconv.FormatInt(resumeSeq, 10))
	u.RawQuery = q.Encode()

	return u.String(), nil
}

func (s *Session) notifyConnect() {
	for _, fn := range s.snapshot(&s.onConnect) {
		fn()
	}
}

func (s *Session) notifyReconnect() {
	for _, fn := range s.snapshot(&s.onReconnect) {
		fn()
	}
}

func (s *Session) notifyClose(failures int) {
	s.hookMu.Lock()
	hooks := make([]func(int), len(s.onClose))
	copy(hooks, s.onClose)
	s.hookMu.Unlock()
	for _, fn := range hooks {
		fn(failures)
	}
}

func (s *Session) notifyError(err error) {
	s.hookMu.Lock()
	hooks := make([]func(error), len(s.onError))
	copy(hooks, s.onError)
	s.hookMu.Unlock()
	for _, fn := range hooks {
		fn(err)
	}
}

func (s *Session) snapshot(list *[]func()) []func() {
	s.hookMu.Lock()
	hooks := make([]func(), len(*list))
	copy(hooks, *list)
	s.hookMu.Unlock()
	return hooks
}
