package coinbase

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"streamstate/internal/exchange"
	"streamstate/internal/metrics"
)

const (
	DefaultMaxReconnects    = 10
	DefaultHandshakeTimeout = 10 * time.Second

	channelHeartbeat = "heartbeat"
)

var errHeartbeatTimeout = errors.New("heartbeat timeout")

// Sink receives decoded events
type Sink interface {
	Enqueue(ev exchange.Event) bool
	ResetLanes()
}

// Watchdog reports a silent connection
type Watchdog interface {
	Stale() <-chan struct{}
	Rearm()
	Disarm()
}

// Credentials authenticate the subscription for the user channel
type Credentials struct {
	Key        string
	Passphrase string
	Signer     exchange.Signer
}

// Config holds the session configuration
type Config struct {
	URL              string
	Products         []string
	Channels         []string
	Credentials      *Credentials
	MaxReconnects    int
	MaxErrorMessages int
	HandshakeTimeout time.Duration
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
}

// Session keeps one subscribed feed connection alive. It owns the
// connection lifecycle: dial, subscribe, read, and bounded reconnects.
// Every reconnect resets the product lanes so each book waits for a new
// snapshot.
type Session struct {
	cfg      Config
	sink     Sink
	watchdog Watchdog
	logger   zerolog.Logger
	now      func() time.Time
	dialer   websocket.Dialer

	mu        sync.Mutex
	conn      *websocket.Conn
	health    atomic.Value // stores exchange.HealthStatus
	closed    chan struct{}
	closeOnce sync.Once
}

// SessionOption configures a Session
type SessionOption func(*Session)

// WithSessionClock replaces time.Now for subscription timestamps
func WithSessionClock(now func() time.Time) SessionOption {
	return func(s *Session) { s.now = now }
}

// NewSession creates a session; it does not connect until Run
func NewSession(cfg Config, sink Sink, wd Watchdog, logger zerolog.Logger, opts ...SessionOption) *Session {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if !slices.Contains(cfg.Channels, channelHeartbeat) {
		cfg.Channels = append(slices.Clone(cfg.Channels), channelHeartbeat)
	}
	s := &Session{
		cfg:      cfg,
		sink:     sink,
		watchdog: wd,
		logger:   logger.With().Str("component", "session").Str("exchange", "coinbase").Logger(),
		now:      time.Now,
		dialer:   websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		closed:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.health.Store(exchange.HealthStatus{})
	return s
}

// SubscribeRequest builds the subscription message. Authenticated
// requests carry a fresh timestamp and signature on every call.
func (s *Session) SubscribeRequest() (SubscribeRequest, error) {
	req := SubscribeRequest{
		Type:       "subscribe",
		ProductIDs: s.cfg.Products,
		Channels:   s.cfg.Channels,
	}
	creds := s.cfg.Credentials
	if creds == nil || creds.Signer == nil {
		return req, nil
	}
	ts := strconv.FormatInt(s.now().Unix(), 10)
	sig, err := creds.Signer.Sign(ts, "GET", verifyPath)
	if err != nil {
		return req, fmt.Errorf("sign subscription: %w", err)
	}
	req.Signature = sig
	req.Key = creds.Key
	req.Passphrase = creds.Passphrase
	req.Timestamp = ts
	return req, nil
}

// Run connects and keeps the session alive until ctx is done or Close is
// called, in which case it returns nil. It returns an error wrapping
// exchange.ErrReconnectExhausted once MaxReconnects consecutive attempts
// have failed.
func (s *Session) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	if s.cfg.InitialBackoff > 0 {
		bo.InitialInterval = s.cfg.InitialBackoff
	}
	if s.cfg.MaxBackoff > 0 {
		bo.MaxInterval = s.cfg.MaxBackoff
	}

	attempts := 0
	for {
		established, err := s.runConnection(ctx)
		if ctx.Err() != nil || s.isClosed() {
			return nil
		}
		if established {
			attempts = 0
			bo.Reset()
			s.sink.ResetLanes()
		}

		attempts++
		if attempts > s.cfg.MaxReconnects {
			s.logger.Error().Err(err).Int("attempts", attempts-1).Msg("reconnect attempts exhausted")
			return fmt.Errorf("after %d attempts: %w: %w", attempts-1, exchange.ErrReconnectExhausted, err)
		}

		reason := "error"
		if errors.Is(err, errHeartbeatTimeout) {
			reason = "heartbeat"
		}
		metrics.WSReconnectsTotal.WithLabelValues(reason).Inc()
		s.incrementReconnects()

		wait := bo.NextBackOff()
		s.logger.Warn().Err(err).Int("attempt", attempts).Dur("backoff", wait).Msg("connection lost, reconnecting")
		select {
		case <-ctx.Done():
			return nil
		case <-s.closed:
			return nil
		case <-time.After(wait):
		}
	}
}

// runConnection dials, subscribes and reads until the connection drops.
// established reports whether the feed delivered at least one message;
// only then does the attempt count as a working connection.
func (s *Session) runConnection(ctx context.Context) (established bool, err error) {
	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	conn, _, err := s.dialer.DialContext(dialCtx, s.cfg.URL, nil)
	cancel()
	if err != nil {
		s.incrementErrorCount()
		return false, fmt.Errorf("dial %s: %w: %w", s.cfg.URL, exchange.ErrTransportFailure, err)
	}

	req, err := s.SubscribeRequest()
	if err != nil {
		_ = conn.Close()
		return false, err
	}
	if err := conn.WriteJSON(req); err != nil {
		_ = conn.Close()
		s.incrementErrorCount()
		return false, fmt.Errorf("subscribe: %w: %w", exchange.ErrTransportFailure, err)
	}

	if !s.setConn(conn) {
		_ = conn.Close()
		return false, nil
	}
	s.updateConnectionStatus(true)
	metrics.WSConnected.Set(1)
	s.rearm()
	s.logger.Info().Strs("products", s.cfg.Products).Strs("channels", s.cfg.Channels).Msg("subscribed")

	defer func() {
		s.disarm()
		s.setConn(nil)
		_ = conn.Close()
		s.updateConnectionStatus(false)
		metrics.WSConnected.Set(0)
	}()

	var received atomic.Int64
	readErr := make(chan error, 1)
	go func() { readErr <- s.readLoop(conn, &received) }()

	select {
	case err = <-readErr:
	case <-s.stale():
		s.logger.Warn().Msg("no heartbeat within timeout, forcing reconnect")
		_ = conn.Close()
		<-readErr
		err = fmt.Errorf("%w: %w", exchange.ErrTransportFailure, errHeartbeatTimeout)
	case <-ctx.Done():
		_ = conn.Close()
		<-readErr
		err = ctx.Err()
	case <-s.closed:
		<-readErr
		err = nil
	}
	return received.Load() > 0, err
}

func (s *Session) readLoop(conn *websocket.Conn, received *atomic.Int64) error {
	errorMessages := 0
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			s.incrementErrorCount()
			return fmt.Errorf("read: %w: %w", exchange.ErrTransportFailure, err)
		}
		received.Add(1)
		s.recordMessage()

		ev, err := Decode(raw)
		if err != nil {
			metrics.EventsMalformedTotal.Inc()
			s.incrementErrorCount()
			s.logger.Warn().Err(err).Msg("dropping malformed message")
			continue
		}

		switch ev := ev.(type) {
		case exchange.Unrecognized:
			metrics.EventsDecodedTotal.WithLabelValues("unrecognized").Inc()
		case exchange.ErrorMsg:
			metrics.EventsDecodedTotal.WithLabelValues(string(ev.Type())).Inc()
			metrics.FeedErrorsTotal.Inc()
			s.incrementErrorCount()
			errorMessages++
			if s.cfg.MaxErrorMessages > 0 && errorMessages > s.cfg.MaxErrorMessages {
				return fmt.Errorf("%d error messages, last %q: %w", errorMessages, ev.Message, exchange.ErrTransportFailure)
			}
		default:
			metrics.EventsDecodedTotal.WithLabelValues(string(ev.Type())).Inc()
		}

		s.sink.Enqueue(ev)
	}
}

// Close stops the session and closes the connection
func (s *Session) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return nil
	}
	err := conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	if err != nil {
		s.logger.Debug().Err(err).Msg("error sending close message")
	}
	return conn.Close()
}

func (s *Session) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// setConn records the live connection; it refuses once closed
func (s *Session) setConn(conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conn != nil && s.isClosed() {
		return false
	}
	s.conn = conn
	return true
}

func (s *Session) stale() <-chan struct{} {
	if s.watchdog == nil {
		return nil
	}
	return s.watchdog.Stale()
}

func (s *Session) rearm() {
	if s.watchdog != nil {
		s.watchdog.Rearm()
	}
}

func (s *Session) disarm() {
	if s.watchdog != nil {
		s.watchdog.Disarm()
	}
}

// IsConnected reports whether a subscribed connection is live
func (s *Session) IsConnected() bool {
	return s.Health().Connected
}

// Health returns connection health information
func (s *Session) Health() exchange.HealthStatus {
	if status, ok := s.health.Load().(exchange.HealthStatus); ok {
		return status
	}
	return exchange.HealthStatus{}
}

func (s *Session) updateHealth(fn func(*exchange.HealthStatus)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	status := s.Health()
	fn(&status)
	s.health.Store(status)
}

func (s *Session) updateConnectionStatus(connected bool) {
	s.updateHealth(func(status *exchange.HealthStatus) {
		status.Connected = connected
		if !connected {
			now := time.Now()
			status.ReconnectTime = &now
		}
	})
}

func (s *Session) recordMessage() {
	s.updateHealth(func(status *exchange.HealthStatus) {
		status.MessageCount++
		status.LastMessage = time.Now()
	})
}

func (s *Session) incrementErrorCount() {
	s.updateHealth(func(status *exchange.HealthStatus) { status.ErrorCount++ })
}

func (s *Session) incrementReconnects() {
	s.updateHealth(func(status *exchange.HealthStatus) { status.Reconnects++ })
}
