// Package stream runs live orderbook WebSocket sessions against Stockbit
// and fans incoming frames out to the CSV sink.
//
// Grounded on the teacher's internal/broker/ticker.go (ZerodhaTicker): the
// mu/writeMu split, the reconnect-with-backoff loop, and the
// OnConnect/OnError callback shape all carry over. What changes is the
// wire protocol (there is no Kite ticker library for Stockbit, so the
// session hand-rolls gorilla/websocket) and the backoff parameters, which
// follow the spec's 5s base / 5min cap rather than the teacher's 1s/30s.
package stream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"stockbit-ingest/internal/codec"
	"stockbit-ingest/internal/credential"
	"stockbit-ingest/internal/csvsink"
	pkgerrors "stockbit-ingest/internal/errors"
	"stockbit-ingest/internal/logging"
	"stockbit-ingest/pkg/utils"
)

// State is a streaming session's lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected     State = "connected"
	StateRetrying      State = "retrying"
	StateStopped       State = "stopped"
	StateErrored       State = "errored"
)

// TradingKeyFetcher retrieves the trading key the subscription frame
// needs. Implemented by *restclient.Client; kept as an interface here so
// this package does not import restclient (and its HTTP/circuit-breaker
// machinery) just to make one call.
type TradingKeyFetcher interface {
	FetchTradingKey(ctx context.Context) (string, error)
}

// Config tunes a Session's reconnect and heartbeat behavior.
type Config struct {
	BaseBackoff       time.Duration
	MaxBackoff        time.Duration
	HeartbeatInterval time.Duration
	PongTimeout       time.Duration
	WriteTimeout      time.Duration
}

// DefaultConfig returns the spec's backoff parameters: 5s base, 5 minute
// cap, which are deliberately larger than the teacher's 1s/30s since
// Stockbit's WebSocket endpoint is far less forgiving of a reconnect
// storm than a broker's own ticker feed.
func DefaultConfig() Config {
	return Config{
		BaseBackoff:       5 * time.Second,
		MaxBackoff:        5 * time.Minute,
		HeartbeatInterval: 30 * time.Second,
		PongTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
}

// Stats is a snapshot of a session's activity, exposed through the
// control facade.
type Stats struct {
	SessionID        string
	State            State
	Tickers          []string
	ReconnectAttempt int   // current backoff counter; resets to 0 on every successful connect
	TotalReconnects  int64 // cumulative count of successful reconnects (not the initial connect); never resets
	LastError        string
	ConnectedAt      *time.Time
	MessageCounts    map[string]int64
	LastUpdate       map[string]time.Time
}

// Session manages one WebSocket connection subscribed to a fixed set of
// tickers. A Session is single-use: once Stop is called it does not
// reconnect.
type Session struct {
	id         string
	userID     string
	tickers    []string
	wsURL      string
	cred       *credential.Store
	keyFetcher TradingKeyFetcher
	sink       *csvsink.Sink
	cfg        Config
	logger     zerolog.Logger

	mu              sync.RWMutex
	writeMu         sync.Mutex
	conn            *websocket.Conn
	state           State
	attempt         int
	hasConnectedOnce bool
	totalReconnects int64
	lastError       string
	connectedAt     *time.Time
	msgCounts       map[string]int64
	lastUpdate      map[string]time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New creates a Session. It does not connect until Start is called.
func New(id, userID string, tickers []string, wsURL string, cred *credential.Store, keyFetcher TradingKeyFetcher, sink *csvsink.Sink, cfg Config, logger zerolog.Logger) *Session {
	return &Session{
		id:         id,
		userID:     userID,
		tickers:    tickers,
		wsURL:      wsURL,
		cred:       cred,
		keyFetcher: keyFetcher,
		sink:       sink,
		cfg:        cfg,
		logger:     logging.WithSessionID(logger, id),
		state:      StateDisconnected,
		msgCounts:  make(map[string]int64),
		lastUpdate: make(map[string]time.Time),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Start begins the session's connect/reconnect loop in a background
// goroutine and returns immediately.
func (s *Session) Start(ctx context.Context) {
	go s.runLoop(ctx)
}

// Stop idempotently requests the session to close. It returns once the
// run loop has exited, bounded by ctx's deadline if one is set.
func (s *Session) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	select {
	case <-s.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Stats returns a snapshot of the session's activity.
func (s *Session) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[string]int64, len(s.msgCounts))
	for k, v := range s.msgCounts {
		counts[k] = v
	}
	updates := make(map[string]time.Time, len(s.lastUpdate))
	for k, v := range s.lastUpdate {
		updates[k] = v
	}

	return Stats{
		SessionID:        s.id,
		State:            s.state,
		Tickers:          append([]string{}, s.tickers...),
		ReconnectAttempt: s.attempt,
		TotalReconnects:  s.totalReconnects,
		LastError:        s.lastError,
		ConnectedAt:      s.connectedAt,
		MessageCounts:    counts,
		LastUpdate:       updates,
	}
}

func (s *Session) setState(to State) {
	s.mu.Lock()
	from := s.state
	s.state = to
	s.mu.Unlock()
	if from != to {
		logging.LogSessionEvent(s.logger, s.id, string(from), string(to), s.attempt)
	}
}

// runLoop is the reconnect-with-backoff driver, structurally the same
// shape as ZerodhaTicker.reconnect but entered unconditionally (this
// session has no separate first-Connect call) and with no retry ceiling
// -- a streaming session that cannot reach Stockbit keeps retrying until
// explicitly stopped, since there is no terminal "task failed" concept
// for a live feed the way there is for a historical job.
func (s *Session) runLoop(ctx context.Context) {
	defer close(s.doneCh)
	defer func() {
		if s.State() != StateErrored {
			s.setState(StateStopped)
		}
	}()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		s.setState(StateConnecting)
		err := s.connectAndServe(ctx)
		if err == nil {
			// connectAndServe only returns nil if the stop signal fired.
			return
		}

		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		if pkgerrors.KindOf(err) == pkgerrors.KindFatal {
			s.mu.Lock()
			s.lastError = err.Error()
			s.mu.Unlock()
			s.logger.Error().Err(err).Msg("fatal error, session stopping")
			s.setState(StateErrored)
			return
		}

		s.mu.Lock()
		s.attempt++
		attempt := s.attempt
		s.lastError = err.Error()
		s.mu.Unlock()

		delay := utils.CalculateBackoff(attempt, s.cfg.BaseBackoff, s.cfg.MaxBackoff, 2.0)
		s.setState(StateRetrying)
		s.logger.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("session disconnected, backing off")

		select {
		case <-time.After(delay):
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Session) connectAndServe(ctx context.Context) error {
	token := s.cred.Token()
	if token == "" {
		return pkgerrors.NewCredentialError("connect", "no bearer token set", pkgerrors.KindAuthExpired, nil)
	}

	tradingKey, err := s.keyFetcher.FetchTradingKey(ctx)
	if err != nil {
		return err
	}

	dialer := websocket.DefaultDialer
	conn, _, err := dialer.DialContext(ctx, s.wsURL, nil)
	if err != nil {
		return pkgerrors.NewStreamError(s.id, "failed to dial websocket", pkgerrors.KindRetryable, err)
	}

	s.mu.Lock()
	s.conn = conn
	now := time.Now().UTC()
	s.connectedAt = &now
	s.attempt = 0
	if s.hasConnectedOnce {
		s.totalReconnects++
	}
	s.hasConnectedOnce = true
	s.mu.Unlock()

	defer func() {
		conn.Close()
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
	}()

	sub := codec.EncodeSubscription(s.userID, s.tickers, tradingKey, token)
	if err := s.writeMessage(websocket.BinaryMessage, sub); err != nil {
		return pkgerrors.NewStreamError(s.id, "failed to send subscription frame", pkgerrors.KindRetryable, err)
	}

	s.setState(StateConnected)
	s.logger.Info().Strs("tickers", s.tickers).Msg("session connected, subscription sent")

	readErrCh := make(chan error, 1)
	go func() { readErrCh <- s.readLoop(conn) }()

	heartbeatDone := make(chan struct{})
	go s.heartbeatLoop(conn, heartbeatDone)
	defer close(heartbeatDone)

	select {
	case <-s.stopCh:
		s.closeGracefully(conn)
		return nil
	case <-ctx.Done():
		s.closeGracefully(conn)
		return nil
	case err := <-readErrCh:
		return err
	}
}

func (s *Session) closeGracefully(conn *websocket.Conn) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func (s *Session) writeMessage(messageType int, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.cfg.WriteTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	}
	return s.conn.WriteMessage(messageType, data)
}

// heartbeatLoop sends WebSocket pings at the configured interval and
// relies on gorilla/websocket's default pong handler to keep the read
// deadline pushed out; it is the active counterpart to the original
// Python client's passive "let the server ping us" mode, since Go's
// websocket library expects the client to drive keepalive.
func (s *Session) heartbeatLoop(conn *websocket.Conn, done <-chan struct{}) {
	if s.cfg.HeartbeatInterval <= 0 {
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.HeartbeatInterval + s.cfg.PongTimeout))
	})
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.HeartbeatInterval + s.cfg.PongTimeout))

	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			s.writeMu.Unlock()
			if err != nil {
				s.logger.Warn().Err(err).Msg("heartbeat ping failed")
				return
			}
		}
	}
}

func (s *Session) readLoop(conn *websocket.Conn) error {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return pkgerrors.NewStreamError(s.id, "read failed", pkgerrors.KindRetryable, err)
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		if err := s.handleFrame(data); err != nil {
			return err
		}
	}
}

// handleFrame decodes one wire frame and appends every price level to the
// CSV sink. Decode failures and unparseable payloads are logged and
// dropped rather than killing the session -- one corrupt frame must never
// take down an otherwise-healthy connection. A CSV write failure is
// different: spec.md §7 classifies "cannot write CSV" as Fatal, so it is
// returned rather than swallowed, stopping the session instead of quietly
// losing rows.
func (s *Session) handleFrame(data []byte) error {
	frame, err := codec.DecodeFrame(data)
	if err != nil {
		logging.LogFrameDropped(s.logger, s.id, err.Error())
		return nil
	}
	if frame.Ticker == "" || frame.Payload == "" {
		return nil
	}

	levels, err := codec.ParsePayload(frame.Payload)
	if err != nil {
		logging.LogFrameDropped(s.logger, s.id, fmt.Sprintf("%s: %v", frame.Ticker, err))
		return nil
	}

	now := time.Now().UTC()
	for _, level := range levels {
		row := csvsink.OrderbookRow{
			Timestamp:  timestampOrNow(frame.Timestamp, now),
			Price:      level.Price,
			Lots:       level.Lots,
			TotalValue: level.TotalValue,
			Side:       level.Side,
		}
		if err := s.sink.AppendOrderbookLevel(frame.Ticker, now, row); err != nil {
			s.logger.Error().Err(err).Str("ticker", frame.Ticker).Msg("failed to write orderbook level, stopping session")
			return err
		}
	}

	s.mu.Lock()
	s.msgCounts[frame.Ticker]++
	s.lastUpdate[frame.Ticker] = now
	s.mu.Unlock()
	return nil
}

func timestampOrNow(ts string, fallback time.Time) string {
	if ts != "" {
		return ts
	}
	return fallback.Format(time.RFC3339)
}
