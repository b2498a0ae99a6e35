package chatsync

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/pawcare/portal/internal/events"
)

const (
	DefaultReconnectAttempts = 5
	DefaultReconnectDelay    = time.Second

	defaultWriteTimeout = 10 * time.Second
	defaultReadTimeout  = 60 * time.Second
)

// WebSocketURL turns an http(s) API base URL into the realtime endpoint URL.
func WebSocketURL(baseURL, token string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", errors.Wrap(err, "parse base url")
	}
	switch u.Scheme {
	case "http", "":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	q := u.Query()
	if token != "" {
		q.Set("token", token)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type WebSocketOption func(*WebSocketTransport)

// WithReconnect sets the reconnection budget: at most attempts dials after a
// failure, spaced by delay.
func WithReconnect(attempts int, delay time.Duration) WebSocketOption {
	return func(t *WebSocketTransport) {
		if attempts < 0 {
			attempts = 0
		}
		t.attempts = attempts
		t.delay = delay
	}
}

func WithDialer(d *websocket.Dialer) WebSocketOption {
	return func(t *WebSocketTransport) { t.dialer = d }
}

func WithHeader(h http.Header) WebSocketOption {
	return func(t *WebSocketTransport) { t.header = h }
}

func WithReadTimeout(d time.Duration) WebSocketOption {
	return func(t *WebSocketTransport) { t.readTimeout = d }
}

func WithTransportLogger(l zerolog.Logger) WebSocketOption {
	return func(t *WebSocketTransport) { t.logger = l }
}

// WebSocketTransport frames events as {"event": name, "data": payload} over a
// gorilla websocket connection and redials with a bounded constant backoff.
type WebSocketTransport struct {
	url         string
	dialer      *websocket.Dialer
	header      http.Header
	attempts    int
	delay       time.Duration
	readTimeout time.Duration
	logger      zerolog.Logger

	mu  sync.Mutex
	run *wsRun
}

func NewWebSocketTransport(rawURL string, opts ...WebSocketOption) *WebSocketTransport {
	t := &WebSocketTransport{
		url:         rawURL,
		dialer:      websocket.DefaultDialer,
		attempts:    DefaultReconnectAttempts,
		delay:       DefaultReconnectDelay,
		readTimeout: defaultReadTimeout,
		logger:      log.With().Str("component", "chatsync.transport").Logger(),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

func (t *WebSocketTransport) Open(cb Callbacks) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.run != nil && t.run.ctx.Err() == nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &wsRun{t: t, ctx: ctx, cancel: cancel, cb: cb}
	t.run = r
	go r.loop()
}

func (t *WebSocketTransport) Emit(event string, data any) error {
	t.mu.Lock()
	r := t.run
	t.mu.Unlock()
	if r == nil {
		return ErrNotConnected
	}
	frame, err := events.Encode(event, data)
	if err != nil {
		return err
	}
	return r.write(frame)
}

// Close stops the connection loop. It does not wait for the loop goroutine,
// so it is safe to call from inside a callback.
func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	r := t.run
	t.run = nil
	t.mu.Unlock()
	if r == nil {
		return nil
	}
	r.cancel()
	return r.closeConn()
}

func (t *WebSocketTransport) newBackOff() backoff.BackOff {
	return backoff.WithMaxRetries(backoff.NewConstantBackOff(t.delay), uint64(t.attempts))
}

type wsRun struct {
	t      *WebSocketTransport
	ctx    context.Context
	cancel context.CancelFunc
	cb     Callbacks

	mu   sync.Mutex
	conn *websocket.Conn
}

func (r *wsRun) loop() {
	t := r.t
	b := t.newBackOff()
	var wait time.Duration
	var lastErr error

	for {
		if wait > 0 {
			select {
			case <-r.ctx.Done():
				return
			case <-time.After(wait):
			}
		}

		conn, _, err := t.dialer.DialContext(r.ctx, t.url, t.header)
		if r.ctx.Err() != nil {
			if conn != nil {
				_ = conn.Close()
			}
			return
		}
		if err != nil {
			lastErr = err
			next := b.NextBackOff()
			if next == backoff.Stop {
				t.logger.Warn().Err(err).Int("attempts", t.attempts).Msg("reconnect budget exhausted")
				r.cancel()
				if r.cb.OnGiveUp != nil {
					r.cb.OnGiveUp(errors.Wrapf(lastErr, "realtime connection failed after %d reconnect attempts", t.attempts))
				}
				return
			}
			t.logger.Debug().Err(err).Dur("retry_in", next).Msg("dial failed")
			wait = next
			continue
		}

		b.Reset()
		if !r.setConn(conn) {
			return
		}
		t.logger.Debug().Str("url", redactURL(t.url)).Msg("connected")
		if r.cb.OnConnect != nil {
			r.cb.OnConnect()
		}

		readErr := r.readLoop(conn)
		r.setConn(nil)
		_ = conn.Close()
		if r.ctx.Err() != nil {
			return
		}

		t.logger.Info().Err(readErr).Msg("disconnected, reconnecting")
		if r.cb.OnDisconnect != nil {
			r.cb.OnDisconnect(readErr)
		}
		lastErr = readErr
		next := b.NextBackOff()
		if next == backoff.Stop {
			r.cancel()
			if r.cb.OnGiveUp != nil {
				r.cb.OnGiveUp(errors.Wrap(lastErr, "realtime connection lost and reconnection is disabled"))
			}
			return
		}
		wait = next
	}
}

func (r *wsRun) readLoop(conn *websocket.Conn) error {
	timeout := r.t.readTimeout
	extend := func() {
		if timeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(timeout))
		}
	}
	extend()
	conn.SetPingHandler(func(appData string) error {
		extend()
		r.mu.Lock()
		defer r.mu.Unlock()
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(defaultWriteTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		extend()
		if msgType != websocket.TextMessage {
			continue
		}
		env, err := events.Decode(data)
		if err != nil {
			r.t.logger.Warn().Err(err).Msg("dropping malformed frame")
			continue
		}
		if r.cb.OnEvent != nil {
			r.cb.OnEvent(env.Event, env.Data)
		}
	}
}

// setConn installs conn unless the run was cancelled meanwhile.
func (r *wsRun) setConn(conn *websocket.Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if conn != nil && r.ctx.Err() != nil {
		_ = conn.Close()
		return false
	}
	r.conn = conn
	return true
}

func (r *wsRun) write(frame []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return ErrNotConnected
	}
	_ = r.conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout))
	return errors.Wrap(r.conn.WriteMessage(websocket.TextMessage, frame), "websocket write")
}

func (r *wsRun) closeConn() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return nil
	}
	_ = r.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	err := r.conn.Close()
	r.conn = nil
	return err
}

func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	q := u.Query()
	if q.Has("token") {
		q.Set("token", "redacted")
		u.RawQuery = q.Encode()
	}
	return u.String()
}
