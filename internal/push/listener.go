// Package push keeps a websocket subscription to the provider's push channel
// open and turns call notifications into models.CallEvent values.
package push

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"intercom-bridge/internal/clock"
	"intercom-bridge/internal/failure"
	"intercom-bridge/internal/models"
	"intercom-bridge/internal/retry"
)

type State string

const (
	StateStopped      State = "stopped"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

var ErrAlreadyStarted = errors.New("push: listener already started")

// TokenSource provides the push token. The token is invalidated when the
// channel rejects it, so that the next connection asks for a new one.
type TokenSource interface {
	EnsurePushToken(ctx context.Context) (string, error)
	InvalidatePushToken()
}

// Handler receives parsed call events, one at a time, in arrival order.
type Handler func(ctx context.Context, ev models.CallEvent)

type Options struct {
	URL         string
	QueueSize   int
	Heartbeat   time.Duration
	StableAfter time.Duration
	Backoff     retry.Policy
	Dialer      *websocket.Dialer
	Clock       clock.Clock
}

func (o *Options) setDefaults() {
	if o.QueueSize <= 0 {
		o.QueueSize = 32
	}
	if o.Heartbeat <= 0 {
		o.Heartbeat = 45 * time.Second
	}
	if o.StableAfter <= 0 {
		o.StableAfter = 30 * time.Second
	}
	if o.Backoff.Base == 0 {
		o.Backoff = retry.Policy{Base: time.Second, Cap: 60 * time.Second}
	}
	if o.Dialer == nil {
		o.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		}
	}
	o.Clock = clock.Or(o.Clock)
}

type Status struct {
	State       State     `json:"state"`
	Connections int64     `json:"connections"`
	Received    int64     `json:"received"`
	Dropped     int64     `json:"dropped"`
	Malformed   int64     `json:"malformed"`
	LastMessage time.Time `json:"last_message,omitzero"`
	LastError   string    `json:"last_error,omitempty"`
}

type Listener struct {
	tokens TokenSource
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	state   State
	lastMsg time.Time
	lastErr string
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	queue chan models.CallEvent

	connections atomic.Int64
	received    atomic.Int64
	dropped     atomic.Int64
	malformed   atomic.Int64
}

func NewListener(tokens TokenSource, opts Options) *Listener {
	opts.setDefaults()
	return &Listener{
		tokens: tokens,
		opts:   opts,
		logger: slog.With("component", "push"),
		state:  StateStopped,
	}
}

// Start connects in the background and delivers call events to handler until
// Stop is called or ctx is cancelled.
func (l *Listener) Start(ctx context.Context, handler Handler) error {
	if handler == nil {
		return fmt.Errorf("push: nil handler")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		return ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.queue = make(chan models.CallEvent, l.opts.QueueSize)
	l.state = StateConnecting

	l.wg.Add(2)
	go func() {
		defer l.wg.Done()
		l.run(ctx)
	}()
	go func() {
		defer l.wg.Done()
		l.dispatch(ctx, handler)
	}()
	return nil
}

// Stop cancels the receive loop and any pending reconnect wait, and returns
// once both background tasks have exited.
func (l *Listener) Stop() {
	l.mu.Lock()
	cancel := l.cancel
	l.cancel = nil
	l.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	l.wg.Wait()
	l.setState(StateStopped, nil)
	l.logger.Info("Push listener stopped")
}

func (l *Listener) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Status{
		State:       l.state,
		Connections: l.connections.Load(),
		Received:    l.received.Load(),
		Dropped:     l.dropped.Load(),
		Malformed:   l.malformed.Load(),
		LastMessage: l.lastMsg,
		LastError:   l.lastErr,
	}
}

func (l *Listener) setState(s State, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = s
	if err != nil {
		l.lastErr = err.Error()
	}
}

func (l *Listener) run(ctx context.Context) {
	attempt := 0
	for {
		connectedAt, err := l.connect(ctx)
		if ctx.Err() != nil {
			return
		}

		if !connectedAt.IsZero() && l.opts.Clock.Now().Sub(connectedAt) >= l.opts.StableAfter {
			attempt = 0
		}
		attempt++
		delay := l.opts.Backoff.Delay(attempt)

		lost := failure.Wrap(failure.PushConnectionLost, "push channel lost", err)
		l.setState(StateReconnecting, lost)
		l.logger.Warn("Push channel lost, reconnecting", "error", err, "attempt", attempt, "delay", delay)

		if l.opts.Backoff.MaxAttempts > 0 && attempt >= l.opts.Backoff.MaxAttempts {
			l.logger.Error("Giving up on push channel", "attempts", attempt)
			return
		}
		if err := retry.Sleep(ctx, l.opts.Clock, delay); err != nil {
			return
		}
	}
}

// connect runs one connection until it fails. The returned time is when the
// connection was established, zero if it never was.
func (l *Listener) connect(ctx context.Context) (time.Time, error) {
	l.setState(StateConnecting, nil)

	token, err := l.tokens.EnsurePushToken(ctx)
	if err != nil {
		return time.Time{}, err
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, resp, err := l.opts.Dialer.DialContext(ctx, l.opts.URL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			l.logger.Warn("Push channel rejected the token", "status", resp.StatusCode)
			l.tokens.InvalidatePushToken()
		}
		return time.Time{}, err
	}
	defer conn.Close()

	connectedAt := l.opts.Clock.Now()
	l.connections.Add(1)
	l.setState(StateConnected, nil)
	l.logger.Info("Push channel connected", "url", l.opts.URL)

	stop := context.AfterFunc(ctx, func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = conn.Close()
	})
	defer stop()

	readTimeout := 2 * l.opts.Heartbeat
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	pingDone := make(chan struct{})
	defer close(pingDone)
	go l.ping(conn, pingDone)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return connectedAt, err
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		l.handleMessage(raw)
	}
}

func (l *Listener) ping(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(l.opts.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				l.logger.Debug("Push heartbeat failed", "error", err)
				_ = conn.Close()
				return
			}
		}
	}
}

func (l *Listener) handleMessage(raw []byte) {
	now := l.opts.Clock.Now()
	l.mu.Lock()
	l.lastMsg = now
	l.mu.Unlock()

	ev, err := ParseCallEvent(raw, now)
	if errors.Is(err, ErrNotCall) {
		l.logger.Debug("Ignoring push message", "size", len(raw))
		return
	}
	if err != nil {
		l.malformed.Add(1)
		l.logger.Warn("Skipping malformed push message", "error", err)
		return
	}
	l.received.Add(1)
	l.enqueue(ev)
}

// enqueue never blocks the receive loop. A full queue loses its oldest event.
func (l *Listener) enqueue(ev models.CallEvent) {
	for {
		select {
		case l.queue <- ev:
			return
		default:
		}
		select {
		case old := <-l.queue:
			l.dropped.Add(1)
			l.logger.Warn("Push queue full, dropping oldest call", "call_id", old.CallID, "device_id", old.DeviceID)
		default:
		}
	}
}

func (l *Listener) dispatch(ctx context.Context, handler Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-l.queue:
			if ctx.Err() != nil {
				return
			}
			l.logger.Info("Incoming call", "call_id", ev.CallID, "device_id", ev.DeviceID)
			handler(ctx, ev)
		}
	}
}
