// Package wshost implements transport.Host over websockets. Navigating an
// endpoint dials the frame URL, and every frame read from the connection is
// delivered to listeners on the scheduler goroutine. A dropped connection
// is redialed until the endpoint is removed or navigated elsewhere.
package wshost

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/ashureev/visitor-chat/internal/scheduler"
	"github.com/ashureev/visitor-chat/internal/transport"
)

const (
	dialTimeout  = 10 * time.Second
	writeTimeout = 5 * time.Second
	outboxSize   = 64

	redialBase = 250 * time.Millisecond
	redialMax  = 15 * time.Second
)

var (
	// ErrNotConnected is returned when posting while no connection is up.
	ErrNotConnected = errors.New("endpoint not connected")
	// ErrOriginMismatch is returned when the target origin does not match
	// the endpoint's current origin.
	ErrOriginMismatch = errors.New("target origin mismatch")
	// ErrOutboxFull is returned when the writer cannot keep up.
	ErrOutboxFull = errors.New("outbox full")
)

// Host dials one websocket per endpoint.
type Host struct {
	sched    scheduler.Scheduler
	logger   *slog.Logger
	dialOpts *websocket.DialOptions

	mu        sync.Mutex
	endpoints []*Endpoint
	listeners map[int]func(transport.MessageEvent)
	nextID    int
}

// Option configures a Host.
type Option func(*Host)

// WithDialOptions sets the options passed to websocket.Dial.
func WithDialOptions(opts *websocket.DialOptions) Option {
	return func(h *Host) { h.dialOpts = opts }
}

// New creates a host delivering events through sched.
func New(sched scheduler.Scheduler, logger *slog.Logger, opts ...Option) *Host {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Host{
		sched:     sched,
		logger:    logger.With("component", "wshost"),
		listeners: make(map[int]func(transport.MessageEvent)),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// CreateEndpoint implements transport.Host.
func (h *Host) CreateEndpoint(class string) (transport.Endpoint, error) {
	ep := &Endpoint{host: h, id: uuid.NewString(), class: class}
	h.mu.Lock()
	h.endpoints = append(h.endpoints, ep)
	h.mu.Unlock()
	return ep, nil
}

// FindEndpoint implements transport.Host.
func (h *Host) FindEndpoint(class string) transport.Endpoint {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ep := range h.endpoints {
		if ep.class == class {
			return ep
		}
	}
	return nil
}

// Listen implements transport.Host.
func (h *Host) Listen(fn func(transport.MessageEvent)) func() {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.listeners[id] = fn
	h.mu.Unlock()
	return func() {
		h.mu.Lock()
		delete(h.listeners, id)
		h.mu.Unlock()
	}
}

// deliver runs on the scheduler goroutine.
func (h *Host) deliver(ev transport.MessageEvent) {
	h.sched.Post(func() {
		h.mu.Lock()
		fns := make([]func(transport.MessageEvent), 0, len(h.listeners))
		for i := 0; i < h.nextID; i++ {
			if fn, ok := h.listeners[i]; ok {
				fns = append(fns, fn)
			}
		}
		h.mu.Unlock()
		for _, fn := range fns {
			fn(ev)
		}
	})
}

func (h *Host) forget(ep *Endpoint) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, e := range h.endpoints {
		if e == ep {
			h.endpoints = append(h.endpoints[:i], h.endpoints[i+1:]...)
			return
		}
	}
}

// Endpoint is a single websocket connection.
type Endpoint struct {
	host  *Host
	id    string
	class string

	mu     sync.Mutex
	origin string
	conn   *websocket.Conn
	outbox chan []byte
	cancel context.CancelFunc
}

// ID implements transport.Endpoint.
func (e *Endpoint) ID() string { return e.id }

// Navigate implements transport.Endpoint. The dial runs in the background;
// the remote side announces readiness with its loaded message.
func (e *Endpoint) Navigate(rawURL string) error {
	wsURL, origin, err := websocketURL(rawURL)
	if err != nil {
		return err
	}

	e.close("navigating")
	ctx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.origin = origin
	e.cancel = cancel
	e.mu.Unlock()

	go e.run(ctx, wsURL, origin)
	return nil
}

// run keeps the endpoint connected until ctx ends. Each new connection
// starts with the frame's loaded message, which makes the transport resend
// what the dropped one lost.
func (e *Endpoint) run(ctx context.Context, wsURL, origin string) {
	logger := e.host.logger.With("endpoint", e.id, "url", wsURL)
	failures := 0
	for {
		if e.connect(ctx, wsURL, origin, logger) {
			failures = 0
		} else {
			failures++
		}
		if ctx.Err() != nil {
			return
		}

		delay := redialDelay(failures)
		logger.Info("Redialing frame", "delay", delay, "failures", failures)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// redialDelay doubles from redialBase per consecutive failed dial.
func redialDelay(failures int) time.Duration {
	if failures > 6 {
		failures = 6
	}
	delay := redialBase * time.Duration(1<<failures)
	if delay > redialMax {
		delay = redialMax
	}
	return delay
}

// connect dials once and reads until the connection drops. It reports
// whether the dial succeeded.
func (e *Endpoint) connect(ctx context.Context, wsURL, origin string, logger *slog.Logger) bool {
	dialCtx, cancelDial := context.WithTimeout(ctx, dialTimeout)
	conn, _, err := websocket.Dial(dialCtx, wsURL, e.host.dialOpts)
	cancelDial()
	if err != nil {
		if ctx.Err() == nil {
			logger.Warn("Failed to dial frame", "error", err)
		}
		return false
	}
	conn.SetReadLimit(1 << 20)

	connCtx, cancelConn := context.WithCancel(ctx)
	defer cancelConn()

	outbox := make(chan []byte, outboxSize)
	e.mu.Lock()
	if ctx.Err() != nil {
		e.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "endpoint removed")
		return true
	}
	e.conn = conn
	e.outbox = outbox
	e.mu.Unlock()
	logger.Debug("Frame connected")

	go e.writeLoop(connCtx, conn, outbox, logger)

	for {
		_, data, err := conn.Read(connCtx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Debug("Frame closed")
				return true
			}
			if websocket.CloseStatus(err) != -1 {
				logger.Info("Frame closed by server", "status", websocket.CloseStatus(err))
			} else {
				logger.Warn("Frame read error", "error", err)
			}
			e.drop(conn)
			return true
		}
		e.host.deliver(transport.MessageEvent{Origin: origin, Source: e.id, Data: data})
	}
}

// drop forgets conn so posts fail fast until the next connection is up.
func (e *Endpoint) drop(conn *websocket.Conn) {
	e.mu.Lock()
	if e.conn == conn {
		e.conn = nil
		e.outbox = nil
	}
	e.mu.Unlock()
	_ = conn.CloseNow()
}

func (e *Endpoint) writeLoop(ctx context.Context, conn *websocket.Conn, outbox <-chan []byte, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-outbox:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					logger.Warn("Frame write error", "error", err)
					e.drop(conn)
				}
				return
			}
		}
	}
}

// PostMessage implements transport.Endpoint. Writes are queued and sent in
// order by a writer goroutine.
func (e *Endpoint) PostMessage(data []byte, targetOrigin string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if targetOrigin != e.origin {
		return fmt.Errorf("%w: %s", ErrOriginMismatch, targetOrigin)
	}
	if e.conn == nil {
		return ErrNotConnected
	}
	select {
	case e.outbox <- append([]byte(nil), data...):
		return nil
	default:
		return ErrOutboxFull
	}
}

// Remove implements transport.Endpoint.
func (e *Endpoint) Remove() error {
	e.close("endpoint removed")
	e.host.forget(e)
	return nil
}

func (e *Endpoint) close(reason string) {
	e.mu.Lock()
	conn, cancel := e.conn, e.cancel
	e.conn, e.cancel, e.outbox = nil, nil, nil
	e.mu.Unlock()

	if conn == nil {
		if cancel != nil {
			cancel()
		}
		return
	}
	// The close handshake can take seconds; keep it off the caller's goroutine.
	go func() {
		if err := conn.Close(websocket.StatusNormalClosure, reason); err != nil {
			e.host.logger.Debug("Failed to close websocket", "error", err)
		}
		if cancel != nil {
			cancel()
		}
	}()
}

// websocketURL maps an http(s) frame URL to its ws(s) form and returns the
// origin messages from it are attributed to.
func websocketURL(raw string) (string, string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("parse frame url: %w", err)
	}
	origin := u.Scheme + "://" + u.Host
	switch strings.ToLower(u.Scheme) {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
		origin = strings.Replace(origin, "ws", "http", 1)
	default:
		return "", "", fmt.Errorf("unsupported frame scheme %q", u.Scheme)
	}
	return u.String(), origin, nil
}
