// Package transport implements the request/response channel between the
// visitor client and the chat backend. Requests are queued until the remote
// side signals it has loaded, then matched to responses by id and retried
// on a timer until acknowledged.
package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/ashureev/visitor-chat/internal/rpc"
	"github.com/ashureev/visitor-chat/internal/scheduler"
)

const (
	// DefaultRetryTimeout is the retry scan interval and the base backoff.
	DefaultRetryTimeout = 15 * time.Second
	// MaxRetryWait caps the per-request backoff.
	MaxRetryWait = 60 * time.Second
	// MaxAttempts is the number of attempts after which an erroring request
	// is abandoned.
	MaxAttempts = 2
	// RemoveGrace is how long Destroy waits before removing the endpoint so
	// the disconnect can flush.
	RemoveGrace = 500 * time.Millisecond
)

// ErrDestroyed is returned for calls made on a destroyed transport.
var ErrDestroyed = errors.New("transport destroyed")

// MessageListener receives server pushes. id is nil for pure pushes.
type MessageListener func(method string, params json.RawMessage, id *int64)

// Config configures a Transport.
type Config struct {
	AccountID string
	ServerSet string
	// Origin overrides the origin derived from ServerSet.
	Origin string
	// Endpoint is adopted instead of creating a new one.
	Endpoint     Endpoint
	RetryTimeout time.Duration
	Logger       *slog.Logger
}

// CallOption modifies a single call.
type CallOption func(*pending)

// SkipRetry marks a call as answered by its first response, success or
// failure. It is never resent.
func SkipRetry() CallOption {
	return func(p *pending) { p.skipRetry = true }
}

type pending struct {
	request    Request
	result     *rpc.Result
	enqueuedAt time.Time
	attempt    int
	skipRetry  bool
	untracked  bool
}

// Transport is confined to the scheduler goroutine: every exported method
// must be called from it.
type Transport struct {
	cfg      Config
	host     Host
	sched    scheduler.Scheduler
	logger   *slog.Logger
	origin   string
	endpoint Endpoint

	listener MessageListener
	unlisten func()

	ready     bool
	destroyed bool
	nextID    int64
	queue     []*pending
	inflight  map[int64]*pending
	retry     scheduler.Timer
}

// New creates a transport. Initialize must be called before use.
func New(cfg Config, host Host, sched scheduler.Scheduler) *Transport {
	if cfg.RetryTimeout <= 0 {
		cfg.RetryTimeout = DefaultRetryTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	origin := cfg.Origin
	if origin == "" {
		origin = OriginFor(cfg.ServerSet)
	}
	return &Transport{
		cfg:      cfg,
		host:     host,
		sched:    sched,
		logger:   logger.With("component", "transport"),
		origin:   origin,
		endpoint: cfg.Endpoint,
		nextID:   1,
		inflight: make(map[int64]*pending),
	}
}

// Initialize creates or adopts the endpoint, navigates it to the frame URL
// and starts listening for inbound messages.
func (t *Transport) Initialize() error {
	if t.destroyed {
		return ErrDestroyed
	}
	if t.endpoint == nil {
		ep, err := t.host.CreateEndpoint(FrameClass)
		if err != nil {
			return fmt.Errorf("create endpoint: %w", err)
		}
		t.endpoint = ep
	}
	if t.unlisten == nil {
		t.unlisten = t.host.Listen(t.receive)
	}
	url := FrameURL(t.origin, t.cfg.AccountID)
	if err := t.endpoint.Navigate(url); err != nil {
		return fmt.Errorf("navigate endpoint: %w", err)
	}
	t.logger.Debug("Transport initialized", "url", url, "endpoint", t.endpoint.ID())
	return nil
}

// SetMessageListener sets the receiver for server pushes.
func (t *Transport) SetMessageListener(fn MessageListener) {
	t.listener = fn
}

// Origin returns the trusted origin.
func (t *Transport) Origin() string { return t.origin }

// ServerSet returns the configured server set.
func (t *Transport) ServerSet() string { return t.cfg.ServerSet }

// Endpoint returns the endpoint in use.
func (t *Transport) Endpoint() Endpoint { return t.endpoint }

// Ready reports whether the remote side has signaled it loaded.
func (t *Transport) Ready() bool { return t.ready }

// Queued returns the number of requests waiting for the loaded signal.
func (t *Transport) Queued() int { return len(t.queue) }

// Pending returns the number of sent requests awaiting a response.
func (t *Transport) Pending() int { return len(t.inflight) }

// Call sends method with params and returns a result settled by the
// matching response.
func (t *Transport) Call(method string, params any, opts ...CallOption) *rpc.Result {
	if t.destroyed {
		return rpc.Failed(fmt.Errorf("%s: %w", method, ErrDestroyed))
	}
	raw, err := encodeParams(params)
	if err != nil {
		return rpc.Failed(fmt.Errorf("%s: encode params: %w", method, err))
	}

	p := &pending{
		request: Request{Method: method, Params: raw, ID: t.nextID},
		result:  rpc.New(),
		attempt: 0,
	}
	t.nextID++
	for _, opt := range opts {
		opt(p)
	}
	switch method {
	case MethodConnect, MethodDisconnect, MethodTryReconnect:
		p.untracked = true
	}

	if t.ready {
		t.send(p)
	} else {
		t.queue = append(t.queue, p)
	}
	return p.result
}

// OpenStream announces the client's chat stream.
func (t *Transport) OpenStream(client any) *rpc.Result {
	return t.Call(MethodConnect, client)
}

// CloseStream closes the chat stream.
func (t *Transport) CloseStream() *rpc.Result {
	return t.Call(MethodDisconnect, struct{}{})
}

// TryReconnect asks the remote side to re-establish its connection.
func (t *Transport) TryReconnect() *rpc.Result {
	return t.Call(MethodTryReconnect, struct{}{})
}

// Destroy stops retries, sends a disconnect, detaches the listener and
// removes the endpoint after RemoveGrace. It is safe to call repeatedly.
func (t *Transport) Destroy() {
	if t.destroyed {
		return
	}
	if t.retry != nil {
		t.retry.Stop()
		t.retry = nil
	}
	if t.ready && t.endpoint != nil {
		t.send(&pending{
			request:   Request{Method: MethodDisconnect, Params: json.RawMessage(`{}`), ID: t.nextID},
			result:    rpc.New(),
			untracked: true,
		})
		t.nextID++
	}
	t.destroyed = true
	if t.unlisten != nil {
		t.unlisten()
		t.unlisten = nil
	}

	for _, p := range t.queue {
		p.result.Reject(ErrDestroyed)
	}
	t.queue = nil
	inflight := t.inflight
	t.inflight = make(map[int64]*pending)
	for _, id := range sortedKeys(inflight) {
		inflight[id].result.Reject(ErrDestroyed)
	}

	if ep := t.endpoint; ep != nil {
		t.sched.After(RemoveGrace, func() {
			if err := ep.Remove(); err != nil {
				t.logger.Warn("Failed to remove endpoint", "error", err)
			}
		})
	}
	t.logger.Debug("Transport destroyed")
}

// Destroyed reports whether Destroy has been called.
func (t *Transport) Destroyed() bool { return t.destroyed }

func (t *Transport) send(p *pending) {
	data, err := json.Marshal(p.request)
	if err != nil {
		p.result.Reject(fmt.Errorf("%s: encode request: %w", p.request.Method, err))
		return
	}
	p.attempt++
	p.enqueuedAt = t.sched.Now()
	// Registered before posting so a synchronous reply can match it.
	if !p.untracked {
		t.inflight[p.request.ID] = p
	}
	postErr := t.endpoint.PostMessage(data, t.origin)
	if postErr != nil {
		t.logger.Warn("Failed to post message", "method", p.request.Method, "id", p.request.ID, "error", postErr)
	}
	if p.untracked {
		if postErr != nil {
			p.result.Reject(postErr)
		} else {
			p.result.Resolve(nil)
		}
	}
}

func (t *Transport) receive(ev MessageEvent) {
	if t.destroyed || ev.Origin != t.origin {
		return
	}
	if t.endpoint == nil || ev.Source != t.endpoint.ID() {
		return
	}

	var msg Message
	if err := json.Unmarshal(ev.Data, &msg); err != nil {
		t.logger.Error("Dropping malformed message", "data", string(ev.Data), "error", err)
		return
	}

	switch msg.Method {
	case "":
		t.handleResponse(&msg, ev.Data)
	case MethodLoaded:
		t.handleLoaded()
	case MethodReconnected:
		t.resendPending()
		t.dispatch(&msg)
	default:
		t.dispatch(&msg)
	}
}

func (t *Transport) dispatch(msg *Message) {
	if msg.Method == MethodReconnecting {
		t.logger.Info("Backend reconnecting")
	}
	if t.listener != nil {
		t.listener(msg.Method, msg.Params, msg.ID)
	}
}

// handleLoaded flushes the queue. A repeated loaded means the frame came
// back on a new connection, so requests still in flight are resent too.
func (t *Transport) handleLoaded() {
	reloaded := t.ready
	t.ready = true
	if reloaded {
		t.logger.Info("Frame reloaded, resending pending requests", "pending", len(t.inflight))
		t.resendPending()
	}
	queued := t.queue
	t.queue = nil
	for _, p := range queued {
		t.send(p)
	}
	if t.retry == nil {
		t.retry = t.sched.Every(t.cfg.RetryTimeout, t.scan)
	}
	t.logger.Debug("Frame loaded", "flushed", len(queued))
}

func (t *Transport) handleResponse(msg *Message, raw []byte) {
	if msg.ID == nil {
		return
	}
	p, ok := t.inflight[*msg.ID]
	if !ok {
		t.logger.Debug("Dropping response for unknown request", "id", *msg.ID)
		return
	}

	if !msg.HasError() {
		delete(t.inflight, *msg.ID)
		if failed, text := msg.Failed(); failed {
			p.result.Reject(&RemoteError{Method: p.request.Method, ID: p.request.ID, Message: text})
			return
		}
		p.result.Resolve(msg.Payload(raw))
		return
	}

	_, text := msg.Failed()
	p.result.Reject(&RemoteError{Method: p.request.Method, ID: p.request.ID, Message: text})
	if p.skipRetry || p.attempt >= MaxAttempts {
		delete(t.inflight, *msg.ID)
		t.logger.Warn("Request abandoned", "method", p.request.Method, "id", p.request.ID, "attempt", p.attempt, "error", text)
	}
}

// scan resends every request whose backoff has elapsed.
func (t *Transport) scan() {
	if t.destroyed || !t.ready {
		return
	}
	now := t.sched.Now()
	for _, id := range t.sortedIDs() {
		p, ok := t.inflight[id]
		if !ok || p.skipRetry {
			continue
		}
		wait := t.cfg.RetryTimeout * time.Duration(p.attempt)
		if wait > MaxRetryWait {
			wait = MaxRetryWait
		}
		if now.Sub(p.enqueuedAt) > wait {
			t.logger.Debug("Retrying request", "method", p.request.Method, "id", id, "attempt", p.attempt+1)
			t.send(p)
		}
	}
}

// resendPending pushes every retryable request again after the backend
// reconnects. Attempts are not counted since the previous sends were lost.
func (t *Transport) resendPending() {
	if !t.ready {
		return
	}
	for _, id := range t.sortedIDs() {
		p, ok := t.inflight[id]
		if !ok || p.skipRetry {
			continue
		}
		p.attempt--
		t.send(p)
	}
}

func (t *Transport) sortedIDs() []int64 {
	return sortedKeys(t.inflight)
}

func sortedKeys(m map[int64]*pending) []int64 {
	ids := make([]int64, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func encodeParams(params any) (json.RawMessage, error) {
	switch v := params.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		if len(v) == 0 {
			return json.RawMessage(`{}`), nil
		}
		return v, nil
	default:
		return json.Marshal(v)
	}
}
