// Package memhost is an in-memory transport.Host. Messages posted to an
// endpoint are recorded, and inbound messages are delivered synchronously
// to every listener.
package memhost

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"

	"github.com/ashureev/visitor-chat/internal/transport"
)

// Responder is invoked for every request posted to an endpoint.
type Responder func(ep *Endpoint, req transport.Request)

// Host is safe for concurrent use, but delivery runs on the caller's
// goroutine.
type Host struct {
	mu        sync.Mutex
	endpoints []*Endpoint
	listeners map[int]func(transport.MessageEvent)
	nextID    int
	responder Responder
}

// New returns an empty host.
func New() *Host {
	return &Host{listeners: make(map[int]func(transport.MessageEvent))}
}

// SetResponder installs a function that answers posted requests.
func (h *Host) SetResponder(r Responder) {
	h.mu.Lock()
	h.responder = r
	h.mu.Unlock()
}

// CreateEndpoint implements transport.Host.
func (h *Host) CreateEndpoint(class string) (transport.Endpoint, error) {
	return h.NewEndpoint(class), nil
}

// NewEndpoint creates and registers an endpoint.
func (h *Host) NewEndpoint(class string) *Endpoint {
	ep := &Endpoint{host: h, id: uuid.NewString(), class: class}
	h.mu.Lock()
	h.endpoints = append(h.endpoints, ep)
	h.mu.Unlock()
	return ep
}

// FindEndpoint implements transport.Host.
func (h *Host) FindEndpoint(class string) transport.Endpoint {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ep := range h.endpoints {
		if ep.class == class && !ep.isRemoved() {
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

// Listeners returns the number of attached listeners.
func (h *Host) Listeners() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.listeners)
}

// Deliver hands ev to every listener.
func (h *Host) Deliver(ev transport.MessageEvent) {
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
}

// Sent is one recorded PostMessage call.
type Sent struct {
	Data         []byte
	TargetOrigin string
}

// Endpoint records everything posted to it.
type Endpoint struct {
	host  *Host
	id    string
	class string

	mu       sync.Mutex
	url      string
	navCount int
	sent     []Sent
	removed  int
}

// ID implements transport.Endpoint.
func (e *Endpoint) ID() string { return e.id }

// Navigate implements transport.Endpoint.
func (e *Endpoint) Navigate(url string) error {
	e.mu.Lock()
	e.url = url
	e.navCount++
	e.mu.Unlock()
	return nil
}

// PostMessage implements transport.Endpoint.
func (e *Endpoint) PostMessage(data []byte, targetOrigin string) error {
	e.mu.Lock()
	e.sent = append(e.sent, Sent{Data: append([]byte(nil), data...), TargetOrigin: targetOrigin})
	e.mu.Unlock()

	e.host.mu.Lock()
	responder := e.host.responder
	e.host.mu.Unlock()
	if responder != nil {
		var req transport.Request
		if err := json.Unmarshal(data, &req); err == nil {
			responder(e, req)
		}
	}
	return nil
}

// Remove implements transport.Endpoint.
func (e *Endpoint) Remove() error {
	e.mu.Lock()
	e.removed++
	e.mu.Unlock()
	return nil
}

func (e *Endpoint) isRemoved() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.removed > 0
}

// URL returns the last navigated URL.
func (e *Endpoint) URL() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.url
}

// Removed returns how many times Remove was called.
func (e *Endpoint) Removed() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.removed
}

// Sent returns a copy of every recorded message.
func (e *Endpoint) Sent() []Sent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Sent(nil), e.sent...)
}

// Requests decodes every recorded message as a request envelope.
func (e *Endpoint) Requests() []transport.Request {
	var reqs []transport.Request
	for _, s := range e.Sent() {
		var req transport.Request
		if err := json.Unmarshal(s.Data, &req); err == nil {
			reqs = append(reqs, req)
		}
	}
	return reqs
}

// Methods returns the method of every recorded request in order.
func (e *Endpoint) Methods() []string {
	var methods []string
	for _, r := range e.Requests() {
		methods = append(methods, r.Method)
	}
	return methods
}

// CountMethod returns how many requests named method were posted.
func (e *Endpoint) CountMethod(method string) int {
	n := 0
	for _, r := range e.Requests() {
		if r.Method == method {
			n++
		}
	}
	return n
}

// LastRequest returns the most recent request named method.
func (e *Endpoint) LastRequest(method string) (transport.Request, bool) {
	reqs := e.Requests()
	for i := len(reqs) - 1; i >= 0; i-- {
		if reqs[i].Method == method {
			return reqs[i], true
		}
	}
	return transport.Request{}, false
}

// ClearSent forgets recorded messages.
func (e *Endpoint) ClearSent() {
	e.mu.Lock()
	e.sent = nil
	e.mu.Unlock()
}

// DeliverRaw delivers data as if the remote side of e sent it from origin.
func (e *Endpoint) DeliverRaw(origin string, data []byte) {
	e.host.Deliver(transport.MessageEvent{Origin: origin, Source: e.id, Data: data})
}

// Deliver marshals msg and delivers it from e.
func (e *Endpoint) Deliver(origin string, msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		panic(err)
	}
	e.DeliverRaw(origin, data)
}

// Loaded delivers the loaded signal.
func (e *Endpoint) Loaded(origin string) {
	e.Deliver(origin, map[string]any{"method": transport.MethodLoaded, "params": map[string]any{}, "id": nil})
}

// Push delivers a server push.
func (e *Endpoint) Push(origin, method string, params any) {
	e.Deliver(origin, map[string]any{"method": method, "params": params, "id": nil})
}

// Reply delivers a successful response to request id.
func (e *Endpoint) Reply(origin string, id int64, result any) {
	e.Deliver(origin, map[string]any{"id": id, "result": result})
}

// Fail delivers an error response to request id.
func (e *Endpoint) Fail(origin string, id int64, message string) {
	e.Deliver(origin, map[string]any{"id": id, "error": message})
}
