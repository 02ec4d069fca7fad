// Package events defines the visitor event kinds and a typed emitter.
package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Kind identifies a visitor event.
type Kind int

const (
	UpdateChat Kind = iota
	UpdateTyper
	AddMessage
	AutoMessage
	UpdateBusy
	BeginActiveAssist
	ResumeActiveAssist
	UpdateActiveAssist
	RemoteControlMessage
	BeginRemoteControl
	Reconnecting
	Reconnected
	Heartbeat
	SendMessageFailure
	SendMessageSuccess
	ChatEndedByOp
	ChatEnded
	Closed
	VideoSessionStarted
)

var kindNames = [...]string{
	UpdateChat:           "updateChat",
	UpdateTyper:          "updateTyper",
	AddMessage:           "addMessage",
	AutoMessage:          "autoMessage",
	UpdateBusy:           "updateBusy",
	BeginActiveAssist:    "beginActiveAssist",
	ResumeActiveAssist:   "resumeActiveAssist",
	UpdateActiveAssist:   "updateActiveAssist",
	RemoteControlMessage: "remoteControlMessage",
	BeginRemoteControl:   "beginRemoteControl",
	Reconnecting:         "reconnecting",
	Reconnected:          "reconnected",
	Heartbeat:            "heartbeat",
	SendMessageFailure:   "sendMessageFailure",
	SendMessageSuccess:   "sendMessageSuccess",
	ChatEndedByOp:        "chatEndedByOp",
	ChatEnded:            "chatEnded",
	Closed:               "closed",
	VideoSessionStarted:  "videoSessionStarted",
}

// All lists every kind in declaration order.
func All() []Kind {
	kinds := make([]Kind, len(kindNames))
	for i := range kindNames {
		kinds[i] = Kind(i)
	}
	return kinds
}

// String returns the wire name of the kind.
func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindNames[k]
}

// ParseKind maps a pushed method name to its kind.
func ParseKind(method string) (Kind, bool) {
	for i, name := range kindNames {
		if name == method {
			return Kind(i), true
		}
	}
	return 0, false
}

// Event is a single emitted event. Params holds the raw JSON parameters.
type Event struct {
	Kind   Kind
	Params json.RawMessage
}

// Handler receives events.
type Handler func(Event)

// Subscription identifies a registered handler.
type Subscription struct {
	kind Kind
	id   uint64
}

// Kind returns the event kind the subscription listens to.
func (s Subscription) Kind() Kind { return s.kind }

type entry struct {
	id      uint64
	handler Handler
}

// Emitter dispatches events to subscribers in registration order.
// When throwErrors is false a panicking handler is logged and the
// remaining handlers still run.
type Emitter struct {
	mu          sync.Mutex
	nextID      uint64
	handlers    map[Kind][]entry
	throwErrors bool
	logger      *slog.Logger
}

// NewEmitter creates an emitter.
func NewEmitter(throwErrors bool, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{
		handlers:    make(map[Kind][]entry),
		throwErrors: throwErrors,
		logger:      logger,
	}
}

// Subscribe registers h for events of kind k.
func (e *Emitter) Subscribe(k Kind, h Handler) Subscription {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	e.handlers[k] = append(e.handlers[k], entry{id: e.nextID, handler: h})
	return Subscription{kind: k, id: e.nextID}
}

// Unsubscribe removes the handler behind sub. It reports whether a handler
// was removed.
func (e *Emitter) Unsubscribe(sub Subscription) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	list := e.handlers[sub.kind]
	for i, en := range list {
		if en.id == sub.id {
			e.handlers[sub.kind] = append(list[:i:i], list[i+1:]...)
			return true
		}
	}
	return false
}

// Count returns the number of registered handlers across all kinds.
func (e *Emitter) Count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, list := range e.handlers {
		n += len(list)
	}
	return n
}

// Kinds returns the kinds that currently have subscribers.
func (e *Emitter) Kinds() []Kind {
	e.mu.Lock()
	defer e.mu.Unlock()
	var kinds []Kind
	for k, list := range e.handlers {
		if len(list) > 0 {
			kinds = append(kinds, k)
		}
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Emit delivers params to every subscriber of k.
func (e *Emitter) Emit(k Kind, params json.RawMessage) {
	e.mu.Lock()
	list := append([]entry(nil), e.handlers[k]...)
	e.mu.Unlock()

	ev := Event{Kind: k, Params: params}
	for _, en := range list {
		e.dispatch(en.handler, ev)
	}
}

// EmitValue marshals v and emits it.
func (e *Emitter) EmitValue(k Kind, v any) {
	if v == nil {
		e.Emit(k, nil)
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		e.logger.Error("Failed to encode event params", "event", k.String(), "error", err)
		return
	}
	e.Emit(k, data)
}

func (e *Emitter) dispatch(h Handler, ev Event) {
	if e.throwErrors {
		h(ev)
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Event handler panicked", "event", ev.Kind.String(), "panic", r)
		}
	}()
	h(ev)
}
