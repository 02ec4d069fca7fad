// Package rpc provides the single-fire asynchronous result used by every
// operation of the visitor SDK.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// ErrEmptyPayload is returned by Decode when the result carried no payload.
var ErrEmptyPayload = errors.New("empty payload")

// Result settles at most once, either with a JSON payload or with an error.
// Handlers registered after settlement are invoked immediately with the
// settled outcome.
type Result struct {
	mu        sync.Mutex
	settled   bool
	payload   json.RawMessage
	err       error
	onSuccess []func(json.RawMessage)
	onFailure []func(error)
	done      chan struct{}
}

// New returns an unsettled result.
func New() *Result {
	return &Result{done: make(chan struct{})}
}

// Failed returns a result that has already failed with err.
func Failed(err error) *Result {
	r := New()
	r.Reject(err)
	return r
}

// Succeeded returns a result that has already succeeded with payload.
func Succeeded(payload json.RawMessage) *Result {
	r := New()
	r.Resolve(payload)
	return r
}

// Resolve settles the result successfully. It reports false if the result
// had already settled.
func (r *Result) Resolve(payload json.RawMessage) bool {
	r.mu.Lock()
	if r.settled {
		r.mu.Unlock()
		return false
	}
	r.settled = true
	r.payload = payload
	handlers := r.onSuccess
	r.onSuccess, r.onFailure = nil, nil
	close(r.done)
	r.mu.Unlock()

	for _, h := range handlers {
		h(payload)
	}
	return true
}

// Reject settles the result with err. It reports false if the result had
// already settled.
func (r *Result) Reject(err error) bool {
	if err == nil {
		err = errors.New("rpc failed")
	}
	r.mu.Lock()
	if r.settled {
		r.mu.Unlock()
		return false
	}
	r.settled = true
	r.err = err
	handlers := r.onFailure
	r.onSuccess, r.onFailure = nil, nil
	close(r.done)
	r.mu.Unlock()

	for _, h := range handlers {
		h(err)
	}
	return true
}

// OnSuccess registers fn to run when the result succeeds.
func (r *Result) OnSuccess(fn func(json.RawMessage)) *Result {
	r.mu.Lock()
	if !r.settled {
		r.onSuccess = append(r.onSuccess, fn)
		r.mu.Unlock()
		return r
	}
	payload, err := r.payload, r.err
	r.mu.Unlock()
	if err == nil {
		fn(payload)
	}
	return r
}

// OnFailure registers fn to run when the result fails.
func (r *Result) OnFailure(fn func(error)) *Result {
	r.mu.Lock()
	if !r.settled {
		r.onFailure = append(r.onFailure, fn)
		r.mu.Unlock()
		return r
	}
	err := r.err
	r.mu.Unlock()
	if err != nil {
		fn(err)
	}
	return r
}

// Then returns a result that settles with the outcome of next, which runs
// only after r succeeds. A failure of r is passed through unchanged.
func (r *Result) Then(next func(json.RawMessage) *Result) *Result {
	out := New()
	r.OnFailure(func(err error) { out.Reject(err) })
	r.OnSuccess(func(payload json.RawMessage) {
		inner := next(payload)
		if inner == nil {
			out.Resolve(payload)
			return
		}
		inner.Pipe(out)
	})
	return out
}

// Pipe forwards the outcome of r into other.
func (r *Result) Pipe(other *Result) {
	r.OnSuccess(func(payload json.RawMessage) { other.Resolve(payload) })
	r.OnFailure(func(err error) { other.Reject(err) })
}

// Settled reports whether the result has fired.
func (r *Result) Settled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.settled
}

// Err returns the failure, or nil if the result succeeded or is pending.
func (r *Result) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Payload returns the success payload, or nil.
func (r *Result) Payload() json.RawMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.payload
}

// Done is closed once the result has settled.
func (r *Result) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the result settles or ctx is done. It must not be
// called from the goroutine that is expected to settle the result.
func (r *Result) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-r.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.payload, r.err
}

// Decode unmarshals payload into a value of type T.
func Decode[T any](payload json.RawMessage) (T, error) {
	var v T
	if len(payload) == 0 {
		return v, ErrEmptyPayload
	}
	if err := json.Unmarshal(payload, &v); err != nil {
		return v, fmt.Errorf("decode payload: %w", err)
	}
	return v, nil
}

// Encode marshals v for use as a payload, returning nil on failure.
func Encode(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
