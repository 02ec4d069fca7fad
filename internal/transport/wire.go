package transport

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
)

// Reserved push methods.
const (
	MethodLoaded       = "loaded"
	MethodReconnecting = "reconnecting"
	MethodReconnected  = "reconnected"
	MethodHeartbeat    = "heartbeat"
)

// Connection verbs expect no answer and are never retried.
const (
	MethodConnect      = "connect"
	MethodDisconnect   = "disconnect"
	MethodTryReconnect = "tryReconnect"
)

// FramePath is appended to the origin and account to build the endpoint URL.
const FramePath = "/ext/api/apiframe.html"

var serverSetDomain = regexp.MustCompile(`[0-9a-zA-Z-]*\.(boldchat|bold360)\.(io|com)(:[0-9]+)?$`)

// ServerSetHasDomain reports whether a server set already names a full host
// rather than a suffix of the default domain.
func ServerSetHasDomain(serverSet string) bool {
	return serverSetDomain.MatchString(serverSet)
}

// OriginFor returns the API origin for a server set.
func OriginFor(serverSet string) string {
	if ServerSetHasDomain(serverSet) {
		return "https://api" + serverSet
	}
	return "https://api" + serverSet + ".boldchat.com"
}

// FrameURL returns the URL the endpoint is navigated to.
func FrameURL(origin, accountID string) string {
	return origin + "/aid/" + accountID + FramePath
}

// Request is the outbound envelope.
type Request struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	ID     int64           `json:"id"`
}

// Message is any inbound envelope: a push when Method is set, otherwise a
// response to the request with the same ID.
type Message struct {
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      *int64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   json.RawMessage `json:"error,omitempty"`
	Status  string          `json:"Status,omitempty"`
	Message string          `json:"Message,omitempty"`
}

// RemoteError is a failure reported by the backend.
type RemoteError struct {
	Method  string
	ID      int64
	Message string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s (id %d) failed", e.Method, e.ID)
	}
	return fmt.Sprintf("%s (id %d): %s", e.Method, e.ID, e.Message)
}

// HasError reports whether the response carries an error field.
func (m *Message) HasError() bool {
	return isTruthy(m.Error)
}

// Failed reports whether the response is a failure, and its message.
func (m *Message) Failed() (bool, string) {
	if m.HasError() {
		return true, errorText(m.Error)
	}
	if m.Status == "error" {
		return true, m.Message
	}
	if len(m.Result) > 0 {
		var inner struct {
			Status  string `json:"Status"`
			Message string `json:"Message"`
		}
		if json.Unmarshal(m.Result, &inner) == nil && inner.Status == "error" {
			return true, inner.Message
		}
	}
	return false, ""
}

// Payload returns the result of a successful response, or the whole message
// when there is no result field.
func (m *Message) Payload(raw []byte) json.RawMessage {
	if len(m.Result) > 0 && !bytes.Equal(m.Result, []byte("null")) {
		return m.Result
	}
	return json.RawMessage(raw)
}

func isTruthy(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return false
	}
	switch string(raw) {
	case "null", "false", `""`, "0":
		return false
	}
	return true
}

func errorText(raw json.RawMessage) string {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var obj struct {
		Message string `json:"Message"`
		Lower   string `json:"message"`
	}
	if json.Unmarshal(raw, &obj) == nil {
		if obj.Message != "" {
			return obj.Message
		}
		if obj.Lower != "" {
			return obj.Lower
		}
	}
	return string(raw)
}
