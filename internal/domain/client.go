package domain

import "encoding/json"

// OSSupport lists the platforms a vendor remote-control session supports.
type OSSupport struct {
	Windows bool `json:"windows"`
	Mac     bool `json:"mac"`
	Mobile  bool `json:"mobile"`
}

// RemoteControlData is the payload of a remoteControlMessage push.
type RemoteControlData struct {
	Command           string     `json:"command,omitempty"`
	ActivationBaseURL string     `json:"activationBaseUrl,omitempty"`
	VendorPin         string     `json:"vendorPin,omitempty"`
	VendorURL         string     `json:"vendorUrl,omitempty"`
	RCHistoryID       ID         `json:"rcHistoryId,omitempty"`
	AppletURL         string     `json:"appletUrl,omitempty"`
	OSSupport         *OSSupport `json:"osSupport,omitempty"`
}

// IsVendorSession reports whether the session is hosted by the external
// remote-control vendor rather than the legacy applet.
func (d *RemoteControlData) IsVendorSession() bool {
	return d != nil && d.ActivationBaseURL != "" && d.VendorPin != ""
}

// ClientData is what the backend returned about this client when the chat
// was created or started, plus the assist bookkeeping the client adds.
type ClientData struct {
	ChatKey        ID                 `json:"ChatKey,omitempty"`
	ChatID         ID                 `json:"ChatID,omitempty"`
	ClientID       ID                 `json:"ClientID,omitempty"`
	VisitorID      ID                 `json:"VisitorID,omitempty"`
	WebSocketURL   string             `json:"WebSocketURL,omitempty"`
	ClientTimeout  int                `json:"ClientTimeout,omitempty"`
	ActiveAssistID ID                 `json:"ActiveAssistID,omitempty"`
	OperationState OperationState     `json:"operationState,omitempty"`
	RemoteControl  *RemoteControlData `json:"remoteControlData,omitempty"`
}

// ClientUpdate is a partial update of ClientData. Nil fields are left alone.
type ClientUpdate struct {
	ActiveAssistID *ID
	OperationState *OperationState
	RemoteControl  **RemoteControlData
}

// Apply merges u into d.
func (d *ClientData) Apply(u ClientUpdate) {
	if u.ActiveAssistID != nil {
		d.ActiveAssistID = *u.ActiveAssistID
	}
	if u.OperationState != nil {
		d.OperationState = *u.OperationState
	}
	if u.RemoteControl != nil {
		d.RemoteControl = *u.RemoteControl
	}
}

// MergeResponse copies the identifying fields of a createChat or startChat
// response into d, keeping the assist bookkeeping.
func (d *ClientData) MergeResponse(r ClientData) {
	if r.ChatKey != "" {
		d.ChatKey = r.ChatKey
	}
	if r.ChatID != "" {
		d.ChatID = r.ChatID
	}
	if r.ClientID != "" {
		d.ClientID = r.ClientID
	}
	if r.VisitorID != "" {
		d.VisitorID = r.VisitorID
	}
	if r.WebSocketURL != "" {
		d.WebSocketURL = r.WebSocketURL
	}
	if r.ClientTimeout != 0 {
		d.ClientTimeout = r.ClientTimeout
	}
}

// ChatResponse is the result of createChat, submitPreChat and startChat.
type ChatResponse struct {
	ClientData
	UnavailableReason  string          `json:"UnavailableReason,omitempty"`
	PreChat            json.RawMessage `json:"PreChat,omitempty"`
	PostChat           json.RawMessage `json:"PostChat,omitempty"`
	Unavailable        json.RawMessage `json:"UnavailableForm,omitempty"`
	Brandings          json.RawMessage `json:"Brandings,omitempty"`
	ChatWindowSettings json.RawMessage `json:"ChatWindowSettings,omitempty"`
	Language           string          `json:"Language,omitempty"`
}

// HasPreChat reports whether a pre-chat form definition was returned.
func (r *ChatResponse) HasPreChat() bool {
	return present(r.PreChat)
}

// HasPostChat reports whether a post-chat form was returned.
func (r *ChatResponse) HasPostChat() bool {
	return present(r.PostChat)
}

// NextState returns the state the response moves the chat into.
func (r *ChatResponse) NextState() ChatState {
	switch {
	case r.UnavailableReason != "":
		return StateUnavailable
	case r.HasPreChat():
		return StatePreChat
	default:
		return StateStarted
	}
}

// ChatWindowSettings holds the window options the client acts on.
type ChatWindowSettings struct {
	EnableVideo bool `json:"EnableVideo"`
}

// present treats JSON null, false, empty strings, zero and empty objects as
// absent, matching how the backend signals optional forms.
func present(raw json.RawMessage) bool {
	switch string(raw) {
	case "", "null", "false", `""`, "0", "{}", "[]":
		return false
	}
	return true
}
