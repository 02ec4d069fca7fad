package visitor

import (
	"encoding/json"

	"github.com/ashureev/visitor-chat/internal/domain"
	"github.com/ashureev/visitor-chat/internal/events"
)

type pushValues struct {
	PersonID domain.ID `json:"PersonID"`
	Name     string    `json:"Name"`
	ImageURL string    `json:"ImageURL"`
}

type pushParams struct {
	MessageID domain.ID       `json:"MessageID"`
	PersonID  domain.ID       `json:"PersonID"`
	Values    json.RawMessage `json:"Values"`
}

// handleMessage receives every push from the transport. Recognised methods
// update the client first and are then emitted as events.
func (c *Client) handleMessage(method string, params json.RawMessage, _ *int64) {
	if c.closed {
		return
	}
	c.logger.Debug("Push received", "method", method)

	switch method {
	case "updateChat":
		c.onUpdateChat(params)
	case "updateTyper":
		c.updatePerson(decodePush(params))
	case "addMessage":
		c.onAddMessage(params)
	case "updateBusy":
		c.onUpdateBusy(params)
	case "beginActiveAssist":
		c.onBeginActiveAssist(params)
	case "updateActiveAssist":
		c.onUpdateActiveAssist(params)
	case "remoteControlMessage":
		params = c.onRemoteControlMessage(params)
	case "startChat":
		if c.state == domain.StateStarted && !c.finishing {
			c.startChat()
		}
	case "finishChat":
		if c.state == domain.StateStarted && !c.finishing {
			c.emitter.Emit(events.ChatEndedByOp, params)
		}
	}

	if k, ok := events.ParseKind(method); ok {
		c.emitter.Emit(k, params)
	}
}

func decodePush(params json.RawMessage) pushParams {
	var p pushParams
	_ = json.Unmarshal(params, &p)
	return p
}

func (c *Client) onUpdateChat(params json.RawMessage) {
	var p struct {
		Values map[string]json.RawMessage `json:"Values"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		c.logger.Warn("Ignoring malformed updateChat", "error", err)
		return
	}
	if c.chat == nil {
		c.chat = make(map[string]json.RawMessage, len(p.Values))
	}
	for k, v := range p.Values {
		c.chat[k] = v
	}
}

func (c *Client) onAddMessage(params json.RawMessage) {
	p := decodePush(params)
	var m domain.Message
	if len(p.Values) > 0 {
		if err := json.Unmarshal(p.Values, &m); err != nil {
			c.logger.Warn("Ignoring malformed addMessage", "error", err)
			return
		}
	}
	if m.MessageID == "" {
		m.MessageID = p.MessageID
	}
	c.updateOperatorFlag(m.PersonType)
	if st := c.sessionStorage(); st != nil {
		st.AddMessage(p.MessageID, m)
	}
	c.updatePerson(p)
}

// updatePerson records the name and avatar carried by a push.
func (c *Client) updatePerson(p pushParams) {
	if !hasJSON(p.Values) {
		return
	}
	var v pushValues
	if err := json.Unmarshal(p.Values, &v); err != nil {
		return
	}
	id := v.PersonID
	if id == "" {
		id = p.PersonID
	}
	if id == "" {
		return
	}

	person := c.Person(id)
	if v.ImageURL != "" {
		person.Avatar = v.ImageURL
	}
	if v.Name != "" {
		person.Name = v.Name
	}
	c.people[id] = person
	if st := c.sessionStorage(); st != nil {
		st.SetPerson(person)
	}
}

func (c *Client) onUpdateBusy(params json.RawMessage) {
	var q domain.QueueIndicator
	if err := json.Unmarshal(params, &q); err != nil {
		c.logger.Warn("Ignoring malformed updateBusy", "error", err)
		return
	}
	if st := c.sessionStorage(); st != nil {
		st.SetQueueIndicator(q)
	}
}

func (c *Client) onBeginActiveAssist(params json.RawMessage) {
	var p struct {
		ActiveAssistID domain.ID `json:"ActiveAssistID"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		c.logger.Warn("Ignoring malformed beginActiveAssist", "error", err)
		return
	}
	c.activeAssistID = p.ActiveAssistID
	c.updateAssist(p.ActiveAssistID, domain.OperationCoBrowsePrompt)
}

func (c *Client) onUpdateActiveAssist(params json.RawMessage) {
	var p struct {
		Values struct {
			Ended bool `json:"Ended"`
		} `json:"Values"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		c.logger.Warn("Ignoring malformed updateActiveAssist", "error", err)
		return
	}
	if p.Values.Ended {
		c.clearAssist()
	}
}

// onRemoteControlMessage handles a remote-control push and returns its
// parameters as a JSON object; the backend may send them as a string.
func (c *Client) onRemoteControlMessage(params json.RawMessage) json.RawMessage {
	var s string
	if err := json.Unmarshal(params, &s); err == nil {
		params = json.RawMessage(s)
	}
	var d domain.RemoteControlData
	if err := json.Unmarshal(params, &d); err != nil {
		c.logger.Warn("Ignoring malformed remoteControlMessage", "error", err)
		return params
	}

	if d.Command == "ended" {
		c.clearRemoteControl()
		return params
	}
	c.remoteControl = &d
	if d.Command != "started" {
		return params
	}

	if d.IsVendorSession() && !c.vendor.IsOSSupported(&d) {
		c.logger.Info("Declining remote control on unsupported OS", "rc_history_id", d.RCHistoryID)
		c.callStream("declineRemoteControlSessionForUnsupportedOs", map[string]any{
			"RCHistoryID": d.RCHistoryID,
			"ClientID":    idParam(c.clientID),
		})
		c.clearRemoteControl()
		return params
	}

	c.setRemoteControl(&d)
	c.emitter.Emit(events.BeginRemoteControl, nil)
	return params
}
