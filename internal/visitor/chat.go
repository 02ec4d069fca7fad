package visitor

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ashureev/visitor-chat/internal/domain"
	"github.com/ashureev/visitor-chat/internal/events"
	"github.com/ashureev/visitor-chat/internal/rpc"
)

// CreateChatRequest holds the arguments of CreateChat. Empty fields are not
// sent.
type CreateChatRequest struct {
	VisitorID   string
	Language    string
	SkipPreChat bool
	Data        map[string]any
	Secured     string
	ButtonID    string
	ChatURL     string
	CustomURL   string
}

// Initialize resolves a recovery token left by another page, if there is
// one. It runs once; later calls return the same result unless the first
// attempt failed for a reason other than an ended chat.
func (c *Client) Initialize() *rpc.Result {
	if c.init != nil {
		return c.init
	}
	curl := c.readValue(c.opts.ChatRecoverCookie)
	if curl == "" {
		c.init = rpc.Succeeded(nil)
		return c.init
	}

	r := c.call("resolveChatRecovery", map[string]any{"Curl": curl}).
		Then(func(payload json.RawMessage) *rpc.Result {
			rec, err := rpc.Decode[Recovery](payload)
			if err != nil {
				return rpc.Failed(fmt.Errorf("resolve chat recovery: %w", err))
			}
			c.recovery = &rec
			if c.opts.ChatEndedStateCheck && rec.Ended {
				return rpc.Failed(ErrChatEnded)
			}
			return nil
		})
	c.init = r
	r.OnFailure(func(err error) {
		if !errors.Is(err, ErrChatEnded) && c.init == r {
			c.init = nil
		}
	})
	return r
}

// CanStartChat resolves to JSON true when a chat can be resumed here.
func (c *Client) CanStartChat() *rpc.Result {
	return c.Initialize().Then(func(json.RawMessage) *rpc.Result {
		ok := c.readValue(c.opts.ChatCookie) != "" || (c.recovery != nil && c.recovery.Startable)
		return rpc.Succeeded(rpc.Encode(ok))
	})
}

// GetChatAvailability asks whether operators are available.
func (c *Client) GetChatAvailability(visitorID string) *rpc.Result {
	var id any
	if visitorID != "" {
		id = visitorID
	}
	return c.call("getChatAvailability", map[string]any{"VisitorId": id})
}

// CreateChat creates the chat. It can only be called once.
func (c *Client) CreateChat(req CreateChatRequest) *rpc.Result {
	if c.state != domain.StateCreate {
		return invalid("you can only call createChat once")
	}
	return c.Initialize().Then(func(json.RawMessage) *rpc.Result {
		return c.createChat(req)
	})
}

func (c *Client) createChat(req CreateChatRequest) *rpc.Result {
	if c.state != domain.StateCreate {
		return invalid("you can only call createChat once")
	}

	data, err := json.Marshal(mergeData(ParsePageParameters(c.opts.PageParameters), req.Data))
	if err != nil {
		return rpc.Failed(fmt.Errorf("encode chat data: %w", err))
	}
	params := map[string]any{
		"IncludeBrandingValues":        true,
		"IncludeLayeredBrandingValues": false,
		"SkipPreChat":                  req.SkipPreChat,
		"Data":                         string(data),
		"IncludeChatWindowSettings":    true,
	}
	setString(params, "VisitorID", req.VisitorID)
	setString(params, "Language", req.Language)
	setString(params, "Secured", c.securedParam(req.Secured))
	setString(params, "ButtonID", req.ButtonID)
	setString(params, "ChatUrl", req.ChatURL)
	setString(params, "CustomUrl", req.CustomURL)
	setString(params, "ChatKey", c.curlChatKey())

	return c.call("createChat", params).Then(func(payload json.RawMessage) *rpc.Result {
		resp, err := rpc.Decode[domain.ChatResponse](payload)
		if err != nil {
			return rpc.Failed(fmt.Errorf("createChat: %w", err))
		}
		c.chatKey = resp.ChatKey.String()
		c.storage = nil
		if st := c.sessionStorage(); st != nil {
			if hasJSON(resp.Brandings) {
				st.SetBrandings(resp.Brandings)
			}
			if hasJSON(resp.ChatWindowSettings) {
				st.SetChatWindowSettings(resp.ChatWindowSettings)
			}
			st.SetClientData(resp.ClientData)
		}
		c.language = req.Language
		if resp.Language != "" {
			c.language = resp.Language
		}

		c.state = resp.NextState()
		c.logger.Info("Chat created", "chat_key", c.chatKey, "state", c.state)
		if c.state == domain.StateStarted {
			c.onStart(payload, resp)
		}
		c.schedulePing(pingInterval)
		return nil
	})
}

func (c *Client) securedParam(explicit string) string {
	switch {
	case explicit != "":
		return explicit
	case len(c.opts.Secured) > 0:
		return c.opts.Secured[0]
	case len(c.opts.LocalSecured) > 0:
		return c.opts.LocalSecured[0]
	}
	return ""
}

func setString(params map[string]any, key, value string) {
	if value != "" {
		params[key] = value
	}
}

// SubmitPreChat sends the pre-chat form.
func (c *Client) SubmitPreChat(data map[string]any) *rpc.Result {
	if c.state != domain.StatePreChat {
		return invalid("you can only submit a pre chat when on the pre chat")
	}
	encoded, err := json.Marshal(data)
	if err != nil {
		return rpc.Failed(fmt.Errorf("encode pre chat: %w", err))
	}
	return c.call("submitPreChat", map[string]any{"Data": string(encoded)}).
		Then(func(payload json.RawMessage) *rpc.Result {
			resp, err := rpc.Decode[domain.ChatResponse](payload)
			if err != nil {
				return rpc.Failed(fmt.Errorf("submitPreChat: %w", err))
			}
			c.state = resp.NextState()
			if c.state == domain.StateStarted {
				c.onStart(payload, resp)
			}
			return nil
		})
}

// CancelPreChat abandons the chat from the pre-chat form.
func (c *Client) CancelPreChat() *rpc.Result {
	if c.state != domain.StatePreChat {
		return invalid("you can only cancel a pre chat when on the pre chat")
	}
	return c.call("cancelPreChat", nil).OnSuccess(func(json.RawMessage) {
		c.stopPing()
		c.eraseChatKey()
		c.state = domain.StateDone
	})
}

// ChangeLanguage rebrands the pre-chat form.
func (c *Client) ChangeLanguage(language string) *rpc.Result {
	if c.state != domain.StatePreChat {
		return invalid("you can only change language on the pre chat form")
	}
	return c.call("changeLanguage", map[string]any{"Language": language}).
		OnSuccess(func(payload json.RawMessage) {
			var resp struct {
				Brandings json.RawMessage `json:"Brandings"`
			}
			if err := json.Unmarshal(payload, &resp); err == nil && hasJSON(resp.Brandings) {
				if st := c.sessionStorage(); st != nil {
					st.SetBrandings(resp.Brandings)
				}
			}
			c.language = language
		})
}

// StartChat connects to a created chat, or resumes one after a reload.
func (c *Client) StartChat() *rpc.Result {
	if c.state != domain.StateStarted && c.chatKey == "" {
		c.eraseChatKey()
		return invalid("you can only start a chat once it is started (needs a chat key from createChat)")
	}
	return c.Initialize().Then(func(json.RawMessage) *rpc.Result {
		return c.startChat()
	})
}

func (c *Client) startChat() *rpc.Result {
	if c.state != domain.StateStarted && c.chatKey == "" {
		c.eraseChatKey()
		return invalid("you can only start a chat once it is started (needs a chat key from createChat)")
	}
	c.tr.CloseStream()

	params := map[string]any{}
	if c.storage == nil && c.chatKey != "" {
		st := c.sessionStorage()
		if !hasJSON(st.Brandings()) {
			params["IncludeBrandingValues"] = true
		}
		for _, m := range st.Messages() {
			c.updateOperatorFlag(m.PersonType)
			m.IsReconstitutedMsg = true
			c.emitter.EmitValue(events.AddMessage, map[string]any{"MessageID": m.MessageID, "Values": m})
		}
		if id := st.LastMessageID(); id != "" {
			params["LastChatMessageID"] = id
		}
		if q := st.QueueIndicator(); q != nil {
			c.emitter.EmitValue(events.UpdateBusy, q)
		}
	}

	if c.ping == nil {
		c.schedulePing(pingInterval)
	}

	return c.call("startChat", params).
		Then(func(payload json.RawMessage) *rpc.Result {
			resp, err := rpc.Decode[domain.ChatResponse](payload)
			if err != nil {
				return rpc.Failed(fmt.Errorf("startChat: %w", err))
			}
			c.onStart(payload, resp)
			return nil
		}).
		OnFailure(func(error) {
			c.eraseChatKey()
		})
}

// VisitorTyping tells the operator whether the visitor is typing.
func (c *Client) VisitorTyping(isTyping bool) *rpc.Result {
	if c.state != domain.StateStarted {
		return invalid("you cannot change typing state if the chat is not active")
	}
	return c.callStream("visitorTyping", map[string]any{"IsTyping": isTyping})
}

type sentMessage struct {
	ChatMessageID string `json:"ChatMessageID"`
	Message       string `json:"Message"`
	Error         string `json:"Error,omitempty"`
}

// SendMessage sends a visitor message. An empty messageID gets a new one.
func (c *Client) SendMessage(name, message, messageID string) *rpc.Result {
	if c.state != domain.StateStarted {
		return invalid("you cannot send messages if the chat is not active")
	}
	if messageID == "" {
		messageID = uuid.NewString()
	}
	return c.callStream("sendMessage", map[string]any{
		"Name":          name,
		"Message":       message,
		"ChatMessageID": messageID,
	}).OnSuccess(func(json.RawMessage) {
		c.emitter.EmitValue(events.SendMessageSuccess, sentMessage{ChatMessageID: messageID, Message: message})
	}).OnFailure(func(err error) {
		c.emitter.EmitValue(events.SendMessageFailure, sentMessage{ChatMessageID: messageID, Message: message, Error: err.Error()})
	})
}

// EmailChatHistory mails the transcript.
func (c *Client) EmailChatHistory(email string) *rpc.Result {
	switch c.state {
	case domain.StateStarted, domain.StatePostChat, domain.StateDone:
	default:
		return invalid("you cannot email the chat before it is started")
	}
	return c.callStream("emailChatHistory", map[string]any{"EmailAddress": email})
}

// SetEmailTranscript asks for the transcript to be mailed when the chat
// ends.
func (c *Client) SetEmailTranscript(email string) *rpc.Result {
	if c.state != domain.StateStarted || c.chatKey == "" {
		return invalid("you cannot request a transcript unless the chat is started")
	}
	return c.call("emailChatHistory", map[string]any{"ChatKey": c.chatKey, "EmailAddress": email})
}

// FinishChat ends the chat. The state moves to postchat when the backend
// offers a post-chat form and skipPostChat is false, otherwise to done.
func (c *Client) FinishChat(skipPostChat bool) *rpc.Result {
	if c.state != domain.StateStarted {
		c.stopPing()
		return invalid("you cannot finish the chat unless it is started")
	}
	c.finishing = true

	return c.call("finishChat", map[string]any{"ClientID": idParam(c.clientID)}).
		OnFailure(func(error) {
			c.stopPing()
		}).
		Then(func(payload json.RawMessage) *rpc.Result {
			var resp domain.ChatResponse
			if len(payload) > 0 {
				if err := json.Unmarshal(payload, &resp); err != nil {
					c.logger.Warn("Ignoring malformed finishChat result", "error", err)
				}
			}
			c.stopPing()
			c.clearAssist()
			c.onFinish()
			c.DestroyChatSession()
			if resp.HasPostChat() && !skipPostChat {
				c.state = domain.StatePostChat
			} else {
				c.state = domain.StateDone
			}
			c.logger.Info("Chat finished", "chat_key", c.chatKey, "state", c.state)
			return nil
		})
}

// GetPostChatFormIfAvail finishes the chat and emits chatEnded with the
// result.
func (c *Client) GetPostChatFormIfAvail() *rpc.Result {
	return c.FinishChat(false).OnSuccess(func(payload json.RawMessage) {
		c.emitter.Emit(events.ChatEnded, payload)
	})
}

// GetUnavailableForm leaves the queue for the unavailable form.
func (c *Client) GetUnavailableForm() *rpc.Result {
	if c.state != domain.StateStarted {
		return invalid("you cannot get the unavailable form unless the chat has started")
	}
	c.finishing = true

	return c.call("getUnavailableForm", map[string]any{"ClientID": idParam(c.clientID)}).
		OnFailure(func(error) {
			c.stopPing()
		}).
		OnSuccess(func(json.RawMessage) {
			c.stopPing()
			c.clearAssist()
			c.onFinish()
			c.state = domain.StateUnavailable
		})
}

// SubmitUnavailableEmail sends the unavailable form.
func (c *Client) SubmitUnavailableEmail(from, subject, body string) *rpc.Result {
	if c.state != domain.StateUnavailable {
		return invalid("you can only submit the unavailable form on the unavailable form")
	}
	return c.call("submitUnavailableEmail", map[string]any{"From": from, "Subject": subject, "Body": body}).
		OnSuccess(func(json.RawMessage) {
			c.state = domain.StateUnavailableSubmitted
		})
}

// SubmitPostChat sends the post-chat form.
func (c *Client) SubmitPostChat(data map[string]any) *rpc.Result {
	if c.state != domain.StatePostChat {
		return invalid("cannot call post chat when not on the post chat")
	}
	encoded, err := json.Marshal(data)
	if err != nil {
		return rpc.Failed(fmt.Errorf("encode post chat: %w", err))
	}
	return c.call("submitPostChat", map[string]any{"Data": string(encoded)}).
		OnSuccess(func(payload json.RawMessage) {
			var resp domain.ChatResponse
			if len(payload) > 0 {
				if err := json.Unmarshal(payload, &resp); err != nil {
					c.logger.Warn("Ignoring malformed submitPostChat result", "error", err)
				}
			}
			if resp.HasPostChat() {
				c.state = domain.StatePostChat
			} else {
				c.state = domain.StateDone
			}
		})
}

func (c *Client) updateOperatorFlag(t domain.PersonType) {
	if t == domain.PersonOperator {
		c.operatorSeen = true
	}
}
