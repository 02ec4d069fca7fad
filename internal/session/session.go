// Package session connects a visitor client to a view. It decides which
// form or chat surface is visible, forwards client events to the view and
// watches the backend heartbeat to report connectivity.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/visitor-chat/internal/domain"
	"github.com/ashureev/visitor-chat/internal/events"
	"github.com/ashureev/visitor-chat/internal/rpc"
	"github.com/ashureev/visitor-chat/internal/scheduler"
	"github.com/ashureev/visitor-chat/internal/visitor"
)

// DefaultHeartbeatTimeout is how long the session waits for a heartbeat
// push before reporting the connection lost.
const DefaultHeartbeatTimeout = 15 * time.Second

// State is the session's view of the chat flow.
type State int

// Session states.
const (
	Idle State = iota
	InitialLoading
	PreChat
	PreChatSending
	ChatActive
	ChatInactive
	ChatEnding
	PostChat
	PostChatSending
	UnavailableChat
	UnavailableChatSending
	Finished
	Error
)

var stateNames = [...]string{
	"idle", "initialLoading", "preChat", "preChatSending", "chatActive",
	"chatInactive", "chatEnding", "postChat", "postChatSending",
	"unavailableChat", "unavailableChatSending", "finished", "error",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// ConnectionState is what the session knows about the backend link.
type ConnectionState string

// Connection states.
const (
	Connecting   ConnectionState = "connecting"
	Connected    ConnectionState = "connected"
	Reconnecting ConnectionState = "reconnecting"
	Disconnected ConnectionState = "disconnected"
)

// subscribedKinds are the client events the session forwards to the view.
var subscribedKinds = []events.Kind{
	events.UpdateChat,
	events.UpdateTyper,
	events.AddMessage,
	events.AutoMessage,
	events.UpdateBusy,
	events.BeginActiveAssist,
	events.ResumeActiveAssist,
	events.UpdateActiveAssist,
	events.BeginRemoteControl,
	events.RemoteControlMessage,
	events.Reconnecting,
	events.Reconnected,
	events.Heartbeat,
	events.SendMessageFailure,
	events.SendMessageSuccess,
	events.ChatEndedByOp,
	events.ChatEnded,
	events.Closed,
	events.VideoSessionStarted,
}

// Config configures a Session.
type Config struct {
	Client    *visitor.Client
	View      ViewManager
	Scheduler scheduler.Scheduler
	Logger    *slog.Logger
	// Chat is the template for createChat. StartChat fills in the
	// language, data and pre-chat flag.
	Chat visitor.CreateChatRequest
	// VisitorName is shown on the visitor's own messages.
	VisitorName      string
	HeartbeatTimeout time.Duration
}

// Session is confined to the scheduler goroutine.
type Session struct {
	client *visitor.Client
	view   ViewManager
	sched  scheduler.Scheduler
	logger *slog.Logger
	chat   visitor.CreateChatRequest

	visitorName      string
	operatorName     string
	heartbeatTimeout time.Duration

	state      State
	connection ConnectionState
	heartbeat  scheduler.Timer
	lastSeen   time.Time
	subs       []events.Subscription
	destroyed  bool
}

// New creates a session, subscribes it to the client's events and
// initializes the view.
func New(cfg Config) (*Session, error) {
	if cfg.Client == nil || cfg.View == nil || cfg.Scheduler == nil {
		return nil, errors.New("session: client, view and scheduler are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	s := &Session{
		client:           cfg.Client,
		view:             cfg.View,
		sched:            cfg.Scheduler,
		logger:           cfg.Logger.With("component", "session"),
		chat:             cfg.Chat,
		visitorName:      cfg.VisitorName,
		heartbeatTimeout: cfg.HeartbeatTimeout,
		state:            Idle,
		connection:       Connecting,
	}
	s.subscribe()
	s.view.Initialize(s)
	return s, nil
}

// State returns the session state.
func (s *Session) State() State { return s.state }

// ConnectionState returns the last known connectivity.
func (s *Session) ConnectionState() ConnectionState { return s.connection }

// LastSuccessfulInteraction returns when the backend last proved alive.
func (s *Session) LastSuccessfulInteraction() time.Time { return s.lastSeen }

// Client returns the visitor client.
func (s *Session) Client() *visitor.Client { return s.client }

// VisitorName returns the name shown on visitor messages.
func (s *Session) VisitorName() string { return s.visitorName }

// OperatorName returns the name of the last operator who wrote.
func (s *Session) OperatorName() string { return s.operatorName }

func (s *Session) setState(st State) {
	if s.state != st {
		s.logger.Debug("Session state changed", "from", s.state, "to", st)
	}
	s.state = st
}

func (s *Session) subscribe() {
	for _, k := range subscribedKinds {
		s.subs = append(s.subs, s.client.Subscribe(k, s.onEvent))
	}
}

func (s *Session) unsubscribe() {
	for _, sub := range s.subs {
		s.client.Unsubscribe(sub)
	}
	s.subs = nil
}

// GetChatAvailability asks whether operators are available.
func (s *Session) GetChatAvailability() *rpc.Result {
	return s.client.GetChatAvailability(s.chat.VisitorID)
}

// StartChat resumes a chat this page already owns, or creates one and
// shows whichever form the backend asks for.
func (s *Session) StartChat(skipPreChat bool, language string, data map[string]any) *rpc.Result {
	if s.destroyed {
		return rpc.Failed(errors.New("session destroyed"))
	}
	s.setState(InitialLoading)
	s.view.ShowBusy()

	var res *rpc.Result
	if s.client.IsResumingChat() {
		res = s.client.StartChat()
	} else {
		req := s.chat
		req.SkipPreChat = skipPreChat
		if language != "" {
			req.Language = language
		}
		if data != nil {
			req.Data = data
		}
		res = s.client.CreateChat(req)
	}

	return res.Then(func(payload json.RawMessage) *rpc.Result {
		s.view.HideBusy()
		if s.client.ChatWindowSettings().EnableVideo {
			s.client.MarkChatAsVideoSupported()
		}
		s.showForState(payload)
		return nil
	}).OnFailure(func(err error) {
		s.fail("Failed to start chat", err)
	})
}

func (s *Session) fail(msg string, err error) {
	s.logger.Warn(msg, "error", err)
	s.setState(Error)
	s.view.HideBusy()
	s.view.ShowError(err.Error())
}

// showForState brings the view in line with the client state after a
// createChat, submitPreChat or startChat response.
func (s *Session) showForState(payload json.RawMessage) {
	var resp domain.ChatResponse
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &resp); err != nil {
			s.logger.Warn("Ignoring malformed chat response", "error", err)
		}
	}

	switch s.client.State() {
	case domain.StatePreChat:
		s.setState(PreChat)
		s.view.ShowForm(Form{
			IntroKey:   KeyPreChatIntro,
			Definition: resp.PreChat,
			SubmitKey:  KeyPreChatStart,
			Submit:     s.submitPreChat,
		})
	case domain.StateUnavailable:
		s.showUnavailableForm(resp.Unavailable)
	case domain.StateStarted:
		s.setState(ChatActive)
		s.view.HideForm()
		s.view.ShowChatForm()
		s.markAlive()
	}
}

func (s *Session) showUnavailableForm(def json.RawMessage) {
	s.setState(UnavailableChat)
	s.view.HideQueueMessage()
	s.view.ShowForm(Form{
		IntroKey:   KeyUnavailableIntro,
		Definition: def,
		SubmitKey:  KeyUnavailableSend,
		Submit:     s.submitUnavailable,
	})
}

func (s *Session) showPostChatForm(def json.RawMessage) {
	s.setState(PostChat)
	s.view.ShowForm(Form{
		IntroKey:   KeyPostChatIntro,
		Definition: def,
		SubmitKey:  KeyPostChatSend,
		Submit:     s.submitPostChat,
	})
}

func (s *Session) submitPreChat(values map[string]any) {
	s.setState(PreChatSending)
	s.view.HideForm()
	s.view.ShowBusy()
	s.client.SubmitPreChat(values).
		OnSuccess(func(payload json.RawMessage) {
			s.view.HideBusy()
			s.showForState(payload)
		}).
		OnFailure(func(err error) {
			s.fail("Failed to submit pre-chat form", err)
		})
}

func (s *Session) submitUnavailable(values map[string]any) {
	s.setState(UnavailableChatSending)
	s.view.HideForm()
	s.client.SubmitUnavailableEmail(formString(values, "From"), formString(values, "Subject"), formString(values, "Body")).
		OnSuccess(func(json.RawMessage) {
			s.finish()
		}).
		OnFailure(func(err error) {
			s.fail("Failed to submit unavailable form", err)
		})
}

func (s *Session) submitPostChat(values map[string]any) {
	s.setState(PostChatSending)
	s.view.HideForm()
	s.client.SubmitPostChat(values).
		OnSuccess(func(json.RawMessage) {
			s.finish()
		}).
		OnFailure(func(err error) {
			s.fail("Failed to submit post-chat form", err)
		})
}

func (s *Session) finish() {
	s.setState(Finished)
	s.view.ShowStatusMessage(KeyChatEnded)
}

func formString(values map[string]any, key string) string {
	if v, ok := values[key].(string); ok {
		return v
	}
	return ""
}

// SetLanguage switches the pre-chat form language.
func (s *Session) SetLanguage(language string) *rpc.Result {
	return s.client.ChangeLanguage(language)
}

// SetVisitorTyping reports the visitor's typing state.
func (s *Session) SetVisitorTyping(typing bool) {
	s.client.VisitorTyping(typing)
}

// AddVisitorMessage shows the visitor's message and sends it. It returns
// the message id; delivery is reported through the view.
func (s *Session) AddVisitorMessage(text string) string {
	id := uuid.NewString()
	s.view.AddOrUpdateMessage(domain.Message{
		MessageID:  domain.ID(id),
		PersonType: domain.PersonVisitor,
		Name:       s.visitorName,
		Text:       text,
		Created:    s.sched.Now().UTC().Format(time.RFC3339),
	})
	s.client.SendMessage(s.visitorName, text, id)
	return id
}

// SetEmailTranscript asks for the transcript when the chat ends.
func (s *Session) SetEmailTranscript(email string) *rpc.Result {
	return s.client.SetEmailTranscript(email)
}

// CancelQueueWait leaves the queue for the unavailable form.
func (s *Session) CancelQueueWait() *rpc.Result {
	return s.client.GetUnavailableForm().OnSuccess(func(payload json.RawMessage) {
		s.stopHeartbeat()
		s.showUnavailableForm(s.decodeResponse("getUnavailableForm", payload).Unavailable)
	})
}

// decodeResponse reads a form-bearing result. A malformed payload is
// logged and treated as empty.
func (s *Session) decodeResponse(method string, payload json.RawMessage) domain.ChatResponse {
	var resp domain.ChatResponse
	if len(payload) == 0 {
		return resp
	}
	if err := json.Unmarshal(payload, &resp); err != nil {
		s.logger.Warn("Ignoring malformed result", "method", method, "error", err)
	}
	return resp
}

// EndChat detaches from client events and finishes the chat. The
// post-chat form follows if the backend offers one.
func (s *Session) EndChat() *rpc.Result {
	s.unsubscribe()
	s.stopHeartbeat()
	s.setState(ChatEnding)
	s.view.HideChatInteraction()
	return s.client.FinishChat(false).
		OnSuccess(func(payload json.RawMessage) {
			if s.client.State() == domain.StatePostChat {
				s.showPostChatForm(s.decodeResponse("finishChat", payload).PostChat)
				return
			}
			s.finish()
		}).
		OnFailure(func(err error) {
			s.logger.Warn("Failed to finish chat", "error", err)
			s.setState(ChatInactive)
		})
}

// MinimizeChat stores the minimized flag.
func (s *Session) MinimizeChat() {
	s.client.ChangeMinimizedStatus(true)
}

// ChangeMinimizedStatus toggles the minimized flag.
func (s *Session) ChangeMinimizedStatus() {
	s.client.ChangeMinimizedStatus(!s.client.IsMinimized())
}

// IsMinimized reports the stored minimized flag.
func (s *Session) IsMinimized() bool { return s.client.IsMinimized() }

// Destroy closes the view, stops the watchdog, shuts the client down and
// deletes what the chat persisted, in that order.
func (s *Session) Destroy() {
	if s.destroyed {
		return
	}
	s.destroyed = true
	s.view.CloseChat()
	s.view.HideForm()
	s.stopHeartbeat()
	s.unsubscribe()
	s.client.Shutdown()
	s.client.DeleteSessionData()
	s.logger.Debug("Session destroyed")
}
