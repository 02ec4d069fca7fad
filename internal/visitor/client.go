// Package visitor implements the visitor side of the chat protocol: it turns
// chat operations into transport calls, keeps the chat state machine,
// persists the chat key so a reload can resume, and keeps the chat alive
// with a ping loop.
//
// A Client is confined to its scheduler goroutine. Every method must be
// called from it.
package visitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/visitor-chat/internal/domain"
	"github.com/ashureev/visitor-chat/internal/events"
	"github.com/ashureev/visitor-chat/internal/remotecontrol"
	"github.com/ashureev/visitor-chat/internal/rpc"
	"github.com/ashureev/visitor-chat/internal/scheduler"
	"github.com/ashureev/visitor-chat/internal/store"
	"github.com/ashureev/visitor-chat/internal/transport"
)

// chatCookieTTL is how long the chat key cookie outlives the page.
const chatCookieTTL = 6912 * time.Second

// storeTimeout bounds a single persistence call.
const storeTimeout = 5 * time.Second

var (
	// ErrInvalidState is returned by operations called in the wrong chat
	// state. No call reaches the transport.
	ErrInvalidState = errors.New("invalid chat state")
	// ErrChatEnded is returned by Initialize when the recovered chat has
	// already ended.
	ErrChatEnded = errors.New("chat has ended")
)

func invalid(msg string) *rpc.Result {
	return rpc.Failed(fmt.Errorf("%w: %s", ErrInvalidState, msg))
}

// Recovery is what the backend resolved a recovery token into.
type Recovery struct {
	ChatKey   domain.ID `json:"ChatKey"`
	Startable bool      `json:"Startable"`
	Ended     bool      `json:"Ended"`
}

// Client is one visitor's chat.
type Client struct {
	opts    Options
	auth    Auth
	sched   scheduler.Scheduler
	repo    store.Repository
	tr      *transport.Transport
	emitter *events.Emitter
	vendor  *remotecontrol.Vendor
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	state          domain.ChatState
	chatKey        string
	resuming       bool
	storage        *store.SessionStorage
	clientID       domain.ID
	activeAssistID domain.ID
	remoteControl  *domain.RemoteControlData
	chat           map[string]json.RawMessage
	people         map[domain.ID]domain.Person
	finishing      bool
	operatorSeen   bool
	language       string

	ping         scheduler.Timer
	pingFailures int
	// pingGen changes whenever the loop is rescheduled or stopped, so a
	// reply to an older ping cannot restart it.
	pingGen int

	init     *rpc.Result
	recovery *Recovery
	closed   bool
}

// New creates a client and initializes its transport.
func New(opts Options) (*Client, error) {
	if opts.AuthKey == "" {
		return nil, errors.New("visitor: auth key is required")
	}
	if opts.Host == nil || opts.Scheduler == nil {
		return nil, errors.New("visitor: host and scheduler are required")
	}
	opts.setDefaults()

	auth := ParseAuth(opts.AuthKey)
	serverSet := auth.ServerSet
	if opts.ServerSet != nil {
		serverSet = *opts.ServerSet
	}

	logger := opts.Logger.With("component", "visitor")
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		opts:    opts,
		auth:    auth,
		sched:   opts.Scheduler,
		repo:    opts.Store,
		emitter: events.NewEmitter(opts.ThrowErrors, logger),
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		people:  make(map[domain.ID]domain.Person),
	}
	c.vendor = remotecontrol.New(opts.UserAgent, opts.Browser,
		remotecontrol.WithHTTPClient(opts.HTTPClient),
		remotecontrol.WithLogger(opts.Logger))

	c.tr = transport.New(transport.Config{
		AccountID:    auth.AccountID,
		ServerSet:    serverSet,
		Origin:       opts.Origin,
		Endpoint:     opts.Host.FindEndpoint(transport.FrameClass),
		RetryTimeout: opts.RetryTimeout,
		Logger:       opts.Logger,
	}, opts.Host, opts.Scheduler)
	c.tr.SetMessageListener(c.handleMessage)
	if err := c.tr.Initialize(); err != nil {
		cancel()
		return nil, fmt.Errorf("initialize transport: %w", err)
	}

	c.chatKey = c.readValue(opts.ChatCookie)
	c.resuming = c.chatKey != ""
	if c.resuming {
		c.state = domain.StateStarted
	} else {
		c.state = domain.StateCreate
	}
	logger.Debug("Client created", "account_id", auth.AccountID, "server_set", serverSet, "state", c.state)
	return c, nil
}

// Subscribe registers h for events of kind k.
func (c *Client) Subscribe(k events.Kind, h events.Handler) events.Subscription {
	return c.emitter.Subscribe(k, h)
}

// Unsubscribe removes a subscription.
func (c *Client) Unsubscribe(sub events.Subscription) bool {
	return c.emitter.Unsubscribe(sub)
}

// SubscriptionCount returns the number of live subscriptions.
func (c *Client) SubscriptionCount() int { return c.emitter.Count() }

// State returns the chat state.
func (c *Client) State() domain.ChatState { return c.state }

// SetState overrides the chat state.
func (c *Client) SetState(s domain.ChatState) { c.state = s }

// IsStarted reports whether the chat is active.
func (c *Client) IsStarted() bool { return c.state == domain.StateStarted }

// IsResumingChat reports whether a chat key was found at construction.
func (c *Client) IsResumingChat() bool { return c.resuming }

// HasChatKey reports whether the client knows its chat.
func (c *Client) HasChatKey() bool { return c.chatKey != "" }

// ChatKey returns the chat key, or "".
func (c *Client) ChatKey() string { return c.chatKey }

// ClientID returns the id assigned when the chat started.
func (c *Client) ClientID() domain.ID { return c.clientID }

// ActiveAssistID returns the pending or active assist id.
func (c *Client) ActiveAssistID() domain.ID { return c.activeAssistID }

// RemoteControlData returns the pending remote-control session.
func (c *Client) RemoteControlData() *domain.RemoteControlData { return c.remoteControl }

// Language returns the chat language once the backend has set it.
func (c *Client) Language() string { return c.language }

// Auth returns the parsed API key.
func (c *Client) Auth() Auth { return c.auth }

// Transport returns the underlying transport.
func (c *Client) Transport() *transport.Transport { return c.tr }

// ChatContainsStatusMessage reports whether an operator has written in
// this chat.
func (c *Client) ChatContainsStatusMessage() bool { return c.operatorSeen }

// Chat returns the chat values merged from updateChat pushes.
func (c *Client) Chat() map[string]json.RawMessage { return c.chat }

// Person returns what is known about a person.
func (c *Client) Person(id domain.ID) domain.Person {
	if p, ok := c.people[id]; ok {
		return p
	}
	if c.storage != nil {
		if p, ok := c.storage.People()[id]; ok {
			return p
		}
	}
	return domain.Person{PersonID: id}
}

// Messages returns the stored history.
func (c *Client) Messages() []domain.Message {
	if c.storage == nil {
		return nil
	}
	return c.storage.Messages()
}

// LastMessageID returns the id of the last stored message.
func (c *Client) LastMessageID() domain.ID {
	if c.storage == nil {
		return ""
	}
	return c.storage.LastMessageID()
}

// Brandings returns the stored branding values.
func (c *Client) Brandings() json.RawMessage {
	if c.storage == nil {
		return nil
	}
	return c.storage.Brandings()
}

// ClientData returns what the backend said about this client.
func (c *Client) ClientData() domain.ClientData {
	if c.storage == nil {
		return domain.ClientData{}
	}
	return c.storage.ClientData()
}

// ChatWindowSettings returns the stored window settings.
func (c *Client) ChatWindowSettings() domain.ChatWindowSettings {
	var s domain.ChatWindowSettings
	if c.storage == nil {
		return s
	}
	if raw := c.storage.ChatWindowSettings(); len(raw) > 0 {
		if err := json.Unmarshal(raw, &s); err != nil {
			c.logger.Warn("Ignoring malformed chat window settings", "error", err)
		}
	}
	return s
}

// SetChatWindowSettings stores window settings.
func (c *Client) SetChatWindowSettings(raw json.RawMessage) {
	if st := c.sessionStorage(); st != nil {
		st.SetChatWindowSettings(raw)
	}
}

// ChatParams returns the stored chat parameters.
func (c *Client) ChatParams() json.RawMessage {
	if c.storage == nil {
		return nil
	}
	return c.storage.ChatParams()
}

// AddChatParams stores chat parameters.
func (c *Client) AddChatParams(data json.RawMessage) {
	if st := c.sessionStorage(); st != nil {
		st.AddChatParams(data)
	}
}

// VisitInfo returns the stored visit information.
func (c *Client) VisitInfo() json.RawMessage {
	if c.storage == nil {
		return nil
	}
	return c.storage.VisitInfo()
}

// AddVisitInfo stores visit information.
func (c *Client) AddVisitInfo(data json.RawMessage) {
	if st := c.sessionStorage(); st != nil {
		st.AddVisitInfo(data)
	}
}

// IsMinimized reports the stored minimized flag.
func (c *Client) IsMinimized() bool {
	return c.storage != nil && c.storage.Minimized()
}

// ChangeMinimizedStatus stores the minimized flag.
func (c *Client) ChangeMinimizedStatus(minimized bool) {
	if st := c.sessionStorage(); st != nil {
		st.ChangeMinimizedStatus(minimized)
	}
}

// sessionStorage opens the history store for the current chat on first
// use. It is nil until the chat has a key.
func (c *Client) sessionStorage() *store.SessionStorage {
	if c.storage == nil && c.chatKey != "" {
		c.storage = store.OpenSessionStorage(c.repo, c.chatKey, c.opts.MessageCache, c.opts.Logger)
	}
	return c.storage
}

func (c *Client) storeContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), storeTimeout)
}

// readValue reads a persisted value, preferring session scope.
func (c *Client) readValue(name string) string {
	if v := c.scopedValue(store.ScopeSession, name); v != "" {
		return v
	}
	return c.scopedValue(store.ScopeCookie, name)
}

func (c *Client) scopedValue(scope store.Scope, name string) string {
	ctx, cancel := c.storeContext()
	defer cancel()
	v, _, err := c.repo.GetValue(ctx, scope, name)
	if err != nil {
		c.logger.Warn("Failed to read value", "scope", scope, "name", name, "error", err)
		return ""
	}
	return v
}

func (c *Client) setValue(scope store.Scope, name, value string, ttl time.Duration) {
	ctx, cancel := c.storeContext()
	defer cancel()
	if err := c.repo.SetValue(ctx, scope, name, value, ttl); err != nil {
		c.logger.Warn("Failed to persist value", "scope", scope, "name", name, "error", err)
	}
}

func (c *Client) eraseValue(scope store.Scope, name string) {
	ctx, cancel := c.storeContext()
	defer cancel()
	if err := c.repo.DeleteValue(ctx, scope, name); err != nil {
		c.logger.Warn("Failed to erase value", "scope", scope, "name", name, "error", err)
	}
}

func (c *Client) eraseChatKey() {
	c.eraseValue(store.ScopeSession, c.opts.ChatCookie)
	c.eraseValue(store.ScopeCookie, c.opts.ChatCookie)
}

func (c *Client) curlInSession() bool {
	return c.scopedValue(store.ScopeSession, c.opts.ChatRecoverCookie) != ""
}

// curlChatKey returns the chat key carried by a recovery token.
func (c *Client) curlChatKey() string {
	if c.recovery != nil && c.recovery.ChatKey != "" {
		return c.recovery.ChatKey.String()
	}
	raw := c.readValue(c.opts.ChatRecoverCookie)
	if raw == "" {
		return ""
	}
	key, _, _ := strings.Cut(raw, ":")
	return key
}

func (c *Client) call(method string, params map[string]any, opts ...transport.CallOption) *rpc.Result {
	if params == nil {
		params = map[string]any{}
	}
	if c.chatKey != "" {
		params["ChatKey"] = c.chatKey
	}
	params["auth"] = c.auth.Token
	return c.tr.Call(method, params, opts...).OnFailure(func(err error) {
		c.logger.Warn("Call failed", "method", method, "error", err)
	})
}

func (c *Client) callStream(method string, params map[string]any) *rpc.Result {
	if params == nil {
		params = map[string]any{}
	}
	params["stream"] = true
	return c.call(method, params)
}

// idParam renders an empty id as JSON null.
func idParam(id domain.ID) any {
	if id == "" {
		return nil
	}
	return id
}

func hasJSON(raw json.RawMessage) bool {
	switch strings.TrimSpace(string(raw)) {
	case "", "null", "false", `""`, "{}":
		return false
	}
	return true
}

// onStart runs once the backend has accepted the chat as started.
func (c *Client) onStart(payload json.RawMessage, resp domain.ChatResponse) {
	if c.curlInSession() {
		c.setValue(store.ScopeSession, c.opts.ChatCookie, c.chatKey, 0)
	} else {
		c.setValue(store.ScopeCookie, c.opts.ChatCookie, c.chatKey, chatCookieTTL)
	}

	c.clientID = resp.ClientID
	c.tr.OpenStream(payload)

	if st := c.sessionStorage(); st != nil {
		if hasJSON(resp.Brandings) {
			st.SetBrandings(resp.Brandings)
		}
		st.SetClientData(resp.ClientData)
	}
	if resp.Language != "" {
		c.language = resp.Language
	}

	// Subscribers set up after the start call returns still see the
	// resumed operation.
	c.sched.After(time.Millisecond, c.resumeOperation)
}

func (c *Client) onFinish() {
	c.tr.CloseStream()
	c.activeAssistID = ""
	c.clientID = ""
	c.emitter.Emit(events.Closed, nil)
}

// resumeOperation re-announces an assist or remote-control flow that was
// in progress when the page reloaded.
func (c *Client) resumeOperation() {
	if c.closed {
		return
	}
	st := c.sessionStorage()
	if st == nil {
		return
	}
	cd := st.ClientData()
	if cd.ActiveAssistID != "" {
		c.activeAssistID = cd.ActiveAssistID
	}
	if cd.RemoteControl != nil {
		c.remoteControl = cd.RemoteControl
	}
	switch cd.OperationState {
	case domain.OperationCoBrowsePrompt:
		c.emitter.Emit(events.BeginActiveAssist, nil)
	case domain.OperationCoBrowseActive:
		c.emitter.Emit(events.ResumeActiveAssist, nil)
	case domain.OperationRemoteControlPrompt:
		c.emitter.Emit(events.BeginRemoteControl, nil)
	}
}

// Shutdown stops the ping loop, destroys the transport and resets the
// state to create. It is safe to call more than once.
func (c *Client) Shutdown() {
	if c.closed {
		return
	}
	c.closed = true
	c.stopPing()
	c.tr.Destroy()
	c.cancel()
	c.state = domain.StateCreate
	c.logger.Debug("Client shut down")
}

// DeleteSessionData removes the stored history and the persisted chat key.
func (c *Client) DeleteSessionData() {
	if st := c.sessionStorage(); st != nil {
		st.Delete()
	}
	c.DestroyChatSession()
}

// CancelChat forgets the chat on this page.
func (c *Client) CancelChat() {
	c.DestroyChatSession()
}

// DestroyChatSession erases the persisted chat key and configuration.
func (c *Client) DestroyChatSession() {
	c.eraseChatKey()
	c.eraseValue(store.ScopeCookie, c.opts.ConfigCookie)
}
