package simulator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/visitor-chat/internal/domain"
	"github.com/ashureev/visitor-chat/internal/store"
	"github.com/ashureev/visitor-chat/internal/transport"
)

var (
	errUnknownMethod = errors.New("unknown method")
	errUnauthorized  = errors.New("missing auth")
	errUnknownChat   = errors.New("unknown chat")
	errChatInactive  = errors.New("chat is not active")
)

type chatStatus string

const (
	statusPreChat     chatStatus = "prechat"
	statusStarted     chatStatus = "started"
	statusUnavailable chatStatus = "unavailable"
	statusEnded       chatStatus = "ended"
)

// chatRecord is the simulator's view of one chat. Records are stored as
// JSON values in the repository so chats survive a restart.
type chatRecord struct {
	ChatKey        string     `json:"chatKey"`
	ChatID         int64      `json:"chatId"`
	ClientID       int64      `json:"clientId"`
	VisitorID      int64      `json:"visitorId"`
	OperatorID     int64      `json:"operatorId"`
	Status         chatStatus `json:"status"`
	Language       string     `json:"language,omitempty"`
	Answered       bool       `json:"answered"`
	VideoSupported bool       `json:"videoSupported,omitempty"`
	LastMessageID  int64      `json:"lastMessageId"`
	Created        time.Time  `json:"created"`
}

type requestParams struct {
	Auth          string `json:"auth"`
	ChatKey       string `json:"ChatKey"`
	Curl          string `json:"Curl"`
	SkipPreChat   bool   `json:"SkipPreChat"`
	Language      string `json:"Language"`
	Data          string `json:"Data"`
	IsTyping      bool   `json:"IsTyping"`
	Name          string `json:"Name"`
	Message       string `json:"Message"`
	ChatMessageID string `json:"ChatMessageID"`
	EmailAddress  string `json:"EmailAddress"`
	From          string `json:"From"`
	Subject       string `json:"Subject"`
}

type methodHandler func(ctx context.Context, fc *frameConn, p requestParams) (any, error)

type formField struct {
	Key      string   `json:"Key"`
	Label    string   `json:"Label"`
	Type     string   `json:"Type"`
	Required bool     `json:"IsRequired,omitempty"`
	Options  []string `json:"Options,omitempty"`
}

type formDefinition struct {
	Fields []formField `json:"Fields"`
}

var (
	preChatForm = formDefinition{Fields: []formField{
		{Key: "first_name", Label: "Name", Type: "text", Required: true},
		{Key: "email", Label: "Email", Type: "email"},
		{Key: "initial_question", Label: "How can we help?", Type: "textarea"},
	}}
	postChatForm = formDefinition{Fields: []formField{
		{Key: "rating", Label: "How would you rate this chat?", Type: "select", Options: []string{"1", "2", "3", "4", "5"}},
		{Key: "comments", Label: "Comments", Type: "textarea"},
	}}
	unavailableForm = formDefinition{Fields: []formField{
		{Key: "From", Label: "Email", Type: "email", Required: true},
		{Key: "Subject", Label: "Subject", Type: "text"},
		{Key: "Body", Label: "Message", Type: "textarea", Required: true},
	}}
)

type chatResponse struct {
	ChatKey            string            `json:"ChatKey"`
	ChatID             int64             `json:"ChatID,omitempty"`
	ClientID           int64             `json:"ClientID,omitempty"`
	VisitorID          int64             `json:"VisitorID,omitempty"`
	WebSocketURL       string            `json:"WebSocketURL,omitempty"`
	ClientTimeout      int               `json:"ClientTimeout,omitempty"`
	Language           string            `json:"Language,omitempty"`
	UnavailableReason  string            `json:"UnavailableReason,omitempty"`
	PreChat            *formDefinition   `json:"PreChat,omitempty"`
	UnavailableForm    *formDefinition   `json:"UnavailableForm,omitempty"`
	Brandings          map[string]string `json:"Brandings,omitempty"`
	ChatWindowSettings map[string]any    `json:"ChatWindowSettings,omitempty"`
}

// protocol maps each backend method to its handler.
func (s *Server) protocol() map[string]methodHandler {
	ack := func(context.Context, *frameConn, requestParams) (any, error) { return nil, nil }
	return map[string]methodHandler{
		"resolveChatRecovery":    s.resolveChatRecovery,
		"getChatAvailability":    s.getChatAvailability,
		"createChat":             s.createChat,
		"submitPreChat":          s.submitPreChat,
		"cancelPreChat":          s.cancelPreChat,
		"changeLanguage":         s.changeLanguage,
		"startChat":              s.startChat,
		"pingChat":               s.pingChat,
		"visitorTyping":          ack,
		"sendMessage":            s.sendMessage,
		"emailChatHistory":       s.emailChatHistory,
		"finishChat":             s.finishChat,
		"getUnavailableForm":     s.getUnavailableForm,
		"submitUnavailableEmail": s.submitUnavailableEmail,
		"submitPostChat":         ack,

		"acceptActiveAssist":                          ack,
		"declineActiveAssist":                         ack,
		"cancelActiveAssist":                          ack,
		"acceptRemoteControlSession":                  ack,
		"declineRemoteControlSession":                 ack,
		"declineRemoteControlSessionForUnsupportedOs": ack,
		"getVendorVideoSessionVisitorUrl":             s.videoURL,
		"acceptVideoSession":                          ack,
		"declineVideoSession":                         ack,
		"markChatAsVideoSupported":                    s.markVideoSupported,
	}
}

// handle runs one tracked request. A nil result is sent as an empty object.
func (s *Server) handle(fc *frameConn, req transport.Request) (any, error) {
	h, ok := s.methods[req.Method]
	if !ok {
		fc.logger.Warn("Unknown method", "method", req.Method, "id", req.ID)
		return nil, fmt.Errorf("%w: %s", errUnknownMethod, req.Method)
	}
	var p requestParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, fmt.Errorf("decode %s params: %w", req.Method, err)
		}
	}
	if p.Auth == "" {
		return nil, errUnauthorized
	}
	if p.ChatKey == "" {
		fc.mu.Lock()
		p.ChatKey = fc.chatKey
		fc.mu.Unlock()
	}

	fc.logger.Debug("Request", "method", req.Method, "id", req.ID, "chat_key", p.ChatKey)
	result, err := h(fc.ctx, fc, p)
	if err != nil {
		fc.logger.Info("Request failed", "method", req.Method, "id", req.ID, "error", err)
	}
	return result, err
}

func chatValueName(chatKey string) string { return "sim:chat:" + chatKey }

func chatIDValueName(chatID string) string { return "sim:chatid:" + chatID }

func (s *Server) loadChat(ctx context.Context, chatKey string) (*chatRecord, error) {
	if chatKey == "" {
		return nil, errUnknownChat
	}
	raw, ok, err := s.repo.GetValue(ctx, store.ScopeSession, chatValueName(chatKey))
	if err != nil {
		return nil, fmt.Errorf("load chat: %w", err)
	}
	if !ok {
		return nil, errUnknownChat
	}
	var rec chatRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("decode chat: %w", err)
	}
	return &rec, nil
}

func (s *Server) saveChat(ctx context.Context, rec *chatRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode chat: %w", err)
	}
	if err := s.repo.SetValue(ctx, store.ScopeSession, chatValueName(rec.ChatKey), string(raw), s.cfg.SessionTTL); err != nil {
		return fmt.Errorf("save chat: %w", err)
	}
	return nil
}

// updateChat applies fn to the stored record under the chat lock.
func (s *Server) updateChat(ctx context.Context, chatKey string, fn func(*chatRecord) error) (*chatRecord, error) {
	s.chatMu.Lock()
	defer s.chatMu.Unlock()

	rec, err := s.loadChat(ctx, chatKey)
	if err != nil {
		return nil, err
	}
	if err := fn(rec); err != nil {
		return nil, err
	}
	if err := s.saveChat(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// chatKeyForID resolves the numeric chat id used by the upload API.
func (s *Server) chatKeyForID(ctx context.Context, chatID string) (string, error) {
	key, ok, err := s.repo.GetValue(ctx, store.ScopeSession, chatIDValueName(chatID))
	if err != nil {
		return "", fmt.Errorf("resolve chat id: %w", err)
	}
	if !ok {
		return "", errUnknownChat
	}
	return key, nil
}

func (s *Server) nextID() int64 { return s.ids.Add(1) }

func (s *Server) brandings(language string) map[string]string {
	if language == "" {
		language = "en-US"
	}
	return map[string]string{
		"language":         language,
		"api#chat#title":   "Chat with " + s.cfg.OperatorName,
		"api#chat#welcome": "Thanks for contacting us.",
	}
}

func (s *Server) startedResponse(fc *frameConn, rec *chatRecord) chatResponse {
	return chatResponse{
		ChatKey:            rec.ChatKey,
		ChatID:             rec.ChatID,
		ClientID:           rec.ClientID,
		VisitorID:          rec.VisitorID,
		WebSocketURL:       websocketBase(fc.baseURL) + "/aid/" + s.cfg.AccountID + "/ws",
		ClientTimeout:      int((30 * time.Second).Milliseconds()),
		Language:           rec.Language,
		Brandings:          s.brandings(rec.Language),
		ChatWindowSettings: map[string]any{"EnableVideo": true},
	}
}

func websocketBase(base string) string {
	if rest, ok := strings.CutPrefix(base, "https://"); ok {
		return "wss://" + rest
	}
	return "ws://" + strings.TrimPrefix(base, "http://")
}

func (s *Server) resolveChatRecovery(ctx context.Context, _ *frameConn, p requestParams) (any, error) {
	key, _, _ := strings.Cut(p.Curl, ":")
	rec, err := s.loadChat(ctx, key)
	if errors.Is(err, errUnknownChat) {
		return map[string]any{"ChatKey": nil, "Startable": false, "Ended": false}, nil
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"ChatKey":   rec.ChatKey,
		"Startable": rec.Status == statusStarted,
		"Ended":     rec.Status == statusEnded,
	}, nil
}

func (s *Server) getChatAvailability(context.Context, *frameConn, requestParams) (any, error) {
	return map[string]any{"Available": !s.cfg.Unavailable, "AvailabilityType": "Operators"}, nil
}

func (s *Server) createChat(ctx context.Context, fc *frameConn, p requestParams) (any, error) {
	if rec, err := s.loadChat(ctx, p.ChatKey); err == nil && rec.Status != statusEnded {
		fc.logger.Info("Recovered chat", "chat_key", rec.ChatKey)
		fc.bind(rec.ChatKey)
		return s.respondForStatus(fc, rec), nil
	}

	rec := &chatRecord{
		ChatKey:    uuid.NewString(),
		ChatID:     s.nextID(),
		ClientID:   s.nextID(),
		VisitorID:  s.nextID(),
		OperatorID: s.nextID(),
		Language:   p.Language,
		Created:    time.Now().UTC(),
	}
	switch {
	case s.cfg.Unavailable:
		rec.Status = statusUnavailable
	case s.cfg.PreChat && !p.SkipPreChat:
		rec.Status = statusPreChat
	default:
		rec.Status = statusStarted
	}

	s.chatMu.Lock()
	err := s.saveChat(ctx, rec)
	if err == nil {
		err = s.repo.SetValue(ctx, store.ScopeSession, chatIDValueName(strconv.FormatInt(rec.ChatID, 10)), rec.ChatKey, s.cfg.SessionTTL)
	}
	s.chatMu.Unlock()
	if err != nil {
		return nil, err
	}

	fc.logger.Info("Chat created", "chat_key", rec.ChatKey, "status", rec.Status)
	fc.bind(rec.ChatKey)
	return s.respondForStatus(fc, rec), nil
}

func (s *Server) respondForStatus(fc *frameConn, rec *chatRecord) chatResponse {
	switch rec.Status {
	case statusUnavailable:
		form := unavailableForm
		return chatResponse{ChatKey: rec.ChatKey, UnavailableReason: "NoOperators", UnavailableForm: &form}
	case statusPreChat:
		form := preChatForm
		return chatResponse{ChatKey: rec.ChatKey, ChatID: rec.ChatID, Brandings: s.brandings(rec.Language), PreChat: &form}
	}
	s.startOperator(fc, rec)
	return s.startedResponse(fc, rec)
}

func (s *Server) submitPreChat(ctx context.Context, fc *frameConn, p requestParams) (any, error) {
	if p.Data != "" && !json.Valid([]byte(p.Data)) {
		return nil, fmt.Errorf("submitPreChat: invalid form data")
	}
	rec, err := s.updateChat(ctx, p.ChatKey, func(r *chatRecord) error {
		if r.Status != statusPreChat {
			return errChatInactive
		}
		r.Status = statusStarted
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.startOperator(fc, rec)
	return s.startedResponse(fc, rec), nil
}

func (s *Server) cancelPreChat(ctx context.Context, _ *frameConn, p requestParams) (any, error) {
	_, err := s.updateChat(ctx, p.ChatKey, func(r *chatRecord) error {
		r.Status = statusEnded
		return nil
	})
	return nil, err
}

func (s *Server) changeLanguage(ctx context.Context, _ *frameConn, p requestParams) (any, error) {
	rec, err := s.updateChat(ctx, p.ChatKey, func(r *chatRecord) error {
		r.Language = p.Language
		return nil
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"Brandings": s.brandings(rec.Language)}, nil
}

func (s *Server) startChat(ctx context.Context, fc *frameConn, p requestParams) (any, error) {
	rec, err := s.loadChat(ctx, p.ChatKey)
	if err != nil {
		return nil, err
	}
	if rec.Status != statusStarted {
		return nil, errChatInactive
	}
	fc.bind(rec.ChatKey)
	s.startOperator(fc, rec)
	return s.startedResponse(fc, rec), nil
}

func (s *Server) pingChat(ctx context.Context, _ *frameConn, p requestParams) (any, error) {
	rec, err := s.loadChat(ctx, p.ChatKey)
	if err != nil {
		return nil, err
	}
	if rec.Status == statusEnded {
		return nil, errChatInactive
	}
	return nil, nil
}

func (s *Server) sendMessage(ctx context.Context, fc *frameConn, p requestParams) (any, error) {
	rec, err := s.loadChat(ctx, p.ChatKey)
	if err != nil {
		return nil, err
	}
	if rec.Status != statusStarted {
		return nil, errChatInactive
	}
	fc.logger.Info("Visitor message", "chat_key", rec.ChatKey, "chat_message_id", p.ChatMessageID)
	s.operatorReact(fc, rec, strings.TrimSpace(p.Message))
	return map[string]any{"ChatMessageID": p.ChatMessageID}, nil
}

func (s *Server) emailChatHistory(ctx context.Context, _ *frameConn, p requestParams) (any, error) {
	if !strings.Contains(p.EmailAddress, "@") {
		return nil, fmt.Errorf("invalid email address %q", p.EmailAddress)
	}
	if _, err := s.loadChat(ctx, p.ChatKey); err != nil {
		return nil, err
	}
	return nil, nil
}

func (s *Server) finishChat(ctx context.Context, fc *frameConn, p requestParams) (any, error) {
	rec, err := s.updateChat(ctx, p.ChatKey, func(r *chatRecord) error {
		r.Status = statusEnded
		return nil
	})
	if err != nil {
		return nil, err
	}
	fc.logger.Info("Chat finished", "chat_key", rec.ChatKey)
	if s.cfg.PostChat {
		form := postChatForm
		return map[string]any{"PostChat": &form}, nil
	}
	return nil, nil
}

func (s *Server) getUnavailableForm(ctx context.Context, _ *frameConn, p requestParams) (any, error) {
	if _, err := s.updateChat(ctx, p.ChatKey, func(r *chatRecord) error {
		r.Status = statusUnavailable
		return nil
	}); err != nil {
		return nil, err
	}
	form := unavailableForm
	return map[string]any{"UnavailableForm": &form}, nil
}

func (s *Server) submitUnavailableEmail(ctx context.Context, fc *frameConn, p requestParams) (any, error) {
	if !strings.Contains(p.From, "@") {
		return nil, fmt.Errorf("invalid email address %q", p.From)
	}
	rec, err := s.updateChat(ctx, p.ChatKey, func(r *chatRecord) error {
		if r.Status != statusUnavailable {
			return errChatInactive
		}
		r.Status = statusEnded
		return nil
	})
	if err != nil {
		return nil, err
	}
	fc.logger.Info("Unavailable email received", "chat_key", rec.ChatKey, "subject", p.Subject)
	return nil, nil
}

func (s *Server) videoURL(ctx context.Context, fc *frameConn, p requestParams) (any, error) {
	rec, err := s.loadChat(ctx, p.ChatKey)
	if err != nil {
		return nil, err
	}
	return map[string]any{"Url": fc.baseURL + "/video/" + rec.ChatKey}, nil
}

func (s *Server) markVideoSupported(ctx context.Context, _ *frameConn, p requestParams) (any, error) {
	_, err := s.updateChat(ctx, p.ChatKey, func(r *chatRecord) error {
		r.VideoSupported = true
		return nil
	})
	return nil, err
}

// startOperator queues the visitor and has the operator answer after the
// configured delay. Chats that were already answered are left alone.
func (s *Server) startOperator(fc *frameConn, rec *chatRecord) {
	if rec.Answered {
		return
	}
	_ = fc.push("updateBusy", domain.QueueIndicator{Position: 1, UnavailableFormEnabled: true})

	key := rec.ChatKey
	fc.after(s.cfg.OperatorDelay, func() {
		rec, err := s.updateChat(fc.ctx, key, func(r *chatRecord) error {
			if r.Status != statusStarted || r.Answered {
				return errChatInactive
			}
			r.Answered = true
			return nil
		})
		if err != nil {
			return
		}
		_ = fc.push("updateChat", map[string]any{
			"ChatID": rec.ChatID,
			"Values": map[string]any{"Answered": time.Now().UTC().Format(time.RFC3339), "OperatorID": rec.OperatorID},
		})
		s.operatorSays(fc, key, "Hi, I'm "+s.cfg.OperatorName+". How can I help?")
	})
}

// operatorReact answers a visitor message. A few slash commands trigger the
// operator-side flows.
func (s *Server) operatorReact(fc *frameConn, rec *chatRecord, text string) {
	key := rec.ChatKey
	switch text {
	case "/end":
		fc.after(s.cfg.OperatorDelay, func() {
			if _, err := s.updateChat(fc.ctx, key, func(r *chatRecord) error {
				r.Status = statusEnded
				return nil
			}); err != nil {
				return
			}
			_ = fc.push("finishChat", map[string]any{"ChatID": rec.ChatID})
		})
	case "/assist":
		_ = fc.push("beginActiveAssist", map[string]any{"ActiveAssistID": s.nextID()})
	case "/busy":
		_ = fc.push("updateBusy", domain.QueueIndicator{Position: 3, UnavailableFormEnabled: true})
	default:
		s.operatorSays(fc, key, "You said: "+text)
	}
}

// operatorSays shows the operator typing, then delivers text.
func (s *Server) operatorSays(fc *frameConn, chatKey, text string) {
	rec, err := s.loadChat(fc.ctx, chatKey)
	if err != nil {
		return
	}
	opID := strconv.FormatInt(rec.OperatorID, 10)
	_ = fc.push("updateTyper", map[string]any{
		"PersonID": opID,
		"Values":   map[string]any{"IsTyping": true, "Name": s.cfg.OperatorName},
	})

	fc.after(s.cfg.OperatorDelay/2, func() {
		rec, err := s.updateChat(fc.ctx, chatKey, func(r *chatRecord) error {
			if r.Status != statusStarted {
				return errChatInactive
			}
			r.LastMessageID++
			return nil
		})
		if err != nil {
			return
		}
		id := strconv.FormatInt(rec.LastMessageID, 10)
		_ = fc.push("addMessage", map[string]any{
			"MessageID": id,
			"PersonID":  opID,
			"Values": domain.Message{
				MessageID:  domain.ID(id),
				PersonID:   domain.ID(opID),
				PersonType: domain.PersonOperator,
				Name:       s.cfg.OperatorName,
				Text:       text,
				Created:    time.Now().UTC().Format(time.RFC3339),
			},
		})
		_ = fc.push("updateTyper", map[string]any{
			"PersonID": opID,
			"Values":   map[string]any{"IsTyping": false},
		})
	})
}
