package simulator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/ashureev/visitor-chat/internal/transport"
)

const frameWriteTimeout = 5 * time.Second

// errRateLimited is reported to the client when a connection sends
// requests faster than its limiter allows.
var errRateLimited = errors.New("rate limit exceeded, retry later")

// frameConn is one visitor frame. Writes are serialized; requests are
// handled on the read goroutine, delayed pushes on timer goroutines.
type frameConn struct {
	srv     *Server
	ws      *websocket.Conn
	id      string
	baseURL string
	ctx     context.Context
	limiter *rate.Limiter
	logger  *slog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	chatKey string
	// stream counts chat streams on this socket. Timers armed for an
	// earlier stream do not fire.
	stream int
}

type pushEnvelope struct {
	Method string `json:"method"`
	Params any    `json:"params"`
	ID     *int64 `json:"id"`
}

type replyEnvelope struct {
	ID     int64       `json:"id"`
	Result any         `json:"result,omitempty"`
	Error  *replyError `json:"error,omitempty"`
}

type replyError struct {
	Message string `json:"Message"`
}

// ServeFrame upgrades the frame URL to a websocket speaking the chat
// protocol.
func (s *Server) ServeFrame(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	if accountID != s.cfg.AccountID {
		Error(w, http.StatusNotFound, "unknown account")
		return
	}
	if !s.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Error("Failed to accept frame websocket", "error", err)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "frame closed"); closeErr != nil {
			s.logger.Debug("Failed to close websocket", "error", closeErr)
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	fc := &frameConn{
		srv:     s,
		ws:      ws,
		id:      uuid.NewString(),
		baseURL: requestBaseURL(r),
		ctx:     ctx,
		limiter: rate.NewLimiter(rate.Limit(s.cfg.RateLimit), s.cfg.RateBurst),
	}
	fc.logger = s.logger.With("conn", fc.id)
	defer s.hub.Unregister(fc)

	fc.logger.Info("Frame connected", "account_id", accountID, "ip", r.RemoteAddr)
	if err := fc.push(transport.MethodLoaded, struct{}{}); err != nil {
		fc.logger.Debug("Failed to send loaded", "error", err)
		return
	}

	go fc.heartbeatLoop(ctx, s.cfg.Heartbeat)
	fc.readLoop(ctx)
	fc.logger.Info("Frame disconnected")
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if s.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || s.cfg.FrontendURL == "*" || origin == s.cfg.FrontendURL {
		return true
	}
	s.logger.Warn("Frame origin rejected", "origin", origin, "allowed", s.cfg.FrontendURL)
	return false
}

func (fc *frameConn) readLoop(ctx context.Context) {
	for {
		_, data, err := fc.ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || ctx.Err() != nil {
				fc.logger.Debug("Frame closed by client")
			} else {
				fc.logger.Warn("Frame read error", "error", err)
			}
			return
		}

		var req transport.Request
		if err := json.Unmarshal(data, &req); err != nil {
			fc.logger.Warn("Dropping malformed request", "error", err)
			continue
		}

		switch req.Method {
		case transport.MethodConnect:
			continue
		case transport.MethodDisconnect:
			fc.unbind()
			continue
		case transport.MethodTryReconnect:
			_ = fc.push(transport.MethodReconnected, struct{}{})
			continue
		}

		if !fc.limiter.Allow() {
			fc.logger.Warn("Request rate limited", "method", req.Method, "id", req.ID)
			fc.reply(req.ID, nil, errRateLimited)
			continue
		}

		result, err := fc.srv.handle(fc, req)
		fc.reply(req.ID, result, err)
	}
}

func (fc *frameConn) heartbeatLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := fc.push(transport.MethodHeartbeat, struct{}{}); err != nil {
				return
			}
		}
	}
}

func (fc *frameConn) push(method string, params any) error {
	return fc.write(pushEnvelope{Method: method, Params: params})
}

func (fc *frameConn) reply(id int64, result any, err error) {
	env := replyEnvelope{ID: id, Result: result}
	if err != nil {
		env.Result = nil
		env.Error = &replyError{Message: err.Error()}
	} else if result == nil {
		env.Result = struct{}{}
	}
	if werr := fc.write(env); werr != nil {
		fc.logger.Debug("Failed to write reply", "id", id, "error", werr)
	}
}

func (fc *frameConn) write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode frame message: %w", err)
	}
	fc.writeMu.Lock()
	defer fc.writeMu.Unlock()

	ctx, cancel := context.WithTimeout(fc.ctx, frameWriteTimeout)
	defer cancel()
	return fc.ws.Write(ctx, websocket.MessageText, data)
}

// after runs fn once d has passed, unless the connection is gone or its
// chat stream was closed by then.
func (fc *frameConn) after(d time.Duration, fn func()) {
	fc.mu.Lock()
	stream := fc.stream
	fc.mu.Unlock()
	time.AfterFunc(d, func() {
		if fc.ctx.Err() != nil {
			return
		}
		fc.mu.Lock()
		current := fc.stream
		fc.mu.Unlock()
		if current != stream {
			return
		}
		fn()
	})
}

func (fc *frameConn) bind(chatKey string) {
	fc.mu.Lock()
	fc.chatKey = chatKey
	fc.mu.Unlock()
	fc.srv.hub.Register(chatKey, fc)
}

// unbind closes the chat stream. The socket stays open for further
// requests; only the client removing its frame ends the connection.
func (fc *frameConn) unbind() {
	fc.mu.Lock()
	chatKey := fc.chatKey
	fc.chatKey = ""
	fc.stream++
	fc.mu.Unlock()
	fc.srv.hub.Unregister(fc)
	fc.logger.Debug("Chat stream closed", "chat_key", chatKey)
}
