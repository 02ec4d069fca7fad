package main

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ashureev/visitor-chat/internal/scheduler"
	"github.com/ashureev/visitor-chat/internal/session"
	"github.com/ashureev/visitor-chat/internal/store"
	"github.com/ashureev/visitor-chat/internal/transport"
	"github.com/ashureev/visitor-chat/internal/transport/memhost"
	"github.com/ashureev/visitor-chat/internal/visitor"
)

const testOrigin = "https://api.boldchat.com"

// startedChat runs a session on a real loop against an in-memory frame
// that starts chats straight away.
func startedChat(t *testing.T) (*runtime, *session.Session, *memhost.Endpoint, store.Repository) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	loop := scheduler.NewLoop(64, logger)
	go func() { _ = loop.Run(ctx) }()

	host := memhost.New()
	ep := host.NewEndpoint(transport.FrameClass)
	host.SetResponder(func(ep *memhost.Endpoint, req transport.Request) {
		switch req.Method {
		case "createChat", "startChat":
			ep.Reply(testOrigin, req.ID, map[string]any{
				"ChatKey":      "chat-1",
				"ChatID":       9876,
				"ClientID":     62442,
				"WebSocketURL": "wss://example.com/aid/2307475884/ws",
			})
		case "finishChat":
			ep.Reply(testOrigin, req.ID, map[string]any{})
		}
	})
	repo := store.NewMemory()

	var (
		sess   *session.Session
		setErr error
	)
	require.NoError(t, loop.Do(ctx, func() {
		client, err := visitor.New(visitor.Options{
			AuthKey:      "2307475884:1935873874619821:WFr8EvyhuCvpV7hHmIbHN6F1iTN3TLnx",
			Origin:       testOrigin,
			MessageCache: true,
			Host:         host,
			Scheduler:    loop,
			Store:        repo,
			Logger:       logger,
		})
		if err != nil {
			setErr = err
			return
		}
		sess, setErr = session.New(session.Config{
			Client:      client,
			View:        newTerminalView(io.Discard),
			Scheduler:   loop,
			Logger:      logger,
			VisitorName: "Sam",
		})
		if setErr != nil {
			return
		}
		ep.Loaded(testOrigin)
		sess.StartChat(true, "", nil)
	}))
	require.NoError(t, setErr)

	var state session.State
	require.NoError(t, loop.Do(ctx, func() { state = sess.State() }))
	require.Equal(t, session.ChatActive, state)

	return &runtime{logger: logger, repo: repo, loop: loop}, sess, ep, repo
}

func chatCookie(t *testing.T, repo store.Repository) string {
	t.Helper()
	v, _, err := repo.GetValue(context.Background(), store.ScopeCookie, visitor.DefaultChatCookie)
	require.NoError(t, err)
	return v
}

func TestDetachKeepsLiveChatResumable(t *testing.T) {
	rt, sess, ep, repo := startedChat(t)
	require.Equal(t, "chat-1", chatCookie(t, repo))

	start := time.Now()
	detach(rt, sess)
	require.GreaterOrEqual(t, time.Since(start), transport.RemoveGrace)

	require.GreaterOrEqual(t, ep.CountMethod(transport.MethodDisconnect), 1)
	require.Equal(t, 1, ep.Removed())
	require.Equal(t, "chat-1", chatCookie(t, repo), "an interrupted chat must stay resumable")
}

func TestDetachDestroysFinishedChat(t *testing.T) {
	rt, sess, ep, repo := startedChat(t)

	require.NoError(t, rt.loop.Do(context.Background(), func() { sess.EndChat() }))
	var state session.State
	require.NoError(t, rt.loop.Do(context.Background(), func() { state = sess.State() }))
	require.Equal(t, session.Finished, state)

	detach(rt, sess)
	require.Equal(t, 1, ep.Removed())
	require.Empty(t, chatCookie(t, repo))
}
