package visitor_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ashureev/visitor-chat/internal/domain"
	"github.com/ashureev/visitor-chat/internal/events"
	"github.com/ashureev/visitor-chat/internal/remotecontrol"
	"github.com/ashureev/visitor-chat/internal/rpc"
	"github.com/ashureev/visitor-chat/internal/scheduler"
	"github.com/ashureev/visitor-chat/internal/store"
	"github.com/ashureev/visitor-chat/internal/transport"
	"github.com/ashureev/visitor-chat/internal/transport/memhost"
	"github.com/ashureev/visitor-chat/internal/visitor"
)

const (
	testOrigin = "https://api.boldchat.com"
	basicAuth  = "2307475884:1935873874619821:WFr8EvyhuCvpV7hHmIbHN6F1iTN3TLnx:alphacx1"
)

type handler func(req transport.Request) (result any, failure string)

func reply(v any) handler {
	return func(transport.Request) (any, string) { return v, "" }
}

func fail(msg string) handler {
	return func(transport.Request) (any, string) { return nil, msg }
}

func chatResponse(extra map[string]any) map[string]any {
	resp := map[string]any{
		"ChatKey":      1234,
		"ChatID":       9876,
		"ClientID":     62442,
		"VisitorID":    3456,
		"WebSocketURL": "https://xxxx.com/aid/34343",
	}
	for k, v := range extra {
		resp[k] = v
	}
	return resp
}

type fixture struct {
	t        *testing.T
	host     *memhost.Host
	clock    *scheduler.Manual
	repo     *store.MemoryStore
	ep       *memhost.Endpoint
	handlers map[string]handler
	opts     visitor.Options
	c        *visitor.Client
}

type fixtureOption func(f *fixture)

func withOptions(fn func(o *visitor.Options)) fixtureOption {
	return func(f *fixture) { fn(&f.opts) }
}

func withValue(scope store.Scope, name, value string) fixtureOption {
	return func(f *fixture) {
		require.NoError(f.t, f.repo.SetValue(context.Background(), scope, name, value, 0))
	}
}

func withHandler(method string, h handler) fixtureOption {
	return func(f *fixture) { f.handlers[method] = h }
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	f := &fixture{
		t:        t,
		host:     memhost.New(),
		clock:    scheduler.NewManual(time.Unix(1_700_000_000, 0)),
		repo:     store.NewMemory(),
		handlers: map[string]handler{},
	}
	f.ep = f.host.NewEndpoint(transport.FrameClass)
	f.host.SetResponder(func(ep *memhost.Endpoint, req transport.Request) {
		h, ok := f.handlers[req.Method]
		if !ok {
			return
		}
		result, failure := h(req)
		if failure != "" {
			ep.Fail(testOrigin, req.ID, failure)
			return
		}
		ep.Reply(testOrigin, req.ID, result)
	})
	f.opts = visitor.Options{
		AuthKey:      basicAuth,
		Origin:       testOrigin,
		MessageCache: true,
		Host:         f.host,
		Scheduler:    f.clock,
		Store:        f.repo,
		Logger:       discardLogger(),
	}
	for _, opt := range opts {
		opt(f)
	}

	c, err := visitor.New(f.opts)
	require.NoError(t, err)
	t.Cleanup(c.Shutdown)
	f.c = c
	f.ep.Loaded(testOrigin)
	return f
}

func (f *fixture) params(method string) map[string]any {
	f.t.Helper()
	req, ok := f.ep.LastRequest(method)
	require.True(f.t, ok, "no %s request sent", method)
	var m map[string]any
	require.NoError(f.t, json.Unmarshal(req.Params, &m))
	return m
}

func (f *fixture) value(scope store.Scope, name string) string {
	f.t.Helper()
	v, _, err := f.repo.GetValue(context.Background(), scope, name)
	require.NoError(f.t, err)
	return v
}

func (f *fixture) record(k events.Kind) *[]events.Event {
	var got []events.Event
	f.c.Subscribe(k, func(ev events.Event) { got = append(got, ev) })
	return &got
}

// start creates a chat the backend starts straight away.
func (f *fixture) start(extra map[string]any) {
	f.t.Helper()
	f.handlers["createChat"] = reply(chatResponse(extra))
	res := f.c.CreateChat(visitor.CreateChatRequest{})
	require.True(f.t, res.Settled())
	require.NoError(f.t, res.Err())
	require.Equal(f.t, domain.StateStarted, f.c.State())
}

func requireInvalidState(t *testing.T, r *rpc.Result) {
	t.Helper()
	require.True(t, r.Settled(), "precondition failures must settle synchronously")
	require.ErrorIs(t, r.Err(), visitor.ErrInvalidState)
}

func TestNewRequiresAuthAndHost(t *testing.T) {
	_, err := visitor.New(visitor.Options{Host: memhost.New(), Scheduler: scheduler.NewManual(time.Now())})
	require.Error(t, err)
	_, err = visitor.New(visitor.Options{AuthKey: basicAuth})
	require.Error(t, err)
}

func TestOriginFromAuthServerSet(t *testing.T) {
	f := newFixture(t, withOptions(func(o *visitor.Options) { o.Origin = "" }))
	require.Equal(t, "https://api-alphacx1.boldchat.com", f.c.Transport().Origin())
	require.Equal(t, "https://api-alphacx1.boldchat.com/aid/2307475884/ext/api/apiframe.html", f.ep.URL())

	empty := ""
	f = newFixture(t, withOptions(func(o *visitor.Options) {
		o.Origin = ""
		o.ServerSet = &empty
	}))
	require.Equal(t, "https://api.boldchat.com", f.c.Transport().Origin())
}

func TestSendMessageRequiresStartedChat(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, domain.StateCreate, f.c.State())

	requireInvalidState(t, f.c.SendMessage("Ann", "hello", ""))
	requireInvalidState(t, f.c.VisitorTyping(true))
	requireInvalidState(t, f.c.SubmitPreChat(nil))
	requireInvalidState(t, f.c.SubmitPostChat(nil))
	requireInvalidState(t, f.c.SubmitUnavailableEmail("a", "b", "c"))
	requireInvalidState(t, f.c.GetUnavailableForm())
	requireInvalidState(t, f.c.EmailChatHistory("a@b.c"))
	requireInvalidState(t, f.c.AcceptActiveAssist())
	for _, m := range []string{"sendMessage", "visitorTyping", "submitPreChat", "submitPostChat", "submitUnavailableEmail", "getUnavailableForm", "emailChatHistory", "acceptActiveAssist"} {
		require.Zero(t, f.ep.CountMethod(m), "%s must not reach the transport", m)
	}
}

func TestCreateChatTransitions(t *testing.T) {
	tests := []struct {
		name      string
		extra     map[string]any
		want      domain.ChatState
		connected bool
	}{
		{"unavailable", map[string]any{"UnavailableReason": "closed", "PreChat": map[string]any{"a": 1}}, domain.StateUnavailable, false},
		{"prechat", map[string]any{"PreChat": map[string]any{"field": "random"}}, domain.StatePreChat, false},
		{"started", nil, domain.StateStarted, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, withHandler("createChat", reply(chatResponse(tt.extra))))
			res := f.c.CreateChat(visitor.CreateChatRequest{Language: "en"})
			require.NoError(t, res.Err())
			require.Equal(t, tt.want, f.c.State())
			require.Equal(t, "1234", f.c.ChatKey())
			require.True(t, f.c.Pinging(), "keep-alive must be scheduled")

			if tt.connected {
				require.Equal(t, 1, f.ep.CountMethod("connect"))
				require.Equal(t, domain.ID("62442"), f.c.ClientID())
				require.Equal(t, "1234", f.value(store.ScopeCookie, visitor.DefaultChatCookie))
			} else {
				require.Zero(t, f.ep.CountMethod("connect"))
				require.Empty(t, f.value(store.ScopeCookie, visitor.DefaultChatCookie))
			}
		})
	}
}

func TestCreateChatParams(t *testing.T) {
	f := newFixture(t,
		withValue(store.ScopeCookie, visitor.DefaultChatRecoverCookie, "abc:xyz"),
		withHandler("resolveChatRecovery", reply(map[string]any{"ChatKey": "abc", "Startable": true})),
		withHandler("createChat", reply(chatResponse(nil))),
		withOptions(func(o *visitor.Options) {
			o.LocalSecured = []string{"local"}
			o.PageParameters = "vn=Ann&customField_plan=gold&vp=555"
		}),
	)

	res := f.c.CreateChat(visitor.CreateChatRequest{
		VisitorID: "v1",
		Data:      map[string]any{"phone": "123"},
		ButtonID:  "b1",
	})
	require.NoError(t, res.Err())

	p := f.params("createChat")
	require.Equal(t, "v1", p["VisitorID"])
	require.Equal(t, "local", p["Secured"])
	require.Equal(t, "b1", p["ButtonID"])
	require.Equal(t, "abc", p["ChatKey"])
	require.Equal(t, true, p["IncludeBrandingValues"])
	require.Equal(t, false, p["IncludeLayeredBrandingValues"])
	require.Equal(t, true, p["IncludeChatWindowSettings"])
	require.Equal(t, f.c.Auth().Token, p["auth"])
	require.NotContains(t, p, "Language")
	require.NotContains(t, p, "stream")

	var data map[string]any
	require.NoError(t, json.Unmarshal([]byte(p["Data"].(string)), &data))
	require.Equal(t, map[string]any{"first_name": "Ann", "custom_plan": "gold", "phone": "123"}, data)

	resolve := f.params("resolveChatRecovery")
	require.Equal(t, "abc:xyz", resolve["Curl"])
}

func TestSecuredPrefersExplicitThenConfig(t *testing.T) {
	f := newFixture(t,
		withHandler("createChat", reply(chatResponse(nil))),
		withOptions(func(o *visitor.Options) {
			o.Secured = []string{"global"}
			o.LocalSecured = []string{"local"}
		}),
	)
	require.NoError(t, f.c.CreateChat(visitor.CreateChatRequest{}).Err())
	require.Equal(t, "global", f.params("createChat")["Secured"])

	g := newFixture(t, withHandler("createChat", reply(chatResponse(nil))), withOptions(func(o *visitor.Options) {
		o.Secured = []string{"global"}
	}))
	require.NoError(t, g.c.CreateChat(visitor.CreateChatRequest{Secured: "explicit"}).Err())
	require.Equal(t, "explicit", g.params("createChat")["Secured"])
}

func TestCreateChatOnlyOnce(t *testing.T) {
	f := newFixture(t)
	f.start(nil)
	requireInvalidState(t, f.c.CreateChat(visitor.CreateChatRequest{}))
	require.Equal(t, 1, f.ep.CountMethod("createChat"))
}

func TestCreateChatFailureKeepsState(t *testing.T) {
	f := newFixture(t, withHandler("createChat", fail("busy")))
	res := f.c.CreateChat(visitor.CreateChatRequest{})
	var remote *transport.RemoteError
	require.ErrorAs(t, res.Err(), &remote)
	require.Equal(t, domain.StateCreate, f.c.State())
	require.False(t, f.c.Pinging())
}

func TestInitializeFailsWhenRecoveredChatEnded(t *testing.T) {
	f := newFixture(t,
		withValue(store.ScopeCookie, visitor.DefaultChatRecoverCookie, "abc"),
		withHandler("resolveChatRecovery", reply(map[string]any{"Ended": true})),
		withOptions(func(o *visitor.Options) { o.ChatEndedStateCheck = true }),
	)
	res := f.c.CreateChat(visitor.CreateChatRequest{})
	require.ErrorIs(t, res.Err(), visitor.ErrChatEnded)
	require.Zero(t, f.ep.CountMethod("createChat"))

	f.c.Initialize()
	require.Equal(t, 1, f.ep.CountMethod("resolveChatRecovery"), "an ended chat is remembered")
}

func TestInitializeIgnoresEndedWhenCheckDisabled(t *testing.T) {
	f := newFixture(t,
		withValue(store.ScopeSession, visitor.DefaultChatRecoverCookie, "abc"),
		withHandler("resolveChatRecovery", reply(map[string]any{"Ended": true})),
		withHandler("createChat", reply(chatResponse(nil))),
	)
	require.NoError(t, f.c.CreateChat(visitor.CreateChatRequest{}).Err())

	// A recovery token in session scope keeps the chat key there too.
	require.Equal(t, "1234", f.value(store.ScopeSession, visitor.DefaultChatCookie))
	require.Empty(t, f.value(store.ScopeCookie, visitor.DefaultChatCookie))
}

func TestCanStartChat(t *testing.T) {
	f := newFixture(t,
		withValue(store.ScopeCookie, visitor.DefaultChatRecoverCookie, "abc"),
		withHandler("resolveChatRecovery", reply(map[string]any{"Startable": true})),
	)
	payload, err := f.c.CanStartChat().Wait(t.Context())
	require.NoError(t, err)
	require.JSONEq(t, "true", string(payload))

	g := newFixture(t)
	payload, err = g.c.CanStartChat().Wait(t.Context())
	require.NoError(t, err)
	require.JSONEq(t, "false", string(payload))
	require.Zero(t, g.ep.CountMethod("resolveChatRecovery"))
}

func TestFinishChat(t *testing.T) {
	tests := []struct {
		name     string
		postChat bool
		skip     bool
		want     domain.ChatState
	}{
		{"post chat offered", true, false, domain.StatePostChat},
		{"post chat skipped", true, true, domain.StateDone},
		{"no post chat", false, false, domain.StateDone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, withValue(store.ScopeCookie, visitor.DefaultConfigCookie, "cfg"))
			f.start(nil)
			f.handlers["finishChat"] = reply(map[string]any{"PostChat": tt.postChat})
			closed := f.record(events.Closed)

			require.NoError(t, f.c.FinishChat(tt.skip).Err())
			require.Equal(t, tt.want, f.c.State())
			require.Equal(t, "62442", f.params("finishChat")["ClientID"])
			require.Len(t, *closed, 1)
			require.Empty(t, f.c.ClientID())
			require.False(t, f.c.Pinging())
			require.Empty(t, f.value(store.ScopeCookie, visitor.DefaultChatCookie))
			require.Empty(t, f.value(store.ScopeCookie, visitor.DefaultConfigCookie))
			require.Equal(t, 1, f.ep.CountMethod("disconnect"))
		})
	}
}

func TestFinishChatFailureStopsPing(t *testing.T) {
	f := newFixture(t)
	f.start(nil)
	f.handlers["finishChat"] = fail("nope")

	require.Error(t, f.c.FinishChat(false).Err())
	require.False(t, f.c.Pinging())
	require.Equal(t, domain.StateStarted, f.c.State())
}

func TestFinishChatOutsideStartedStopsPing(t *testing.T) {
	f := newFixture(t, withHandler("createChat", reply(chatResponse(map[string]any{"PreChat": map[string]any{"x": 1}}))))
	require.NoError(t, f.c.CreateChat(visitor.CreateChatRequest{}).Err())
	require.True(t, f.c.Pinging())

	requireInvalidState(t, f.c.FinishChat(false))
	require.False(t, f.c.Pinging())
	require.Zero(t, f.ep.CountMethod("finishChat"))
}

func TestGetPostChatFormIfAvailEmitsChatEnded(t *testing.T) {
	f := newFixture(t)
	f.start(nil)
	f.handlers["finishChat"] = reply(map[string]any{"PostChat": map[string]any{"q": "rate us"}})
	ended := f.record(events.ChatEnded)

	require.NoError(t, f.c.GetPostChatFormIfAvail().Err())
	require.Len(t, *ended, 1)
	require.JSONEq(t, `{"PostChat":{"q":"rate us"}}`, string((*ended)[0].Params))
	require.Equal(t, domain.StatePostChat, f.c.State())

	f.handlers["submitPostChat"] = reply(map[string]any{"PostChat": false})
	require.NoError(t, f.c.SubmitPostChat(map[string]any{"rating": 5}).Err())
	require.Equal(t, domain.StateDone, f.c.State())
	require.Equal(t, `{"rating":5}`, f.params("submitPostChat")["Data"])
}

func TestSubmitPostChatMalformedResultEndsChat(t *testing.T) {
	f := newFixture(t)
	f.start(nil)
	f.handlers["finishChat"] = reply(map[string]any{"PostChat": true})
	require.NoError(t, f.c.FinishChat(false).Err())

	f.handlers["submitPostChat"] = reply([]int{1, 2})
	require.NoError(t, f.c.SubmitPostChat(map[string]any{"rating": 5}).Err())
	require.Equal(t, domain.StateDone, f.c.State())
}

func TestUnavailableFlow(t *testing.T) {
	f := newFixture(t)
	f.start(nil)
	f.handlers["getUnavailableForm"] = reply(map[string]any{})
	f.handlers["submitUnavailableEmail"] = reply(map[string]any{})

	require.NoError(t, f.c.GetUnavailableForm().Err())
	require.Equal(t, domain.StateUnavailable, f.c.State())
	require.False(t, f.c.Pinging())

	require.NoError(t, f.c.SubmitUnavailableEmail("a@b.c", "subject", "body").Err())
	require.Equal(t, domain.StateUnavailableSubmitted, f.c.State())
	p := f.params("submitUnavailableEmail")
	require.Equal(t, "a@b.c", p["From"])
	require.Equal(t, "subject", p["Subject"])
	require.Equal(t, "body", p["Body"])
}

func TestPreChatFlow(t *testing.T) {
	f := newFixture(t, withHandler("createChat", reply(chatResponse(map[string]any{"PreChat": map[string]any{"x": 1}}))))
	require.NoError(t, f.c.CreateChat(visitor.CreateChatRequest{}).Err())
	require.Equal(t, domain.StatePreChat, f.c.State())

	f.handlers["changeLanguage"] = reply(map[string]any{"Brandings": map[string]any{"title": "Bonjour"}})
	require.NoError(t, f.c.ChangeLanguage("fr").Err())
	require.Equal(t, domain.StatePreChat, f.c.State())
	require.Equal(t, "fr", f.c.Language())
	require.JSONEq(t, `{"title":"Bonjour"}`, string(f.c.Brandings()))

	f.handlers["submitPreChat"] = reply(chatResponse(nil))
	require.NoError(t, f.c.SubmitPreChat(map[string]any{"name": "Ann"}).Err())
	require.Equal(t, domain.StateStarted, f.c.State())
	require.Equal(t, 1, f.ep.CountMethod("connect"))
	require.Equal(t, `{"name":"Ann"}`, f.params("submitPreChat")["Data"])
	require.Equal(t, "1234", f.params("submitPreChat")["ChatKey"])
}

func TestCancelPreChat(t *testing.T) {
	f := newFixture(t, withHandler("createChat", reply(chatResponse(map[string]any{"PreChat": map[string]any{"x": 1}}))))
	require.NoError(t, f.c.CreateChat(visitor.CreateChatRequest{}).Err())
	f.handlers["cancelPreChat"] = reply(map[string]any{})

	require.NoError(t, f.c.CancelPreChat().Err())
	require.Equal(t, domain.StateDone, f.c.State())
	require.False(t, f.c.Pinging())
	requireInvalidState(t, f.c.CancelPreChat())
}

func TestPingLoopStopsAfterFiftyFailures(t *testing.T) {
	f := newFixture(t)
	f.start(nil)
	f.handlers["pingChat"] = fail("gone")

	f.clock.Advance(30 * time.Second)
	require.Equal(t, 1, f.ep.CountMethod("pingChat"))
	for i := 0; i < 60; i++ {
		f.clock.Advance(5 * time.Second)
	}
	require.Equal(t, 50, f.ep.CountMethod("pingChat"))
	require.Equal(t, 50, f.c.PingFailures())
	require.False(t, f.c.Pinging())

	f.clock.Advance(10 * time.Minute)
	require.Equal(t, 50, f.ep.CountMethod("pingChat"))
	require.Equal(t, domain.StateStarted, f.c.State(), "the ping cutoff leaves the state alone")

	p := f.params("pingChat")
	require.Equal(t, false, p["Closed"])
	require.NotContains(t, p, "stream")
}

func TestPingLoopRecovers(t *testing.T) {
	f := newFixture(t)
	f.start(nil)
	f.handlers["pingChat"] = fail("blip")

	f.clock.Advance(30 * time.Second)
	f.clock.Advance(5 * time.Second)
	require.Equal(t, 2, f.c.PingFailures())

	f.handlers["pingChat"] = reply(map[string]any{})
	f.clock.Advance(5 * time.Second)
	require.Zero(t, f.c.PingFailures())
	require.Equal(t, 3, f.ep.CountMethod("pingChat"))

	f.clock.Advance(29 * time.Second)
	require.Equal(t, 3, f.ep.CountMethod("pingChat"))
	f.clock.Advance(time.Second)
	require.Equal(t, 4, f.ep.CountMethod("pingChat"))
}

func TestPingInFlightDoesNotOutliveFinish(t *testing.T) {
	tests := []struct {
		name  string
		setup func(f *fixture)
		end   func(c *visitor.Client) *rpc.Result
		want  domain.ChatState
	}{
		{
			name:  "finish with post chat",
			setup: func(f *fixture) { f.handlers["finishChat"] = reply(map[string]any{"PostChat": true}) },
			end:   func(c *visitor.Client) *rpc.Result { return c.FinishChat(false) },
			want:  domain.StatePostChat,
		},
		{
			name:  "unavailable form",
			setup: func(f *fixture) { f.handlers["getUnavailableForm"] = reply(map[string]any{}) },
			end:   func(c *visitor.Client) *rpc.Result { return c.GetUnavailableForm() },
			want:  domain.StateUnavailable,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, answer := range []string{"success", "failure"} {
				f := newFixture(t)
				f.start(nil)
				tt.setup(f)

				// No pingChat handler: the first ping stays unanswered.
				f.clock.Advance(30 * time.Second)
				ping, ok := f.ep.LastRequest("pingChat")
				require.True(t, ok)

				require.NoError(t, tt.end(f.c).Err())
				require.Equal(t, tt.want, f.c.State())

				if answer == "success" {
					f.ep.Reply(testOrigin, ping.ID, map[string]any{})
				} else {
					f.ep.Fail(testOrigin, ping.ID, "late")
				}
				require.False(t, f.c.Pinging(), "late %s rescheduled the ping", answer)

				f.clock.Advance(5 * time.Minute)
				if n := f.ep.CountMethod("pingChat"); n != 1 {
					t.Fatalf("late %s: %d pings sent, want 1", answer, n)
				}
			}
		})
	}
}

func TestPingLoopExitsWhenDone(t *testing.T) {
	f := newFixture(t)
	f.start(nil)
	f.c.SetState(domain.StateDone)

	f.clock.Advance(time.Minute)
	require.Zero(t, f.ep.CountMethod("pingChat"))
	require.False(t, f.c.Pinging())
}

func TestShutdownIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.start(nil)
	before := f.ep.CountMethod("disconnect")

	f.c.Shutdown()
	f.c.Shutdown()
	f.clock.Advance(time.Second)

	require.Equal(t, before+1, f.ep.CountMethod("disconnect"))
	require.Equal(t, 1, f.ep.Removed())
	require.Equal(t, domain.StateCreate, f.c.State())
	require.False(t, f.c.Pinging())
	require.Zero(t, f.host.Listeners())
	require.ErrorIs(t, f.c.GetChatAvailability("").Err(), transport.ErrDestroyed)

	f.clock.Advance(time.Hour)
	require.Zero(t, f.ep.CountMethod("pingChat"))
}

func TestDeleteSessionData(t *testing.T) {
	f := newFixture(t)
	f.start(nil)
	f.ep.Push(testOrigin, "addMessage", map[string]any{"MessageID": "m1", "Values": map[string]any{"Text": "hi"}})
	blob, err := f.repo.LoadSession(context.Background(), "1234")
	require.NoError(t, err)
	require.NotNil(t, blob)

	f.c.DeleteSessionData()
	blob, err = f.repo.LoadSession(context.Background(), "1234")
	require.NoError(t, err)
	require.Nil(t, blob)
	require.Empty(t, f.value(store.ScopeCookie, visitor.DefaultChatCookie))
}

func TestSendMessageEvents(t *testing.T) {
	f := newFixture(t)
	f.start(nil)
	ok := f.record(events.SendMessageSuccess)
	failed := f.record(events.SendMessageFailure)

	f.handlers["sendMessage"] = reply(map[string]any{})
	require.NoError(t, f.c.SendMessage("Ann", "hello", "msg-1").Err())
	p := f.params("sendMessage")
	require.Equal(t, "msg-1", p["ChatMessageID"])
	require.Equal(t, "hello", p["Message"])
	require.Equal(t, "Ann", p["Name"])
	require.Equal(t, true, p["stream"])
	require.Equal(t, "1234", p["ChatKey"])
	require.Len(t, *ok, 1)

	f.handlers["sendMessage"] = fail("rejected")
	require.Error(t, f.c.SendMessage("Ann", "again", "").Err())
	require.Len(t, *failed, 1)
	var payload struct {
		ChatMessageID string
		Message       string
	}
	require.NoError(t, json.Unmarshal((*failed)[0].Params, &payload))
	require.Equal(t, "again", payload.Message)
	require.NotEmpty(t, payload.ChatMessageID, "a message id is generated")
}

func TestEmailTranscript(t *testing.T) {
	f := newFixture(t)
	f.start(nil)
	f.handlers["emailChatHistory"] = reply(map[string]any{})

	require.NoError(t, f.c.SetEmailTranscript("a@b.c").Err())
	p := f.params("emailChatHistory")
	require.Equal(t, "a@b.c", p["EmailAddress"])
	require.NotContains(t, p, "stream")

	require.NoError(t, f.c.EmailChatHistory("d@e.f").Err())
	require.Equal(t, true, f.params("emailChatHistory")["stream"])
}

func TestStartChatWithoutKeyFails(t *testing.T) {
	f := newFixture(t, withValue(store.ScopeSession, visitor.DefaultChatRecoverCookie, "x"))
	requireInvalidState(t, f.c.StartChat())
	require.Zero(t, f.ep.CountMethod("startChat"))
}

func seedChat(f *fixture) {
	st := store.OpenSessionStorage(f.repo, "k1", true, discardLogger())
	st.AddMessage("m1", domain.Message{PersonID: "op1", PersonType: domain.PersonOperator, Text: "hi"})
	st.AddMessage("m2", domain.Message{PersonID: "v1", PersonType: domain.PersonVisitor, Text: "hello"})
	st.SetQueueIndicator(domain.QueueIndicator{Position: 3, UnavailableFormEnabled: true})
	st.SetBrandings(json.RawMessage(`{"title":"Chat"}`))
	id := domain.ID("aa1")
	op := domain.OperationCoBrowseActive
	st.UpdateClientData(domain.ClientUpdate{ActiveAssistID: &id, OperationState: &op})
	require.NoError(f.t, f.repo.SetValue(context.Background(), store.ScopeCookie, visitor.DefaultChatCookie, "k1", 0))
}

func TestStartChatResumesFromStorage(t *testing.T) {
	f := newFixture(t, func(f *fixture) { seedChat(f) })
	require.True(t, f.c.IsResumingChat())
	require.Equal(t, domain.StateStarted, f.c.State())

	added := f.record(events.AddMessage)
	busy := f.record(events.UpdateBusy)
	resumed := f.record(events.ResumeActiveAssist)
	f.handlers["startChat"] = reply(map[string]any{"ChatKey": "k1", "ClientID": "c9"})

	require.NoError(t, f.c.StartChat().Err())

	require.Len(t, *added, 2)
	var first struct {
		MessageID string
		Values    domain.Message
	}
	require.NoError(t, json.Unmarshal((*added)[0].Params, &first))
	require.Equal(t, "m1", first.MessageID)
	require.True(t, first.Values.IsReconstitutedMsg)
	require.True(t, f.c.ChatContainsStatusMessage())

	require.Len(t, *busy, 1)
	require.JSONEq(t, `{"Position":3,"UnavailableFormEnabled":true}`, string((*busy)[0].Params))

	p := f.params("startChat")
	require.Equal(t, "m2", p["LastChatMessageID"])
	require.Equal(t, "k1", p["ChatKey"])
	require.NotContains(t, p, "IncludeBrandingValues")
	require.Equal(t, domain.ID("c9"), f.c.ClientID())
	require.Equal(t, 1, f.ep.CountMethod("connect"))
	require.True(t, f.c.Pinging())

	require.Empty(t, *resumed)
	f.clock.Advance(time.Millisecond)
	require.Len(t, *resumed, 1)
	require.Equal(t, domain.ID("aa1"), f.c.ActiveAssistID())
}

func TestStartChatFailureErasesChatKey(t *testing.T) {
	f := newFixture(t, withValue(store.ScopeCookie, visitor.DefaultChatCookie, "k1"))
	f.handlers["startChat"] = fail("unknown chat")

	require.Error(t, f.c.StartChat().Err())
	require.Empty(t, f.value(store.ScopeCookie, visitor.DefaultChatCookie))
	require.Equal(t, true, f.params("startChat")["IncludeBrandingValues"])
}

func TestPushHandlers(t *testing.T) {
	f := newFixture(t)
	f.start(nil)
	added := f.record(events.AddMessage)

	f.ep.Push(testOrigin, "updateChat", map[string]any{"Values": map[string]any{"Answered": true}})
	f.ep.Push(testOrigin, "updateChat", map[string]any{"Values": map[string]any{"OperatorID": 5}})
	require.JSONEq(t, "true", string(f.c.Chat()["Answered"]))
	require.JSONEq(t, "5", string(f.c.Chat()["OperatorID"]))

	f.ep.Push(testOrigin, "addMessage", map[string]any{
		"MessageID": "m1",
		"PersonID":  "op1",
		"Values":    map[string]any{"PersonType": "operator", "Name": "Olivia", "ImageURL": "https://img", "Text": "hi"},
	})
	require.Len(t, *added, 1)
	require.True(t, f.c.ChatContainsStatusMessage())
	require.Equal(t, domain.ID("m1"), f.c.LastMessageID())
	require.Equal(t, "hi", f.c.Messages()[0].Text)
	require.Equal(t, domain.Person{PersonID: "op1", Name: "Olivia", Avatar: "https://img"}, f.c.Person("op1"))

	f.ep.Push(testOrigin, "updateTyper", map[string]any{"PersonID": "op1", "Values": map[string]any{"Name": "Liv"}})
	require.Equal(t, "Liv", f.c.Person("op1").Name)
	require.Equal(t, "https://img", f.c.Person("op1").Avatar)

	f.ep.Push(testOrigin, "updateBusy", map[string]any{"Position": 2})
	blob, err := f.repo.LoadSession(context.Background(), "1234")
	require.NoError(t, err)
	require.Equal(t, 2, blob.QueueIndicator.Position)
	require.Equal(t, "Liv", blob.People["op1"].Name)
}

func TestActiveAssistFlow(t *testing.T) {
	f := newFixture(t)
	f.start(nil)
	begun := f.record(events.BeginActiveAssist)
	f.handlers["acceptActiveAssist"] = reply(map[string]any{})

	f.ep.Push(testOrigin, "beginActiveAssist", map[string]any{"ActiveAssistID": 77})
	require.Len(t, *begun, 1)
	require.Equal(t, domain.ID("77"), f.c.ActiveAssistID())
	require.Equal(t, domain.OperationCoBrowsePrompt, f.c.ClientData().OperationState)

	require.NoError(t, f.c.AcceptActiveAssist().Err())
	p := f.params("acceptActiveAssist")
	require.Equal(t, "77", p["ActiveAssistID"])
	require.Equal(t, "62442", p["ClientID"])
	require.Equal(t, true, p["stream"])
	require.Equal(t, domain.OperationCoBrowseActive, f.c.ClientData().OperationState)

	f.ep.Push(testOrigin, "updateActiveAssist", map[string]any{"Values": map[string]any{"Ended": true}})
	require.Empty(t, f.c.ActiveAssistID())
	require.Equal(t, domain.OperationNone, f.c.ClientData().OperationState)
	requireInvalidState(t, f.c.AcceptActiveAssist())

	f.ep.Push(testOrigin, "beginActiveAssist", map[string]any{"ActiveAssistID": "78"})
	f.c.DeclineActiveAssist()
	require.Equal(t, "78", f.params("declineActiveAssist")["ActiveAssistID"])
	require.Empty(t, f.c.ActiveAssistID())
}

func TestOperatorPushes(t *testing.T) {
	f := newFixture(t)
	f.start(nil)
	endedByOp := f.record(events.ChatEndedByOp)
	reconnecting := f.record(events.Reconnecting)
	heartbeat := f.record(events.Heartbeat)
	f.handlers["startChat"] = reply(chatResponse(nil))

	f.ep.Push(testOrigin, "startChat", map[string]any{})
	require.Equal(t, 1, f.ep.CountMethod("startChat"))

	f.ep.Push(testOrigin, "finishChat", map[string]any{})
	require.Len(t, *endedByOp, 1)

	f.ep.Push(testOrigin, "reconnecting", map[string]any{})
	require.Len(t, *reconnecting, 1, "reconnecting is emitted once")
	f.ep.Push(testOrigin, "heartbeat", map[string]any{})
	require.Len(t, *heartbeat, 1)

	f.handlers["finishChat"] = reply(map[string]any{})
	require.NoError(t, f.c.FinishChat(true).Err())
	f.ep.Push(testOrigin, "finishChat", map[string]any{})
	f.ep.Push(testOrigin, "startChat", map[string]any{})
	require.Len(t, *endedByOp, 1, "pushes after finishing are ignored")
	require.Equal(t, 1, f.ep.CountMethod("startChat"))
}

type fakeBrowser struct {
	href   string
	opened string
}

func (b *fakeBrowser) Navigate(url string) error { b.href = url; return nil }

func (b *fakeBrowser) Open(url, _ string, _ remotecontrol.PopupFeatures) error {
	b.opened = url
	return nil
}

func remoteControlPush(t *testing.T, mobile bool) string {
	t.Helper()
	data, err := json.Marshal(map[string]any{
		"command":           "started",
		"activationBaseUrl": "https://vendor.example/",
		"vendorPin":         "pin",
		"vendorUrl":         "https://vendor.example/page",
		"rcHistoryId":       55,
		"osSupport":         map[string]any{"windows": true, "mac": true, "mobile": mobile},
	})
	require.NoError(t, err)
	return string(data)
}

func TestRemoteControlDeclinedOnUnsupportedOS(t *testing.T) {
	f := newFixture(t, withOptions(func(o *visitor.Options) { o.UserAgent = "Mozilla/5.0 (iPhone; CPU iPhone OS 16_0)" }))
	f.start(nil)
	begun := f.record(events.BeginRemoteControl)
	messages := f.record(events.RemoteControlMessage)

	f.ep.Push(testOrigin, "remoteControlMessage", remoteControlPush(t, false))

	require.Empty(t, *begun)
	require.Len(t, *messages, 1)
	p := f.params("declineRemoteControlSessionForUnsupportedOs")
	require.Equal(t, "55", p["RCHistoryID"])
	require.Equal(t, "62442", p["ClientID"])
	require.Equal(t, true, p["stream"])
	require.Nil(t, f.c.RemoteControlData())
}

func TestRemoteControlVendorAccept(t *testing.T) {
	browser := &fakeBrowser{}
	f := newFixture(t, withOptions(func(o *visitor.Options) {
		o.UserAgent = "Mozilla/5.0 (iPhone; CPU iPhone OS 16_0)"
		o.Browser = browser
	}))
	f.start(nil)
	begun := f.record(events.BeginRemoteControl)
	f.handlers["acceptRemoteControlSession"] = reply(map[string]any{})

	f.ep.Push(testOrigin, "remoteControlMessage", remoteControlPush(t, true))
	require.Len(t, *begun, 1)
	require.Equal(t, domain.OperationRemoteControlPrompt, f.c.ClientData().OperationState)
	require.Zero(t, f.ep.CountMethod("declineRemoteControlSessionForUnsupportedOs"))

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	_, err := f.c.AcceptRemoteControl().Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, "https://vendor.example/page", browser.opened)
	require.Equal(t, "55", f.params("acceptRemoteControlSession")["RCHistoryID"])

	f.ep.Push(testOrigin, "remoteControlMessage", map[string]any{"command": "ended"})
	require.Nil(t, f.c.RemoteControlData())
	require.Equal(t, domain.OperationNone, f.c.ClientData().OperationState)
}

func TestRemoteControlLegacyAccept(t *testing.T) {
	browser := &fakeBrowser{}
	f := newFixture(t, withOptions(func(o *visitor.Options) {
		o.Browser = browser
		o.PageURL = "https://site.example/page?a=1 b"
	}))
	f.start(nil)

	requireInvalidState(t, f.c.AcceptRemoteControl())

	f.ep.Push(testOrigin, "remoteControlMessage", map[string]any{
		"command":   "started",
		"appletUrl": "https://applet.example/start?back=${REBOOT_URL}",
	})
	require.NoError(t, f.c.AcceptRemoteControl().Err())
	require.Equal(t, "https://applet.example/start?back=https%3A%2F%2Fsite.example%2Fpage%3Fa%3D1%20b", browser.href)

	require.NoError(t, f.c.DeclineRemoteControl().Err())
	require.Nil(t, f.c.RemoteControlData())
	require.Zero(t, f.ep.CountMethod("declineRemoteControlSession"))
}

func TestVideoCall(t *testing.T) {
	f := newFixture(t)
	requireInvalidState(t, f.c.AcceptVideoCall())
	f.start(nil)
	started := f.record(events.VideoSessionStarted)
	f.handlers["getVendorVideoSessionVisitorUrl"] = reply(map[string]any{"Url": "https://video.example/room"})
	f.handlers["acceptVideoSession"] = reply(map[string]any{})
	f.handlers["declineVideoSession"] = reply(map[string]any{})
	f.handlers["markChatAsVideoSupported"] = reply(map[string]any{})

	require.NoError(t, f.c.AcceptVideoCall().Err())
	require.Len(t, *started, 1)
	var s visitor.VideoSession
	require.NoError(t, json.Unmarshal((*started)[0].Params, &s))
	require.Equal(t, "https://video.example/room", s.URL)

	methods := f.ep.Methods()
	require.Equal(t, []string{"getVendorVideoSessionVisitorUrl", "acceptVideoSession"}, methods[len(methods)-2:])

	require.NoError(t, f.c.DeclineVideoCall().Err())
	require.NoError(t, f.c.MarkChatAsVideoSupported().Err())
	require.NotContains(t, f.params("markChatAsVideoSupported"), "stream")
}

func TestVideoCallWithoutURLFails(t *testing.T) {
	f := newFixture(t)
	f.start(nil)
	f.handlers["getVendorVideoSessionVisitorUrl"] = reply(map[string]any{})
	err := f.c.AcceptVideoCall().Err()
	require.Error(t, err)
	require.False(t, errors.Is(err, visitor.ErrInvalidState))
	require.Zero(t, f.ep.CountMethod("acceptVideoSession"))
}
