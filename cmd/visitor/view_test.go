package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ashureev/visitor-chat/internal/domain"
	"github.com/ashureev/visitor-chat/internal/session"
)

func TestFormFilling(t *testing.T) {
	var out bytes.Buffer
	v := newTerminalView(&out)

	var submitted map[string]any
	v.ShowForm(session.Form{
		IntroKey:   session.KeyPreChatIntro,
		Definition: json.RawMessage(`{"Fields":[{"Key":"first_name","Label":"Name","IsRequired":true},{"Key":"email","Label":"Email"}]}`),
		Submit:     func(values map[string]any) { submitted = values },
	})
	require.Contains(t, out.String(), "Name (required):")

	v.HandleLine("")
	require.Contains(t, out.String(), "first_name is required")
	require.Nil(t, submitted)

	v.HandleLine("Sam")
	require.Contains(t, out.String(), "Email:")
	v.HandleLine("")

	require.Equal(t, map[string]any{"first_name": "Sam"}, submitted)
	require.Nil(t, v.form)
}

func TestFormWithoutFieldsSubmitsImmediately(t *testing.T) {
	v := newTerminalView(&bytes.Buffer{})
	called := false
	v.ShowForm(session.Form{IntroKey: session.KeyPostChatIntro, Submit: func(map[string]any) { called = true }})
	require.True(t, called)
}

func TestPromptAnswers(t *testing.T) {
	for _, tt := range []struct {
		line string
		want bool
	}{
		{"y", true},
		{"YES", true},
		{"n", false},
		{"", false},
	} {
		v := newTerminalView(&bytes.Buffer{})
		var got *bool
		v.ShowPrompt(session.Prompt{Key: session.KeyActiveAssist, Answer: func(ok bool) { got = &ok }})
		v.HandleLine(tt.line)
		if got == nil || *got != tt.want {
			t.Fatalf("answer to %q = %v, want %v", tt.line, got, tt.want)
		}
		require.Nil(t, v.prompt)
	}
}

func TestWithdrawnPromptDoesNotSwallowInput(t *testing.T) {
	v := newTerminalView(&bytes.Buffer{})
	answered := false
	v.ShowPrompt(session.Prompt{Key: session.KeyActiveAssist, Answer: func(bool) { answered = true }})
	v.HidePrompt()
	v.HandleLine("/help")
	require.False(t, answered)
}

func TestChatEndedClosesView(t *testing.T) {
	var out bytes.Buffer
	v := newTerminalView(&out)
	v.ShowStatusMessage(session.KeyOperatorEnded)
	select {
	case <-v.Done():
		t.Fatal("view closed before the chat ended")
	default:
	}

	v.ShowStatusMessage(session.KeyChatEnded)
	<-v.Done()
	v.CloseChat()
	require.True(t, strings.Contains(out.String(), "The operator ended the chat."))
}

func TestMessagesAndQuit(t *testing.T) {
	var out bytes.Buffer
	v := newTerminalView(&out)
	v.AddOrUpdateMessage(domain.Message{PersonType: domain.PersonOperator, Name: "Dana", Text: "Hi"})
	v.AddOrUpdateMessage(domain.Message{PersonType: domain.PersonOperator, Name: "Dana", Text: "Earlier", IsReconstitutedMsg: true})
	v.ShowOrUpdateQueueMessage(2, true)

	require.Contains(t, out.String(), "Dana: Hi\n")
	require.Contains(t, out.String(), "  Dana: Earlier\n")
	require.Contains(t, out.String(), "number 2 in line")

	v.HandleLine("/help")
	require.Contains(t, out.String(), "/email ADDRESS")

	v.HandleLine("/quit")
	<-v.Done()
}
