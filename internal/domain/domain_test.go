package domain

import (
	"encoding/json"
	"testing"
)

func TestChatResponseNextState(t *testing.T) {
	tests := []struct {
		name string
		body string
		want ChatState
	}{
		{"unavailable wins", `{"UnavailableReason":"closed","PreChat":{"a":1}}`, StateUnavailable},
		{"prechat", `{"PreChat":{"field":"random"}}`, StatePreChat},
		{"null prechat starts", `{"PreChat":null,"ChatKey":"k"}`, StateStarted},
		{"plain", `{"ChatKey":"k"}`, StateStarted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var r ChatResponse
			if err := json.Unmarshal([]byte(tt.body), &r); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if got := r.NextState(); got != tt.want {
				t.Errorf("NextState() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestPostChatFlag(t *testing.T) {
	var on, off ChatResponse
	_ = json.Unmarshal([]byte(`{"PostChat":true}`), &on)
	_ = json.Unmarshal([]byte(`{"PostChat":false}`), &off)
	if !on.HasPostChat() || off.HasPostChat() {
		t.Fatalf("HasPostChat: on=%v off=%v", on.HasPostChat(), off.HasPostChat())
	}
}

func TestSessionBlobAddMessage(t *testing.T) {
	b := NewSessionBlob("k")
	b.AddMessage(Message{MessageID: "1", Text: "abc 123"})
	b.AddMessage(Message{MessageID: "2", Text: "second"})
	b.AddMessage(Message{MessageID: "1", Text: "abc xyz"})

	if len(b.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(b.Messages))
	}
	if b.Messages[0].Text != "abc xyz" {
		t.Errorf("message not overwritten: %q", b.Messages[0].Text)
	}
	if b.LastMessageID != "2" {
		t.Errorf("LastMessageID = %q", b.LastMessageID)
	}
}

func TestClientDataApply(t *testing.T) {
	d := ClientData{ClientID: "c", ActiveAssistID: "aa"}
	state := OperationCoBrowseActive
	d.Apply(ClientUpdate{OperationState: &state})
	if d.ActiveAssistID != "aa" || d.OperationState != OperationCoBrowseActive {
		t.Fatalf("unexpected %+v", d)
	}

	var empty ID
	none := OperationNone
	var noRC *RemoteControlData
	d.RemoteControl = &RemoteControlData{Command: "started"}
	d.Apply(ClientUpdate{ActiveAssistID: &empty, OperationState: &none, RemoteControl: &noRC})
	if d.ActiveAssistID != "" || d.OperationState != OperationNone || d.RemoteControl != nil {
		t.Fatalf("not cleared: %+v", d)
	}
	if d.ClientID != "c" {
		t.Fatal("unrelated fields must survive")
	}
}

func TestIDAcceptsNumbers(t *testing.T) {
	var d ClientData
	if err := json.Unmarshal([]byte(`{"ChatKey":1234,"ChatID":"9876","ClientID":null}`), &d); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if d.ChatKey != "1234" || d.ChatID != "9876" || d.ClientID != "" {
		t.Fatalf("unexpected %+v", d)
	}
}
