// Package domain contains core domain types for the visitor chat client.
package domain

import (
	"encoding/json"
	"fmt"
)

// ChatState is the visitor-side state of a chat.
type ChatState string

// Chat states.
const (
	StateCreate               ChatState = "create"
	StatePreChat              ChatState = "prechat"
	StateStarted              ChatState = "started"
	StatePostChat             ChatState = "postchat"
	StateUnavailable          ChatState = "unavailable"
	StateUnavailableSubmitted ChatState = "unavailable_submitted"
	StateDone                 ChatState = "done"
)

// Valid reports whether s is a known state.
func (s ChatState) Valid() bool {
	switch s {
	case StateCreate, StatePreChat, StateStarted, StatePostChat,
		StateUnavailable, StateUnavailableSubmitted, StateDone:
		return true
	}
	return false
}

// ParseChatState converts a stored value into a ChatState.
func ParseChatState(v string) (ChatState, error) {
	s := ChatState(v)
	if !s.Valid() {
		return "", fmt.Errorf("unknown chat state %q", v)
	}
	return s, nil
}

// OperationState tracks a pending or active assist/remote-control flow.
type OperationState int

// Operation states. The numeric values are persisted.
const (
	OperationNone                OperationState = 0
	OperationCoBrowsePrompt      OperationState = 1
	OperationCoBrowseActive      OperationState = 2
	OperationRemoteControlPrompt OperationState = 3
)

func (o OperationState) String() string {
	switch o {
	case OperationCoBrowsePrompt:
		return "coBrowsePrompt"
	case OperationCoBrowseActive:
		return "coBrowseActive"
	case OperationRemoteControlPrompt:
		return "remoteControlPrompt"
	default:
		return "none"
	}
}

// PersonType identifies the author of a message.
type PersonType string

// Person types.
const (
	PersonOperator PersonType = "operator"
	PersonVisitor  PersonType = "visitor"
	PersonSystem   PersonType = "system"
)

// Message is a single chat message as stored in the session blob.
type Message struct {
	MessageID          ID         `json:"MessageID"`
	PersonID           ID         `json:"PersonID,omitempty"`
	PersonType         PersonType `json:"PersonType,omitempty"`
	Name               string     `json:"Name,omitempty"`
	Text               string     `json:"Text,omitempty"`
	Created            string     `json:"Created,omitempty"`
	ImageURL           string     `json:"ImageURL,omitempty"`
	IsReconstitutedMsg bool       `json:"IsReconstitutedMsg,omitempty"`
}

// Person is an operator or visitor known to the chat.
type Person struct {
	PersonID ID     `json:"PersonID,omitempty"`
	Name     string `json:"Name,omitempty"`
	Avatar   string `json:"Avatar,omitempty"`
}

// QueueIndicator is the visitor's position while waiting for an operator.
type QueueIndicator struct {
	Position               int  `json:"Position"`
	UnavailableFormEnabled bool `json:"UnavailableFormEnabled"`
}

// ID is an identifier the backend may encode as a JSON string or number.
type ID string

// UnmarshalJSON accepts strings, numbers and null.
func (id *ID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("decode id: %w", err)
	}
	*id = ID(n.String())
	return nil
}

func (id ID) String() string { return string(id) }
