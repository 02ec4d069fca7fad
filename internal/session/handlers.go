package session

import (
	"encoding/json"

	"github.com/ashureev/visitor-chat/internal/domain"
	"github.com/ashureev/visitor-chat/internal/events"
)

type messagePush struct {
	MessageID domain.ID      `json:"MessageID"`
	PersonID  domain.ID      `json:"PersonID"`
	Values    domain.Message `json:"Values"`
}

type typerPush struct {
	PersonID domain.ID `json:"PersonID"`
	Values   struct {
		IsTyping bool   `json:"IsTyping"`
		Name     string `json:"Name"`
		ImageURL string `json:"ImageURL"`
	} `json:"Values"`
}

type deliveryReport struct {
	ChatMessageID string `json:"ChatMessageID"`
}

func (s *Session) onEvent(ev events.Event) {
	if s.destroyed {
		return
	}
	switch ev.Kind {
	case events.Heartbeat, events.Reconnected:
		s.markAlive()
	case events.Reconnecting:
		s.setConnection(Reconnecting)
	case events.UpdateChat:
		s.onUpdateChat(ev.Params)
	case events.UpdateTyper:
		s.onUpdateTyper(ev.Params)
	case events.AddMessage, events.AutoMessage:
		s.onMessage(ev.Params)
	case events.UpdateBusy:
		var q domain.QueueIndicator
		if err := json.Unmarshal(ev.Params, &q); err == nil {
			s.view.ShowOrUpdateQueueMessage(q.Position, q.UnavailableFormEnabled)
		}
	case events.BeginActiveAssist:
		s.view.ShowPrompt(Prompt{Key: KeyActiveAssist, Answer: s.answerActiveAssist})
	case events.ResumeActiveAssist:
		s.logger.Info("Resuming active assist", "active_assist_id", s.client.ActiveAssistID())
	case events.UpdateActiveAssist:
		var p struct {
			Values struct {
				Ended bool `json:"Ended"`
			} `json:"Values"`
		}
		if err := json.Unmarshal(ev.Params, &p); err == nil && p.Values.Ended {
			s.assistEnded()
		}
	case events.BeginRemoteControl:
		s.view.ShowPrompt(Prompt{Key: KeyRemoteControl, Answer: s.answerRemoteControl})
	case events.RemoteControlMessage:
		var d domain.RemoteControlData
		if err := json.Unmarshal(ev.Params, &d); err == nil && d.Command == "ended" {
			s.assistEnded()
		}
	case events.SendMessageSuccess, events.SendMessageFailure:
		var r deliveryReport
		if err := json.Unmarshal(ev.Params, &r); err == nil {
			s.view.MessageDelivered(r.ChatMessageID, ev.Kind == events.SendMessageSuccess)
		}
	case events.VideoSessionStarted:
		s.view.ShowStatusMessage(KeyVideoCall)
	case events.ChatEndedByOp:
		s.view.ShowStatusMessage(KeyOperatorEnded)
		s.EndChat()
	case events.ChatEnded:
		s.stopHeartbeat()
	case events.Closed:
		s.view.HideChatInteraction()
	}
}

func (s *Session) onUpdateChat(params json.RawMessage) {
	var p struct {
		Values struct {
			Answered json.RawMessage `json:"Answered"`
		} `json:"Values"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return
	}
	if len(p.Values.Answered) > 0 && string(p.Values.Answered) != "null" {
		s.view.HideQueueMessage()
		s.setState(ChatActive)
	}
}

func (s *Session) onUpdateTyper(params json.RawMessage) {
	var p typerPush
	if err := json.Unmarshal(params, &p); err != nil || p.PersonID == "" {
		return
	}
	if !p.Values.IsTyping {
		s.view.HideOperatorTyping(p.PersonID)
		return
	}
	person := s.client.Person(p.PersonID)
	if p.Values.Name != "" {
		person.Name = p.Values.Name
	}
	if p.Values.ImageURL != "" {
		person.Avatar = p.Values.ImageURL
	}
	s.view.SetOperatorTyping(person)
}

func (s *Session) onMessage(params json.RawMessage) {
	var p messagePush
	if err := json.Unmarshal(params, &p); err != nil {
		s.logger.Warn("Ignoring malformed message event", "error", err)
		return
	}
	m := p.Values
	if m.MessageID == "" {
		m.MessageID = p.MessageID
	}
	if m.PersonID == "" {
		m.PersonID = p.PersonID
	}
	if m.PersonType == domain.PersonOperator {
		if m.Name != "" {
			s.operatorName = m.Name
		}
		s.view.HideOperatorTyping(m.PersonID)
	}
	s.view.AddOrUpdateMessage(m)
}

// assistEnded withdraws an unanswered co-browse or remote-control prompt
// once the operator side ends it.
func (s *Session) assistEnded() {
	s.view.HidePrompt()
	s.view.ShowStatusMessage(KeyAssistEnded)
}

func (s *Session) answerActiveAssist(accepted bool) {
	if accepted {
		s.client.AcceptActiveAssist()
		return
	}
	s.client.DeclineActiveAssist()
}

func (s *Session) answerRemoteControl(accepted bool) {
	if accepted {
		s.client.AcceptRemoteControl()
		return
	}
	s.client.DeclineRemoteControl()
}
