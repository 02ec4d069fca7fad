package session

import (
	"encoding/json"

	"github.com/ashureev/visitor-chat/internal/domain"
)

// Localization keys passed to the view with forms and status messages.
const (
	KeyPreChatIntro      = "api#prechat#intro"
	KeyPreChatStart      = "api#prechat#start"
	KeyUnavailableIntro  = "api#unavailable#intro"
	KeyUnavailableSend   = "api#unavailable#send"
	KeyPostChatIntro     = "api#postchat#intro"
	KeyPostChatSend      = "api#postchat#send"
	KeyChatEnded         = "api#chat#ended"
	KeyOperatorEnded     = "api#chat#operator_ended"
	KeyActiveAssist      = "api#activeassist#prompt"
	KeyRemoteControl     = "api#remotecontrol#prompt"
	KeyAssistEnded       = "api#activeassist#ended"
	KeyVideoCall         = "api#video#started"
	KeyGenericError      = "api#generic#error"
	KeyConnectionLost    = "api#connection#lost"
	KeyConnectionRestore = "api#connection#restored"
)

// Form is a form the view renders. Submit receives the values the visitor
// entered, keyed by field name.
type Form struct {
	IntroKey   string
	Definition json.RawMessage
	InvalidKey string
	SubmitKey  string
	Submit     func(values map[string]any)
}

// Prompt is a yes/no question put to the visitor.
type Prompt struct {
	Key    string
	Answer func(accepted bool)
}

// ViewManager renders the chat. Every method is called on the scheduler
// goroutine.
type ViewManager interface {
	Initialize(s *Session)

	ShowBusy()
	HideBusy()

	ShowForm(f Form)
	HideForm()
	ShowChatForm()
	HideChatInteraction()

	ShowStatusMessage(key string)
	HideStatusMessage()
	ShowError(message string)
	ShowPrompt(p Prompt)
	HidePrompt()

	ShowOrUpdateQueueMessage(position int, cancelEnabled bool)
	HideQueueMessage()

	AddOrUpdateMessage(m domain.Message)
	MessageDelivered(messageID string, delivered bool)
	SetOperatorTyping(p domain.Person)
	HideOperatorTyping(personID domain.ID)

	SetConnectionState(state ConnectionState)
	CloseChat()
}
