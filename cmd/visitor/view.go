package main

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ashureev/visitor-chat/internal/domain"
	"github.com/ashureev/visitor-chat/internal/session"
	"github.com/ashureev/visitor-chat/internal/upload"
)

var statusText = map[string]string{
	session.KeyPreChatIntro:      "Before we start, a few questions.",
	session.KeyUnavailableIntro:  "No operator is available. Leave a message and we will email you.",
	session.KeyPostChatIntro:     "Thanks for chatting. Tell us how it went.",
	session.KeyChatEnded:         "The chat has ended.",
	session.KeyOperatorEnded:     "The operator ended the chat.",
	session.KeyActiveAssist:      "The operator wants to co-browse this page. Allow? [y/n]",
	session.KeyRemoteControl:     "The operator requests remote control. Allow? [y/n]",
	session.KeyAssistEnded:       "The operator withdrew the request.",
	session.KeyVideoCall:         "Video call started.",
	session.KeyGenericError:      "Something went wrong.",
	session.KeyConnectionLost:    "Connection lost, reconnecting...",
	session.KeyConnectionRestore: "Connection restored.",
}

const helpText = `commands:
  /end            end the chat
  /cancel         stop waiting and leave a message instead
  /email ADDRESS  email the transcript when the chat ends
  /file PATH      send a file
  /video          accept a video call
  /min            toggle minimized
  /quit           leave without ending the chat`

func text(key string) string {
	if s, ok := statusText[key]; ok {
		return s
	}
	return key
}

type formField struct {
	Key      string `json:"Key"`
	Label    string `json:"Label"`
	Required bool   `json:"IsRequired"`
}

type pendingForm struct {
	form   session.Form
	fields []formField
	values map[string]any
	next   int
}

// terminalView renders the session as lines of text and turns input lines
// into session calls. Everything except Done runs on the event loop.
type terminalView struct {
	out  io.Writer
	sess *session.Session

	form   *pendingForm
	prompt *session.Prompt

	done     chan struct{}
	doneOnce sync.Once
}

func newTerminalView(out io.Writer) *terminalView {
	return &terminalView{out: out, done: make(chan struct{})}
}

// Done is closed when the visitor is finished with the chat.
func (v *terminalView) Done() <-chan struct{} { return v.done }

func (v *terminalView) quit() {
	v.doneOnce.Do(func() { close(v.done) })
}

func (v *terminalView) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(v.out, format+"\n", args...)
}

func (v *terminalView) Initialize(s *session.Session) {
	v.sess = s
	v.printf("Connecting... type /help for commands.")
}

func (v *terminalView) ShowBusy() { v.printf("...") }
func (v *terminalView) HideBusy() {}

func (v *terminalView) ShowForm(f session.Form) {
	var def struct {
		Fields []formField `json:"Fields"`
	}
	if len(f.Definition) > 0 {
		_ = json.Unmarshal(f.Definition, &def)
	}
	v.printf("%s", text(f.IntroKey))
	v.form = &pendingForm{form: f, fields: def.Fields, values: make(map[string]any)}
	v.askNext()
}

func (v *terminalView) HideForm() { v.form = nil }

func (v *terminalView) askNext() {
	pf := v.form
	if pf == nil {
		return
	}
	if pf.next >= len(pf.fields) {
		v.form = nil
		if pf.form.Submit != nil {
			pf.form.Submit(pf.values)
		}
		return
	}
	f := pf.fields[pf.next]
	label := f.Label
	if label == "" {
		label = f.Key
	}
	if f.Required {
		label += " (required)"
	}
	v.printf("%s:", label)
}

func (v *terminalView) ShowChatForm() { v.printf("You are connected. Say hello.") }

func (v *terminalView) HideChatInteraction() { v.prompt = nil }

func (v *terminalView) ShowStatusMessage(key string) {
	v.printf("* %s", text(key))
	if key == session.KeyChatEnded {
		v.quit()
	}
}

func (v *terminalView) HideStatusMessage() {}

func (v *terminalView) ShowError(message string) { v.printf("! %s", message) }

func (v *terminalView) ShowPrompt(p session.Prompt) {
	v.prompt = &p
	v.printf("? %s", text(p.Key))
}

func (v *terminalView) HidePrompt() { v.prompt = nil }

func (v *terminalView) ShowOrUpdateQueueMessage(position int, cancelEnabled bool) {
	if cancelEnabled {
		v.printf("* You are number %d in line. Type /cancel to leave a message instead.", position)
		return
	}
	v.printf("* You are number %d in line.", position)
}

func (v *terminalView) HideQueueMessage() {}

func (v *terminalView) AddOrUpdateMessage(m domain.Message) {
	if m.PersonType == domain.PersonVisitor && v.sess != nil && m.Name == v.sess.VisitorName() {
		return
	}
	name := m.Name
	if name == "" {
		name = string(m.PersonType)
	}
	if m.IsReconstitutedMsg {
		v.printf("  %s: %s", name, m.Text)
		return
	}
	v.printf("%s: %s", name, m.Text)
}

func (v *terminalView) MessageDelivered(messageID string, delivered bool) {
	if !delivered {
		v.printf("! message %s was not delivered", messageID)
	}
}

func (v *terminalView) SetOperatorTyping(p domain.Person) {
	v.printf("  %s is typing...", p.Name)
}

func (v *terminalView) HideOperatorTyping(domain.ID) {}

func (v *terminalView) SetConnectionState(state session.ConnectionState) {
	if state == session.Reconnecting {
		v.printf("* reconnecting...")
	}
}

func (v *terminalView) CloseChat() { v.quit() }

// HandleLine consumes one line of input: an answer to the open prompt, the
// next form field, a command, or a chat message.
func (v *terminalView) HandleLine(line string) {
	line = strings.TrimSpace(line)

	if p := v.prompt; p != nil {
		v.prompt = nil
		answer := strings.ToLower(line)
		p.Answer(answer == "y" || answer == "yes")
		return
	}

	if pf := v.form; pf != nil {
		if pf.next < len(pf.fields) {
			f := pf.fields[pf.next]
			if line == "" && f.Required {
				v.printf("%s is required:", f.Key)
				return
			}
			if line != "" {
				pf.values[f.Key] = line
			}
			pf.next++
		}
		v.askNext()
		return
	}

	if line == "" {
		return
	}
	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "/help":
		v.printf("%s", helpText)
	case "/quit":
		v.quit()
	case "/end":
		v.sess.EndChat()
	case "/cancel":
		v.sess.CancelQueueWait()
	case "/email":
		v.sess.SetEmailTranscript(arg).OnSuccess(func(json.RawMessage) {
			v.printf("* The transcript will be sent to %s.", arg)
		})
	case "/file":
		v.sendFile(arg)
	case "/video":
		v.sess.Client().AcceptVideoCall().OnFailure(func(err error) {
			v.printf("! %v", err)
		})
	case "/min":
		v.sess.ChangeMinimizedStatus()
		v.printf("* minimized: %t", v.sess.IsMinimized())
	default:
		v.sess.AddVisitorMessage(line)
	}
}

func (v *terminalView) sendFile(path string) {
	f, err := os.Open(path)
	if err != nil {
		v.printf("! %v", err)
		return
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		v.printf("! %v", err)
		return
	}
	file := upload.File{
		Name:        filepath.Base(path),
		Size:        info.Size(),
		ContentType: mime.TypeByExtension(filepath.Ext(path)),
		Content:     f,
	}
	v.sess.Client().SendFile(file, func(percent int) {
		v.printf("  uploading %s: %d%%", file.Name, percent)
	}).OnSuccess(func(json.RawMessage) {
		_ = f.Close()
		v.printf("* sent %s", file.Name)
	}).OnFailure(func(err error) {
		_ = f.Close()
		v.printf("! %v", err)
	})
}
