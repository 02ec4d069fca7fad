package visitor

import (
	"encoding/json"
	"fmt"

	"github.com/ashureev/visitor-chat/internal/domain"
	"github.com/ashureev/visitor-chat/internal/events"
	"github.com/ashureev/visitor-chat/internal/rpc"
)

// VideoSession is the payload of the videoSessionStarted event.
type VideoSession struct {
	URL string `json:"Url"`
}

// AcceptVideoCall fetches the vendor video URL, announces it with
// videoSessionStarted and then accepts the call.
func (c *Client) AcceptVideoCall() *rpc.Result {
	if c.state != domain.StateStarted {
		return invalid("you cannot accept a video call unless the chat is started")
	}
	return c.callStream("getVendorVideoSessionVisitorUrl", map[string]any{"ClientID": idParam(c.clientID)}).
		Then(func(payload json.RawMessage) *rpc.Result {
			s, err := rpc.Decode[VideoSession](payload)
			if err != nil {
				return rpc.Failed(fmt.Errorf("video session url: %w", err))
			}
			if s.URL == "" {
				return rpc.Failed(fmt.Errorf("video session url: empty"))
			}
			c.emitter.EmitValue(events.VideoSessionStarted, s)
			return c.callStream("acceptVideoSession", map[string]any{"ClientID": idParam(c.clientID)})
		})
}

// DeclineVideoCall declines the operator's video call.
func (c *Client) DeclineVideoCall() *rpc.Result {
	if c.state != domain.StateStarted {
		return invalid("you cannot decline a video call unless the chat is started")
	}
	return c.callStream("declineVideoSession", map[string]any{"ClientID": idParam(c.clientID)})
}

// MarkChatAsVideoSupported tells the backend this client can show video.
func (c *Client) MarkChatAsVideoSupported() *rpc.Result {
	if c.chatKey == "" {
		return invalid("the chat has not been created")
	}
	return c.call("markChatAsVideoSupported", map[string]any{"ClientID": idParam(c.clientID)})
}
