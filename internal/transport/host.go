package transport

// FrameClass is the class name under which the transport's endpoint is
// registered with a Host, so a second client on the same page can adopt it.
const FrameClass = "bc-api-frame"

// MessageEvent is an inbound message delivered by a Host.
type MessageEvent struct {
	// Origin is the origin the message claims to come from.
	Origin string
	// Source is the ID of the endpoint that produced the message.
	Source string
	Data   []byte
}

// Endpoint is one end of the cross-context channel.
type Endpoint interface {
	ID() string
	// Navigate points the endpoint at url, (re)loading the remote side.
	Navigate(url string) error
	PostMessage(data []byte, targetOrigin string) error
	Remove() error
}

// Host owns endpoints and delivers inbound messages for all of them. More
// than one transport can listen on the same host, so listeners must filter
// by origin and source.
type Host interface {
	CreateEndpoint(class string) (Endpoint, error)
	// FindEndpoint returns an existing endpoint registered under class, or
	// nil.
	FindEndpoint(class string) Endpoint
	// Listen registers fn for every inbound message. The returned func
	// detaches it.
	Listen(fn func(MessageEvent)) (cancel func())
}
