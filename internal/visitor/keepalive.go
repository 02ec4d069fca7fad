package visitor

import (
	"encoding/json"
	"time"

	"github.com/ashureev/visitor-chat/internal/domain"
	"github.com/ashureev/visitor-chat/internal/transport"
)

const (
	pingInterval      = 30 * time.Second
	pingRetryInterval = 5 * time.Second
	// maxPingFailures consecutive failures end the loop without changing
	// the chat state; the backend decides whether the chat is over.
	maxPingFailures = 50
)

func (c *Client) schedulePing(d time.Duration) {
	if c.closed {
		return
	}
	if c.ping != nil {
		c.ping.Stop()
	}
	c.pingGen++
	c.ping = c.sched.After(d, c.pingLoop)
}

func (c *Client) stopPing() {
	c.pingGen++
	if c.ping != nil {
		c.ping.Stop()
		c.ping = nil
	}
}

// PingFailures returns the number of consecutive failed pings.
func (c *Client) PingFailures() int { return c.pingFailures }

// Pinging reports whether a keep-alive tick is scheduled.
func (c *Client) Pinging() bool { return c.ping != nil }

func (c *Client) pingLoop() {
	c.ping = nil
	if c.closed || c.state == domain.StateCreate || c.state == domain.StateDone {
		c.logger.Debug("Exiting ping loop", "state", c.state)
		return
	}
	gen := c.pingGen
	c.call("pingChat", map[string]any{"Closed": false}, transport.SkipRetry()).
		OnSuccess(func(json.RawMessage) {
			if gen != c.pingGen {
				return
			}
			c.pingFailures = 0
			c.schedulePing(pingInterval)
		}).
		OnFailure(func(error) {
			if gen != c.pingGen {
				return
			}
			c.pingFailures++
			if c.pingFailures < maxPingFailures {
				c.schedulePing(pingRetryInterval)
				return
			}
			c.logger.Warn("Ping loop stopped", "failures", c.pingFailures)
		})
}
