package visitor

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/ashureev/visitor-chat/internal/domain"
	"github.com/ashureev/visitor-chat/internal/rpc"
)

const rebootURLPlaceholder = "${REBOOT_URL}"

func (c *Client) updateAssist(id domain.ID, op domain.OperationState) {
	if st := c.sessionStorage(); st != nil {
		st.UpdateClientData(domain.ClientUpdate{ActiveAssistID: &id, OperationState: &op})
	}
}

func (c *Client) clearAssist() {
	c.activeAssistID = ""
	c.updateAssist("", domain.OperationNone)
}

func (c *Client) setRemoteControl(d *domain.RemoteControlData) {
	c.remoteControl = d
	op := domain.OperationRemoteControlPrompt
	if st := c.sessionStorage(); st != nil {
		st.UpdateClientData(domain.ClientUpdate{RemoteControl: &d, OperationState: &op})
	}
}

func (c *Client) clearRemoteControl() {
	c.remoteControl = nil
	var none *domain.RemoteControlData
	op := domain.OperationNone
	if st := c.sessionStorage(); st != nil {
		st.UpdateClientData(domain.ClientUpdate{RemoteControl: &none, OperationState: &op})
	}
}

// AcceptActiveAssist accepts the co-browse request the operator sent.
func (c *Client) AcceptActiveAssist() *rpc.Result {
	if c.activeAssistID == "" {
		return invalid("there is no active assist to accept")
	}
	op := domain.OperationCoBrowseActive
	if st := c.sessionStorage(); st != nil {
		st.UpdateClientData(domain.ClientUpdate{OperationState: &op})
	}
	return c.callStream("acceptActiveAssist", map[string]any{
		"ClientID":       idParam(c.clientID),
		"ActiveAssistID": c.activeAssistID,
	})
}

// DeclineActiveAssist declines the co-browse request.
func (c *Client) DeclineActiveAssist() *rpc.Result {
	return c.endAssist("declineActiveAssist")
}

// CancelActiveAssist ends an accepted co-browse session.
func (c *Client) CancelActiveAssist() *rpc.Result {
	return c.endAssist("cancelActiveAssist")
}

func (c *Client) endAssist(method string) *rpc.Result {
	id := c.activeAssistID
	c.clearAssist()
	return c.callStream(method, map[string]any{
		"ClientID":       idParam(c.clientID),
		"ActiveAssistID": idParam(id),
	})
}

// AcceptRemoteControl starts the pending remote-control session. Vendor
// sessions go through the vendor helper before the backend is told;
// legacy sessions navigate to the applet, which returns to the page.
func (c *Client) AcceptRemoteControl() *rpc.Result {
	d := c.remoteControl
	if d == nil {
		return invalid("there is no remote control session to accept")
	}

	if !d.IsVendorSession() {
		if d.AppletURL == "" {
			return rpc.Failed(fmt.Errorf("accept remote control: no applet url"))
		}
		back := strings.ReplaceAll(url.QueryEscape(c.opts.PageURL), "+", "%20")
		target := strings.ReplaceAll(d.AppletURL, rebootURLPlaceholder, back)
		if err := c.opts.Browser.Navigate(target); err != nil {
			return rpc.Failed(fmt.Errorf("accept remote control: %w", err))
		}
		return rpc.Succeeded(nil)
	}

	out := rpc.New()
	ctx := c.ctx
	data := *d
	go func() {
		err := c.vendor.Accept(ctx, &data)
		c.sched.Post(func() {
			if err != nil {
				c.logger.Warn("Vendor remote control failed", "error", err)
				out.Reject(fmt.Errorf("accept remote control: %w", err))
				return
			}
			if c.closed {
				out.Reject(fmt.Errorf("accept remote control: client shut down"))
				return
			}
			c.callStream("acceptRemoteControlSession", map[string]any{
				"RCHistoryID": data.RCHistoryID,
				"ClientID":    idParam(c.clientID),
			}).Pipe(out)
		})
	}()
	return out
}

// DeclineRemoteControl declines the pending remote-control session.
func (c *Client) DeclineRemoteControl() *rpc.Result {
	d := c.remoteControl
	c.clearRemoteControl()
	if d == nil || !d.IsVendorSession() {
		return rpc.Succeeded(nil)
	}
	return c.callStream("declineRemoteControlSession", map[string]any{
		"RCHistoryID": d.RCHistoryID,
		"ClientID":    idParam(c.clientID),
	})
}

// CancelRemoteControl forgets the pending remote-control session.
func (c *Client) CancelRemoteControl() {
	c.clearRemoteControl()
}
