package visitor

import (
	"fmt"

	"github.com/ashureev/visitor-chat/internal/domain"
	"github.com/ashureev/visitor-chat/internal/rpc"
	"github.com/ashureev/visitor-chat/internal/upload"
)

// SentFile is the success payload of SendFile.
type SentFile struct {
	Name     string          `json:"Name"`
	FileType upload.FileType `json:"FileType"`
}

// SendFile uploads f into the chat. The upload runs off the scheduler
// goroutine; progress and the result are posted back to it.
func (c *Client) SendFile(f upload.File, progress func(percent int)) *rpc.Result {
	if c.state != domain.StateStarted {
		return invalid("you cannot send files if the chat is not active")
	}
	cd := c.ClientData()
	aid, err := upload.AccountIDFromWebSocketURL(cd.WebSocketURL)
	if err != nil {
		return rpc.Failed(fmt.Errorf("send file: %w", err))
	}
	host := c.opts.UploadHost
	if host == "" {
		host = upload.HostFor(c.tr.ServerSet())
	}

	svc := upload.NewService(host, upload.User{
		AccountID:  aid,
		ClientID:   cd.ClientID.String(),
		PersonID:   cd.VisitorID.String(),
		PersonType: upload.PersonVisitor,
	}, c.opts.HTTPClient, c.opts.Logger)
	if err := svc.Queue(f, cd.ChatID.String()); err != nil {
		return rpc.Failed(fmt.Errorf("send file: %w", err))
	}
	sent := SentFile{Name: f.Name, FileType: svc.FileType()}

	var report func(int)
	if progress != nil {
		report = func(p int) { c.sched.Post(func() { progress(p) }) }
	}

	out := rpc.New()
	ctx := c.ctx
	go func() {
		err := svc.Run(ctx, report)
		c.sched.Post(func() {
			if err != nil {
				c.logger.Warn("File upload failed", "file", f.Name, "error", err)
				out.Reject(fmt.Errorf("send file: %w", err))
				return
			}
			c.logger.Info("File sent", "file", f.Name, "type", sent.FileType)
			out.Resolve(rpc.Encode(sent))
		})
	}()
	return out
}
