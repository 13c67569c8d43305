package commands

import (
	"fmt"
	"io"
	"time"

	"sealchat/models"
)

func formatMessage(msg models.DisplayMessage) string {
	stamp := time.UnixMilli(msg.CreatedAt).Local().Format("2006-01-02 15:04:05")
	sender := msg.SenderID
	if msg.Outgoing {
		sender = "you"
	}

	var body string
	switch {
	case msg.Failed:
		body = fmt.Sprintf("<unable to decrypt: %s>", msg.FailureReason)
	case msg.Attachment != nil:
		body = fmt.Sprintf("[%s %s]", msg.Attachment.Kind, msg.Attachment.Ref)
	default:
		body = msg.Text
	}
	return fmt.Sprintf("[%s] %s: %s", stamp, sender, body)
}

// printer writes each message of a snapshot once.
type printer struct {
	out  io.Writer
	seen map[string]struct{}
}

func newPrinter(out io.Writer) *printer {
	return &printer{out: out, seen: make(map[string]struct{})}
}

func (p *printer) print(snapshot []models.DisplayMessage) {
	for _, msg := range snapshot {
		if _, ok := p.seen[msg.ID]; ok {
			continue
		}
		p.seen[msg.ID] = struct{}{}
		fmt.Fprintln(p.out, formatMessage(msg))
	}
}
