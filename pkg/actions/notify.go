package actions

import (
	"context"
	"fmt"
	"strings"

	"github.com/nexocrm/blueprint/pkg/api"
)

// KindNotify sends a free-form message through the application's messaging
// channel.
//
// Config:
//
//	to      - comma-separated recipients (required), {{var}} allowed
//	subject - message subject, {{var}} allowed
//	body    - message body, {{var}} allowed
const KindNotify = "notify"

// MessageSender delivers the free-form messages produced by the notify
// action. It is a narrower boundary than api.Notifier, whose calls are tied
// to specific engine lifecycle events.
type MessageSender interface {
	SendMessage(ctx context.Context, recipients []string, subject, body string) error
}

// MessageSenderFunc adapts a plain function to MessageSender.
type MessageSenderFunc func(ctx context.Context, recipients []string, subject, body string) error

func (f MessageSenderFunc) SendMessage(ctx context.Context, recipients []string, subject, body string) error {
	return f(ctx, recipients, subject, body)
}

// Notify is the notify action.
type Notify struct {
	sender MessageSender
}

var _ api.Action = (*Notify)(nil)

func NewNotify(sender MessageSender) *Notify {
	return &Notify{sender: sender}
}

func (a *Notify) Execute(ctx context.Context, actx api.ActionContext) (any, error) {
	if a.sender == nil {
		return nil, fmt.Errorf("notify: no message sender configured")
	}

	cfg := expandConfig(actx.Config, actx.Vars)
	recipients := splitRecipients(cfg["to"])
	if len(recipients) == 0 {
		return nil, fmt.Errorf("notify: config key %q is required", "to")
	}

	if err := a.sender.SendMessage(ctx, recipients, cfg["subject"], cfg["body"]); err != nil {
		return nil, fmt.Errorf("notify: %w", err)
	}
	return map[string]any{"recipients": recipients, "subject": cfg["subject"]}, nil
}

func splitRecipients(to string) []string {
	var out []string
	for _, part := range strings.Split(to, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
