package channel

import (
	"context"
	"strings"

	"github.com/kursadbilgin/civic-notify/internal/domain"
)

// ChatClient is the messenger channel. It has no backend yet and never reports
// itself available, so the dispatcher always falls through to SMS.
type ChatClient struct {
	senderKey string
}

func NewChatClient(senderKey string) *ChatClient {
	return &ChatClient{senderKey: strings.TrimSpace(senderKey)}
}

func (c *ChatClient) Channel() domain.Channel { return domain.ChannelChat }

func (c *ChatClient) IsAvailable() bool { return false }

func (c *ChatClient) Send(_ context.Context, msg Message) (Result, error) {
	to := normalizePhone(msg.Payload.RecipientPhone)
	if to == "" {
		return failed(domain.ChannelChat, "", ErrMissingRecipient), nil
	}
	return failed(domain.ChannelChat, to, ErrNotImplemented), nil
}
