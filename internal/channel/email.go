package channel

import (
	"context"
	"fmt"
	"net/mail"
	"strings"

	"github.com/kursadbilgin/civic-notify/internal/domain"
	"github.com/mrz1836/postmark"
)

// EmailConfig configures the Postmark-backed email client.
type EmailConfig struct {
	ServerToken  string
	AccountToken string
	From         string
	ReplyTo      string
}

// postmarkSender is the subset of *postmark.Client the email client needs.
type postmarkSender interface {
	SendEmail(ctx context.Context, email postmark.Email) (postmark.EmailResponse, error)
}

type EmailClient struct {
	sender    postmarkSender
	cfg       EmailConfig
	templates *Templates
}

func NewEmailClient(cfg EmailConfig, templates *Templates) (*EmailClient, error) {
	return newEmailClient(cfg, templates, postmark.NewClient(cfg.ServerToken, cfg.AccountToken))
}

func newEmailClient(cfg EmailConfig, templates *Templates, sender postmarkSender) (*EmailClient, error) {
	if templates == nil {
		return nil, fmt.Errorf("templates are required")
	}
	if sender == nil {
		return nil, fmt.Errorf("postmark sender is required")
	}

	cfg.From = strings.TrimSpace(cfg.From)
	if cfg.From != "" {
		if _, err := mail.ParseAddress(cfg.From); err != nil {
			return nil, fmt.Errorf("invalid email sender: %w", err)
		}
	}

	return &EmailClient{sender: sender, cfg: cfg, templates: templates}, nil
}

func (c *EmailClient) Channel() domain.Channel { return domain.ChannelEmail }

func (c *EmailClient) IsAvailable() bool {
	if c == nil {
		return false
	}
	return strings.TrimSpace(c.cfg.ServerToken) != "" && c.cfg.From != ""
}

func (c *EmailClient) Send(ctx context.Context, msg Message) (Result, error) {
	if c == nil || c.sender == nil {
		return Result{}, fmt.Errorf("email client is not initialized")
	}

	to := strings.TrimSpace(msg.Payload.RecipientEmail)
	if to == "" {
		return failed(domain.ChannelEmail, "", ErrMissingRecipient), nil
	}
	if !c.IsAvailable() {
		return failed(domain.ChannelEmail, to, ErrUnavailable), nil
	}

	rendered, err := c.templates.Render(msg)
	if err != nil {
		return Result{}, err
	}

	result := Result{
		Channel:   domain.ChannelEmail,
		Recipient: to,
		Request: map[string]any{
			"to":      to,
			"subject": rendered.Subject,
			"tag":     strings.ToLower(msg.Type.String()),
		},
	}

	resp, err := c.sender.SendEmail(ctx, postmark.Email{
		From:       c.cfg.From,
		ReplyTo:    c.cfg.ReplyTo,
		To:         to,
		Subject:    rendered.Subject,
		Tag:        strings.ToLower(msg.Type.String()),
		HTMLBody:   rendered.HTML,
		TextBody:   rendered.Text,
		TrackOpens: true,
	})
	if err != nil {
		result.Err = &TransportError{Message: "postmark request failed", Cause: err}
		return result, nil
	}

	result.Response = map[string]any{
		"messageId": resp.MessageID,
		"errorCode": resp.ErrorCode,
	}
	if resp.ErrorCode > 0 {
		result.Response["message"] = resp.Message
		result.Err = &TransportError{
			StatusCode: int(resp.ErrorCode),
			Message:    fmt.Sprintf("postmark error: %d - %s", resp.ErrorCode, resp.Message),
		}
		return result, nil
	}

	result.Success = true
	result.MessageID = resp.MessageID
	return result, nil
}
