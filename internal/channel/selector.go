package channel

import (
	"fmt"
	"strings"

	"github.com/kursadbilgin/civic-notify/internal/domain"
)

// Select returns the channel to attempt first.
//
// An override always wins. Otherwise a phone number selects SMS and an email
// address selects EMAIL. CHAT is only reachable through an override until it
// has a working backend.
func Select(payload domain.Payload, override *domain.Channel) (domain.Channel, error) {
	if override != nil {
		if !override.IsValid() {
			return "", fmt.Errorf("%w: invalid channel %q", domain.ErrValidation, *override)
		}
		return *override, nil
	}

	if strings.TrimSpace(payload.RecipientPhone) != "" {
		return domain.ChannelSMS, nil
	}
	if strings.TrimSpace(payload.RecipientEmail) != "" {
		return domain.ChannelEmail, nil
	}
	return "", fmt.Errorf("%w: recipientPhone or recipientEmail is required", domain.ErrValidation)
}

// Fallback returns the channel to try after ch fails. EMAIL is the end of the chain.
func Fallback(ch domain.Channel) (domain.Channel, bool) {
	switch ch {
	case domain.ChannelChat:
		return domain.ChannelSMS, true
	case domain.ChannelSMS:
		return domain.ChannelEmail, true
	}
	return "", false
}

// Chain lists start followed by each fallback in order.
func Chain(start domain.Channel) []domain.Channel {
	if !start.IsValid() {
		return nil
	}

	chain := []domain.Channel{start}
	for next, ok := Fallback(start); ok; next, ok = Fallback(next) {
		chain = append(chain, next)
	}
	return chain
}
