package ratelimit

import (
	"context"
	"time"
)

const (
	// DefaultLimit is the number of notifications a recipient may receive per Window.
	DefaultLimit = 10
	// Window is the rolling period counted by every limiter.
	Window = time.Hour
)

// RecipientLimiter caps notifications per recipient over a rolling window.
//
// CanSend records a hit whenever it allows. Limits are advisory: concurrent
// callers may briefly overshoot.
type RecipientLimiter interface {
	CanSend(ctx context.Context, recipientKey string) (bool, error)
}

// Disabled allows every send.
type Disabled struct{}

func (Disabled) CanSend(context.Context, string) (bool, error) { return true, nil }
