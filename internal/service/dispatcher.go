package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/civic-notify/internal/channel"
	"github.com/kursadbilgin/civic-notify/internal/domain"
	"github.com/kursadbilgin/civic-notify/internal/observability"
	"github.com/kursadbilgin/civic-notify/internal/ratelimit"
	"github.com/kursadbilgin/civic-notify/internal/repository"
	"go.uber.org/zap"
)

const (
	defaultSendTimeout  = 10 * time.Second
	defaultClaimLease   = time.Minute
	defaultDeferBackoff = 5 * time.Minute
)

var (
	errNoAvailableChannel = errors.New("no available channel")
	errLeaseExhausted     = errors.New("claim lease too short for another send")
)

// Outcome is the result of one Dispatch call.
type Outcome string

const (
	OutcomeSent     Outcome = "sent"
	OutcomePending  Outcome = "pending"
	OutcomeFailed   Outcome = "failed"
	OutcomeSkipped  Outcome = "skipped"
	OutcomeDeferred Outcome = "deferred"
)

// ChannelClients resolves the configured client for a channel.
type ChannelClients interface {
	For(ch domain.Channel) (channel.Client, bool)
}

type Dispatcher struct {
	queue       repository.QueueRepository
	logs        repository.LogRepository
	clients     ChannelClients
	limiter     ratelimit.RecipientLimiter
	logger      *zap.Logger
	metrics     *observability.Metrics
	sendTimeout  time.Duration
	claimLease   time.Duration
	deferBackoff time.Duration
	now          func() time.Time
}

func NewDispatcher(
	queue repository.QueueRepository,
	logs repository.LogRepository,
	clients ChannelClients,
	limiter ratelimit.RecipientLimiter,
	sendTimeout time.Duration,
	claimLease time.Duration,
	logger *zap.Logger,
) (*Dispatcher, error) {
	if queue == nil {
		return nil, fmt.Errorf("queue repository is required")
	}
	if logs == nil {
		return nil, fmt.Errorf("log repository is required")
	}
	if clients == nil {
		return nil, fmt.Errorf("channel clients are required")
	}
	if limiter == nil {
		limiter = ratelimit.Disabled{}
	}
	if sendTimeout <= 0 {
		sendTimeout = defaultSendTimeout
	}
	if claimLease <= 0 {
		claimLease = defaultClaimLease
	}
	if claimLease <= sendTimeout {
		return nil, fmt.Errorf("claim lease %s must exceed send timeout %s", claimLease, sendTimeout)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Dispatcher{
		queue:       queue,
		logs:        logs,
		clients:     clients,
		limiter:     limiter,
		logger:      logger,
		sendTimeout:  sendTimeout,
		claimLease:   claimLease,
		deferBackoff: defaultDeferBackoff,
		now:          time.Now,
	}, nil
}

func (d *Dispatcher) SetMetrics(metrics *observability.Metrics) {
	if d == nil {
		return
	}
	d.metrics = metrics
}

// SetDeferBackoff sets how long a rate-limited row stays out of the sweep.
func (d *Dispatcher) SetDeferBackoff(backoff time.Duration) {
	if d == nil || backoff <= 0 {
		return
	}
	d.deferBackoff = backoff
}

// Dispatch makes one delivery attempt for a PENDING row, walking the fallback
// chain from the row's channel. Delivery failures are recorded on the row and
// in the log; the returned error is reserved for storage failures and messages
// that cannot be rendered.
func (d *Dispatcher) Dispatch(ctx context.Context, id string) (Outcome, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	logger := observability.WithContextLogger(d.logger, ctx).With(zap.String("queueId", id))

	row, err := d.queue.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			logger.Warn("notification not found, skipping")
			return OutcomeSkipped, nil
		}
		return "", fmt.Errorf("failed to load notification: %w", err)
	}
	if row.Status != domain.StatusPending {
		return OutcomeSkipped, nil
	}

	claimed, err := d.queue.Claim(ctx, id, d.now().UTC(), d.claimLease)
	if err != nil {
		return "", fmt.Errorf("failed to claim notification: %w", err)
	}
	// Another worker holds it, it reached a terminal state, or it is out of attempts.
	if claimed == nil {
		return OutcomeSkipped, nil
	}

	// Only the claim winner consults the limiter, so each allowed hit is one attempt.
	allowed, err := d.limiter.CanSend(ctx, recipientKey(claimed))
	if err != nil {
		logger.Warn("rate limiter unavailable, allowing send", zap.Error(err))
		allowed = true
	}
	if !allowed {
		return d.deferClaim(ctx, logger, row, claimed)
	}

	return d.attempt(ctx, logger, claimed)
}

// deferClaim gives back the attempt taken by Claim and parks the row until the
// backoff passes, so a flooded recipient does not hold the head of the sweep.
func (d *Dispatcher) deferClaim(
	ctx context.Context,
	logger *zap.Logger,
	before *domain.NotificationQueue,
	claimed *domain.NotificationQueue,
) (Outcome, error) {
	until := d.now().UTC().Add(d.deferBackoff)
	err := d.queue.Defer(ctx, claimed.ID, repository.DeferParams{
		Attempt:       claimed.AttemptCount,
		LastAttemptAt: before.LastAttemptAt,
		Until:         until,
	})
	if err != nil {
		return "", fmt.Errorf("failed to defer notification: %w", err)
	}

	d.metrics.IncRateLimited()
	logger.Info("recipient rate limited, deferring", zap.Time("until", until))
	return OutcomeDeferred, nil
}

func (d *Dispatcher) attempt(ctx context.Context, logger *zap.Logger, row *domain.NotificationQueue) (Outcome, error) {
	msg := channel.Message{
		QueueID:  row.ID,
		TicketID: row.TicketID,
		Type:     row.Type,
		Payload:  row.Payload,
	}

	var (
		lastErr   error
		lastCh    = row.Channel
		attempted int
		previous  domain.Channel
	)

	for _, ch := range channel.Chain(row.Channel) {
		client, ok := d.clients.For(ch)
		if !ok {
			logger.Debug("channel not configured, skipping", zap.String("channel", ch.String()))
			continue
		}
		if !d.leaseCovers(row) {
			logger.Warn("claim lease cannot cover another send, stopping fallback", zap.String("channel", ch.String()))
			if lastErr == nil {
				lastErr = errLeaseExhausted
			}
			break
		}
		if previous != "" {
			d.metrics.IncFallback(previous.String(), ch.String())
		}
		previous = ch
		attempted++
		lastCh = ch

		result, sendErr := d.send(ctx, client, msg)
		if sendErr != nil {
			d.recordAttempt(ctx, logger, row, channel.Result{Channel: ch, Recipient: row.Payload.ContactFor(ch)}, sendErr)
			d.metrics.IncAttemptFailed(ch.String(), channel.FailureReason(sendErr))
			outcome, err := d.finishFailed(ctx, logger, row, sendErr)
			if err != nil {
				return "", errors.Join(sendErr, err)
			}
			return outcome, fmt.Errorf("failed to build %s message for %s: %w", ch, row.ID, sendErr)
		}

		d.recordAttempt(ctx, logger, row, result, result.Err)

		if result.Success {
			return d.finishSent(ctx, logger, row, result)
		}

		lastErr = result.Err
		if lastErr == nil {
			lastErr = errors.New("send failed")
		}
		d.metrics.IncAttemptFailed(ch.String(), channel.FailureReason(lastErr))
		logger.Info("channel attempt failed",
			zap.String("channel", ch.String()),
			zap.Int("attempt", row.AttemptCount),
			zap.Error(lastErr),
		)
	}

	if attempted == 0 && lastErr == nil {
		lastErr = errNoAvailableChannel
		d.recordAttempt(ctx, logger, row, channel.Result{Channel: lastCh, Recipient: row.Recipient}, lastErr)
		d.metrics.IncAttemptFailed(lastCh.String(), "unavailable")
	}

	return d.finishFailed(ctx, logger, row, lastErr)
}

// leaseCovers reports whether a send started now ends before the claim lease
// expires and another worker may reclaim the row.
func (d *Dispatcher) leaseCovers(row *domain.NotificationQueue) bool {
	if row.LockedUntil == nil {
		return true
	}
	return !d.now().Add(d.sendTimeout).After(*row.LockedUntil)
}

func (d *Dispatcher) send(ctx context.Context, client channel.Client, msg channel.Message) (channel.Result, error) {
	sendCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	defer cancel()

	start := d.now()
	result, err := client.Send(sendCtx, msg)
	d.metrics.ObserveNotificationSendDuration(client.Channel().String(), d.now().Sub(start))

	if result.Channel == "" {
		result.Channel = client.Channel()
	}
	return result, err
}

func (d *Dispatcher) finishSent(ctx context.Context, logger *zap.Logger, row *domain.NotificationQueue, result channel.Result) (Outcome, error) {
	sentAt := d.now().UTC()
	params := repository.FinishParams{
		Attempt:   row.AttemptCount,
		Status:    domain.StatusSent,
		Channel:   result.Channel,
		Recipient: result.Recipient,
		SentAt:    &sentAt,
	}
	if result.MessageID != "" {
		messageID := result.MessageID
		params.ProviderMessageID = &messageID
	}

	if err := d.queue.Finish(ctx, row.ID, params); err != nil {
		return "", fmt.Errorf("failed to mark notification sent: %w", err)
	}

	d.metrics.IncNotificationSent(result.Channel.String())
	logger.Info("notification sent",
		zap.String("channel", result.Channel.String()),
		zap.Int("attempt", row.AttemptCount),
	)
	return OutcomeSent, nil
}

func (d *Dispatcher) finishFailed(ctx context.Context, logger *zap.Logger, row *domain.NotificationQueue, cause error) (Outcome, error) {
	if !row.Exhausted() {
		if err := d.queue.Finish(ctx, row.ID, repository.FinishParams{
			Attempt: row.AttemptCount,
			Status:  domain.StatusPending,
		}); err != nil {
			return "", fmt.Errorf("failed to release notification: %w", err)
		}
		return OutcomePending, nil
	}

	message := cause.Error()
	if err := d.queue.Finish(ctx, row.ID, repository.FinishParams{
		Attempt: row.AttemptCount,
		Status:  domain.StatusFailed,
		Error:   &message,
	}); err != nil {
		return "", fmt.Errorf("failed to mark notification failed: %w", err)
	}

	d.metrics.IncNotificationExhausted(row.Channel.String())
	logger.Warn("notification failed after max attempts",
		zap.Int("attempts", row.AttemptCount),
		zap.Error(cause),
	)
	return OutcomeFailed, nil
}

// recordAttempt appends a log row. The log is for audit only, so insert
// failures are logged and do not change the outcome.
func (d *Dispatcher) recordAttempt(
	ctx context.Context,
	logger *zap.Logger,
	row *domain.NotificationQueue,
	result channel.Result,
	sendErr error,
) {
	entry := &domain.NotificationLog{
		ID:            uuid.NewString(),
		QueueID:       row.ID,
		Channel:       result.Channel,
		Status:        domain.StatusFailed,
		AttemptNumber: row.AttemptCount,
		Recipient:     result.Recipient,
		Request:       result.Request,
		Response:      result.Response,
		CreatedAt:     d.now().UTC(),
	}
	if result.Success && sendErr == nil {
		entry.Status = domain.StatusSent
	}
	if result.MessageID != "" {
		messageID := result.MessageID
		entry.ProviderMessageID = &messageID
	}
	if sendErr != nil {
		message := sendErr.Error()
		entry.Error = &message
	}

	if err := d.logs.Create(ctx, entry); err != nil {
		logger.Error("failed to record notification attempt",
			zap.String("channel", result.Channel.String()),
			zap.Error(err),
		)
	}
}

func recipientKey(row *domain.NotificationQueue) string {
	if row.Recipient != "" {
		return row.Recipient
	}
	if phone := row.Payload.ContactFor(domain.ChannelSMS); phone != "" {
		return phone
	}
	return row.Payload.ContactFor(domain.ChannelEmail)
}
