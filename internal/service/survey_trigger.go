package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/civic-notify/internal/channel"
	"github.com/kursadbilgin/civic-notify/internal/domain"
	"github.com/kursadbilgin/civic-notify/internal/observability"
	"github.com/kursadbilgin/civic-notify/internal/repository"
	"go.uber.org/zap"
)

const (
	defaultSurveyInterval   = time.Hour
	defaultSurveyWindowFrom = 24 * time.Hour
	defaultSurveyWindowTo   = 23 * time.Hour
	defaultSurveyScanLimit  = 500

	triggerSurveyDiscovery = "survey_discovery"
)

// SurveyConfig bounds which replies are old enough for a satisfaction survey.
type SurveyConfig struct {
	PublicBaseURL string
	WindowFrom    time.Duration
	WindowTo      time.Duration
	Interval      time.Duration
	MaxAttempts   int
}

// SurveySummary counts the results of one survey discovery run.
type SurveySummary struct {
	RunID    string `json:"runId"`
	Eligible int    `json:"eligible"`
	Enqueued int    `json:"enqueued"`
	Existing int    `json:"existing"`
	Skipped  int    `json:"skipped"`
}

// SurveyTrigger enqueues one SATISFACTION_REQUEST per ticket whose reply
// falls inside the trailing window. Re-running it is safe.
type SurveyTrigger struct {
	tickets repository.TicketRepository
	queue   repository.QueueRepository
	cfg     SurveyConfig
	logger  *zap.Logger
	metrics *observability.Metrics
	now     func() time.Time
	newID   func() string
}

func NewSurveyTrigger(
	tickets repository.TicketRepository,
	queue repository.QueueRepository,
	cfg SurveyConfig,
	logger *zap.Logger,
) (*SurveyTrigger, error) {
	if tickets == nil {
		return nil, fmt.Errorf("ticket repository is required")
	}
	if queue == nil {
		return nil, fmt.Errorf("queue repository is required")
	}
	if cfg.WindowFrom <= 0 {
		cfg.WindowFrom = defaultSurveyWindowFrom
	}
	if cfg.WindowTo <= 0 {
		cfg.WindowTo = defaultSurveyWindowTo
	}
	if cfg.WindowTo >= cfg.WindowFrom {
		return nil, fmt.Errorf("survey window end %s must be shorter than start %s", cfg.WindowTo, cfg.WindowFrom)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultSurveyInterval
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = domain.DefaultMaxAttempts
	}
	cfg.PublicBaseURL = strings.TrimRight(strings.TrimSpace(cfg.PublicBaseURL), "/")
	if logger == nil {
		logger = zap.NewNop()
	}

	return &SurveyTrigger{
		tickets: tickets,
		queue:   queue,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		newID:   uuid.NewString,
	}, nil
}

func (s *SurveyTrigger) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
}

func (s *SurveyTrigger) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("survey discovery initial run failed", zap.Error(err))
	}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.logger.Error("survey discovery failed", zap.Error(err))
			}
		}
	}
}

func (s *SurveyTrigger) RunOnce(ctx context.Context) (SurveySummary, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	runID := uuid.NewString()
	ctx = observability.WithRunID(ctx, runID)
	logger := observability.WithContextLogger(s.logger, ctx)

	start := s.now()
	defer func() {
		s.metrics.ObserveTriggerRun(triggerSurveyDiscovery, s.now().Sub(start))
	}()

	summary := SurveySummary{RunID: runID}

	now := s.now().UTC()
	tickets, err := s.tickets.ListSurveyEligible(ctx, now.Add(-s.cfg.WindowFrom), now.Add(-s.cfg.WindowTo), defaultSurveyScanLimit)
	if err != nil {
		return summary, fmt.Errorf("failed to list survey eligible tickets: %w", err)
	}
	summary.Eligible = len(tickets)

	var errs []error
	for i := range tickets {
		ticket := tickets[i]

		row, err := s.surveyRow(ticket, now)
		if err != nil {
			summary.Skipped++
			logger.Warn("ticket has no usable contact, skipping survey",
				zap.String("ticketId", ticket.ID),
				zap.Error(err),
			)
			continue
		}

		inserted, err := s.queue.CreateSurveyRequest(ctx, row)
		if err != nil {
			errs = append(errs, fmt.Errorf("ticket %s: %w", ticket.ID, err))
			logger.Error("failed to enqueue survey request",
				zap.String("ticketId", ticket.ID),
				zap.Error(err),
			)
			continue
		}
		if !inserted {
			summary.Existing++
			continue
		}

		summary.Enqueued++
		logger.Info("survey request enqueued",
			zap.String("ticketId", ticket.ID),
			zap.String("queueId", row.ID),
			zap.String("channel", row.Channel.String()),
		)
	}

	s.metrics.AddSurveyEnqueued(summary.Enqueued)
	logger.Info("survey discovery finished",
		zap.Int("eligible", summary.Eligible),
		zap.Int("enqueued", summary.Enqueued),
		zap.Int("existing", summary.Existing),
		zap.Int("skipped", summary.Skipped),
	)

	return summary, errors.Join(errs...)
}

func (s *SurveyTrigger) surveyRow(ticket domain.Ticket, now time.Time) (*domain.NotificationQueue, error) {
	templateData := map[string]any{
		"ticketNumber": ticket.Number,
	}
	if ticket.Category != "" {
		templateData["category"] = ticket.Category
	}
	if s.cfg.PublicBaseURL != "" {
		if link, err := url.JoinPath(s.cfg.PublicBaseURL, "survey", ticket.ID); err == nil {
			templateData["surveyUrl"] = link
		}
		if link, err := url.JoinPath(s.cfg.PublicBaseURL, "tickets", ticket.ID); err == nil {
			templateData["timelineUrl"] = link
		}
	}

	payload := domain.Payload{
		RecipientName:  ticket.CitizenName,
		RecipientPhone: strings.TrimSpace(ticket.CitizenPhone),
		RecipientEmail: strings.TrimSpace(ticket.CitizenEmail),
		TemplateData:   templateData,
	}

	ch, err := channel.Select(payload, nil)
	if err != nil {
		return nil, err
	}

	row := &domain.NotificationQueue{
		ID:          s.newID(),
		TicketID:    ticket.ID,
		Type:        domain.TypeSatisfactionRequest,
		Channel:     ch,
		Recipient:   payload.ContactFor(ch),
		Payload:     payload,
		Status:      domain.StatusPending,
		MaxAttempts: s.cfg.MaxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := row.Validate(); err != nil {
		return nil, err
	}
	return row, nil
}
