package handler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/civic-notify/internal/domain"
	"github.com/kursadbilgin/civic-notify/internal/service"
)

type NotificationService interface {
	QueueNotification(ctx context.Context, req service.QueueRequest) (string, error)
	GetByID(ctx context.Context, id string) (*service.NotificationDetail, error)
	ListByTicket(ctx context.Context, ticketID string) ([]domain.NotificationQueue, error)
}

type NotificationHandler struct {
	service NotificationService
}

func NewNotificationHandler(service NotificationService) (*NotificationHandler, error) {
	if service == nil {
		return nil, fmt.Errorf("notification service is required")
	}
	return &NotificationHandler{service: service}, nil
}

func RegisterNotificationRoutes(router fiber.Router, service NotificationService) error {
	h, err := NewNotificationHandler(service)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Post("/notifications", h.QueueNotification)
	v1.Get("/notifications/:id", h.GetNotification)
	v1.Get("/tickets/:ticketId/notifications", h.ListTicketNotifications)

	return nil
}

type queueNotificationRequest struct {
	TicketID         string         `json:"ticketId"`
	Type             string         `json:"type"`
	RecipientName    string         `json:"recipientName"`
	RecipientPhone   string         `json:"recipientPhone"`
	RecipientEmail   string         `json:"recipientEmail"`
	TemplateData     map[string]any `json:"templateData"`
	PreferredChannel string         `json:"preferredChannel"`
}

type queueNotificationResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type notificationResponse struct {
	ID                string         `json:"id"`
	TicketID          string         `json:"ticketId"`
	Type              string         `json:"type"`
	Channel           string         `json:"channel"`
	Recipient         string         `json:"recipient"`
	Payload           domain.Payload `json:"payload"`
	Status            string         `json:"status"`
	AttemptCount      int            `json:"attemptCount"`
	MaxAttempts       int            `json:"maxAttempts"`
	LastAttemptAt     *time.Time     `json:"lastAttemptAt,omitempty"`
	SentAt            *time.Time     `json:"sentAt,omitempty"`
	Error             *string        `json:"error,omitempty"`
	ProviderMessageID *string        `json:"providerMessageId,omitempty"`
	CreatedAt         time.Time      `json:"createdAt"`
	UpdatedAt         time.Time      `json:"updatedAt"`
}

type logResponse struct {
	ID                string         `json:"id"`
	Channel           string         `json:"channel"`
	Status            string         `json:"status"`
	AttemptNumber     int            `json:"attemptNumber"`
	Recipient         string         `json:"recipient"`
	ProviderMessageID *string        `json:"providerMessageId,omitempty"`
	Request           map[string]any `json:"request,omitempty"`
	Response          map[string]any `json:"response,omitempty"`
	Error             *string        `json:"error,omitempty"`
	CreatedAt         time.Time      `json:"createdAt"`
}

type notificationDetailResponse struct {
	notificationResponse
	Logs []logResponse `json:"logs"`
}

type listNotificationsResponse struct {
	Data []notificationResponse `json:"data"`
}

func (h *NotificationHandler) QueueNotification(c *fiber.Ctx) error {
	var req queueNotificationRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	queueReq, err := requestToQueueRequest(req)
	if err != nil {
		return toHTTPError(err)
	}

	id, err := h.service.QueueNotification(c.Context(), queueReq)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusAccepted).JSON(queueNotificationResponse{
		ID:     id,
		Status: domain.StatusPending.String(),
	})
}

func (h *NotificationHandler) GetNotification(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))
	detail, err := h.service.GetByID(c.Context(), id)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(notificationDetailResponse{
		notificationResponse: toNotificationResponse(&detail.Notification),
		Logs:                 toLogResponses(detail.Logs),
	})
}

func (h *NotificationHandler) ListTicketNotifications(c *fiber.Ctx) error {
	ticketID := strings.TrimSpace(c.Params("ticketId"))
	rows, err := h.service.ListByTicket(c.Context(), ticketID)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(listNotificationsResponse{
		Data: toNotificationResponses(rows),
	})
}

func requestToQueueRequest(req queueNotificationRequest) (service.QueueRequest, error) {
	notificationType, err := domain.ParseTypeFromString(req.Type)
	if err != nil {
		return service.QueueRequest{}, err
	}

	out := service.QueueRequest{
		TicketID:       strings.TrimSpace(req.TicketID),
		Type:           notificationType,
		RecipientName:  req.RecipientName,
		RecipientPhone: req.RecipientPhone,
		RecipientEmail: req.RecipientEmail,
		TemplateData:   req.TemplateData,
	}

	if raw := strings.TrimSpace(req.PreferredChannel); raw != "" {
		ch, err := domain.ParseChannelFromString(raw)
		if err != nil {
			return service.QueueRequest{}, err
		}
		out.PreferredChannel = &ch
	}

	return out, nil
}

func toNotificationResponses(rows []domain.NotificationQueue) []notificationResponse {
	responses := make([]notificationResponse, 0, len(rows))
	for i := range rows {
		responses = append(responses, toNotificationResponse(&rows[i]))
	}
	return responses
}

func toNotificationResponse(n *domain.NotificationQueue) notificationResponse {
	if n == nil {
		return notificationResponse{}
	}

	return notificationResponse{
		ID:                n.ID,
		TicketID:          n.TicketID,
		Type:              n.Type.String(),
		Channel:           n.Channel.String(),
		Recipient:         n.Recipient,
		Payload:           n.Payload,
		Status:            n.Status.String(),
		AttemptCount:      n.AttemptCount,
		MaxAttempts:       n.MaxAttempts,
		LastAttemptAt:     n.LastAttemptAt,
		SentAt:            n.SentAt,
		Error:             n.Error,
		ProviderMessageID: n.ProviderMessageID,
		CreatedAt:         n.CreatedAt,
		UpdatedAt:         n.UpdatedAt,
	}
}

func toLogResponses(entries []domain.NotificationLog) []logResponse {
	responses := make([]logResponse, 0, len(entries))
	for _, entry := range entries {
		responses = append(responses, logResponse{
			ID:                entry.ID,
			Channel:           entry.Channel.String(),
			Status:            entry.Status.String(),
			AttemptNumber:     entry.AttemptNumber,
			Recipient:         entry.Recipient,
			ProviderMessageID: entry.ProviderMessageID,
			Request:           entry.Request,
			Response:          entry.Response,
			Error:             entry.Error,
			CreatedAt:         entry.CreatedAt,
		})
	}
	return responses
}

func toHTTPError(err error) error {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrConflict):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	default:
		return err
	}
}
