package handler

import (
	"context"
	"fmt"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/civic-notify/internal/service"
)

type PendingSweeper interface {
	RunOnce(ctx context.Context) (service.SweepSummary, error)
}

type SurveyDiscoverer interface {
	RunOnce(ctx context.Context) (service.SurveySummary, error)
}

// TriggerHandler runs the scheduler triggers on demand, e.g. from an external cron.
type TriggerHandler struct {
	sweeper PendingSweeper
	survey  SurveyDiscoverer
}

func NewTriggerHandler(sweeper PendingSweeper, survey SurveyDiscoverer) (*TriggerHandler, error) {
	if sweeper == nil {
		return nil, fmt.Errorf("pending sweeper is required")
	}
	if survey == nil {
		return nil, fmt.Errorf("survey trigger is required")
	}
	return &TriggerHandler{sweeper: sweeper, survey: survey}, nil
}

func RegisterTriggerRoutes(router fiber.Router, sweeper PendingSweeper, survey SurveyDiscoverer) error {
	h, err := NewTriggerHandler(sweeper, survey)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1/triggers")
	v1.Post("/pending-sweep", h.PendingSweep)
	v1.Post("/survey-discovery", h.SurveyDiscovery)

	return nil
}

type sweepResponse struct {
	service.SweepSummary
	Warning string `json:"warning,omitempty"`
}

type surveyResponse struct {
	service.SurveySummary
	Warning string `json:"warning,omitempty"`
}

// PendingSweep returns 200 with the run summary. Per-row failures are reported
// in warning; a run that could not list rows at all is a 500.
func (h *TriggerHandler) PendingSweep(c *fiber.Ctx) error {
	summary, err := h.sweeper.RunOnce(c.Context())
	if err != nil && summary.Processed == 0 {
		return err
	}

	resp := sweepResponse{SweepSummary: summary}
	if err != nil {
		resp.Warning = err.Error()
	}
	return c.Status(fiber.StatusOK).JSON(resp)
}

func (h *TriggerHandler) SurveyDiscovery(c *fiber.Ctx) error {
	summary, err := h.survey.RunOnce(c.Context())
	if err != nil && summary.Eligible == 0 {
		return err
	}

	resp := surveyResponse{SurveySummary: summary}
	if err != nil {
		resp.Warning = err.Error()
	}
	return c.Status(fiber.StatusOK).JSON(resp)
}
