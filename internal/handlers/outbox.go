package handlers

import (
	"net/http"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/campoverde/campo/pkg/models"
	"github.com/campoverde/campo/pkg/outbox"
	"github.com/campoverde/campo/pkg/repositories"
	"github.com/campoverde/campo/pkg/tracing"
)

// OutboxHandler handles outbox API requests
type OutboxHandler struct {
	service *outbox.Service
	repo    *repositories.OutboxRepository
	logger  ectologger.Logger
}

// NewOutboxHandler creates a new outbox handler
func NewOutboxHandler(service *outbox.Service, repo *repositories.OutboxRepository, logger ectologger.Logger) *OutboxHandler {
	return &OutboxHandler{
		service: service,
		repo:    repo,
		logger:  logger,
	}
}

// RegisterRoutes registers outbox endpoints
func (h *OutboxHandler) RegisterRoutes(g *echo.Group) {
	g.POST("/outbox", h.Add)
	g.GET("/outbox/pending", h.Pending)
	g.GET("/outbox/pending/count", h.PendingCount)
	g.GET("/outbox/failed", h.Failed)
}

// AddRequest is the enqueue body
type AddRequest struct {
	Table     string         `json:"table" validate:"required"`
	Operation string         `json:"operation" validate:"required,oneof=create update delete"`
	Data      models.JSONMap `json:"data" validate:"required"`
}

// Add queues a mutation
// POST /api/v1/outbox
func (h *OutboxHandler) Add(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "OutboxHandler.Add")
	defer span.End()

	var req AddRequest
	if err := c.Bind(&req); err != nil {
		return BadRequest("invalid request body")
	}
	if err := validate.Struct(req); err != nil {
		return BadRequest(err.Error())
	}

	item, err := h.service.Add(ctx, req.Table, models.Operation(req.Operation), req.Data)
	if err != nil {
		h.logger.WithContext(ctx).WithError(err).Error("Failed to enqueue mutation")
		return err
	}

	return CreatedResponse(c, item)
}

// PendingResponse wraps a pending item listing
type PendingResponse struct {
	Items []models.OutboxItem `json:"items"`
	Count int                 `json:"count"`
}

// Pending lists queued items in drain order
// GET /api/v1/outbox/pending
func (h *OutboxHandler) Pending(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "OutboxHandler.Pending")
	defer span.End()

	items, err := h.repo.Pending(ctx)
	if err != nil {
		h.logger.WithContext(ctx).WithError(err).Error("Failed to list pending outbox items")
		return err
	}

	return SuccessResponse(c, PendingResponse{Items: items, Count: len(items)})
}

// PendingCount returns the queue depth
// GET /api/v1/outbox/pending/count
func (h *OutboxHandler) PendingCount(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "OutboxHandler.PendingCount")
	defer span.End()

	count, err := h.repo.PendingCount(ctx)
	if err != nil {
		h.logger.WithContext(ctx).WithError(err).Error("Failed to count pending outbox items")
		return err
	}

	return c.JSON(http.StatusOK, map[string]int64{"count": count})
}

// Failed lists dead-lettered items
// GET /api/v1/outbox/failed
func (h *OutboxHandler) Failed(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "OutboxHandler.Failed")
	defer span.End()

	items, err := h.repo.ListFailed(ctx)
	if err != nil {
		h.logger.WithContext(ctx).WithError(err).Error("Failed to list dead-lettered outbox items")
		return err
	}

	return SuccessResponse(c, PendingResponse{Items: items, Count: len(items)})
}
