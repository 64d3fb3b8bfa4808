package handlers

import (
	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/campoverde/campo/pkg/repositories"
	campsync "github.com/campoverde/campo/pkg/sync"
	"github.com/campoverde/campo/pkg/tracing"
	"github.com/campoverde/campo/pkg/warmer"
)

// SyncHandler handles manual sync/warm triggers and status
type SyncHandler struct {
	reconciler *campsync.Reconciler
	warmer     *warmer.Warmer
	repo       *repositories.OutboxRepository
	conn       campsync.Connectivity
	logger     ectologger.Logger
}

// NewSyncHandler creates a new sync handler
func NewSyncHandler(
	reconciler *campsync.Reconciler,
	w *warmer.Warmer,
	repo *repositories.OutboxRepository,
	conn campsync.Connectivity,
	logger ectologger.Logger,
) *SyncHandler {
	return &SyncHandler{
		reconciler: reconciler,
		warmer:     w,
		repo:       repo,
		conn:       conn,
		logger:     logger,
	}
}

// RegisterRoutes registers sync endpoints
func (h *SyncHandler) RegisterRoutes(g *echo.Group) {
	g.POST("/sync", h.SyncNow)
	g.POST("/warm", h.WarmNow)
	g.GET("/sync/status", h.Status)
}

// SyncNow runs one drain pass inline and returns its stats
// POST /api/v1/sync
func (h *SyncHandler) SyncNow(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "SyncHandler.SyncNow")
	defer span.End()

	stats, err := h.reconciler.ProcessOutbox(ctx)
	if err != nil {
		h.logger.WithContext(ctx).WithError(err).Error("Manual drain pass failed")
		return err
	}

	return SuccessResponse(c, stats)
}

// WarmNow runs one cache warm pass inline
// POST /api/v1/warm
func (h *SyncHandler) WarmNow(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "SyncHandler.WarmNow")
	defer span.End()

	h.warmer.WarmAll(ctx)

	return SuccessResponse(c, map[string]string{"status": "completed"})
}

// StatusResponse is the sync status payload
type StatusResponse struct {
	Online   bool                `json:"online"`
	Pending  int64               `json:"pending"`
	Failed   int                 `json:"failed"`
	LastPass *campsync.PassStats `json:"last_pass,omitempty"`
}

// Status reports connectivity, queue depth and last pass stats
// GET /api/v1/sync/status
func (h *SyncHandler) Status(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "SyncHandler.Status")
	defer span.End()

	pending, err := h.repo.PendingCount(ctx)
	if err != nil {
		return err
	}
	failed, err := h.repo.ListFailed(ctx)
	if err != nil {
		return err
	}

	return SuccessResponse(c, StatusResponse{
		Online:   h.conn.Online(),
		Pending:  pending,
		Failed:   len(failed),
		LastPass: h.reconciler.LastPass(),
	})
}
