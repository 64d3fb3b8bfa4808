package repositories

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/campoverde/campo/pkg/database"
	"github.com/campoverde/campo/pkg/models"
	"github.com/campoverde/campo/pkg/tracing"
)

const outboxTable = "outbox_items"

// DefaultMaxRetries is the attempt budget before an item dead-letters.
const DefaultMaxRetries = 5

// OutboxRepository handles the durable pending-mutation log.
type OutboxRepository struct {
	*Repository
	maxRetries int
}

// NewOutboxRepository creates a new outbox repository. maxRetries <= 0 falls
// back to DefaultMaxRetries.
func NewOutboxRepository(db database.DB, logger ectologger.Logger, maxRetries int) *OutboxRepository {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &OutboxRepository{
		Repository: NewRepository(db, logger),
		maxRetries: maxRetries,
	}
}

// MaxRetries returns the configured attempt budget.
func (r *OutboxRepository) MaxRetries() int {
	return r.maxRetries
}

// Enqueue persists a new pending item and returns it. Table, operation and
// payload are frozen at this point.
func (r *OutboxRepository) Enqueue(ctx context.Context, table string, op models.Operation, payload models.JSONMap) (*models.OutboxItem, error) {
	ctx, span := tracing.StartSpan(ctx, "OutboxRepository.Enqueue")
	defer span.End()

	if !models.ValidOperation(op) {
		return nil, BadRequest("operation must be create, update or delete")
	}
	if table == "" {
		return nil, BadRequest("table is required")
	}

	now := time.Now().UTC()
	item := &models.OutboxItem{
		ID:         uuid.New(),
		Table:      table,
		Operation:  op,
		Payload:    payload,
		EnqueuedAt: now,
		RetryCount: 0,
		Status:     models.OutboxStatusPending,
		CreatedAt:  now,
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto(outboxTable).
		Cols("id", "table_name", "operation", "payload", "enqueued_at", "retry_count", "status", "reason", "created_at").
		Values(item.ID, item.Table, item.Operation, item.Payload, item.EnqueuedAt, item.RetryCount, item.Status, "", item.CreatedAt)

	query, args := ib.Build()
	if _, err := r.DB().ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"table":     table,
			"operation": op,
		}).Error("failed to enqueue outbox item")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to enqueue outbox item")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"item_id":   item.ID,
		"table":     table,
		"operation": op,
	}).Debugf("Enqueued %s", outboxTable)
	return item, nil
}

// Get retrieves a single item by id regardless of status.
func (r *OutboxRepository) Get(ctx context.Context, id uuid.UUID) (*models.OutboxItem, error) {
	ctx, span := tracing.StartSpan(ctx, "OutboxRepository.Get")
	defer span.End()

	query := `
		SELECT id, table_name, operation, payload, enqueued_at, retry_count, status, reason, last_error, created_at
		FROM outbox_items
		WHERE id = ?
	`

	var item models.OutboxItem
	err := r.DB().GetContext(ctx, &item, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NotFound("outbox item %s does not exist", id)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"item_id": id,
		}).Error("failed to get outbox item")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get outbox item")
	}
	return &item, nil
}

// Pending returns all pending items ascending by enqueued_at. Equal
// timestamps fall back to id order so the sequence is stable.
func (r *OutboxRepository) Pending(ctx context.Context) ([]models.OutboxItem, error) {
	ctx, span := tracing.StartSpan(ctx, "OutboxRepository.Pending")
	defer span.End()

	query := `
		SELECT id, table_name, operation, payload, enqueued_at, retry_count, status, reason, last_error, created_at
		FROM outbox_items
		WHERE status = ?
		ORDER BY enqueued_at ASC, id ASC
	`

	var items []models.OutboxItem
	err := r.DB().SelectContext(ctx, &items, query, models.OutboxStatusPending)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to list pending outbox items")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list pending outbox items")
	}
	return items, nil
}

// PendingCount is the cheap count used by UI badges.
func (r *OutboxRepository) PendingCount(ctx context.Context) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "OutboxRepository.PendingCount")
	defer span.End()

	var count int64
	err := r.DB().GetContext(ctx, &count, `SELECT COUNT(*) FROM outbox_items WHERE status = ?`, models.OutboxStatusPending)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to count pending outbox items")
		return 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to count pending outbox items")
	}
	return count, nil
}

// ListFailed returns dead-lettered items for operator review.
func (r *OutboxRepository) ListFailed(ctx context.Context) ([]models.OutboxItem, error) {
	ctx, span := tracing.StartSpan(ctx, "OutboxRepository.ListFailed")
	defer span.End()

	query := `
		SELECT id, table_name, operation, payload, enqueued_at, retry_count, status, reason, last_error, created_at
		FROM outbox_items
		WHERE status = ?
		ORDER BY enqueued_at ASC, id ASC
	`

	var items []models.OutboxItem
	err := r.DB().SelectContext(ctx, &items, query, models.OutboxStatusFailed)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to list failed outbox items")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list failed outbox items")
	}
	return items, nil
}

// MarkProcessing flips a pending item to processing. The status guard in the
// WHERE clause means a second drain pass racing on the same item loses.
func (r *OutboxRepository) MarkProcessing(ctx context.Context, id uuid.UUID) error {
	ctx, span := tracing.StartSpan(ctx, "OutboxRepository.MarkProcessing")
	defer span.End()

	ub := database.NewUpdateBuilder()
	ub.Update(outboxTable).
		Set(ub.Assign("status", models.OutboxStatusProcessing)).
		Where(ub.Equal("id", id), ub.Equal("status", models.OutboxStatusPending))

	query, args := ub.Build()
	result, err := r.DB().ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"item_id": id,
		}).Error("failed to mark outbox item processing")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to mark outbox item processing")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to mark outbox item processing")
	}
	if rows == 0 {
		return Conflict("outbox item is not pending")
	}
	return nil
}

// ResetStalled flips every processing item back to pending. A crash between
// MarkProcessing and the terminal transition leaves the item stranded in
// processing, where Pending never sees it again; one sweep at startup closes
// that gap. enqueued_at is untouched so the item keeps its place in the
// queue. Returns how many items were recovered.
func (r *OutboxRepository) ResetStalled(ctx context.Context) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "OutboxRepository.ResetStalled")
	defer span.End()

	ub := database.NewUpdateBuilder()
	ub.Update(outboxTable).
		Set(ub.Assign("status", models.OutboxStatusPending)).
		Where(ub.Equal("status", models.OutboxStatusProcessing))

	query, args := ub.Build()
	result, err := r.DB().ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to reset stalled outbox items")
		return 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to reset stalled outbox items")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to reset stalled outbox items")
	}
	if rows > 0 {
		r.logger.WithContext(ctx).WithFields(map[string]any{
			"count": rows,
		}).Warn("Recovered outbox items stranded in processing")
	}
	return rows, nil
}

// MarkSucceeded removes the item; a reconciled mutation leaves no residue.
func (r *OutboxRepository) MarkSucceeded(ctx context.Context, id uuid.UUID) error {
	ctx, span := tracing.StartSpan(ctx, "OutboxRepository.MarkSucceeded")
	defer span.End()

	db := database.NewDeleteBuilder()
	db.DeleteFrom(outboxTable).Where(db.Equal("id", id))

	query, args := db.Build()
	result, err := r.DB().ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"item_id": id,
		}).Error("failed to delete outbox item")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to delete outbox item")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to delete outbox item")
	}
	if rows == 0 {
		return NotFound("outbox item %s does not exist", id)
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"item_id": id,
	}).Debugf("Deleted %s", outboxTable)
	return nil
}

// Fail records a transient failure. While retry budget remains the item goes
// back to pending with enqueued_at bumped to now, which pushes it behind
// everything already queued. Once the budget is exhausted the item
// dead-letters with reason max_retries_exceeded. Returns true when the item
// ended up dead-lettered.
func (r *OutboxRepository) Fail(ctx context.Context, id uuid.UUID, errMsg string) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "OutboxRepository.Fail")
	defer span.End()

	item, err := r.Get(ctx, id)
	if err != nil {
		return false, err
	}

	retries := item.RetryCount + 1
	if retries >= r.maxRetries {
		if err := r.deadLetter(ctx, id, retries, models.DLQReasonMaxRetries, errMsg); err != nil {
			return false, err
		}
		r.logger.WithContext(ctx).WithFields(map[string]any{
			"item_id":     id,
			"retry_count": retries,
		}).Warnf("Outbox item exceeded max retries (%d), dead-lettered", r.maxRetries)
		return true, nil
	}

	ub := database.NewUpdateBuilder()
	ub.Update(outboxTable).
		Set(
			ub.Assign("status", models.OutboxStatusPending),
			ub.Assign("retry_count", retries),
			ub.Assign("enqueued_at", time.Now().UTC()),
			ub.Assign("last_error", errMsg),
		).
		Where(ub.Equal("id", id))

	query, args := ub.Build()
	if _, err := r.DB().ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"item_id": id,
		}).Error("failed to requeue outbox item")
		return false, httperror.NewHTTPError(http.StatusInternalServerError, "failed to requeue outbox item")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"item_id":     id,
		"retry_count": retries,
	}).Debug("Requeued outbox item")
	return false, nil
}

// DeadLetter marks an item failed immediately, bypassing the retry budget.
// Used for permanent backend rejections and unprocessable payloads.
func (r *OutboxRepository) DeadLetter(ctx context.Context, id uuid.UUID, reason models.DeadLetterReason, errMsg string) error {
	ctx, span := tracing.StartSpan(ctx, "OutboxRepository.DeadLetter")
	defer span.End()

	item, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	return r.deadLetter(ctx, id, item.RetryCount+1, reason, errMsg)
}

func (r *OutboxRepository) deadLetter(ctx context.Context, id uuid.UUID, retries int, reason models.DeadLetterReason, errMsg string) error {
	ub := database.NewUpdateBuilder()
	ub.Update(outboxTable).
		Set(
			ub.Assign("status", models.OutboxStatusFailed),
			ub.Assign("retry_count", retries),
			ub.Assign("reason", reason),
			ub.Assign("last_error", errMsg),
		).
		Where(ub.Equal("id", id))

	query, args := ub.Build()
	if _, err := r.DB().ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"item_id": id,
			"reason":  reason,
		}).Error("failed to dead-letter outbox item")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to dead-letter outbox item")
	}
	return nil
}
