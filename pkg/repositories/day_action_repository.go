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

const dayActionsTable = "day_actions"

// DayActionRepository handles the local mirror of day-scoped aggregate rows.
// Rows are keyed on (bed_local_id, day); Merge folds partial field sets into
// the existing row so that two mutations of the same day never produce two
// rows, mirroring how the reconciler upserts against the backend.
type DayActionRepository struct {
	*Repository
}

// NewDayActionRepository creates a new day action repository
func NewDayActionRepository(db database.DB, logger ectologger.Logger) *DayActionRepository {
	return &DayActionRepository{Repository: NewRepository(db, logger)}
}

// Merge upserts the given fields into the bed's row for the given day. New
// field values overwrite same-named old ones; fields absent from the input
// keep their stored value. Returns the post-merge row.
func (r *DayActionRepository) Merge(ctx context.Context, bedLocalID uuid.UUID, day string, fields models.JSONMap) (*models.DayAction, error) {
	ctx, span := tracing.StartSpan(ctx, "DayActionRepository.Merge")
	defer span.End()

	now := time.Now().UTC()

	existing, err := r.GetByBedAndDay(ctx, bedLocalID, day)
	if err != nil {
		return nil, err
	}

	if existing == nil {
		action := &models.DayAction{
			LocalID:    uuid.New(),
			BedLocalID: bedLocalID,
			Day:        day,
			Fields:     fields,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if action.Fields == nil {
			action.Fields = models.JSONMap{}
		}

		ib := database.NewInsertBuilder()
		ib.InsertInto(dayActionsTable).
			Cols("local_id", "server_id", "bed_local_id", "day", "fields", "created_at", "deleted_at", "updated_at").
			Values(action.LocalID, action.ServerID, action.BedLocalID, action.Day, action.Fields, action.CreatedAt, action.DeletedAt, action.UpdatedAt)

		query, args := ib.Build()
		if _, err := r.DB().ExecContext(ctx, query, args...); err != nil {
			r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"bed_local_id": bedLocalID,
				"day":          day,
			}).Error("failed to insert day action")
			return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to insert day action")
		}
		return action, nil
	}

	merged := models.JSONMap{}
	for k, v := range existing.Fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	existing.Fields = merged
	existing.UpdatedAt = now

	ub := database.NewUpdateBuilder()
	ub.Update(dayActionsTable).
		Set(
			ub.Assign("fields", merged),
			ub.Assign("updated_at", now),
		).
		Where(ub.Equal("local_id", existing.LocalID))

	query, args := ub.Build()
	if _, err := r.DB().ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"day_action_local_id": existing.LocalID,
		}).Error("failed to merge day action")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to merge day action")
	}
	return existing, nil
}

// GetByBedAndDay looks a row up by its natural key, nil when no row exists
// for that bed and day yet.
func (r *DayActionRepository) GetByBedAndDay(ctx context.Context, bedLocalID uuid.UUID, day string) (*models.DayAction, error) {
	ctx, span := tracing.StartSpan(ctx, "DayActionRepository.GetByBedAndDay")
	defer span.End()

	var action models.DayAction
	err := r.DB().GetContext(ctx, &action,
		`SELECT * FROM day_actions WHERE bed_local_id = ? AND day = ?`, bedLocalID, day)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"bed_local_id": bedLocalID,
			"day":          day,
		}).Error("failed to get day action")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get day action")
	}
	return &action, nil
}

func (r *DayActionRepository) ListByBed(ctx context.Context, bedLocalID uuid.UUID) ([]models.DayAction, error) {
	ctx, span := tracing.StartSpan(ctx, "DayActionRepository.ListByBed")
	defer span.End()

	var actions []models.DayAction
	err := r.DB().SelectContext(ctx, &actions,
		`SELECT * FROM day_actions WHERE bed_local_id = ? AND deleted_at IS NULL ORDER BY day DESC`, bedLocalID)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"bed_local_id": bedLocalID,
		}).Error("failed to list day actions")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list day actions")
	}
	return actions, nil
}

// SetServerID records the backend row id once the reconciler has pushed the
// day's record upstream.
func (r *DayActionRepository) SetServerID(ctx context.Context, localID uuid.UUID, serverID int64) error {
	ctx, span := tracing.StartSpan(ctx, "DayActionRepository.SetServerID")
	defer span.End()

	ub := database.NewUpdateBuilder()
	ub.Update(dayActionsTable).
		Set(
			ub.Assign("server_id", serverID),
			ub.Assign("updated_at", time.Now().UTC()),
		).
		Where(ub.Equal("local_id", localID))

	query, args := ub.Build()
	result, err := r.DB().ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"day_action_local_id": localID,
		}).Error("failed to set day action server id")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to set day action server id")
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return NotFound("day action %s does not exist", localID)
	}
	return nil
}
