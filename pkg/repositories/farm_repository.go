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

const farmsTable = "farms"

// FarmRepository handles local farm rows. Farms are reference data: the
// warmer fills them, local writes are rare.
type FarmRepository struct {
	*Repository
}

// NewFarmRepository creates a new farm repository
func NewFarmRepository(db database.DB, logger ectologger.Logger) *FarmRepository {
	return &FarmRepository{Repository: NewRepository(db, logger)}
}

func (r *FarmRepository) GetByLocalID(ctx context.Context, localID uuid.UUID) (*models.Farm, error) {
	ctx, span := tracing.StartSpan(ctx, "FarmRepository.GetByLocalID")
	defer span.End()

	var farm models.Farm
	err := r.DB().GetContext(ctx, &farm, `SELECT * FROM farms WHERE local_id = ?`, localID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NotFound("farm %s does not exist", localID)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"farm_local_id": localID,
		}).Error("failed to get farm")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get farm")
	}
	return &farm, nil
}

func (r *FarmRepository) GetByServerID(ctx context.Context, serverID int64) (*models.Farm, error) {
	ctx, span := tracing.StartSpan(ctx, "FarmRepository.GetByServerID")
	defer span.End()

	var farm models.Farm
	err := r.DB().GetContext(ctx, &farm, `SELECT * FROM farms WHERE server_id = ?`, serverID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"farm_server_id": serverID,
		}).Error("failed to get farm by server id")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get farm by server id")
	}
	return &farm, nil
}

func (r *FarmRepository) List(ctx context.Context) ([]models.Farm, error) {
	ctx, span := tracing.StartSpan(ctx, "FarmRepository.List")
	defer span.End()

	var farms []models.Farm
	err := r.DB().SelectContext(ctx, &farms, `SELECT * FROM farms WHERE deleted_at IS NULL ORDER BY name`)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to list farms")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list farms")
	}
	return farms, nil
}

// SetServerID records the backend identity resolved for a local farm row.
func (r *FarmRepository) SetServerID(ctx context.Context, localID uuid.UUID, serverID int64) error {
	ctx, span := tracing.StartSpan(ctx, "FarmRepository.SetServerID")
	defer span.End()

	ub := database.NewUpdateBuilder()
	ub.Update(farmsTable).
		Set(
			ub.Assign("server_id", serverID),
			ub.Assign("updated_at", time.Now().UTC()),
		).
		Where(ub.Equal("local_id", localID))

	query, args := ub.Build()
	result, err := r.DB().ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"farm_local_id":  localID,
			"farm_server_id": serverID,
		}).Error("failed to set farm server id")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to set farm server id")
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return NotFound("farm %s does not exist", localID)
	}
	return nil
}

func (r *FarmRepository) BulkUpsertFromServer(ctx context.Context, farms []models.Farm) error {
	ctx, span := tracing.StartSpan(ctx, "FarmRepository.BulkUpsertFromServer")
	defer span.End()

	for i := range farms {
		farm := &farms[i]
		if farm.ServerID == nil {
			continue
		}
		if farm.LocalID == uuid.Nil {
			farm.LocalID = uuid.New()
		}
		farm.UpdatedAt = time.Now().UTC()

		ib := database.NewInsertBuilder()
		ib.InsertInto(farmsTable).
			Cols("local_id", "server_id", "name", "location", "deleted_at", "updated_at").
			Values(farm.LocalID, farm.ServerID, farm.Name, farm.Location, farm.DeletedAt, farm.UpdatedAt)

		ub := ib.OnConflict("server_id")
		ub.Set(
			ub.Assign("name", database.Excluded("name")),
			ub.Assign("location", database.Excluded("location")),
			ub.Assign("deleted_at", database.Excluded("deleted_at")),
			ub.Assign("updated_at", database.Excluded("updated_at")),
		)

		query, args := ib.Build()
		if _, err := r.DB().ExecContext(ctx, query, args...); err != nil {
			r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"farm_server_id": *farm.ServerID,
			}).Error("failed to bulk upsert farm")
			return httperror.NewHTTPError(http.StatusInternalServerError, "failed to bulk upsert farm")
		}
	}
	return nil
}
