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

const varietiesTable = "varieties"

// VarietyRepository handles the cached variety catalog.
type VarietyRepository struct {
	*Repository
}

// NewVarietyRepository creates a new variety repository
func NewVarietyRepository(db database.DB, logger ectologger.Logger) *VarietyRepository {
	return &VarietyRepository{Repository: NewRepository(db, logger)}
}

func (r *VarietyRepository) List(ctx context.Context) ([]models.Variety, error) {
	ctx, span := tracing.StartSpan(ctx, "VarietyRepository.List")
	defer span.End()

	var varieties []models.Variety
	err := r.DB().SelectContext(ctx, &varieties, `SELECT * FROM varieties WHERE deleted_at IS NULL ORDER BY name`)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to list varieties")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list varieties")
	}
	return varieties, nil
}

func (r *VarietyRepository) GetByServerID(ctx context.Context, serverID int64) (*models.Variety, error) {
	ctx, span := tracing.StartSpan(ctx, "VarietyRepository.GetByServerID")
	defer span.End()

	var variety models.Variety
	err := r.DB().GetContext(ctx, &variety, `SELECT * FROM varieties WHERE server_id = ?`, serverID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"variety_server_id": serverID,
		}).Error("failed to get variety by server id")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get variety by server id")
	}
	return &variety, nil
}

func (r *VarietyRepository) BulkUpsertFromServer(ctx context.Context, varieties []models.Variety) error {
	ctx, span := tracing.StartSpan(ctx, "VarietyRepository.BulkUpsertFromServer")
	defer span.End()

	for i := range varieties {
		variety := &varieties[i]
		if variety.ServerID == nil {
			continue
		}
		if variety.LocalID == uuid.Nil {
			variety.LocalID = uuid.New()
		}
		variety.UpdatedAt = time.Now().UTC()

		ib := database.NewInsertBuilder()
		ib.InsertInto(varietiesTable).
			Cols("local_id", "server_id", "name", "species", "deleted_at", "updated_at").
			Values(variety.LocalID, variety.ServerID, variety.Name, variety.Species, variety.DeletedAt, variety.UpdatedAt)

		ub := ib.OnConflict("server_id")
		ub.Set(
			ub.Assign("name", database.Excluded("name")),
			ub.Assign("species", database.Excluded("species")),
			ub.Assign("deleted_at", database.Excluded("deleted_at")),
			ub.Assign("updated_at", database.Excluded("updated_at")),
		)

		query, args := ib.Build()
		if _, err := r.DB().ExecContext(ctx, query, args...); err != nil {
			r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"variety_server_id": *variety.ServerID,
			}).Error("failed to bulk upsert variety")
			return httperror.NewHTTPError(http.StatusInternalServerError, "failed to bulk upsert variety")
		}
	}
	return nil
}
