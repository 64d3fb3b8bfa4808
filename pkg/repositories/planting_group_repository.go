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

const plantingGroupsTable = "planting_groups"

// PlantingGroupRepository handles the cached planting-group catalog.
type PlantingGroupRepository struct {
	*Repository
}

// NewPlantingGroupRepository creates a new planting group repository
func NewPlantingGroupRepository(db database.DB, logger ectologger.Logger) *PlantingGroupRepository {
	return &PlantingGroupRepository{Repository: NewRepository(db, logger)}
}

func (r *PlantingGroupRepository) ListByBlock(ctx context.Context, blockLocalID uuid.UUID) ([]models.PlantingGroup, error) {
	ctx, span := tracing.StartSpan(ctx, "PlantingGroupRepository.ListByBlock")
	defer span.End()

	var groups []models.PlantingGroup
	err := r.DB().SelectContext(ctx, &groups,
		`SELECT * FROM planting_groups WHERE block_local_id = ? AND deleted_at IS NULL ORDER BY name`, blockLocalID)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"block_local_id": blockLocalID,
		}).Error("failed to list planting groups")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list planting groups")
	}
	return groups, nil
}

func (r *PlantingGroupRepository) GetByServerID(ctx context.Context, serverID int64) (*models.PlantingGroup, error) {
	ctx, span := tracing.StartSpan(ctx, "PlantingGroupRepository.GetByServerID")
	defer span.End()

	var group models.PlantingGroup
	err := r.DB().GetContext(ctx, &group, `SELECT * FROM planting_groups WHERE server_id = ?`, serverID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"group_server_id": serverID,
		}).Error("failed to get planting group by server id")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get planting group by server id")
	}
	return &group, nil
}

func (r *PlantingGroupRepository) BulkUpsertFromServer(ctx context.Context, groups []models.PlantingGroup) error {
	ctx, span := tracing.StartSpan(ctx, "PlantingGroupRepository.BulkUpsertFromServer")
	defer span.End()

	for i := range groups {
		group := &groups[i]
		if group.ServerID == nil {
			continue
		}
		if group.LocalID == uuid.Nil {
			group.LocalID = uuid.New()
		}
		group.UpdatedAt = time.Now().UTC()

		ib := database.NewInsertBuilder()
		ib.InsertInto(plantingGroupsTable).
			Cols("local_id", "server_id", "block_local_id", "variety_local_id", "name", "planted_at", "deleted_at", "updated_at").
			Values(group.LocalID, group.ServerID, group.BlockLocalID, group.VarietyLocalID, group.Name, group.PlantedAt, group.DeletedAt, group.UpdatedAt)

		ub := ib.OnConflict("server_id")
		ub.Set(
			ub.Assign("block_local_id", database.Excluded("block_local_id")),
			ub.Assign("variety_local_id", database.Excluded("variety_local_id")),
			ub.Assign("name", database.Excluded("name")),
			ub.Assign("planted_at", database.Excluded("planted_at")),
			ub.Assign("deleted_at", database.Excluded("deleted_at")),
			ub.Assign("updated_at", database.Excluded("updated_at")),
		)

		query, args := ib.Build()
		if _, err := r.DB().ExecContext(ctx, query, args...); err != nil {
			r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"group_server_id": *group.ServerID,
			}).Error("failed to bulk upsert planting group")
			return httperror.NewHTTPError(http.StatusInternalServerError, "failed to bulk upsert planting group")
		}
	}
	return nil
}
