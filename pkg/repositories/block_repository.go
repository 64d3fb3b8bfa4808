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

const blocksTable = "blocks"

// BlockRepository handles local block rows, the parent level between farms
// and beds. The reconciler resolves bed identity through blocks, so the
// server-id lookups here sit on the sync hot path.
type BlockRepository struct {
	*Repository
}

// NewBlockRepository creates a new block repository
func NewBlockRepository(db database.DB, logger ectologger.Logger) *BlockRepository {
	return &BlockRepository{Repository: NewRepository(db, logger)}
}

func (r *BlockRepository) GetByLocalID(ctx context.Context, localID uuid.UUID) (*models.Block, error) {
	ctx, span := tracing.StartSpan(ctx, "BlockRepository.GetByLocalID")
	defer span.End()

	var block models.Block
	err := r.DB().GetContext(ctx, &block, `SELECT * FROM blocks WHERE local_id = ?`, localID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NotFound("block %s does not exist", localID)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"block_local_id": localID,
		}).Error("failed to get block")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get block")
	}
	return &block, nil
}

func (r *BlockRepository) GetByServerID(ctx context.Context, serverID int64) (*models.Block, error) {
	ctx, span := tracing.StartSpan(ctx, "BlockRepository.GetByServerID")
	defer span.End()

	var block models.Block
	err := r.DB().GetContext(ctx, &block, `SELECT * FROM blocks WHERE server_id = ?`, serverID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"block_server_id": serverID,
		}).Error("failed to get block by server id")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get block by server id")
	}
	return &block, nil
}

func (r *BlockRepository) ListByFarm(ctx context.Context, farmLocalID uuid.UUID) ([]models.Block, error) {
	ctx, span := tracing.StartSpan(ctx, "BlockRepository.ListByFarm")
	defer span.End()

	var blocks []models.Block
	err := r.DB().SelectContext(ctx, &blocks,
		`SELECT * FROM blocks WHERE farm_local_id = ? AND deleted_at IS NULL ORDER BY name`, farmLocalID)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"farm_local_id": farmLocalID,
		}).Error("failed to list blocks")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list blocks")
	}
	return blocks, nil
}

// SetServerID records the backend identity resolved for a locally created block.
func (r *BlockRepository) SetServerID(ctx context.Context, localID uuid.UUID, serverID int64) error {
	ctx, span := tracing.StartSpan(ctx, "BlockRepository.SetServerID")
	defer span.End()

	ub := database.NewUpdateBuilder()
	ub.Update(blocksTable).
		Set(
			ub.Assign("server_id", serverID),
			ub.Assign("updated_at", time.Now().UTC()),
		).
		Where(ub.Equal("local_id", localID))

	query, args := ub.Build()
	result, err := r.DB().ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"block_local_id":  localID,
			"block_server_id": serverID,
		}).Error("failed to set block server id")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to set block server id")
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return NotFound("block %s does not exist", localID)
	}
	return nil
}

func (r *BlockRepository) BulkUpsertFromServer(ctx context.Context, blocks []models.Block) error {
	ctx, span := tracing.StartSpan(ctx, "BlockRepository.BulkUpsertFromServer")
	defer span.End()

	for i := range blocks {
		block := &blocks[i]
		if block.ServerID == nil {
			continue
		}
		if block.LocalID == uuid.Nil {
			block.LocalID = uuid.New()
		}
		block.UpdatedAt = time.Now().UTC()

		ib := database.NewInsertBuilder()
		ib.InsertInto(blocksTable).
			Cols("local_id", "server_id", "farm_local_id", "name", "deleted_at", "updated_at").
			Values(block.LocalID, block.ServerID, block.FarmLocalID, block.Name, block.DeletedAt, block.UpdatedAt)

		ub := ib.OnConflict("server_id")
		ub.Set(
			ub.Assign("farm_local_id", database.Excluded("farm_local_id")),
			ub.Assign("name", database.Excluded("name")),
			ub.Assign("deleted_at", database.Excluded("deleted_at")),
			ub.Assign("updated_at", database.Excluded("updated_at")),
		)

		query, args := ib.Build()
		if _, err := r.DB().ExecContext(ctx, query, args...); err != nil {
			r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"block_server_id": *block.ServerID,
			}).Error("failed to bulk upsert block")
			return httperror.NewHTTPError(http.StatusInternalServerError, "failed to bulk upsert block")
		}
	}
	return nil
}
