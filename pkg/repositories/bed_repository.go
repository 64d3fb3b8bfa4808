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

const bedsTable = "beds"

// BedRepository handles local bed rows. Beds are the identity-resolution
// hot path: locally created beds sit here without a server_id until the
// reconciler learns one.
type BedRepository struct {
	*Repository
}

// NewBedRepository creates a new bed repository
func NewBedRepository(db database.DB, logger ectologger.Logger) *BedRepository {
	return &BedRepository{Repository: NewRepository(db, logger)}
}

// Put upserts a bed by its local id.
func (r *BedRepository) Put(ctx context.Context, bed *models.Bed) error {
	ctx, span := tracing.StartSpan(ctx, "BedRepository.Put")
	defer span.End()

	if bed.LocalID == uuid.Nil {
		bed.LocalID = uuid.New()
	}
	bed.UpdatedAt = time.Now().UTC()

	ib := database.NewInsertBuilder()
	ib.InsertInto(bedsTable).
		Cols("local_id", "server_id", "block_local_id", "group_local_id", "name", "deleted_at", "updated_at").
		Values(bed.LocalID, bed.ServerID, bed.BlockLocalID, bed.GroupLocalID, bed.Name, bed.DeletedAt, bed.UpdatedAt)

	ub := ib.OnConflict("local_id")
	ub.Set(
		ub.Assign("server_id", database.Excluded("server_id")),
		ub.Assign("block_local_id", database.Excluded("block_local_id")),
		ub.Assign("group_local_id", database.Excluded("group_local_id")),
		ub.Assign("name", database.Excluded("name")),
		ub.Assign("deleted_at", database.Excluded("deleted_at")),
		ub.Assign("updated_at", database.Excluded("updated_at")),
	)

	query, args := ib.Build()
	if _, err := r.DB().ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"bed_local_id": bed.LocalID,
		}).Error("failed to put bed")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to put bed")
	}
	return nil
}

// GetByLocalID retrieves a bed by its local key.
func (r *BedRepository) GetByLocalID(ctx context.Context, localID uuid.UUID) (*models.Bed, error) {
	ctx, span := tracing.StartSpan(ctx, "BedRepository.GetByLocalID")
	defer span.End()

	var bed models.Bed
	err := r.DB().GetContext(ctx, &bed, `SELECT * FROM beds WHERE local_id = ?`, localID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NotFound("bed %s does not exist", localID)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"bed_local_id": localID,
		}).Error("failed to get bed")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get bed")
	}
	return &bed, nil
}

// GetByServerID retrieves a bed by its backend-assigned id, nil when the
// server row has never been cached locally.
func (r *BedRepository) GetByServerID(ctx context.Context, serverID int64) (*models.Bed, error) {
	ctx, span := tracing.StartSpan(ctx, "BedRepository.GetByServerID")
	defer span.End()

	var bed models.Bed
	err := r.DB().GetContext(ctx, &bed, `SELECT * FROM beds WHERE server_id = ?`, serverID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"bed_server_id": serverID,
		}).Error("failed to get bed by server id")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get bed by server id")
	}
	return &bed, nil
}

// ListByBlock is the secondary-index read the UI uses: all live beds in a block.
func (r *BedRepository) ListByBlock(ctx context.Context, blockLocalID uuid.UUID) ([]models.Bed, error) {
	ctx, span := tracing.StartSpan(ctx, "BedRepository.ListByBlock")
	defer span.End()

	var beds []models.Bed
	err := r.DB().SelectContext(ctx, &beds,
		`SELECT * FROM beds WHERE block_local_id = ? AND deleted_at IS NULL ORDER BY name`, blockLocalID)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"block_local_id": blockLocalID,
		}).Error("failed to list beds")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list beds")
	}
	return beds, nil
}

// SetServerID records the backend identity the reconciler resolved for a
// locally created bed.
func (r *BedRepository) SetServerID(ctx context.Context, localID uuid.UUID, serverID int64) error {
	ctx, span := tracing.StartSpan(ctx, "BedRepository.SetServerID")
	defer span.End()

	ub := database.NewUpdateBuilder()
	ub.Update(bedsTable).
		Set(
			ub.Assign("server_id", serverID),
			ub.Assign("updated_at", time.Now().UTC()),
		).
		Where(ub.Equal("local_id", localID))

	query, args := ub.Build()
	result, err := r.DB().ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"bed_local_id":  localID,
			"bed_server_id": serverID,
		}).Error("failed to set bed server id")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to set bed server id")
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return NotFound("bed %s does not exist", localID)
	}
	return nil
}

// SoftDelete marks a bed deleted without removing the row, so a queued
// delete can still be propagated.
func (r *BedRepository) SoftDelete(ctx context.Context, localID uuid.UUID) error {
	ctx, span := tracing.StartSpan(ctx, "BedRepository.SoftDelete")
	defer span.End()

	ub := database.NewUpdateBuilder()
	ub.Update(bedsTable).
		Set(
			ub.Assign("deleted_at", time.Now().UTC()),
			ub.Assign("updated_at", time.Now().UTC()),
		).
		Where(ub.Equal("local_id", localID))

	query, args := ub.Build()
	if _, err := r.DB().ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"bed_local_id": localID,
		}).Error("failed to soft-delete bed")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to soft-delete bed")
	}
	return nil
}

// BulkUpsertFromServer overwrites the cached mirror keyed on server_id. Rows
// without a server id never match the conflict target, so unsynced local
// beds are untouched by warm passes.
func (r *BedRepository) BulkUpsertFromServer(ctx context.Context, beds []models.Bed) error {
	ctx, span := tracing.StartSpan(ctx, "BedRepository.BulkUpsertFromServer")
	defer span.End()

	for i := range beds {
		bed := &beds[i]
		if bed.ServerID == nil {
			continue
		}
		if bed.LocalID == uuid.Nil {
			bed.LocalID = uuid.New()
		}
		bed.UpdatedAt = time.Now().UTC()

		ib := database.NewInsertBuilder()
		ib.InsertInto(bedsTable).
			Cols("local_id", "server_id", "block_local_id", "group_local_id", "name", "deleted_at", "updated_at").
			Values(bed.LocalID, bed.ServerID, bed.BlockLocalID, bed.GroupLocalID, bed.Name, bed.DeletedAt, bed.UpdatedAt)

		ub := ib.OnConflict("server_id")
		ub.Set(
			ub.Assign("block_local_id", database.Excluded("block_local_id")),
			ub.Assign("group_local_id", database.Excluded("group_local_id")),
			ub.Assign("name", database.Excluded("name")),
			ub.Assign("deleted_at", database.Excluded("deleted_at")),
			ub.Assign("updated_at", database.Excluded("updated_at")),
		)

		query, args := ib.Build()
		if _, err := r.DB().ExecContext(ctx, query, args...); err != nil {
			r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"bed_server_id": *bed.ServerID,
			}).Error("failed to bulk upsert bed")
			return httperror.NewHTTPError(http.StatusInternalServerError, "failed to bulk upsert bed")
		}
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"count": len(beds),
	}).Debugf("Bulk upserted %s", bedsTable)
	return nil
}
