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

const observationsTable = "observations"

// ObservationRepository handles locally captured field observations. These
// are write-mostly rows: captured offline, pushed through the outbox, read
// back per bed.
type ObservationRepository struct {
	*Repository
}

// NewObservationRepository creates a new observation repository
func NewObservationRepository(db database.DB, logger ectologger.Logger) *ObservationRepository {
	return &ObservationRepository{Repository: NewRepository(db, logger)}
}

// Put upserts an observation by its local id.
func (r *ObservationRepository) Put(ctx context.Context, obs *models.Observation) error {
	ctx, span := tracing.StartSpan(ctx, "ObservationRepository.Put")
	defer span.End()

	if obs.LocalID == uuid.Nil {
		obs.LocalID = uuid.New()
	}
	obs.UpdatedAt = time.Now().UTC()

	ib := database.NewInsertBuilder()
	ib.InsertInto(observationsTable).
		Cols("local_id", "server_id", "bed_local_id", "note", "observed_at", "deleted_at", "updated_at").
		Values(obs.LocalID, obs.ServerID, obs.BedLocalID, obs.Note, obs.ObservedAt, obs.DeletedAt, obs.UpdatedAt)

	ub := ib.OnConflict("local_id")
	ub.Set(
		ub.Assign("server_id", database.Excluded("server_id")),
		ub.Assign("note", database.Excluded("note")),
		ub.Assign("observed_at", database.Excluded("observed_at")),
		ub.Assign("deleted_at", database.Excluded("deleted_at")),
		ub.Assign("updated_at", database.Excluded("updated_at")),
	)

	query, args := ib.Build()
	if _, err := r.DB().ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"observation_local_id": obs.LocalID,
		}).Error("failed to put observation")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to put observation")
	}
	return nil
}

func (r *ObservationRepository) GetByLocalID(ctx context.Context, localID uuid.UUID) (*models.Observation, error) {
	ctx, span := tracing.StartSpan(ctx, "ObservationRepository.GetByLocalID")
	defer span.End()

	var obs models.Observation
	err := r.DB().GetContext(ctx, &obs, `SELECT * FROM observations WHERE local_id = ?`, localID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NotFound("observation %s does not exist", localID)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"observation_local_id": localID,
		}).Error("failed to get observation")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get observation")
	}
	return &obs, nil
}

func (r *ObservationRepository) ListByBed(ctx context.Context, bedLocalID uuid.UUID) ([]models.Observation, error) {
	ctx, span := tracing.StartSpan(ctx, "ObservationRepository.ListByBed")
	defer span.End()

	var observations []models.Observation
	err := r.DB().SelectContext(ctx, &observations,
		`SELECT * FROM observations WHERE bed_local_id = ? AND deleted_at IS NULL ORDER BY observed_at DESC`, bedLocalID)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"bed_local_id": bedLocalID,
		}).Error("failed to list observations")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list observations")
	}
	return observations, nil
}

// SetServerID records the backend identity the reconciler resolved for a
// locally created observation.
func (r *ObservationRepository) SetServerID(ctx context.Context, localID uuid.UUID, serverID int64) error {
	ctx, span := tracing.StartSpan(ctx, "ObservationRepository.SetServerID")
	defer span.End()

	ub := database.NewUpdateBuilder()
	ub.Update(observationsTable).
		Set(
			ub.Assign("server_id", serverID),
			ub.Assign("updated_at", time.Now().UTC()),
		).
		Where(ub.Equal("local_id", localID))

	query, args := ub.Build()
	result, err := r.DB().ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"observation_local_id":  localID,
			"observation_server_id": serverID,
		}).Error("failed to set observation server id")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to set observation server id")
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return NotFound("observation %s does not exist", localID)
	}
	return nil
}
