// Package outbox is the write surface of the sync core: mutations land in
// the local store immediately and queue durably for the reconciler.
package outbox

import (
	"context"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/campoverde/campo/pkg/metrics"
	"github.com/campoverde/campo/pkg/models"
	"github.com/campoverde/campo/pkg/repositories"
	"github.com/campoverde/campo/pkg/tracing"
)

// Drainer is fired after a successful enqueue while online.
type Drainer interface {
	RequestDrain()
}

// Connectivity is the cached reachability answer.
type Connectivity interface {
	Online() bool
}

// Service implements addToOutbox: optimistic local write, durable enqueue,
// best-effort drain trigger. The local write happens first so the UI reads
// its own mutation back even if the enqueue is never drained.
type Service struct {
	outbox       *repositories.OutboxRepository
	beds         *repositories.BedRepository
	observations *repositories.ObservationRepository
	dayActions   *repositories.DayActionRepository
	conn         Connectivity
	drainer      Drainer
	logger       ectologger.Logger
}

// NewService creates a new outbox service
func NewService(
	outbox *repositories.OutboxRepository,
	beds *repositories.BedRepository,
	observations *repositories.ObservationRepository,
	dayActions *repositories.DayActionRepository,
	conn Connectivity,
	drainer Drainer,
	logger ectologger.Logger,
) *Service {
	return &Service{
		outbox:       outbox,
		beds:         beds,
		observations: observations,
		dayActions:   dayActions,
		conn:         conn,
		drainer:      drainer,
		logger:       logger,
	}
}

// Add validates and queues a mutation. The payload is captured verbatim; a
// missing local_id on create is filled in so the caller learns the key its
// row will live under.
func (s *Service) Add(ctx context.Context, table string, op models.Operation, payload models.JSONMap) (*models.OutboxItem, error) {
	ctx, span := tracing.StartSpan(ctx, "OutboxService.Add")
	defer span.End()

	if !models.MutationTable(table) {
		return nil, repositories.BadRequest("table does not accept mutations: " + table)
	}
	if !models.ValidOperation(op) {
		return nil, repositories.BadRequest("unknown operation: " + string(op))
	}
	if table == models.TableDayActions && op == models.OperationDelete {
		return nil, repositories.BadRequest("day actions cannot be deleted")
	}
	if payload == nil {
		payload = models.JSONMap{}
	}

	if op == models.OperationCreate && table != models.TableDayActions {
		if _, ok := payload["local_id"].(string); !ok {
			payload["local_id"] = uuid.New().String()
		}
	}

	if err := s.applyLocal(ctx, table, op, payload); err != nil {
		return nil, err
	}

	item, err := s.outbox.Enqueue(ctx, table, op, payload)
	if err != nil {
		return nil, err
	}

	metrics.OutboxEnqueuedTotal.WithLabelValues(table, string(op)).Inc()
	if count, err := s.outbox.PendingCount(ctx); err == nil {
		metrics.OutboxPending.Set(float64(count))
	}

	s.logger.WithContext(ctx).WithFields(map[string]any{
		"outbox_id": item.ID,
		"table":     table,
		"operation": op,
	}).Info("Mutation enqueued")

	if s.conn.Online() {
		s.drainer.RequestDrain()
	}

	return item, nil
}

// applyLocal writes the optimistic mirror so reads reflect the mutation
// before the backend ever hears about it.
func (s *Service) applyLocal(ctx context.Context, table string, op models.Operation, payload models.JSONMap) error {
	switch table {
	case models.TableBeds:
		return s.applyBed(ctx, op, payload)
	case models.TableObservations:
		return s.applyObservation(ctx, op, payload)
	case models.TableDayActions:
		return s.applyDayAction(ctx, payload)
	}
	return repositories.BadRequest("table does not accept mutations: " + table)
}

func (s *Service) applyBed(ctx context.Context, op models.Operation, payload models.JSONMap) error {
	localID, err := payloadUUID(payload, "local_id")
	if err != nil {
		return err
	}

	if op == models.OperationDelete {
		return s.beds.SoftDelete(ctx, localID)
	}

	bed := &models.Bed{LocalID: localID}
	if existing, err := s.beds.GetByLocalID(ctx, localID); err == nil {
		bed = existing
	}

	if blockID, err := payloadUUID(payload, "block_local_id"); err == nil {
		bed.BlockLocalID = blockID
	} else if op == models.OperationCreate {
		return err
	}
	if groupID, err := payloadUUID(payload, "group_local_id"); err == nil {
		bed.GroupLocalID = &groupID
	}
	if name, ok := payload["name"].(string); ok {
		bed.Name = name
	}
	if bed.Name == "" {
		return repositories.BadRequest("bed name is required")
	}

	return s.beds.Put(ctx, bed)
}

func (s *Service) applyObservation(ctx context.Context, op models.Operation, payload models.JSONMap) error {
	localID, err := payloadUUID(payload, "local_id")
	if err != nil {
		return err
	}

	if op == models.OperationDelete {
		obs, err := s.observations.GetByLocalID(ctx, localID)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		obs.DeletedAt = &now
		return s.observations.Put(ctx, obs)
	}

	obs := &models.Observation{LocalID: localID, ObservedAt: time.Now().UTC()}
	if existing, err := s.observations.GetByLocalID(ctx, localID); err == nil {
		obs = existing
	}

	if bedID, err := payloadUUID(payload, "bed_local_id"); err == nil {
		obs.BedLocalID = bedID
	} else if op == models.OperationCreate {
		return err
	}
	if note, ok := payload["note"].(string); ok {
		obs.Note = note
	}
	if raw, ok := payload["observed_at"].(string); ok {
		observedAt, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return repositories.BadRequest("malformed observed_at")
		}
		obs.ObservedAt = observedAt
	}

	return s.observations.Put(ctx, obs)
}

// applyDayAction folds the payload's measurement fields into the bed's row
// for the payload's calendar day. Create and update collapse into the same
// merge; the backend-side upsert mirrors this exactly. Delete is rejected
// upstream: day rows are append-and-merge records, they are never removed.
func (s *Service) applyDayAction(ctx context.Context, payload models.JSONMap) error {
	bedLocalID, err := payloadUUID(payload, "bed_local_id")
	if err != nil {
		return err
	}

	raw, ok := payload["created_at"].(string)
	if !ok || raw == "" {
		return repositories.BadRequest("missing created_at")
	}
	createdAt, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return repositories.BadRequest("malformed created_at")
	}

	fields := models.JSONMap{}
	for _, name := range models.DayActionFields {
		if v, ok := payload[name]; ok {
			fields[name] = v
		}
	}

	_, err = s.dayActions.Merge(ctx, bedLocalID, models.CalendarDay(createdAt), fields)
	return err
}

func payloadUUID(payload models.JSONMap, key string) (uuid.UUID, error) {
	raw, ok := payload[key].(string)
	if !ok || raw == "" {
		return uuid.Nil, repositories.BadRequest("missing " + key)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, repositories.BadRequest("malformed " + key)
	}
	return id, nil
}
