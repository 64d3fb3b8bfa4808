// Package sync drains the outbox against the remote backend: identity
// resolution for locally created rows, day-scoped idempotent upserts for
// aggregate records, retry/dead-letter bookkeeping for everything that
// fails.
package sync

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/campoverde/campo/pkg/metrics"
	"github.com/campoverde/campo/pkg/models"
	"github.com/campoverde/campo/pkg/remote"
	"github.com/campoverde/campo/pkg/repositories"
	"github.com/campoverde/campo/pkg/tracing"
)

// Connectivity is the cached reachability answer the reconciler consults
// before touching the network.
type Connectivity interface {
	Online() bool
}

var errInvalidPayload = errors.New("invalid payload")

func invalidPayloadf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errInvalidPayload, fmt.Sprintf(format, args...))
}

// PassStats summarizes one drain pass.
type PassStats struct {
	StartedAt    time.Time     `json:"started_at"`
	Duration     time.Duration `json:"duration"`
	Offline      bool          `json:"offline"`
	Processed    int           `json:"processed"`
	Succeeded    int           `json:"succeeded"`
	Requeued     int           `json:"requeued"`
	DeadLettered int           `json:"dead_lettered"`
	Skipped      int           `json:"skipped"`
}

// Reconciler runs drain passes over the outbox.
type Reconciler struct {
	outbox       *repositories.OutboxRepository
	beds         *repositories.BedRepository
	observations *repositories.ObservationRepository
	dayActions   *repositories.DayActionRepository
	resolver     *Resolver
	backend      Backend
	conn         Connectivity
	logger       ectologger.Logger

	lastPass   *PassStats
	lastPassMu sync.RWMutex
}

// NewReconciler creates a new reconciler
func NewReconciler(
	outbox *repositories.OutboxRepository,
	beds *repositories.BedRepository,
	observations *repositories.ObservationRepository,
	dayActions *repositories.DayActionRepository,
	resolver *Resolver,
	backend Backend,
	conn Connectivity,
	logger ectologger.Logger,
) *Reconciler {
	return &Reconciler{
		outbox:       outbox,
		beds:         beds,
		observations: observations,
		dayActions:   dayActions,
		resolver:     resolver,
		backend:      backend,
		conn:         conn,
		logger:       logger,
	}
}

// LastPass returns the stats of the most recent drain pass, nil before the
// first one.
func (r *Reconciler) LastPass() *PassStats {
	r.lastPassMu.RLock()
	defer r.lastPassMu.RUnlock()
	if r.lastPass == nil {
		return nil
	}
	stats := *r.lastPass
	return &stats
}

// ProcessOutbox runs one full drain pass. Offline is a quiet no-op, never an
// error: queued items simply wait for the next trigger.
func (r *Reconciler) ProcessOutbox(ctx context.Context) (*PassStats, error) {
	ctx, span := tracing.StartSpan(ctx, "Reconciler.ProcessOutbox")
	defer span.End()

	stats := &PassStats{StartedAt: time.Now().UTC()}
	defer func() {
		stats.Duration = time.Since(stats.StartedAt)
		r.lastPassMu.Lock()
		r.lastPass = stats
		r.lastPassMu.Unlock()
	}()

	if !r.conn.Online() {
		stats.Offline = true
		metrics.DrainPassesTotal.WithLabelValues("offline").Inc()
		r.logger.WithContext(ctx).Debug("Skipping drain pass, backend is offline")
		return stats, nil
	}

	items, err := r.outbox.Pending(ctx)
	if err != nil {
		metrics.DrainPassesTotal.WithLabelValues("error").Inc()
		return stats, err
	}

	if len(items) == 0 {
		metrics.DrainPassesTotal.WithLabelValues("empty").Inc()
		return stats, nil
	}

	r.logger.WithContext(ctx).Infof("Draining %d outbox items", len(items))

	// One entry per mutation target per pass. A second queued item for a
	// target already handled this pass stays pending for the next one.
	inFlight := map[string]struct{}{}

	for i := range items {
		item := &items[i]

		key := targetKey(item)
		if _, busy := inFlight[key]; busy {
			stats.Skipped++
			continue
		}
		inFlight[key] = struct{}{}

		if err := r.outbox.MarkProcessing(ctx, item.ID); err != nil {
			// Another pass already owns the item.
			stats.Skipped++
			continue
		}
		stats.Processed++

		if err := r.processItem(ctx, item); err != nil {
			r.recordFailure(ctx, item, err, stats)
			continue
		}

		if err := r.outbox.MarkSucceeded(ctx, item.ID); err != nil {
			r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"outbox_id": item.ID,
			}).Error("Failed to remove succeeded outbox item")
			continue
		}
		stats.Succeeded++
		metrics.ItemsProcessedTotal.WithLabelValues(item.Table, "succeeded").Inc()
	}

	if pending, err := r.outbox.PendingCount(ctx); err == nil {
		metrics.OutboxPending.Set(float64(pending))
	}

	metrics.DrainPassesTotal.WithLabelValues("completed").Inc()
	metrics.DrainPassDuration.Observe(time.Since(stats.StartedAt).Seconds())

	r.logger.WithContext(ctx).Infof("Drain pass completed: processed=%d succeeded=%d requeued=%d dead_lettered=%d skipped=%d",
		stats.Processed, stats.Succeeded, stats.Requeued, stats.DeadLettered, stats.Skipped)

	return stats, nil
}

// recordFailure routes a failed item to requeue or dead-letter based on the
// error class. Permanent rejections never burn retries.
func (r *Reconciler) recordFailure(ctx context.Context, item *models.OutboxItem, itemErr error, stats *PassStats) {
	log := r.logger.WithContext(ctx).WithError(itemErr).WithFields(map[string]any{
		"outbox_id": item.ID,
		"table":     item.Table,
		"operation": item.Operation,
	})

	reason, permanent := classify(item, itemErr)
	if permanent {
		log.Warnf("Dead-lettering outbox item: %s", reason)
		if err := r.outbox.DeadLetter(ctx, item.ID, reason, itemErr.Error()); err != nil {
			log.WithError(err).Error("Failed to dead-letter outbox item")
			return
		}
		stats.DeadLettered++
		metrics.ItemsProcessedTotal.WithLabelValues(item.Table, "dead_lettered").Inc()
		metrics.DeadLetteredTotal.WithLabelValues(string(reason)).Inc()
		return
	}

	log.Warn("Requeueing outbox item after transient failure")
	deadLettered, err := r.outbox.Fail(ctx, item.ID, itemErr.Error())
	if err != nil {
		log.WithError(err).Error("Failed to requeue outbox item")
		return
	}
	if deadLettered {
		stats.DeadLettered++
		metrics.ItemsProcessedTotal.WithLabelValues(item.Table, "dead_lettered").Inc()
		metrics.DeadLetteredTotal.WithLabelValues(string(models.DLQReasonMaxRetries)).Inc()
		return
	}
	stats.Requeued++
	metrics.ItemsProcessedTotal.WithLabelValues(item.Table, "requeued").Inc()
}

// classify decides whether a failure is worth retrying and, when it is not,
// which dead-letter reason applies.
func classify(item *models.OutboxItem, err error) (models.DeadLetterReason, bool) {
	if !models.MutationTable(item.Table) {
		return models.DLQReasonUnknownTable, true
	}
	if errors.Is(err, errInvalidPayload) {
		return models.DLQReasonInvalidPayload, true
	}
	if _, ok := remote.IsBackendError(err); ok && !remote.IsTransient(err) {
		return models.DLQReasonBackendRejected, true
	}
	return "", false
}

// targetKey identifies the mutation target an item addresses, so two queued
// items for the same target never race within a pass.
func targetKey(item *models.OutboxItem) string {
	switch item.Table {
	case models.TableDayActions:
		bed, _ := item.Payload["bed_local_id"].(string)
		day := ""
		if t, err := payloadTime(item.Payload, "created_at"); err == nil {
			day = models.CalendarDay(t)
		}
		return item.Table + "/" + bed + "/" + day
	default:
		id, _ := item.Payload["local_id"].(string)
		return item.Table + "/" + id
	}
}

// processItem pushes one mutation upstream.
func (r *Reconciler) processItem(ctx context.Context, item *models.OutboxItem) error {
	ctx, span := tracing.StartSpan(ctx, "Reconciler.processItem")
	defer span.End()

	if !models.MutationTable(item.Table) {
		return fmt.Errorf("table %q does not accept mutations", item.Table)
	}

	switch item.Table {
	case models.TableBeds:
		return r.processBed(ctx, item)
	case models.TableObservations:
		return r.processObservation(ctx, item)
	case models.TableDayActions:
		return r.processDayAction(ctx, item)
	}
	return fmt.Errorf("table %q does not accept mutations", item.Table)
}

func (r *Reconciler) processBed(ctx context.Context, item *models.OutboxItem) error {
	localID, err := payloadUUID(item.Payload, "local_id")
	if err != nil {
		return err
	}

	switch item.Operation {
	case models.OperationCreate:
		// Resolution finds the bed by natural key or creates it upstream,
		// either way the create is satisfied.
		_, err := r.resolver.BedServerID(ctx, localID)
		return err

	case models.OperationUpdate:
		serverID, err := r.resolver.BedServerID(ctx, localID)
		if err != nil {
			return err
		}
		bed, err := r.beds.GetByLocalID(ctx, localID)
		if err != nil {
			return invalidPayloadf("bed %s is not in the local store: %v", localID, err)
		}
		_, err = r.backend.Update(ctx, models.TableBeds,
			[]remote.Filter{remote.Eq("id", serverID)},
			remote.Row{"name": bed.Name})
		return err

	case models.OperationDelete:
		bed, err := r.beds.GetByLocalID(ctx, localID)
		if err != nil {
			// Row already gone locally, nothing to propagate.
			return nil
		}
		if bed.ServerID == nil {
			// Never reached the backend, the local soft-delete is enough.
			return nil
		}
		return r.backend.Delete(ctx, models.TableBeds, []remote.Filter{remote.Eq("id", *bed.ServerID)})
	}
	return invalidPayloadf("unsupported operation %q", item.Operation)
}

func (r *Reconciler) processObservation(ctx context.Context, item *models.OutboxItem) error {
	localID, err := payloadUUID(item.Payload, "local_id")
	if err != nil {
		return err
	}

	obs, err := r.observations.GetByLocalID(ctx, localID)
	if err != nil {
		if item.Operation == models.OperationDelete {
			return nil
		}
		return invalidPayloadf("observation %s is not in the local store: %v", localID, err)
	}

	switch item.Operation {
	case models.OperationCreate:
		if obs.ServerID != nil {
			// A previous attempt got the row upstream before failing on a
			// later step; creating again would duplicate it.
			return nil
		}
		bedServerID, err := r.resolver.BedServerID(ctx, obs.BedLocalID)
		if err != nil {
			return err
		}
		row, err := r.backend.Insert(ctx, models.TableObservations, remote.Row{
			"cama_id":     bedServerID,
			"note":        obs.Note,
			"observed_at": obs.ObservedAt.UTC().Format(time.RFC3339),
		})
		if err != nil {
			return err
		}
		serverID, err := rowID(row)
		if err != nil {
			return err
		}
		return r.observations.SetServerID(ctx, localID, serverID)

	case models.OperationUpdate:
		if obs.ServerID == nil {
			// Update to a row the backend has never seen folds into a create.
			return r.processObservation(ctx, &models.OutboxItem{
				ID:        item.ID,
				Table:     item.Table,
				Operation: models.OperationCreate,
				Payload:   item.Payload,
			})
		}
		_, err = r.backend.Update(ctx, models.TableObservations,
			[]remote.Filter{remote.Eq("id", *obs.ServerID)},
			remote.Row{
				"note":        obs.Note,
				"observed_at": obs.ObservedAt.UTC().Format(time.RFC3339),
			})
		return err

	case models.OperationDelete:
		if obs.ServerID == nil {
			return nil
		}
		return r.backend.Delete(ctx, models.TableObservations, []remote.Filter{remote.Eq("id", *obs.ServerID)})
	}
	return invalidPayloadf("unsupported operation %q", item.Operation)
}

// processDayAction performs the idempotent day-scoped upsert: one backend
// row per (bed, UTC calendar day), partial fields merged into whatever row
// already exists for that day.
func (r *Reconciler) processDayAction(ctx context.Context, item *models.OutboxItem) error {
	// Day rows only accumulate; a queued delete can never be satisfied.
	if item.Operation == models.OperationDelete {
		return invalidPayloadf("day actions do not support %q", item.Operation)
	}

	bedLocalID, err := payloadUUID(item.Payload, "bed_local_id")
	if err != nil {
		return err
	}
	createdAt, err := payloadTime(item.Payload, "created_at")
	if err != nil {
		return err
	}

	fields := remote.Row{}
	for _, name := range models.DayActionFields {
		if v, ok := item.Payload[name]; ok {
			fields[name] = v
		}
	}

	bedServerID, err := r.resolver.BedServerID(ctx, bedLocalID)
	if err != nil {
		return err
	}

	day := models.CalendarDay(createdAt)
	dayStart := day + "T00:00:00Z"
	dayEnd := models.CalendarDay(createdAt.AddDate(0, 0, 1)) + "T00:00:00Z"

	existing, err := r.backend.SelectOne(ctx, models.TableDayActions, []remote.Filter{
		remote.Eq("cama_id", bedServerID),
		remote.Gte("created_at", dayStart),
		remote.Lt("created_at", dayEnd),
	})
	if err != nil {
		return err
	}

	var serverID int64
	if existing == nil {
		payload := remote.Row{
			"cama_id":    bedServerID,
			"created_at": createdAt.UTC().Format(time.RFC3339),
		}
		for k, v := range fields {
			payload[k] = v
		}
		row, err := r.backend.Insert(ctx, models.TableDayActions, payload)
		if err != nil {
			return err
		}
		if serverID, err = rowID(row); err != nil {
			return err
		}
	} else {
		// Patch only the fields that actually changed; when nothing did,
		// patch the payload's fields anyway so the call stays an observable
		// no-op rather than a silent skip.
		patch := remote.Row{}
		for k, v := range fields {
			if !reflect.DeepEqual(existing[k], v) {
				patch[k] = v
			}
		}
		if len(patch) == 0 {
			patch = fields
		}
		if serverID, err = rowID(existing); err != nil {
			return err
		}
		if _, err := r.backend.Update(ctx, models.TableDayActions,
			[]remote.Filter{remote.Eq("id", serverID)}, patch); err != nil {
			return err
		}
	}

	// Record the learned id on the local mirror row when one exists.
	mirror, err := r.dayActions.GetByBedAndDay(ctx, bedLocalID, day)
	if err == nil && mirror != nil && mirror.ServerID == nil {
		if err := r.dayActions.SetServerID(ctx, mirror.LocalID, serverID); err != nil {
			r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"bed_local_id": bedLocalID,
				"day":          day,
			}).Warn("Failed to record day action server id on local mirror")
		}
	}
	return nil
}

func payloadUUID(payload models.JSONMap, key string) (uuid.UUID, error) {
	raw, ok := payload[key].(string)
	if !ok || raw == "" {
		return uuid.Nil, invalidPayloadf("missing %s", key)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, invalidPayloadf("malformed %s: %v", key, err)
	}
	return id, nil
}

func payloadTime(payload models.JSONMap, key string) (time.Time, error) {
	raw, ok := payload[key].(string)
	if !ok || raw == "" {
		return time.Time{}, invalidPayloadf("missing %s", key)
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, invalidPayloadf("malformed %s: %v", key, err)
	}
	return t, nil
}
