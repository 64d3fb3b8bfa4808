// Package warmer keeps the local reference cache fresh: farms, blocks,
// varieties, planting groups and beds are paged down from the backend and
// upserted keyed on server_id, so rows the backend has never seen are never
// touched.
package warmer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/campoverde/campo/pkg/metrics"
	"github.com/campoverde/campo/pkg/models"
	"github.com/campoverde/campo/pkg/remote"
	"github.com/campoverde/campo/pkg/repositories"
	"github.com/campoverde/campo/pkg/tracing"
)

var (
	// ErrWarmerAlreadyRunning is returned when trying to start an already running warmer
	ErrWarmerAlreadyRunning = errors.New("warmer already running")
)

const (
	// DefaultInterval is the default interval between warm passes
	DefaultInterval = 10 * time.Minute

	// DefaultPageSize is the default number of rows fetched per page
	DefaultPageSize = 500
)

// Backend is the read slice of the remote client the warmer consumes.
type Backend interface {
	Select(ctx context.Context, table string, filters []remote.Filter, opts *remote.ListOptions) ([]remote.Row, error)
}

// Connectivity gates warm passes on reachability.
type Connectivity interface {
	Online() bool
}

// Config holds configuration for the warmer
type Config struct {
	// Interval is how often to run a warm pass
	Interval time.Duration

	// PageSize is how many rows to pull per page
	PageSize int
}

// DefaultConfig returns the default warmer configuration
func DefaultConfig() Config {
	return Config{
		Interval: DefaultInterval,
		PageSize: DefaultPageSize,
	}
}

// Warmer pulls reference snapshots down on an interval. Per-table failures
// are logged and skipped, never fatal: a stale cache beats an empty one.
type Warmer struct {
	backend Backend
	conn    Connectivity
	farms   *repositories.FarmRepository
	blocks  *repositories.BlockRepository
	vars    *repositories.VarietyRepository
	groups  *repositories.PlantingGroupRepository
	beds    *repositories.BedRepository
	config  Config
	logger  ectologger.Logger

	// Coordination
	stopCh   chan struct{}
	stoppedC chan struct{}
	running  bool
	mu       sync.RWMutex
}

// NewWarmer creates a new cache warmer
func NewWarmer(
	backend Backend,
	conn Connectivity,
	farms *repositories.FarmRepository,
	blocks *repositories.BlockRepository,
	vars *repositories.VarietyRepository,
	groups *repositories.PlantingGroupRepository,
	beds *repositories.BedRepository,
	config Config,
	logger ectologger.Logger,
) *Warmer {
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}
	if config.PageSize <= 0 {
		config.PageSize = DefaultPageSize
	}

	return &Warmer{
		backend:  backend,
		conn:     conn,
		farms:    farms,
		blocks:   blocks,
		vars:     vars,
		groups:   groups,
		beds:     beds,
		config:   config,
		logger:   logger,
		stopCh:   make(chan struct{}),
		stoppedC: make(chan struct{}),
	}
}

// Start starts the warm loop
func (w *Warmer) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return ErrWarmerAlreadyRunning
	}
	w.running = true
	w.mu.Unlock()

	w.logger.WithContext(ctx).Infof("Starting cache warmer: interval=%s page_size=%d",
		w.config.Interval, w.config.PageSize)

	go w.warmLoop(ctx)

	return nil
}

// Stop stops the warmer gracefully
func (w *Warmer) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)

	select {
	case <-w.stoppedC:
		w.logger.WithContext(ctx).Info("Cache warmer stopped")
	case <-ctx.Done():
		w.logger.WithContext(ctx).Warn("Cache warmer shutdown timed out")
		return ctx.Err()
	}

	return nil
}

// IsRunning returns whether the warmer is running
func (w *Warmer) IsRunning() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.running
}

func (w *Warmer) warmLoop(ctx context.Context) {
	defer close(w.stoppedC)

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	// Warm immediately on start
	w.WarmAll(ctx)

	for {
		select {
		case <-w.stopCh:
			w.logger.WithContext(ctx).Debug("Warm loop stopping")
			return
		case <-ticker.C:
			w.WarmAll(ctx)
		}
	}
}

// WarmAll runs one pass over every reference table, parents before children
// so foreign keys resolve.
func (w *Warmer) WarmAll(ctx context.Context) {
	ctx, span := tracing.StartSpan(ctx, "Warmer.WarmAll")
	defer span.End()

	if !w.conn.Online() {
		w.logger.WithContext(ctx).Debug("Skipping warm pass, backend is offline")
		metrics.WarmPassesTotal.WithLabelValues("offline").Inc()
		return
	}

	start := time.Now()
	failures := 0

	steps := []struct {
		table string
		warm  func(context.Context) (int, error)
	}{
		{models.TableFarms, w.warmFarms},
		{models.TableBlocks, w.warmBlocks},
		{models.TableVarieties, w.warmVarieties},
		{models.TablePlantingGroups, w.warmPlantingGroups},
		{models.TableBeds, w.warmBeds},
	}

	for _, step := range steps {
		count, err := step.warm(ctx)
		if err != nil {
			failures++
			w.logger.WithContext(ctx).WithError(err).Warnf("Failed to warm %s, continuing", step.table)
			continue
		}
		metrics.WarmedRowsTotal.WithLabelValues(step.table).Add(float64(count))
	}

	outcome := "completed"
	if failures > 0 {
		outcome = "partial"
	}
	metrics.WarmPassesTotal.WithLabelValues(outcome).Inc()

	w.logger.WithContext(ctx).Infof("Warm pass completed: tables=%d failures=%d duration=%s",
		len(steps), failures, time.Since(start))
}

// pages streams all live rows of a table in stable id order.
func (w *Warmer) pages(ctx context.Context, table string, handle func([]remote.Row) error) (int, error) {
	total := 0
	for offset := 0; ; offset += w.config.PageSize {
		rows, err := w.backend.Select(ctx, table,
			[]remote.Filter{remote.IsNull("deleted_at")},
			&remote.ListOptions{Limit: w.config.PageSize, Offset: offset, OrderBy: "id"})
		if err != nil {
			return total, err
		}
		if len(rows) == 0 {
			return total, nil
		}
		if err := handle(rows); err != nil {
			return total, err
		}
		total += len(rows)
		if len(rows) < w.config.PageSize {
			return total, nil
		}
	}
}

func (w *Warmer) warmFarms(ctx context.Context) (int, error) {
	return w.pages(ctx, models.TableFarms, func(rows []remote.Row) error {
		farms := make([]models.Farm, 0, len(rows))
		for _, row := range rows {
			id, ok := rowInt(row, "id")
			if !ok {
				continue
			}
			farms = append(farms, models.Farm{
				ServerID: &id,
				Name:     rowString(row, "name"),
				Location: rowStringPtr(row, "location"),
			})
		}
		return w.farms.BulkUpsertFromServer(ctx, farms)
	})
}

func (w *Warmer) warmBlocks(ctx context.Context) (int, error) {
	return w.pages(ctx, models.TableBlocks, func(rows []remote.Row) error {
		blocks := make([]models.Block, 0, len(rows))
		for _, row := range rows {
			id, ok := rowInt(row, "id")
			if !ok {
				continue
			}
			farmID, ok := rowInt(row, "farm_id")
			if !ok {
				continue
			}
			farm, err := w.farms.GetByServerID(ctx, farmID)
			if err != nil {
				return err
			}
			if farm == nil {
				// Parent not cached yet, the next pass picks it up.
				continue
			}
			blocks = append(blocks, models.Block{
				ServerID:    &id,
				FarmLocalID: farm.LocalID,
				Name:        rowString(row, "name"),
			})
		}
		return w.blocks.BulkUpsertFromServer(ctx, blocks)
	})
}

func (w *Warmer) warmVarieties(ctx context.Context) (int, error) {
	return w.pages(ctx, models.TableVarieties, func(rows []remote.Row) error {
		varieties := make([]models.Variety, 0, len(rows))
		for _, row := range rows {
			id, ok := rowInt(row, "id")
			if !ok {
				continue
			}
			varieties = append(varieties, models.Variety{
				ServerID: &id,
				Name:     rowString(row, "name"),
				Species:  rowStringPtr(row, "species"),
			})
		}
		return w.vars.BulkUpsertFromServer(ctx, varieties)
	})
}

func (w *Warmer) warmPlantingGroups(ctx context.Context) (int, error) {
	return w.pages(ctx, models.TablePlantingGroups, func(rows []remote.Row) error {
		groups := make([]models.PlantingGroup, 0, len(rows))
		for _, row := range rows {
			id, ok := rowInt(row, "id")
			if !ok {
				continue
			}
			blockID, ok := rowInt(row, "block_id")
			if !ok {
				continue
			}
			block, err := w.blocks.GetByServerID(ctx, blockID)
			if err != nil {
				return err
			}
			if block == nil {
				continue
			}

			group := models.PlantingGroup{
				ServerID:     &id,
				BlockLocalID: block.LocalID,
				Name:         rowString(row, "name"),
				PlantedAt:    rowTimePtr(row, "planted_at"),
			}
			if varietyID, ok := rowInt(row, "variety_id"); ok {
				variety, err := w.vars.GetByServerID(ctx, varietyID)
				if err != nil {
					return err
				}
				if variety != nil {
					group.VarietyLocalID = variety.LocalID
				}
			}
			groups = append(groups, group)
		}
		return w.groups.BulkUpsertFromServer(ctx, groups)
	})
}

func (w *Warmer) warmBeds(ctx context.Context) (int, error) {
	return w.pages(ctx, models.TableBeds, func(rows []remote.Row) error {
		beds := make([]models.Bed, 0, len(rows))
		for _, row := range rows {
			id, ok := rowInt(row, "id")
			if !ok {
				continue
			}
			blockID, ok := rowInt(row, "block_id")
			if !ok {
				continue
			}
			block, err := w.blocks.GetByServerID(ctx, blockID)
			if err != nil {
				return err
			}
			if block == nil {
				continue
			}

			bed := models.Bed{
				ServerID:     &id,
				BlockLocalID: block.LocalID,
				Name:         rowString(row, "name"),
			}
			if groupID, ok := rowInt(row, "group_id"); ok {
				group, err := w.groups.GetByServerID(ctx, groupID)
				if err != nil {
					return err
				}
				if group != nil {
					bed.GroupLocalID = &group.LocalID
				}
			}
			beds = append(beds, bed)
		}
		return w.beds.BulkUpsertFromServer(ctx, beds)
	})
}

func rowInt(row remote.Row, key string) (int64, bool) {
	switch v := row[key].(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	}
	return 0, false
}

func rowString(row remote.Row, key string) string {
	s, _ := row[key].(string)
	return s
}

func rowStringPtr(row remote.Row, key string) *string {
	if s, ok := row[key].(string); ok {
		return &s
	}
	return nil
}

func rowTimePtr(row remote.Row, key string) *time.Time {
	raw, ok := row[key].(string)
	if !ok || raw == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil
	}
	return &t
}
