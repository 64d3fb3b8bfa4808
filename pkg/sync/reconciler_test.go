package sync

import (
	"context"
	"errors"
	"fmt"
	stdsync "sync"
	"testing"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campoverde/campo/pkg/applog"
	"github.com/campoverde/campo/pkg/database"
	"github.com/campoverde/campo/pkg/models"
	"github.com/campoverde/campo/pkg/remote"
	"github.com/campoverde/campo/pkg/repositories"
)

// fakeBackend is an in-memory table store speaking the Backend interface.
// Filters compare stringified values, which matches how the real client
// serializes them onto the query string.
type fakeBackend struct {
	mu     stdsync.Mutex
	nextID int64
	tables map[string][]remote.Row

	// failErr is returned by every call while failsLeft is non-zero;
	// failsLeft < 0 means fail forever.
	failErr   error
	failsLeft int

	inserts int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{tables: map[string][]remote.Row{}}
}

func (b *fakeBackend) failWith(err error, times int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failErr = err
	b.failsLeft = times
}

func (b *fakeBackend) failing() error {
	if b.failsLeft == 0 {
		return nil
	}
	if b.failsLeft > 0 {
		b.failsLeft--
	}
	return b.failErr
}

func (b *fakeBackend) seed(table string, row remote.Row) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	row["id"] = b.nextID
	b.tables[table] = append(b.tables[table], row)
	return b.nextID
}

func (b *fakeBackend) rows(table string) []remote.Row {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]remote.Row{}, b.tables[table]...)
}

func matches(row remote.Row, filters []remote.Filter) bool {
	for _, f := range filters {
		have := fmt.Sprint(row[f.Column])
		switch f.Op {
		case "eq":
			if have != f.Value {
				return false
			}
		case "gte":
			if have < f.Value {
				return false
			}
		case "lt":
			if have >= f.Value {
				return false
			}
		case "is":
			if f.Value == "null" && row[f.Column] != nil {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func (b *fakeBackend) Select(ctx context.Context, table string, filters []remote.Filter, opts *remote.ListOptions) ([]remote.Row, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.failing(); err != nil {
		return nil, err
	}

	var out []remote.Row
	for _, row := range b.tables[table] {
		if matches(row, filters) {
			out = append(out, row)
		}
	}
	return out, nil
}

func (b *fakeBackend) SelectOne(ctx context.Context, table string, filters []remote.Filter) (remote.Row, error) {
	rows, err := b.Select(ctx, table, filters, nil)
	if err != nil {
		return nil, err
	}
	switch len(rows) {
	case 0:
		return nil, nil
	case 1:
		return rows[0], nil
	default:
		return nil, fmt.Errorf("expected at most one %s row", table)
	}
}

func (b *fakeBackend) Insert(ctx context.Context, table string, payload remote.Row) (remote.Row, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.failing(); err != nil {
		return nil, err
	}

	row := remote.Row{}
	for k, v := range payload {
		row[k] = v
	}
	b.nextID++
	row["id"] = b.nextID
	b.tables[table] = append(b.tables[table], row)
	b.inserts++
	return row, nil
}

func (b *fakeBackend) Update(ctx context.Context, table string, filters []remote.Filter, patch remote.Row) (remote.Row, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.failing(); err != nil {
		return nil, err
	}

	for _, row := range b.tables[table] {
		if matches(row, filters) {
			for k, v := range patch {
				row[k] = v
			}
			return row, nil
		}
	}
	return nil, nil
}

func (b *fakeBackend) Delete(ctx context.Context, table string, filters []remote.Filter) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.failing(); err != nil {
		return err
	}

	kept := b.tables[table][:0]
	for _, row := range b.tables[table] {
		if !matches(row, filters) {
			kept = append(kept, row)
		}
	}
	b.tables[table] = kept
	return nil
}

type fakeConn struct{ online bool }

func (c *fakeConn) Online() bool { return c.online }

type reconcilerFixture struct {
	backend    *fakeBackend
	conn       *fakeConn
	outbox     *repositories.OutboxRepository
	farms      *repositories.FarmRepository
	blocks     *repositories.BlockRepository
	beds       *repositories.BedRepository
	dayActions *repositories.DayActionRepository
	reconciler *Reconciler
}

func newReconcilerFixture(t *testing.T) *reconcilerFixture {
	t.Helper()

	raw, err := sqlx.Connect("sqlite3", "file::memory:?_foreign_keys=on")
	require.NoError(t, err)
	raw.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = raw.Close() })

	driver, err := database.DriverFromSqlx(raw)
	require.NoError(t, err)
	ms := database.NewMigrationService(applog.NewNop(), &database.MigrationConfig{
		MigrationFolderPath: "../../db/sqlite",
	})
	require.NoError(t, ms.Migrate("campo", driver))

	db := database.NewDatabaseInstance(raw, applog.NewNop())
	logger := applog.NewNop()

	f := &reconcilerFixture{
		backend:    newFakeBackend(),
		conn:       &fakeConn{online: true},
		outbox:     repositories.NewOutboxRepository(db, logger, 5),
		farms:      repositories.NewFarmRepository(db, logger),
		blocks:     repositories.NewBlockRepository(db, logger),
		beds:       repositories.NewBedRepository(db, logger),
		dayActions: repositories.NewDayActionRepository(db, logger),
	}
	observations := repositories.NewObservationRepository(db, logger)
	resolver := NewResolver(f.backend, f.farms, f.blocks, f.beds, logger)
	f.reconciler = NewReconciler(f.outbox, f.beds, observations, f.dayActions, resolver, f.backend, f.conn, logger)
	return f
}

// seedLocalChain inserts a resolved farm and block plus one bed that has no
// server id yet, the state a device is in after creating a bed offline.
func (f *reconcilerFixture) seedLocalChain(t *testing.T) *models.Bed {
	t.Helper()
	ctx := context.Background()

	farmID := int64(999)
	farm := models.Farm{LocalID: uuid.New(), ServerID: &farmID, Name: "Finca Norte"}
	require.NoError(t, f.farms.BulkUpsertFromServer(ctx, []models.Farm{farm}))

	blockID := int64(998)
	block := models.Block{LocalID: uuid.New(), ServerID: &blockID, FarmLocalID: farm.LocalID, Name: "Bloque 1"}
	require.NoError(t, f.blocks.BulkUpsertFromServer(ctx, []models.Block{block}))

	bed := &models.Bed{LocalID: uuid.New(), BlockLocalID: block.LocalID, Name: "A-1"}
	require.NoError(t, f.beds.Put(ctx, bed))
	return bed
}

func TestReconciler_OfflinePassIsNoOp(t *testing.T) {
	ctx := context.Background()
	f := newReconcilerFixture(t)
	f.conn.online = false

	bed := f.seedLocalChain(t)
	_, err := f.outbox.Enqueue(ctx, models.TableBeds, models.OperationCreate,
		models.JSONMap{"local_id": bed.LocalID.String()})
	require.NoError(t, err)

	stats, err := f.reconciler.ProcessOutbox(ctx)
	require.NoError(t, err)
	assert.True(t, stats.Offline)
	assert.Zero(t, stats.Processed)

	pending, err := f.outbox.Pending(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 1, "queued items wait for the next trigger")

	last := f.reconciler.LastPass()
	require.NotNil(t, last)
	assert.True(t, last.Offline)
}

func TestReconciler_BedCreateResolvesIdentity(t *testing.T) {
	ctx := context.Background()
	f := newReconcilerFixture(t)

	// The farm exists upstream under its name; block and bed do not.
	farmServerID := f.backend.seed(models.TableFarms, remote.Row{"name": "Finca Sur"})

	farm := models.Farm{LocalID: uuid.New(), ServerID: &farmServerID, Name: "Finca Sur"}
	require.NoError(t, f.farms.BulkUpsertFromServer(ctx, []models.Farm{farm}))

	block := models.Block{LocalID: uuid.New(), FarmLocalID: farm.LocalID, Name: "Bloque 2"}
	require.NoError(t, putBlockWithoutServerID(ctx, t, f, &block))

	bed := &models.Bed{LocalID: uuid.New(), BlockLocalID: block.LocalID, Name: "B-4"}
	require.NoError(t, f.beds.Put(ctx, bed))

	_, err := f.outbox.Enqueue(ctx, models.TableBeds, models.OperationCreate,
		models.JSONMap{"local_id": bed.LocalID.String()})
	require.NoError(t, err)

	stats, err := f.reconciler.ProcessOutbox(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Succeeded)

	t.Run("CreatesMissingAncestryUpstream", func(t *testing.T) {
		assert.Len(t, f.backend.rows(models.TableBlocks), 1)
		assert.Len(t, f.backend.rows(models.TableBeds), 1)
	})

	t.Run("WritesServerIDsBack", func(t *testing.T) {
		gotBed, err := f.beds.GetByLocalID(ctx, bed.LocalID)
		require.NoError(t, err)
		require.NotNil(t, gotBed.ServerID)

		gotBlock, err := f.blocks.GetByLocalID(ctx, block.LocalID)
		require.NoError(t, err)
		require.NotNil(t, gotBlock.ServerID)
	})

	t.Run("SecondCreateDoesNotDuplicate", func(t *testing.T) {
		_, err := f.outbox.Enqueue(ctx, models.TableBeds, models.OperationCreate,
			models.JSONMap{"local_id": bed.LocalID.String()})
		require.NoError(t, err)

		stats, err := f.reconciler.ProcessOutbox(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Succeeded)
		assert.Len(t, f.backend.rows(models.TableBeds), 1, "resolution short-circuits on the cached server id")
	})

	pending, err := f.outbox.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)
}

// putBlockWithoutServerID inserts a block row with a nil server id. Blocks
// normally arrive via the warmer, so the repository has no direct Put; going
// through the bulk upsert and clearing the id would leave residue, hence raw
// SQL against the same store.
func putBlockWithoutServerID(ctx context.Context, t *testing.T, f *reconcilerFixture, block *models.Block) error {
	t.Helper()
	_, err := f.blocks.DB().ExecContext(ctx,
		"INSERT INTO blocks (local_id, farm_local_id, name, updated_at) VALUES (?, ?, ?, CURRENT_TIMESTAMP)",
		block.LocalID, block.FarmLocalID, block.Name)
	return err
}

func TestReconciler_DayActionUpsertsByDay(t *testing.T) {
	ctx := context.Background()
	f := newReconcilerFixture(t)

	bed := f.seedLocalChain(t)
	bedServerID := f.backend.seed(models.TableBeds, remote.Row{"name": bed.Name})
	require.NoError(t, f.beds.SetServerID(ctx, bed.LocalID, bedServerID))

	day := "2026-04-12"

	// Local mirror row, the optimistic write a device makes before syncing.
	_, err := f.dayActions.Merge(ctx, bed.LocalID, day, models.JSONMap{"produccion_real": float64(12)})
	require.NoError(t, err)

	_, err = f.outbox.Enqueue(ctx, models.TableDayActions, models.OperationCreate, models.JSONMap{
		"bed_local_id":    bed.LocalID.String(),
		"created_at":      "2026-04-12T08:00:00Z",
		"produccion_real": float64(12),
	})
	require.NoError(t, err)

	stats, err := f.reconciler.ProcessOutbox(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Succeeded)

	rows := f.backend.rows(models.TableDayActions)
	require.Len(t, rows, 1)
	assert.Equal(t, float64(12), rows[0]["produccion_real"])

	t.Run("MirrorLearnsServerID", func(t *testing.T) {
		mirror, err := f.dayActions.GetByBedAndDay(ctx, bed.LocalID, day)
		require.NoError(t, err)
		require.NotNil(t, mirror.ServerID)
	})

	t.Run("SameDayMergesIntoExistingRow", func(t *testing.T) {
		_, err := f.outbox.Enqueue(ctx, models.TableDayActions, models.OperationCreate, models.JSONMap{
			"bed_local_id": bed.LocalID.String(),
			"created_at":   "2026-04-12T14:30:00Z",
			"humedad":      float64(80),
		})
		require.NoError(t, err)

		stats, err := f.reconciler.ProcessOutbox(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, stats.Succeeded)

		rows := f.backend.rows(models.TableDayActions)
		require.Len(t, rows, 1, "one backend row per bed per day")
		assert.Equal(t, float64(12), rows[0]["produccion_real"], "earlier field untouched")
		assert.Equal(t, float64(80), rows[0]["humedad"])
	})

	t.Run("NextDayInsertsFreshRow", func(t *testing.T) {
		_, err := f.outbox.Enqueue(ctx, models.TableDayActions, models.OperationCreate, models.JSONMap{
			"bed_local_id": bed.LocalID.String(),
			"created_at":   "2026-04-13T09:00:00Z",
			"temperatura":  float64(18),
		})
		require.NoError(t, err)

		_, err = f.reconciler.ProcessOutbox(ctx)
		require.NoError(t, err)
		assert.Len(t, f.backend.rows(models.TableDayActions), 2)
	})
}

func TestReconciler_TransientFailuresExhaustRetries(t *testing.T) {
	ctx := context.Background()
	f := newReconcilerFixture(t)

	bed := f.seedLocalChain(t)
	bedServerID := f.backend.seed(models.TableBeds, remote.Row{"name": bed.Name})
	require.NoError(t, f.beds.SetServerID(ctx, bed.LocalID, bedServerID))
	f.backend.failWith(errors.New("connection refused"), -1)

	_, err := f.outbox.Enqueue(ctx, models.TableBeds, models.OperationUpdate,
		models.JSONMap{"local_id": bed.LocalID.String()})
	require.NoError(t, err)

	for attempt := 1; attempt <= 4; attempt++ {
		stats, err := f.reconciler.ProcessOutbox(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Requeued, "attempt %d requeues", attempt)

		pending, err := f.outbox.Pending(ctx)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, attempt, pending[0].RetryCount)
	}

	stats, err := f.reconciler.ProcessOutbox(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.DeadLettered)

	pending, err := f.outbox.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)

	failed, err := f.outbox.ListFailed(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, models.DLQReasonMaxRetries, failed[0].Reason)
	require.NotNil(t, failed[0].LastError)
	assert.Equal(t, "connection refused", *failed[0].LastError)
}

func TestReconciler_PermanentRejectionDeadLettersImmediately(t *testing.T) {
	ctx := context.Background()
	f := newReconcilerFixture(t)

	bed := f.seedLocalChain(t)
	bedServerID := f.backend.seed(models.TableBeds, remote.Row{"name": bed.Name})
	require.NoError(t, f.beds.SetServerID(ctx, bed.LocalID, bedServerID))
	f.backend.failWith(&remote.BackendError{StatusCode: 422, Code: "23514", Message: "check constraint violated"}, -1)

	_, err := f.outbox.Enqueue(ctx, models.TableBeds, models.OperationUpdate,
		models.JSONMap{"local_id": bed.LocalID.String()})
	require.NoError(t, err)

	stats, err := f.reconciler.ProcessOutbox(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.DeadLettered)
	assert.Zero(t, stats.Requeued)

	failed, err := f.outbox.ListFailed(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, models.DLQReasonBackendRejected, failed[0].Reason)
}

func TestReconciler_InvalidPayloadDeadLetters(t *testing.T) {
	ctx := context.Background()
	f := newReconcilerFixture(t)

	bed := f.seedLocalChain(t)

	t.Run("MissingTimestamp", func(t *testing.T) {
		_, err := f.outbox.Enqueue(ctx, models.TableDayActions, models.OperationCreate, models.JSONMap{
			"bed_local_id":    bed.LocalID.String(),
			"produccion_real": float64(5),
		})
		require.NoError(t, err)

		stats, err := f.reconciler.ProcessOutbox(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.DeadLettered)
	})

	t.Run("UnknownTable", func(t *testing.T) {
		_, err := f.outbox.Enqueue(ctx, models.TableFarms, models.OperationCreate, models.JSONMap{
			"local_id": uuid.New().String(),
		})
		require.NoError(t, err)

		stats, err := f.reconciler.ProcessOutbox(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.DeadLettered)
	})

	t.Run("DayActionDelete", func(t *testing.T) {
		_, err := f.outbox.Enqueue(ctx, models.TableDayActions, models.OperationDelete, models.JSONMap{
			"bed_local_id": bed.LocalID.String(),
			"created_at":   "2026-04-12T08:00:00Z",
		})
		require.NoError(t, err)

		stats, err := f.reconciler.ProcessOutbox(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.DeadLettered)
		assert.Empty(t, f.backend.rows(models.TableDayActions), "a dead delete must not turn into an upsert")
	})

	failed, err := f.outbox.ListFailed(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 3)
	reasons := map[models.DeadLetterReason]bool{}
	for _, item := range failed {
		reasons[item.Reason] = true
	}
	assert.True(t, reasons[models.DLQReasonInvalidPayload])
	assert.True(t, reasons[models.DLQReasonUnknownTable])
}

func TestReconciler_SecondItemForSameTargetWaits(t *testing.T) {
	ctx := context.Background()
	f := newReconcilerFixture(t)

	bed := f.seedLocalChain(t)
	bedServerID := f.backend.seed(models.TableBeds, remote.Row{"name": bed.Name})
	require.NoError(t, f.beds.SetServerID(ctx, bed.LocalID, bedServerID))

	payload := models.JSONMap{"local_id": bed.LocalID.String()}
	_, err := f.outbox.Enqueue(ctx, models.TableBeds, models.OperationUpdate, payload)
	require.NoError(t, err)
	_, err = f.outbox.Enqueue(ctx, models.TableBeds, models.OperationUpdate, payload)
	require.NoError(t, err)

	stats, err := f.reconciler.ProcessOutbox(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Succeeded)
	assert.Equal(t, 1, stats.Skipped)

	pending, err := f.outbox.Pending(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 1, "the second mutation drains on the next pass")
}
