package outbox

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campoverde/campo/pkg/applog"
	"github.com/campoverde/campo/pkg/database"
	"github.com/campoverde/campo/pkg/models"
	"github.com/campoverde/campo/pkg/repositories"
)

type fakeConn struct{ online bool }

func (c *fakeConn) Online() bool { return c.online }

type fakeDrainer struct{ requests int }

func (d *fakeDrainer) RequestDrain() { d.requests++ }

type serviceFixture struct {
	conn       *fakeConn
	drainer    *fakeDrainer
	outbox     *repositories.OutboxRepository
	beds       *repositories.BedRepository
	dayActions *repositories.DayActionRepository
	service    *Service

	blockLocalID uuid.UUID
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	ctx := context.Background()

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

	f := &serviceFixture{
		conn:       &fakeConn{},
		drainer:    &fakeDrainer{},
		outbox:     repositories.NewOutboxRepository(db, logger, 5),
		beds:       repositories.NewBedRepository(db, logger),
		dayActions: repositories.NewDayActionRepository(db, logger),
	}
	observations := repositories.NewObservationRepository(db, logger)
	f.service = NewService(f.outbox, f.beds, observations, f.dayActions, f.conn, f.drainer, logger)

	// Every bed needs a block and a farm above it.
	farmID := int64(1)
	farm := models.Farm{LocalID: uuid.New(), ServerID: &farmID, Name: "Finca Norte"}
	require.NoError(t, repositories.NewFarmRepository(db, logger).BulkUpsertFromServer(ctx, []models.Farm{farm}))

	blockID := int64(2)
	block := models.Block{LocalID: uuid.New(), ServerID: &blockID, FarmLocalID: farm.LocalID, Name: "Bloque 1"}
	require.NoError(t, repositories.NewBlockRepository(db, logger).BulkUpsertFromServer(ctx, []models.Block{block}))
	f.blockLocalID = block.LocalID

	return f
}

func TestService_AddValidation(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t)

	t.Run("RejectsReferenceTables", func(t *testing.T) {
		_, err := f.service.Add(ctx, models.TableFarms, models.OperationCreate, models.JSONMap{})
		require.Error(t, err)
	})

	t.Run("RejectsUnknownOperation", func(t *testing.T) {
		_, err := f.service.Add(ctx, models.TableBeds, models.Operation("upsert"), models.JSONMap{})
		require.Error(t, err)
	})

	t.Run("RejectsDayActionDelete", func(t *testing.T) {
		_, err := f.service.Add(ctx, models.TableDayActions, models.OperationDelete, models.JSONMap{
			"bed_local_id": uuid.New().String(),
			"created_at":   "2026-04-12T08:00:00Z",
		})
		require.Error(t, err)
	})

	t.Run("RejectsBedWithoutName", func(t *testing.T) {
		_, err := f.service.Add(ctx, models.TableBeds, models.OperationCreate, models.JSONMap{
			"block_local_id": f.blockLocalID.String(),
		})
		require.Error(t, err)

		count, err := f.outbox.PendingCount(ctx)
		require.NoError(t, err)
		assert.Zero(t, count, "rejected mutations never reach the queue")
	})
}

func TestService_AddBedCreate(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t)

	item, err := f.service.Add(ctx, models.TableBeds, models.OperationCreate, models.JSONMap{
		"block_local_id": f.blockLocalID.String(),
		"name":           "A-3",
	})
	require.NoError(t, err)

	t.Run("FillsInLocalID", func(t *testing.T) {
		raw, ok := item.Payload["local_id"].(string)
		require.True(t, ok, "caller learns the generated key from the queued payload")
		_, err := uuid.Parse(raw)
		require.NoError(t, err)
	})

	t.Run("WritesOptimisticMirror", func(t *testing.T) {
		localID := uuid.MustParse(item.Payload["local_id"].(string))
		bed, err := f.beds.GetByLocalID(ctx, localID)
		require.NoError(t, err)
		assert.Equal(t, "A-3", bed.Name)
		assert.Nil(t, bed.ServerID, "no backend involvement yet")
	})

	t.Run("QueuesDurably", func(t *testing.T) {
		count, err := f.outbox.PendingCount(ctx)
		require.NoError(t, err)
		assert.EqualValues(t, 1, count)
	})
}

func TestService_AddDayActionMergesMirror(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t)

	bed := &models.Bed{LocalID: uuid.New(), BlockLocalID: f.blockLocalID, Name: "A-4"}
	require.NoError(t, f.beds.Put(ctx, bed))

	_, err := f.service.Add(ctx, models.TableDayActions, models.OperationCreate, models.JSONMap{
		"bed_local_id":    bed.LocalID.String(),
		"created_at":      "2026-04-12T08:00:00Z",
		"produccion_real": float64(12),
	})
	require.NoError(t, err)

	_, err = f.service.Add(ctx, models.TableDayActions, models.OperationCreate, models.JSONMap{
		"bed_local_id": bed.LocalID.String(),
		"created_at":   "2026-04-12T15:00:00Z",
		"humedad":      float64(80),
	})
	require.NoError(t, err)

	mirror, err := f.dayActions.GetByBedAndDay(ctx, bed.LocalID, "2026-04-12")
	require.NoError(t, err)
	assert.Equal(t, float64(12), mirror.Fields["produccion_real"])
	assert.Equal(t, float64(80), mirror.Fields["humedad"])

	actions, err := f.dayActions.ListByBed(ctx, bed.LocalID)
	require.NoError(t, err)
	assert.Len(t, actions, 1, "same-day writes share one mirror row")

	count, err := f.outbox.PendingCount(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, count, "both intents queue even though the mirror merged")
}

func TestService_DrainTrigger(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t)

	bed := &models.Bed{LocalID: uuid.New(), BlockLocalID: f.blockLocalID, Name: "A-5"}
	require.NoError(t, f.beds.Put(ctx, bed))
	payload := models.JSONMap{
		"local_id": bed.LocalID.String(),
		"name":     "A-5 renamed",
	}

	t.Run("QuietWhileOffline", func(t *testing.T) {
		f.conn.online = false
		_, err := f.service.Add(ctx, models.TableBeds, models.OperationUpdate, payload)
		require.NoError(t, err)
		assert.Zero(t, f.drainer.requests)
	})

	t.Run("FiresWhileOnline", func(t *testing.T) {
		f.conn.online = true
		_, err := f.service.Add(ctx, models.TableBeds, models.OperationUpdate, payload)
		require.NoError(t, err)
		assert.Equal(t, 1, f.drainer.requests)
	})
}
