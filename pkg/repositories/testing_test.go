package repositories

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/campoverde/campo/pkg/applog"
	"github.com/campoverde/campo/pkg/database"
	"github.com/campoverde/campo/pkg/models"
)

// newTestDB opens a migrated in-memory store.
func newTestDB(t *testing.T) database.DB {
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

	return database.NewDatabaseInstance(raw, applog.NewNop())
}

// seedBed inserts a farm, a block and a bed so rows that reference a bed
// satisfy the foreign key chain.
func seedBed(t *testing.T, db database.DB, name string) *models.Bed {
	t.Helper()
	ctx := context.Background()

	farmID := int64(1)
	farm := models.Farm{LocalID: uuid.New(), ServerID: &farmID, Name: "Finca Norte"}
	require.NoError(t, NewFarmRepository(db, applog.NewNop()).BulkUpsertFromServer(ctx, []models.Farm{farm}))

	blockID := int64(10)
	block := models.Block{LocalID: uuid.New(), ServerID: &blockID, FarmLocalID: farm.LocalID, Name: "Bloque 1"}
	require.NoError(t, NewBlockRepository(db, applog.NewNop()).BulkUpsertFromServer(ctx, []models.Block{block}))

	bed := &models.Bed{LocalID: uuid.New(), BlockLocalID: block.LocalID, Name: name}
	require.NoError(t, NewBedRepository(db, applog.NewNop()).Put(ctx, bed))
	return bed
}
