package repositories

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campoverde/campo/pkg/applog"
	"github.com/campoverde/campo/pkg/models"
)

func TestBedRepository_PutAndGet(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	repo := NewBedRepository(db, applog.NewNop())
	bed := seedBed(t, db, "A-1")

	t.Run("GetByLocalID", func(t *testing.T) {
		got, err := repo.GetByLocalID(ctx, bed.LocalID)
		require.NoError(t, err)
		assert.Equal(t, "A-1", got.Name)
		assert.Nil(t, got.ServerID)
	})

	t.Run("GetByLocalIDMissing", func(t *testing.T) {
		_, err := repo.GetByLocalID(ctx, uuid.New())
		require.Error(t, err)
	})

	t.Run("PutUpdatesExistingRow", func(t *testing.T) {
		bed.Name = "A-1 renamed"
		require.NoError(t, repo.Put(ctx, bed))

		got, err := repo.GetByLocalID(ctx, bed.LocalID)
		require.NoError(t, err)
		assert.Equal(t, "A-1 renamed", got.Name)

		beds, err := repo.ListByBlock(ctx, bed.BlockLocalID)
		require.NoError(t, err)
		assert.Len(t, beds, 1)
	})

	t.Run("SetServerID", func(t *testing.T) {
		require.NoError(t, repo.SetServerID(ctx, bed.LocalID, 77))

		got, err := repo.GetByServerID(ctx, 77)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, bed.LocalID, got.LocalID)
	})

	t.Run("GetByServerIDMissingIsNil", func(t *testing.T) {
		got, err := repo.GetByServerID(ctx, 9999)
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("SoftDeleteHidesFromList", func(t *testing.T) {
		require.NoError(t, repo.SoftDelete(ctx, bed.LocalID))

		beds, err := repo.ListByBlock(ctx, bed.BlockLocalID)
		require.NoError(t, err)
		assert.Empty(t, beds)
	})
}

func TestBedRepository_BulkUpsertFromServer(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	repo := NewBedRepository(db, applog.NewNop())
	local := seedBed(t, db, "local only")

	serverID := int64(500)
	remote := models.Bed{ServerID: &serverID, BlockLocalID: local.BlockLocalID, Name: "C-3"}
	require.NoError(t, repo.BulkUpsertFromServer(ctx, []models.Bed{remote}))

	t.Run("AssignsLocalIDOnFirstSight", func(t *testing.T) {
		got, err := repo.GetByServerID(ctx, serverID)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.NotEqual(t, uuid.Nil, got.LocalID)
		assert.Equal(t, "C-3", got.Name)
	})

	t.Run("KeysOnServerID", func(t *testing.T) {
		first, err := repo.GetByServerID(ctx, serverID)
		require.NoError(t, err)

		renamed := models.Bed{ServerID: &serverID, BlockLocalID: local.BlockLocalID, Name: "C-3 renamed"}
		require.NoError(t, repo.BulkUpsertFromServer(ctx, []models.Bed{renamed}))

		got, err := repo.GetByServerID(ctx, serverID)
		require.NoError(t, err)
		assert.Equal(t, first.LocalID, got.LocalID, "repeated warms must not reassign identity")
		assert.Equal(t, "C-3 renamed", got.Name)
	})

	t.Run("SkipsRowsWithoutServerID", func(t *testing.T) {
		require.NoError(t, repo.BulkUpsertFromServer(ctx, []models.Bed{{BlockLocalID: local.BlockLocalID, Name: "no id"}}))

		beds, err := repo.ListByBlock(ctx, local.BlockLocalID)
		require.NoError(t, err)
		assert.Len(t, beds, 2, "local-only input rows are never written")
	})

	t.Run("LocalRowUntouched", func(t *testing.T) {
		got, err := repo.GetByLocalID(ctx, local.LocalID)
		require.NoError(t, err)
		assert.Equal(t, "local only", got.Name)
		assert.Nil(t, got.ServerID)
	})
}
