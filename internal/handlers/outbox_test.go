package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/labstack/echo/v4"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campoverde/campo/pkg/applog"
	"github.com/campoverde/campo/pkg/database"
	"github.com/campoverde/campo/pkg/middleware"
	"github.com/campoverde/campo/pkg/models"
	"github.com/campoverde/campo/pkg/outbox"
	"github.com/campoverde/campo/pkg/repositories"
)

type nopConn struct{}

func (nopConn) Online() bool { return false }

type nopDrainer struct{}

func (nopDrainer) RequestDrain() {}

type handlerFixture struct {
	echo   *echo.Echo
	outbox *repositories.OutboxRepository
	beds   *repositories.BedRepository

	blockLocalID uuid.UUID
}

func newHandlerFixture(t *testing.T) *handlerFixture {
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

	outboxRepo := repositories.NewOutboxRepository(db, logger, 5)
	beds := repositories.NewBedRepository(db, logger)
	observations := repositories.NewObservationRepository(db, logger)
	dayActions := repositories.NewDayActionRepository(db, logger)
	service := outbox.NewService(outboxRepo, beds, observations, dayActions, nopConn{}, nopDrainer{}, logger)

	farmID := int64(1)
	farm := models.Farm{LocalID: uuid.New(), ServerID: &farmID, Name: "Finca Norte"}
	require.NoError(t, repositories.NewFarmRepository(db, logger).BulkUpsertFromServer(ctx, []models.Farm{farm}))
	blockID := int64(2)
	block := models.Block{LocalID: uuid.New(), ServerID: &blockID, FarmLocalID: farm.LocalID, Name: "Bloque 1"}
	require.NoError(t, repositories.NewBlockRepository(db, logger).BulkUpsertFromServer(ctx, []models.Block{block}))

	e := echo.New()
	e.HTTPErrorHandler = middleware.Error(logger)
	NewOutboxHandler(service, outboxRepo, logger).RegisterRoutes(e.Group("/api/v1"))

	return &handlerFixture{echo: e, outbox: outboxRepo, beds: beds, blockLocalID: block.LocalID}
}

func (f *handlerFixture) request(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	f.echo.ServeHTTP(rec, req)
	return rec
}

func TestOutboxHandler_Add(t *testing.T) {
	f := newHandlerFixture(t)

	t.Run("QueuesValidMutation", func(t *testing.T) {
		body := `{"table": "camas", "operation": "create", "data": {"block_local_id": "` +
			f.blockLocalID.String() + `", "name": "A-1"}}`
		rec := f.request(http.MethodPost, "/api/v1/outbox", body)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

		var item models.OutboxItem
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &item))
		assert.Equal(t, models.TableBeds, item.Table)
		assert.NotEmpty(t, item.Payload["local_id"], "response carries the generated key")
	})

	t.Run("RejectsUnknownOperation", func(t *testing.T) {
		rec := f.request(http.MethodPost, "/api/v1/outbox", `{"table": "camas", "operation": "upsert", "data": {}}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("RejectsMissingBody", func(t *testing.T) {
		rec := f.request(http.MethodPost, "/api/v1/outbox", `{"table": "camas"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("RejectsReferenceTable", func(t *testing.T) {
		rec := f.request(http.MethodPost, "/api/v1/outbox", `{"table": "farms", "operation": "create", "data": {"name": "x"}}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestOutboxHandler_Listings(t *testing.T) {
	f := newHandlerFixture(t)

	body := `{"table": "camas", "operation": "create", "data": {"block_local_id": "` +
		f.blockLocalID.String() + `", "name": "A-2"}}`
	require.Equal(t, http.StatusCreated, f.request(http.MethodPost, "/api/v1/outbox", body).Code)

	t.Run("Pending", func(t *testing.T) {
		rec := f.request(http.MethodGet, "/api/v1/outbox/pending", "")
		require.Equal(t, http.StatusOK, rec.Code)

		var resp PendingResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, 1, resp.Count)
		require.Len(t, resp.Items, 1)
		assert.Equal(t, models.OperationCreate, resp.Items[0].Operation)
	})

	t.Run("PendingCount", func(t *testing.T) {
		rec := f.request(http.MethodGet, "/api/v1/outbox/pending/count", "")
		require.Equal(t, http.StatusOK, rec.Code)

		var resp map[string]int64
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.EqualValues(t, 1, resp["count"])
	})

	t.Run("FailedStartsEmpty", func(t *testing.T) {
		rec := f.request(http.MethodGet, "/api/v1/outbox/failed", "")
		require.Equal(t, http.StatusOK, rec.Code)

		var resp PendingResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Zero(t, resp.Count)
	})
}
