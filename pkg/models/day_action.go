package models

import (
	"time"

	"github.com/google/uuid"
)

// DayActionFields are the remote columns a day-scoped record can carry.
// Mutations only ever set a subset, which is why the merge logic works
// field-by-field instead of replacing rows.
var DayActionFields = []string{
	"produccion_real",
	"produccion_estimada",
	"temperatura",
	"humedad",
	"conteo_flores",
	"conteo_brotes",
	"conteo_frutos",
	"notas",
}

// DayAction is the day-scoped aggregate record: one row per bed per calendar
// day. The natural key on the backend is (cama_id, calendar day of
// created_at); locally the day is materialized so it can be indexed.
type DayAction struct {
	LocalID    uuid.UUID `json:"local_id" db:"local_id"`
	ServerID   *int64    `json:"server_id,omitempty" db:"server_id"`
	BedLocalID uuid.UUID `json:"bed_local_id" db:"bed_local_id"`
	// Day is the UTC calendar day, formatted 2006-01-02.
	Day       string     `json:"day" db:"day"`
	Fields    JSONMap    `json:"fields" db:"fields"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty" db:"deleted_at"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`
}

// CalendarDay extracts the UTC calendar day from a timestamp.
func CalendarDay(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
