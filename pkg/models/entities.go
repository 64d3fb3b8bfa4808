package models

import (
	"time"

	"github.com/google/uuid"
)

// Entity table names as the remote backend knows them. The outbox and the
// warmer address tables by these names.
const (
	TableFarms          = "farms"
	TableBlocks         = "blocks"
	TableVarieties      = "varieties"
	TablePlantingGroups = "planting_groups"
	TableBeds           = "camas"
	TableObservations   = "observaciones"
	TableDayActions     = "acciones"
)

// MutationTable reports whether the table accepts queued mutations. Field
// devices only ever write beds, observations and day actions; everything
// else is reference data owned by the backend.
func MutationTable(table string) bool {
	switch table {
	case TableBeds, TableObservations, TableDayActions:
		return true
	}
	return false
}

// Local entity rows carry two identities: LocalID is the client-generated
// primary key used for every local join, ServerID is the backend-assigned
// integer, nil until reconciliation (or a warmer pass) learns it. Foreign
// keys between local rows are always local IDs.

type Farm struct {
	LocalID   uuid.UUID  `json:"local_id" db:"local_id"`
	ServerID  *int64     `json:"server_id,omitempty" db:"server_id"`
	Name      string     `json:"name" db:"name"`
	Location  *string    `json:"location,omitempty" db:"location"`
	DeletedAt *time.Time `json:"deleted_at,omitempty" db:"deleted_at"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`
}

type Block struct {
	LocalID     uuid.UUID  `json:"local_id" db:"local_id"`
	ServerID    *int64     `json:"server_id,omitempty" db:"server_id"`
	FarmLocalID uuid.UUID  `json:"farm_local_id" db:"farm_local_id"`
	Name        string     `json:"name" db:"name"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty" db:"deleted_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
}

type Variety struct {
	LocalID   uuid.UUID  `json:"local_id" db:"local_id"`
	ServerID  *int64     `json:"server_id,omitempty" db:"server_id"`
	Name      string     `json:"name" db:"name"`
	Species   *string    `json:"species,omitempty" db:"species"`
	DeletedAt *time.Time `json:"deleted_at,omitempty" db:"deleted_at"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`
}

type PlantingGroup struct {
	LocalID        uuid.UUID  `json:"local_id" db:"local_id"`
	ServerID       *int64     `json:"server_id,omitempty" db:"server_id"`
	BlockLocalID   uuid.UUID  `json:"block_local_id" db:"block_local_id"`
	VarietyLocalID uuid.UUID  `json:"variety_local_id" db:"variety_local_id"`
	Name           string     `json:"name" db:"name"`
	PlantedAt      *time.Time `json:"planted_at,omitempty" db:"planted_at"`
	DeletedAt      *time.Time `json:"deleted_at,omitempty" db:"deleted_at"`
	UpdatedAt      time.Time  `json:"updated_at" db:"updated_at"`
}

type Bed struct {
	LocalID      uuid.UUID  `json:"local_id" db:"local_id"`
	ServerID     *int64     `json:"server_id,omitempty" db:"server_id"`
	BlockLocalID uuid.UUID  `json:"block_local_id" db:"block_local_id"`
	GroupLocalID *uuid.UUID `json:"group_local_id,omitempty" db:"group_local_id"`
	Name         string     `json:"name" db:"name"`
	DeletedAt    *time.Time `json:"deleted_at,omitempty" db:"deleted_at"`
	UpdatedAt    time.Time  `json:"updated_at" db:"updated_at"`
}

type Observation struct {
	LocalID    uuid.UUID  `json:"local_id" db:"local_id"`
	ServerID   *int64     `json:"server_id,omitempty" db:"server_id"`
	BedLocalID uuid.UUID  `json:"bed_local_id" db:"bed_local_id"`
	Note       string     `json:"note" db:"note"`
	ObservedAt time.Time  `json:"observed_at" db:"observed_at"`
	DeletedAt  *time.Time `json:"deleted_at,omitempty" db:"deleted_at"`
	UpdatedAt  time.Time  `json:"updated_at" db:"updated_at"`
}
