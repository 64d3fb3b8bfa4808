package models

import (
	"time"

	"github.com/google/uuid"
)

// Operation is the kind of mutation an outbox item carries.
type Operation string

const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// ValidOperation reports whether op is one of the three mutation kinds.
func ValidOperation(op Operation) bool {
	switch op {
	case OperationCreate, OperationUpdate, OperationDelete:
		return true
	}
	return false
}

// OutboxStatus is the lifecycle state of a queued mutation.
//
// pending -> processing -> (deleted on success)
//
//	-> pending (transient failure, retry budget left)
//	-> failed  (dead-letter: retries exhausted or permanent rejection)
type OutboxStatus string

const (
	OutboxStatusPending    OutboxStatus = "pending"
	OutboxStatusProcessing OutboxStatus = "processing"
	OutboxStatusFailed     OutboxStatus = "failed"
)

// DeadLetterReason records why an item stopped being retried.
type DeadLetterReason string

const (
	DLQReasonMaxRetries      DeadLetterReason = "max_retries_exceeded"
	DLQReasonBackendRejected DeadLetterReason = "backend_rejected"
	DLQReasonInvalidPayload  DeadLetterReason = "invalid_payload"
	DLQReasonUnknownTable    DeadLetterReason = "unknown_table"
)

// OutboxItem is a durably queued mutation intent. Table, operation and
// payload are immutable after enqueue; only status, retry_count, enqueued_at
// and the error fields ever change.
type OutboxItem struct {
	ID         uuid.UUID    `json:"id" db:"id"`
	Table      string       `json:"table" db:"table_name"`
	Operation  Operation    `json:"operation" db:"operation"`
	Payload    JSONMap      `json:"payload" db:"payload"`
	EnqueuedAt time.Time    `json:"enqueued_at" db:"enqueued_at"`
	RetryCount int          `json:"retry_count" db:"retry_count"`
	Status     OutboxStatus `json:"status" db:"status"`

	// Set once the item stops retrying; empty while pending/processing.
	Reason    DeadLetterReason `json:"reason,omitempty" db:"reason"`
	LastError *string          `json:"last_error,omitempty" db:"last_error"`
	CreatedAt time.Time        `json:"created_at" db:"created_at"`
}
