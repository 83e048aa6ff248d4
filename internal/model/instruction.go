package model

import "time"

// Instruction operation types. "general" applies to every operation on the
// entity; the others are operation specific.
const (
	OperationGeneral = "general"
	OperationQuery   = "query"
	OperationCreate  = "create"
	OperationUpdate  = "update"
	OperationDelete  = "delete"
)

// Instruction is curated guidance for working with one entity through OData.
// At most one instruction exists per (entity, operation) pair.
type Instruction struct {
	ID            string    `db:"id" json:"id"`
	EntityName    string    `db:"entity_name" json:"entity_name"`
	OperationType string    `db:"operation_type" json:"operation_type"`
	Instructions  string    `db:"instructions" json:"instructions"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time `db:"updated_at" json:"updated_at"`
}

// InstructionStats aggregates usefulness feedback for one instruction.
type InstructionStats struct {
	InstructionID  string     `db:"instruction_id" json:"instruction_id"`
	UsefulCount    int        `db:"useful_count" json:"useful_count"`
	NotUsefulCount int        `db:"not_useful_count" json:"not_useful_count"`
	LastRatedAt    *time.Time `db:"last_rated_at" json:"last_rated_at,omitempty"`
}
