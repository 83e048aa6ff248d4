package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/dyngate/dyngate/internal/model"
)

// Save modes for instructions that already exist for an entity/operation.
const (
	SaveModeReplace = "replace"
	SaveModeAppend  = "append"
)

// SaveInstruction stores guidance for one entity/operation pair. When an
// instruction already exists, mode decides whether the text replaces it or
// is appended beneath it. Returns the stored instruction.
func (s *Store) SaveInstruction(ctx context.Context, entityName, operationType, text, mode string) (*model.Instruction, error) {
	if operationType == "" {
		operationType = model.OperationGeneral
	}
	if mode == "" {
		mode = SaveModeReplace
	}

	var result *model.Instruction
	err := inTx(ctx, s.db, func(tx *sqlx.Tx) error {
		var existing model.Instruction
		err := tx.GetContext(ctx, &existing, `
			SELECT id, entity_name, operation_type, instructions, created_at, updated_at
			FROM entity_instructions
			WHERE entity_name = ? AND operation_type = ?`, entityName, operationType)

		switch {
		case errors.Is(err, sql.ErrNoRows):
			inst := model.Instruction{
				ID:            uuid.NewString(),
				EntityName:    entityName,
				OperationType: operationType,
				Instructions:  text,
			}
			_, err := tx.ExecContext(ctx, `
				INSERT INTO entity_instructions (id, entity_name, operation_type, instructions)
				VALUES (?, ?, ?, ?)`,
				inst.ID, inst.EntityName, inst.OperationType, inst.Instructions)
			if err != nil {
				return fmt.Errorf("inserting instruction: %w", err)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO instruction_usage_stats (instruction_id) VALUES (?)`, inst.ID); err != nil {
				return fmt.Errorf("initializing usage stats: %w", err)
			}
			result = &inst
			return nil

		case err != nil:
			return fmt.Errorf("checking existing instruction: %w", err)
		}

		updated := text
		if mode == SaveModeAppend && existing.Instructions != "" {
			updated = existing.Instructions + "\n\n" + text
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE entity_instructions
			SET instructions = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?`, updated, existing.ID)
		if err != nil {
			return fmt.Errorf("updating instruction: %w", err)
		}
		existing.Instructions = updated
		result = &existing
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GetEntityInstructions returns the instructions that apply to an operation
// on an entity: the operation-specific one plus the general one, if present.
// An empty operationType returns every instruction for the entity.
func (s *Store) GetEntityInstructions(ctx context.Context, entityName, operationType string) ([]model.Instruction, error) {
	var rows []model.Instruction
	var err error
	if operationType == "" {
		err = s.db.SelectContext(ctx, &rows, `
			SELECT id, entity_name, operation_type, instructions, created_at, updated_at
			FROM entity_instructions
			WHERE entity_name = ?
			ORDER BY operation_type ASC`, entityName)
	} else {
		err = s.db.SelectContext(ctx, &rows, `
			SELECT id, entity_name, operation_type, instructions, created_at, updated_at
			FROM entity_instructions
			WHERE entity_name = ? AND operation_type IN (?, ?)
			ORDER BY operation_type ASC`, entityName, operationType, model.OperationGeneral)
	}
	if err != nil {
		return nil, fmt.Errorf("loading instructions for %q: %w", entityName, err)
	}
	if rows == nil {
		rows = []model.Instruction{}
	}
	return rows, nil
}

// RateInstruction records usefulness feedback for one instruction. Returns
// ErrNotFound when the instruction does not exist.
func (s *Store) RateInstruction(ctx context.Context, instructionID string, useful bool) error {
	column := "not_useful_count"
	if useful {
		column = "useful_count"
	}
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE instruction_usage_stats
		SET %s = %s + 1, last_rated_at = CURRENT_TIMESTAMP
		WHERE instruction_id = ?`, column, column), instructionID)
	if err != nil {
		return fmt.Errorf("rating instruction: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rating instruction: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// InstructionStats returns the accumulated feedback for one instruction.
func (s *Store) InstructionStats(ctx context.Context, instructionID string) (*model.InstructionStats, error) {
	var stats model.InstructionStats
	err := s.db.GetContext(ctx, &stats, `
		SELECT instruction_id, useful_count, not_useful_count, last_rated_at
		FROM instruction_usage_stats
		WHERE instruction_id = ?`, instructionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading instruction stats: %w", err)
	}
	return &stats, nil
}
