package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/quarrylabs/quarry/pkg/apperrors"
	"github.com/quarrylabs/quarry/pkg/schema"
)

// Postgres error codes the engine re-diagnoses into its own taxonomy.
const (
	pgNotNullViolation    = "23502"
	pgForeignKeyViolation = "23503"
	pgUniqueViolation     = "23505"
	pgCheckViolation      = "23514"
	pgExclusionViolation  = "23P01"
	pgLockNotAvailable    = "55P03"
	pgSerializationFail   = "40001"
	pgDeadlockDetected    = "40P01"
)

// diagnose maps a low-level database error onto the engine's error taxonomy,
// resolving constraint names back to declared model constraints so the
// caller sees the constraint's message, not the SQLSTATE.
func (e *Engine) diagnose(_ context.Context, _ *Transaction, m *schema.Model, err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return fmt.Errorf("database error on %s: %w", m.Name, err)
	}

	switch pgErr.Code {
	case pgNotNullViolation:
		return &apperrors.ValidationError{
			Kind:  apperrors.ValidationRequired,
			Model: m.Name,
			Field: pgErr.ColumnName,
		}
	case pgForeignKeyViolation:
		return &apperrors.IntegrityError{
			Kind:       apperrors.IntegrityForeignKey,
			Model:      m.Name,
			Constraint: pgErr.ConstraintName,
			Message:    e.constraintMessage(m, pgErr.ConstraintName),
		}
	case pgUniqueViolation:
		return &apperrors.IntegrityError{
			Kind:       apperrors.IntegrityUnique,
			Model:      m.Name,
			Constraint: pgErr.ConstraintName,
			Message:    e.constraintMessage(m, pgErr.ConstraintName),
		}
	case pgCheckViolation, pgExclusionViolation:
		return &apperrors.IntegrityError{
			Kind:       apperrors.IntegrityCheck,
			Model:      m.Name,
			Constraint: pgErr.ConstraintName,
			Message:    e.constraintMessage(m, pgErr.ConstraintName),
		}
	case pgLockNotAvailable, pgSerializationFail, pgDeadlockDetected:
		return &apperrors.ConcurrencyError{Model: m.Name}
	}
	return fmt.Errorf("database error on %s: %w", m.Name, pgErr)
}

// constraintMessage resolves a backend constraint name to the message of the
// model constraint that declared it. Unique indexes created for constraints
// share their SQL name with the declaration, so the lookup is exact.
func (e *Engine) constraintMessage(m *schema.Model, constraint string) string {
	if constraint == "" {
		return ""
	}
	table := m.TableName()
	for _, c := range m.Constraints {
		if c.SQLName(table) == constraint {
			return c.Message
		}
	}
	// The violated constraint may live on another model's table (junction
	// uniques, foreign keys from referencing tables).
	for _, other := range e.registry.Models() {
		for _, c := range other.Constraints {
			if c.SQLName(other.TableName()) == constraint {
				return c.Message
			}
		}
	}
	return ""
}
