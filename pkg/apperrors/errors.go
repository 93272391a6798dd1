// Package apperrors defines the error taxonomy of the storage engine.
//
// Errors fall into four families: access errors (permission denied before any
// SQL runs), validation errors (invariant broken after a mutation executed),
// integrity errors (database-level constraint violations re-diagnosed into a
// specific message), and concurrency errors (optimistic timestamp mismatch,
// retryable by the caller after a re-read).
package apperrors

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrUnknownModel  = errors.New("unknown model")
	ErrUnknownField  = errors.New("unknown field")
	ErrReadOnlyModel = errors.New("model is read-only")
)

// ValidationKind identifies which invariant a ValidationError broke.
type ValidationKind string

const (
	ValidationRequired           ValidationKind = "required"
	ValidationSize               ValidationKind = "size"
	ValidationDigits             ValidationKind = "digits"
	ValidationSelection          ValidationKind = "selection"
	ValidationDomain             ValidationKind = "domain"
	ValidationForbiddenCharacter ValidationKind = "forbidden_character"
	ValidationTimeFormat         ValidationKind = "time_format"
)

// ValidationError reports a business-invariant violation on a specific field
// of specific records. It is raised after the mutation's SQL already executed;
// the caller is expected to roll back the enclosing transaction.
type ValidationError struct {
	Kind    ValidationKind
	Model   string
	Field   string
	IDs     []int64
	Message string
	// CounterDomain, when set, is a human-oriented rendering of the domain
	// the offending related record failed to satisfy.
	CounterDomain string
}

func (e *ValidationError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("validation failed on %s.%s: %s", e.Model, e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed on %s.%s: %s", e.Model, e.Field, e.Kind)
}

// AccessError reports a model, field or row level permission failure. It is
// never retried. Model and field checks raise it before any SQL is issued;
// row checks raise it after the rule filter excluded the requested rows.
type AccessError struct {
	Model  string
	Fields []string
	Mode   string
	IDs    []int64
	// Rules names the row-level rules that excluded the records, when
	// determinable.
	Rules []string
}

func (e *AccessError) Error() string {
	if len(e.Fields) > 0 {
		return fmt.Sprintf("access denied: %s on %s fields %v", e.Mode, e.Model, e.Fields)
	}
	if len(e.IDs) > 0 {
		return fmt.Sprintf("access denied: %s on %s records %v", e.Mode, e.Model, e.IDs)
	}
	return fmt.Sprintf("access denied: %s on %s", e.Mode, e.Model)
}

// IntegrityKind identifies the database constraint family behind an
// IntegrityError.
type IntegrityKind string

const (
	IntegrityForeignKey IntegrityKind = "foreign_key"
	IntegrityUnique     IntegrityKind = "unique"
	IntegrityCheck      IntegrityKind = "check"
	IntegrityRestrict   IntegrityKind = "restrict"
)

// IntegrityError is a referential/uniqueness/check failure first detected by
// the database and then mapped back to a named model constraint where
// possible.
type IntegrityError struct {
	Kind       IntegrityKind
	Model      string
	Constraint string
	Message    string
}

func (e *IntegrityError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("integrity error on %s: %s", e.Model, e.Message)
	}
	return fmt.Sprintf("integrity error on %s: %s constraint %q", e.Model, e.Kind, e.Constraint)
}

// ConcurrencyError reports an optimistic-lock timestamp mismatch. The record
// was modified after the caller read it; the caller must re-read and retry.
type ConcurrencyError struct {
	Model string
	ID    int64
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("concurrent modification of %s(%d)", e.Model, e.ID)
}

// IsRetryable reports whether the caller can expect a retry after re-reading
// to succeed. Only concurrency conflicts qualify.
func IsRetryable(err error) bool {
	var c *ConcurrencyError
	return errors.As(err, &c)
}
