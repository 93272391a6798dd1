// Package schema holds the field descriptor layer and the model registry:
// typed field definitions that know their SQL column, how to validate and
// convert their values, and how relational fields resolve their targets.
//
// Field access from the storage engine always goes through this fixed
// capability interface; there is no reflection or attribute magic involved.
package schema

import (
	"context"

	"github.com/quarrylabs/quarry/pkg/apperrors"
	"github.com/quarrylabs/quarry/pkg/domain"
	"github.com/quarrylabs/quarry/pkg/pyson"
)

// Field is the capability interface every field descriptor implements.
type Field interface {
	FieldName() string
	IsRequired() bool
	IsReadOnly() bool
	IsSensitive() bool

	// Stored reports whether the field has a physical column on the model's
	// table. Function fields (except MultiValue) are not stored.
	Stored() bool

	// Eager reports whether search hydration populates this field into the
	// record caches. Collection fields are always lazy.
	Eager() bool

	// SQLType returns the column DDL type, empty when not stored.
	SQLType() string

	// Validate checks the field-local invariant (size, digits, selection,
	// forbidden characters) on a canonical value. Required-ness is checked
	// by the validation engine, not here.
	Validate(v any) error

	// Decode converts a value scanned from SQL into the canonical Go value.
	Decode(v any) (any, error)

	// Encode converts a canonical Go value into a SQL parameter.
	Encode(v any) (any, error)

	// ConstraintDomain returns the per-field domain constraint, nil if none.
	// Leaf values inside it may be pyson expressions evaluated per record
	// context by the validation engine.
	ConstraintDomain() domain.Domain

	// SetPriority orders deferred setter application after create: fields
	// whose setters depend on other computed fields carry a higher value.
	SetPriority() int
}

// Env is the minimal storage surface handed to function-field callables. The
// storage engine's transaction satisfies it.
type Env interface {
	Search(ctx context.Context, model string, d domain.Domain) ([]int64, error)
	Read(ctx context.Context, model string, ids []int64, fields []string) (map[int64]map[string]any, error)
}

// Getter computes a function field's value for a batch of records.
type Getter func(ctx context.Context, env Env, ids []int64) (map[int64]any, error)

// Setter applies a value written to a function field.
type Setter func(ctx context.Context, env Env, ids []int64, value any) error

// Searcher rewrites a domain leaf on a function field into a searchable
// sub-domain.
type Searcher func(leaf domain.Leaf) (domain.Domain, error)

// DefaultFunc produces a default value for a field missing from a create
// value set, given the transaction's ambient context.
type DefaultFunc func(env pyson.Env) any

// Base carries the options common to all field kinds. Concrete fields embed
// it.
type Base struct {
	Name      string
	Required  bool
	ReadOnly  bool
	Sensitive bool
	Help      string
	// Domain is the per-field domain constraint validated after mutations.
	Domain domain.Domain
	// Priority orders deferred setters; see Field.SetPriority.
	Priority int
	// Lazy suppresses eager hydration for an otherwise eager scalar.
	Lazy bool
}

func (b *Base) FieldName() string                { return b.Name }
func (b *Base) IsRequired() bool                 { return b.Required }
func (b *Base) IsReadOnly() bool                 { return b.ReadOnly }
func (b *Base) IsSensitive() bool                { return b.Sensitive }
func (b *Base) Stored() bool                     { return true }
func (b *Base) Eager() bool                      { return !b.Lazy }
func (b *Base) Validate(any) error               { return nil }
func (b *Base) Decode(v any) (any, error)        { return v, nil }
func (b *Base) Encode(v any) (any, error)        { return v, nil }
func (b *Base) ConstraintDomain() domain.Domain  { return b.Domain }
func (b *Base) SetPriority() int                 { return b.Priority }

func validationError(kind apperrors.ValidationKind, field, message string) error {
	return &apperrors.ValidationError{Kind: kind, Field: field, Message: message}
}
