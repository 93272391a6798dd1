package schema

import (
	"fmt"
	"strings"

	"github.com/quarrylabs/quarry/pkg/apperrors"
	"github.com/quarrylabs/quarry/pkg/domain"
)

// Domain aliases the filter tree type so field definitions stay terse.
type Domain = domain.Domain

// System columns present on every physical model table. create_date and
// write_date back the optimistic timestamp check.
const (
	ColID         = "id"
	ColCreateDate = "create_date"
	ColWriteDate  = "write_date"
	ColCreateUID  = "create_uid"
	ColWriteUID   = "write_uid"
)

// SystemColumns in table order.
var SystemColumns = []string{ColID, ColCreateDate, ColWriteDate, ColCreateUID, ColWriteUID}

// IsSystemColumn reports whether name is one of the engine-managed columns.
func IsSystemColumn(name string) bool {
	switch name {
	case ColID, ColCreateDate, ColWriteDate, ColCreateUID, ColWriteUID:
		return true
	}
	return false
}

// Order is one sort key of a model's default ordering or a collection order.
type Order struct {
	Field string
	Desc  bool
}

// ConstraintKind distinguishes the SQL constraint families a model declares.
type ConstraintKind string

const (
	Unique  ConstraintKind = "UNIQUE"
	Check   ConstraintKind = "CHECK"
	Exclude ConstraintKind = "EXCLUDE"
)

// Constraint is a model-level SQL constraint. Its database name is
// "<table>_<id>" so integrity errors map back to Message.
type Constraint struct {
	ID      string
	Kind    ConstraintKind
	Columns []string
	// Expression holds the CHECK or EXCLUDE body.
	Expression string
	Message    string
}

// SQLName returns the backend-side constraint name.
func (c Constraint) SQLName(table string) string {
	return table + "_" + c.ID
}

// Model is a named entity type: an ordered field schema over a backing table
// or a virtual table query.
type Model struct {
	Name string
	// History enables the shadow "__history" table and as-of reads.
	History bool
	// TableQuery, when set, makes the model virtual: reads select from this
	// derived query and mutations are rejected.
	TableQuery string
	// RecName names the field used as the record's display name and as the
	// fallback sort key for relational ordering. Defaults to "name" when
	// such a field exists.
	RecName string
	// Order is the default search ordering; id ascending when empty.
	Order []Order
	// Defaults computes values for fields missing from create value sets.
	Defaults map[string]DefaultFunc

	Constraints []Constraint

	fields map[string]Field
	names  []string
}

// NewModel builds a model from an ordered field list.
func NewModel(name string, fields ...Field) *Model {
	m := &Model{
		Name:     name,
		Defaults: make(map[string]DefaultFunc),
		fields:   make(map[string]Field, len(fields)),
	}
	for _, f := range fields {
		m.addField(f)
	}
	if m.RecName == "" {
		if _, ok := m.fields["name"]; ok {
			m.RecName = "name"
		}
	}
	return m
}

func (m *Model) addField(f Field) {
	name := f.FieldName()
	if _, dup := m.fields[name]; !dup {
		m.names = append(m.names, name)
	}
	m.fields[name] = f
}

// TableName derives the physical table name from the dotted model name.
func (m *Model) TableName() string {
	return strings.ReplaceAll(m.Name, ".", "_")
}

// HistoryTable names the shadow table for history-enabled models.
func (m *Model) HistoryTable() string {
	return m.TableName() + "__history"
}

// Virtual reports whether the model is backed by a table query instead of a
// physical table.
func (m *Model) Virtual() bool {
	return m.TableQuery != ""
}

// Field resolves a field by name.
func (m *Model) Field(name string) (Field, error) {
	f, ok := m.fields[name]
	if !ok {
		return nil, fmt.Errorf("%s.%s: %w", m.Name, name, apperrors.ErrUnknownField)
	}
	return f, nil
}

// HasField reports whether the model declares the field.
func (m *Model) HasField(name string) bool {
	_, ok := m.fields[name]
	return ok
}

// FieldNames returns the declaration-ordered field names.
func (m *Model) FieldNames() []string {
	out := make([]string, len(m.names))
	copy(out, m.names)
	return out
}

// StoredFields returns declaration-ordered fields with a physical column.
func (m *Model) StoredFields() []Field {
	var out []Field
	for _, name := range m.names {
		if f := m.fields[name]; f.Stored() {
			out = append(out, f)
		}
	}
	return out
}

// EagerFields returns the stored fields hydrated into caches on search.
func (m *Model) EagerFields() []Field {
	var out []Field
	for _, name := range m.names {
		if f := m.fields[name]; f.Stored() && f.Eager() {
			out = append(out, f)
		}
	}
	return out
}

// SensitiveFields returns a set of field names whose values must be redacted
// in logs.
func (m *Model) SensitiveFields() map[string]bool {
	out := make(map[string]bool)
	for _, name := range m.names {
		if m.fields[name].IsSensitive() {
			out[name] = true
		}
	}
	return out
}

// DefaultOrder resolves the model's sort keys: declared order, then record
// name, then id.
func (m *Model) DefaultOrder() []Order {
	if len(m.Order) > 0 {
		return m.Order
	}
	if m.RecName != "" {
		return []Order{{Field: m.RecName}, {Field: ColID}}
	}
	return []Order{{Field: ColID}}
}
