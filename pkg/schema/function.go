package schema

// Function is a computed field backed by getter/setter/searcher callables.
// It has no column of its own; Wraps describes the value type (and is used
// for validation and decoding of computed values).
type Function struct {
	Wraps    Field
	Getter   Getter
	Setter   Setter
	Searcher Searcher
}

func (f *Function) FieldName() string   { return f.Wraps.FieldName() }
func (f *Function) IsRequired() bool    { return f.Wraps.IsRequired() }
func (f *Function) IsReadOnly() bool    { return f.Setter == nil }
func (f *Function) IsSensitive() bool   { return f.Wraps.IsSensitive() }
func (f *Function) Stored() bool        { return false }
func (f *Function) Eager() bool         { return false }
func (f *Function) SQLType() string     { return "" }
func (f *Function) Validate(v any) error { return f.Wraps.Validate(v) }
func (f *Function) Decode(v any) (any, error) { return f.Wraps.Decode(v) }
func (f *Function) Encode(v any) (any, error) { return f.Wraps.Encode(v) }
func (f *Function) ConstraintDomain() Domain  { return nil }
func (f *Function) SetPriority() int          { return f.Wraps.SetPriority() }

// MultiValue is a function-like field whose value depends on ambient context
// keys (typically the company). Values live in a companion table holding one
// override row per (record, pattern) combination; the base Wraps field
// describes the value column.
type MultiValue struct {
	Wraps Field
	// Pattern lists the context keys an override row is keyed by.
	Pattern []string
}

func (f *MultiValue) FieldName() string   { return f.Wraps.FieldName() }
func (f *MultiValue) IsRequired() bool    { return f.Wraps.IsRequired() }
func (f *MultiValue) IsReadOnly() bool    { return f.Wraps.IsReadOnly() }
func (f *MultiValue) IsSensitive() bool   { return f.Wraps.IsSensitive() }
func (f *MultiValue) Stored() bool        { return false }
func (f *MultiValue) Eager() bool         { return false }
func (f *MultiValue) SQLType() string     { return "" }
func (f *MultiValue) Validate(v any) error { return f.Wraps.Validate(v) }
func (f *MultiValue) Decode(v any) (any, error) { return f.Wraps.Decode(v) }
func (f *MultiValue) Encode(v any) (any, error) { return f.Wraps.Encode(v) }
func (f *MultiValue) ConstraintDomain() Domain  { return f.Wraps.ConstraintDomain() }
func (f *MultiValue) SetPriority() int          { return f.Wraps.SetPriority() }

// ValueTable names the companion table holding the override rows.
func (f *MultiValue) ValueTable(model *Model) string {
	return model.TableName() + "__" + f.FieldName() + "_value"
}
