package schema

import (
	"fmt"
	"strconv"
	"strings"
)

// OnDelete is the referential policy applied when a referenced record is
// deleted.
type OnDelete string

const (
	// Restrict (the default) refuses the delete while referencing rows
	// survive outside the batch being deleted.
	Restrict OnDelete = "RESTRICT"
	// Cascade deletes referencing rows first.
	Cascade OnDelete = "CASCADE"
	// SetNull nulls the referencing column.
	SetNull OnDelete = "SET NULL"
)

// TreeKind selects the encoding for a self-referential many-to-one.
type TreeKind string

const (
	TreeNone TreeKind = ""
	// TreePath keeps a materialized path column ("1/4/9/").
	TreePath TreeKind = "path"
	// TreeNestedSet keeps left/right interval columns.
	TreeNestedSet TreeKind = "nested"
)

// Relational is implemented by every field resolving to a target model.
type Relational interface {
	Field
	TargetModel() string
}

// Many2One is a foreign key column. Self-referential ones may carry a tree
// encoding maintained by the storage engine.
type Many2One struct {
	Base
	Target   string
	OnDelete OnDelete
	Tree     TreeKind
	// PathField / LeftField / RightField name the encoding columns. The
	// loader fills defaults ("path", "lft", "rgt").
	PathField  string
	LeftField  string
	RightField string
}

func (f *Many2One) SQLType() string     { return "BIGINT" }
func (f *Many2One) TargetModel() string { return f.Target }

func (f *Many2One) Policy() OnDelete {
	if f.OnDelete == "" {
		return Restrict
	}
	return f.OnDelete
}

func (f *Many2One) Encode(v any) (any, error) {
	switch id := v.(type) {
	case nil:
		return nil, nil
	case int64:
		return id, nil
	case int:
		return int64(id), nil
	}
	return nil, fmt.Errorf("field %s: cannot encode %T as foreign key", f.Name, v)
}

func (f *Many2One) Decode(v any) (any, error) {
	switch id := v.(type) {
	case nil:
		return nil, nil
	case int64:
		return id, nil
	case int32:
		return int64(id), nil
	}
	return nil, fmt.Errorf("field %s: cannot decode %T as foreign key", f.Name, v)
}

// Collection marks fields holding sets of related records. They are never
// stored on the model's own table and never hydrated eagerly.
type Collection interface {
	Relational
	collection()
}

// One2Many is the inverse of a many-to-one on the target model.
type One2Many struct {
	Base
	Target string
	// Inverse names the Many2One field on the target pointing back here.
	Inverse string
	// Order sorts the collection when read.
	Order []Order
	// Size, when positive, caps the collection length.
	Size int
	// Filter is ANDed into every read and instruction applied through this
	// field.
	Filter Domain
}

func (f *One2Many) Stored() bool        { return false }
func (f *One2Many) SQLType() string     { return "" }
func (f *One2Many) Eager() bool         { return false }
func (f *One2Many) TargetModel() string { return f.Target }
func (f *One2Many) collection()         {}

// Many2Many relates through a junction table of (origin, target) pairs.
type Many2Many struct {
	Base
	Target string
	// RelationTable, OriginColumn and TargetColumn describe the junction.
	// The loader fills defaults from the model and target table names.
	RelationTable string
	OriginColumn  string
	TargetColumn  string
	Order         []Order
	Size          int
	Filter        Domain
}

func (f *Many2Many) Stored() bool        { return false }
func (f *Many2Many) SQLType() string     { return "" }
func (f *Many2Many) Eager() bool         { return false }
func (f *Many2Many) TargetModel() string { return f.Target }
func (f *Many2Many) collection()         {}

// One2One is a many-to-many constrained to at most one pair per side.
type One2One struct {
	Base
	Target        string
	RelationTable string
	OriginColumn  string
	TargetColumn  string
}

func (f *One2One) Stored() bool        { return false }
func (f *One2One) SQLType() string     { return "" }
func (f *One2One) Eager() bool         { return false }
func (f *One2One) TargetModel() string { return f.Target }

// Reference is a polymorphic foreign key stored as "model_name,id". The
// target model is resolved at read time.
type Reference struct {
	Base
	// Selection limits which models the reference may point at; empty means
	// unrestricted.
	Selection []string
}

func (f *Reference) SQLType() string { return "VARCHAR" }

func (f *Reference) Validate(v any) error {
	if v == nil {
		return nil
	}
	s, ok := v.(string)
	if !ok {
		return fmt.Errorf("field %s: reference value must be a string, got %T", f.Name, v)
	}
	model, _, err := ParseReference(s)
	if err != nil {
		return fmt.Errorf("field %s: %w", f.Name, err)
	}
	if len(f.Selection) == 0 {
		return nil
	}
	for _, allowed := range f.Selection {
		if allowed == model {
			return nil
		}
	}
	return fmt.Errorf("field %s: model %q is not a valid reference target", f.Name, model)
}

// ParseReference splits a "model_name,id" reference value.
func ParseReference(s string) (string, int64, error) {
	model, idPart, ok := strings.Cut(s, ",")
	if !ok || model == "" {
		return "", 0, fmt.Errorf("malformed reference %q", s)
	}
	id, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("malformed reference %q: %w", s, err)
	}
	return model, id, nil
}

// FormatReference builds a "model_name,id" reference value.
func FormatReference(model string, id int64) string {
	return model + "," + strconv.FormatInt(id, 10)
}
